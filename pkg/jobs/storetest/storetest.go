// Package storetest contains a shared test suite that every jobs.Store
// implementation is expected to pass.
package storetest

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/kralicky/supercut/pkg/jobs"
)

var epoch = time.Date(2024, time.March, 1, 12, 0, 0, 0, time.UTC)

const grace = time.Minute

func newJob(id string, createdAt time.Time) *jobs.Job {
	return &jobs.Job{
		ID:        id,
		Files:     []string{"uploads/b.mp4", "uploads/a.mp4"},
		State:     jobs.StateQueued,
		Policy:    jobs.DefaultPolicy,
		Owner:     "alice",
		CreatedAt: createdAt,
		UpdatedAt: createdAt,
		NextRunAt: createdAt,
	}
}

// StoreTestSuite returns a ginkgo container body exercising a jobs.Store.
// newStore is called before each spec and must return an empty store.
func StoreTestSuite(newStore func(ctx context.Context) jobs.Store) func() {
	return func() {
		var store jobs.Store
		BeforeEach(func(ctx SpecContext) {
			store = newStore(ctx)
			DeferCleanup(store.Close)
		})

		Context("creating and reading jobs", func() {
			It("should round-trip every field", func(ctx SpecContext) {
				job := newJob("j1", epoch)
				job.Policy = jobs.Policy{
					MaxAttempts: 5,
					Backoff:     jobs.Backoff{InitialDelay: 1500 * time.Millisecond, Multiplier: 1.5},
					Timeout:     time.Minute,
				}
				Expect(store.Create(ctx, job)).To(Succeed())

				got, err := store.Get(ctx, "j1")
				Expect(err).NotTo(HaveOccurred())
				Expect(got.ID).To(Equal("j1"))
				Expect(got.Files).To(Equal([]string{"uploads/b.mp4", "uploads/a.mp4"}))
				Expect(got.State).To(Equal(jobs.StateQueued))
				Expect(got.Attempts).To(BeZero())
				Expect(got.Policy).To(Equal(job.Policy))
				Expect(got.Owner).To(Equal("alice"))
				Expect(got.CreatedAt).To(BeTemporally("==", epoch))
				Expect(got.NextRunAt).To(BeTemporally("==", epoch))
			})
			It("should return ErrNotFound for unknown ids", func(ctx SpecContext) {
				_, err := store.Get(ctx, "missing")
				Expect(err).To(MatchError(jobs.ErrNotFound))
			})
			It("should reject duplicate ids", func(ctx SpecContext) {
				Expect(store.Create(ctx, newJob("j1", epoch))).To(Succeed())
				Expect(store.Create(ctx, newJob("j1", epoch))).NotTo(Succeed())
			})
			It("should list jobs oldest first", func(ctx SpecContext) {
				Expect(store.Create(ctx, newJob("b", epoch.Add(time.Second)))).To(Succeed())
				Expect(store.Create(ctx, newJob("a", epoch))).To(Succeed())
				Expect(store.Create(ctx, newJob("c", epoch.Add(2*time.Second)))).To(Succeed())
				list, err := store.List(ctx)
				Expect(err).NotTo(HaveOccurred())
				var ids []string
				for _, j := range list {
					ids = append(ids, j.ID)
				}
				Expect(ids).To(Equal([]string{"a", "b", "c"}))
			})
		})

		Context("claiming jobs", func() {
			It("should report when no job is ready", func(ctx SpecContext) {
				_, err := store.Claim(ctx, epoch, grace)
				Expect(err).To(MatchError(jobs.ErrNoJobReady))
			})
			It("should claim the oldest due job and count the attempt", func(ctx SpecContext) {
				Expect(store.Create(ctx, newJob("second", epoch.Add(time.Second)))).To(Succeed())
				Expect(store.Create(ctx, newJob("first", epoch))).To(Succeed())

				job, err := store.Claim(ctx, epoch.Add(time.Minute), grace)
				Expect(err).NotTo(HaveOccurred())
				Expect(job.ID).To(Equal("first"))
				Expect(job.State).To(Equal(jobs.StateActive))
				Expect(job.Attempts).To(Equal(1))

				stored, err := store.Get(ctx, "first")
				Expect(err).NotTo(HaveOccurred())
				Expect(stored.State).To(Equal(jobs.StateActive))
				Expect(stored.Attempts).To(Equal(1))

				job, err = store.Claim(ctx, epoch.Add(time.Minute), grace)
				Expect(err).NotTo(HaveOccurred())
				Expect(job.ID).To(Equal("second"))

				_, err = store.Claim(ctx, epoch.Add(time.Minute), grace)
				Expect(err).To(MatchError(jobs.ErrNoJobReady))
			})
			It("should not claim jobs scheduled in the future", func(ctx SpecContext) {
				Expect(store.Create(ctx, newJob("later", epoch.Add(time.Hour)))).To(Succeed())
				_, err := store.Claim(ctx, epoch, grace)
				Expect(err).To(MatchError(jobs.ErrNoJobReady))
				job, err := store.Claim(ctx, epoch.Add(time.Hour), grace)
				Expect(err).NotTo(HaveOccurred())
				Expect(job.ID).To(Equal("later"))
			})
			It("should hand each job to exactly one of many concurrent claimers", func(ctx SpecContext) {
				for i := 0; i < 10; i++ {
					Expect(store.Create(ctx, newJob(fmt.Sprint(i), epoch.Add(time.Duration(i)*time.Millisecond)))).To(Succeed())
				}
				var mu sync.Mutex
				claimed := map[string]int{}
				var wg sync.WaitGroup
				for i := 0; i < 20; i++ {
					wg.Add(1)
					go func() {
						defer GinkgoRecover()
						defer wg.Done()
						for {
							job, err := store.Claim(ctx, epoch.Add(time.Minute), grace)
							if err != nil {
								Expect(err).To(MatchError(jobs.ErrNoJobReady))
								return
							}
							mu.Lock()
							claimed[job.ID]++
							mu.Unlock()
						}
					}()
				}
				wg.Wait()
				Expect(claimed).To(HaveLen(10))
				for id, n := range claimed {
					Expect(n).To(Equal(1), "job %s claimed %d times", id, n)
				}
			})
		})

		Context("finishing attempts", func() {
			var job *jobs.Job
			BeforeEach(func(ctx SpecContext) {
				j := newJob("j1", epoch)
				j.Policy.MaxAttempts = 2
				Expect(store.Create(ctx, j)).To(Succeed())
				var err error
				job, err = store.Claim(ctx, epoch, grace)
				Expect(err).NotTo(HaveOccurred())
			})

			It("should store the result of a completed job", func(ctx SpecContext) {
				Expect(store.SetProgress(ctx, job.ID, 50)).To(Succeed())
				stored, err := store.Get(ctx, job.ID)
				Expect(err).NotTo(HaveOccurred())
				Expect(stored.Progress).To(Equal(50))

				result := json.RawMessage(`{"uploads/a.mp4":[{"content":"hi","start":0,"end":1}]}`)
				Expect(store.Complete(ctx, job.ID, result)).To(Succeed())
				stored, err = store.Get(ctx, job.ID)
				Expect(err).NotTo(HaveOccurred())
				Expect(stored.State).To(Equal(jobs.StateCompleted))
				Expect(stored.Result).To(MatchJSON(result))
				Expect(stored.Progress).To(Equal(100))

				st := stored.Status()
				Expect(st.Failed).To(BeFalse())
				Expect(st.Result).To(MatchJSON(result))
			})

			It("should requeue a retried job no earlier than its next run time", func(ctx SpecContext) {
				next := epoch.Add(time.Second)
				Expect(store.Retry(ctx, job.ID, next, "exit status 1")).To(Succeed())
				stored, err := store.Get(ctx, job.ID)
				Expect(err).NotTo(HaveOccurred())
				Expect(stored.State).To(Equal(jobs.StateQueued))
				Expect(stored.NextRunAt).To(BeTemporally("==", next))

				_, err = store.Claim(ctx, next.Add(-time.Millisecond), grace)
				Expect(err).To(MatchError(jobs.ErrNoJobReady))
				again, err := store.Claim(ctx, next, grace)
				Expect(err).NotTo(HaveOccurred())
				Expect(again.Attempts).To(Equal(2))
			})

			It("should never claim a job beyond its max attempts", func(ctx SpecContext) {
				Expect(store.Retry(ctx, job.ID, epoch, "first")).To(Succeed())
				_, err := store.Claim(ctx, epoch, grace)
				Expect(err).NotTo(HaveOccurred())
				Expect(store.Retry(ctx, job.ID, epoch, "second")).To(Succeed())
				_, err = store.Claim(ctx, epoch.Add(time.Hour), grace)
				Expect(err).To(MatchError(jobs.ErrNoJobReady))
			})

			It("should record the reason of a failed job", func(ctx SpecContext) {
				Expect(store.Fail(ctx, job.ID, "python3 exited with code 1")).To(Succeed())
				stored, err := store.Get(ctx, job.ID)
				Expect(err).NotTo(HaveOccurred())
				Expect(stored.State).To(Equal(jobs.StateFailed))
				st := stored.Status()
				Expect(st.Failed).To(BeTrue())
				Expect(st.FailureReason).To(Equal("python3 exited with code 1"))
				Expect(st.Result).To(BeNil())
			})

			It("should refuse to finish jobs that are not active", func(ctx SpecContext) {
				Expect(store.Complete(ctx, job.ID, json.RawMessage(`{}`))).To(Succeed())
				Expect(store.Fail(ctx, job.ID, "late")).To(MatchError(jobs.ErrNotActive))
				Expect(store.Retry(ctx, job.ID, epoch, "late")).To(MatchError(jobs.ErrNotActive))
				Expect(store.SetProgress(ctx, job.ID, 10)).To(MatchError(jobs.ErrNotActive))
				Expect(store.Complete(ctx, "missing", json.RawMessage(`{}`))).To(MatchError(jobs.ErrNotFound))
			})
		})

		Context("recovering abandoned jobs", func() {
			It("should lease claimed jobs for their timeout plus the grace period", func(ctx SpecContext) {
				Expect(store.Create(ctx, newJob("j1", epoch))).To(Succeed())
				job, err := store.Claim(ctx, epoch, grace)
				Expect(err).NotTo(HaveOccurred())
				lease := epoch.Add(jobs.DefaultPolicy.Timeout + grace)
				Expect(job.LeaseExpiresAt).To(BeTemporally("==", lease))

				stored, err := store.Get(ctx, "j1")
				Expect(err).NotTo(HaveOccurred())
				Expect(stored.LeaseExpiresAt).To(BeTemporally("==", lease))
			})

			It("should leave jobs alone while their lease lasts", func(ctx SpecContext) {
				Expect(store.Create(ctx, newJob("j1", epoch))).To(Succeed())
				_, err := store.Claim(ctx, epoch, grace)
				Expect(err).NotTo(HaveOccurred())

				for _, at := range []time.Time{
					epoch,
					epoch.Add(jobs.DefaultPolicy.Timeout),
					epoch.Add(jobs.DefaultPolicy.Timeout + grace),
				} {
					n, err := store.Recover(ctx, at)
					Expect(err).NotTo(HaveOccurred())
					Expect(n).To(BeZero(), "recovered at %s", at)
				}
				stored, err := store.Get(ctx, "j1")
				Expect(err).NotTo(HaveOccurred())
				Expect(stored.State).To(Equal(jobs.StateActive))
				Expect(stored.Attempts).To(Equal(1))

				Expect(store.Complete(ctx, "j1", json.RawMessage(`{}`))).To(Succeed())
			})

			It("should requeue expired jobs with attempts left and fail the rest", func(ctx SpecContext) {
				retryable := newJob("retryable", epoch)
				exhausted := newJob("exhausted", epoch.Add(time.Second))
				exhausted.Policy.MaxAttempts = 1
				idle := newJob("idle", epoch.Add(2*time.Second))
				idle.NextRunAt = epoch.Add(time.Hour)
				for _, j := range []*jobs.Job{retryable, exhausted, idle} {
					Expect(store.Create(ctx, j)).To(Succeed())
				}
				for i := 0; i < 2; i++ {
					_, err := store.Claim(ctx, epoch.Add(time.Minute), grace)
					Expect(err).NotTo(HaveOccurred())
				}

				expired := epoch.Add(time.Minute + jobs.DefaultPolicy.Timeout + grace + time.Millisecond)
				n, err := store.Recover(ctx, expired)
				Expect(err).NotTo(HaveOccurred())
				Expect(n).To(Equal(2))

				r, err := store.Get(ctx, "retryable")
				Expect(err).NotTo(HaveOccurred())
				Expect(r.State).To(Equal(jobs.StateQueued))
				Expect(r.Attempts).To(Equal(1))
				Expect(r.FailureReason).To(Equal(jobs.AbandonedReason))
				Expect(r.NextRunAt).To(BeTemporally("==", expired))

				e, err := store.Get(ctx, "exhausted")
				Expect(err).NotTo(HaveOccurred())
				Expect(e.State).To(Equal(jobs.StateFailed))
				Expect(e.FailureReason).To(Equal(jobs.AbandonedReason))

				i, err := store.Get(ctx, "idle")
				Expect(err).NotTo(HaveOccurred())
				Expect(i.State).To(Equal(jobs.StateQueued))
				Expect(i.NextRunAt).To(BeTemporally("==", epoch.Add(time.Hour)))

				// the worker that lost the lease can no longer finish the job
				Expect(store.Complete(ctx, "retryable", json.RawMessage(`{}`))).To(MatchError(jobs.ErrNotActive))
			})
		})
	}
}
