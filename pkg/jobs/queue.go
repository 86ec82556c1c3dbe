package jobs

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/kralicky/supercut/pkg/logstream"
)

const (
	DefaultPollInterval    = 500 * time.Millisecond
	DefaultLeaseGrace      = time.Minute
	DefaultRecoverInterval = time.Minute
	DefaultOutputRetention = 10 * time.Minute
	DefaultWriteAttempts   = 5
)

// DefaultWriteBackoff spaces out attempts to record the outcome of a job.
var DefaultWriteBackoff = Backoff{
	InitialDelay: 100 * time.Millisecond,
	Multiplier:   2,
}

type Options struct {
	Store    Store
	Executor Executor
	// Applied to the zero fields of every submitted policy.
	DefaultPolicy Policy
	// How often idle workers look for due jobs. Workers are also woken up
	// immediately by Submit.
	PollInterval time.Duration
	// Added to a job's timeout to form the lease of each claimed attempt. It
	// must cover the time needed to stop a timed out process and record the
	// outcome.
	LeaseGrace time.Duration
	// How often jobs with expired leases are recovered while running.
	RecoverInterval time.Duration
	// How long the output of a finished job stays available.
	OutputRetention time.Duration
	// Recording the outcome of an attempt is tried up to WriteAttempts times,
	// WriteBackoff apart.
	WriteAttempts int
	WriteBackoff  Backoff
	// Clock used for scheduling retries and leases. Defaults to time.Now.
	Now func() time.Time
}

// Queue dispatches jobs from a Store to a pool of workers.
type Queue struct {
	Options
	wake chan struct{}

	outputsMu sync.Mutex
	outputs   map[string]*logstream.Buffer
}

func NewQueue(opts Options) *Queue {
	if opts.PollInterval <= 0 {
		opts.PollInterval = DefaultPollInterval
	}
	if opts.LeaseGrace <= 0 {
		opts.LeaseGrace = DefaultLeaseGrace
	}
	if opts.RecoverInterval <= 0 {
		opts.RecoverInterval = DefaultRecoverInterval
	}
	if opts.OutputRetention <= 0 {
		opts.OutputRetention = DefaultOutputRetention
	}
	if opts.WriteAttempts <= 0 {
		opts.WriteAttempts = DefaultWriteAttempts
	}
	if opts.WriteBackoff.InitialDelay <= 0 || opts.WriteBackoff.Multiplier <= 0 {
		opts.WriteBackoff = DefaultWriteBackoff
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	opts.DefaultPolicy = opts.DefaultPolicy.WithDefaults(DefaultPolicy)
	return &Queue{
		Options: opts,
		wake:    make(chan struct{}, 1),
		outputs: make(map[string]*logstream.Buffer),
	}
}

// Submit enqueues a new job for the given files and returns its id. It never
// waits for the job to run.
func (q *Queue) Submit(ctx context.Context, files []string, policy Policy, owner string) (string, error) {
	if len(files) == 0 {
		return "", errors.New("no files provided")
	}
	u := uuid.New()
	now := q.Now()
	job := &Job{
		ID:        hex.EncodeToString(u[:]),
		Files:     slices.Clone(files),
		State:     StateQueued,
		Policy:    policy.WithDefaults(q.DefaultPolicy),
		Owner:     owner,
		CreatedAt: now,
		UpdatedAt: now,
		NextRunAt: now,
	}
	if err := q.Store.Create(ctx, job); err != nil {
		return "", fmt.Errorf("failed to create job: %w", err)
	}
	slog.With(
		"id", job.ID,
		"files", len(files),
		"owner", owner,
	).Info("job submitted")

	select {
	case q.wake <- struct{}{}:
	default:
	}
	return job.ID, nil
}

// Status returns the current status of a job, or ErrNotFound.
func (q *Queue) Status(ctx context.Context, id string) (Status, error) {
	job, err := q.Store.Get(ctx, id)
	if err != nil {
		return Status{}, err
	}
	return job.Status(), nil
}

func (q *Queue) List(ctx context.Context) ([]Status, error) {
	jobs, err := q.Store.List(ctx)
	if err != nil {
		return nil, err
	}
	statuses := make([]Status, 0, len(jobs))
	for _, j := range jobs {
		statuses = append(statuses, j.Status())
	}
	return statuses, nil
}

// Output returns the output of the most recent attempt of a job that ran in
// this process. Output of finished jobs is kept for OutputRetention.
func (q *Queue) Output(id string) (*logstream.Buffer, bool) {
	q.outputsMu.Lock()
	defer q.outputsMu.Unlock()
	buf, ok := q.outputs[id]
	return buf, ok
}

// Run recovers jobs whose lease expired, then starts the given number of
// workers and blocks until ctx is canceled and every worker has returned.
// Expired leases keep being recovered while the queue runs. Attempts still
// running at shutdown are stopped and their jobs handed back to the queue.
func (q *Queue) Run(ctx context.Context, workers int) error {
	if workers < 1 {
		workers = 1
	}
	if err := q.recover(ctx); err != nil {
		return fmt.Errorf("failed to recover abandoned jobs: %w", err)
	}

	workerCtx, cancel := context.WithCancelCause(context.WithoutCancel(ctx))
	defer cancel(nil)

	var wg sync.WaitGroup
	wg.Add(workers + 1)
	for i := 0; i < workers; i++ {
		go func(i int) {
			defer wg.Done()
			q.worker(workerCtx, slog.With("worker", i))
		}(i)
	}
	go func() {
		defer wg.Done()
		ticker := time.NewTicker(q.RecoverInterval)
		defer ticker.Stop()
		for {
			select {
			case <-workerCtx.Done():
				return
			case <-ticker.C:
				if err := q.recover(workerCtx); err != nil && workerCtx.Err() == nil {
					slog.With("error", err).Error("failed to recover abandoned jobs")
				}
			}
		}
	}()
	slog.With("workers", workers).Info("job queue started")
	<-ctx.Done()
	cancel(ErrShutdown)
	wg.Wait()
	slog.Info("job queue stopped")
	return nil
}

func (q *Queue) recover(ctx context.Context) error {
	n, err := q.Store.Recover(ctx, q.Now())
	if err != nil {
		return err
	}
	if n > 0 {
		slog.With("count", n).Warn("recovered jobs with expired leases")
		select {
		case q.wake <- struct{}{}:
		default:
		}
	}
	return nil
}

func (q *Queue) worker(ctx context.Context, lg *slog.Logger) {
	ticker := time.NewTicker(q.PollInterval)
	defer ticker.Stop()
	for {
		if ctx.Err() != nil {
			return
		}
		job, err := q.Store.Claim(ctx, q.Now(), q.LeaseGrace)
		switch {
		case err == nil:
			q.process(ctx, job, lg.With("id", job.ID, "attempt", job.Attempts))
			continue
		case errors.Is(err, ErrNoJobReady):
		case ctx.Err() != nil:
			return
		default:
			lg.With("error", err).Error("failed to claim job")
		}
		select {
		case <-ctx.Done():
			return
		case <-q.wake:
		case <-ticker.C:
		}
	}
}

func (q *Queue) process(ctx context.Context, job *Job, lg *slog.Logger) {
	buf := logstream.NewBuffer()
	q.outputsMu.Lock()
	q.outputs[job.ID] = buf
	q.outputsMu.Unlock()

	lg.Info("job attempt started")
	start := time.Now()

	// store updates must not be canceled along with the attempt
	storeCtx := context.WithoutCancel(ctx)
	attemptCtx, cancel := context.WithTimeout(ctx, job.Policy.Timeout)
	result, err := q.Executor.Execute(attemptCtx, &Attempt{
		Job:    job.Clone(),
		Output: buf,
		SetProgress: func(percent int) {
			if err := q.Store.SetProgress(storeCtx, job.ID, min(max(percent, 0), 100)); err != nil {
				lg.With("error", err).Warn("failed to record progress")
			}
		},
	})
	interrupted := err != nil && errors.Is(context.Cause(attemptCtx), ErrShutdown)
	cancel()
	buf.Close()
	lg = lg.With("duration", time.Since(start))

	switch {
	case interrupted:
		lg.With("error", err).Warn("job attempt interrupted by shutdown")
		q.release(storeCtx, job, buf, InterruptedReason, 0, lg)
	case err == nil:
		if q.persist(storeCtx, lg, "store job result", func(ctx context.Context) error {
			return q.Store.Complete(ctx, job.ID, result)
		}) {
			lg.Info("job completed")
			q.expireOutput(job.ID, buf)
		}
	default:
		reason := failureReason(err)
		delay := job.Policy.Backoff.Delay(job.Attempts)
		if q.release(storeCtx, job, buf, reason, delay, lg) {
			lg.With("error", err, "retryIn", delay).Warn("job attempt failed; retrying")
		} else {
			lg.With("error", err).Error("job failed")
		}
	}
}

// release hands a job whose attempt did not succeed back to the queue, or
// fails it when it is out of attempts. It reports whether the job will be
// retried.
func (q *Queue) release(ctx context.Context, job *Job, buf *logstream.Buffer, reason string, delay time.Duration, lg *slog.Logger) bool {
	if job.Attempts < job.Policy.MaxAttempts {
		q.persist(ctx, lg, "reschedule job", func(ctx context.Context) error {
			return q.Store.Retry(ctx, job.ID, q.Now().Add(delay), reason)
		})
		return true
	}
	if q.persist(ctx, lg, "mark job failed", func(ctx context.Context) error {
		return q.Store.Fail(ctx, job.ID, reason)
	}) {
		q.expireOutput(job.ID, buf)
	}
	return false
}

// persist records the outcome of an attempt, retrying failed writes. If every
// try fails the job stays active until its lease expires and it is
// recovered.
func (q *Queue) persist(ctx context.Context, lg *slog.Logger, what string, write func(context.Context) error) bool {
	for i := 1; ; i++ {
		err := write(ctx)
		switch {
		case err == nil:
			return true
		case errors.Is(err, ErrNotActive), errors.Is(err, ErrNotFound):
			lg.With("error", err).Warn("failed to " + what + "; job is no longer held by this worker")
			return false
		case i >= q.WriteAttempts:
			lg.With("error", err, "tries", i).Error("failed to " + what + "; leaving it to lease recovery")
			return false
		}
		delay := q.WriteBackoff.Delay(i)
		lg.With("error", err, "retryIn", delay).Warn("failed to " + what)
		time.Sleep(delay)
	}
}

// expireOutput forgets the output of a finished job once the retention
// period has passed, unless a newer attempt replaced it.
func (q *Queue) expireOutput(id string, buf *logstream.Buffer) {
	time.AfterFunc(q.OutputRetention, func() {
		q.outputsMu.Lock()
		defer q.outputsMu.Unlock()
		if q.outputs[id] == buf {
			delete(q.outputs, id)
		}
	})
}

func failureReason(err error) string {
	reason := strings.TrimSpace(err.Error())
	if reason == "" {
		reason = "unknown error"
	}
	return reason
}
