package jobs

import (
	"context"
	"encoding/json"
	"fmt"
	"slices"
	"sort"
	"sync"
	"time"
)

// MemoryStore is a Store that keeps jobs in memory only. Everything is lost
// when the process exits.
type MemoryStore struct {
	mu    sync.Mutex
	jobs  map[string]*Job
	order []string // oldest first
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		jobs: make(map[string]*Job),
	}
}

func (s *MemoryStore) Create(_ context.Context, job *Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.jobs[job.ID]; ok {
		return fmt.Errorf("job %s already exists", job.ID)
	}
	s.jobs[job.ID] = job.Clone()
	// keep order sorted by creation time, ties in insertion order
	i := sort.Search(len(s.order), func(i int) bool {
		return s.jobs[s.order[i]].CreatedAt.After(job.CreatedAt)
	})
	s.order = slices.Insert(s.order, i, job.ID)
	return nil
}

func (s *MemoryStore) Get(_ context.Context, id string) (*Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[id]
	if !ok {
		return nil, ErrNotFound
	}
	return job.Clone(), nil
}

func (s *MemoryStore) List(_ context.Context) ([]*Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*Job, 0, len(s.order))
	for _, id := range s.order {
		out = append(out, s.jobs[id].Clone())
	}
	return out, nil
}

func (s *MemoryStore) Claim(_ context.Context, now time.Time, grace time.Duration) (*Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, id := range s.order {
		job := s.jobs[id]
		if job.State != StateQueued || job.NextRunAt.After(now) || job.Attempts >= job.Policy.MaxAttempts {
			continue
		}
		job.State = StateActive
		job.Attempts++
		job.UpdatedAt = now
		job.LeaseExpiresAt = now.Add(job.Policy.Timeout + grace)
		return job.Clone(), nil
	}
	return nil, ErrNoJobReady
}

// update applies fn to the active job with the given id.
func (s *MemoryStore) update(id string, fn func(*Job)) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[id]
	if !ok {
		return ErrNotFound
	}
	if job.State != StateActive {
		return fmt.Errorf("%w: job %s is %s", ErrNotActive, id, job.State)
	}
	fn(job)
	job.UpdatedAt = time.Now()
	return nil
}

func (s *MemoryStore) Complete(_ context.Context, id string, result json.RawMessage) error {
	return s.update(id, func(j *Job) {
		j.State = StateCompleted
		j.Result = slices.Clone(result)
		j.Progress = 100
	})
}

func (s *MemoryStore) Retry(_ context.Context, id string, nextRunAt time.Time, reason string) error {
	return s.update(id, func(j *Job) {
		j.State = StateQueued
		j.NextRunAt = nextRunAt
		j.FailureReason = reason
		j.Progress = 0
	})
}

func (s *MemoryStore) Fail(_ context.Context, id string, reason string) error {
	return s.update(id, func(j *Job) {
		j.State = StateFailed
		j.FailureReason = reason
	})
}

func (s *MemoryStore) SetProgress(_ context.Context, id string, progress int) error {
	return s.update(id, func(j *Job) {
		j.Progress = progress
	})
}

func (s *MemoryStore) Recover(_ context.Context, now time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, job := range s.jobs {
		if job.State != StateActive || !job.LeaseExpiresAt.Before(now) {
			continue
		}
		recoverJob(job, now)
		n++
	}
	return n, nil
}

func (s *MemoryStore) Close() error {
	return nil
}

const (
	// InterruptedReason is recorded for a job whose attempt was stopped by a
	// server shutdown.
	InterruptedReason = "interrupted by server shutdown"
	// AbandonedReason is recorded for a job recovered after its lease expired
	// without the attempt's outcome being stored.
	AbandonedReason = "attempt abandoned: lease expired"
)

func recoverJob(job *Job, now time.Time) {
	job.UpdatedAt = now
	job.Progress = 0
	job.FailureReason = AbandonedReason
	job.LeaseExpiresAt = time.Time{}
	if job.Attempts < job.Policy.MaxAttempts {
		job.State = StateQueued
		job.NextRunAt = now
	} else {
		job.State = StateFailed
	}
}
