package jobs

import (
	"context"
	"encoding/json"
	"time"
)

// Store persists jobs. Implementations must be safe for concurrent use by
// multiple workers, and Claim must hand any given job to at most one caller
// per attempt.
type Store interface {
	// Create inserts a new queued job.
	Create(ctx context.Context, job *Job) error
	// Get returns a copy of the job with the given id, or ErrNotFound.
	Get(ctx context.Context, id string) (*Job, error)
	// List returns every job, oldest first.
	List(ctx context.Context) ([]*Job, error)
	// Claim atomically moves the oldest queued job whose NextRunAt is not after
	// now and whose attempts are not exhausted into the active state,
	// incrementing its attempt count. The job is leased until now plus its
	// timeout plus grace. It returns ErrNoJobReady if there is no such job.
	Claim(ctx context.Context, now time.Time, grace time.Duration) (*Job, error)
	// Complete stores the result of an active job and marks it completed.
	// Complete, Retry, Fail and SetProgress return ErrNotActive for a job
	// that exists but is not active.
	Complete(ctx context.Context, id string, result json.RawMessage) error
	// Retry puts an active job back in the queue, to be claimed no earlier
	// than nextRunAt.
	Retry(ctx context.Context, id string, nextRunAt time.Time, reason string) error
	// Fail marks an active job as terminally failed.
	Fail(ctx context.Context, id string, reason string) error
	SetProgress(ctx context.Context, id string, progress int) error
	// Recover re-queues (or fails, if out of attempts) every active job whose
	// lease expired before now, and returns how many jobs it touched. Jobs
	// still within their lease are left alone, whoever holds them.
	Recover(ctx context.Context, now time.Time) (int, error)
	Close() error
}
