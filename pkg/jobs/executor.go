package jobs

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/kralicky/supercut/pkg/logstream"
)

// Attempt is one execution of a job, handed to an Executor by a worker.
type Attempt struct {
	// A copy of the job as it was claimed. Attempts is already incremented.
	Job *Job
	// Output of this attempt. The executor may append to it; the worker closes
	// it once Execute returns.
	Output *logstream.Buffer
	// SetProgress records progress (0-100) of the attempt. Safe to call from
	// any goroutine while Execute is running.
	SetProgress func(percent int)
}

// Executor performs the work of a job.
type Executor interface {
	// Execute runs one attempt and returns the result to store for the job.
	//
	// The context carries the attempt's deadline (the job's timeout) and is
	// canceled with a cause matching ErrShutdown when the queue stops. Any
	// process started for the attempt must be bound to it.
	Execute(ctx context.Context, attempt *Attempt) (json.RawMessage, error)
}

type ExecutorFunc func(ctx context.Context, attempt *Attempt) (json.RawMessage, error)

func (f ExecutorFunc) Execute(ctx context.Context, attempt *Attempt) (json.RawMessage, error) {
	return f(ctx, attempt)
}

// ErrShutdown is the cause of the context given to an Executor when the
// queue is stopped while the attempt is running.
var ErrShutdown = errors.New("job queue shutting down")
