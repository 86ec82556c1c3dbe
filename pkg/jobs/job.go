package jobs

import (
	"encoding/json"
	"errors"
	"math"
	"slices"
	"time"
)

type State string

const (
	StateQueued    State = "queued"
	StateActive    State = "active"
	StateCompleted State = "completed"
	StateFailed    State = "failed"
)

// Terminal reports whether a job in this state will never change again.
func (s State) Terminal() bool {
	return s == StateCompleted || s == StateFailed
}

var (
	ErrNotFound = errors.New("job not found")
	// ErrNoJobReady is returned by Store.Claim when no queued job is due.
	ErrNoJobReady = errors.New("no job ready")
	// ErrNotActive is returned when finishing a job that is no longer active,
	// e.g. because its lease expired and it was recovered.
	ErrNotActive = errors.New("job is not active")
)

// Backoff describes the delay between failed attempts of a job.
type Backoff struct {
	InitialDelay time.Duration `json:"initialDelay" yaml:"initialDelay"`
	Multiplier   float64       `json:"multiplier" yaml:"multiplier"`
}

// Delay returns the time to wait before retrying a job whose attempt-th
// attempt (1-based) just failed: InitialDelay * Multiplier^(attempt-1).
func (b Backoff) Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	d := float64(b.InitialDelay) * math.Pow(b.Multiplier, float64(attempt-1))
	if d > math.MaxInt64 || math.IsInf(d, 0) || math.IsNaN(d) {
		return time.Duration(math.MaxInt64)
	}
	return time.Duration(d)
}

type Policy struct {
	MaxAttempts int           `json:"maxAttempts" yaml:"maxAttempts"`
	Backoff     Backoff       `json:"backoff" yaml:"backoff"`
	Timeout     time.Duration `json:"timeout" yaml:"timeout"`
}

var DefaultPolicy = Policy{
	MaxAttempts: 3,
	Backoff: Backoff{
		InitialDelay: 1 * time.Second,
		Multiplier:   2,
	},
	Timeout: 30 * time.Minute,
}

// WithDefaults returns p with every zero field replaced by the corresponding
// field of defaults.
func (p Policy) WithDefaults(defaults Policy) Policy {
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = defaults.MaxAttempts
	}
	if p.Backoff.InitialDelay <= 0 {
		p.Backoff.InitialDelay = defaults.Backoff.InitialDelay
	}
	if p.Backoff.Multiplier <= 0 {
		p.Backoff.Multiplier = defaults.Backoff.Multiplier
	}
	if p.Timeout <= 0 {
		p.Timeout = defaults.Timeout
	}
	return p
}

// Job is a unit of deferred transcription work. Jobs are only ever mutated
// through a Store, by the worker that currently holds them.
type Job struct {
	ID            string
	Files         []string
	State         State
	Attempts      int
	Policy        Policy
	Result        json.RawMessage
	FailureReason string
	Progress      int
	Owner         string
	CreatedAt     time.Time
	UpdatedAt     time.Time
	NextRunAt     time.Time
	// Set by Claim to the latest time the claimed attempt can still be
	// running. Past it, the job is no longer held by any worker.
	LeaseExpiresAt time.Time
}

func (j *Job) Clone() *Job {
	c := *j
	c.Files = slices.Clone(j.Files)
	c.Result = slices.Clone(j.Result)
	return &c
}

// Status is the externally visible view of a job.
type Status struct {
	ID            string          `json:"jobId"`
	State         State           `json:"state"`
	Result        json.RawMessage `json:"result,omitempty"`
	Failed        bool            `json:"failed"`
	FailureReason string          `json:"failureReason,omitempty"`
	Progress      int             `json:"progress"`
	Attempts      int             `json:"attempts"`
	MaxAttempts   int             `json:"maxAttempts"`
	Files         []string        `json:"files"`
	Owner         string          `json:"owner,omitempty"`
	CreatedAt     time.Time       `json:"createdAt"`
	UpdatedAt     time.Time       `json:"updatedAt"`
}

func (j *Job) Status() Status {
	st := Status{
		ID:          j.ID,
		State:       j.State,
		Progress:    j.Progress,
		Attempts:    j.Attempts,
		MaxAttempts: j.Policy.MaxAttempts,
		Files:       slices.Clone(j.Files),
		Owner:       j.Owner,
		CreatedAt:   j.CreatedAt,
		UpdatedAt:   j.UpdatedAt,
	}
	switch j.State {
	case StateCompleted:
		st.Result = slices.Clone(j.Result)
	case StateFailed:
		st.Failed = true
		st.FailureReason = j.FailureReason
	}
	return st
}
