// Package pgstore implements a jobs.Store on PostgreSQL, allowing several
// servers to share one queue.
package pgstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/kralicky/supercut/pkg/jobs"
)

const schema = `
CREATE TABLE IF NOT EXISTS supercut_jobs (
	seq BIGSERIAL,
	id TEXT PRIMARY KEY,
	files TEXT[] NOT NULL,
	state TEXT NOT NULL,
	attempts INTEGER NOT NULL DEFAULT 0,
	max_attempts INTEGER NOT NULL,
	initial_delay_ns BIGINT NOT NULL,
	multiplier DOUBLE PRECISION NOT NULL,
	timeout_ns BIGINT NOT NULL,
	result JSONB,
	failure_reason TEXT NOT NULL DEFAULT '',
	progress INTEGER NOT NULL DEFAULT 0,
	owner TEXT NOT NULL DEFAULT '',
	created_at TIMESTAMPTZ NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL,
	next_run_at TIMESTAMPTZ NOT NULL,
	lease_expires_at TIMESTAMPTZ
);
ALTER TABLE supercut_jobs ADD COLUMN IF NOT EXISTS lease_expires_at TIMESTAMPTZ;
CREATE INDEX IF NOT EXISTS supercut_jobs_ready ON supercut_jobs (state, next_run_at);
`

const columns = `id, files, state, attempts, max_attempts, initial_delay_ns, multiplier,
	timeout_ns, result, failure_reason, progress, owner, created_at, updated_at, next_run_at,
	lease_expires_at`

type Store struct {
	pool *pgxpool.Pool
}

var _ jobs.Store = (*Store)(nil)

// Open connects to the database at dsn and creates the job table if needed.
func Open(ctx context.Context, dsn string) (*Store, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}
	if _, err := pool.Exec(ctx, schema); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return &Store{pool: pool}, nil
}

func (s *Store) Close() error {
	s.pool.Close()
	return nil
}

// Truncate deletes every job. Intended for tests.
func (s *Store) Truncate(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, `TRUNCATE supercut_jobs`)
	return err
}

func scanJob(row pgx.Row) (*jobs.Job, error) {
	var (
		job                   jobs.Job
		state                 string
		result                []byte
		initialDelay, timeout int64
		leaseExpiresAt        *time.Time
	)
	err := row.Scan(
		&job.ID,
		&job.Files,
		&state,
		&job.Attempts,
		&job.Policy.MaxAttempts,
		&initialDelay,
		&job.Policy.Backoff.Multiplier,
		&timeout,
		&result,
		&job.FailureReason,
		&job.Progress,
		&job.Owner,
		&job.CreatedAt,
		&job.UpdatedAt,
		&job.NextRunAt,
		&leaseExpiresAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, jobs.ErrNotFound
		}
		return nil, err
	}
	job.State = jobs.State(state)
	if result != nil {
		job.Result = json.RawMessage(result)
	}
	job.Policy.Backoff.InitialDelay = time.Duration(initialDelay)
	job.Policy.Timeout = time.Duration(timeout)
	if leaseExpiresAt != nil {
		job.LeaseExpiresAt = *leaseExpiresAt
	}
	return &job, nil
}

func (s *Store) Create(ctx context.Context, job *jobs.Job) error {
	_, err := s.pool.Exec(ctx, `INSERT INTO supercut_jobs (`+columns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, NULL, '', 0, $9, $10, $11, $12, NULL)`,
		job.ID,
		job.Files,
		string(job.State),
		job.Attempts,
		job.Policy.MaxAttempts,
		int64(job.Policy.Backoff.InitialDelay),
		job.Policy.Backoff.Multiplier,
		int64(job.Policy.Timeout),
		job.Owner,
		job.CreatedAt,
		job.UpdatedAt,
		job.NextRunAt,
	)
	if err != nil {
		return fmt.Errorf("failed to insert job %s: %w", job.ID, err)
	}
	return nil
}

func (s *Store) Get(ctx context.Context, id string) (*jobs.Job, error) {
	return scanJob(s.pool.QueryRow(ctx, `SELECT `+columns+` FROM supercut_jobs WHERE id = $1`, id))
}

func (s *Store) List(ctx context.Context) ([]*jobs.Job, error) {
	rows, err := s.pool.Query(ctx, `SELECT `+columns+` FROM supercut_jobs ORDER BY created_at, seq`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*jobs.Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, job)
	}
	return out, rows.Err()
}

func (s *Store) Claim(ctx context.Context, now time.Time, grace time.Duration) (*jobs.Job, error) {
	job, err := scanJob(s.pool.QueryRow(ctx, `
	UPDATE supercut_jobs
	SET state = $1, attempts = attempts + 1, updated_at = $3::timestamptz,
		lease_expires_at = $3::timestamptz + make_interval(secs => ((timeout_ns + $4::bigint) / 1e9)::double precision)
	WHERE id = (
		SELECT id FROM supercut_jobs
		WHERE state = $2 AND next_run_at <= $3::timestamptz AND attempts < max_attempts
		ORDER BY created_at, seq
		LIMIT 1
		FOR UPDATE SKIP LOCKED
	)
	RETURNING `+columns,
		string(jobs.StateActive),
		string(jobs.StateQueued),
		now,
		int64(grace),
	))
	if errors.Is(err, jobs.ErrNotFound) {
		return nil, jobs.ErrNoJobReady
	}
	return job, err
}

// updateActive applies set to an active job. Placeholders in set start at $3.
func (s *Store) updateActive(ctx context.Context, id string, set string, args ...any) error {
	args = append([]any{id, string(jobs.StateActive)}, args...)
	tag, err := s.pool.Exec(ctx, `UPDATE supercut_jobs SET `+set+`, updated_at = now() WHERE id = $1 AND state = $2`, args...)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 1 {
		return nil
	}
	var state string
	err = s.pool.QueryRow(ctx, `SELECT state FROM supercut_jobs WHERE id = $1`, id).Scan(&state)
	if errors.Is(err, pgx.ErrNoRows) {
		return jobs.ErrNotFound
	} else if err != nil {
		return err
	}
	return fmt.Errorf("%w: job %s is %s", jobs.ErrNotActive, id, state)
}

func (s *Store) Complete(ctx context.Context, id string, result json.RawMessage) error {
	return s.updateActive(ctx, id, `state = $3, result = $4, progress = 100`,
		string(jobs.StateCompleted), []byte(result))
}

func (s *Store) Retry(ctx context.Context, id string, nextRunAt time.Time, reason string) error {
	return s.updateActive(ctx, id, `state = $3, next_run_at = $4, failure_reason = $5, progress = 0`,
		string(jobs.StateQueued), nextRunAt, reason)
}

func (s *Store) Fail(ctx context.Context, id string, reason string) error {
	return s.updateActive(ctx, id, `state = $3, failure_reason = $4`,
		string(jobs.StateFailed), reason)
}

func (s *Store) SetProgress(ctx context.Context, id string, progress int) error {
	return s.updateActive(ctx, id, `progress = $3`, progress)
}

func (s *Store) Recover(ctx context.Context, now time.Time) (int, error) {
	tag, err := s.pool.Exec(ctx, `
	UPDATE supercut_jobs SET
		state = CASE WHEN attempts < max_attempts THEN $1 ELSE $2 END,
		next_run_at = CASE WHEN attempts < max_attempts THEN $3 ELSE next_run_at END,
		failure_reason = $4,
		progress = 0,
		updated_at = $3,
		lease_expires_at = NULL
	WHERE state = $5 AND (lease_expires_at IS NULL OR lease_expires_at < $3)`,
		string(jobs.StateQueued),
		string(jobs.StateFailed),
		now,
		jobs.AbandonedReason,
		string(jobs.StateActive),
	)
	if err != nil {
		return 0, err
	}
	return int(tag.RowsAffected()), nil
}
