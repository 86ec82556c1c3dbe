// Package sqlitestore implements a durable jobs.Store on top of SQLite.
package sqlitestore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/kralicky/supercut/pkg/jobs"
	_ "github.com/mattn/go-sqlite3"
)

const schema = `
create table if not exists jobs(
	id text primary key,
	files text not null,
	state text not null,
	attempts integer not null default 0,
	max_attempts integer not null,
	initial_delay_ns integer not null,
	multiplier real not null,
	timeout_ns integer not null,
	result text,
	failure_reason text not null default '',
	progress integer not null default 0,
	owner text not null default '',
	created_at integer not null,
	updated_at integer not null,
	next_run_at integer not null,
	lease_expires_at integer not null default 0
);
create index if not exists jobs_ready on jobs(state, next_run_at);
`

const columns = `id, files, state, attempts, max_attempts, initial_delay_ns, multiplier,
	timeout_ns, result, failure_reason, progress, owner, created_at, updated_at, next_run_at,
	lease_expires_at`

type Store struct {
	db *sql.DB
}

var _ jobs.Store = (*Store)(nil)

// Open opens (creating if needed) the job database at path.
func Open(ctx context.Context, path string) (*Store, error) {
	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, err
	}
	// a single connection serializes writers, which is what makes Claim
	// atomic without explicit transactions.
	db.SetMaxOpenConns(1)
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, err
	}
	if _, err := db.ExecContext(ctx, schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	// databases created before leases were tracked
	if _, err := db.ExecContext(ctx, `alter table jobs add column lease_expires_at integer not null default 0`); err != nil &&
		!strings.Contains(err.Error(), "duplicate column name") {
		db.Close()
		return nil, fmt.Errorf("failed to migrate schema: %w", err)
	}
	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func millis(t time.Time) int64 {
	return t.UnixMilli()
}

func fromMillis(ms int64) time.Time {
	return time.UnixMilli(ms).UTC()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanJob(row scanner) (*jobs.Job, error) {
	var (
		job                             jobs.Job
		files                           string
		result                          sql.NullString
		initialDelay, timeout           int64
		createdAt, updatedAt, nextRunAt int64
		leaseExpiresAt                  int64
	)
	err := row.Scan(
		&job.ID,
		&files,
		&job.State,
		&job.Attempts,
		&job.Policy.MaxAttempts,
		&initialDelay,
		&job.Policy.Backoff.Multiplier,
		&timeout,
		&result,
		&job.FailureReason,
		&job.Progress,
		&job.Owner,
		&createdAt,
		&updatedAt,
		&nextRunAt,
		&leaseExpiresAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, jobs.ErrNotFound
		}
		return nil, err
	}
	if err := json.Unmarshal([]byte(files), &job.Files); err != nil {
		return nil, fmt.Errorf("job %s has corrupt file list: %w", job.ID, err)
	}
	if result.Valid {
		job.Result = json.RawMessage(result.String)
	}
	job.Policy.Backoff.InitialDelay = time.Duration(initialDelay)
	job.Policy.Timeout = time.Duration(timeout)
	job.CreatedAt = fromMillis(createdAt)
	job.UpdatedAt = fromMillis(updatedAt)
	job.NextRunAt = fromMillis(nextRunAt)
	if leaseExpiresAt != 0 {
		job.LeaseExpiresAt = fromMillis(leaseExpiresAt)
	}
	return &job, nil
}

func (s *Store) Create(ctx context.Context, job *jobs.Job) error {
	files, err := json.Marshal(job.Files)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `insert into jobs(`+columns+`)
		values (?, ?, ?, ?, ?, ?, ?, ?, null, '', 0, ?, ?, ?, ?, 0)`,
		job.ID,
		string(files),
		job.State,
		job.Attempts,
		job.Policy.MaxAttempts,
		int64(job.Policy.Backoff.InitialDelay),
		job.Policy.Backoff.Multiplier,
		int64(job.Policy.Timeout),
		job.Owner,
		millis(job.CreatedAt),
		millis(job.UpdatedAt),
		millis(job.NextRunAt),
	)
	if err != nil {
		return fmt.Errorf("failed to insert job %s: %w", job.ID, err)
	}
	return nil
}

func (s *Store) Get(ctx context.Context, id string) (*jobs.Job, error) {
	return scanJob(s.db.QueryRowContext(ctx, `select `+columns+` from jobs where id = ?`, id))
}

func (s *Store) List(ctx context.Context) ([]*jobs.Job, error) {
	rows, err := s.db.QueryContext(ctx, `select `+columns+` from jobs order by created_at, rowid`)
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
	const claimSQL = `
	update jobs
	set state = ?, attempts = attempts + 1, updated_at = ?,
		lease_expires_at = ? + timeout_ns / 1000000 + ?
	where id = (
		select id from jobs
		where state = ? and next_run_at <= ? and attempts < max_attempts
		order by created_at, rowid
		limit 1
	)
	returning ` + columns

	job, err := scanJob(s.db.QueryRowContext(ctx, claimSQL,
		jobs.StateActive,
		millis(now),
		millis(now),
		grace.Milliseconds(),
		jobs.StateQueued,
		millis(now),
	))
	if errors.Is(err, jobs.ErrNotFound) {
		return nil, jobs.ErrNoJobReady
	}
	return job, err
}

// updateActive runs an update against an active job and distinguishes
// missing jobs from jobs in the wrong state.
func (s *Store) updateActive(ctx context.Context, id string, set string, args ...any) error {
	args = append(args, millis(time.Now()), id, jobs.StateActive)
	res, err := s.db.ExecContext(ctx, `update jobs set `+set+`, updated_at = ? where id = ? and state = ?`, args...)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 1 {
		return nil
	}
	var state jobs.State
	err = s.db.QueryRowContext(ctx, `select state from jobs where id = ?`, id).Scan(&state)
	if errors.Is(err, sql.ErrNoRows) {
		return jobs.ErrNotFound
	} else if err != nil {
		return err
	}
	return fmt.Errorf("%w: job %s is %s", jobs.ErrNotActive, id, state)
}

func (s *Store) Complete(ctx context.Context, id string, result json.RawMessage) error {
	return s.updateActive(ctx, id, `state = ?, result = ?, progress = 100`,
		jobs.StateCompleted, string(result))
}

func (s *Store) Retry(ctx context.Context, id string, nextRunAt time.Time, reason string) error {
	return s.updateActive(ctx, id, `state = ?, next_run_at = ?, failure_reason = ?, progress = 0`,
		jobs.StateQueued, millis(nextRunAt), reason)
}

func (s *Store) Fail(ctx context.Context, id string, reason string) error {
	return s.updateActive(ctx, id, `state = ?, failure_reason = ?`,
		jobs.StateFailed, reason)
}

func (s *Store) SetProgress(ctx context.Context, id string, progress int) error {
	return s.updateActive(ctx, id, `progress = ?`, progress)
}

func (s *Store) Recover(ctx context.Context, now time.Time) (int, error) {
	res, err := s.db.ExecContext(ctx, `
	update jobs set
		state = case when attempts < max_attempts then ? else ? end,
		next_run_at = case when attempts < max_attempts then ? else next_run_at end,
		failure_reason = ?,
		progress = 0,
		updated_at = ?,
		lease_expires_at = 0
	where state = ? and lease_expires_at < ?`,
		jobs.StateQueued,
		jobs.StateFailed,
		millis(now),
		jobs.AbandonedReason,
		millis(now),
		jobs.StateActive,
		millis(now),
	)
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	return int(n), err
}
