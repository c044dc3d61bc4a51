// Package sqlitestore keeps one row per job in SQLite and guards every
// update with a compare-and-swap on the job revision.
package sqlitestore

import (
	"context"
	"database/sql"
	"encoding/json"
	"os"
	"path/filepath"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"go.uber.org/zap"

	"reelbatch/internal/core/domain"
	"reelbatch/internal/core/ports"
	"reelbatch/internal/errors"
	"reelbatch/internal/logger"
)

// DefaultMaxAttempts bounds compare-and-swap retries for a single Upsert.
const DefaultMaxAttempts = 5

const schema = `
CREATE TABLE IF NOT EXISTS jobs (
	id TEXT PRIMARY KEY,
	revision INTEGER NOT NULL,
	created_at TEXT NOT NULL,
	updated_at TEXT NOT NULL,
	record TEXT NOT NULL
)`

// Store implements ports.JobStore on a SQLite database.
type Store struct {
	db          *sql.DB
	maxAttempts int
	now         func() time.Time
	log         *zap.SugaredLogger
}

// Option configures a Store.
type Option func(*Store)

// WithMaxAttempts sets how many times an Upsert retries after losing a race.
func WithMaxAttempts(n int) Option {
	return func(s *Store) {
		if n > 0 {
			s.maxAttempts = n
		}
	}
}

// WithClock replaces the clock used for UpdatedAt.
func WithClock(fn func() time.Time) Option {
	return func(s *Store) { s.now = fn }
}

// WithLogger sets the logger.
func WithLogger(l *zap.SugaredLogger) Option {
	return func(s *Store) { s.log = l }
}

// New wraps an open database. Call Migrate before first use.
func New(db *sql.DB, opts ...Option) *Store {
	s := &Store{
		db:          db,
		maxAttempts: DefaultMaxAttempts,
		now:         func() time.Time { return time.Now().UTC() },
		log:         logger.Logger,
	}
	for _, opt := range opts {
		opt(s)
	}
	s.log = s.log.With(logger.FieldComponent, "sqlitestore")
	return s
}

// Open opens (creating if needed) the database file at path and migrates it.
func Open(ctx context.Context, path string, opts ...Option) (*Store, error) {
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, &domain.StoreError{Op: "mkdir", Err: err}
		}
	}
	db, err := sql.Open("sqlite3", path+"?_busy_timeout=5000")
	if err != nil {
		return nil, &domain.StoreError{Op: "open", Err: err}
	}
	if path == ":memory:" {
		db.SetMaxOpenConns(1)
	}
	s := New(db, opts...)
	if err := s.Migrate(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// Migrate creates the jobs table.
func (s *Store) Migrate(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return &domain.StoreError{Op: "migrate", Err: err}
	}
	return nil
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

// Get returns a job by id.
func (s *Store) Get(ctx context.Context, id string) (*domain.Job, error) {
	job, _, err := s.read(ctx, id)
	if err != nil {
		return nil, err
	}
	if job == nil {
		return nil, errors.NewNotFoundError("job %s", id)
	}
	return job, nil
}

// List returns all jobs, newest first.
func (s *Store) List(ctx context.Context) ([]*domain.Job, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT record FROM jobs ORDER BY created_at DESC, id ASC`)
	if err != nil {
		return nil, &domain.StoreError{Op: "list", Err: err}
	}
	defer rows.Close()

	var jobs []*domain.Job
	for rows.Next() {
		var record string
		if err := rows.Scan(&record); err != nil {
			return nil, &domain.StoreError{Op: "scan", Err: err}
		}
		var job domain.Job
		if err := json.Unmarshal([]byte(record), &job); err != nil {
			return nil, &domain.StoreError{Op: "decode", Err: err}
		}
		jobs = append(jobs, &job)
	}
	if err := rows.Err(); err != nil {
		return nil, &domain.StoreError{Op: "list", Err: err}
	}
	return jobs, nil
}

// Upsert applies fn and writes the job only if nobody else wrote it since
// it was read. On a lost race the job is re-read and fn runs again, so fn
// must not have side effects outside the job.
func (s *Store) Upsert(ctx context.Context, id string, fn ports.Mutator) (*domain.Job, error) {
	if id == "" {
		return nil, errors.NewInvalidRequestError("empty job id")
	}

	for attempt := 1; attempt <= s.maxAttempts; attempt++ {
		job, revision, err := s.read(ctx, id)
		if err != nil {
			return nil, err
		}
		exists := job != nil
		if !exists {
			job = &domain.Job{ID: id}
		}
		if err := fn(job, exists); err != nil {
			return nil, err
		}

		job.ID = id
		job.Revision = revision + 1
		job.UpdatedAt = s.now()
		if job.CreatedAt.IsZero() {
			job.CreatedAt = job.UpdatedAt
		}

		won, err := s.write(ctx, job, exists, revision)
		if err != nil {
			return nil, err
		}
		if won {
			return job, nil
		}
		s.log.Debugw("job revision moved, retrying", logger.FieldJobID, id, logger.FieldAttempt, attempt)
	}

	return nil, errors.Wrapf(errors.ErrConflict, "job %s changed concurrently %d times", id, s.maxAttempts)
}

// read returns the job and its stored revision, or a nil job if absent.
func (s *Store) read(ctx context.Context, id string) (*domain.Job, int64, error) {
	var (
		revision int64
		record   string
	)
	err := s.db.QueryRowContext(ctx, `SELECT revision, record FROM jobs WHERE id = ?`, id).Scan(&revision, &record)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, 0, nil
	}
	if err != nil {
		return nil, 0, &domain.StoreError{Op: "read", Err: err}
	}

	var job domain.Job
	if err := json.Unmarshal([]byte(record), &job); err != nil {
		// an unreadable row is treated like a missing one and overwritten
		s.log.Warnw("job record is corrupt, reinitializing", logger.FieldJobID, id, logger.FieldError, err)
		return nil, revision, nil
	}
	return &job, revision, nil
}

func (s *Store) write(ctx context.Context, job *domain.Job, exists bool, expected int64) (bool, error) {
	data, err := json.Marshal(job)
	if err != nil {
		return false, &domain.StoreError{Op: "encode", Err: err}
	}
	updatedAt := job.UpdatedAt.Format(time.RFC3339Nano)

	var res sql.Result
	if exists || expected > 0 {
		res, err = s.db.ExecContext(ctx,
			`UPDATE jobs SET revision = ?, updated_at = ?, record = ? WHERE id = ? AND revision = ?`,
			job.Revision, updatedAt, string(data), job.ID, expected)
	} else {
		res, err = s.db.ExecContext(ctx,
			`INSERT INTO jobs (id, revision, created_at, updated_at, record) VALUES (?, ?, ?, ?, ?) ON CONFLICT(id) DO NOTHING`,
			job.ID, job.Revision, job.CreatedAt.Format(time.RFC3339Nano), updatedAt, string(data))
	}
	if err != nil {
		return false, &domain.StoreError{Op: "write", Err: err}
	}

	n, err := res.RowsAffected()
	if err != nil {
		return false, &domain.StoreError{Op: "write", Err: err}
	}
	return n == 1, nil
}
