// Package jsonstore keeps the job table in a single JSON file.
//
// Every mutation reads the whole table, applies the change and writes the
// table back through a temp file in the same directory followed by a rename,
// so readers never see a partially written table. A missing or unreadable
// table is replaced by an empty one on next access.
package jsonstore

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"reelbatch/internal/core/domain"
	"reelbatch/internal/core/ports"
	"reelbatch/internal/errors"
	"reelbatch/internal/logger"
)

type table map[string]*domain.Job

// Store implements ports.JobStore on a JSON file.
//
// Upserts within one process are serialised. Writers in other processes
// are not excluded and the last rename wins.
type Store struct {
	path   string
	mu     sync.Mutex
	rename func(oldpath, newpath string) error
	now    func() time.Time
	log    *zap.SugaredLogger
}

// Option configures a Store.
type Option func(*Store)

// WithRename replaces the final rename step, for fault injection.
func WithRename(fn func(oldpath, newpath string) error) Option {
	return func(s *Store) { s.rename = fn }
}

// WithClock replaces the clock used for UpdatedAt.
func WithClock(fn func() time.Time) Option {
	return func(s *Store) { s.now = fn }
}

// WithLogger sets the logger.
func WithLogger(l *zap.SugaredLogger) Option {
	return func(s *Store) { s.log = l }
}

// New returns a store backed by the file at path. The file is created lazily.
func New(path string, opts ...Option) *Store {
	s := &Store{
		path:   path,
		rename: os.Rename,
		now:    func() time.Time { return time.Now().UTC() },
		log:    logger.Logger,
	}
	for _, opt := range opts {
		opt(s)
	}
	s.log = s.log.With(logger.FieldComponent, "jsonstore")
	return s
}

// Path returns the table file location.
func (s *Store) Path() string {
	return s.path
}

// Get returns a job by id.
func (s *Store) Get(ctx context.Context, id string) (*domain.Job, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	t, err := s.load()
	if err != nil {
		return nil, err
	}
	job, ok := t[id]
	if !ok {
		return nil, errors.NewNotFoundError("job %s", id)
	}
	return job, nil
}

// List returns all jobs, newest first.
func (s *Store) List(ctx context.Context) ([]*domain.Job, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	t, err := s.load()
	if err != nil {
		return nil, err
	}
	jobs := make([]*domain.Job, 0, len(t))
	for _, job := range t {
		jobs = append(jobs, job)
	}
	sort.Slice(jobs, func(i, j int) bool {
		if jobs[i].CreatedAt.Equal(jobs[j].CreatedAt) {
			return jobs[i].ID < jobs[j].ID
		}
		return jobs[i].CreatedAt.After(jobs[j].CreatedAt)
	})
	return jobs, nil
}

// Upsert applies fn to the job and writes the table back.
func (s *Store) Upsert(ctx context.Context, id string, fn ports.Mutator) (*domain.Job, error) {
	if id == "" {
		return nil, errors.NewInvalidRequestError("empty job id")
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	t, err := s.load()
	if err != nil {
		return nil, err
	}

	job, exists := t[id]
	if !exists {
		job = &domain.Job{ID: id}
	}
	if err := fn(job, exists); err != nil {
		return nil, err
	}

	job.ID = id
	job.Revision++
	job.UpdatedAt = s.now()
	if job.CreatedAt.IsZero() {
		job.CreatedAt = job.UpdatedAt
	}
	t[id] = job

	if err := s.write(t); err != nil {
		return nil, err
	}
	return job, nil
}

func (s *Store) load() (table, error) {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if !os.IsNotExist(err) {
			return nil, &domain.StoreError{Op: "read", Err: err}
		}
		return s.reset(nil)
	}

	t := table{}
	if err := json.Unmarshal(data, &t); err != nil {
		s.log.Warnw("job table is corrupt, reinitializing", logger.FieldPath, s.path, logger.FieldError, err)
		return s.reset(data)
	}
	if t == nil {
		t = table{}
	}
	return t, nil
}

// reset writes an empty table. A corrupt payload is kept next to it.
func (s *Store) reset(corrupt []byte) (table, error) {
	if corrupt != nil {
		_ = os.WriteFile(s.path+".corrupt", corrupt, 0o644)
	}
	t := table{}
	if err := s.write(t); err != nil {
		return nil, err
	}
	return t, nil
}

func (s *Store) write(t table) error {
	data, err := json.MarshalIndent(t, "", "  ")
	if err != nil {
		return &domain.StoreError{Op: "encode", Err: err}
	}
	data = append(data, '\n')

	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return &domain.StoreError{Op: "mkdir", Err: err}
	}

	tmp, err := os.CreateTemp(dir, ".jobs-tmp-*")
	if err != nil {
		return &domain.StoreError{Op: "create temp", Err: err}
	}
	tmpPath := tmp.Name()
	cleanup := func() {
		_ = os.Remove(tmpPath)
	}

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		cleanup()
		return &domain.StoreError{Op: "write temp", Err: err}
	}
	if err := tmp.Chmod(0o644); err != nil {
		_ = tmp.Close()
		cleanup()
		return &domain.StoreError{Op: "chmod temp", Err: err}
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		cleanup()
		return &domain.StoreError{Op: "sync temp", Err: err}
	}
	if err := tmp.Close(); err != nil {
		cleanup()
		return &domain.StoreError{Op: "close temp", Err: err}
	}
	if err := s.rename(tmpPath, s.path); err != nil {
		cleanup()
		return &domain.StoreError{Op: "replace", Err: err}
	}
	return nil
}
