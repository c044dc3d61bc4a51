package jsonstore

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"reelbatch/internal/core/domain"
	"reelbatch/internal/errors"
)

func newStore(t *testing.T, opts ...Option) *Store {
	t.Helper()
	return New(filepath.Join(t.TempDir(), "jobs.json"), opts...)
}

func setStatus(status domain.Status) func(*domain.Job, bool) error {
	return func(job *domain.Job, exists bool) error {
		job.Status = status
		return nil
	}
}

func TestGetMissingJob(t *testing.T) {
	s := newStore(t)

	_, err := s.Get(context.Background(), "nope")
	assert.True(t, errors.IsNotFound(err))

	// first access creates an empty table
	data, err := os.ReadFile(s.Path())
	require.NoError(t, err)
	assert.JSONEq(t, `{}`, string(data))
}

func TestUpsertCreatesAndUpdates(t *testing.T) {
	ctx := context.Background()
	s := newStore(t)

	job, err := s.Upsert(ctx, "j1", func(job *domain.Job, exists bool) error {
		assert.False(t, exists)
		job.Status = domain.StatusCreated
		job.SourceURL = "https://instagram.com/someone"
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, int64(1), job.Revision)
	assert.False(t, job.CreatedAt.IsZero())

	job, err = s.Upsert(ctx, "j1", func(job *domain.Job, exists bool) error {
		assert.True(t, exists)
		return job.Transition(domain.StatusScraped)
	})
	require.NoError(t, err)
	assert.Equal(t, int64(2), job.Revision)

	got, err := s.Get(ctx, "j1")
	require.NoError(t, err)
	assert.Equal(t, domain.StatusScraped, got.Status)
	assert.Equal(t, "https://instagram.com/someone", got.SourceURL)
}

func TestMutatorErrorLeavesTableUntouched(t *testing.T) {
	ctx := context.Background()
	s := newStore(t)
	_, err := s.Upsert(ctx, "j1", setStatus(domain.StatusCompleted))
	require.NoError(t, err)

	_, err = s.Upsert(ctx, "j1", func(job *domain.Job, exists bool) error {
		job.Status = domain.StatusFailed
		return errors.New("refused")
	})
	require.Error(t, err)

	got, err := s.Get(ctx, "j1")
	require.NoError(t, err)
	assert.Equal(t, domain.StatusCompleted, got.Status)
	assert.Equal(t, int64(1), got.Revision)
}

func TestCorruptTableSelfHeals(t *testing.T) {
	ctx := context.Background()
	s := newStore(t)
	require.NoError(t, os.WriteFile(s.Path(), []byte(`{"j1": {"job_id": "j1", "sta`), 0o644))

	jobs, err := s.List(ctx)
	require.NoError(t, err)
	assert.Empty(t, jobs)

	_, err = os.Stat(s.Path() + ".corrupt")
	assert.NoError(t, err)

	_, err = s.Upsert(ctx, "j2", setStatus(domain.StatusCreated))
	require.NoError(t, err)
}

func TestFailedReplaceKeepsPreviousTable(t *testing.T) {
	ctx := context.Background()
	failing := false
	s := newStore(t, WithRename(func(oldpath, newpath string) error {
		if failing {
			return errors.New("simulated crash before replace")
		}
		return os.Rename(oldpath, newpath)
	}))

	for i := 0; i < 5; i++ {
		_, err := s.Upsert(ctx, "j1", func(job *domain.Job, exists bool) error {
			job.Items = append(job.Items, domain.Item{ID: strconv.Itoa(i), Approval: domain.ApprovalApproved})
			return nil
		})
		require.NoError(t, err)
	}

	failing = true
	_, err := s.Upsert(ctx, "j1", func(job *domain.Job, exists bool) error {
		job.Items = nil
		return nil
	})
	var storeErr *domain.StoreError
	require.True(t, errors.As(err, &storeErr))
	assert.Equal(t, "replace", storeErr.Op)

	// the table on disk is the last complete write
	data, err := os.ReadFile(s.Path())
	require.NoError(t, err)
	var raw map[string]*domain.Job
	require.NoError(t, json.Unmarshal(data, &raw))
	assert.Len(t, raw["j1"].Items, 5)

	// no temp files are left behind
	entries, err := os.ReadDir(filepath.Dir(s.Path()))
	require.NoError(t, err)
	for _, e := range entries {
		assert.NotContains(t, e.Name(), ".jobs-tmp-")
	}
}

func TestTableReadableAfterEveryUpsert(t *testing.T) {
	ctx := context.Background()
	s := newStore(t)

	for i := 0; i < 20; i++ {
		_, err := s.Upsert(ctx, "j1", func(job *domain.Job, exists bool) error {
			job.LastError = strconv.Itoa(i)
			return nil
		})
		require.NoError(t, err)

		data, err := os.ReadFile(s.Path())
		require.NoError(t, err)
		assert.True(t, json.Valid(data), "table invalid after upsert %d", i)
	}
}

func TestStrayTempFileIsIgnored(t *testing.T) {
	ctx := context.Background()
	s := newStore(t)
	_, err := s.Upsert(ctx, "j1", setStatus(domain.StatusCreated))
	require.NoError(t, err)

	stray := filepath.Join(filepath.Dir(s.Path()), ".jobs-tmp-123")
	require.NoError(t, os.WriteFile(stray, []byte(`{"j1": {"stat`), 0o644))

	got, err := s.Get(ctx, "j1")
	require.NoError(t, err)
	assert.Equal(t, domain.StatusCreated, got.Status)
}

func TestListNewestFirst(t *testing.T) {
	ctx := context.Background()
	clock := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	s := newStore(t, WithClock(func() time.Time {
		clock = clock.Add(time.Minute)
		return clock
	}))

	for _, id := range []string{"a", "b", "c"} {
		_, err := s.Upsert(ctx, id, setStatus(domain.StatusCreated))
		require.NoError(t, err)
	}

	jobs, err := s.List(ctx)
	require.NoError(t, err)
	require.Len(t, jobs, 3)
	assert.Equal(t, "c", jobs[0].ID)
	assert.Equal(t, "a", jobs[2].ID)
}

func TestUpsertRejectsEmptyID(t *testing.T) {
	s := newStore(t)
	_, err := s.Upsert(context.Background(), "", setStatus(domain.StatusCreated))
	assert.True(t, errors.IsInvalidRequest(err))
}

func TestWatchFiresOnReplace(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	s := newStore(t)
	_, err := s.List(ctx)
	require.NoError(t, err)

	changed := make(chan struct{}, 4)
	done := make(chan error, 1)
	go func() {
		done <- s.Watch(ctx, 20*time.Millisecond, func() {
			select {
			case changed <- struct{}{}:
			default:
			}
		})
	}()

	// give the watcher time to register
	time.Sleep(100 * time.Millisecond)
	_, err = s.Upsert(ctx, "j1", setStatus(domain.StatusCreated))
	require.NoError(t, err)

	select {
	case <-changed:
	case <-ctx.Done():
		t.Fatal("no change notification")
	}

	cancel()
	assert.NoError(t, <-done)
}
