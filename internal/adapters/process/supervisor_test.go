package process

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"reelbatch/internal/core/domain"
	"reelbatch/internal/core/ports"
	"reelbatch/internal/errors"
)

func newSupervisor() (*Supervisor, *MemoryRegistry) {
	reg := NewMemoryRegistry()
	return NewSupervisor(reg, zap.NewNop().Sugar()), reg
}

func waitDone(t *testing.T, ch <-chan struct{}) {
	t.Helper()
	select {
	case <-ch:
	case <-time.After(10 * time.Second):
		t.Fatal("worker did not exit")
	}
}

func TestStartIsIdempotent(t *testing.T) {
	sup, reg := newSupervisor()
	ctx := context.Background()
	sleep := Command{Name: "sleep", Args: []string{"30"}}

	first, started, err := sup.Start(ctx, "job-1", sleep)
	require.NoError(t, err)
	require.True(t, started)
	require.NotZero(t, first.PID())

	second, started, err := sup.Start(ctx, "job-1", sleep)
	require.NoError(t, err)
	assert.False(t, started)
	assert.Same(t, first, second)
	assert.Equal(t, []string{"job-1"}, reg.Active())

	assert.True(t, sup.Cancel("job-1"))
	waitDone(t, first.Done())
}

func TestCancelTwice(t *testing.T) {
	sup, _ := newSupervisor()

	h, _, err := sup.Start(context.Background(), "job-2", Command{Name: "sleep", Args: []string{"30"}})
	require.NoError(t, err)

	assert.True(t, sup.Cancel("job-2"))
	assert.False(t, sup.IsActive("job-2"))
	assert.False(t, sup.Cancel("job-2"))

	waitDone(t, h.Done())
}

// cancelOnClaim cancels a job through the supervisor as soon as its claim
// succeeds, before the process has been started.
type cancelOnClaim struct {
	*MemoryRegistry
	sup      *Supervisor
	canceled bool
}

func (r *cancelOnClaim) Claim(jobID string, h ports.WorkerHandle) (ports.WorkerHandle, bool) {
	current, claimed := r.MemoryRegistry.Claim(jobID, h)
	if claimed {
		r.canceled = r.sup.Cancel(jobID)
	}
	return current, claimed
}

func TestCancelWhileStartingStopsWorker(t *testing.T) {
	reg := &cancelOnClaim{MemoryRegistry: NewMemoryRegistry()}
	sup := NewSupervisor(reg, zap.NewNop().Sugar())
	reg.sup = sup
	events := make(chan ExitEvent, 1)
	sup.OnExit(func(ev ExitEvent) { events <- ev })

	h, started, err := sup.Start(context.Background(), "job-9", Command{Name: "sleep", Args: []string{"30"}})
	require.NoError(t, err)
	require.True(t, started)
	assert.True(t, reg.canceled)
	assert.False(t, sup.IsActive("job-9"))

	waitDone(t, h.Done())
	ev := <-events
	assert.NotZero(t, ev.ExitCode)
}

func TestExitCallbackReportsResult(t *testing.T) {
	sup, _ := newSupervisor()
	events := make(chan ExitEvent, 1)
	sup.OnExit(func(ev ExitEvent) { events <- ev })

	h, started, err := sup.Start(context.Background(), "job-3", Command{
		Name: "sh",
		Args: []string{"-c", `echo '[{"id":"r1"}]'; echo oops >&2; exit 3`},
	})
	require.NoError(t, err)
	require.True(t, started)

	waitDone(t, h.Done())
	ev := <-events
	assert.Equal(t, "job-3", ev.JobID)
	assert.Equal(t, 3, ev.ExitCode)
	assert.Equal(t, h.PID(), ev.PID)
	assert.Contains(t, string(ev.Stdout), `"id":"r1"`)
	assert.Contains(t, string(ev.Stderr), "oops")
	assert.False(t, sup.IsActive("job-3"))
}

func TestRestartAfterExit(t *testing.T) {
	sup, _ := newSupervisor()
	ctx := context.Background()

	h, _, err := sup.Start(ctx, "job-4", Command{Name: "true"})
	require.NoError(t, err)
	waitDone(t, h.Done())

	h2, started, err := sup.Start(ctx, "job-4", Command{Name: "true"})
	require.NoError(t, err)
	assert.True(t, started)
	waitDone(t, h2.Done())
}

func TestSpawnError(t *testing.T) {
	sup, reg := newSupervisor()

	_, started, err := sup.Start(context.Background(), "job-5", Command{Name: "/nonexistent/worker-binary"})
	require.Error(t, err)
	assert.False(t, started)

	var spawnErr *domain.WorkerSpawnError
	require.True(t, errors.As(err, &spawnErr))
	assert.Equal(t, "job-5", spawnErr.JobID)
	assert.Empty(t, reg.Active())
}

func TestCapturedOutputIsBounded(t *testing.T) {
	b := &cappedBuffer{limit: 4}
	n, err := b.Write([]byte("abcdef"))
	require.NoError(t, err)
	assert.Equal(t, 6, n)
	_, _ = b.Write([]byte("gh"))
	assert.Equal(t, "abcd", string(b.Bytes()))
}

func TestRegistryReleaseOnlyOwnHandle(t *testing.T) {
	reg := NewMemoryRegistry()
	a := &handle{jobID: "j"}
	b := &handle{jobID: "j"}

	_, claimed := reg.Claim("j", a)
	require.True(t, claimed)
	current, claimed := reg.Claim("j", b)
	assert.False(t, claimed)
	assert.Same(t, a, current)

	assert.False(t, reg.Release("j", b))
	assert.True(t, reg.Release("j", a))
	assert.False(t, reg.Release("j", nil))
}

func TestParseCommand(t *testing.T) {
	cmd, err := ParseCommand(`python3 process_batch.py {job_id} --dir "{job_dir}"`, map[string]string{
		"job_id":  "abc",
		"job_dir": "/data/jobs/abc with space",
	})
	require.NoError(t, err)
	assert.Equal(t, "python3", cmd.Name)
	assert.Equal(t, []string{"process_batch.py", "abc", "--dir", "/data/jobs/abc with space"}, cmd.Args)

	extended := cmd.WithArgs("--only", "r1")
	assert.Len(t, cmd.Args, 4)
	assert.Len(t, extended.Args, 6)

	_, err = ParseCommand("   ", nil)
	assert.True(t, errors.IsInvalidRequest(err))
	_, err = ParseCommand(`broken "quote`, nil)
	assert.True(t, errors.IsInvalidRequest(err))
}

func TestLivenessOfSelf(t *testing.T) {
	ctx := context.Background()
	live := NewLiveness()

	alive, err := live.Alive(ctx, os.Getpid(), time.Now())
	require.NoError(t, err)
	assert.True(t, alive)

	alive, err = live.Alive(ctx, 0, time.Time{})
	require.NoError(t, err)
	assert.False(t, alive)
}

func TestLivenessDetectsPidReuse(t *testing.T) {
	alive, err := NewLiveness().Alive(context.Background(), os.Getpid(), time.Now().Add(-24*time.Hour))
	require.NoError(t, err)
	assert.False(t, alive)
}

func TestLivenessOfExitedWorker(t *testing.T) {
	sup, _ := newSupervisor()
	h, _, err := sup.Start(context.Background(), "job-6", Command{Name: "true"})
	require.NoError(t, err)
	pid, started := h.PID(), h.StartedAt()
	waitDone(t, h.Done())

	alive, err := NewLiveness().Alive(context.Background(), pid, started)
	require.NoError(t, err)
	assert.False(t, alive)
}

func TestLivenessTerminatesRecordedWorker(t *testing.T) {
	sup, _ := newSupervisor()
	h, _, err := sup.Start(context.Background(), "job-7", Command{Name: "sleep", Args: []string{"30"}})
	require.NoError(t, err)

	sent, err := NewLiveness().Terminate(context.Background(), h.PID(), h.StartedAt())
	require.NoError(t, err)
	assert.True(t, sent)
	waitDone(t, h.Done())

	sent, err = NewLiveness().Terminate(context.Background(), h.PID(), h.StartedAt())
	require.NoError(t, err)
	assert.False(t, sent)
}
