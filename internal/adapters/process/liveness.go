package process

import (
	"context"
	"time"

	"github.com/shirou/gopsutil/v3/process"

	"reelbatch/internal/errors"
)

// createTimeSlack absorbs the gap between our recorded start time and the
// kernel's process creation time.
const createTimeSlack = 2 * time.Second

// Liveness implements ports.Liveness with gopsutil.
type Liveness struct{}

// NewLiveness returns a gopsutil-backed liveness check.
func NewLiveness() Liveness {
	return Liveness{}
}

// Alive reports whether pid is running and is the process started at
// startedAt rather than a later process that reused the id.
func (Liveness) Alive(ctx context.Context, pid int, startedAt time.Time) (bool, error) {
	if pid <= 0 {
		return false, nil
	}

	exists, err := process.PidExistsWithContext(ctx, int32(pid))
	if err != nil {
		return false, errors.Wrapf(err, "failed to check pid %d", pid)
	}
	if !exists {
		return false, nil
	}

	p, err := process.NewProcessWithContext(ctx, int32(pid))
	if err != nil {
		if errors.Is(err, process.ErrorProcessNotRunning) {
			return false, nil
		}
		return false, errors.Wrapf(err, "failed to inspect pid %d", pid)
	}

	if !startedAt.IsZero() {
		if created, err := p.CreateTimeWithContext(ctx); err == nil {
			if time.UnixMilli(created).After(startedAt.Add(createTimeSlack)) {
				return false, nil
			}
		}
	}

	if status, err := p.StatusWithContext(ctx); err == nil {
		for _, s := range status {
			if s == process.Zombie {
				return false, nil
			}
		}
	}
	return true, nil
}

// Terminate sends SIGTERM to pid when Alive confirms it is the recorded worker.
func (l Liveness) Terminate(ctx context.Context, pid int, startedAt time.Time) (bool, error) {
	alive, err := l.Alive(ctx, pid, startedAt)
	if err != nil || !alive {
		return false, err
	}

	p, err := process.NewProcessWithContext(ctx, int32(pid))
	if err != nil {
		return false, errors.Wrapf(err, "failed to inspect pid %d", pid)
	}
	if err := p.TerminateWithContext(ctx); err != nil {
		return false, errors.Wrapf(err, "failed to signal pid %d", pid)
	}
	return true, nil
}
