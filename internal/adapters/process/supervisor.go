// Package process starts and supervises external worker processes, one per
// job at most.
package process

import (
	"bytes"
	"context"
	"os"
	"os/exec"
	"sync"
	"syscall"
	"time"

	"go.uber.org/zap"

	"reelbatch/internal/core/domain"
	"reelbatch/internal/core/ports"
	"reelbatch/internal/logger"
)

// maxCapture bounds how much worker output is kept in memory per stream.
const maxCapture = 4 << 20

// ExitEvent describes a finished worker.
type ExitEvent struct {
	JobID      string
	PID        int
	ExitCode   int
	Err        error
	Stdout     []byte
	Stderr     []byte
	StartedAt  time.Time
	FinishedAt time.Time
}

// ExitFunc observes worker exits. It runs on the supervisor's wait goroutine.
type ExitFunc func(ExitEvent)

// handle implements ports.WorkerHandle for an os/exec process.
type handle struct {
	jobID     string
	startedAt time.Time
	done      chan struct{}

	mu       sync.Mutex
	proc     *os.Process
	canceled bool
}

func (h *handle) JobID() string         { return h.jobID }
func (h *handle) StartedAt() time.Time  { return h.startedAt }
func (h *handle) Done() <-chan struct{} { return h.done }

func (h *handle) PID() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.proc == nil {
		return 0
	}
	return h.proc.Pid
}

// Terminate signals the process. Called before the process is attached,
// it marks the handle so attach signals it instead.
func (h *handle) Terminate() error {
	h.mu.Lock()
	proc := h.proc
	if proc == nil {
		h.canceled = true
	}
	h.mu.Unlock()
	if proc == nil {
		return nil
	}
	return terminate(proc)
}

// attach records the started process and reports whether a Terminate
// arrived while it was starting.
func (h *handle) attach(proc *os.Process) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.proc = proc
	return h.canceled
}

func terminate(proc *os.Process) error {
	if err := proc.Signal(syscall.SIGTERM); err != nil {
		if err == os.ErrProcessDone {
			return nil
		}
		return proc.Kill()
	}
	return nil
}

// Supervisor runs at most one worker per job id.
type Supervisor struct {
	registry ports.WorkerRegistry
	log      *zap.SugaredLogger

	mu     sync.RWMutex
	onExit ExitFunc
}

// NewSupervisor creates a supervisor tracking workers in registry.
func NewSupervisor(registry ports.WorkerRegistry, log *zap.SugaredLogger) *Supervisor {
	if log == nil {
		log = logger.Logger
	}
	return &Supervisor{
		registry: registry,
		log:      log.With(logger.FieldComponent, "supervisor"),
	}
}

// OnExit installs the exit observer.
func (s *Supervisor) OnExit(fn ExitFunc) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onExit = fn
}

// Start launches command for jobID and returns without waiting for it.
// If a worker is already active for jobID nothing is spawned and the
// existing handle is returned with started=false.
func (s *Supervisor) Start(ctx context.Context, jobID string, command Command) (ports.WorkerHandle, bool, error) {
	if err := ctx.Err(); err != nil {
		return nil, false, err
	}

	h := &handle{jobID: jobID, done: make(chan struct{})}
	if current, claimed := s.registry.Claim(jobID, h); !claimed {
		s.log.Infow("worker already running, not starting another",
			logger.FieldJobID, jobID, logger.FieldPID, current.PID())
		return current, false, nil
	}

	// The worker outlives the request that started it, so it is not bound to ctx.
	cmd := exec.Command(command.Name, command.Args...)
	cmd.Dir = command.Dir
	if len(command.Env) > 0 {
		cmd.Env = append(os.Environ(), command.Env...)
	}
	stdout := &cappedBuffer{limit: maxCapture}
	stderr := &cappedBuffer{limit: maxCapture}
	cmd.Stdout = stdout
	cmd.Stderr = stderr

	h.startedAt = time.Now().UTC()
	if err := cmd.Start(); err != nil {
		s.registry.Release(jobID, h)
		close(h.done)
		return nil, false, &domain.WorkerSpawnError{JobID: jobID, Err: err}
	}

	pending := h.attach(cmd.Process)

	s.log.Infow("worker started",
		logger.FieldJobID, jobID, logger.FieldPID, cmd.Process.Pid, "command", command.String())
	if pending {
		s.log.Infow("worker canceled while starting", logger.FieldJobID, jobID, logger.FieldPID, cmd.Process.Pid)
		if err := terminate(cmd.Process); err != nil {
			s.log.Warnw("failed to signal worker", logger.FieldJobID, jobID, logger.FieldError, err)
		}
	}

	go s.wait(h, cmd, stdout, stderr)
	return h, true, nil
}

func (s *Supervisor) wait(h *handle, cmd *exec.Cmd, stdout, stderr *cappedBuffer) {
	err := cmd.Wait()
	finished := time.Now().UTC()

	code := 0
	if cmd.ProcessState != nil {
		code = cmd.ProcessState.ExitCode()
	} else if err != nil {
		code = -1
	}

	s.registry.Release(h.jobID, h)
	// Done closes only after the exit observer has run.
	defer close(h.done)

	s.log.Infow("worker exited",
		logger.FieldJobID, h.jobID,
		logger.FieldPID, cmd.Process.Pid,
		logger.FieldExitCode, code,
		logger.FieldDurationMS, finished.Sub(h.startedAt).Milliseconds())

	s.mu.RLock()
	fn := s.onExit
	s.mu.RUnlock()
	if fn == nil {
		return
	}
	fn(ExitEvent{
		JobID:      h.jobID,
		PID:        cmd.Process.Pid,
		ExitCode:   code,
		Err:        err,
		Stdout:     stdout.Bytes(),
		Stderr:     stderr.Bytes(),
		StartedAt:  h.startedAt,
		FinishedAt: finished,
	})
}

// Cancel signals the worker for jobID and forgets it. It does not wait for
// the process to exit and reports whether a worker was being tracked.
func (s *Supervisor) Cancel(jobID string) bool {
	h, ok := s.registry.Lookup(jobID)
	if !ok {
		return false
	}
	if err := h.Terminate(); err != nil {
		s.log.Warnw("failed to signal worker", logger.FieldJobID, jobID, logger.FieldError, err)
	}
	s.registry.Release(jobID, h)
	s.log.Infow("worker canceled", logger.FieldJobID, jobID, logger.FieldPID, h.PID())
	return true
}

// IsActive reports whether a worker is tracked for jobID.
func (s *Supervisor) IsActive(jobID string) bool {
	_, ok := s.registry.Lookup(jobID)
	return ok
}

// Handle returns the tracked worker for jobID.
func (s *Supervisor) Handle(jobID string) (ports.WorkerHandle, bool) {
	return s.registry.Lookup(jobID)
}

// cappedBuffer keeps the first limit bytes written and discards the rest.
type cappedBuffer struct {
	mu    sync.Mutex
	buf   bytes.Buffer
	limit int
}

func (b *cappedBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if room := b.limit - b.buf.Len(); room > 0 {
		if len(p) > room {
			b.buf.Write(p[:room])
		} else {
			b.buf.Write(p)
		}
	}
	return len(p), nil
}

func (b *cappedBuffer) Bytes() []byte {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]byte(nil), b.buf.Bytes()...)
}
