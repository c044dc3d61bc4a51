// Package remotejob waits for asynchronous jobs on remote APIs to finish.
package remotejob

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"go.uber.org/zap"

	"reelbatch/internal/core/domain"
	"reelbatch/internal/core/ports"
	"reelbatch/internal/errors"
	"reelbatch/internal/logger"
)

const (
	DefaultAttempts = 20
	DefaultInterval = time.Second
)

// DefaultSuccessStates are the terminal success spellings seen across APIs.
var DefaultSuccessStates = []string{"complete", "completed", "success", "succeeded"}

// DefaultFailureStates are the terminal failure spellings seen across APIs.
var DefaultFailureStates = []string{"failed", "failure", "error", "aborted", "timed-out"}

// Poller polls a RemoteJobFetcher until the job reaches a terminal state.
type Poller struct {
	fetcher  ports.RemoteJobFetcher
	attempts int
	interval time.Duration
	success  map[string]bool
	failure  map[string]bool
	sleep    func(ctx context.Context, d time.Duration) error
	log      *zap.SugaredLogger
}

// Option configures a Poller.
type Option func(*Poller)

// WithAttempts sets the maximum number of polls.
func WithAttempts(n int) Option {
	return func(p *Poller) {
		if n > 0 {
			p.attempts = n
		}
	}
}

// WithInterval sets the delay before each poll.
func WithInterval(d time.Duration) Option {
	return func(p *Poller) {
		if d >= 0 {
			p.interval = d
		}
	}
}

// WithStates replaces the recognised terminal states. Matching ignores case.
func WithStates(success, failure []string) Option {
	return func(p *Poller) {
		p.success = stateSet(success)
		p.failure = stateSet(failure)
	}
}

// WithSleep replaces the wait between polls, for tests.
func WithSleep(fn func(ctx context.Context, d time.Duration) error) Option {
	return func(p *Poller) { p.sleep = fn }
}

// WithLogger sets the logger.
func WithLogger(l *zap.SugaredLogger) Option {
	return func(p *Poller) { p.log = l }
}

// NewPoller creates a poller with 20 attempts at 1s spacing unless overridden.
func NewPoller(fetcher ports.RemoteJobFetcher, opts ...Option) *Poller {
	p := &Poller{
		fetcher:  fetcher,
		attempts: DefaultAttempts,
		interval: DefaultInterval,
		success:  stateSet(DefaultSuccessStates),
		failure:  stateSet(DefaultFailureStates),
		sleep:    sleepContext,
		log:      logger.Logger,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Await blocks until the job behind handle finishes and returns its payload.
// It fails with *domain.RemoteJobFailed or *domain.RemoteJobTimeout.
func (p *Poller) Await(ctx context.Context, handle string) (json.RawMessage, error) {
	if handle == "" {
		return nil, errors.NewInvalidRequestError("empty remote job handle")
	}

	for attempt := 1; attempt <= p.attempts; attempt++ {
		if err := p.sleep(ctx, p.interval); err != nil {
			return nil, err
		}

		status, err := p.fetcher.JobStatus(ctx, handle)
		if err != nil {
			return nil, errors.Wrapf(err, "failed to poll remote job %s", handle)
		}

		state := strings.ToLower(strings.TrimSpace(status.State))
		switch {
		case p.success[state]:
			p.log.Debugw("remote job finished", logger.FieldHandle, handle, logger.FieldAttempt, attempt)
			return status.Payload, nil
		case p.failure[state]:
			return nil, &domain.RemoteJobFailed{Handle: handle, Status: state, Detail: status.Detail}
		}
	}

	p.log.Warnw("remote job still running, giving up", logger.FieldHandle, handle, logger.FieldAttempt, p.attempts)
	return nil, &domain.RemoteJobTimeout{Handle: handle, Attempts: p.attempts}
}

// IsSuccessState reports whether state is one of DefaultSuccessStates,
// ignoring case.
func IsSuccessState(state string) bool {
	for _, s := range DefaultSuccessStates {
		if strings.EqualFold(s, state) {
			return true
		}
	}
	return false
}

func stateSet(states []string) map[string]bool {
	set := make(map[string]bool, len(states))
	for _, s := range states {
		set[strings.ToLower(s)] = true
	}
	return set
}

func sleepContext(ctx context.Context, d time.Duration) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(d):
		return nil
	}
}
