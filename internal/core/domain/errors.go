package domain

import (
	"fmt"
	"time"
)

// StoreError reports that the job table could not be read or written.
type StoreError struct {
	Op  string
	Err error
}

func (e *StoreError) Error() string { return fmt.Sprintf("job store %s: %v", e.Op, e.Err) }
func (e *StoreError) Unwrap() error { return e.Err }

// WorkerSpawnError reports that a worker process could not be started.
type WorkerSpawnError struct {
	JobID string
	Err   error
}

func (e *WorkerSpawnError) Error() string {
	return fmt.Sprintf("failed to start worker for job %s: %v", e.JobID, e.Err)
}
func (e *WorkerSpawnError) Unwrap() error { return e.Err }

// WorkerRuntimeError reports that a worker exited unsuccessfully.
type WorkerRuntimeError struct {
	JobID    string
	ExitCode int
	Stderr   string
}

func (e *WorkerRuntimeError) Error() string {
	if e.Stderr == "" {
		return fmt.Sprintf("worker for job %s exited with code %d", e.JobID, e.ExitCode)
	}
	return fmt.Sprintf("worker for job %s exited with code %d: %s", e.JobID, e.ExitCode, e.Stderr)
}

// PlanningExhaustedError reports an item that found no slot within the look-ahead window.
type PlanningExhaustedError struct {
	ItemID        string
	LookAheadDays int
}

func (e *PlanningExhaustedError) Error() string {
	return fmt.Sprintf("no free slot for item %s within %d days", e.ItemID, e.LookAheadDays)
}

// RemoteConflictError is a retryable rejection because of a timing collision.
type RemoteConflictError struct {
	At     time.Time
	Detail string
}

func (e *RemoteConflictError) Error() string {
	return fmt.Sprintf("remote scheduling conflict at %s: %s", e.At.Format(time.RFC3339), e.Detail)
}

// RemoteFatalError is a non-retryable rejection by the remote system.
type RemoteFatalError struct {
	Detail string
	Err    error
}

func (e *RemoteFatalError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("remote rejected request: %s: %v", e.Detail, e.Err)
	}
	return "remote rejected request: " + e.Detail
}
func (e *RemoteFatalError) Unwrap() error { return e.Err }

// RemoteJobFailed reports that an asynchronous remote job ended in failure.
type RemoteJobFailed struct {
	Handle string
	Status string
	Detail string
}

func (e *RemoteJobFailed) Error() string {
	return fmt.Sprintf("remote job %s %s: %s", e.Handle, e.Status, e.Detail)
}

// RemoteJobTimeout reports that polling gave up before a terminal state.
type RemoteJobTimeout struct {
	Handle   string
	Attempts int
}

func (e *RemoteJobTimeout) Error() string {
	return fmt.Sprintf("remote job %s not finished after %d polls", e.Handle, e.Attempts)
}

// InvalidTransitionError reports a status change the state machine forbids.
type InvalidTransitionError struct {
	JobID string
	From  Status
	To    Status
}

func (e *InvalidTransitionError) Error() string {
	return fmt.Sprintf("job %s cannot move from %s to %s", e.JobID, e.From, e.To)
}
