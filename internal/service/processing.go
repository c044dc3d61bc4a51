package service

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"os"
	"sort"
	"strings"
	"time"

	"reelbatch/internal/adapters/process"
	"reelbatch/internal/core/domain"
	"reelbatch/internal/errors"
	"reelbatch/internal/logger"
)

const (
	headerAssetName  = "header_overlay.png"
	profileAssetName = "logo.png"
	// jobFileName is the job snapshot handed to the worker as {job_file}.
	jobFileName = "job.json"

	// exitTimeout bounds the store update made when a worker exits.
	exitTimeout = 30 * time.Second
)

// StartRequest configures a render run.
type StartRequest struct {
	Config       domain.RenderConfig
	HeaderImage  io.Reader
	ProfileImage io.Reader
}

// CorrectRequest re-renders a subset of a completed job.
type CorrectRequest struct {
	ItemIDs []string
	// Config replaces the job's render config when set.
	Config *domain.RenderConfig
	// Corrections sets a vertical correction per item.
	Corrections map[string]int
}

// StartJob stores the render config and assets and spawns the render
// worker. A job whose worker is already running is returned unchanged.
func (o *Orchestrator) StartJob(ctx context.Context, jobID string, req StartRequest) (*domain.Job, error) {
	job, err := o.store.Get(ctx, jobID)
	if err != nil {
		return nil, err
	}
	log := logger.ForJob(o.log, jobID)

	if running, err := o.workerRunning(ctx, job); err != nil {
		return nil, err
	} else if running {
		log.Infow("worker already running, start ignored")
		return job, nil
	}

	switch job.Status {
	case domain.StatusScraped, domain.StatusFailed, domain.StatusProcessing:
	default:
		return nil, &domain.InvalidTransitionError{JobID: jobID, From: job.Status, To: domain.StatusProcessing}
	}
	prev := job.Status

	cfg := req.Config
	if err := o.saveAssets(ctx, jobID, &cfg, req); err != nil {
		return nil, err
	}

	job, err = o.store.Upsert(ctx, jobID, func(job *domain.Job, exists bool) error {
		if !exists {
			return errors.NewNotFoundError("job %s", jobID)
		}
		if job.Status != domain.StatusProcessing {
			if err := job.Transition(domain.StatusProcessing); err != nil {
				return err
			}
		}
		job.Config = &cfg
		job.LastError = ""
		job.Worker = nil
		return nil
	})
	if err != nil {
		return nil, err
	}

	return o.spawn(ctx, job, nil, prev)
}

// saveAssets stores uploaded images and points cfg at them. Images kept
// from an earlier run are reused.
func (o *Orchestrator) saveAssets(ctx context.Context, jobID string, cfg *domain.RenderConfig, req StartRequest) error {
	if req.HeaderImage != nil {
		path, err := o.storage.SaveAsset(ctx, jobID, headerAssetName, req.HeaderImage)
		if err != nil {
			return errors.Wrap(err, "failed to save header image")
		}
		cfg.HeaderImage = path
	}
	if req.ProfileImage != nil {
		path, err := o.storage.SaveAsset(ctx, jobID, profileAssetName, req.ProfileImage)
		if err != nil {
			return errors.Wrap(err, "failed to save profile image")
		}
		cfg.ProfileImage = path
	}
	if cfg.Mode == "upload" && cfg.HeaderImage == "" {
		return errors.WithHint(errors.NewInvalidRequestError("header image required"),
			"pass a header image or use design mode")
	}
	return nil
}

// spawn writes the job snapshot for the worker and starts it. items limits
// the run to a subset. On spawn failure the job moves to rollback.
func (o *Orchestrator) spawn(ctx context.Context, job *domain.Job, items []string, rollback domain.Status) (*domain.Job, error) {
	log := logger.ForJob(o.log, job.ID)

	snapshot, err := json.MarshalIndent(job, "", "  ")
	if err != nil {
		return nil, err
	}
	jobFile, err := o.storage.SaveAsset(ctx, job.ID, jobFileName, bytes.NewReader(snapshot))
	if err != nil {
		return nil, o.abortStart(ctx, job.ID, rollback, errors.Wrap(err, "failed to write job file"))
	}

	command, err := process.ParseCommand(o.settings.RenderCommand, map[string]string{
		"job_id":   job.ID,
		"job_dir":  o.storage.GetJobPath(job.ID),
		"job_file": jobFile,
	})
	if err != nil {
		return nil, o.abortStart(ctx, job.ID, rollback, err)
	}
	if len(items) > 0 {
		command = command.WithArgs("--items", strings.Join(items, ","))
	}

	h, started, err := o.workers.Start(ctx, job.ID, command)
	if err != nil {
		return nil, o.abortStart(ctx, job.ID, rollback, err)
	}
	if !started {
		log.Infow("worker already running", logger.FieldPID, h.PID())
		return o.store.Get(ctx, job.ID)
	}

	jobID, pid, startedAt := job.ID, h.PID(), h.StartedAt()
	updated, err := o.store.Upsert(ctx, jobID, func(job *domain.Job, exists bool) error {
		if !exists {
			return errors.NewNotFoundError("job %s", jobID)
		}
		// The exit handler may already have recorded this worker.
		if job.Worker != nil && job.Worker.PID == pid {
			return nil
		}
		job.Worker = &domain.WorkerInfo{PID: pid, Host: o.host, StartedAt: startedAt}
		return nil
	})
	if err != nil {
		return nil, err
	}
	log.Infow("render started", logger.FieldPID, pid, logger.FieldCount, len(items))
	return updated, nil
}

func (o *Orchestrator) abortStart(ctx context.Context, jobID string, rollback domain.Status, cause error) error {
	_, err := o.store.Upsert(ctx, jobID, func(job *domain.Job, exists bool) error {
		if !exists || job.Status != domain.StatusProcessing {
			return nil
		}
		job.Status = rollback
		job.LastError = cause.Error()
		return nil
	})
	if err != nil {
		o.log.Errorw("failed to roll back job after spawn error", logger.FieldJobID, jobID, logger.FieldError, err)
	}
	return cause
}

// workerRunning reports whether a worker is tracked in memory or, after a
// restart, whether the recorded worker process is still alive.
func (o *Orchestrator) workerRunning(ctx context.Context, job *domain.Job) (bool, error) {
	if o.workers.IsActive(job.ID) {
		return true, nil
	}
	if job.Status != domain.StatusProcessing || job.Worker == nil || job.Worker.FinishedAt != nil || o.liveness == nil {
		return false, nil
	}
	alive, err := o.liveness.Alive(ctx, job.Worker.PID, job.Worker.StartedAt)
	if err != nil {
		return false, errors.Wrapf(err, "failed to check worker of job %s", job.ID)
	}
	return alive, nil
}

// CancelJob signals the job's worker, if any, and marks the job canceled.
// It reports whether a worker was signaled. Completed and canceled jobs
// are returned unchanged.
func (o *Orchestrator) CancelJob(ctx context.Context, jobID string) (*domain.Job, bool, error) {
	job, err := o.store.Get(ctx, jobID)
	if err != nil {
		return nil, false, err
	}
	if job.Status.IsTerminal() {
		return job, false, nil
	}
	log := logger.ForJob(o.log, jobID)

	signaled := o.workers.Cancel(jobID)
	if !signaled && job.Worker != nil && job.Worker.FinishedAt == nil && o.liveness != nil {
		sent, err := o.liveness.Terminate(ctx, job.Worker.PID, job.Worker.StartedAt)
		if err != nil {
			log.Warnw("failed to signal recorded worker", logger.FieldPID, job.Worker.PID, logger.FieldError, err)
		}
		signaled = sent
	}

	job, err = o.store.Upsert(ctx, jobID, func(job *domain.Job, exists bool) error {
		if !exists {
			return errors.NewNotFoundError("job %s", jobID)
		}
		if job.Status.IsTerminal() {
			return nil
		}
		return job.Transition(domain.StatusCanceled)
	})
	if err != nil {
		return nil, signaled, err
	}
	log.Infow("job canceled", "signaled", signaled)
	return job, signaled, nil
}

// CorrectJob clears the outputs of the given items on a completed job,
// moves it back to processing and re-renders only those items.
func (o *Orchestrator) CorrectJob(ctx context.Context, jobID string, req CorrectRequest) (*domain.Job, error) {
	if len(req.ItemIDs) == 0 {
		return nil, errors.NewInvalidRequestError("no items to correct")
	}
	if o.workers.IsActive(jobID) {
		return nil, errors.Wrapf(errors.ErrConflict, "job %s has a running worker", jobID)
	}

	job, err := o.store.Upsert(ctx, jobID, func(job *domain.Job, exists bool) error {
		if !exists {
			return errors.NewNotFoundError("job %s", jobID)
		}
		for _, id := range req.ItemIDs {
			if job.ItemByID(id) == nil {
				return errors.NewNotFoundError("item %s in job %s", id, jobID)
			}
		}
		if job.Status != domain.StatusCompleted {
			return &domain.InvalidTransitionError{JobID: jobID, From: job.Status, To: domain.StatusProcessing}
		}
		if err := job.Transition(domain.StatusProcessing); err != nil {
			return err
		}
		for _, id := range req.ItemIDs {
			item := job.ItemByID(id)
			item.RenderedOutput = ""
			if c, ok := req.Corrections[id]; ok {
				if item.Layout == nil {
					item.Layout = &domain.Layout{}
				}
				item.Layout.Correction = c
			}
		}
		if req.Config != nil {
			cfg := *req.Config
			job.Config = &cfg
		}
		job.LastError = ""
		job.Worker = nil
		return nil
	})
	if err != nil {
		return nil, err
	}

	for _, id := range req.ItemIDs {
		if err := o.storage.ClearOutput(jobID, id); err != nil {
			return nil, o.abortStart(ctx, jobID, domain.StatusFailed, err)
		}
	}

	logger.ForJob(o.log, jobID).Infow("correcting items", logger.FieldCount, len(req.ItemIDs))
	// Outputs are gone, so a failed spawn leaves the job failed rather than completed.
	return o.spawn(ctx, job, req.ItemIDs, domain.StatusFailed)
}

// workerResult is one entry of the JSON list a worker may print on exit.
type workerResult struct {
	ID     string         `json:"id"`
	Output string         `json:"output"`
	Layout *domain.Layout `json:"layout"`
	Error  string         `json:"error"`
}

// parseWorkerResults finds the last JSON list printed on stdout. Workers
// log freely, so any line that does not decode is skipped.
func parseWorkerResults(stdout []byte) []workerResult {
	lines := bytes.Split(stdout, []byte("\n"))
	for i := len(lines) - 1; i >= 0; i-- {
		line := bytes.TrimSpace(lines[i])
		if len(line) == 0 || line[0] != '[' {
			continue
		}
		var results []workerResult
		if err := json.Unmarshal(line, &results); err == nil {
			return results
		}
	}
	return nil
}

// handleWorkerExit resolves a processing job once its worker exits.
func (o *Orchestrator) handleWorkerExit(ev process.ExitEvent) {
	ctx, cancel := context.WithTimeout(context.Background(), exitTimeout)
	defer cancel()

	log := logger.ForJob(o.log, ev.JobID)
	results := parseWorkerResults(ev.Stdout)
	code := ev.ExitCode
	finished := ev.FinishedAt

	job, err := o.store.Upsert(ctx, ev.JobID, func(job *domain.Job, exists bool) error {
		if !exists {
			return errSkip
		}
		if job.Worker != nil && job.Worker.PID != 0 && job.Worker.PID != ev.PID {
			return errSkip
		}
		if job.Worker == nil {
			job.Worker = &domain.WorkerInfo{PID: ev.PID, Host: o.host, StartedAt: ev.StartedAt}
		}
		job.Worker.ExitCode = &code
		job.Worker.FinishedAt = &finished

		if job.Status != domain.StatusProcessing {
			return nil
		}
		var runErr error
		if ev.ExitCode != 0 || ev.Err != nil {
			runErr = &domain.WorkerRuntimeError{JobID: ev.JobID, ExitCode: ev.ExitCode, Stderr: tail(ev.Stderr, 500)}
		}
		return o.resolve(job, results, runErr)
	})
	if err != nil {
		if !errors.Is(err, errSkip) {
			log.Errorw("failed to record worker exit", logger.FieldError, err)
		}
		return
	}
	log.Infow("worker resolved", logger.FieldStatus, job.Status, logger.FieldExitCode, ev.ExitCode)
}

var errSkip = errors.New("skip")

// resolve applies worker results, discovers outputs by convention and
// moves a processing job to completed or failed.
func (o *Orchestrator) resolve(job *domain.Job, results []workerResult, runErr error) error {
	itemErrors := make(map[string]string)
	for _, r := range results {
		item := job.ItemByID(r.ID)
		if item == nil {
			continue
		}
		if r.Layout != nil {
			layout := *r.Layout
			item.Layout = &layout
		}
		if r.Output != "" {
			if _, err := os.Stat(r.Output); err == nil {
				item.RenderedOutput = r.Output
			}
		}
		if r.Error != "" {
			itemErrors[r.ID] = r.Error
		}
	}

	var missing []string
	for i := range job.Items {
		item := &job.Items[i]
		if item.Approval != domain.ApprovalApproved || item.Rendered() {
			continue
		}
		if path, ok := o.storage.FindOutput(job.ID, item.ID); ok {
			item.RenderedOutput = path
			continue
		}
		missing = append(missing, item.ID)
	}

	if runErr == nil && len(missing) == 0 {
		job.LastError = ""
		return job.Transition(domain.StatusCompleted)
	}

	var reasons []string
	if runErr != nil {
		reasons = append(reasons, runErr.Error())
	}
	if len(missing) > 0 {
		sort.Strings(missing)
		msg := "no output for items: " + strings.Join(missing, ", ")
		for _, id := range missing {
			if e, ok := itemErrors[id]; ok {
				msg += "; " + id + ": " + e
			}
		}
		reasons = append(reasons, msg)
	}
	job.LastError = strings.Join(reasons, "; ")
	return job.Transition(domain.StatusFailed)
}

func tail(b []byte, n int) string {
	s := strings.TrimSpace(string(b))
	if len(s) <= n {
		return s
	}
	return s[len(s)-n:]
}
