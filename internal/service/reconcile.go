package service

import (
	"context"

	"reelbatch/internal/core/domain"
	"reelbatch/internal/errors"
	"reelbatch/internal/logger"
)

// Reconcile resolves processing jobs whose worker is gone without an exit
// being observed, for example after this process restarted. A job is
// resolved from the outputs on disk when its recorded worker is no longer
// alive, or when no worker was ever recorded and the job has not been
// touched for StaleAfter. It returns the jobs it resolved.
func (o *Orchestrator) Reconcile(ctx context.Context) ([]*domain.Job, error) {
	jobs, err := o.store.List(ctx)
	if err != nil {
		return nil, err
	}

	var resolved []*domain.Job
	for _, job := range jobs {
		if job.Status != domain.StatusProcessing || o.workers.IsActive(job.ID) {
			continue
		}
		stale, err := o.workerGone(ctx, job)
		if err != nil {
			o.log.Warnw("skipping job, worker state unknown", logger.FieldJobID, job.ID, logger.FieldError, err)
			continue
		}
		if !stale {
			continue
		}

		updated, err := o.store.Upsert(ctx, job.ID, func(j *domain.Job, exists bool) error {
			if !exists || j.Status != domain.StatusProcessing {
				return errSkip
			}
			var runErr error
			if j.Worker != nil && j.Worker.ExitCode != nil && *j.Worker.ExitCode != 0 {
				runErr = &domain.WorkerRuntimeError{JobID: j.ID, ExitCode: *j.Worker.ExitCode}
			}
			return o.resolve(j, nil, runErr)
		})
		if err != nil {
			if errors.Is(err, errSkip) {
				continue
			}
			return resolved, err
		}
		logger.ForJob(o.log, job.ID).Infow("resolved orphaned job", logger.FieldStatus, updated.Status)
		resolved = append(resolved, updated)
	}
	return resolved, nil
}

func (o *Orchestrator) workerGone(ctx context.Context, job *domain.Job) (bool, error) {
	if job.Worker == nil {
		return o.now().Sub(job.UpdatedAt) >= o.settings.StaleAfter, nil
	}
	if job.Worker.FinishedAt != nil {
		return true, nil
	}
	if o.liveness == nil {
		return o.now().Sub(job.Worker.StartedAt) >= o.settings.StaleAfter, nil
	}
	alive, err := o.liveness.Alive(ctx, job.Worker.PID, job.Worker.StartedAt)
	if err != nil {
		return false, err
	}
	return !alive, nil
}
