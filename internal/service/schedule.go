package service

import (
	"context"
	"time"

	"reelbatch/internal/core/domain"
	"reelbatch/internal/core/planner"
	"reelbatch/internal/errors"
	"reelbatch/internal/logger"
)

// PlanRequest selects items and planning parameters. Zero Strategy,
// MinGap and SpreadDays fall back to the configured defaults; StartHour
// and StartDay are used as given.
type PlanRequest struct {
	ItemIDs    []string
	AccountIDs []string
	Strategy   domain.Strategy
	MinGap     time.Duration
	StartHour  int
	SpreadDays int
	StartDay   int
}

// SchedulePlan is a proposed set of publish times. Nothing is committed.
type SchedulePlan struct {
	JobID      string                           `json:"job_id"`
	Slots      []domain.ScheduleSlot            `json:"slots"`
	Unassigned []*domain.PlanningExhaustedError `json:"-"`
}

// PlanSchedule reads the remote calendar and assigns a publish time to
// every selected item that fits within the look-ahead window. With no ids
// it plans every approved, rendered item not yet published.
func (o *Orchestrator) PlanSchedule(ctx context.Context, jobID string, req PlanRequest) (*SchedulePlan, error) {
	if o.publisher == nil {
		return nil, errors.WithHint(errors.New("no publisher configured"), "set PUBLER_API_KEY")
	}
	if len(req.AccountIDs) == 0 {
		return nil, errors.NewInvalidRequestError("at least one account is required")
	}

	job, err := o.store.Get(ctx, jobID)
	if err != nil {
		return nil, err
	}
	ids, err := plannableItems(job, req.ItemIDs)
	if err != nil {
		return nil, err
	}

	busy, err := o.publisher.ScheduledPosts(ctx, o.settings.BusyPostsLimit)
	if err != nil {
		return nil, errors.Wrap(err, "failed to read remote calendar")
	}

	pr := planner.Request{
		ItemIDs:        ids,
		Strategy:       req.Strategy,
		MinGap:         req.MinGap,
		StartHour:      req.StartHour,
		SpreadDays:     req.SpreadDays,
		StartDayOffset: req.StartDay,
		Accounts:       req.AccountIDs,
		Busy:           busy,
		Now:            o.now(),
		Location:       o.settings.Location,
		LookAheadDays:  o.settings.LookAheadDays,
	}
	if pr.Strategy == "" {
		pr.Strategy = o.settings.Strategy
	}
	if pr.MinGap <= 0 {
		pr.MinGap = o.settings.MinGap
	}
	if pr.SpreadDays < 1 {
		pr.SpreadDays = o.settings.SpreadDays
	}

	plan, err := planner.PlanSlots(pr)
	if err != nil {
		return nil, err
	}

	logger.ForJob(o.log, jobID).Infow("schedule planned",
		logger.FieldCount, len(plan.Slots), "unassigned", len(plan.Unassigned), "busy", len(busy))
	return &SchedulePlan{
		JobID:      jobID,
		Slots:      plan.Slots,
		Unassigned: plan.Errors(o.settings.LookAheadDays),
	}, nil
}

func plannableItems(job *domain.Job, ids []string) ([]string, error) {
	if len(ids) > 0 {
		for _, id := range ids {
			if job.ItemByID(id) == nil {
				return nil, errors.NewNotFoundError("item %s in job %s", id, job.ID)
			}
		}
		return ids, nil
	}
	var out []string
	for _, item := range job.ApprovedItems() {
		if item.Rendered() && item.RemotePostID == "" {
			out = append(out, item.ID)
		}
	}
	return out, nil
}
