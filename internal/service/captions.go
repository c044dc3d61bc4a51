package service

import (
	"context"

	"reelbatch/internal/core/domain"
	"reelbatch/internal/core/ports"
	"reelbatch/internal/errors"
	"reelbatch/internal/logger"
)

// CaptionOutcome is the result of generating one caption.
type CaptionOutcome struct {
	ItemID  string `json:"item_id"`
	Caption string `json:"caption,omitempty"`
	Error   string `json:"error,omitempty"`
}

// UpdateCaptions stores edited captions keyed by item id. Unknown items
// abort the whole update.
func (o *Orchestrator) UpdateCaptions(ctx context.Context, jobID string, captions map[string]string) (*domain.Job, error) {
	return o.store.Upsert(ctx, jobID, func(job *domain.Job, exists bool) error {
		if !exists {
			return errors.NewNotFoundError("job %s", jobID)
		}
		for id := range captions {
			if job.ItemByID(id) == nil {
				return errors.NewNotFoundError("item %s in job %s", id, jobID)
			}
		}
		for id, text := range captions {
			job.ItemByID(id).Caption = text
		}
		return nil
	})
}

// GenerateCaptions writes a caption for each item in turn. With no ids it
// covers every approved item. Per-item failures are reported in the
// outcomes; successful captions are stored.
func (o *Orchestrator) GenerateCaptions(ctx context.Context, jobID string, itemIDs []string, style string) ([]CaptionOutcome, error) {
	if o.captioner == nil {
		return nil, errors.WithHint(errors.New("no captioner configured"), "set OPENAI_API_KEY")
	}
	job, err := o.store.Get(ctx, jobID)
	if err != nil {
		return nil, err
	}
	items, err := selectItems(job, itemIDs)
	if err != nil {
		return nil, err
	}

	log := logger.ForJob(o.log, jobID)
	outcomes := make([]CaptionOutcome, 0, len(items))
	captions := make(map[string]string)
	for _, item := range items {
		if err := ctx.Err(); err != nil {
			return outcomes, err
		}
		text, err := o.captioner.Caption(ctx, ports.CaptionRequest{
			OriginalCaption: item.OriginalCaption,
			Username:        item.Username,
			Style:           style,
		})
		if err != nil {
			log.Warnw("caption generation failed", logger.FieldItemID, item.ID, logger.FieldError, err)
			outcomes = append(outcomes, CaptionOutcome{ItemID: item.ID, Error: err.Error()})
			continue
		}
		captions[item.ID] = text
		outcomes = append(outcomes, CaptionOutcome{ItemID: item.ID, Caption: text})
	}

	if len(captions) > 0 {
		if _, err := o.UpdateCaptions(ctx, jobID, captions); err != nil {
			return outcomes, err
		}
	}
	return outcomes, nil
}

// selectItems returns the named items in the given order, or every
// approved item when ids is empty.
func selectItems(job *domain.Job, ids []string) ([]domain.Item, error) {
	if len(ids) == 0 {
		return job.ApprovedItems(), nil
	}
	items := make([]domain.Item, 0, len(ids))
	for _, id := range ids {
		item := job.ItemByID(id)
		if item == nil {
			return nil, errors.NewNotFoundError("item %s in job %s", id, job.ID)
		}
		items = append(items, *item)
	}
	return items, nil
}
