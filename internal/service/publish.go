package service

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

// conflictMarkers are lower-case fragments of remote messages that reject
// a publish time because of another post.
var conflictMarkers = []string{
	"apart",
	"minimum gap",
	"minimum interval",
	"minutes between",
	"already scheduled",
	"another post",
	"same time",
	"conflict",
	"too close",
}

// PublishRequest submits items at the given times to the target accounts.
// Slots come from PlanSchedule or are supplied by hand.
type PublishRequest struct {
	AccountIDs []string
	Slots      []domain.ScheduleSlot
}

// PublishBatch uploads and schedules each slot's item in order. A timing
// conflict moves the item forward by ConflictShift and retries, up to
// MaxPublishAttempts submissions; other errors fail the item at once.
// Outcomes are recorded on the job as they happen and returned in slot
// order. Only store failures abort the batch.
func (o *Orchestrator) PublishBatch(ctx context.Context, jobID string, req PublishRequest) ([]domain.PublishOutcome, error) {
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
	networks, err := o.resolveNetworks(ctx, req.AccountIDs)
	if err != nil {
		return nil, err
	}

	log := logger.ForJob(o.log, jobID)
	outcomes := make([]domain.PublishOutcome, 0, len(req.Slots))
	for _, slot := range req.Slots {
		if err := ctx.Err(); err != nil {
			return outcomes, err
		}

		outcome := o.publishItem(ctx, job, slot, req.AccountIDs, networks, log)
		outcomes = append(outcomes, outcome)

		if err := o.recordOutcome(ctx, jobID, outcome); err != nil {
			return outcomes, err
		}
	}

	log.Infow("publish batch finished", logger.FieldCount, len(outcomes), "succeeded", countSucceeded(outcomes))
	return outcomes, nil
}

// resolveNetworks maps the target accounts to their network keys, in
// first-seen order without duplicates.
func (o *Orchestrator) resolveNetworks(ctx context.Context, accountIDs []string) ([]string, error) {
	accounts, err := o.publisher.Accounts(ctx)
	if err != nil {
		return nil, errors.Wrap(err, "failed to fetch accounts")
	}
	byID := make(map[string]ports.Account, len(accounts))
	for _, a := range accounts {
		byID[a.ID] = a
	}

	var networks []string
	seen := make(map[string]bool)
	for _, id := range accountIDs {
		account, ok := byID[id]
		if !ok {
			return nil, errors.NewNotFoundError("account %s", id)
		}
		network := strings.ToLower(firstNonEmpty(account.Provider, account.Type))
		if network == "" {
			return nil, errors.NewInvalidRequestError("account %s has no network type", id)
		}
		if !seen[network] {
			seen[network] = true
			networks = append(networks, network)
		}
	}
	return networks, nil
}

func (o *Orchestrator) publishItem(ctx context.Context, job *domain.Job, slot domain.ScheduleSlot, accounts, networks []string, log *zap.SugaredLogger) domain.PublishOutcome {
	outcome := domain.PublishOutcome{ItemID: slot.ItemID}
	fail := func(err error) domain.PublishOutcome {
		outcome.Error = err.Error()
		log.Warnw("publish failed", logger.FieldItemID, slot.ItemID, logger.FieldAttempt, outcome.Attempts, logger.FieldError, err)
		return outcome
	}

	item := job.ItemByID(slot.ItemID)
	switch {
	case item == nil:
		return fail(errors.NewNotFoundError("item %s in job %s", slot.ItemID, job.ID))
	case item.Approval != domain.ApprovalApproved:
		return fail(errors.NewInvalidRequestError("item %s is not approved", item.ID))
	case !item.Rendered():
		return fail(errors.NewInvalidRequestError("item %s has no rendered output", item.ID))
	}

	mediaID, err := o.upload(ctx, item.RenderedOutput)
	if err != nil {
		return fail(err)
	}

	text := item.Caption
	if text == "" {
		text = o.settings.DefaultCaption
	}

	at := slot.At
	for attempt := 1; attempt <= o.settings.MaxPublishAttempts; attempt++ {
		outcome.Attempts = attempt
		postID, err := o.schedule(ctx, ports.ScheduleRequest{
			Text:       text,
			MediaID:    mediaID,
			AccountIDs: accounts,
			Networks:   networks,
			At:         at,
		})
		if err == nil {
			scheduled := at
			outcome.Success = true
			outcome.RemotePostID = postID
			outcome.ScheduledAt = &scheduled
			log.Infow("item scheduled", logger.FieldItemID, item.ID, logger.FieldScheduleAt, at, logger.FieldAttempt, attempt)
			return outcome
		}

		var conflict *domain.RemoteConflictError
		if !errors.As(err, &conflict) {
			return fail(err)
		}
		if attempt == o.settings.MaxPublishAttempts {
			return fail(err)
		}
		log.Infow("publish time rejected, shifting",
			logger.FieldItemID, item.ID, logger.FieldScheduleAt, at, logger.FieldAttempt, attempt, "detail", conflict.Detail)
		at = at.Add(o.settings.ConflictShift)
	}
	return outcome
}

// upload sends the rendered file and waits for the media id when the
// upload is processed asynchronously.
func (o *Orchestrator) upload(ctx context.Context, path string) (string, error) {
	res, err := o.publisher.UploadMedia(ctx, path)
	if err != nil {
		return "", &domain.RemoteFatalError{Detail: "upload failed", Err: err}
	}
	if res.MediaID != "" {
		return res.MediaID, nil
	}

	payload, err := o.poller.Await(ctx, res.Handle)
	if err != nil {
		return "", err
	}
	id := payloadID(payload, "media")
	if id == "" {
		return "", &domain.RemoteFatalError{Detail: "upload finished without a media id"}
	}
	return id, nil
}

// schedule submits one attempt and waits for the remote job. Errors are
// classified as *domain.RemoteConflictError or *domain.RemoteFatalError.
func (o *Orchestrator) schedule(ctx context.Context, req ports.ScheduleRequest) (string, error) {
	handle, err := o.publisher.SchedulePost(ctx, req)
	if err != nil {
		return "", classify(req.At, err)
	}
	payload, err := o.poller.Await(ctx, handle)
	if err != nil {
		return "", classify(req.At, err)
	}
	if id := payloadID(payload, "posts"); id != "" {
		return id, nil
	}
	return handle, nil
}

// classify decides whether a remote rejection is a timing conflict.
// Context cancellation and poll timeouts are never conflicts.
func classify(at time.Time, err error) error {
	var conflict *domain.RemoteConflictError
	if errors.As(err, &conflict) {
		return conflict
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	var timeout *domain.RemoteJobTimeout
	if errors.As(err, &timeout) {
		return &domain.RemoteFatalError{Detail: "remote job timed out", Err: err}
	}

	msg := err.Error()
	if isConflictMessage(msg) {
		return &domain.RemoteConflictError{At: at, Detail: msg}
	}
	return &domain.RemoteFatalError{Detail: "schedule rejected", Err: err}
}

func isConflictMessage(msg string) bool {
	msg = strings.ToLower(msg)
	for _, marker := range conflictMarkers {
		if strings.Contains(msg, marker) {
			return true
		}
	}
	return false
}

// payloadID digs an id out of a remote job payload. It accepts
// {"id":..}, {key:{"id":..}}, {key:[{"id":..}]} and [{"id":..}].
func payloadID(payload json.RawMessage, key string) string {
	if len(payload) == 0 {
		return ""
	}
	var obj map[string]json.RawMessage
	if err := json.Unmarshal(payload, &obj); err == nil {
		if id := stringValue(obj["id"]); id != "" {
			return id
		}
		if nested, ok := obj[key]; ok {
			return payloadID(nested, key)
		}
		return ""
	}
	var list []json.RawMessage
	if err := json.Unmarshal(payload, &list); err == nil && len(list) > 0 {
		return payloadID(list[0], key)
	}
	return ""
}

// stringValue reads a JSON string or number as a string.
func stringValue(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	var n json.Number
	if err := json.Unmarshal(raw, &n); err == nil {
		return n.String()
	}
	return ""
}

func (o *Orchestrator) recordOutcome(ctx context.Context, jobID string, outcome domain.PublishOutcome) error {
	_, err := o.store.Upsert(ctx, jobID, func(job *domain.Job, exists bool) error {
		if !exists {
			return errors.NewNotFoundError("job %s", jobID)
		}
		item := job.ItemByID(outcome.ItemID)
		if item == nil {
			return nil
		}
		if outcome.Success {
			item.ScheduledAt = outcome.ScheduledAt
			item.RemotePostID = outcome.RemotePostID
			item.PublishError = ""
		} else {
			item.PublishError = outcome.Error
		}
		return nil
	})
	return err
}

func countSucceeded(outcomes []domain.PublishOutcome) int {
	n := 0
	for _, o := range outcomes {
		if o.Success {
			n++
		}
	}
	return n
}
