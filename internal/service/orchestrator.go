// Package service drives jobs through intake, rendering, captioning and
// publishing. Every state change goes through the JobStore.
package service

import (
	"context"
	"fmt"
	"math/rand/v2"
	"os"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"reelbatch/internal/adapters/process"
	"reelbatch/internal/core/domain"
	"reelbatch/internal/core/ports"
	"reelbatch/internal/errors"
	"reelbatch/internal/logger"
	"reelbatch/internal/remotejob"
)

// simulatedItemCount is the size of the placeholder batch used when intake fails.
const simulatedItemCount = 12

const (
	sampleVideoURL   = "https://storage.googleapis.com/gtv-videos-bucket/sample/ForBiggerEscapes.mp4"
	sampleThumbURL   = "https://picsum.photos/seed/%s-%d/400/700"
	simulatedAccount = "instagram_demo_user"
)

// Supervisor starts and tracks render workers.
type Supervisor interface {
	Start(ctx context.Context, jobID string, command process.Command) (ports.WorkerHandle, bool, error)
	Cancel(jobID string) bool
	IsActive(jobID string) bool
	OnExit(fn process.ExitFunc)
}

// Orchestrator coordinates the job workflow.
type Orchestrator struct {
	store    ports.JobStore
	storage  ports.MediaStorage
	workers  Supervisor
	settings Settings

	scraper   ports.Scraper
	publisher ports.Publisher
	captioner ports.Captioner
	liveness  ports.Liveness

	pollerOpts []remotejob.Option
	poller     *remotejob.Poller

	now   func() time.Time
	newID func() string
	host  string
	log   *zap.SugaredLogger
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

func WithScraper(s ports.Scraper) Option {
	return func(o *Orchestrator) { o.scraper = s }
}

func WithPublisher(p ports.Publisher) Option {
	return func(o *Orchestrator) { o.publisher = p }
}

func WithCaptioner(c ports.Captioner) Option {
	return func(o *Orchestrator) { o.captioner = c }
}

func WithLiveness(l ports.Liveness) Option {
	return func(o *Orchestrator) { o.liveness = l }
}

// WithPollerOptions adds options to the poller used for publisher jobs.
func WithPollerOptions(opts ...remotejob.Option) Option {
	return func(o *Orchestrator) { o.pollerOpts = append(o.pollerOpts, opts...) }
}

func WithClock(fn func() time.Time) Option {
	return func(o *Orchestrator) { o.now = fn }
}

func WithIDGenerator(fn func() string) Option {
	return func(o *Orchestrator) { o.newID = fn }
}

func WithLogger(l *zap.SugaredLogger) Option {
	return func(o *Orchestrator) { o.log = l }
}

// NewOrchestrator creates an Orchestrator and registers it as the exit
// observer of workers.
func NewOrchestrator(store ports.JobStore, storage ports.MediaStorage, workers Supervisor, settings Settings, opts ...Option) *Orchestrator {
	host, _ := os.Hostname()
	o := &Orchestrator{
		store:    store,
		storage:  storage,
		workers:  workers,
		settings: settings.withDefaults(),
		now:      time.Now,
		newID:    func() string { return uuid.New().String() },
		host:     host,
		log:      logger.Logger,
	}
	for _, opt := range opts {
		opt(o)
	}
	o.log = o.log.With(logger.FieldComponent, "orchestrator")

	if o.publisher != nil {
		pollerOpts := append([]remotejob.Option{
			remotejob.WithAttempts(o.settings.PollAttempts),
			remotejob.WithInterval(o.settings.PollInterval),
			remotejob.WithLogger(o.log),
		}, o.pollerOpts...)
		o.poller = remotejob.NewPoller(o.publisher, pollerOpts...)
	}

	workers.OnExit(o.handleWorkerExit)
	return o
}

// GetJob returns a snapshot of the job.
func (o *Orchestrator) GetJob(ctx context.Context, jobID string) (*domain.Job, error) {
	return o.store.Get(ctx, jobID)
}

// ListJobs returns all jobs, newest first.
func (o *Orchestrator) ListJobs(ctx context.Context) ([]*domain.Job, error) {
	return o.store.List(ctx)
}

// CreateJob runs intake for sourceURL: it records the job, scrapes the
// source and stores the clips as approved items. When scraping fails and
// simulation is enabled, the job is filled with placeholder items instead.
func (o *Orchestrator) CreateJob(ctx context.Context, sourceURL string, limit int) (*domain.Job, error) {
	if sourceURL == "" {
		return nil, errors.NewInvalidRequestError("source URL is required")
	}
	if limit <= 0 {
		limit = o.settings.IntakeLimit
	}

	jobID := o.newID()
	log := logger.ForJob(o.log, jobID)
	now := o.now().UTC()

	_, err := o.store.Upsert(ctx, jobID, func(job *domain.Job, exists bool) error {
		if exists {
			return errors.Wrapf(errors.ErrConflict, "job %s already exists", jobID)
		}
		*job = domain.Job{ID: jobID, SourceURL: sourceURL, CreatedAt: now, Status: domain.StatusCreated}
		return nil
	})
	if err != nil {
		return nil, err
	}
	if err := o.storage.InitJob(ctx, jobID); err != nil {
		return nil, errors.Wrap(err, "failed to init job directory")
	}

	log.Infow("starting intake", "source", sourceURL, "limit", limit)
	items, scrapeErr := o.scrape(ctx, jobID, sourceURL, limit)

	simulated := false
	if scrapeErr != nil {
		if !o.settings.SimulateOnFailure {
			_, _ = o.store.Upsert(ctx, jobID, func(job *domain.Job, exists bool) error {
				job.LastError = scrapeErr.Error()
				return nil
			})
			return nil, errors.Wrapf(scrapeErr, "intake failed for job %s", jobID)
		}
		log.Warnw("intake failed, using simulated items", logger.FieldError, scrapeErr)
		items = simulatedItems(jobID)
		simulated = true
	}

	job, err := o.store.Upsert(ctx, jobID, func(job *domain.Job, exists bool) error {
		if !exists {
			return errors.NewNotFoundError("job %s", jobID)
		}
		job.Items = items
		job.IsSimulated = simulated
		if scrapeErr != nil {
			job.LastError = scrapeErr.Error()
		}
		return job.Transition(domain.StatusScraped)
	})
	if err != nil {
		return nil, err
	}

	log.Infow("intake finished", logger.FieldCount, len(job.Items), "simulated", simulated)
	return job, nil
}

func (o *Orchestrator) scrape(ctx context.Context, jobID, sourceURL string, limit int) ([]domain.Item, error) {
	if o.scraper == nil {
		return nil, errors.New("no scraper configured")
	}

	result, err := o.scraper.Scrape(ctx, ports.ScrapeRequest{
		JobID:     jobID,
		SourceURL: sourceURL,
		Limit:     limit,
		OutputDir: o.storage.GetJobPath(jobID),
	})
	if err != nil {
		return nil, err
	}
	if len(result.RawMetadata) > 0 {
		if err := o.storage.SaveMetadata(ctx, jobID, result.RawMetadata); err != nil {
			o.log.Warnw("failed to save raw metadata", logger.FieldJobID, jobID, logger.FieldError, err)
		}
	}
	if len(result.Items) == 0 {
		return nil, errors.New("no clips found (scraper blocked or private profile)")
	}

	items := make([]domain.Item, 0, len(result.Items))
	seen := make(map[string]bool, len(result.Items))
	for _, s := range result.Items {
		if s.ID == "" || seen[s.ID] {
			continue
		}
		seen[s.ID] = true
		items = append(items, itemFromScrape(s))
	}
	return items, nil
}

func itemFromScrape(s ports.ScrapedItem) domain.Item {
	item := domain.Item{
		ID:              s.ID,
		Approval:        domain.ApprovalApproved,
		SourceMedia:     firstNonEmpty(s.LocalVideo, s.PlayableURL, s.URL),
		SourceURL:       s.URL,
		Thumbnail:       firstNonEmpty(s.LocalThumb, s.Thumbnail),
		Username:        s.Username,
		Views:           s.Views,
		Likes:           s.Likes,
		Comments:        s.Comments,
		Score:           s.Score,
		OriginalCaption: s.Caption,
	}
	if item.Score == 0 {
		item.Score = float64(s.Views + 2*s.Likes)
	}
	return item
}

func simulatedItems(jobID string) []domain.Item {
	items := make([]domain.Item, simulatedItemCount)
	for i := range items {
		items[i] = domain.Item{
			ID:          fmt.Sprintf("mock-%s-%d", jobID, i),
			Approval:    domain.ApprovalApproved,
			SourceMedia: sampleVideoURL,
			SourceURL:   sampleVideoURL,
			Thumbnail:   fmt.Sprintf(sampleThumbURL, jobID, i),
			Username:    simulatedAccount,
			Views:       int64(rand.IntN(500000) + 10000),
			Likes:       int64(rand.IntN(50000) + 1000),
			Comments:    int64(rand.IntN(2000)),
			Score:       float64(rand.IntN(100)),
		}
	}
	return items
}

// SetApproval records the operator's decision on one item. Items cannot
// change while a render is running.
func (o *Orchestrator) SetApproval(ctx context.Context, jobID, itemID string, approval domain.Approval) (*domain.Job, error) {
	if !approval.Valid() {
		return nil, errors.NewInvalidRequestError("unknown approval %q", approval)
	}
	return o.store.Upsert(ctx, jobID, func(job *domain.Job, exists bool) error {
		if !exists {
			return errors.NewNotFoundError("job %s", jobID)
		}
		if job.Status == domain.StatusProcessing {
			return errors.Wrapf(errors.ErrConflict, "job %s is processing", jobID)
		}
		item := job.ItemByID(itemID)
		if item == nil {
			return errors.NewNotFoundError("item %s in job %s", itemID, jobID)
		}
		item.Approval = approval
		return nil
	})
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
