// Package commands implements the reelbatch subcommands.
package commands

import (
	"context"
	"os"
	"strings"

	"go.uber.org/zap"

	"reelbatch/internal/adapters/apify"
	"reelbatch/internal/adapters/downloader"
	"reelbatch/internal/adapters/jsonstore"
	"reelbatch/internal/adapters/localstorage"
	"reelbatch/internal/adapters/openai"
	"reelbatch/internal/adapters/process"
	"reelbatch/internal/adapters/publer"
	"reelbatch/internal/adapters/scrapecmd"
	"reelbatch/internal/adapters/sqlitestore"
	"reelbatch/internal/config"
	"reelbatch/internal/core/ports"
	"reelbatch/internal/errors"
	"reelbatch/internal/logger"
	"reelbatch/internal/service"
)

// cfg is loaded once by Setup before any command runs.
var cfg *config.Config

// Setup loads configuration and installs the global logger.
func Setup(configFile string) error {
	loaded, err := config.Load(configFile)
	if err != nil {
		return err
	}
	if err := logger.Initialize(loaded.Log.JSON); err != nil {
		return errors.Wrap(err, "failed to initialize logger")
	}
	cfg = loaded
	return nil
}

// app holds the wired components for one command invocation.
type app struct {
	store      ports.JobStore
	storage    *localstorage.LocalStorage
	supervisor *process.Supervisor
	publisher  *publer.Client
	orch       *service.Orchestrator
	log        *zap.SugaredLogger
	close      func()
}

type appOptions struct {
	publisher bool
	captioner bool
	scraper   bool
}

// newApp builds the orchestrator with the adapters selected by config.
// Remote clients are only constructed when the command needs them, so a
// missing API key fails only the commands that use it.
func newApp(ctx context.Context, opts appOptions) (*app, error) {
	if cfg == nil {
		return nil, errors.New("configuration not loaded")
	}
	log := logger.Named("cli")
	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return nil, errors.Wrapf(err, "failed to create data dir %s", cfg.DataDir)
	}

	a := &app{
		storage:    localstorage.NewLocalStorage(cfg.DataDir),
		supervisor: process.NewSupervisor(process.NewMemoryRegistry(), logger.Logger),
		log:        log,
		close:      func() {},
	}

	switch cfg.Store.Backend {
	case "sqlite":
		store, err := sqlitestore.Open(ctx, cfg.Store.Path, sqlitestore.WithLogger(logger.Logger))
		if err != nil {
			return nil, err
		}
		a.store = store
		a.close = func() { _ = store.Close() }
	default:
		a.store = jsonstore.New(cfg.Store.Path, jsonstore.WithLogger(logger.Logger))
	}

	settings, err := service.SettingsFromConfig(cfg)
	if err != nil {
		a.close()
		return nil, err
	}
	orchOpts := []service.Option{
		service.WithLiveness(process.NewLiveness()),
		service.WithLogger(logger.Logger),
	}

	if opts.scraper {
		scraper, err := newScraper(a.storage)
		if err != nil {
			a.close()
			return nil, err
		}
		orchOpts = append(orchOpts, service.WithScraper(scraper))
	}
	if opts.publisher {
		client, err := publer.New(publer.Config{
			APIKey:            cfg.Publer.APIKey,
			WorkspaceID:       cfg.Publer.WorkspaceID,
			BaseURL:           cfg.Publer.BaseURL,
			RequestsPerMinute: cfg.Publer.RequestsPerMinute,
		}, logger.Logger)
		if err != nil {
			a.close()
			return nil, err
		}
		a.publisher = client
		orchOpts = append(orchOpts, service.WithPublisher(client))
	}
	if opts.captioner {
		captioner, err := openai.New(cfg.Caption.APIKey, cfg.Caption.Model, logger.Logger)
		if err != nil {
			a.close()
			return nil, err
		}
		orchOpts = append(orchOpts, service.WithCaptioner(captioner))
	}

	a.orch = service.NewOrchestrator(a.store, a.storage, a.supervisor, settings, orchOpts...)
	return a, nil
}

func newScraper(storage ports.MediaStorage) (ports.Scraper, error) {
	if cfg.Intake.Backend == "apify" {
		scraper, err := apify.NewProfileScraper(apify.Config{
			Token:        cfg.Apify.Token,
			ActorID:      cfg.Apify.ActorID,
			PollInterval: cfg.Apify.PollInterval,
			PollAttempts: cfg.Apify.PollAttempts,
		}, downloader.NewHTTPDownloader(), storage, logger.Logger)
		if err != nil {
			return nil, err
		}
		return scraper, nil
	}
	return scrapecmd.New(cfg.Intake.ScrapeCommand, 0, logger.Logger), nil
}

// reconcile resolves orphaned jobs and reports them. Failures are logged
// rather than returned so the calling command can still run.
func (a *app) reconcile(ctx context.Context) {
	resolved, err := a.orch.Reconcile(ctx)
	if err != nil {
		a.log.Warnw("reconcile failed", logger.FieldError, err)
		return
	}
	for _, job := range resolved {
		a.log.Infow("resolved orphaned job", logger.FieldJobID, job.ID, logger.FieldStatus, job.Status)
	}
}

// splitList parses a comma separated flag value, dropping empty entries.
func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
