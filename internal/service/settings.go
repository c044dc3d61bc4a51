package service

import (
	"time"

	"reelbatch/internal/config"
	"reelbatch/internal/core/domain"
	"reelbatch/internal/core/planner"
	"reelbatch/internal/remotejob"
)

// Settings are the orchestrator's tunables.
type Settings struct {
	// RenderCommand may use {job_id}, {job_dir} and {job_file}.
	RenderCommand     string
	StaleAfter        time.Duration
	IntakeLimit       int
	SimulateOnFailure bool

	Strategy      domain.Strategy
	MinGap        time.Duration
	SpreadDays    int
	LookAheadDays int
	Location      *time.Location

	// ConflictShift moves a rejected publish time forward on each retry.
	ConflictShift      time.Duration
	MaxPublishAttempts int
	PollInterval       time.Duration
	PollAttempts       int
	// BusyPostsLimit caps how many scheduled posts are read for planning.
	BusyPostsLimit int

	DefaultCaption string
}

const (
	defaultConflictShift  = 5 * time.Minute
	defaultPublishAttempt = 3
	defaultBusyPostsLimit = 100
)

func (s Settings) withDefaults() Settings {
	if s.IntakeLimit <= 0 {
		s.IntakeLimit = simulatedItemCount
	}
	if s.StaleAfter <= 0 {
		s.StaleAfter = 2 * time.Hour
	}
	if s.Strategy == "" {
		s.Strategy = domain.StrategyFill
	}
	if s.MinGap <= 0 {
		s.MinGap = 2 * time.Hour
	}
	if s.SpreadDays < 1 {
		s.SpreadDays = 1
	}
	if s.LookAheadDays < 1 {
		s.LookAheadDays = planner.DefaultLookAheadDays
	}
	if s.Location == nil {
		s.Location = time.Local
	}
	if s.ConflictShift <= 0 {
		s.ConflictShift = defaultConflictShift
	}
	if s.MaxPublishAttempts < 1 {
		s.MaxPublishAttempts = defaultPublishAttempt
	}
	if s.PollInterval <= 0 {
		s.PollInterval = remotejob.DefaultInterval
	}
	if s.PollAttempts <= 0 {
		s.PollAttempts = remotejob.DefaultAttempts
	}
	if s.BusyPostsLimit <= 0 {
		s.BusyPostsLimit = defaultBusyPostsLimit
	}
	return s
}

// SettingsFromConfig maps the application config onto Settings.
func SettingsFromConfig(cfg *config.Config) (Settings, error) {
	loc, err := cfg.Location()
	if err != nil {
		return Settings{}, err
	}
	return Settings{
		RenderCommand:      cfg.Worker.RenderCommand,
		StaleAfter:         cfg.Worker.StaleAfter,
		IntakeLimit:        cfg.Intake.Limit,
		SimulateOnFailure:  cfg.Intake.SimulateOnFailure,
		Strategy:           domain.Strategy(cfg.Schedule.Strategy),
		MinGap:             cfg.Schedule.MinGap,
		SpreadDays:         cfg.Schedule.SpreadDays,
		LookAheadDays:      cfg.Schedule.LookAheadDays,
		Location:           loc,
		ConflictShift:      cfg.Schedule.ConflictShift,
		MaxPublishAttempts: cfg.Schedule.MaxAttempts,
		PollInterval:       cfg.Publer.PollInterval,
		PollAttempts:       cfg.Publer.PollAttempts,
		DefaultCaption:     cfg.Caption.DefaultText,
	}, nil
}
