// Package config loads reelbatch settings from defaults, an optional config
// file, a .env file and REELBATCH_* environment variables.
package config

import (
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"

	"reelbatch/internal/core/domain"
	"reelbatch/internal/errors"
)

// EnvPrefix is prepended to every environment override.
const EnvPrefix = "REELBATCH"

// Config is the full application configuration.
type Config struct {
	DataDir  string         `mapstructure:"data_dir"`
	Log      LogConfig      `mapstructure:"log"`
	Store    StoreConfig    `mapstructure:"store"`
	Worker   WorkerConfig   `mapstructure:"worker"`
	Intake   IntakeConfig   `mapstructure:"intake"`
	Apify    ApifyConfig    `mapstructure:"apify"`
	Publer   PublerConfig   `mapstructure:"publer"`
	Schedule ScheduleConfig `mapstructure:"schedule"`
	Caption  CaptionConfig  `mapstructure:"caption"`
}

type LogConfig struct {
	JSON bool `mapstructure:"json"`
}

// StoreConfig selects the job table backend ("json" or "sqlite").
type StoreConfig struct {
	Backend string `mapstructure:"backend"`
	Path    string `mapstructure:"path"`
}

// WorkerConfig controls the render worker.
// RenderCommand may use the {job_id}, {job_dir} and {job_file} placeholders.
type WorkerConfig struct {
	RenderCommand string        `mapstructure:"render_command"`
	StaleAfter    time.Duration `mapstructure:"stale_after"`
}

// IntakeConfig selects the scraper backend ("command" or "apify").
type IntakeConfig struct {
	Backend           string `mapstructure:"backend"`
	ScrapeCommand     string `mapstructure:"scrape_command"`
	Limit             int    `mapstructure:"limit"`
	SimulateOnFailure bool   `mapstructure:"simulate_on_failure"`
}

type ApifyConfig struct {
	Token        string        `mapstructure:"token"`
	ActorID      string        `mapstructure:"actor_id"`
	PollInterval time.Duration `mapstructure:"poll_interval"`
	PollAttempts int           `mapstructure:"poll_attempts"`
}

type PublerConfig struct {
	APIKey            string        `mapstructure:"api_key"`
	WorkspaceID       string        `mapstructure:"workspace_id"`
	BaseURL           string        `mapstructure:"base_url"`
	RequestsPerMinute int           `mapstructure:"requests_per_minute"`
	PollInterval      time.Duration `mapstructure:"poll_interval"`
	PollAttempts      int           `mapstructure:"poll_attempts"`
}

// ScheduleConfig holds planner and publish retry defaults.
type ScheduleConfig struct {
	Strategy      string        `mapstructure:"strategy"`
	MinGap        time.Duration `mapstructure:"min_gap"`
	StartHour     int           `mapstructure:"start_hour"`
	SpreadDays    int           `mapstructure:"spread_days"`
	StartDay      int           `mapstructure:"start_day"`
	ConflictShift time.Duration `mapstructure:"conflict_shift"`
	MaxAttempts   int           `mapstructure:"max_attempts"`
	LookAheadDays int           `mapstructure:"look_ahead_days"`
	Timezone      string        `mapstructure:"timezone"`
}

type CaptionConfig struct {
	APIKey      string `mapstructure:"api_key"`
	Model       string `mapstructure:"model"`
	DefaultText string `mapstructure:"default_text"`
}

// SetDefaults registers every key so AutomaticEnv can override it.
func SetDefaults(v *viper.Viper) {
	v.SetDefault("data_dir", "./data")
	v.SetDefault("log.json", false)

	v.SetDefault("store.backend", "json")
	v.SetDefault("store.path", "")

	v.SetDefault("worker.render_command", "python3 process_batch.py {job_id} {job_file}")
	v.SetDefault("worker.stale_after", 2*time.Hour)

	v.SetDefault("intake.backend", "command")
	v.SetDefault("intake.scrape_command", "python3 scrape_profile.py {source} {job_dir} {limit}")
	v.SetDefault("intake.limit", 12)
	v.SetDefault("intake.simulate_on_failure", true)

	v.SetDefault("apify.token", "")
	v.SetDefault("apify.actor_id", "apify~instagram-reel-scraper")
	v.SetDefault("apify.poll_interval", 3*time.Second)
	v.SetDefault("apify.poll_attempts", 200)

	v.SetDefault("publer.api_key", "")
	v.SetDefault("publer.workspace_id", "")
	v.SetDefault("publer.base_url", "https://app.publer.com/api/v1")
	v.SetDefault("publer.requests_per_minute", 60)
	v.SetDefault("publer.poll_interval", time.Second)
	v.SetDefault("publer.poll_attempts", 20)

	v.SetDefault("schedule.strategy", string(domain.StrategyFill))
	v.SetDefault("schedule.min_gap", 2*time.Hour)
	v.SetDefault("schedule.start_hour", 9)
	v.SetDefault("schedule.spread_days", 1)
	v.SetDefault("schedule.start_day", 0)
	v.SetDefault("schedule.conflict_shift", 5*time.Minute)
	v.SetDefault("schedule.max_attempts", 3)
	v.SetDefault("schedule.look_ahead_days", 30)
	v.SetDefault("schedule.timezone", "Local")

	v.SetDefault("caption.api_key", "")
	v.SetDefault("caption.model", "gpt-4o-mini")
	v.SetDefault("caption.default_text", "Check this out! #viral")
}

// bindSecrets maps the conventional provider variable names onto config keys.
func bindSecrets(v *viper.Viper) {
	_ = v.BindEnv("publer.api_key", EnvPrefix+"_PUBLER_API_KEY", "PUBLER_API_KEY")
	_ = v.BindEnv("publer.workspace_id", EnvPrefix+"_PUBLER_WORKSPACE_ID", "PUBLER_WORKSPACE_ID")
	_ = v.BindEnv("caption.api_key", EnvPrefix+"_CAPTION_API_KEY", "OPENAI_API_KEY")
	_ = v.BindEnv("apify.token", EnvPrefix+"_APIFY_TOKEN", "APIFY_API_TOKEN")
}

// NewViper builds a viper instance with defaults and env binding applied.
func NewViper() *viper.Viper {
	v := viper.New()
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	SetDefaults(v)
	bindSecrets(v)
	return v
}

// Load reads .env (if present), then configFile (if non-empty) and the
// environment, and returns a validated Config.
func Load(configFile string) (*Config, error) {
	// A missing .env is normal outside development.
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		return nil, errors.Wrap(err, "failed to load .env")
	}

	v := NewViper()
	if configFile != "" {
		v.SetConfigFile(configFile)
		if err := v.ReadInConfig(); err != nil {
			return nil, errors.Wrapf(err, "failed to read config file %s", configFile)
		}
	}
	return LoadWithViper(v)
}

// LoadWithViper unmarshals and validates an already prepared viper instance.
func LoadWithViper(v *viper.Viper) (*Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, errors.Wrap(err, "failed to unmarshal config")
	}
	if cfg.Store.Path == "" {
		cfg.Store.Path = defaultStorePath(cfg.DataDir, cfg.Store.Backend)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func defaultStorePath(dataDir, backend string) string {
	if backend == "sqlite" {
		return filepath.Join(dataDir, "jobs.db")
	}
	return filepath.Join(dataDir, "jobs.json")
}

// Validate rejects settings no component can act on.
func (c *Config) Validate() error {
	switch c.Store.Backend {
	case "json", "sqlite":
	default:
		return errors.NewInvalidRequestError("unknown store backend %q", c.Store.Backend)
	}
	switch c.Intake.Backend {
	case "command", "apify":
	default:
		return errors.NewInvalidRequestError("unknown intake backend %q", c.Intake.Backend)
	}
	switch domain.Strategy(c.Schedule.Strategy) {
	case domain.StrategyFill, domain.StrategyAppend:
	default:
		return errors.NewInvalidRequestError("unknown schedule strategy %q", c.Schedule.Strategy)
	}
	if c.Schedule.StartHour < 0 || c.Schedule.StartHour > 23 {
		return errors.NewInvalidRequestError("schedule.start_hour must be 0-23, got %d", c.Schedule.StartHour)
	}
	if c.Schedule.SpreadDays < 1 {
		return errors.NewInvalidRequestError("schedule.spread_days must be at least 1")
	}
	if c.Schedule.StartDay < 0 {
		return errors.NewInvalidRequestError("schedule.start_day must not be negative")
	}
	if c.Schedule.MinGap < 0 {
		return errors.NewInvalidRequestError("schedule.min_gap must not be negative")
	}
	if c.Schedule.MaxAttempts < 1 {
		return errors.NewInvalidRequestError("schedule.max_attempts must be at least 1")
	}
	if _, err := c.Location(); err != nil {
		return err
	}
	return nil
}

// Location resolves schedule.timezone.
func (c *Config) Location() (*time.Location, error) {
	if c.Schedule.Timezone == "" || c.Schedule.Timezone == "Local" {
		return time.Local, nil
	}
	loc, err := time.LoadLocation(c.Schedule.Timezone)
	if err != nil {
		return nil, errors.Wrapf(errors.ErrInvalidRequest, "unknown schedule.timezone %q", c.Schedule.Timezone)
	}
	return loc, nil
}

// JobDir returns the per-job directory under the data dir.
func (c *Config) JobDir(jobID string) string {
	return filepath.Join(c.DataDir, "jobs", jobID)
}
