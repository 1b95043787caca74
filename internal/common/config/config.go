// Package config provides configuration management for Conductor.
// It supports loading configuration from environment variables, config files, and defaults.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all configuration sections for Conductor.
type Config struct {
	Database Database      `mapstructure:"database"`
	NATS     NATS          `mapstructure:"nats"`
	Engine   Engine        `mapstructure:"engine"`
	Agents   Agents        `mapstructure:"agents"`
	Queues   Queues        `mapstructure:"queues"`
	Mirror   Mirror        `mapstructure:"mirror"`
	Logging  LoggingConfig `mapstructure:"logging"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"`
	OutputPath string `mapstructure:"outputPath"`
}

// Database holds relational store configuration. The default driver is
// sqlite; postgres is selected by setting driver=postgres and a DSN.
type Database struct {
	Driver string `mapstructure:"driver"` // sqlite, postgres
	Path   string `mapstructure:"path"`   // sqlite file path
	DSN    string `mapstructure:"dsn"`    // postgres connection string
}

// NATS holds broker configuration. An empty URL selects the in-memory bus.
type NATS struct {
	URL           string `mapstructure:"url"`
	ClientID      string `mapstructure:"clientId"`
	MaxReconnects int    `mapstructure:"maxReconnects"`
}

// Engine holds filesystem layout and resource pool configuration.
type Engine struct {
	DataDir           string `mapstructure:"dataDir"`           // root for repos/, worktrees/, locks/
	PortRange         string `mapstructure:"portRange"`         // "3100-3199"
	LeaseTimeoutHours int    `mapstructure:"leaseTimeoutHours"` // janitor stale-port threshold
	Workers           int    `mapstructure:"workers"`           // workers per queue
}

// Agents holds AI agent runtime configuration.
type Agents struct {
	Provider           string `mapstructure:"provider"` // anthropic
	Model              string `mapstructure:"model"`
	MaxIterations      int    `mapstructure:"maxIterations"`
	PlannerTimeout     int    `mapstructure:"plannerTimeout"`     // seconds
	ReviewerTimeout    int    `mapstructure:"reviewerTimeout"`    // seconds
	ImplementerTimeout int    `mapstructure:"implementerTimeout"` // seconds
}

// QueuePolicy holds retry behavior for one named queue. Backoff is
// per-queue configuration, not per-job.
type QueuePolicy struct {
	MaxAttempts    int `mapstructure:"maxAttempts"`
	BackoffBaseMs  int `mapstructure:"backoffBaseMs"`
	BackoffCapMs   int `mapstructure:"backoffCapMs"`
	LeaseSeconds   int `mapstructure:"leaseSeconds"`
	PollIntervalMs int `mapstructure:"pollIntervalMs"`
}

// Queues holds per-queue retry policies.
type Queues struct {
	Webhooks     QueuePolicy `mapstructure:"webhooks"`
	Runs         QueuePolicy `mapstructure:"runs"`
	Agents       QueuePolicy `mapstructure:"agents"`
	Cleanup      QueuePolicy `mapstructure:"cleanup"`
	GithubWrites QueuePolicy `mapstructure:"githubWrites"`
}

// Mirror holds ticket mirroring configuration.
type Mirror struct {
	RateLimitSeconds  int `mapstructure:"rateLimitSeconds"`
	MaxCommentChars   int `mapstructure:"maxCommentChars"`
	StalledResetMins  int `mapstructure:"stalledResetMins"`
	DeferredStaleMins int `mapstructure:"deferredStaleMins"`
}

// PortBounds parses the configured port range into its inclusive bounds.
func (e *Engine) PortBounds() (int, int, error) {
	parts := strings.SplitN(e.PortRange, "-", 2)
	if len(parts) != 2 {
		return 0, 0, fmt.Errorf("invalid port range %q", e.PortRange)
	}
	start, err := strconv.Atoi(strings.TrimSpace(parts[0]))
	if err != nil {
		return 0, 0, fmt.Errorf("invalid port range %q: %w", e.PortRange, err)
	}
	end, err := strconv.Atoi(strings.TrimSpace(parts[1]))
	if err != nil {
		return 0, 0, fmt.Errorf("invalid port range %q: %w", e.PortRange, err)
	}
	if start <= 0 || end > 65535 || end < start {
		return 0, 0, fmt.Errorf("invalid port range %q", e.PortRange)
	}
	return start, end, nil
}

// ExpandedDataDir returns DataDir with ~ expanded to the user's home directory.
func (e *Engine) ExpandedDataDir() (string, error) {
	path := e.DataDir
	if strings.HasPrefix(path, "~/") {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("get home directory: %w", err)
		}
		path = filepath.Join(home, path[2:])
	}
	return path, nil
}

// ReposDir returns the directory holding per-repo clones.
func (e *Engine) ReposDir() (string, error) {
	base, err := e.ExpandedDataDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(base, "repos"), nil
}

// WorktreesDir returns the directory holding per-run worktrees.
func (e *Engine) WorktreesDir() (string, error) {
	base, err := e.ExpandedDataDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(base, "worktrees"), nil
}

// LocksDir returns the directory holding clone lock files.
func (e *Engine) LocksDir() (string, error) {
	base, err := e.ExpandedDataDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(base, "locks"), nil
}

// LeaseTimeout returns the stale-port threshold as a time.Duration.
func (e *Engine) LeaseTimeout() time.Duration {
	return time.Duration(e.LeaseTimeoutHours) * time.Hour
}

// PlannerTimeoutDuration returns the planner timeout as a time.Duration.
func (a *Agents) PlannerTimeoutDuration() time.Duration {
	return time.Duration(a.PlannerTimeout) * time.Second
}

// ReviewerTimeoutDuration returns the reviewer timeout as a time.Duration.
func (a *Agents) ReviewerTimeoutDuration() time.Duration {
	return time.Duration(a.ReviewerTimeout) * time.Second
}

// ImplementerTimeoutDuration returns the implementer timeout as a time.Duration.
func (a *Agents) ImplementerTimeoutDuration() time.Duration {
	return time.Duration(a.ImplementerTimeout) * time.Second
}

// Lease returns the queue's lease duration.
func (q QueuePolicy) Lease() time.Duration {
	return time.Duration(q.LeaseSeconds) * time.Second
}

// PollInterval returns the worker poll interval.
func (q QueuePolicy) PollInterval() time.Duration {
	return time.Duration(q.PollIntervalMs) * time.Millisecond
}

// Backoff returns the retry delay for the given attempt number (1-based),
// doubling from the base and capped at the configured ceiling.
func (q QueuePolicy) Backoff(attempt int) time.Duration {
	ms := q.BackoffBaseMs
	for i := 1; i < attempt; i++ {
		ms *= 2
		if ms >= q.BackoffCapMs {
			ms = q.BackoffCapMs
			break
		}
	}
	if ms > q.BackoffCapMs {
		ms = q.BackoffCapMs
	}
	return time.Duration(ms) * time.Millisecond
}

func detectDefaultLogFormat() string {
	if os.Getenv("KUBERNETES_SERVICE_HOST") != "" {
		return "json"
	}
	if env := os.Getenv("CONDUCTOR_ENV"); env == "production" || env == "prod" {
		return "json"
	}
	return "text"
}

func defaultQueuePolicy(v *viper.Viper, name string, maxAttempts, baseMs, capMs int) {
	v.SetDefault("queues."+name+".maxAttempts", maxAttempts)
	v.SetDefault("queues."+name+".backoffBaseMs", baseMs)
	v.SetDefault("queues."+name+".backoffCapMs", capMs)
	v.SetDefault("queues."+name+".leaseSeconds", 300)
	v.SetDefault("queues."+name+".pollIntervalMs", 500)
}

// setDefaults configures default values for all configuration options.
func setDefaults(v *viper.Viper) {
	v.SetDefault("database.driver", "sqlite")
	v.SetDefault("database.path", "~/.conductor/conductor.db")
	v.SetDefault("database.dsn", "")

	// Empty URL means use the in-memory event bus
	v.SetDefault("nats.url", "")
	v.SetDefault("nats.clientId", "conductor")
	v.SetDefault("nats.maxReconnects", 10)

	v.SetDefault("engine.dataDir", "~/.conductor")
	v.SetDefault("engine.portRange", "3100-3199")
	v.SetDefault("engine.leaseTimeoutHours", 24)
	v.SetDefault("engine.workers", 2)

	v.SetDefault("agents.provider", "anthropic")
	v.SetDefault("agents.model", "")
	v.SetDefault("agents.maxIterations", 50)
	v.SetDefault("agents.plannerTimeout", 300)
	v.SetDefault("agents.reviewerTimeout", 180)
	v.SetDefault("agents.implementerTimeout", 600)

	defaultQueuePolicy(v, "webhooks", 3, 1000, 30000)
	defaultQueuePolicy(v, "runs", 3, 2000, 60000)
	defaultQueuePolicy(v, "agents", 3, 5000, 120000)
	defaultQueuePolicy(v, "cleanup", 5, 2000, 60000)
	defaultQueuePolicy(v, "githubWrites", 3, 2000, 60000)

	v.SetDefault("mirror.rateLimitSeconds", 30)
	v.SetDefault("mirror.maxCommentChars", 65000)
	v.SetDefault("mirror.stalledResetMins", 5)
	v.SetDefault("mirror.deferredStaleMins", 30)

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", detectDefaultLogFormat())
	v.SetDefault("logging.outputPath", "stdout")
}

// Load reads configuration from environment variables, config file, and defaults.
// Environment variables use the prefix CONDUCTOR_ with snake_case naming.
func Load() (*Config, error) {
	return LoadWithPath("")
}

// LoadWithPath reads configuration from the specified path or default locations.
func LoadWithPath(configPath string) (*Config, error) {
	v := viper.New()

	setDefaults(v)

	v.SetEnvPrefix("CONDUCTOR")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// AutomaticEnv does not handle camelCase config keys, so bind the
	// documented environment variables explicitly.
	_ = v.BindEnv("engine.dataDir", "CONDUCTOR_DATA_DIR")
	_ = v.BindEnv("engine.portRange", "CONDUCTOR_PORT_RANGE")
	_ = v.BindEnv("engine.leaseTimeoutHours", "CONDUCTOR_LEASE_TIMEOUT_HOURS")
	_ = v.BindEnv("database.path", "CONDUCTOR_DB_PATH")
	_ = v.BindEnv("database.driver", "CONDUCTOR_DB_DRIVER")
	_ = v.BindEnv("database.dsn", "CONDUCTOR_DB_DSN")
	_ = v.BindEnv("nats.url", "CONDUCTOR_NATS_URL")

	v.SetConfigName("config")
	v.SetConfigType("yaml")
	if configPath != "" {
		v.AddConfigPath(configPath)
	}
	v.AddConfigPath(".")
	v.AddConfigPath("/etc/conductor/")

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	if err := validate(&cfg); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &cfg, nil
}

// validate checks that all required configuration fields are set.
func validate(cfg *Config) error {
	var errs []string

	switch cfg.Database.Driver {
	case "sqlite":
		if cfg.Database.Path == "" {
			errs = append(errs, "database.path is required for the sqlite driver")
		}
	case "postgres":
		if cfg.Database.DSN == "" {
			errs = append(errs, "database.dsn is required for the postgres driver")
		}
	default:
		errs = append(errs, "database.driver must be one of: sqlite, postgres")
	}

	if _, _, err := cfg.Engine.PortBounds(); err != nil {
		errs = append(errs, err.Error())
	}
	if cfg.Engine.LeaseTimeoutHours <= 0 {
		errs = append(errs, "engine.leaseTimeoutHours must be positive")
	}
	if cfg.Engine.Workers <= 0 {
		errs = append(errs, "engine.workers must be positive")
	}

	if cfg.Agents.MaxIterations <= 0 {
		errs = append(errs, "agents.maxIterations must be positive")
	}

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[strings.ToLower(cfg.Logging.Level)] {
		errs = append(errs, "logging.level must be one of: debug, info, warn, error")
	}
	validFormats := map[string]bool{"json": true, "text": true}
	if !validFormats[strings.ToLower(cfg.Logging.Format)] {
		errs = append(errs, "logging.format must be one of: json, text")
	}

	if len(errs) > 0 {
		return fmt.Errorf("%s", strings.Join(errs, "; "))
	}
	return nil
}

// Policy returns the retry policy for a named queue, falling back to the
// runs policy for unknown names.
func (q *Queues) Policy(queue string) QueuePolicy {
	switch queue {
	case "webhooks":
		return q.Webhooks
	case "runs":
		return q.Runs
	case "agents":
		return q.Agents
	case "cleanup":
		return q.Cleanup
	case "github_writes":
		return q.GithubWrites
	default:
		return q.Runs
	}
}
