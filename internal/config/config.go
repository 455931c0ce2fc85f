// Package config loads and validates service configuration via Viper.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/pagetrail/pagetrail/internal/archiver"
)

// Providers selectable for the pluggable collaborators.
const (
	DBPostgres = "postgres"
	DBMemory   = "memory"

	BlobGCS    = "gcs"
	BlobLocal  = "local"
	BlobMemory = "memory"
	BlobNoop   = "noop"

	PublisherPubSub = "pubsub"
	PublisherMemory = "memory"
	PublisherNoop   = "noop"
)

// Config captures all service configuration knobs loaded via Viper.
type Config struct {
	Server     ServerConfig          `mapstructure:"server"`
	Auth       AuthConfig            `mapstructure:"auth"`
	Logging    LoggingConfig         `mapstructure:"logging"`
	DB         DBConfig              `mapstructure:"db"`
	Blob       BlobConfig            `mapstructure:"blob"`
	Publisher  PublisherConfig       `mapstructure:"publisher"`
	Sources    SourcesConfig         `mapstructure:"sources"`
	Scheduler  SchedulerConfig       `mapstructure:"scheduler"`
	Classifier ClassifierConfig      `mapstructure:"classifier"`
	Coverage   CoverageConfig        `mapstructure:"coverage"`
	Domains    map[string]DomainSeed `mapstructure:"domains"`
}

// ServerConfig controls HTTP server behavior.
type ServerConfig struct {
	Port int `mapstructure:"port"`
}

// AuthConfig defines API authentication toggles.
type AuthConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	APIKey  string `mapstructure:"api_key"`
}

// LoggingConfig toggles zap development features.
type LoggingConfig struct {
	Development bool `mapstructure:"development"`
}

// DBConfig selects and tunes the relational store.
type DBConfig struct {
	Provider           string `mapstructure:"provider"`
	DSN                string `mapstructure:"dsn"`
	MaxConns           int    `mapstructure:"max_conns"`
	MinConns           int    `mapstructure:"min_conns"`
	ConnLifetimeMinute int    `mapstructure:"conn_lifetime_minutes"`
}

// BlobConfig selects where fetched snapshot bytes land.
type BlobConfig struct {
	Provider  string `mapstructure:"provider"`
	GCSBucket string `mapstructure:"gcs_bucket"`
	BaseDir   string `mapstructure:"base_dir"`
}

// PublisherConfig selects the event notification transport.
type PublisherConfig struct {
	Provider  string `mapstructure:"provider"`
	ProjectID string `mapstructure:"project_id"`
	Topic     string `mapstructure:"topic"`
}

// SourcesConfig tunes the archive backend clients.
type SourcesConfig struct {
	UserAgent      string            `mapstructure:"user_agent"`
	TimeoutSeconds int               `mapstructure:"timeout_seconds"`
	Wayback        WaybackConfig     `mapstructure:"wayback"`
	CommonCrawl    CommonCrawlConfig `mapstructure:"commoncrawl"`
}

// WaybackConfig tunes the Wayback Machine CDX client.
type WaybackConfig struct {
	BaseURL           string `mapstructure:"base_url"`
	RequestsPerMinute int    `mapstructure:"requests_per_minute"`
	PageSize          int    `mapstructure:"page_size"`
}

// CommonCrawlConfig tunes the Common Crawl index client.
type CommonCrawlConfig struct {
	IndexURL          string   `mapstructure:"index_url"`
	DataURL           string   `mapstructure:"data_url"`
	Collections       []string `mapstructure:"collections"`
	RequestsPerMinute int      `mapstructure:"requests_per_minute"`
	PageSize          int      `mapstructure:"page_size"`
}

// SchedulerConfig governs run admission and execution.
type SchedulerConfig struct {
	TickSeconds       int `mapstructure:"tick_seconds"`
	Workers           int `mapstructure:"workers"`
	RunTimeoutMinutes int `mapstructure:"run_timeout_minutes"`
	ListPageSize      int `mapstructure:"list_page_size"`
	MaxPagesPerRun    int `mapstructure:"max_pages_per_run"`
	InitialHistoryDay int `mapstructure:"initial_history_days"`
	RetryPasses       int `mapstructure:"retry_passes"`
}

// ClassifierConfig bounds the automated page filters.
type ClassifierConfig struct {
	MinContentBytes int      `mapstructure:"min_content_bytes"`
	MaxContentBytes int      `mapstructure:"max_content_bytes"`
	MinTextChars    int      `mapstructure:"min_text_chars"`
	AllowedTypes    []string `mapstructure:"allowed_types"`
	ListPatterns    []string `mapstructure:"list_patterns"`
}

// CoverageConfig tunes gap analysis.
type CoverageConfig struct {
	DefaultPagesPerDay float64 `mapstructure:"default_pages_per_day"`
}

// DomainSeed declares a domain in configuration; seeds are upserted into the
// domain store at startup, keyed by the map entry name.
type DomainSeed struct {
	Enabled bool                  `mapstructure:"enabled"`
	Config  archiver.DomainConfig `mapstructure:"config"`
}

// Load builds a Config from disk/environment.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("PAGETRAIL")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)
	v.SetDefault("logging.development", true)
	v.SetDefault("db.provider", DBMemory)
	v.SetDefault("db.max_conns", 8)
	v.SetDefault("db.min_conns", 1)
	v.SetDefault("db.conn_lifetime_minutes", 30)
	v.SetDefault("blob.provider", BlobNoop)
	v.SetDefault("publisher.provider", PublisherNoop)
	v.SetDefault("publisher.topic", "archiver-events")
	v.SetDefault("sources.user_agent", "pagetrail/0.1")
	v.SetDefault("sources.timeout_seconds", 30)
	v.SetDefault("sources.wayback.requests_per_minute", 30)
	v.SetDefault("sources.commoncrawl.requests_per_minute", 60)
	v.SetDefault("scheduler.tick_seconds", 60)
	v.SetDefault("scheduler.workers", 4)
	v.SetDefault("scheduler.run_timeout_minutes", 30)
	v.SetDefault("scheduler.list_page_size", 500)
	v.SetDefault("scheduler.max_pages_per_run", 500)
	v.SetDefault("scheduler.initial_history_days", 1825)
	v.SetDefault("scheduler.retry_passes", 2)
	v.SetDefault("coverage.default_pages_per_day", 5.0)
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	if c.Server.Port <= 0 {
		return fmt.Errorf("server.port must be > 0")
	}
	if c.Auth.Enabled && c.Auth.APIKey == "" {
		return fmt.Errorf("auth.api_key must be set when auth is enabled")
	}
	switch c.DB.Provider {
	case DBPostgres:
		if c.DB.DSN == "" {
			return fmt.Errorf("db.dsn must be set for the postgres provider")
		}
	case DBMemory:
	default:
		return fmt.Errorf("db.provider must be %q or %q", DBPostgres, DBMemory)
	}
	switch c.Blob.Provider {
	case BlobGCS:
		if c.Blob.GCSBucket == "" {
			return fmt.Errorf("blob.gcs_bucket must be set for the gcs provider")
		}
	case BlobLocal:
		if c.Blob.BaseDir == "" {
			return fmt.Errorf("blob.base_dir must be set for the local provider")
		}
	case BlobMemory, BlobNoop:
	default:
		return fmt.Errorf("blob.provider must be one of gcs, local, memory, noop")
	}
	switch c.Publisher.Provider {
	case PublisherPubSub:
		if c.Publisher.ProjectID == "" {
			return fmt.Errorf("publisher.project_id must be set for the pubsub provider")
		}
	case PublisherMemory, PublisherNoop:
	default:
		return fmt.Errorf("publisher.provider must be one of pubsub, memory, noop")
	}
	if c.Scheduler.Workers <= 0 {
		return fmt.Errorf("scheduler.workers must be > 0")
	}
	if c.Sources.TimeoutSeconds <= 0 {
		return fmt.Errorf("sources.timeout_seconds must be > 0")
	}
	return nil
}

// SourceTimeout returns the archive client request timeout.
func (c Config) SourceTimeout() time.Duration {
	return time.Duration(c.Sources.TimeoutSeconds) * time.Second
}

// TickInterval returns the scheduler tick cadence.
func (c SchedulerConfig) TickInterval() time.Duration {
	return time.Duration(c.TickSeconds) * time.Second
}

// RunTimeout returns the per-run wall-clock ceiling.
func (c SchedulerConfig) RunTimeout() time.Duration {
	return time.Duration(c.RunTimeoutMinutes) * time.Minute
}

// InitialHistory returns how far back a first-contact run reaches.
func (c SchedulerConfig) InitialHistory() time.Duration {
	return time.Duration(c.InitialHistoryDay) * 24 * time.Hour
}

// ConnLifetime returns the Postgres connection lifetime.
func (c DBConfig) ConnLifetime() time.Duration {
	return time.Duration(c.ConnLifetimeMinute) * time.Minute
}
