package archiver

import (
	"time"
)

// SourceMode selects which archive backend(s) a domain is scraped from.
type SourceMode string

// Supported archive source modes.
const (
	SourceWayback     SourceMode = "wayback"
	SourceCommonCrawl SourceMode = "commoncrawl"
	SourceHybrid      SourceMode = "hybrid"
)

// FallbackStrategy controls how the fallback controller walks its backends.
type FallbackStrategy string

// Supported fallback strategies for hybrid mode.
const (
	FallbackSequential FallbackStrategy = "sequential"
	FallbackParallel   FallbackStrategy = "parallel"
)

// DomainConfig carries the per-domain knobs consumed from project
// configuration. Durations are kept as seconds to stay JSON-compatible with
// the configuration collaborator.
type DomainConfig struct {
	OverlapDays             int              `json:"overlap_days" mapstructure:"overlap_days"`
	AutoSchedule            bool             `json:"auto_schedule" mapstructure:"auto_schedule"`
	MaxPagesPerRun          int              `json:"max_pages_per_run" mapstructure:"max_pages_per_run"`
	RunFrequencyHours       int              `json:"run_frequency_hours" mapstructure:"run_frequency_hours"`
	ArchiveSource           SourceMode       `json:"archive_source" mapstructure:"archive_source"`
	FallbackEnabled         bool             `json:"fallback_enabled" mapstructure:"fallback_enabled"`
	FallbackStrategy        FallbackStrategy `json:"fallback_strategy" mapstructure:"fallback_strategy"`
	CircuitBreakerThreshold int              `json:"circuit_breaker_threshold" mapstructure:"circuit_breaker_threshold"`
	FallbackDelaySeconds    int              `json:"fallback_delay" mapstructure:"fallback_delay"`
	RecoveryTimeSeconds     int              `json:"recovery_time" mapstructure:"recovery_time"`
	Priority                bool             `json:"priority" mapstructure:"priority"`
}

// FallbackDelay returns the configured inter-backend delay.
func (c DomainConfig) FallbackDelay() time.Duration {
	return time.Duration(c.FallbackDelaySeconds) * time.Second
}

// RecoveryTime returns the configured breaker cooldown.
func (c DomainConfig) RecoveryTime() time.Duration {
	return time.Duration(c.RecoveryTimeSeconds) * time.Second
}

// RunFrequency returns the scheduling interval for the domain.
func (c DomainConfig) RunFrequency() time.Duration {
	return time.Duration(c.RunFrequencyHours) * time.Hour
}

// Domain is a root host being archived.
type Domain struct {
	ID        string       `json:"id"`
	Name      string       `json:"name"`
	Enabled   bool         `json:"enabled"`
	Config    DomainConfig `json:"config"`
	FirstSeen *time.Time   `json:"first_seen,omitempty"`
	LastRunAt *time.Time   `json:"last_run_at,omitempty"`
	CreatedAt time.Time    `json:"created_at"`
}

// NextRunAt computes the next scheduled run time, or nil when the domain is
// not auto-scheduled.
func (d Domain) NextRunAt() *time.Time {
	if !d.Enabled || !d.Config.AutoSchedule || d.Config.RunFrequencyHours <= 0 {
		return nil
	}
	base := d.CreatedAt
	if d.LastRunAt != nil {
		base = *d.LastRunAt
	}
	next := base.Add(d.Config.RunFrequency())
	return &next
}

// DueAt reports whether a scheduled run is due at the given instant.
func (d Domain) DueAt(now time.Time) bool {
	next := d.NextRunAt()
	return next != nil && !next.After(now)
}

// CaptureRecord is one archive-reported snapshot of a URL at a timestamp.
// Records are ephemeral: produced by ListCaptures and consumed to build
// pages and coverage, never persisted standalone.
type CaptureRecord struct {
	Source       string    `json:"source"`
	URL          string    `json:"url"`
	Timestamp    time.Time `json:"timestamp"`
	RawTimestamp string    `json:"raw_timestamp"`
	Digest       string    `json:"digest"`
	MimeType     string    `json:"mime_type"`
	StatusCode   int       `json:"status_code"`
	Length       int64     `json:"length"`

	// WARC location, set only by the Common Crawl client.
	WARCFilename string `json:"-"`
	WARCOffset   int64  `json:"-"`
	WARCLength   int64  `json:"-"`
}

// CoverageGap is a contiguous interval [GapStart, GapEnd) of a domain's
// history with no known capture.
type CoverageGap struct {
	ID             string    `json:"id"`
	DomainID       string    `json:"domain_id"`
	GapStart       time.Time `json:"gap_start"`
	GapEnd         time.Time `json:"gap_end"`
	DaysMissing    float64   `json:"days_missing"`
	EstimatedPages int       `json:"estimated_pages"`
	PriorityScore  float64   `json:"priority_score"`
}

// RunType distinguishes how an incremental run was triggered.
type RunType string

// Run trigger types.
const (
	RunTypeScheduled RunType = "scheduled"
	RunTypeManual    RunType = "manual"
	RunTypeGapFill   RunType = "gap_fill"
)

// RunStatus is the lifecycle state of an incremental run.
type RunStatus string

// Run statuses persisted in the run store.
const (
	RunStatusPending   RunStatus = "pending"
	RunStatusRunning   RunStatus = "running"
	RunStatusCompleted RunStatus = "completed"
	RunStatusFailed    RunStatus = "failed"
	RunStatusCancelled RunStatus = "cancelled"
)

// Terminal reports whether the status is final.
func (s RunStatus) Terminal() bool {
	switch s {
	case RunStatusCompleted, RunStatusFailed, RunStatusCancelled:
		return true
	default:
		return false
	}
}

// IncrementalRun is one bounded unit of scheduled work for one domain.
type IncrementalRun struct {
	ID              string     `json:"id"`
	DomainID        string     `json:"domain_id"`
	Type            RunType    `json:"run_type"`
	Status          RunStatus  `json:"status"`
	CoverageStart   time.Time  `json:"coverage_start"`
	CoverageEnd     time.Time  `json:"coverage_end"`
	PagesDiscovered int        `json:"pages_discovered"`
	PagesProcessed  int        `json:"pages_processed"`
	GapsFilled      int        `json:"gaps_filled"`
	CreatedAt       time.Time  `json:"created_at"`
	StartedAt       *time.Time `json:"started_at,omitempty"`
	FinishedAt      *time.Time `json:"finished_at,omitempty"`
	ErrorText       string     `json:"error_text,omitempty"`
}

// Page is one discovered URL-at-timestamp and its processing outcome.
// Pages are never physically deleted; all lifecycle is expressed in Status.
type Page struct {
	ID               string     `json:"id"`
	DomainID         string     `json:"domain_id"`
	RunID            string     `json:"run_id"`
	OriginalURL      string     `json:"original_url"`
	ContentURL       string     `json:"content_url,omitempty"`
	CaptureTimestamp time.Time  `json:"capture_timestamp"`
	Digest           string     `json:"digest,omitempty"`
	Status           PageStatus `json:"status"`

	FilterReason   string `json:"filter_reason,omitempty"`
	FilterCategory string `json:"filter_category,omitempty"`
	FilterDetails  string `json:"filter_details,omitempty"`

	ManuallyOverridden     bool        `json:"is_manually_overridden"`
	OriginalFilterDecision *PageStatus `json:"original_filter_decision,omitempty"`

	PriorityScore    float64 `json:"priority_score"`
	RetryCount       int     `json:"retry_count"`
	MaxRetries       int     `json:"max_retries"`
	ErrorMessage     string  `json:"error_message,omitempty"`
	ErrorType        string  `json:"error_type,omitempty"`
	RecoverableError bool    `json:"is_recoverable_error"`

	DiscoveredAt time.Time  `json:"discovered_at"`
	ProcessedAt  *time.Time `json:"processed_at,omitempty"`

	// Version supports optimistic concurrency on page writes.
	Version int64 `json:"version"`
}

// FilterAction is the effect of a matching FilterRule.
type FilterAction string

// Filter rule actions.
const (
	FilterActionInclude        FilterAction = "include"
	FilterActionExclude        FilterAction = "exclude"
	FilterActionPriorityBoost  FilterAction = "priority_boost"
	FilterActionPriorityReduce FilterAction = "priority_reduce"
)

// FilterRule is a domain-scoped URL pattern applied during classification.
type FilterRule struct {
	ID       string       `json:"id"`
	DomainID string       `json:"domain_id"`
	Pattern  string       `json:"pattern"`
	Action   FilterAction `json:"action"`
	Category string       `json:"category,omitempty"`
}
