package archiver

import (
	"context"
	"time"
)

// ListRequest bounds one capture-listing call.
type ListRequest struct {
	Domain    string
	From      time.Time
	To        time.Time
	PageToken string
	Limit     int
}

// ListResult is one page of capture listings. NextPageToken is empty on the
// final page.
type ListResult struct {
	Captures      []CaptureRecord
	NextPageToken string
}

// ArchiveSource is the uniform capability implemented once per backend.
type ArchiveSource interface {
	Name() string
	ListCaptures(ctx context.Context, req ListRequest) (ListResult, error)
	FetchContent(ctx context.Context, rec CaptureRecord) ([]byte, error)
}

// DomainStore reads and updates domain configuration.
type DomainStore interface {
	GetDomain(ctx context.Context, id string) (Domain, error)
	ListDueDomains(ctx context.Context, now time.Time) ([]Domain, error)
	UpdateDomainConfig(ctx context.Context, id string, cfg DomainConfig) (Domain, error)
	TouchLastRun(ctx context.Context, id string, at time.Time) error
}

// RunStore persists incremental runs and enforces run history queries.
type RunStore interface {
	CreateRun(ctx context.Context, run IncrementalRun) error
	UpdateRun(ctx context.Context, run IncrementalRun) error
	GetRun(ctx context.Context, id string) (IncrementalRun, error)
	// ActiveRun returns the non-terminal run for a domain, or ErrNotFound.
	ActiveRun(ctx context.Context, domainID string) (IncrementalRun, error)
	// ListRuns returns a page of runs (newest first) plus the total count.
	ListRuns(ctx context.Context, domainID string, limit, offset int) ([]IncrementalRun, int, error)
}

// PageStore persists discovered pages with optimistic versioning.
type PageStore interface {
	// CreatePage inserts the page unless a page with the same
	// (domain, original URL, capture timestamp) already exists, in which case
	// it reports created=false without error.
	CreatePage(ctx context.Context, page Page) (created bool, err error)
	GetPage(ctx context.Context, id string) (Page, error)
	// UpdatePage writes the page if its stored version equals expectedVersion,
	// bumping the version; otherwise it returns ErrVersionConflict.
	UpdatePage(ctx context.Context, page Page, expectedVersion int64) (Page, error)
	// CaptureTimestamps returns the sorted distinct capture timestamps known
	// for the domain.
	CaptureTimestamps(ctx context.Context, domainID string) ([]time.Time, error)
	// HasDigest reports whether another page of the domain already carries the
	// content digest.
	HasDigest(ctx context.Context, domainID, digest, excludePageID string) (bool, error)
	StatusCounts(ctx context.Context, domainID string) (map[PageStatus]int, error)
	// PagesPerDay estimates historical discovery density for the domain;
	// returns 0 when no history exists.
	PagesPerDay(ctx context.Context, domainID string) (float64, error)
}

// GapStore persists coverage gaps.
type GapStore interface {
	// ReplaceGaps atomically swaps the gaps intersecting
	// [windowStart, windowEnd) for the provided set.
	ReplaceGaps(ctx context.Context, domainID string, windowStart, windowEnd time.Time, gaps []CoverageGap) error
	ListGaps(ctx context.Context, domainID string) ([]CoverageGap, error)
	GetGaps(ctx context.Context, ids []string) ([]CoverageGap, error)
}

// FilterRuleStore reads domain-scoped filter rules.
type FilterRuleStore interface {
	ListRules(ctx context.Context, domainID string) ([]FilterRule, error)
}

// BlobStore writes raw snapshot bytes and returns a URI.
type BlobStore interface {
	PutObject(ctx context.Context, path string, contentType string, data []byte) (string, error)
}

// Publisher pushes fire-and-forget notification payloads.
type Publisher interface {
	Publish(ctx context.Context, topic string, payload any) (string, error)
}

// Hasher computes content digests for deduplication.
type Hasher interface {
	Hash(data []byte) (string, error)
}

// Clock returns the current time (injectable for tests).
type Clock interface {
	Now() time.Time
}

// IDGenerator produces record IDs.
type IDGenerator interface {
	NewID() (string, error)
}
