package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/pagetrail/pagetrail/internal/archiver"
)

// PageStore persists pages with optimistic versioning.
type PageStore struct {
	db dbConn
}

// NewPageStore constructs a PageStore over an existing pool.
func NewPageStore(db dbConn) (*PageStore, error) {
	if db == nil {
		return nil, fmt.Errorf("pool is required")
	}
	return &PageStore{db: db}, nil
}

const pageColumns = `id, domain_id, run_id, original_url, content_url, capture_ts, digest, status,
filter_reason, filter_category, filter_details,
manually_overridden, original_filter_decision,
priority_score, retry_count, max_retries,
error_message, error_type, recoverable_error,
discovered_at, processed_at, version`

// CreatePage inserts the page unless the same (domain, url, capture
// timestamp) already exists. Duplicates report created=false without error;
// the unique index carries the invariant.
func (s *PageStore) CreatePage(ctx context.Context, page archiver.Page) (bool, error) {
	if page.Version == 0 {
		page.Version = 1
	}
	tag, err := s.db.Exec(ctx, `
INSERT INTO scrape_pages (`+pageColumns+`)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19,$20,$21,$22)
ON CONFLICT (domain_id, original_url, capture_ts) DO NOTHING`,
		page.ID, page.DomainID, page.RunID, page.OriginalURL, nullableText(page.ContentURL),
		page.CaptureTimestamp, nullableText(page.Digest), page.Status,
		nullableText(page.FilterReason), nullableText(page.FilterCategory), nullableText(page.FilterDetails),
		page.ManuallyOverridden, page.OriginalFilterDecision,
		page.PriorityScore, page.RetryCount, page.MaxRetries,
		nullableText(page.ErrorMessage), nullableText(page.ErrorType), page.RecoverableError,
		page.DiscoveredAt, page.ProcessedAt, page.Version)
	if err != nil {
		return false, fmt.Errorf("insert page: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}

// GetPage fetches a page by ID.
func (s *PageStore) GetPage(ctx context.Context, id string) (archiver.Page, error) {
	row := s.db.QueryRow(ctx, `SELECT `+pageColumns+` FROM scrape_pages WHERE id = $1`, id)
	return scanPage(row)
}

// UpdatePage writes the page if its stored version equals expectedVersion,
// bumping the version; otherwise it returns ErrVersionConflict.
func (s *PageStore) UpdatePage(ctx context.Context, page archiver.Page, expectedVersion int64) (archiver.Page, error) {
	row := s.db.QueryRow(ctx, `
UPDATE scrape_pages SET
	run_id = $2,
	content_url = $3,
	digest = $4,
	status = $5,
	filter_reason = $6,
	filter_category = $7,
	filter_details = $8,
	manually_overridden = $9,
	original_filter_decision = $10,
	priority_score = $11,
	retry_count = $12,
	max_retries = $13,
	error_message = $14,
	error_type = $15,
	recoverable_error = $16,
	processed_at = $17,
	version = version + 1
WHERE id = $1 AND version = $18
RETURNING `+pageColumns,
		page.ID, page.RunID, nullableText(page.ContentURL), nullableText(page.Digest), page.Status,
		nullableText(page.FilterReason), nullableText(page.FilterCategory), nullableText(page.FilterDetails),
		page.ManuallyOverridden, page.OriginalFilterDecision,
		page.PriorityScore, page.RetryCount, page.MaxRetries,
		nullableText(page.ErrorMessage), nullableText(page.ErrorType), page.RecoverableError,
		page.ProcessedAt, expectedVersion)
	updated, err := scanPage(row)
	if errors.Is(err, archiver.ErrNotFound) {
		// Distinguish a missing row from a lost version race.
		if _, getErr := s.GetPage(ctx, page.ID); getErr == nil {
			return archiver.Page{}, archiver.ErrVersionConflict
		}
		return archiver.Page{}, archiver.ErrNotFound
	}
	return updated, err
}

// CaptureTimestamps returns the sorted distinct capture timestamps for the
// domain.
func (s *PageStore) CaptureTimestamps(ctx context.Context, domainID string) ([]time.Time, error) {
	rows, err := s.db.Query(ctx, `
SELECT DISTINCT capture_ts FROM scrape_pages
WHERE domain_id = $1
ORDER BY capture_ts`, domainID)
	if err != nil {
		return nil, fmt.Errorf("list capture timestamps: %w", err)
	}
	defer rows.Close()

	var out []time.Time
	for rows.Next() {
		var ts time.Time
		if err := rows.Scan(&ts); err != nil {
			return nil, fmt.Errorf("scan capture timestamp: %w", err)
		}
		out = append(out, ts)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate capture timestamps: %w", err)
	}
	return out, nil
}

// HasDigest reports whether another page of the domain already carries the
// content digest.
func (s *PageStore) HasDigest(ctx context.Context, domainID, digest, excludePageID string) (bool, error) {
	if digest == "" {
		return false, nil
	}
	var exists bool
	err := s.db.QueryRow(ctx, `
SELECT EXISTS (
	SELECT 1 FROM scrape_pages
	WHERE domain_id = $1 AND digest = $2 AND id <> $3
)`, domainID, digest, excludePageID).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("check digest: %w", err)
	}
	return exists, nil
}

// StatusCounts tallies the domain's pages by status.
func (s *PageStore) StatusCounts(ctx context.Context, domainID string) (map[archiver.PageStatus]int, error) {
	rows, err := s.db.Query(ctx, `
SELECT status, COUNT(*) FROM scrape_pages
WHERE domain_id = $1
GROUP BY status`, domainID)
	if err != nil {
		return nil, fmt.Errorf("count statuses: %w", err)
	}
	defer rows.Close()

	counts := make(map[archiver.PageStatus]int)
	for rows.Next() {
		var (
			status archiver.PageStatus
			n      int
		)
		if err := rows.Scan(&status, &n); err != nil {
			return nil, fmt.Errorf("scan status count: %w", err)
		}
		counts[status] = n
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate status counts: %w", err)
	}
	return counts, nil
}

// PagesPerDay estimates discovery density from the span between the earliest
// and latest capture timestamps. Returns 0 when fewer than two pages exist.
func (s *PageStore) PagesPerDay(ctx context.Context, domainID string) (float64, error) {
	var (
		total    int
		earliest *time.Time
		latest   *time.Time
	)
	err := s.db.QueryRow(ctx, `
SELECT COUNT(*), MIN(capture_ts), MAX(capture_ts)
FROM scrape_pages
WHERE domain_id = $1`, domainID).Scan(&total, &earliest, &latest)
	if err != nil {
		return 0, fmt.Errorf("page density: %w", err)
	}
	if total < 2 || earliest == nil || latest == nil {
		return 0, nil
	}
	days := latest.Sub(*earliest).Hours() / 24
	if days < 1 {
		days = 1
	}
	return float64(total) / days, nil
}

func scanPage(row pgx.Row) (archiver.Page, error) {
	var (
		page           archiver.Page
		contentURL     *string
		digest         *string
		filterReason   *string
		filterCategory *string
		filterDetails  *string
		errorMessage   *string
		errorType      *string
	)
	err := row.Scan(
		&page.ID, &page.DomainID, &page.RunID, &page.OriginalURL, &contentURL,
		&page.CaptureTimestamp, &digest, &page.Status,
		&filterReason, &filterCategory, &filterDetails,
		&page.ManuallyOverridden, &page.OriginalFilterDecision,
		&page.PriorityScore, &page.RetryCount, &page.MaxRetries,
		&errorMessage, &errorType, &page.RecoverableError,
		&page.DiscoveredAt, &page.ProcessedAt, &page.Version,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return archiver.Page{}, archiver.ErrNotFound
	}
	if err != nil {
		return archiver.Page{}, fmt.Errorf("scan page: %w", err)
	}
	for dst, src := range map[*string]*string{
		&page.ContentURL:     contentURL,
		&page.Digest:         digest,
		&page.FilterReason:   filterReason,
		&page.FilterCategory: filterCategory,
		&page.FilterDetails:  filterDetails,
		&page.ErrorMessage:   errorMessage,
		&page.ErrorType:      errorType,
	} {
		if src != nil {
			*dst = *src
		}
	}
	return page, nil
}
