package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/pagetrail/pagetrail/internal/archiver"
)

// GapStore persists coverage gaps.
type GapStore struct {
	db dbConn
}

// NewGapStore constructs a GapStore over an existing pool.
func NewGapStore(db dbConn) (*GapStore, error) {
	if db == nil {
		return nil, fmt.Errorf("pool is required")
	}
	return &GapStore{db: db}, nil
}

const gapColumns = `id, domain_id, gap_start, gap_end, days_missing, estimated_pages, priority_score`

// ReplaceGaps atomically swaps the gaps intersecting [windowStart, windowEnd)
// for the provided set, in one transaction.
func (s *GapStore) ReplaceGaps(ctx context.Context, domainID string, windowStart, windowEnd time.Time, gaps []archiver.CoverageGap) error {
	tx, err := s.db.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin gap replace: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck // no-op after commit

	_, err = tx.Exec(ctx, `
DELETE FROM coverage_gaps
WHERE domain_id = $1 AND gap_end > $2 AND gap_start < $3`,
		domainID, windowStart, windowEnd)
	if err != nil {
		return fmt.Errorf("delete window gaps: %w", err)
	}

	for _, gap := range gaps {
		_, err = tx.Exec(ctx, `
INSERT INTO coverage_gaps (`+gapColumns+`)
VALUES ($1,$2,$3,$4,$5,$6,$7)`,
			gap.ID, gap.DomainID, gap.GapStart, gap.GapEnd,
			gap.DaysMissing, gap.EstimatedPages, gap.PriorityScore)
		if err != nil {
			return fmt.Errorf("insert gap: %w", err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit gap replace: %w", err)
	}
	return nil
}

// ListGaps returns the domain's gaps ordered by start time.
func (s *GapStore) ListGaps(ctx context.Context, domainID string) ([]archiver.CoverageGap, error) {
	rows, err := s.db.Query(ctx, `
SELECT `+gapColumns+` FROM coverage_gaps
WHERE domain_id = $1
ORDER BY gap_start`, domainID)
	if err != nil {
		return nil, fmt.Errorf("list gaps: %w", err)
	}
	defer rows.Close()

	var gaps []archiver.CoverageGap
	for rows.Next() {
		var gap archiver.CoverageGap
		if err := rows.Scan(&gap.ID, &gap.DomainID, &gap.GapStart, &gap.GapEnd,
			&gap.DaysMissing, &gap.EstimatedPages, &gap.PriorityScore); err != nil {
			return nil, fmt.Errorf("scan gap: %w", err)
		}
		gaps = append(gaps, gap)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate gaps: %w", err)
	}
	return gaps, nil
}

// GetGaps fetches gaps by ID. A missing ID yields ErrNotFound.
func (s *GapStore) GetGaps(ctx context.Context, ids []string) ([]archiver.CoverageGap, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	rows, err := s.db.Query(ctx, `
SELECT `+gapColumns+` FROM coverage_gaps
WHERE id = ANY($1)
ORDER BY gap_start`, ids)
	if err != nil {
		return nil, fmt.Errorf("get gaps: %w", err)
	}
	defer rows.Close()

	byID := make(map[string]archiver.CoverageGap, len(ids))
	for rows.Next() {
		var gap archiver.CoverageGap
		if err := rows.Scan(&gap.ID, &gap.DomainID, &gap.GapStart, &gap.GapEnd,
			&gap.DaysMissing, &gap.EstimatedPages, &gap.PriorityScore); err != nil {
			return nil, fmt.Errorf("scan gap: %w", err)
		}
		byID[gap.ID] = gap
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate gaps: %w", err)
	}

	out := make([]archiver.CoverageGap, 0, len(ids))
	for _, id := range ids {
		gap, ok := byID[id]
		if !ok {
			return nil, fmt.Errorf("gap %s: %w", id, archiver.ErrNotFound)
		}
		out = append(out, gap)
	}
	return out, nil
}
