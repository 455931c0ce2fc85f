package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/pagetrail/pagetrail/internal/archiver"
)

// RunStore persists incremental runs.
type RunStore struct {
	db dbConn
}

// NewRunStore constructs a RunStore over an existing pool.
func NewRunStore(db dbConn) (*RunStore, error) {
	if db == nil {
		return nil, fmt.Errorf("pool is required")
	}
	return &RunStore{db: db}, nil
}

const runColumns = `id, domain_id, run_type, status, coverage_start, coverage_end,
pages_discovered, pages_processed, gaps_filled, created_at, started_at, finished_at, error_text`

// CreateRun inserts a new run row.
func (s *RunStore) CreateRun(ctx context.Context, run archiver.IncrementalRun) error {
	_, err := s.db.Exec(ctx, `
INSERT INTO incremental_runs (`+runColumns+`)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13)`,
		run.ID, run.DomainID, run.Type, run.Status, run.CoverageStart, run.CoverageEnd,
		run.PagesDiscovered, run.PagesProcessed, run.GapsFilled,
		run.CreatedAt, run.StartedAt, run.FinishedAt, nullableText(run.ErrorText))
	if err != nil {
		return fmt.Errorf("insert run: %w", err)
	}
	return nil
}

// UpdateRun rewrites the mutable columns of a run row.
func (s *RunStore) UpdateRun(ctx context.Context, run archiver.IncrementalRun) error {
	tag, err := s.db.Exec(ctx, `
UPDATE incremental_runs SET
	status = $2,
	pages_discovered = $3,
	pages_processed = $4,
	gaps_filled = $5,
	started_at = $6,
	finished_at = $7,
	error_text = $8
WHERE id = $1`,
		run.ID, run.Status, run.PagesDiscovered, run.PagesProcessed, run.GapsFilled,
		run.StartedAt, run.FinishedAt, nullableText(run.ErrorText))
	if err != nil {
		return fmt.Errorf("update run: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return archiver.ErrNotFound
	}
	return nil
}

// GetRun fetches a run by ID.
func (s *RunStore) GetRun(ctx context.Context, id string) (archiver.IncrementalRun, error) {
	row := s.db.QueryRow(ctx, `SELECT `+runColumns+` FROM incremental_runs WHERE id = $1`, id)
	return scanRun(row)
}

// ActiveRun returns the non-terminal run for a domain, or ErrNotFound.
func (s *RunStore) ActiveRun(ctx context.Context, domainID string) (archiver.IncrementalRun, error) {
	row := s.db.QueryRow(ctx, `
SELECT `+runColumns+` FROM incremental_runs
WHERE domain_id = $1 AND status IN ('pending', 'running')
ORDER BY created_at DESC
LIMIT 1`, domainID)
	return scanRun(row)
}

// ListRuns returns a page of the domain's runs, newest first, plus the total.
func (s *RunStore) ListRuns(ctx context.Context, domainID string, limit, offset int) ([]archiver.IncrementalRun, int, error) {
	var total int
	if err := s.db.QueryRow(ctx,
		`SELECT COUNT(*) FROM incremental_runs WHERE domain_id = $1`, domainID,
	).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count runs: %w", err)
	}

	rows, err := s.db.Query(ctx, `
SELECT `+runColumns+` FROM incremental_runs
WHERE domain_id = $1
ORDER BY created_at DESC, id DESC
LIMIT $2 OFFSET $3`, domainID, limit, offset)
	if err != nil {
		return nil, 0, fmt.Errorf("list runs: %w", err)
	}
	defer rows.Close()

	var runs []archiver.IncrementalRun
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, 0, err
		}
		runs = append(runs, run)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("iterate runs: %w", err)
	}
	return runs, total, nil
}

func scanRun(row pgx.Row) (archiver.IncrementalRun, error) {
	var (
		run       archiver.IncrementalRun
		errorText *string
	)
	err := row.Scan(
		&run.ID, &run.DomainID, &run.Type, &run.Status, &run.CoverageStart, &run.CoverageEnd,
		&run.PagesDiscovered, &run.PagesProcessed, &run.GapsFilled,
		&run.CreatedAt, &run.StartedAt, &run.FinishedAt, &errorText,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return archiver.IncrementalRun{}, archiver.ErrNotFound
	}
	if err != nil {
		return archiver.IncrementalRun{}, fmt.Errorf("scan run: %w", err)
	}
	if errorText != nil {
		run.ErrorText = *errorText
	}
	return run, nil
}

func nullableText(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
