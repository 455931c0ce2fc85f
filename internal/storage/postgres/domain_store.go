package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/pagetrail/pagetrail/internal/archiver"
)

// DomainStore reads and updates domain rows.
type DomainStore struct {
	db dbConn
}

// NewDomainStore constructs a DomainStore over an existing pool.
func NewDomainStore(db dbConn) (*DomainStore, error) {
	if db == nil {
		return nil, fmt.Errorf("pool is required")
	}
	return &DomainStore{db: db}, nil
}

const domainColumns = `id, name, enabled, config, first_seen, last_run_at, created_at`

// GetDomain fetches a domain by ID.
func (s *DomainStore) GetDomain(ctx context.Context, id string) (archiver.Domain, error) {
	row := s.db.QueryRow(ctx, `SELECT `+domainColumns+` FROM domains WHERE id = $1`, id)
	return scanDomain(row)
}

// ListDueDomains returns enabled auto-scheduled domains whose next run time
// has passed. Scheduling math lives in Go; the query only prefilters.
func (s *DomainStore) ListDueDomains(ctx context.Context, now time.Time) ([]archiver.Domain, error) {
	rows, err := s.db.Query(ctx, `SELECT `+domainColumns+` FROM domains WHERE enabled ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("list domains: %w", err)
	}
	defer rows.Close()

	var due []archiver.Domain
	for rows.Next() {
		d, err := scanDomain(rows)
		if err != nil {
			return nil, err
		}
		if d.DueAt(now) {
			due = append(due, d)
		}
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate domains: %w", err)
	}
	return due, nil
}

// UpdateDomainConfig replaces the domain's configuration JSON.
func (s *DomainStore) UpdateDomainConfig(ctx context.Context, id string, cfg archiver.DomainConfig) (archiver.Domain, error) {
	configJSON, err := json.Marshal(cfg)
	if err != nil {
		return archiver.Domain{}, fmt.Errorf("marshal domain config: %w", err)
	}
	row := s.db.QueryRow(ctx, `
UPDATE domains SET config = $2
WHERE id = $1
RETURNING `+domainColumns, id, configJSON)
	return scanDomain(row)
}

// TouchLastRun records the completion time of the domain's latest run.
func (s *DomainStore) TouchLastRun(ctx context.Context, id string, at time.Time) error {
	tag, err := s.db.Exec(ctx, `
UPDATE domains
SET last_run_at = $2, first_seen = COALESCE(first_seen, $2)
WHERE id = $1`, id, at)
	if err != nil {
		return fmt.Errorf("touch last run: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return archiver.ErrNotFound
	}
	return nil
}

// UpsertDomain inserts or replaces a domain row; used at startup to seed
// configured domains.
func (s *DomainStore) UpsertDomain(ctx context.Context, d archiver.Domain) error {
	configJSON, err := json.Marshal(d.Config)
	if err != nil {
		return fmt.Errorf("marshal domain config: %w", err)
	}
	_, err = s.db.Exec(ctx, `
INSERT INTO domains (id, name, enabled, config, first_seen, last_run_at, created_at)
VALUES ($1,$2,$3,$4,$5,$6,$7)
ON CONFLICT (id) DO UPDATE SET name = EXCLUDED.name, enabled = EXCLUDED.enabled, config = EXCLUDED.config`,
		d.ID, d.Name, d.Enabled, configJSON, d.FirstSeen, d.LastRunAt, d.CreatedAt)
	if err != nil {
		return fmt.Errorf("upsert domain: %w", err)
	}
	return nil
}

func scanDomain(row pgx.Row) (archiver.Domain, error) {
	var (
		d          archiver.Domain
		configJSON []byte
	)
	err := row.Scan(&d.ID, &d.Name, &d.Enabled, &configJSON, &d.FirstSeen, &d.LastRunAt, &d.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return archiver.Domain{}, archiver.ErrNotFound
	}
	if err != nil {
		return archiver.Domain{}, fmt.Errorf("scan domain: %w", err)
	}
	if len(configJSON) > 0 {
		if err := json.Unmarshal(configJSON, &d.Config); err != nil {
			return archiver.Domain{}, fmt.Errorf("unmarshal domain config: %w", err)
		}
	}
	return d, nil
}
