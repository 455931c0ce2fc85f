package postgres

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/require"

	"github.com/pagetrail/pagetrail/internal/archiver"
)

func newMock(t *testing.T) pgxmock.PgxPoolIface {
	t.Helper()
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	t.Cleanup(mock.Close)
	return mock
}

func TestDomainStoreGetDomain(t *testing.T) {
	t.Parallel()

	mock := newMock(t)
	store, err := NewDomainStore(mock)
	require.NoError(t, err)

	cfg := archiver.DomainConfig{OverlapDays: 30, AutoSchedule: true, RunFrequencyHours: 24}
	configJSON, err := json.Marshal(cfg)
	require.NoError(t, err)
	created := time.Unix(1700000000, 0).UTC()

	mock.ExpectQuery("SELECT id, name, enabled, config, first_seen, last_run_at, created_at FROM domains").
		WithArgs("d1").
		WillReturnRows(pgxmock.NewRows([]string{
			"id", "name", "enabled", "config", "first_seen", "last_run_at", "created_at",
		}).AddRow("d1", "example.com", true, configJSON, (*time.Time)(nil), (*time.Time)(nil), created))

	d, err := store.GetDomain(context.Background(), "d1")
	require.NoError(t, err)
	require.Equal(t, "example.com", d.Name)
	require.Equal(t, 30, d.Config.OverlapDays)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestDomainStoreTouchLastRunMissing(t *testing.T) {
	t.Parallel()

	mock := newMock(t)
	store, err := NewDomainStore(mock)
	require.NoError(t, err)

	at := time.Unix(1700000000, 0).UTC()
	mock.ExpectExec("UPDATE domains").
		WithArgs("nope", at).
		WillReturnResult(pgxmock.NewResult("UPDATE", 0))

	err = store.TouchLastRun(context.Background(), "nope", at)
	require.ErrorIs(t, err, archiver.ErrNotFound)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestRunStoreCreateRun(t *testing.T) {
	t.Parallel()

	mock := newMock(t)
	store, err := NewRunStore(mock)
	require.NoError(t, err)

	now := time.Unix(1700000000, 0).UTC()
	run := archiver.IncrementalRun{
		ID:            "r1",
		DomainID:      "d1",
		Type:          archiver.RunTypeScheduled,
		Status:        archiver.RunStatusPending,
		CoverageStart: now.AddDate(0, 0, -30),
		CoverageEnd:   now,
		CreatedAt:     now,
	}

	mock.ExpectExec("INSERT INTO incremental_runs").
		WithArgs(
			run.ID, run.DomainID, run.Type, run.Status, run.CoverageStart, run.CoverageEnd,
			0, 0, 0, run.CreatedAt, (*time.Time)(nil), (*time.Time)(nil), (*string)(nil),
		).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	require.NoError(t, store.CreateRun(context.Background(), run))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestRunStoreActiveRunNotFound(t *testing.T) {
	t.Parallel()

	mock := newMock(t)
	store, err := NewRunStore(mock)
	require.NoError(t, err)

	mock.ExpectQuery("SELECT (.+) FROM incremental_runs").
		WithArgs("d1").
		WillReturnRows(pgxmock.NewRows([]string{"id"}))

	_, err = store.ActiveRun(context.Background(), "d1")
	require.ErrorIs(t, err, archiver.ErrNotFound)
	require.NoError(t, mock.ExpectationsWereMet())
}

// anyArgs builds n AnyArg matchers: pgxmock matches the argument list even
// when the values are irrelevant to the scenario under test.
func anyArgs(n int) []interface{} {
	args := make([]interface{}, n)
	for i := range args {
		args[i] = pgxmock.AnyArg()
	}
	return args
}

func pageRows() *pgxmock.Rows {
	return pgxmock.NewRows([]string{
		"id", "domain_id", "run_id", "original_url", "content_url", "capture_ts", "digest", "status",
		"filter_reason", "filter_category", "filter_details",
		"manually_overridden", "original_filter_decision",
		"priority_score", "retry_count", "max_retries",
		"error_message", "error_type", "recoverable_error",
		"discovered_at", "processed_at", "version",
	})
}

func TestPageStoreCreatePageDuplicate(t *testing.T) {
	t.Parallel()

	mock := newMock(t)
	store, err := NewPageStore(mock)
	require.NoError(t, err)

	now := time.Unix(1700000000, 0).UTC()
	page := archiver.Page{
		ID:               "p1",
		DomainID:         "d1",
		RunID:            "r1",
		OriginalURL:      "https://example.com/a",
		CaptureTimestamp: now,
		Status:           archiver.PageStatusPending,
		MaxRetries:       3,
		DiscoveredAt:     now,
	}

	// ON CONFLICT DO NOTHING reports zero rows for the duplicate.
	mock.ExpectExec("INSERT INTO scrape_pages").
		WithArgs(anyArgs(22)...).
		WillReturnResult(pgxmock.NewResult("INSERT", 0))

	created, err := store.CreatePage(context.Background(), page)
	require.NoError(t, err)
	require.False(t, created)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPageStoreUpdatePageVersionConflict(t *testing.T) {
	t.Parallel()

	mock := newMock(t)
	store, err := NewPageStore(mock)
	require.NoError(t, err)

	now := time.Unix(1700000000, 0).UTC()
	page := archiver.Page{
		ID:               "p1",
		DomainID:         "d1",
		RunID:            "r1",
		OriginalURL:      "https://example.com/a",
		CaptureTimestamp: now,
		Status:           archiver.PageStatusCompleted,
		DiscoveredAt:     now,
		Version:          3,
	}

	// The guarded UPDATE matches nothing, then the row turns out to exist:
	// that is a lost optimistic race.
	mock.ExpectQuery("UPDATE scrape_pages").
		WithArgs(anyArgs(18)...).
		WillReturnRows(pageRows())
	mock.ExpectQuery("SELECT (.+) FROM scrape_pages").
		WithArgs("p1").
		WillReturnRows(pageRows().AddRow(
			"p1", "d1", "r1", "https://example.com/a", (*string)(nil), now, (*string)(nil), string(archiver.PageStatusCompleted),
			(*string)(nil), (*string)(nil), (*string)(nil),
			false, (*archiver.PageStatus)(nil),
			0.0, 0, 3,
			(*string)(nil), (*string)(nil), false,
			now, (*time.Time)(nil), int64(4),
		))

	_, err = store.UpdatePage(context.Background(), page, 3)
	require.ErrorIs(t, err, archiver.ErrVersionConflict)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestGapStoreReplaceGapsTransaction(t *testing.T) {
	t.Parallel()

	mock := newMock(t)
	store, err := NewGapStore(mock)
	require.NoError(t, err)

	start := time.Unix(1700000000, 0).UTC()
	end := start.AddDate(0, 2, 0)
	gap := archiver.CoverageGap{
		ID:             "g1",
		DomainID:       "d1",
		GapStart:       start.AddDate(0, 0, 10),
		GapEnd:         start.AddDate(0, 0, 40),
		DaysMissing:    30,
		EstimatedPages: 150,
		PriorityScore:  4.2,
	}

	mock.ExpectBegin()
	mock.ExpectExec("DELETE FROM coverage_gaps").
		WithArgs("d1", start, end).
		WillReturnResult(pgxmock.NewResult("DELETE", 2))
	mock.ExpectExec("INSERT INTO coverage_gaps").
		WithArgs(gap.ID, gap.DomainID, gap.GapStart, gap.GapEnd, gap.DaysMissing, gap.EstimatedPages, gap.PriorityScore).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectCommit()
	mock.ExpectRollback()

	err = store.ReplaceGaps(context.Background(), "d1", start, end, []archiver.CoverageGap{gap})
	require.NoError(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestGapStoreGetGapsMissing(t *testing.T) {
	t.Parallel()

	mock := newMock(t)
	store, err := NewGapStore(mock)
	require.NoError(t, err)

	mock.ExpectQuery("SELECT (.+) FROM coverage_gaps").
		WithArgs([]string{"g1"}).
		WillReturnRows(pgxmock.NewRows([]string{
			"id", "domain_id", "gap_start", "gap_end", "days_missing", "estimated_pages", "priority_score",
		}))

	_, err = store.GetGaps(context.Background(), []string{"g1"})
	require.ErrorIs(t, err, archiver.ErrNotFound)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestFilterRuleStoreListRules(t *testing.T) {
	t.Parallel()

	mock := newMock(t)
	store, err := NewFilterRuleStore(mock)
	require.NoError(t, err)

	mock.ExpectQuery("SELECT id, domain_id, pattern, action, category").
		WithArgs("d1").
		WillReturnRows(pgxmock.NewRows([]string{"id", "domain_id", "pattern", "action", "category"}).
			AddRow("f1", "d1", `/press/`, string(archiver.FilterActionInclude), (*string)(nil)))

	rules, err := store.ListRules(context.Background(), "d1")
	require.NoError(t, err)
	require.Len(t, rules, 1)
	require.Equal(t, archiver.FilterActionInclude, rules[0].Action)
	require.NoError(t, mock.ExpectationsWereMet())
}
