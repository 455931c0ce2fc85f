package memory

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/pagetrail/pagetrail/internal/archiver"
)

func TestPageStoreDuplicateCreate(t *testing.T) {
	t.Parallel()

	store := NewPageStore()
	ts := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	page := archiver.Page{
		ID:               "p1",
		DomainID:         "d1",
		OriginalURL:      "https://example.com/a",
		CaptureTimestamp: ts,
		Status:           archiver.PageStatusPending,
	}

	created, err := store.CreatePage(t.Context(), page)
	require.NoError(t, err)
	require.True(t, created)

	dup := page
	dup.ID = "p2"
	created, err = store.CreatePage(t.Context(), dup)
	require.NoError(t, err)
	require.False(t, created)

	// Same URL at a different capture time is a distinct page.
	other := page
	other.ID = "p3"
	other.CaptureTimestamp = ts.Add(48 * time.Hour)
	created, err = store.CreatePage(t.Context(), other)
	require.NoError(t, err)
	require.True(t, created)
}

func TestPageStoreOptimisticVersioning(t *testing.T) {
	t.Parallel()

	store := NewPageStore()
	page := archiver.Page{
		ID:               "p1",
		DomainID:         "d1",
		OriginalURL:      "https://example.com/a",
		CaptureTimestamp: time.Now().UTC(),
		Status:           archiver.PageStatusPending,
	}
	_, err := store.CreatePage(t.Context(), page)
	require.NoError(t, err)

	stored, err := store.GetPage(t.Context(), "p1")
	require.NoError(t, err)
	require.Equal(t, int64(1), stored.Version)

	stored.Status = archiver.PageStatusInProgress
	updated, err := store.UpdatePage(t.Context(), stored, 1)
	require.NoError(t, err)
	require.Equal(t, int64(2), updated.Version)

	// A writer holding the stale version loses.
	stale := stored
	stale.Status = archiver.PageStatusCompleted
	_, err = store.UpdatePage(t.Context(), stale, 1)
	require.ErrorIs(t, err, archiver.ErrVersionConflict)
}

func TestPageStoreDigestAndCounts(t *testing.T) {
	t.Parallel()

	store := NewPageStore()
	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	for i, status := range []archiver.PageStatus{
		archiver.PageStatusCompleted,
		archiver.PageStatusCompleted,
		archiver.PageStatusFailed,
	} {
		_, err := store.CreatePage(t.Context(), archiver.Page{
			ID:               string(rune('a' + i)),
			DomainID:         "d1",
			OriginalURL:      "https://example.com/" + string(rune('a'+i)),
			CaptureTimestamp: base.AddDate(0, 0, i),
			Digest:           "digest-shared",
			Status:           status,
		})
		require.NoError(t, err)
	}

	has, err := store.HasDigest(t.Context(), "d1", "digest-shared", "a")
	require.NoError(t, err)
	require.True(t, has)

	has, err = store.HasDigest(t.Context(), "d2", "digest-shared", "")
	require.NoError(t, err)
	require.False(t, has)

	counts, err := store.StatusCounts(t.Context(), "d1")
	require.NoError(t, err)
	require.Equal(t, 2, counts[archiver.PageStatusCompleted])
	require.Equal(t, 1, counts[archiver.PageStatusFailed])

	timestamps, err := store.CaptureTimestamps(t.Context(), "d1")
	require.NoError(t, err)
	require.Len(t, timestamps, 3)
	require.True(t, timestamps[0].Before(timestamps[1]))
}

func TestRunStoreActiveAndListing(t *testing.T) {
	t.Parallel()

	store := NewRunStore()
	base := time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC)
	runs := []archiver.IncrementalRun{
		{ID: "r1", DomainID: "d1", Status: archiver.RunStatusCompleted, CreatedAt: base},
		{ID: "r2", DomainID: "d1", Status: archiver.RunStatusRunning, CreatedAt: base.Add(time.Hour)},
		{ID: "r3", DomainID: "d2", Status: archiver.RunStatusPending, CreatedAt: base.Add(2 * time.Hour)},
	}
	for _, run := range runs {
		require.NoError(t, store.CreateRun(t.Context(), run))
	}

	active, err := store.ActiveRun(t.Context(), "d1")
	require.NoError(t, err)
	require.Equal(t, "r2", active.ID)

	_, err = store.ActiveRun(t.Context(), "d3")
	require.ErrorIs(t, err, archiver.ErrNotFound)

	page, total, err := store.ListRuns(t.Context(), "d1", 1, 0)
	require.NoError(t, err)
	require.Equal(t, 2, total)
	require.Len(t, page, 1)
	require.Equal(t, "r2", page[0].ID)

	page, total, err = store.ListRuns(t.Context(), "d1", 10, 1)
	require.NoError(t, err)
	require.Equal(t, 2, total)
	require.Len(t, page, 1)
	require.Equal(t, "r1", page[0].ID)
}

func TestGapStoreWindowReplace(t *testing.T) {
	t.Parallel()

	store := NewGapStore()
	day := func(n int) time.Time { return time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC).AddDate(0, 0, n) }

	initial := []archiver.CoverageGap{
		{ID: "g1", DomainID: "d1", GapStart: day(0), GapEnd: day(10)},
		{ID: "g2", DomainID: "d1", GapStart: day(20), GapEnd: day(30)},
		{ID: "g3", DomainID: "d1", GapStart: day(40), GapEnd: day(50)},
	}
	require.NoError(t, store.ReplaceGaps(t.Context(), "d1", day(0), day(60), initial))

	// Re-analyzing [15, 35) replaces only g2.
	replacement := []archiver.CoverageGap{
		{ID: "g4", DomainID: "d1", GapStart: day(22), GapEnd: day(28)},
	}
	require.NoError(t, store.ReplaceGaps(t.Context(), "d1", day(15), day(35), replacement))

	gaps, err := store.ListGaps(t.Context(), "d1")
	require.NoError(t, err)
	require.Len(t, gaps, 3)
	require.Equal(t, "g1", gaps[0].ID)
	require.Equal(t, "g4", gaps[1].ID)
	require.Equal(t, "g3", gaps[2].ID)

	fetched, err := store.GetGaps(t.Context(), []string{"g4", "g1"})
	require.NoError(t, err)
	require.Len(t, fetched, 2)
	require.Equal(t, "g4", fetched[0].ID)

	_, err = store.GetGaps(t.Context(), []string{"missing"})
	require.ErrorIs(t, err, archiver.ErrNotFound)
}

func TestDomainStoreDueListing(t *testing.T) {
	t.Parallel()

	now := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)
	lastRun := now.Add(-48 * time.Hour)
	store := NewDomainStore(
		archiver.Domain{
			ID: "d-due", Name: "due.example.com", Enabled: true,
			Config:    archiver.DomainConfig{AutoSchedule: true, RunFrequencyHours: 24},
			LastRunAt: &lastRun,
			CreatedAt: now.Add(-30 * 24 * time.Hour),
		},
		archiver.Domain{
			ID: "d-fresh", Name: "fresh.example.com", Enabled: true,
			Config:    archiver.DomainConfig{AutoSchedule: true, RunFrequencyHours: 24 * 7},
			LastRunAt: &lastRun,
			CreatedAt: now.Add(-30 * 24 * time.Hour),
		},
		archiver.Domain{
			ID: "d-manual", Name: "manual.example.com", Enabled: true,
			Config:    archiver.DomainConfig{AutoSchedule: false, RunFrequencyHours: 24},
			CreatedAt: now.Add(-30 * 24 * time.Hour),
		},
	)

	due, err := store.ListDueDomains(t.Context(), now)
	require.NoError(t, err)
	require.Len(t, due, 1)
	require.Equal(t, "d-due", due[0].ID)

	require.NoError(t, store.TouchLastRun(t.Context(), "d-due", now))
	due, err = store.ListDueDomains(t.Context(), now)
	require.NoError(t, err)
	require.Empty(t, due)
}
