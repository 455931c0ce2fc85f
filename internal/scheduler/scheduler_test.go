package scheduler

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/pagetrail/pagetrail/internal/archiver"
	"github.com/pagetrail/pagetrail/internal/coverage"
	"github.com/pagetrail/pagetrail/internal/hash/sha256"
	uuidgen "github.com/pagetrail/pagetrail/internal/id/uuid"
	"github.com/pagetrail/pagetrail/internal/metrics"
	"github.com/pagetrail/pagetrail/internal/pagestate"
	"github.com/pagetrail/pagetrail/internal/storage/memory"
)

type fixedClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fixedClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

type fakeSource struct {
	mu         sync.Mutex
	captures   []archiver.CaptureRecord
	body       []byte
	fetchErrs  []error
	fetchCalls int
}

func (f *fakeSource) Name() string { return "fake" }

func (f *fakeSource) ListCaptures(_ context.Context, _ archiver.ListRequest) (archiver.ListResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return archiver.ListResult{Captures: f.captures}, nil
}

func (f *fakeSource) FetchContent(_ context.Context, _ archiver.CaptureRecord) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.fetchCalls++
	if len(f.fetchErrs) > 0 {
		err := f.fetchErrs[0]
		f.fetchErrs = f.fetchErrs[1:]
		if err != nil {
			return nil, err
		}
	}
	return f.body, nil
}

func (f *fakeSource) calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.fetchCalls
}

// blockingSource parks every listing call until release is closed, so tests
// can hold a worker slot occupied.
type blockingSource struct {
	release chan struct{}
	started chan struct{}
}

func (b *blockingSource) Name() string { return "blocking" }

func (b *blockingSource) ListCaptures(ctx context.Context, _ archiver.ListRequest) (archiver.ListResult, error) {
	select {
	case b.started <- struct{}{}:
	default:
	}
	select {
	case <-b.release:
		return archiver.ListResult{}, nil
	case <-ctx.Done():
		return archiver.ListResult{}, ctx.Err()
	}
}

func (b *blockingSource) FetchContent(context.Context, archiver.CaptureRecord) ([]byte, error) {
	return nil, nil
}

// articleBody is large and texty enough to pass every quality filter.
var articleBody = []byte("<html><body><article>" +
	strings.Repeat("A long archived article paragraph with plenty of visible text. ", 20) +
	"</article></body></html>")

type env struct {
	domains *memory.DomainStore
	runs    *memory.RunStore
	pages   *memory.PageStore
	gaps    *memory.GapStore
	blobs   *memory.BlobStore
	clock   *fixedClock
	sched   *Scheduler
}

func testDomain() archiver.Domain {
	return archiver.Domain{
		ID:      "d1",
		Name:    "example.com",
		Enabled: true,
		Config: archiver.DomainConfig{
			OverlapDays:    30,
			MaxPagesPerRun: 100,
		},
		CreatedAt: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC),
	}
}

func newEnv(t *testing.T, src archiver.ArchiveSource, domain archiver.Domain) *env {
	t.Helper()
	return newEnvWith(t, src, Config{RetryPasses: 2}, domain)
}

func newEnvWith(t *testing.T, src archiver.ArchiveSource, cfg Config, domains ...archiver.Domain) *env {
	t.Helper()
	metrics.Init()

	ids := uuidgen.New()
	classifier, err := pagestate.NewClassifier(pagestate.ClassifierConfig{})
	require.NoError(t, err)

	e := &env{
		domains: memory.NewDomainStore(domains...),
		runs:    memory.NewRunStore(),
		pages:   memory.NewPageStore(),
		gaps:    memory.NewGapStore(),
		blobs:   memory.NewBlobStore(),
		clock:   &fixedClock{now: time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)},
	}
	sched, err := New(cfg, Deps{
		Domains:    e.domains,
		Runs:       e.runs,
		Pages:      e.pages,
		Gaps:       e.gaps,
		Rules:      memory.NewFilterRuleStore(),
		Blobs:      e.blobs,
		Sources:    func(archiver.DomainConfig) (archiver.ArchiveSource, error) { return src, nil },
		Analyzer:   coverage.New(nil, 5, ids),
		Classifier: classifier,
		Hasher:     sha256.New(),
		Clock:      e.clock,
		IDs:        ids,
		Logger:     zap.NewNop(),
	})
	require.NoError(t, err)
	e.sched = sched
	return e
}

func (e *env) waitTerminal(t *testing.T, runID string) archiver.IncrementalRun {
	t.Helper()
	var run archiver.IncrementalRun
	require.Eventually(t, func() bool {
		var err error
		run, err = e.runs.GetRun(context.Background(), runID)
		return err == nil && run.Status.Terminal()
	}, 5*time.Second, 10*time.Millisecond)
	return run
}

func (e *env) pageOfRun(t *testing.T, runID string) archiver.Page {
	t.Helper()
	pages, err := e.pages.PagesByRun(context.Background(), runID)
	require.NoError(t, err)
	require.Len(t, pages, 1)
	return pages[0]
}

func capture(url string, ts time.Time) archiver.CaptureRecord {
	return archiver.CaptureRecord{
		Source:       "fake",
		URL:          url,
		Timestamp:    ts,
		RawTimestamp: ts.Format("20060102150405"),
		MimeType:     "text/html",
		StatusCode:   200,
	}
}

func TestRunCompletesAndStoresContent(t *testing.T) {
	t.Parallel()

	ts := time.Date(2024, 5, 20, 8, 0, 0, 0, time.UTC)
	src := &fakeSource{
		captures: []archiver.CaptureRecord{capture("https://example.com/post/launch", ts)},
		body:     articleBody,
	}
	e := newEnv(t, src, testDomain())

	run, err := e.sched.Trigger(context.Background(), TriggerRequest{DomainID: "d1", Type: archiver.RunTypeManual})
	require.NoError(t, err)

	done := e.waitTerminal(t, run.ID)
	require.Equal(t, archiver.RunStatusCompleted, done.Status)
	require.Equal(t, 1, done.PagesDiscovered)
	require.Equal(t, 1, done.PagesProcessed)

	page := e.pageOfRun(t, run.ID)
	require.Equal(t, archiver.PageStatusCompleted, page.Status)
	require.NotEmpty(t, page.Digest)
	require.Contains(t, page.ContentURL, "memory://")
	require.Equal(t, 1, e.blobs.Len())

	d, err := e.domains.GetDomain(context.Background(), "d1")
	require.NoError(t, err)
	require.NotNil(t, d.LastRunAt)
}

func TestRunFiltersListPage(t *testing.T) {
	t.Parallel()

	ts := time.Date(2024, 5, 20, 8, 0, 0, 0, time.UTC)
	src := &fakeSource{
		captures: []archiver.CaptureRecord{capture("https://example.com/category/news", ts)},
		body:     articleBody,
	}
	e := newEnv(t, src, testDomain())

	run, err := e.sched.Trigger(context.Background(), TriggerRequest{DomainID: "d1"})
	require.NoError(t, err)

	done := e.waitTerminal(t, run.ID)
	require.Equal(t, archiver.RunStatusCompleted, done.Status)

	page := e.pageOfRun(t, run.ID)
	require.Equal(t, archiver.PageStatusFilteredListPage, page.Status)
	require.Equal(t, pagestate.CategoryListPage, page.FilterCategory)
	require.Empty(t, page.ContentURL)
	require.Equal(t, 0, e.blobs.Len())
}

func TestRunRetriesTransientFetch(t *testing.T) {
	t.Parallel()

	ts := time.Date(2024, 5, 20, 8, 0, 0, 0, time.UTC)
	src := &fakeSource{
		captures:  []archiver.CaptureRecord{capture("https://example.com/post/flaky", ts)},
		body:      articleBody,
		fetchErrs: []error{&archiver.TransientError{Source: "fake", Op: "fetch", Err: context.DeadlineExceeded}},
	}
	e := newEnv(t, src, testDomain())

	run, err := e.sched.Trigger(context.Background(), TriggerRequest{DomainID: "d1"})
	require.NoError(t, err)

	done := e.waitTerminal(t, run.ID)
	require.Equal(t, archiver.RunStatusCompleted, done.Status)

	page := e.pageOfRun(t, run.ID)
	require.Equal(t, archiver.PageStatusCompleted, page.Status)
	require.Equal(t, 1, page.RetryCount)
	require.Equal(t, 2, src.calls())
}

func TestRunParseErrorIsNotRecoverable(t *testing.T) {
	t.Parallel()

	ts := time.Date(2024, 5, 20, 8, 0, 0, 0, time.UTC)
	src := &fakeSource{
		captures:  []archiver.CaptureRecord{capture("https://example.com/post/broken", ts)},
		body:      articleBody,
		fetchErrs: []error{&archiver.ParseError{Source: "fake", Detail: "truncated record"}},
	}
	e := newEnv(t, src, testDomain())

	run, err := e.sched.Trigger(context.Background(), TriggerRequest{DomainID: "d1"})
	require.NoError(t, err)

	done := e.waitTerminal(t, run.ID)
	require.Equal(t, archiver.RunStatusCompleted, done.Status)

	page := e.pageOfRun(t, run.ID)
	require.Equal(t, archiver.PageStatusFailed, page.Status)
	require.False(t, page.RecoverableError)
	require.Equal(t, "parse_error", page.ErrorType)
	require.Equal(t, 1, src.calls())
}

func TestRunSkipsKnownCaptures(t *testing.T) {
	t.Parallel()

	ts := time.Date(2024, 5, 20, 8, 0, 0, 0, time.UTC)
	src := &fakeSource{
		captures: []archiver.CaptureRecord{capture("https://example.com/post/seen", ts)},
		body:     articleBody,
	}
	e := newEnv(t, src, testDomain())

	created, err := e.pages.CreatePage(context.Background(), archiver.Page{
		ID:               "existing",
		DomainID:         "d1",
		RunID:            "old-run",
		OriginalURL:      "https://example.com/post/seen",
		CaptureTimestamp: ts,
		Status:           archiver.PageStatusCompleted,
		DiscoveredAt:     ts,
	})
	require.NoError(t, err)
	require.True(t, created)

	run, err := e.sched.Trigger(context.Background(), TriggerRequest{DomainID: "d1"})
	require.NoError(t, err)

	done := e.waitTerminal(t, run.ID)
	require.Equal(t, archiver.RunStatusCompleted, done.Status)
	require.Equal(t, 0, done.PagesDiscovered)
	require.Equal(t, 0, src.calls())
}

func TestTriggerRefusesActiveRun(t *testing.T) {
	t.Parallel()

	src := &fakeSource{body: articleBody}
	e := newEnv(t, src, testDomain())

	require.NoError(t, e.runs.CreateRun(context.Background(), archiver.IncrementalRun{
		ID:        "busy",
		DomainID:  "d1",
		Type:      archiver.RunTypeManual,
		Status:    archiver.RunStatusRunning,
		CreatedAt: e.clock.Now(),
	}))

	_, err := e.sched.Trigger(context.Background(), TriggerRequest{DomainID: "d1"})
	require.ErrorIs(t, err, archiver.ErrLockConflict)
}

func TestTriggerRefusesDisabledDomain(t *testing.T) {
	t.Parallel()

	domain := testDomain()
	domain.Enabled = false
	e := newEnv(t, &fakeSource{}, domain)

	_, err := e.sched.Trigger(context.Background(), TriggerRequest{DomainID: "d1"})
	require.Error(t, err)
	require.Contains(t, err.Error(), "disabled")
}

func TestCancelPendingRun(t *testing.T) {
	t.Parallel()

	e := newEnv(t, &fakeSource{}, testDomain())

	require.NoError(t, e.runs.CreateRun(context.Background(), archiver.IncrementalRun{
		ID:        "r-pending",
		DomainID:  "d1",
		Type:      archiver.RunTypeManual,
		Status:    archiver.RunStatusPending,
		CreatedAt: e.clock.Now(),
	}))

	require.NoError(t, e.sched.Cancel(context.Background(), "r-pending"))

	run, err := e.runs.GetRun(context.Background(), "r-pending")
	require.NoError(t, err)
	require.Equal(t, archiver.RunStatusCancelled, run.Status)
	require.NotNil(t, run.FinishedAt)

	require.Error(t, e.sched.Cancel(context.Background(), "r-pending"))
}

// TestCancelQueuedRunStaysCancelled: a run cancelled while waiting for a
// worker slot must never start executing, and its domain must become
// triggerable again once the queued goroutine unwinds.
func TestCancelQueuedRunStaysCancelled(t *testing.T) {
	t.Parallel()

	src := &blockingSource{release: make(chan struct{}), started: make(chan struct{}, 1)}
	d1 := testDomain()
	d2 := testDomain()
	d2.ID = "d2"
	d2.Name = "example.org"
	e := newEnvWith(t, src, Config{Workers: 1, RetryPasses: 2}, d1, d2)

	runA, err := e.sched.Trigger(context.Background(), TriggerRequest{DomainID: "d1"})
	require.NoError(t, err)
	select {
	case <-src.started:
	case <-time.After(5 * time.Second):
		t.Fatal("first run never reached the source")
	}

	// The single worker slot is occupied, so this run queues.
	runB, err := e.sched.Trigger(context.Background(), TriggerRequest{DomainID: "d2"})
	require.NoError(t, err)

	require.NoError(t, e.sched.Cancel(context.Background(), runB.ID))
	got, err := e.runs.GetRun(context.Background(), runB.ID)
	require.NoError(t, err)
	require.Equal(t, archiver.RunStatusCancelled, got.Status)
	require.NotNil(t, got.FinishedAt)

	// The cancelled run's goroutine drains and frees the domain.
	var runC archiver.IncrementalRun
	require.Eventually(t, func() bool {
		var terr error
		runC, terr = e.sched.Trigger(context.Background(), TriggerRequest{DomainID: "d2"})
		return terr == nil
	}, 5*time.Second, 10*time.Millisecond)

	close(src.release)
	doneA := e.waitTerminal(t, runA.ID)
	require.Equal(t, archiver.RunStatusCompleted, doneA.Status)
	doneC := e.waitTerminal(t, runC.ID)
	require.Equal(t, archiver.RunStatusCompleted, doneC.Status)

	// The cancelled run never resurrected and never touched a page.
	got, err = e.runs.GetRun(context.Background(), runB.ID)
	require.NoError(t, err)
	require.Equal(t, archiver.RunStatusCancelled, got.Status)
	pages, err := e.pages.PagesByRun(context.Background(), runB.ID)
	require.NoError(t, err)
	require.Empty(t, pages)
}

func TestFillGapsRunsAdmittedIntervals(t *testing.T) {
	t.Parallel()

	ts := time.Date(2024, 3, 10, 0, 0, 0, 0, time.UTC)
	src := &fakeSource{
		captures: []archiver.CaptureRecord{capture("https://example.com/post/old", ts)},
		body:     articleBody,
	}
	// A generous overlap so the single recovered capture genuinely closes
	// the gap on re-analysis.
	domain := testDomain()
	domain.Config.OverlapDays = 365
	e := newEnv(t, src, domain)

	start := time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)
	gap := archiver.CoverageGap{
		ID:             "g1",
		DomainID:       "d1",
		GapStart:       start,
		GapEnd:         start.AddDate(0, 1, 0),
		DaysMissing:    31,
		EstimatedPages: 20,
		PriorityScore:  3,
	}
	require.NoError(t, e.gaps.ReplaceGaps(context.Background(), "d1", start, gap.GapEnd, []archiver.CoverageGap{gap}))

	run, err := e.sched.FillGaps(context.Background(), []string{"g1"})
	require.NoError(t, err)
	require.Equal(t, archiver.RunTypeGapFill, run.Type)
	require.Equal(t, gap.GapStart, run.CoverageStart)
	require.Equal(t, gap.GapEnd, run.CoverageEnd)

	done := e.waitTerminal(t, run.ID)
	require.Equal(t, archiver.RunStatusCompleted, done.Status)
	require.Equal(t, 1, done.GapsFilled)
}

// TestFillGapsKeepsSurvivingGapUnfilled: one capture under a 30-day overlap
// leaves a hole inside the attempted interval, so re-analysis keeps the gap
// and the run must not claim it as filled.
func TestFillGapsKeepsSurvivingGapUnfilled(t *testing.T) {
	t.Parallel()

	ts := time.Date(2024, 3, 10, 0, 0, 0, 0, time.UTC)
	src := &fakeSource{
		captures: []archiver.CaptureRecord{capture("https://example.com/post/old", ts)},
		body:     articleBody,
	}
	e := newEnv(t, src, testDomain())

	start := time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)
	gap := archiver.CoverageGap{
		ID:             "g1",
		DomainID:       "d1",
		GapStart:       start,
		GapEnd:         start.AddDate(0, 1, 0),
		DaysMissing:    31,
		EstimatedPages: 20,
		PriorityScore:  3,
	}
	require.NoError(t, e.gaps.ReplaceGaps(context.Background(), "d1", start, gap.GapEnd, []archiver.CoverageGap{gap}))

	run, err := e.sched.FillGaps(context.Background(), []string{"g1"})
	require.NoError(t, err)

	done := e.waitTerminal(t, run.ID)
	require.Equal(t, archiver.RunStatusCompleted, done.Status)
	require.Equal(t, 1, done.PagesDiscovered)
	require.Equal(t, 0, done.GapsFilled)

	gaps, err := e.gaps.ListGaps(context.Background(), "d1")
	require.NoError(t, err)
	require.NotEmpty(t, gaps)
}

func TestFillGapsRejectsMixedDomains(t *testing.T) {
	t.Parallel()

	e := newEnv(t, &fakeSource{}, testDomain())

	start := time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)
	require.NoError(t, e.gaps.ReplaceGaps(context.Background(), "d1", start, start.AddDate(0, 2, 0), []archiver.CoverageGap{
		{ID: "g1", DomainID: "d1", GapStart: start, GapEnd: start.AddDate(0, 1, 0), EstimatedPages: 5},
	}))
	require.NoError(t, e.gaps.ReplaceGaps(context.Background(), "d2", start, start.AddDate(0, 2, 0), []archiver.CoverageGap{
		{ID: "g2", DomainID: "d2", GapStart: start, GapEnd: start.AddDate(0, 1, 0), EstimatedPages: 5},
	}))

	_, err := e.sched.FillGaps(context.Background(), []string{"g1", "g2"})
	require.Error(t, err)
	require.Contains(t, err.Error(), "multiple domains")
}

func TestTruncateToBudget(t *testing.T) {
	t.Parallel()

	start := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	gaps := []archiver.CoverageGap{
		{ID: "low", GapStart: start, GapEnd: start.AddDate(0, 0, 10), EstimatedPages: 50, PriorityScore: 1},
		{ID: "high", GapStart: start.AddDate(0, 1, 0), GapEnd: start.AddDate(0, 1, 10), EstimatedPages: 60, PriorityScore: 9},
	}

	admitted := truncateToBudget(gaps, 100)
	require.Len(t, admitted, 2)

	// Highest priority admitted whole; the next gap absorbs the leftover
	// budget and is shortened proportionally.
	require.Equal(t, "high", admitted[0].ID)
	require.Equal(t, 60, admitted[0].EstimatedPages)
	require.Equal(t, "low", admitted[1].ID)
	require.Equal(t, 40, admitted[1].EstimatedPages)

	fullSpan := gaps[0].GapEnd.Sub(gaps[0].GapStart)
	gotSpan := admitted[1].GapEnd.Sub(admitted[1].GapStart)
	require.InDelta(t, float64(fullSpan)*0.8, float64(gotSpan), float64(time.Minute))

	// A budget smaller than the top gap truncates it and drops the rest.
	admitted = truncateToBudget(gaps, 30)
	require.Len(t, admitted, 1)
	require.Equal(t, "high", admitted[0].ID)
	require.Equal(t, 30, admitted[0].EstimatedPages)
}

func TestPlanIntervalsOverlapsLastCapture(t *testing.T) {
	t.Parallel()

	src := &fakeSource{}
	e := newEnv(t, src, testDomain())

	last := time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC)
	created, err := e.pages.CreatePage(context.Background(), archiver.Page{
		ID:               "p1",
		DomainID:         "d1",
		RunID:            "r0",
		OriginalURL:      "https://example.com/a",
		CaptureTimestamp: last,
		Status:           archiver.PageStatusCompleted,
		DiscoveredAt:     last,
	})
	require.NoError(t, err)
	require.True(t, created)

	d, err := e.domains.GetDomain(context.Background(), "d1")
	require.NoError(t, err)

	now := e.clock.Now()
	intervals, err := e.sched.planIntervals(context.Background(), d, TriggerRequest{Type: archiver.RunTypeManual}, now)
	require.NoError(t, err)
	require.Len(t, intervals, 1)
	require.Equal(t, last.AddDate(0, 0, -30), intervals[0].from)
	require.Equal(t, now, intervals[0].to)
}
