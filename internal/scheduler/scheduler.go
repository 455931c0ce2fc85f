// Package scheduler owns run admission and execution: the cron tick that
// finds due domains, the manual trigger and gap-fill entry points, the
// per-domain single-flight guarantee, and the run executor.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/pagetrail/pagetrail/internal/archiver"
	"github.com/pagetrail/pagetrail/internal/coverage"
	"github.com/pagetrail/pagetrail/internal/pagestate"
	"github.com/pagetrail/pagetrail/internal/progress"
)

// SourceFactory builds the archive source for one domain's configuration:
// a single backend client or the fallback controller for hybrid mode.
type SourceFactory func(cfg archiver.DomainConfig) (archiver.ArchiveSource, error)

// Config controls scheduling and execution.
type Config struct {
	// TickInterval is the cron cadence for finding due domains (default 1m).
	TickInterval time.Duration
	// Workers bounds concurrently executing runs (default 4).
	Workers int
	// RunTimeout is the wall-clock ceiling per run (default 30m).
	RunTimeout time.Duration
	// ListPageSize bounds one capture-listing call (default 500).
	ListPageSize int
	// MaxPagesPerRun applies when the domain config leaves it unset
	// (default 500).
	MaxPagesPerRun int
	// InitialHistory is how far back the first run of a domain reaches when
	// no captures are known yet, and the span of a force-full-coverage run
	// (default 5 years).
	InitialHistory time.Duration
	// RetryPasses bounds how many times the executor re-walks the run's
	// retry-status pages (default 2). Per-page attempts are still capped by
	// the page's max_retries.
	RetryPasses int
}

func (c *Config) setDefaults() {
	if c.TickInterval <= 0 {
		c.TickInterval = time.Minute
	}
	if c.Workers <= 0 {
		c.Workers = 4
	}
	if c.RunTimeout <= 0 {
		c.RunTimeout = 30 * time.Minute
	}
	if c.ListPageSize <= 0 {
		c.ListPageSize = 500
	}
	if c.MaxPagesPerRun <= 0 {
		c.MaxPagesPerRun = 500
	}
	if c.InitialHistory <= 0 {
		c.InitialHistory = 5 * 365 * 24 * time.Hour
	}
	if c.RetryPasses <= 0 {
		c.RetryPasses = 2
	}
}

// Deps collects the scheduler's collaborators.
type Deps struct {
	Domains    archiver.DomainStore
	Runs       archiver.RunStore
	Pages      archiver.PageStore
	Gaps       archiver.GapStore
	Rules      archiver.FilterRuleStore
	Blobs      archiver.BlobStore
	Sources    SourceFactory
	Analyzer   *coverage.Analyzer
	Classifier *pagestate.Classifier
	Hub        progress.Emitter
	Hasher     archiver.Hasher
	Clock      archiver.Clock
	IDs        archiver.IDGenerator
	Logger     *zap.Logger
}

// TriggerRequest describes one requested run.
type TriggerRequest struct {
	DomainID          string
	Type              archiver.RunType
	ForceFullCoverage bool
	PriorityBoost     bool
	// Gaps carries the admitted gap intervals for gap-fill runs.
	Gaps []archiver.CoverageGap
}

// interval is one capture-listing span of a run.
type interval struct {
	from time.Time
	to   time.Time
}

// Scheduler drives incremental runs. One instance per process.
type Scheduler struct {
	cfg  Config
	deps Deps

	cron *cron.Cron
	sem  chan struct{}
	wg   sync.WaitGroup

	mu      sync.Mutex
	locked  map[string]struct{}           // domain IDs with a run in flight
	cancels map[string]context.CancelFunc // run ID -> cancel

	baseCtx    context.Context
	baseCancel context.CancelFunc
}

// New constructs a Scheduler. Start must be called before ticks fire.
func New(cfg Config, deps Deps) (*Scheduler, error) {
	cfg.setDefaults()
	if deps.Domains == nil || deps.Runs == nil || deps.Pages == nil || deps.Gaps == nil {
		return nil, fmt.Errorf("scheduler requires domain, run, page, and gap stores")
	}
	if deps.Sources == nil {
		return nil, fmt.Errorf("scheduler requires a source factory")
	}
	if deps.Analyzer == nil || deps.Classifier == nil {
		return nil, fmt.Errorf("scheduler requires analyzer and classifier")
	}
	if deps.Clock == nil || deps.IDs == nil || deps.Hasher == nil {
		return nil, fmt.Errorf("scheduler requires clock, id generator, and hasher")
	}
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}
	baseCtx, baseCancel := context.WithCancel(context.Background())
	return &Scheduler{
		cfg:        cfg,
		deps:       deps,
		sem:        make(chan struct{}, cfg.Workers),
		locked:     make(map[string]struct{}),
		cancels:    make(map[string]context.CancelFunc),
		baseCtx:    baseCtx,
		baseCancel: baseCancel,
	}, nil
}

// Start begins the periodic tick.
func (s *Scheduler) Start() error {
	if s.cron != nil {
		return fmt.Errorf("scheduler already started")
	}
	s.cron = cron.New()
	spec := fmt.Sprintf("@every %s", s.cfg.TickInterval)
	if _, err := s.cron.AddFunc(spec, s.tick); err != nil {
		return fmt.Errorf("schedule tick: %w", err)
	}
	s.cron.Start()
	s.deps.Logger.Info("scheduler started", zap.Duration("tick", s.cfg.TickInterval))
	return nil
}

// Stop halts the tick and waits for in-flight runs until ctx expires, then
// cancels whatever is still running and waits for it to unwind.
func (s *Scheduler) Stop(ctx context.Context) error {
	if s.cron != nil {
		<-s.cron.Stop().Done()
	}
	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		s.baseCancel()
		<-done
		return fmt.Errorf("scheduler stop: %w", ctx.Err())
	}
}

// tick starts a scheduled run for every due domain. A domain already running
// is silently skipped.
func (s *Scheduler) tick() {
	now := s.deps.Clock.Now()
	due, err := s.deps.Domains.ListDueDomains(s.baseCtx, now)
	if err != nil {
		s.deps.Logger.Error("list due domains", zap.Error(err))
		return
	}
	for _, domain := range due {
		_, err := s.Trigger(s.baseCtx, TriggerRequest{DomainID: domain.ID, Type: archiver.RunTypeScheduled})
		if err != nil && !errors.Is(err, archiver.ErrLockConflict) {
			s.deps.Logger.Warn("scheduled trigger failed",
				zap.String("domain", domain.Name),
				zap.Error(err),
			)
		}
	}
}

// Trigger admits and launches one run. It returns ErrLockConflict when the
// domain already has a run in flight, without queueing.
func (s *Scheduler) Trigger(ctx context.Context, req TriggerRequest) (archiver.IncrementalRun, error) {
	domain, err := s.deps.Domains.GetDomain(ctx, req.DomainID)
	if err != nil {
		return archiver.IncrementalRun{}, fmt.Errorf("load domain: %w", err)
	}
	if !domain.Enabled {
		return archiver.IncrementalRun{}, fmt.Errorf("domain %s is disabled", domain.Name)
	}
	if req.Type == "" {
		req.Type = archiver.RunTypeManual
	}

	if !s.acquire(domain.ID) {
		return archiver.IncrementalRun{}, archiver.ErrLockConflict
	}
	admitted := false
	defer func() {
		if !admitted {
			s.release(domain.ID)
		}
	}()

	// The in-process lock covers this instance; the store check covers
	// restarts and other instances.
	if _, err := s.deps.Runs.ActiveRun(ctx, domain.ID); err == nil {
		return archiver.IncrementalRun{}, archiver.ErrLockConflict
	} else if !errors.Is(err, archiver.ErrNotFound) {
		return archiver.IncrementalRun{}, fmt.Errorf("check active run: %w", err)
	}

	now := s.deps.Clock.Now()
	intervals, err := s.planIntervals(ctx, domain, req, now)
	if err != nil {
		return archiver.IncrementalRun{}, err
	}

	runID, err := s.deps.IDs.NewID()
	if err != nil {
		return archiver.IncrementalRun{}, fmt.Errorf("new run id: %w", err)
	}
	run := archiver.IncrementalRun{
		ID:            runID,
		DomainID:      domain.ID,
		Type:          req.Type,
		Status:        archiver.RunStatusPending,
		CoverageStart: intervals[0].from,
		CoverageEnd:   intervals[len(intervals)-1].to,
		CreatedAt:     now,
	}
	if err := s.deps.Runs.CreateRun(ctx, run); err != nil {
		return archiver.IncrementalRun{}, fmt.Errorf("create run: %w", err)
	}

	admitted = true
	runCtx, cancel := context.WithCancel(s.baseCtx)
	s.registerCancel(run.ID, cancel)
	s.wg.Add(1)
	go s.launch(runCtx, run, domain, intervals, req.PriorityBoost)
	return run, nil
}

// FillGaps admits one gap-fill run over the named gaps, applying the page
// budget: gaps are admitted by priority score (highest first) until the
// budget is spent; the first gap that overflows is truncated from its end.
func (s *Scheduler) FillGaps(ctx context.Context, gapIDs []string) (archiver.IncrementalRun, error) {
	if len(gapIDs) == 0 {
		return archiver.IncrementalRun{}, fmt.Errorf("no gap ids provided")
	}
	gaps, err := s.deps.Gaps.GetGaps(ctx, gapIDs)
	if err != nil {
		return archiver.IncrementalRun{}, fmt.Errorf("load gaps: %w", err)
	}
	domainID := gaps[0].DomainID
	for _, gap := range gaps[1:] {
		if gap.DomainID != domainID {
			return archiver.IncrementalRun{}, fmt.Errorf("gap fill spans multiple domains")
		}
	}
	domain, err := s.deps.Domains.GetDomain(ctx, domainID)
	if err != nil {
		return archiver.IncrementalRun{}, fmt.Errorf("load domain: %w", err)
	}

	budget := domain.Config.MaxPagesPerRun
	if budget <= 0 {
		budget = s.cfg.MaxPagesPerRun
	}
	admitted := truncateToBudget(gaps, budget)
	if len(admitted) == 0 {
		return archiver.IncrementalRun{}, fmt.Errorf("page budget %d admits no gaps", budget)
	}

	return s.Trigger(ctx, TriggerRequest{
		DomainID: domainID,
		Type:     archiver.RunTypeGapFill,
		Gaps:     admitted,
	})
}

// Cancel requests cooperative cancellation of a run. Pending runs are marked
// cancelled directly; running ones get their context cancelled and finish
// through the executor. The domain lock is held until the launched goroutine
// unwinds, so a cancelled-while-queued run never resurrects and never leaks
// the single-flight guarantee.
func (s *Scheduler) Cancel(ctx context.Context, runID string) error {
	s.mu.Lock()
	cancel, owned := s.cancels[runID]
	s.mu.Unlock()

	run, err := s.deps.Runs.GetRun(ctx, runID)
	if err != nil {
		return fmt.Errorf("load run: %w", err)
	}
	if run.Status.Terminal() {
		return fmt.Errorf("run %s already %s", runID, run.Status)
	}
	if owned {
		cancel()
	}
	if run.Status == archiver.RunStatusPending {
		now := s.deps.Clock.Now()
		run.Status = archiver.RunStatusCancelled
		run.FinishedAt = &now
		if err := s.deps.Runs.UpdateRun(ctx, run); err != nil {
			return fmt.Errorf("cancel run: %w", err)
		}
		if !owned {
			// No goroutine holds the lock for this run (stale row from a
			// previous process), so nothing else will release it.
			s.release(run.DomainID)
		}
		return nil
	}
	if !owned {
		return fmt.Errorf("run %s is executing outside this scheduler", runID)
	}
	return nil
}

// planIntervals derives the capture-listing spans for a run.
func (s *Scheduler) planIntervals(ctx context.Context, domain archiver.Domain, req TriggerRequest, now time.Time) ([]interval, error) {
	if req.Type == archiver.RunTypeGapFill {
		if len(req.Gaps) == 0 {
			return nil, fmt.Errorf("gap fill run requires gaps")
		}
		intervals := make([]interval, 0, len(req.Gaps))
		for _, gap := range req.Gaps {
			intervals = append(intervals, interval{from: gap.GapStart, to: gap.GapEnd})
		}
		sort.Slice(intervals, func(i, j int) bool { return intervals[i].from.Before(intervals[j].from) })
		return intervals, nil
	}

	if req.ForceFullCoverage {
		return []interval{{from: now.Add(-s.cfg.InitialHistory), to: now}}, nil
	}

	timestamps, err := s.deps.Pages.CaptureTimestamps(ctx, domain.ID)
	if err != nil {
		return nil, fmt.Errorf("load capture timestamps: %w", err)
	}
	if len(timestamps) == 0 {
		// First contact with this domain: reach back through the configured
		// initial history.
		return []interval{{from: now.Add(-s.cfg.InitialHistory), to: now}}, nil
	}

	overlap := time.Duration(domain.Config.OverlapDays) * 24 * time.Hour
	if overlap <= 0 {
		overlap = 30 * 24 * time.Hour
	}
	last := timestamps[len(timestamps)-1]
	from := last.Add(-overlap)
	if from.After(now) {
		from = now.Add(-overlap)
	}
	return []interval{{from: from, to: now}}, nil
}

// truncateToBudget admits gaps by priority score until the estimated page
// budget is spent. The first overflowing gap is shortened from its end in
// proportion to the remaining budget; later gaps are dropped.
func truncateToBudget(gaps []archiver.CoverageGap, budget int) []archiver.CoverageGap {
	sorted := make([]archiver.CoverageGap, len(gaps))
	copy(sorted, gaps)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].PriorityScore > sorted[j].PriorityScore })

	var admitted []archiver.CoverageGap
	remaining := budget
	for _, gap := range sorted {
		if remaining <= 0 {
			break
		}
		estimate := gap.EstimatedPages
		if estimate <= 0 {
			estimate = 1
		}
		if estimate <= remaining {
			admitted = append(admitted, gap)
			remaining -= estimate
			continue
		}
		// Partial admission: keep the leading share of the interval.
		share := float64(remaining) / float64(estimate)
		span := gap.GapEnd.Sub(gap.GapStart)
		gap.GapEnd = gap.GapStart.Add(time.Duration(float64(span) * share))
		gap.EstimatedPages = remaining
		gap.DaysMissing = gap.GapEnd.Sub(gap.GapStart).Hours() / 24
		admitted = append(admitted, gap)
		remaining = 0
	}
	return admitted
}

func (s *Scheduler) acquire(domainID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, held := s.locked[domainID]; held {
		return false
	}
	s.locked[domainID] = struct{}{}
	return true
}

func (s *Scheduler) release(domainID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.locked, domainID)
}

func (s *Scheduler) registerCancel(runID string, cancel context.CancelFunc) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cancels[runID] = cancel
}

// unregisterCancel removes and fires the run's cancel func, releasing the
// context's resources.
func (s *Scheduler) unregisterCancel(runID string) {
	s.mu.Lock()
	cancel, ok := s.cancels[runID]
	delete(s.cancels, runID)
	s.mu.Unlock()
	if ok {
		cancel()
	}
}
