package scheduler

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/pagetrail/pagetrail/internal/archiver"
	"github.com/pagetrail/pagetrail/internal/coverage"
	"github.com/pagetrail/pagetrail/internal/metrics"
	"github.com/pagetrail/pagetrail/internal/pagestate"
	"github.com/pagetrail/pagetrail/internal/progress"
)

const (
	defaultMaxRetries = 3
	finishTimeout     = 30 * time.Second
)

// retryItem tracks a page parked in retry status during this run.
type retryItem struct {
	pageID string
	rec    archiver.CaptureRecord
}

// launch runs the executor on a worker slot. ctx is the run's own cancellable
// context, registered for Cancel before this goroutine starts so a run can be
// cancelled while it is still queued for a slot. The domain lock and cancel
// registration are held until the goroutine unwinds.
func (s *Scheduler) launch(ctx context.Context, run archiver.IncrementalRun, domain archiver.Domain, intervals []interval, priorityBoost bool) {
	defer s.wg.Done()
	defer s.release(domain.ID)
	defer s.unregisterCancel(run.ID)

	select {
	case s.sem <- struct{}{}:
	case <-ctx.Done():
		s.finishWithoutStart(run)
		return
	}
	defer func() { <-s.sem }()

	runCtx, cancel := context.WithTimeout(ctx, s.cfg.RunTimeout)
	defer cancel()

	s.execute(runCtx, run, domain, intervals, priorityBoost)
}

// finishWithoutStart marks a run cancelled when its context ended before a
// worker slot freed up. Cancel usually wrote the terminal status already;
// this covers shutdown while queued.
func (s *Scheduler) finishWithoutStart(run archiver.IncrementalRun) {
	ctx, cancel := context.WithTimeout(context.Background(), finishTimeout)
	defer cancel()
	fresh, err := s.deps.Runs.GetRun(ctx, run.ID)
	if err != nil || fresh.Status.Terminal() {
		return
	}
	now := s.deps.Clock.Now()
	fresh.Status = archiver.RunStatusCancelled
	fresh.FinishedAt = &now
	if err := s.deps.Runs.UpdateRun(ctx, fresh); err != nil {
		s.deps.Logger.Error("cancel queued run", zap.String("run_id", run.ID), zap.Error(err))
	}
}

func (s *Scheduler) execute(ctx context.Context, run archiver.IncrementalRun, domain archiver.Domain, intervals []interval, priorityBoost bool) {
	logger := s.deps.Logger.With(
		zap.String("run_id", run.ID),
		zap.String("domain", domain.Name),
		zap.String("run_type", string(run.Type)),
	)

	// A run cancelled while it waited for a worker slot is already terminal
	// in the store and must not start.
	guardCtx, guardCancel := context.WithTimeout(context.Background(), finishTimeout)
	fresh, err := s.deps.Runs.GetRun(guardCtx, run.ID)
	guardCancel()
	if err == nil && fresh.Status.Terminal() {
		logger.Info("run finished before execution", zap.String("status", string(fresh.Status)))
		return
	}

	started := s.deps.Clock.Now()
	run.Status = archiver.RunStatusRunning
	run.StartedAt = &started
	if err := s.deps.Runs.UpdateRun(ctx, run); err != nil {
		logger.Error("mark run running", zap.Error(err))
	}
	metrics.IncActiveRuns()
	defer metrics.DecActiveRuns()
	s.emit(progress.Event{
		RunID:  runEventID(run.ID),
		TS:     started,
		Stage:  progress.StageRunStart,
		Domain: domain.Name,
	})

	runErr := s.walkIntervals(ctx, &run, domain, intervals, priorityBoost, logger)

	finished := s.deps.Clock.Now()
	run.FinishedAt = &finished
	switch {
	case runErr == nil:
		run.Status = archiver.RunStatusCompleted
	case errors.Is(runErr, context.DeadlineExceeded):
		run.Status = archiver.RunStatusFailed
		run.ErrorText = "run exceeded wall-clock ceiling"
	case errors.Is(runErr, context.Canceled):
		run.Status = archiver.RunStatusCancelled
	default:
		run.Status = archiver.RunStatusFailed
		run.ErrorText = runErr.Error()
	}

	// Final writes must land even when the run context is gone.
	finishCtx, cancel := context.WithTimeout(context.Background(), finishTimeout)
	defer cancel()

	if run.Status == archiver.RunStatusCompleted {
		if err := s.deps.Domains.TouchLastRun(finishCtx, domain.ID, finished); err != nil {
			logger.Warn("touch last run", zap.Error(err))
		}
		surviving, ok := s.reanalyzeCoverage(finishCtx, domain, run, logger)
		if run.Type == archiver.RunTypeGapFill && ok {
			// A gap counts as filled only when re-analysis shows nothing
			// left inside its interval.
			run.GapsFilled = gapsFilled(intervals, surviving)
		}
	}

	if err := s.deps.Runs.UpdateRun(finishCtx, run); err != nil {
		logger.Error("finalize run", zap.Error(err))
	}
	metrics.ObserveRunFinished(string(run.Type), string(run.Status))

	stage := progress.StageRunDone
	if run.Status != archiver.RunStatusCompleted {
		stage = progress.StageRunError
	}
	s.emit(progress.Event{
		RunID:  runEventID(run.ID),
		TS:     finished,
		Stage:  stage,
		Domain: domain.Name,
		Status: string(run.Status),
		Pages:  int64(run.PagesProcessed),
		Dur:    finished.Sub(started),
		Note:   run.ErrorText,
	})
	logger.Info("run finished",
		zap.String("status", string(run.Status)),
		zap.Int("pages_discovered", run.PagesDiscovered),
		zap.Int("pages_processed", run.PagesProcessed),
	)
}

// walkIntervals lists captures across the run's intervals and processes each
// newly discovered page, then re-walks retry pages.
func (s *Scheduler) walkIntervals(ctx context.Context, run *archiver.IncrementalRun, domain archiver.Domain, intervals []interval, priorityBoost bool, logger *zap.Logger) error {
	src, err := s.deps.Sources(domain.Config)
	if err != nil {
		return fmt.Errorf("build archive source: %w", err)
	}
	rules, err := s.listRules(ctx, domain.ID)
	if err != nil {
		return err
	}

	budget := domain.Config.MaxPagesPerRun
	if budget <= 0 {
		budget = s.cfg.MaxPagesPerRun
	}

	var retries []retryItem
	for _, span := range intervals {
		if run.PagesDiscovered >= budget {
			break
		}
		if err := s.walkInterval(ctx, run, domain, src, rules, span, budget, priorityBoost, &retries, logger); err != nil {
			return err
		}
	}

	for pass := 0; pass < s.cfg.RetryPasses && len(retries) > 0; pass++ {
		retries = s.retryPass(ctx, run, domain, src, rules, retries, logger)
		if ctx.Err() != nil {
			return ctx.Err()
		}
	}
	// Retries still parked after the final pass stay in retry status for the
	// next run.
	return ctx.Err()
}

func (s *Scheduler) walkInterval(
	ctx context.Context,
	run *archiver.IncrementalRun,
	domain archiver.Domain,
	src archiver.ArchiveSource,
	rules []archiver.FilterRule,
	span interval,
	budget int,
	priorityBoost bool,
	retries *[]retryItem,
	logger *zap.Logger,
) error {
	token := ""
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		result, err := src.ListCaptures(ctx, archiver.ListRequest{
			Domain:    domain.Name,
			From:      span.from,
			To:        span.to,
			PageToken: token,
			Limit:     s.cfg.ListPageSize,
		})
		if err != nil {
			return fmt.Errorf("list captures: %w", err)
		}

		for _, rec := range result.Captures {
			if run.PagesDiscovered >= budget {
				return nil
			}
			page, created, err := s.discoverPage(ctx, run, domain, rec, priorityBoost)
			if err != nil {
				return err
			}
			if !created {
				continue
			}
			run.PagesDiscovered++
			if err := s.processPage(ctx, run, domain, src, rules, page, rec, retries, logger); err != nil {
				return err
			}
		}

		token = result.NextPageToken
		if token == "" {
			return nil
		}
	}
}

// discoverPage creates a pending page for the capture. Already-known
// (domain, url, timestamp) tuples report created=false.
func (s *Scheduler) discoverPage(ctx context.Context, run *archiver.IncrementalRun, domain archiver.Domain, rec archiver.CaptureRecord, priorityBoost bool) (archiver.Page, bool, error) {
	pageID, err := s.deps.IDs.NewID()
	if err != nil {
		return archiver.Page{}, false, fmt.Errorf("new page id: %w", err)
	}
	score := 0.0
	if priorityBoost {
		score = 1
	}
	page := archiver.Page{
		ID:               pageID,
		DomainID:         domain.ID,
		RunID:            run.ID,
		OriginalURL:      rec.URL,
		CaptureTimestamp: rec.Timestamp,
		Status:           archiver.PageStatusPending,
		PriorityScore:    score,
		MaxRetries:       defaultMaxRetries,
		DiscoveredAt:     s.deps.Clock.Now(),
		Version:          1,
	}
	created, err := s.deps.Pages.CreatePage(ctx, page)
	if err != nil {
		return archiver.Page{}, false, fmt.Errorf("create page: %w", err)
	}
	return page, created, nil
}

// processPage walks one page through fetch, classification, and persistence.
// Backend exhaustion aborts the run; page-level failures are absorbed into
// the page status.
func (s *Scheduler) processPage(
	ctx context.Context,
	run *archiver.IncrementalRun,
	domain archiver.Domain,
	src archiver.ArchiveSource,
	rules []archiver.FilterRule,
	page archiver.Page,
	rec archiver.CaptureRecord,
	retries *[]retryItem,
	logger *zap.Logger,
) error {
	if err := pagestate.Transition(&page, archiver.PageStatusInProgress); err != nil {
		return fmt.Errorf("page %s: %w", page.ID, err)
	}
	page, err := s.savePage(ctx, page)
	if err != nil {
		if errors.Is(err, errOverridden) {
			return nil
		}
		return err
	}

	body, fetchErr := src.FetchContent(ctx, rec)
	if fetchErr != nil {
		if errors.Is(fetchErr, archiver.ErrSourceUnavailable) || errors.Is(fetchErr, archiver.ErrRateLimited) || ctx.Err() != nil {
			// Backend-level failure: not this page's fault.
			return fetchErr
		}
		return s.recordPageError(ctx, run, domain, page, rec, fetchErr, retries, logger)
	}

	digest, err := s.deps.Hasher.Hash(body)
	if err != nil {
		return fmt.Errorf("hash content: %w", err)
	}
	page.Digest = digest

	decision, err := s.deps.Classifier.Classify(page, rec, body, rules, func(d string) (bool, error) {
		return s.deps.Pages.HasDigest(ctx, domain.ID, d, page.ID)
	})
	if err != nil {
		return fmt.Errorf("classify page %s: %w", page.ID, err)
	}
	page.PriorityScore += decision.PriorityDelta

	now := s.deps.Clock.Now()
	if decision.Filtered {
		if err := pagestate.Transition(&page, decision.Status); err != nil {
			return fmt.Errorf("page %s: %w", page.ID, err)
		}
		page.FilterReason = decision.Reason
		page.FilterCategory = decision.Category
		page.FilterDetails = decision.Details
	} else {
		uri, err := s.storeContent(ctx, domain, page, rec, body)
		if err != nil {
			return err
		}
		page.ContentURL = uri
		if err := pagestate.Transition(&page, archiver.PageStatusCompleted); err != nil {
			return fmt.Errorf("page %s: %w", page.ID, err)
		}
	}
	page.ProcessedAt = &now
	page.ErrorMessage = ""
	page.ErrorType = ""

	page, err = s.savePage(ctx, page)
	if err != nil {
		if errors.Is(err, errOverridden) {
			return nil
		}
		return err
	}
	run.PagesProcessed++
	s.emitPage(domain, page, len(body))
	return nil
}

// recordPageError converts a fetch failure into the page's terminal or
// retry status per the error taxonomy.
func (s *Scheduler) recordPageError(
	ctx context.Context,
	run *archiver.IncrementalRun,
	domain archiver.Domain,
	page archiver.Page,
	rec archiver.CaptureRecord,
	fetchErr error,
	retries *[]retryItem,
	logger *zap.Logger,
) error {
	page.ErrorMessage = fetchErr.Error()
	page.ErrorType = archiver.ErrorType(fetchErr)

	var target archiver.PageStatus
	switch {
	case archiver.IsTransient(fetchErr) && page.RetryCount < page.MaxRetries:
		page.RetryCount++
		page.RecoverableError = true
		target = archiver.PageStatusRetry
	case archiver.IsTransient(fetchErr):
		page.RecoverableError = true
		target = archiver.PageStatusFailed
	default:
		// Parse errors and anything unclassified are not retryable.
		page.RecoverableError = false
		target = archiver.PageStatusFailed
	}
	if err := pagestate.Transition(&page, target); err != nil {
		return fmt.Errorf("page %s: %w", page.ID, err)
	}
	if target == archiver.PageStatusFailed {
		now := s.deps.Clock.Now()
		page.ProcessedAt = &now
	}

	page, err := s.savePage(ctx, page)
	if err != nil {
		if errors.Is(err, errOverridden) {
			return nil
		}
		return err
	}
	if target == archiver.PageStatusRetry {
		*retries = append(*retries, retryItem{pageID: page.ID, rec: rec})
	} else {
		run.PagesProcessed++
	}
	logger.Debug("page errored",
		zap.String("page_id", page.ID),
		zap.String("status", string(page.Status)),
		zap.String("error_type", page.ErrorType),
	)
	s.emitPage(domain, page, 0)
	return nil
}

// retryPass re-processes pages parked in retry status, returning the subset
// still parked afterwards.
func (s *Scheduler) retryPass(
	ctx context.Context,
	run *archiver.IncrementalRun,
	domain archiver.Domain,
	src archiver.ArchiveSource,
	rules []archiver.FilterRule,
	items []retryItem,
	logger *zap.Logger,
) []retryItem {
	var still []retryItem
	for _, item := range items {
		if ctx.Err() != nil {
			return still
		}
		page, err := s.deps.Pages.GetPage(ctx, item.pageID)
		if err != nil || page.Status != archiver.PageStatusRetry || page.ManuallyOverridden {
			continue
		}
		var inner []retryItem
		if err := s.processPage(ctx, run, domain, src, rules, page, item.rec, &inner, logger); err != nil {
			logger.Warn("retry pass aborted", zap.String("page_id", item.pageID), zap.Error(err))
			return append(still, items...)
		}
		still = append(still, inner...)
	}
	return still
}

// errOverridden marks a write abandoned because a manual override appeared
// mid-flight; the automated writer always loses that race.
var errOverridden = errors.New("page manually overridden mid-run")

// savePage writes the page under optimistic versioning. Losing the race to
// a manual override abandons the write; losing to another automated writer
// retries once against the fresh version.
func (s *Scheduler) savePage(ctx context.Context, page archiver.Page) (archiver.Page, error) {
	saved, err := s.deps.Pages.UpdatePage(ctx, page, page.Version)
	if err == nil {
		return saved, nil
	}
	if !errors.Is(err, archiver.ErrVersionConflict) {
		return archiver.Page{}, fmt.Errorf("update page %s: %w", page.ID, err)
	}
	fresh, getErr := s.deps.Pages.GetPage(ctx, page.ID)
	if getErr != nil {
		return archiver.Page{}, fmt.Errorf("reload page %s: %w", page.ID, getErr)
	}
	if fresh.ManuallyOverridden {
		return archiver.Page{}, errOverridden
	}
	page.Version = fresh.Version
	saved, err = s.deps.Pages.UpdatePage(ctx, page, page.Version)
	if err != nil {
		return archiver.Page{}, fmt.Errorf("update page %s after conflict: %w", page.ID, err)
	}
	return saved, nil
}

// storeContent writes the fetched body to the blob store.
func (s *Scheduler) storeContent(ctx context.Context, domain archiver.Domain, page archiver.Page, rec archiver.CaptureRecord, body []byte) (string, error) {
	if s.deps.Blobs == nil {
		return "", nil
	}
	path := fmt.Sprintf("%s/%s/%s.html", domain.Name, rec.Timestamp.UTC().Format("20060102150405"), page.ID)
	uri, err := s.deps.Blobs.PutObject(ctx, path, rec.MimeType, body)
	if err != nil {
		return "", fmt.Errorf("store content for page %s: %w", page.ID, err)
	}
	return uri, nil
}

// reanalyzeCoverage recomputes the gaps intersecting the run's window and
// swaps them in the gap store. It returns the surviving in-window gaps and
// whether the analysis landed.
func (s *Scheduler) reanalyzeCoverage(ctx context.Context, domain archiver.Domain, run archiver.IncrementalRun, logger *zap.Logger) ([]archiver.CoverageGap, bool) {
	timestamps, err := s.deps.Pages.CaptureTimestamps(ctx, domain.ID)
	if err != nil {
		logger.Error("load capture timestamps", zap.Error(err))
		return nil, false
	}
	pagesPerDay, err := s.deps.Pages.PagesPerDay(ctx, domain.ID)
	if err != nil {
		logger.Error("estimate page density", zap.Error(err))
		return nil, false
	}
	now := s.deps.Clock.Now()
	gaps, windowStart, windowEnd, err := s.deps.Analyzer.AnalyzeWindow(
		domain, timestamps, pagesPerDay, now, run.CoverageStart, run.CoverageEnd)
	if err != nil {
		logger.Error("analyze coverage", zap.Error(err))
		return nil, false
	}
	if err := s.deps.Gaps.ReplaceGaps(ctx, domain.ID, windowStart, windowEnd, gaps); err != nil {
		logger.Error("replace gaps", zap.Error(err))
		return nil, false
	}

	allGaps, err := s.deps.Gaps.ListGaps(ctx, domain.ID)
	if err != nil {
		logger.Error("list gaps", zap.Error(err))
		return gaps, true
	}
	pct := coverage.Percentage(timestamps, allGaps, now)
	metrics.ObserveCoverage(domain.Name, len(allGaps), pct)
	s.emit(progress.Event{
		RunID:       runEventID(run.ID),
		TS:          now,
		Stage:       progress.StageGapAnalysis,
		Domain:      domain.Name,
		Gaps:        len(allGaps),
		CoveragePct: pct,
	})
	return gaps, true
}

// gapsFilled counts the run intervals no surviving gap intersects.
func gapsFilled(intervals []interval, surviving []archiver.CoverageGap) int {
	filled := 0
	for _, span := range intervals {
		open := false
		for _, gap := range surviving {
			if gap.GapStart.Before(span.to) && gap.GapEnd.After(span.from) {
				open = true
				break
			}
		}
		if !open {
			filled++
		}
	}
	return filled
}

func (s *Scheduler) listRules(ctx context.Context, domainID string) ([]archiver.FilterRule, error) {
	if s.deps.Rules == nil {
		return nil, nil
	}
	rules, err := s.deps.Rules.ListRules(ctx, domainID)
	if err != nil {
		return nil, fmt.Errorf("list filter rules: %w", err)
	}
	return rules, nil
}

func (s *Scheduler) emit(evt progress.Event) {
	if s.deps.Hub != nil {
		s.deps.Hub.Emit(evt)
	}
}

func (s *Scheduler) emitPage(domain archiver.Domain, page archiver.Page, bytes int) {
	metrics.ObservePage(domain.Name, string(page.Status), bytes)
	s.emit(progress.Event{
		RunID:    runEventID(page.RunID),
		TS:       s.deps.Clock.Now(),
		Stage:    progress.StagePageStatus,
		Domain:   domain.Name,
		DomainID: domain.ID,
		URL:      page.OriginalURL,
		Status:   string(page.Status),
		Bytes:    int64(bytes),
	})
}

// runEventID converts a string run ID into the event hub's binary form;
// non-UUID IDs produce the zero ID, which the hub treats as absent.
func runEventID(id string) [16]byte {
	var out [16]byte
	parsed, err := uuid.Parse(id)
	if err != nil {
		return out
	}
	copy(out[:], parsed[:])
	return out
}
