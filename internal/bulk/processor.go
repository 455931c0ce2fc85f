// Package bulk applies operator actions across many pages at once. Each page
// is handled atomically on its own; one page's failure never blocks or rolls
// back the rest of the batch.
package bulk

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/pagetrail/pagetrail/internal/archiver"
	"github.com/pagetrail/pagetrail/internal/metrics"
	"github.com/pagetrail/pagetrail/internal/pagestate"
)

// Action is one of the supported bulk operations.
type Action string

// Supported bulk actions.
const (
	ActionRetry          Action = "retry"
	ActionSkip           Action = "skip"
	ActionPriority       Action = "priority"
	ActionManualProcess  Action = "manual_process"
	ActionOverrideFilter Action = "override_filter"
	ActionRestoreFilter  Action = "restore_filter"
	ActionViewErrors     Action = "view_errors"
)

// Valid reports whether the action is known.
func (a Action) Valid() bool {
	switch a {
	case ActionRetry, ActionSkip, ActionPriority, ActionManualProcess,
		ActionOverrideFilter, ActionRestoreFilter, ActionViewErrors:
		return true
	default:
		return false
	}
}

// Data carries action parameters supplied alongside the page IDs.
type Data struct {
	PriorityScore *float64 `json:"priority_score,omitempty"`
}

// PageError names one page that could not be processed.
type PageError struct {
	PageID string `json:"page_id"`
	Error  string `json:"error"`
}

// Result enumerates the batch outcome. Updated carries the post-action pages
// (for view_errors, the pages as read).
type Result struct {
	Updated []archiver.Page `json:"updated"`
	Errors  []PageError     `json:"errors"`
}

// writeAttempts bounds the optimistic-version retry loop per page.
const writeAttempts = 3

// Processor applies bulk actions against the page store.
type Processor struct {
	pages  archiver.PageStore
	logger *zap.Logger
}

// New constructs a Processor.
func New(pages archiver.PageStore, logger *zap.Logger) (*Processor, error) {
	if pages == nil {
		return nil, fmt.Errorf("page store is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Processor{pages: pages, logger: logger}, nil
}

// Apply runs one action over the named pages. The result reports every page
// individually; Apply itself errors only on an unknown action or empty batch.
func (p *Processor) Apply(ctx context.Context, action Action, pageIDs []string, data Data) (Result, error) {
	if !action.Valid() {
		return Result{}, fmt.Errorf("unknown bulk action %q", action)
	}
	if len(pageIDs) == 0 {
		return Result{}, fmt.Errorf("no page ids provided")
	}
	if action == ActionPriority && data.PriorityScore == nil {
		return Result{}, fmt.Errorf("priority action requires priority_score")
	}

	var result Result
	for _, id := range pageIDs {
		page, err := p.applyOne(ctx, action, id, data)
		if err != nil {
			result.Errors = append(result.Errors, PageError{PageID: id, Error: err.Error()})
			metrics.ObserveBulkAction(string(action), "error")
			continue
		}
		result.Updated = append(result.Updated, page)
		metrics.ObserveBulkAction(string(action), "ok")
	}
	p.logger.Info("bulk action applied",
		zap.String("action", string(action)),
		zap.Int("updated", len(result.Updated)),
		zap.Int("errors", len(result.Errors)),
	)
	return result, nil
}

// applyOne mutates a single page under the optimistic-version retry loop.
func (p *Processor) applyOne(ctx context.Context, action Action, pageID string, data Data) (archiver.Page, error) {
	var lastErr error
	for attempt := 0; attempt < writeAttempts; attempt++ {
		page, err := p.pages.GetPage(ctx, pageID)
		if err != nil {
			return archiver.Page{}, err
		}
		if action == ActionViewErrors {
			return page, nil
		}

		if err := mutate(&page, action, data); err != nil {
			return archiver.Page{}, err
		}

		saved, err := p.pages.UpdatePage(ctx, page, page.Version)
		if err == nil {
			return saved, nil
		}
		if !errors.Is(err, archiver.ErrVersionConflict) {
			return archiver.Page{}, err
		}
		lastErr = err
	}
	return archiver.Page{}, fmt.Errorf("page %s kept changing concurrently: %w", pageID, lastErr)
}

// mutate applies the action to the page in memory; the state machine rejects
// anything the transition table does not allow.
func mutate(page *archiver.Page, action Action, data Data) error {
	switch action {
	case ActionRetry:
		if err := pagestate.Transition(page, archiver.PageStatusPending); err != nil {
			return err
		}
		page.RetryCount = 0
		page.ErrorMessage = ""
		page.ErrorType = ""
		page.RecoverableError = false
		return nil

	case ActionSkip:
		return pagestate.Transition(page, archiver.PageStatusSkipped)

	case ActionPriority:
		page.PriorityScore = *data.PriorityScore
		return nil

	case ActionManualProcess:
		return pagestate.Transition(page, archiver.PageStatusAwaitingReview)

	case ActionOverrideFilter:
		return pagestate.OverrideFilter(page)

	case ActionRestoreFilter:
		return pagestate.RestoreFilter(page)

	default:
		return fmt.Errorf("unknown bulk action %q", action)
	}
}
