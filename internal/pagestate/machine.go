// Package pagestate enforces the page status model: the transition table for
// automated processing, and the manual override/restore paths.
package pagestate

import (
	"fmt"

	"github.com/pagetrail/pagetrail/internal/archiver"
)

// transitions is the closed set of allowed status moves. Transitions absent
// here are rejected at the boundary rather than trusted to callers.
// manually_approved is reachable only through OverrideFilter and left only
// through RestoreFilter.
var transitions = map[archiver.PageStatus][]archiver.PageStatus{
	archiver.PageStatusPending: {
		archiver.PageStatusInProgress,
		archiver.PageStatusSkipped,
		archiver.PageStatusAwaitingReview,
	},
	archiver.PageStatusInProgress: {
		archiver.PageStatusCompleted,
		archiver.PageStatusFailed,
		archiver.PageStatusRetry,
		archiver.PageStatusSkipped,
		archiver.PageStatusFilteredDuplicate,
		archiver.PageStatusFilteredListPage,
		archiver.PageStatusFilteredLowQuality,
		archiver.PageStatusFilteredSize,
		archiver.PageStatusFilteredType,
		archiver.PageStatusFilteredCustom,
		archiver.PageStatusAwaitingReview,
	},
	archiver.PageStatusRetry: {
		archiver.PageStatusInProgress,
		archiver.PageStatusFailed,
		archiver.PageStatusSkipped,
		archiver.PageStatusPending,
	},
	archiver.PageStatusFailed: {
		archiver.PageStatusPending,
		archiver.PageStatusSkipped,
		archiver.PageStatusAwaitingReview,
	},
	archiver.PageStatusSkipped: {
		archiver.PageStatusPending,
		archiver.PageStatusAwaitingReview,
	},
	archiver.PageStatusCompleted:        {},
	archiver.PageStatusAwaitingReview:   {},
	archiver.PageStatusManuallyApproved: {},
}

// filtered pages may only be sent to review (manual_process) or approved via
// the override path; the table entry covers the review move.
func init() {
	for _, s := range []archiver.PageStatus{
		archiver.PageStatusFilteredDuplicate,
		archiver.PageStatusFilteredListPage,
		archiver.PageStatusFilteredLowQuality,
		archiver.PageStatusFilteredSize,
		archiver.PageStatusFilteredType,
		archiver.PageStatusFilteredCustom,
	} {
		transitions[s] = []archiver.PageStatus{archiver.PageStatusAwaitingReview}
	}
}

// CanTransition reports whether from → to appears in the transition table.
func CanTransition(from, to archiver.PageStatus) bool {
	for _, allowed := range transitions[from] {
		if allowed == to {
			return true
		}
	}
	return false
}

// Transition applies a table-checked status move to the page. It refuses any
// automated move on a page that carries a manual override.
func Transition(page *archiver.Page, to archiver.PageStatus) error {
	if page.ManuallyOverridden {
		return fmt.Errorf("%w: page %s is manually overridden", archiver.ErrInvalidTransition, page.ID)
	}
	if !to.Valid() {
		return fmt.Errorf("%w: unknown status %q", archiver.ErrInvalidTransition, to)
	}
	if !CanTransition(page.Status, to) {
		return fmt.Errorf("%w: %s -> %s", archiver.ErrInvalidTransition, page.Status, to)
	}
	page.Status = to
	return nil
}

// OverrideFilter moves a filtered or review-pending page to manually_approved,
// freezing the prior status in original_filter_decision.
func OverrideFilter(page *archiver.Page) error {
	if page.ManuallyOverridden {
		return fmt.Errorf("%w: page %s already overridden", archiver.ErrInvalidTransition, page.ID)
	}
	if !page.Status.Overridable() {
		return fmt.Errorf("%w: %s cannot be overridden", archiver.ErrInvalidTransition, page.Status)
	}
	prior := page.Status
	page.OriginalFilterDecision = &prior
	page.ManuallyOverridden = true
	page.Status = archiver.PageStatusManuallyApproved
	return nil
}

// RestoreFilter reverses an override, reinstating the frozen automated
// decision. This is the only path that moves a page backward from
// manually_approved.
func RestoreFilter(page *archiver.Page) error {
	if !page.ManuallyOverridden || page.Status != archiver.PageStatusManuallyApproved {
		return fmt.Errorf("%w: page %s has no override to restore", archiver.ErrInvalidTransition, page.ID)
	}
	if page.OriginalFilterDecision == nil {
		return fmt.Errorf("%w: page %s override missing original decision", archiver.ErrInvalidTransition, page.ID)
	}
	page.Status = *page.OriginalFilterDecision
	page.OriginalFilterDecision = nil
	page.ManuallyOverridden = false
	return nil
}
