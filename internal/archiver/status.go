package archiver

// PageStatus is the processing state of a discovered page.
type PageStatus string

// Page statuses persisted in the page store. The allowed transitions between
// them are enforced by the pagestate package.
const (
	PageStatusPending            PageStatus = "pending"
	PageStatusInProgress         PageStatus = "in_progress"
	PageStatusCompleted          PageStatus = "completed"
	PageStatusFailed             PageStatus = "failed"
	PageStatusRetry              PageStatus = "retry"
	PageStatusSkipped            PageStatus = "skipped"
	PageStatusFilteredDuplicate  PageStatus = "filtered_duplicate"
	PageStatusFilteredListPage   PageStatus = "filtered_list_page"
	PageStatusFilteredLowQuality PageStatus = "filtered_low_quality"
	PageStatusFilteredSize       PageStatus = "filtered_size"
	PageStatusFilteredType       PageStatus = "filtered_type"
	PageStatusFilteredCustom     PageStatus = "filtered_custom"
	PageStatusAwaitingReview     PageStatus = "awaiting_manual_review"
	PageStatusManuallyApproved   PageStatus = "manually_approved"
)

// Filtered reports whether the status is one of the automated filter
// outcomes.
func (s PageStatus) Filtered() bool {
	switch s {
	case PageStatusFilteredDuplicate,
		PageStatusFilteredListPage,
		PageStatusFilteredLowQuality,
		PageStatusFilteredSize,
		PageStatusFilteredType,
		PageStatusFilteredCustom:
		return true
	default:
		return false
	}
}

// Overridable reports whether an operator may move the page to
// manually_approved via override_filter.
func (s PageStatus) Overridable() bool {
	return s.Filtered() || s == PageStatusAwaitingReview
}

// Valid reports whether the value is a known page status.
func (s PageStatus) Valid() bool {
	switch s {
	case PageStatusPending, PageStatusInProgress, PageStatusCompleted,
		PageStatusFailed, PageStatusRetry, PageStatusSkipped,
		PageStatusAwaitingReview, PageStatusManuallyApproved:
		return true
	default:
		return s.Filtered()
	}
}
