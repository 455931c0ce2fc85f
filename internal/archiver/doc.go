// Package archiver defines the core domain types and capability interfaces
// shared across the archival scraping engine: domains under archival, capture
// listings from the backing web archives, coverage gaps, incremental runs,
// and the per-page processing state model.
package archiver
