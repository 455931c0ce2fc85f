// Package main hosts the archiver service entrypoint.
//
// Architecture overview:
//   - HTTP API: internal/api.Server exposes health, metrics, domain status and
//     configuration, run trigger/cancel, gap fill, and bulk page management
//     endpoints behind optional API-key auth.
//   - Scheduler: internal/scheduler ticks on a cron cadence, admits due domains
//     under a per-domain lock, plans coverage intervals (initial history,
//     incremental overlap, or explicit gaps), and executes runs on a bounded
//     worker pool. Context cancellation stops runs cleanly on shutdown.
//   - Archive sources: Wayback Machine CDX and Common Crawl index clients sit
//     behind a fallback controller with per-backend circuit breakers for
//     hybrid-mode domains. Listing and content fetches are rate limited per
//     backend.
//   - Page pipeline: fetched captures are hashed, classified by the automated
//     filters (duplicates, list pages, thin content, size and MIME bounds,
//     operator rules), and walked through the page state machine. Manual
//     overrides always win over automated writers via optimistic versioning.
//   - Persistence & fanout: snapshot bytes land in the configured BlobStore
//     (memory/local/GCS); metadata lives in Postgres or in-memory stores;
//     lifecycle events are batched through the progress Hub to log, Prometheus,
//     and optional Pub/Sub sinks.
//   - Configuration & plumbing: Viper populates config from env/files with the
//     PAGETRAIL_ prefix; zap provides structured logging; Prometheus metrics
//     are exported via the /metrics handler.
//
// Operational notes:
//   - Concurrency model: bounded run semaphore sized by scheduler.workers;
//     one in-flight run per domain. Shutdown drains HTTP first, then waits for
//     in-flight runs, then flushes the event hub.
//   - Rate limiting: per-backend x/time/rate limiters on archive requests;
//     breakers trip after consecutive backend failures and re-probe after the
//     configured cooldown.
//   - Run locally: go run ./cmd/pagetrail -config config.yaml (or rely solely
//     on PAGETRAIL_* env overrides).
package main
