// Package api hosts the HTTP server, middleware, and REST handlers for
// operator access. Notable routes:
//   - GET /healthz and /readyz for orchestrator probes.
//   - GET /metrics for Prometheus scraping.
//   - GET/PUT /v1/domains/{id}/... for domain status, config, gaps, history.
//   - POST /v1/trigger and /v1/gaps/fill for run admission.
//   - GET /v1/runs/{id} and POST /v1/runs/{id}/cancel for run lifecycle.
//   - POST /v1/pages/bulk/{action} for bulk page management.
package api
