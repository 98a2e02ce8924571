// Package api hosts the HTTP server, middleware and REST handlers. Routes:
//   - GET /healthz and /readyz for probes.
//   - GET /metrics for Prometheus scraping.
//   - POST /v1/batches runs one batch synchronously and returns its result.
//   - GET /v1/batches, /v1/batches/{batch_id} and /v1/batches/{batch_id}/sites
//     read batch history through store.ProgressRepository.
package api
