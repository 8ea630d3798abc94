// Package api hosts the HTTP server, middleware, and REST handlers for
// submitting and observing pipeline work. Notable routes:
//   - GET /healthz for liveness probes, GET /api/health for the derived
//     service verdict.
//   - GET /metrics for Prometheus scraping, GET /api/metrics for the JSON
//     snapshot, POST /api/metrics/reset.
//   - POST /api/products, /api/products/{id}/approve, /api/batches to queue
//     work; GET /api/products/{id}[/stages] and /api/tasks/{id} to observe it.
//   - GET /ws for live observer subscriptions.
package api
