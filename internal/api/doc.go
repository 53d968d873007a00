// Package api hosts the HTTP server, middleware, and REST handlers for operator
// access. Notable routes:
//   - GET /healthz / readyz for Kubernetes liveness and readiness checks.
//   - GET /metrics for Prometheus scraping.
//   - POST /v1/checks to run a check now (joins a running one).
//   - GET /v1/gazettes for the latest batch and GET /v1/checks/log for the
//     recent check outcomes.
package api
