// Package api hosts the HTTP surface for operators. Routes:
//   - GET /healthz and /readyz for liveness and readiness checks.
//   - GET /metrics for Prometheus scraping.
//   - POST /v1/cities/{city}/refresh runs the pipeline for one city and
//     returns the merged result.
//   - GET /v1/cities/{city} returns the last stored result.
package api
