// Package api hosts the HTTP server, middleware, and REST handlers for the
// vector store. Notable routes:
//   - GET /healthz / readyz for Kubernetes liveness and readiness checks.
//   - GET /metrics for Prometheus scraping.
//   - GET /v1/search?q=&k= for semantic search over stored documents.
//   - POST /v1/documents to add a single document.
package api
