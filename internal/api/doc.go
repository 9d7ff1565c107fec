// Package api hosts the HTTP server, middleware, and REST handlers for operator
// access. Notable routes:
//   - GET /healthz / readyz for Kubernetes probes.
//   - GET /metrics for Prometheus scraping.
//   - GET /v1/scrape for ad-hoc discovery against a registered source.
//   - POST /v1/downloads and /v1/downloads/single for direct batch submission.
//   - GET /v1/downloads/... for batch history via the BatchStore interface.
//   - POST /v1/workflows to run the full acquisition workflow.
//   - GET /v1/galleries to list and serve rendered gallery pages.
package api
