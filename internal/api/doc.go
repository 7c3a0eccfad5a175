// Package api hosts the HTTP server, middleware and handlers. Notable routes:
//   - GET /healthz and /readyz for Kubernetes health checks.
//   - GET /metrics for Prometheus scraping.
//   - /api/... is the session-authenticated front surface: audit listing,
//     backend-token minting and the subscription plan proxy.
//   - /v1/... is the backend surface, authenticated with minted backend tokens:
//     projects, analyze requests, crawl jobs and the plan catalog.
package api
