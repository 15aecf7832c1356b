// Package api hosts the HTTP server, middleware, and handlers for the bridge.
// Notable routes:
//   - GET /healthz for Kubernetes probes.
//   - GET /metrics for Prometheus scraping.
//   - GET /v1/transactions/stream and /v1/entitlements/revoked/stream relay
//     payment queue streams as server-sent events.
//   - GET /v1/products?ids=a,b performs a one-shot catalog lookup.
//   - POST /v1/notifications publishes a notification to the queue backend.
package api
