// Package main hosts the storebridge entrypoint.
//
// Architecture overview:
//   - Streams: internal/stream provides cold streams, a refcounted share operator, and
//     channel/collect adapters for consumers. internal/registry and internal/delegate turn
//     add/remove-listener APIs and single-shot delegate requests into streams.
//   - Domain: internal/storekit exposes UpdatedTransactions, RevokedEntitlements, Products and
//     Response over a payment queue and an injected request factory.
//   - Backends: internal/paymentqueue feeds observers from memory, Pub/Sub, or Redis;
//     internal/catalog/postgres answers product lookups.
//   - Surface: internal/api serves SSE and JSON routes; internal/server wires everything from
//     internal/config and shuts down on SIGTERM.
//
// Quick checklist:
//   - Configure env vars: STOREBRIDGE_SERVER_PORT, STOREBRIDGE_QUEUE_BACKEND, STOREBRIDGE_CATALOG_DSN,
//     and the queue.pubsub.* or queue.redis.* keys for the chosen backend.
//   - Run locally: go run ./cmd/storebridge serve --config config.yaml
package main

import (
	"github.com/JakeFAU/storebridge/cmd"
)

// main defers all execution to the Cobra CLI.
func main() {
	cmd.Execute()
}
