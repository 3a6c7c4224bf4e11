// Package adapter implements the broker adapter: one adapter owns one
// physical streaming connection to one broker for one user.
//
// The adapter:
//   - Runs the connection lifecycle (connect, reconnect, permanent failure)
//   - Tries configured endpoints in failover order with exponential backoff
//   - Resubscribes held symbols in batch after a reconnect
//   - Merges broker frames into per-subscription cached records
//   - Publishes each merged record through the shared publisher
//
// Broker wire formats stay behind the Dialect interface; dialects register
// themselves by name so adapters are constructed from configuration alone.
package adapter
