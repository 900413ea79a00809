// Package gruporder is the realtime synchronization core of a group
// food-ordering app: multiple participants share one session, place and
// edit orders, chat, and see each other's changes live.
//
// The entry point is [Client], which owns the store and the broker
// connection. [Client.Sync] joins a session and returns a [SessionSync]:
// a materialized, continuously synchronized view of that session's
// orders, chat messages and typing presence.
//
// Consistency model, in one paragraph: committed store changes flow to
// subscribers over per-session change-feed partitions in commit order.
// When a partition's subscription drops, a supervisor retries with
// capped exponential backoff while a polling fallback keeps the view
// converging against the store; consumers cannot tell the two sources
// apart. Chat sends are optimistic, reconciled by a client-generated
// idempotency key, and rolled back with an error when not delivered.
// Order writes are direct and never optimistic.
package gruporder
