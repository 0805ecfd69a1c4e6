// Package journal persists the live event stream to PostgreSQL.
//
// A Journal subscribes to the event bus and copies each envelope into a
// bounded buffer without blocking dispatch. A writer goroutine drains the
// buffer in batches and inserts them into poll_events with pgx.Batch.
// Envelopes that arrive while the buffer is full are dropped and counted.
package journal
