// Package bus implements the in-process event bus.
//
// The bus:
//   - Maps a topic name to an ordered list of handlers
//   - Delivers each Publish synchronously, in registration order
//   - Isolates handler errors and panics from siblings and the publisher
//   - Hands out Subscription handles that must be released explicitly
//
// It performs no I/O. Connection code publishes decoded frames on it and
// the collection reconciler, the journal, and renderers subscribe.
package bus
