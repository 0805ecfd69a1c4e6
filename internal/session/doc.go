// Package session composes the live poll list: an event bus, a connection
// manager publishing onto it, and a reconciler bound to the poll topics.
//
// A Session is what a renderer holds. It exposes the reconciled list, the
// connection status, snapshot loading state and the user actions, and it
// refetches the snapshot after reconnects so events missed while offline
// are covered.
package session
