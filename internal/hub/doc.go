// Package hub is the server side of the live poll feed.
//
// A Hub accepts websocket clients and broadcasts {"type", "data"} envelopes
// to every connected client. Clients whose write fails are dropped. The only
// inbound frame it understands is the subscribe control frame, which it
// acknowledges with {"type": "subscribed", "poll_id": N}.
package hub
