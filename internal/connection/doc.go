// Package connection implements the Connection Manager component.
//
// The Connection Manager:
//   - Owns one websocket to the poll server at a time
//   - Decodes {"type", "data"} frames and publishes them by topic
//   - Drops malformed frames without closing the connection
//   - Reconnects with linear backoff (attempt n waits n * base delay)
//   - Settles in Closed after the attempt budget is spent or on Disconnect
package connection
