// Package model defines the poll types shared across packages.
//
// Conventions:
//   - IDs: int64, assigned by the server; 0 means "missing"
//   - Times: time.Time, decoded from RFC 3339 timestamps
//   - JSON tags match the server's snake_case wire format
package model
