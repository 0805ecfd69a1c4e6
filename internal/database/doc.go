// Package database manages the PostgreSQL pool used by the event journal.
package database
