// Package database provides PostgreSQL connection pool setup for the
// connection event journal.
package database
