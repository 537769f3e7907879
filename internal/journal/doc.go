// Package journal records connection lifecycle events in PostgreSQL.
//
// The journal is client health telemetry: state changes, connects,
// disconnects, reconnect attempts and errors. Application envelopes are
// not stored. Rows are buffered and written in batches, either when the
// batch fills or on the flush interval.
package journal
