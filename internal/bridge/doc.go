// Package bridge forwards inbound application envelopes to Kafka.
//
// Each envelope is re-encoded in its wire form and keyed by session id so
// a topic partition sees one session's envelopes in arrival order.
// Lifecycle events and liveness frames are not forwarded.
package bridge
