// Package connection owns the WebSocket session lifecycle.
//
// The Machine:
//   - Dials the server and authenticates with a token frame or query parameter
//   - Holds outbound envelopes in a bounded FIFO until the session is ready
//   - Probes liveness with application-level pings
//   - Reconnects with jittered exponential backoff until the attempt budget runs out
//   - Posts lifecycle and application events to an Emitter in receive order
//
// Client is the raw transport, one per connection attempt.
package connection
