package connection

import (
	"log/slog"
	"net/http"
	"time"
)

// State is the connection lifecycle state.
type State int

const (
	StateIdle State = iota
	StateConnecting
	StateOpen
	StateAuthenticating
	StateReady
	StateClosing
	StateClosed
	StateReconnecting
	StateFailed
)

// String returns the state name.
func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateConnecting:
		return "connecting"
	case StateOpen:
		return "open"
	case StateAuthenticating:
		return "authenticating"
	case StateReady:
		return "ready"
	case StateClosing:
		return "closing"
	case StateClosed:
		return "closed"
	case StateReconnecting:
		return "reconnecting"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// live reports whether the state owns a transport or a dial in flight.
func (s State) live() bool {
	return s == StateConnecting || s == StateOpen || s == StateAuthenticating || s == StateReady
}

// WebSocket close codes.
const (
	CloseNormal    = 1000
	CloseGoingAway = 1001
	CloseAbnormal  = 1006 // never sent on the wire; reported for local failures
)

// expectedClose reports whether a close code means the peer closed on purpose.
func expectedClose(code int) bool {
	return code == CloseNormal || code == CloseGoingAway
}

// Lifecycle event types emitted to the dispatcher.
const (
	EventConnect          = "connect"
	EventDisconnect       = "disconnect"
	EventReconnectAttempt = "reconnect_attempt"
	EventReconnectFailed  = "reconnect_failed"
	EventError            = "error"
	EventStateChange      = "state_change"
)

// ConnectInfo is the payload of a connect event.
type ConnectInfo struct {
	URL      string // Dialed URL with credentials removed
	Attempts int    // Reconnect attempts it took to get here
}

// DisconnectInfo is the payload of a disconnect event.
type DisconnectInfo struct {
	Code   int
	Reason string
}

// ReconnectAttemptInfo is the payload of a reconnect_attempt event.
type ReconnectAttemptInfo struct {
	Attempt int
	Delay   time.Duration
}

// ReconnectFailedInfo is the payload of a reconnect_failed event.
type ReconnectFailedInfo struct {
	Attempts int
}

// ErrorInfo is the payload of an error event.
type ErrorInfo struct {
	Err error
}

// StateChange is the payload of a state_change event.
type StateChange struct {
	From State
	To   State
}

// AuthMode selects how the auth token reaches the server.
type AuthMode string

const (
	// AuthFrame sends an "authenticate" frame after the socket opens.
	AuthFrame AuthMode = "frame"

	// AuthQuery appends the token to the URL as a "token" query parameter.
	AuthQuery AuthMode = "query"
)

// TimestampedMessage wraps raw message data with receive timestamp.
type TimestampedMessage struct {
	Data       []byte    // Raw message bytes from WebSocket
	ReceivedAt time.Time // Local timestamp when ReadMessage() returned
}

// ClientConfig configures a WebSocket client.
type ClientConfig struct {
	URL              string        // WebSocket URL (ws:// or wss://)
	Header           http.Header   // Extra handshake headers
	WriteTimeout     time.Duration // Write deadline for sends
	HandshakeTimeout time.Duration // Max time for the opening handshake
	BufferSize       int           // Inbound message channel buffer size
}

// DefaultClientConfig returns sensible defaults.
func DefaultClientConfig() ClientConfig {
	return ClientConfig{
		WriteTimeout:     5 * time.Second,
		HandshakeTimeout: 10 * time.Second,
		BufferSize:       256,
	}
}

// ClientFactory builds a transport client for one connection attempt.
type ClientFactory func(cfg ClientConfig, logger *slog.Logger) Client

// Config configures a Machine.
type Config struct {
	URL       string        // WebSocket URL (ws:// or wss://)
	SessionID string        // Stamped on outbound envelopes
	Token     func() string // Auth token source; nil or "" disables auth
	AuthMode  AuthMode
	Header    http.Header // Extra handshake headers

	ReconnectBaseDelay   time.Duration
	ReconnectMaxDelay    time.Duration
	MaxReconnectAttempts int // 0 = default; there is no unlimited setting

	HeartbeatInterval time.Duration
	HeartbeatTimeout  time.Duration // 0 = HeartbeatInterval
	AuthTimeout       time.Duration

	QueueCapacity int // Max queued outbound envelopes (0 = default, < 0 = unbounded)

	WriteTimeout     time.Duration
	HandshakeTimeout time.Duration
	BufferSize       int // Inbound message channel buffer size

	Debug bool // Log every frame

	NewClient ClientFactory  // nil = gorilla/websocket client
	Jitter    func() float64 // Backoff jitter source; nil = math/rand
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		AuthMode:             AuthFrame,
		ReconnectBaseDelay:   2 * time.Second,
		ReconnectMaxDelay:    30 * time.Second,
		MaxReconnectAttempts: 10,
		HeartbeatInterval:    30 * time.Second,
		AuthTimeout:          10 * time.Second,
		QueueCapacity:        1000,
		WriteTimeout:         5 * time.Second,
		HandshakeTimeout:     10 * time.Second,
		BufferSize:           256,
	}
}

// Status is a point-in-time snapshot of a Machine.
type Status struct {
	State         State
	Attempts      int
	MaxAttempts   int
	LastAttemptAt time.Time
	Latency       time.Duration
	HasLatency    bool
	LastPingAt    time.Time
	QueueLen      int
	Err           error // Why the machine entered Failed
}
