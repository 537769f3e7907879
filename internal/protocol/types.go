package protocol

import (
	"encoding/json"
	"fmt"
	"time"
)

// Outbound types sent by the connection layer.
const (
	TypeAuthenticate = "authenticate"
	TypePing         = "ping"
	TypeHeartbeat    = "heartbeat"
)

// Inbound types the connection layer handles itself.
const (
	TypePong                  = "pong"
	TypeHeartbeatAcknowledged = "heartbeat_acknowledged"
	TypeAuthenticated         = "authenticated"
	TypeAuthenticationFailed  = "authentication_failed"
	TypeError                 = "error"
)

// Application types used by the convenience senders.
const (
	TypeChatMessage = "chat_message"
	TypeRateMessage = "rate_message"
	TypeRequestSync = "request_sync"
)

// Kind classifies an inbound envelope type.
type Kind int

const (
	// KindApplication is any type not reserved by the connection layer.
	KindApplication Kind = iota
	KindLiveness
	KindAuthenticated
	KindAuthRejected
	KindServerError
)

// String returns the kind name.
func (k Kind) String() string {
	switch k {
	case KindLiveness:
		return "liveness"
	case KindAuthenticated:
		return "authenticated"
	case KindAuthRejected:
		return "auth_rejected"
	case KindServerError:
		return "server_error"
	default:
		return "application"
	}
}

// Classify maps an inbound type onto its Kind.
func Classify(typ string) Kind {
	switch typ {
	case TypePong, TypeHeartbeatAcknowledged:
		return KindLiveness
	case TypeAuthenticated:
		return KindAuthenticated
	case TypeAuthenticationFailed:
		return KindAuthRejected
	case TypeError:
		return KindServerError
	default:
		return KindApplication
	}
}

// AuthenticatePayload is the payload of an "authenticate" frame.
type AuthenticatePayload struct {
	Token string `json:"token"`
}

// PingPayload is the payload of a liveness probe.
type PingPayload struct {
	ClientTimestamp time.Time `json:"client_timestamp"`
}

// ChatMessagePayload is the payload of a "chat_message" frame.
type ChatMessagePayload struct {
	Content  string `json:"content"`
	ReplyTo  string `json:"reply_to,omitempty"`
	Audience string `json:"audience,omitempty"`
}

// RateMessagePayload is the payload of a "rate_message" frame.
type RateMessagePayload struct {
	MessageID string `json:"message_id"`
	Rating    int    `json:"rating"`
}

// ServerError is the payload of an inbound "error" frame.
type ServerError struct {
	Code         string `json:"code,omitempty"`
	Message      string `json:"message,omitempty"`
	Recoverable  *bool  `json:"recoverable,omitempty"`
	RetryAfterMs int64  `json:"retry_after_ms,omitempty"`
}

// Error implements error.
func (e *ServerError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("server error %s: %s", e.Code, e.Message)
	}
	return "server error: " + e.Message
}

// RetryAfter returns the server-requested retry delay.
func (e *ServerError) RetryAfter() time.Duration {
	if e.RetryAfterMs <= 0 {
		return 0
	}
	return time.Duration(e.RetryAfterMs) * time.Millisecond
}

// Fatal reports whether the server marked the error as not recoverable.
func (e *ServerError) Fatal() bool {
	return e.Recoverable != nil && !*e.Recoverable
}

// ParseServerError decodes the payload of an "error" envelope.
// A missing or non-object payload yields an empty ServerError.
func ParseServerError(env Envelope) *ServerError {
	se := &ServerError{}
	if len(env.Payload) == 0 {
		return se
	}
	if err := json.Unmarshal(env.Payload, se); err != nil {
		// Servers sometimes send a bare string.
		var msg string
		if json.Unmarshal(env.Payload, &msg) == nil {
			se.Message = msg
		}
	}
	return se
}
