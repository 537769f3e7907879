package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Errors
var (
	ErrMalformed   = errors.New("malformed frame")
	ErrMissingType = errors.New("frame has no type")
)

// Envelope is a typed, timestamped unit of data sent or received.
type Envelope struct {
	Type      string
	Payload   json.RawMessage
	Timestamp time.Time
	ID        string
	SessionID string
}

// wireEnvelope is the JSON shape on the wire.
type wireEnvelope struct {
	Type      string          `json:"type"`
	Payload   json.RawMessage `json:"payload"`
	Timestamp string          `json:"timestamp"`
	ID        string          `json:"id,omitempty"`
	SessionID string          `json:"sessionId,omitempty"`
}

var emptyObject = json.RawMessage(`{}`)

// NewID returns a fresh client-generated envelope id.
func NewID() string {
	return uuid.NewString()
}

// New builds an outbound envelope stamped with a new id and the current time.
// A nil payload becomes an empty object.
func New(typ string, payload any, sessionID string) (Envelope, error) {
	if typ == "" {
		return Envelope{}, ErrMissingType
	}

	raw, err := marshalPayload(payload)
	if err != nil {
		return Envelope{}, fmt.Errorf("marshal %s payload: %w", typ, err)
	}

	return Envelope{
		Type:      typ,
		Payload:   raw,
		Timestamp: time.Now().UTC(),
		ID:        NewID(),
		SessionID: sessionID,
	}, nil
}

func marshalPayload(payload any) (json.RawMessage, error) {
	switch p := payload.(type) {
	case nil:
		return emptyObject, nil
	case json.RawMessage:
		if len(p) == 0 {
			return emptyObject, nil
		}
		if !json.Valid(p) {
			return nil, ErrMalformed
		}
		return p, nil
	default:
		return json.Marshal(payload)
	}
}

// Encode serializes an envelope into a JSON text frame.
func Encode(env Envelope) ([]byte, error) {
	if env.Type == "" {
		return nil, ErrMissingType
	}

	payload := env.Payload
	if len(payload) == 0 {
		payload = emptyObject
	}

	ts := env.Timestamp
	if ts.IsZero() {
		ts = time.Now()
	}

	return json.Marshal(wireEnvelope{
		Type:      env.Type,
		Payload:   payload,
		Timestamp: ts.UTC().Format(time.RFC3339Nano),
		ID:        env.ID,
		SessionID: env.SessionID,
	})
}

// Decode parses an inbound JSON text frame.
// A missing or unparseable timestamp is tolerated and left zero.
func Decode(data []byte) (Envelope, error) {
	var w wireEnvelope
	if err := json.Unmarshal(data, &w); err != nil {
		return Envelope{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if w.Type == "" {
		return Envelope{}, ErrMissingType
	}

	env := Envelope{
		Type:      w.Type,
		Payload:   w.Payload,
		ID:        w.ID,
		SessionID: w.SessionID,
	}
	if w.Timestamp != "" {
		if ts, err := time.Parse(time.RFC3339Nano, w.Timestamp); err == nil {
			env.Timestamp = ts
		}
	}
	return env, nil
}

// DecodePayload unmarshals the envelope payload into v.
func (e Envelope) DecodePayload(v any) error {
	if len(e.Payload) == 0 {
		return nil
	}
	return json.Unmarshal(e.Payload, v)
}
