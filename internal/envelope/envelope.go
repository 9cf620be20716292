// Package envelope implements the wire-level codec for events exchanged
// between a voice client and the conductor over a WebSocket connection.
//
// Every message on the socket is a JSON object with a fixed set of
// top-level fields (id, type, timestamp, sessionId, payload). Decode
// enforces a byte-size cap before any JSON parsing happens, so an
// oversized frame never reaches the allocator-heavy unmarshal path.
package envelope

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// WireErrorCode is the single error code emitted for every decode failure,
// per the closed error-code set of the wire protocol.
const WireErrorCode = "invalid_event"

const (
	timestampLayout   = "2006-01-02T15:04:05.000Z"
	timestampFallback = "2006-01-02T15:04:05Z"
)

// CodecError describes a decode failure. Reason is one of "tooLarge",
// "invalidJson", or "invalidEvent".
type CodecError struct {
	Reason  string
	Message string
}

func (e *CodecError) Error() string {
	return fmt.Sprintf("envelope: %s: %s", e.Reason, e.Message)
}

// IsTooLarge reports whether err is a [CodecError] with Reason "tooLarge".
func IsTooLarge(err error) bool {
	var ce *CodecError
	return errors.As(err, &ce) && ce.Reason == "tooLarge"
}

// wireEnvelope is the literal JSON shape decoded from / encoded to the wire.
type wireEnvelope struct {
	ID        string          `json:"id"`
	Type      string          `json:"type"`
	Timestamp string          `json:"timestamp"`
	SessionID string          `json:"sessionId"`
	Payload   json.RawMessage `json:"payload,omitempty"`
}

// Envelope is the in-process representation of a single wire message.
type Envelope struct {
	ID        string
	Type      string
	Timestamp time.Time
	SessionID string
	Payload   map[string]any
}

// Make constructs an [Envelope] with a fresh id and the current time.
func Make(eventType, sessionID string, payload map[string]any) Envelope {
	return Envelope{
		ID:        uuid.NewString(),
		Type:      eventType,
		Timestamp: time.Now().UTC(),
		SessionID: sessionID,
		Payload:   payload,
	}
}

// Decode parses raw bytes into an [Envelope], rejecting frames over maxBytes
// before attempting to parse JSON.
func Decode(data []byte, maxBytes int) (Envelope, error) {
	if maxBytes > 0 && len(data) > maxBytes {
		return Envelope{}, &CodecError{Reason: "tooLarge", Message: fmt.Sprintf("frame is %d bytes, cap is %d", len(data), maxBytes)}
	}

	var wire wireEnvelope
	if err := json.Unmarshal(data, &wire); err != nil {
		return Envelope{}, &CodecError{Reason: "invalidJson", Message: err.Error()}
	}

	if wire.ID == "" || wire.Type == "" || wire.Timestamp == "" || wire.SessionID == "" {
		return Envelope{}, &CodecError{Reason: "invalidEvent", Message: "id, type, timestamp, and sessionId are required"}
	}

	ts, err := parseTimestamp(wire.Timestamp)
	if err != nil {
		return Envelope{}, &CodecError{Reason: "invalidEvent", Message: "timestamp: " + err.Error()}
	}

	payload := map[string]any{}
	if len(wire.Payload) > 0 {
		if err := json.Unmarshal(wire.Payload, &payload); err != nil {
			return Envelope{}, &CodecError{Reason: "invalidEvent", Message: "payload: " + err.Error()}
		}
	}

	return Envelope{
		ID:        wire.ID,
		Type:      wire.Type,
		Timestamp: ts,
		SessionID: wire.SessionID,
		Payload:   payload,
	}, nil
}

// Encode serialises e to its wire form.
func Encode(e Envelope) ([]byte, error) {
	payload, err := json.Marshal(e.Payload)
	if err != nil {
		return nil, fmt.Errorf("envelope: marshal payload: %w", err)
	}
	wire := wireEnvelope{
		ID:        e.ID,
		Type:      e.Type,
		Timestamp: e.Timestamp.UTC().Format(timestampLayout),
		SessionID: e.SessionID,
		Payload:   payload,
	}
	out, err := json.Marshal(wire)
	if err != nil {
		return nil, fmt.Errorf("envelope: marshal envelope: %w", err)
	}
	return out, nil
}

// parseTimestamp accepts ISO-8601 UTC timestamps with or without fractional
// seconds.
func parseTimestamp(s string) (time.Time, error) {
	if t, err := time.Parse(timestampLayout, s); err == nil {
		return t, nil
	}
	if t, err := time.Parse(timestampFallback, s); err == nil {
		return t, nil
	}
	if t, err := time.Parse(time.RFC3339Nano, s); err == nil {
		return t, nil
	}
	return time.Time{}, fmt.Errorf("unrecognised timestamp format %q", s)
}

// ErrorPayload builds the payload map for an {code, message} error envelope.
func ErrorPayload(code, message string) map[string]any {
	return map[string]any{"code": code, "message": message}
}
