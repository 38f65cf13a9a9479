package session

import (
	"encoding/json"
	"errors"
)

// Message kinds carried in the leading byte of every wire frame.
const (
	// MessageKindSync frames carry a state sync request or a state update.
	MessageKindSync byte = 0
	// MessageKindAwareness frames carry ephemeral presence payloads.
	MessageKindAwareness byte = 1
	// MessageKindEvent frames carry UTF-8 JSON custom events.
	MessageKindEvent byte = 2
)

// Sync sub-kinds carried in the second byte of a sync frame.
const (
	// SyncRequest asks the peer to reply with its full encoded state.
	SyncRequest byte = 0
	// SyncUpdate carries one state update to merge.
	SyncUpdate byte = 1
)

// Custom event types carried inside MessageKindEvent frames.
const (
	EventCommentAdd     = "comment-add"
	EventCommentResolve = "comment-resolve"
	EventPing           = "ping"
	EventPong           = "pong"
)

// Control message types sent as JSON outside the document state stream.
const (
	ControlConnected        = "connected"
	ControlError            = "error"
	ControlPermissionDenied = "permission-denied"
)

// ErrShortFrame indicates a wire frame too short to carry its discriminators.
var ErrShortFrame = errors.New("session: frame too short")

// SyncFrame builds a sync frame with the provided sub-kind and payload.
func SyncFrame(subKind byte, payload []byte) []byte {
	frame := make([]byte, 0, 2+len(payload))
	frame = append(frame, MessageKindSync, subKind)
	return append(frame, payload...)
}

// AwarenessFrame builds an awareness frame around an opaque payload.
func AwarenessFrame(payload []byte) []byte {
	frame := make([]byte, 0, 1+len(payload))
	frame = append(frame, MessageKindAwareness)
	return append(frame, payload...)
}

// EventFrame builds a custom event frame around a JSON payload.
func EventFrame(payload []byte) []byte {
	frame := make([]byte, 0, 1+len(payload))
	frame = append(frame, MessageKindEvent)
	return append(frame, payload...)
}

// AwarenessPayload is the decoded shape of a presence frame. Fields beyond the
// cursor are relayed verbatim; only the cursor feeds durable presence.
type AwarenessPayload struct {
	Name   string          `json:"name,omitempty"`
	Color  string          `json:"color,omitempty"`
	Role   string          `json:"role,omitempty"`
	Cursor json.RawMessage `json:"cursor,omitempty"`
}

// EventPayload is the decoded envelope of a custom event frame.
type EventPayload struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data,omitempty"`
}

// ControlMessage is the JSON envelope for connection lifecycle notices.
type ControlMessage struct {
	Type       string `json:"type"`
	DocumentID string `json:"documentId,omitempty"`
	Role       string `json:"role,omitempty"`
	Color      string `json:"color,omitempty"`
	Message    string `json:"message,omitempty"`
}
