// Package client provides the WebSocket client for the presence endpoint.
// Types mirror the server wire protocol without importing server packages.
package client

import "encoding/json"

// Event names on the presence wire.
const (
	EventJoinChannel    = "join:channel"
	EventLeaveChannel   = "leave:channel"
	EventPresenceUpdate = "presence:update"
	EventError          = "error"
)

// Message is the envelope for all presence messages.
type Message struct {
	Event string          `json:"event"`
	Seq   uint64          `json:"seq,omitempty"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// Viewer is one person looking at a document.
type Viewer struct {
	UserID string `json:"userId"`
	Email  string `json:"email"`
}

// PresenceUpdate carries the full viewer list of one document.
type PresenceUpdate struct {
	ResourceID string   `json:"resourceId"`
	Viewers    []Viewer `json:"viewers"`
}

// ErrorPayload is the body of a server error event.
type ErrorPayload struct {
	Message string `json:"message"`
}
