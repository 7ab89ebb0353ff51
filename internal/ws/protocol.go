package ws

import (
	"encoding/json"
	"errors"
	"strings"

	"github.com/noton/realtime/internal/session"
)

// Presence event names. Clients send join:channel and leave:channel; the
// server sends presence:update and error.
const (
	EventJoinChannel    = "join:channel"
	EventLeaveChannel   = "leave:channel"
	EventPresenceUpdate = "presence:update"
	EventError          = "error"
)

// Message is the JSON envelope carried in every presence text frame.
type Message struct {
	Event string          `json:"event"`
	Seq   uint64          `json:"seq,omitempty"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// PresenceUpdate is the data of a presence:update event: the full viewer list
// of one room.
type PresenceUpdate struct {
	ResourceID string           `json:"resourceId"`
	Viewers    []session.Viewer `json:"viewers"`
}

type ErrorPayload struct {
	Message string `json:"message"`
}

var errNoChannel = errors.New("join:channel requires a resource id")

// parseChannel extracts the target resource id from a join:channel body. The
// body is either a bare JSON string or an object naming the resource.
func parseChannel(data json.RawMessage) (string, error) {
	if len(data) == 0 {
		return "", errNoChannel
	}

	var id string
	if err := json.Unmarshal(data, &id); err == nil {
		id = strings.TrimSpace(id)
		if id == "" {
			return "", errNoChannel
		}
		return id, nil
	}

	var body struct {
		ResourceID string `json:"resourceId"`
		DocumentID string `json:"documentId"`
		ChannelID  string `json:"channelId"`
	}
	if err := json.Unmarshal(data, &body); err != nil {
		return "", errNoChannel
	}
	for _, candidate := range []string{body.ResourceID, body.DocumentID, body.ChannelID} {
		if c := strings.TrimSpace(candidate); c != "" {
			return c, nil
		}
	}
	return "", errNoChannel
}
