package session

import (
	"fmt"

	"github.com/google/uuid"
)

// Protocol identifies which real-time protocol a connection speaks.
type Protocol int

const (
	ProtocolSync     Protocol = iota // raw document-sync byte stream
	ProtocolPresence                 // JSON presence events
)

func (p Protocol) String() string {
	switch p {
	case ProtocolSync:
		return "sync"
	case ProtocolPresence:
		return "presence"
	default:
		return fmt.Sprintf("protocol(%d)", int(p))
	}
}

// Viewer is the identity behind a connection, taken from the verified token.
type Viewer struct {
	UserID string `json:"userId"`
	Email  string `json:"email"`
}

// Session is one authenticated live connection. It is created once at
// upgrade time and passed by value; nothing mutates it afterwards.
type Session struct {
	ID         string
	ResourceID string
	Viewer     Viewer
	Protocol   Protocol
}

// New returns a Session with a fresh random ID.
func New(protocol Protocol, resourceID string, viewer Viewer) Session {
	return Session{
		ID:         uuid.NewString(),
		ResourceID: resourceID,
		Viewer:     viewer,
		Protocol:   protocol,
	}
}
