package room

import (
	"encoding/json"

	"github.com/oklog/ulid/v2"
	"github.com/pressfield/inkwell/backend/internal/access"
)

const defaultOutboundBuffer = 64

// MessageType enumerates frames a room sends to its sessions.
type MessageType string

const (
	// MessageSync carries the full encoded document state on admission.
	MessageSync MessageType = "sync"
	// MessageUpdate carries a merged delta to fan out.
	MessageUpdate MessageType = "update"
	// MessagePresence carries the aggregated presence map.
	MessagePresence MessageType = "presence"
)

// Message is an outbound frame queued for one session.
type Message struct {
	Type     MessageType
	State    []byte
	Update   []byte
	Presence map[string]json.RawMessage
}

// Session is one authenticated connection admitted into a room.
type Session struct {
	ID          string
	UserID      string
	DisplayName string
	Grant       access.Grant

	outbound chan Message
}

// NewSession constructs a session for an authenticated, resolved connection.
func NewSession(userID, displayName string, grant access.Grant) *Session {
	return &Session{
		ID:          ulid.Make().String(),
		UserID:      userID,
		DisplayName: displayName,
		Grant:       grant,
		outbound:    make(chan Message, defaultOutboundBuffer),
	}
}

// Outbound exposes the session's queued frames for the transport write pump.
func (s *Session) Outbound() <-chan Message {
	return s.outbound
}

// send queues a frame without blocking the room. A full queue drops the
// frame; the caller logs the drop.
func (s *Session) send(message Message) bool {
	select {
	case s.outbound <- message:
		return true
	default:
		return false
	}
}
