package server

import (
	"encoding/base64"
	"encoding/json"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/pressfield/inkwell/backend/internal/room"
	"go.uber.org/zap"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 1 << 20
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	// Browser origins are admitted by bearer token, not origin allow-listing.
	CheckOrigin: func(*http.Request) bool { return true },
}

// wireFrame is the JSON envelope exchanged over the websocket.
type wireFrame struct {
	Type      string                     `json:"type"`
	StateB64  string                     `json:"state_b64,omitempty"`
	UpdateB64 string                     `json:"update_b64,omitempty"`
	Payload   json.RawMessage            `json:"payload,omitempty"`
	Presence  map[string]json.RawMessage `json:"presence,omitempty"`
}

const (
	frameTypeSync     = "sync"
	frameTypeUpdate   = "update"
	frameTypePresence = "presence"
)

// serveSession runs the connection's pumps until the transport drops, then
// removes the session from its room.
func serveSession(conn *websocket.Conn, joined *room.Room, session *room.Session, logger *zap.Logger) {
	done := make(chan struct{})
	go writePump(conn, session, logger, done)

	readPump(conn, joined, session, logger)

	joined.Leave(session)
	close(done)
	_ = conn.Close()
}

// readPump decodes inbound frames and routes them into the room. Malformed
// frames are dropped with a warning; only transport errors end the session.
func readPump(conn *websocket.Conn, joined *room.Room, session *room.Session, logger *zap.Logger) {
	conn.SetReadLimit(maxMessageSize)
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				logger.Warn("session transport error",
					zap.String("session_id", session.ID), zap.Error(err))
			}
			return
		}

		var frame wireFrame
		if err := json.Unmarshal(raw, &frame); err != nil {
			logger.Warn("malformed frame dropped",
				zap.String("session_id", session.ID), zap.Error(err))
			continue
		}

		switch frame.Type {
		case frameTypeUpdate:
			update, err := base64.StdEncoding.DecodeString(frame.UpdateB64)
			if err != nil {
				logger.Warn("undecodable update payload dropped",
					zap.String("session_id", session.ID), zap.Error(err))
				continue
			}
			if err := joined.Apply(session, update); err != nil {
				logger.Warn("update rejected",
					zap.String("session_id", session.ID), zap.Error(err))
			}
		case frameTypePresence:
			if len(frame.Payload) == 0 {
				continue
			}
			joined.UpdatePresence(session, frame.Payload)
		default:
			logger.Warn("unknown frame type dropped",
				zap.String("session_id", session.ID), zap.String("frame_type", frame.Type))
		}
	}
}

// writePump relays the session's queued frames and keeps the connection
// alive with pings.
func writePump(conn *websocket.Conn, session *room.Session, logger *zap.Logger, done <-chan struct{}) {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case message := <-session.Outbound():
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteJSON(encodeFrame(message)); err != nil {
				logger.Warn("outbound write failed",
					zap.String("session_id", session.ID), zap.Error(err))
				return
			}
		case <-ticker.C:
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-done:
			return
		}
	}
}

func encodeFrame(message room.Message) wireFrame {
	switch message.Type {
	case room.MessageSync:
		return wireFrame{
			Type:     frameTypeSync,
			StateB64: base64.StdEncoding.EncodeToString(message.State),
			Presence: message.Presence,
		}
	case room.MessageUpdate:
		return wireFrame{
			Type:      frameTypeUpdate,
			UpdateB64: base64.StdEncoding.EncodeToString(message.Update),
		}
	default:
		return wireFrame{
			Type:     frameTypePresence,
			Presence: message.Presence,
		}
	}
}
