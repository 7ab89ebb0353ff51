package ws

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/noton/realtime/internal/events"
	"github.com/noton/realtime/internal/metrics"
	"github.com/noton/realtime/internal/presence"
	"github.com/noton/realtime/internal/session"
)

// presenceHub applies membership changes and emits the resulting viewer
// lists. mu serializes mutate, snapshot and enqueue so every recipient sees
// updates for a room in the order the room changed.
type presenceHub struct {
	mu          sync.Mutex
	registry    *presence.Registry
	broadcaster *Broadcaster
	publisher   events.Publisher
	logger      *slog.Logger
}

func newPresenceHub(registry *presence.Registry, b *Broadcaster, pub events.Publisher, logger *slog.Logger) *presenceHub {
	if pub == nil {
		pub = events.Nop{}
	}
	return &presenceHub{
		registry:    registry,
		broadcaster: b,
		publisher:   pub,
		logger:      logger,
	}
}

func (h *presenceHub) join(sess session.Session, resourceID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.registry.Join(resourceID, sess.ID, sess.Viewer)
	h.emitLocked(resourceID)
}

func (h *presenceHub) leave(sessionID, resourceID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.registry.Leave(resourceID, sessionID)
	h.emitLocked(resourceID)
}

// switchTo moves sess from one room to another and returns the room it ends
// up in. Switching to the current room changes nothing.
func (h *presenceHub) switchTo(sess session.Session, from, to string) string {
	if from == to {
		return from
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	if from != "" {
		h.registry.Leave(from, sess.ID)
		h.emitLocked(from)
	}
	h.registry.Join(to, sess.ID, sess.Viewer)
	h.emitLocked(to)
	return to
}

// disconnect removes sessionID from every room and notifies each of them.
func (h *presenceHub) disconnect(sessionID string) []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	affected := h.registry.LeaveAll(sessionID)
	for _, resourceID := range affected {
		h.emitLocked(resourceID)
	}
	return affected
}

func (h *presenceHub) emitLocked(resourceID string) {
	viewers := h.registry.Snapshot(resourceID)
	seq, recipients := h.broadcaster.Emit(resourceID, EventPresenceUpdate, PresenceUpdate{
		ResourceID: resourceID,
		Viewers:    viewers,
	})
	h.publisher.PublishPresence(events.PresenceChanged{
		ResourceID: resourceID,
		Viewers:    viewers,
		Seq:        seq,
		At:         time.Now().UTC(),
	})

	rooms, _ := h.registry.Stats()
	metrics.PresenceRooms.Set(float64(rooms))
	h.logger.Debug("presence update", "resource", resourceID, "viewers", len(viewers), "recipients", recipients, "seq", seq)
}

// servePresence runs one presence connection until its transport closes.
func (s *Server) servePresence(conn *websocket.Conn, sess session.Session) {
	logger := s.logger.With("session", sess.ID, "user", sess.Viewer.UserID, "protocol", sess.Protocol.String())
	c := newClient(conn, sess, s.clientOpts, logger)
	s.broadcaster.Register(c)
	metrics.TotalConnections.WithLabelValues(sess.Protocol.String()).Inc()
	metrics.ActiveConnections.WithLabelValues(sess.Protocol.String()).Inc()
	logger.Info("presence client connected", "resource", sess.ResourceID)

	current := ""
	defer func() {
		s.broadcaster.Unregister(c)
		left := s.hub.disconnect(sess.ID)
		metrics.ActiveConnections.WithLabelValues(sess.Protocol.String()).Dec()
		logger.Info("presence client disconnected", "rooms_left", len(left))
	}()

	if sess.ResourceID != "" {
		s.hub.join(sess, sess.ResourceID)
		current = sess.ResourceID
	}

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			logReadError(logger, err)
			return
		}
		metrics.MessagesReceived.WithLabelValues(sess.Protocol.String()).Inc()

		var msg Message
		if err := json.Unmarshal(data, &msg); err != nil {
			logger.Debug("ignoring malformed presence message", "error", err)
			continue
		}

		switch msg.Event {
		case EventJoinChannel:
			target, err := parseChannel(msg.Data)
			if err != nil {
				s.broadcaster.SendTo(c, EventError, ErrorPayload{Message: err.Error()})
				continue
			}
			current = s.hub.switchTo(sess, current, target)
		case EventLeaveChannel:
			if current != "" {
				s.hub.leave(sess.ID, current)
				current = ""
			}
		default:
			s.broadcaster.SendTo(c, EventError, ErrorPayload{Message: fmt.Sprintf("unknown event %q", msg.Event)})
		}
	}
}

func logReadError(logger *slog.Logger, err error) {
	if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
		logger.Debug("connection closed", "error", err)
		return
	}
	logger.Info("connection ended", "error", err)
}
