package ws

import (
	"github.com/gorilla/websocket"

	"github.com/noton/realtime/internal/metrics"
	"github.com/noton/realtime/internal/session"
)

// serveSync attaches a document-sync connection to its document engine and
// pumps frames into it until the transport closes. When the engine is
// unavailable the connection stays open and its input is dropped.
func (s *Server) serveSync(conn *websocket.Conn, sess session.Session) {
	logger := s.logger.With("session", sess.ID, "user", sess.Viewer.UserID, "resource", sess.ResourceID, "protocol", sess.Protocol.String())
	c := newClient(conn, sess, s.clientOpts, logger)
	s.broadcaster.Register(c)
	metrics.TotalConnections.WithLabelValues(sess.Protocol.String()).Inc()
	metrics.ActiveConnections.WithLabelValues(sess.Protocol.String()).Inc()

	at := s.adapter.Attach(sess.ResourceID, c)
	logger.Info("sync client connected", "degraded", at.Degraded())

	defer func() {
		at.Detach()
		s.broadcaster.Unregister(c)
		metrics.ActiveConnections.WithLabelValues(sess.Protocol.String()).Dec()
		logger.Info("sync client disconnected")
	}()

	for {
		msgType, data, err := conn.ReadMessage()
		if err != nil {
			logReadError(logger, err)
			return
		}
		metrics.MessagesReceived.WithLabelValues(sess.Protocol.String()).Inc()
		at.Deliver(msgType, data)
	}
}
