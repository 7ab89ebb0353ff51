package ws

import (
	"encoding/json"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/noton/realtime/internal/metrics"
	"github.com/noton/realtime/internal/presence"
	"github.com/noton/realtime/internal/session"
)

type frame struct {
	msgType int
	data    []byte
}

type clientOptions struct {
	sendBuffer   int
	pingInterval time.Duration
	pongTimeout  time.Duration
	writeTimeout time.Duration
	maxMessage   int64
}

// client is one live connection of either protocol. Only writePump writes to
// conn; everything else goes through the send queue.
type client struct {
	sess   session.Session
	conn   *websocket.Conn
	send   chan frame
	done   chan struct{}
	opts   clientOptions
	logger *slog.Logger

	closeOnce sync.Once
	closeCode int
	closeText string
}

func newClient(conn *websocket.Conn, sess session.Session, opts clientOptions, logger *slog.Logger) *client {
	c := &client{
		sess:   sess,
		conn:   conn,
		send:   make(chan frame, opts.sendBuffer),
		done:   make(chan struct{}),
		opts:   opts,
		logger: logger,
	}

	conn.SetReadLimit(opts.maxMessage)
	_ = conn.SetReadDeadline(time.Now().Add(opts.pongTimeout))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(opts.pongTimeout))
	})

	go c.writePump()
	return c
}

// ID implements syncdoc.Peer.
func (c *client) ID() string { return c.sess.ID }

// Send queues a frame without blocking. A full queue means the peer cannot
// keep up: the connection is closed and Send reports false.
func (c *client) Send(msgType int, data []byte) bool {
	select {
	case <-c.done:
		return false
	default:
	}

	select {
	case c.send <- frame{msgType: msgType, data: data}:
		metrics.MessagesSent.Inc()
		return true
	default:
		metrics.SlowConsumers.Inc()
		c.logger.Warn("ws client too slow, disconnecting")
		c.shutdown(websocket.ClosePolicyViolation, "slow consumer")
		return false
	}
}

// shutdown stops the writer, which sends a close frame and closes the
// connection. The reader then fails and runs the session cleanup.
func (c *client) shutdown(code int, text string) {
	c.closeOnce.Do(func() {
		c.closeCode = code
		c.closeText = text
		close(c.done)
	})
}

func (c *client) writePump() {
	ticker := time.NewTicker(c.opts.pingInterval)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case f := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(c.opts.writeTimeout))
			if err := c.conn.WriteMessage(f.msgType, f.data); err != nil {
				c.shutdown(websocket.CloseAbnormalClosure, "")
				return
			}
		case <-ticker.C:
			deadline := time.Now().Add(c.opts.writeTimeout)
			if err := c.conn.WriteControl(websocket.PingMessage, nil, deadline); err != nil {
				c.shutdown(websocket.CloseAbnormalClosure, "")
				return
			}
		case <-c.done:
			if c.closeCode != websocket.CloseAbnormalClosure {
				msg := websocket.FormatCloseMessage(c.closeCode, c.closeText)
				_ = c.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(c.opts.writeTimeout))
			}
			return
		}
	}
}

// Broadcaster tracks every live connection by session id and fans presence
// events out to the members of a room.
type Broadcaster struct {
	mu       sync.RWMutex
	clients  map[string]*client
	registry *presence.Registry
	seq      atomic.Uint64
	logger   *slog.Logger
}

func NewBroadcaster(registry *presence.Registry, logger *slog.Logger) *Broadcaster {
	if logger == nil {
		logger = slog.Default()
	}
	return &Broadcaster{
		clients:  make(map[string]*client),
		registry: registry,
		logger:   logger,
	}
}

func (b *Broadcaster) Register(c *client) {
	b.mu.Lock()
	b.clients[c.sess.ID] = c
	b.mu.Unlock()
}

// Unregister forgets c and closes its connection. Safe to call repeatedly.
func (b *Broadcaster) Unregister(c *client) {
	b.mu.Lock()
	if cur, ok := b.clients[c.sess.ID]; ok && cur == c {
		delete(b.clients, c.sess.ID)
	}
	b.mu.Unlock()
	c.shutdown(websocket.CloseNormalClosure, "")
}

// Emit sends event to every connection currently in resourceID's room and
// returns the sequence number it was stamped with. Recipients are looked up
// at call time; a member with no live connection is skipped.
func (b *Broadcaster) Emit(resourceID, event string, payload any) (seq uint64, recipients int) {
	seq, data, ok := b.encode(event, payload)
	if !ok {
		return seq, 0
	}

	ids := b.registry.Sessions(resourceID)
	targets := make([]*client, 0, len(ids))
	b.mu.RLock()
	for _, id := range ids {
		if c, ok := b.clients[id]; ok {
			targets = append(targets, c)
		}
	}
	b.mu.RUnlock()

	for _, c := range targets {
		if c.Send(websocket.TextMessage, data) {
			recipients++
		}
	}
	metrics.Broadcasts.WithLabelValues(event).Inc()
	return seq, recipients
}

// SendTo delivers event to a single connection.
func (b *Broadcaster) SendTo(c *client, event string, payload any) bool {
	_, data, ok := b.encode(event, payload)
	if !ok {
		return false
	}
	return c.Send(websocket.TextMessage, data)
}

func (b *Broadcaster) encode(event string, payload any) (uint64, []byte, bool) {
	seq := b.seq.Add(1)
	raw, err := json.Marshal(payload)
	if err != nil {
		b.logger.Error("broadcast marshal error", "event", event, "error", err)
		return seq, nil, false
	}
	data, err := json.Marshal(Message{Event: event, Seq: seq, Data: raw})
	if err != nil {
		b.logger.Error("broadcast marshal error", "event", event, "error", err)
		return seq, nil, false
	}
	return seq, data, true
}

// CloseAll closes every live connection with a going-away frame. Used on
// shutdown; the per-connection cleanups run as the readers fail.
func (b *Broadcaster) CloseAll() {
	b.mu.RLock()
	clients := make([]*client, 0, len(b.clients))
	for _, c := range b.clients {
		clients = append(clients, c)
	}
	b.mu.RUnlock()

	for _, c := range clients {
		c.shutdown(websocket.CloseGoingAway, "server shutting down")
	}
}

func (b *Broadcaster) ClientCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.clients)
}
