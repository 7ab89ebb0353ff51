package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/gorilla/websocket"
)

const (
	reconnectBaseDelay = 1 * time.Second
	reconnectMaxDelay  = 30 * time.Second
	writeTimeout       = 10 * time.Second
	pongTimeout        = 60 * time.Second
	pingInterval       = 25 * time.Second
)

var (
	// ErrNotConnected is returned by writes while there is no connection.
	ErrNotConnected = errors.New("not connected")
	// ErrUnauthorized means the server rejected the token; retrying won't help.
	ErrUnauthorized = errors.New("token rejected by server")
)

// WSClient manages the WebSocket connection to the presence endpoint.
type WSClient struct {
	url   string
	token string

	// newBackOff builds the reconnect policy. Replaced in tests.
	newBackOff func() backoff.BackOff

	mu      sync.Mutex
	writeMu sync.Mutex // serialises all conn writes (ping, join, leave)
	conn    *websocket.Conn
	room    string
	seq     uint64
	pingCtx context.CancelFunc // cancels the active ping goroutine
}

// NewWSClient creates a client for the presence URL (e.g.
// "ws://127.0.0.1:3003/presence"). room is the document to join on connect
// and may be empty.
func NewWSClient(url, token, room string) *WSClient {
	return &WSClient{
		url:        url,
		token:      token,
		room:       room,
		newBackOff: defaultBackOff,
	}
}

func defaultBackOff() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = reconnectBaseDelay
	b.MaxInterval = reconnectMaxDelay
	b.MaxElapsedTime = 0
	return b
}

// --- Bubble Tea messages ---

// WSConnectedMsg is sent when the WebSocket connects.
type WSConnectedMsg struct{}

// WSDisconnectedMsg is sent when the connection drops. Fatal is set when
// reconnecting cannot succeed.
type WSDisconnectedMsg struct {
	Err   error
	Fatal bool
}

// WSPresenceMsg delivers the viewer list of the current document.
type WSPresenceMsg struct {
	Seq     uint64
	Payload PresenceUpdate
}

// WSErrorMsg wraps a server-side error event.
type WSErrorMsg struct{ Message string }

// Listen returns a Bubble Tea command that connects, retrying with
// exponential backoff until it succeeds or ctx is done.
func (c *WSClient) Listen(ctx context.Context) tea.Cmd {
	return func() tea.Msg {
		var conn *websocket.Conn
		op := func() error {
			dialURL, err := c.dialURL()
			if err != nil {
				return backoff.Permanent(err)
			}
			cn, resp, err := websocket.DefaultDialer.DialContext(ctx, dialURL, c.header())
			if err != nil {
				if resp != nil && resp.StatusCode == http.StatusUnauthorized {
					return backoff.Permanent(ErrUnauthorized)
				}
				return err
			}
			conn = cn
			return nil
		}
		notify := func(err error, next time.Duration) {
			slog.Debug("ws dial error", "error", err, "retry_in", next)
		}

		if err := backoff.RetryNotify(op, backoff.WithContext(c.newBackOff(), ctx), notify); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return WSDisconnectedMsg{Err: err, Fatal: true}
		}

		// Cancel any previous ping goroutine.
		c.mu.Lock()
		if c.pingCtx != nil {
			c.pingCtx()
		}
		pingCtx, pingCancel := context.WithCancel(ctx)
		c.conn = conn
		c.seq = 0
		c.pingCtx = pingCancel
		c.mu.Unlock()

		go c.pingLoop(pingCtx, conn)

		return WSConnectedMsg{}
	}
}

// dialURL adds the current room to the configured URL so a reconnect lands
// back in the same document.
func (c *WSClient) dialURL() (string, error) {
	u, err := url.Parse(c.url)
	if err != nil {
		return "", fmt.Errorf("parse url: %w", err)
	}
	q := u.Query()
	if room := c.Room(); room != "" {
		q.Set("documentId", room)
	} else {
		q.Del("documentId")
	}
	u.RawQuery = q.Encode()
	return u.String(), nil
}

func (c *WSClient) header() http.Header {
	if c.token == "" {
		return nil
	}
	return http.Header{"Authorization": {"Bearer " + c.token}}
}

// ReadLoop returns a Bubble Tea command that reads messages from the
// connection until one of them maps to a Bubble Tea message.
func (c *WSClient) ReadLoop(ctx context.Context) tea.Cmd {
	return func() tea.Msg {
		c.mu.Lock()
		conn := c.conn
		c.mu.Unlock()
		if conn == nil {
			return WSDisconnectedMsg{Err: ErrNotConnected}
		}

		conn.SetPongHandler(func(string) error {
			conn.SetReadDeadline(time.Now().Add(pongTimeout))
			return nil
		})
		conn.SetPingHandler(func(data string) error {
			conn.SetReadDeadline(time.Now().Add(pongTimeout))
			c.writeMu.Lock()
			defer c.writeMu.Unlock()
			return conn.WriteControl(websocket.PongMessage, []byte(data), time.Now().Add(writeTimeout))
		})
		conn.SetReadDeadline(time.Now().Add(pongTimeout))

		for {
			_, data, err := conn.ReadMessage()
			if err != nil {
				c.mu.Lock()
				if c.conn == conn {
					c.conn = nil
				}
				c.mu.Unlock()
				conn.Close()
				return WSDisconnectedMsg{Err: err}
			}

			var msg Message
			if err := json.Unmarshal(data, &msg); err != nil {
				continue
			}

			c.mu.Lock()
			if msg.Seq > 0 {
				c.seq = msg.Seq
			}
			c.mu.Unlock()

			if teaMsg := dispatch(msg); teaMsg != nil {
				return teaMsg
			}
		}
	}
}

// pingLoop sends periodic pings on the given connection. It exits when the
// context is cancelled or the connection changes.
func (c *WSClient) pingLoop(ctx context.Context, conn *websocket.Conn) {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.mu.Lock()
			cc := c.conn
			c.mu.Unlock()
			if cc != conn {
				return
			}
			c.writeMu.Lock()
			conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			err := conn.WriteMessage(websocket.PingMessage, nil)
			c.writeMu.Unlock()
			if err != nil {
				return
			}
		}
	}
}

// Join switches the connection to room. The room is remembered even when
// offline so the next connect joins it.
func (c *WSClient) Join(room string) error {
	c.mu.Lock()
	c.room = room
	c.mu.Unlock()
	return c.send(Message{Event: EventJoinChannel, Data: mustJSON(room)})
}

// Leave drops the current room without closing the connection.
func (c *WSClient) Leave() error {
	c.mu.Lock()
	c.room = ""
	c.mu.Unlock()
	return c.send(Message{Event: EventLeaveChannel})
}

func (c *WSClient) send(msg Message) error {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return ErrNotConnected
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return conn.WriteJSON(msg)
}

// Room returns the room the client is in or will join on connect.
func (c *WSClient) Room() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.room
}

// Seq returns the last seen sequence number.
func (c *WSClient) Seq() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.seq
}

// Close drops the current connection.
func (c *WSClient) Close() error {
	c.mu.Lock()
	conn := c.conn
	c.conn = nil
	if c.pingCtx != nil {
		c.pingCtx()
	}
	c.mu.Unlock()
	if conn == nil {
		return nil
	}
	return conn.Close()
}

func dispatch(msg Message) tea.Msg {
	switch msg.Event {
	case EventPresenceUpdate:
		var p PresenceUpdate
		if json.Unmarshal(msg.Data, &p) == nil {
			return WSPresenceMsg{Seq: msg.Seq, Payload: p}
		}
	case EventError:
		var p ErrorPayload
		if json.Unmarshal(msg.Data, &p) == nil {
			return WSErrorMsg{Message: p.Message}
		}
		return WSErrorMsg{Message: string(msg.Data)}
	}
	return nil
}

func mustJSON(v any) json.RawMessage {
	data, err := json.Marshal(v)
	if err != nil {
		panic(err)
	}
	return data
}
