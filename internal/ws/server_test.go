package ws

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/noton/realtime/internal/auth"
	"github.com/noton/realtime/internal/config"
	"github.com/noton/realtime/internal/events"
	"github.com/noton/realtime/internal/presence"
	"github.com/noton/realtime/internal/session"
	"github.com/noton/realtime/internal/syncdoc"
)

const testSecret = "test-secret"

type recordingPublisher struct {
	mu     sync.Mutex
	events []events.PresenceChanged
}

func (p *recordingPublisher) PublishPresence(ev events.PresenceChanged) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, ev)
}

func (p *recordingPublisher) Close() error { return nil }

func (p *recordingPublisher) count() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.events)
}

type testEnv struct {
	srv      *Server
	ts       *httptest.Server
	registry *presence.Registry
	adapter  *syncdoc.Adapter
	pub      *recordingPublisher
}

type envOption func(cfg *config.Config, factory *syncdoc.Factory, available *bool)

func withSyncFactory(f syncdoc.Factory) envOption {
	return func(_ *config.Config, factory *syncdoc.Factory, _ *bool) { *factory = f }
}

func withSyncUnavailable() envOption {
	return func(_ *config.Config, _ *syncdoc.Factory, available *bool) { *available = false }
}

func withConfig(fn func(*config.Config)) envOption {
	return func(cfg *config.Config, _ *syncdoc.Factory, _ *bool) { fn(cfg) }
}

func newTestEnv(t *testing.T, opts ...envOption) *testEnv {
	t.Helper()

	cfg := config.Default()
	cfg.Auth.JWTSecret = testSecret
	factory := syncdoc.Factory(syncdoc.RelayFactory)
	available := true
	for _, opt := range opts {
		opt(cfg, &factory, &available)
	}

	verifier, err := auth.NewVerifier(auth.Options{Secret: []byte(testSecret)})
	require.NoError(t, err)

	env := &testEnv{
		registry: presence.NewRegistry(),
		adapter:  syncdoc.NewAdapter(factory, available, quietLogger()),
		pub:      &recordingPublisher{},
	}
	env.srv = NewServer(cfg, verifier, env.registry, env.adapter, env.pub, quietLogger())
	env.ts = httptest.NewServer(env.srv.Handler())
	t.Cleanup(func() {
		env.srv.CloseAll()
		env.ts.Close()
	})
	return env
}

func tokenFor(t *testing.T, userID string) string {
	t.Helper()
	tok, err := auth.Sign([]byte(testSecret), session.Viewer{UserID: userID, Email: userID + "@example.com"}, time.Now().Add(time.Hour))
	require.NoError(t, err)
	return tok
}

func (e *testEnv) wsURL(path string, query url.Values) string {
	u := "ws" + strings.TrimPrefix(e.ts.URL, "http") + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}
	return u
}

func (e *testEnv) dial(t *testing.T, path string, query url.Values) *websocket.Conn {
	t.Helper()
	conn, _, err := websocket.DefaultDialer.Dial(e.wsURL(path, query), nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func (e *testEnv) dialPresence(t *testing.T, userID, documentID string) *websocket.Conn {
	t.Helper()
	q := url.Values{"token": {tokenFor(t, userID)}}
	if documentID != "" {
		q.Set("documentId", documentID)
	}
	return e.dial(t, "/presence", q)
}

func readMessage(t *testing.T, conn *websocket.Conn, timeout time.Duration) (Message, error) {
	t.Helper()
	_ = conn.SetReadDeadline(time.Now().Add(timeout))
	_, data, err := conn.ReadMessage()
	if err != nil {
		return Message{}, err
	}
	var msg Message
	require.NoError(t, json.Unmarshal(data, &msg))
	return msg, nil
}

func readUpdate(t *testing.T, conn *websocket.Conn) (PresenceUpdate, uint64) {
	t.Helper()
	for {
		msg, err := readMessage(t, conn, 2*time.Second)
		require.NoError(t, err)
		if msg.Event != EventPresenceUpdate {
			continue
		}
		var update PresenceUpdate
		require.NoError(t, json.Unmarshal(msg.Data, &update))
		return update, msg.Seq
	}
}

func userIDs(viewers []session.Viewer) []string {
	ids := make([]string, 0, len(viewers))
	for _, v := range viewers {
		ids = append(ids, v.UserID)
	}
	return ids
}

func sendEvent(t *testing.T, conn *websocket.Conn, event string, data any) {
	t.Helper()
	msg := map[string]any{"event": event}
	if data != nil {
		msg["data"] = data
	}
	require.NoError(t, conn.WriteJSON(msg))
}

func TestPresenceAbruptDisconnectNotifiesRemainingViewer(t *testing.T) {
	env := newTestEnv(t)

	s1 := env.dialPresence(t, "u1", "doc-1")
	update, _ := readUpdate(t, s1)
	assert.Equal(t, []string{"u1"}, userIDs(update.Viewers))

	s2 := env.dialPresence(t, "u2", "doc-1")
	update, _ = readUpdate(t, s2)
	assert.Equal(t, "doc-1", update.ResourceID)
	assert.Equal(t, []string{"u1", "u2"}, userIDs(update.Viewers))

	// Drop the transport without a close frame.
	require.NoError(t, s1.UnderlyingConn().Close())

	update, _ = readUpdate(t, s2)
	assert.Equal(t, "doc-1", update.ResourceID)
	assert.Equal(t, []string{"u2"}, userIDs(update.Viewers))

	_, err := readMessage(t, s2, 300*time.Millisecond)
	assert.Error(t, err, "expected exactly one broadcast after the disconnect")

	assert.Equal(t, []string{"u2"}, userIDs(env.registry.Snapshot("doc-1")))
}

func TestPresenceSwitchEmitsToBothRooms(t *testing.T) {
	env := newTestEnv(t)

	watcherA := env.dialPresence(t, "wa", "doc-a")
	readUpdate(t, watcherA)

	conn := env.dialPresence(t, "u1", "doc-a")
	readUpdate(t, conn)
	update, _ := readUpdate(t, watcherA)
	assert.Equal(t, []string{"u1", "wa"}, userIDs(update.Viewers))

	require.Eventually(t, func() bool { return env.pub.count() == 2 }, 2*time.Second, 10*time.Millisecond)

	sendEvent(t, conn, EventJoinChannel, "doc-b")

	update, _ = readUpdate(t, conn)
	assert.Equal(t, "doc-b", update.ResourceID)
	assert.Equal(t, []string{"u1"}, userIDs(update.Viewers))

	update, _ = readUpdate(t, watcherA)
	assert.Equal(t, "doc-a", update.ResourceID)
	assert.Equal(t, []string{"wa"}, userIDs(update.Viewers))

	require.Eventually(t, func() bool { return env.pub.count() == 4 }, 2*time.Second, 10*time.Millisecond,
		"a switch should emit once to the old room and once to the new one")

	// Switching to the current room is a no-op. The unknown event is answered
	// in order, so by the time its error arrives the join has been handled.
	sendEvent(t, conn, EventJoinChannel, map[string]string{"documentId": "doc-b"})
	sendEvent(t, conn, "cursor:move", nil)

	msg, err := readMessage(t, conn, 2*time.Second)
	require.NoError(t, err)
	assert.Equal(t, EventError, msg.Event)
	assert.Equal(t, 4, env.pub.count())

	assert.Equal(t, []string{"wa"}, userIDs(env.registry.Snapshot("doc-a")))
	assert.Equal(t, []string{"u1"}, userIDs(env.registry.Snapshot("doc-b")))
}

func TestPresenceLeaveChannel(t *testing.T) {
	env := newTestEnv(t)

	watcher := env.dialPresence(t, "w", "doc-1")
	readUpdate(t, watcher)
	conn := env.dialPresence(t, "u1", "doc-1")
	readUpdate(t, conn)
	readUpdate(t, watcher)

	sendEvent(t, conn, EventLeaveChannel, nil)

	update, _ := readUpdate(t, watcher)
	assert.Equal(t, []string{"w"}, userIDs(update.Viewers))

	rooms, sessions := env.registry.Stats()
	assert.Equal(t, 1, rooms)
	assert.Equal(t, 1, sessions)
}

func TestPresenceWithoutDocumentJoinsLater(t *testing.T) {
	env := newTestEnv(t)

	conn := env.dialPresence(t, "u1", "")
	sendEvent(t, conn, EventJoinChannel, "doc-2")

	update, _ := readUpdate(t, conn)
	assert.Equal(t, "doc-2", update.ResourceID)
	assert.Equal(t, []string{"u1"}, userIDs(update.Viewers))
}

func TestPresenceNeverJoinedDisconnectDoesNotBroadcast(t *testing.T) {
	env := newTestEnv(t)

	conn := env.dialPresence(t, "u1", "")
	require.Eventually(t, func() bool { return env.srv.Broadcaster().ClientCount() == 1 }, 2*time.Second, 10*time.Millisecond)
	conn.Close()

	require.Eventually(t, func() bool { return env.srv.Broadcaster().ClientCount() == 0 }, 2*time.Second, 10*time.Millisecond)
	assert.Zero(t, env.pub.count())
}

func TestPresenceBadJoinGetsError(t *testing.T) {
	env := newTestEnv(t)

	conn := env.dialPresence(t, "u1", "")
	sendEvent(t, conn, EventJoinChannel, map[string]string{})

	msg, err := readMessage(t, conn, 2*time.Second)
	require.NoError(t, err)
	assert.Equal(t, EventError, msg.Event)

	// Malformed JSON is ignored; the connection keeps working.
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte("{not json")))
	sendEvent(t, conn, EventJoinChannel, "doc-3")
	update, _ := readUpdate(t, conn)
	assert.Equal(t, "doc-3", update.ResourceID)
}

func TestPresenceUpdatesArriveInOrder(t *testing.T) {
	env := newTestEnv(t)

	watcher := env.dialPresence(t, "watcher", "doc-w")
	readUpdate(t, watcher)

	const clients = 5
	const rounds = 5
	var wg sync.WaitGroup
	wg.Add(clients)
	for i := 0; i < clients; i++ {
		conn := env.dialPresence(t, fmt.Sprintf("u%d", i), "")
		go func(conn *websocket.Conn) {
			defer wg.Done()
			for r := 0; r < rounds; r++ {
				if err := conn.WriteJSON(map[string]any{"event": EventJoinChannel, "data": "doc-w"}); err != nil {
					return
				}
				if err := conn.WriteJSON(map[string]any{"event": EventJoinChannel, "data": "doc-x"}); err != nil {
					return
				}
			}
			conn.Close()
		}(conn)
	}
	wg.Wait()

	require.Eventually(t, func() bool {
		return len(env.registry.Sessions("doc-w")) == 1 && len(env.registry.Sessions("doc-x")) == 0
	}, 3*time.Second, 10*time.Millisecond)

	var last PresenceUpdate
	var lastSeq uint64
	for {
		msg, err := readMessage(t, watcher, 300*time.Millisecond)
		if err != nil {
			break
		}
		if msg.Event != EventPresenceUpdate {
			continue
		}
		assert.Greater(t, msg.Seq, lastSeq, "updates must arrive in emit order")
		lastSeq = msg.Seq
		require.NoError(t, json.Unmarshal(msg.Data, &last))
	}

	assert.Equal(t, "doc-w", last.ResourceID)
	assert.Equal(t, []string{"watcher"}, userIDs(last.Viewers))
}

func TestUpgradeRejections(t *testing.T) {
	env := newTestEnv(t)

	expired, err := auth.Sign([]byte(testSecret), session.Viewer{UserID: "u1", Email: "u1@example.com"}, time.Now().Add(-time.Minute))
	require.NoError(t, err)
	wrongSecret, err := auth.Sign([]byte("other"), session.Viewer{UserID: "u1", Email: "u1@example.com"}, time.Now().Add(time.Hour))
	require.NoError(t, err)

	tests := []struct {
		name  string
		path  string
		query url.Values
		want  int
	}{
		{"presence expired", "/presence", url.Values{"token": {expired}, "documentId": {"doc-1"}}, http.StatusUnauthorized},
		{"presence missing", "/presence", url.Values{"documentId": {"doc-1"}}, http.StatusUnauthorized},
		{"presence wrong secret", "/presence", url.Values{"token": {wrongSecret}}, http.StatusUnauthorized},
		{"sync garbage", "/yjs", url.Values{"token": {"garbage"}, "room": {"doc-1"}}, http.StatusUnauthorized},
		{"sync missing room", "/yjs", url.Values{"token": {tokenFor(t, "u1")}}, http.StatusBadRequest},
		{"unknown path", "/socket.io", url.Values{"token": {tokenFor(t, "u1")}}, http.StatusNotFound},
		{"presence subpath", "/presence/extra", url.Values{"token": {tokenFor(t, "u1")}}, http.StatusNotFound},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, resp, err := websocket.DefaultDialer.Dial(env.wsURL(tt.path, tt.query), nil)
			require.Error(t, err)
			require.True(t, errors.Is(err, websocket.ErrBadHandshake), "err = %v", err)
			require.NotNil(t, resp)
			assert.Equal(t, tt.want, resp.StatusCode)
		})
	}

	rooms, sessions := env.registry.Stats()
	assert.Zero(t, rooms)
	assert.Zero(t, sessions)
	assert.Zero(t, env.srv.Broadcaster().ClientCount())
	docs, _ := env.adapter.Stats()
	assert.Zero(t, docs)
}

func TestTokenFromAuthorizationHeader(t *testing.T) {
	env := newTestEnv(t)

	header := http.Header{"Authorization": {"Bearer " + tokenFor(t, "u1")}}
	conn, _, err := websocket.DefaultDialer.Dial(env.wsURL("/presence", url.Values{"documentId": {"doc-1"}}), header)
	require.NoError(t, err)
	defer conn.Close()

	update, _ := readUpdate(t, conn)
	assert.Equal(t, []string{"u1"}, userIDs(update.Viewers))
}

func TestTokenFromSubprotocol(t *testing.T) {
	env := newTestEnv(t)

	proto := subprotocolTokenPrefix + tokenFor(t, "u1")
	dialer := websocket.Dialer{Subprotocols: []string{proto}}
	conn, _, err := dialer.Dial(env.wsURL("/presence", url.Values{"documentId": {"doc-1"}}), nil)
	require.NoError(t, err)
	defer conn.Close()

	assert.Equal(t, proto, conn.Subprotocol())
	update, _ := readUpdate(t, conn)
	assert.Equal(t, []string{"u1"}, userIDs(update.Viewers))
}

func TestOriginAllowList(t *testing.T) {
	env := newTestEnv(t, withConfig(func(cfg *config.Config) {
		cfg.WebSocket.AllowedOrigins = []string{"https://app.noton.dev"}
	}))

	q := url.Values{"token": {tokenFor(t, "u1")}}
	ok, _, err := websocket.DefaultDialer.Dial(env.wsURL("/presence", q), http.Header{"Origin": {"https://app.noton.dev"}})
	require.NoError(t, err)
	ok.Close()

	_, resp, err := websocket.DefaultDialer.Dial(env.wsURL("/presence", q), http.Header{"Origin": {"https://evil.example"}})
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
}

type countingFactory struct {
	created atomic.Int32
}

func (f *countingFactory) build(docName string) (syncdoc.Engine, error) {
	f.created.Add(1)
	return syncdoc.NewRelayEngine(docName), nil
}

func TestConcurrentSyncConnectsShareOneEngine(t *testing.T) {
	f := &countingFactory{}
	env := newTestEnv(t, withSyncFactory(f.build))

	const n = 10
	var wg sync.WaitGroup
	wg.Add(n)
	for i := 0; i < n; i++ {
		go func(i int) {
			defer wg.Done()
			q := url.Values{"token": {tokenFor(t, fmt.Sprintf("u%d", i))}}
			conn, _, err := websocket.DefaultDialer.Dial(env.wsURL("/yjs/doc-7", q), nil)
			if !assert.NoError(t, err) {
				return
			}
			t.Cleanup(func() { conn.Close() })
		}(i)
	}
	wg.Wait()

	require.Eventually(t, func() bool {
		_, peers := env.adapter.Stats()
		return peers == n
	}, 2*time.Second, 10*time.Millisecond)

	assert.Equal(t, int32(1), f.created.Load())
	docs, _ := env.adapter.Stats()
	assert.Equal(t, 1, docs)
}

func TestSyncRelaysFramesWithinDocument(t *testing.T) {
	env := newTestEnv(t)

	a := env.dial(t, "/yjs", url.Values{"token": {tokenFor(t, "ua")}, "room": {"doc-1"}})
	b := env.dial(t, "/yjs/doc-1", url.Values{"token": {tokenFor(t, "ub")}})
	other := env.dial(t, "/yjs/doc-2", url.Values{"token": {tokenFor(t, "uc")}})

	require.Eventually(t, func() bool {
		docs, peers := env.adapter.Stats()
		return docs == 2 && peers == 3
	}, 2*time.Second, 10*time.Millisecond)

	payload := []byte{0x00, 0x00, 0x01, 0x02}
	require.NoError(t, a.WriteMessage(websocket.BinaryMessage, payload))

	_ = b.SetReadDeadline(time.Now().Add(2 * time.Second))
	msgType, data, err := b.ReadMessage()
	require.NoError(t, err)
	assert.Equal(t, websocket.BinaryMessage, msgType)
	assert.Equal(t, payload, data)

	_ = other.SetReadDeadline(time.Now().Add(200 * time.Millisecond))
	_, _, err = other.ReadMessage()
	assert.Error(t, err, "frames must not cross documents")

	a.Close()
	b.Close()
	require.Eventually(t, func() bool {
		docs, _ := env.adapter.Stats()
		return docs == 1
	}, 2*time.Second, 10*time.Millisecond, "the last detach should dispose the engine")
}

func TestSyncDegradedKeepsConnectionOpen(t *testing.T) {
	env := newTestEnv(t, withSyncUnavailable())

	a := env.dial(t, "/yjs/doc-1", url.Values{"token": {tokenFor(t, "ua")}})
	b := env.dial(t, "/yjs/doc-1", url.Values{"token": {tokenFor(t, "ub")}})

	require.Eventually(t, func() bool { return env.srv.Broadcaster().ClientCount() == 2 }, 2*time.Second, 10*time.Millisecond)

	for i := 0; i < 3; i++ {
		require.NoError(t, a.WriteMessage(websocket.BinaryMessage, []byte{byte(i)}))
	}

	_ = b.SetReadDeadline(time.Now().Add(200 * time.Millisecond))
	_, _, err := b.ReadMessage()
	var netErr interface{ Timeout() bool }
	require.ErrorAs(t, err, &netErr, "degraded sync must drop input, not close: %v", err)
	assert.True(t, netErr.Timeout())

	assert.Equal(t, 2, env.srv.Broadcaster().ClientCount())
	docs, _ := env.adapter.Stats()
	assert.Zero(t, docs)
}

func TestCloseAllEndsSessions(t *testing.T) {
	env := newTestEnv(t)

	conn := env.dialPresence(t, "u1", "doc-1")
	readUpdate(t, conn)

	env.srv.CloseAll()

	_, err := readMessage(t, conn, 2*time.Second)
	require.Error(t, err)
	assert.True(t, websocket.IsCloseError(err, websocket.CloseGoingAway), "err = %v", err)

	require.Eventually(t, func() bool {
		rooms, sessions := env.registry.Stats()
		return rooms == 0 && sessions == 0
	}, 2*time.Second, 10*time.Millisecond)
}

func TestHealth(t *testing.T) {
	env := newTestEnv(t)

	conn := env.dialPresence(t, "u1", "doc-1")
	readUpdate(t, conn)

	resp, err := http.Get(env.ts.URL + "/health")
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "application/json", resp.Header.Get("Content-Type"))

	var body healthResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Equal(t, "ok", body.Status)
	assert.Equal(t, "realtime", body.Service)
	assert.Equal(t, config.DefaultPort, body.Port)
	assert.Equal(t, 1, body.Connections)
	assert.Equal(t, 1, body.Rooms)
	assert.Equal(t, "available", body.SyncEngine)
	assert.Positive(t, body.Goroutines)
}

func TestHealthReportsUnavailableEngine(t *testing.T) {
	env := newTestEnv(t, withSyncUnavailable())

	resp, err := http.Get(env.ts.URL + "/health")
	require.NoError(t, err)
	defer resp.Body.Close()

	var body healthResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Equal(t, "unavailable", body.SyncEngine)
}

func TestMetricsEndpoint(t *testing.T) {
	env := newTestEnv(t)

	resp, err := http.Get(env.ts.URL + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), "realtime_presence_rooms")
}

func TestExtractTokenOrder(t *testing.T) {
	r := httptest.NewRequest(http.MethodGet, "/presence?token=query", nil)
	r.Header.Set("Authorization", "Bearer header")
	r.Header.Set("Sec-WebSocket-Protocol", "bearer.proto")

	tok, proto := extractToken(r)
	assert.Equal(t, "query", tok)
	assert.Empty(t, proto)

	r = httptest.NewRequest(http.MethodGet, "/presence", nil)
	r.Header.Set("Authorization", "Bearer header")
	r.Header.Set("Sec-WebSocket-Protocol", "bearer.proto")
	tok, _ = extractToken(r)
	assert.Equal(t, "header", tok)

	r = httptest.NewRequest(http.MethodGet, "/presence", nil)
	r.Header.Set("Sec-WebSocket-Protocol", "realtime, bearer.proto")
	tok, proto = extractToken(r)
	assert.Equal(t, "proto", tok)
	assert.Equal(t, "bearer.proto", proto)

	r = httptest.NewRequest(http.MethodGet, "/presence", nil)
	r.Header.Set("Authorization", "Basic abc")
	tok, _ = extractToken(r)
	assert.Empty(t, tok)
}
