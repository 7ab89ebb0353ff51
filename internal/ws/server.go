package ws

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"runtime"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"github.com/shirou/gopsutil/v3/process"

	"github.com/noton/realtime/internal/auth"
	"github.com/noton/realtime/internal/config"
	"github.com/noton/realtime/internal/events"
	"github.com/noton/realtime/internal/metrics"
	"github.com/noton/realtime/internal/presence"
	"github.com/noton/realtime/internal/session"
	"github.com/noton/realtime/internal/syncdoc"
)

const subprotocolTokenPrefix = "bearer."

// Server routes upgrade requests to the sync or presence family and serves
// the health and metrics endpoints.
type Server struct {
	config      *config.Config
	verifier    *auth.Verifier
	registry    *presence.Registry
	adapter     *syncdoc.Adapter
	broadcaster *Broadcaster
	hub         *presenceHub
	logger      *slog.Logger

	clientOpts     clientOptions
	allowedOrigins map[string]bool
	allowedHosts   map[string]bool

	started time.Time
	proc    *process.Process
}

func NewServer(cfg *config.Config, verifier *auth.Verifier, registry *presence.Registry, adapter *syncdoc.Adapter, publisher events.Publisher, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	broadcaster := NewBroadcaster(registry, logger.With("component", "broadcast"))

	s := &Server{
		config:      cfg,
		verifier:    verifier,
		registry:    registry,
		adapter:     adapter,
		broadcaster: broadcaster,
		hub:         newPresenceHub(registry, broadcaster, publisher, logger.With("component", "presence")),
		logger:      logger,
		clientOpts: clientOptions{
			sendBuffer:   cfg.WebSocket.SendBuffer,
			pingInterval: cfg.WebSocket.PingInterval,
			pongTimeout:  cfg.WebSocket.PongTimeout,
			writeTimeout: cfg.WebSocket.WriteTimeout,
			maxMessage:   cfg.WebSocket.MaxMessageSize,
		},
		allowedOrigins: make(map[string]bool),
		allowedHosts:   make(map[string]bool),
		started:        time.Now(),
	}

	for _, origin := range cfg.WebSocket.AllowedOrigins {
		trimmed := strings.TrimSpace(origin)
		if trimmed == "" {
			continue
		}
		s.allowedOrigins[trimmed] = true
		if parsed, err := url.Parse(trimmed); err == nil && parsed.Host != "" {
			s.allowedHosts[parsed.Host] = true
		}
	}

	if proc, err := process.NewProcess(int32(os.Getpid())); err == nil {
		s.proc = proc
	} else {
		logger.Debug("process stats unavailable", "error", err)
	}

	return s
}

func (s *Server) Broadcaster() *Broadcaster { return s.broadcaster }

func (s *Server) SetupRoutes(mux *http.ServeMux) {
	paths := s.config.Paths
	mux.HandleFunc(paths.Sync, s.handleSync)
	mux.HandleFunc(paths.Sync+"/", s.handleSync)
	mux.HandleFunc(paths.Presence, s.handlePresence)
	mux.HandleFunc(paths.Presence+"/", s.handlePresence)
	mux.HandleFunc(paths.Health, s.handleHealth)
	mux.Handle(paths.Metrics, metrics.Handler())
}

// Handler returns a mux with every route registered. Paths outside the
// configured ones get 404 from the mux.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	s.SetupRoutes(mux)
	return mux
}

// CloseAll closes every live connection of both families.
func (s *Server) CloseAll() {
	s.broadcaster.CloseAll()
}

func (s *Server) handleSync(w http.ResponseWriter, r *http.Request) {
	viewer, subprotocol, ok := s.authenticate(w, r)
	if !ok {
		return
	}

	room := strings.TrimSpace(r.URL.Query().Get("room"))
	if room == "" {
		room = strings.Trim(strings.TrimPrefix(r.URL.Path, s.config.Paths.Sync), "/")
	}
	if room == "" {
		metrics.Rejections.WithLabelValues("missing_room").Inc()
		http.Error(w, "missing room", http.StatusBadRequest)
		return
	}

	conn, ok := s.upgrade(w, r, subprotocol)
	if !ok {
		return
	}
	s.serveSync(conn, session.New(session.ProtocolSync, room, viewer))
}

func (s *Server) handlePresence(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != s.config.Paths.Presence && r.URL.Path != s.config.Paths.Presence+"/" {
		http.NotFound(w, r)
		return
	}

	viewer, subprotocol, ok := s.authenticate(w, r)
	if !ok {
		return
	}

	documentID := strings.TrimSpace(r.URL.Query().Get("documentId"))
	conn, ok := s.upgrade(w, r, subprotocol)
	if !ok {
		return
	}
	s.servePresence(conn, session.New(session.ProtocolPresence, documentID, viewer))
}

// authenticate verifies the request's token and writes 401 on failure. No
// session exists until it succeeds.
func (s *Server) authenticate(w http.ResponseWriter, r *http.Request) (session.Viewer, string, bool) {
	token, subprotocol := extractToken(r)
	if token == "" {
		metrics.Rejections.WithLabelValues("missing").Inc()
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return session.Viewer{}, "", false
	}

	viewer, err := s.verifier.Verify(token)
	if err != nil {
		reason := auth.Reason(err)
		metrics.Rejections.WithLabelValues(reason).Inc()
		s.logger.Debug("rejected upgrade", "path", r.URL.Path, "reason", reason, "error", err, "remote", r.RemoteAddr)
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return session.Viewer{}, "", false
	}
	return viewer, subprotocol, true
}

// extractToken looks for the token in the query string, then the
// Authorization header, then a "bearer.<token>" WebSocket subprotocol. The
// second result is the subprotocol to echo back, if that is where it was.
func extractToken(r *http.Request) (token, subprotocol string) {
	if t := r.URL.Query().Get("token"); t != "" {
		return t, ""
	}

	authz := r.Header.Get("Authorization")
	if strings.HasPrefix(authz, "Bearer ") {
		if t := strings.TrimSpace(strings.TrimPrefix(authz, "Bearer ")); t != "" {
			return t, ""
		}
	}

	for _, proto := range websocket.Subprotocols(r) {
		if strings.HasPrefix(proto, subprotocolTokenPrefix) {
			if t := strings.TrimPrefix(proto, subprotocolTokenPrefix); t != "" {
				return t, proto
			}
		}
	}
	return "", ""
}

func (s *Server) upgrade(w http.ResponseWriter, r *http.Request, subprotocol string) (*websocket.Conn, bool) {
	upgrader := websocket.Upgrader{
		CheckOrigin: s.checkOrigin,
	}

	var header http.Header
	if subprotocol != "" {
		header = http.Header{"Sec-Websocket-Protocol": []string{subprotocol}}
	}

	conn, err := upgrader.Upgrade(w, r, header)
	if err != nil {
		metrics.Rejections.WithLabelValues("upgrade").Inc()
		s.logger.Info("ws upgrade error", "path", r.URL.Path, "error", err)
		return nil, false
	}
	return conn, true
}

// checkOrigin allows any origin when no allow-list is configured.
func (s *Server) checkOrigin(r *http.Request) bool {
	if len(s.allowedOrigins) == 0 {
		return true
	}

	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	if s.allowedOrigins[origin] {
		return true
	}
	if parsed, err := url.Parse(origin); err == nil && parsed.Host != "" {
		return s.allowedHosts[parsed.Host]
	}
	return false
}

type healthResponse struct {
	Status        string `json:"status"`
	Service       string `json:"service"`
	Port          int    `json:"port"`
	UptimeSeconds int64  `json:"uptimeSeconds"`
	Connections   int    `json:"connections"`
	Rooms         int    `json:"rooms"`
	SyncDocuments int    `json:"syncDocuments"`
	SyncEngine    string `json:"syncEngine"`
	Goroutines    int    `json:"goroutines"`
	RSSBytes      uint64 `json:"rssBytes,omitempty"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet && r.Method != http.MethodHead {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	rooms, _ := s.registry.Stats()
	docs, _ := s.adapter.Stats()
	engine := "available"
	if !s.adapter.Available() {
		engine = "unavailable"
	}

	resp := healthResponse{
		Status:        "ok",
		Service:       "realtime",
		Port:          s.config.Server.Port,
		UptimeSeconds: int64(time.Since(s.started).Seconds()),
		Connections:   s.broadcaster.ClientCount(),
		Rooms:         rooms,
		SyncDocuments: docs,
		SyncEngine:    engine,
		Goroutines:    runtime.NumGoroutine(),
	}
	if s.proc != nil {
		if mem, err := s.proc.MemoryInfo(); err == nil {
			resp.RSSBytes = mem.RSS
		}
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(resp)
}
