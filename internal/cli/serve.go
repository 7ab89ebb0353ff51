package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/noton/realtime/internal/auth"
	"github.com/noton/realtime/internal/config"
	"github.com/noton/realtime/internal/events"
	"github.com/noton/realtime/internal/presence"
	"github.com/noton/realtime/internal/syncdoc"
	"github.com/noton/realtime/internal/ws"
)

// ServeOptions holds flags for the serve command.
type ServeOptions struct {
	*RootOptions
	Port int

	// LogOutput overrides where logs go (for testing). Defaults to stderr.
	LogOutput io.Writer
}

// NewServeCommand creates the serve command.
func NewServeCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &ServeOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the WebSocket edge server",
		Long: `Run the WebSocket edge server until SIGINT or SIGTERM.

Configuration is read from --config, then overridden by PORT, HOST,
JWT_SECRET, NATS_URL, LOG_LEVEL and SYNC_ENGINE.

Example:
  JWT_SECRET=dev realtime serve
  realtime serve --config /etc/realtime/config.yaml --port 3010`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context(), opts)
		},
	}

	cmd.Flags().IntVarP(&opts.Port, "port", "p", 0, "override server port")

	return cmd
}

func runServe(parent context.Context, opts *ServeOptions) error {
	cfg, err := config.Resolve(opts.ConfigPath)
	if err != nil {
		return err
	}
	if opts.Port > 0 {
		cfg.Server.Port = opts.Port
		if err := cfg.Validate(); err != nil {
			return fmt.Errorf("invalid config: %w", err)
		}
	}

	out := opts.LogOutput
	if out == nil {
		out = os.Stderr
	}
	logger, err := newLogger(cfg.Log, out)
	if err != nil {
		return err
	}
	slog.SetDefault(logger)

	srv, publisher, err := buildServer(cfg, logger)
	if err != nil {
		return err
	}
	defer func() {
		if err := publisher.Close(); err != nil {
			logger.Warn("event publisher close failed", "error", err)
		}
	}()

	ln, err := net.Listen("tcp", cfg.Addr())
	if err != nil {
		return fmt.Errorf("listen %s: %w", cfg.Addr(), err)
	}

	if parent == nil {
		parent = context.Background()
	}
	ctx, stop := signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
	defer stop()

	httpSrv := &http.Server{
		Handler:           srv.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("server listening", "addr", ln.Addr().String(),
			"sync_path", cfg.Paths.Sync, "presence_path", cfg.Paths.Presence)
		if err := httpSrv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("serve: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down", "timeout", cfg.Server.ShutdownTimeout)

		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()
		err := httpSrv.Shutdown(shutdownCtx)
		// Hijacked WebSocket connections are not tracked by http.Server.
		srv.CloseAll()
		return err
	})

	if err := g.Wait(); err != nil {
		return err
	}
	logger.Info("server stopped")
	return nil
}

// buildServer wires the verifier, registry, sync adapter and event publisher
// into a ws.Server.
func buildServer(cfg *config.Config, logger *slog.Logger) (*ws.Server, events.Publisher, error) {
	verifier, err := auth.NewVerifier(auth.Options{
		Secret:        []byte(cfg.Auth.JWTSecret),
		Issuer:        cfg.Auth.Issuer,
		Audience:      cfg.Auth.Audience,
		Leeway:        cfg.Auth.Leeway,
		MaxTokenBytes: cfg.Auth.MaxTokenBytes,
	})
	if err != nil {
		return nil, nil, err
	}

	syncLogger := logger.With("component", "sync")
	factory, available, err := resolveSyncEngine(cfg.Sync.Engine, syncLogger)
	if err != nil {
		return nil, nil, err
	}
	adapter := syncdoc.NewAdapter(factory, available, syncLogger)

	var publisher events.Publisher = events.Nop{}
	if cfg.Events.NATSURL != "" {
		p, err := events.DialNATS(cfg.Events.NATSURL, cfg.Events.SubjectPrefix, logger.With("component", "events"))
		if err != nil {
			return nil, nil, err
		}
		logger.Info("mirroring presence to nats", "url", cfg.Events.NATSURL, "prefix", cfg.Events.SubjectPrefix)
		publisher = p
	}

	srv := ws.NewServer(cfg, verifier, presence.NewRegistry(), adapter, publisher, logger.With("component", "ws"))
	return srv, publisher, nil
}

// resolveSyncEngine decides once, at startup, whether document sync has a
// working engine. An unavailable engine is not fatal.
func resolveSyncEngine(kind string, logger *slog.Logger) (syncdoc.Factory, bool, error) {
	factory, err := syncdoc.ResolveFactory(kind)
	if errors.Is(err, syncdoc.ErrEngineUnavailable) {
		logger.Warn("sync engine disabled; sync connections will be held open without relay", "engine", kind)
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	if err := syncdoc.Probe(factory); err != nil {
		logger.Warn("sync engine probe failed; sync connections will be held open without relay", "engine", kind, "error", err)
		return factory, false, nil
	}
	logger.Info("sync engine ready", "engine", kind)
	return factory, true, nil
}
