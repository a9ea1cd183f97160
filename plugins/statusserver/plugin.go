// Package statusserver exposes the running session over HTTP.
//
// Routes:
//
//	GET  /healthz              liveness probe
//	GET  /api/session          current session snapshot
//	POST /api/session/stop     request a clean stop
//	GET  /api/session/stream   websocket pushing snapshots
package statusserver

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/gorilla/websocket"

	"github.com/hepic-lab/hepic/pkg/log"
	"github.com/hepic-lab/hepic/pkg/rig"
)

// Plugin serves the session status API.
type Plugin struct {
	cfg Config

	mu       sync.Mutex
	server   *http.Server
	listener net.Listener
	logger   rig.Logger
	served   chan struct{}
}

// Config holds configuration options for the status server.
type Config struct {
	// Addr is the listen address, for example ":8090". Port 0 picks a free
	// port; see Plugin.Addr.
	Addr string

	// StreamInterval is the push period of the websocket stream.
	// Default: 1s
	StreamInterval time.Duration
}

// DefaultConfig returns a Config listening on localhost:8090.
func DefaultConfig() Config {
	return Config{
		Addr:           "127.0.0.1:8090",
		StreamInterval: time.Second,
	}
}

// New creates a status server plugin.
func New(cfg Config) *Plugin {
	if cfg.Addr == "" {
		cfg.Addr = DefaultConfig().Addr
	}
	if cfg.StreamInterval <= 0 {
		cfg.StreamInterval = time.Second
	}
	return &Plugin{cfg: cfg}
}

// Name returns the plugin identifier.
func (p *Plugin) Name() string {
	return "statusserver"
}

// Initialize binds the listen address and starts serving.
func (p *Plugin) Initialize(ctx context.Context, cfg rig.PluginConfig) error {
	ln, err := net.Listen("tcp", p.cfg.Addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", p.cfg.Addr, err)
	}

	p.mu.Lock()
	p.logger = cfg.Logger
	p.listener = ln
	p.server = &http.Server{
		Handler:           NewRouter(cfg.Session, p.cfg.StreamInterval, cfg.Logger),
		ReadHeaderTimeout: 5 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}
	p.served = make(chan struct{})
	server, served := p.server, p.served
	p.mu.Unlock()

	go func() {
		defer close(served)
		if err := server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			cfg.Logger.Error("status server stopped", log.Err(err))
		}
	}()

	cfg.Logger.Info("status server listening", log.String("addr", ln.Addr().String()))
	return nil
}

// Addr returns the bound listen address, or "" before Initialize.
func (p *Plugin) Addr() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.listener == nil {
		return ""
	}
	return p.listener.Addr().String()
}

// Shutdown stops accepting requests and waits for open ones.
func (p *Plugin) Shutdown(ctx context.Context) error {
	p.mu.Lock()
	server, served := p.server, p.served
	p.server = nil
	p.mu.Unlock()

	if server == nil {
		return nil
	}
	err := server.Shutdown(ctx)
	select {
	case <-served:
	case <-ctx.Done():
	}
	return err
}

// NewRouter builds the status API for session.
func NewRouter(session rig.SessionHandle, streamInterval time.Duration, logger rig.Logger) http.Handler {
	if logger == nil {
		logger = log.NewNoopLogger()
	}
	h := &handler{
		session:  session,
		interval: streamInterval,
		logger:   logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
		},
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", h.healthz)
	r.Route("/api/session", func(r chi.Router) {
		r.Get("/", h.getSession)
		r.Post("/stop", h.stopSession)
		r.Get("/stream", h.stream)
	})
	return r
}
