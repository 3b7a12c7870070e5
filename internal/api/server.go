// Package api implements the broker's local operations HTTP server. It
// exposes three endpoints on a loopback address: /healthz for liveness
// probes, /metrics for Prometheus scrapes, and /ws, which bridges
// WebSocket sessions onto the same tool dispatcher the stdio transport
// uses. Role enforcement happens in the dispatcher; this layer only
// carries the bearer token through.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/opsgate/opsgate/internal/rpc"
)

// DefaultAddr is the listen address when none is configured. Loopback only:
// exposing the ops server beyond the host is a deployment decision, not a
// default.
const DefaultAddr = "127.0.0.1:8787"

// shutdownGrace bounds how long Serve waits for in-flight requests after
// its context is canceled.
const shutdownGrace = 5 * time.Second

// Options configures the ops server.
type Options struct {
	// Addr is the listen address. Defaults to DefaultAddr.
	Addr string

	// Version is reported by /healthz.
	Version string

	// Dispatcher executes tool calls arriving over /ws.
	Dispatcher *rpc.Dispatcher

	Logger *zap.Logger
}

// Server is the ops HTTP server. Build it with NewServer, run it with Serve.
type Server struct {
	addr    string
	version string
	disp    *rpc.Dispatcher
	log     *zap.Logger

	httpSrv *http.Server

	// mu guards sessions: WebSocket connections are hijacked from the HTTP
	// server, so Shutdown does not reach them and Serve closes them itself.
	mu       sync.Mutex
	sessions map[*websocket.Conn]struct{}
}

// NewServer builds the server and its router.
func NewServer(opts Options) *Server {
	addr := opts.Addr
	if addr == "" {
		addr = DefaultAddr
	}
	log := opts.Logger
	if log == nil {
		log = zap.NewNop()
	}
	s := &Server{
		addr:     addr,
		version:  opts.Version,
		disp:     opts.Dispatcher,
		log:      log.Named("api"),
		sessions: make(map[*websocket.Conn]struct{}),
	}
	s.httpSrv = &http.Server{
		Addr:              addr,
		Handler:           s.router(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

func (s *Server) router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(requestLogger(s.log))
	r.Use(middleware.Recoverer)

	r.Get("/healthz", s.handleHealthz)
	r.Method(http.MethodGet, "/metrics", promhttp.Handler())
	r.Get("/ws", s.handleWS)
	return r
}

// Router returns the configured handler. Used by tests; production callers
// go through Serve.
func (s *Server) Router() http.Handler {
	return s.httpSrv.Handler
}

// Addr returns the configured listen address.
func (s *Server) Addr() string {
	return s.addr
}

func (s *Server) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"status":  "ok",
		"version": s.version,
	})
}

// Serve listens until ctx is canceled, then drains HTTP requests and closes
// any WebSocket sessions still open.
func (s *Server) Serve(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		errCh <- s.httpSrv.ListenAndServe()
	}()
	s.log.Info("ops server listening", zap.String("addr", s.addr))

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("api: serving %s: %w", s.addr, err)
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
	defer cancel()
	err := s.httpSrv.Shutdown(shutdownCtx)
	s.closeSessions()
	if err != nil {
		return fmt.Errorf("api: shutdown: %w", err)
	}
	s.log.Info("ops server stopped")
	return nil
}

func (s *Server) track(conn *websocket.Conn) {
	s.mu.Lock()
	s.sessions[conn] = struct{}{}
	s.mu.Unlock()
}

func (s *Server) untrack(conn *websocket.Conn) {
	s.mu.Lock()
	delete(s.sessions, conn)
	s.mu.Unlock()
}

func (s *Server) closeSessions() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for conn := range s.sessions {
		_ = conn.Close()
	}
}

// writeJSON writes a JSON response with the given status. It sets
// Content-Type to application/json automatically.
func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

// requestLogger logs each request with method, path, status and size.
// middleware.RequestID must run first so the request ID is in the context.
func requestLogger(log *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			next.ServeHTTP(ww, r)

			log.Info("http request",
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.Int("status", ww.Status()),
				zap.Int("bytes", ww.BytesWritten()),
				zap.String("request_id", middleware.GetReqID(r.Context())),
				zap.String("remote_addr", r.RemoteAddr),
			)
		})
	}
}
