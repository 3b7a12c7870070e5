package ipc

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"os/user"
	"path/filepath"
	"strconv"
	"sync"

	"go.uber.org/zap"

	"github.com/opsgate/opsgate/internal/operr"
)

// Handler executes one agent operation.
type Handler interface {
	Handle(ctx context.Context, params map[string]any) (map[string]any, error)
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context, params map[string]any) (map[string]any, error)

func (f HandlerFunc) Handle(ctx context.Context, params map[string]any) (map[string]any, error) {
	return f(ctx, params)
}

// HandlerError lets a handler choose the exact error object put on the wire.
// Handlers may also return *operr.Error, whose kind becomes the code;
// anything else is reported as code "internal".
type HandlerError struct {
	Code    string
	Message string
	Details map[string]any
}

func (e *HandlerError) Error() string {
	return e.Code + ": " + e.Message
}

// ServerOptions configures the agent end of the transport. The socket file
// is removed and recreated on start; path, owner, group and mode are part of
// the external contract.
type ServerOptions struct {
	SocketPath      string
	SocketMode      os.FileMode
	SocketOwner     string
	SocketGroup     string
	MaxMessageBytes int
	Logger          *zap.Logger
}

// Server accepts connections and serves operations sequentially per
// connection: read a frame, dispatch, write the reply, loop.
type Server struct {
	opts ServerOptions
	log  *zap.Logger

	mu       sync.RWMutex
	handlers map[string]Handler
	ln       net.Listener
	conns    map[net.Conn]struct{}

	wg sync.WaitGroup
}

// NewServer builds a server with no operations registered.
func NewServer(opts ServerOptions) *Server {
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.MaxMessageBytes <= 0 {
		opts.MaxMessageBytes = DefaultMaxMessageBytes
	}
	if opts.SocketMode == 0 {
		opts.SocketMode = 0o660
	}
	return &Server{
		opts:     opts,
		log:      opts.Logger.Named("ipc"),
		handlers: map[string]Handler{},
		conns:    map[net.Conn]struct{}{},
	}
}

// Handle registers the handler for an operation name. Names register once; a
// duplicate registration is refused and the first one stays in place.
func (s *Server) Handle(operation string, h Handler) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, dup := s.handlers[operation]; dup {
		return operr.InvalidArgumentf("operation %q already registered", operation)
	}
	s.handlers[operation] = h
	return nil
}

// HandleFunc registers a plain function for an operation name.
func (s *Server) HandleFunc(operation string, f HandlerFunc) error {
	return s.Handle(operation, f)
}

// Serve listens on the socket and accepts until ctx ends. Each connection is
// handled on its own goroutine; a framing error closes only that connection.
func (s *Server) Serve(ctx context.Context) error {
	ln, err := s.listen()
	if err != nil {
		return err
	}
	s.log.Info("listening", zap.String("socket", s.opts.SocketPath))

	stop := context.AfterFunc(ctx, func() { s.shutdown() })
	defer stop()

	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				break
			}
			return fmt.Errorf("ipc: accept: %w", err)
		}
		s.trackConn(conn, true)
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			defer s.trackConn(conn, false)
			s.serveConn(ctx, conn)
		}()
	}
	s.wg.Wait()
	return nil
}

// Close stops the listener and disconnects all peers.
func (s *Server) Close() error {
	s.shutdown()
	return nil
}

func (s *Server) listen() (net.Listener, error) {
	if dir := filepath.Dir(s.opts.SocketPath); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("ipc: creating socket dir: %w", err)
		}
	}
	// A stale socket file from a previous run would refuse the bind.
	if err := os.Remove(s.opts.SocketPath); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("ipc: removing stale socket: %w", err)
	}
	ln, err := net.Listen("unix", s.opts.SocketPath)
	if err != nil {
		return nil, fmt.Errorf("ipc: listening on %s: %w", s.opts.SocketPath, err)
	}
	if err := os.Chmod(s.opts.SocketPath, s.opts.SocketMode); err != nil {
		_ = ln.Close()
		return nil, fmt.Errorf("ipc: setting socket mode: %w", err)
	}
	if err := s.chownSocket(); err != nil {
		_ = ln.Close()
		return nil, err
	}
	s.mu.Lock()
	s.ln = ln
	s.mu.Unlock()
	return ln, nil
}

func (s *Server) chownSocket() error {
	if s.opts.SocketOwner == "" && s.opts.SocketGroup == "" {
		return nil
	}
	uid, gid := -1, -1
	if s.opts.SocketOwner != "" {
		u, err := user.Lookup(s.opts.SocketOwner)
		if err != nil {
			return fmt.Errorf("ipc: resolving socket owner: %w", err)
		}
		uid, _ = strconv.Atoi(u.Uid)
	}
	if s.opts.SocketGroup != "" {
		g, err := user.LookupGroup(s.opts.SocketGroup)
		if err != nil {
			return fmt.Errorf("ipc: resolving socket group: %w", err)
		}
		gid, _ = strconv.Atoi(g.Gid)
	}
	if err := os.Chown(s.opts.SocketPath, uid, gid); err != nil {
		return fmt.Errorf("ipc: chowning socket: %w", err)
	}
	return nil
}

func (s *Server) trackConn(conn net.Conn, add bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if add {
		s.conns[conn] = struct{}{}
	} else {
		delete(s.conns, conn)
	}
}

func (s *Server) shutdown() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ln != nil {
		_ = s.ln.Close()
	}
	for conn := range s.conns {
		_ = conn.Close()
	}
}

func (s *Server) serveConn(ctx context.Context, conn net.Conn) {
	defer conn.Close()
	for {
		raw, err := ReadFrame(conn, s.opts.MaxMessageBytes)
		if err != nil {
			if errors.Is(err, io.EOF) || ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return
			}
			s.log.Warn("closing connection after frame error", zap.Error(err))
			return
		}
		var req Request
		if err := json.Unmarshal(raw, &req); err != nil {
			s.log.Warn("closing connection after undecodable frame", zap.Error(err))
			return
		}
		resp := s.dispatch(ctx, req)
		if err := WriteFrame(conn, resp, s.opts.MaxMessageBytes); err != nil {
			s.log.Warn("closing connection after write error", zap.Error(err))
			return
		}
	}
}

// dispatch runs the handler for one request and always produces a response
// echoing the request id. Panics become internal errors rather than taking
// the connection down.
func (s *Server) dispatch(ctx context.Context, req Request) (resp Response) {
	defer func() {
		if r := recover(); r != nil {
			s.log.Error("handler panic",
				zap.String("operation", req.Operation),
				zap.Any("panic", r),
				zap.Stack("stacktrace"))
			resp = errorResponse(req.ID, &HandlerError{
				Code:    CodeInternal,
				Message: fmt.Sprintf("handler panic: %v", r),
			})
		}
	}()

	s.mu.RLock()
	h, ok := s.handlers[req.Operation]
	s.mu.RUnlock()
	if !ok {
		return errorResponse(req.ID, &HandlerError{
			Code:    CodeUnknownOperation,
			Message: fmt.Sprintf("unknown operation %q", req.Operation),
			Details: map[string]any{"operation": req.Operation},
		})
	}
	data, err := h.Handle(ctx, req.Params)
	if err != nil {
		return errorResponse(req.ID, err)
	}
	return Response{ID: req.ID, Status: StatusOK, Data: data}
}

func errorResponse(id string, err error) Response {
	obj := &ErrorObject{Code: CodeInternal, Message: err.Error()}
	var he *HandlerError
	var oe *operr.Error
	switch {
	case errors.As(err, &he):
		obj = &ErrorObject{Code: he.Code, Message: he.Message, Details: he.Details}
	case errors.As(err, &oe):
		obj = &ErrorObject{Code: string(oe.Kind), Message: oe.Message, Details: oe.Details}
	}
	return Response{ID: id, Status: StatusError, Error: obj}
}
