package jrpc

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
)

// ServerOption represents the options for the server.
type ServerOption func(*Server)

// Server serves JSON-RPC sessions arriving through a ServerTransport. Every
// session gets its own Endpoint; all endpoints share the server's
// Dispatcher, so handlers registered on the server apply to every session.
//
// A Server must be created using NewServer, started with Serve, and shut
// down using Shutdown when no longer needed.
type Server struct {
	info      Info
	transport ServerTransport
	disp      *Dispatcher
	logger    *slog.Logger

	sessionsWaitGroup sync.WaitGroup

	mu       sync.Mutex
	sessions map[string]Session
	done     chan struct{}
}

// WithServerLogger sets the logger used by the server and its per-session
// endpoints. Defaults to slog.Default().
func WithServerLogger(logger *slog.Logger) ServerOption {
	return func(s *Server) {
		s.logger = logger.With(
			slog.String("package", "go-jrpc"),
			slog.String("component", "server"),
		)
	}
}

// WithServerDispatcher sets the dispatcher shared by all sessions. Defaults
// to a fresh empty dispatcher. Useful when several servers should share one
// method table.
func WithServerDispatcher(d *Dispatcher) ServerOption {
	return func(s *Server) {
		s.disp = d
	}
}

// NewServer creates a Server with the given identity serving sessions from
// transport.
func NewServer(info Info, transport ServerTransport, options ...ServerOption) *Server {
	s := &Server{
		info:      info,
		transport: transport,
		sessions:  make(map[string]Session),
		done:      make(chan struct{}),
	}
	for _, opt := range options {
		opt(s)
	}
	if s.logger == nil {
		WithServerLogger(slog.Default())(s)
	}
	if s.disp == nil {
		s.disp = NewDispatcher(WithDispatcherLogger(s.logger))
	}
	return s
}

// Register installs a handler for the given method on all sessions.
func (s *Server) Register(method string, h Handler) {
	s.disp.Register(method, h)
}

// RegisterWithSchema installs a schema-validated handler on all sessions.
func (s *Server) RegisterWithSchema(method string, schema json.RawMessage, h Handler) error {
	return s.disp.RegisterWithSchema(method, schema, h)
}

// Serve accepts sessions from the transport and drives each one until it
// ends. It blocks until the transport's session stream ends, so it is
// usually run in its own goroutine.
func (s *Server) Serve() {
	for sess := range s.transport.Sessions() {
		s.mu.Lock()
		s.sessions[sess.ID()] = sess
		s.mu.Unlock()

		s.sessionsWaitGroup.Add(1)
		go s.serveSession(sess)
	}
}

func (s *Server) serveSession(sess Session) {
	defer s.sessionsWaitGroup.Done()
	defer func() {
		s.mu.Lock()
		delete(s.sessions, sess.ID())
		s.mu.Unlock()
	}()

	logger := s.logger.With(slog.String("sessionID", sess.ID()))
	logger.Info("session connected")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ep := NewEndpoint(func(frame json.RawMessage) error {
		return sess.Send(ctx, frame)
	},
		WithDispatcher(s.disp),
		WithEndpointLogger(logger),
		WithInitializeResult(s.initializeResult),
	)
	defer ep.Close()

	go func() {
		select {
		case <-s.done:
			sess.Stop()
		case <-ctx.Done():
		}
	}()

	// Each frame runs in its own goroutine so a blocked handler never
	// stalls the session; cancel notifications in particular must get
	// through while the request they target is still running.
	var handlers sync.WaitGroup
	for frame := range sess.Messages() {
		handlers.Add(1)
		go func(frame json.RawMessage) {
			defer handlers.Done()
			ep.Receive(ctx, frame)
		}(frame)
	}
	handlers.Wait()

	logger.Info("session disconnected")
}

// initializeResult validates the handshake params and produces the
// initialize response payload.
func (s *Server) initializeResult(params json.RawMessage) (any, error) {
	var p initializeParams
	if len(params) > 0 {
		if err := json.Unmarshal(params, &p); err != nil {
			return nil, Errorf(CodeInvalidParams, "invalid initialize params: %v", err)
		}
	}
	if p.ProtocolVersion != "" && p.ProtocolVersion != protocolVersion {
		return nil, Errorf(CodeInvalidParams,
			"unsupported protocol version %q, want %q", p.ProtocolVersion, protocolVersion)
	}
	return initializeResult{
		ProtocolVersion: protocolVersion,
		ServerInfo:      s.info,
	}, nil
}

// Shutdown stops the transport and waits for all sessions to finish. The
// context bounds how long the shutdown may take.
func (s *Server) Shutdown(ctx context.Context) error {
	close(s.done)

	if err := s.transport.Shutdown(ctx); err != nil {
		return fmt.Errorf("failed to shutdown transport: %w", err)
	}

	sessionsDone := make(chan struct{})
	go func() {
		s.sessionsWaitGroup.Wait()
		close(sessionsDone)
	}()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-sessionsDone:
	}
	return nil
}
