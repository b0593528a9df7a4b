package jrpc

import (
	"context"
	"encoding/json"
	"fmt"
	"iter"
	"log/slog"
	"net/http"
	"sync"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

// WSServer implements a WebSocket transport. It is an http.Handler that
// upgrades each inbound connection into a Session carrying one JSON frame
// per text message.
//
// Instances should be created using NewWSServer and shut down using
// Shutdown when no longer needed.
type WSServer struct {
	upgrader websocket.Upgrader
	logger   *slog.Logger

	sessions chan Session
	done     chan struct{}
	closed   chan struct{}

	mu     sync.Mutex
	active map[string]*wsSession
}

// WSServerOption configures a WSServer.
type WSServerOption func(*WSServer)

// WithWSLogger sets the logger used by the server and its sessions.
// Defaults to slog.Default().
func WithWSLogger(logger *slog.Logger) WSServerOption {
	return func(s *WSServer) {
		s.logger = logger.With(
			slog.String("package", "go-jrpc"),
			slog.String("component", "websocket"),
		)
	}
}

// WithWSCheckOrigin sets the origin check of the underlying upgrader. The
// default accepts every origin.
func WithWSCheckOrigin(check func(r *http.Request) bool) WSServerOption {
	return func(s *WSServer) {
		s.upgrader.CheckOrigin = check
	}
}

// NewWSServer creates a WebSocket server transport. Mount it on an HTTP mux
// and consume Sessions as clients connect.
func NewWSServer(options ...WSServerOption) *WSServer {
	s := &WSServer{
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
		sessions: make(chan Session, 5),
		done:     make(chan struct{}),
		closed:   make(chan struct{}),
		active:   make(map[string]*wsSession),
	}
	for _, opt := range options {
		opt(s)
	}
	if s.logger == nil {
		WithWSLogger(slog.Default())(s)
	}
	return s
}

// ServeHTTP upgrades the request to a WebSocket connection and registers
// the resulting session.
func (s *WSServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Error("failed to upgrade connection", slog.String("err", err.Error()))
		return
	}

	sess := newWSSession(conn, s.logger)

	s.mu.Lock()
	s.active[sess.id] = sess
	s.mu.Unlock()

	go func() {
		<-sess.done
		s.mu.Lock()
		delete(s.active, sess.id)
		s.mu.Unlock()
	}()

	select {
	case <-s.done:
		sess.Stop()
	case s.sessions <- sess:
	}
}

// Sessions returns an iterator over sessions as clients connect.
func (s *WSServer) Sessions() iter.Seq[Session] {
	return func(yield func(Session) bool) {
		defer close(s.closed)
		for {
			select {
			case <-s.done:
				return
			case sess := <-s.sessions:
				if !yield(sess) {
					return
				}
			}
		}
	}
}

// Shutdown closes every active session and stops accepting new ones.
func (s *WSServer) Shutdown(ctx context.Context) error {
	close(s.done)

	s.mu.Lock()
	active := make([]*wsSession, 0, len(s.active))
	for _, sess := range s.active {
		active = append(active, sess)
	}
	s.mu.Unlock()

	for _, sess := range active {
		sess.Stop()
	}

	select {
	case <-ctx.Done():
		return fmt.Errorf("failed to close WebSocket server: %w", ctx.Err())
	case <-s.closed:
	}
	return nil
}

// WSClient implements the ClientTransport interface over a WebSocket
// connection.
type WSClient struct {
	url    string
	dialer *websocket.Dialer
	logger *slog.Logger
}

// NewWSClient creates a client transport dialing the given WebSocket URL.
// A nil dialer selects websocket.DefaultDialer.
func NewWSClient(url string, dialer *websocket.Dialer) *WSClient {
	if dialer == nil {
		dialer = websocket.DefaultDialer
	}
	return &WSClient{
		url:    url,
		dialer: dialer,
		logger: slog.Default().With(
			slog.String("package", "go-jrpc"),
			slog.String("component", "websocket"),
		),
	}
}

// StartSession dials the server and returns the established session.
func (c *WSClient) StartSession(ctx context.Context) (Session, error) {
	conn, resp, err := c.dialer.DialContext(ctx, c.url, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to dial WebSocket server: %w", err)
	}
	if resp != nil {
		resp.Body.Close()
	}
	return newWSSession(conn, c.logger), nil
}

type wsSession struct {
	id     string
	conn   *websocket.Conn
	logger *slog.Logger

	sendFrames chan wsSendFrame
	done       chan struct{}
	stopOnce   sync.Once
	sendClosed chan struct{}
}

type wsSendFrame struct {
	frame []byte
	errs  chan error
}

func newWSSession(conn *websocket.Conn, logger *slog.Logger) *wsSession {
	s := &wsSession{
		id:         uuid.New().String(),
		conn:       conn,
		logger:     logger,
		sendFrames: make(chan wsSendFrame, 5),
		done:       make(chan struct{}),
		sendClosed: make(chan struct{}),
	}
	go s.processSendFrames()
	return s
}

func (s *wsSession) ID() string { return s.id }

func (s *wsSession) Send(ctx context.Context, frame json.RawMessage) error {
	sf := wsSendFrame{
		frame: frame,
		errs:  make(chan error, 1),
	}

	// Queue the frame so all writes go through a single goroutine, as the
	// websocket library allows only one concurrent writer.
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-s.done:
		return fmt.Errorf("session is closed")
	case s.sendFrames <- sf:
	}

	select {
	case err := <-sf.errs:
		return err
	case <-ctx.Done():
		return ctx.Err()
	case <-s.done:
		return fmt.Errorf("session is closed")
	}
}

func (s *wsSession) Messages() iter.Seq[json.RawMessage] {
	return func(yield func(json.RawMessage) bool) {
		defer s.Stop()
		for {
			msgType, data, err := s.conn.ReadMessage()
			if err != nil {
				if websocket.IsUnexpectedCloseError(err,
					websocket.CloseNormalClosure, websocket.CloseGoingAway) {
					s.logger.Error("failed to read frame", slog.String("err", err.Error()))
				}
				return
			}
			if msgType != websocket.TextMessage {
				continue
			}
			if !yield(json.RawMessage(data)) {
				return
			}
		}
	}
}

func (s *wsSession) Stop() {
	s.stopOnce.Do(func() {
		close(s.done)
		<-s.sendClosed
		s.conn.Close()
	})
}

func (s *wsSession) processSendFrames() {
	defer close(s.sendClosed)

	for {
		var sf wsSendFrame
		select {
		case <-s.done:
			return
		case sf = <-s.sendFrames:
		}

		sf.errs <- s.conn.WriteMessage(websocket.TextMessage, sf.frame)
	}
}
