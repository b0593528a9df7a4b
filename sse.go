package jrpc

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"iter"
	"log/slog"
	"net/http"
	"net/url"

	"github.com/google/uuid"
	"github.com/tmaxmax/go-sse"
)

// SSEServer implements a framework-agnostic Server-Sent Events transport.
// Server-to-client frames stream over SSE and client-to-server frames
// arrive via HTTP POST. The HandleSSE and HandleMessage http.Handlers can
// be mounted on any HTTP mux.
//
// Instances should be created using NewSSEServer and shut down using
// Shutdown when no longer needed.
type SSEServer struct {
	messageURL string
	logger     *slog.Logger

	sessions        chan sseServerSession
	removedSessions chan string
	receivedFrames  chan sseSessionFrame

	done   chan struct{}
	closed chan struct{}
}

// SSEClient implements the client half of the SSE transport: it consumes
// frames from the server's SSE stream and posts outbound frames to the
// message endpoint advertised during connection. Instances should be
// created using NewSSEClient.
type SSEClient struct {
	httpClient *http.Client
	connectURL string
	messageURL string
	logger     *slog.Logger

	maxPayloadSize int

	frames chan json.RawMessage
}

// SSEClientOption represents the options for the SSEClient.
type SSEClientOption func(*SSEClient)

type sseServerSession struct {
	id             string
	sess           *sse.Session
	sendFrames     chan sseServerSessionSendFrame
	receivedFrames chan json.RawMessage
	logger         *slog.Logger

	done           chan struct{}
	sendClosed     chan struct{}
	receivedClosed chan struct{}
}

type sseSessionFrame struct {
	sessID string
	frame  json.RawMessage
}

type sseServerSessionSendFrame struct {
	msg  *sse.Message
	errs chan<- error
}

// NewSSEServer creates an SSE server whose clients post their frames to
// messageURL. The returned server must be shut down using Shutdown when no
// longer needed.
func NewSSEServer(messageURL string) SSEServer {
	return SSEServer{
		messageURL:      messageURL,
		logger:          slog.Default().With(slog.String("package", "go-jrpc"), slog.String("component", "sse")),
		sessions:        make(chan sseServerSession, 5),
		removedSessions: make(chan string),
		receivedFrames:  make(chan sseSessionFrame),
		done:            make(chan struct{}),
		closed:          make(chan struct{}),
	}
}

// NewSSEClient creates an SSE client that connects to the specified
// connectURL. The optional httpClient parameter allows custom HTTP client
// configuration; if nil, the default HTTP client is used.
func NewSSEClient(connectURL string, httpClient *http.Client, options ...SSEClientOption) *SSEClient {
	cli := httpClient
	if cli == nil {
		cli = http.DefaultClient
	}
	s := &SSEClient{
		connectURL: connectURL,
		httpClient: cli,
		logger:     slog.Default().With(slog.String("package", "go-jrpc"), slog.String("component", "sse")),
		frames:     make(chan json.RawMessage),
	}

	for _, opt := range options {
		opt(s)
	}

	return s
}

// WithSSEClientMaxPayloadSize sets the maximum size of the payload that can
// be received from the server. Oversized payloads end the session.
func WithSSEClientMaxPayloadSize(size int) SSEClientOption {
	return func(s *SSEClient) {
		s.maxPayloadSize = size
	}
}

// Sessions returns an iterator over active client sessions, yielding a new
// Session as each client connects.
func (s SSEServer) Sessions() iter.Seq[Session] {
	return func(yield func(Session) bool) {
		defer close(s.closed)

		// Track active sessions for routing inbound frames.
		sessionsMap := make(map[string]sseServerSession)

		for {
			select {
			case <-s.done:
				return
			case sess := <-s.sessions:
				go sess.processSendFrames()

				sessionsMap[sess.id] = sess

				if !yield(sess) {
					return
				}
			case sessID := <-s.removedSessions:
				delete(sessionsMap, sessID)
			case frame := <-s.receivedFrames:
				session, ok := sessionsMap[frame.sessID]
				if !ok {
					// The session might already be closed.
					continue
				}

				select {
				case <-s.done:
					return
				case session.receivedFrames <- frame.frame:
				}
			}
		}
	}
}

// Shutdown terminates all active client connections and blocks until the
// session loop has finished.
func (s SSEServer) Shutdown(ctx context.Context) error {
	close(s.done)

	select {
	case <-ctx.Done():
		return fmt.Errorf("failed to close SSE server: %w", ctx.Err())
	case <-s.closed:
	}
	return nil
}

// HandleSSE returns an http.Handler establishing SSE connections over GET
// requests. The handler upgrades the connection, assigns a session id, and
// advertises the per-session message endpoint to the client. The connection
// remains open until either side closes the session.
func (s SSEServer) HandleSSE() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		sess, err := sse.Upgrade(w, r)
		if err != nil {
			nErr := fmt.Errorf("failed to upgrade session: %w", err)
			s.logger.Error("failed to upgrade session", "err", nErr)
			http.Error(w, nErr.Error(), http.StatusInternalServerError)
			return
		}

		sessID := uuid.New().String()

		url := fmt.Sprintf("%s?sessionID=%s", s.messageURL, sessID)

		// Use the type "endpoint" to indicate the endpoint URL.
		msg := sse.Message{
			Type: sse.Type("endpoint"),
		}
		msg.AppendData(url)
		if err := sess.Send(&msg); err != nil {
			nErr := fmt.Errorf("failed to write SSE URL: %w", err)
			s.logger.Error("failed to write SSE URL", "err", nErr)
			http.Error(w, nErr.Error(), http.StatusInternalServerError)
			return
		}

		if err := sess.Flush(); err != nil {
			nErr := fmt.Errorf("failed to flush SSE: %w", err)
			s.logger.Error("failed to flush SSE", "err", nErr)
			http.Error(w, nErr.Error(), http.StatusInternalServerError)
			return
		}

		srvSession := sseServerSession{
			id:             sessID,
			sess:           sess,
			logger:         s.logger,
			sendFrames:     make(chan sseServerSessionSendFrame, 5),
			receivedFrames: make(chan json.RawMessage, 5),
			done:           make(chan struct{}),
			sendClosed:     make(chan struct{}),
			receivedClosed: make(chan struct{}),
		}

		s.sessions <- srvSession

		// Keep the connection open until the session is closed.
		<-srvSession.sendClosed
		<-srvSession.receivedClosed

		select {
		case s.removedSessions <- sessID:
		case <-s.done:
		}
	})
}

// HandleMessage returns an http.Handler accepting client frames over POST
// requests. The handler expects a sessionID query parameter and a JSON
// body; valid frames are routed to the matching session's message stream.
func (s SSEServer) HandleMessage() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		sessID := r.URL.Query().Get("sessionID")
		if sessID == "" {
			nErr := fmt.Errorf("missing sessionID query parameter")
			s.logger.Warn("missing sessionID query parameter", slog.String("err", nErr.Error()))
			http.Error(w, nErr.Error(), http.StatusBadRequest)
			return
		}

		body, err := io.ReadAll(r.Body)
		if err != nil {
			nErr := fmt.Errorf("failed to read message body: %w", err)
			s.logger.Warn("failed to read message body", slog.String("err", nErr.Error()))
			http.Error(w, nErr.Error(), http.StatusBadRequest)
			return
		}
		if !json.Valid(body) {
			nErr := fmt.Errorf("message body is not valid JSON")
			s.logger.Warn("message body is not valid JSON")
			http.Error(w, nErr.Error(), http.StatusBadRequest)
			return
		}

		select {
		case <-s.done:
			return
		case s.receivedFrames <- sseSessionFrame{sessID: sessID, frame: body}:
		}
	})
}

// StartSession establishes the SSE connection and waits for the server to
// advertise the message endpoint before returning the session.
func (s *SSEClient) StartSession(ctx context.Context) (Session, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.connectURL, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to SSE server: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		resp.Body.Close()
		return nil, fmt.Errorf("unexpected status code: %d", resp.StatusCode)
	}

	ready := make(chan error, 1)
	go s.listenSSEFrames(resp.Body, ready)

	select {
	case <-ctx.Done():
		resp.Body.Close()
		return nil, ctx.Err()
	case err := <-ready:
		if err != nil {
			resp.Body.Close()
			return nil, err
		}
	}

	return &sseClientSession{
		id:     uuid.New().String(),
		client: s,
		body:   resp.Body,
	}, nil
}

func (s *SSEClient) listenSSEFrames(body io.ReadCloser, ready chan<- error) {
	defer func() {
		body.Close()
		close(s.frames)
	}()

	var config *sse.ReadConfig
	if s.maxPayloadSize > 0 {
		config = &sse.ReadConfig{
			MaxEventSize: s.maxPayloadSize,
		}
	}

	for ev, err := range sse.Read(body, config) {
		if err != nil {
			if !errors.Is(err, context.Canceled) {
				s.logger.Error("failed to read SSE message", "err", err)
			}
			return
		}

		switch ev.Type {
		case "endpoint":
			// Parse the endpoint URL before accepting any frames, so frames
			// are only ever posted to a destination the server advertised.
			u, err := url.Parse(ev.Data)
			if err != nil {
				ready <- fmt.Errorf("parse endpoint URL: %w", err)
				return
			}
			if u.String() == "" {
				ready <- errors.New("empty endpoint URL")
				return
			}
			s.messageURL = u.String()
			ready <- nil
		case "message":
			if s.messageURL == "" {
				s.logger.Error("received message before endpoint URL")
				continue
			}

			if !json.Valid([]byte(ev.Data)) {
				s.logger.Error("received invalid JSON frame")
				continue
			}

			s.frames <- json.RawMessage(ev.Data)
		default:
			s.logger.Error("unhandled event type", "type", ev.Type)
		}
	}
}

type sseClientSession struct {
	id     string
	client *SSEClient
	body   io.ReadCloser
}

func (s *sseClientSession) ID() string { return s.id }

// Send posts a frame to the server's message endpoint.
func (s *sseClientSession) Send(ctx context.Context, frame json.RawMessage) error {
	r := bytes.NewReader(frame)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.client.messageURL, r)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.client.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to send message: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("unexpected status code: %d", resp.StatusCode)
	}

	return nil
}

func (s *sseClientSession) Messages() iter.Seq[json.RawMessage] {
	return func(yield func(json.RawMessage) bool) {
		for frame := range s.client.frames {
			if !yield(frame) {
				return
			}
		}
	}
}

func (s *sseClientSession) Stop() {
	s.body.Close()
}

func (s sseServerSession) ID() string { return s.id }

func (s sseServerSession) Send(_ context.Context, frame json.RawMessage) error {
	sseMsg := &sse.Message{
		Type: sse.Type("message"),
	}
	sseMsg.AppendData(string(frame))

	errs := make(chan error)

	// Queue the frame for sending to avoid race in the sse library.
	select {
	case s.sendFrames <- sseServerSessionSendFrame{sseMsg, errs}:
	case <-s.done:
		s.logger.Warn("session is closed while sending frame", slog.String("frame", string(frame)))
		return fmt.Errorf("session is closed")
	}

	select {
	case err := <-errs:
		return err
	case <-s.done:
		s.logger.Warn("session is closed while sending frame", slog.String("frame", string(frame)))
		return fmt.Errorf("session is closed")
	}
}

func (s sseServerSession) Messages() iter.Seq[json.RawMessage] {
	return func(yield func(json.RawMessage) bool) {
		defer close(s.receivedClosed)

		for {
			select {
			case frame := <-s.receivedFrames:
				if !yield(frame) {
					return
				}
			case <-s.done:
				return
			}
		}
	}
}

func (s sseServerSession) Stop() {
	close(s.done)

	<-s.sendClosed
	<-s.receivedClosed
}

func (s sseServerSession) processSendFrames() {
	defer close(s.sendClosed)

	for {
		select {
		case sf := <-s.sendFrames:
			if err := s.sess.Send(sf.msg); err != nil {
				s.logger.Warn("failed to send frame", slog.String("err", err.Error()))

				select {
				case sf.errs <- err:
				default:
				}
				continue
			}
			if err := s.sess.Flush(); err != nil {
				s.logger.Warn("failed to flush frame", slog.String("err", err.Error()))

				select {
				case sf.errs <- err:
				default:
				}
				continue
			}

			select {
			case sf.errs <- nil:
			default:
			}
		case <-s.done:
			return
		}
	}
}
