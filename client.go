package jrpc

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"

	"github.com/tidegate/go-jrpc/async"
)

// ClientOption is a function that configures a client.
type ClientOption func(*Client)

// Client drives the client half of a JSON-RPC session: it connects through
// a ClientTransport, performs the initialize handshake, and exposes
// synchronous and asynchronous calls.
//
// A Client must be created using NewClient and requires Connect to be
// called before any operations can be performed. The client should be
// closed using Close when it is no longer needed.
type Client struct {
	info       Info
	serverInfo Info
	transport  ClientTransport
	logger     *slog.Logger

	progressHandler func(token RequestID, value json.RawMessage)

	mu     sync.Mutex
	sess   Session
	ep     *Endpoint
	cancel context.CancelFunc
}

// WithClientLogger sets the logger used by the client and its endpoint.
// Defaults to slog.Default().
func WithClientLogger(logger *slog.Logger) ClientOption {
	return func(c *Client) {
		c.logger = logger.With(
			slog.String("package", "go-jrpc"),
			slog.String("component", "client"),
		)
	}
}

// WithProgressHandler sets the callback for $/progress notifications sent
// by the server. The token identifies which call the update belongs to.
func WithProgressHandler(fn func(token RequestID, value json.RawMessage)) ClientOption {
	return func(c *Client) {
		c.progressHandler = fn
	}
}

// NewClient creates a Client with the given identity connecting through
// transport.
func NewClient(info Info, transport ClientTransport, options ...ClientOption) *Client {
	c := &Client{
		info:      info,
		transport: transport,
	}
	for _, opt := range options {
		opt(c)
	}
	if c.logger == nil {
		WithClientLogger(slog.Default())(c)
	}
	return c
}

// Connect establishes the session and performs the initialize handshake.
// It blocks until the server's initialize response arrives or ctx is done.
func (c *Client) Connect(ctx context.Context) error {
	sess, err := c.transport.StartSession(ctx)
	if err != nil {
		return fmt.Errorf("failed to start session: %w", err)
	}

	pumpCtx, cancel := context.WithCancel(context.Background())

	disp := NewDispatcher(WithDispatcherLogger(c.logger))
	disp.Register(MethodProgress, func(_ context.Context, params json.RawMessage) (any, error) {
		if c.progressHandler == nil {
			return nil, nil
		}
		var p progressParams
		if err := json.Unmarshal(params, &p); err != nil || p.ProgressToken == nil {
			return nil, fmt.Errorf("malformed progress params")
		}
		c.progressHandler(*p.ProgressToken, p.Value)
		return nil, nil
	})

	ep := NewEndpoint(func(frame json.RawMessage) error {
		return sess.Send(pumpCtx, frame)
	},
		WithDispatcher(disp),
		WithEndpointLogger(c.logger.With(slog.String("sessionID", sess.ID()))),
	)

	c.mu.Lock()
	c.sess = sess
	c.ep = ep
	c.cancel = cancel
	c.mu.Unlock()

	go func() {
		for frame := range sess.Messages() {
			ep.Receive(pumpCtx, frame)
		}
		ep.Close()
	}()

	resCh := make(chan json.RawMessage, 1)
	errCh := make(chan *Error, 1)
	_, err = ep.Initialize(initializeParams{
		ProtocolVersion: protocolVersion,
		ClientInfo:      c.info,
	}, func(result json.RawMessage) {
		resCh <- result
	}, func(rpcErr *Error) {
		errCh <- rpcErr
	})
	if err != nil {
		c.Close()
		return fmt.Errorf("failed to send initialize request: %w", err)
	}

	select {
	case <-ctx.Done():
		c.Close()
		return ctx.Err()
	case rpcErr := <-errCh:
		c.Close()
		return fmt.Errorf("initialize failed: %w", rpcErr)
	case result := <-resCh:
		var initRes initializeResult
		if err := json.Unmarshal(result, &initRes); err != nil {
			c.Close()
			return fmt.Errorf("malformed initialize result: %w", err)
		}
		c.serverInfo = initRes.ServerInfo
	}

	c.logger.Info("session initialized",
		slog.String("serverName", c.serverInfo.Name),
		slog.String("serverVersion", c.serverInfo.Version))
	return nil
}

// ServerInfo returns the identity the server reported during the
// handshake. Valid after Connect succeeds.
func (c *Client) ServerInfo() Info {
	return c.serverInfo
}

func (c *Client) endpoint() (*Endpoint, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.ep == nil {
		return nil, fmt.Errorf("client is not connected")
	}
	return c.ep, nil
}

// Call sends a request and blocks until the response arrives or ctx is
// done. When ctx ends first, a $/cancelRequest notification for the call is
// sent before returning ctx's error. A server error response is returned as
// a *Error.
func (c *Client) Call(ctx context.Context, method string, params any) (json.RawMessage, error) {
	ep, err := c.endpoint()
	if err != nil {
		return nil, err
	}

	resCh := make(chan json.RawMessage, 1)
	errCh := make(chan *Error, 1)
	id, err := ep.SendRequest(method, params, func(result json.RawMessage) {
		resCh <- result
	}, func(rpcErr *Error) {
		errCh <- rpcErr
	})
	if err != nil {
		return nil, fmt.Errorf("failed to send request: %w", err)
	}

	select {
	case <-ctx.Done():
		if err := ep.CancelRequest(id); err != nil {
			c.logger.Warn("failed to send cancel notification",
				slog.String("id", id.String()), slog.String("err", err.Error()))
		}
		return nil, ctx.Err()
	case rpcErr := <-errCh:
		return nil, rpcErr
	case result := <-resCh:
		return result, nil
	}
}

// Go starts method as an asynchronous task. The call itself does not begin
// until the task is first awaited; SyncWait or Await retrieves the outcome.
func (c *Client) Go(method string, params any) *async.Task[json.RawMessage] {
	return async.NewTask(func() (json.RawMessage, error) {
		return c.Call(context.Background(), method, params)
	})
}

// Notify sends a notification to the server.
func (c *Client) Notify(method string, params any) error {
	ep, err := c.endpoint()
	if err != nil {
		return err
	}
	return ep.SendNotification(method, params)
}

// Close terminates the session. Pending calls fail with a request
// cancelled error.
func (c *Client) Close() {
	c.mu.Lock()
	sess, ep, cancel := c.sess, c.ep, c.cancel
	c.sess, c.ep, c.cancel = nil, nil, nil
	c.mu.Unlock()

	if ep != nil {
		ep.Close()
	}
	if cancel != nil {
		cancel()
	}
	if sess != nil {
		sess.Stop()
	}
}
