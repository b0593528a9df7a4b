package jrpc

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

// Handler processes a single request or notification. The params are the raw
// JSON params of the message, which may be nil. For requests, the returned
// value is marshaled into the result of the response; returning a *Error
// produces an error response with that code, and any other error produces an
// internal error response. For notifications, both return values are
// discarded.
type Handler func(ctx context.Context, params json.RawMessage) (any, error)

// Dispatcher routes inbound requests and notifications to registered
// handlers by method name. A Dispatcher is safe for concurrent use and may
// be shared by several Endpoints.
type Dispatcher struct {
	logger *slog.Logger

	mu       sync.RWMutex
	handlers map[string]Handler
}

// DispatcherOption configures a Dispatcher.
type DispatcherOption func(*Dispatcher)

// WithDispatcherLogger sets the logger used for handler faults. Defaults to
// slog.Default().
func WithDispatcherLogger(logger *slog.Logger) DispatcherOption {
	return func(d *Dispatcher) {
		d.logger = logger.With(
			slog.String("package", "go-jrpc"),
			slog.String("component", "dispatcher"),
		)
	}
}

// NewDispatcher creates a Dispatcher with no handlers registered.
func NewDispatcher(options ...DispatcherOption) *Dispatcher {
	d := &Dispatcher{
		handlers: make(map[string]Handler),
	}
	for _, opt := range options {
		opt(d)
	}
	if d.logger == nil {
		WithDispatcherLogger(slog.Default())(d)
	}
	return d
}

// Register installs a handler for the given method. Registering the same
// method again replaces the previous handler.
func (d *Dispatcher) Register(method string, h Handler) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.handlers[method] = h
}

// RegisterWithSchema installs a handler whose params are validated against
// the given JSON schema before the handler runs. Params failing validation
// produce an invalid params error response without invoking the handler.
func (d *Dispatcher) RegisterWithSchema(method string, schema json.RawMessage, h Handler) error {
	compiler := jsonschema.NewCompiler()
	resource := fmt.Sprintf("jrpc://%s.json", method)
	if err := compiler.AddResource(resource, strings.NewReader(string(schema))); err != nil {
		return fmt.Errorf("failed to add schema resource for %s: %w", method, err)
	}
	compiled, err := compiler.Compile(resource)
	if err != nil {
		return fmt.Errorf("failed to compile schema for %s: %w", method, err)
	}

	d.Register(method, func(ctx context.Context, params json.RawMessage) (any, error) {
		var v any
		if len(params) == 0 {
			v = nil
		} else if err := json.Unmarshal(params, &v); err != nil {
			return nil, Errorf(CodeInvalidParams, "invalid params: %v", err)
		}
		if err := compiled.Validate(v); err != nil {
			return nil, Errorf(CodeInvalidParams, "invalid params: %v", err)
		}
		return h(ctx, params)
	})
	return nil
}

// Methods returns the registered method names in unspecified order.
func (d *Dispatcher) Methods() []string {
	d.mu.RLock()
	defer d.mu.RUnlock()
	methods := make([]string, 0, len(d.handlers))
	for m := range d.handlers {
		methods = append(methods, m)
	}
	return methods
}

func (d *Dispatcher) lookup(method string) (Handler, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	h, ok := d.handlers[method]
	return h, ok
}

// Dispatch routes a request or notification to its handler and returns the
// response message, or nil when no response should be sent. Notifications
// never produce a response; handler faults during a notification are logged
// and dropped.
func (d *Dispatcher) Dispatch(ctx context.Context, msg Message) *Message {
	if !msg.IsRequest() {
		resp := NewError(msg.ID, stdError(CodeInvalidRequest))
		return &resp
	}

	h, ok := d.lookup(msg.Method)
	if !ok {
		if msg.IsNotification() {
			d.logger.Debug("no handler for notification", slog.String("method", msg.Method))
			return nil
		}
		resp := NewError(msg.ID, stdError(CodeMethodNotFound))
		return &resp
	}

	result, err := d.invoke(ctx, h, msg)

	if msg.IsNotification() {
		if err != nil {
			d.logger.Error("notification handler failed",
				slog.String("method", msg.Method),
				slog.String("err", err.Error()))
		}
		return nil
	}

	if err != nil {
		var rpcErr *Error
		if !errors.As(err, &rpcErr) {
			rpcErr = &Error{Code: CodeInternalError, Message: err.Error()}
		}
		resp := NewError(msg.ID, rpcErr)
		return &resp
	}

	resp, err := NewResult(msg.ID, result)
	if err != nil {
		d.logger.Error("failed to marshal handler result",
			slog.String("method", msg.Method),
			slog.String("err", err.Error()))
		resp = NewError(msg.ID, stdError(CodeInternalError))
	}
	return &resp
}

func (d *Dispatcher) invoke(ctx context.Context, h Handler, msg Message) (result any, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panicked: %v", r)
		}
	}()
	if token := progressTokenFromParams(msg.Params); token != nil {
		ctx = withProgressToken(ctx, token)
	}
	return h(ctx, msg.Params)
}
