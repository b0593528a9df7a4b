package jrpc

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/google/uuid"
)

// SendFunc delivers one encoded JSON-RPC frame to the peer. A frame is a
// single message or a batch array.
type SendFunc func(frame json.RawMessage) error

// pendingRequest holds the callbacks of an outbound request awaiting its
// response.
type pendingRequest struct {
	onResult func(result json.RawMessage)
	onError  func(err *Error)
}

type endpointState int

const (
	stateUninitialized endpointState = iota
	stateInitialized
)

// Endpoint drives one JSON-RPC conversation with a peer. It correlates
// outbound requests with inbound responses, routes inbound requests and
// notifications through its Dispatcher, splits and re-assembles batches,
// cancels in-flight handlers on $/cancelRequest, and gates the session
// behind the initialize handshake.
//
// An Endpoint is transport-agnostic: it emits frames through its SendFunc
// and consumes them through Receive. All methods are safe for concurrent
// use.
type Endpoint struct {
	send   SendFunc
	disp   *Dispatcher
	logger *slog.Logger

	// initResult produces the result of an inbound initialize request. When
	// nil, the endpoint acts as a pure client and inbound initialize
	// requests fall through to the dispatcher.
	initResult func(params json.RawMessage) (any, error)

	mu       sync.Mutex
	pending  map[string]pendingRequest
	inflight map[string]context.CancelFunc
	state    endpointState
	closed   bool
}

// EndpointOption configures an Endpoint.
type EndpointOption func(*Endpoint)

// WithEndpointLogger sets the logger used for protocol-level events.
// Defaults to slog.Default().
func WithEndpointLogger(logger *slog.Logger) EndpointOption {
	return func(e *Endpoint) {
		e.logger = logger.With(
			slog.String("package", "go-jrpc"),
			slog.String("component", "endpoint"),
		)
	}
}

// WithDispatcher sets the dispatcher used for inbound requests and
// notifications. Defaults to an empty dispatcher.
func WithDispatcher(d *Dispatcher) EndpointOption {
	return func(e *Endpoint) {
		e.disp = d
	}
}

// WithInitializeResult marks the endpoint as a server and installs the
// function producing the result of the inbound initialize request. The
// first successful call moves the endpoint to the initialized state; any
// further initialize request is rejected as invalid.
func WithInitializeResult(fn func(params json.RawMessage) (any, error)) EndpointOption {
	return func(e *Endpoint) {
		e.initResult = fn
	}
}

// NewEndpoint creates an Endpoint emitting frames through send.
func NewEndpoint(send SendFunc, options ...EndpointOption) *Endpoint {
	e := &Endpoint{
		send:     send,
		pending:  make(map[string]pendingRequest),
		inflight: make(map[string]context.CancelFunc),
	}
	for _, opt := range options {
		opt(e)
	}
	if e.logger == nil {
		WithEndpointLogger(slog.Default())(e)
	}
	if e.disp == nil {
		e.disp = NewDispatcher()
	}
	return e
}

// Initialized reports whether the initialize handshake has completed.
func (e *Endpoint) Initialized() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state == stateInitialized
}

// SendRequest sends a request with a fresh id and registers the callbacks to
// run when the matching response arrives. Exactly one of the callbacks runs;
// closing the endpoint first runs onError with a cancellation error. Either
// callback may be nil.
func (e *Endpoint) SendRequest(
	method string, params any,
	onResult func(result json.RawMessage), onError func(err *Error),
) (RequestID, error) {
	id := StringID(uuid.New().String())
	msg, err := NewRequest(&id, method, params)
	if err != nil {
		return RequestID{}, err
	}

	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return RequestID{}, fmt.Errorf("endpoint is closed")
	}
	e.pending[id.key()] = pendingRequest{onResult: onResult, onError: onError}
	e.mu.Unlock()

	if err := e.sendMessage(msg); err != nil {
		e.mu.Lock()
		delete(e.pending, id.key())
		e.mu.Unlock()
		return RequestID{}, err
	}
	return id, nil
}

// SendNotification sends a notification. No response is expected.
func (e *Endpoint) SendNotification(method string, params any) error {
	msg, err := NewNotification(method, params)
	if err != nil {
		return err
	}
	return e.sendMessage(msg)
}

// Initialize performs the client side of the handshake: it sends the
// initialize request and moves the endpoint to the initialized state when
// the result arrives.
func (e *Endpoint) Initialize(
	params any,
	onResult func(result json.RawMessage), onError func(err *Error),
) (RequestID, error) {
	return e.SendRequest(MethodInitialize, params, func(result json.RawMessage) {
		e.mu.Lock()
		e.state = stateInitialized
		e.mu.Unlock()
		if onResult != nil {
			onResult(result)
		}
	}, onError)
}

// CancelRequest notifies the peer that the request with the given id should
// be cancelled. The pending callbacks stay registered; the peer decides
// whether a response still arrives.
func (e *Endpoint) CancelRequest(id RequestID) error {
	return e.SendNotification(MethodCancelRequest, cancelParams{ID: &id})
}

// ReportProgress emits a $/progress notification for the request being
// handled in ctx. It is a no-op when the request carried no progress token.
func (e *Endpoint) ReportProgress(ctx context.Context, value any) error {
	token := progressTokenFromCtx(ctx)
	if token == nil {
		return nil
	}
	raw, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("failed to marshal progress value: %w", err)
	}
	return e.SendNotification(MethodProgress, progressParams{
		ProgressToken: token,
		Value:         raw,
	})
}

// Close fails every pending request callback with a cancellation error and
// cancels every in-flight inbound handler. The endpoint rejects further
// sends.
func (e *Endpoint) Close() {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return
	}
	e.closed = true
	pending := e.pending
	e.pending = make(map[string]pendingRequest)
	cancels := make([]context.CancelFunc, 0, len(e.inflight))
	for _, cancel := range e.inflight {
		cancels = append(cancels, cancel)
	}
	e.inflight = make(map[string]context.CancelFunc)
	e.mu.Unlock()

	for _, pend := range pending {
		if pend.onError != nil {
			pend.onError(Errorf(CodeRequestCancelled, "endpoint closed"))
		}
	}
	for _, cancel := range cancels {
		cancel()
	}
}

// Receive consumes one inbound frame: a single message or a batch array.
// Responses produced by inbound requests are sent back through the
// endpoint's SendFunc; for a batch, they are collected into a batch response
// preserving request order.
func (e *Endpoint) Receive(ctx context.Context, frame json.RawMessage) {
	trimmed := bytes.TrimSpace(frame)
	if len(trimmed) == 0 {
		e.sendResponse(NewError(nil, stdError(CodeParseError)))
		return
	}

	if trimmed[0] == '[' {
		e.receiveBatch(ctx, trimmed)
		return
	}

	if resp := e.receiveElement(ctx, trimmed); resp != nil {
		e.sendResponse(*resp)
	}
}

func (e *Endpoint) receiveBatch(ctx context.Context, frame json.RawMessage) {
	var elements []json.RawMessage
	if err := json.Unmarshal(frame, &elements); err != nil {
		e.sendResponse(NewError(nil, stdError(CodeParseError)))
		return
	}
	if len(elements) == 0 {
		e.sendResponse(NewError(nil, stdError(CodeInvalidRequest)))
		return
	}

	responses := make([]Message, 0, len(elements))
	for _, el := range elements {
		if resp := e.receiveElement(ctx, el); resp != nil {
			responses = append(responses, *resp)
		}
	}
	if len(responses) == 0 {
		return
	}

	raw, err := json.Marshal(responses)
	if err != nil {
		e.logger.Error("failed to marshal batch response", slog.String("err", err.Error()))
		return
	}
	if err := e.send(raw); err != nil {
		e.logger.Error("failed to send batch response", slog.String("err", err.Error()))
	}
}

// receiveElement processes one message and returns the response to send, or
// nil when the message produces none.
func (e *Endpoint) receiveElement(ctx context.Context, raw json.RawMessage) *Message {
	var msg Message
	if err := json.Unmarshal(raw, &msg); err != nil {
		if !json.Valid(raw) {
			resp := NewError(nil, stdError(CodeParseError))
			return &resp
		}
		resp := NewError(salvageID(raw), stdError(CodeInvalidRequest))
		return &resp
	}

	switch {
	case msg.IsResponse():
		e.handleResponse(msg)
		return nil
	case msg.IsRequest():
		return e.handleRequest(ctx, msg)
	default:
		resp := NewError(salvageID(raw), stdError(CodeInvalidRequest))
		return &resp
	}
}

func (e *Endpoint) handleResponse(msg Message) {
	e.mu.Lock()
	pend, ok := e.pending[msg.ID.key()]
	if ok {
		delete(e.pending, msg.ID.key())
	}
	e.mu.Unlock()

	if !ok {
		e.logger.Debug("dropping response with no matching request",
			slog.String("id", msg.ID.String()))
		return
	}

	if msg.Error != nil {
		if pend.onError != nil {
			pend.onError(msg.Error)
		}
		return
	}
	if pend.onResult != nil {
		pend.onResult(msg.Result)
	}
}

func (e *Endpoint) handleRequest(ctx context.Context, msg Message) *Message {
	if msg.Method == MethodInitialize && e.initResult != nil {
		return e.handleInitialize(msg)
	}
	if msg.Method == MethodCancelRequest && msg.IsNotification() {
		e.handleCancel(msg)
		return nil
	}

	reqCtx := withEndpoint(ctx, e)
	if !msg.IsNotification() {
		var cancel context.CancelFunc
		reqCtx, cancel = context.WithCancel(reqCtx)
		key := msg.ID.key()
		e.mu.Lock()
		e.inflight[key] = cancel
		e.mu.Unlock()
		defer func() {
			e.mu.Lock()
			delete(e.inflight, key)
			e.mu.Unlock()
			cancel()
		}()
	}

	return e.disp.Dispatch(reqCtx, msg)
}

func (e *Endpoint) handleInitialize(msg Message) *Message {
	if msg.IsNotification() {
		return nil
	}

	e.mu.Lock()
	initialized := e.state == stateInitialized
	e.mu.Unlock()
	if initialized {
		resp := NewError(msg.ID, Errorf(CodeInvalidRequest, "already initialized"))
		return &resp
	}

	result, err := e.initResult(msg.Params)
	if err != nil {
		var rpcErr *Error
		if !errors.As(err, &rpcErr) {
			rpcErr = &Error{Code: CodeInternalError, Message: err.Error()}
		}
		resp := NewError(msg.ID, rpcErr)
		return &resp
	}

	e.mu.Lock()
	e.state = stateInitialized
	e.mu.Unlock()

	resp, err := NewResult(msg.ID, result)
	if err != nil {
		e.logger.Error("failed to marshal initialize result", slog.String("err", err.Error()))
		resp = NewError(msg.ID, stdError(CodeInternalError))
	}
	return &resp
}

func (e *Endpoint) handleCancel(msg Message) {
	var params cancelParams
	if err := json.Unmarshal(msg.Params, &params); err != nil || params.ID == nil {
		e.logger.Debug("ignoring malformed cancel notification")
		return
	}

	e.mu.Lock()
	cancel, ok := e.inflight[params.ID.key()]
	if ok {
		delete(e.inflight, params.ID.key())
	}
	e.mu.Unlock()

	if !ok {
		e.logger.Debug("cancel for unknown request", slog.String("id", params.ID.String()))
		return
	}
	cancel()
}

func (e *Endpoint) sendMessage(msg Message) error {
	raw, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to marshal message: %w", err)
	}
	return e.send(raw)
}

func (e *Endpoint) sendResponse(msg Message) {
	if err := e.sendMessage(msg); err != nil {
		e.logger.Error("failed to send response", slog.String("err", err.Error()))
	}
}

type progressTokenKey struct{}

func withProgressToken(ctx context.Context, token *RequestID) context.Context {
	return context.WithValue(ctx, progressTokenKey{}, token)
}

func progressTokenFromCtx(ctx context.Context) *RequestID {
	token, _ := ctx.Value(progressTokenKey{}).(*RequestID)
	return token
}

type endpointKey struct{}

func withEndpoint(ctx context.Context, e *Endpoint) context.Context {
	return context.WithValue(ctx, endpointKey{}, e)
}

// ReportProgress emits a $/progress notification from inside a handler. The
// handler's context identifies both the endpoint the request arrived on and
// the progress token the caller supplied. It is a no-op when the request
// carried no token.
func ReportProgress(ctx context.Context, value any) error {
	e, _ := ctx.Value(endpointKey{}).(*Endpoint)
	if e == nil {
		return nil
	}
	return e.ReportProgress(ctx, value)
}
