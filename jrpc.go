package jrpc

import (
	"context"
	"encoding/json"
	"iter"
)

// Session represents one bidirectional JSON-RPC conversation with a peer.
// Frames are raw JSON values: a single message object or a batch array.
type Session interface {
	// ID returns the unique identifier of the session.
	ID() string

	// Send delivers one frame to the peer.
	Send(ctx context.Context, frame json.RawMessage) error

	// Messages iterates over frames arriving from the peer. The iteration
	// ends when the session is stopped or the underlying connection closes.
	Messages() iter.Seq[json.RawMessage]

	// Stop terminates the session and releases its resources.
	Stop()
}

// ServerTransport accepts inbound sessions.
type ServerTransport interface {
	// Sessions iterates over sessions as peers connect. The iteration ends
	// when the transport shuts down.
	Sessions() iter.Seq[Session]

	// Shutdown stops accepting sessions and closes the active ones. The
	// context bounds how long the shutdown may take.
	Shutdown(ctx context.Context) error
}

// ClientTransport establishes outbound sessions.
type ClientTransport interface {
	// StartSession connects to the peer and returns the resulting session.
	StartSession(ctx context.Context) (Session, error)
}

// Info identifies an endpoint implementation during the initialize
// handshake.
type Info struct {
	Name    string `json:"name"`
	Version string `json:"version"`
}

// initializeParams is the payload of the initialize request.
type initializeParams struct {
	ProtocolVersion string `json:"protocolVersion"`
	ClientInfo      Info   `json:"clientInfo"`
}

// initializeResult is the payload of the initialize response.
type initializeResult struct {
	ProtocolVersion string `json:"protocolVersion"`
	ServerInfo      Info   `json:"serverInfo"`
}

// protocolVersion is the handshake version this implementation speaks.
const protocolVersion = "2024-11-05"
