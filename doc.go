// Package jrpc implements a JSON-RPC 2.0 messaging engine over an abstract
// transport. The core of the package is the Endpoint, which correlates
// outbound requests with inbound responses, routes inbound requests and
// notifications through a Dispatcher, and implements batching, cooperative
// cancellation, progress reporting, and the initialize handshake.
//
// Transports (stdio, SSE, WebSocket) implement the Session, ServerTransport
// and ClientTransport interfaces and exchange raw JSON frames with the
// Endpoint. The Client and Server types are convenience wrappers that wire
// an Endpoint to a transport.
//
// The companion package async provides the cooperative runtime primitives
// (Generator, Pool, Task, SyncWait) used by the asynchronous client layer.
package jrpc
