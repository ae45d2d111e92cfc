// Package mcp implements the host side of the Model Context Protocol:
// the JSON-RPC 2.0 envelopes, the transports that carry them to a Tool
// Provider, and the [Session] state machine that drives the handshake,
// capability discovery and capability invocation.
//
// Two transports are provided: stdio (the Tool Provider runs as a
// subprocess speaking newline-delimited JSON-RPC) and streamable HTTP.
// Any transport can be wrapped with [NewInspectingTransport] to observe
// raw frames without altering them.
//
// Only the three request kinds the host needs are modeled: initialize,
// tools/list and tools/call. The package never talks to the Model
// Service; that is the orchestrator's job.
package mcp
