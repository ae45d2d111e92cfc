package mcp

import "context"

// Transport carries JSON-RPC messages to and from a Tool Provider.
// Implementations handle framing, encoding and correlation of responses
// to requests by id. A Transport is owned by exactly one [Session],
// which closes it.
type Transport interface {
	// Send sends a JSON-RPC request and waits for the response with
	// the same id. Channel failures are reported as *TransportError;
	// malformed or uncorrelated traffic as *ProtocolError. A JSON-RPC
	// error object is returned inside the Response, not as an error.
	Send(ctx context.Context, req *Request) (*Response, error)

	// Notify sends a JSON-RPC notification (no response expected).
	Notify(ctx context.Context, notif *Notification) error

	// Close shuts down the transport and releases resources. For
	// stdio transports this terminates the subprocess. Outstanding
	// requests fail with *TransportError.
	Close() error
}
