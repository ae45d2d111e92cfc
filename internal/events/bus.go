// Package events provides the observability hook for the host: a
// publish/subscribe bus of structured events. The Session, the Model
// Gateway and the Orchestrator publish; loggers, telemetry exporters and
// tests subscribe. The core never writes to the console itself.
//
// The bus is nil-safe: calling Publish on a nil *Bus is a no-op, so
// components do not need guard checks.
package events

import (
	"sync"
	"time"
)

// Source constants identify which component published an event.
const (
	// SourceHost identifies events from the orchestrator.
	SourceHost = "host"
	// SourceSession identifies events from the MCP session.
	SourceSession = "session"
	// SourceGateway identifies events from the Model Gateway.
	SourceGateway = "gateway"
	// SourceTransport identifies raw frame events from an inspecting
	// transport.
	SourceTransport = "transport"
)

// Kind constants describe the type of event within a source.
const (
	// KindRunStarted signals the beginning of an orchestration run.
	// Data: run_id, query_len.
	KindRunStarted = "run_started"
	// KindPhaseEntered signals a workflow phase transition.
	// Data: run_id, phase.
	KindPhaseEntered = "phase_entered"
	// KindRunFinished signals the end of an orchestration run.
	// Data: run_id, phase, ok, elapsed_ms, tool_calls, error (on failure).
	KindRunFinished = "run_finished"

	// KindRequestSent signals an outgoing request (JSON-RPC or Model
	// Service). Data: method, id (session) or model, messages (gateway).
	KindRequestSent = "request_sent"
	// KindResponseReceived signals a decoded response.
	// Data: method, id, duration_ms (session) or stop_reason,
	// input_tokens, output_tokens (gateway).
	KindResponseReceived = "response_received"
	// KindErrorRaised signals a failed request.
	// Data: method or model, error.
	KindErrorRaised = "error_raised"
	// KindStateChanged signals a session state transition.
	// Data: from, to.
	KindStateChanged = "state_changed"

	// KindCapabilityCall signals the start of a capability invocation.
	// Data: run_id, call_id, capability.
	KindCapabilityCall = "capability_call"
	// KindCapabilityDone signals completion of a capability invocation.
	// Data: run_id, call_id, capability, is_error, duration_ms.
	KindCapabilityDone = "capability_done"

	// KindFrameOut is a raw outgoing JSON-RPC frame. Data: frame.
	KindFrameOut = "frame_out"
	// KindFrameIn is a raw incoming JSON-RPC frame. Data: frame.
	KindFrameIn = "frame_in"
)

// Event represents a single operational event published by a component.
type Event struct {
	// Timestamp is when the event occurred.
	Timestamp time.Time `json:"ts"`
	// Source identifies the component that published the event.
	Source string `json:"source"`
	// Kind describes the type of event within the source.
	Kind string `json:"kind"`
	// Data holds event-specific key/value pairs.
	Data map[string]any `json:"data,omitempty"`
}

// NewEvent returns an Event stamped with the current time.
func NewEvent(source, kind string, data map[string]any) Event {
	return Event{Timestamp: time.Now(), Source: source, Kind: kind, Data: data}
}

// Bus is a non-blocking broadcast event bus. Subscribers receive events
// on buffered channels; slow subscribers miss events rather than
// blocking publishers.
type Bus struct {
	mu   sync.RWMutex
	subs map[chan Event]struct{}
	// recvToSend maps the receive-only channel returned by Subscribe
	// back to the bidirectional channel stored in subs, so Unsubscribe
	// can accept the caller's <-chan Event.
	recvToSend map[<-chan Event]chan Event
}

// New creates a new event bus ready for use.
func New() *Bus {
	return &Bus{
		subs:       make(map[chan Event]struct{}),
		recvToSend: make(map[<-chan Event]chan Event),
	}
}

// Publish sends an event to all subscribers. Non-blocking: if a
// subscriber's channel is full, the event is dropped for that
// subscriber. Safe to call on a nil receiver (no-op).
func (b *Bus) Publish(e Event) {
	if b == nil {
		return
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now()
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	for ch := range b.subs {
		select {
		case ch <- e:
		default:
		}
	}
}

// Subscribe returns a channel that receives published events. The
// caller must eventually call Unsubscribe to avoid resource leaks.
func (b *Bus) Subscribe(bufSize int) <-chan Event {
	ch := make(chan Event, bufSize)
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subs[ch] = struct{}{}
	b.recvToSend[ch] = ch
	return ch
}

// Unsubscribe removes a subscription and closes the channel. Safe to
// call with a channel that is already unsubscribed (no-op).
func (b *Bus) Unsubscribe(ch <-chan Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	sendCh, ok := b.recvToSend[ch]
	if !ok {
		return
	}
	delete(b.subs, sendCh)
	delete(b.recvToSend, ch)
	close(sendCh)
}

// SubscriberCount returns the number of active subscribers.
func (b *Bus) SubscriberCount() int {
	if b == nil {
		return 0
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}
