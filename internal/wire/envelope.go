package wire

import (
	"encoding/json"
	"fmt"
)

// EventType enumerates the lifecycle events a multiplexer or tunnel client
// emits alongside ordinary data envelopes (spec.md §4.5, §4.6).
type EventType string

const (
	EventUpstreamDiscovered EventType = "upstream_discovered"
	EventUpstreamConnected  EventType = "upstream_connected"
	EventUpstreamClosed     EventType = "upstream_closed"
	EventUpstreamError      EventType = "upstream_error"
)

// EnvelopeKind discriminates a data envelope from a lifecycle event
// envelope on the multiplexed channel.
type EnvelopeKind string

const (
	EnvelopeData  EnvelopeKind = "data"
	EnvelopeEvent EnvelopeKind = "event"
)

// Envelope wraps a client or server message (as raw JSON) with the
// (namespace, id) pair that names the upstream it belongs to, so many
// sessions can share one duplex channel (spec.md §4.5).
//
// Kind == EnvelopeData: Payload holds an encoded ClientMessage or
// ServerMessage, depending on which direction the envelope travels.
// Kind == EnvelopeEvent: Event and, for EventUpstreamError, Error are set
// and Payload is empty.
type Envelope struct {
	Kind      EnvelopeKind    `json:"kind"`
	Namespace string          `json:"namespace,omitempty"`
	ID        string          `json:"id"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	Event     EventType       `json:"event,omitempty"`
	Error     *EnvelopeError  `json:"error,omitempty"`
}

// EnvelopeError is the structured detail of an EventUpstreamError event.
type EnvelopeError struct {
	Code   string `json:"code"`
	Detail string `json:"detail,omitempty"`
}

// NewDataEnvelope wraps an already-encoded message for transmission under
// (namespace, id).
func NewDataEnvelope(namespace, id string, payload []byte) Envelope {
	return Envelope{Kind: EnvelopeData, Namespace: namespace, ID: id, Payload: json.RawMessage(payload)}
}

// NewEventEnvelope constructs a lifecycle event envelope for (namespace, id).
func NewEventEnvelope(namespace, id string, event EventType) Envelope {
	return Envelope{Kind: EnvelopeEvent, Namespace: namespace, ID: id, Event: event}
}

// NewErrorEventEnvelope constructs an EventUpstreamError envelope carrying
// a machine-readable code and human-readable detail.
func NewErrorEventEnvelope(namespace, id, code, detail string) Envelope {
	return Envelope{
		Kind:      EnvelopeEvent,
		Namespace: namespace,
		ID:        id,
		Event:     EventUpstreamError,
		Error:     &EnvelopeError{Code: code, Detail: detail},
	}
}

// EncodeEnvelope serializes an envelope for wire transmission.
func EncodeEnvelope(e Envelope) ([]byte, error) {
	data, err := json.Marshal(e)
	if err != nil {
		return nil, fmt.Errorf("encode envelope: %w", err)
	}
	return data, nil
}

// DecodeEnvelope parses a multiplexer envelope.
func DecodeEnvelope(data []byte) (Envelope, error) {
	var e Envelope
	if err := json.Unmarshal(data, &e); err != nil {
		return Envelope{}, fmt.Errorf("decode envelope: %w", err)
	}
	if e.Kind != EnvelopeData && e.Kind != EnvelopeEvent {
		return Envelope{}, fmt.Errorf("envelope: unknown kind %q", e.Kind)
	}
	return e, nil
}
