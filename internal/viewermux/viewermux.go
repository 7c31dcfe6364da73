// Package viewermux implements the subscriber-side demultiplexer
// (spec.md C7): it owns one connection to a mux server (directly, or via
// a tunnel's relay) and fans the envelopes arriving on it out to any
// number of local listeners. Data envelopes reach only listeners scoped to
// their (namespace, id); there is no global data listener. Lifecycle
// events reach both scoped listeners and global listeners across every id
// the connection ever mentions. There is no
// teacher counterpart for this fan-out (the teacher is a direct 1:1
// bridge with no subscriber-side demux — see DESIGN.md), so the shape
// here — a small struct guarded by one mutex holding plain Go maps — is
// original to this component, built in the general idiom the rest of
// this codebase uses for the same problem (registry, mux).
package viewermux

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/opentermio/termbridge/internal/wire"
	"github.com/opentermio/termbridge/internal/wschannel"
)

// ConnectionEvent reports the lifecycle of the underlying connection
// itself, as opposed to any one upstream's lifecycle.
type ConnectionEvent string

const (
	ConnectionEstablished ConnectionEvent = "multiplexer_connected"
	ConnectionLost        ConnectionEvent = "multiplexer_disconnected"
)

type dataSub struct {
	handler func(wire.ServerMessage)
}

type lifecycleSub struct {
	handler func(namespace, id string, event wire.EventType, detail *wire.EnvelopeError)
}

type connectionSub struct {
	handler func(ConnectionEvent, error)
}

// ViewerMux fans out one channel's envelopes to any number of listeners.
type ViewerMux struct {
	ch     *wschannel.Channel
	logger *slog.Logger

	mu         sync.Mutex
	dataSubs   map[string]map[*dataSub]struct{}
	lifecycle  map[string]map[*lifecycleSub]struct{}
	globalLife map[*lifecycleSub]struct{}
	connSubs   map[*connectionSub]struct{}
}

// New wraps ch for subscriber-side fan-out. Call Run to start pumping
// envelopes into the registered listeners.
func New(ch *wschannel.Channel, logger *slog.Logger) *ViewerMux {
	if logger == nil {
		logger = slog.Default()
	}
	return &ViewerMux{
		ch:         ch,
		logger:     logger,
		dataSubs:   make(map[string]map[*dataSub]struct{}),
		lifecycle:  make(map[string]map[*lifecycleSub]struct{}),
		globalLife: make(map[*lifecycleSub]struct{}),
		connSubs:   make(map[*connectionSub]struct{}),
	}
}

func key(namespace, id string) string { return namespace + "\x00" + id }

// SubscribeData registers a handler for server messages addressed to
// (namespace, id). The returned unsubscribe func is idempotent.
func (v *ViewerMux) SubscribeData(namespace, id string, handler func(wire.ServerMessage)) func() {
	sub := &dataSub{handler: handler}
	k := key(namespace, id)
	v.mu.Lock()
	if v.dataSubs[k] == nil {
		v.dataSubs[k] = make(map[*dataSub]struct{})
	}
	v.dataSubs[k][sub] = struct{}{}
	v.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			v.mu.Lock()
			delete(v.dataSubs[k], sub)
			v.mu.Unlock()
		})
	}
}

// SubscribeLifecycle registers a handler for upstream lifecycle events
// scoped to (namespace, id).
func (v *ViewerMux) SubscribeLifecycle(namespace, id string, handler func(event wire.EventType, detail *wire.EnvelopeError)) func() {
	sub := &lifecycleSub{handler: func(_, _ string, ev wire.EventType, d *wire.EnvelopeError) { handler(ev, d) }}
	k := key(namespace, id)
	v.mu.Lock()
	if v.lifecycle[k] == nil {
		v.lifecycle[k] = make(map[*lifecycleSub]struct{})
	}
	v.lifecycle[k][sub] = struct{}{}
	v.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			v.mu.Lock()
			delete(v.lifecycle[k], sub)
			v.mu.Unlock()
		})
	}
}

// SubscribeGlobalLifecycle registers a handler invoked for every upstream
// lifecycle event on this connection, regardless of (namespace, id). This
// is how a wildcard-interested caller learns about newly discovered
// upstreams without knowing their ids in advance.
func (v *ViewerMux) SubscribeGlobalLifecycle(handler func(namespace, id string, event wire.EventType, detail *wire.EnvelopeError)) func() {
	sub := &lifecycleSub{handler: handler}
	v.mu.Lock()
	v.globalLife[sub] = struct{}{}
	v.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			v.mu.Lock()
			delete(v.globalLife, sub)
			v.mu.Unlock()
		})
	}
}

// SubscribeConnection registers a handler invoked when the underlying
// connection is established (at Run's start) and when it is lost (at
// Run's return), so a UI can show a single connectivity indicator that
// doesn't depend on any one session.
func (v *ViewerMux) SubscribeConnection(handler func(ConnectionEvent, error)) func() {
	sub := &connectionSub{handler: handler}
	v.mu.Lock()
	v.connSubs[sub] = struct{}{}
	v.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			v.mu.Lock()
			delete(v.connSubs, sub)
			v.mu.Unlock()
		})
	}
}

// Send encodes a client message and forwards it to the mux server for
// (namespace, id).
func (v *ViewerMux) Send(namespace, id string, msg wire.ClientMessage) error {
	payload, err := wire.EncodeClientMessage(msg)
	if err != nil {
		return fmt.Errorf("viewermux: encode client message: %w", err)
	}
	raw, err := wire.EncodeEnvelope(wire.NewDataEnvelope(namespace, id, payload))
	if err != nil {
		return fmt.Errorf("viewermux: encode envelope: %w", err)
	}
	return v.ch.SendRaw(raw)
}

// Run pumps envelopes from the channel until it closes, dispatching to
// registered listeners. ctx is checked only between received messages:
// cancelling it does not interrupt a Receive that is already blocked. It
// returns the error that ended the read loop (ctx.Err() after a
// cancellation, nil on a normal 1000 close).
func (v *ViewerMux) Run(ctx context.Context) error {
	v.notifyConnection(ConnectionEstablished, nil)
	var runErr error
	defer func() { v.notifyConnection(ConnectionLost, runErr) }()

	for {
		select {
		case <-ctx.Done():
			runErr = ctx.Err()
			return runErr
		default:
		}
		raw, err := v.ch.Receive()
		if err != nil {
			if code := wschannel.CloseCode(err); code == 1000 {
				return nil
			}
			runErr = err
			return err
		}
		env, err := wire.DecodeEnvelope(raw)
		if err != nil {
			v.logger.Warn("dropping malformed envelope", "error", err)
			continue
		}
		switch env.Kind {
		case wire.EnvelopeData:
			msg, err := wire.DecodeServerMessage(env.Payload)
			if err != nil {
				v.logger.Warn("dropping malformed server message", "namespace", env.Namespace, "id", env.ID, "error", err)
				continue
			}
			v.dispatchData(env.Namespace, env.ID, msg)
		case wire.EnvelopeEvent:
			v.dispatchLifecycle(env.Namespace, env.ID, env.Event, env.Error)
		}
	}
}

func (v *ViewerMux) dispatchData(namespace, id string, msg wire.ServerMessage) {
	v.mu.Lock()
	subs := make([]*dataSub, 0, len(v.dataSubs[key(namespace, id)]))
	for s := range v.dataSubs[key(namespace, id)] {
		subs = append(subs, s)
	}
	v.mu.Unlock()
	for _, s := range subs {
		s.handler(msg)
	}
}

func (v *ViewerMux) dispatchLifecycle(namespace, id string, event wire.EventType, detail *wire.EnvelopeError) {
	v.mu.Lock()
	subs := make([]*lifecycleSub, 0)
	for s := range v.lifecycle[key(namespace, id)] {
		subs = append(subs, s)
	}
	for s := range v.globalLife {
		subs = append(subs, s)
	}
	v.mu.Unlock()
	for _, s := range subs {
		s.handler(namespace, id, event, detail)
	}
}

func (v *ViewerMux) notifyConnection(event ConnectionEvent, err error) {
	v.mu.Lock()
	subs := make([]*connectionSub, 0, len(v.connSubs))
	for s := range v.connSubs {
		subs = append(subs, s)
	}
	v.mu.Unlock()
	for _, s := range subs {
		s.handler(event, err)
	}
}
