// Package mux implements the server-side multiplexer (spec.md C5): it
// carries many (namespace, id) sessions over one duplex wschannel.Channel,
// wraps each session's wire.ServerMessage output in an Envelope addressed
// to its id, routes inbound envelopes to the right session via the
// registry, and applies the wildcard-on-discovery instantiation policy
// (SPEC_FULL.md §1, policy (a)).
//
// One Mux tracks claims across the connections it has served, so a second
// connection cannot bind an id that a still-live connection already owns
// (spec.md §6, close code 4009); grounded on the teacher's per-connection
// bookkeeping in internal/ws/router.go (Router.connSessions), generalized
// from "one process, many local connections" to "possibly many relay
// connections over the session's lifetime".
package mux

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/opentermio/termbridge/internal/registry"
	"github.com/opentermio/termbridge/internal/termsession"
	"github.com/opentermio/termbridge/internal/wire"
	"github.com/opentermio/termbridge/internal/wschannel"
)

// ErrUpstreamAlreadyConnected is returned by Discover when the requested
// (namespace, id) is already claimed by a different, still-live channel.
var ErrUpstreamAlreadyConnected = errors.New("mux: upstream already connected")

// SessionBuilder constructs the termsession.Config for a newly discovered
// upstream. The Send field of the returned Config is overwritten by Mux;
// callers should leave it nil.
type SessionBuilder func(ctx context.Context, namespace, id string) (termsession.Config, error)

type claim struct {
	channel *wschannel.Channel
}

// Mux is the server-side multiplexer. One Mux typically outlives any
// single connection: it holds the claim table and the session registry,
// while Serve is called once per accepted upstream connection and Watch
// once per accepted viewer connection.
type Mux struct {
	reg    *registry.Registry
	build  SessionBuilder
	logger *slog.Logger

	mu        sync.Mutex
	claims    map[string]claim
	byConn    map[*wschannel.Channel]map[string]struct{}
	watchers  map[string]map[*wschannel.Channel]struct{} // claimKey -> viewers
	wildcards map[string]map[*wschannel.Channel]struct{} // namespace -> viewers
}

// New constructs a Mux backed by reg. build is called once per discovered
// upstream to obtain that session's renderer factory and initial size.
func New(reg *registry.Registry, build SessionBuilder, logger *slog.Logger) *Mux {
	if logger == nil {
		logger = slog.Default()
	}
	return &Mux{
		reg:       reg,
		build:     build,
		logger:    logger,
		claims:    make(map[string]claim),
		byConn:    make(map[*wschannel.Channel]map[string]struct{}),
		watchers:  make(map[string]map[*wschannel.Channel]struct{}),
		wildcards: make(map[string]map[*wschannel.Channel]struct{}),
	}
}

func claimKey(namespace, id string) string { return namespace + "\x00" + id }

// Discover instantiates a session for (namespace, id) eagerly and binds it
// to ch, per the wildcard-subscription policy: a session is created on
// first upstream_discovered, not on first inbound envelope
// (SPEC_FULL.md §1). It emits upstream_discovered then upstream_connected
// event envelopes over ch. If (namespace, id) is already claimed by a
// different live channel, it returns ErrUpstreamAlreadyConnected and the
// caller should close ch with wschannel.CloseUpstreamTaken.
func (m *Mux) Discover(ctx context.Context, namespace, id string, ch *wschannel.Channel) error {
	key := claimKey(namespace, id)

	m.mu.Lock()
	if existing, ok := m.claims[key]; ok && existing.channel != ch {
		m.mu.Unlock()
		return ErrUpstreamAlreadyConnected
	}
	m.claims[key] = claim{channel: ch}
	if m.byConn[ch] == nil {
		m.byConn[ch] = make(map[string]struct{})
	}
	m.byConn[ch][key] = struct{}{}
	m.mu.Unlock()

	if err := m.broadcastEvent(namespace, id, wire.EventUpstreamDiscovered); err != nil {
		return err
	}

	if sess, ok := m.reg.Attach(id); ok {
		// Reclaiming a session within its orphan grace period: replay the
		// last frame instead of waiting for the next render tick
		// (SPEC_FULL.md §4, "snapshot replay on resume").
		if snap, ok := sess.Snapshot(); ok {
			if err := m.broadcastData(namespace, id, wire.FullMessage{Snapshot: snap}); err != nil {
				m.logger.Warn("resend snapshot on reconnect failed", "namespace", namespace, "id", id, "error", err)
			}
		}
		return m.broadcastEvent(namespace, id, wire.EventUpstreamConnected)
	}

	cfg, err := m.build(ctx, namespace, id)
	if err != nil {
		m.releaseClaim(ch, key)
		return fmt.Errorf("mux: build session config for %s/%s: %w", namespace, id, err)
	}
	cfg.ID = id
	cfg.Namespace = namespace
	cfg.Send = func(msg wire.ServerMessage) error {
		return m.broadcastData(namespace, id, msg)
	}
	if cfg.Logger == nil {
		cfg.Logger = m.logger
	}

	if _, err := m.reg.Create(ctx, cfg); err != nil {
		m.releaseClaim(ch, key)
		return fmt.Errorf("mux: create session %s/%s: %w", namespace, id, err)
	}

	return m.broadcastEvent(namespace, id, wire.EventUpstreamConnected)
}

// Watch registers ch as a viewer for ids in namespace (or every id ever
// discovered in namespace, if ids is empty — the wildcard subscription),
// forwarding data and lifecycle envelopes to ch until it disconnects.
// Unlike Discover, a watching connection never owns a session's lifecycle:
// any number of viewers may watch the same id concurrently, and none of
// them trigger admission control or the registry's orphan grace period.
// Inbound data envelopes from ch (e.g. a viewer's keystrokes) are
// dispatched to the named session exactly as Serve does for the upstream
// connection, so any viewer can drive input as well as observe output.
func (m *Mux) Watch(ctx context.Context, namespace string, ids []string, ch *wschannel.Channel) error {
	m.registerWatch(namespace, ids, ch)
	defer m.unregisterWatch(namespace, ids, ch)

	for _, id := range m.watchTargets(namespace, ids) {
		sess, ok := m.reg.Get(id)
		if !ok {
			continue
		}
		if err := m.sendEvent(ch, namespace, id, wire.EventUpstreamConnected); err != nil {
			return err
		}
		if snap, ok := sess.Snapshot(); ok {
			if err := m.sendData(ch, namespace, id, wire.FullMessage{Snapshot: snap}); err != nil {
				return err
			}
		}
	}

	for {
		raw, err := ch.Receive()
		if err != nil {
			return err
		}
		env, err := wire.DecodeEnvelope(raw)
		if err != nil {
			m.logger.Warn("dropping malformed envelope", "error", err)
			continue
		}
		if env.Kind != wire.EnvelopeData {
			continue
		}
		msg, err := wire.DecodeClientMessage(env.Payload)
		if err != nil {
			m.logger.Warn("dropping malformed client message", "id", env.ID, "error", err)
			continue
		}
		m.reg.Dispatch(ctx, env.ID, msg)
	}
}

// watchTargets returns the ids Watch should immediately resync a new
// viewer against: the explicit id list, or (for a wildcard subscription)
// every id currently claimed in namespace.
func (m *Mux) watchTargets(namespace string, ids []string) []string {
	if len(ids) > 0 {
		return ids
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []string
	for key := range m.claims {
		if ns, id, ok := splitClaimKey(key); ok && ns == namespace {
			out = append(out, id)
		}
	}
	return out
}

func (m *Mux) registerWatch(namespace string, ids []string, ch *wschannel.Channel) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(ids) == 0 {
		if m.wildcards[namespace] == nil {
			m.wildcards[namespace] = make(map[*wschannel.Channel]struct{})
		}
		m.wildcards[namespace][ch] = struct{}{}
		return
	}
	for _, id := range ids {
		key := claimKey(namespace, id)
		if m.watchers[key] == nil {
			m.watchers[key] = make(map[*wschannel.Channel]struct{})
		}
		m.watchers[key][ch] = struct{}{}
	}
}

func (m *Mux) unregisterWatch(namespace string, ids []string, ch *wschannel.Channel) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(ids) == 0 {
		delete(m.wildcards[namespace], ch)
		return
	}
	for _, id := range ids {
		key := claimKey(namespace, id)
		delete(m.watchers[key], ch)
	}
}

// broadcastData writes msg to (namespace, id)'s upstream channel (if any)
// and every viewer watching it, scoped or wildcard.
func (m *Mux) broadcastData(namespace, id string, msg wire.ServerMessage) error {
	payload, err := msg.MarshalJSON()
	if err != nil {
		return fmt.Errorf("mux: marshal server message: %w", err)
	}
	raw, err := wire.EncodeEnvelope(wire.NewDataEnvelope(namespace, id, payload))
	if err != nil {
		return fmt.Errorf("mux: encode envelope: %w", err)
	}
	return m.broadcastRaw(namespace, id, raw)
}

func (m *Mux) broadcastEvent(namespace, id string, ev wire.EventType) error {
	raw, err := wire.EncodeEnvelope(wire.NewEventEnvelope(namespace, id, ev))
	if err != nil {
		return fmt.Errorf("mux: encode event envelope: %w", err)
	}
	return m.broadcastRaw(namespace, id, raw)
}

func (m *Mux) broadcastRaw(namespace, id string, raw []byte) error {
	key := claimKey(namespace, id)
	m.mu.Lock()
	targets := make(map[*wschannel.Channel]struct{})
	if c, ok := m.claims[key]; ok {
		targets[c.channel] = struct{}{}
	}
	for ch := range m.watchers[key] {
		targets[ch] = struct{}{}
	}
	for ch := range m.wildcards[namespace] {
		targets[ch] = struct{}{}
	}
	m.mu.Unlock()

	var firstErr error
	for ch := range targets {
		if err := ch.SendRaw(raw); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func (m *Mux) sendData(ch *wschannel.Channel, namespace, id string, msg wire.ServerMessage) error {
	payload, err := msg.MarshalJSON()
	if err != nil {
		return fmt.Errorf("mux: marshal server message: %w", err)
	}
	raw, err := wire.EncodeEnvelope(wire.NewDataEnvelope(namespace, id, payload))
	if err != nil {
		return fmt.Errorf("mux: encode envelope: %w", err)
	}
	return ch.SendRaw(raw)
}

func (m *Mux) sendEvent(ch *wschannel.Channel, namespace, id string, ev wire.EventType) error {
	raw, err := wire.EncodeEnvelope(wire.NewEventEnvelope(namespace, id, ev))
	if err != nil {
		return fmt.Errorf("mux: encode event envelope: %w", err)
	}
	return ch.SendRaw(raw)
}

func (m *Mux) releaseClaim(ch *wschannel.Channel, key string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if c, ok := m.claims[key]; ok && c.channel == ch {
		delete(m.claims, key)
	}
	delete(m.byConn[ch], key)
}

// Serve runs ch's read loop, decoding envelopes and dispatching their
// payload to the named session via the registry, until ch's connection
// closes. On return, every id claimed by ch is detached (starting its
// orphan grace period rather than destroying it immediately, per
// SPEC_FULL.md §4).
func (m *Mux) Serve(ctx context.Context, ch *wschannel.Channel) error {
	defer m.cleanupConn(ch)
	for {
		raw, err := ch.Receive()
		if err != nil {
			return err
		}
		env, err := wire.DecodeEnvelope(raw)
		if err != nil {
			m.logger.Warn("dropping malformed envelope", "error", err)
			continue
		}
		if env.Kind != wire.EnvelopeData {
			continue
		}
		msg, err := wire.DecodeClientMessage(env.Payload)
		if err != nil {
			m.logger.Warn("dropping malformed client message", "id", env.ID, "error", err)
			continue
		}
		m.reg.Dispatch(ctx, env.ID, msg)
	}
}

func (m *Mux) cleanupConn(ch *wschannel.Channel) {
	m.mu.Lock()
	keys := m.byConn[ch]
	delete(m.byConn, ch)
	ids := make([]string, 0, len(keys))
	for key := range keys {
		delete(m.claims, key)
		if _, id, ok := splitClaimKey(key); ok {
			ids = append(ids, id)
		}
	}
	m.mu.Unlock()
	for _, id := range ids {
		m.reg.Detach(id)
	}
}

func splitClaimKey(key string) (namespace, id string, ok bool) {
	for i := 0; i < len(key); i++ {
		if key[i] == 0 {
			return key[:i], key[i+1:], true
		}
	}
	return "", "", false
}
