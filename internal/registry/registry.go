// Package registry implements the session registry (spec.md C4): the
// per-process map from an opaque session id to its termsession.Session,
// with two behaviors grounded on the teacher's Router bookkeeping
// (internal/ws/router.go): a bounded pre-ready FIFO so client messages
// that arrive before a session exists aren't lost, and an orphan grace
// period so a session survives a brief connection drop instead of being
// torn down instantly (Router.cleanupConn's 30s orphanTimer).
package registry

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/opentermio/termbridge/internal/termsession"
	"github.com/opentermio/termbridge/internal/wire"
)

// DefaultGrace is the orphan grace period applied when Config.Grace is
// zero, matching the teacher's Router.cleanupConn.
const DefaultGrace = 30 * time.Second

// DefaultMaxQueue bounds the pre-ready FIFO per session id.
const DefaultMaxQueue = 256

// Config configures a Registry.
type Config struct {
	Grace    time.Duration
	MaxQueue int
	Logger   *slog.Logger
}

type entry struct {
	session *termsession.Session
	orphan  *time.Timer
	queue   []wire.ClientMessage
}

// Registry owns the set of live sessions for one connection scope (one
// multiplexer or one tunnel). It is safe for concurrent use.
type Registry struct {
	mu       sync.Mutex
	entries  map[string]*entry
	grace    time.Duration
	maxQueue int
	logger   *slog.Logger
}

// New constructs a Registry.
func New(cfg Config) *Registry {
	grace := cfg.Grace
	if grace <= 0 {
		grace = DefaultGrace
	}
	maxQueue := cfg.MaxQueue
	if maxQueue <= 0 {
		maxQueue = DefaultMaxQueue
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		entries:  make(map[string]*entry),
		grace:    grace,
		maxQueue: maxQueue,
		logger:   logger,
	}
}

// NewSessionID generates an opaque, process-unique session identifier.
func NewSessionID() string {
	return uuid.NewString()
}

// Create builds a new session under id (generating one via NewSessionID
// if cfg.ID is empty) and flushes any messages queued for that id before
// the session existed. This is the eager instantiation path: the session
// is fully live, and its initial full frame already sent, before Create
// returns (SPEC_FULL.md §1).
func (r *Registry) Create(ctx context.Context, cfg termsession.Config) (*termsession.Session, error) {
	if cfg.ID == "" {
		cfg.ID = NewSessionID()
	}
	r.mu.Lock()
	if e, exists := r.entries[cfg.ID]; exists && e.session != nil {
		r.mu.Unlock()
		return nil, fmt.Errorf("registry: session %q already exists", cfg.ID)
	}
	r.mu.Unlock()

	sess, err := termsession.Create(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("registry: create session %q: %w", cfg.ID, err)
	}

	r.mu.Lock()
	e, ok := r.entries[cfg.ID]
	if !ok {
		e = &entry{}
		r.entries[cfg.ID] = e
	}
	e.session = sess
	queued := e.queue
	e.queue = nil
	r.mu.Unlock()

	for _, m := range queued {
		if err := sess.HandleMessage(ctx, m); err != nil {
			r.logger.Warn("flush queued message failed", "session_id", cfg.ID, "error", err)
		}
	}
	return sess, nil
}

// Get returns the live session for id, if any. It does not distinguish
// "never created" from "orphaned and destroyed"; callers that need that
// distinction should track it themselves (mux does, via lifecycle events).
func (r *Registry) Get(id string) (*termsession.Session, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[id]
	if !ok || e.session == nil {
		return nil, false
	}
	return e.session, true
}

// Dispatch delivers msg to the session named by id. If the session does
// not exist yet, msg is appended to a bounded per-id FIFO that Create
// flushes once the session is instantiated; once the FIFO is full the
// oldest queued message is dropped to admit the new one (spec.md §7,
// back-pressure-safe pre-ready queueing). Dispatch reports whether the
// message was delivered immediately (true) or queued/dropped (false).
func (r *Registry) Dispatch(ctx context.Context, id string, msg wire.ClientMessage) bool {
	r.mu.Lock()
	e, ok := r.entries[id]
	if !ok {
		e = &entry{}
		r.entries[id] = e
	}
	if e.session != nil {
		sess := e.session
		r.mu.Unlock()
		if err := sess.HandleMessage(ctx, msg); err != nil {
			r.logger.Warn("dispatch failed", "session_id", id, "error", err)
		}
		return true
	}
	if len(e.queue) >= r.maxQueue {
		e.queue = e.queue[1:]
		r.logger.Warn("pre-ready queue overflow, dropped oldest message", "session_id", id)
	}
	e.queue = append(e.queue, msg)
	r.mu.Unlock()
	return false
}

// Detach marks id's session as orphaned: it is not destroyed immediately,
// but a grace timer starts, after which Destroy is called unless Attach
// reclaims the id first.
func (r *Registry) Detach(id string) {
	r.mu.Lock()
	e, ok := r.entries[id]
	if !ok || e.session == nil {
		r.mu.Unlock()
		return
	}
	if e.orphan != nil {
		e.orphan.Stop()
	}
	e.orphan = time.AfterFunc(r.grace, func() { r.expire(id) })
	r.mu.Unlock()
}

// Attach cancels any pending orphan timer for id, reclaiming the session
// for a new connection. It reports whether a live session was found.
func (r *Registry) Attach(id string) (*termsession.Session, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[id]
	if !ok || e.session == nil {
		return nil, false
	}
	if e.orphan != nil {
		e.orphan.Stop()
		e.orphan = nil
	}
	return e.session, true
}

func (r *Registry) expire(id string) {
	r.mu.Lock()
	e, ok := r.entries[id]
	if !ok {
		r.mu.Unlock()
		return
	}
	delete(r.entries, id)
	r.mu.Unlock()
	if e.session != nil {
		if err := e.session.Destroy(context.Background()); err != nil {
			r.logger.Warn("orphan destroy failed", "session_id", id, "error", err)
		}
	}
}

// Destroy immediately tears down and removes id's session, bypassing the
// grace period. Used for explicit close requests rather than connection
// drops.
func (r *Registry) Destroy(ctx context.Context, id string) error {
	r.mu.Lock()
	e, ok := r.entries[id]
	if !ok {
		r.mu.Unlock()
		return nil
	}
	if e.orphan != nil {
		e.orphan.Stop()
	}
	delete(r.entries, id)
	r.mu.Unlock()
	if e.session == nil {
		return nil
	}
	return e.session.Destroy(ctx)
}

// Ids returns the identifiers of all sessions currently tracked,
// including orphaned-but-not-yet-expired ones.
func (r *Registry) Ids() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	ids := make([]string, 0, len(r.entries))
	for id := range r.entries {
		ids = append(ids, id)
	}
	return ids
}
