// Package termsession implements the session core (spec.md C3): the
// single-owner state machine that sits between one rendering engine and
// the wire protocol, running a paced render loop and translating client
// input into calls against the renderer façade.
//
// The render loop's throttled, single-flight shape is grounded on the
// teacher's Router.pipeStdout/flushStdout pair (internal/ws/router.go):
// output events coalesce into a bounded-rate flush rather than firing a
// message per byte read. Here the coalescing target is a channel of
// capacity one instead of a time.AfterFunc-per-session timer, since the
// unit of work is "recompute and diff a frame" rather than "flush a byte
// buffer", but the intent — many triggers, one outstanding flush — is the
// same.
package termsession

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/opentermio/termbridge/internal/framediff"
	"github.com/opentermio/termbridge/internal/renderer"
	"github.com/opentermio/termbridge/internal/wire"
)

// DefaultTickInterval is the render loop's pacing interval when Config
// does not set one.
const DefaultTickInterval = 50 * time.Millisecond

// maxScrollLines bounds a single ScrollMessage's magnitude, per spec.md
// §7's input-sanitization rules.
const maxScrollLines = 50

// Config configures a new Session. Send, Factory and InitialSize are
// required; the rest have sane defaults.
type Config struct {
	ID          string
	Namespace   string
	InitialSize renderer.Size
	Factory     renderer.Factory

	// Send delivers a server→client message for this session. The
	// session core calls it from at most one goroutine at a time, but
	// that goroutine is not necessarily the caller of Create.
	Send func(wire.ServerMessage) error

	Logger       *slog.Logger
	TickInterval time.Duration
}

// Session is one live rendering-engine-to-wire-protocol bridge.
type Session struct {
	id        string
	namespace string
	send      func(wire.ServerMessage) error
	logger    *slog.Logger
	renderer  renderer.Renderer
	tick      time.Duration

	unsubscribeSelection func()

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	trigger chan struct{}

	frameMu           sync.Mutex
	lastLines         []wire.Line
	lastCursor        wire.Point
	lastCursorVisible bool
	lastOffset        int
	lastTotal         int
	lastCols          int
	lastRows          int
	haveFrame         bool

	destroyed atomic.Bool
}

// Create builds a renderer via cfg.Factory, sends an initial full frame
// synchronously, and starts the paced render loop. This is the eager
// initialization discipline: by the time Create returns, the caller has
// already received one FullMessage (SPEC_FULL.md §1).
func Create(ctx context.Context, cfg Config) (*Session, error) {
	if cfg.InitialSize.Cols <= 0 || cfg.InitialSize.Rows <= 0 {
		return nil, ErrInvalidSize
	}
	if cfg.Send == nil {
		panic("termsession: Config.Send is nil")
	}
	if cfg.Factory == nil {
		panic("termsession: Config.Factory is nil")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	tick := cfg.TickInterval
	if tick <= 0 {
		tick = DefaultTickInterval
	}

	eng, err := cfg.Factory(ctx, cfg.InitialSize)
	if err != nil {
		return nil, fmt.Errorf("termsession: create renderer: %w", err)
	}

	sctx, cancel := context.WithCancel(context.Background())
	var sendMu sync.Mutex
	send := func(m wire.ServerMessage) error {
		sendMu.Lock()
		defer sendMu.Unlock()
		return cfg.Send(m)
	}
	s := &Session{
		id:        cfg.ID,
		namespace: cfg.Namespace,
		send:      send,
		logger:    logger.With("session_id", cfg.ID, "namespace", cfg.Namespace),
		renderer:  eng,
		tick:      tick,
		ctx:       sctx,
		cancel:    cancel,
		trigger:   make(chan struct{}, 1),
	}

	s.unsubscribeSelection = eng.On("selection", s.onSelection)

	if err := s.renderInitial(ctx); err != nil {
		cancel()
		_ = eng.Destroy(ctx)
		return nil, err
	}

	s.wg.Add(2)
	go s.tickLoop()
	go s.renderLoop()

	return s, nil
}

func (s *Session) onSelection(ev renderer.SelectionEvent) {
	if s.destroyed.Load() {
		return
	}
	if ev.Cleared {
		if err := s.send(wire.SelectionClearMessage{}); err != nil {
			s.logger.Warn("send selection-clear failed", "error", err)
		}
		return
	}
	msg := wire.SelectionMessage{Selection: wire.Selection{
		Anchor: toWirePoint(ev.Anchor),
		Focus:  toWirePoint(ev.Focus),
	}}
	if err := s.send(msg); err != nil {
		s.logger.Warn("send selection failed", "error", err)
	}
}

func (s *Session) renderInitial(ctx context.Context) error {
	frame, err := s.renderer.CaptureSpans(ctx)
	if err != nil {
		return fmt.Errorf("termsession: initial capture: %w", err)
	}
	snap := toWireSnapshot(frame)
	if err := s.send(wire.FullMessage{Snapshot: snap}); err != nil {
		return fmt.Errorf("termsession: send initial frame: %w", err)
	}
	s.frameMu.Lock()
	s.lastLines = snap.Lines
	s.lastCursor = snap.Cursor
	s.lastCursorVisible = snap.CursorVisible
	s.lastOffset = snap.Offset
	s.lastTotal = snap.TotalLines
	s.lastCols = snap.Cols
	s.lastRows = snap.Rows
	s.haveFrame = true
	s.frameMu.Unlock()
	return nil
}

// Snapshot returns the last frame sent to the client, for a multiplexer
// subscriber that reconnects to this session within the registry's
// retention window to resynchronize without waiting for the next render
// tick (SPEC_FULL.md §4, "snapshot replay on resume").
func (s *Session) Snapshot() (wire.FrameSnapshot, bool) {
	s.frameMu.Lock()
	defer s.frameMu.Unlock()
	if !s.haveFrame {
		return wire.FrameSnapshot{}, false
	}
	return wire.FrameSnapshot{
		Cols:          s.lastCols,
		Rows:          s.lastRows,
		Cursor:        s.lastCursor,
		CursorVisible: s.lastCursorVisible,
		Offset:        s.lastOffset,
		TotalLines:    s.lastTotal,
		Lines:         s.lastLines,
	}, true
}

func (s *Session) tickLoop() {
	defer s.wg.Done()
	ticker := time.NewTicker(s.tick)
	defer ticker.Stop()
	for {
		select {
		case <-s.ctx.Done():
			return
		case <-ticker.C:
			s.requestRender()
		}
	}
}

// requestRender is the coalescing entry point: any number of calls
// between two dequeues of trigger collapse into a single pending render,
// matching the "single-flight" pacing requirement (spec.md §4.3).
func (s *Session) requestRender() {
	select {
	case s.trigger <- struct{}{}:
	default:
	}
}

func (s *Session) renderLoop() {
	defer s.wg.Done()
	for {
		select {
		case <-s.ctx.Done():
			return
		case <-s.trigger:
			s.renderOnce()
		}
	}
}

func (s *Session) renderOnce() {
	changed, err := s.renderer.RenderOnce(s.ctx)
	if err != nil {
		s.logger.Error("render failed", "error", err)
		s.sendError("renderer_failure", err.Error())
		return
	}
	if !changed {
		return
	}
	frame, err := s.renderer.CaptureSpans(s.ctx)
	if err != nil {
		s.logger.Error("capture failed", "error", err)
		s.sendError("renderer_failure", err.Error())
		return
	}
	snap := toWireSnapshot(frame)

	s.frameMu.Lock()
	prevLines := s.lastLines
	prevCursor := s.lastCursor
	prevCursorVisible := s.lastCursorVisible
	rowCountChanged := len(prevLines) != len(snap.Lines)
	s.frameMu.Unlock()

	changes := framediff.Diff(prevLines, snap.Lines)

	var out wire.ServerMessage
	switch {
	case rowCountChanged || framediff.ShouldEscalate(changes, len(snap.Lines)):
		out = wire.FullMessage{Snapshot: snap}
	case len(changes) == 0:
		if prevCursor == snap.Cursor && prevCursorVisible == snap.CursorVisible {
			// Nothing observable changed; the render tick was a false
			// positive (e.g. an engine repaint with identical content).
			return
		}
		out = wire.CursorMessage{Cursor: snap.Cursor, Visible: snap.CursorVisible}
	default:
		out = wire.DiffMessage{
			Changes:       changes,
			Cursor:        snap.Cursor,
			CursorVisible: snap.CursorVisible,
			Offset:        snap.Offset,
			TotalLines:    snap.TotalLines,
		}
	}

	if err := s.send(out); err != nil {
		s.logger.Warn("send frame update failed", "error", err)
	}

	s.frameMu.Lock()
	s.lastLines = snap.Lines
	s.lastCursor = snap.Cursor
	s.lastCursorVisible = snap.CursorVisible
	s.lastOffset = snap.Offset
	s.lastTotal = snap.TotalLines
	s.lastCols = snap.Cols
	s.lastRows = snap.Rows
	s.frameMu.Unlock()
}

func (s *Session) sendError(code, detail string) {
	if err := s.send(wire.ErrorMessage{Code: code, Detail: detail}); err != nil {
		s.logger.Warn("send error message failed", "error", err)
	}
}

// HandleMessage applies a client→server message to the rendering engine
// and schedules a render pass. Renderer failures are reported to the
// client as an ErrorMessage and returned to the caller for logging; they
// never panic and never tear the session down (spec.md §7).
func (s *Session) HandleMessage(ctx context.Context, msg wire.ClientMessage) error {
	if s.destroyed.Load() {
		return ErrSessionDestroyed
	}
	var err error
	switch v := msg.(type) {
	case wire.KeyMessage:
		err = s.renderer.Input().PressKey(ctx, v.Key, toRendererModifiers(v.Modifiers))
	case wire.MouseMessage:
		err = s.handleMouse(ctx, v)
	case wire.ScrollMessage:
		lines := clampScroll(v.Lines)
		err = s.renderer.Mouse().Scroll(ctx, toRendererPoint(wire.Point{X: v.X, Y: v.Y}), lines)
	case wire.ResizeMessage:
		if v.Cols <= 0 || v.Rows <= 0 {
			s.sendError("invalid_size", "cols and rows must be positive")
			return ErrInvalidSize
		}
		err = s.renderer.Resize(ctx, renderer.Size{Cols: v.Cols, Rows: v.Rows})
	case wire.PingMessage:
		if sendErr := s.send(wire.PongMessage{}); sendErr != nil {
			s.logger.Warn("send pong failed", "error", sendErr)
		}
		return nil
	default:
		return fmt.Errorf("termsession: unhandled client message type %T", msg)
	}
	if err != nil {
		s.logger.Error("input injection failed", "error", err)
		s.sendError("renderer_failure", err.Error())
		return err
	}
	s.requestRender()
	return nil
}

func (s *Session) handleMouse(ctx context.Context, m wire.MouseMessage) error {
	p := toRendererPoint(wire.Point{X: m.X, Y: m.Y})
	var button renderer.MouseButton
	if m.Button != nil {
		button = toRendererButton(*m.Button)
	}
	switch m.Action {
	case wire.MouseDown:
		return s.renderer.Mouse().PressDown(ctx, p, button)
	case wire.MouseUp:
		return s.renderer.Mouse().Release(ctx, p, button)
	case wire.MouseMove:
		return s.renderer.Mouse().MoveTo(ctx, p)
	case wire.MouseScroll:
		// Legacy schema drift (SPEC_FULL.md §1): action:"scroll" with
		// button 4 (up) or 5 (down) instead of the explicit scroll
		// message. One notch is treated as three lines, matching typical
		// terminal wheel semantics.
		lines := 3
		if m.Button != nil && *m.Button == wire.ButtonWheelUp {
			lines = -lines
		}
		return s.renderer.Mouse().Scroll(ctx, p, lines)
	default:
		return fmt.Errorf("termsession: unknown mouse action %q", m.Action)
	}
}

func clampScroll(lines int) int {
	if lines > maxScrollLines {
		return maxScrollLines
	}
	if lines < -maxScrollLines {
		return -maxScrollLines
	}
	return lines
}

// Destroy stops the render loop and releases the underlying renderer.
// Calling Destroy more than once is safe; only the first call does work.
func (s *Session) Destroy(ctx context.Context) error {
	if !s.destroyed.CompareAndSwap(false, true) {
		return nil
	}
	s.cancel()
	s.wg.Wait()
	if s.unsubscribeSelection != nil {
		s.unsubscribeSelection()
	}
	if err := s.renderer.Destroy(ctx); err != nil {
		return fmt.Errorf("termsession: destroy renderer: %w", err)
	}
	return nil
}

// ID returns the session's opaque identifier as supplied at Create time.
func (s *Session) ID() string { return s.id }

// Namespace returns the session's namespace as supplied at Create time.
func (s *Session) Namespace() string { return s.namespace }
