// Package renderer defines the façade boundary between the session core
// and whatever engine actually produces terminal-shaped output: a real
// PTY, a headless emulator, a game, anything that can report a styled
// cell grid and accept synthetic input. spec.md §1 treats this boundary
// as opaque and out of scope for the core; this package is that
// boundary's Go shape, generalized from the teacher's internal/session
// package (an interface around an opaque child process) to "any
// rendering engine". The demoterm package is the one implementation
// shipped here, backed by a real PTY.
package renderer

import "context"

// Size is a terminal geometry in character cells.
type Size struct {
	Cols int
	Rows int
}

// MouseButton mirrors the wire.MouseButton values understood by the
// session core; kept as a distinct type here so renderer implementations
// do not need to import the wire package.
type MouseButton int

// SelectionEvent is delivered to a handler registered via Renderer.On when
// the underlying engine makes or clears a selection on its own (e.g. a
// double-click selecting a word). A zero-value Cleared=true event with a
// zero Selection means "selection cleared".
type SelectionEvent struct {
	Anchor  Point
	Focus   Point
	Cleared bool
}

// Point is a 0-based cell coordinate as reported by the rendering engine.
// The session core is responsible for converting to the wire protocol's
// 1-based convention at the boundary (SPEC_FULL.md §1).
type Point struct {
	X int
	Y int
}

// MockInput lets the session core inject synthetic keyboard input into the
// rendering engine.
type MockInput interface {
	PressKey(ctx context.Context, key string, mods KeyModifiers) error
}

// KeyModifiers mirrors wire.Modifiers without importing the wire package.
type KeyModifiers struct {
	Shift, Ctrl, Meta, Super, Hyper bool
}

// MockMouse lets the session core inject synthetic pointer input.
type MockMouse interface {
	PressDown(ctx context.Context, p Point, button MouseButton) error
	Release(ctx context.Context, p Point, button MouseButton) error
	MoveTo(ctx context.Context, p Point) error
	Scroll(ctx context.Context, p Point, lines int) error
}

// Renderer is the façade a host application implements to expose a
// rendering engine to the session core. Implementations must be safe for
// concurrent use by the session core's single render-loop goroutine and
// its input-handling call sites: the render loop calls RenderOnce and
// CaptureSpans while input handling runs on the goroutine that calls
// Session.HandleMessage, so methods of one instance may be called from
// two goroutines at once. On's handler may be invoked from an
// implementation-owned goroutine.
type Renderer interface {
	// RenderOnce advances the engine's internal clock by one tick, if the
	// engine has one, and returns whether anything changed since the last
	// call. Implementations backed by an OS process (like demoterm)
	// typically return true whenever new output has been read since the
	// last call.
	RenderOnce(ctx context.Context) (changed bool, err error)

	// CaptureSpans returns the current visible frame as styled lines,
	// plus cursor position/visibility and scrollback offset/total.
	CaptureSpans(ctx context.Context) (Frame, error)

	// Resize changes the engine's terminal geometry.
	Resize(ctx context.Context, size Size) error

	// SetCursorPosition requests the engine move its cursor, used when a
	// client-originated action (e.g. a click-to-position) should move the
	// underlying engine's input cursor rather than just the display
	// cursor. Implementations for which this is meaningless may no-op.
	SetCursorPosition(ctx context.Context, p Point) error

	Input() MockInput
	Mouse() MockMouse

	// On registers a handler for a named event. The only event defined by
	// this package is "selection"; implementations may define others but
	// the session core only ever registers for "selection".
	On(event string, handler func(SelectionEvent)) (unsubscribe func())

	// Destroy releases all resources held by the engine. After Destroy
	// returns, no other method may be called.
	Destroy(ctx context.Context) error
}

// Frame is what CaptureSpans returns: enough information for the session
// core to build a wire.FrameSnapshot without depending on the wire
// package directly.
type Frame struct {
	Size          Size
	Cursor        Point
	CursorVisible bool
	Offset        int
	TotalLines    int
	Lines         []Line
}

// Line and Span mirror wire.Line/wire.Span in shape but live in this
// package so renderer implementations do not import wire.
type Line struct {
	Spans []Span
}

type Span struct {
	Text  string
	FG    string
	BG    string
	Bold, Italic, Underline, Strikethrough, Inverse, Faint bool
	Width int
}

// Factory creates a new Renderer for a session with the given initial
// size. The session core calls this exactly once per session, at Create
// time, per the eager initialization discipline (SPEC_FULL.md §1).
type Factory func(ctx context.Context, initial Size) (Renderer, error)
