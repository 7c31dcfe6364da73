// Package demoterm is the reference renderer.Renderer implementation
// shipped with this module: a real PTY-backed shell (or arbitrary child
// process), adapted from the teacher's internal/session package, whose
// output is parsed into a styled cell grid so it can be captured and
// diffed like any other rendering engine. It exists to make the module
// runnable end to end without a caller supplying their own engine, and
// to exercise session.Start/session_nonwindows.go/session_windows.go
// (kept from the teacher) against the renderer.Renderer boundary.
package demoterm

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strconv"
	"sync"
	"sync/atomic"
	"syscall"

	"github.com/opentermio/termbridge/internal/renderer"
	"github.com/opentermio/termbridge/internal/session"
)

// Config configures a demoterm engine. Shell defaults to $SHELL, or
// /bin/sh when SHELL is unset; Args defaults to no arguments.
type Config struct {
	Shell  string
	Args   []string
	Env    []string
	Dir    string
	Logger *slog.Logger
}

// NewFactory returns a renderer.Factory that spawns one PTY-backed child
// process per session, per cfg. The same Config may be reused across many
// Factory calls.
func NewFactory(cfg Config) renderer.Factory {
	return func(ctx context.Context, initial renderer.Size) (renderer.Renderer, error) {
		return start(ctx, cfg, initial)
	}
}

type engine struct {
	sess   *session.Session
	grid   *grid
	logger *slog.Logger

	cancel context.CancelFunc
	wg     sync.WaitGroup

	reportedExit atomic.Bool
	exitErr      atomic.Value // error
}

func start(ctx context.Context, cfg Config, initial renderer.Size) (*engine, error) {
	shell := cfg.Shell
	if shell == "" {
		shell = defaultShell()
	}
	pumpCtx, cancel := context.WithCancel(context.Background())
	sess, err := session.Start(pumpCtx, session.Config{
		Cmd:  shell,
		Args: cfg.Args,
		Env:  cfg.Env,
		Dir:  cfg.Dir,
		Mode: session.ModeAutoPTY,
	})
	if err != nil {
		cancel()
		return nil, fmt.Errorf("demoterm: start %q: %w", shell, err)
	}
	if err := sess.Resize(initial.Cols, initial.Rows); err != nil {
		cfg.logSlog().Warn("initial resize failed", "error", err)
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	e := &engine{
		sess:   sess,
		grid:   newGrid(initial.Cols, initial.Rows),
		logger: logger,
		cancel: cancel,
	}
	e.wg.Add(1)
	go e.pump()
	return e, nil
}

func (c Config) logSlog() *slog.Logger {
	if c.Logger != nil {
		return c.Logger
	}
	return slog.Default()
}

func defaultShell() string {
	if s := os.Getenv("SHELL"); s != "" {
		return s
	}
	return "/bin/sh"
}

// pump copies the child's output into the grid until the process exits or
// the engine is destroyed, mirroring the read-loop shape the teacher uses
// to bridge a PTY into its own websocket writer (internal/ws/router.go's
// pipeStdout), generalized to feed a grid instead of a client socket.
func (e *engine) pump() {
	defer e.wg.Done()
	buf := make([]byte, 32*1024)
	stdout := e.sess.Stdout()
	for {
		n, err := stdout.Read(buf)
		if n > 0 {
			e.grid.Feed(buf[:n])
		}
		if err != nil {
			// A PTY master reports EIO once the child has exited; treat it
			// like EOF.
			if !errors.Is(err, io.EOF) && !errors.Is(err, syscall.EIO) {
				e.exitErr.Store(err)
			}
			return
		}
	}
}

func (e *engine) RenderOnce(ctx context.Context) (bool, error) {
	if err, ok := e.exitErr.Load().(error); ok && err != nil {
		if e.reportedExit.CompareAndSwap(false, true) {
			return true, fmt.Errorf("demoterm: child process ended: %w", err)
		}
		return false, nil
	}
	changed := e.grid.TakeDirty()
	return changed, nil
}

func (e *engine) CaptureSpans(ctx context.Context) (renderer.Frame, error) {
	return e.grid.Snapshot(), nil
}

func (e *engine) Resize(ctx context.Context, size renderer.Size) error {
	e.grid.Resize(size.Cols, size.Rows)
	return e.sess.Resize(size.Cols, size.Rows)
}

// SetCursorPosition is meaningless for a raw PTY: the child program, not
// the caller, owns where its own cursor sits.
func (e *engine) SetCursorPosition(ctx context.Context, p renderer.Point) error {
	return nil
}

func (e *engine) Input() renderer.MockInput { return input{e} }
func (e *engine) Mouse() renderer.MockMouse { return mouse{e} }

// On registers for engine-originated selection events. demoterm has no
// concept of a native selection (there is no pointing device inside the
// PTY), so this is always a no-op subscription.
func (e *engine) On(event string, handler func(renderer.SelectionEvent)) func() {
	return func() {}
}

func (e *engine) Destroy(ctx context.Context) error {
	e.cancel()
	err := e.sess.Close()
	e.wg.Wait()
	return err
}

type input struct{ e *engine }

func (i input) PressKey(ctx context.Context, key string, mods renderer.KeyModifiers) error {
	b := keyBytes(key, mods)
	if b == nil {
		return nil
	}
	_, err := i.e.sess.Stdin().Write(b)
	return err
}

type mouse struct{ e *engine }

func (m mouse) PressDown(ctx context.Context, p renderer.Point, button renderer.MouseButton) error {
	return m.report(p, int(button), true)
}

func (m mouse) Release(ctx context.Context, p renderer.Point, button renderer.MouseButton) error {
	return m.report(p, int(button), false)
}

func (m mouse) MoveTo(ctx context.Context, p renderer.Point) error {
	if !m.e.grid.MouseReportingEnabled() {
		return nil
	}
	_, err := m.e.sess.Stdin().Write(sgrMouse(35, p, true))
	return err
}

func (m mouse) Scroll(ctx context.Context, p renderer.Point, lines int) error {
	if !m.e.grid.MouseReportingEnabled() {
		return nil
	}
	code := 64 // wheel up
	if lines > 0 {
		code = 65 // wheel down
	}
	if lines < 0 {
		lines = -lines
	}
	var b []byte
	for i := 0; i < lines; i++ {
		b = append(b, sgrMouse(code, p, true)...)
	}
	_, err := m.e.sess.Stdin().Write(b)
	return err
}

func (m mouse) report(p renderer.Point, button int, down bool) error {
	if !m.e.grid.MouseReportingEnabled() {
		return nil
	}
	_, err := m.e.sess.Stdin().Write(sgrMouse(button, p, down))
	return err
}

// sgrMouse encodes the SGR (1006) mouse reporting extension: CSI < Cb ; Cx
// ; Cy M (press/move) or m (release). Coordinates are 1-based on the wire.
func sgrMouse(button int, p renderer.Point, press bool) []byte {
	final := byte('M')
	if !press {
		final = 'm'
	}
	s := "\x1b[<" + strconv.Itoa(button) + ";" + strconv.Itoa(p.X+1) + ";" + strconv.Itoa(p.Y+1)
	return append([]byte(s), final)
}

// keyBytes translates a session-core key name into the byte sequence a
// terminal application expects to read from its stdin. Named keys follow
// the standard VT220/xterm encodings; anything else is treated as literal
// text (a printable rune or short string), with Ctrl applying the usual
// control-code transform for single letters.
func keyBytes(key string, mods renderer.KeyModifiers) []byte {
	switch key {
	case "Enter", "Return":
		return []byte("\r")
	case "Tab":
		return []byte("\t")
	case "Backspace":
		return []byte{0x7f}
	case "Escape":
		return []byte{0x1b}
	case "ArrowUp":
		return []byte("\x1b[A")
	case "ArrowDown":
		return []byte("\x1b[B")
	case "ArrowRight":
		return []byte("\x1b[C")
	case "ArrowLeft":
		return []byte("\x1b[D")
	case "Home":
		return []byte("\x1b[H")
	case "End":
		return []byte("\x1b[F")
	case "PageUp":
		return []byte("\x1b[5~")
	case "PageDown":
		return []byte("\x1b[6~")
	case "Delete":
		return []byte("\x1b[3~")
	}

	runes := []rune(key)
	if len(runes) == 1 && mods.Ctrl {
		return []byte{ctrlCode(runes[0])}
	}
	return []byte(key)
}

// ctrlCode maps a letter to its control-code byte (Ctrl+A => 0x01, etc.),
// the same transform every terminal emulator applies.
func ctrlCode(r rune) byte {
	upper := r
	if upper >= 'a' && upper <= 'z' {
		upper -= 'a' - 'A'
	}
	if upper >= '@' && upper <= '_' {
		return byte(upper - '@')
	}
	return byte(r)
}
