package termsession

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/opentermio/termbridge/internal/renderer"
	"github.com/opentermio/termbridge/internal/wire"
)

// fakeRenderer is a minimal, test-controlled renderer.Renderer. Content is
// one mutable first line followed by blank lines up to size.Rows; PressKey
// appends the pressed key to the first line.
type fakeRenderer struct {
	mu            sync.Mutex
	size          renderer.Size
	line          string
	cursor        renderer.Point
	cursorVisible bool
	dirty         bool
	destroyed     bool
	renderErr     error
	selectionFn   func(renderer.SelectionEvent)
}

func newFakeRenderer() *fakeRenderer {
	return &fakeRenderer{size: renderer.Size{Cols: 80, Rows: 24}, cursorVisible: true, dirty: true}
}

func (f *fakeRenderer) RenderOnce(ctx context.Context) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.renderErr != nil {
		return false, f.renderErr
	}
	changed := f.dirty
	f.dirty = false
	return changed, nil
}

func (f *fakeRenderer) CaptureSpans(ctx context.Context) (renderer.Frame, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	rows := f.size.Rows
	if rows < 1 {
		rows = 1
	}
	lines := make([]renderer.Line, rows)
	lines[0] = renderer.Line{Spans: []renderer.Span{{Text: f.line, Width: len(f.line)}}}
	return renderer.Frame{
		Size:          f.size,
		Cursor:        f.cursor,
		CursorVisible: f.cursorVisible,
		Lines:         lines,
	}, nil
}

func (f *fakeRenderer) Resize(ctx context.Context, size renderer.Size) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.size = size
	f.dirty = true
	return nil
}

func (f *fakeRenderer) SetCursorPosition(ctx context.Context, p renderer.Point) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cursor = p
	f.dirty = true
	return nil
}

func (f *fakeRenderer) Input() renderer.MockInput { return fakeInput{f} }
func (f *fakeRenderer) Mouse() renderer.MockMouse { return fakeMouse{f} }

func (f *fakeRenderer) On(event string, handler func(renderer.SelectionEvent)) func() {
	f.mu.Lock()
	f.selectionFn = handler
	f.mu.Unlock()
	return func() {
		f.mu.Lock()
		f.selectionFn = nil
		f.mu.Unlock()
	}
}

func (f *fakeRenderer) Destroy(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.destroyed = true
	return nil
}

type fakeInput struct{ f *fakeRenderer }

func (fi fakeInput) PressKey(ctx context.Context, key string, mods renderer.KeyModifiers) error {
	fi.f.mu.Lock()
	defer fi.f.mu.Unlock()
	fi.f.line += key
	fi.f.cursor.X++
	fi.f.dirty = true
	return nil
}

type fakeMouse struct{ f *fakeRenderer }

func (fm fakeMouse) PressDown(ctx context.Context, p renderer.Point, b renderer.MouseButton) error {
	return nil
}
func (fm fakeMouse) Release(ctx context.Context, p renderer.Point, b renderer.MouseButton) error {
	return nil
}
func (fm fakeMouse) MoveTo(ctx context.Context, p renderer.Point) error { return nil }
func (fm fakeMouse) Scroll(ctx context.Context, p renderer.Point, lines int) error {
	fm.f.mu.Lock()
	fm.f.dirty = true
	fm.f.mu.Unlock()
	return nil
}

type recorder struct {
	mu   sync.Mutex
	msgs []wire.ServerMessage
}

func (r *recorder) send(m wire.ServerMessage) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.msgs = append(r.msgs, m)
	return nil
}

func (r *recorder) drain(t *testing.T, timeout time.Duration, want int) []wire.ServerMessage {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		r.mu.Lock()
		n := len(r.msgs)
		r.mu.Unlock()
		if n >= want {
			break
		}
		time.Sleep(time.Millisecond)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]wire.ServerMessage, len(r.msgs))
	copy(out, r.msgs)
	return out
}

func newTestSession(t *testing.T, rec *recorder, fr *fakeRenderer) *Session {
	t.Helper()
	s, err := Create(context.Background(), Config{
		ID:           "sess-1",
		Namespace:    "ns",
		InitialSize:  renderer.Size{Cols: 80, Rows: 24},
		Factory:      func(ctx context.Context, size renderer.Size) (renderer.Renderer, error) { return fr, nil },
		Send:         rec.send,
		TickInterval: 5 * time.Millisecond,
	})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	t.Cleanup(func() { _ = s.Destroy(context.Background()) })
	return s
}

func TestCreate_SendsInitialFullFrame(t *testing.T) {
	rec := &recorder{}
	fr := newFakeRenderer()
	newTestSession(t, rec, fr)

	msgs := rec.drain(t, 100*time.Millisecond, 1)
	if len(msgs) == 0 {
		t.Fatal("expected initial full frame")
	}
	if _, ok := msgs[0].(wire.FullMessage); !ok {
		t.Fatalf("expected first message to be FullMessage, got %T", msgs[0])
	}
}

func TestHandleMessage_KeyPressProducesDiff(t *testing.T) {
	rec := &recorder{}
	fr := newFakeRenderer()
	s := newTestSession(t, rec, fr)
	rec.drain(t, 100*time.Millisecond, 1)

	if err := s.HandleMessage(context.Background(), wire.KeyMessage{Key: "a"}); err != nil {
		t.Fatalf("HandleMessage: %v", err)
	}
	msgs := rec.drain(t, 200*time.Millisecond, 2)
	if len(msgs) < 2 {
		t.Fatalf("expected a follow-up message after key press, got %d", len(msgs))
	}
	if _, ok := msgs[1].(wire.DiffMessage); !ok {
		t.Fatalf("expected DiffMessage after content change, got %T", msgs[1])
	}
}

func TestHandleMessage_RendererErrorSendsErrorMessage(t *testing.T) {
	rec := &recorder{}
	fr := newFakeRenderer()
	s := newTestSession(t, rec, fr)
	rec.drain(t, 100*time.Millisecond, 1)

	fr.mu.Lock()
	fr.renderErr = errors.New("boom")
	fr.mu.Unlock()

	s.requestRender()
	msgs := rec.drain(t, 200*time.Millisecond, 2)
	found := false
	for _, m := range msgs {
		if em, ok := m.(wire.ErrorMessage); ok {
			found = true
			if em.Code != "renderer_failure" {
				t.Fatalf("unexpected error code %q", em.Code)
			}
		}
	}
	if !found {
		t.Fatal("expected an ErrorMessage after renderer failure")
	}
}

func TestHandleMessage_ResizeRejectsNonPositive(t *testing.T) {
	rec := &recorder{}
	fr := newFakeRenderer()
	s := newTestSession(t, rec, fr)
	rec.drain(t, 100*time.Millisecond, 1)

	err := s.HandleMessage(context.Background(), wire.ResizeMessage{Cols: 0, Rows: 10})
	if !errors.Is(err, ErrInvalidSize) {
		t.Fatalf("expected ErrInvalidSize, got %v", err)
	}
}

func TestHandleMessage_PingProducesPongWithoutRender(t *testing.T) {
	rec := &recorder{}
	fr := newFakeRenderer()
	s := newTestSession(t, rec, fr)
	rec.drain(t, 100*time.Millisecond, 1)
	fr.mu.Lock()
	fr.dirty = false
	fr.mu.Unlock()

	if err := s.HandleMessage(context.Background(), wire.PingMessage{}); err != nil {
		t.Fatalf("HandleMessage: %v", err)
	}
	msgs := rec.drain(t, 100*time.Millisecond, 2)
	if len(msgs) < 2 {
		t.Fatal("expected a pong")
	}
	if _, ok := msgs[len(msgs)-1].(wire.PongMessage); !ok {
		t.Fatalf("expected PongMessage, got %T", msgs[len(msgs)-1])
	}
}

func TestClampScroll(t *testing.T) {
	if got := clampScroll(1000); got != maxScrollLines {
		t.Fatalf("got %d, want %d", got, maxScrollLines)
	}
	if got := clampScroll(-1000); got != -maxScrollLines {
		t.Fatalf("got %d, want %d", got, -maxScrollLines)
	}
	if got := clampScroll(5); got != 5 {
		t.Fatalf("got %d, want 5", got)
	}
}

func TestDestroy_IsIdempotent(t *testing.T) {
	rec := &recorder{}
	fr := newFakeRenderer()
	s := newTestSession(t, rec, fr)
	rec.drain(t, 100*time.Millisecond, 1)

	if err := s.Destroy(context.Background()); err != nil {
		t.Fatalf("first Destroy: %v", err)
	}
	if err := s.Destroy(context.Background()); err != nil {
		t.Fatalf("second Destroy: %v", err)
	}
	if err := s.HandleMessage(context.Background(), wire.PingMessage{}); !errors.Is(err, ErrSessionDestroyed) {
		t.Fatalf("expected ErrSessionDestroyed after Destroy, got %v", err)
	}
}
