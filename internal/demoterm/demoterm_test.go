package demoterm

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/opentermio/termbridge/internal/renderer"
)

func waitForChange(t *testing.T, r renderer.Renderer, timeout time.Duration) renderer.Frame {
	t.Helper()
	deadline := time.Now().Add(timeout)
	var last renderer.Frame
	for time.Now().Before(deadline) {
		changed, err := r.RenderOnce(context.Background())
		if err != nil {
			t.Fatalf("RenderOnce: %v", err)
		}
		if changed {
			frame, err := r.CaptureSpans(context.Background())
			if err != nil {
				t.Fatalf("CaptureSpans: %v", err)
			}
			last = frame
			return last
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("timed out waiting for a render change")
	return last
}

func frameText(f renderer.Frame) string {
	var sb strings.Builder
	for _, line := range f.Lines {
		for _, sp := range line.Spans {
			sb.WriteString(sp.Text)
		}
		sb.WriteByte('\n')
	}
	return sb.String()
}

func TestFactory_ShellOutputAppearsInFrame(t *testing.T) {
	factory := NewFactory(Config{Shell: "/bin/sh", Args: []string{"-c", "printf hello"}})
	r, err := factory(context.Background(), renderer.Size{Cols: 40, Rows: 5})
	if err != nil {
		t.Fatalf("factory: %v", err)
	}
	defer r.Destroy(context.Background())

	frame := waitForChange(t, r, 2*time.Second)
	if !strings.Contains(frameText(frame), "hello") {
		t.Fatalf("expected shell output in frame, got:\n%s", frameText(frame))
	}
}

func TestFactory_ResizePropagatesToGrid(t *testing.T) {
	factory := NewFactory(Config{Shell: "/bin/sh", Args: []string{"-c", "sleep 1"}})
	r, err := factory(context.Background(), renderer.Size{Cols: 40, Rows: 5})
	if err != nil {
		t.Fatalf("factory: %v", err)
	}
	defer r.Destroy(context.Background())

	if err := r.Resize(context.Background(), renderer.Size{Cols: 20, Rows: 10}); err != nil {
		t.Fatalf("Resize: %v", err)
	}
	frame, err := r.CaptureSpans(context.Background())
	if err != nil {
		t.Fatalf("CaptureSpans: %v", err)
	}
	if frame.Size.Cols != 20 || frame.Size.Rows != 10 {
		t.Fatalf("unexpected size after resize: %+v", frame.Size)
	}
}

func TestFactory_KeyPressReachesChild(t *testing.T) {
	factory := NewFactory(Config{Shell: "/bin/sh", Args: []string{"-c", "cat"}})
	r, err := factory(context.Background(), renderer.Size{Cols: 40, Rows: 5})
	if err != nil {
		t.Fatalf("factory: %v", err)
	}
	defer r.Destroy(context.Background())

	if err := r.Input().PressKey(context.Background(), "x", renderer.KeyModifiers{}); err != nil {
		t.Fatalf("PressKey: %v", err)
	}

	frame := waitForChange(t, r, 2*time.Second)
	if !strings.Contains(frameText(frame), "x") {
		t.Fatalf("expected echoed input in frame, got:\n%s", frameText(frame))
	}
}

func TestKeyBytes_NamedKeysAndControl(t *testing.T) {
	if string(keyBytes("Enter", renderer.KeyModifiers{})) != "\r" {
		t.Fatal("Enter should map to CR")
	}
	if got := keyBytes("c", renderer.KeyModifiers{Ctrl: true}); len(got) != 1 || got[0] != 0x03 {
		t.Fatalf("Ctrl+c should map to 0x03, got %v", got)
	}
	if string(keyBytes("ArrowUp", renderer.KeyModifiers{})) != "\x1b[A" {
		t.Fatal("ArrowUp should map to CSI A")
	}
}
