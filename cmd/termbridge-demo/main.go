// Command termbridge-demo drives demoterm's renderer façade directly
// against the local terminal, with no mux/tunnel/wire framing involved:
// it puts the local terminal into raw mode, forwards every byte it reads
// into the engine via Renderer.Input().PressKey, and repaints the local
// screen from Renderer.CaptureSpans on every change. It is the spiritual
// successor to the teacher's cmd/rovo-echo manual test harness, exercising
// the full PTY-spawn/ANSI-decode/span-render pipeline end to end instead
// of a hand-rolled input box.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/opentermio/termbridge/internal/demoterm"
	"github.com/opentermio/termbridge/internal/renderer"
)

// repaintInterval paces the local repaint loop the same way
// termsession.DefaultTickInterval paces the session core's render loop.
const repaintInterval = 50 * time.Millisecond

func main() {
	if err := newRootCmd().ExecuteContext(context.Background()); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var shell string
	cmd := &cobra.Command{
		Use:           "termbridge-demo",
		Short:         "Drive demoterm's renderer against the local terminal for manual testing",
		SilenceErrors: true,
		SilenceUsage:  true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runDemo(cmd.Context(), shell)
		},
	}
	cmd.Flags().StringVar(&shell, "shell", "", "shell to launch (default $SHELL or /bin/sh)")
	return cmd
}

func runDemo(ctx context.Context, shell string) error {
	logger := slog.New(slog.NewTextHandler(os.Stderr, nil))

	fd := int(os.Stdin.Fd())
	if !term.IsTerminal(fd) {
		return fmt.Errorf("termbridge-demo: stdin is not a terminal")
	}
	oldState, err := term.MakeRaw(fd)
	if err != nil {
		return fmt.Errorf("termbridge-demo: raw mode: %w", err)
	}
	defer term.Restore(fd, oldState)

	cols, rows, err := term.GetSize(fd)
	if err != nil {
		cols, rows = 80, 24
	}

	factory := demoterm.NewFactory(demoterm.Config{Shell: shell, Logger: logger})
	r, err := factory(ctx, renderer.Size{Cols: cols, Rows: rows})
	if err != nil {
		return fmt.Errorf("termbridge-demo: start renderer: %w", err)
	}
	defer r.Destroy(ctx)

	done := make(chan error, 1)
	go pumpInput(ctx, r, done)
	go repaintLoop(ctx, r, done)

	return <-done
}

func pumpInput(ctx context.Context, r renderer.Renderer, done chan<- error) {
	buf := make([]byte, 256)
	for {
		n, err := os.Stdin.Read(buf)
		if err != nil {
			done <- nil
			return
		}
		chunk := string(buf[:n])
		if chunk == "\x03" {
			// Ctrl+C: forward it to the child like any other byte; a
			// PressKey error here is ignored and the loop continues.
			_ = r.Input().PressKey(ctx, chunk, renderer.KeyModifiers{})
			continue
		}
		if err := r.Input().PressKey(ctx, chunk, renderer.KeyModifiers{}); err != nil {
			done <- fmt.Errorf("termbridge-demo: press key: %w", err)
			return
		}
	}
}

func repaintLoop(ctx context.Context, r renderer.Renderer, done chan<- error) {
	ticker := time.NewTicker(repaintInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			done <- nil
			return
		case <-ticker.C:
		}
		changed, err := r.RenderOnce(ctx)
		if err != nil {
			done <- err
			return
		}
		if !changed {
			continue
		}
		frame, err := r.CaptureSpans(ctx)
		if err != nil {
			done <- fmt.Errorf("termbridge-demo: capture spans: %w", err)
			return
		}
		repaint(frame)
	}
}

func repaint(frame renderer.Frame) {
	var out []byte
	out = append(out, "\x1b[H"...)
	for i, line := range frame.Lines {
		out = append(out, "\x1b[K"...)
		for _, sp := range line.Spans {
			out = append(out, sgrPrefix(sp)...)
			out = append(out, sp.Text...)
			out = append(out, "\x1b[0m"...)
		}
		if i != len(frame.Lines)-1 {
			out = append(out, "\r\n"...)
		}
	}
	out = append(out, []byte("\x1b["+strconv.Itoa(frame.Cursor.Y+1)+";"+strconv.Itoa(frame.Cursor.X+1)+"H")...)
	os.Stdout.Write(out)
}

func sgrPrefix(sp renderer.Span) string {
	codes := ""
	if sp.Bold {
		codes += ";1"
	}
	if sp.Faint {
		codes += ";2"
	}
	if sp.Italic {
		codes += ";3"
	}
	if sp.Underline {
		codes += ";4"
	}
	if sp.Inverse {
		codes += ";7"
	}
	if sp.Strikethrough {
		codes += ";9"
	}
	if sp.FG != "" {
		if r, g, b, ok := hexToRGB(sp.FG); ok {
			codes += ";38;2;" + strconv.Itoa(r) + ";" + strconv.Itoa(g) + ";" + strconv.Itoa(b)
		}
	}
	if sp.BG != "" {
		if r, g, b, ok := hexToRGB(sp.BG); ok {
			codes += ";48;2;" + strconv.Itoa(r) + ";" + strconv.Itoa(g) + ";" + strconv.Itoa(b)
		}
	}
	if codes == "" {
		return ""
	}
	return "\x1b[" + codes[1:] + "m"
}

func hexToRGB(hex string) (r, g, b int, ok bool) {
	if len(hex) != 7 || hex[0] != '#' {
		return 0, 0, 0, false
	}
	rv, err1 := strconv.ParseInt(hex[1:3], 16, 32)
	gv, err2 := strconv.ParseInt(hex[3:5], 16, 32)
	bv, err3 := strconv.ParseInt(hex[5:7], 16, 32)
	if err1 != nil || err2 != nil || err3 != nil {
		return 0, 0, 0, false
	}
	return int(rv), int(gv), int(bv), true
}
