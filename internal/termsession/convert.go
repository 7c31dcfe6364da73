package termsession

import (
	"github.com/opentermio/termbridge/internal/renderer"
	"github.com/opentermio/termbridge/internal/wire"
)

// toWirePoint converts a renderer's 0-based coordinate to the wire
// protocol's 1-based convention (SPEC_FULL.md §1).
func toWirePoint(p renderer.Point) wire.Point {
	return wire.Point{X: p.X + 1, Y: p.Y + 1}
}

// toRendererPoint is the inverse of toWirePoint, used when a client
// message carries an absolute coordinate that must be handed back to the
// rendering engine.
func toRendererPoint(p wire.Point) renderer.Point {
	return renderer.Point{X: p.X - 1, Y: p.Y - 1}
}

func toWireFlags(s renderer.Span) wire.StyleFlags {
	var f wire.StyleFlags
	if s.Bold {
		f |= wire.FlagBold
	}
	if s.Italic {
		f |= wire.FlagItalic
	}
	if s.Underline {
		f |= wire.FlagUnderline
	}
	if s.Strikethrough {
		f |= wire.FlagStrikethrough
	}
	if s.Inverse {
		f |= wire.FlagInverse
	}
	if s.Faint {
		f |= wire.FlagFaint
	}
	return f
}

func toWireSpan(s renderer.Span) wire.Span {
	return wire.Span{
		Text:  s.Text,
		FG:    s.FG,
		BG:    s.BG,
		Flags: toWireFlags(s),
		Width: s.Width,
	}
}

func toWireLine(l renderer.Line) wire.Line {
	spans := make([]wire.Span, len(l.Spans))
	for i, s := range l.Spans {
		spans[i] = toWireSpan(s)
	}
	return wire.Line{Spans: spans}
}

func toWireLines(lines []renderer.Line) []wire.Line {
	out := make([]wire.Line, len(lines))
	for i, l := range lines {
		out[i] = toWireLine(l)
	}
	return out
}

func toWireSnapshot(f renderer.Frame) wire.FrameSnapshot {
	return wire.FrameSnapshot{
		Cols:          f.Size.Cols,
		Rows:          f.Size.Rows,
		Cursor:        toWirePoint(f.Cursor),
		CursorVisible: f.CursorVisible,
		Offset:        f.Offset,
		TotalLines:    f.TotalLines,
		Lines:         toWireLines(f.Lines),
	}
}

func toWireModifiers(m renderer.KeyModifiers) wire.Modifiers {
	return wire.Modifiers{Shift: m.Shift, Ctrl: m.Ctrl, Meta: m.Meta, Super: m.Super, Hyper: m.Hyper}
}

func toRendererModifiers(m wire.Modifiers) renderer.KeyModifiers {
	return renderer.KeyModifiers{Shift: m.Shift, Ctrl: m.Ctrl, Meta: m.Meta, Super: m.Super, Hyper: m.Hyper}
}

func toRendererButton(b wire.MouseButton) renderer.MouseButton {
	return renderer.MouseButton(b)
}
