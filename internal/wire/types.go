// Package wire defines the message taxonomy shared by both polarities of
// the terminal-mirroring protocol: client→server input, server→client
// frame updates, and the multiplexer envelope that carries either across a
// single duplex channel. See spec.md §4.1 for the wire contract this
// package implements.
package wire

import "github.com/mattn/go-runewidth"

// StyleFlags is a bitfield of visual text attributes carried by a Span.
type StyleFlags uint8

const (
	FlagBold          StyleFlags = 1 << 0
	FlagItalic        StyleFlags = 1 << 1
	FlagUnderline     StyleFlags = 1 << 2
	FlagStrikethrough StyleFlags = 1 << 3
	FlagInverse       StyleFlags = 1 << 4
	FlagFaint         StyleFlags = 1 << 5
)

// Span is a run of characters sharing visual attributes. FG and BG are RGB
// hex strings (e.g. "#ff0000") or empty when absent.
type Span struct {
	Text  string     `json:"text"`
	FG    string     `json:"fg,omitempty"`
	BG    string     `json:"bg,omitempty"`
	Flags StyleFlags `json:"flags"`
	Width int        `json:"width"`
}

// SpanWidth returns the display width in cells of text, accounting for wide
// glyphs. Callers constructing a Span from raw text should use this rather
// than len(text) or utf8.RuneCountInString, per spec.md §3 ("width in
// cells (>= character count), to model wide glyphs").
func SpanWidth(text string) int {
	return runewidth.StringWidth(text)
}

// Line is an ordered sequence of spans covering one terminal row.
type Line struct {
	Spans []Span `json:"spans"`
}

// EmptyLine is the canonical zero-value line: {spans: []}.
var EmptyLine = Line{Spans: []Span{}}

// Equal reports whether l and o are structurally equal: same span count and
// pairwise equality of text, fg, bg, flags, and width. This is the equality
// relation diff.go's Diff operates over (spec.md §3).
func (l Line) Equal(o Line) bool {
	if len(l.Spans) != len(o.Spans) {
		return false
	}
	for i := range l.Spans {
		a, b := l.Spans[i], o.Spans[i]
		if a.Text != b.Text || a.FG != b.FG || a.BG != b.BG || a.Flags != b.Flags || a.Width != b.Width {
			return false
		}
	}
	return true
}

// Point is a 1-based cell coordinate (spec.md §3, §9).
type Point struct {
	X int `json:"x"`
	Y int `json:"y"`
}

// FrameSnapshot is the terminal's full visible state at one instant.
type FrameSnapshot struct {
	Cols          int    `json:"cols"`
	Rows          int    `json:"rows"`
	Cursor        Point  `json:"cursor"`
	CursorVisible bool   `json:"cursorVisible"`
	Offset        int    `json:"offset"`
	TotalLines    int    `json:"totalLines"`
	Lines         []Line `json:"lines"`
}

// LineDiff is a single changed line at the given index. The absence of an
// index in a diff list means that line is unchanged since the prior
// transmission (spec.md §3).
type LineDiff struct {
	Index int  `json:"index"`
	Line  Line `json:"line"`
}

// Modifiers are the optional keyboard/mouse modifier flags. Absent fields
// are false.
type Modifiers struct {
	Shift bool `json:"shift,omitempty"`
	Ctrl  bool `json:"ctrl,omitempty"`
	Meta  bool `json:"meta,omitempty"`
	Super bool `json:"super,omitempty"`
	Hyper bool `json:"hyper,omitempty"`
}

// Selection is a cell-coordinate text selection span, anchor to focus.
type Selection struct {
	Anchor Point `json:"anchor"`
	Focus  Point `json:"focus"`
}
