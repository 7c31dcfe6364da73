package demoterm

import (
	"strconv"
	"strings"
	"sync"

	"github.com/charmbracelet/x/ansi"
	"github.com/mattn/go-runewidth"

	"github.com/opentermio/termbridge/internal/renderer"
)

// cell is one character position in the grid, carrying the SGR attributes
// in effect when it was written.
type cell struct {
	r     rune
	width int
	fg    string
	bg    string
	bold  bool
	ital  bool
	under bool
	strike bool
	inv   bool
	faint bool
}

var blankCell = cell{r: ' ', width: 1}

// grid tracks a fixed-size terminal screen fed by raw child-process output.
// It understands enough of ANSI/VT to be useful for a real shell: SGR
// styling, cursor movement, line feeds with scroll-on-overflow, and erase.
// It does not implement an alternate screen, scrollback query, or the
// wider universe of private modes; those are out of scope for a demo
// engine (SPEC_FULL.md's demoterm is a reference Renderer, not a full
// terminal emulator).
type grid struct {
	mu   sync.Mutex
	cols int
	rows int
	rowsBuf [][]cell

	curX, curY   int
	curVisible   bool
	pendingWrap  bool // set when a printable write lands exactly at the last column

	cur cell // current SGR attribute template (r/width unused)

	ansiState byte
	pending   []byte // partial escape sequence held across Feed calls

	mouseReporting bool
	dirty          bool
}

func newGrid(cols, rows int) *grid {
	if cols <= 0 {
		cols = 80
	}
	if rows <= 0 {
		rows = 24
	}
	g := &grid{cols: cols, rows: rows, curVisible: true, cur: blankCell}
	g.rowsBuf = make([][]cell, rows)
	for i := range g.rowsBuf {
		g.rowsBuf[i] = blankRow(cols)
	}
	return g
}

func blankRow(cols int) []cell {
	row := make([]cell, cols)
	for i := range row {
		row[i] = blankCell
	}
	return row
}

// Resize changes the grid's geometry, preserving the top-left content that
// still fits and padding or truncating rows/columns as needed.
func (g *grid) Resize(cols, rows int) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if cols <= 0 || rows <= 0 || (cols == g.cols && rows == g.rows) {
		return
	}
	next := make([][]cell, rows)
	for y := range next {
		row := blankRow(cols)
		if y < len(g.rowsBuf) {
			copy(row, g.rowsBuf[y])
		}
		next[y] = row
	}
	g.rowsBuf = next
	g.cols, g.rows = cols, rows
	if g.curX >= cols {
		g.curX = cols - 1
	}
	if g.curY >= rows {
		g.curY = rows - 1
	}
	g.dirty = true
}

// Feed consumes raw child-process output, updating the grid in place.
func (g *grid) Feed(data []byte) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if len(g.pending) > 0 {
		data = append(g.pending, data...)
		g.pending = nil
	}
	remaining := string(data)
	for len(remaining) > 0 {
		seq, width, n, newState := ansi.DecodeSequence(remaining, g.ansiState, nil)
		if n == 0 {
			break
		}
		if newState != ansi.NormalState && n == len(remaining) {
			// The input ended inside an escape sequence; leave it in
			// remaining so it is held for the next Feed.
			break
		}
		g.ansiState = newState
		if width > 0 {
			g.writeText(seq)
		} else {
			g.handleControl(seq)
		}
		remaining = remaining[n:]
	}
	if len(remaining) > 0 {
		// An escape sequence was split across reads; hold it for the next Feed.
		g.pending = []byte(remaining)
	}
	g.dirty = true
}

// TakeDirty reports and clears whether the grid has changed since the last
// call.
func (g *grid) TakeDirty() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	d := g.dirty
	g.dirty = false
	return d
}

func (g *grid) writeText(text string) {
	for _, r := range text {
		w := runewidth.RuneWidth(r)
		if w == 0 {
			w = 1
		}
		if g.pendingWrap {
			g.newline()
			g.pendingWrap = false
		}
		if g.curX+w > g.cols {
			g.newline()
		}
		c := g.cur
		c.r = r
		c.width = w
		g.rowsBuf[g.curY][g.curX] = c
		for i := 1; i < w && g.curX+i < g.cols; i++ {
			g.rowsBuf[g.curY][g.curX+i] = cell{r: 0, width: 0}
		}
		g.curX += w
		if g.curX >= g.cols {
			g.curX = g.cols - 1
			g.pendingWrap = true
		}
	}
}

func (g *grid) newline() {
	g.curX = 0
	if g.curY == g.rows-1 {
		copy(g.rowsBuf, g.rowsBuf[1:])
		g.rowsBuf[g.rows-1] = blankRow(g.cols)
		return
	}
	g.curY++
}

func (g *grid) handleControl(seq string) {
	switch {
	case strings.HasPrefix(seq, "\x1b["):
		g.handleCSI(seq[2:])
	case seq == "\r":
		g.curX = 0
		g.pendingWrap = false
	case seq == "\n", seq == "\v", seq == "\f":
		g.newline()
	case seq == "\b":
		if g.curX > 0 {
			g.curX--
		}
		g.pendingWrap = false
	case seq == "\a":
		// bell: nothing visual to update
	default:
		// OSC, DCS and other sequences (title-setting, etc.) carry no grid
		// state we track.
	}
}

func (g *grid) handleCSI(body string) {
	if body == "" {
		return
	}
	final := body[len(body)-1]
	paramsStr := body[:len(body)-1]
	private := strings.HasPrefix(paramsStr, "?")
	if private {
		paramsStr = paramsStr[1:]
	}
	params := parseParams(paramsStr)

	switch final {
	case 'm':
		g.applySGR(params)
	case 'H', 'f':
		row := paramOr(params, 0, 1)
		col := paramOr(params, 1, 1)
		g.setCursor(col-1, row-1)
	case 'A':
		g.curY -= paramOr(params, 0, 1)
		g.clampCursor()
	case 'B':
		g.curY += paramOr(params, 0, 1)
		g.clampCursor()
	case 'C':
		g.curX += paramOr(params, 0, 1)
		g.clampCursor()
	case 'D':
		g.curX -= paramOr(params, 0, 1)
		g.clampCursor()
	case 'G':
		g.curX = paramOr(params, 0, 1) - 1
		g.clampCursor()
	case 'd':
		g.curY = paramOr(params, 0, 1) - 1
		g.clampCursor()
	case 'J':
		g.eraseDisplay(paramOr(params, 0, 0))
	case 'K':
		g.eraseLine(paramOr(params, 0, 0))
	case 'h':
		if private && (paramOr(params, 0, 0) == 1000 || paramOr(params, 0, 0) == 1002 || paramOr(params, 0, 0) == 1006) {
			g.mouseReporting = true
		}
		if private && paramOr(params, 0, 0) == 25 {
			g.curVisible = true
		}
	case 'l':
		if private && (paramOr(params, 0, 0) == 1000 || paramOr(params, 0, 0) == 1002 || paramOr(params, 0, 0) == 1006) {
			g.mouseReporting = false
		}
		if private && paramOr(params, 0, 0) == 25 {
			g.curVisible = false
		}
	default:
		// Sequences this grid does not need to track (scroll regions, device
		// status reports, etc.) are silently ignored.
	}
}

func (g *grid) setCursor(x, y int) {
	g.curX, g.curY = x, y
	g.pendingWrap = false
	g.clampCursor()
}

func (g *grid) clampCursor() {
	if g.curX < 0 {
		g.curX = 0
	}
	if g.curX >= g.cols {
		g.curX = g.cols - 1
	}
	if g.curY < 0 {
		g.curY = 0
	}
	if g.curY >= g.rows {
		g.curY = g.rows - 1
	}
}

func (g *grid) eraseDisplay(mode int) {
	switch mode {
	case 0:
		g.eraseLine(0)
		for y := g.curY + 1; y < g.rows; y++ {
			g.rowsBuf[y] = blankRow(g.cols)
		}
	case 1:
		for x := 0; x <= g.curX && x < g.cols; x++ {
			g.rowsBuf[g.curY][x] = blankCell
		}
		for y := 0; y < g.curY; y++ {
			g.rowsBuf[y] = blankRow(g.cols)
		}
	case 2, 3:
		for y := range g.rowsBuf {
			g.rowsBuf[y] = blankRow(g.cols)
		}
	}
}

func (g *grid) eraseLine(mode int) {
	row := g.rowsBuf[g.curY]
	switch mode {
	case 0:
		for x := g.curX; x < g.cols; x++ {
			row[x] = blankCell
		}
	case 1:
		for x := 0; x <= g.curX && x < g.cols; x++ {
			row[x] = blankCell
		}
	case 2:
		for x := range row {
			row[x] = blankCell
		}
	}
}

// ansi16 maps the 8 base SGR colors (and their bright variants) to hex, the
// same palette xterm ships with by default.
var ansi16 = [16]string{
	"#000000", "#cd0000", "#00cd00", "#cdcd00", "#0000ee", "#cd00cd", "#00cdcd", "#e5e5e5",
	"#7f7f7f", "#ff0000", "#00ff00", "#ffff00", "#5c5cff", "#ff00ff", "#00ffff", "#ffffff",
}

func (g *grid) applySGR(params []int) {
	if len(params) == 0 {
		params = []int{0}
	}
	for i := 0; i < len(params); i++ {
		p := params[i]
		switch {
		case p == 0:
			g.cur = blankCell
		case p == 1:
			g.cur.bold = true
		case p == 2:
			g.cur.faint = true
		case p == 3:
			g.cur.ital = true
		case p == 4:
			g.cur.under = true
		case p == 7:
			g.cur.inv = true
		case p == 9:
			g.cur.strike = true
		case p == 22:
			g.cur.bold, g.cur.faint = false, false
		case p == 23:
			g.cur.ital = false
		case p == 24:
			g.cur.under = false
		case p == 27:
			g.cur.inv = false
		case p == 29:
			g.cur.strike = false
		case p >= 30 && p <= 37:
			g.cur.fg = ansi16[p-30]
		case p == 38:
			if adv, color := g.parseExtendedColor(params, i); color != "" {
				g.cur.fg = color
				i += adv
			}
		case p == 39:
			g.cur.fg = ""
		case p >= 40 && p <= 47:
			g.cur.bg = ansi16[p-40]
		case p == 48:
			if adv, color := g.parseExtendedColor(params, i); color != "" {
				g.cur.bg = color
				i += adv
			}
		case p == 49:
			g.cur.bg = ""
		case p >= 90 && p <= 97:
			g.cur.fg = ansi16[8+p-90]
		case p >= 100 && p <= 107:
			g.cur.bg = ansi16[8+p-100]
		}
	}
}

// parseExtendedColor handles the "38;5;N" (256-color) and "38;2;R;G;B"
// (truecolor) SGR extensions, returning how many extra params it consumed
// and the resolved hex color.
func (*grid) parseExtendedColor(params []int, i int) (advance int, hex string) {
	if i+1 >= len(params) {
		return 0, ""
	}
	switch params[i+1] {
	case 2:
		if i+4 < len(params) {
			r, gg, b := params[i+2], params[i+3], params[i+4]
			return 4, "#" + byteHex(r) + byteHex(gg) + byteHex(b)
		}
	case 5:
		if i+2 < len(params) {
			return 2, xterm256(params[i+2])
		}
	}
	return 0, ""
}

func byteHex(v int) string {
	if v < 0 {
		v = 0
	}
	if v > 255 {
		v = 255
	}
	s := strconv.FormatInt(int64(v), 16)
	if len(s) == 1 {
		s = "0" + s
	}
	return s
}

func xterm256(n int) string {
	if n < 0 {
		n = 0
	}
	if n > 255 {
		n = 255
	}
	if n < 16 {
		return ansi16[n]
	}
	if n < 232 {
		n -= 16
		levels := [6]int{0, 95, 135, 175, 215, 255}
		r := levels[(n/36)%6]
		gg := levels[(n/6)%6]
		b := levels[n%6]
		return "#" + byteHex(r) + byteHex(gg) + byteHex(b)
	}
	gray := 8 + (n-232)*10
	return "#" + byteHex(gray) + byteHex(gray) + byteHex(gray)
}

func parseParams(s string) []int {
	if s == "" {
		return nil
	}
	parts := strings.Split(s, ";")
	out := make([]int, 0, len(parts))
	for _, p := range parts {
		if p == "" {
			out = append(out, 0)
			continue
		}
		n, err := strconv.Atoi(p)
		if err != nil {
			out = append(out, 0)
			continue
		}
		out = append(out, n)
	}
	return out
}

func paramOr(params []int, idx, def int) int {
	if idx >= len(params) || params[idx] == 0 {
		return def
	}
	return params[idx]
}

// Snapshot renders the grid into a renderer.Frame, coalescing runs of
// identically styled cells into a single Span per SPEC_FULL.md's span
// model.
func (g *grid) Snapshot() renderer.Frame {
	g.mu.Lock()
	defer g.mu.Unlock()

	lines := make([]renderer.Line, g.rows)
	for y, row := range g.rowsBuf {
		lines[y] = renderer.Line{Spans: coalesceRow(row)}
	}
	return renderer.Frame{
		Size:          renderer.Size{Cols: g.cols, Rows: g.rows},
		Cursor:        renderer.Point{X: g.curX, Y: g.curY},
		CursorVisible: g.curVisible,
		Offset:        0,
		TotalLines:    g.rows,
		Lines:         lines,
	}
}

func coalesceRow(row []cell) []renderer.Span {
	// Trailing cells still holding the untouched default blank contribute
	// nothing visible; dropping them keeps unwritten rows (and unwritten
	// tails of written rows) as empty lines instead of runs of spaces,
	// which keeps framediff's line comparisons meaningful.
	last := -1
	for i, c := range row {
		if c != blankCell {
			last = i
		}
	}
	row = row[:last+1]

	var spans []renderer.Span
	var sb strings.Builder
	var cur cell
	flush := func() {
		if sb.Len() == 0 {
			return
		}
		spans = append(spans, renderer.Span{
			Text:          sb.String(),
			FG:            cur.fg,
			BG:            cur.bg,
			Bold:          cur.bold,
			Italic:        cur.ital,
			Underline:     cur.under,
			Strikethrough: cur.strike,
			Inverse:       cur.inv,
			Faint:         cur.faint,
			Width:         runewidth.StringWidth(sb.String()),
		})
		sb.Reset()
	}
	started := false
	for _, c := range row {
		if c.width == 0 && c.r == 0 {
			continue // trailing cell of a wide glyph
		}
		if !started {
			cur = c
			started = true
		} else if styleChanged(cur, c) {
			flush()
			cur = c
		}
		sb.WriteRune(c.r)
	}
	flush()
	if len(spans) == 0 {
		spans = []renderer.Span{{Text: "", Width: 0}}
	}
	return spans
}

func styleChanged(a, b cell) bool {
	return a.fg != b.fg || a.bg != b.bg || a.bold != b.bold || a.ital != b.ital ||
		a.under != b.under || a.strike != b.strike || a.inv != b.inv || a.faint != b.faint
}

// MouseReportingEnabled reports whether the child process has requested
// mouse tracking (e.g. an editor's mouse mode), which callers use to decide
// whether to encode synthetic mouse events at all.
func (g *grid) MouseReportingEnabled() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.mouseReporting
}
