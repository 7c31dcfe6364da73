// Package framediff computes and applies line-level diffs between two
// terminal frames. It is pure: no I/O, no session state, just the diff
// relation over []wire.Line that the session core's paced render loop
// uses to decide between a diff and a full frame (spec.md §4.2, §4.3).
package framediff

import "github.com/opentermio/termbridge/internal/wire"

// Diff returns the lines in next that differ from the corresponding line
// in prev, addressed by row index. A line present in next but absent from
// prev (next is taller) is always reported changed. A line present in
// prev but absent from next (next is shorter) is not reported: callers
// that need to detect a shrinking frame should compare len(prev) and
// len(next) directly, or fall back to a full frame (spec.md §4.2 treats
// row-count change as one of the escalation triggers).
func Diff(prev, next []wire.Line) []wire.LineDiff {
	var changes []wire.LineDiff
	for i, line := range next {
		if i >= len(prev) || !prev[i].Equal(line) {
			changes = append(changes, wire.LineDiff{Index: i, Line: line})
		}
	}
	return changes
}

// Apply returns a copy of lines with each change overlaid at its index,
// growing the slice with wire.EmptyLine as needed; it never shortens it.
// Apply(base, Diff(base, next)) reproduces next line-for-line when next
// has at least as many lines as base (spec.md §8, property P2); when next
// is shorter, the result keeps base's lines past len(next).
func Apply(lines []wire.Line, changes []wire.LineDiff) []wire.Line {
	maxIndex := len(lines) - 1
	for _, c := range changes {
		if c.Index > maxIndex {
			maxIndex = c.Index
		}
	}
	out := make([]wire.Line, maxIndex+1)
	copy(out, lines)
	for i := len(lines); i < len(out); i++ {
		out[i] = wire.EmptyLine
	}
	for _, c := range changes {
		out[c.Index] = c.Line
	}
	return out
}

// ChangedFraction returns the proportion of total lines that changes
// touches, in [0, 1]. total should be the row count of the new frame
// (len(next) as passed to Diff). Used by the session core to decide
// whether to escalate a diff to a full frame once more than half the
// visible lines changed (spec.md §4.3).
func ChangedFraction(changes []wire.LineDiff, total int) float64 {
	if total <= 0 {
		return 0
	}
	return float64(len(changes)) / float64(total)
}

// ShouldEscalate reports whether a diff covering the given number of
// changed lines out of total should be sent as a full frame instead,
// per the >50%-of-lines threshold in spec.md §4.3.
func ShouldEscalate(changes []wire.LineDiff, total int) bool {
	return ChangedFraction(changes, total) > 0.5
}
