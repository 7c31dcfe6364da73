package framediff

import (
	"reflect"
	"testing"

	"github.com/opentermio/termbridge/internal/wire"
)

func line(text string) wire.Line {
	return wire.Line{Spans: []wire.Span{{Text: text, Width: wire.SpanWidth(text)}}}
}

func TestDiff_NoChanges(t *testing.T) {
	prev := []wire.Line{line("a"), line("b")}
	next := []wire.Line{line("a"), line("b")}
	if got := Diff(prev, next); len(got) != 0 {
		t.Fatalf("expected no changes, got %#v", got)
	}
}

func TestDiff_SingleLineChanged(t *testing.T) {
	prev := []wire.Line{line("a"), line("b"), line("c")}
	next := []wire.Line{line("a"), line("X"), line("c")}
	got := Diff(prev, next)
	want := []wire.LineDiff{{Index: 1, Line: line("X")}}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("got %#v, want %#v", got, want)
	}
}

func TestDiff_GrowingFrameReportsNewLines(t *testing.T) {
	prev := []wire.Line{line("a")}
	next := []wire.Line{line("a"), line("b")}
	got := Diff(prev, next)
	want := []wire.LineDiff{{Index: 1, Line: line("b")}}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("got %#v, want %#v", got, want)
	}
}

func TestApply_RoundTrip(t *testing.T) {
	prev := []wire.Line{line("a"), line("b"), line("c")}
	next := []wire.Line{line("a"), line("X"), line("c"), line("d")}
	changes := Diff(prev, next)
	got := Apply(prev, changes)
	if !reflect.DeepEqual(got, next) {
		t.Fatalf("round trip failed: got %#v, want %#v", got, next)
	}
}

func TestApply_EmptyChangesIsIdentity(t *testing.T) {
	prev := []wire.Line{line("a"), line("b")}
	got := Apply(prev, nil)
	if !reflect.DeepEqual(got, prev) {
		t.Fatalf("expected identity, got %#v", got)
	}
}

func TestShouldEscalate(t *testing.T) {
	total := 10
	changes := make([]wire.LineDiff, 6)
	if !ShouldEscalate(changes, total) {
		t.Fatal("expected escalation at 6/10 changed lines")
	}
	changes = make([]wire.LineDiff, 5)
	if ShouldEscalate(changes, total) {
		t.Fatal("expected no escalation at exactly 50% changed")
	}
}
