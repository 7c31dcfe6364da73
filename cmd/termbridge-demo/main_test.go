package main

import (
	"testing"

	"github.com/opentermio/termbridge/internal/renderer"
)

func TestHexToRGB(t *testing.T) {
	r, g, b, ok := hexToRGB("#ff8000")
	if !ok || r != 255 || g != 128 || b != 0 {
		t.Fatalf("unexpected result: %d %d %d %v", r, g, b, ok)
	}
	if _, _, _, ok := hexToRGB("bogus"); ok {
		t.Fatal("expected malformed hex to fail")
	}
	if _, _, _, ok := hexToRGB(""); ok {
		t.Fatal("expected empty hex to fail")
	}
}

func TestSGRPrefix_PlainSpanIsEmpty(t *testing.T) {
	if got := sgrPrefix(renderer.Span{Text: "hi"}); got != "" {
		t.Fatalf("expected no SGR prefix for a plain span, got %q", got)
	}
}

func TestSGRPrefix_BoldAndColor(t *testing.T) {
	sp := renderer.Span{Text: "x", Bold: true, FG: "#ff0000"}
	got := sgrPrefix(sp)
	if got != "\x1b[1;38;2;255;0;0m" {
		t.Fatalf("unexpected SGR prefix: %q", got)
	}
}
