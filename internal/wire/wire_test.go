package wire

import (
	"reflect"
	"testing"
)

func TestDecodeClientMessage_RoundTrip(t *testing.T) {
	cases := []ClientMessage{
		KeyMessage{Key: "Enter", Modifiers: Modifiers{Ctrl: true}},
		MouseMessage{Action: MouseDown, X: 3, Y: 4},
		ScrollMessage{X: 1, Y: 2, Lines: -3},
		ResizeMessage{Cols: 80, Rows: 24},
		PingMessage{},
	}
	for _, want := range cases {
		data, err := EncodeClientMessage(want)
		if err != nil {
			t.Fatalf("encode %T: %v", want, err)
		}
		got, err := DecodeClientMessage(data)
		if err != nil {
			t.Fatalf("decode %T: %v", want, err)
		}
		if got != want {
			t.Fatalf("round trip mismatch: got %#v, want %#v", got, want)
		}
	}
}

func TestDecodeClientMessage_UnknownType(t *testing.T) {
	_, err := DecodeClientMessage([]byte(`{"type":"teleport"}`))
	if err == nil {
		t.Fatal("expected error for unknown client message type")
	}
}

func TestDecodeServerMessage_RoundTrip(t *testing.T) {
	line := Line{Spans: []Span{{Text: "hi", Width: 2}}}
	cases := []ServerMessage{
		FullMessage{Snapshot: FrameSnapshot{Cols: 80, Rows: 24, Lines: []Line{line}}},
		DiffMessage{Changes: []LineDiff{{Index: 1, Line: line}}, Cursor: Point{X: 2, Y: 3}},
		CursorMessage{Cursor: Point{X: 1, Y: 1}, Visible: true},
		SelectionMessage{Selection: Selection{Anchor: Point{X: 1, Y: 1}, Focus: Point{X: 5, Y: 1}}},
		SelectionClearMessage{},
		PongMessage{},
		ErrorMessage{Code: "bad_message", Detail: "missing field"},
	}
	for _, want := range cases {
		data, err := want.MarshalJSON()
		if err != nil {
			t.Fatalf("marshal %T: %v", want, err)
		}
		got, err := DecodeServerMessage(data)
		if err != nil {
			t.Fatalf("decode %T: %v", want, err)
		}
		if !reflect.DeepEqual(got, want) {
			t.Fatalf("round trip mismatch: got %#v, want %#v", got, want)
		}
	}
}

func TestLineEqual(t *testing.T) {
	a := Line{Spans: []Span{{Text: "x", FG: "#fff", Width: 1}}}
	b := Line{Spans: []Span{{Text: "x", FG: "#fff", Width: 1}}}
	c := Line{Spans: []Span{{Text: "x", FG: "#000", Width: 1}}}
	if !a.Equal(b) {
		t.Fatal("expected equal lines to compare equal")
	}
	if a.Equal(c) {
		t.Fatal("expected lines differing in fg to compare unequal")
	}
	if a.Equal(EmptyLine) {
		t.Fatal("expected non-empty line to differ from EmptyLine")
	}
}

func TestSpanWidth_WideGlyph(t *testing.T) {
	if w := SpanWidth("a"); w != 1 {
		t.Fatalf("ascii width = %d, want 1", w)
	}
	if w := SpanWidth("中"); w != 2 {
		t.Fatalf("CJK width = %d, want 2", w)
	}
}

func TestEnvelope_DataAndEvent(t *testing.T) {
	payload, err := EncodeClientMessage(PingMessage{})
	if err != nil {
		t.Fatalf("encode ping: %v", err)
	}
	dataEnv := NewDataEnvelope("ns", "sess-1", payload)
	raw, err := EncodeEnvelope(dataEnv)
	if err != nil {
		t.Fatalf("encode envelope: %v", err)
	}
	decoded, err := DecodeEnvelope(raw)
	if err != nil {
		t.Fatalf("decode envelope: %v", err)
	}
	if decoded.Kind != EnvelopeData || decoded.ID != "sess-1" || decoded.Namespace != "ns" {
		t.Fatalf("unexpected decoded envelope: %#v", decoded)
	}

	evEnv := NewEventEnvelope("ns", "sess-1", EventUpstreamDiscovered)
	raw, err = EncodeEnvelope(evEnv)
	if err != nil {
		t.Fatalf("encode event envelope: %v", err)
	}
	decoded, err = DecodeEnvelope(raw)
	if err != nil {
		t.Fatalf("decode event envelope: %v", err)
	}
	if decoded.Kind != EnvelopeEvent || decoded.Event != EventUpstreamDiscovered {
		t.Fatalf("unexpected decoded event envelope: %#v", decoded)
	}
}

func TestDecodeEnvelope_UnknownKind(t *testing.T) {
	_, err := DecodeEnvelope([]byte(`{"kind":"bogus","id":"x"}`))
	if err == nil {
		t.Fatal("expected error for unknown envelope kind")
	}
}
