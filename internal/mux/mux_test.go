package mux

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/opentermio/termbridge/internal/registry"
	"github.com/opentermio/termbridge/internal/renderer"
	"github.com/opentermio/termbridge/internal/termsession"
	"github.com/opentermio/termbridge/internal/wire"
	"github.com/opentermio/termbridge/internal/wschannel"
)

type nullRenderer struct{ mu sync.Mutex }

func (n *nullRenderer) RenderOnce(ctx context.Context) (bool, error)             { return false, nil }
func (n *nullRenderer) CaptureSpans(ctx context.Context) (renderer.Frame, error) { return renderer.Frame{}, nil }
func (n *nullRenderer) Resize(ctx context.Context, size renderer.Size) error     { return nil }
func (n *nullRenderer) SetCursorPosition(ctx context.Context, p renderer.Point) error {
	return nil
}
func (n *nullRenderer) Input() renderer.MockInput { return nullInput{} }
func (n *nullRenderer) Mouse() renderer.MockMouse { return nullMouse{} }
func (n *nullRenderer) On(event string, h func(renderer.SelectionEvent)) func() {
	return func() {}
}
func (n *nullRenderer) Destroy(ctx context.Context) error { return nil }

type nullInput struct{}

func (nullInput) PressKey(ctx context.Context, key string, mods renderer.KeyModifiers) error {
	return nil
}

type nullMouse struct{}

func (nullMouse) PressDown(ctx context.Context, p renderer.Point, b renderer.MouseButton) error {
	return nil
}
func (nullMouse) Release(ctx context.Context, p renderer.Point, b renderer.MouseButton) error {
	return nil
}
func (nullMouse) MoveTo(ctx context.Context, p renderer.Point) error          { return nil }
func (nullMouse) Scroll(ctx context.Context, p renderer.Point, lines int) error { return nil }

func testBuilder(ctx context.Context, namespace, id string) (termsession.Config, error) {
	return termsession.Config{
		InitialSize:  renderer.Size{Cols: 80, Rows: 24},
		Factory:      func(ctx context.Context, size renderer.Size) (renderer.Renderer, error) { return &nullRenderer{}, nil },
		TickInterval: 5 * time.Millisecond,
	}, nil
}

func wsURL(serverURL string) string { return strings.Replace(serverURL, "http", "ws", 1) }

func startMuxServer(t *testing.T, m *Mux, namespace, id string) (*httptest.Server, string) {
	t.Helper()
	mh := http.NewServeMux()
	mh.HandleFunc("/mux", func(w http.ResponseWriter, r *http.Request) {
		ch, err := wschannel.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		if err := m.Discover(context.Background(), namespace, id, ch); err != nil {
			_ = ch.CloseWithCode(wschannel.CloseUpstreamTaken, err.Error())
			return
		}
		_ = m.Serve(context.Background(), ch)
	})
	ts := httptest.NewServer(mh)
	return ts, wsURL(ts.URL) + "/mux"
}

func TestMux_DiscoverEmitsLifecycleEvents(t *testing.T) {
	reg := registry.New(registry.Config{})
	m := New(reg, testBuilder, nil)
	ts, url := startMuxServer(t, m, "ns", "sess-1")
	defer ts.Close()

	client, _, err := wschannel.Dial(context.Background(), url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer client.Close()

	var events []wire.EventType
	for i := 0; i < 3; i++ {
		raw, err := client.Receive()
		if err != nil {
			t.Fatalf("receive %d: %v", i, err)
		}
		env, err := wire.DecodeEnvelope(raw)
		if err != nil {
			t.Fatalf("decode envelope %d: %v", i, err)
		}
		if env.Kind == wire.EnvelopeEvent {
			events = append(events, env.Event)
		}
	}
	if len(events) < 2 || events[0] != wire.EventUpstreamDiscovered {
		t.Fatalf("expected discovered event first, got %#v", events)
	}
}

func TestMux_SecondConnectionRejectedWithUpstreamTaken(t *testing.T) {
	reg := registry.New(registry.Config{})
	m := New(reg, testBuilder, nil)
	ts, url := startMuxServer(t, m, "ns", "sess-1")
	defer ts.Close()

	first, _, err := wschannel.Dial(context.Background(), url, nil)
	if err != nil {
		t.Fatalf("first dial: %v", err)
	}
	defer first.Close()
	// Drain the discovered/connected/full-frame envelopes so the server
	// goroutine is past Discover before the second connection races it.
	for i := 0; i < 3; i++ {
		if _, err := first.Receive(); err != nil {
			t.Fatalf("drain %d: %v", i, err)
		}
	}

	second, _, err := wschannel.Dial(context.Background(), url, nil)
	if err != nil {
		t.Fatalf("second dial: %v", err)
	}
	defer second.Close()

	_, err = second.Receive()
	if err == nil {
		t.Fatal("expected the second connection to be closed")
	}
	if code := wschannel.CloseCode(err); code != wschannel.CloseUpstreamTaken {
		t.Fatalf("expected close code %d, got %d", wschannel.CloseUpstreamTaken, code)
	}
}

func startWatchServer(t *testing.T, m *Mux, namespace string, ids []string) (*httptest.Server, string) {
	t.Helper()
	mh := http.NewServeMux()
	mh.HandleFunc("/watch", func(w http.ResponseWriter, r *http.Request) {
		ch, err := wschannel.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		_ = m.Watch(context.Background(), namespace, ids, ch)
	})
	ts := httptest.NewServer(mh)
	return ts, wsURL(ts.URL) + "/watch"
}

func drainEvents(t *testing.T, ch *wschannel.Channel, n int) []wire.EventType {
	t.Helper()
	var events []wire.EventType
	for len(events) < n {
		raw, err := ch.Receive()
		if err != nil {
			t.Fatalf("receive: %v", err)
		}
		env, err := wire.DecodeEnvelope(raw)
		if err != nil {
			t.Fatalf("decode envelope: %v", err)
		}
		if env.Kind == wire.EnvelopeEvent {
			events = append(events, env.Event)
		}
	}
	return events
}

func TestMux_MultipleViewersReceiveSameBroadcast(t *testing.T) {
	reg := registry.New(registry.Config{})
	m := New(reg, testBuilder, nil)
	upTs, upURL := startMuxServer(t, m, "ns", "sess-1")
	defer upTs.Close()
	watchTs, watchURL := startWatchServer(t, m, "ns", []string{"sess-1"})
	defer watchTs.Close()

	viewer1, _, err := wschannel.Dial(context.Background(), watchURL, nil)
	if err != nil {
		t.Fatalf("viewer1 dial: %v", err)
	}
	defer viewer1.Close()
	viewer2, _, err := wschannel.Dial(context.Background(), watchURL, nil)
	if err != nil {
		t.Fatalf("viewer2 dial: %v", err)
	}
	defer viewer2.Close()

	upstream, _, err := wschannel.Dial(context.Background(), upURL, nil)
	if err != nil {
		t.Fatalf("upstream dial: %v", err)
	}
	defer upstream.Close()

	// Both viewers should see the session's discovered/connected lifecycle
	// and the full-frame data envelope the registry sends on session
	// creation, without ever binding the upstream slot themselves.
	drainEvents(t, viewer1, 2)
	drainEvents(t, viewer2, 2)
}

func TestMux_WildcardViewerSeesDiscoveryOfUnknownIds(t *testing.T) {
	reg := registry.New(registry.Config{})
	m := New(reg, testBuilder, nil)
	upTs, upURL := startMuxServer(t, m, "ns", "sess-2")
	defer upTs.Close()
	watchTs, watchURL := startWatchServer(t, m, "ns", nil)
	defer watchTs.Close()

	viewer, _, err := wschannel.Dial(context.Background(), watchURL, nil)
	if err != nil {
		t.Fatalf("viewer dial: %v", err)
	}
	defer viewer.Close()

	upstream, _, err := wschannel.Dial(context.Background(), upURL, nil)
	if err != nil {
		t.Fatalf("upstream dial: %v", err)
	}
	defer upstream.Close()

	events := drainEvents(t, viewer, 2)
	if events[0] != wire.EventUpstreamDiscovered {
		t.Fatalf("expected wildcard viewer to see discovered event for an id it never named, got %#v", events)
	}
}
