package tunnel

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/opentermio/termbridge/internal/renderer"
	"github.com/opentermio/termbridge/internal/wire"
	"github.com/opentermio/termbridge/internal/wschannel"
)

type echoRenderer struct{}

func (echoRenderer) RenderOnce(ctx context.Context) (bool, error)             { return false, nil }
func (echoRenderer) CaptureSpans(ctx context.Context) (renderer.Frame, error) { return renderer.Frame{}, nil }
func (echoRenderer) Resize(ctx context.Context, size renderer.Size) error     { return nil }
func (echoRenderer) SetCursorPosition(ctx context.Context, p renderer.Point) error {
	return nil
}
func (echoRenderer) Input() renderer.MockInput { return echoInput{} }
func (echoRenderer) Mouse() renderer.MockMouse { return echoMouse{} }
func (echoRenderer) On(event string, h func(renderer.SelectionEvent)) func() {
	return func() {}
}
func (echoRenderer) Destroy(ctx context.Context) error { return nil }

type echoInput struct{}

func (echoInput) PressKey(ctx context.Context, key string, mods renderer.KeyModifiers) error {
	return nil
}

type echoMouse struct{}

func (echoMouse) PressDown(ctx context.Context, p renderer.Point, b renderer.MouseButton) error {
	return nil
}
func (echoMouse) Release(ctx context.Context, p renderer.Point, b renderer.MouseButton) error {
	return nil
}
func (echoMouse) MoveTo(ctx context.Context, p renderer.Point) error          { return nil }
func (echoMouse) Scroll(ctx context.Context, p renderer.Point, lines int) error { return nil }

func testFactory(ctx context.Context, size renderer.Size) (renderer.Renderer, error) {
	return echoRenderer{}, nil
}

func TestDial_ReceivesInitialFullFrame(t *testing.T) {
	frames := make(chan []byte, 1)
	mux := http.NewServeMux()
	mux.HandleFunc("/s/", func(w http.ResponseWriter, r *http.Request) {
		ch, err := wschannel.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer ch.Close()
		if raw, err := ch.Receive(); err == nil {
			frames <- raw
		}
		<-r.Context().Done()
	})
	ts := httptest.NewServer(mux)
	defer ts.Close()

	tn, err := Dial(context.Background(), Config{
		RelayURL:    strings.Replace(ts.URL, "http", "ws", 1),
		Namespace:   "ns",
		ID:          "sess-1",
		InitialSize: renderer.Size{Cols: 80, Rows: 24},
		Factory:     testFactory,
		KeepAlive:   time.Hour,
	})
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer tn.Close(context.Background())

	if tn.ID() != "sess-1" {
		t.Fatalf("unexpected id %q", tn.ID())
	}
	share, err := tn.ShareURL()
	if err != nil {
		t.Fatalf("ShareURL: %v", err)
	}
	if !strings.HasPrefix(share, "http://") || !strings.HasSuffix(share, "/s/ns/sess-1") {
		t.Fatalf("unexpected share URL: %s", share)
	}

	select {
	case raw := <-frames:
		msg, err := wire.DecodeServerMessage(raw)
		if err != nil {
			t.Fatalf("decode first frame: %v", err)
		}
		if _, ok := msg.(wire.FullMessage); !ok {
			t.Fatalf("expected first message to be FullMessage, got %T", msg)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("relay received no initial frame")
	}
}

func TestDial_ClassifiesUpstreamTakenClose(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/s/", func(w http.ResponseWriter, r *http.Request) {
		ch, err := wschannel.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		_ = ch.CloseWithCode(wschannel.CloseUpstreamTaken, "taken")
	})
	ts := httptest.NewServer(mux)
	defer ts.Close()

	errCh := make(chan error, 1)
	tn, err := Dial(context.Background(), Config{
		RelayURL:    strings.Replace(ts.URL, "http", "ws", 1),
		Namespace:   "ns",
		ID:          "sess-1",
		InitialSize: renderer.Size{Cols: 80, Rows: 24},
		Factory:     testFactory,
		KeepAlive:   time.Hour,
	})
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer tn.Close(context.Background())
	tn.OnError(func(e error) { errCh <- e })

	select {
	case got := <-errCh:
		if !errors.Is(got, ErrUpstreamTaken) {
			t.Fatalf("expected ErrUpstreamTaken, got %v", got)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for OnError callback")
	}
}

type recordingRenderer struct {
	echoRenderer
	pressed chan string
}

func (r recordingRenderer) Input() renderer.MockInput { return recordingInput{r.pressed} }

type recordingInput struct{ pressed chan string }

func (i recordingInput) PressKey(ctx context.Context, key string, mods renderer.KeyModifiers) error {
	i.pressed <- key
	return nil
}

func TestClientMessage_DeliveredToSession(t *testing.T) {
	pressed := make(chan string, 1)
	mux := http.NewServeMux()
	mux.HandleFunc("/s/", func(w http.ResponseWriter, r *http.Request) {
		ch, err := wschannel.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer ch.Close()
		// Consume the initial full frame, then send a key press.
		if _, err := ch.Receive(); err != nil {
			return
		}
		payload, _ := wire.EncodeClientMessage(wire.KeyMessage{Key: "a"})
		_ = ch.SendRaw(payload)
		<-r.Context().Done()
	})
	ts := httptest.NewServer(mux)
	defer ts.Close()

	tn, err := Dial(context.Background(), Config{
		RelayURL:    strings.Replace(ts.URL, "http", "ws", 1),
		Namespace:   "ns",
		ID:          "sess-1",
		InitialSize: renderer.Size{Cols: 80, Rows: 24},
		Factory: func(ctx context.Context, size renderer.Size) (renderer.Renderer, error) {
			return recordingRenderer{pressed: pressed}, nil
		},
		KeepAlive: time.Hour,
	})
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer tn.Close(context.Background())

	select {
	case key := <-pressed:
		if key != "a" {
			t.Fatalf("unexpected key %q", key)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for key press to reach the session")
	}
}
