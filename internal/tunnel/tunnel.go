// Package tunnel implements the tunnel client (spec.md C6): the host-side
// polarity that dials out to a relay instead of accepting inbound
// connections, exposing exactly one session per tunnel. The dial-and-wait
// shape (connect, print/derive a share URL, block until a signal) is
// grounded on the teacher's cmd/rovo-bridge/main.go signal-handling tail;
// unlike mux, a Tunnel carries one session's messages directly, with no
// envelope framing, since there is nothing else to multiplex.
package tunnel

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/opentermio/termbridge/internal/renderer"
	"github.com/opentermio/termbridge/internal/termsession"
	"github.com/opentermio/termbridge/internal/wire"
	"github.com/opentermio/termbridge/internal/wschannel"
)

// DefaultKeepAlive is the ping interval used when Config.KeepAlive is zero
// (spec.md §6).
const DefaultKeepAlive = 20 * time.Second

// ErrUpstreamTaken is passed to the OnError handler when the relay closes
// the connection with code 4009 because the requested (namespace, id) is
// already bound to another tunnel.
var ErrUpstreamTaken = errors.New("tunnel: upstream already connected")

// ErrTunnelNotActive is the classification of close code 4008: the relay
// has no tunnel registered for this namespace/id at all.
var ErrTunnelNotActive = errors.New("tunnel: not active on relay")

// Config configures a Tunnel dial.
type Config struct {
	RelayURL    string // base ws(s):// URL of the relay, no path
	Namespace   string
	ID          string // generated via uuid if empty
	BearerToken string

	InitialSize renderer.Size
	Factory     renderer.Factory

	Logger    *slog.Logger
	KeepAlive time.Duration
}

// Tunnel is one live dial-out session.
type Tunnel struct {
	cfg    Config
	id     string
	ch     *wschannel.Channel
	sess   *termsession.Session
	logger *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu           sync.Mutex
	onDisconnect func(error)
	onError      func(error)
	closeOnce    sync.Once
}

// Dial connects to cfg.RelayURL, negotiates the bearer subprotocol, and
// starts an eagerly-initialized session bound to the connection.
func Dial(ctx context.Context, cfg Config) (*Tunnel, error) {
	if cfg.Factory == nil {
		panic("tunnel: Config.Factory is nil")
	}
	id := cfg.ID
	if id == "" {
		id = uuid.NewString()
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	keepAlive := cfg.KeepAlive
	if keepAlive <= 0 {
		keepAlive = DefaultKeepAlive
	}

	target, err := deriveWSPath(cfg.RelayURL, cfg.Namespace, id)
	if err != nil {
		return nil, fmt.Errorf("tunnel: %w", err)
	}

	header := http.Header{}
	if cfg.BearerToken != "" {
		header.Set("Sec-WebSocket-Protocol", "auth.bearer."+cfg.BearerToken)
	}

	ch, resp, err := wschannel.Dial(ctx, target, header)
	if err != nil {
		if resp != nil && resp.StatusCode == http.StatusForbidden {
			return nil, fmt.Errorf("tunnel: relay rejected bearer token: %w", err)
		}
		return nil, fmt.Errorf("tunnel: dial: %w", err)
	}

	tctx, cancel := context.WithCancel(context.Background())
	t := &Tunnel{
		cfg:    cfg,
		id:     id,
		ch:     ch,
		logger: logger.With("namespace", cfg.Namespace, "session_id", id),
		ctx:    tctx,
		cancel: cancel,
	}

	sess, err := termsession.Create(ctx, termsession.Config{
		ID:           id,
		Namespace:    cfg.Namespace,
		InitialSize:  cfg.InitialSize,
		Factory:      cfg.Factory,
		Send:         t.sendServerMessage,
		Logger:       logger,
		TickInterval: 0,
	})
	if err != nil {
		cancel()
		_ = ch.Close()
		return nil, fmt.Errorf("tunnel: create session: %w", err)
	}
	t.sess = sess

	t.wg.Add(2)
	go t.readLoop()
	go t.keepAliveLoop(keepAlive)

	return t, nil
}

func (t *Tunnel) sendServerMessage(msg wire.ServerMessage) error {
	return t.ch.Send(msg)
}

func (t *Tunnel) readLoop() {
	defer t.wg.Done()
	for {
		raw, err := t.ch.Receive()
		if err != nil {
			t.handleReadError(err)
			return
		}
		msg, err := wire.DecodeClientMessage(raw)
		if err != nil {
			t.logger.Warn("dropping malformed client message", "error", err)
			continue
		}
		if err := t.sess.HandleMessage(t.ctx, msg); err != nil {
			t.logger.Warn("handle message failed", "error", err)
		}
	}
}

func (t *Tunnel) handleReadError(err error) {
	code := wschannel.CloseCode(err)
	switch code {
	case wschannel.CloseUpstreamTaken:
		t.fireError(fmt.Errorf("%w", ErrUpstreamTaken))
	case wschannel.CloseTunnelNotActive:
		t.fireError(fmt.Errorf("%w", ErrTunnelNotActive))
	default:
		t.fireDisconnect(err)
	}
}

func (t *Tunnel) fireError(err error) {
	t.mu.Lock()
	h := t.onError
	t.mu.Unlock()
	if h != nil {
		h(err)
	}
}

func (t *Tunnel) fireDisconnect(err error) {
	t.mu.Lock()
	h := t.onDisconnect
	t.mu.Unlock()
	if h != nil {
		h(err)
	}
}

// OnDisconnect registers a handler invoked when the relay connection
// closes normally or with a network error.
func (t *Tunnel) OnDisconnect(h func(error)) {
	t.mu.Lock()
	t.onDisconnect = h
	t.mu.Unlock()
}

// OnError registers a handler invoked when the relay closes with a
// protocol-level rejection (4008/4009).
func (t *Tunnel) OnError(h func(error)) {
	t.mu.Lock()
	t.onError = h
	t.mu.Unlock()
}

func (t *Tunnel) keepAliveLoop(interval time.Duration) {
	defer t.wg.Done()
	t.ch.SetPongHandler(func(string) error { return nil })
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-t.ctx.Done():
			return
		case <-ticker.C:
			if err := t.ch.Ping(time.Now().Add(5 * time.Second)); err != nil {
				t.logger.Warn("keepalive ping failed", "error", err)
			}
		}
	}
}

// ID returns this tunnel's session id.
func (t *Tunnel) ID() string { return t.id }

// ShareURL derives the browser-facing http(s) URL for this tunnel from
// its relay URL: ws(s)://host → http(s)://host, with path
// /s/<namespace>/<id> if a namespace is set, or /s/<id> otherwise
// (spec.md §6).
func (t *Tunnel) ShareURL() (string, error) {
	return deriveShareURL(t.cfg.RelayURL, t.cfg.Namespace, t.id)
}

// Close tears the tunnel down: stops the read/keepalive loops, destroys
// the session, and closes the underlying connection. Safe to call more
// than once; only the first call does work.
func (t *Tunnel) Close(ctx context.Context) error {
	var err error
	t.closeOnce.Do(func() {
		t.cancel()
		if destroyErr := t.sess.Destroy(ctx); destroyErr != nil {
			err = fmt.Errorf("tunnel: destroy session: %w", destroyErr)
		}
		_ = t.ch.Close()
		t.wg.Wait()
	})
	return err
}

// WaitForSignal blocks until SIGINT or SIGTERM, then calls Close. It is a
// convenience for cmd/termbridge-tunnel's main loop and guards against a
// double signal registration by using signal.Notify's own channel
// lifetime rather than a package-level variable.
func (t *Tunnel) WaitForSignal(ctx context.Context) error {
	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sig)
	<-sig
	return t.Close(ctx)
}

func deriveWSPath(relayURL, namespace, id string) (string, error) {
	u, err := url.Parse(relayURL)
	if err != nil {
		return "", fmt.Errorf("parse relay URL: %w", err)
	}
	if namespace != "" {
		u.Path = strings.TrimRight(u.Path, "/") + "/s/" + namespace + "/" + id
	} else {
		u.Path = strings.TrimRight(u.Path, "/") + "/s/" + id
	}
	return u.String(), nil
}

func deriveShareURL(relayURL, namespace, id string) (string, error) {
	u, err := url.Parse(relayURL)
	if err != nil {
		return "", fmt.Errorf("parse relay URL: %w", err)
	}
	switch u.Scheme {
	case "ws":
		u.Scheme = "http"
	case "wss":
		u.Scheme = "https"
	}
	if namespace != "" {
		u.Path = strings.TrimRight(u.Path, "/") + "/s/" + namespace + "/" + id
	} else {
		u.Path = strings.TrimRight(u.Path, "/") + "/s/" + id
	}
	return u.String(), nil
}
