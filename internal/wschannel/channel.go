// Package wschannel wraps a gorilla/websocket connection into a duplex
// JSON-message channel usable from both the server upgrade path (mux)
// and client dial paths (tunnel, viewermux). The per-connection write
// mutex and blocking read loop are grounded on the teacher's
// internal/ws/server.go (Server.HandleWS + SendJSON's wsWriteMu map),
// generalized here into a struct field since each Channel owns exactly
// one connection instead of sharing a package-level sync.Map keyed by
// every connection the process has ever seen.
package wschannel

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// Close codes specific to this protocol (spec.md §6).
const (
	CloseTunnelNotActive = 4008
	CloseUpstreamTaken   = 4009
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// Channel is a duplex JSON-message pipe over one websocket connection.
type Channel struct {
	conn    *websocket.Conn
	writeMu sync.Mutex
}

// Upgrade upgrades an HTTP request to a websocket connection and wraps it
// in a Channel. Bearer-token subprotocol negotiation, when required, is
// the caller's responsibility (grounded on the teacher's
// "auth.bearer.<token>" convention) since it varies between the server
// and tunnel-relay entry points.
func Upgrade(w http.ResponseWriter, r *http.Request, respHeader http.Header) (*Channel, error) {
	conn, err := upgrader.Upgrade(w, r, respHeader)
	if err != nil {
		return nil, fmt.Errorf("wschannel: upgrade: %w", err)
	}
	return &Channel{conn: conn}, nil
}

// Dial opens a client connection to url, presenting subprotocols (if any)
// for bearer-token style auth.
func Dial(ctx context.Context, url string, header http.Header) (*Channel, *http.Response, error) {
	dialer := websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	conn, resp, err := dialer.DialContext(ctx, url, header)
	if err != nil {
		return nil, resp, fmt.Errorf("wschannel: dial: %w", err)
	}
	return &Channel{conn: conn}, resp, nil
}

// Send writes one JSON-encoded message. Safe for concurrent use.
func (c *Channel) Send(v any) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.conn.WriteJSON(v)
}

// SendRaw writes a pre-encoded message.
func (c *Channel) SendRaw(data []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.conn.WriteMessage(websocket.TextMessage, data)
}

// Receive blocks for the next text or binary message.
func (c *Channel) Receive() ([]byte, error) {
	_, data, err := c.conn.ReadMessage()
	if err != nil {
		return nil, err
	}
	return data, nil
}

// Ping sends a websocket ping control frame.
func (c *Channel) Ping(deadline time.Time) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.conn.WriteControl(websocket.PingMessage, nil, deadline)
}

// SetPongHandler registers a handler invoked when a pong control frame
// arrives, used by the tunnel's keepalive loop.
func (c *Channel) SetPongHandler(h func(appData string) error) {
	c.conn.SetPongHandler(h)
}

// CloseWithCode sends a close control frame with the given status code
// and reason, then closes the underlying connection.
func (c *Channel) CloseWithCode(code int, reason string) error {
	c.writeMu.Lock()
	msg := websocket.FormatCloseMessage(code, reason)
	deadline := time.Now().Add(2 * time.Second)
	_ = c.conn.WriteControl(websocket.CloseMessage, msg, deadline)
	c.writeMu.Unlock()
	return c.conn.Close()
}

// Close closes the underlying connection with the normal (1000) code.
func (c *Channel) Close() error {
	return c.CloseWithCode(websocket.CloseNormalClosure, "")
}

const bearerSubprotocolPrefix = "auth.bearer."

// BearerToken extracts the token carried in a "Sec-WebSocket-Protocol:
// auth.bearer.<token>" request header, the teacher's convention for
// authenticating a websocket handshake that (unlike a plain HTTP request)
// a browser client cannot attach an Authorization header to. It returns
// "" if no such subprotocol was offered.
func BearerToken(r *http.Request) string {
	for _, proto := range websocket.Subprotocols(r) {
		if strings.HasPrefix(proto, bearerSubprotocolPrefix) {
			return strings.TrimPrefix(proto, bearerSubprotocolPrefix)
		}
	}
	return ""
}

// CloseCode extracts the close status code from an error returned by
// Receive, or 0 if err is not a websocket close error.
func CloseCode(err error) int {
	if ce, ok := err.(*websocket.CloseError); ok {
		return ce.Code
	}
	return 0
}
