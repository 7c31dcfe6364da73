package wire

import (
	"encoding/json"
	"fmt"
)

// ClientMessageType discriminates the client→server message variants
// (spec.md §4.1).
type ClientMessageType string

const (
	ClientKey    ClientMessageType = "key"
	ClientMouse  ClientMessageType = "mouse"
	ClientScroll ClientMessageType = "scroll"
	ClientResize ClientMessageType = "resize"
	ClientPing   ClientMessageType = "ping"
)

// ClientMessage is implemented by every client→server message variant.
// Implementations are exhaustively matched by callers via a type switch
// rather than relying on structural typing (spec.md §9).
type ClientMessage interface {
	ClientType() ClientMessageType
}

// KeyMessage is a logical key press, e.g. "ArrowUp", "Enter", "a".
type KeyMessage struct {
	Key       string    `json:"key"`
	Modifiers Modifiers `json:"modifiers,omitempty"`
}

func (KeyMessage) ClientType() ClientMessageType { return ClientKey }

// MouseAction enumerates the action field of a MouseMessage.
type MouseAction string

const (
	MouseDown   MouseAction = "down"
	MouseUp     MouseAction = "up"
	MouseMove   MouseAction = "move"
	MouseScroll MouseAction = "scroll"
)

// MouseButton mirrors the 0=left/1=middle/2=right convention of spec.md
// §4.1; for a scroll action the legacy encoding additionally allows
// 4=up/5=down.
type MouseButton int

const (
	ButtonLeft     MouseButton = 0
	ButtonMiddle   MouseButton = 1
	ButtonRight    MouseButton = 2
	ButtonWheelUp  MouseButton = 4
	ButtonWheelDown MouseButton = 5
)

// MouseMessage is a pointer event. Button is nil when the action does not
// carry one (e.g. a plain move).
type MouseMessage struct {
	Action MouseAction  `json:"action"`
	X      int          `json:"x"`
	Y      int          `json:"y"`
	Button *MouseButton `json:"button,omitempty"`
}

func (MouseMessage) ClientType() ClientMessageType { return ClientMouse }

// ScrollMessage is the explicit wheel-scroll form. Positive Lines scrolls
// downward. Lines is clamped to |lines| <= 50 by the session core before
// it is applied (spec.md §4.3).
type ScrollMessage struct {
	X     int `json:"x"`
	Y     int `json:"y"`
	Lines int `json:"lines"`
}

func (ScrollMessage) ClientType() ClientMessageType { return ClientScroll }

// ResizeMessage requests new terminal dimensions.
type ResizeMessage struct {
	Cols int `json:"cols"`
	Rows int `json:"rows"`
}

func (ResizeMessage) ClientType() ClientMessageType { return ClientResize }

// PingMessage requests a Pong in response; it mutates no session state.
type PingMessage struct{}

func (PingMessage) ClientType() ClientMessageType { return ClientPing }

type clientEnvelope struct {
	Type ClientMessageType `json:"type"`
}

// DecodeClientMessage parses a JSON-encoded client→server message and
// returns the concrete variant named by its "type" field. Unrecognized
// types return an error; per spec.md §7 the caller should log and drop
// the message rather than treat it as fatal.
func DecodeClientMessage(data []byte) (ClientMessage, error) {
	var env clientEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("decode client message envelope: %w", err)
	}
	switch env.Type {
	case ClientKey:
		var m KeyMessage
		if err := json.Unmarshal(data, &m); err != nil {
			return nil, fmt.Errorf("decode key message: %w", err)
		}
		return m, nil
	case ClientMouse:
		var m MouseMessage
		if err := json.Unmarshal(data, &m); err != nil {
			return nil, fmt.Errorf("decode mouse message: %w", err)
		}
		return m, nil
	case ClientScroll:
		var m ScrollMessage
		if err := json.Unmarshal(data, &m); err != nil {
			return nil, fmt.Errorf("decode scroll message: %w", err)
		}
		return m, nil
	case ClientResize:
		var m ResizeMessage
		if err := json.Unmarshal(data, &m); err != nil {
			return nil, fmt.Errorf("decode resize message: %w", err)
		}
		return m, nil
	case ClientPing:
		return PingMessage{}, nil
	default:
		return nil, fmt.Errorf("unknown client message type %q", env.Type)
	}
}

// EncodeClientMessage serializes a client→server message with its "type"
// discriminator inlined. Used by test fixtures and by viewermux.Send.
func EncodeClientMessage(m ClientMessage) ([]byte, error) {
	switch v := m.(type) {
	case KeyMessage:
		return json.Marshal(struct {
			Type ClientMessageType `json:"type"`
			KeyMessage
		}{ClientKey, v})
	case MouseMessage:
		return json.Marshal(struct {
			Type ClientMessageType `json:"type"`
			MouseMessage
		}{ClientMouse, v})
	case ScrollMessage:
		return json.Marshal(struct {
			Type ClientMessageType `json:"type"`
			ScrollMessage
		}{ClientScroll, v})
	case ResizeMessage:
		return json.Marshal(struct {
			Type ClientMessageType `json:"type"`
			ResizeMessage
		}{ClientResize, v})
	case PingMessage:
		return json.Marshal(struct {
			Type ClientMessageType `json:"type"`
		}{ClientPing})
	default:
		return nil, fmt.Errorf("unknown client message type %T", m)
	}
}
