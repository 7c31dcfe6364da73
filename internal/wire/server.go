package wire

import (
	"encoding/json"
	"fmt"
)

// ServerMessageType discriminates the server→client message variants
// (spec.md §4.1).
type ServerMessageType string

const (
	ServerFull           ServerMessageType = "full"
	ServerDiff           ServerMessageType = "diff"
	ServerCursor         ServerMessageType = "cursor"
	ServerSelection      ServerMessageType = "selection"
	ServerSelectionClear ServerMessageType = "selection-clear"
	ServerPong           ServerMessageType = "pong"
	ServerError          ServerMessageType = "error"
)

// ServerMessage is implemented by every server→client message variant.
// Each variant defines its own MarshalJSON so the "type" discriminator is
// always inlined into the encoded object.
type ServerMessage interface {
	ServerType() ServerMessageType
	MarshalJSON() ([]byte, error)
}

// FullMessage carries a complete frame snapshot. Sent on session start and
// whenever the session core escalates past the diff threshold (spec.md
// §4.3, §4.2).
type FullMessage struct {
	Snapshot FrameSnapshot `json:"snapshot"`
}

func (FullMessage) ServerType() ServerMessageType { return ServerFull }

func (m FullMessage) MarshalJSON() ([]byte, error) {
	return json.Marshal(struct {
		Type     ServerMessageType `json:"type"`
		Snapshot FrameSnapshot     `json:"snapshot"`
	}{ServerFull, m.Snapshot})
}

// DiffMessage carries the set of lines that changed since the last
// transmitted frame, plus any cursor/geometry fields that moved
// independently of line content.
type DiffMessage struct {
	Changes       []LineDiff `json:"changes"`
	Cursor        Point      `json:"cursor"`
	CursorVisible bool       `json:"cursorVisible"`
	Offset        int        `json:"offset"`
	TotalLines    int        `json:"totalLines"`
}

func (DiffMessage) ServerType() ServerMessageType { return ServerDiff }

func (m DiffMessage) MarshalJSON() ([]byte, error) {
	return json.Marshal(struct {
		Type          ServerMessageType `json:"type"`
		Changes       []LineDiff        `json:"changes"`
		Cursor        Point             `json:"cursor"`
		CursorVisible bool              `json:"cursorVisible"`
		Offset        int               `json:"offset"`
		TotalLines    int               `json:"totalLines"`
	}{ServerDiff, m.Changes, m.Cursor, m.CursorVisible, m.Offset, m.TotalLines})
}

// CursorMessage carries a cursor move that happened with no accompanying
// line change, so a diff/full frame would otherwise be wasteful.
type CursorMessage struct {
	Cursor  Point `json:"cursor"`
	Visible bool  `json:"visible"`
}

func (CursorMessage) ServerType() ServerMessageType { return ServerCursor }

func (m CursorMessage) MarshalJSON() ([]byte, error) {
	return json.Marshal(struct {
		Type    ServerMessageType `json:"type"`
		Cursor  Point             `json:"cursor"`
		Visible bool              `json:"visible"`
	}{ServerCursor, m.Cursor, m.Visible})
}

// SelectionMessage reports a selection made inside the rendering engine
// (e.g. a double-click selecting a word), forwarded so the browser can
// mirror it.
type SelectionMessage struct {
	Selection Selection `json:"selection"`
}

func (SelectionMessage) ServerType() ServerMessageType { return ServerSelection }

func (m SelectionMessage) MarshalJSON() ([]byte, error) {
	return json.Marshal(struct {
		Type      ServerMessageType `json:"type"`
		Selection Selection         `json:"selection"`
	}{ServerSelection, m.Selection})
}

// SelectionClearMessage reports that a prior selection was cleared.
type SelectionClearMessage struct{}

func (SelectionClearMessage) ServerType() ServerMessageType { return ServerSelectionClear }

func (SelectionClearMessage) MarshalJSON() ([]byte, error) {
	return json.Marshal(struct {
		Type ServerMessageType `json:"type"`
	}{ServerSelectionClear})
}

// PongMessage answers a PingMessage.
type PongMessage struct{}

func (PongMessage) ServerType() ServerMessageType { return ServerPong }

func (PongMessage) MarshalJSON() ([]byte, error) {
	return json.Marshal(struct {
		Type ServerMessageType `json:"type"`
	}{ServerPong})
}

// ErrorMessage reports a recoverable per-message or per-session failure.
// Code is a short machine-readable token (e.g. "bad_message",
// "renderer_failure"); Detail is a human-readable string for logs/UI.
type ErrorMessage struct {
	Code   string `json:"code"`
	Detail string `json:"detail,omitempty"`
}

func (ErrorMessage) ServerType() ServerMessageType { return ServerError }

func (m ErrorMessage) MarshalJSON() ([]byte, error) {
	return json.Marshal(struct {
		Type   ServerMessageType `json:"type"`
		Code   string            `json:"code"`
		Detail string            `json:"detail,omitempty"`
	}{ServerError, m.Code, m.Detail})
}

type serverEnvelope struct {
	Type ServerMessageType `json:"type"`
}

// DecodeServerMessage parses a JSON-encoded server→client message and
// returns the concrete variant named by its "type" field.
func DecodeServerMessage(data []byte) (ServerMessage, error) {
	var env serverEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("decode server message envelope: %w", err)
	}
	switch env.Type {
	case ServerFull:
		var body struct {
			Snapshot FrameSnapshot `json:"snapshot"`
		}
		if err := json.Unmarshal(data, &body); err != nil {
			return nil, fmt.Errorf("decode full message: %w", err)
		}
		return FullMessage{Snapshot: body.Snapshot}, nil
	case ServerDiff:
		var body struct {
			Changes       []LineDiff `json:"changes"`
			Cursor        Point      `json:"cursor"`
			CursorVisible bool       `json:"cursorVisible"`
			Offset        int        `json:"offset"`
			TotalLines    int        `json:"totalLines"`
		}
		if err := json.Unmarshal(data, &body); err != nil {
			return nil, fmt.Errorf("decode diff message: %w", err)
		}
		return DiffMessage{
			Changes:       body.Changes,
			Cursor:        body.Cursor,
			CursorVisible: body.CursorVisible,
			Offset:        body.Offset,
			TotalLines:    body.TotalLines,
		}, nil
	case ServerCursor:
		var body struct {
			Cursor  Point `json:"cursor"`
			Visible bool  `json:"visible"`
		}
		if err := json.Unmarshal(data, &body); err != nil {
			return nil, fmt.Errorf("decode cursor message: %w", err)
		}
		return CursorMessage{Cursor: body.Cursor, Visible: body.Visible}, nil
	case ServerSelection:
		var body struct {
			Selection Selection `json:"selection"`
		}
		if err := json.Unmarshal(data, &body); err != nil {
			return nil, fmt.Errorf("decode selection message: %w", err)
		}
		return SelectionMessage{Selection: body.Selection}, nil
	case ServerSelectionClear:
		return SelectionClearMessage{}, nil
	case ServerPong:
		return PongMessage{}, nil
	case ServerError:
		var body struct {
			Code   string `json:"code"`
			Detail string `json:"detail,omitempty"`
		}
		if err := json.Unmarshal(data, &body); err != nil {
			return nil, fmt.Errorf("decode error message: %w", err)
		}
		return ErrorMessage{Code: body.Code, Detail: body.Detail}, nil
	default:
		return nil, fmt.Errorf("unknown server message type %q", env.Type)
	}
}
