package widget

import (
	"encoding/json"
	"errors"
	"fmt"
)

// MessageType identifies cross-document payload variants. The messaging
// channel is shared with whatever else runs on the host page, so anything
// without a recognized tag is ignored, never trusted.
type MessageType string

const (
	TypeHeight  MessageType = "domiq-widget-height"
	TypeOpen    MessageType = "domiq-widget-open"
	TypeClose   MessageType = "domiq-widget-close"
	TypeCommand MessageType = "domiq-widget-command"
)

// ErrUnknownMessage marks traffic that is not part of the widget protocol.
var ErrUnknownMessage = errors.New("not a widget protocol message")

type envelope struct {
	Type MessageType `json:"type"`
}

// HeightMessage is posted by the embedded page whenever its rendered
// content height changes, letting the host resize the iframe container.
type HeightMessage struct {
	Type   MessageType `json:"type"`
	Height float64     `json:"height"`
}

// OpenMessage and CloseMessage toggle the widget's expanded state.
type OpenMessage struct {
	Type MessageType `json:"type"`
}

type CloseMessage struct {
	Type MessageType `json:"type"`
}

// CommandMessage carries a named command from the embedded page.
type CommandMessage struct {
	Type    MessageType `json:"type"`
	Command string      `json:"command"`
}

// ParseMessage validates the discriminant tag and shape of a raw
// cross-document message. Unknown or untagged payloads return
// ErrUnknownMessage; malformed payloads of a known type are errors.
func ParseMessage(raw []byte) (any, error) {
	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, ErrUnknownMessage
	}

	switch env.Type {
	case TypeHeight:
		var msg HeightMessage
		if err := json.Unmarshal(raw, &msg); err != nil {
			return nil, fmt.Errorf("invalid height message: %w", err)
		}
		if msg.Height < 0 {
			return nil, fmt.Errorf("invalid height message: negative height")
		}
		return msg, nil
	case TypeOpen:
		return OpenMessage{Type: TypeOpen}, nil
	case TypeClose:
		return CloseMessage{Type: TypeClose}, nil
	case TypeCommand:
		var msg CommandMessage
		if err := json.Unmarshal(raw, &msg); err != nil {
			return nil, fmt.Errorf("invalid command message: %w", err)
		}
		if msg.Command == "" {
			return nil, fmt.Errorf("invalid command message: empty command")
		}
		return msg, nil
	default:
		return nil, ErrUnknownMessage
	}
}
