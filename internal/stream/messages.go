package stream

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// The avatar's data channel speaks a small versioned protocol: every frame
// is a v2 envelope with a type, a message id, and a type-specific payload.
const protocolVersion = 2

const (
	typeChat    = "chat"
	typeCommand = "command"
	typePing    = "ping"
)

const cmdSetParams = "set-params"

// Message is the data-channel envelope.
type Message struct {
	V    int             `json:"v"`
	Type string          `json:"type"`
	MID  string          `json:"mid"`
	Idx  int             `json:"idx,omitempty"`
	Fin  bool            `json:"fin,omitempty"`
	Pld  json.RawMessage `json:"pld"`
}

type chatPayload struct {
	Text string `json:"text"`
	From string `json:"from,omitempty"`
}

type commandPayload struct {
	Cmd  string        `json:"cmd,omitempty"`
	Data *avatarParams `json:"data,omitempty"`
	Mode int           `json:"mode,omitempty"`
}

type avatarParams struct {
	VID  string `json:"vid"`
	Lang string `json:"lang"`
	Mode int    `json:"mode"`
}

func marshalEnvelope(msgType, mid string, fin bool, payload any) ([]byte, error) {
	pld, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal %s payload: %w", msgType, err)
	}
	msg := Message{V: protocolVersion, Type: msgType, MID: mid, Fin: fin, Pld: pld}
	raw, err := json.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("marshal %s envelope: %w", msgType, err)
	}
	return raw, nil
}

// EncodeChat frames a chat turn for the avatar to speak.
func EncodeChat(text string) ([]byte, string, error) {
	mid := "chat-" + uuid.NewString()
	raw, err := marshalEnvelope(typeChat, mid, true, chatPayload{Text: text})
	return raw, mid, err
}

// EncodeSetParams frames a set-params command (voice id, language,
// dialogue mode).
func EncodeSetParams(vid, lang string, mode int) ([]byte, error) {
	mid := fmt.Sprintf("set-params-%d", time.Now().UnixMilli())
	return marshalEnvelope(typeCommand, mid, false, commandPayload{
		Cmd:  cmdSetParams,
		Data: &avatarParams{VID: vid, Lang: lang, Mode: mode},
	})
}

// EncodeModeReinforce frames the bare mode command sent periodically to
// keep the avatar in dialogue mode; left alone it drifts back to echoing.
func EncodeModeReinforce(mode int) ([]byte, error) {
	mid := fmt.Sprintf("reinforce-%d", time.Now().UnixMilli())
	return marshalEnvelope(typeCommand, mid, false, commandPayload{Mode: mode})
}

// EncodePing frames a keep-alive.
func EncodePing() ([]byte, error) {
	mid := fmt.Sprintf("ping-%d", time.Now().UnixMilli())
	return marshalEnvelope(typePing, mid, false, struct{}{})
}

// EventType classifies inbound transport events.
type EventType string

const (
	EventChat         EventType = "chat"
	EventConnected    EventType = "connected"
	EventDisconnected EventType = "disconnected"
	EventError        EventType = "error"
)

// Event is one inbound occurrence on the avatar stream.
type Event struct {
	Type      EventType
	Text      string
	Detail    string
	Timestamp int64
}

// DecodeEvent interprets an inbound data-channel frame. Chat frames from
// the bot (or with no sender marked, which the vendor also emits) become
// chat events; anything unrecognized is dropped with ok=false.
func DecodeEvent(raw []byte) (Event, bool) {
	var msg Message
	if err := json.Unmarshal(raw, &msg); err != nil {
		return Event{}, false
	}
	if msg.Type != typeChat {
		return Event{}, false
	}
	var pld chatPayload
	if err := json.Unmarshal(msg.Pld, &pld); err != nil {
		return Event{}, false
	}
	if pld.From != "" && pld.From != "bot" {
		return Event{}, false
	}
	if pld.Text == "" {
		return Event{}, false
	}
	return Event{Type: EventChat, Text: pld.Text, Timestamp: time.Now().UnixMilli()}, true
}
