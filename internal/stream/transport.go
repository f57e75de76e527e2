package stream

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/domiq-ai/domiq/internal/akool"
)

// Transport renders the avatar stream: it joins the realtime channel with
// the credentials the vendor returned at session create and carries the
// data-channel protocol in both directions.
type Transport interface {
	Attach(ctx context.Context, creds akool.Credentials) error
	SendChat(ctx context.Context, text string) (string, error)
	SetParams(ctx context.Context, vid, lang string, mode int) error
	Events() <-chan Event
	Close() error
}

const (
	keepAliveInterval = 30 * time.Second
	// Dialogue mode drifts without periodic reinforcement.
	reinforceInterval = 2 * time.Minute
	dialogueMode      = 1
)

// WSTransport joins the realtime channel through a websocket gateway that
// bridges to the vendor's streaming infrastructure.
type WSTransport struct {
	gatewayURL string

	writeMu    sync.Mutex
	conn       *websocket.Conn
	closeOnce  sync.Once
	eventsOnce sync.Once
	events     chan Event
	stop       chan struct{}
}

func NewWSTransport(gatewayURL string) *WSTransport {
	return &WSTransport{
		gatewayURL: strings.TrimRight(gatewayURL, "/"),
		events:     make(chan Event, 256),
		stop:       make(chan struct{}),
	}
}

// Attach dials the gateway, authenticating with the per-session stream
// credentials, then starts the read loop plus keep-alive and dialogue-mode
// reinforcement tickers.
func (t *WSTransport) Attach(ctx context.Context, creds akool.Credentials) error {
	if creds.AgoraChannel == "" || creds.AgoraToken == "" {
		return fmt.Errorf("incomplete stream credentials")
	}

	u, err := url.Parse(t.gatewayURL + "/join")
	if err != nil {
		return fmt.Errorf("parse gateway url: %w", err)
	}
	q := u.Query()
	q.Set("app_id", creds.AgoraAppID)
	q.Set("channel", creds.AgoraChannel)
	q.Set("uid", strconv.Itoa(creds.AgoraUID))
	u.RawQuery = q.Encode()

	headers := http.Header{}
	headers.Set("Authorization", "Bearer "+creds.AgoraToken)

	conn, _, err := websocket.DefaultDialer.DialContext(ctx, u.String(), headers)
	if err != nil {
		return fmt.Errorf("dial stream gateway: %w", err)
	}

	t.writeMu.Lock()
	t.conn = conn
	t.writeMu.Unlock()

	t.events <- Event{Type: EventConnected, Timestamp: time.Now().UnixMilli()}
	go t.readLoop(conn)
	go t.tickers()
	return nil
}

func (t *WSTransport) SendChat(_ context.Context, text string) (string, error) {
	raw, mid, err := EncodeChat(text)
	if err != nil {
		return "", err
	}
	return mid, t.write(raw)
}

func (t *WSTransport) SetParams(_ context.Context, vid, lang string, mode int) error {
	raw, err := EncodeSetParams(vid, lang, mode)
	if err != nil {
		return err
	}
	return t.write(raw)
}

func (t *WSTransport) Events() <-chan Event { return t.events }

// Close tears down the connection and tickers. The events channel is
// closed by the read loop, the only sender, once the connection drops; a
// transport that was never attached leaves the channel open but idle.
func (t *WSTransport) Close() error {
	var retErr error
	t.closeOnce.Do(func() {
		close(t.stop)
		t.writeMu.Lock()
		if t.conn != nil {
			retErr = t.conn.Close()
		}
		t.writeMu.Unlock()
	})
	return retErr
}

func (t *WSTransport) write(raw []byte) error {
	t.writeMu.Lock()
	defer t.writeMu.Unlock()
	if t.conn == nil {
		return fmt.Errorf("transport not attached")
	}
	return t.conn.WriteMessage(websocket.TextMessage, raw)
}

func (t *WSTransport) readLoop(conn *websocket.Conn) {
	defer func() {
		_ = t.Close()
		t.eventsOnce.Do(func() { close(t.events) })
	}()
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			select {
			case t.events <- Event{Type: EventDisconnected, Detail: err.Error(), Timestamp: time.Now().UnixMilli()}:
			default:
			}
			return
		}
		if ev, ok := DecodeEvent(data); ok {
			select {
			case t.events <- ev:
			case <-t.stop:
				return
			}
		}
	}
}

func (t *WSTransport) tickers() {
	keepAlive := time.NewTicker(keepAliveInterval)
	reinforce := time.NewTicker(reinforceInterval)
	defer keepAlive.Stop()
	defer reinforce.Stop()

	for {
		select {
		case <-t.stop:
			return
		case <-keepAlive.C:
			if raw, err := EncodePing(); err == nil {
				_ = t.write(raw)
			}
		case <-reinforce.C:
			if raw, err := EncodeModeReinforce(dialogueMode); err == nil {
				_ = t.write(raw)
			}
		}
	}
}
