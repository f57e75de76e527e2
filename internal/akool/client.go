package akool

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"strings"
	"time"
)

// codeSuccess is the vendor's documented success result code.
const codeSuccess = 1000

const (
	tokenPath  = "/api/open/v3/getToken"
	createPath = "/api/open/v4/liveAvatar/session/create"
	closePath  = "/api/open/v4/liveAvatar/session/close"
)

// Credentials carry the opaque realtime-channel material the streaming
// transport needs to join the avatar feed.
type Credentials struct {
	AgoraUID     int    `json:"agora_uid"`
	AgoraAppID   string `json:"agora_app_id"`
	AgoraChannel string `json:"agora_channel"`
	AgoraToken   string `json:"agora_token"`
}

// Session is one live avatar stream as reported by the vendor.
type Session struct {
	ID          string      `json:"session_id"`
	CreatedAt   time.Time   `json:"created_at"`
	Credentials Credentials `json:"credentials"`
}

// CloseOutcome reports how a close call resolved. A soft close means the
// vendor did not confirm success but the session is already gone or will
// expire on its own, so the caller should treat it as done.
type CloseOutcome struct {
	Soft    bool   `json:"soft"`
	Warning string `json:"warning,omitempty"`
}

type Config struct {
	ClientID        string
	ClientSecret    string
	BaseURL         string
	SessionDuration int
	CloseTimeout    time.Duration
}

// Client talks to the Akool open API. A fresh bearer token is exchanged
// for every privileged call; the vendor documents long token validity but
// nothing here assumes it, and the extra round trip keeps the client
// stateless.
type Client struct {
	cfg  Config
	http *http.Client
}

func NewClient(cfg Config) *Client {
	if strings.TrimSpace(cfg.BaseURL) == "" {
		cfg.BaseURL = "https://openapi.akool.com"
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	if cfg.SessionDuration <= 0 {
		cfg.SessionDuration = 600
	}
	if cfg.CloseTimeout <= 0 {
		cfg.CloseTimeout = 5 * time.Second
	}
	return &Client{
		cfg: cfg,
		http: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

type tokenResponse struct {
	Code    int    `json:"code"`
	Token   string `json:"token"`
	Message string `json:"message"`
}

// GetToken exchanges the configured client id/secret for a short-lived
// bearer token. No retries: the caller decides whether a failure is worth
// repeating.
func (c *Client) GetToken(ctx context.Context) (string, error) {
	if strings.TrimSpace(c.cfg.ClientID) == "" || strings.TrimSpace(c.cfg.ClientSecret) == "" {
		return "", ErrAuthConfig
	}

	body := map[string]string{
		"clientId":     c.cfg.ClientID,
		"clientSecret": c.cfg.ClientSecret,
	}
	var res tokenResponse
	if err := c.post(ctx, "getToken", tokenPath, "", body, &res); err != nil {
		return "", err
	}
	if res.Code != codeSuccess {
		return "", &VendorError{Op: "getToken", Code: res.Code, Msg: res.Message}
	}
	if res.Token == "" {
		return "", &VendorError{Op: "getToken", Code: res.Code, Msg: "empty token in success response"}
	}
	return res.Token, nil
}

type createResponse struct {
	Code int    `json:"code"`
	Msg  string `json:"msg"`
	Data struct {
		ID          string      `json:"_id"`
		Credentials Credentials `json:"credentials"`
	} `json:"data"`
}

// CreateSession opens a live avatar session for the given avatar id and
// returns the stream credentials. The returned session has no status; the
// session manager owns status transitions.
func (c *Client) CreateSession(ctx context.Context, avatarID string) (Session, error) {
	if strings.TrimSpace(avatarID) == "" {
		return Session{}, fmt.Errorf("avatar id is required")
	}

	token, err := c.GetToken(ctx)
	if err != nil {
		return Session{}, err
	}

	body := map[string]any{
		"avatar_id": avatarID,
		"duration":  c.cfg.SessionDuration,
	}
	var res createResponse
	if err := c.post(ctx, "createSession", createPath, token, body, &res); err != nil {
		return Session{}, err
	}
	if res.Code != codeSuccess {
		return Session{}, &VendorError{Op: "createSession", Code: res.Code, Msg: res.Msg}
	}
	if res.Data.ID == "" {
		return Session{}, &VendorError{Op: "createSession", Code: res.Code, Msg: "success response missing session id"}
	}

	return Session{
		ID:          res.Data.ID,
		CreatedAt:   time.Now().UTC(),
		Credentials: res.Data.Credentials,
	}, nil
}

type closeResponse struct {
	Code int    `json:"code"`
	Msg  string `json:"msg"`
}

// CloseSession closes a session by id. The vendor is observed to reject
// closes for sessions that are already gone with an "unavailable" message;
// that case, and a close timeout, resolve as soft success because the
// desired end state is already reached or will be shortly. Closing the
// same id twice therefore never hard-fails the second time.
func (c *Client) CloseSession(ctx context.Context, id string) (CloseOutcome, error) {
	if strings.TrimSpace(id) == "" {
		return CloseOutcome{}, fmt.Errorf("session id is required")
	}

	token, err := c.GetToken(ctx)
	if err != nil {
		return CloseOutcome{}, err
	}

	ctx, cancel := context.WithTimeout(ctx, c.cfg.CloseTimeout)
	defer cancel()

	var res closeResponse
	if err := c.post(ctx, "closeSession", closePath, token, map[string]string{"id": id}, &res); err != nil {
		var netErr *NetworkError
		if errors.As(err, &netErr) && errors.Is(netErr.Err, context.DeadlineExceeded) {
			log.Printf("akool: close timeout for session %s, vendor will auto-expire", id)
			return CloseOutcome{Soft: true, Warning: "timeout"}, nil
		}
		return CloseOutcome{}, err
	}
	if res.Code == codeSuccess {
		return CloseOutcome{}, nil
	}
	if strings.Contains(res.Msg, "unavailable") {
		log.Printf("akool: vendor unavailable closing session %s, treating as closed", id)
		return CloseOutcome{Soft: true, Warning: "server_unavailable"}, nil
	}
	return CloseOutcome{}, &VendorError{Op: "closeSession", Code: res.Code, Msg: res.Msg}
}

// ForceCloseAll is the best-effort bulk variant used by cleanup sweeps.
// When a last-known session id is available it is closed first; a generic
// force-close call follows either way. The vendor offers no bulk-close
// guarantee, so local success is always reported and every vendor failure
// is logged and absorbed.
func (c *Client) ForceCloseAll(ctx context.Context, lastID, avatarID string) {
	if strings.TrimSpace(lastID) != "" {
		if _, err := c.CloseSession(ctx, lastID); err != nil {
			log.Printf("akool: force close of tracked session %s failed: %v", lastID, err)
		}
	}

	token, err := c.GetToken(ctx)
	if err != nil {
		log.Printf("akool: force close token fetch failed: %v", err)
		return
	}
	body := map[string]any{
		"id":    "force-close-all",
		"force": true,
	}
	if strings.TrimSpace(avatarID) != "" {
		body["avatar_id"] = avatarID
	}
	var res closeResponse
	if err := c.post(ctx, "forceCloseAll", closePath, token, body, &res); err != nil {
		log.Printf("akool: generic force close failed: %v", err)
	}
}

func (c *Client) post(ctx context.Context, op, path, token string, body, out any) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("marshal %s request: %w", op, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.BaseURL+path, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("create %s request: %w", op, err)
	}
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	res, err := c.http.Do(req)
	if err != nil {
		return &NetworkError{Op: op, Err: err}
	}
	defer res.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(res.Body, 1<<20))
	if err != nil {
		return &NetworkError{Op: op, Err: err}
	}
	if res.StatusCode < 200 || res.StatusCode >= 300 {
		// The vendor wraps errors in its envelope even on non-2xx; prefer
		// the structured code/msg when the body parses.
		var env closeResponse
		if json.Unmarshal(raw, &env) == nil && env.Code != 0 {
			return &VendorError{Op: op, Code: env.Code, Msg: env.Msg}
		}
		return &VendorError{Op: op, Code: res.StatusCode, Msg: strings.TrimSpace(string(raw))}
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("decode %s response: %w", op, err)
	}
	return nil
}
