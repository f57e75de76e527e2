package analytics

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// ErrTimeout marks an aggregation request aborted by the request timeout,
// kept distinct from other transport failures so dashboards can tell a
// slow analytics backend from a broken one.
var ErrTimeout = errors.New("analytics request timed out")

// ErrNotConfigured is returned when no analytics backend is set up.
var ErrNotConfigured = errors.New("analytics API not configured")

// Event is one raw analytics event from the aggregation backend.
type Event struct {
	EventType string         `json:"event_type"`
	UserID    string         `json:"user_id"`
	SessionID string         `json:"session_id"`
	Props     map[string]any `json:"event_properties"`
	Timestamp string         `json:"timestamp"`
}

// Summary is the lightly-aggregated view the dashboard renders.
type Summary struct {
	SessionsStarted  int `json:"sessions_started"`
	UserMessages     int `json:"user_messages"`
	BotMessages      int `json:"bot_messages"`
	ToursBooked      int `json:"tours_booked"`
	ContactsCaptured int `json:"contacts_captured"`
}

// Client queries the analytics aggregation API. Every request is bounded
// by an explicit abortable timeout; a dashboard page must never hang on a
// slow upstream.
type Client struct {
	baseURL string
	apiKey  string
	timeout time.Duration
	http    *http.Client
}

func NewClient(baseURL, apiKey string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		apiKey:  apiKey,
		timeout: timeout,
		http:    &http.Client{},
	}
}

// Configured reports whether an analytics backend is set up.
func (c *Client) Configured() bool { return c.baseURL != "" }

// FetchEvents pulls raw events for a time range.
func (c *Client) FetchEvents(ctx context.Context, eventType, start, end string) ([]Event, error) {
	if !c.Configured() {
		return nil, ErrNotConfigured
	}

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	q := url.Values{}
	q.Set("event_type", eventType)
	q.Set("start", start)
	q.Set("end", end)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/api/2/events?"+q.Encode(), nil)
	if err != nil {
		return nil, fmt.Errorf("create analytics request: %w", err)
	}
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Api-Key "+c.apiKey)
	}

	res, err := c.http.Do(req)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return nil, ErrTimeout
		}
		return nil, fmt.Errorf("analytics request: %w", err)
	}
	defer res.Body.Close()

	if res.StatusCode < 200 || res.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(res.Body, 4<<10))
		return nil, fmt.Errorf("analytics status %d: %s", res.StatusCode, strings.TrimSpace(string(body)))
	}

	var payload struct {
		Data []Event `json:"data"`
	}
	if err := json.NewDecoder(res.Body).Decode(&payload); err != nil {
		return nil, fmt.Errorf("decode analytics response: %w", err)
	}
	return payload.Data, nil
}

// Summarize aggregates the widget funnel events for a range.
func (c *Client) Summarize(ctx context.Context, start, end string) (Summary, error) {
	var s Summary
	counts := map[string]*int{
		"chat_session_started":  &s.SessionsStarted,
		"user_message_sent":     &s.UserMessages,
		"bot_message_received":  &s.BotMessages,
		"tour_booked":           &s.ToursBooked,
		"contact_info_captured": &s.ContactsCaptured,
	}
	for eventType, dst := range counts {
		events, err := c.FetchEvents(ctx, eventType, start, end)
		if err != nil {
			return Summary{}, err
		}
		*dst = len(events)
	}
	return s, nil
}
