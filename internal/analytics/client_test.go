package analytics

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func TestFetchEventsTimeoutIsDistinct(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(2 * time.Second):
		}
	}))
	defer srv.Close()

	c := NewClient(srv.URL, "key", 50*time.Millisecond)
	_, err := c.FetchEvents(context.Background(), "chat_session_started", "20260101", "20260102")
	if !errors.Is(err, ErrTimeout) {
		t.Fatalf("FetchEvents() error = %v, want ErrTimeout", err)
	}
}

func TestFetchEventsSuccess(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := r.URL.Query().Get("event_type"); got != "user_message_sent" {
			t.Errorf("event_type = %q, want user_message_sent", got)
		}
		if got := r.Header.Get("Authorization"); got != "Api-Key key" {
			t.Errorf("Authorization = %q", got)
		}
		_ = json.NewEncoder(w).Encode(map[string]any{
			"data": []map[string]any{
				{"event_type": "user_message_sent", "session_id": "s1"},
				{"event_type": "user_message_sent", "session_id": "s2"},
			},
		})
	}))
	defer srv.Close()

	c := NewClient(srv.URL, "key", time.Second)
	events, err := c.FetchEvents(context.Background(), "user_message_sent", "20260101", "20260102")
	if err != nil {
		t.Fatalf("FetchEvents() error = %v", err)
	}
	if len(events) != 2 {
		t.Fatalf("events = %d, want 2", len(events))
	}
}

func TestUnconfiguredClient(t *testing.T) {
	c := NewClient("", "", time.Second)
	if c.Configured() {
		t.Fatalf("empty client should not report configured")
	}
	if _, err := c.FetchEvents(context.Background(), "x", "a", "b"); !errors.Is(err, ErrNotConfigured) {
		t.Fatalf("FetchEvents() error = %v, want ErrNotConfigured", err)
	}
}
