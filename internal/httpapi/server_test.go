package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/domiq-ai/domiq/internal/akool"
	"github.com/domiq-ai/domiq/internal/cleanup"
	"github.com/domiq-ai/domiq/internal/config"
	"github.com/domiq-ai/domiq/internal/observability"
	"github.com/domiq-ai/domiq/internal/registry"
	"github.com/domiq-ai/domiq/internal/session"
	"github.com/domiq-ai/domiq/internal/stream"
)

var metricSeq atomic.Int64

func testNamespace(prefix string) string {
	return fmt.Sprintf("test_%s_%d", prefix, metricSeq.Add(1))
}

type fakeVendor struct {
	mu      sync.Mutex
	nextID  int
	closed  []string
	failMsg string
}

func (f *fakeVendor) GetToken(context.Context) (string, error) {
	return "tok-abc", nil
}

func (f *fakeVendor) CreateSession(_ context.Context, avatarID string) (akool.Session, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failMsg != "" {
		return akool.Session{}, &akool.VendorError{Op: "create_session", Code: 1215, Msg: f.failMsg}
	}
	f.nextID++
	return akool.Session{
		ID:        fmt.Sprintf("sess-%d", f.nextID),
		CreatedAt: time.Now(),
		Credentials: akool.Credentials{
			AgoraUID:     f.nextID,
			AgoraAppID:   "app-1",
			AgoraChannel: "chan-1",
			AgoraToken:   "agora-tok",
		},
	}, nil
}

func (f *fakeVendor) CloseSession(_ context.Context, id string) (akool.CloseOutcome, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = append(f.closed, id)
	return akool.CloseOutcome{}, nil
}

func (f *fakeVendor) ForceCloseAll(ctx context.Context, lastID, avatarID string) {
	if lastID != "" {
		_, _ = f.CloseSession(ctx, lastID)
	}
}

type testEnv struct {
	server  *httptest.Server
	vendor  *fakeVendor
	store   *registry.MemoryStore
	cleaner *cleanup.Coordinator
}

func newTestEnv(t *testing.T, prefix string) *testEnv {
	// Short debounce keeps session-creating tests fast; the debounce
	// window itself is asserted separately with a realistic value.
	return newTestEnvDebounce(t, prefix, 50*time.Millisecond)
}

func newTestEnvDebounce(t *testing.T, prefix string, debounce time.Duration) *testEnv {
	t.Helper()

	cfg := config.Config{
		SessionInactivityTimeout: 2 * time.Minute,
		WidgetEmbedBaseURL:       "/embed/agent",
		AllowAnyOrigin:           true,
	}
	vendor := &fakeVendor{}
	store := registry.NewMemoryStore()
	cleaner := cleanup.New(vendor, store, "avatar-1", 5*time.Minute, debounce)
	sessions := session.NewManager(vendor, cleaner, store, func() stream.Transport {
		return stream.NewMockTransport()
	}, "avatar-1", "voice-1", "en", cfg.SessionInactivityTimeout)
	metrics := observability.NewMetrics(testNamespace(prefix))

	srv := New(cfg, sessions, cleaner, vendor, nil, metrics)
	ts := httptest.NewServer(srv.Router())
	t.Cleanup(ts.Close)

	return &testEnv{server: ts, vendor: vendor, store: store, cleaner: cleaner}
}

func postJSON(t *testing.T, url string, body any) *http.Response {
	t.Helper()
	raw, err := json.Marshal(body)
	if err != nil {
		t.Fatalf("marshal request: %v", err)
	}
	res, err := http.Post(url, "application/json", bytes.NewReader(raw))
	if err != nil {
		t.Fatalf("POST %s error = %v", url, err)
	}
	return res
}

func decodeBody(t *testing.T, res *http.Response) map[string]any {
	t.Helper()
	defer res.Body.Close()
	var out map[string]any
	if err := json.NewDecoder(res.Body).Decode(&out); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	return out
}

func TestStartAndCloseSession(t *testing.T) {
	env := newTestEnv(t, "httpapi_session")

	res := postJSON(t, env.server.URL+"/v1/avatar/session", map[string]string{"instance_id": "page-1"})
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("create status = %d, want %d", res.StatusCode, http.StatusCreated)
	}
	created := decodeBody(t, res)
	if created["session_id"] != "sess-1" {
		t.Fatalf("session_id = %v, want sess-1", created["session_id"])
	}
	if created["status"] != "live" {
		t.Fatalf("status = %v, want live", created["status"])
	}
	creds, _ := created["credentials"].(map[string]any)
	if creds["agora_channel"] != "chan-1" {
		t.Fatalf("credentials missing agora_channel: %+v", created)
	}

	getRes, err := http.Get(env.server.URL + "/v1/avatar/session/page-1")
	if err != nil {
		t.Fatalf("GET session error = %v", err)
	}
	if getRes.StatusCode != http.StatusOK {
		t.Fatalf("get status = %d, want %d", getRes.StatusCode, http.StatusOK)
	}
	getRes.Body.Close()

	closeRes := postJSON(t, env.server.URL+"/v1/avatar/session/page-1/close", nil)
	if closeRes.StatusCode != http.StatusOK {
		t.Fatalf("close status = %d, want %d", closeRes.StatusCode, http.StatusOK)
	}
	closed := decodeBody(t, closeRes)
	if closed["status"] != "closed" {
		t.Fatalf("closed status = %v, want closed", closed["status"])
	}
}

func TestSecondSessionForInstanceConflicts(t *testing.T) {
	env := newTestEnv(t, "httpapi_conflict")

	first := postJSON(t, env.server.URL+"/v1/avatar/session", map[string]string{"instance_id": "page-1"})
	first.Body.Close()
	if first.StatusCode != http.StatusCreated {
		t.Fatalf("first create status = %d, want %d", first.StatusCode, http.StatusCreated)
	}

	second := postJSON(t, env.server.URL+"/v1/avatar/session", map[string]string{"instance_id": "page-1"})
	if second.StatusCode != http.StatusConflict {
		t.Fatalf("second create status = %d, want %d", second.StatusCode, http.StatusConflict)
	}
	body := decodeBody(t, second)
	if body["code"] != "session_active" {
		t.Fatalf("code = %v, want session_active", body["code"])
	}
}

func TestCreateFailureMapsToBadGateway(t *testing.T) {
	env := newTestEnv(t, "httpapi_vendorfail")
	env.vendor.failMsg = "insufficient credit"

	res := postJSON(t, env.server.URL+"/v1/avatar/session", nil)
	if res.StatusCode != http.StatusBadGateway {
		t.Fatalf("status = %d, want %d", res.StatusCode, http.StatusBadGateway)
	}
	body := decodeBody(t, res)
	if body["code"] != "vendor_error" {
		t.Fatalf("code = %v, want vendor_error", body["code"])
	}
}

func TestTokenEndpoint(t *testing.T) {
	env := newTestEnv(t, "httpapi_token")

	res := postJSON(t, env.server.URL+"/v1/avatar/token", nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want %d", res.StatusCode, http.StatusOK)
	}
	body := decodeBody(t, res)
	if body["token"] != "tok-abc" {
		t.Fatalf("token = %v, want tok-abc", body["token"])
	}
}

func TestEmbedURL(t *testing.T) {
	env := newTestEnv(t, "httpapi_embedurl")

	res, err := http.Get(env.server.URL + "/v1/widget/embed-url?propertyId=p1&theme=dark")
	if err != nil {
		t.Fatalf("GET embed-url error = %v", err)
	}
	if res.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want %d", res.StatusCode, http.StatusOK)
	}
	body := decodeBody(t, res)
	u, _ := body["url"].(string)
	if !strings.HasPrefix(u, "/embed/agent?") {
		t.Fatalf("url = %q, want /embed/agent prefix", u)
	}
	if !strings.Contains(u, "propertyId=p1") || !strings.Contains(u, "theme=dark") {
		t.Fatalf("url missing params: %q", u)
	}
	if strings.Contains(u, "position") {
		t.Fatalf("url must not carry unset params: %q", u)
	}
}

func TestCleanupEndpointSweepsCorruptedRegistry(t *testing.T) {
	env := newTestEnvDebounce(t, "httpapi_cleanup", 3*time.Second)
	env.store.Seed(registry.Record{LastSessionID: "orphan-1"})

	res := postJSON(t, env.server.URL+"/v1/widget/cleanup", map[string]string{"reason": "load"})
	if res.StatusCode != http.StatusOK {
		t.Fatalf("cleanup status = %d, want %d", res.StatusCode, http.StatusOK)
	}
	body := decodeBody(t, res)
	if body["swept"] != true {
		t.Fatalf("swept = %v, want true: %+v", body["swept"], body)
	}
	if body["tracked_id"] != "orphan-1" {
		t.Fatalf("tracked_id = %v, want orphan-1", body["tracked_id"])
	}

	delayRes, err := http.Get(env.server.URL + "/v1/widget/cleanup/delay")
	if err != nil {
		t.Fatalf("GET delay error = %v", err)
	}
	delay := decodeBody(t, delayRes)
	seconds, _ := delay["seconds_remaining"].(float64)
	if seconds <= 0 || seconds > 3 {
		t.Fatalf("seconds_remaining = %v, want in (0, 3]", seconds)
	}

	// A fresh registry does not justify a second sweep.
	res2 := postJSON(t, env.server.URL+"/v1/widget/cleanup", map[string]string{"reason": "visible"})
	body2 := decodeBody(t, res2)
	if body2["swept"] != false {
		t.Fatalf("second sweep = %v, want false: %+v", body2["swept"], body2)
	}
}

func TestWidgetMessageVerdicts(t *testing.T) {
	env := newTestEnv(t, "httpapi_widgetmsg")

	post := func(payload string) (*http.Response, map[string]any) {
		res, err := http.Post(env.server.URL+"/v1/widget/message", "application/json", strings.NewReader(payload))
		if err != nil {
			t.Fatalf("POST widget message error = %v", err)
		}
		return res, decodeBody(t, res)
	}

	res, body := post(`{"type":"domiq-widget-height","height":480}`)
	if res.StatusCode != http.StatusOK || body["verdict"] != "accepted" {
		t.Fatalf("height verdict = %v (status %d), want accepted", body["verdict"], res.StatusCode)
	}

	res, body = post(`{"source":"react-devtools","payload":{}}`)
	if res.StatusCode != http.StatusOK || body["verdict"] != "ignored" {
		t.Fatalf("foreign verdict = %v (status %d), want ignored", body["verdict"], res.StatusCode)
	}

	res, body = post(`{"type":"domiq-widget-height","height":-5}`)
	if res.StatusCode != http.StatusBadRequest {
		t.Fatalf("malformed status = %d, want %d (%+v)", res.StatusCode, http.StatusBadRequest, body)
	}
}

func TestWidgetStaticRoutes(t *testing.T) {
	env := newTestEnv(t, "httpapi_static")

	client := &http.Client{
		CheckRedirect: func(req *http.Request, via []*http.Request) error {
			return http.ErrUseLastResponse
		},
	}

	rootRes, err := client.Get(env.server.URL + "/")
	if err != nil {
		t.Fatalf("GET / error = %v", err)
	}
	rootRes.Body.Close()
	if rootRes.StatusCode != http.StatusTemporaryRedirect {
		t.Fatalf("GET / status = %d, want %d", rootRes.StatusCode, http.StatusTemporaryRedirect)
	}
	if got := rootRes.Header.Get("Location"); got != "/widget/" {
		t.Fatalf("GET / location = %q, want %q", got, "/widget/")
	}

	loaderRes, err := http.Get(env.server.URL + "/widget/loader.js")
	if err != nil {
		t.Fatalf("GET loader error = %v", err)
	}
	defer loaderRes.Body.Close()
	if loaderRes.StatusCode != http.StatusOK {
		t.Fatalf("GET loader status = %d, want %d", loaderRes.StatusCode, http.StatusOK)
	}
	var buf bytes.Buffer
	if _, err := buf.ReadFrom(loaderRes.Body); err != nil {
		t.Fatalf("reading loader body failed: %v", err)
	}
	if !strings.Contains(buf.String(), "domiq-widget-height") {
		t.Fatalf("loader body missing expected content")
	}

	embedRes, err := http.Get(env.server.URL + "/embed/agent?propertyId=p1")
	if err != nil {
		t.Fatalf("GET embed page error = %v", err)
	}
	defer embedRes.Body.Close()
	if embedRes.StatusCode != http.StatusOK {
		t.Fatalf("GET embed page status = %d, want %d", embedRes.StatusCode, http.StatusOK)
	}
}

func TestSessionRelaySocket(t *testing.T) {
	env := newTestEnv(t, "httpapi_ws")

	res := postJSON(t, env.server.URL+"/v1/avatar/session", map[string]string{"instance_id": "page-ws"})
	res.Body.Close()
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("create status = %d, want %d", res.StatusCode, http.StatusCreated)
	}

	wsURL := "ws" + strings.TrimPrefix(env.server.URL, "http") + "/v1/avatar/session/ws?instance_id=page-ws"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("dial relay: %v", err)
	}
	defer conn.Close()

	if err := conn.WriteJSON(map[string]string{"type": "chat", "text": "any two bedrooms?"}); err != nil {
		t.Fatalf("write chat: %v", err)
	}

	// The mock transport echoes the chat back as a bot event; ack and
	// connected frames may arrive first.
	deadline := time.Now().Add(2 * time.Second)
	for {
		_ = conn.SetReadDeadline(deadline)
		var ev map[string]any
		if err := conn.ReadJSON(&ev); err != nil {
			t.Fatalf("read relay event: %v", err)
		}
		if ev["type"] == "chat" {
			if ev["text"] != "any two bedrooms?" {
				t.Fatalf("chat text = %v, want echo", ev["text"])
			}
			break
		}
	}
}

func TestRelaySocketRequiresSession(t *testing.T) {
	env := newTestEnv(t, "httpapi_ws_missing")

	wsURL := "ws" + strings.TrimPrefix(env.server.URL, "http") + "/v1/avatar/session/ws?instance_id=ghost"
	_, res, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err == nil {
		t.Fatalf("dial succeeded for unknown instance")
	}
	if res == nil || res.StatusCode != http.StatusNotFound {
		t.Fatalf("handshake status = %v, want %d", res, http.StatusNotFound)
	}
}

func TestAnalyticsSummaryUnconfigured(t *testing.T) {
	env := newTestEnv(t, "httpapi_analytics")

	res, err := http.Get(env.server.URL + "/v1/analytics/summary")
	if err != nil {
		t.Fatalf("GET summary error = %v", err)
	}
	if res.StatusCode != http.StatusNotImplemented {
		t.Fatalf("status = %d, want %d", res.StatusCode, http.StatusNotImplemented)
	}
	res.Body.Close()
}
