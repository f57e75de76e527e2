package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"

	"github.com/domiq-ai/domiq/internal/akool"
	"github.com/domiq-ai/domiq/internal/analytics"
	"github.com/domiq-ai/domiq/internal/cleanup"
	"github.com/domiq-ai/domiq/internal/config"
	"github.com/domiq-ai/domiq/internal/observability"
	"github.com/domiq-ai/domiq/internal/session"
	"github.com/domiq-ai/domiq/internal/widget"
)

// TokenSource mints vendor API tokens for the embedded page.
type TokenSource interface {
	GetToken(ctx context.Context) (string, error)
}

type Server struct {
	cfg       config.Config
	sessions  *session.Manager
	cleaner   *cleanup.Coordinator
	tokens    TokenSource
	bridge    *widget.Bridge
	analytics *analytics.Client
	metrics   *observability.Metrics
	upgrader  websocket.Upgrader
	static    http.Handler
}

func New(cfg config.Config, sessions *session.Manager, cleaner *cleanup.Coordinator, tokens TokenSource, ac *analytics.Client, metrics *observability.Metrics) *Server {
	return &Server{
		cfg:       cfg,
		sessions:  sessions,
		cleaner:   cleaner,
		tokens:    tokens,
		bridge:    widget.NewBridge(cfg.WidgetEmbedBaseURL),
		analytics: ac,
		metrics:   metrics,
		static:    newStaticHandler(),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin: func(r *http.Request) bool {
				// The relay is driven by the embedded page we serve ourselves,
				// so browser connections must come from our own origin unless
				// the operator explicitly opens it up.
				if cfg.AllowAnyOrigin {
					return true
				}
				origin := strings.TrimSpace(r.Header.Get("Origin"))
				if origin == "" {
					// Non-browser clients often omit Origin. Allow them.
					return true
				}
				u, err := url.Parse(origin)
				if err != nil {
					return false
				}
				if u.Scheme != "http" && u.Scheme != "https" {
					return false
				}
				return strings.EqualFold(u.Host, r.Host)
			},
		},
	}
}

func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Get("/", func(w http.ResponseWriter, r *http.Request) {
		http.Redirect(w, r, "/widget/", http.StatusTemporaryRedirect)
	})
	r.Get("/widget", func(w http.ResponseWriter, r *http.Request) {
		http.Redirect(w, r, "/widget/", http.StatusTemporaryRedirect)
	})
	r.Handle("/widget/*", http.StripPrefix("/widget/", s.static))
	r.Get("/embed/agent", s.handleEmbedPage)

	r.Get("/healthz", s.handleHealth)
	r.Get("/readyz", s.handleReady)
	r.Get("/metrics", func(w http.ResponseWriter, r *http.Request) {
		observability.MetricsHandler().ServeHTTP(w, r)
	})

	r.Get("/v1/widget/embed-url", s.handleEmbedURL)
	r.Post("/v1/widget/init", s.handleWidgetInit)
	r.Post("/v1/widget/message", s.handleWidgetMessage)
	r.Post("/v1/widget/cleanup", s.handleCleanup)
	r.Get("/v1/widget/cleanup/delay", s.handleCleanupDelay)

	r.Post("/v1/avatar/token", s.handleToken)
	r.Post("/v1/avatar/session", s.handleStartSession)
	r.Get("/v1/avatar/session/{instance}", s.handleGetSession)
	r.Post("/v1/avatar/session/{instance}/touch", s.handleTouch)
	r.Post("/v1/avatar/session/{instance}/close", s.handleCloseSession)
	r.Get("/v1/avatar/session/ws", s.handleSessionWS)

	r.Get("/v1/analytics/summary", s.handleAnalyticsSummary)

	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, map[string]any{
		"status":              "ok",
		"analytics_enabled":   s.analytics != nil && s.analytics.Configured(),
		"stream_gateway_mode": s.streamMode(),
	})
}

func (s *Server) handleReady(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, map[string]any{
		"status":          "ready",
		"active_sessions": s.sessions.ActiveCount(),
	})
}

func (s *Server) streamMode() string {
	if strings.TrimSpace(s.cfg.StreamGatewayURL) == "" {
		return "mock"
	}
	return "gateway"
}

func (s *Server) handleEmbedURL(w http.ResponseWriter, r *http.Request) {
	cfg := widget.ConfigFromValues(r.URL.Query())
	respondJSON(w, http.StatusOK, map[string]string{
		"url": widget.EmbedURL(s.cfg.WidgetEmbedBaseURL, cfg),
	})
}

func (s *Server) handleWidgetInit(w http.ResponseWriter, r *http.Request) {
	var cfg widget.Config
	if err := decodeJSON(r, &cfg); err != nil && !errors.Is(err, errEmptyBody) {
		respondError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	s.bridge.Init(cfg)
	respondJSON(w, http.StatusOK, map[string]any{
		"config":  s.bridge.Config(),
		"pending": s.bridge.Pending(),
	})
}

func (s *Server) handleWidgetMessage(w http.ResponseWriter, r *http.Request) {
	raw, err := readBody(r)
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	msg, parseErr := widget.ParseMessage(raw)
	switch {
	case errors.Is(parseErr, widget.ErrUnknownMessage):
		// Foreign cross-document traffic is expected on a shared channel.
		s.metrics.WidgetMessages.WithLabelValues("unknown", "ignored").Inc()
		respondJSON(w, http.StatusOK, map[string]string{"verdict": "ignored"})
		return
	case parseErr != nil:
		s.metrics.WidgetMessages.WithLabelValues("malformed", "rejected").Inc()
		respondError(w, http.StatusBadRequest, "invalid_widget_message", parseErr.Error())
		return
	}
	if err := s.bridge.HandleMessage(raw); err != nil {
		s.metrics.WidgetMessages.WithLabelValues(widgetTypeOf(msg), "rejected").Inc()
		respondError(w, http.StatusBadRequest, "invalid_widget_message", err.Error())
		return
	}
	s.metrics.WidgetMessages.WithLabelValues(widgetTypeOf(msg), "accepted").Inc()
	respondJSON(w, http.StatusOK, map[string]string{"verdict": "accepted"})
}

type cleanupRequest struct {
	Reason string `json:"reason"`
	Force  bool   `json:"force"`
}

func (s *Server) handleCleanup(w http.ResponseWriter, r *http.Request) {
	var req cleanupRequest
	if err := decodeJSON(r, &req); err != nil && !errors.Is(err, errEmptyBody) {
		respondError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}

	var (
		res   cleanup.Result
		swept bool
	)
	if req.Force {
		res = s.cleaner.Sweep(r.Context())
		swept = !res.AlreadyRunning
	} else {
		res, swept = s.cleaner.SweepIfNeeded(r.Context())
	}

	switch {
	case res.AlreadyRunning:
		s.metrics.CleanupSweeps.WithLabelValues("already_running").Inc()
	case swept:
		s.metrics.CleanupSweeps.WithLabelValues("swept").Inc()
	default:
		s.metrics.CleanupSweeps.WithLabelValues("skipped").Inc()
	}

	respondJSON(w, http.StatusOK, map[string]any{
		"reason":          strings.TrimSpace(req.Reason),
		"swept":           swept,
		"already_running": res.AlreadyRunning,
		"tracked_id":      res.TrackedID,
		"tracked_soft":    res.TrackedSoft,
		"tracked_error":   res.TrackedError,
		"delay_seconds":   s.cleaner.CreateDelay().Seconds(),
	})
}

func (s *Server) handleCleanupDelay(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, map[string]float64{
		"seconds_remaining": s.cleaner.CreateDelay().Seconds(),
	})
}

func (s *Server) handleToken(w http.ResponseWriter, r *http.Request) {
	token, err := s.tokens.GetToken(r.Context())
	if err != nil {
		s.respondVendorError(w, "token", err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]string{"token": token})
}

func (s *Server) handleStartSession(w http.ResponseWriter, r *http.Request) {
	var req session.CreateRequest
	if err := decodeJSON(r, &req); err != nil && !errors.Is(err, errEmptyBody) {
		respondError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}

	sess, err := s.sessions.Start(r.Context(), req.InstanceID, req.AvatarID)
	if err != nil {
		if errors.Is(err, session.ErrSessionActive) {
			respondError(w, http.StatusConflict, "session_active", err.Error())
			return
		}
		s.respondVendorError(w, "create_session", err)
		return
	}
	s.metrics.ActiveSessions.Set(float64(s.sessions.ActiveCount()))
	s.metrics.SessionEvents.WithLabelValues("created").Inc()

	respondJSON(w, http.StatusCreated, session.CreateResponse{
		InstanceID:      sess.InstanceID,
		SessionID:       sess.VendorID,
		Status:          sess.Status,
		Credentials:     sess.Credentials,
		StartedAt:       sess.StartedAt,
		InactivityTTLMS: s.cfg.SessionInactivityTimeout.Milliseconds(),
	})
}

func (s *Server) handleGetSession(w http.ResponseWriter, r *http.Request) {
	sess, err := s.sessions.Get(chi.URLParam(r, "instance"))
	if err != nil {
		respondError(w, http.StatusNotFound, "session_not_found", err.Error())
		return
	}
	respondJSON(w, http.StatusOK, sess)
}

func (s *Server) handleTouch(w http.ResponseWriter, r *http.Request) {
	if err := s.sessions.Touch(chi.URLParam(r, "instance")); err != nil {
		respondError(w, http.StatusNotFound, "session_not_found", err.Error())
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleCloseSession(w http.ResponseWriter, r *http.Request) {
	instance := chi.URLParam(r, "instance")
	if strings.TrimSpace(instance) == "" {
		respondError(w, http.StatusBadRequest, "invalid_instance_id", "missing instance id")
		return
	}

	sess, err := s.sessions.Close(r.Context(), instance)
	if err != nil {
		respondError(w, http.StatusNotFound, "session_not_found", err.Error())
		return
	}
	s.metrics.ActiveSessions.Set(float64(s.sessions.ActiveCount()))
	s.metrics.SessionEvents.WithLabelValues("ended").Inc()
	respondJSON(w, http.StatusOK, sess)
}

func (s *Server) respondVendorError(w http.ResponseWriter, op string, err error) {
	var vErr *akool.VendorError
	var nErr *akool.NetworkError
	switch {
	case errors.Is(err, akool.ErrAuthConfig):
		s.metrics.VendorErrors.WithLabelValues(op, "auth_config").Inc()
		respondError(w, http.StatusInternalServerError, "auth_config", err.Error())
	case errors.As(err, &vErr):
		s.metrics.VendorErrors.WithLabelValues(op, "vendor").Inc()
		respondError(w, http.StatusBadGateway, "vendor_error", err.Error())
	case errors.As(err, &nErr):
		s.metrics.VendorErrors.WithLabelValues(op, "network").Inc()
		respondError(w, http.StatusBadGateway, "vendor_unreachable", err.Error())
	default:
		respondError(w, http.StatusInternalServerError, "internal_error", err.Error())
	}
}

// relayRequest is what the embedded page sends over the relay socket.
type relayRequest struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

type relayEvent struct {
	Type   string `json:"type"`
	Text   string `json:"text,omitempty"`
	Detail string `json:"detail,omitempty"`
	MID    string `json:"mid,omitempty"`
	Code   string `json:"code,omitempty"`
	TS     int64  `json:"ts,omitempty"`
}

func (s *Server) handleSessionWS(w http.ResponseWriter, r *http.Request) {
	instanceID := strings.TrimSpace(r.URL.Query().Get("instance_id"))
	if instanceID == "" {
		respondError(w, http.StatusBadRequest, "missing_instance_id", "query parameter instance_id is required")
		return
	}

	transport, err := s.sessions.Transport(instanceID)
	if err != nil {
		respondError(w, http.StatusNotFound, "session_not_found", err.Error())
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	s.metrics.SessionEvents.WithLabelValues("ws_connected").Inc()

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	outbound := make(chan relayEvent, 256)

	pumpDone := make(chan struct{})
	go func() {
		defer close(pumpDone)
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-transport.Events():
				if !ok {
					return
				}
				select {
				case outbound <- relayEvent{Type: string(ev.Type), Text: ev.Text, Detail: ev.Detail, TS: ev.Timestamp}:
				default:
					// Keep websocket writes single-threaded; drop if the
					// outbound queue is saturated.
				}
			}
		}
	}()

	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		for {
			select {
			case <-ctx.Done():
				return
			case ev := <-outbound:
				_ = conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
				if err := conn.WriteJSON(ev); err != nil {
					cancel()
					return
				}
				s.metrics.WSMessages.WithLabelValues("outbound", ev.Type).Inc()
			}
		}
	}()

	conn.SetReadLimit(1 << 20)
	_ = conn.SetReadDeadline(time.Now().Add(120 * time.Second))
	conn.SetPongHandler(func(string) error {
		_ = conn.SetReadDeadline(time.Now().Add(120 * time.Second))
		return nil
	})

	for {
		msgType, data, err := conn.ReadMessage()
		if err != nil {
			break
		}
		if msgType != websocket.TextMessage {
			continue
		}
		var req relayRequest
		if err := json.Unmarshal(data, &req); err != nil {
			select {
			case outbound <- relayEvent{Type: "error", Code: "invalid_client_message", Detail: err.Error()}:
			default:
			}
			continue
		}

		// Any wellformed client traffic counts as activity.
		_ = s.sessions.Touch(instanceID)
		s.metrics.WSMessages.WithLabelValues("inbound", req.Type).Inc()

		switch req.Type {
		case "chat":
			mid, err := transport.SendChat(ctx, req.Text)
			if err != nil {
				select {
				case outbound <- relayEvent{Type: "error", Code: "send_failed", Detail: err.Error()}:
				default:
				}
				continue
			}
			select {
			case outbound <- relayEvent{Type: "ack", MID: mid}:
			default:
			}
		case "ping":
			select {
			case outbound <- relayEvent{Type: "pong"}:
			default:
			}
		default:
			select {
			case outbound <- relayEvent{Type: "error", Code: "unknown_message_type", Detail: req.Type}:
			default:
			}
		}
	}

	cancel()
	<-pumpDone
	<-writerDone
	s.metrics.SessionEvents.WithLabelValues("ws_disconnected").Inc()
}

func (s *Server) handleAnalyticsSummary(w http.ResponseWriter, r *http.Request) {
	if s.analytics == nil || !s.analytics.Configured() {
		respondError(w, http.StatusNotImplemented, "analytics_not_configured", "analytics API is not configured")
		return
	}
	q := r.URL.Query()
	summary, err := s.analytics.Summarize(r.Context(), q.Get("start"), q.Get("end"))
	if err != nil {
		if errors.Is(err, analytics.ErrTimeout) {
			respondError(w, http.StatusGatewayTimeout, "analytics_timeout", err.Error())
			return
		}
		respondError(w, http.StatusBadGateway, "analytics_error", err.Error())
		return
	}
	respondJSON(w, http.StatusOK, summary)
}

func widgetTypeOf(msg any) string {
	switch msg.(type) {
	case widget.HeightMessage:
		return string(widget.TypeHeight)
	case widget.OpenMessage:
		return string(widget.TypeOpen)
	case widget.CloseMessage:
		return string(widget.TypeClose)
	case widget.CommandMessage:
		return string(widget.TypeCommand)
	default:
		return "unknown"
	}
}

type errorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

var errEmptyBody = errors.New("empty body")

func readBody(r *http.Request) ([]byte, error) {
	if r.Body == nil {
		return nil, errEmptyBody
	}
	defer r.Body.Close()
	raw, err := io.ReadAll(io.LimitReader(r.Body, 1<<20))
	if err != nil {
		return nil, err
	}
	if len(raw) == 0 {
		return nil, errEmptyBody
	}
	return raw, nil
}

func decodeJSON(r *http.Request, out any) error {
	if r.Body == nil {
		return errEmptyBody
	}
	defer r.Body.Close()
	dec := json.NewDecoder(r.Body)
	if err := dec.Decode(out); err != nil {
		if strings.Contains(strings.ToLower(err.Error()), "eof") {
			return errEmptyBody
		}
		return err
	}
	return nil
}

func respondJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func respondError(w http.ResponseWriter, status int, code, message string) {
	respondJSON(w, status, errorResponse{Error: message, Code: code})
}
