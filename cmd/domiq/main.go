package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/domiq-ai/domiq/internal/akool"
	"github.com/domiq-ai/domiq/internal/analytics"
	"github.com/domiq-ai/domiq/internal/cleanup"
	"github.com/domiq-ai/domiq/internal/config"
	"github.com/domiq-ai/domiq/internal/httpapi"
	"github.com/domiq-ai/domiq/internal/observability"
	"github.com/domiq-ai/domiq/internal/registry"
	"github.com/domiq-ai/domiq/internal/session"
	"github.com/domiq-ai/domiq/internal/stream"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config error: %v", err)
	}

	metrics := observability.NewMetrics(cfg.MetricsNamespace)

	ctx := context.Background()
	store, err := registry.NewStore(ctx, cfg.RegistryDatabaseURL, cfg.RegistryFilePath, cfg.RegistryProfileKey)
	if err != nil {
		log.Fatalf("session registry init failed: %v", err)
	}
	defer store.Close()
	switch {
	case cfg.RegistryDatabaseURL != "":
		log.Printf("session registry: postgres (profile %s)", cfg.RegistryProfileKey)
	case cfg.RegistryFilePath != "":
		log.Printf("session registry: file %s", cfg.RegistryFilePath)
	default:
		log.Printf("session registry: disabled (orphan tracking off)")
	}

	vendor := akool.NewClient(akool.Config{
		ClientID:        cfg.AkoolClientID,
		ClientSecret:    cfg.AkoolClientSecret,
		BaseURL:         cfg.AkoolBaseURL,
		SessionDuration: cfg.AkoolSessionDuration,
		CloseTimeout:    cfg.SessionCloseTimeout,
	})

	cleaner := cleanup.New(vendor, store, cfg.AkoolAvatarID, cfg.SessionStaleAfter, cfg.SessionCreateDebounce)
	cleaner.SetDoneHook(func(res cleanup.Result) {
		if res.TrackedError != "" {
			metrics.CleanupSweeps.WithLabelValues("tracked_error").Inc()
			return
		}
		metrics.CleanupSweeps.WithLabelValues("completed").Inc()
	})

	var newTransport session.TransportFactory
	if strings.TrimSpace(cfg.StreamGatewayURL) != "" {
		gatewayURL := cfg.StreamGatewayURL
		newTransport = func() stream.Transport {
			return stream.NewWSTransport(gatewayURL)
		}
		log.Printf("stream transport: gateway %s", gatewayURL)
	} else {
		newTransport = func() stream.Transport {
			return stream.NewMockTransport()
		}
		log.Printf("stream transport: mock (no STREAM_GATEWAY_URL set)")
	}

	sessions := session.NewManager(
		vendor,
		cleaner,
		store,
		newTransport,
		cfg.AkoolAvatarID,
		cfg.AvatarVoiceID,
		cfg.AvatarLanguage,
		cfg.SessionInactivityTimeout,
	)
	sessions.SetExpireHook(func(_ *session.Session) {
		metrics.SessionEvents.WithLabelValues("expired").Inc()
		metrics.ActiveSessions.Set(float64(sessions.ActiveCount()))
	})

	var analyticsClient *analytics.Client
	if cfg.AnalyticsAPIURL != "" {
		analyticsClient = analytics.NewClient(cfg.AnalyticsAPIURL, cfg.AnalyticsAPIKey, cfg.AnalyticsTimeout)
		log.Printf("analytics: %s", cfg.AnalyticsAPIURL)
	}

	api := httpapi.New(cfg, sessions, cleaner, vendor, analyticsClient, metrics)
	httpServer := &http.Server{
		Addr:    cfg.BindAddr,
		Handler: api.Router(),
	}

	runCtx, runCancel := context.WithCancel(context.Background())
	defer runCancel()
	sessions.StartJanitor(runCtx, 5*time.Second)

	go func() {
		log.Printf("server listening on %s", cfg.BindAddr)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("listen error: %v", err)
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh
	log.Printf("shutdown signal received")

	runCancel()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Printf("graceful shutdown failed: %v", err)
		_ = httpServer.Close()
	}

	// Leave the vendor side clean: close any session we still track.
	closeCtx, closeCancel := context.WithTimeout(context.Background(), cfg.SessionCloseTimeout)
	defer closeCancel()
	if rec, ok, err := store.Read(closeCtx); err == nil && ok && rec.LastSessionID != "" {
		res := cleaner.Sweep(closeCtx)
		if res.TrackedError != "" {
			log.Printf("final sweep: %s", res.TrackedError)
		}
	}

	log.Printf("shutdown complete")
}
