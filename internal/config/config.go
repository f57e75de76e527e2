package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config contains all runtime settings for the widget gateway.
type Config struct {
	BindAddr         string
	ShutdownTimeout  time.Duration
	MetricsNamespace string

	AllowAnyOrigin bool

	AkoolClientID        string
	AkoolClientSecret    string
	AkoolBaseURL         string
	AkoolAvatarID        string
	AkoolSessionDuration int

	AvatarVoiceID  string
	AvatarLanguage string

	SessionStaleAfter        time.Duration
	SessionCreateDebounce    time.Duration
	SessionInactivityTimeout time.Duration
	SessionCloseTimeout      time.Duration

	WidgetEmbedBaseURL string

	RegistryDatabaseURL string
	RegistryFilePath    string
	RegistryProfileKey  string

	StreamGatewayURL string

	AnalyticsAPIURL  string
	AnalyticsAPIKey  string
	AnalyticsTimeout time.Duration
}

// Load reads environment variables and applies safe defaults.
func Load() (Config, error) {
	cfg := Config{
		BindAddr:          envOrDefault("APP_BIND_ADDR", ":8080"),
		MetricsNamespace:  envOrDefault("APP_METRICS_NAMESPACE", "domiq"),
		AllowAnyOrigin:    false,
		AkoolClientID:     envTrimmed("AKOOL_CLIENT_ID"),
		AkoolClientSecret: envTrimmed("AKOOL_CLIENT_SECRET"),
		AkoolBaseURL:      envOrDefault("AKOOL_BASE_URL", "https://openapi.akool.com"),
		// Default leasing-agent avatar used by the demo property.
		AkoolAvatarID:        envOrDefault("AKOOL_AVATAR_ID", "Alinna_background_st01_Domiq"),
		AkoolSessionDuration: 600,
		AvatarVoiceID:        envOrDefault("AVATAR_VOICE_ID", "Xb7hH8MSUJpSbSDYk0k2"),
		AvatarLanguage:       envOrDefault("AVATAR_LANGUAGE", "en"),
		WidgetEmbedBaseURL:   envOrDefault("WIDGET_EMBED_BASE_URL", "/embed/agent"),
		RegistryDatabaseURL:  envTrimmed("REGISTRY_DATABASE_URL"),
		RegistryFilePath:     envTrimmed("REGISTRY_FILE_PATH"),
		RegistryProfileKey:   envOrDefault("REGISTRY_PROFILE_KEY", "default"),
		StreamGatewayURL:     envTrimmed("STREAM_GATEWAY_URL"),
		AnalyticsAPIURL:      envTrimmed("ANALYTICS_API_URL"),
		AnalyticsAPIKey:      envTrimmed("ANALYTICS_API_KEY"),

		ShutdownTimeout: 15 * time.Second,
		// A tracked session older than this is presumed orphaned and swept.
		SessionStaleAfter: 5 * time.Minute,
		// Grace window after a sweep before the vendor is asked for a new session.
		SessionCreateDebounce:    3 * time.Second,
		SessionInactivityTimeout: 2 * time.Minute,
		SessionCloseTimeout:      5 * time.Second,
		AnalyticsTimeout:         15 * time.Second,
	}

	var err error
	cfg.ShutdownTimeout, err = durationFromEnv("APP_SHUTDOWN_TIMEOUT", cfg.ShutdownTimeout)
	if err != nil {
		return Config{}, err
	}
	cfg.SessionStaleAfter, err = durationFromEnv("SESSION_STALE_AFTER", cfg.SessionStaleAfter)
	if err != nil {
		return Config{}, err
	}
	cfg.SessionCreateDebounce, err = durationFromEnv("SESSION_CREATE_DEBOUNCE", cfg.SessionCreateDebounce)
	if err != nil {
		return Config{}, err
	}
	cfg.SessionInactivityTimeout, err = durationFromEnv("SESSION_INACTIVITY_TIMEOUT", cfg.SessionInactivityTimeout)
	if err != nil {
		return Config{}, err
	}
	cfg.SessionCloseTimeout, err = durationFromEnv("SESSION_CLOSE_TIMEOUT", cfg.SessionCloseTimeout)
	if err != nil {
		return Config{}, err
	}
	cfg.AnalyticsTimeout, err = durationFromEnv("ANALYTICS_TIMEOUT", cfg.AnalyticsTimeout)
	if err != nil {
		return Config{}, err
	}
	cfg.AkoolSessionDuration, err = intFromEnv("AKOOL_SESSION_DURATION", cfg.AkoolSessionDuration)
	if err != nil {
		return Config{}, err
	}
	cfg.AllowAnyOrigin, err = boolFromEnv("APP_ALLOW_ANY_ORIGIN", cfg.AllowAnyOrigin)
	if err != nil {
		return Config{}, err
	}

	if cfg.SessionStaleAfter <= 0 {
		return Config{}, fmt.Errorf("SESSION_STALE_AFTER must be positive")
	}
	if cfg.SessionCreateDebounce < 0 {
		return Config{}, fmt.Errorf("SESSION_CREATE_DEBOUNCE must not be negative")
	}
	if cfg.SessionInactivityTimeout < 5*time.Second {
		return Config{}, fmt.Errorf("SESSION_INACTIVITY_TIMEOUT must be at least 5s")
	}
	if cfg.SessionCloseTimeout <= 0 {
		return Config{}, fmt.Errorf("SESSION_CLOSE_TIMEOUT must be positive")
	}
	if cfg.AkoolSessionDuration <= 0 {
		return Config{}, fmt.Errorf("AKOOL_SESSION_DURATION must be positive")
	}
	if cfg.AnalyticsTimeout <= 0 {
		return Config{}, fmt.Errorf("ANALYTICS_TIMEOUT must be positive")
	}
	if strings.TrimSpace(cfg.RegistryProfileKey) == "" {
		return Config{}, fmt.Errorf("REGISTRY_PROFILE_KEY must not be empty")
	}

	return cfg, nil
}

func envOrDefault(key, fallback string) string {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	return v
}

func envTrimmed(key string) string {
	return strings.TrimSpace(os.Getenv(key))
}

func durationFromEnv(key string, fallback time.Duration) (time.Duration, error) {
	v := envTrimmed(key)
	if v == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("%s parse error: %w", key, err)
	}
	return d, nil
}

func intFromEnv(key string, fallback int) (int, error) {
	v := envTrimmed(key)
	if v == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("%s parse error: %w", key, err)
	}
	return n, nil
}

func boolFromEnv(key string, fallback bool) (bool, error) {
	v := strings.ToLower(envTrimmed(key))
	if v == "" {
		return fallback, nil
	}
	switch v {
	case "1", "true", "t", "yes", "y", "on":
		return true, nil
	case "0", "false", "f", "no", "n", "off":
		return false, nil
	default:
		return false, fmt.Errorf("%s parse error: expected bool", key)
	}
}
