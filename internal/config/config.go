package config

import (
	"fmt"
	"net/url"
	"os"
	"strconv"
	"time"
)

// Realtime transports.
const (
	RealtimeWebsocket = "websocket"
	RealtimeNATS      = "nats"
)

type Config struct {
	SupabaseURL string // MPWA_SUPABASE_URL (required)
	AnonKey     string // MPWA_SUPABASE_ANON_KEY (required)

	// Realtime settings
	Realtime        string // MPWA_REALTIME (default "websocket"; "nats" needs MPWA_NATS_URL)
	NATSURL         string // MPWA_NATS_URL
	EventsPerSecond int    // MPWA_EVENTS_PER_SECOND (default 10)

	// Auth settings
	AutoRefresh    bool          // MPWA_AUTO_REFRESH (default true)
	PersistSession bool          // MPWA_PERSIST_SESSION (default true)
	RefreshMargin  time.Duration // MPWA_REFRESH_MARGIN (default 60s)

	SettingsPath string // MPWA_SETTINGS_PATH (empty = ~/.local/state/maintpwa/settings.toml)
}

func Load() (*Config, error) {
	c := &Config{
		SupabaseURL:  os.Getenv("MPWA_SUPABASE_URL"),
		AnonKey:      os.Getenv("MPWA_SUPABASE_ANON_KEY"),
		Realtime:     envOrDefault("MPWA_REALTIME", RealtimeWebsocket),
		NATSURL:      os.Getenv("MPWA_NATS_URL"),
		SettingsPath: os.Getenv("MPWA_SETTINGS_PATH"),
	}
	if c.SupabaseURL == "" {
		return nil, fmt.Errorf("MPWA_SUPABASE_URL is required")
	}
	if c.AnonKey == "" {
		return nil, fmt.Errorf("MPWA_SUPABASE_ANON_KEY is required")
	}
	u, err := url.Parse(c.SupabaseURL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return nil, fmt.Errorf("MPWA_SUPABASE_URL: %q is not an http(s) URL", c.SupabaseURL)
	}

	switch c.Realtime {
	case RealtimeWebsocket:
	case RealtimeNATS:
		if c.NATSURL == "" {
			return nil, fmt.Errorf("MPWA_NATS_URL is required when MPWA_REALTIME=nats")
		}
	default:
		return nil, fmt.Errorf("MPWA_REALTIME: unknown transport %q", c.Realtime)
	}

	eps, err := strconv.Atoi(envOrDefault("MPWA_EVENTS_PER_SECOND", "10"))
	if err != nil {
		return nil, fmt.Errorf("MPWA_EVENTS_PER_SECOND: %w", err)
	}
	c.EventsPerSecond = eps

	if c.AutoRefresh, err = strconv.ParseBool(envOrDefault("MPWA_AUTO_REFRESH", "true")); err != nil {
		return nil, fmt.Errorf("MPWA_AUTO_REFRESH: %w", err)
	}
	if c.PersistSession, err = strconv.ParseBool(envOrDefault("MPWA_PERSIST_SESSION", "true")); err != nil {
		return nil, fmt.Errorf("MPWA_PERSIST_SESSION: %w", err)
	}

	margin, err := time.ParseDuration(envOrDefault("MPWA_REFRESH_MARGIN", "60s"))
	if err != nil {
		return nil, fmt.Errorf("MPWA_REFRESH_MARGIN: %w", err)
	}
	c.RefreshMargin = margin

	return c, nil
}

func envOrDefault(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
