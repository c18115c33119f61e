package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"

	inbox "github.com/caiogn-dev/server-sub001"
)

// newLogger builds a console logger on w at the configured level.
func newLogger(w io.Writer, level string) zerolog.Logger {
	lvl, err := zerolog.ParseLevel(strings.ToLower(level))
	if err != nil || lvl == zerolog.NoLevel {
		lvl = zerolog.InfoLevel
	}
	return zerolog.New(zerolog.ConsoleWriter{Out: w, TimeFormat: time.RFC3339}).
		Level(lvl).
		With().
		Timestamp().
		Logger()
}

// mustConfig resolves the effective configuration or exits.
func mustConfig() *Config {
	cfg, err := resolveConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}
	return cfg
}

// getClient creates an API client authenticated with the configured key.
func getClient(cfg *Config) (*inbox.Client, error) {
	if cfg.Default.APIKey == "" {
		return nil, fmt.Errorf("no API key. Run 'inboxctl init <api-key>' first")
	}
	var opts []inbox.ClientOption
	if cfg.Default.BaseURL != "" {
		opts = append(opts, inbox.WithBaseURL(cfg.Default.BaseURL))
	}
	if cfg.Default.Tenant != "" {
		opts = append(opts, inbox.WithTenant(cfg.Default.Tenant))
	}
	return inbox.NewClient(cfg.Default.APIKey, opts...), nil
}

// openSession builds a session backed by the configured preference store.
// The caller closes it.
func openSession(ctx context.Context, cfg *Config, client *inbox.Client, logger zerolog.Logger, metrics *inbox.Metrics) (*inbox.Session, error) {
	prefs, err := inbox.OpenPreferenceStore(ctx, cfg.Session.PrefsDSN)
	if err != nil {
		return nil, fmt.Errorf("open preference store: %w", err)
	}
	s, err := inbox.NewSession(ctx, client, prefs, &inbox.SessionOptions{
		Key:     cfg.Session.Key,
		Logger:  &logger,
		Metrics: metrics,
	})
	if err != nil {
		prefs.Close()
		return nil, err
	}
	return s, nil
}

// connectRealtime opens the configured realtime transport and feeds it into
// the session. onEvent, if set, runs after the session applied each event.
func connectRealtime(ctx context.Context, client *inbox.Client, s *inbox.Session, transport string, onEvent inbox.ChannelEventHandler) (func() error, error) {
	switch transport {
	case "", "ws":
		rt := client.ConnectWS(&inbox.RealtimeConfig{AutoReconnect: true})
		s.Attach(rt)
		if onEvent != nil {
			rt.OnEvent(onEvent)
		}
		if err := rt.Connect(ctx); err != nil {
			return nil, err
		}
		return rt.Disconnect, nil
	case "sse":
		rt := client.ConnectSSE(&inbox.RealtimeConfig{AutoReconnect: true})
		s.Attach(rt)
		if onEvent != nil {
			rt.OnEvent(onEvent)
		}
		if err := rt.Connect(ctx); err != nil {
			return nil, err
		}
		return rt.Disconnect, nil
	}
	return nil, fmt.Errorf("unknown realtime transport %q (valid: ws, sse)", transport)
}

// maskKey shows the first 8 and last 4 characters of a key.
func maskKey(key string) string {
	if len(key) <= 12 {
		return "****"
	}
	return key[:8] + "..." + key[len(key)-4:]
}

func valueOrDefault(val, def string) string {
	if val == "" {
		return def
	}
	return val
}

func formatTime(t *time.Time) string {
	if t == nil {
		return "-"
	}
	return t.Local().Format("2006-01-02 15:04")
}
