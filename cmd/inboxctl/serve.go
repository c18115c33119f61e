package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"

	inbox "github.com/caiogn-dev/server-sub001"
	"github.com/caiogn-dev/server-sub001/internal/httpapi"
)

var (
	serveAddr     string
	serveRealtime bool
)

func init() {
	serveCmd.Flags().StringVar(&serveAddr, "addr", "", "Listen address (default from config)")
	serveCmd.Flags().BoolVar(&serveRealtime, "realtime", true, "Follow the realtime channel")
	rootCmd.AddCommand(serveCmd)
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve the inbox API, metrics and the channel webhook",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg := mustConfig()
		client, err := getClient(cfg)
		if err != nil {
			return err
		}
		logger := newLogger(os.Stderr, cfg.Default.LogLevel)

		ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		reg := prometheus.NewRegistry()
		reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
		metrics := inbox.NewMetrics(reg)

		s, err := openSession(ctx, cfg, client, logger, metrics)
		if err != nil {
			return err
		}
		defer s.Close()
		s.Start()

		loadCtx, cancel := context.WithTimeout(ctx, 15*time.Second)
		if err := s.Refresh(loadCtx); err != nil {
			logger.Warn().Err(err).Msg("initial conversation load failed")
		}
		cancel()

		opts := httpapi.Options{Logger: logger, Gatherer: reg}
		if cfg.Session.WebhookSecret != "" {
			wh, err := inbox.NewChannelWebhook(cfg.Session.WebhookSecret, s, metrics)
			if err != nil {
				return err
			}
			opts.Webhook = wh.HTTPHandler()
		} else {
			logger.Warn().Msg("no webhook secret configured, webhook route disabled")
		}

		if serveRealtime {
			disconnect, err := connectRealtime(ctx, client, s, cfg.Session.Realtime, nil)
			if err != nil {
				logger.Warn().Err(err).Str("transport", cfg.Session.Realtime).Msg("realtime connect failed")
			} else {
				defer disconnect()
			}
		}

		addr := serveAddr
		if addr == "" {
			addr = cfg.Session.ListenAddr
		}
		srv := &http.Server{
			Addr:         addr,
			Handler:      httpapi.NewRouter(s, opts),
			ReadTimeout:  15 * time.Second,
			WriteTimeout: 15 * time.Second,
			IdleTimeout:  60 * time.Second,
		}

		errCh := make(chan error, 1)
		go func() {
			logger.Info().Str("addr", addr).Str("session", cfg.Session.Key).Msg("starting inbox server")
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				errCh <- err
			}
			close(errCh)
		}()

		select {
		case err, ok := <-errCh:
			if ok {
				return fmt.Errorf("server failed: %w", err)
			}
			return nil
		case <-ctx.Done():
		}

		logger.Info().Msg("shutting down server...")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("server forced to shutdown: %w", err)
		}
		logger.Info().Msg("server stopped")
		return nil
	},
}
