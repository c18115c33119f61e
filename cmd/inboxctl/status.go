package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"
)

func init() {
	rootCmd.AddCommand(statusCmd)
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show current configuration and inbox status",
	Long:  "Display the effective configuration and, if an API key is set, fetch the live conversation list.",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := resolveConfig()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}

		fmt.Println("Configuration:")
		fmt.Printf("  Base URL:    %s\n", valueOrDefault(cfg.Default.BaseURL, "(default)"))
		fmt.Printf("  Tenant:      %s\n", valueOrDefault(cfg.Default.Tenant, "(not set)"))
		if cfg.Default.APIKey != "" {
			fmt.Printf("  API Key:     %s\n", maskKey(cfg.Default.APIKey))
		} else {
			fmt.Println("  API Key:     (not set)")
		}
		fmt.Printf("  Log level:   %s\n", cfg.Default.LogLevel)

		fmt.Println()
		fmt.Println("Session:")
		fmt.Printf("  Key:         %s\n", valueOrDefault(cfg.Session.Key, "default"))
		fmt.Printf("  Preferences: %s\n", cfg.Session.PrefsDSN)
		fmt.Printf("  Realtime:    %s\n", cfg.Session.Realtime)
		fmt.Printf("  Listen:      %s\n", cfg.Session.ListenAddr)
		if cfg.Session.WebhookSecret != "" {
			fmt.Println("  Webhook:     enabled")
		} else {
			fmt.Println("  Webhook:     disabled (no secret)")
		}

		if cfg.Default.APIKey == "" {
			return nil
		}

		fmt.Println()
		fmt.Println("Live status:")

		client, err := getClient(cfg)
		if err != nil {
			return err
		}
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		s, err := openSession(ctx, cfg, client, newLogger(os.Stderr, cfg.Default.LogLevel), nil)
		if err != nil {
			fmt.Printf("  Error opening session: %v\n", err)
			return nil
		}
		defer s.Close()

		if err := s.Refresh(ctx); err != nil {
			fmt.Printf("  Error fetching conversations: %v\n", err)
			return nil
		}
		fmt.Printf("  Conversations: %d\n", len(s.GetConversations()))
		fmt.Printf("  Unread:        %d\n", s.GetUnreadTotal())
		if conv, ok := s.GetSelectedConversation(); ok {
			fmt.Printf("  Selected:      %s\n", conv.ID)
		} else if id := s.SelectedConversationID(); id != "" {
			fmt.Printf("  Selected:      %s (not in list)\n", id)
		}
		return nil
	},
}
