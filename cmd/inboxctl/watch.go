package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	inbox "github.com/caiogn-dev/server-sub001"
)

var watchTransport string

func init() {
	watchCmd.Flags().StringVar(&watchTransport, "transport", "", "Realtime transport: ws or sse (default from config)")
	rootCmd.AddCommand(watchCmd)
}

var watchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Follow the realtime channel and print the unread total",
	Long:  "Connect to the realtime channel, apply every event to a local session and print each change until interrupted.",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg := mustConfig()
		client, err := getClient(cfg)
		if err != nil {
			return err
		}
		logger := newLogger(os.Stderr, cfg.Default.LogLevel)

		ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		s, err := openSession(ctx, cfg, client, logger, nil)
		if err != nil {
			return err
		}
		defer s.Close()

		loadCtx, cancel := context.WithTimeout(ctx, 15*time.Second)
		err = s.Refresh(loadCtx)
		cancel()
		if err != nil {
			return fmt.Errorf("initial load failed: %w", err)
		}
		fmt.Printf("%d conversations, %d unread\n", len(s.GetConversations()), s.GetUnreadTotal())

		transport := watchTransport
		if transport == "" {
			transport = cfg.Session.Realtime
		}

		printEvent := func(ce inbox.ChannelEvent) {
			target := ce.ConversationID
			if target == "" {
				target = valueOrDefault(ce.ID, ce.ExternalID)
			}
			detail := ""
			if ce.Status != "" {
				detail = " " + ce.Status
			}
			fmt.Printf("[%s] %s %s%s  unread=%d\n",
				time.Now().Format("15:04:05"), ce.Type, target, detail, s.GetUnreadTotal())
		}

		disconnect, err := connectRealtime(ctx, client, s, transport, printEvent)
		if err != nil {
			return fmt.Errorf("realtime connect failed: %w", err)
		}
		defer disconnect()

		<-ctx.Done()
		fmt.Println("\nStopped.")
		return nil
	},
}
