package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	inbox "github.com/caiogn-dev/server-sub001"
)

// ============================================================================
// Flag variables
// ============================================================================

var (
	conversationsUnread bool
	conversationsJSON   bool

	messagesLimit  int
	messagesBefore string
	messagesJSON   bool

	sendTimeout time.Duration
)

// withSession resolves config, opens a session and runs fn with it.
func withSession(timeout time.Duration, fn func(ctx context.Context, s *inbox.Session) error) error {
	cfg := mustConfig()
	client, err := getClient(cfg)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	s, err := openSession(ctx, cfg, client, newLogger(os.Stderr, cfg.Default.LogLevel), nil)
	if err != nil {
		return err
	}
	defer s.Close()
	return fn(ctx, s)
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// contentText renders message content for the terminal.
func contentText(raw json.RawMessage) string {
	var body struct {
		Text string `json:"text"`
	}
	if err := json.Unmarshal(raw, &body); err == nil && body.Text != "" {
		return body.Text
	}
	return string(raw)
}

// ============================================================================
// conversations
// ============================================================================

var conversationsCmd = &cobra.Command{
	Use:     "conversations",
	Aliases: []string{"ls"},
	Short:   "List conversations, most recent first",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withSession(15*time.Second, func(ctx context.Context, s *inbox.Session) error {
			if err := s.Refresh(ctx); err != nil {
				return fmt.Errorf("request failed: %w", err)
			}

			convs := s.GetConversations()
			if conversationsUnread {
				filtered := convs[:0]
				for _, c := range convs {
					if c.UnreadCount > 0 {
						filtered = append(filtered, c)
					}
				}
				convs = filtered
			}

			if conversationsJSON {
				return printJSON(convs)
			}
			if len(convs) == 0 {
				fmt.Println("No conversations found.")
				return nil
			}

			selected := s.SelectedConversationID()
			for _, c := range convs {
				marker := " "
				if c.ID == selected {
					marker = "*"
				}
				unread := ""
				if c.UnreadCount > 0 {
					unread = fmt.Sprintf(" (%d unread)", c.UnreadCount)
				}
				var names []string
				for _, p := range c.Participants {
					names = append(names, valueOrDefault(p.Name, p.Phone))
				}
				fmt.Printf("%s %s  %s  %s%s\n", marker, c.ID, formatTime(c.LastMessageAt), strings.Join(names, ", "), unread)
			}
			fmt.Printf("\nUnread total: %d\n", s.GetUnreadTotal())
			return nil
		})
	},
}

// ============================================================================
// messages
// ============================================================================

var messagesCmd = &cobra.Command{
	Use:   "messages <conversation-id>",
	Short: "Show a conversation's message history",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		conversationID := args[0]
		return withSession(15*time.Second, func(ctx context.Context, s *inbox.Session) error {
			page, err := s.LoadMessages(ctx, conversationID, inbox.Pagination{Limit: messagesLimit, Before: messagesBefore})
			if err != nil {
				return fmt.Errorf("request failed: %w", err)
			}

			msgs := s.GetMessages(conversationID)
			if messagesJSON {
				return printJSON(msgs)
			}
			if len(msgs) == 0 {
				fmt.Println("No messages found.")
				return nil
			}
			for _, m := range msgs {
				arrow := "<-"
				if m.Direction == inbox.Outbound {
					arrow = "->"
				}
				fmt.Printf("[%s] %s %-9s %s\n", m.CreatedAt.Local().Format("2006-01-02 15:04:05"), arrow, m.Status, contentText(m.Content))
			}
			if page.HasMore {
				fmt.Printf("\nMore history: --before %s\n", page.NextCursor)
			}
			return nil
		})
	},
}

// ============================================================================
// send
// ============================================================================

var sendCmd = &cobra.Command{
	Use:   "send <conversation-id> <text>",
	Short: "Send a text message and wait for the server acknowledgement",
	Args:  cobra.MinimumNArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		conversationID := args[0]
		content, err := json.Marshal(map[string]string{"text": strings.Join(args[1:], " ")})
		if err != nil {
			return err
		}

		return withSession(sendTimeout, func(ctx context.Context, s *inbox.Session) error {
			done := make(chan error, 1)
			s.Outbox().On("message.confirmed", func(_ string, op inbox.OutboxOp) { done <- nil })
			s.Outbox().On("message.failed", func(_ string, op inbox.OutboxOp) {
				done <- fmt.Errorf("send failed after %d attempts: %s", op.Retries, op.Error)
			})
			s.Start()

			id, err := s.SendMessage(ctx, conversationID, content)
			if err != nil {
				return err
			}
			fmt.Printf("Queued %s\n", id)

			select {
			case err := <-done:
				if err != nil {
					return err
				}
			case <-ctx.Done():
				return fmt.Errorf("timed out waiting for acknowledgement of %s", id)
			}

			for _, m := range s.GetMessages(conversationID) {
				if m.ID == id {
					fmt.Printf("Sent %s (status %s, external id %s)\n", id, m.Status, valueOrDefault(m.ExternalID, "-"))
				}
			}
			return nil
		})
	},
}

// ============================================================================
// read / select
// ============================================================================

var readCmd = &cobra.Command{
	Use:   "read <conversation-id>",
	Short: "Mark a conversation as read",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		conversationID := args[0]
		return withSession(10*time.Second, func(ctx context.Context, s *inbox.Session) error {
			if err := s.MarkRead(ctx, conversationID); err != nil {
				return fmt.Errorf("request failed: %w", err)
			}
			fmt.Printf("Conversation %s marked as read.\n", conversationID)
			return nil
		})
	},
}

var selectCmd = &cobra.Command{
	Use:   "select [conversation-id]",
	Short: "Set or clear the selected conversation",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		id := ""
		if len(args) == 1 {
			id = args[0]
		}
		return withSession(10*time.Second, func(ctx context.Context, s *inbox.Session) error {
			if err := s.SelectConversation(ctx, id); err != nil {
				return err
			}
			if id == "" {
				fmt.Println("Selection cleared.")
			} else {
				fmt.Printf("Selected %s.\n", id)
			}
			return nil
		})
	},
}

func init() {
	conversationsCmd.Flags().BoolVar(&conversationsUnread, "unread", false, "Show only unread conversations")
	conversationsCmd.Flags().BoolVar(&conversationsJSON, "json", false, "Output JSON")

	messagesCmd.Flags().IntVarP(&messagesLimit, "limit", "n", 0, "Maximum number of messages to return")
	messagesCmd.Flags().StringVar(&messagesBefore, "before", "", "Load the page before this cursor")
	messagesCmd.Flags().BoolVar(&messagesJSON, "json", false, "Output JSON")

	sendCmd.Flags().DurationVar(&sendTimeout, "timeout", 30*time.Second, "How long to wait for the acknowledgement")

	rootCmd.AddCommand(conversationsCmd)
	rootCmd.AddCommand(messagesCmd)
	rootCmd.AddCommand(sendCmd)
	rootCmd.AddCommand(readCmd)
	rootCmd.AddCommand(selectCmd)
}
