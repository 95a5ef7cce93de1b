package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	murmur "github.com/murmurhq/murmur/sdk/golang"
	"github.com/spf13/cobra"
)

var (
	chatGroup        bool
	chatHistoryPages int
	chatHistoryLimit int
	chatWatchHistory int
)

func init() {
	chatCmd.PersistentFlags().BoolVar(&chatGroup, "group", false, "Treat the conversation as a group thread")

	chatHistoryCmd.Flags().IntVar(&chatHistoryPages, "pages", 1, "Number of history pages to fetch")
	chatHistoryCmd.Flags().IntVar(&chatHistoryLimit, "limit", 50, "Messages per page")
	chatWatchCmd.Flags().IntVar(&chatWatchHistory, "history", 20, "Messages of history to load before watching")

	chatCmd.AddCommand(chatSendCmd)
	chatCmd.AddCommand(chatHistoryCmd)
	chatCmd.AddCommand(chatEditCmd)
	chatCmd.AddCommand(chatDeleteCmd)
	chatCmd.AddCommand(chatWatchCmd)
	rootCmd.AddCommand(chatCmd)
}

var chatCmd = &cobra.Command{
	Use:   "chat",
	Short: "Chat in a conversation",
	Long:  "Send, edit, delete and watch messages in a conversation. Local actions appear immediately and reconcile against the server in the background.",
}

// newSession builds a conversation session backed by the authenticated client.
func newSession(conversationID string) (*murmur.ConversationSession, *murmur.Client, *Config) {
	client, cfg := getClient()
	kind := murmur.ConversationPrivate
	if chatGroup {
		kind = murmur.ConversationGroup
	}
	session := murmur.NewConversationSession(conversationID, kind, cfg.Auth.UserID, client)
	return session, client, cfg
}

// printMessage renders one message line.
func printMessage(m *murmur.Message, selfID string) {
	ts := m.CreatedAt.Local().Format("15:04:05")
	sender := m.SenderID
	if sender == selfID {
		sender = "me"
	}
	switch {
	case m.IsDeleted():
		fmt.Printf("[%s] %s: (deleted)\n", ts, sender)
	case m.IsFailed():
		fmt.Printf("[%s] %s: %s  [FAILED - retry with 'murmur chat send']\n", ts, sender, m.Content)
	case m.IsPending():
		fmt.Printf("[%s] %s: %s  [sending...]\n", ts, sender, m.Content)
	case m.IsEdited():
		fmt.Printf("[%s] %s: %s  (edited)\n", ts, sender, m.Content)
	default:
		fmt.Printf("[%s] %s: %s\n", ts, sender, m.Content)
	}
}

// ============================================================================
// chat send
// ============================================================================

var chatSendCmd = &cobra.Command{
	Use:   "send <conversation-id> <message>",
	Short: "Send a message",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		conversationID, content := args[0], args[1]
		session, _, _ := newSession(conversationID)
		defer session.Close()

		var mu sync.Mutex
		var localID string
		done := make(chan *murmur.Message, 1)
		unsub := session.Subscribe(func(msgs []*murmur.Message) {
			mu.Lock()
			id := localID
			mu.Unlock()
			if id == "" {
				return
			}
			if m, ok := session.Get(id); ok && !m.IsPending() {
				select {
				case done <- m:
				default:
				}
			}
		})
		defer unsub()

		id, err := session.Send(content, nil)
		if err != nil {
			return fmt.Errorf("send failed: %w", err)
		}
		mu.Lock()
		localID = id
		mu.Unlock()
		fmt.Printf("Sending as %s...\n", id)

		select {
		case m := <-done:
			if m.IsFailed() {
				return fmt.Errorf("delivery failed")
			}
			fmt.Printf("Delivered. Message ID: %s\n", m.ID)
		case <-time.After(30 * time.Second):
			return fmt.Errorf("timed out waiting for delivery")
		}
		return nil
	},
}

// ============================================================================
// chat history
// ============================================================================

var chatHistoryCmd = &cobra.Command{
	Use:   "history <conversation-id>",
	Short: "Show conversation history",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		conversationID := args[0]
		client, cfg := getClient()
		kind := murmur.ConversationPrivate
		if chatGroup {
			kind = murmur.ConversationGroup
		}
		session := murmur.NewConversationSession(conversationID, kind, cfg.Auth.UserID, client,
			murmur.WithPageSize(chatHistoryLimit))
		defer session.Close()

		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		for i := 0; i < chatHistoryPages; i++ {
			n, err := session.LoadOlder(ctx)
			if err != nil {
				return fmt.Errorf("history fetch failed: %w", err)
			}
			if n == 0 {
				break
			}
		}

		msgs := session.Messages()
		if len(msgs) == 0 {
			fmt.Println("No messages.")
			return nil
		}
		for _, m := range msgs {
			printMessage(m, cfg.Auth.UserID)
		}
		return nil
	},
}

// ============================================================================
// chat edit
// ============================================================================

var chatEditCmd = &cobra.Command{
	Use:   "edit <conversation-id> <message-id> <new-content>",
	Short: "Edit a message",
	Args:  cobra.ExactArgs(3),
	RunE: func(cmd *cobra.Command, args []string) error {
		conversationID, messageID, content := args[0], args[1], args[2]
		session, _, _ := newSession(conversationID)
		defer session.Close()

		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()

		if err := session.Edit(ctx, messageID, content); err != nil {
			return fmt.Errorf("edit failed: %w", err)
		}
		fmt.Println("Edited.")
		return nil
	},
}

// ============================================================================
// chat delete
// ============================================================================

var chatDeleteCmd = &cobra.Command{
	Use:   "delete <conversation-id> <message-id>",
	Short: "Delete a message",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		conversationID, messageID := args[0], args[1]
		session, _, _ := newSession(conversationID)
		defer session.Close()

		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()

		if err := session.Delete(ctx, messageID); err != nil {
			return fmt.Errorf("delete failed: %w", err)
		}
		fmt.Println("Deleted.")
		return nil
	},
}

// ============================================================================
// chat watch
// ============================================================================

var chatWatchCmd = &cobra.Command{
	Use:   "watch <conversation-id>",
	Short: "Watch a conversation live",
	Long:  "Load recent history, then stream realtime message deltas until interrupted.",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		conversationID := args[0]
		client, cfg := getClient()
		kind := murmur.ConversationPrivate
		if chatGroup {
			kind = murmur.ConversationGroup
		}
		session := murmur.NewConversationSession(conversationID, kind, cfg.Auth.UserID, client,
			murmur.WithPageSize(chatWatchHistory))
		defer session.Close()

		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()

		if _, err := session.LoadOlder(ctx); err != nil {
			return fmt.Errorf("history fetch failed: %w", err)
		}
		for _, m := range session.Messages() {
			printMessage(m, cfg.Auth.UserID)
		}

		// Re-render on every structural change.
		seen := len(session.Messages())
		unsub := session.Subscribe(func(msgs []*murmur.Message) {
			for i := seen; i < len(msgs); i++ {
				printMessage(msgs[i], cfg.Auth.UserID)
			}
			if len(msgs) > seen {
				seen = len(msgs)
			}
		})
		defer unsub()

		rt := client.Realtime.Connect(&murmur.RealtimeConfig{AutoReconnect: true})
		if err := rt.Connect(ctx); err != nil {
			return fmt.Errorf("realtime connect failed: %w", err)
		}
		defer rt.Disconnect()

		if err := session.AttachRealtime(rt); err != nil {
			return fmt.Errorf("realtime attach failed: %w", err)
		}

		fmt.Fprintln(os.Stderr, "Watching. Press Ctrl-C to stop.")
		sig := make(chan os.Signal, 1)
		signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
		<-sig
		return nil
	},
}
