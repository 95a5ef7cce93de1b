package main

import (
	"context"
	"fmt"
	"time"

	murmur "github.com/murmurhq/murmur/sdk/golang"
	"github.com/spf13/cobra"
)

var (
	conversationsJSON bool
	openJSON          bool
)

func init() {
	conversationsCmd.Flags().BoolVar(&conversationsJSON, "json", false, "Output raw JSON")
	openCmd.Flags().BoolVar(&openJSON, "json", false, "Output raw JSON")
	rootCmd.AddCommand(conversationsCmd)
	rootCmd.AddCommand(openCmd)
	rootCmd.AddCommand(readCmd)
}

var conversationsCmd = &cobra.Command{
	Use:   "conversations",
	Short: "List conversations",
	RunE: func(cmd *cobra.Command, args []string) error {
		client, _ := getClient()

		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()

		result, err := client.Conversations.List(ctx)
		if err != nil {
			return fmt.Errorf("request failed: %w", err)
		}
		if !result.OK {
			return apiError(result)
		}

		if conversationsJSON {
			fmt.Println(string(result.Data))
			return nil
		}

		var convs []murmur.Conversation
		if err := result.Decode(&convs); err != nil {
			return fmt.Errorf("failed to decode response: %w", err)
		}

		if len(convs) == 0 {
			fmt.Println("No conversations.")
			return nil
		}
		for _, c := range convs {
			title := c.Title
			if title == "" {
				title = "(untitled)"
			}
			unread := ""
			if c.UnreadCount > 0 {
				unread = fmt.Sprintf("  [%d unread]", c.UnreadCount)
			}
			fmt.Printf("%s  %-7s %s%s\n", c.ID, c.Kind, title, unread)
		}
		return nil
	},
}

var openCmd = &cobra.Command{
	Use:   "open <user-id>",
	Short: "Open (or create) a private conversation with a user",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, _ := getClient()

		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()

		result, err := client.Conversations.CreatePrivate(ctx, args[0])
		if err != nil {
			return fmt.Errorf("request failed: %w", err)
		}
		if !result.OK {
			return apiError(result)
		}

		if openJSON {
			fmt.Println(string(result.Data))
			return nil
		}

		var conv murmur.Conversation
		if err := result.Decode(&conv); err != nil {
			return fmt.Errorf("failed to decode response: %w", err)
		}
		fmt.Printf("Conversation: %s\n", conv.ID)
		return nil
	},
}

var readCmd = &cobra.Command{
	Use:   "read <conversation-id>",
	Short: "Mark a conversation as read",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, _ := getClient()

		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()

		result, err := client.Conversations.MarkAsRead(ctx, args[0])
		if err != nil {
			return fmt.Errorf("request failed: %w", err)
		}
		if !result.OK {
			return apiError(result)
		}
		fmt.Println("Marked as read.")
		return nil
	},
}
