package main

import (
	"context"
	"fmt"
	"strings"
	"time"

	murmur "github.com/murmurhq/murmur/sdk/golang"
	"github.com/spf13/cobra"
)

var (
	groupsCreateMembers string
	groupsListJSON      bool
)

func init() {
	groupsCreateCmd.Flags().StringVar(&groupsCreateMembers, "members", "", "Comma-separated user IDs to add")
	groupsListCmd.Flags().BoolVar(&groupsListJSON, "json", false, "Output raw JSON")

	groupsCmd.AddCommand(groupsCreateCmd)
	groupsCmd.AddCommand(groupsListCmd)
	groupsCmd.AddCommand(groupsAddCmd)
	groupsCmd.AddCommand(groupsRemoveCmd)
	rootCmd.AddCommand(groupsCmd)
}

var groupsCmd = &cobra.Command{
	Use:   "groups",
	Short: "Manage group conversations",
}

var groupsCreateCmd = &cobra.Command{
	Use:   "create <title>",
	Short: "Create a group conversation",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, _ := getClient()

		opts := &murmur.CreateGroupOptions{Title: args[0]}
		if groupsCreateMembers != "" {
			for _, m := range strings.Split(groupsCreateMembers, ",") {
				if m = strings.TrimSpace(m); m != "" {
					opts.Members = append(opts.Members, m)
				}
			}
		}

		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()

		result, err := client.Groups.Create(ctx, opts)
		if err != nil {
			return fmt.Errorf("request failed: %w", err)
		}
		if !result.OK {
			return apiError(result)
		}

		var conv murmur.Conversation
		if err := result.Decode(&conv); err != nil {
			return fmt.Errorf("failed to decode response: %w", err)
		}
		fmt.Printf("Group created: %s\n", conv.ID)
		return nil
	},
}

var groupsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List group conversations",
	RunE: func(cmd *cobra.Command, args []string) error {
		client, _ := getClient()

		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()

		result, err := client.Groups.List(ctx)
		if err != nil {
			return fmt.Errorf("request failed: %w", err)
		}
		if !result.OK {
			return apiError(result)
		}

		if groupsListJSON {
			fmt.Println(string(result.Data))
			return nil
		}

		var convs []murmur.Conversation
		if err := result.Decode(&convs); err != nil {
			return fmt.Errorf("failed to decode response: %w", err)
		}
		if len(convs) == 0 {
			fmt.Println("No groups.")
			return nil
		}
		for _, c := range convs {
			fmt.Printf("%s  %s\n", c.ID, c.Title)
		}
		return nil
	},
}

var groupsAddCmd = &cobra.Command{
	Use:   "add <group-id> <user-id>",
	Short: "Add a member to a group",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, _ := getClient()

		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()

		result, err := client.Groups.AddMember(ctx, args[0], args[1])
		if err != nil {
			return fmt.Errorf("request failed: %w", err)
		}
		if !result.OK {
			return apiError(result)
		}
		fmt.Println("Member added.")
		return nil
	},
}

var groupsRemoveCmd = &cobra.Command{
	Use:   "remove <group-id> <user-id>",
	Short: "Remove a member from a group",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, _ := getClient()

		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()

		result, err := client.Groups.RemoveMember(ctx, args[0], args[1])
		if err != nil {
			return fmt.Errorf("request failed: %w", err)
		}
		if !result.OK {
			return apiError(result)
		}
		fmt.Println("Member removed.")
		return nil
	},
}
