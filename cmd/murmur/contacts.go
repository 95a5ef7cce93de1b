package main

import (
	"context"
	"fmt"
	"time"

	murmur "github.com/murmurhq/murmur/sdk/golang"
	"github.com/spf13/cobra"
)

var contactsJSON bool

func init() {
	contactsCmd.PersistentFlags().BoolVar(&contactsJSON, "json", false, "Output raw JSON")
	contactsCmd.AddCommand(contactsSearchCmd)
	rootCmd.AddCommand(contactsCmd)
}

func printContacts(result *murmur.Result) error {
	if contactsJSON {
		fmt.Println(string(result.Data))
		return nil
	}
	var contacts []murmur.Contact
	if err := result.Decode(&contacts); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	if len(contacts) == 0 {
		fmt.Println("No contacts.")
		return nil
	}
	for _, c := range contacts {
		name := c.DisplayName
		if name == "" {
			name = c.Username
		}
		fmt.Printf("%s  %s (@%s)\n", c.UserID, name, c.Username)
	}
	return nil
}

var contactsCmd = &cobra.Command{
	Use:   "contacts",
	Short: "List contacts",
	RunE: func(cmd *cobra.Command, args []string) error {
		client, _ := getClient()

		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()

		result, err := client.Contacts.List(ctx)
		if err != nil {
			return fmt.Errorf("request failed: %w", err)
		}
		if !result.OK {
			return apiError(result)
		}
		return printContacts(result)
	},
}

var contactsSearchCmd = &cobra.Command{
	Use:   "search <query>",
	Short: "Search the user directory",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, _ := getClient()

		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()

		result, err := client.Contacts.Search(ctx, args[0])
		if err != nil {
			return fmt.Errorf("request failed: %w", err)
		}
		if !result.OK {
			return apiError(result)
		}
		return printContacts(result)
	},
}
