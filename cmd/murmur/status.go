package main

import (
	"context"
	"fmt"
	"time"

	murmur "github.com/murmurhq/murmur/sdk/golang"
	"github.com/spf13/cobra"
)

func init() {
	rootCmd.AddCommand(statusCmd)
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show current configuration and account status",
	Long:  "Display the current configuration, check if the stored token is expired, and fetch live account info.",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}

		fmt.Println("Configuration:")
		fmt.Printf("  Environment: %s\n", valueOrDefault(cfg.Default.Environment, "(not set)"))
		if cfg.Default.BaseURL != "" {
			fmt.Printf("  Base URL:    %s\n", cfg.Default.BaseURL)
		}

		fmt.Println()
		fmt.Println("Auth:")
		if cfg.Auth.Username != "" {
			fmt.Printf("  Username: %s\n", cfg.Auth.Username)
			fmt.Printf("  User ID:  %s\n", cfg.Auth.UserID)
		} else {
			fmt.Println("  Username: (not registered)")
		}

		tokenStatus := "none"
		if cfg.Auth.Token != "" {
			tokenStatus = maskToken(cfg.Auth.Token)
			if cfg.Auth.TokenExpires != "" {
				expires, err := time.Parse(time.RFC3339, cfg.Auth.TokenExpires)
				switch {
				case err != nil:
					tokenStatus += fmt.Sprintf(" (unparseable expiry: %s)", cfg.Auth.TokenExpires)
				case time.Now().Before(expires):
					tokenStatus += fmt.Sprintf(" (expires %s)", expires.Format(time.RFC3339))
				default:
					tokenStatus += fmt.Sprintf(" (EXPIRED %s)", expires.Format(time.RFC3339))
				}
			}
		}
		fmt.Printf("  Token:    %s\n", tokenStatus)

		if cfg.Auth.Token == "" {
			return nil
		}

		fmt.Println()
		fmt.Println("Live status:")

		client := murmur.NewClient(cfg.Auth.Token, clientOptions(cfg)...)

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		result, err := client.Account.Me(ctx)
		if err != nil {
			fmt.Printf("  Error fetching account info: %v\n", err)
			return nil
		}
		if !result.OK {
			fmt.Printf("  %v\n", apiError(result))
			return nil
		}

		var me murmur.Account
		if err := result.Decode(&me); err != nil {
			fmt.Printf("  Error decoding response: %v\n", err)
			return nil
		}

		fmt.Printf("  Username:     %s\n", me.Username)
		fmt.Printf("  Display Name: %s\n", me.DisplayName)
		fmt.Printf("  User ID:      %s\n", me.UserID)
		return nil
	},
}
