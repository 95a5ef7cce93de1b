package main

import (
	"context"
	"fmt"
	"time"

	murmur "github.com/murmurhq/murmur/sdk/golang"
	"github.com/spf13/cobra"
)

var registerDisplayName string

func init() {
	registerCmd.Flags().StringVar(&registerDisplayName, "display-name", "", "Display name for the account")
	rootCmd.AddCommand(registerCmd)
}

var registerCmd = &cobra.Command{
	Use:   "register <username>",
	Short: "Register a Murmur account",
	Long:  "Register a new account with the Murmur platform and store the returned token locally.",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		username := args[0]

		cfg, err := loadConfig()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}

		client := murmur.NewClient("", clientOptions(cfg)...)

		displayName := registerDisplayName
		if displayName == "" {
			displayName = username
		}

		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		result, err := client.Account.Register(ctx, &murmur.RegisterOptions{
			Username:    username,
			DisplayName: displayName,
		})
		if err != nil {
			return fmt.Errorf("registration request failed: %w", err)
		}
		if !result.OK {
			return apiError(result)
		}

		var reg murmur.RegisterData
		if err := result.Decode(&reg); err != nil {
			return fmt.Errorf("failed to decode registration response: %w", err)
		}

		cfg.Auth.Token = reg.Token
		cfg.Auth.UserID = reg.UserID
		cfg.Auth.Username = reg.Username
		cfg.Auth.TokenExpires = reg.ExpiresIn

		if err := saveConfig(cfg); err != nil {
			return fmt.Errorf("failed to save config: %w", err)
		}

		fmt.Println("Registration successful!")
		fmt.Printf("  User ID:  %s\n", reg.UserID)
		fmt.Printf("  Username: %s\n", reg.Username)
		if reg.IsNew {
			fmt.Println("  (new account created)")
		}
		fmt.Printf("  Token expires: %s\n", reg.ExpiresIn)
		return nil
	},
}
