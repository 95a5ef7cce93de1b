package main

import (
	"fmt"
	"os"

	murmur "github.com/murmurhq/murmur/sdk/golang"
)

// clientOptions builds client options from the stored configuration.
func clientOptions(cfg *Config) []murmur.ClientOption {
	var opts []murmur.ClientOption
	if cfg.Default.BaseURL != "" {
		opts = append(opts, murmur.WithBaseURL(cfg.Default.BaseURL))
	} else if cfg.Default.Environment != "" && cfg.Default.Environment != "production" {
		opts = append(opts, murmur.WithEnvironment(murmur.Environment(cfg.Default.Environment)))
	}
	return opts
}

// getClient creates a Murmur client authenticated with the stored token.
func getClient() (*murmur.Client, *Config) {
	cfg, err := loadConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}
	if cfg.Auth.Token == "" {
		fmt.Fprintln(os.Stderr, "Not authenticated. Run 'murmur register <username>' first.")
		os.Exit(1)
	}
	return murmur.NewClient(cfg.Auth.Token, clientOptions(cfg)...), cfg
}

// apiError formats a failed Result into an error.
func apiError(result *murmur.Result) error {
	if result.Error != nil {
		return fmt.Errorf("api error: %s: %s", result.Error.Code, result.Error.Message)
	}
	return fmt.Errorf("api error: unknown")
}

func valueOrDefault(val, def string) string {
	if val == "" {
		return def
	}
	return val
}

// maskToken shows the first 8 and last 4 characters of a token.
func maskToken(tok string) string {
	if len(tok) <= 12 {
		return "..."
	}
	return tok[:8] + "..." + tok[len(tok)-4:]
}
