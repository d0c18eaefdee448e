package main

import (
	"fmt"
	"os"

	teamline "github.com/teamline-hq/teamline-go"
)

// getClient creates a Teamline client authenticated with the stored token.
// Exits with a hint when the CLI has not been initialized.
func getClient() (*teamline.Client, *Config) {
	cfg, err := loadConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}
	if cfg.Auth.Token == "" {
		fmt.Fprintln(os.Stderr, "No token. Run 'teamline init <token> <email>' first.")
		os.Exit(1)
	}

	var opts []teamline.ClientOption
	if cfg.Default.BaseURL != "" {
		opts = append(opts, teamline.WithBaseURL(cfg.Default.BaseURL))
	}

	return teamline.NewClient(cfg.Auth.Token, opts...), cfg
}
