package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"
)

func init() {
	rootCmd.AddCommand(statusCmd)
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show current configuration and account status",
	Long:  "Display the current configuration and fetch a live conversation summary.",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}

		// Print config summary.
		fmt.Println("Configuration:")
		fmt.Printf("  Base URL: %s\n", valueOrDefault(cfg.Default.BaseURL, "(default)"))
		fmt.Printf("  Email:    %s\n", valueOrDefault(cfg.Auth.Email, "(not set)"))
		if cfg.Auth.Token != "" {
			fmt.Printf("  Token:    %s\n", maskKey(cfg.Auth.Token))
		} else {
			fmt.Println("  Token:    (not set)")
		}

		if cfg.Auth.Token == "" {
			return nil
		}

		client, _ := getClient()

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		convs, err := client.Conversations.List(ctx)
		if err != nil {
			fmt.Printf("\nLive status unavailable: %v\n", err)
			return nil
		}

		unread := 0
		online := 0
		for _, c := range convs {
			unread += c.UnreadCount
			if c.Counterpart != nil && c.Counterpart.Online {
				online++
			}
		}

		fmt.Println()
		fmt.Println("Live status:")
		fmt.Printf("  Conversations: %d\n", len(convs))
		fmt.Printf("  Unread total:  %d\n", unread)
		fmt.Printf("  Contacts online: %d\n", online)
		return nil
	},
}

// maskKey shows the first 12 and last 4 characters of a key.
func maskKey(key string) string {
	if len(key) < 8 {
		return "****"
	}
	if len(key) <= 16 {
		return key[:4] + "..." + key[len(key)-4:]
	}
	return key[:12] + "..." + key[len(key)-4:]
}

func valueOrDefault(val, def string) string {
	if val == "" {
		return def
	}
	return val
}
