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
	Short: "Show current configuration and session status",
	Long:  "Display the current configuration and perform an init handshake to verify the public key and fetch project info.",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}

		// Print config summary.
		fmt.Println("Configuration:")
		if cfg.Default.PublicKey != "" {
			fmt.Printf("  Public Key: %s\n", maskKey(cfg.Default.PublicKey))
		} else {
			fmt.Println("  Public Key: (not set)")
		}
		if cfg.Default.BaseURL != "" {
			fmt.Printf("  Base URL:   %s\n", cfg.Default.BaseURL)
		}

		fmt.Println()
		fmt.Println("Identity:")
		if cfg.User.Email != "" {
			fmt.Printf("  Email: %s\n", cfg.User.Email)
			if cfg.User.Name != "" {
				fmt.Printf("  Name:  %s\n", cfg.User.Name)
			}
		} else {
			fmt.Println("  (anonymous fingerprint session)")
		}

		if cfg.Default.PublicKey == "" {
			return nil
		}

		fmt.Println()
		fmt.Println("Live status:")

		client := getClient()

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		resp, err := initSession(ctx, client)
		if err != nil {
			fmt.Printf("  Error: %v\n", err)
			return nil
		}

		fmt.Printf("  Project:       %s\n", resp.Project.Name)
		if resp.Project.AgentName != "" {
			fmt.Printf("  Agent:         %s\n", resp.Project.AgentName)
		}
		fmt.Printf("  End User ID:   %s\n", resp.EndUser.ID)
		fmt.Printf("  Conversations: %d\n", len(resp.Conversations))

		unread := 0
		for _, c := range resp.Conversations {
			if c.HasUnread {
				unread++
			}
		}
		fmt.Printf("  Unread:        %d\n", unread)
		return nil
	},
}

// maskKey shows the first 12 and last 4 characters of a key.
func maskKey(key string) string {
	if len(key) <= 16 {
		return key[:4] + "..." + key[len(key)-4:]
	}
	return key[:12] + "..." + key[len(key)-4:]
}
