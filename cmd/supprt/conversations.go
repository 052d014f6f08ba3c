package main

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/spf13/cobra"
	supprt "github.com/supprt-io/supprt-go"
)

var (
	conversationsJSON bool

	messagesLimit int
	messagesJSON  bool

	sendConversationID string
)

func init() {
	rootCmd.AddCommand(conversationsCmd)
	conversationsCmd.Flags().BoolVar(&conversationsJSON, "json", false, "output raw JSON")

	rootCmd.AddCommand(messagesCmd)
	messagesCmd.Flags().IntVar(&messagesLimit, "limit", 50, "maximum messages to fetch")
	messagesCmd.Flags().BoolVar(&messagesJSON, "json", false, "output raw JSON")

	rootCmd.AddCommand(sendCmd)
	sendCmd.Flags().StringVarP(&sendConversationID, "conversation", "c", "", "conversation ID (omit to start a new conversation)")
}

// truncatePreview shortens a message preview to max runes, never splitting a
// multi-byte character.
func truncatePreview(s string, max int) string {
	r := []rune(s)
	if len(r) <= max {
		return s
	}
	return string(r[:max-3]) + "..."
}

var conversationsCmd = &cobra.Command{
	Use:   "conversations",
	Short: "List conversations for the current session",
	RunE: func(cmd *cobra.Command, args []string) error {
		client := getClient()

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		if _, err := initSession(ctx, client); err != nil {
			return err
		}

		conversations, err := client.GetConversations(ctx)
		if err != nil {
			return fmt.Errorf("request failed: %w", err)
		}

		if conversationsJSON {
			data, err := json.MarshalIndent(conversations, "", "  ")
			if err != nil {
				return err
			}
			fmt.Println(string(data))
			return nil
		}

		if len(conversations) == 0 {
			fmt.Println("No conversations yet.")
			return nil
		}

		for _, c := range conversations {
			marker := " "
			if c.HasUnread {
				marker = "*"
			}
			preview := ""
			if c.LastMessage != nil {
				preview = truncatePreview(c.LastMessage.Content, 60)
			}
			fmt.Printf("%s %s  [%s]  %s  %s\n", marker, c.ID, c.Status, c.UpdatedAt, preview)
		}
		return nil
	},
}

var messagesCmd = &cobra.Command{
	Use:   "messages <conversation-id>",
	Short: "Show messages in a conversation",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client := getClient()

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		if _, err := initSession(ctx, client); err != nil {
			return err
		}

		page, err := client.GetConversation(ctx, args[0], &supprt.PageOptions{Limit: messagesLimit})
		if err != nil {
			return fmt.Errorf("request failed: %w", err)
		}

		if messagesJSON {
			data, err := json.MarshalIndent(page, "", "  ")
			if err != nil {
				return err
			}
			fmt.Println(string(data))
			return nil
		}

		for _, m := range page.Conversation.Messages {
			sender := m.SenderName
			if sender == "" {
				sender = string(m.SenderType)
			}
			fmt.Printf("[%s] %s: %s\n", m.CreatedAt, sender, m.Content)
			for _, a := range m.Attachments {
				fmt.Printf("    attachment: %s (%s, %d bytes)\n", a.Filename, a.ContentType, a.Size)
			}
		}
		if page.HasMore {
			fmt.Println("(older messages not shown)")
		}
		return nil
	},
}

var sendCmd = &cobra.Command{
	Use:   "send <message>",
	Short: "Send a message",
	Long:  "Send a message to a conversation, or start a new conversation when no --conversation is given.",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client := getClient()

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		if _, err := initSession(ctx, client); err != nil {
			return err
		}

		if sendConversationID == "" {
			resp, err := client.CreateConversation(ctx, args[0], nil)
			if err != nil {
				return fmt.Errorf("request failed: %w", err)
			}
			fmt.Printf("Started conversation %s (message %s)\n", resp.Conversation.ID, resp.Message.ID)
			return nil
		}

		resp, err := client.SendMessage(ctx, sendConversationID, args[0], nil)
		if err != nil {
			return fmt.Errorf("request failed: %w", err)
		}
		fmt.Printf("Sent message %s\n", resp.Message.ID)
		return nil
	},
}
