package main

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/spf13/cobra"
)

var (
	conversationsPage  int
	conversationsLimit int
	conversationsJSON  bool

	historyPage  int
	historyLimit int
	historyJSON  bool
)

func init() {
	rootCmd.AddCommand(conversationsCmd)
	conversationsCmd.Flags().IntVar(&conversationsPage, "page", 1, "Page number")
	conversationsCmd.Flags().IntVar(&conversationsLimit, "limit", 20, "Page size")
	conversationsCmd.Flags().BoolVar(&conversationsJSON, "json", false, "Output raw JSON")

	rootCmd.AddCommand(historyCmd)
	historyCmd.Flags().IntVar(&historyPage, "page", 1, "Page number")
	historyCmd.Flags().IntVar(&historyLimit, "limit", 20, "Page size")
	historyCmd.Flags().BoolVar(&historyJSON, "json", false, "Output raw JSON")
}

// ============================================================================
// conversations
// ============================================================================

var conversationsCmd = &cobra.Command{
	Use:   "conversations",
	Short: "List conversations",
	RunE: func(cmd *cobra.Command, args []string) error {
		client := getClient()

		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()

		page, err := client.GetConversations(ctx, conversationsPage, conversationsLimit)
		if err != nil {
			return fmt.Errorf("request failed: %w", err)
		}

		if conversationsJSON {
			data, err := json.MarshalIndent(page, "", "  ")
			if err != nil {
				return err
			}
			fmt.Println(string(data))
			return nil
		}

		if len(page.Conversations) == 0 {
			fmt.Println("No conversations found.")
			return nil
		}

		for _, c := range page.Conversations {
			marker := " "
			if c.UnreadCount > 0 {
				marker = fmt.Sprintf("(%d)", c.UnreadCount)
			}
			preview := ""
			if c.LastMessage != nil {
				preview = c.LastMessage.Content.Text
			}
			fmt.Printf("%-4s %-5s %-24s %s\n", marker, c.Type, c.Name, preview)
		}
		fmt.Printf("\n%d of %d conversations\n", len(page.Conversations), page.TotalCount)
		return nil
	},
}

// ============================================================================
// history
// ============================================================================

var historyCmd = &cobra.Command{
	Use:   "history <user:id|group:id>",
	Short: "Show message history for a conversation",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ref, err := parseRef(args[0])
		if err != nil {
			return err
		}
		client := getClient()

		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()

		messages, err := client.GetMessageHistory(ctx, ref, historyPage, historyLimit)
		if err != nil {
			return fmt.Errorf("request failed: %w", err)
		}

		if historyJSON {
			data, err := json.MarshalIndent(messages, "", "  ")
			if err != nil {
				return err
			}
			fmt.Println(string(data))
			return nil
		}

		if len(messages) == 0 {
			fmt.Println("No messages found.")
			return nil
		}

		for _, msg := range messages {
			body := msg.Content.Text
			if msg.Recalled {
				body = "[recalled]"
			}
			fmt.Printf("[%s] %s: %s\n", msg.CreatedAt.Format(time.RFC3339), msg.SenderID, body)
		}
		return nil
	},
}
