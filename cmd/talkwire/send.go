package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	talkwire "github.com/TalkWire-IM/talkwire-go"
	"github.com/spf13/cobra"
)

var (
	sendReplyTo string
	sendFiles   []string
)

func init() {
	rootCmd.AddCommand(sendCmd)
	sendCmd.Flags().StringVar(&sendReplyTo, "reply-to", "", "Message id to reply to")
	sendCmd.Flags().StringArrayVar(&sendFiles, "file", nil, "Attach a file (repeatable)")

	rootCmd.AddCommand(markReadCmd)
	rootCmd.AddCommand(recallCmd)
}

// ============================================================================
// send
// ============================================================================

var sendCmd = &cobra.Command{
	Use:   "send <user:id|group:id> [message]",
	Short: "Send a message to a user or group",
	Args:  cobra.RangeArgs(1, 2),
	RunE: func(cmd *cobra.Command, args []string) error {
		ref, err := parseRef(args[0])
		if err != nil {
			return err
		}
		text := ""
		if len(args) == 2 {
			text = args[1]
		}
		if text == "" && len(sendFiles) == 0 {
			return fmt.Errorf("nothing to send: provide a message or --file")
		}

		client := getClient()

		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		var msg *talkwire.Message
		if len(sendFiles) > 0 {
			files, err := readMediaFiles(sendFiles)
			if err != nil {
				return err
			}
			if ref.Type == talkwire.ConversationGroup {
				msg, err = client.SendGroupMediaMessage(ctx, ref.ID, text, files)
			} else {
				msg, err = client.SendMediaMessage(ctx, ref.ID, text, files)
			}
			if err != nil {
				return fmt.Errorf("request failed: %w", err)
			}
		} else {
			if ref.Type == talkwire.ConversationGroup {
				msg, err = client.SendGroupTextMessage(ctx, ref.ID, text, sendReplyTo)
			} else {
				msg, err = client.SendTextMessage(ctx, ref.ID, text, sendReplyTo)
			}
			if err != nil {
				return fmt.Errorf("request failed: %w", err)
			}
		}

		fmt.Printf("Message sent\n")
		fmt.Printf("  Message ID: %s\n", msg.ID)
		fmt.Printf("  Created:    %s\n", msg.CreatedAt.Format(time.RFC3339))
		return nil
	},
}

func readMediaFiles(paths []string) ([]talkwire.MediaFile, error) {
	files := make([]talkwire.MediaFile, 0, len(paths))
	for _, p := range paths {
		data, err := os.ReadFile(p)
		if err != nil {
			return nil, fmt.Errorf("cannot read %s: %w", p, err)
		}
		files = append(files, talkwire.MediaFile{
			Name: filepath.Base(p),
			Data: data,
		})
	}
	return files, nil
}

// ============================================================================
// mark-read
// ============================================================================

var markReadCmd = &cobra.Command{
	Use:   "mark-read <user:id|group:id>",
	Short: "Mark all messages in a conversation as read",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ref, err := parseRef(args[0])
		if err != nil {
			return err
		}
		client := getClient()

		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()

		if err := client.MarkAllRead(ctx, ref); err != nil {
			return fmt.Errorf("request failed: %w", err)
		}
		fmt.Println("Conversation marked as read.")
		return nil
	},
}

// ============================================================================
// recall
// ============================================================================

var recallCmd = &cobra.Command{
	Use:   "recall <message-id>",
	Short: "Recall a sent message for everyone",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client := getClient()

		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()

		if _, err := client.RecallMessage(ctx, args[0]); err != nil {
			return fmt.Errorf("request failed: %w", err)
		}
		fmt.Println("Message recalled.")
		return nil
	},
}
