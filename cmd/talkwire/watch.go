package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	talkwire "github.com/TalkWire-IM/talkwire-go"
	"github.com/spf13/cobra"
)

func init() {
	rootCmd.AddCommand(watchCmd)
}

// watchCmd runs the full sync engine in the foreground and prints live
// events until interrupted. Useful for smoke-testing a deployment.
var watchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Stream live messages and presence to the terminal",
	RunE: func(cmd *cobra.Command, args []string) error {
		engine, cfg := getEngine()

		engine.SetNotify(func(msg talkwire.Message) {
			body := msg.Content.Text
			if len(msg.Content.Media) > 0 {
				body = fmt.Sprintf("%s [%d attachment(s)]", body, len(msg.Content.Media))
			}
			fmt.Printf("[%s] %s: %s\n", time.Now().Format("15:04:05"), msg.SenderID, body)
		})

		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()

		if err := engine.Start(ctx); err != nil {
			return fmt.Errorf("engine start failed: %w", err)
		}
		defer engine.Stop()

		fmt.Printf("Watching as %s. Press Ctrl-C to stop.\n", cfg.Auth.UserID)
		for _, c := range engine.Convs.Conversations() {
			fmt.Printf("  %-5s %-24s unread=%d\n", c.Type, c.Name, c.UnreadCount)
		}

		sig := make(chan os.Signal, 1)
		signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
		<-sig
		fmt.Println("\nStopping.")
		return nil
	},
}
