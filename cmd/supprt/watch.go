package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"time"

	"github.com/spf13/cobra"
	supprt "github.com/supprt-io/supprt-go"
)

var watchSSE bool

func init() {
	rootCmd.AddCommand(watchCmd)
	watchCmd.Flags().BoolVar(&watchSSE, "sse", false, "use the SSE transport instead of WebSocket")
}

var watchCmd = &cobra.Command{
	Use:   "watch [conversation-id]",
	Short: "Stream live events",
	Long:  "Connect to the realtime channel and print incoming events until interrupted.\nWith a conversation ID, joins that conversation's room for typing indicators.",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client := getClient()

		ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
		defer cancel()

		initCtx, initCancel := context.WithTimeout(ctx, 10*time.Second)
		resp, err := initSession(initCtx, client)
		initCancel()
		if err != nil {
			return err
		}

		config := &supprt.RealtimeConfig{
			BaseURL: client.BaseURL(),
			Token:   resp.Token,
		}
		var rt supprt.Realtime
		if watchSSE {
			rt = supprt.NewRealtimeSSE(config)
		} else {
			rt = supprt.NewRealtimeWS(config)
		}

		rt.OnConnected(func() {
			fmt.Println("connected")
			if len(args) == 1 {
				if err := rt.Join(ctx, args[0]); err != nil {
					fmt.Fprintf(os.Stderr, "join failed: %v\n", err)
				}
			}
		})
		rt.OnReconnecting(func(attempt int, delay time.Duration) {
			fmt.Printf("reconnecting (attempt %d, next try in %s)\n", attempt, delay.Round(time.Millisecond))
		})
		rt.OnDisconnected(func() {
			fmt.Println("disconnected")
			cancel()
		})
		rt.OnMessage(func(ev supprt.MessageEvent) {
			sender := ev.Message.SenderName
			if sender == "" {
				sender = string(ev.Message.SenderType)
			}
			fmt.Printf("[%s] %s: %s\n", ev.ConversationID, sender, ev.Message.Content)
		})
		rt.OnConversation(func(ev supprt.ConversationEvent) {
			fmt.Printf("[%s] conversation %s\n", ev.ConversationID, ev.Status)
		})
		rt.OnTyping(func(ev supprt.TypingEvent) {
			if ev.IsTyping {
				fmt.Printf("[%s] agent is typing...\n", ev.ConversationID)
			}
		})

		rt.Connect(ctx)
		defer rt.Close()

		<-ctx.Done()
		return nil
	},
}
