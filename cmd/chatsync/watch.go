package main

import (
	"bufio"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	chatsync "github.com/storysphere/chatsync-go"
)

func init() {
	rootCmd.AddCommand(watchCmd)
	watchCmd.Flags().BoolVarP(&watchVerbose, "verbose", "v", false, "debug logging")
	watchCmd.Flags().BoolVar(&watchByTimestamp, "timestamp-order", false, "insert messages in timestamp order instead of arrival order")
}

var (
	watchVerbose     bool
	watchByTimestamp bool
)

var watchCmd = &cobra.Command{
	Use:   "watch <chat-id>",
	Short: "Follow a conversation live",
	Long:  "Open a conversation, print its history, and stream incoming messages.\nLines typed on stdin are sent to the conversation. Ctrl-C exits.",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		chatID := args[0]
		client, self := getSignedInClient()
		log := newLogger(watchVerbose)

		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		var storeOpts []chatsync.StoreOption
		if watchByTimestamp {
			storeOpts = append(storeOpts, chatsync.WithTimestampOrdering())
		}

		session := chatsync.NewSession(client, self, &chatsync.SessionOptions{
			Logger:       log,
			StoreOptions: storeOpts,
			OnUnreadChange: func(count int) {
				log.Info("unread count changed", "count", count)
			},
		})
		defer session.Close()

		session.Realtime().OnMessage(func(m chatsync.Message) {
			if m.ChatID != chatID {
				return
			}
			printMessage(m, self.ID)
		})

		if err := session.Start(ctx); err != nil {
			return fmt.Errorf("failed to start session: %w", err)
		}

		msgs, err := session.OpenConversation(ctx, chatID)
		if err != nil {
			return fmt.Errorf("failed to open conversation: %w", err)
		}
		if conv, ok := session.Store.Conversation(chatID); ok {
			log.Info("watching conversation", "name", conv.DisplayName(self.ID), "messages", len(msgs))
		}
		for _, m := range msgs {
			printMessage(m, self.ID)
		}

		// stdin lines become messages; optimistic send, echo renders it.
		go func() {
			scanner := bufio.NewScanner(os.Stdin)
			for scanner.Scan() {
				line := strings.TrimSpace(scanner.Text())
				if line == "" {
					continue
				}
				if err := session.SendMessage(ctx, line); err != nil {
					log.Warn("send failed", "err", err)
				}
			}
		}()

		<-ctx.Done()
		return nil
	},
}

func printMessage(m chatsync.Message, selfID string) {
	who := m.Sender.DisplayName
	if m.Sender.ID == selfID {
		who = "me"
	}
	fmt.Printf("[%s] %s: %s\n", m.CreatedAt.Local().Format(time.Kitchen), who, m.Content)
}
