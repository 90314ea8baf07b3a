package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"
)

func init() {
	rootCmd.AddCommand(chatsCmd)
	rootCmd.AddCommand(unreadCmd)
}

var chatsCmd = &cobra.Command{
	Use:   "chats",
	Short: "List conversations",
	RunE: func(cmd *cobra.Command, args []string) error {
		client, self := getSignedInClient()

		ctx, cancel := context.WithTimeout(cmd.Context(), 30*time.Second)
		defer cancel()

		chats, err := client.Chats.List(ctx)
		if err != nil {
			return fmt.Errorf("failed to list chats: %w", err)
		}
		if len(chats) == 0 {
			fmt.Println("No chats yet.")
			return nil
		}

		for _, c := range chats {
			kind := "direct"
			if c.IsGroup {
				kind = fmt.Sprintf("group/%d", len(c.Participants))
			}
			last := "—"
			if c.LastMessage != nil {
				last = shorten(c.LastMessage.Content, 48)
			}
			fmt.Printf("%-24s  %-10s  %-20s  %s\n",
				c.ID, kind, shorten(c.DisplayName(self.ID), 20), last)
		}
		return nil
	},
}

var unreadCmd = &cobra.Command{
	Use:   "unread",
	Short: "Show the total unread count",
	RunE: func(cmd *cobra.Command, args []string) error {
		client, _ := getSignedInClient()

		ctx, cancel := context.WithTimeout(cmd.Context(), 30*time.Second)
		defer cancel()

		count, err := client.Chats.UnreadCount(ctx)
		if err != nil {
			return fmt.Errorf("failed to fetch unread count: %w", err)
		}
		fmt.Println(count)
		return nil
	},
}
