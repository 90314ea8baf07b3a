package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	chatsync "github.com/storysphere/chatsync-go"
)

func init() {
	rootCmd.AddCommand(groupCmd)
	groupCmd.AddCommand(groupCreateCmd)
	groupCmd.AddCommand(groupRenameCmd)
	groupCmd.AddCommand(groupAddCmd)
	groupCmd.AddCommand(groupRemoveCmd)
	groupCmd.AddCommand(groupLeaveCmd)
}

// groupSession builds a session seeded with the chat list, which the
// coordinator needs for its policy checks.
func groupSession(ctx context.Context) (*chatsync.Session, error) {
	client, self := getSignedInClient()
	session := chatsync.NewSession(client, self, nil)
	if _, err := session.Store.LoadConversations(ctx); err != nil {
		return nil, fmt.Errorf("failed to load chats: %w", err)
	}
	return session, nil
}

var groupCmd = &cobra.Command{
	Use:   "group",
	Short: "Manage group conversations",
}

var groupCreateCmd = &cobra.Command{
	Use:   "create <name> <user-id> <user-id> [user-id...]",
	Short: "Create a group chat (at least 2 other members)",
	Args:  cobra.MinimumNArgs(3),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := context.WithTimeout(cmd.Context(), 30*time.Second)
		defer cancel()

		session, err := groupSession(ctx)
		if err != nil {
			return err
		}
		conv, err := session.Groups.CreateGroup(ctx, args[0], args[1:])
		if err != nil {
			return fmt.Errorf("failed to create group: %w", err)
		}
		fmt.Printf("Created group %q (%s) with %d members\n", conv.GroupName, conv.ID, len(conv.Participants))
		return nil
	},
}

var groupRenameCmd = &cobra.Command{
	Use:   "rename <chat-id> <new-name>",
	Short: "Rename a group chat (admin only)",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := context.WithTimeout(cmd.Context(), 30*time.Second)
		defer cancel()

		session, err := groupSession(ctx)
		if err != nil {
			return err
		}
		conv, err := session.Groups.Rename(ctx, args[0], args[1])
		if err != nil {
			return fmt.Errorf("failed to rename group: %w", err)
		}
		fmt.Printf("Renamed group %s to %q\n", conv.ID, conv.GroupName)
		return nil
	},
}

var groupAddCmd = &cobra.Command{
	Use:   "add <chat-id> <user-id>",
	Short: "Add a member to a group chat",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := context.WithTimeout(cmd.Context(), 30*time.Second)
		defer cancel()

		session, err := groupSession(ctx)
		if err != nil {
			return err
		}
		conv, err := session.Groups.AddMember(ctx, args[0], args[1])
		if err != nil {
			return fmt.Errorf("failed to add member: %w", err)
		}
		fmt.Printf("Group %q now has %d members\n", conv.GroupName, len(conv.Participants))
		return nil
	},
}

var groupRemoveCmd = &cobra.Command{
	Use:   "remove <chat-id> <user-id>",
	Short: "Remove a member from a group chat (admin only)",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := context.WithTimeout(cmd.Context(), 30*time.Second)
		defer cancel()

		session, err := groupSession(ctx)
		if err != nil {
			return err
		}
		conv, err := session.Groups.RemoveMember(ctx, args[0], args[1])
		if err != nil {
			return fmt.Errorf("failed to remove member: %w", err)
		}
		fmt.Printf("Group %q now has %d members\n", conv.GroupName, len(conv.Participants))
		return nil
	},
}

var groupLeaveCmd = &cobra.Command{
	Use:   "leave <chat-id>",
	Short: "Leave a group chat",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := context.WithTimeout(cmd.Context(), 30*time.Second)
		defer cancel()

		session, err := groupSession(ctx)
		if err != nil {
			return err
		}
		if err := session.Groups.LeaveGroup(ctx, args[0]); err != nil {
			return fmt.Errorf("failed to leave group: %w", err)
		}
		fmt.Printf("Left group %s\n", args[0])
		return nil
	},
}
