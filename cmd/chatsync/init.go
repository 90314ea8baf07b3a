package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	chatsync "github.com/storysphere/chatsync-go"
)

func init() {
	rootCmd.AddCommand(initCmd)
}

var initBaseURL string

var initCmd = &cobra.Command{
	Use:   "init <token>",
	Short: "Store the auth token in ~/.chatsync/config.toml",
	Long:  "Initialize the chatsync CLI: verifies the token against the service and stores it with your identity.",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		token := args[0]

		cfg, err := loadConfig()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}
		if initBaseURL != "" {
			cfg.Default.BaseURL = initBaseURL
		}

		var opts []chatsync.ClientOption
		if cfg.Default.BaseURL != "" {
			opts = append(opts, chatsync.WithBaseURL(cfg.Default.BaseURL))
		}
		client := chatsync.NewClient(token, opts...)

		ctx, cancel := context.WithTimeout(cmd.Context(), 15*time.Second)
		defer cancel()
		me, err := client.Users.Me(ctx)
		if err != nil {
			return fmt.Errorf("token verification failed: %w", err)
		}

		cfg.Auth.Token = token
		cfg.Auth.UserID = me.ID
		cfg.Auth.DisplayName = me.DisplayName

		if err := saveConfig(cfg); err != nil {
			return fmt.Errorf("failed to save config: %w", err)
		}

		path, _ := configPath()
		fmt.Printf("Signed in as %s. Config saved to %s\n", me.DisplayName, path)
		return nil
	},
}

func init() {
	initCmd.Flags().StringVar(&initBaseURL, "base-url", "", "API origin to use (stored in config)")
}
