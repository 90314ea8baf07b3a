package main

import (
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/lmittmann/tint"

	chatsync "github.com/storysphere/chatsync-go"
)

// getSignedInClient creates a client from the stored token, along with the
// stored identity.
func getSignedInClient() (*chatsync.Client, chatsync.User) {
	cfg, err := loadConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}
	if cfg.Auth.Token == "" {
		fmt.Fprintln(os.Stderr, "Not signed in. Run 'chatsync init <token>' first.")
		os.Exit(1)
	}

	var opts []chatsync.ClientOption
	if cfg.Default.BaseURL != "" {
		opts = append(opts, chatsync.WithBaseURL(cfg.Default.BaseURL))
	}

	self := chatsync.User{ID: cfg.Auth.UserID, DisplayName: cfg.Auth.DisplayName}
	return chatsync.NewClient(cfg.Auth.Token, opts...), self
}

// newLogger builds a colorful terminal logger for live commands.
func newLogger(verbose bool) *slog.Logger {
	level := slog.LevelInfo
	if verbose {
		level = slog.LevelDebug
	}
	return slog.New(tint.NewHandler(os.Stderr, &tint.Options{
		Level:      level,
		TimeFormat: time.Kitchen,
	}))
}

// shorten trims s to max runes for one-line summaries.
func shorten(s string, max int) string {
	r := []rune(s)
	if len(r) <= max {
		return s
	}
	return string(r[:max-1]) + "…"
}
