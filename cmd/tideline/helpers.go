package main

import (
	"fmt"
	"log/slog"
	"os"

	tideline "github.com/tideline-app/tideline-go"
)

// getClient creates a client from the stored configuration.
func getClient() *tideline.Client {
	cfg, err := loadConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}
	if cfg.Default.BaseURL == "" {
		fmt.Fprintln(os.Stderr, "No base URL. Run 'tideline init <url> <token>' first.")
		os.Exit(1)
	}
	if cfg.Auth.Token == "" {
		fmt.Fprintln(os.Stderr, "No auth token. Run 'tideline init <url> <token>' first.")
		os.Exit(1)
	}

	log := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))
	return tideline.NewClient(cfg.Default.BaseURL, cfg.Auth.Token, tideline.WithLogger(log))
}

// getUserID returns the configured user id, exiting when unset.
func getUserID() string {
	cfg, err := loadConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}
	if cfg.Auth.UserID == "" {
		fmt.Fprintln(os.Stderr, "No user id. Run 'tideline config set auth.user_id <id>' first.")
		os.Exit(1)
	}
	return cfg.Auth.UserID
}
