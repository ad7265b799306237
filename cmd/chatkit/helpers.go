package main

import (
	"fmt"
	"os"
	"strconv"

	chatkit "github.com/shoptanh/chatkit"
)

// parseID parses a decimal account or room id.
func parseID(s string) (int64, error) {
	id, err := strconv.ParseInt(s, 10, 64)
	if err != nil || id <= 0 {
		return 0, fmt.Errorf("invalid id %q", s)
	}
	return id, nil
}

// getClient creates a chat backend client from the stored configuration.
func getClient() (*chatkit.Client, *Config) {
	cfg, err := loadConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}
	if cfg.Default.Token == "" {
		fmt.Fprintln(os.Stderr, "No token. Run 'chatkit init <token>' first.")
		os.Exit(1)
	}
	if cfg.Default.BaseURL == "" {
		fmt.Fprintln(os.Stderr, "No base URL. Run 'chatkit config set default.base_url <url>' first.")
		os.Exit(1)
	}
	if cfg.Identity.UserID == 0 {
		fmt.Fprintln(os.Stderr, "No identity. Run 'chatkit config set identity.user_id <id>' first.")
		os.Exit(1)
	}
	return chatkit.NewClient(cfg.Default.BaseURL, cfg.Default.Token), cfg
}

// fmtState renders a connection state for the status line.
func fmtState(st chatkit.SocketState, err error) string {
	if err != nil {
		return fmt.Sprintf("%s (%v)", st, err)
	}
	return string(st)
}
