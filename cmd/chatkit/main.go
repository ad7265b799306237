package main

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/joho/godotenv"
	toml "github.com/pelletier/go-toml/v2"
	"github.com/spf13/cobra"
)

// ============================================================================
// Config types
// ============================================================================

// Config represents the CLI configuration stored in ~/.chatkit/config.toml.
type Config struct {
	Default  ConfigDefault  `toml:"default"`
	Identity ConfigIdentity `toml:"identity"`
}

// ConfigDefault holds connection settings.
type ConfigDefault struct {
	BaseURL string `toml:"base_url"`
	Token   string `toml:"token"`
}

// ConfigIdentity holds who this CLI speaks as.
type ConfigIdentity struct {
	UserID   int64  `toml:"user_id"`
	Role     string `toml:"role"`
	SellerID int64  `toml:"seller_id"`
}

// ============================================================================
// Config helpers
// ============================================================================

// configDir returns the path to ~/.chatkit, creating it if needed.
func configDir() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("cannot determine home directory: %w", err)
	}
	dir := filepath.Join(home, ".chatkit")
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return "", fmt.Errorf("cannot create config directory: %w", err)
	}
	return dir, nil
}

// configPath returns the full path to the config file.
func configPath() (string, error) {
	dir, err := configDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "config.toml"), nil
}

// loadConfig reads and parses the config file. Environment variables
// CHATKIT_BASE_URL and CHATKIT_TOKEN override the file (a .env in the
// working directory is honored too).
func loadConfig() (*Config, error) {
	path, err := configPath()
	if err != nil {
		return nil, err
	}
	var cfg Config
	data, err := os.ReadFile(path)
	if err != nil {
		if !os.IsNotExist(err) {
			return nil, fmt.Errorf("cannot read config: %w", err)
		}
	} else if err := toml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("cannot parse config: %w", err)
	}

	if v := os.Getenv("CHATKIT_BASE_URL"); v != "" {
		cfg.Default.BaseURL = v
	}
	if v := os.Getenv("CHATKIT_TOKEN"); v != "" {
		cfg.Default.Token = v
	}
	return &cfg, nil
}

// saveConfig writes the config struct back to disk as TOML.
func saveConfig(cfg *Config) error {
	path, err := configPath()
	if err != nil {
		return err
	}
	data, err := toml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("cannot marshal config: %w", err)
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("cannot write config: %w", err)
	}
	return nil
}

// setConfigValue sets a config field using dot notation (e.g. "default.token").
func setConfigValue(cfg *Config, key, value string) error {
	parts := strings.SplitN(key, ".", 2)
	if len(parts) != 2 {
		return fmt.Errorf("key must use dot notation: section.field (e.g. default.token)")
	}
	section, field := parts[0], parts[1]

	switch section {
	case "default":
		switch field {
		case "base_url":
			cfg.Default.BaseURL = value
		case "token":
			cfg.Default.Token = value
		default:
			return fmt.Errorf("unknown field %q in section [default]", field)
		}
	case "identity":
		switch field {
		case "user_id":
			id, err := parseID(value)
			if err != nil {
				return err
			}
			cfg.Identity.UserID = id
		case "role":
			if value != "customer" && value != "seller" {
				return fmt.Errorf("role must be customer or seller")
			}
			cfg.Identity.Role = value
		case "seller_id":
			id, err := parseID(value)
			if err != nil {
				return err
			}
			cfg.Identity.SellerID = id
		default:
			return fmt.Errorf("unknown field %q in section [identity]", field)
		}
	default:
		return fmt.Errorf("unknown config section %q (valid: default, identity)", section)
	}
	return nil
}

// ============================================================================
// Root command
// ============================================================================

var rootCmd = &cobra.Command{
	Use:   "chatkit",
	Short: "ShopTanh chat CLI",
	Long:  "Command-line interface for the ShopTanh chat backend.\nTalk to a seller as a customer, or work the room list as a seller.",
}

func main() {
	_ = godotenv.Load()
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
