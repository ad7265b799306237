package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

var (
	initBaseURL string
	initUserID  int64
	initRole    string
)

func init() {
	rootCmd.AddCommand(initCmd)
	initCmd.Flags().StringVar(&initBaseURL, "base-url", "", "storefront API origin (e.g. https://shop.example.com)")
	initCmd.Flags().Int64Var(&initUserID, "user-id", 0, "account id this CLI speaks as")
	initCmd.Flags().StringVar(&initRole, "role", "customer", "customer or seller")
}

var initCmd = &cobra.Command{
	Use:   "init <token>",
	Short: "Store credentials in ~/.chatkit/config.toml",
	Long:  "Initialize the chatkit CLI by storing the bearer token and identity in the local configuration file.",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		token := args[0]

		cfg, err := loadConfig()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}

		cfg.Default.Token = token
		if initBaseURL != "" {
			cfg.Default.BaseURL = initBaseURL
		}
		if initUserID != 0 {
			cfg.Identity.UserID = initUserID
		}
		if initRole != "" {
			if initRole != "customer" && initRole != "seller" {
				return fmt.Errorf("role must be customer or seller")
			}
			cfg.Identity.Role = initRole
		}

		if err := saveConfig(cfg); err != nil {
			return fmt.Errorf("failed to save config: %w", err)
		}

		path, _ := configPath()
		fmt.Printf("Credentials saved to %s\n", path)
		return nil
	},
}
