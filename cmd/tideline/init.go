package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	tideline "github.com/tideline-app/tideline-go"
)

var initUserID string

func init() {
	initCmd.Flags().StringVar(&initUserID, "user", "", "user id to act as")
	rootCmd.AddCommand(initCmd)
}

var initCmd = &cobra.Command{
	Use:   "init <base-url> <token>",
	Short: "Initialize the CLI configuration",
	Long:  "Store the project URL and auth token in ~/.tideline/config.toml\nand verify them with a probe query.",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		baseURL, token := args[0], args[1]

		client := tideline.NewClient(baseURL, token)
		if _, err := client.Posts().List(context.Background(), 1); err != nil {
			return fmt.Errorf("credentials check failed: %w", err)
		}

		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		cfg.Default.BaseURL = baseURL
		cfg.Auth.Token = token
		if initUserID != "" {
			cfg.Auth.UserID = initUserID
		}
		if err := saveConfig(cfg); err != nil {
			return err
		}

		path, _ := configPath()
		fmt.Printf("Configuration written to %s\n", path)
		return nil
	},
}
