package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var initTenant string

func init() {
	initCmd.Flags().StringVar(&initTenant, "tenant", "", "Business account (tenant) id")
	rootCmd.AddCommand(initCmd)

	rootCmd.AddCommand(configCmd)
	configCmd.AddCommand(configShowCmd)
	configCmd.AddCommand(configSetCmd)
}

var initCmd = &cobra.Command{
	Use:   "init <api-key>",
	Short: "Store API key in ~/.inbox/config.toml",
	Long:  "Initialize the inbox CLI by storing your API key in the local configuration file.",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}

		cfg.Default.APIKey = args[0]
		if initTenant != "" {
			cfg.Default.Tenant = initTenant
		}
		if cfg.Session.Realtime == "" {
			cfg.Session.Realtime = "ws"
		}

		if err := saveConfig(cfg); err != nil {
			return fmt.Errorf("failed to save config: %w", err)
		}

		path, _ := configPath()
		fmt.Printf("API key saved to %s\n", path)
		return nil
	},
}

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Manage inbox configuration",
	Long:  "View or modify the inbox CLI configuration stored in ~/.inbox/config.toml.",
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Print the current configuration file",
	RunE: func(cmd *cobra.Command, args []string) error {
		path, err := configPath()
		if err != nil {
			return err
		}
		data, err := os.ReadFile(path)
		if err != nil {
			if os.IsNotExist(err) {
				fmt.Println("No configuration file found. Run 'inboxctl init <api-key>' to create one.")
				return nil
			}
			return fmt.Errorf("cannot read config file: %w", err)
		}
		fmt.Print(string(data))
		return nil
	},
}

var configSetCmd = &cobra.Command{
	Use:   "set <key> <value>",
	Short: "Set a configuration value",
	Long:  "Set a configuration value using dot notation.\nExample: inboxctl config set session.prefs_dsn sqlite:///var/lib/inbox/prefs.db",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		key, value := args[0], args[1]

		cfg, err := loadConfig()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}
		if err := setConfigValue(cfg, key, value); err != nil {
			return err
		}
		if err := saveConfig(cfg); err != nil {
			return fmt.Errorf("failed to save config: %w", err)
		}

		fmt.Printf("Set %s = %s\n", key, value)
		return nil
	},
}
