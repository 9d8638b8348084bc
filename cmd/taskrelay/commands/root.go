// Package commands implements the taskrelay CLI using cobra.
package commands

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"taskrelay/internal/config"
)

// Version is set at build time
var Version = "0.1.0"

const envPrefix = "TASKRELAY"

// settings resolves global flags with TASKRELAY_* environment overrides.
var settings = viper.New()

var rootCmd = &cobra.Command{
	Use:   "taskrelay",
	Short: "Background task registry and event relay",
	Long: `taskrelay keeps background tasks registered across restarts and routes
external deliveries (location fixes, geofence transitions, fetch wakeups)
to the task that asked for them.

Run the daemon with "taskrelay run"; hand it deliveries with "taskrelay deliver".`,
	Version:       Version,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
		return settings.BindPFlags(cmd.Flags())
	},
}

// Execute runs the root command
func Execute() {
	if err := rootCmd.ExecuteContext(context.Background()); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func init() {
	settings.SetEnvPrefix(envPrefix)
	settings.SetEnvKeyReplacer(strings.NewReplacer("-", "_", ".", "_"))
	settings.AutomaticEnv()

	rootCmd.PersistentFlags().StringP("config", "c", "./config.json", "Path to the config file (json, yaml or toml)")
	rootCmd.PersistentFlags().String("app", "", "Application id (default: app.id from the config)")
	_ = settings.BindPFlags(rootCmd.PersistentFlags())
}

func configPath() string {
	return settings.GetString("config")
}

// loadConfig reads and validates the config without watching it.
func loadConfig() (*config.Config, error) {
	cfg, err := config.NewConfigManager(configPath()).Load()
	if err != nil {
		return nil, fmt.Errorf("load config %s: %w", configPath(), err)
	}
	return cfg, nil
}

// appID is --app / TASKRELAY_APP, falling back to the config's app.id.
func appID(cfg *config.Config) string {
	if id := strings.TrimSpace(settings.GetString("app")); id != "" {
		return id
	}
	if cfg != nil {
		return cfg.App.ID
	}
	return ""
}
