// Command syncqueue runs and administers the offline-first sync operation queue.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/ereezyy/synai-sync/internal/config"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

const version = "0.1.0"

var (
	configPath string
	devMode    bool
	debug      bool
	logLevel   string

	// cfg is loaded once flags are parsed, before any subcommand runs
	cfg *config.Config
)

var rootCmd = &cobra.Command{
	Use:   "syncqueue",
	Short: "Offline-first sync operation queue",
	Long: `syncqueue records local mutations as durable operations and delivers
them to the sync backend in batches, retrying with backoff while offline.

Configuration is read from --config (JSON) and SYNCQ_* environment variables.`,
	Version:       version,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		var err error
		cfg, err = loadConfig()
		if err != nil {
			return fmt.Errorf("failed to load configuration: %w", err)
		}
		setupLogging(cfg)
		return nil
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "Path to configuration file (JSON)")
	rootCmd.PersistentFlags().BoolVar(&devMode, "dev", false, "Enable development mode (X-Debug-Sub instead of signed tokens)")
	rootCmd.PersistentFlags().BoolVar(&debug, "debug", false, "Enable debug logging")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "Log level (debug, info, warn, error)")

	rootCmd.AddGroup(
		&cobra.Group{ID: "run", Title: "Running:"},
		&cobra.Group{ID: "admin", Title: "Queue administration:"},
	)
}

// loadConfig loads the configuration from file and environment, then applies
// CLI flag overrides. Validation is left to the commands that need a backend.
func loadConfig() (*config.Config, error) {
	c, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}

	if devMode {
		c.DevMode = true
	}
	if debug {
		c.Debug = true
		// --debug implies debug logging unless a level was given explicitly
		if logLevel == "" {
			c.Log.Level = "debug"
		}
	}
	if logLevel != "" {
		c.Log.Level = logLevel
	}
	return c, nil
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		log.Error().Err(err).Msg("command failed")
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		stop()
		os.Exit(1)
	}
}
