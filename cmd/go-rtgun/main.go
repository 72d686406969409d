// go-rtgun: acoustic event localization for small microphone arrays
// Aligns per-mic recordings on a trigger instant, estimates TDOA with
// GCC-PHAT and solves for the bearing to the source.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/teslashibe/go-rtgun/internal/config"
)

var (
	version    = "0.3.0"
	configPath string
	debug      bool
)

// rootCmd represents the base command
var rootCmd = &cobra.Command{
	Use:   "go-rtgun",
	Short: "Locate impulsive sound events from synchronized microphone recordings",
	Long: `go-rtgun cuts a common time window around a trigger instant from every
microphone recording, estimates each microphone's arrival delay against a
reference with GCC-PHAT and converts the delays into a bearing.

Examples:
  go-rtgun simulate --azimuth 30
  go-rtgun sync --trigger 2025-09-16T11:00:00.5Z
  go-rtgun tdoa --trigger 2025-09-16T11:00:00.5Z --output yaml
  go-rtgun serve --config /etc/go-rtgun/config.yaml`,
	SilenceUsage: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "config.yaml", "config file path")
	rootCmd.PersistentFlags().BoolVar(&debug, "debug", false, "enable debug logging")

	rootCmd.AddCommand(syncCmd, tdoaCmd, simulateCmd, serveCmd, versionCmd)
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version and exit",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Fprintf(cmd.OutOrStdout(), "go-rtgun %s\n", version)
	},
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)

	err := rootCmd.ExecuteContext(ctx)
	stop()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// loadConfig loads and validates configuration and sets up logging
func loadConfig() (*config.Config, *slog.Logger, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, nil, err
	}

	// Override log level if debug flag is set
	if debug {
		cfg.Logging.Level = "debug"
	}

	logger := setupLogger(cfg.Logging)
	slog.SetDefault(logger)

	if err := cfg.Validate(); err != nil {
		return nil, nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, logger, nil
}

// setupLogger writes to stderr so command output on stdout stays parseable
func setupLogger(cfg config.LoggingConfig) *slog.Logger {
	var handler slog.Handler

	level := slog.LevelInfo
	switch cfg.Level {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}

	opts := &slog.HandlerOptions{Level: level}

	if cfg.Format == "json" {
		handler = slog.NewJSONHandler(os.Stderr, opts)
	} else {
		handler = slog.NewTextHandler(os.Stderr, opts)
	}

	return slog.New(handler)
}
