// Package cmd implements the CLI commands for framebus-procd.
package cmd

import (
	"os"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/jmylchreest/framebus/internal/config"
	"github.com/jmylchreest/framebus/internal/observability"
	"github.com/jmylchreest/framebus/internal/version"
)

// procdViper is a separate viper instance for procd configuration to avoid
// conflicts with the orchestrator configuration.
var procdViper = viper.New()

// rootCmd represents the base command when called without any subcommands.
var rootCmd = &cobra.Command{
	Use:     "framebus-procd",
	Short:   "Reference frame processor for framebus",
	Version: version.Short(),
	Long: `framebus-procd is a reference frame processor that connects to a
framebus orchestrator, consumes its assigned work queue, and publishes a
synthetic detection result for every frame.

Configuration is primarily via environment variables:
  FRAMEBUS_CONTROL_PLANE    - Orchestrator base URL (e.g. http://framebus:8002)
  FRAMEBUS_STREAM_ENDPOINT  - Stream endpoint URL (redis://host:port)
  FRAMEBUS_PROCESSOR_ID     - Processor identifier (default: hostname)
  FRAMEBUS_CAPABILITIES     - Comma-separated capability tags

Example:
  FRAMEBUS_CONTROL_PLANE=http://192.168.1.100:8002 \
  FRAMEBUS_STREAM_ENDPOINT=redis://192.168.1.100:6379 \
  FRAMEBUS_CAPABILITIES=face,object \
  framebus-procd serve`,
}

// Execute adds all child commands to the root command and sets flags appropriately.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.PersistentPreRunE = func(_ *cobra.Command, _ []string) error {
		return initLogging()
	}

	rootCmd.PersistentFlags().String("log-level", "info", "log level (trace, debug, info, warn, error)")
	rootCmd.PersistentFlags().String("log-format", "json", "log format (text, json)")
}

// initConfig reads environment variables for procd configuration.
func initConfig() {
	procdViper.SetEnvPrefix("FRAMEBUS")
	procdViper.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	procdViper.AutomaticEnv()

	setProcdDefaults()
}

// setProcdDefaults sets default values for procd configuration.
func setProcdDefaults() {
	hostname, _ := os.Hostname()
	procdViper.SetDefault("processor_id", hostname)
	procdViper.SetDefault("capabilities", "face")
	procdViper.SetDefault("capacity", 8)
	procdViper.SetDefault("workers", 4)
	procdViper.SetDefault("max_redeliveries", 5)

	procdViper.SetDefault("control_plane", "http://localhost:8002")
	procdViper.SetDefault("stream_endpoint", "redis://localhost:6379")
	procdViper.SetDefault("heartbeat_interval", "5s")

	// Synthetic processing latency per frame, parsed as a duration.
	procdViper.SetDefault("simulate_latency", "0s")
	// Cap on control-plane response bodies, parsed as a byte size.
	procdViper.SetDefault("max_response_size", "10MB")

	procdViper.SetDefault("logging.level", "info")
	procdViper.SetDefault("logging.format", "json")
}

// initLogging configures the slog logger for the daemon.
func initLogging() error {
	level := procdViper.GetString("logging.level")
	format := procdViper.GetString("logging.format")

	if rootCmd.PersistentFlags().Changed("log-level") {
		level, _ = rootCmd.PersistentFlags().GetString("log-level")
	}
	if rootCmd.PersistentFlags().Changed("log-format") {
		format, _ = rootCmd.PersistentFlags().GetString("log-format")
	}

	logCfg := config.LoggingConfig{
		Level:  strings.ToLower(level),
		Format: strings.ToLower(format),
	}
	if logCfg.Level == "warning" {
		logCfg.Level = "warn"
	}

	logger := observability.NewLoggerWithWriter(logCfg, os.Stderr)
	logger = observability.WithApp(logger, "framebus-procd")
	observability.SetDefault(logger)

	return nil
}
