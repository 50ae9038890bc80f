package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/jmylchreest/framebus/internal/config"
	"github.com/jmylchreest/framebus/internal/orchestrator"
	"github.com/jmylchreest/framebus/internal/version"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the framebus orchestrator",
	Long: `Start the framebus orchestrator.

The orchestrator:
- Consumes frame metadata from the ingest stream as a consumer-group member
- Routes frames to processor work queues by capability
- Tracks processor registration, heartbeats, and draining
- Serves the control-plane REST API with OpenAPI documentation at /docs`,
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)

	serveCmd.Flags().String("host", "", "Host to bind the control plane to")
	serveCmd.Flags().Int("port", 0, "Port for the control plane")
	serveCmd.Flags().String("stream-endpoint", "", "Stream endpoint URL (redis://host:port)")
}

func runServe(cmd *cobra.Command, _ []string) error {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	// CLI flags override config and environment only when explicitly set.
	if cmd.Flags().Changed("host") {
		cfg.Server.Host, _ = cmd.Flags().GetString("host")
	}
	if cmd.Flags().Changed("port") {
		cfg.Server.Port, _ = cmd.Flags().GetInt("port")
	}
	if cmd.Flags().Changed("stream-endpoint") {
		cfg.Stream.Endpoint, _ = cmd.Flags().GetString("stream-endpoint")
	}

	logger := slog.Default()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	orch, err := orchestrator.New(ctx, cfg, logger)
	if err != nil {
		return fmt.Errorf("starting orchestrator: %w", err)
	}

	logger.Info("starting framebus",
		slog.String("version", version.Version),
		slog.String("address", cfg.Server.Address()),
		slog.String("stream_endpoint", cfg.Stream.Endpoint),
	)

	return orch.Run(ctx)
}
