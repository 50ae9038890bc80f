package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/jmylchreest/framebus/internal/version"
	"github.com/jmylchreest/framebus/pkg/bytesize"
	"github.com/jmylchreest/framebus/pkg/duration"
	"github.com/jmylchreest/framebus/pkg/frame"
	"github.com/jmylchreest/framebus/pkg/httpclient"
	"github.com/jmylchreest/framebus/pkg/procclient"
	"github.com/jmylchreest/framebus/pkg/streamio"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the processor daemon",
	Long: `Start the processor daemon.

The daemon registers with the orchestrator, consumes its assigned work
queue, and publishes a synthetic detection result for every frame. Use
--simulate-latency to emulate a slower model for load testing.`,
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)

	serveCmd.Flags().String("processor-id", "", "Processor identifier (default: hostname)")
	serveCmd.Flags().String("capabilities", "", "Comma-separated capability tags")
	serveCmd.Flags().Int("capacity", 0, "Concurrent frames this processor can hold")
	serveCmd.Flags().Int("workers", 0, "Frame handler pool size")
	serveCmd.Flags().String("control-plane", "", "Orchestrator base URL")
	serveCmd.Flags().String("stream-endpoint", "", "Stream endpoint URL (redis://host:port)")
	serveCmd.Flags().String("simulate-latency", "", "Synthetic processing latency per frame (e.g. 50ms)")
}

func runServe(cmd *cobra.Command, _ []string) error {
	stringSetting := func(flag, key string) string {
		if cmd.Flags().Changed(flag) {
			v, _ := cmd.Flags().GetString(flag)
			return v
		}
		return procdViper.GetString(key)
	}
	intSetting := func(flag, key string) int {
		if cmd.Flags().Changed(flag) {
			v, _ := cmd.Flags().GetInt(flag)
			return v
		}
		return procdViper.GetInt(key)
	}

	processorID := stringSetting("processor-id", "processor_id")
	capabilities := splitCapabilities(stringSetting("capabilities", "capabilities"))
	endpoint := stringSetting("stream-endpoint", "stream_endpoint")

	latency, err := duration.Parse(stringSetting("simulate-latency", "simulate_latency"))
	if err != nil {
		return fmt.Errorf("parsing simulate_latency: %w", err)
	}
	heartbeat, err := duration.Parse(procdViper.GetString("heartbeat_interval"))
	if err != nil {
		return fmt.Errorf("parsing heartbeat_interval: %w", err)
	}
	maxResponse, err := bytesize.Parse(procdViper.GetString("max_response_size"))
	if err != nil {
		return fmt.Errorf("parsing max_response_size: %w", err)
	}

	logger := slog.Default()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	redisClient, err := streamio.Dial(ctx, streamio.Config{Endpoint: endpoint}, logger)
	if err != nil {
		return fmt.Errorf("connecting to stream endpoint: %w", err)
	}
	defer redisClient.Close()

	httpCfg := httpclient.DefaultConfig()
	httpCfg.Logger = logger
	httpCfg.UserAgent = "framebus-procd/" + version.Version
	httpCfg.MaxResponseSize = maxResponse.Int64()

	client, err := procclient.New(redisClient, procclient.Config{
		ProcessorID:       processorID,
		Capabilities:      capabilities,
		Capacity:          intSetting("capacity", "capacity"),
		ControlPlane:      stringSetting("control-plane", "control_plane"),
		HeartbeatInterval: heartbeat,
		Workers:           intSetting("workers", "workers"),
		MaxRedeliveries:   procdViper.GetInt64("max_redeliveries"),
		HTTP:              &httpCfg,
	}, logger)
	if err != nil {
		return err
	}

	logger.Info("starting framebus-procd",
		slog.String("version", version.Version),
		slog.String("processor_id", processorID),
		slog.String("capabilities", strings.Join(capabilities, ",")),
		slog.Duration("simulate_latency", latency),
	)

	return client.Run(ctx, syntheticHandler(processorID, capabilities, latency))
}

// syntheticHandler fabricates a detection result: zero detections, real
// timing. Enough to exercise the full frame lifecycle end to end.
func syntheticHandler(processorID string, capabilities []string, latency time.Duration) procclient.Handler {
	return func(ctx context.Context, d frame.Dispatch) (json.RawMessage, error) {
		if latency > 0 {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(latency):
			}
		}
		return json.Marshal(map[string]any{
			"processor_id": processorID,
			"capabilities": capabilities,
			"frame_id":     d.Frame.FrameID,
			"camera_id":    d.Frame.CameraID,
			"detections":   []any{},
			"synthetic":    true,
		})
	}
}

// splitCapabilities normalizes a comma-separated capability list.
func splitCapabilities(raw string) []string {
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.ToLower(strings.TrimSpace(p))
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}
