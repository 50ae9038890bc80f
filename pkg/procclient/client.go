// Package procclient is the client library frame processors embed. It
// registers with the orchestrator control plane, heartbeats on an interval,
// consumes the processor's work queue, and publishes results.
package procclient

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"runtime"
	"strings"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/shirou/gopsutil/v4/process"

	"github.com/jmylchreest/framebus/pkg/frame"
	"github.com/jmylchreest/framebus/pkg/httpclient"
	"github.com/jmylchreest/framebus/pkg/streamio"
	"github.com/jmylchreest/framebus/pkg/tracectx"
)

// Errors returned by the client.
var (
	ErrNotRegistered = errors.New("procclient: processor not registered")
	ErrConfig        = errors.New("procclient: invalid configuration")
	ErrReadsFatal    = errors.New("procclient: work queue reads failing persistently")
)

// Default configuration values.
const (
	DefaultHeartbeatInterval = 5 * time.Second
	DefaultWorkers           = 4
	DefaultMaxRedeliveries   = 5
	DefaultBatchSize         = 16
	DefaultBlock             = time.Second
	DefaultClaimInterval     = 30 * time.Second
	DefaultClaimMinIdle      = time.Minute
	DefaultReadFatalAfter    = time.Minute

	// heartbeatReregisterAfter is how many consecutive heartbeat failures
	// trigger a fresh registration attempt.
	heartbeatReregisterAfter = 3
)

// Config holds the processor client configuration.
type Config struct {
	// ProcessorID uniquely identifies this processor instance.
	ProcessorID string
	// Capabilities are the detection capabilities this processor advertises.
	Capabilities []string
	// Capacity is how many frames the processor can hold concurrently.
	Capacity int

	// ControlPlane is the orchestrator base URL, e.g. "http://framebus:8002".
	ControlPlane string

	HeartbeatInterval time.Duration
	// Workers is the size of the frame handler pool.
	Workers int
	// MaxRedeliveries is the delivery count past which a frame is
	// dead-lettered instead of retried.
	MaxRedeliveries int64

	BatchSize     int
	Block         time.Duration
	ClaimInterval time.Duration
	// ClaimMinIdle is the idle threshold for reclaiming entries a previous
	// incarnation of this processor left pending.
	ClaimMinIdle time.Duration
	// ReadFatalAfter is how long work-queue reads may fail continuously
	// before Run gives up with ErrReadsFatal.
	ReadFatalAfter time.Duration

	// HTTP overrides the control-plane HTTP client configuration.
	HTTP *httpclient.Config
}

func (c *Config) withDefaults() Config {
	out := *c
	if out.HeartbeatInterval <= 0 {
		out.HeartbeatInterval = DefaultHeartbeatInterval
	}
	if out.Workers < 1 {
		out.Workers = DefaultWorkers
	}
	if out.MaxRedeliveries < 1 {
		out.MaxRedeliveries = DefaultMaxRedeliveries
	}
	if out.BatchSize < 1 {
		out.BatchSize = DefaultBatchSize
	}
	if out.Block <= 0 {
		out.Block = DefaultBlock
	}
	if out.ClaimInterval <= 0 {
		out.ClaimInterval = DefaultClaimInterval
	}
	if out.ClaimMinIdle <= 0 {
		out.ClaimMinIdle = DefaultClaimMinIdle
	}
	if out.ReadFatalAfter <= 0 {
		out.ReadFatalAfter = DefaultReadFatalAfter
	}
	return out
}

// Client connects one processor to the orchestrator.
type Client struct {
	cfg    Config
	logger *slog.Logger

	redis   *redis.Client
	http    *httpclient.Client
	results *streamio.Appender

	queueName atomic.Value // string
	inflight  atomic.Int64
	hbFails   atomic.Int32
}

// New builds a Client. redisClient is the stream endpoint connection shared
// with the handler.
func New(redisClient *redis.Client, cfg Config, logger *slog.Logger) (*Client, error) {
	if cfg.ProcessorID == "" {
		return nil, fmt.Errorf("%w: processor id required", ErrConfig)
	}
	if cfg.Capacity < 1 {
		return nil, fmt.Errorf("%w: capacity must be at least 1", ErrConfig)
	}
	if cfg.ControlPlane == "" {
		return nil, fmt.Errorf("%w: control plane URL required", ErrConfig)
	}
	if logger == nil {
		logger = slog.Default()
	}

	httpCfg := httpclient.DefaultConfig()
	if cfg.HTTP != nil {
		httpCfg = *cfg.HTTP
	}
	if httpCfg.Logger == nil {
		httpCfg.Logger = logger
	}
	if httpCfg.UserAgent == "" {
		httpCfg.UserAgent = "framebus-procclient/1.0"
	}

	return &Client{
		cfg:     cfg.withDefaults(),
		logger:  logger.With(slog.String("processor_id", cfg.ProcessorID)),
		redis:   redisClient,
		http:    httpclient.New(httpCfg),
		results: streamio.NewAppender(redisClient, frame.StreamResults, 0),
	}, nil
}

// QueueName returns the work queue assigned at registration, or "".
func (c *Client) QueueName() string {
	if v := c.queueName.Load(); v != nil {
		return v.(string)
	}
	return ""
}

// Inflight returns the number of frames currently held by handler workers.
func (c *Client) Inflight() int64 {
	return c.inflight.Load()
}

type registerRequest struct {
	ProcessorID  string   `json:"processor_id"`
	Capabilities []string `json:"capabilities"`
	Capacity     int      `json:"capacity"`
}

type registerResponse struct {
	QueueName string `json:"queue_name"`
}

type heartbeatStats struct {
	Hostname    string  `json:"hostname,omitempty"`
	PID         int     `json:"pid,omitempty"`
	CPUPercent  float64 `json:"cpu_percent,omitempty"`
	MemoryBytes int64   `json:"memory_bytes,omitempty"`
	Goroutines  int     `json:"goroutines,omitempty"`
}

type heartbeatRequest struct {
	Inflight     *int64          `json:"inflight,omitempty"`
	Capabilities []string        `json:"capabilities,omitempty"`
	Capacity     int             `json:"capacity,omitempty"`
	Stats        *heartbeatStats `json:"stats,omitempty"`
}

// Register announces the processor to the control plane and records the
// assigned queue name.
func (c *Client) Register(ctx context.Context) error {
	body := registerRequest{
		ProcessorID:  c.cfg.ProcessorID,
		Capabilities: c.cfg.Capabilities,
		Capacity:     c.cfg.Capacity,
	}
	var resp registerResponse
	status, err := c.postJSON(ctx, "/processors", body, &resp)
	if err != nil {
		return fmt.Errorf("procclient: register: %w", err)
	}
	if status != http.StatusOK {
		return fmt.Errorf("procclient: register: unexpected status %d", status)
	}
	c.queueName.Store(resp.QueueName)
	c.logger.Info("registered with orchestrator",
		slog.String("queue", resp.QueueName),
		slog.String("capabilities", strings.Join(c.cfg.Capabilities, ",")),
	)
	return nil
}

// heartbeat sends one liveness report. Heartbeats always carry capabilities
// and capacity so a restarted orchestrator re-registers the processor
// without a round trip.
func (c *Client) heartbeat(ctx context.Context) error {
	inflight := c.inflight.Load()
	body := heartbeatRequest{
		Inflight:     &inflight,
		Capabilities: c.cfg.Capabilities,
		Capacity:     c.cfg.Capacity,
		Stats:        collectStats(),
	}
	path := fmt.Sprintf("/processors/%s/heartbeat", c.cfg.ProcessorID)
	status, err := c.postJSON(ctx, path, body, nil)
	if err != nil {
		return err
	}
	if status == http.StatusNotFound {
		return ErrNotRegistered
	}
	if status != http.StatusOK {
		return fmt.Errorf("unexpected status %d", status)
	}
	return nil
}

// heartbeatLoop reports liveness until ctx is cancelled, re-registering
// after repeated failures.
func (c *Client) heartbeatLoop(ctx context.Context) {
	ticker := time.NewTicker(c.cfg.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := c.heartbeat(ctx); err != nil {
				if ctx.Err() != nil {
					return
				}
				fails := c.hbFails.Add(1)
				c.logger.Warn("heartbeat failed",
					slog.String("error", err.Error()),
					slog.Int("consecutive", int(fails)),
				)
				if errors.Is(err, ErrNotRegistered) || fails >= heartbeatReregisterAfter {
					if regErr := c.Register(ctx); regErr != nil {
						c.logger.Warn("re-registration failed", slog.String("error", regErr.Error()))
					} else {
						c.hbFails.Store(0)
					}
				}
				continue
			}
			c.hbFails.Store(0)
		}
	}
}

// Result publishes a FrameProcessed event to the result stream. The trace
// context active on ctx travels with the event. Handlers normally publish
// by returning a payload; Result is for emitting additional or out-of-band
// results.
func (c *Client) Result(ctx context.Context, frameID string, payload json.RawMessage) error {
	r := frame.Result{
		FrameID:      frameID,
		ProcessorID:  c.cfg.ProcessorID,
		Payload:      payload,
		TraceContext: tracectx.Inject(ctx),
	}
	values, err := r.Fields()
	if err != nil {
		return fmt.Errorf("procclient: result: %w", err)
	}
	if _, err := c.results.Append(ctx, values); err != nil {
		return fmt.Errorf("procclient: result: %w", err)
	}
	return nil
}

// Deregister asks the orchestrator to drain this processor.
func (c *Client) Deregister(ctx context.Context) error {
	url := c.cfg.ControlPlane + "/processors/" + c.cfg.ProcessorID
	req, err := http.NewRequestWithContext(ctx, http.MethodDelete, url, nil)
	if err != nil {
		return fmt.Errorf("procclient: deregister: %w", err)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("procclient: deregister: %w", err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)

	if resp.StatusCode != http.StatusNoContent && resp.StatusCode != http.StatusNotFound {
		return fmt.Errorf("procclient: deregister: unexpected status %d", resp.StatusCode)
	}
	c.logger.Info("deregistered from orchestrator")
	return nil
}

// postJSON posts body and decodes the response into out when non-nil.
// Status-level errors are left to the caller.
func (c *Client) postJSON(ctx context.Context, path string, body any, out any) (int, error) {
	payload, err := json.Marshal(body)
	if err != nil {
		return 0, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.ControlPlane+path, bytes.NewReader(payload))
	if err != nil {
		return 0, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()

	if out != nil && resp.StatusCode == http.StatusOK {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return resp.StatusCode, fmt.Errorf("decoding response: %w", err)
		}
	} else {
		io.Copy(io.Discard, resp.Body)
	}
	return resp.StatusCode, nil
}

// collectStats gathers host metrics for the heartbeat. Failures leave the
// corresponding field zero; stats are advisory.
func collectStats() *heartbeatStats {
	stats := &heartbeatStats{
		PID:        os.Getpid(),
		Goroutines: runtime.NumGoroutine(),
	}
	if host, err := os.Hostname(); err == nil {
		stats.Hostname = host
	}
	if proc, err := process.NewProcess(int32(os.Getpid())); err == nil {
		if cpu, err := proc.CPUPercent(); err == nil {
			stats.CPUPercent = cpu
		}
		if mem, err := proc.MemoryInfo(); err == nil && mem != nil {
			stats.MemoryBytes = int64(mem.RSS)
		}
	}
	return stats
}

// newReader builds the group reader for this processor's work queue.
func (c *Client) newReader() *streamio.GroupReader {
	return streamio.NewGroupReader(c.redis, c.QueueName(), frame.GroupProcessors, c.cfg.ProcessorID, int64(c.cfg.BatchSize), c.cfg.Block)
}
