// Package config provides configuration management for framebus using Viper.
// It supports configuration from files, environment variables, and defaults.
package config

import (
	"errors"
	"fmt"
	"reflect"
	"strings"
	"time"

	"github.com/go-viper/mapstructure/v2"
	"github.com/spf13/viper"

	"github.com/jmylchreest/framebus/pkg/duration"
)

// Default configuration values.
const (
	defaultHTTPPort           = 8002
	defaultServerTimeout      = 30 * time.Second
	defaultHandlerTimeout     = 5 * time.Second
	defaultShutdownGrace      = 30 * time.Second
	defaultDialTimeout        = 5 * time.Second
	defaultConnectAttempts    = 10
	defaultConnectBackoff     = 100 * time.Millisecond
	defaultConnectBackoffMax  = 5 * time.Second
	defaultBatchSize          = 64
	defaultBlockMS            = 1000
	defaultPELReclaimMS       = 60_000
	defaultPELMax             = 100_000
	defaultPELPausePct        = 80
	defaultDelayRetryInterval = 500 * time.Millisecond
	defaultReadFatalAfter     = 60 * time.Second
	defaultClaimInterval      = 30 * time.Second
	defaultWriteRetries       = 3
	defaultWriteBackoff       = 100 * time.Millisecond
	defaultRouteTimeout       = 2 * time.Second
	defaultSoftOverflow       = 1.0
	defaultHardOverflow       = 2.0
	defaultQueueBound         = 10_000
	defaultDLQBound           = 1_000
	defaultResultBound        = 100_000
	defaultHeartbeatInterval  = 5 * time.Second
	defaultUnhealthyAfter     = 30 * time.Second
	defaultEvictAfter         = 5 * time.Minute
	defaultSweepInterval      = 5 * time.Second
	defaultFailureThreshold   = 5
	defaultMaxProcessors      = 1024
	defaultSampleInterval     = time.Second
	defaultSpillPriority      = 7
)

// Empty-predicate routing policies.
const (
	EmptyPredicateBroadcast = "broadcast"
	EmptyPredicateDrop      = "drop"
)

// Config holds all configuration for the orchestrator.
type Config struct {
	Server       ServerConfig       `mapstructure:"server"`
	Stream       StreamConfig       `mapstructure:"stream"`
	Ingest       IngestConfig       `mapstructure:"ingest"`
	Router       RouterConfig       `mapstructure:"router"`
	Queues       QueuesConfig       `mapstructure:"queues"`
	Registry     RegistryConfig     `mapstructure:"registry"`
	Backpressure BackpressureConfig `mapstructure:"backpressure"`
	Maintenance  MaintenanceConfig  `mapstructure:"maintenance"`
	Logging      LoggingConfig      `mapstructure:"logging"`
	Telemetry    TelemetryConfig    `mapstructure:"telemetry"`
}

// ServerConfig holds control-plane HTTP server configuration.
type ServerConfig struct {
	Host           string        `mapstructure:"host"`
	Port           int           `mapstructure:"port"`
	ReadTimeout    time.Duration `mapstructure:"read_timeout"`
	WriteTimeout   time.Duration `mapstructure:"write_timeout"`
	HandlerTimeout time.Duration `mapstructure:"handler_timeout"`
	ShutdownGrace  time.Duration `mapstructure:"shutdown_grace"`
	CORSOrigins    []string      `mapstructure:"cors_origins"`
}

// StreamConfig holds the stream endpoint connection configuration.
type StreamConfig struct {
	Endpoint          string        `mapstructure:"endpoint"`
	Password          string        `mapstructure:"password" masq:"secret"`
	DialTimeout       time.Duration `mapstructure:"dial_timeout"`
	ConnectAttempts   int           `mapstructure:"connect_attempts"`
	ConnectBackoff    time.Duration `mapstructure:"connect_backoff"`
	ConnectBackoffMax time.Duration `mapstructure:"connect_backoff_max"`
}

// IngestConfig holds the ingest stream consumer configuration.
type IngestConfig struct {
	Stream             string        `mapstructure:"stream"`
	Group              string        `mapstructure:"group"`
	Consumer           string        `mapstructure:"consumer"` // empty = derived from hostname
	BatchSize          int           `mapstructure:"batch_size"`
	BlockMS            int           `mapstructure:"block_ms"`
	PELReclaimMS       int           `mapstructure:"pel_reclaim_ms"`
	PELMax             int64         `mapstructure:"pel_max"`
	PELPausePct        int           `mapstructure:"pel_pause_pct"`
	DelayRetryInterval time.Duration `mapstructure:"delay_retry_interval"`
	ReadFatalAfter     time.Duration `mapstructure:"read_fatal_after"`
	ClaimInterval      time.Duration `mapstructure:"claim_interval"`
}

// Block returns the read block timeout as a duration.
func (c *IngestConfig) Block() time.Duration {
	return time.Duration(c.BlockMS) * time.Millisecond
}

// PELReclaim returns the idle threshold for reclaiming abandoned entries.
func (c *IngestConfig) PELReclaim() time.Duration {
	return time.Duration(c.PELReclaimMS) * time.Millisecond
}

// PauseThreshold returns the PEL depth at which ingest reads pause.
func (c *IngestConfig) PauseThreshold() int64 {
	return c.PELMax * int64(c.PELPausePct) / 100
}

// RouterConfig holds frame routing configuration.
type RouterConfig struct {
	Concurrency        int           `mapstructure:"concurrency"` // 0 = number of CPUs
	WriteRetries       int           `mapstructure:"write_retries"`
	WriteBackoff       time.Duration `mapstructure:"write_backoff"`
	RouteTimeout       time.Duration `mapstructure:"route_timeout"`
	SoftOverflowFactor float64       `mapstructure:"soft_overflow_factor"`
	EmptyPredicate     string        `mapstructure:"empty_predicate"` // broadcast, drop
}

// QueuesConfig holds work-queue bounds.
type QueuesConfig struct {
	BoundDefault int64 `mapstructure:"bound_default"`
	DLQBound     int64 `mapstructure:"dlq_bound"`
	ResultBound  int64 `mapstructure:"result_bound"`
}

// RegistryConfig holds processor lifecycle configuration.
type RegistryConfig struct {
	HeartbeatInterval  time.Duration `mapstructure:"heartbeat_interval"`
	UnhealthyAfter     time.Duration `mapstructure:"unhealthy_after"`
	EvictAfter         time.Duration `mapstructure:"evict_after"`
	SweepInterval      time.Duration `mapstructure:"sweep_interval"`
	FailureThreshold   int           `mapstructure:"failure_threshold"`
	HardOverflowFactor float64       `mapstructure:"hard_overflow_factor"`
	MaxProcessors      int           `mapstructure:"max_processors"`
}

// BackpressureConfig holds admission policy configuration.
type BackpressureConfig struct {
	SampleInterval time.Duration `mapstructure:"sample_interval"`
	SpillPriority  int           `mapstructure:"spill_priority"` // priority at or above which saturation spills
}

// MaintenanceConfig holds the scheduled janitor configuration.
type MaintenanceConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Cron    string `mapstructure:"cron"` // 6-field cron expression
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level      string `mapstructure:"level"`  // trace, debug, info, warn, error
	Format     string `mapstructure:"format"` // json, text
	AddSource  bool   `mapstructure:"add_source"`
	TimeFormat string `mapstructure:"time_format"`
}

// TelemetryConfig holds trace export configuration.
type TelemetryConfig struct {
	ServiceName      string  `mapstructure:"service_name"`
	TraceEndpoint    string  `mapstructure:"trace_endpoint"` // empty = spans not exported
	TraceSampleRatio float64 `mapstructure:"trace_sample_ratio"`
	TraceInsecure    bool    `mapstructure:"trace_insecure"`
}

// specEnvAliases maps config keys to the bare environment names recognized
// alongside the FRAMEBUS_-prefixed forms. The prefixed form wins when both
// are set.
var specEnvAliases = map[string]string{
	"stream.endpoint":               "STREAM_ENDPOINT",
	"ingest.stream":                 "INGEST_STREAM",
	"ingest.group":                  "CONSUMER_GROUP",
	"ingest.consumer":               "CONSUMER_ID",
	"ingest.block_ms":               "BLOCK_MS",
	"ingest.pel_reclaim_ms":         "PEL_RECLAIM_MS",
	"ingest.pel_max":                "PEL_MAX",
	"ingest.pel_pause_pct":          "PEL_PAUSE_PCT",
	"router.concurrency":            "ROUTER_CONCURRENCY",
	"router.soft_overflow_factor":   "SOFT_OVERFLOW_FACTOR",
	"router.write_retries":          "WRITE_RETRIES",
	"router.route_timeout":          "ROUTE_TIMEOUT",
	"router.empty_predicate":        "ROUTE_EMPTY_PREDICATE",
	"queues.bound_default":          "QUEUE_BOUND_DEFAULT",
	"registry.hard_overflow_factor": "HARD_OVERFLOW_FACTOR",
	"registry.heartbeat_interval":   "HEARTBEAT_INTERVAL",
	"registry.unhealthy_after":      "UNHEALTHY_AFTER",
	"registry.evict_after":          "EVICT_AFTER",
	"registry.failure_threshold":    "FAILURE_THRESHOLD",
	"server.shutdown_grace":         "SHUTDOWN_GRACE",
	"server.port":                   "HTTP_PORT",
}

// Load reads configuration from file and environment variables.
// Environment variables take precedence over file configuration.
// Environment variables are prefixed with FRAMEBUS_ and use underscores for
// nesting (FRAMEBUS_SERVER_PORT=8002); the short operational names listed
// in specEnvAliases (STREAM_ENDPOINT, HTTP_PORT, ...) are honored as well.
func Load(configPath string) (*Config, error) {
	v := viper.New()

	// Set defaults
	SetDefaults(v)

	// Config file settings
	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("./configs")
		v.AddConfigPath("/etc/framebus")
		v.AddConfigPath("$HOME/.framebus")
	}

	// Environment variable settings
	v.SetEnvPrefix("FRAMEBUS")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	for key, alias := range specEnvAliases {
		prefixed := "FRAMEBUS_" + strings.ToUpper(strings.ReplaceAll(key, ".", "_"))
		if err := v.BindEnv(key, prefixed, alias); err != nil {
			return nil, fmt.Errorf("binding env for %s: %w", key, err)
		}
	}

	// Read config file (ignore if not found)
	if err := v.ReadInConfig(); err != nil {
		var configFileNotFoundError viper.ConfigFileNotFoundError
		if !errors.As(err, &configFileNotFoundError) {
			return nil, fmt.Errorf("reading config file: %w", err)
		}
		// Config file not found is OK - we'll use defaults and env vars
	}

	var cfg Config
	if err := v.Unmarshal(&cfg, viper.DecodeHook(decodeHook())); err != nil {
		return nil, fmt.Errorf("unmarshaling config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return &cfg, nil
}

// decodeHook extends the default viper hooks with human-readable duration
// parsing, so "90 seconds" and "2 weeks" work anywhere a duration is
// expected.
func decodeHook() mapstructure.DecodeHookFunc {
	return mapstructure.ComposeDecodeHookFunc(
		stringToDurationHook(),
		mapstructure.StringToSliceHookFunc(","),
	)
}

func stringToDurationHook() mapstructure.DecodeHookFuncType {
	durationType := reflect.TypeOf(time.Duration(0))
	return func(from reflect.Type, to reflect.Type, data any) (any, error) {
		if from.Kind() != reflect.String || to != durationType {
			return data, nil
		}
		return duration.Parse(data.(string))
	}
}

// SetDefaults configures default values for all configuration options.
// This should be called before reading the config file to ensure defaults are in place.
func SetDefaults(v *viper.Viper) {
	// Server defaults
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", defaultHTTPPort)
	v.SetDefault("server.read_timeout", defaultServerTimeout)
	v.SetDefault("server.write_timeout", defaultServerTimeout)
	v.SetDefault("server.handler_timeout", defaultHandlerTimeout)
	v.SetDefault("server.shutdown_grace", defaultShutdownGrace)
	v.SetDefault("server.cors_origins", []string{"*"})

	// Stream endpoint defaults
	v.SetDefault("stream.endpoint", "redis://localhost:6379")
	v.SetDefault("stream.password", "")
	v.SetDefault("stream.dial_timeout", defaultDialTimeout)
	v.SetDefault("stream.connect_attempts", defaultConnectAttempts)
	v.SetDefault("stream.connect_backoff", defaultConnectBackoff)
	v.SetDefault("stream.connect_backoff_max", defaultConnectBackoffMax)

	// Ingest defaults
	v.SetDefault("ingest.stream", "frames:metadata")
	v.SetDefault("ingest.group", "frame-buffer-group")
	v.SetDefault("ingest.consumer", "")
	v.SetDefault("ingest.batch_size", defaultBatchSize)
	v.SetDefault("ingest.block_ms", defaultBlockMS)
	v.SetDefault("ingest.pel_reclaim_ms", defaultPELReclaimMS)
	v.SetDefault("ingest.pel_max", defaultPELMax)
	v.SetDefault("ingest.pel_pause_pct", defaultPELPausePct)
	v.SetDefault("ingest.delay_retry_interval", defaultDelayRetryInterval)
	v.SetDefault("ingest.read_fatal_after", defaultReadFatalAfter)
	v.SetDefault("ingest.claim_interval", defaultClaimInterval)

	// Router defaults
	v.SetDefault("router.concurrency", 0)
	v.SetDefault("router.write_retries", defaultWriteRetries)
	v.SetDefault("router.write_backoff", defaultWriteBackoff)
	v.SetDefault("router.route_timeout", defaultRouteTimeout)
	v.SetDefault("router.soft_overflow_factor", defaultSoftOverflow)
	v.SetDefault("router.empty_predicate", EmptyPredicateBroadcast)

	// Queue defaults
	v.SetDefault("queues.bound_default", defaultQueueBound)
	v.SetDefault("queues.dlq_bound", defaultDLQBound)
	v.SetDefault("queues.result_bound", defaultResultBound)

	// Registry defaults
	v.SetDefault("registry.heartbeat_interval", defaultHeartbeatInterval)
	v.SetDefault("registry.unhealthy_after", defaultUnhealthyAfter)
	v.SetDefault("registry.evict_after", defaultEvictAfter)
	v.SetDefault("registry.sweep_interval", defaultSweepInterval)
	v.SetDefault("registry.failure_threshold", defaultFailureThreshold)
	v.SetDefault("registry.hard_overflow_factor", defaultHardOverflow)
	v.SetDefault("registry.max_processors", defaultMaxProcessors)

	// Backpressure defaults
	v.SetDefault("backpressure.sample_interval", defaultSampleInterval)
	v.SetDefault("backpressure.spill_priority", defaultSpillPriority)

	// Maintenance defaults
	v.SetDefault("maintenance.enabled", true)
	v.SetDefault("maintenance.cron", "0 */10 * * * *") // every 10 minutes (6-field cron)

	// Logging defaults
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
	v.SetDefault("logging.add_source", false)
	v.SetDefault("logging.time_format", time.RFC3339)

	// Telemetry defaults
	v.SetDefault("telemetry.service_name", "framebus")
	v.SetDefault("telemetry.trace_endpoint", "")
	v.SetDefault("telemetry.trace_sample_ratio", 1.0)
	v.SetDefault("telemetry.trace_insecure", true)
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	// Server validation
	const maxPort = 65535
	if c.Server.Port < 1 || c.Server.Port > maxPort {
		return fmt.Errorf("server.port must be between 1 and %d", maxPort)
	}
	if c.Server.ShutdownGrace < 0 {
		return fmt.Errorf("server.shutdown_grace must not be negative")
	}

	// Stream validation
	if c.Stream.Endpoint == "" {
		return fmt.Errorf("stream.endpoint is required")
	}
	if c.Stream.ConnectAttempts < 1 {
		return fmt.Errorf("stream.connect_attempts must be at least 1")
	}

	// Ingest validation
	if c.Ingest.Stream == "" {
		return fmt.Errorf("ingest.stream is required")
	}
	if c.Ingest.Group == "" {
		return fmt.Errorf("ingest.group is required")
	}
	if c.Ingest.BatchSize < 1 {
		return fmt.Errorf("ingest.batch_size must be at least 1")
	}
	if c.Ingest.BlockMS < 0 {
		return fmt.Errorf("ingest.block_ms must not be negative")
	}
	if c.Ingest.PELMax < 1 {
		return fmt.Errorf("ingest.pel_max must be at least 1")
	}
	if c.Ingest.PELPausePct < 1 || c.Ingest.PELPausePct > 100 {
		return fmt.Errorf("ingest.pel_pause_pct must be between 1 and 100")
	}

	// Router validation
	if c.Router.Concurrency < 0 {
		return fmt.Errorf("router.concurrency must not be negative")
	}
	if c.Router.WriteRetries < 0 {
		return fmt.Errorf("router.write_retries must not be negative")
	}
	if c.Router.RouteTimeout <= 0 {
		return fmt.Errorf("router.route_timeout must be positive")
	}
	if c.Router.SoftOverflowFactor <= 0 {
		return fmt.Errorf("router.soft_overflow_factor must be positive")
	}
	if c.Router.EmptyPredicate != EmptyPredicateBroadcast && c.Router.EmptyPredicate != EmptyPredicateDrop {
		return fmt.Errorf("router.empty_predicate must be one of: %s, %s", EmptyPredicateBroadcast, EmptyPredicateDrop)
	}

	// Queue validation
	if c.Queues.BoundDefault < 1 {
		return fmt.Errorf("queues.bound_default must be at least 1")
	}

	// Registry validation
	if c.Registry.HardOverflowFactor < 1 {
		return fmt.Errorf("registry.hard_overflow_factor must be at least 1")
	}
	if c.Registry.HardOverflowFactor < c.Router.SoftOverflowFactor {
		return fmt.Errorf("registry.hard_overflow_factor must not be below router.soft_overflow_factor")
	}
	if c.Registry.UnhealthyAfter <= 0 {
		return fmt.Errorf("registry.unhealthy_after must be positive")
	}
	if c.Registry.EvictAfter < c.Registry.UnhealthyAfter {
		return fmt.Errorf("registry.evict_after must not be below registry.unhealthy_after")
	}
	if c.Registry.SweepInterval <= 0 {
		return fmt.Errorf("registry.sweep_interval must be positive")
	}
	if c.Registry.FailureThreshold < 1 {
		return fmt.Errorf("registry.failure_threshold must be at least 1")
	}
	if c.Registry.MaxProcessors < 1 {
		return fmt.Errorf("registry.max_processors must be at least 1")
	}

	// Backpressure validation
	if c.Backpressure.SampleInterval <= 0 {
		return fmt.Errorf("backpressure.sample_interval must be positive")
	}
	if c.Backpressure.SpillPriority < 0 || c.Backpressure.SpillPriority > 9 {
		return fmt.Errorf("backpressure.spill_priority must be between 0 and 9")
	}

	// Maintenance validation
	if c.Maintenance.Enabled && c.Maintenance.Cron == "" {
		return fmt.Errorf("maintenance.cron is required when maintenance is enabled")
	}

	// Logging validation
	validLevels := map[string]bool{"trace": true, "debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[c.Logging.Level] {
		return fmt.Errorf("logging.level must be one of: trace, debug, info, warn, error")
	}
	validFormats := map[string]bool{"json": true, "text": true}
	if !validFormats[c.Logging.Format] {
		return fmt.Errorf("logging.format must be one of: json, text")
	}

	// Telemetry validation
	if c.Telemetry.TraceSampleRatio < 0 || c.Telemetry.TraceSampleRatio > 1 {
		return fmt.Errorf("telemetry.trace_sample_ratio must be between 0 and 1")
	}

	return nil
}

// Address returns the server address in host:port format.
func (c *ServerConfig) Address() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}
