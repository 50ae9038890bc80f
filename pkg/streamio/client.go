// Package streamio wraps the Redis Streams operations framebus is built on:
// connecting with a bounded retry budget, consumer-group reads with claim
// and ack, and capped appends. The orchestrator and the processor client
// share this package so both sides speak the same wire dialect.
package streamio

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

// ErrConnectBudget is returned by Dial when the endpoint stays unreachable
// for the whole retry budget. Treated as a configuration failure by callers.
var ErrConnectBudget = errors.New("streamio: connection retry budget exhausted")

// Config holds the connection settings for one stream endpoint.
type Config struct {
	// Endpoint is either a redis:// / rediss:// URL or a bare host:port.
	Endpoint string

	// Password overrides any credential embedded in the endpoint URL.
	Password string

	// DialTimeout bounds a single connection attempt.
	DialTimeout time.Duration

	// ConnectAttempts is the retry budget for the initial dial.
	ConnectAttempts int

	// ConnectBackoff and ConnectBackoffMax shape the retry delays.
	ConnectBackoff    time.Duration
	ConnectBackoffMax time.Duration
}

func (c *Config) withDefaults() Config {
	out := *c
	if out.DialTimeout <= 0 {
		out.DialTimeout = 5 * time.Second
	}
	if out.ConnectAttempts <= 0 {
		out.ConnectAttempts = 10
	}
	if out.ConnectBackoff <= 0 {
		out.ConnectBackoff = 100 * time.Millisecond
	}
	if out.ConnectBackoffMax <= 0 {
		out.ConnectBackoffMax = 5 * time.Second
	}
	return out
}

// Dial connects to the stream endpoint and verifies it with a ping,
// retrying with exponential backoff until the attempt budget is spent.
func Dial(ctx context.Context, cfg Config, log *slog.Logger) (*redis.Client, error) {
	cfg = cfg.withDefaults()
	if log == nil {
		log = slog.Default()
	}

	opts, err := clientOptions(cfg)
	if err != nil {
		return nil, err
	}
	client := redis.NewClient(opts)

	var lastErr error
	for attempt := 0; attempt < cfg.ConnectAttempts; attempt++ {
		if attempt > 0 {
			delay := RetryDelay(attempt-1, cfg.ConnectBackoff, cfg.ConnectBackoffMax)
			log.Warn("stream endpoint unreachable, retrying",
				slog.Int("attempt", attempt),
				slog.Duration("delay", delay),
				slog.String("error", lastErr.Error()))
			select {
			case <-ctx.Done():
				_ = client.Close()
				return nil, ctx.Err()
			case <-time.After(delay):
			}
		}

		pingCtx, cancel := context.WithTimeout(ctx, cfg.DialTimeout)
		err := client.Ping(pingCtx).Err()
		cancel()
		if err == nil {
			return client, nil
		}
		lastErr = err
	}

	_ = client.Close()
	return nil, fmt.Errorf("%w after %d attempts: %v", ErrConnectBudget, cfg.ConnectAttempts, lastErr)
}

func clientOptions(cfg Config) (*redis.Options, error) {
	var opts *redis.Options
	if strings.Contains(cfg.Endpoint, "://") {
		parsed, err := redis.ParseURL(cfg.Endpoint)
		if err != nil {
			return nil, fmt.Errorf("streamio: parse endpoint: %w", err)
		}
		opts = parsed
	} else {
		opts = &redis.Options{Addr: cfg.Endpoint}
	}
	if cfg.Password != "" {
		opts.Password = cfg.Password
	}
	opts.DialTimeout = cfg.DialTimeout
	return opts, nil
}

// RetryDelay returns the exponential backoff delay for a zero-based attempt
// number with +/-20% jitter, capped at max.
func RetryDelay(attempt int, base, max time.Duration) time.Duration {
	if base <= 0 {
		base = 100 * time.Millisecond
	}
	if max <= 0 {
		max = 5 * time.Second
	}
	delay := base
	for i := 0; i < attempt && delay < max; i++ {
		delay *= 2
	}
	if delay > max {
		delay = max
	}
	jitter := time.Duration(rand.Int63n(int64(delay)/5+1) - int64(delay)/10)
	delay += jitter
	if delay < 0 {
		delay = 0
	}
	return delay
}
