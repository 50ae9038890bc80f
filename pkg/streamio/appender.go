package streamio

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// Appender writes entries to one stream, trimming it to an approximate
// maximum length on every write. Approximate trimming ("MAXLEN ~") lets the
// server drop whole macro nodes, keeping appends O(1); a maxLen of zero
// disables the cap.
type Appender struct {
	client *redis.Client
	stream string
	maxLen int64
}

// NewAppender builds an appender for stream capped at maxLen entries.
func NewAppender(client *redis.Client, stream string, maxLen int64) *Appender {
	return &Appender{client: client, stream: stream, maxLen: maxLen}
}

// Stream returns the stream name the appender writes to.
func (a *Appender) Stream() string { return a.stream }

// Append adds one entry and returns its stream-assigned id. Values may be
// any of the shapes XADD accepts, typically map[string]string.
func (a *Appender) Append(ctx context.Context, values any) (string, error) {
	args := &redis.XAddArgs{
		Stream: a.stream,
		Values: values,
	}
	if a.maxLen > 0 {
		args.MaxLen = a.maxLen
		args.Approx = true
	}
	id, err := a.client.XAdd(ctx, args).Result()
	if err != nil {
		return "", fmt.Errorf("streamio: append %s: %w", a.stream, err)
	}
	return id, nil
}

// Len returns the number of entries in a stream. Missing streams have
// length zero.
func Len(ctx context.Context, client *redis.Client, stream string) (int64, error) {
	n, err := client.XLen(ctx, stream).Result()
	if err != nil {
		return 0, fmt.Errorf("streamio: len %s: %w", stream, err)
	}
	return n, nil
}

// Trim caps a stream to approximately maxLen entries, returning the number
// of entries removed.
func Trim(ctx context.Context, client *redis.Client, stream string, maxLen int64) (int64, error) {
	n, err := client.XTrimMaxLenApprox(ctx, stream, maxLen, 0).Result()
	if err != nil {
		return 0, fmt.Errorf("streamio: trim %s: %w", stream, err)
	}
	return n, nil
}

// WaitReady pings the server until it responds or the deadline passes.
// Used by tests and readiness probes.
func WaitReady(ctx context.Context, client *redis.Client, timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	var lastErr error
	for time.Now().Before(deadline) {
		pingCtx, cancel := context.WithTimeout(ctx, time.Second)
		lastErr = client.Ping(pingCtx).Err()
		cancel()
		if lastErr == nil {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(50 * time.Millisecond):
		}
	}
	return fmt.Errorf("streamio: endpoint not ready: %w", lastErr)
}
