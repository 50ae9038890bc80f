// Package testutil provides shared fixtures for framebus tests: an embedded
// stream endpoint and deterministic frame generation.
package testutil

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"github.com/jmylchreest/framebus/pkg/frame"
)

// StreamEndpoint starts an in-process stream endpoint and returns a client
// connected to it. Both are torn down with the test.
func StreamEndpoint(t *testing.T) (*miniredis.Miniredis, *redis.Client) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return mr, client
}

// FrameGenerator emits deterministic frames for one synthetic camera.
type FrameGenerator struct {
	CameraID string
	Base     time.Time
	seq      uint64
}

// NewFrameGenerator creates a generator with a fixed capture epoch so frame
// ids are stable across runs.
func NewFrameGenerator(cameraID string) *FrameGenerator {
	return &FrameGenerator{
		CameraID: cameraID,
		Base:     time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
	}
}

// Next returns the next frame in the camera's sequence. hint becomes the
// detection_hint metadata when non-empty.
func (g *FrameGenerator) Next(hint string) frame.Frame {
	g.seq++
	ts := g.Base.Add(time.Duration(g.seq) * 40 * time.Millisecond)
	f := frame.Frame{
		FrameID:    frame.FormatFrameID(ts, g.CameraID, g.seq),
		CameraID:   g.CameraID,
		Timestamp:  ts,
		SizeBytes:  64 * 1024,
		Width:      1920,
		Height:     1080,
		Format:     "jpeg",
		ContentRef: fmt.Sprintf("s3://frames/%s/%d.jpg", g.CameraID, g.seq),
	}
	if hint != "" {
		f.Metadata = map[string]any{frame.MetadataDetectionHint: hint}
	}
	return f
}

// Produce appends frames to the ingest stream, failing the test on error.
func Produce(t *testing.T, client *redis.Client, frames ...frame.Frame) {
	t.Helper()
	ctx := context.Background()
	for _, f := range frames {
		values, err := f.Fields()
		require.NoError(t, err)
		err = client.XAdd(ctx, &redis.XAddArgs{
			Stream: frame.StreamIngest,
			Values: values,
		}).Err()
		require.NoError(t, err)
	}
}

// PendingCount returns the pending-entry count for a group on a stream,
// tolerating the group not existing yet.
func PendingCount(t *testing.T, client *redis.Client, stream, group string) int64 {
	t.Helper()
	p, err := client.XPending(context.Background(), stream, group).Result()
	if err != nil {
		return 0
	}
	return p.Count
}
