// Package workqueue owns the per-processor work streams: creation, bounded
// appends, length and pending inspection, trimming and deletion.
package workqueue

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"

	"github.com/redis/go-redis/v9"

	"github.com/jmylchreest/framebus/internal/telemetry"
	"github.com/jmylchreest/framebus/pkg/frame"
)

// QueueStats is one row of the queue inventory.
type QueueStats struct {
	ProcessorID string `json:"processor_id"`
	Queue       string `json:"queue"`
	Depth       int64  `json:"depth"`
	Pending     int64  `json:"pending"`
	Bound       int64  `json:"bound"`
}

// Manager creates and inspects the per-processor work queues. Every queue
// is a stream named frames:ready:<processor_id> consumed through the shared
// frame-processors group.
type Manager struct {
	client       *redis.Client
	logger       *slog.Logger
	metrics      *telemetry.Metrics
	defaultBound int64

	mu     sync.RWMutex
	bounds map[string]int64
}

// NewManager builds a Manager. defaultBound applies to queues ensured
// without an explicit bound.
func NewManager(client *redis.Client, logger *slog.Logger, metrics *telemetry.Metrics, defaultBound int64) *Manager {
	return &Manager{
		client:       client,
		logger:       logger,
		metrics:      metrics,
		defaultBound: defaultBound,
		bounds:       make(map[string]int64),
	}
}

// EnsureQueue creates the work stream and its consumer group if absent and
// records the queue bound. The group starts at $ so a fresh processor only
// sees frames routed after it registered. Returns the queue name.
func (m *Manager) EnsureQueue(ctx context.Context, processorID string, bound int64) (string, error) {
	queue := frame.WorkQueueName(processorID)

	err := m.client.XGroupCreateMkStream(ctx, queue, frame.GroupProcessors, "$").Err()
	if err != nil && !strings.Contains(err.Error(), "BUSYGROUP") {
		return "", fmt.Errorf("creating group for %s: %w", queue, err)
	}

	if bound <= 0 {
		bound = m.defaultBound
	}
	m.mu.Lock()
	m.bounds[processorID] = bound
	m.mu.Unlock()

	m.logger.Debug("work queue ensured",
		slog.String("processor_id", processorID),
		slog.String("queue", queue),
		slog.Int64("bound", bound),
	)
	return queue, nil
}

// Bound returns the effective bound for a processor's queue.
func (m *Manager) Bound(processorID string) int64 {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if bound, ok := m.bounds[processorID]; ok {
		return bound
	}
	return m.defaultBound
}

// Append writes one entry to a processor's queue, trimming approximately to
// the queue bound. When the queue is already at its bound the oldest entry
// is dropped, which is counted and logged.
func (m *Manager) Append(ctx context.Context, processorID string, values map[string]string) (string, error) {
	queue := frame.WorkQueueName(processorID)
	bound := m.Bound(processorID)

	pipe := m.client.Pipeline()
	lenCmd := pipe.XLen(ctx, queue)
	addCmd := pipe.XAdd(ctx, &redis.XAddArgs{
		Stream: queue,
		MaxLen: bound,
		Approx: true,
		Values: values,
	})
	if _, err := pipe.Exec(ctx); err != nil {
		return "", fmt.Errorf("appending to %s: %w", queue, err)
	}

	if lenCmd.Val() >= bound {
		m.metrics.FramesDropped.WithLabelValues(telemetry.DropReasonQueueFull).Inc()
		m.logger.Warn("work queue at bound, oldest entry dropped",
			slog.String("processor_id", processorID),
			slog.String("queue", queue),
			slog.Int64("bound", bound),
		)
	}

	return addCmd.Val(), nil
}

// Length returns the number of entries currently in the queue.
func (m *Manager) Length(ctx context.Context, processorID string) (int64, error) {
	return m.client.XLen(ctx, frame.WorkQueueName(processorID)).Result()
}

// Pending returns the number of delivered-but-unacked entries in the
// queue's consumer group. A queue or group that does not exist counts as
// zero.
func (m *Manager) Pending(ctx context.Context, processorID string) (int64, error) {
	summary, err := m.pendingSummary(ctx, processorID)
	if err != nil {
		return 0, err
	}
	if summary == nil {
		return 0, nil
	}
	return summary.Count, nil
}

// PELOwners returns the consumer names that still own pending entries in
// the processor's queue, sorted. The registry consults this before evicting
// a descriptor.
func (m *Manager) PELOwners(ctx context.Context, processorID string) ([]string, error) {
	summary, err := m.pendingSummary(ctx, processorID)
	if err != nil {
		return nil, err
	}
	if summary == nil || len(summary.Consumers) == 0 {
		return nil, nil
	}
	owners := make([]string, 0, len(summary.Consumers))
	for consumer := range summary.Consumers {
		owners = append(owners, consumer)
	}
	sort.Strings(owners)
	return owners, nil
}

func (m *Manager) pendingSummary(ctx context.Context, processorID string) (*redis.XPending, error) {
	queue := frame.WorkQueueName(processorID)
	summary, err := m.client.XPending(ctx, queue, frame.GroupProcessors).Result()
	if err != nil {
		if isNoGroup(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("pending summary for %s: %w", queue, err)
	}
	return summary, nil
}

// Trim drops the oldest entries above bound, returning how many were
// removed. Removed entries count as queue_full drops.
func (m *Manager) Trim(ctx context.Context, processorID string, bound int64) (int64, error) {
	queue := frame.WorkQueueName(processorID)
	removed, err := m.client.XTrimMaxLen(ctx, queue, bound).Result()
	if err != nil {
		return 0, fmt.Errorf("trimming %s: %w", queue, err)
	}
	if removed > 0 {
		m.metrics.FramesDropped.WithLabelValues(telemetry.DropReasonQueueFull).Add(float64(removed))
		m.logger.Warn("work queue trimmed",
			slog.String("processor_id", processorID),
			slog.Int64("removed", removed),
			slog.Int64("bound", bound),
		)
	}
	return removed, nil
}

// DeleteQueue removes the queue stream entirely. Used after a processor is
// deregistered and its queue has drained.
func (m *Manager) DeleteQueue(ctx context.Context, processorID string) error {
	queue := frame.WorkQueueName(processorID)
	if err := m.client.Del(ctx, queue).Err(); err != nil {
		return fmt.Errorf("deleting %s: %w", queue, err)
	}

	m.mu.Lock()
	delete(m.bounds, processorID)
	m.mu.Unlock()

	if m.metrics != nil {
		m.metrics.QueueDepth.DeleteLabelValues(processorID)
	}
	m.logger.Info("work queue deleted",
		slog.String("processor_id", processorID),
		slog.String("queue", queue),
	)
	return nil
}

// Known returns the processor ids with ensured queues, sorted.
func (m *Manager) Known() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()

	ids := make([]string, 0, len(m.bounds))
	for id := range m.bounds {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Stats returns depth, pending and bound for every known queue.
func (m *Manager) Stats(ctx context.Context) ([]QueueStats, error) {
	var stats []QueueStats
	for _, id := range m.Known() {
		depth, err := m.Length(ctx, id)
		if err != nil {
			return nil, err
		}
		pending, err := m.Pending(ctx, id)
		if err != nil {
			return nil, err
		}
		stats = append(stats, QueueStats{
			ProcessorID: id,
			Queue:       frame.WorkQueueName(id),
			Depth:       depth,
			Pending:     pending,
			Bound:       m.Bound(id),
		})
	}
	return stats, nil
}

func isNoGroup(err error) bool {
	return err != nil && strings.Contains(err.Error(), "NOGROUP")
}
