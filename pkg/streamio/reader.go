package streamio

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

// Entry is one stream entry: the stream-assigned id plus flat field values.
type Entry struct {
	ID     string
	Values map[string]any
}

// PendingEntry describes one pending-entries-list record.
type PendingEntry struct {
	ID         string
	Consumer   string
	Idle       time.Duration
	Deliveries int64
}

// GroupReader reads one stream through a consumer group. All reads use the
// ">" cursor so the group, not the reader, tracks delivery state; unacked
// entries stay in the pending list until Ack or a claim.
type GroupReader struct {
	client   *redis.Client
	stream   string
	group    string
	consumer string
	count    int64
	block    time.Duration
}

// NewGroupReader builds a reader for stream/group/consumer. count bounds one
// read batch; block is how long a read waits for data (<=0 means do not
// block).
func NewGroupReader(client *redis.Client, stream, group, consumer string, count int64, block time.Duration) *GroupReader {
	if count <= 0 {
		count = 16
	}
	if block <= 0 {
		block = -1
	}
	return &GroupReader{
		client:   client,
		stream:   stream,
		group:    group,
		consumer: consumer,
		count:    count,
		block:    block,
	}
}

// Stream returns the stream name the reader is bound to.
func (r *GroupReader) Stream() string { return r.stream }

// Group returns the consumer group name.
func (r *GroupReader) Group() string { return r.group }

// Consumer returns this reader's consumer name within the group.
func (r *GroupReader) Consumer() string { return r.consumer }

// EnsureGroup creates the consumer group at the stream head, creating the
// stream as well if it does not exist yet. Safe to call repeatedly.
func (r *GroupReader) EnsureGroup(ctx context.Context) error {
	err := r.client.XGroupCreateMkStream(ctx, r.stream, r.group, "$").Err()
	if err != nil && !strings.Contains(err.Error(), "BUSYGROUP") {
		return fmt.Errorf("streamio: create group %s on %s: %w", r.group, r.stream, err)
	}
	return nil
}

// Read fetches the next batch of never-delivered entries. A block timeout
// with no data returns (nil, nil).
func (r *GroupReader) Read(ctx context.Context) ([]Entry, error) {
	res, err := r.client.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    r.group,
		Consumer: r.consumer,
		Streams:  []string{r.stream, ">"},
		Count:    r.count,
		Block:    r.block,
	}).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, fmt.Errorf("streamio: read %s: %w", r.stream, err)
	}
	var entries []Entry
	for _, stream := range res {
		for _, msg := range stream.Messages {
			entries = append(entries, Entry{ID: msg.ID, Values: msg.Values})
		}
	}
	return entries, nil
}

// Ack acknowledges entries, removing them from the pending list.
func (r *GroupReader) Ack(ctx context.Context, ids ...string) error {
	if len(ids) == 0 {
		return nil
	}
	if err := r.client.XAck(ctx, r.stream, r.group, ids...).Err(); err != nil {
		return fmt.Errorf("streamio: ack %s: %w", r.stream, err)
	}
	return nil
}

// PendingCount returns the total number of pending entries for the group.
func (r *GroupReader) PendingCount(ctx context.Context) (int64, error) {
	res, err := r.client.XPending(ctx, r.stream, r.group).Result()
	if err != nil {
		return 0, fmt.Errorf("streamio: pending %s: %w", r.stream, err)
	}
	return res.Count, nil
}

// Pending lists up to count pending entries across all consumers, oldest
// first, with idle times and delivery counts.
func (r *GroupReader) Pending(ctx context.Context, count int64) ([]PendingEntry, error) {
	res, err := r.client.XPendingExt(ctx, &redis.XPendingExtArgs{
		Stream: r.stream,
		Group:  r.group,
		Start:  "-",
		End:    "+",
		Count:  count,
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("streamio: pending %s: %w", r.stream, err)
	}
	out := make([]PendingEntry, 0, len(res))
	for _, p := range res {
		out = append(out, PendingEntry{
			ID:         p.ID,
			Consumer:   p.Consumer,
			Idle:       p.Idle,
			Deliveries: p.RetryCount,
		})
	}
	return out, nil
}

// AutoClaim transfers ownership of entries idle for at least minIdle to this
// consumer, scanning from start. It returns the claimed entries and the
// cursor for the next scan ("0-0" when the scan wrapped).
func (r *GroupReader) AutoClaim(ctx context.Context, minIdle time.Duration, start string, count int64) ([]Entry, string, error) {
	if start == "" {
		start = "0-0"
	}
	msgs, next, err := r.client.XAutoClaim(ctx, &redis.XAutoClaimArgs{
		Stream:   r.stream,
		Group:    r.group,
		Consumer: r.consumer,
		MinIdle:  minIdle,
		Start:    start,
		Count:    count,
	}).Result()
	if err != nil {
		return nil, "", fmt.Errorf("streamio: autoclaim %s: %w", r.stream, err)
	}
	entries := make([]Entry, 0, len(msgs))
	for _, msg := range msgs {
		entries = append(entries, Entry{ID: msg.ID, Values: msg.Values})
	}
	return entries, next, nil
}

// Claim transfers ownership of specific entries idle for at least minIdle.
// Entries that no longer exist are silently skipped by the server.
func (r *GroupReader) Claim(ctx context.Context, minIdle time.Duration, ids ...string) ([]Entry, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	msgs, err := r.client.XClaim(ctx, &redis.XClaimArgs{
		Stream:   r.stream,
		Group:    r.group,
		Consumer: r.consumer,
		MinIdle:  minIdle,
		Messages: ids,
	}).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("streamio: claim %s: %w", r.stream, err)
	}
	entries := make([]Entry, 0, len(msgs))
	for _, msg := range msgs {
		entries = append(entries, Entry{ID: msg.ID, Values: msg.Values})
	}
	return entries, nil
}
