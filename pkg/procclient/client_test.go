package procclient

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/jmylchreest/framebus/pkg/frame"
	"github.com/jmylchreest/framebus/pkg/httpclient"
	"github.com/jmylchreest/framebus/pkg/streamio"
	"github.com/jmylchreest/framebus/pkg/tracectx"
)

func noopTracer() trace.Tracer {
	return noop.NewTracerProvider().Tracer("test")
}

// fakeControlPlane records the control-plane calls a client makes.
type fakeControlPlane struct {
	mu          sync.Mutex
	registered  []registerRequest
	heartbeats  []heartbeatRequest
	deregisters int
	srv         *httptest.Server
}

func newFakeControlPlane(t *testing.T) *fakeControlPlane {
	t.Helper()
	cp := &fakeControlPlane{}
	mux := http.NewServeMux()
	mux.HandleFunc("POST /processors", func(w http.ResponseWriter, r *http.Request) {
		var req registerRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		cp.mu.Lock()
		cp.registered = append(cp.registered, req)
		cp.mu.Unlock()
		json.NewEncoder(w).Encode(registerResponse{QueueName: frame.WorkQueueName(req.ProcessorID)})
	})
	mux.HandleFunc("POST /processors/{id}/heartbeat", func(w http.ResponseWriter, r *http.Request) {
		var req heartbeatRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		cp.mu.Lock()
		cp.heartbeats = append(cp.heartbeats, req)
		cp.mu.Unlock()
		w.Write([]byte(`{}`))
	})
	mux.HandleFunc("DELETE /processors/{id}", func(w http.ResponseWriter, r *http.Request) {
		cp.mu.Lock()
		cp.deregisters++
		cp.mu.Unlock()
		w.WriteHeader(http.StatusNoContent)
	})
	cp.srv = httptest.NewServer(mux)
	t.Cleanup(cp.srv.Close)
	return cp
}

func (cp *fakeControlPlane) heartbeatCount() int {
	cp.mu.Lock()
	defer cp.mu.Unlock()
	return len(cp.heartbeats)
}

func (cp *fakeControlPlane) deregisterCount() int {
	cp.mu.Lock()
	defer cp.mu.Unlock()
	return cp.deregisters
}

type clientFixture struct {
	client *Client
	redis  *redis.Client
	cp     *fakeControlPlane
}

func newClientFixture(t *testing.T, id string) *clientFixture {
	t.Helper()
	mr := miniredis.RunT(t)
	rc := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rc.Close() })

	cp := newFakeControlPlane(t)

	httpCfg := httpclient.DefaultConfig()
	httpCfg.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	httpCfg.RetryDelay = time.Millisecond

	client, err := New(rc, Config{
		ProcessorID:       id,
		Capabilities:      []string{"face"},
		Capacity:          4,
		ControlPlane:      cp.srv.URL,
		HeartbeatInterval: 20 * time.Millisecond,
		Workers:           2,
		MaxRedeliveries:   3,
		BatchSize:         16,
		Block:             20 * time.Millisecond,
		ClaimInterval:     25 * time.Millisecond,
		ClaimMinIdle:      50 * time.Millisecond,
		HTTP:              &httpCfg,
	}, slog.New(slog.NewTextHandler(io.Discard, nil)))
	require.NoError(t, err)

	return &clientFixture{client: client, redis: rc, cp: cp}
}

// ensureQueue mirrors what the orchestrator does at registration time.
func (fx *clientFixture) ensureQueue(t *testing.T, id string) {
	t.Helper()
	err := fx.redis.XGroupCreateMkStream(context.Background(), frame.WorkQueueName(id), frame.GroupProcessors, "$").Err()
	require.NoError(t, err)
}

func (fx *clientFixture) dispatch(t *testing.T, id, frameID string, tc map[string]string) {
	t.Helper()
	f := frame.Frame{
		FrameID:      frameID,
		CameraID:     "cam-1",
		Timestamp:    time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC),
		TraceContext: tc,
	}
	d := frame.Dispatch{Frame: f, DispatchID: "d-" + frameID}
	fields, err := d.Fields()
	require.NoError(t, err)
	values := make(map[string]string, len(fields))
	for k, v := range fields {
		values[k] = v.(string)
	}
	err = fx.redis.XAdd(context.Background(), &redis.XAddArgs{
		Stream: frame.WorkQueueName(id),
		Values: values,
	}).Err()
	require.NoError(t, err)
}

func TestNewValidatesConfig(t *testing.T) {
	mr := miniredis.RunT(t)
	rc := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rc.Close() })

	_, err := New(rc, Config{Capacity: 4, ControlPlane: "http://x"}, nil)
	assert.ErrorIs(t, err, ErrConfig)

	_, err = New(rc, Config{ProcessorID: "p1", ControlPlane: "http://x"}, nil)
	assert.ErrorIs(t, err, ErrConfig)

	_, err = New(rc, Config{ProcessorID: "p1", Capacity: 4}, nil)
	assert.ErrorIs(t, err, ErrConfig)
}

func TestRunProcessesFrames(t *testing.T) {
	fx := newClientFixture(t, "p1")
	fx.ensureQueue(t, "p1")

	handled := make(chan frame.Dispatch, 4)
	handler := func(ctx context.Context, d frame.Dispatch) (json.RawMessage, error) {
		handled <- d
		return json.RawMessage(`{"faces":2}`), nil
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- fx.client.Run(ctx, handler) }()

	require.Eventually(t, func() bool { return fx.client.QueueName() != "" }, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, frame.WorkQueueName("p1"), fx.client.QueueName())

	tc := map[string]string{"traceparent": "00-4bf92f3577b34da6a3ce929d0e0e4736-00f067aa0ba902b7-01"}
	fx.dispatch(t, "p1", "f1", tc)

	select {
	case d := <-handled:
		assert.Equal(t, "f1", d.Frame.FrameID)
		assert.Equal(t, "d-f1", d.DispatchID)
	case <-time.After(2 * time.Second):
		t.Fatal("handler never ran")
	}

	// The result lands on the result stream carrying the ingest trace.
	require.Eventually(t, func() bool {
		n, err := fx.redis.XLen(context.Background(), frame.StreamResults).Result()
		return err == nil && n == 1
	}, 2*time.Second, 5*time.Millisecond)

	msgs, err := fx.redis.XRange(context.Background(), frame.StreamResults, "-", "+").Result()
	require.NoError(t, err)
	result, err := frame.ResultFromFields(msgs[0].Values)
	require.NoError(t, err)
	assert.Equal(t, "f1", result.FrameID)
	assert.Equal(t, "p1", result.ProcessorID)
	assert.JSONEq(t, `{"faces":2}`, string(result.Payload))
	assert.Contains(t, result.TraceContext["traceparent"], "4bf92f3577b34da6a3ce929d0e0e4736")

	// The entry was acked.
	require.Eventually(t, func() bool {
		p, err := fx.redis.XPending(context.Background(), frame.WorkQueueName("p1"), frame.GroupProcessors).Result()
		return err == nil && p.Count == 0
	}, 2*time.Second, 5*time.Millisecond)

	// Heartbeats flow while running, and shutdown drains.
	require.Eventually(t, func() bool { return fx.cp.heartbeatCount() >= 2 }, 2*time.Second, 5*time.Millisecond)
	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("client did not stop")
	}
	assert.Equal(t, 1, fx.cp.deregisterCount())
}

func TestHeartbeatCarriesDescriptorAndStats(t *testing.T) {
	fx := newClientFixture(t, "p1")
	require.NoError(t, fx.client.Register(context.Background()))
	require.NoError(t, fx.client.heartbeat(context.Background()))

	fx.cp.mu.Lock()
	defer fx.cp.mu.Unlock()
	require.Len(t, fx.cp.heartbeats, 1)
	hb := fx.cp.heartbeats[0]
	assert.Equal(t, []string{"face"}, hb.Capabilities)
	assert.Equal(t, 4, hb.Capacity)
	require.NotNil(t, hb.Inflight)
	assert.Equal(t, int64(0), *hb.Inflight)
	require.NotNil(t, hb.Stats)
	assert.Greater(t, hb.Stats.PID, 0)
	assert.Greater(t, hb.Stats.Goroutines, 0)
}

func TestHandlerErrorLeavesEntryPending(t *testing.T) {
	fx := newClientFixture(t, "p1")
	fx.ensureQueue(t, "p1")

	attempts := make(chan struct{}, 16)
	handler := func(ctx context.Context, d frame.Dispatch) (json.RawMessage, error) {
		attempts <- struct{}{}
		return nil, assert.AnError
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- fx.client.Run(ctx, handler) }()
	t.Cleanup(func() { cancel(); <-done })

	require.Eventually(t, func() bool { return fx.client.QueueName() != "" }, 2*time.Second, 5*time.Millisecond)
	fx.dispatch(t, "p1", "f1", nil)

	select {
	case <-attempts:
	case <-time.After(2 * time.Second):
		t.Fatal("handler never ran")
	}

	// Unacked: the entry stays pending and nothing reached the result stream.
	p, err := fx.redis.XPending(context.Background(), frame.WorkQueueName("p1"), frame.GroupProcessors).Result()
	require.NoError(t, err)
	assert.Equal(t, int64(1), p.Count)

	n, err := fx.redis.XLen(context.Background(), frame.StreamResults).Result()
	require.NoError(t, err)
	assert.Equal(t, int64(0), n)
}

func TestHandleDeadLettersPastRedeliveryBudget(t *testing.T) {
	fx := newClientFixture(t, "p1")
	fx.ensureQueue(t, "p1")
	require.NoError(t, fx.client.Register(context.Background()))

	fx.dispatch(t, "p1", "poison", nil)

	ctx := context.Background()
	reader := fx.client.newReader()
	entries, err := reader.Read(ctx)
	require.NoError(t, err)
	require.Len(t, entries, 1)

	results := streamio.NewAppender(fx.redis, frame.StreamResults, 0)
	dlq := streamio.NewAppender(fx.redis, frame.DLQName("p1"), 0)
	handler := func(ctx context.Context, d frame.Dispatch) (json.RawMessage, error) {
		t.Fatal("handler must not run for a dead-lettered entry")
		return nil, nil
	}

	fx.client.handle(ctx, noopTracer(), reader, results, dlq, handler, entries[0], 4)

	// Parked with a reason, acked, and never handled.
	msgs, err := fx.redis.XRange(ctx, frame.DLQName("p1"), "-", "+").Result()
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Contains(t, msgs[0].Values[frame.FieldFailureReason], "deliveries")

	p, err := fx.redis.XPending(ctx, frame.WorkQueueName("p1"), frame.GroupProcessors).Result()
	require.NoError(t, err)
	assert.Equal(t, int64(0), p.Count)
}

func TestResultPublishesOutsideHandler(t *testing.T) {
	fx := newClientFixture(t, "p1")

	ctx := tracectx.Extract(context.Background(), map[string]string{
		"traceparent": "00-4bf92f3577b34da6a3ce929d0e0e4736-00f067aa0ba902b7-01",
	})
	require.NoError(t, fx.client.Result(ctx, "f7", json.RawMessage(`{"faces":1}`)))
	require.NoError(t, fx.client.Result(ctx, "f7", json.RawMessage(`{"faces":2}`)))

	msgs, err := fx.redis.XRange(context.Background(), frame.StreamResults, "-", "+").Result()
	require.NoError(t, err)
	require.Len(t, msgs, 2)

	result, err := frame.ResultFromFields(msgs[0].Values)
	require.NoError(t, err)
	assert.Equal(t, "f7", result.FrameID)
	assert.Equal(t, "p1", result.ProcessorID)
	assert.JSONEq(t, `{"faces":1}`, string(result.Payload))
	assert.Contains(t, result.TraceContext["traceparent"], "4bf92f3577b34da6a3ce929d0e0e4736")
}

func TestRunGivesUpWhenQueueReadsKeepFailing(t *testing.T) {
	fx := newClientFixture(t, "p1")
	fx.client.cfg.ReadFatalAfter = time.Millisecond
	// Queue group never created: every read fails with NOGROUP.

	handler := func(ctx context.Context, d frame.Dispatch) (json.RawMessage, error) {
		t.Fatal("handler must not run")
		return nil, nil
	}

	done := make(chan error, 1)
	go func() { done <- fx.client.Run(context.Background(), handler) }()

	select {
	case err := <-done:
		assert.ErrorIs(t, err, ErrReadsFatal)
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not give up")
	}
	// Shutdown still drained politely.
	assert.Equal(t, 1, fx.cp.deregisterCount())
}

func TestReclaimRecoversStaleEntries(t *testing.T) {
	fx := newClientFixture(t, "p1")
	fx.ensureQueue(t, "p1")
	require.NoError(t, fx.client.Register(context.Background()))

	// A previous incarnation read the entry and died without acking.
	fx.dispatch(t, "p1", "orphan", nil)
	ctx := context.Background()
	_, err := fx.redis.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    frame.GroupProcessors,
		Consumer: "p1",
		Streams:  []string{frame.WorkQueueName("p1"), ">"},
		Count:    10,
		Block:    -1,
	}).Result()
	require.NoError(t, err)

	time.Sleep(fx.client.cfg.ClaimMinIdle + 20*time.Millisecond)

	handled := make(chan string, 1)
	reader := fx.client.newReader()
	results := streamio.NewAppender(fx.redis, frame.StreamResults, 0)
	dlq := streamio.NewAppender(fx.redis, frame.DLQName("p1"), 0)
	fx.client.reclaim(ctx, noopTracer(), reader, results, dlq, func(ctx context.Context, d frame.Dispatch) (json.RawMessage, error) {
		handled <- d.Frame.FrameID
		return nil, nil
	})

	select {
	case id := <-handled:
		assert.Equal(t, "orphan", id)
	default:
		t.Fatal("stale entry was not reclaimed")
	}

	p, err := fx.redis.XPending(ctx, frame.WorkQueueName("p1"), frame.GroupProcessors).Result()
	require.NoError(t, err)
	assert.Equal(t, int64(0), p.Count)
}
