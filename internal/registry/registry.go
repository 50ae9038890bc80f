// Package registry maintains the authoritative in-memory catalog of
// processors: registration, heartbeats, lifecycle transitions and the
// capability lookups the router depends on.
package registry

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/jmylchreest/framebus/internal/config"
	"github.com/jmylchreest/framebus/internal/observability"
	"github.com/jmylchreest/framebus/internal/telemetry"
	"github.com/jmylchreest/framebus/pkg/frame"
)

var (
	// ErrConflict means an Active processor already holds the id with
	// different capabilities.
	ErrConflict = errors.New("processor id already active with different capabilities")
	// ErrNotFound means the processor id is not registered.
	ErrNotFound = errors.New("processor not registered")
	// ErrRegistryFull means the registry reached max_processors.
	ErrRegistryFull = errors.New("registry full")
	// ErrInvalidDescriptor means the registration payload is unusable.
	ErrInvalidDescriptor = errors.New("invalid processor descriptor")
)

// PendingChecker reports which consumers still own pending entries in a
// processor's work queue. The registry consults it before final eviction so
// a descriptor is never deleted while its queue PEL is non-empty.
type PendingChecker interface {
	PELOwners(ctx context.Context, processorID string) ([]string, error)
}

// Registry is the goroutine-safe catalog of processor descriptors. All
// mutation happens under one lock and no I/O is performed while holding it.
type Registry struct {
	logger  *slog.Logger
	metrics *telemetry.Metrics
	clock   clockwork.Clock
	pending PendingChecker

	unhealthyAfter   time.Duration
	evictAfter       time.Duration
	sweepInterval    time.Duration
	failureThreshold int
	hardOverflow     float64
	maxProcessors    int

	mu         sync.RWMutex
	processors map[string]*Processor
}

// New creates a registry from configuration. Call Start to run the
// background sweeper.
func New(logger *slog.Logger, metrics *telemetry.Metrics, cfg config.RegistryConfig) *Registry {
	return &Registry{
		logger:           logger,
		metrics:          metrics,
		clock:            clockwork.NewRealClock(),
		unhealthyAfter:   cfg.UnhealthyAfter,
		evictAfter:       cfg.EvictAfter,
		sweepInterval:    cfg.SweepInterval,
		failureThreshold: cfg.FailureThreshold,
		hardOverflow:     cfg.HardOverflowFactor,
		maxProcessors:    cfg.MaxProcessors,
		processors:       make(map[string]*Processor),
	}
}

// WithClock replaces the wall clock, used by tests.
func (r *Registry) WithClock(clock clockwork.Clock) *Registry {
	r.clock = clock
	return r
}

// WithPendingChecker wires the work-queue manager consulted before eviction.
func (r *Registry) WithPendingChecker(pc PendingChecker) *Registry {
	r.pending = pc
	return r
}

// Start runs the sweep loop until ctx is cancelled.
func (r *Registry) Start(ctx context.Context) {
	ticker := r.clock.NewTicker(r.sweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.Chan():
			r.Sweep(ctx)
		}
	}
}

// Register inserts or replaces a descriptor. The new entry starts in
// Registering and becomes Active on its first heartbeat. Registration is
// idempotent for an identical capability set; an Active descriptor with
// different capabilities is a conflict.
func (r *Registry) Register(desc Descriptor) (*Processor, error) {
	if desc.ID == "" {
		return nil, fmt.Errorf("%w: empty processor_id", ErrInvalidDescriptor)
	}
	if desc.Capacity < 1 {
		return nil, fmt.Errorf("%w: capacity must be at least 1", ErrInvalidDescriptor)
	}
	caps := NormalizeCapabilities(desc.Capabilities)

	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.clock.Now()

	if existing, ok := r.processors[desc.ID]; ok {
		if existing.State == StateActive {
			if !capabilitiesEqual(existing.Capabilities, caps) {
				return nil, fmt.Errorf("%w: %s", ErrConflict, desc.ID)
			}
			// Idempotent re-register of a live processor: keep its state
			// and load accounting rather than bouncing it through
			// Registering.
			existing.Capacity = desc.Capacity
			existing.LastHeartbeat = now
			r.logger.Info("processor re-registered",
				slog.String("processor_id", desc.ID),
				slog.Int("capacity", desc.Capacity),
			)
			return existing.Clone(), nil
		}
	} else if len(r.processors) >= r.maxProcessors {
		return nil, ErrRegistryFull
	}

	proc := &Processor{
		ID:             desc.ID,
		Capabilities:   caps,
		QueueName:      frame.WorkQueueName(desc.ID),
		Capacity:       desc.Capacity,
		State:          StateRegistering,
		RegisteredAt:   now,
		LastHeartbeat:  now,
		StateChangedAt: now,
	}
	r.processors[desc.ID] = proc
	r.syncStateGauge()

	r.logger.Info("processor registered",
		slog.String("processor_id", desc.ID),
		slog.String("capabilities", strings.Join(caps, ",")),
		slog.Int("capacity", desc.Capacity),
		slog.String("queue", proc.QueueName),
	)

	return proc.Clone(), nil
}

// Heartbeat records a liveness report. A heartbeat recovers an Unhealthy
// processor and activates a Registering one. Unknown ids auto-register when
// the report carries a usable descriptor; otherwise ErrNotFound is returned
// so the client knows to re-register.
func (r *Registry) Heartbeat(id string, hb Heartbeat) (*Processor, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.clock.Now()

	proc, ok := r.processors[id]
	if !ok {
		if hb.Capacity < 1 {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
		}
		if len(r.processors) >= r.maxProcessors {
			return nil, ErrRegistryFull
		}
		proc = &Processor{
			ID:             id,
			Capabilities:   NormalizeCapabilities(hb.Capabilities),
			QueueName:      frame.WorkQueueName(id),
			Capacity:       hb.Capacity,
			State:          StateRegistering,
			RegisteredAt:   now,
			StateChangedAt: now,
		}
		r.processors[id] = proc
		r.logger.Info("processor auto-registered from heartbeat",
			slog.String("processor_id", id),
			slog.String("capabilities", strings.Join(proc.Capabilities, ",")),
			slog.Int("capacity", hb.Capacity),
		)
	}

	proc.LastHeartbeat = now
	if hb.Inflight != nil {
		proc.Inflight = clampInflight(*hb.Inflight, r.hardCap(proc))
	}
	if hb.ConsecutiveFailures != nil && *hb.ConsecutiveFailures >= 0 {
		proc.ConsecutiveFailures = *hb.ConsecutiveFailures
	}
	if hb.Stats != nil {
		stats := *hb.Stats
		proc.Stats = &stats
	}

	switch {
	case proc.ConsecutiveFailures >= r.failureThreshold:
		if proc.State == StateActive || proc.State == StateRegistering {
			r.transitionLocked(proc, StateUnhealthy, "failure threshold reached")
		}
	case proc.State == StateRegistering:
		r.transitionLocked(proc, StateActive, "first heartbeat")
	case proc.State == StateUnhealthy:
		r.transitionLocked(proc, StateActive, "heartbeat recovered")
	}

	r.logger.Log(context.Background(), observability.LevelTrace, "heartbeat received",
		slog.String("processor_id", id),
		slog.Int64("inflight", proc.Inflight),
		slog.String("state", string(proc.State)),
	)

	return proc.Clone(), nil
}

// Match returns clones of every Active processor satisfying the required
// capabilities, ordered by load ascending, heartbeat recency, then a stable
// hash of the id.
func (r *Registry) Match(required []string) []*Processor {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var matched []*Processor
	for _, proc := range r.processors {
		if proc.State != StateActive {
			continue
		}
		if !proc.HasCapabilities(required) {
			continue
		}
		matched = append(matched, proc.Clone())
	}

	sort.Slice(matched, func(i, j int) bool {
		return lessCandidate(matched[i], matched[j])
	})
	return matched
}

// lessCandidate orders routing candidates: load ascending, last heartbeat
// descending, stable id hash.
func lessCandidate(a, b *Processor) bool {
	la, lb := a.Load(), b.Load()
	if la != lb {
		return la < lb
	}
	if !a.LastHeartbeat.Equal(b.LastHeartbeat) {
		return a.LastHeartbeat.After(b.LastHeartbeat)
	}
	ha, hb := stableHash(a.ID), stableHash(b.ID)
	if ha != hb {
		return ha < hb
	}
	return a.ID < b.ID
}

func stableHash(s string) uint32 {
	h := fnv.New32a()
	_, _ = h.Write([]byte(s))
	return h.Sum32()
}

// Get returns a clone of one descriptor.
func (r *Registry) Get(id string) (*Processor, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	proc, ok := r.processors[id]
	if !ok {
		return nil, false
	}
	return proc.Clone(), true
}

// List returns clones of every descriptor, ordered by id.
func (r *Registry) List() []*Processor {
	r.mu.RLock()
	defer r.mu.RUnlock()

	result := make([]*Processor, 0, len(r.processors))
	for _, proc := range r.processors {
		result = append(result, proc.Clone())
	}
	sort.Slice(result, func(i, j int) bool { return result[i].ID < result[j].ID })
	return result
}

// Count returns the number of registered descriptors.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.processors)
}

// CountActive returns the number of Active descriptors.
func (r *Registry) CountActive() int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	count := 0
	for _, proc := range r.processors {
		if proc.State == StateActive {
			count++
		}
	}
	return count
}

// TryDispatch reserves one inflight slot on an Active processor. It returns
// false when the processor is missing, not Active, or at the hard overflow
// cap, in which case no frame may be dispatched to it.
func (r *Registry) TryDispatch(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	proc, ok := r.processors[id]
	if !ok || proc.State != StateActive {
		return false
	}
	if proc.Inflight >= r.hardCap(proc) {
		return false
	}
	proc.Inflight++
	return true
}

// ReleaseSlot returns an inflight slot reserved by TryDispatch, used when
// the queue write never happened.
func (r *Registry) ReleaseSlot(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if proc, ok := r.processors[id]; ok && proc.Inflight > 0 {
		proc.Inflight--
	}
}

// WriteSucceeded records a successful queue write, resetting the failure
// streak.
func (r *Registry) WriteSucceeded(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if proc, ok := r.processors[id]; ok {
		proc.ConsecutiveFailures = 0
	}
}

// WriteFailed records a failed queue write. Crossing the failure threshold
// transitions the processor to Unhealthy; the return value reports whether
// that happened.
func (r *Registry) WriteFailed(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	proc, ok := r.processors[id]
	if !ok {
		return false
	}
	proc.ConsecutiveFailures++
	if proc.ConsecutiveFailures >= r.failureThreshold && proc.State == StateActive {
		r.transitionLocked(proc, StateUnhealthy, "failure threshold reached")
		return true
	}
	return false
}

// MarkUnhealthy forces a processor out of the routing set.
func (r *Registry) MarkUnhealthy(id, reason string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	proc, ok := r.processors[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if proc.State == StateActive || proc.State == StateRegistering {
		r.transitionLocked(proc, StateUnhealthy, reason)
	}
	return nil
}

// Drain stops routing to a processor and removes it once its inflight work
// and queue PEL are empty. Called for DELETE on the control plane.
func (r *Registry) Drain(ctx context.Context, id string) (*Processor, error) {
	r.mu.Lock()
	proc, ok := r.processors[id]
	if !ok {
		r.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if proc.State != StateDraining {
		r.transitionLocked(proc, StateDraining, "drain requested")
	}
	drained := proc.Inflight == 0
	snapshot := proc.Clone()
	r.mu.Unlock()

	if drained && r.tryEvict(ctx, id, "drained") {
		snapshot.State = StateDeregistered
	}
	return snapshot, nil
}

// Deregister removes a descriptor unconditionally.
func (r *Registry) Deregister(id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	proc, ok := r.processors[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	delete(r.processors, id)
	r.syncStateGauge()

	r.logger.Info("processor deregistered",
		slog.String("processor_id", id),
		slog.String("state", string(proc.State)),
	)
	return nil
}

// Sweep runs one maintenance pass: processors past unhealthy_after are
// marked Unhealthy, and Unhealthy or Draining processors past evict_after
// (or drained to zero inflight) are evicted. Eviction consults the
// work-queue PEL outside the lock and is deferred while entries are
// pending.
func (r *Registry) Sweep(ctx context.Context) {
	now := r.clock.Now()

	r.mu.Lock()
	var evictable []string
	for id, proc := range r.processors {
		switch proc.State {
		case StateActive, StateRegistering:
			if now.Sub(proc.LastHeartbeat) > r.unhealthyAfter {
				r.transitionLocked(proc, StateUnhealthy, "missed heartbeats")
			}
		case StateUnhealthy:
			if now.Sub(proc.StateChangedAt) > r.evictAfter {
				evictable = append(evictable, id)
			}
		case StateDraining:
			if proc.Inflight == 0 || now.Sub(proc.StateChangedAt) > r.evictAfter {
				evictable = append(evictable, id)
			}
		}
	}
	r.mu.Unlock()

	for _, id := range evictable {
		r.tryEvict(ctx, id, "swept")
	}
}

// tryEvict removes a descriptor unless its work-queue PEL still holds
// entries. Returns true when the descriptor was deleted.
func (r *Registry) tryEvict(ctx context.Context, id, reason string) bool {
	if r.pending != nil {
		owners, err := r.pending.PELOwners(ctx, id)
		if err != nil {
			r.logger.Warn("eviction deferred, pending lookup failed",
				slog.String("processor_id", id),
				slog.String("error", err.Error()),
			)
			return false
		}
		if len(owners) > 0 {
			r.logger.Debug("eviction deferred, queue PEL not empty",
				slog.String("processor_id", id),
				slog.Int("owners", len(owners)),
			)
			return false
		}
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	proc, ok := r.processors[id]
	if !ok {
		return false
	}
	// Re-check under the lock: a heartbeat may have revived the processor
	// while the PEL lookup ran.
	if proc.State != StateUnhealthy && proc.State != StateDraining {
		return false
	}
	delete(r.processors, id)
	r.syncStateGauge()

	r.logger.Info("processor evicted",
		slog.String("processor_id", id),
		slog.String("reason", reason),
		slog.String("state", string(proc.State)),
		slog.Int64("inflight", proc.Inflight),
	)
	return true
}

func (r *Registry) hardCap(proc *Processor) int64 {
	limit := int64(float64(proc.Capacity) * r.hardOverflow)
	if limit < 1 {
		limit = 1
	}
	return limit
}

func clampInflight(v, hardCap int64) int64 {
	if v < 0 {
		return 0
	}
	if v > hardCap {
		return hardCap
	}
	return v
}

// transitionLocked moves a processor to a new state. Callers hold r.mu.
func (r *Registry) transitionLocked(proc *Processor, to State, reason string) {
	from := proc.State
	if from == to {
		return
	}
	proc.State = to
	proc.StateChangedAt = r.clock.Now()
	r.syncStateGauge()

	level := slog.LevelInfo
	if to == StateUnhealthy {
		level = slog.LevelWarn
	}
	r.logger.Log(context.Background(), level, "processor state changed",
		slog.String("processor_id", proc.ID),
		slog.String("from", string(from)),
		slog.String("to", string(to)),
		slog.String("reason", reason),
	)
}

// syncStateGauge republishes per-state descriptor counts. Callers hold r.mu.
func (r *Registry) syncStateGauge() {
	if r.metrics == nil {
		return
	}
	counts := make(map[State]int, len(States))
	for _, proc := range r.processors {
		counts[proc.State]++
	}
	for _, state := range States {
		r.metrics.ProcessorState.WithLabelValues(string(state)).Set(float64(counts[state]))
	}
}
