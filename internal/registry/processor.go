package registry

import (
	"sort"
	"strings"
	"time"
)

// State describes where a processor sits in its lifecycle.
type State string

const (
	// StateRegistering means the processor registered but has not yet sent
	// a heartbeat.
	StateRegistering State = "registering"
	// StateActive means the processor is heartbeating and eligible for
	// routing.
	StateActive State = "active"
	// StateDraining means the processor is shutting down and receives no
	// new frames.
	StateDraining State = "draining"
	// StateUnhealthy means the processor missed heartbeats or exceeded the
	// failure threshold.
	StateUnhealthy State = "unhealthy"
	// StateDeregistered is terminal; the descriptor is removed.
	StateDeregistered State = "deregistered"
)

// States enumerates every lifecycle state, in lifecycle order.
var States = []State{StateRegistering, StateActive, StateDraining, StateUnhealthy, StateDeregistered}

// Descriptor is the registration payload supplied by a processor.
type Descriptor struct {
	ID           string   `json:"processor_id"`
	Capabilities []string `json:"capabilities"`
	Capacity     int      `json:"capacity"`
}

// Stats carries the host metrics a processor reports with its heartbeats.
type Stats struct {
	Hostname    string  `json:"hostname,omitempty"`
	PID         int     `json:"pid,omitempty"`
	CPUPercent  float64 `json:"cpu_percent,omitempty"`
	MemoryBytes int64   `json:"memory_bytes,omitempty"`
	Goroutines  int     `json:"goroutines,omitempty"`
}

// Heartbeat is one liveness report from a processor. Inflight and
// ConsecutiveFailures are pointers so an absent field is distinguishable
// from zero. Capabilities and Capacity are only consulted when the id is
// unknown and the heartbeat has to auto-register.
type Heartbeat struct {
	Inflight            *int64   `json:"inflight,omitempty"`
	ConsecutiveFailures *int     `json:"consecutive_failures,omitempty"`
	Capabilities        []string `json:"capabilities,omitempty"`
	Capacity            int      `json:"capacity,omitempty"`
	Stats               *Stats   `json:"stats,omitempty"`
}

// Processor is one registered processor descriptor.
type Processor struct {
	ID                  string    `json:"processor_id"`
	Capabilities        []string  `json:"capabilities"`
	QueueName           string    `json:"queue_name"`
	Capacity            int       `json:"capacity"`
	State               State     `json:"state"`
	Inflight            int64     `json:"inflight"`
	ConsecutiveFailures int       `json:"consecutive_failures"`
	RegisteredAt        time.Time `json:"registered_at"`
	LastHeartbeat       time.Time `json:"last_heartbeat"`
	StateChangedAt      time.Time `json:"state_changed_at"`
	Stats               *Stats    `json:"stats,omitempty"`
}

// Load returns the processor's inflight-to-capacity ratio.
func (p *Processor) Load() float64 {
	if p.Capacity <= 0 {
		return 1
	}
	return float64(p.Inflight) / float64(p.Capacity)
}

// Saturated reports whether the processor is at or past the soft overflow
// threshold.
func (p *Processor) Saturated(softFactor float64) bool {
	return float64(p.Inflight) >= float64(p.Capacity)*softFactor
}

// HasCapabilities reports whether the processor advertises every capability
// in required. An empty requirement always matches.
func (p *Processor) HasCapabilities(required []string) bool {
	if len(required) == 0 {
		return true
	}
	have := make(map[string]struct{}, len(p.Capabilities))
	for _, c := range p.Capabilities {
		have[c] = struct{}{}
	}
	for _, want := range required {
		if _, ok := have[want]; !ok {
			return false
		}
	}
	return true
}

// Clone returns an independent copy safe to hand outside the registry lock.
func (p *Processor) Clone() *Processor {
	clone := *p
	clone.Capabilities = append([]string(nil), p.Capabilities...)
	if p.Stats != nil {
		stats := *p.Stats
		clone.Stats = &stats
	}
	return &clone
}

// NormalizeCapabilities lower-cases, trims, de-duplicates and sorts a
// capability set so comparisons are order-insensitive.
func NormalizeCapabilities(caps []string) []string {
	seen := make(map[string]struct{}, len(caps))
	normalized := make([]string, 0, len(caps))
	for _, c := range caps {
		c = strings.ToLower(strings.TrimSpace(c))
		if c == "" {
			continue
		}
		if _, ok := seen[c]; ok {
			continue
		}
		seen[c] = struct{}{}
		normalized = append(normalized, c)
	}
	sort.Strings(normalized)
	return normalized
}

func capabilitiesEqual(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
