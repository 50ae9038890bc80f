package handlers

import (
	"context"
	"os"
	"runtime"
	"time"

	"github.com/danielgtaylor/huma/v2"
	"github.com/shirou/gopsutil/v3/load"
	"github.com/shirou/gopsutil/v3/mem"
	"github.com/shirou/gopsutil/v3/process"

	"github.com/jmylchreest/framebus/internal/backpressure"
	"github.com/jmylchreest/framebus/internal/registry"
)

// IngestStatus is the slice of the ingest consumer the health handler needs.
type IngestStatus interface {
	Running() bool
	Connected() bool
}

// HealthHandler handles the health and readiness endpoints.
type HealthHandler struct {
	version   string
	startTime time.Time
	registry  *registry.Registry
	ingest    IngestStatus
	bp        *backpressure.Controller
}

// NewHealthHandler creates a health handler.
func NewHealthHandler(version string) *HealthHandler {
	return &HealthHandler{version: version, startTime: time.Now()}
}

// WithRegistry attaches the processor registry.
func (h *HealthHandler) WithRegistry(reg *registry.Registry) *HealthHandler {
	h.registry = reg
	return h
}

// WithIngest attaches the ingest consumer status.
func (h *HealthHandler) WithIngest(ingest IngestStatus) *HealthHandler {
	h.ingest = ingest
	return h
}

// WithBackpressure attaches the admission controller.
func (h *HealthHandler) WithBackpressure(bp *backpressure.Controller) *HealthHandler {
	h.bp = bp
	return h
}

// CPUInfo reports host CPU load.
type CPUInfo struct {
	Cores              int     `json:"cores"`
	Load1Min           float64 `json:"load_1min"`
	Load5Min           float64 `json:"load_5min"`
	Load15Min          float64 `json:"load_15min"`
	LoadPercentage1Min float64 `json:"load_percentage_1min"`
}

// MemoryInfo reports host and process memory usage.
type MemoryInfo struct {
	TotalMemoryMB     float64 `json:"total_memory_mb"`
	UsedMemoryMB      float64 `json:"used_memory_mb"`
	AvailableMemoryMB float64 `json:"available_memory_mb"`
	ProcessMemoryMB   float64 `json:"process_memory_mb"`
}

// IngestHealth reports the ingest consumer state.
type IngestHealth struct {
	Status    string `json:"status"`
	Running   bool   `json:"running"`
	Connected bool   `json:"connected"`
	Paused    bool   `json:"paused"`
	PELDepth  int64  `json:"pel_depth"`
}

// RegistryHealth reports the processor registry state.
type RegistryHealth struct {
	Status     string `json:"status"`
	Processors int    `json:"processors"`
	Active     int    `json:"active"`
}

// QueueHealth reports the aggregate work-queue state.
type QueueHealth struct {
	AggregateDepth int64 `json:"aggregate_depth"`
}

// HealthComponents groups per-component health.
type HealthComponents struct {
	Ingest   IngestHealth   `json:"ingest"`
	Registry RegistryHealth `json:"registry"`
	Queues   QueueHealth    `json:"queues"`
}

// HealthResponse is the full health payload.
type HealthResponse struct {
	Status        string           `json:"status" enum:"ok,degraded,unhealthy"`
	Timestamp     string           `json:"timestamp"`
	Version       string           `json:"version"`
	Uptime        string           `json:"uptime"`
	UptimeSeconds float64          `json:"uptime_seconds"`
	CPUInfo       CPUInfo          `json:"cpu"`
	Memory        MemoryInfo       `json:"memory"`
	Components    HealthComponents `json:"components"`
}

// HealthInput is the health request.
type HealthInput struct{}

// HealthOutput is the health response.
type HealthOutput struct {
	Body HealthResponse
}

// ReadyInput is the readiness request.
type ReadyInput struct{}

// ReadyOutput is the readiness response.
type ReadyOutput struct {
	Body struct {
		Status string `json:"status"`
	}
}

// Register registers the health routes with the API.
func (h *HealthHandler) Register(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "getHealth",
		Method:      "GET",
		Path:        "/health",
		Summary:     "Health check",
		Description: "Returns service health including system metrics and component status",
		Tags:        []string{"System"},
	}, h.GetHealth)

	huma.Register(api, huma.Operation{
		OperationID: "getReady",
		Method:      "GET",
		Path:        "/ready",
		Summary:     "Readiness check",
		Description: "Returns 200 once the ingest consumer is connected and at least one processor is Active",
		Tags:        []string{"System"},
	}, h.GetReady)
}

// GetHealth returns the health payload. The endpoint itself always answers
// 200; the status field carries the verdict so dashboards can poll it
// without tripping restarts.
func (h *HealthHandler) GetHealth(ctx context.Context, _ *HealthInput) (*HealthOutput, error) {
	now := time.Now()
	uptime := now.Sub(h.startTime)

	ingest := h.ingestHealth()
	reg := h.registryHealth()

	// "ok" while the consumer loop runs; clients poll for that exact value.
	status := "ok"
	switch {
	case !ingest.Running:
		status = "unhealthy"
	case !ingest.Connected || ingest.Paused:
		status = "degraded"
	}

	resp := HealthResponse{
		Status:        status,
		Timestamp:     now.UTC().Format(time.RFC3339),
		Version:       h.version,
		Uptime:        uptime.Round(time.Second).String(),
		UptimeSeconds: uptime.Seconds(),
		CPUInfo:       h.cpuInfo(),
		Memory:        h.memoryInfo(),
		Components: HealthComponents{
			Ingest:   ingest,
			Registry: reg,
			Queues:   h.queueHealth(),
		},
	}
	return &HealthOutput{Body: resp}, nil
}

// GetReady answers 503 until the ingest consumer is connected and at least
// one processor is Active.
func (h *HealthHandler) GetReady(ctx context.Context, _ *ReadyInput) (*ReadyOutput, error) {
	if h.ingest == nil || !h.ingest.Running() || !h.ingest.Connected() {
		return nil, huma.Error503ServiceUnavailable("ingest consumer not connected")
	}
	if h.registry == nil || h.registry.CountActive() == 0 {
		return nil, huma.Error503ServiceUnavailable("no active processors")
	}
	out := &ReadyOutput{}
	out.Body.Status = "ready"
	return out, nil
}

func (h *HealthHandler) ingestHealth() IngestHealth {
	info := IngestHealth{Status: "unknown"}
	if h.ingest != nil {
		info.Running = h.ingest.Running()
		info.Connected = h.ingest.Connected()
		if info.Running && info.Connected {
			info.Status = "ok"
		} else {
			info.Status = "error"
		}
	}
	if h.bp != nil {
		info.Paused = h.bp.Paused()
		info.PELDepth = h.bp.PELDepth()
		if info.Paused && info.Status == "ok" {
			info.Status = "paused"
		}
	}
	return info
}

func (h *HealthHandler) registryHealth() RegistryHealth {
	info := RegistryHealth{Status: "unknown"}
	if h.registry == nil {
		return info
	}
	info.Processors = h.registry.Count()
	info.Active = h.registry.CountActive()
	if info.Active > 0 {
		info.Status = "ok"
	} else {
		info.Status = "idle"
	}
	return info
}

func (h *HealthHandler) queueHealth() QueueHealth {
	if h.bp == nil {
		return QueueHealth{}
	}
	return QueueHealth{AggregateDepth: h.bp.AggregateDepth()}
}

func (h *HealthHandler) cpuInfo() CPUInfo {
	cores := runtime.NumCPU()
	info := CPUInfo{Cores: cores}

	loadAvg, err := load.Avg()
	if err == nil && loadAvg != nil {
		info.Load1Min = loadAvg.Load1
		info.Load5Min = loadAvg.Load5
		info.Load15Min = loadAvg.Load15
		if cores > 0 {
			info.LoadPercentage1Min = (loadAvg.Load1 / float64(cores)) * 100
		}
	}
	return info
}

func (h *HealthHandler) memoryInfo() MemoryInfo {
	info := MemoryInfo{}

	vmStat, err := mem.VirtualMemory()
	if err == nil && vmStat != nil {
		info.TotalMemoryMB = float64(vmStat.Total) / 1024 / 1024
		info.UsedMemoryMB = float64(vmStat.Used) / 1024 / 1024
		info.AvailableMemoryMB = float64(vmStat.Available) / 1024 / 1024
	}

	proc, err := process.NewProcess(int32(os.Getpid()))
	if err == nil {
		if memInfo, err := proc.MemoryInfo(); err == nil && memInfo != nil {
			info.ProcessMemoryMB = float64(memInfo.RSS) / 1024 / 1024
		}
	}
	return info
}
