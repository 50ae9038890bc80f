// Package handlers provides the control-plane API handlers for framebus.
package handlers

import (
	"context"
	"errors"
	"log/slog"

	"github.com/danielgtaylor/huma/v2"

	"github.com/jmylchreest/framebus/internal/registry"
	"github.com/jmylchreest/framebus/internal/workqueue"
)

// ProcessorHandler handles processor lifecycle endpoints.
type ProcessorHandler struct {
	logger   *slog.Logger
	registry *registry.Registry
	queues   *workqueue.Manager
}

// NewProcessorHandler creates a processor lifecycle handler.
func NewProcessorHandler(logger *slog.Logger, reg *registry.Registry, queues *workqueue.Manager) *ProcessorHandler {
	return &ProcessorHandler{logger: logger, registry: reg, queues: queues}
}

// RegisterInput is the registration request.
type RegisterInput struct {
	Body struct {
		ProcessorID  string   `json:"processor_id" minLength:"1" doc:"Unique processor identifier"`
		Capabilities []string `json:"capabilities" doc:"Capability tags, e.g. face, object"`
		Capacity     int      `json:"capacity" minimum:"1" doc:"Concurrent frames the processor can hold"`
	}
}

// RegisterOutput is the registration response.
type RegisterOutput struct {
	Body struct {
		QueueName string              `json:"queue_name" doc:"Stream the processor must consume"`
		Processor *registry.Processor `json:"processor"`
	}
}

// HeartbeatInput is one liveness report.
type HeartbeatInput struct {
	ID   string `path:"id" doc:"Processor identifier"`
	Body registry.Heartbeat
}

// HeartbeatOutput returns the descriptor as the registry now sees it.
type HeartbeatOutput struct {
	Body struct {
		Processor *registry.Processor `json:"processor"`
	}
}

// DeregisterInput identifies the processor to drain.
type DeregisterInput struct {
	ID string `path:"id" doc:"Processor identifier"`
}

// DeregisterOutput is empty; draining is acknowledged with 204.
type DeregisterOutput struct{}

// ListProcessorsInput is the processor inventory request.
type ListProcessorsInput struct{}

// ListProcessorsOutput is the processor inventory.
type ListProcessorsOutput struct {
	Body struct {
		Processors []*registry.Processor `json:"processors"`
		Count      int                   `json:"count"`
		Active     int                   `json:"active"`
	}
}

// Register registers the processor routes with the API.
func (h *ProcessorHandler) Register(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "registerProcessor",
		Method:      "POST",
		Path:        "/processors",
		Summary:     "Register a processor",
		Description: "Registers a processor and returns the work queue it must consume",
		Tags:        []string{"Processors"},
	}, h.RegisterProcessor)

	huma.Register(api, huma.Operation{
		OperationID: "processorHeartbeat",
		Method:      "POST",
		Path:        "/processors/{id}/heartbeat",
		Summary:     "Report processor liveness",
		Description: "Records a heartbeat; a heartbeat carrying capabilities and capacity re-registers an unknown processor",
		Tags:        []string{"Processors"},
	}, h.ProcessorHeartbeat)

	huma.Register(api, huma.Operation{
		OperationID:   "deregisterProcessor",
		Method:        "DELETE",
		Path:          "/processors/{id}",
		Summary:       "Drain and deregister a processor",
		Description:   "Marks the processor Draining; it is removed once its queue pending list is empty",
		Tags:          []string{"Processors"},
		DefaultStatus: 204,
	}, h.DeregisterProcessor)

	huma.Register(api, huma.Operation{
		OperationID: "listProcessors",
		Method:      "GET",
		Path:        "/processors",
		Summary:     "List registered processors",
		Tags:        []string{"Processors"},
	}, h.ListProcessors)
}

// RegisterProcessor admits a new processor and ensures its work queue.
func (h *ProcessorHandler) RegisterProcessor(ctx context.Context, input *RegisterInput) (*RegisterOutput, error) {
	proc, err := h.registry.Register(registry.Descriptor{
		ID:           input.Body.ProcessorID,
		Capabilities: input.Body.Capabilities,
		Capacity:     input.Body.Capacity,
	})
	if err != nil {
		switch {
		case errors.Is(err, registry.ErrConflict):
			return nil, huma.Error409Conflict(err.Error())
		case errors.Is(err, registry.ErrInvalidDescriptor):
			return nil, huma.Error422UnprocessableEntity(err.Error())
		case errors.Is(err, registry.ErrRegistryFull):
			return nil, huma.Error503ServiceUnavailable(err.Error())
		}
		return nil, err
	}

	queue, err := h.queues.EnsureQueue(ctx, proc.ID, 0)
	if err != nil {
		h.logger.Error("queue creation failed after registration",
			slog.String("processor_id", proc.ID),
			slog.String("error", err.Error()),
		)
		_ = h.registry.Deregister(proc.ID)
		return nil, huma.Error503ServiceUnavailable("work queue unavailable")
	}

	out := &RegisterOutput{}
	out.Body.QueueName = queue
	out.Body.Processor = proc
	return out, nil
}

// ProcessorHeartbeat records a heartbeat.
func (h *ProcessorHandler) ProcessorHeartbeat(ctx context.Context, input *HeartbeatInput) (*HeartbeatOutput, error) {
	proc, err := h.registry.Heartbeat(input.ID, input.Body)
	if err != nil {
		if errors.Is(err, registry.ErrNotFound) {
			return nil, huma.Error404NotFound(err.Error())
		}
		if errors.Is(err, registry.ErrRegistryFull) {
			return nil, huma.Error503ServiceUnavailable(err.Error())
		}
		return nil, err
	}

	// A heartbeat can auto-register; make sure the queue exists either way.
	if _, err := h.queues.EnsureQueue(ctx, proc.ID, 0); err != nil {
		h.logger.Warn("queue ensure failed on heartbeat",
			slog.String("processor_id", proc.ID),
			slog.String("error", err.Error()),
		)
	}

	out := &HeartbeatOutput{}
	out.Body.Processor = proc
	return out, nil
}

// DeregisterProcessor starts a drain. The descriptor disappears once the
// queue pending list is empty.
func (h *ProcessorHandler) DeregisterProcessor(ctx context.Context, input *DeregisterInput) (*DeregisterOutput, error) {
	_, err := h.registry.Drain(ctx, input.ID)
	if err != nil {
		if errors.Is(err, registry.ErrNotFound) {
			return nil, huma.Error404NotFound(err.Error())
		}
		return nil, err
	}
	return &DeregisterOutput{}, nil
}

// ListProcessors returns every registered descriptor.
func (h *ProcessorHandler) ListProcessors(ctx context.Context, _ *ListProcessorsInput) (*ListProcessorsOutput, error) {
	out := &ListProcessorsOutput{}
	out.Body.Processors = h.registry.List()
	out.Body.Count = len(out.Body.Processors)
	out.Body.Active = h.registry.CountActive()
	return out, nil
}
