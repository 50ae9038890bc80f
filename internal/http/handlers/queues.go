package handlers

import (
	"context"

	"github.com/danielgtaylor/huma/v2"

	"github.com/jmylchreest/framebus/internal/workqueue"
)

// QueueHandler exposes the work-queue inventory.
type QueueHandler struct {
	queues *workqueue.Manager
}

// NewQueueHandler creates a queue inspection handler.
func NewQueueHandler(queues *workqueue.Manager) *QueueHandler {
	return &QueueHandler{queues: queues}
}

// ListQueuesInput is the queue inventory request.
type ListQueuesInput struct{}

// ListQueuesOutput lists every known work queue with depth and pending
// counts.
type ListQueuesOutput struct {
	Body struct {
		Queues []workqueue.QueueStats `json:"queues"`
		Count  int                    `json:"count"`
	}
}

// Register registers the queue routes with the API.
func (h *QueueHandler) Register(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "listQueues",
		Method:      "GET",
		Path:        "/queues",
		Summary:     "List work queues",
		Description: "Returns depth, pending count and bound for every work queue",
		Tags:        []string{"Queues"},
	}, h.ListQueues)
}

// ListQueues returns the queue inventory.
func (h *QueueHandler) ListQueues(ctx context.Context, _ *ListQueuesInput) (*ListQueuesOutput, error) {
	stats, err := h.queues.Stats(ctx)
	if err != nil {
		return nil, huma.Error503ServiceUnavailable(err.Error())
	}
	out := &ListQueuesOutput{}
	out.Body.Queues = stats
	out.Body.Count = len(stats)
	return out, nil
}
