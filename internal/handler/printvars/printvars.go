// Package printvars implements a handler that logs the process variables of
// a task and completes it without output.
package printvars

import (
	"context"
	"log/slog"
	"sort"

	"github.com/seantiz/forge/internal/model"
)

// Handler logs every variable of the leased task.
type Handler struct {
	logger *slog.Logger
}

// New creates a print-variables handler.
func New(logger *slog.Logger) *Handler {
	return &Handler{logger: logger}
}

// Handle logs every process variable of the lease and completes it.
func (h *Handler) Handle(ctx context.Context, lease model.Lease) (model.Outcome, error) {
	h.logger.InfoContext(ctx, "handling external task",
		"task_id", lease.TaskID,
		"process_instance_id", lease.ProcessInstanceID,
		"variable_count", len(lease.Variables),
	)

	names := make([]string, 0, len(lease.Variables))
	for name := range lease.Variables {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		h.logger.InfoContext(ctx, "process variable",
			"task_id", lease.TaskID,
			"name", name,
			"value", lease.Variables[name],
		)
	}

	return model.Complete(nil), nil
}
