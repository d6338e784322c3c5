package worker

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/seantiz/forge/internal/camunda"
	"github.com/seantiz/forge/internal/model"
)

// reportTimeout bounds a single report call.
const reportTimeout = 15 * time.Second

// EngineReporter is the part of the engine API the worker uses to settle
// leases. *camunda.Client implements it.
type EngineReporter interface {
	Complete(ctx context.Context, taskID string, vars model.Variables) error
	HandleFailure(ctx context.Context, taskID string, f camunda.Failure) error
	HandleBpmnError(ctx context.Context, taskID, code, message string) error
	Unlock(ctx context.Context, taskID string) error
	ExtendLock(ctx context.Context, taskID string, d time.Duration) error
}

var _ EngineReporter = (*camunda.Client)(nil)

// Reporter translates outcomes into engine report calls. It never retries:
// a failed report leaves the lease to expire on the engine side.
type Reporter struct {
	engine EngineReporter
	logger *slog.Logger
}

// NewReporter creates a reporter that sends calls to engine.
func NewReporter(engine EngineReporter, logger *slog.Logger) *Reporter {
	return &Reporter{engine: engine, logger: logger}
}

// Report sends the terminal call matching out. The call runs on its own
// timeout and is not cut short by ctx cancellation, so a result produced
// before shutdown still reaches the engine.
func (r *Reporter) Report(ctx context.Context, lease model.Lease, out model.Outcome) error {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), reportTimeout)
	defer cancel()

	var call string
	var err error
	switch out.Kind {
	case model.OutcomeCompleted:
		call = "complete"
		err = r.engine.Complete(ctx, lease.TaskID, out.Variables)
	case model.OutcomeFailed:
		call = "failure"
		err = r.engine.HandleFailure(ctx, lease.TaskID, camunda.Failure{
			Message:      out.Message,
			Detail:       out.Detail,
			Retries:      out.Retries,
			RetryTimeout: out.RetryTimeout,
		})
	case model.OutcomeBPMNError:
		call = "bpmnError"
		err = r.engine.HandleBpmnError(ctx, lease.TaskID, out.ErrorCode, out.Message)
	default:
		return fmt.Errorf("report task %s: unknown outcome kind %d", lease.TaskID, out.Kind)
	}

	if err != nil {
		reportErrorsTotal.WithLabelValues(call).Inc()
		return fmt.Errorf("report %s for task %s: %w", call, lease.TaskID, err)
	}

	r.logOutcome(lease, out)
	return nil
}

func (r *Reporter) logOutcome(lease model.Lease, out model.Outcome) {
	attrs := []any{
		"task_id", lease.TaskID,
		"lease_id", lease.ID,
		"topic", lease.Topic,
		"status", out.Status(),
	}
	switch out.Kind {
	case model.OutcomeFailed:
		attrs = append(attrs, "error_message", out.Message, "retries", out.Retries)
		if out.Retries == 0 {
			r.logger.Warn("incident reported", attrs...)
			return
		}
	case model.OutcomeBPMNError:
		attrs = append(attrs, "error_code", out.ErrorCode)
	}
	r.logger.Info("outcome reported", attrs...)
}

// Unlock releases the lease's lock. Failures are logged only; the lock
// expires on its own.
func (r *Reporter) Unlock(ctx context.Context, lease model.Lease) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), reportTimeout)
	defer cancel()

	if err := r.engine.Unlock(ctx, lease.TaskID); err != nil {
		reportErrorsTotal.WithLabelValues("unlock").Inc()
		r.logger.Warn("unlock failed", "task_id", lease.TaskID, "lease_id", lease.ID, "error", err)
	}
}

// ExtendLock renews the lease's lock for d.
func (r *Reporter) ExtendLock(ctx context.Context, lease model.Lease, d time.Duration) error {
	if err := r.engine.ExtendLock(ctx, lease.TaskID, d); err != nil {
		reportErrorsTotal.WithLabelValues("extendLock").Inc()
		return fmt.Errorf("extend lock for task %s: %w", lease.TaskID, err)
	}
	return nil
}
