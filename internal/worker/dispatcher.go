package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/semaphore"

	"github.com/seantiz/forge/internal/camunda"
	"github.com/seantiz/forge/internal/handler"
	"github.com/seantiz/forge/internal/model"
	"github.com/seantiz/forge/internal/store"
)

const tracerName = "github.com/seantiz/forge/internal/worker"

// maxSafetyMargin caps the time kept in reserve between a handler deadline
// and the lock expiry so the report still lands while the lock is held.
const maxSafetyMargin = time.Second

var (
	errLockLost = errors.New("lock renewal failed")
	errShutdown = errors.New("worker shutting down")
)

// safetyMargin returns the reserve for a lock of duration d.
func safetyMargin(d time.Duration) time.Duration {
	return min(maxSafetyMargin, d/10)
}

// PanicError is the fault produced when a handler panics.
type PanicError struct {
	Value any
	Stack []byte
}

func (e *PanicError) Error() string {
	return fmt.Sprintf("handler panic: %v", e.Value)
}

// Dispatcher runs leases on their topic handlers with at most size
// invocations at a time.
type Dispatcher struct {
	registry *handler.Registry
	reporter *Reporter
	journal  store.Store
	broker   *EventBroker
	logger   *slog.Logger
	now      func() time.Time

	sem  *semaphore.Weighted
	size int
	busy atomic.Int64
	wg   sync.WaitGroup

	// handlerCtx is the parent of every handler context. Cancelling it
	// abandons whatever is still running.
	handlerCtx    context.Context
	cancelHandler context.CancelCauseFunc
}

// NewDispatcher creates a dispatcher with size concurrent slots.
func NewDispatcher(size int, reg *handler.Registry, reporter *Reporter, journal store.Store, broker *EventBroker, logger *slog.Logger) *Dispatcher {
	if size < 1 {
		size = 1
	}
	ctx, cancel := context.WithCancelCause(context.Background())
	return &Dispatcher{
		registry:      reg,
		reporter:      reporter,
		journal:       journal,
		broker:        broker,
		logger:        logger,
		now:           time.Now,
		sem:           semaphore.NewWeighted(int64(size)),
		size:          size,
		handlerCtx:    ctx,
		cancelHandler: cancel,
	}
}

// Size returns the number of concurrent slots.
func (d *Dispatcher) Size() int {
	return d.size
}

// InFlight returns the number of leases currently holding a slot.
func (d *Dispatcher) InFlight() int {
	return int(d.busy.Load())
}

// Free returns the number of idle slots.
func (d *Dispatcher) Free() int {
	return d.size - d.InFlight()
}

// WaitForSlot blocks until at least one slot is idle or ctx is done. Only
// the poller acquires slots, so a slot seen free stays free until the next
// Dispatch.
func (d *Dispatcher) WaitForSlot(ctx context.Context) error {
	if err := d.sem.Acquire(ctx, 1); err != nil {
		return err
	}
	d.sem.Release(1)
	return nil
}

// Dispatch starts lease on its handler and returns without waiting. A lease
// that cannot get a slot is abandoned and unlocked.
func (d *Dispatcher) Dispatch(lease model.Lease) {
	if !d.sem.TryAcquire(1) {
		d.abandon(lease, "no free dispatcher slot", true)
		return
	}
	d.busy.Add(1)

	d.wg.Go(func() {
		defer func() {
			d.busy.Add(-1)
			d.sem.Release(1)
		}()
		d.run(lease)
	})
}

// Wait blocks until every dispatched lease has been settled.
func (d *Dispatcher) Wait() {
	d.wg.Wait()
}

// Shutdown waits up to grace for in-flight leases, then cancels the
// remaining handlers, which abandons and unlocks their leases.
func (d *Dispatcher) Shutdown(grace time.Duration) {
	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()

	timer := time.NewTimer(grace)
	defer timer.Stop()

	select {
	case <-done:
	case <-timer.C:
		d.logger.Warn("shutdown grace period elapsed", "in_flight", d.InFlight(), "grace", grace.String())
		d.cancelHandler(errShutdown)
		<-done
	}
	d.cancelHandler(errShutdown)
}

type handlerResult struct {
	out model.Outcome
	err error
}

// run settles one lease: exactly one report, or abandoned.
func (d *Dispatcher) run(lease model.Lease) {
	sub, ok := d.registry.Lookup(lease.Topic)
	if !ok {
		d.abandon(lease, "no subscription for topic", true)
		return
	}

	margin := safetyMargin(sub.LockDuration)
	start := d.now()
	if lease.Expired(start, margin) {
		d.abandon(lease, "lock expired before dispatch", false)
		return
	}

	d.transition(lease, model.StatusDispatched)

	deadline := lease.LockExpiresAt.Add(-margin)
	if sub.AutoExtend {
		deadline = start.Add(sub.Timeout)
	} else if sub.Timeout > 0 {
		deadline = earliest(deadline, start.Add(sub.Timeout))
	}

	parent, cancelParent := context.WithCancelCause(d.handlerCtx)
	defer cancelParent(nil)
	hctx, cancel := context.WithDeadline(parent, deadline)
	defer cancel()

	if sub.AutoExtend {
		go d.renew(hctx, lease, sub.LockDuration, cancelParent)
	}

	hctx, span := otel.Tracer(tracerName).Start(hctx, "handle "+lease.Topic,
		trace.WithSpanKind(trace.SpanKindConsumer),
		trace.WithAttributes(
			attribute.String("forge.topic", lease.Topic),
			attribute.String("forge.task_id", lease.TaskID),
			attribute.String("forge.lease_id", lease.ID),
		),
	)
	defer span.End()

	handlersInFlight.Inc()
	resultCh := make(chan handlerResult, 1)
	go func() {
		out, err := invoke(hctx, sub.Handler, lease)
		resultCh <- handlerResult{out: out, err: err}
	}()

	var res handlerResult
	interrupted := false
	select {
	case res = <-resultCh:
		// A fault or failure seen after the context ended is charged to
		// the interruption.
		interrupted = hctx.Err() != nil && (res.err != nil || res.out.Kind == model.OutcomeFailed)
	case <-hctx.Done():
		interrupted = true
		go d.discardLate(lease, resultCh)
	}
	handlersInFlight.Dec()

	elapsed := d.now().Sub(start)
	handlerDuration.WithLabelValues(lease.Topic).Observe(elapsed.Seconds())

	var out model.Outcome
	switch {
	case interrupted && d.handlerCtx.Err() != nil:
		span.SetStatus(codes.Error, "abandoned on shutdown")
		d.abandon(lease, "handler interrupted by shutdown", true)
		return
	case interrupted && errors.Is(context.Cause(parent), errLockLost):
		span.SetStatus(codes.Error, "lock lost")
		d.abandon(lease, "lock renewal failed", false)
		return
	case interrupted:
		out = model.Fail("handler timed out",
			fmt.Sprintf("topic %q handler produced no result within %s", lease.Topic, elapsed.Round(time.Millisecond)))
	case res.err != nil:
		out = model.Fail("handler fault", faultDetail(res.err))
	case res.out.Kind == 0:
		out = model.Fail("handler fault", "handler returned no outcome")
	default:
		out = res.out
	}

	if res.err != nil || interrupted {
		d.logger.Error("handler fault",
			"task_id", lease.TaskID,
			"lease_id", lease.ID,
			"topic", lease.Topic,
			"error", out.Detail,
		)
	}

	d.settle(span, lease, out, elapsed)
}

// Reject settles a lease that cannot reach its handler, such as one whose
// variables failed to decode. It reports out without taking a slot.
func (d *Dispatcher) Reject(lease model.Lease, out model.Outcome) {
	d.wg.Go(func() {
		_, span := otel.Tracer(tracerName).Start(d.handlerCtx, "reject "+lease.Topic,
			trace.WithSpanKind(trace.SpanKindConsumer),
			trace.WithAttributes(
				attribute.String("forge.topic", lease.Topic),
				attribute.String("forge.task_id", lease.TaskID),
				attribute.String("forge.lease_id", lease.ID),
			),
		)
		defer span.End()

		d.logger.Error("lease rejected",
			"task_id", lease.TaskID,
			"lease_id", lease.ID,
			"topic", lease.Topic,
			"error", out.Detail,
		)
		d.transition(lease, model.StatusDispatched)
		d.settle(span, lease, out, 0)
	})
}

// settle reports out and journals the result. Output variables the engine
// cannot represent are a handler fault and become an incident.
func (d *Dispatcher) settle(span trace.Span, lease model.Lease, out model.Outcome, elapsed time.Duration) {
	err := d.reporter.Report(d.handlerCtx, lease, out)
	if errors.Is(err, camunda.ErrEncode) {
		d.logger.Error("handler fault",
			"task_id", lease.TaskID,
			"lease_id", lease.ID,
			"topic", lease.Topic,
			"error", err,
		)
		out = model.Fail("handler fault", err.Error())
		err = d.reporter.Report(d.handlerCtx, lease, out)
	}

	if out.Kind == model.OutcomeFailed {
		span.SetStatus(codes.Error, out.Message)
	}
	span.SetAttributes(attribute.String("forge.status", out.Status()))

	if err != nil {
		span.RecordError(err)
		d.logger.Error("report failed, abandoning lease",
			"task_id", lease.TaskID,
			"lease_id", lease.ID,
			"topic", lease.Topic,
			"error", err,
		)
		d.finish(lease, model.StatusAbandoned, model.Outcome{Message: "report failed", Detail: err.Error()}, elapsed)
		return
	}
	d.finish(lease, out.Status(), out, elapsed)
}

// invoke calls h and turns a panic into a *PanicError.
func invoke(ctx context.Context, h handler.Handler, lease model.Lease) (out model.Outcome, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = &PanicError{Value: r, Stack: debug.Stack()}
		}
	}()
	return h.Handle(ctx, lease)
}

func faultDetail(err error) string {
	var pe *PanicError
	if errors.As(err, &pe) {
		return fmt.Sprintf("%v\n\n%s", pe.Value, pe.Stack)
	}
	if msg := err.Error(); msg != "" {
		return msg
	}
	return fmt.Sprintf("%T", err)
}

// discardLate logs the result of a handler that outlived its deadline.
func (d *Dispatcher) discardLate(lease model.Lease, ch <-chan handlerResult) {
	res := <-ch
	d.logger.Warn("discarding late handler result",
		"task_id", lease.TaskID,
		"lease_id", lease.ID,
		"topic", lease.Topic,
		"outcome", res.out.Kind.String(),
		"fault", res.err != nil,
	)
}

// renew extends the lock every half lock duration until ctx is done. A
// failed renewal cancels the handler with errLockLost.
func (d *Dispatcher) renew(ctx context.Context, lease model.Lease, lockDuration time.Duration, cancel context.CancelCauseFunc) {
	ticker := time.NewTicker(lockDuration / 2)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		if err := d.reporter.ExtendLock(ctx, lease, lockDuration); err != nil {
			if ctx.Err() != nil {
				return
			}
			d.logger.Error("lock renewal failed",
				"task_id", lease.TaskID,
				"lease_id", lease.ID,
				"error", err,
			)
			cancel(errLockLost)
			return
		}

		expires := d.now().Add(lockDuration)
		if err := d.journal.ExtendLease(context.Background(), lease.ID, expires); err != nil {
			d.logger.Error("failed to journal lock renewal", "lease_id", lease.ID, "error", err)
		}
		d.logger.Debug("lock renewed", "task_id", lease.TaskID, "lock_expires_at", expires)
	}
}

// abandon gives up on a lease without a terminal report. The lock is
// released early when unlock is set and otherwise left to expire.
func (d *Dispatcher) abandon(lease model.Lease, reason string, unlock bool) {
	d.logger.Warn("lease abandoned",
		"task_id", lease.TaskID,
		"lease_id", lease.ID,
		"topic", lease.Topic,
		"reason", reason,
	)
	if unlock {
		d.reporter.Unlock(d.handlerCtx, lease)
	}
	d.finish(lease, model.StatusAbandoned, model.Outcome{Message: reason}, 0)
}

// transition journals and publishes a non-terminal status change.
func (d *Dispatcher) transition(lease model.Lease, status string) {
	if err := d.journal.UpdateLeaseStatus(context.Background(), lease.ID, status); err != nil {
		d.logger.Error("failed to journal lease status", "lease_id", lease.ID, "status", status, "error", err)
	}
	d.broker.Publish(Event{
		LeaseID: lease.ID,
		TaskID:  lease.TaskID,
		Topic:   lease.Topic,
		Status:  status,
		At:      d.now().UTC(),
	})
}

// finish journals the terminal status of a lease.
func (d *Dispatcher) finish(lease model.Lease, status string, out model.Outcome, elapsed time.Duration) {
	ctx := context.Background()
	leaseOutcomesTotal.WithLabelValues(lease.Topic, status).Inc()

	rec, err := d.journal.GetLease(ctx, lease.ID)
	if err != nil {
		d.logger.Error("failed to read lease journal", "lease_id", lease.ID, "error", err)
	} else {
		now := d.now().UTC()
		rec.Status = status
		rec.ErrorMessage = out.Message
		rec.ErrorDetail = out.Detail
		rec.ErrorCode = out.ErrorCode
		rec.FinishedAt = &now
		if out.Kind == model.OutcomeFailed {
			retries := out.Retries
			rec.Retries = &retries
		}
		if rec.DispatchedAt != nil {
			ms := int(elapsed.Milliseconds())
			rec.DurationMS = &ms
		}
		if err := d.journal.UpdateLease(ctx, rec); err != nil {
			d.logger.Error("failed to journal lease outcome", "lease_id", lease.ID, "status", status, "error", err)
		}
	}

	d.broker.Publish(Event{
		LeaseID: lease.ID,
		TaskID:  lease.TaskID,
		Topic:   lease.Topic,
		Status:  status,
		Message: out.Message,
		At:      d.now().UTC(),
	})
}

func earliest(a, b time.Time) time.Time {
	if b.Before(a) {
		return b
	}
	return a
}
