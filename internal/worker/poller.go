package worker

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v5"

	"github.com/seantiz/forge/internal/camunda"
	"github.com/seantiz/forge/internal/model"
)

const initialBackoff = 500 * time.Millisecond

// poll runs fetch cycles until ctx is done.
func (w *Worker) poll(ctx context.Context) {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = min(initialBackoff, w.cfg.BackoffMax)
	bo.MaxInterval = w.cfg.BackoffMax
	bo.Reset()

	topics := w.topics()

	for ctx.Err() == nil {
		// Never fetch work that cannot start right away.
		if err := w.dispatcher.WaitForSlot(ctx); err != nil {
			return
		}
		if err := w.limiter.Wait(ctx); err != nil {
			return
		}

		n, err := w.pollOnce(ctx, topics)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			fetchCyclesTotal.WithLabelValues("error").Inc()
			delay := bo.NextBackOff()
			w.logger.Warn("fetch and lock failed", "error", err, "retry_in", delay.String())
			if !sleep(ctx, delay) {
				return
			}
			continue
		}

		bo.Reset()
		if n == 0 {
			fetchCyclesTotal.WithLabelValues("empty").Inc()
		} else {
			fetchCyclesTotal.WithLabelValues("ok").Inc()
		}
	}
}

// topics builds the fetch topics from the frozen registry.
func (w *Worker) topics() []camunda.Topic {
	subs := w.registry.Snapshot()
	topics := make([]camunda.Topic, 0, len(subs))
	for _, sub := range subs {
		topics = append(topics, camunda.Topic{
			Name:         sub.Topic,
			LockDuration: sub.LockDuration,
			Variables:    sub.Variables,
		})
	}
	return topics
}

// pollOnce runs one fetch-and-lock round trip, journals the leases and
// hands them to the dispatcher. It returns the number of leases dispatched.
func (w *Worker) pollOnce(ctx context.Context, topics []camunda.Topic) (int, error) {
	maxTasks := min(w.cfg.MaxTasks, w.dispatcher.Free())
	if maxTasks <= 0 {
		return 0, nil
	}

	tasks, err := w.client.FetchAndLock(ctx, camunda.FetchRequest{
		Topics:               topics,
		MaxTasks:             maxTasks,
		AsyncResponseTimeout: w.cfg.AsyncResponseTimeout,
		UsePriority:          w.cfg.UsePriority,
	})
	if err != nil {
		return 0, err
	}
	received := w.now()

	for _, task := range tasks {
		lease := w.lease(task, received)
		leasesFetchedTotal.WithLabelValues(lease.Topic).Inc()

		if err := w.journal.CreateLease(context.Background(), lease.Record(received.UTC())); err != nil {
			w.logger.Error("failed to journal lease", "lease_id", lease.ID, "task_id", lease.TaskID, "error", err)
		}
		w.broker.Publish(Event{
			LeaseID: lease.ID,
			TaskID:  lease.TaskID,
			Topic:   lease.Topic,
			Status:  model.StatusLeased,
			At:      received.UTC(),
		})
		w.logger.Debug("task leased",
			"task_id", lease.TaskID,
			"lease_id", lease.ID,
			"topic", lease.Topic,
			"lock_expires_at", lease.LockExpiresAt,
		)

		if task.DecodeErr != nil {
			w.dispatcher.Reject(lease, model.Fail("variable decode failed", task.DecodeErr.Error()))
			continue
		}
		w.dispatcher.Dispatch(lease)
	}
	return len(tasks), nil
}

// lease converts a locked task. The lock expiry is measured from when the
// response arrived, which is never later than the engine's own clock start.
func (w *Worker) lease(task camunda.LockedTask, received time.Time) model.Lease {
	var lockDuration time.Duration
	if sub, ok := w.registry.Lookup(task.TopicName); ok {
		lockDuration = sub.LockDuration
	}
	workerID := task.WorkerID
	if workerID == "" {
		workerID = w.client.WorkerID()
	}
	return model.Lease{
		ID:                model.NewID(),
		TaskID:            task.ID,
		ProcessInstanceID: task.ProcessInstanceID,
		Topic:             task.TopicName,
		BusinessKey:       task.BusinessKey,
		WorkerID:          workerID,
		Variables:         task.Variables,
		LockExpiresAt:     received.Add(lockDuration),
		Retries:           task.Retries,
		Priority:          task.Priority,
	}
}

// sleep waits for d or until ctx is done. It reports whether d elapsed.
func sleep(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
