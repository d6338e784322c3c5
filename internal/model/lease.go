package model

import "time"

// Lease status constants.
const (
	StatusLeased     = "leased"
	StatusDispatched = "dispatched"
	StatusCompleted  = "completed"
	StatusFailed     = "failed"
	StatusIncident   = "incident"
	StatusBPMNError  = "bpmn_error"
	StatusAbandoned  = "abandoned"
)

// validTransitions maps each status to the set of statuses it may transition to.
// Terminal statuses have no entry.
var validTransitions = map[string]map[string]bool{
	StatusLeased: {
		StatusDispatched: true,
		StatusAbandoned:  true,
	},
	StatusDispatched: {
		StatusCompleted: true,
		StatusFailed:    true,
		StatusIncident:  true,
		StatusBPMNError: true,
		StatusAbandoned: true,
	},
}

// ValidTransition reports whether transitioning from one status to another is allowed.
func ValidTransition(from, to string) bool {
	targets, ok := validTransitions[from]
	if !ok {
		return false
	}
	return targets[to]
}

// IsTerminal reports whether no further transition is possible from status.
func IsTerminal(status string) bool {
	_, ok := validTransitions[status]
	return !ok
}

// Lease is an external task locked by this worker. ID is local and unique per
// fetch; TaskID is the engine's id and repeats when the engine re-leases a task.
type Lease struct {
	ID                string    `json:"id"`
	TaskID            string    `json:"task_id"`
	ProcessInstanceID string    `json:"process_instance_id"`
	Topic             string    `json:"topic"`
	BusinessKey       string    `json:"business_key,omitempty"`
	WorkerID          string    `json:"worker_id"`
	Variables         Variables `json:"variables,omitempty"`
	LockExpiresAt     time.Time `json:"lock_expires_at"`
	Retries           *int      `json:"retries,omitempty"`
	Priority          int64     `json:"priority"`
}

// Expired reports whether the lock is gone at t, keeping margin in reserve
// for the report call.
func (l Lease) Expired(t time.Time, margin time.Duration) bool {
	return !t.Before(l.LockExpiresAt.Add(-margin))
}

// LeaseRecord is the journaled view of a lease and its lifecycle.
type LeaseRecord struct {
	ID                string     `json:"id"`
	TaskID            string     `json:"task_id"`
	ProcessInstanceID string     `json:"process_instance_id"`
	Topic             string     `json:"topic"`
	WorkerID          string     `json:"worker_id"`
	Status            string     `json:"status"`
	Retries           *int       `json:"retries,omitempty"`
	ErrorMessage      string     `json:"error_message,omitempty"`
	ErrorDetail       string     `json:"error_detail,omitempty"`
	ErrorCode         string     `json:"error_code,omitempty"`
	DurationMS        *int       `json:"duration_ms,omitempty"`
	LockExpiresAt     time.Time  `json:"lock_expires_at"`
	LeasedAt          time.Time  `json:"leased_at"`
	DispatchedAt      *time.Time `json:"dispatched_at,omitempty"`
	FinishedAt        *time.Time `json:"finished_at,omitempty"`
}

// Record builds the initial journal entry for a freshly leased task.
func (l Lease) Record(leasedAt time.Time) *LeaseRecord {
	return &LeaseRecord{
		ID:                l.ID,
		TaskID:            l.TaskID,
		ProcessInstanceID: l.ProcessInstanceID,
		Topic:             l.Topic,
		WorkerID:          l.WorkerID,
		Status:            StatusLeased,
		Retries:           l.Retries,
		LockExpiresAt:     l.LockExpiresAt,
		LeasedAt:          leasedAt,
	}
}
