package store

import (
	"context"
	"errors"
	"time"

	"github.com/seantiz/forge/internal/model"
)

// ErrInvalidTransition is returned when a lease status transition is not allowed.
var ErrInvalidTransition = errors.New("invalid status transition")

// LeaseStats holds aggregate lease statistics.
type LeaseStats struct {
	Total         int            `json:"total"`
	CountByStatus map[string]int `json:"count_by_status"`
	CountByTopic  map[string]int `json:"count_by_topic"`
	AvgDurationMS float64        `json:"avg_duration_ms"`
}

// LeaseFilter narrows ListLeases. Empty fields match everything.
type LeaseFilter struct {
	Topic  string
	Status string
	TaskID string
}

// Store defines the persistence operations for the lease journal.
type Store interface {
	CreateLease(ctx context.Context, r *model.LeaseRecord) error
	GetLease(ctx context.Context, id string) (*model.LeaseRecord, error)
	ListLeases(ctx context.Context, f LeaseFilter, limit, offset int) ([]*model.LeaseRecord, int, error)
	UpdateLeaseStatus(ctx context.Context, id, status string) error
	UpdateLease(ctx context.Context, r *model.LeaseRecord) error
	ExtendLease(ctx context.Context, id string, lockExpiresAt time.Time) error
	GetLeaseStats(ctx context.Context) (*LeaseStats, error)
	Close() error
}
