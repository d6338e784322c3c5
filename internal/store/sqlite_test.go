package store

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/seantiz/forge/internal/model"
)

func newTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	s, err := NewSQLiteStore(":memory:")
	if err != nil {
		t.Fatalf("NewSQLiteStore: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func makeTestLease() *model.LeaseRecord {
	now := time.Now().UTC().Truncate(time.Second)
	return model.Lease{
		ID:                model.NewID(),
		TaskID:            model.NewID(),
		ProcessInstanceID: "proc-1",
		Topic:             "echo",
		WorkerID:          "worker-1",
		LockExpiresAt:     now.Add(10 * time.Second),
	}.Record(now)
}

func TestCreateAndGetLease(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	r := makeTestLease()
	retries := 3
	r.Retries = &retries

	if err := s.CreateLease(ctx, r); err != nil {
		t.Fatalf("CreateLease: %v", err)
	}

	got, err := s.GetLease(ctx, r.ID)
	if err != nil {
		t.Fatalf("GetLease: %v", err)
	}

	if got.ID != r.ID {
		t.Errorf("ID = %q, want %q", got.ID, r.ID)
	}
	if got.TaskID != r.TaskID {
		t.Errorf("TaskID = %q, want %q", got.TaskID, r.TaskID)
	}
	if got.Topic != r.Topic {
		t.Errorf("Topic = %q, want %q", got.Topic, r.Topic)
	}
	if got.Status != model.StatusLeased {
		t.Errorf("Status = %q, want %q", got.Status, model.StatusLeased)
	}
	if got.Retries == nil || *got.Retries != 3 {
		t.Errorf("Retries = %v, want 3", got.Retries)
	}
	if !got.LockExpiresAt.Equal(r.LockExpiresAt) {
		t.Errorf("LockExpiresAt = %v, want %v", got.LockExpiresAt, r.LockExpiresAt)
	}
	if got.DispatchedAt != nil || got.FinishedAt != nil {
		t.Errorf("DispatchedAt = %v, FinishedAt = %v, want both nil", got.DispatchedAt, got.FinishedAt)
	}
}

func TestGetLeaseNotFound(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	_, err := s.GetLease(ctx, "nonexistent")
	if err != ErrNotFound {
		t.Errorf("GetLease error = %v, want ErrNotFound", err)
	}
}

func TestListLeasesPagination(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		r := makeTestLease()
		r.LeasedAt = time.Now().UTC().Add(time.Duration(i) * time.Second).Truncate(time.Second)
		if err := s.CreateLease(ctx, r); err != nil {
			t.Fatalf("CreateLease[%d]: %v", i, err)
		}
	}

	leases, total, err := s.ListLeases(ctx, LeaseFilter{}, 2, 0)
	if err != nil {
		t.Fatalf("ListLeases: %v", err)
	}
	if total != 5 {
		t.Errorf("total = %d, want 5", total)
	}
	if len(leases) != 2 {
		t.Errorf("len(leases) = %d, want 2", len(leases))
	}

	leases2, total2, err := s.ListLeases(ctx, LeaseFilter{}, 2, 4)
	if err != nil {
		t.Fatalf("ListLeases page 3: %v", err)
	}
	if total2 != 5 {
		t.Errorf("total page 3 = %d, want 5", total2)
	}
	if len(leases2) != 1 {
		t.Errorf("len(leases) page 3 = %d, want 1", len(leases2))
	}
}

func TestListLeasesOrdering(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		r := makeTestLease()
		r.LeasedAt = time.Date(2026, 1, 1+i, 0, 0, 0, 0, time.UTC)
		if err := s.CreateLease(ctx, r); err != nil {
			t.Fatalf("CreateLease[%d]: %v", i, err)
		}
	}

	leases, _, err := s.ListLeases(ctx, LeaseFilter{}, 10, 0)
	if err != nil {
		t.Fatalf("ListLeases: %v", err)
	}

	for i := 1; i < len(leases); i++ {
		if leases[i].LeasedAt.After(leases[i-1].LeasedAt) {
			t.Errorf("leases not in DESC order: [%d].LeasedAt=%v > [%d].LeasedAt=%v",
				i, leases[i].LeasedAt, i-1, leases[i-1].LeasedAt)
		}
	}
}

func TestListLeasesFilter(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	topics := []string{"echo", "echo", "probe"}
	var probeID string
	for _, topic := range topics {
		r := makeTestLease()
		r.Topic = topic
		if err := s.CreateLease(ctx, r); err != nil {
			t.Fatalf("CreateLease: %v", err)
		}
		if topic == "probe" {
			probeID = r.ID
		}
	}
	if err := s.UpdateLeaseStatus(ctx, probeID, model.StatusAbandoned); err != nil {
		t.Fatalf("UpdateLeaseStatus: %v", err)
	}

	tests := []struct {
		name   string
		filter LeaseFilter
		want   int
	}{
		{"topic echo", LeaseFilter{Topic: "echo"}, 2},
		{"topic probe", LeaseFilter{Topic: "probe"}, 1},
		{"status leased", LeaseFilter{Status: model.StatusLeased}, 2},
		{"topic and status", LeaseFilter{Topic: "probe", Status: model.StatusAbandoned}, 1},
		{"no match", LeaseFilter{Topic: "mail"}, 0},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			leases, total, err := s.ListLeases(ctx, tc.filter, 10, 0)
			if err != nil {
				t.Fatalf("ListLeases: %v", err)
			}
			if total != tc.want {
				t.Errorf("total = %d, want %d", total, tc.want)
			}
			if len(leases) != tc.want {
				t.Errorf("len(leases) = %d, want %d", len(leases), tc.want)
			}
		})
	}
}

func TestListLeasesByTaskID(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	first := makeTestLease()
	second := makeTestLease()
	second.TaskID = first.TaskID
	for _, r := range []*model.LeaseRecord{first, second, makeTestLease()} {
		if err := s.CreateLease(ctx, r); err != nil {
			t.Fatalf("CreateLease: %v", err)
		}
	}

	_, total, err := s.ListLeases(ctx, LeaseFilter{TaskID: first.TaskID}, 10, 0)
	if err != nil {
		t.Fatalf("ListLeases: %v", err)
	}
	if total != 2 {
		t.Errorf("total = %d, want 2", total)
	}
}

func TestListLeasesEmpty(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	leases, total, err := s.ListLeases(ctx, LeaseFilter{}, 10, 0)
	if err != nil {
		t.Fatalf("ListLeases: %v", err)
	}
	if total != 0 {
		t.Errorf("total = %d, want 0", total)
	}
	if leases != nil {
		t.Errorf("leases = %v, want nil", leases)
	}
}

func TestUpdateLeaseStatusValidLifecycle(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	r := makeTestLease()

	if err := s.CreateLease(ctx, r); err != nil {
		t.Fatalf("CreateLease: %v", err)
	}

	// leased → dispatched
	if err := s.UpdateLeaseStatus(ctx, r.ID, model.StatusDispatched); err != nil {
		t.Fatalf("leased→dispatched: %v", err)
	}
	got, _ := s.GetLease(ctx, r.ID)
	if got.Status != model.StatusDispatched {
		t.Errorf("Status = %q, want %q", got.Status, model.StatusDispatched)
	}
	if got.DispatchedAt == nil {
		t.Error("DispatchedAt is nil, expected it to be set for dispatched status")
	}

	// dispatched → completed
	if err := s.UpdateLeaseStatus(ctx, r.ID, model.StatusCompleted); err != nil {
		t.Fatalf("dispatched→completed: %v", err)
	}
	got, _ = s.GetLease(ctx, r.ID)
	if got.Status != model.StatusCompleted {
		t.Errorf("Status = %q, want %q", got.Status, model.StatusCompleted)
	}
	if got.FinishedAt == nil {
		t.Error("FinishedAt is nil, expected it to be set for completed status")
	}
}

func TestUpdateLeaseStatusNotFound(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	err := s.UpdateLeaseStatus(ctx, "nonexistent", model.StatusDispatched)
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("got error %v, want ErrNotFound", err)
	}
}

func TestUpdateLeaseStatusInvalidTransition(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	tests := []struct {
		name     string
		from, to string
	}{
		{"leased→completed", model.StatusLeased, model.StatusCompleted},
		{"leased→incident", model.StatusLeased, model.StatusIncident},
		{"completed→abandoned", model.StatusCompleted, model.StatusAbandoned},
		{"abandoned→dispatched", model.StatusAbandoned, model.StatusDispatched},
		{"incident→failed", model.StatusIncident, model.StatusFailed},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			r := makeTestLease()
			r.Status = tc.from
			if err := s.CreateLease(ctx, r); err != nil {
				t.Fatalf("CreateLease: %v", err)
			}

			err := s.UpdateLeaseStatus(ctx, r.ID, tc.to)
			if !errors.Is(err, ErrInvalidTransition) {
				t.Errorf("got error %v, want ErrInvalidTransition", err)
			}

			got, _ := s.GetLease(ctx, r.ID)
			if got.Status != tc.from {
				t.Errorf("Status = %q, want unchanged %q", got.Status, tc.from)
			}
		})
	}
}

func TestUpdateLease(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	r := makeTestLease()

	if err := s.CreateLease(ctx, r); err != nil {
		t.Fatalf("CreateLease: %v", err)
	}
	if err := s.UpdateLeaseStatus(ctx, r.ID, model.StatusDispatched); err != nil {
		t.Fatalf("UpdateLeaseStatus: %v", err)
	}

	current, err := s.GetLease(ctx, r.ID)
	if err != nil {
		t.Fatalf("GetLease: %v", err)
	}
	retries := 0
	durationMS := 150
	finishedAt := time.Now().UTC()
	current.Status = model.StatusIncident
	current.Retries = &retries
	current.ErrorMessage = "Penetration Test Failed"
	current.ErrorDetail = "HTTP request failed with response code: 500"
	current.DurationMS = &durationMS
	current.FinishedAt = &finishedAt

	if err := s.UpdateLease(ctx, current); err != nil {
		t.Fatalf("UpdateLease: %v", err)
	}

	got, err := s.GetLease(ctx, r.ID)
	if err != nil {
		t.Fatalf("GetLease: %v", err)
	}
	if got.Status != model.StatusIncident {
		t.Errorf("Status = %q, want %q", got.Status, model.StatusIncident)
	}
	if got.Retries == nil || *got.Retries != 0 {
		t.Errorf("Retries = %v, want 0", got.Retries)
	}
	if got.ErrorDetail != current.ErrorDetail {
		t.Errorf("ErrorDetail = %q, want %q", got.ErrorDetail, current.ErrorDetail)
	}
	if got.DurationMS == nil || *got.DurationMS != 150 {
		t.Errorf("DurationMS = %v, want 150", got.DurationMS)
	}
	if got.DispatchedAt == nil {
		t.Error("DispatchedAt is nil, expected it to survive the update")
	}
	if got.FinishedAt == nil {
		t.Error("FinishedAt is nil")
	}
}

func TestUpdateLeaseNotFound(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	r := makeTestLease()
	r.ID = "nonexistent"
	err := s.UpdateLease(ctx, r)
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("got error %v, want ErrNotFound", err)
	}
}

func TestUpdateLeaseInvalidTransition(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	r := makeTestLease()

	if err := s.CreateLease(ctx, r); err != nil {
		t.Fatalf("CreateLease: %v", err)
	}

	// leased → completed skips dispatch
	r.Status = model.StatusCompleted
	err := s.UpdateLease(ctx, r)
	if !errors.Is(err, ErrInvalidTransition) {
		t.Errorf("got error %v, want ErrInvalidTransition", err)
	}
}

func TestExtendLease(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	r := makeTestLease()

	if err := s.CreateLease(ctx, r); err != nil {
		t.Fatalf("CreateLease: %v", err)
	}

	later := r.LockExpiresAt.Add(time.Minute)
	if err := s.ExtendLease(ctx, r.ID, later); err != nil {
		t.Fatalf("ExtendLease: %v", err)
	}

	got, _ := s.GetLease(ctx, r.ID)
	if !got.LockExpiresAt.Equal(later) {
		t.Errorf("LockExpiresAt = %v, want %v", got.LockExpiresAt, later)
	}

	if err := s.ExtendLease(ctx, "nonexistent", later); !errors.Is(err, ErrNotFound) {
		t.Errorf("ExtendLease missing: got error %v, want ErrNotFound", err)
	}
}

func TestGetLeaseStats(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		r := makeTestLease()
		if err := s.CreateLease(ctx, r); err != nil {
			t.Fatalf("CreateLease: %v", err)
		}
		// Finish the first two with a duration.
		if i < 2 {
			if err := s.UpdateLeaseStatus(ctx, r.ID, model.StatusDispatched); err != nil {
				t.Fatalf("UpdateLeaseStatus dispatched: %v", err)
			}
			if err := s.UpdateLeaseStatus(ctx, r.ID, model.StatusCompleted); err != nil {
				t.Fatalf("UpdateLeaseStatus completed: %v", err)
			}
			dur := 100 + i*100 // 100, 200
			if _, err := s.db.ExecContext(ctx,
				"UPDATE leases SET duration_ms = ? WHERE id = ?", dur, r.ID); err != nil {
				t.Fatalf("set duration: %v", err)
			}
		}
	}

	r := makeTestLease()
	r.Topic = "probe"
	if err := s.CreateLease(ctx, r); err != nil {
		t.Fatalf("CreateLease (probe): %v", err)
	}

	stats, err := s.GetLeaseStats(ctx)
	if err != nil {
		t.Fatalf("GetLeaseStats: %v", err)
	}

	if stats.Total != 4 {
		t.Errorf("Total = %d, want 4", stats.Total)
	}
	if stats.CountByStatus[model.StatusCompleted] != 2 {
		t.Errorf("completed count = %d, want 2", stats.CountByStatus[model.StatusCompleted])
	}
	if stats.CountByStatus[model.StatusLeased] != 2 {
		t.Errorf("leased count = %d, want 2", stats.CountByStatus[model.StatusLeased])
	}
	if stats.CountByTopic["echo"] != 3 {
		t.Errorf("echo count = %d, want 3", stats.CountByTopic["echo"])
	}
	if stats.CountByTopic["probe"] != 1 {
		t.Errorf("probe count = %d, want 1", stats.CountByTopic["probe"])
	}
	if stats.AvgDurationMS != 150 {
		t.Errorf("AvgDurationMS = %f, want 150", stats.AvgDurationMS)
	}
}

func TestGetLeaseStatsEmpty(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	stats, err := s.GetLeaseStats(ctx)
	if err != nil {
		t.Fatalf("GetLeaseStats: %v", err)
	}
	if stats.Total != 0 {
		t.Errorf("Total = %d, want 0", stats.Total)
	}
	if stats.AvgDurationMS != 0 {
		t.Errorf("AvgDurationMS = %f, want 0", stats.AvgDurationMS)
	}
}

func TestConcurrentTransitions(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	r := makeTestLease()

	if err := s.CreateLease(ctx, r); err != nil {
		t.Fatalf("CreateLease: %v", err)
	}
	if err := s.UpdateLeaseStatus(ctx, r.ID, model.StatusDispatched); err != nil {
		t.Fatalf("UpdateLeaseStatus: %v", err)
	}

	// Only one terminal transition wins.
	targets := []string{model.StatusCompleted, model.StatusAbandoned, model.StatusIncident, model.StatusFailed}
	errs := make(chan error, len(targets))
	for _, status := range targets {
		go func() {
			errs <- s.UpdateLeaseStatus(ctx, r.ID, status)
		}()
	}

	var ok int
	for range targets {
		err := <-errs
		switch {
		case err == nil:
			ok++
		case errors.Is(err, ErrInvalidTransition):
		default:
			t.Errorf("unexpected error: %v", err)
		}
	}
	if ok != 1 {
		t.Errorf("successful terminal transitions = %d, want 1", ok)
	}
}

func TestMigrationIdempotency(t *testing.T) {
	s1, err := NewSQLiteStore(":memory:")
	if err != nil {
		t.Fatalf("First open: %v", err)
	}
	defer s1.Close()

	if _, err := s1.db.Exec(createLeasesTable); err != nil {
		t.Fatalf("Second migration: %v", err)
	}
	for i, stmt := range createLeasesIndexes {
		if _, err := s1.db.Exec(stmt); err != nil {
			t.Fatalf("Second index migration %d: %v", i, err)
		}
	}
}
