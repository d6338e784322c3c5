package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/seantiz/forge/internal/model"

	_ "modernc.org/sqlite"
)

const createLeasesTable = `
CREATE TABLE IF NOT EXISTS leases (
    id                  TEXT PRIMARY KEY,
    task_id             TEXT NOT NULL,
    process_instance_id TEXT NOT NULL,
    topic               TEXT NOT NULL,
    worker_id           TEXT NOT NULL,
    status              TEXT NOT NULL,
    retries             INTEGER,
    error_message       TEXT NOT NULL DEFAULT '',
    error_detail        TEXT NOT NULL DEFAULT '',
    error_code          TEXT NOT NULL DEFAULT '',
    duration_ms         INTEGER,
    lock_expires_at     DATETIME NOT NULL,
    leased_at           DATETIME NOT NULL,
    dispatched_at       DATETIME,
    finished_at         DATETIME
)`

var createLeasesIndexes = []string{
	"CREATE INDEX IF NOT EXISTS leases_task_id ON leases (task_id)",
	"CREATE INDEX IF NOT EXISTS leases_topic ON leases (topic)",
}

const leaseColumns = `id, task_id, process_instance_id, topic, worker_id, status,
	retries, error_message, error_detail, error_code, duration_ms,
	lock_expires_at, leased_at, dispatched_at, finished_at`

// ErrNotFound is returned when a lease is not found.
var ErrNotFound = errors.New("lease not found")

// Compile-time interface satisfaction check.
var _ Store = (*SQLiteStore)(nil)

// SQLiteStore implements Store using SQLite.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens the SQLite database at dbPath and runs migrations.
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	// An in-memory database exists per connection.
	if dbPath == ":memory:" {
		db.SetMaxOpenConns(1)
	}

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set WAL mode: %w", err)
	}

	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set busy timeout: %w", err)
	}

	if _, err := db.Exec(createLeasesTable); err != nil {
		db.Close()
		return nil, fmt.Errorf("create leases table: %w", err)
	}

	for _, stmt := range createLeasesIndexes {
		if _, err := db.Exec(stmt); err != nil {
			db.Close()
			return nil, fmt.Errorf("create leases index: %w", err)
		}
	}

	return &SQLiteStore{db: db}, nil
}

// Close closes the underlying database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanLease(row rowScanner) (*model.LeaseRecord, error) {
	r := &model.LeaseRecord{}
	var retries, duration sql.NullInt64
	var dispatchedAt, finishedAt sql.NullTime
	err := row.Scan(
		&r.ID, &r.TaskID, &r.ProcessInstanceID, &r.Topic, &r.WorkerID, &r.Status,
		&retries, &r.ErrorMessage, &r.ErrorDetail, &r.ErrorCode, &duration,
		&r.LockExpiresAt, &r.LeasedAt, &dispatchedAt, &finishedAt,
	)
	if err != nil {
		return nil, err
	}
	if retries.Valid {
		n := int(retries.Int64)
		r.Retries = &n
	}
	if duration.Valid {
		n := int(duration.Int64)
		r.DurationMS = &n
	}
	if dispatchedAt.Valid {
		t := dispatchedAt.Time
		r.DispatchedAt = &t
	}
	if finishedAt.Valid {
		t := finishedAt.Time
		r.FinishedAt = &t
	}
	return r, nil
}

// CreateLease inserts a new lease record.
func (s *SQLiteStore) CreateLease(ctx context.Context, r *model.LeaseRecord) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO leases (`+leaseColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		r.ID, r.TaskID, r.ProcessInstanceID, r.Topic, r.WorkerID, r.Status,
		r.Retries, r.ErrorMessage, r.ErrorDetail, r.ErrorCode, r.DurationMS,
		r.LockExpiresAt.UTC(), r.LeasedAt.UTC(), utcPtr(r.DispatchedAt), utcPtr(r.FinishedAt),
	)
	if err != nil {
		return fmt.Errorf("insert lease: %w", err)
	}
	return nil
}

// GetLease retrieves a lease by ID.
func (s *SQLiteStore) GetLease(ctx context.Context, id string) (*model.LeaseRecord, error) {
	r, err := scanLease(s.db.QueryRowContext(ctx,
		`SELECT `+leaseColumns+` FROM leases WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get lease: %w", err)
	}
	return r, nil
}

func (f LeaseFilter) where() (string, []any) {
	var clauses []string
	var args []any
	if f.Topic != "" {
		clauses = append(clauses, "topic = ?")
		args = append(args, f.Topic)
	}
	if f.Status != "" {
		clauses = append(clauses, "status = ?")
		args = append(args, f.Status)
	}
	if f.TaskID != "" {
		clauses = append(clauses, "task_id = ?")
		args = append(args, f.TaskID)
	}
	if len(clauses) == 0 {
		return "", nil
	}
	return " WHERE " + strings.Join(clauses, " AND "), args
}

// ListLeases returns a page of leases matching f ordered by leased_at DESC,
// along with the total count of matching leases.
func (s *SQLiteStore) ListLeases(ctx context.Context, f LeaseFilter, limit, offset int) ([]*model.LeaseRecord, int, error) {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{ReadOnly: true})
	if err != nil {
		return nil, 0, fmt.Errorf("begin read tx: %w", err)
	}
	defer tx.Rollback()

	where, args := f.where()

	var total int
	if err := tx.QueryRowContext(ctx, "SELECT COUNT(*) FROM leases"+where, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count leases: %w", err)
	}

	rows, err := tx.QueryContext(ctx,
		`SELECT `+leaseColumns+` FROM leases`+where+` ORDER BY leased_at DESC, id DESC LIMIT ? OFFSET ?`,
		append(args, limit, offset)...,
	)
	if err != nil {
		return nil, 0, fmt.Errorf("list leases: %w", err)
	}
	defer rows.Close()

	var leases []*model.LeaseRecord
	for rows.Next() {
		r, err := scanLease(rows)
		if err != nil {
			return nil, 0, fmt.Errorf("scan lease: %w", err)
		}
		leases = append(leases, r)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("iterate leases: %w", err)
	}

	return leases, total, nil
}

// currentStatus reads the status of a lease inside tx.
func currentStatus(ctx context.Context, tx *sql.Tx, id string) (string, error) {
	var status string
	err := tx.QueryRowContext(ctx, "SELECT status FROM leases WHERE id = ?", id).Scan(&status)
	if errors.Is(err, sql.ErrNoRows) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("read lease status: %w", err)
	}
	return status, nil
}

// UpdateLeaseStatus moves a lease to status. Moving to dispatched sets
// dispatched_at; moving to a terminal status sets finished_at.
func (s *SQLiteStore) UpdateLeaseStatus(ctx context.Context, id, status string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	from, err := currentStatus(ctx, tx, id)
	if err != nil {
		return err
	}
	if !model.ValidTransition(from, status) {
		return fmt.Errorf("%s → %s: %w", from, status, ErrInvalidTransition)
	}

	now := time.Now().UTC()
	switch {
	case status == model.StatusDispatched:
		_, err = tx.ExecContext(ctx,
			"UPDATE leases SET status = ?, dispatched_at = ? WHERE id = ?", status, now, id)
	case model.IsTerminal(status):
		_, err = tx.ExecContext(ctx,
			"UPDATE leases SET status = ?, finished_at = ? WHERE id = ?", status, now, id)
	default:
		_, err = tx.ExecContext(ctx, "UPDATE leases SET status = ? WHERE id = ?", status, id)
	}
	if err != nil {
		return fmt.Errorf("update lease status: %w", err)
	}

	return tx.Commit()
}

// UpdateLease writes the mutable fields of r. The status change from the
// stored status to r.Status must be a valid transition; writing the same
// status again is allowed.
func (s *SQLiteStore) UpdateLease(ctx context.Context, r *model.LeaseRecord) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	from, err := currentStatus(ctx, tx, r.ID)
	if err != nil {
		return err
	}
	if from != r.Status && !model.ValidTransition(from, r.Status) {
		return fmt.Errorf("%s → %s: %w", from, r.Status, ErrInvalidTransition)
	}

	_, err = tx.ExecContext(ctx,
		`UPDATE leases SET status = ?, retries = ?, error_message = ?, error_detail = ?,
			error_code = ?, duration_ms = ?, lock_expires_at = ?, dispatched_at = ?, finished_at = ?
		WHERE id = ?`,
		r.Status, r.Retries, r.ErrorMessage, r.ErrorDetail,
		r.ErrorCode, r.DurationMS, r.LockExpiresAt.UTC(), utcPtr(r.DispatchedAt), utcPtr(r.FinishedAt),
		r.ID,
	)
	if err != nil {
		return fmt.Errorf("update lease: %w", err)
	}

	return tx.Commit()
}

// ExtendLease records a renewed lock expiry.
func (s *SQLiteStore) ExtendLease(ctx context.Context, id string, lockExpiresAt time.Time) error {
	result, err := s.db.ExecContext(ctx,
		"UPDATE leases SET lock_expires_at = ? WHERE id = ?", lockExpiresAt.UTC(), id)
	if err != nil {
		return fmt.Errorf("extend lease: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("check rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return ErrNotFound
	}

	return nil
}

// GetLeaseStats returns counts by status and topic and the mean handler
// duration of finished leases.
func (s *SQLiteStore) GetLeaseStats(ctx context.Context) (*LeaseStats, error) {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{ReadOnly: true})
	if err != nil {
		return nil, fmt.Errorf("begin read tx: %w", err)
	}
	defer tx.Rollback()

	stats := &LeaseStats{
		CountByStatus: make(map[string]int),
		CountByTopic:  make(map[string]int),
	}

	if err := countBy(ctx, tx, "status", stats.CountByStatus); err != nil {
		return nil, err
	}
	if err := countBy(ctx, tx, "topic", stats.CountByTopic); err != nil {
		return nil, err
	}
	for _, n := range stats.CountByStatus {
		stats.Total += n
	}

	var avg sql.NullFloat64
	if err := tx.QueryRowContext(ctx,
		"SELECT AVG(duration_ms) FROM leases WHERE duration_ms IS NOT NULL").Scan(&avg); err != nil {
		return nil, fmt.Errorf("average duration: %w", err)
	}
	if avg.Valid {
		stats.AvgDurationMS = avg.Float64
	}

	return stats, nil
}

// countBy fills into with row counts grouped by column. column is always a
// constant from this package.
func countBy(ctx context.Context, tx *sql.Tx, column string, into map[string]int) error {
	rows, err := tx.QueryContext(ctx,
		"SELECT "+column+", COUNT(*) FROM leases GROUP BY "+column)
	if err != nil {
		return fmt.Errorf("count by %s: %w", column, err)
	}
	defer rows.Close()

	for rows.Next() {
		var key string
		var n int
		if err := rows.Scan(&key, &n); err != nil {
			return fmt.Errorf("scan %s count: %w", column, err)
		}
		into[key] = n
	}
	return rows.Err()
}

func utcPtr(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UTC()
}
