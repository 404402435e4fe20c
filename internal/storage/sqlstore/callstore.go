package sqlstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
	urn "github.com/tinywideclouds/go-platform/pkg/net/v1"

	"github.com/tinywideclouds/go-waitercall-service/internal/calls"
)

const (
	callColumns = `id, business_id, table_id, table_number, waiter_urn, note, status,
		created_at, updated_at, acknowledged_at, completed_at, cancelled_at`

	sqlInsertCall = `INSERT INTO waiter_calls (` + callColumns + `)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

	sqlSelectCall = `SELECT ` + callColumns + ` FROM waiter_calls WHERE id = ?`

	sqlSelectActiveForTable = `SELECT ` + callColumns + ` FROM waiter_calls
		WHERE business_id = ? AND table_id = ? AND status IN ('pending', 'acknowledged')
		ORDER BY created_at LIMIT 1`

	sqlSelectActiveForWaiter = `SELECT ` + callColumns + ` FROM waiter_calls
		WHERE waiter_urn = ? AND status IN ('pending', 'acknowledged')
		ORDER BY created_at, id`

	sqlSelectFinishedBefore = `SELECT ` + callColumns + ` FROM waiter_calls
		WHERE status IN ('completed', 'cancelled') AND cleared_at IS NULL AND updated_at < ?
		ORDER BY updated_at, id LIMIT ?`

	sqlMarkCleared = `UPDATE waiter_calls SET cleared_at = ? WHERE id = ?`

	sqlTransitionCall = `UPDATE waiter_calls SET status = ?, updated_at = ?,
		acknowledged_at = ?, completed_at = ?, cancelled_at = ?
		WHERE id = ? AND status = ?`
)

type callRow struct {
	ID             string       `db:"id"`
	BusinessID     string       `db:"business_id"`
	TableID        string       `db:"table_id"`
	TableNumber    string       `db:"table_number"`
	WaiterURN      string       `db:"waiter_urn"`
	Note           string       `db:"note"`
	Status         string       `db:"status"`
	CreatedAt      time.Time    `db:"created_at"`
	UpdatedAt      time.Time    `db:"updated_at"`
	AcknowledgedAt sql.NullTime `db:"acknowledged_at"`
	CompletedAt    sql.NullTime `db:"completed_at"`
	CancelledAt    sql.NullTime `db:"cancelled_at"`
}

func (r callRow) toCall() (calls.Call, error) {
	waiter, err := urn.Parse(r.WaiterURN)
	if err != nil {
		return calls.Call{}, fmt.Errorf("call %s has a malformed waiter urn: %w", r.ID, err)
	}
	return calls.Call{
		ID:             r.ID,
		BusinessID:     r.BusinessID,
		TableID:        r.TableID,
		TableNumber:    r.TableNumber,
		Waiter:         waiter,
		Note:           r.Note,
		Status:         calls.Status(r.Status),
		CreatedAt:      r.CreatedAt,
		UpdatedAt:      r.UpdatedAt,
		AcknowledgedAt: timePtr(r.AcknowledgedAt),
		CompletedAt:    timePtr(r.CompletedAt),
		CancelledAt:    timePtr(r.CancelledAt),
	}, nil
}

func timePtr(t sql.NullTime) *time.Time {
	if !t.Valid {
		return nil
	}
	v := t.Time
	return &v
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}

// CallStore implements calls.Store.
type CallStore struct {
	db *sqlx.DB
}

func NewCallStore(db *sqlx.DB) *CallStore {
	return &CallStore{db: db}
}

var _ calls.Store = (*CallStore)(nil)

func (s *CallStore) Create(ctx context.Context, c calls.Call) error {
	_, err := s.db.ExecContext(ctx, s.db.Rebind(sqlInsertCall),
		c.ID, c.BusinessID, c.TableID, c.TableNumber, c.Waiter.String(), c.Note, string(c.Status),
		c.CreatedAt, c.UpdatedAt, nullTime(c.AcknowledgedAt), nullTime(c.CompletedAt), nullTime(c.CancelledAt),
	)
	if err != nil {
		if isUniqueViolation(err) {
			return calls.ErrDuplicateActive
		}
		return fmt.Errorf("failed to insert call: %w", err)
	}
	return nil
}

func (s *CallStore) Get(ctx context.Context, id string) (calls.Call, error) {
	return s.one(ctx, sqlSelectCall, id)
}

func (s *CallStore) ActiveForTable(ctx context.Context, businessID, tableID string) (calls.Call, error) {
	return s.one(ctx, sqlSelectActiveForTable, businessID, tableID)
}

func (s *CallStore) ActiveForWaiter(ctx context.Context, waiter urn.URN) ([]calls.Call, error) {
	return s.many(ctx, sqlSelectActiveForWaiter, waiter.String())
}

func (s *CallStore) FinishedBefore(ctx context.Context, cutoff time.Time, limit int) ([]calls.Call, error) {
	return s.many(ctx, sqlSelectFinishedBefore, cutoff, limit)
}

func (s *CallStore) MarkCleared(ctx context.Context, id string, at time.Time) error {
	if _, err := s.db.ExecContext(ctx, s.db.Rebind(sqlMarkCleared), at, id); err != nil {
		return fmt.Errorf("failed to mark call %s cleared: %w", id, err)
	}
	return nil
}

func (s *CallStore) many(ctx context.Context, query string, args ...interface{}) ([]calls.Call, error) {
	var rows []callRow
	if err := sqlx.SelectContext(ctx, s.db, &rows, s.db.Rebind(query), args...); err != nil {
		return nil, fmt.Errorf("failed to list calls: %w", err)
	}
	out := make([]calls.Call, 0, len(rows))
	for _, r := range rows {
		c, err := r.toCall()
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, nil
}

func (s *CallStore) Transition(ctx context.Context, c calls.Call, from calls.Status) error {
	res, err := s.db.ExecContext(ctx, s.db.Rebind(sqlTransitionCall),
		string(c.Status), c.UpdatedAt,
		nullTime(c.AcknowledgedAt), nullTime(c.CompletedAt), nullTime(c.CancelledAt),
		c.ID, string(from),
	)
	if err != nil {
		return fmt.Errorf("failed to update call: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to update call: %w", err)
	}
	if n == 0 {
		return calls.ErrConflict
	}
	return nil
}

func (s *CallStore) one(ctx context.Context, query string, args ...interface{}) (calls.Call, error) {
	var row callRow
	err := sqlx.GetContext(ctx, s.db, &row, s.db.Rebind(query), args...)
	if errors.Is(err, sql.ErrNoRows) {
		return calls.Call{}, calls.ErrNotFound
	}
	if err != nil {
		return calls.Call{}, fmt.Errorf("failed to load call: %w", err)
	}
	return row.toCall()
}

func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return pqErr.Code == "23505"
	}
	// SQLite reports constraint failures by message only.
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "unique constraint") || strings.Contains(msg, "duplicate key")
}
