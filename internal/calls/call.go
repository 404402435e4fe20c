// Package calls models a guest's request for a waiter and drives it through
// its lifecycle, notifying the waiter and mirroring state to realtime clients.
package calls

import (
	"context"
	"errors"
	"time"

	urn "github.com/tinywideclouds/go-platform/pkg/net/v1"

	"github.com/tinywideclouds/go-waitercall-service/pkg/dispatch"
)

var (
	ErrNotFound          = errors.New("call not found")
	ErrInvalidRequest    = errors.New("invalid call request")
	ErrInvalidTransition = errors.New("invalid call status transition")
	ErrNotAssigned       = errors.New("call is assigned to another waiter")
	// ErrDuplicateActive is returned by a Store when a table already has an active call.
	ErrDuplicateActive = errors.New("table already has an active call")
	// ErrConflict is returned by a Store when the call changed underneath a transition.
	ErrConflict = errors.New("call was modified concurrently")
)

type Status string

const (
	StatusPending      Status = "pending"
	StatusAcknowledged Status = "acknowledged"
	StatusCompleted    Status = "completed"
	StatusCancelled    Status = "cancelled"
)

// Active reports whether the call still needs a waiter.
func (s Status) Active() bool {
	return s == StatusPending || s == StatusAcknowledged
}

// CanTransition reports whether s may move to next.
func (s Status) CanTransition(next Status) bool {
	switch next {
	case StatusAcknowledged:
		return s == StatusPending
	case StatusCompleted, StatusCancelled:
		return s.Active()
	}
	return false
}

// Call is one waiter call raised from a table.
type Call struct {
	ID             string
	BusinessID     string
	TableID        string
	TableNumber    string
	Waiter         urn.URN
	Note           string
	Status         Status
	CreatedAt      time.Time
	UpdatedAt      time.Time
	AcknowledgedAt *time.Time
	CompletedAt    *time.Time
	CancelledAt    *time.Time
}

// Store persists calls.
type Store interface {
	// Create inserts a call. ErrDuplicateActive when the table already has an active call.
	Create(ctx context.Context, call Call) error
	// Get returns ErrNotFound for unknown ids.
	Get(ctx context.Context, id string) (Call, error)
	// ActiveForTable returns ErrNotFound when the table has no active call.
	ActiveForTable(ctx context.Context, businessID, tableID string) (Call, error)
	// ActiveForWaiter lists the waiter's active calls, oldest first.
	ActiveForWaiter(ctx context.Context, waiter urn.URN) ([]Call, error)
	// Transition saves call if its stored status is still from; otherwise ErrConflict.
	Transition(ctx context.Context, call Call, from Status) error
	// FinishedBefore lists up to limit terminal calls last changed before cutoff
	// that have not been marked cleared, oldest first.
	FinishedBefore(ctx context.Context, cutoff time.Time, limit int) ([]Call, error)
	// MarkCleared records that the call's realtime documents are gone.
	MarkCleared(ctx context.Context, id string, at time.Time) error
}

// Notifier delivers a notification to every device of the given users.
type Notifier interface {
	Notify(ctx context.Context, n dispatch.Notification, users ...urn.URN) (dispatch.Receipt, error)
}

// Mirror publishes call state to realtime listeners.
type Mirror interface {
	Put(ctx context.Context, call Call) error
	Remove(ctx context.Context, call Call) error
}
