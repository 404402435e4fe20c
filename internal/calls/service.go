package calls

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	urn "github.com/tinywideclouds/go-platform/pkg/net/v1"
	"go.uber.org/multierr"

	"github.com/tinywideclouds/go-waitercall-service/pkg/dispatch"
)

// CreateRequest is what a guest submits from the table's QR page.
type CreateRequest struct {
	BusinessID  string `json:"business_id" validate:"required,max=64"`
	TableID     string `json:"table_id" validate:"required,max=64"`
	TableNumber string `json:"table_number" validate:"required,max=32"`
	WaiterID    string `json:"waiter_id" validate:"required"`
	Note        string `json:"note,omitempty" validate:"max=280"`
}

// Created reports what Create did.
type Created struct {
	Call Call
	// Existing is set when the table already had an active call; nothing was sent.
	Existing bool
	Receipt  dispatch.Receipt
	// NotifyErr is set when no device could be reached. The call is kept.
	NotifyErr error
}

const sweepBatch = 100

type Service struct {
	store    Store
	notifier Notifier
	mirror   Mirror
	validate *validator.Validate
	now      func() time.Time
	logger   *slog.Logger
}

// NewService wires the lifecycle. mirror may be nil when realtime is disabled.
func NewService(store Store, notifier Notifier, mirror Mirror, logger *slog.Logger) *Service {
	return &Service{
		store:    store,
		notifier: notifier,
		mirror:   mirror,
		validate: validator.New(),
		now:      func() time.Time { return time.Now().UTC() },
		logger:   logger.With("component", "CallService"),
	}
}

// Create raises a call for a table. A table with an active call gets that call
// back instead of a second notification.
func (s *Service) Create(ctx context.Context, req CreateRequest) (Created, error) {
	if err := s.validate.Struct(req); err != nil {
		return Created{}, fmt.Errorf("%w: %w", ErrInvalidRequest, err)
	}
	waiter, err := urn.Parse(req.WaiterID)
	if err != nil {
		return Created{}, fmt.Errorf("%w: waiter_id: %w", ErrInvalidRequest, err)
	}

	if existing, err := s.store.ActiveForTable(ctx, req.BusinessID, req.TableID); err == nil {
		return Created{Call: existing, Existing: true}, nil
	} else if !errors.Is(err, ErrNotFound) {
		return Created{}, fmt.Errorf("failed to look up active call: %w", err)
	}

	now := s.now()
	call := Call{
		ID:          uuid.NewString(),
		BusinessID:  req.BusinessID,
		TableID:     req.TableID,
		TableNumber: req.TableNumber,
		Waiter:      waiter,
		Note:        strings.TrimSpace(req.Note),
		Status:      StatusPending,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := s.store.Create(ctx, call); err != nil {
		if errors.Is(err, ErrDuplicateActive) {
			// Lost a race with another guest at the same table.
			existing, getErr := s.store.ActiveForTable(ctx, req.BusinessID, req.TableID)
			if getErr == nil {
				return Created{Call: existing, Existing: true}, nil
			}
		}
		return Created{}, fmt.Errorf("failed to save call: %w", err)
	}
	s.logger.Info("Waiter call created", "call_id", call.ID, "table", call.TableNumber, "waiter", waiter.String())

	s.mirrorPut(ctx, call)

	receipt, notifyErr := s.notifier.Notify(ctx, callNotification(call), waiter)
	if notifyErr != nil {
		s.logger.Warn("Waiter could not be notified", "call_id", call.ID, "err", notifyErr)
	}
	return Created{Call: call, Receipt: receipt, NotifyErr: notifyErr}, nil
}

// Acknowledge marks a pending call as seen by its waiter.
func (s *Service) Acknowledge(ctx context.Context, id string, waiter urn.URN) (Call, error) {
	return s.transition(ctx, id, &waiter, StatusAcknowledged)
}

// Complete closes an active call on behalf of its waiter.
func (s *Service) Complete(ctx context.Context, id string, waiter urn.URN) (Call, error) {
	return s.transition(ctx, id, &waiter, StatusCompleted)
}

// Cancel withdraws an active call; the waiter is told so the alert can be cleared.
func (s *Service) Cancel(ctx context.Context, id string) (Call, error) {
	call, err := s.transition(ctx, id, nil, StatusCancelled)
	if err != nil {
		return call, err
	}
	if _, err := s.notifier.Notify(ctx, cancelNotification(call), call.Waiter); err != nil {
		s.logger.Warn("Waiter could not be told about cancellation", "call_id", call.ID, "err", err)
	}
	return call, nil
}

func (s *Service) Get(ctx context.Context, id string) (Call, error) {
	return s.store.Get(ctx, id)
}

func (s *Service) ActiveForWaiter(ctx context.Context, waiter urn.URN) ([]Call, error) {
	return s.store.ActiveForWaiter(ctx, waiter)
}

func (s *Service) transition(ctx context.Context, id string, actor *urn.URN, next Status) (Call, error) {
	call, err := s.store.Get(ctx, id)
	if err != nil {
		return Call{}, err
	}
	if actor != nil && call.Waiter.String() != actor.String() {
		return call, ErrNotAssigned
	}
	if !call.Status.CanTransition(next) {
		return call, fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, call.Status, next)
	}

	from := call.Status
	now := s.now()
	call.Status = next
	call.UpdatedAt = now
	switch next {
	case StatusAcknowledged:
		call.AcknowledgedAt = &now
	case StatusCompleted:
		call.CompletedAt = &now
	case StatusCancelled:
		call.CancelledAt = &now
	}

	if err := s.store.Transition(ctx, call, from); err != nil {
		return Call{}, fmt.Errorf("failed to save call %s: %w", id, err)
	}
	s.logger.Info("Waiter call updated", "call_id", id, "from", from, "to", next)

	s.mirrorPut(ctx, call)
	return call, nil
}

// SweepFinished removes the realtime documents of calls that finished more than
// retention ago, one batch per call. It reports how many calls were cleared.
// A call whose removal fails stays uncleared and is retried on the next sweep.
func (s *Service) SweepFinished(ctx context.Context, retention time.Duration) (int, error) {
	if s.mirror == nil {
		return 0, nil
	}
	finished, err := s.store.FinishedBefore(ctx, s.now().Add(-retention), sweepBatch)
	if err != nil {
		return 0, fmt.Errorf("failed to list finished calls: %w", err)
	}

	var errs error
	cleared := 0
	for _, call := range finished {
		if err := s.mirror.Remove(ctx, call); err != nil {
			errs = multierr.Append(errs, fmt.Errorf("call %s: %w", call.ID, err))
			continue
		}
		if err := s.store.MarkCleared(ctx, call.ID, s.now()); err != nil {
			errs = multierr.Append(errs, err)
			continue
		}
		cleared++
	}
	if cleared > 0 {
		s.logger.Info("Cleared finished calls from realtime", "count", cleared)
	}
	return cleared, errs
}

// RunSweeper calls SweepFinished every interval until ctx is done.
func (s *Service) RunSweeper(ctx context.Context, interval, retention time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := s.SweepFinished(ctx, retention); err != nil {
				s.logger.Warn("Realtime sweep incomplete", "err", err)
			}
		}
	}
}

// mirrorPut is best effort: realtime listeners catch up on the next change.
func (s *Service) mirrorPut(ctx context.Context, call Call) {
	if s.mirror == nil {
		return
	}
	if err := s.mirror.Put(ctx, call); err != nil {
		s.logger.Warn("Failed to mirror call", "call_id", call.ID, "err", err)
	}
}

func baseData(call Call) map[string]string {
	return map[string]string{
		"call_id":      call.ID,
		"business_id":  call.BusinessID,
		"table_id":     call.TableID,
		"table_number": call.TableNumber,
		"status":       string(call.Status),
	}
}

func callNotification(call Call) dispatch.Notification {
	body := "A guest is asking for you"
	if call.Note != "" {
		body = call.Note
	}
	return dispatch.Notification{
		Title:       fmt.Sprintf("Table %s", call.TableNumber),
		Body:        body,
		ClickAction: "/calls/" + call.ID,
		Data:        baseData(call),
		CollapseKey: "call-" + call.ID,
		TTL:         10 * time.Minute,
		Priority:    dispatch.PriorityHigh,
	}
}

func cancelNotification(call Call) dispatch.Notification {
	return dispatch.Notification{
		Title:       fmt.Sprintf("Table %s", call.TableNumber),
		Body:        "The guest cancelled the call",
		Data:        baseData(call),
		CollapseKey: "call-" + call.ID,
		TTL:         10 * time.Minute,
		Priority:    dispatch.PriorityNormal,
	}
}
