package calls_test

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	urn "github.com/tinywideclouds/go-platform/pkg/net/v1"

	"github.com/tinywideclouds/go-waitercall-service/internal/calls"
	"github.com/tinywideclouds/go-waitercall-service/pkg/dispatch"
)

type mockStore struct{ mock.Mock }

func (m *mockStore) Create(ctx context.Context, call calls.Call) error {
	return m.Called(ctx, call).Error(0)
}
func (m *mockStore) Get(ctx context.Context, id string) (calls.Call, error) {
	args := m.Called(ctx, id)
	return args.Get(0).(calls.Call), args.Error(1)
}
func (m *mockStore) ActiveForTable(ctx context.Context, businessID, tableID string) (calls.Call, error) {
	args := m.Called(ctx, businessID, tableID)
	return args.Get(0).(calls.Call), args.Error(1)
}
func (m *mockStore) ActiveForWaiter(ctx context.Context, waiter urn.URN) ([]calls.Call, error) {
	args := m.Called(ctx, waiter)
	return args.Get(0).([]calls.Call), args.Error(1)
}
func (m *mockStore) Transition(ctx context.Context, call calls.Call, from calls.Status) error {
	return m.Called(ctx, call, from).Error(0)
}
func (m *mockStore) FinishedBefore(ctx context.Context, cutoff time.Time, limit int) ([]calls.Call, error) {
	args := m.Called(ctx, cutoff, limit)
	return args.Get(0).([]calls.Call), args.Error(1)
}
func (m *mockStore) MarkCleared(ctx context.Context, id string, at time.Time) error {
	return m.Called(ctx, id, at).Error(0)
}

type mockNotifier struct{ mock.Mock }

func (m *mockNotifier) Notify(ctx context.Context, n dispatch.Notification, users ...urn.URN) (dispatch.Receipt, error) {
	args := m.Called(ctx, n, users)
	return args.Get(0).(dispatch.Receipt), args.Error(1)
}

type mockMirror struct{ mock.Mock }

func (m *mockMirror) Put(ctx context.Context, call calls.Call) error {
	return m.Called(ctx, call).Error(0)
}
func (m *mockMirror) Remove(ctx context.Context, call calls.Call) error {
	return m.Called(ctx, call).Error(0)
}

func newTestLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestStatus_CanTransition(t *testing.T) {
	assert.True(t, calls.StatusPending.CanTransition(calls.StatusAcknowledged))
	assert.True(t, calls.StatusPending.CanTransition(calls.StatusCompleted))
	assert.True(t, calls.StatusAcknowledged.CanTransition(calls.StatusCancelled))
	assert.False(t, calls.StatusAcknowledged.CanTransition(calls.StatusAcknowledged))
	assert.False(t, calls.StatusCompleted.CanTransition(calls.StatusCancelled))
	assert.False(t, calls.StatusCancelled.CanTransition(calls.StatusPending))
}

func TestService_Create(t *testing.T) {
	ctx := context.Background()
	waiter, _ := urn.Parse("urn:ctw:user:waiter-7")
	req := calls.CreateRequest{
		BusinessID:  "biz-1",
		TableID:     "table-12",
		TableNumber: "12",
		WaiterID:    waiter.String(),
		Note:        "  Water please ",
	}

	t.Run("New call notifies the waiter and mirrors", func(t *testing.T) {
		store, notifier, mirror := new(mockStore), new(mockNotifier), new(mockMirror)
		store.On("ActiveForTable", ctx, "biz-1", "table-12").Return(calls.Call{}, calls.ErrNotFound)
		store.On("Create", ctx, mock.MatchedBy(func(c calls.Call) bool {
			return c.ID != "" && c.Status == calls.StatusPending && c.Note == "Water please"
		})).Return(nil)
		mirror.On("Put", ctx, mock.Anything).Return(nil)
		notifier.On("Notify", ctx, mock.MatchedBy(func(n dispatch.Notification) bool {
			return n.Title == "Table 12" && n.Body == "Water please" && n.Data["table_id"] == "table-12"
		}), []urn.URN{waiter}).Return(dispatch.Receipt{Sent: 2}, nil)

		out, err := calls.NewService(store, notifier, mirror, newTestLogger()).Create(ctx, req)

		require.NoError(t, err)
		assert.False(t, out.Existing)
		assert.Equal(t, 2, out.Receipt.Sent)
		assert.Equal(t, calls.StatusPending, out.Call.Status)
		store.AssertExpectations(t)
		notifier.AssertExpectations(t)
		mirror.AssertExpectations(t)
	})

	t.Run("Active call for the table is returned without notifying", func(t *testing.T) {
		store, notifier := new(mockStore), new(mockNotifier)
		existing := calls.Call{ID: "call-1", Status: calls.StatusAcknowledged, Waiter: waiter}
		store.On("ActiveForTable", ctx, "biz-1", "table-12").Return(existing, nil)

		out, err := calls.NewService(store, notifier, nil, newTestLogger()).Create(ctx, req)

		require.NoError(t, err)
		assert.True(t, out.Existing)
		assert.Equal(t, "call-1", out.Call.ID)
		notifier.AssertNotCalled(t, "Notify", mock.Anything, mock.Anything, mock.Anything)
		store.AssertNotCalled(t, "Create", mock.Anything, mock.Anything)
	})

	t.Run("Notification failure keeps the call", func(t *testing.T) {
		store, notifier, mirror := new(mockStore), new(mockNotifier), new(mockMirror)
		store.On("ActiveForTable", ctx, "biz-1", "table-12").Return(calls.Call{}, calls.ErrNotFound)
		store.On("Create", ctx, mock.Anything).Return(nil)
		mirror.On("Put", ctx, mock.Anything).Return(errors.New("rtdb down"))
		notifier.On("Notify", ctx, mock.Anything, mock.Anything).Return(dispatch.Receipt{Failed: 1}, errors.New("nothing delivered"))

		out, err := calls.NewService(store, notifier, mirror, newTestLogger()).Create(ctx, req)

		require.NoError(t, err)
		assert.Error(t, out.NotifyErr)
		assert.NotEmpty(t, out.Call.ID)
	})

	t.Run("Lost race returns the winner", func(t *testing.T) {
		store, notifier := new(mockStore), new(mockNotifier)
		winner := calls.Call{ID: "winner", Status: calls.StatusPending}
		store.On("ActiveForTable", ctx, "biz-1", "table-12").Return(calls.Call{}, calls.ErrNotFound).Once()
		store.On("Create", ctx, mock.Anything).Return(calls.ErrDuplicateActive)
		store.On("ActiveForTable", ctx, "biz-1", "table-12").Return(winner, nil).Once()

		out, err := calls.NewService(store, notifier, nil, newTestLogger()).Create(ctx, req)

		require.NoError(t, err)
		assert.True(t, out.Existing)
		assert.Equal(t, "winner", out.Call.ID)
	})

	t.Run("Invalid request", func(t *testing.T) {
		bad := req
		bad.TableID = ""
		_, err := calls.NewService(new(mockStore), new(mockNotifier), nil, newTestLogger()).Create(ctx, bad)
		assert.ErrorIs(t, err, calls.ErrInvalidRequest)

		bad = req
		bad.WaiterID = "not-a-urn"
		_, err = calls.NewService(new(mockStore), new(mockNotifier), nil, newTestLogger()).Create(ctx, bad)
		assert.Error(t, err)
	})
}

func TestService_Transitions(t *testing.T) {
	ctx := context.Background()
	waiter, _ := urn.Parse("urn:ctw:user:waiter-7")
	other, _ := urn.Parse("urn:ctw:user:waiter-8")
	pending := calls.Call{ID: "c1", TableNumber: "4", Waiter: waiter, Status: calls.StatusPending}

	t.Run("Acknowledge by assigned waiter", func(t *testing.T) {
		store, mirror := new(mockStore), new(mockMirror)
		store.On("Get", ctx, "c1").Return(pending, nil)
		store.On("Transition", ctx, mock.MatchedBy(func(c calls.Call) bool {
			return c.Status == calls.StatusAcknowledged && c.AcknowledgedAt != nil
		}), calls.StatusPending).Return(nil)
		mirror.On("Put", ctx, mock.Anything).Return(nil)

		call, err := calls.NewService(store, new(mockNotifier), mirror, newTestLogger()).Acknowledge(ctx, "c1", waiter)

		require.NoError(t, err)
		assert.Equal(t, calls.StatusAcknowledged, call.Status)
		mirror.AssertExpectations(t)
	})

	t.Run("Other waiter is refused", func(t *testing.T) {
		store := new(mockStore)
		store.On("Get", ctx, "c1").Return(pending, nil)

		_, err := calls.NewService(store, new(mockNotifier), nil, newTestLogger()).Complete(ctx, "c1", other)

		require.ErrorIs(t, err, calls.ErrNotAssigned)
		store.AssertNotCalled(t, "Transition", mock.Anything, mock.Anything, mock.Anything)
	})

	t.Run("Terminal call cannot change", func(t *testing.T) {
		store := new(mockStore)
		done := pending
		done.Status = calls.StatusCompleted
		store.On("Get", ctx, "c1").Return(done, nil)

		_, err := calls.NewService(store, new(mockNotifier), nil, newTestLogger()).Cancel(ctx, "c1")

		require.ErrorIs(t, err, calls.ErrInvalidTransition)
	})

	t.Run("Cancel notifies the waiter", func(t *testing.T) {
		store, notifier := new(mockStore), new(mockNotifier)
		store.On("Get", ctx, "c1").Return(pending, nil)
		store.On("Transition", ctx, mock.Anything, calls.StatusPending).Return(nil)
		notifier.On("Notify", ctx, mock.MatchedBy(func(n dispatch.Notification) bool {
			return n.Data["status"] == "cancelled"
		}), []urn.URN{waiter}).Return(dispatch.Receipt{Sent: 1}, nil)

		call, err := calls.NewService(store, notifier, nil, newTestLogger()).Cancel(ctx, "c1")

		require.NoError(t, err)
		assert.Equal(t, calls.StatusCancelled, call.Status)
		assert.NotNil(t, call.CancelledAt)
		notifier.AssertExpectations(t)
	})

	t.Run("Concurrent change surfaces conflict", func(t *testing.T) {
		store := new(mockStore)
		store.On("Get", ctx, "c1").Return(pending, nil)
		store.On("Transition", ctx, mock.Anything, calls.StatusPending).Return(calls.ErrConflict)

		_, err := calls.NewService(store, new(mockNotifier), nil, newTestLogger()).Acknowledge(ctx, "c1", waiter)

		require.ErrorIs(t, err, calls.ErrConflict)
	})

	t.Run("Unknown call", func(t *testing.T) {
		store := new(mockStore)
		store.On("Get", ctx, "nope").Return(calls.Call{}, calls.ErrNotFound)

		_, err := calls.NewService(store, new(mockNotifier), nil, newTestLogger()).Cancel(ctx, "nope")

		require.ErrorIs(t, err, calls.ErrNotFound)
	})
}

func TestService_SweepFinished(t *testing.T) {
	ctx := context.Background()
	waiter, _ := urn.Parse("urn:ctw:user:waiter-7")
	done := calls.Call{ID: "c1", Waiter: waiter, Status: calls.StatusCompleted}
	gone := calls.Call{ID: "c2", Waiter: waiter, Status: calls.StatusCancelled}

	t.Run("Removes finished calls from the mirror and marks them cleared", func(t *testing.T) {
		store, mirror := new(mockStore), new(mockMirror)
		before := time.Now().UTC()
		store.On("FinishedBefore", ctx, mock.MatchedBy(func(cutoff time.Time) bool {
			return !cutoff.After(before.Add(-time.Hour).Add(time.Minute)) && cutoff.Before(before)
		}), 100).Return([]calls.Call{done, gone}, nil)
		mirror.On("Remove", ctx, done).Return(nil)
		mirror.On("Remove", ctx, gone).Return(nil)
		store.On("MarkCleared", ctx, "c1", mock.Anything).Return(nil)
		store.On("MarkCleared", ctx, "c2", mock.Anything).Return(nil)

		n, err := calls.NewService(store, new(mockNotifier), mirror, newTestLogger()).SweepFinished(ctx, time.Hour)

		require.NoError(t, err)
		assert.Equal(t, 2, n)
		store.AssertExpectations(t)
		mirror.AssertExpectations(t)
	})

	t.Run("Failed removal stays uncleared", func(t *testing.T) {
		store, mirror := new(mockStore), new(mockMirror)
		store.On("FinishedBefore", ctx, mock.Anything, 100).Return([]calls.Call{done, gone}, nil)
		mirror.On("Remove", ctx, done).Return(errors.New("rtdb down"))
		mirror.On("Remove", ctx, gone).Return(nil)
		store.On("MarkCleared", ctx, "c2", mock.Anything).Return(nil)

		n, err := calls.NewService(store, new(mockNotifier), mirror, newTestLogger()).SweepFinished(ctx, time.Hour)

		require.ErrorContains(t, err, "c1")
		assert.Equal(t, 1, n)
		store.AssertNotCalled(t, "MarkCleared", ctx, "c1", mock.Anything)
	})

	t.Run("Store failure", func(t *testing.T) {
		store, mirror := new(mockStore), new(mockMirror)
		store.On("FinishedBefore", ctx, mock.Anything, 100).Return([]calls.Call(nil), errors.New("db down"))

		_, err := calls.NewService(store, new(mockNotifier), mirror, newTestLogger()).SweepFinished(ctx, time.Hour)

		require.Error(t, err)
		mirror.AssertNotCalled(t, "Remove", mock.Anything, mock.Anything)
	})

	t.Run("No mirror is a no-op", func(t *testing.T) {
		store := new(mockStore)

		n, err := calls.NewService(store, new(mockNotifier), nil, newTestLogger()).SweepFinished(ctx, time.Hour)

		require.NoError(t, err)
		assert.Zero(t, n)
		store.AssertNotCalled(t, "FinishedBefore", mock.Anything, mock.Anything, mock.Anything)
	})
}

func TestService_RunSweeper(t *testing.T) {
	store, mirror := new(mockStore), new(mockMirror)
	done := calls.Call{ID: "c1", Status: calls.StatusCompleted}
	swept := make(chan struct{}, 1)
	store.On("FinishedBefore", mock.Anything, mock.Anything, 100).Return([]calls.Call{done}, nil).Once()
	store.On("FinishedBefore", mock.Anything, mock.Anything, 100).Return([]calls.Call{}, nil)
	mirror.On("Remove", mock.Anything, done).Return(nil)
	store.On("MarkCleared", mock.Anything, "c1", mock.Anything).Return(nil).Run(func(mock.Arguments) {
		swept <- struct{}{}
	})

	ctx, cancel := context.WithCancel(context.Background())
	stopped := make(chan struct{})
	go func() {
		calls.NewService(store, new(mockNotifier), mirror, newTestLogger()).RunSweeper(ctx, 10*time.Millisecond, time.Hour)
		close(stopped)
	}()

	select {
	case <-swept:
	case <-time.After(2 * time.Second):
		t.Fatal("sweeper never cleared the finished call")
	}
	cancel()
	select {
	case <-stopped:
	case <-time.After(2 * time.Second):
		t.Fatal("sweeper did not stop with its context")
	}
	mirror.AssertExpectations(t)
}
