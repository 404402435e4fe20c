package api_test

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	urn "github.com/tinywideclouds/go-platform/pkg/net/v1"

	"github.com/tinywideclouds/go-waitercall-service/internal/api"
	"github.com/tinywideclouds/go-waitercall-service/internal/calls"
	"github.com/tinywideclouds/go-waitercall-service/pkg/dispatch"
)

type MockCallService struct {
	mock.Mock
}

func (m *MockCallService) Create(ctx context.Context, req calls.CreateRequest) (calls.Created, error) {
	args := m.Called(ctx, req)
	return args.Get(0).(calls.Created), args.Error(1)
}
func (m *MockCallService) Get(ctx context.Context, id string) (calls.Call, error) {
	args := m.Called(ctx, id)
	return args.Get(0).(calls.Call), args.Error(1)
}
func (m *MockCallService) Cancel(ctx context.Context, id string) (calls.Call, error) {
	args := m.Called(ctx, id)
	return args.Get(0).(calls.Call), args.Error(1)
}
func (m *MockCallService) Acknowledge(ctx context.Context, id string, waiter urn.URN) (calls.Call, error) {
	args := m.Called(ctx, id, waiter)
	return args.Get(0).(calls.Call), args.Error(1)
}
func (m *MockCallService) Complete(ctx context.Context, id string, waiter urn.URN) (calls.Call, error) {
	args := m.Called(ctx, id, waiter)
	return args.Get(0).(calls.Call), args.Error(1)
}
func (m *MockCallService) ActiveForWaiter(ctx context.Context, waiter urn.URN) ([]calls.Call, error) {
	args := m.Called(ctx, waiter)
	return args.Get(0).([]calls.Call), args.Error(1)
}

func sampleCall(t *testing.T) calls.Call {
	t.Helper()
	waiter, err := urn.Parse("urn:ctw:user:waiter-1")
	require.NoError(t, err)
	now := time.Date(2026, 3, 1, 19, 30, 0, 0, time.UTC)
	return calls.Call{
		ID: "call-1", BusinessID: "biz-1", TableID: "t-7", TableNumber: "7",
		Waiter: waiter, Status: calls.StatusPending, CreatedAt: now, UpdatedAt: now,
	}
}

func decodeCall(t *testing.T, w *httptest.ResponseRecorder) api.CallResponse {
	t.Helper()
	var out api.CallResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &out))
	return out
}

func TestCallAPI_Create(t *testing.T) {
	body := map[string]string{
		"business_id": "biz-1", "table_id": "t-7", "table_number": "7", "waiter_id": "urn:ctw:user:waiter-1",
	}
	wantReq := calls.CreateRequest{BusinessID: "biz-1", TableID: "t-7", TableNumber: "7", WaiterID: "urn:ctw:user:waiter-1"}

	t.Run("New call returns 201 with delivery", func(t *testing.T) {
		svc := new(MockCallService)
		svc.On("Create", mock.Anything, wantReq).
			Return(calls.Created{Call: sampleCall(t), Receipt: dispatch.Receipt{Sent: 2}}, nil)
		w := httptest.NewRecorder()

		api.NewCallAPI(svc, newTestLogger()).Create(w, httptest.NewRequest("POST", "/api/v1/calls", jsonBody(t, body)))

		assert.Equal(t, http.StatusCreated, w.Code)
		out := decodeCall(t, w)
		assert.Equal(t, "call-1", out.ID)
		assert.Equal(t, "urn:ctw:user:waiter-1", out.WaiterID)
		require.NotNil(t, out.Delivery)
		assert.Equal(t, 2, out.Delivery.Sent)
	})

	t.Run("Existing active call returns 200", func(t *testing.T) {
		svc := new(MockCallService)
		svc.On("Create", mock.Anything, wantReq).Return(calls.Created{Call: sampleCall(t), Existing: true}, nil)
		w := httptest.NewRecorder()

		api.NewCallAPI(svc, newTestLogger()).Create(w, httptest.NewRequest("POST", "/api/v1/calls", jsonBody(t, body)))

		assert.Equal(t, http.StatusOK, w.Code)
		assert.Nil(t, decodeCall(t, w).Delivery)
	})

	t.Run("Invalid request returns 400", func(t *testing.T) {
		svc := new(MockCallService)
		svc.On("Create", mock.Anything, mock.Anything).
			Return(calls.Created{}, fmt.Errorf("%w: table_id required", calls.ErrInvalidRequest))
		w := httptest.NewRecorder()

		api.NewCallAPI(svc, newTestLogger()).Create(w, httptest.NewRequest("POST", "/api/v1/calls", jsonBody(t, map[string]string{})))

		assert.Equal(t, http.StatusBadRequest, w.Code)
	})
}

func TestCallAPI_Lifecycle(t *testing.T) {
	waiter, _ := urn.Parse("urn:ctw:user:waiter-1")

	testCases := []struct {
		name       string
		err        error
		wantStatus int
	}{
		{name: "Success", wantStatus: http.StatusOK},
		{name: "Unknown call", err: calls.ErrNotFound, wantStatus: http.StatusNotFound},
		{name: "Other waiter", err: calls.ErrNotAssigned, wantStatus: http.StatusForbidden},
		{name: "Invalid transition", err: fmt.Errorf("%w: completed -> acknowledged", calls.ErrInvalidTransition), wantStatus: http.StatusConflict},
		{name: "Store failure", err: assert.AnError, wantStatus: http.StatusInternalServerError},
	}

	for _, tc := range testCases {
		t.Run("Acknowledge "+tc.name, func(t *testing.T) {
			svc := new(MockCallService)
			call := sampleCall(t)
			call.Status = calls.StatusAcknowledged
			svc.On("Acknowledge", mock.Anything, "call-1", waiter).Return(call, tc.err)

			req := withUser(httptest.NewRequest("POST", "/api/v1/calls/call-1/acknowledge", nil), waiter.String())
			req.SetPathValue("id", "call-1")
			w := httptest.NewRecorder()

			api.NewCallAPI(svc, newTestLogger()).Acknowledge(w, req)

			assert.Equal(t, tc.wantStatus, w.Code)
			if tc.err == nil {
				assert.Equal(t, "acknowledged", decodeCall(t, w).Status)
			}
		})
	}

	t.Run("Complete requires a user", func(t *testing.T) {
		svc := new(MockCallService)
		req := httptest.NewRequest("POST", "/api/v1/calls/call-1/complete", nil)
		req.SetPathValue("id", "call-1")
		w := httptest.NewRecorder()

		api.NewCallAPI(svc, newTestLogger()).Complete(w, req)

		assert.Equal(t, http.StatusUnauthorized, w.Code)
		svc.AssertNotCalled(t, "Complete", mock.Anything, mock.Anything, mock.Anything)
	})

	t.Run("Cancel is public", func(t *testing.T) {
		svc := new(MockCallService)
		call := sampleCall(t)
		call.Status = calls.StatusCancelled
		svc.On("Cancel", mock.Anything, "call-1").Return(call, nil)
		req := httptest.NewRequest("POST", "/api/v1/calls/call-1/cancel", nil)
		req.SetPathValue("id", "call-1")
		w := httptest.NewRecorder()

		api.NewCallAPI(svc, newTestLogger()).Cancel(w, req)

		assert.Equal(t, http.StatusOK, w.Code)
		assert.Equal(t, "cancelled", decodeCall(t, w).Status)
	})

	t.Run("Get", func(t *testing.T) {
		svc := new(MockCallService)
		svc.On("Get", mock.Anything, "call-1").Return(sampleCall(t), nil)
		req := httptest.NewRequest("GET", "/api/v1/calls/call-1", nil)
		req.SetPathValue("id", "call-1")
		w := httptest.NewRecorder()

		api.NewCallAPI(svc, newTestLogger()).Get(w, req)

		assert.Equal(t, http.StatusOK, w.Code)
		assert.Equal(t, "7", decodeCall(t, w).TableNumber)
	})

	t.Run("Active calls of the waiter", func(t *testing.T) {
		svc := new(MockCallService)
		svc.On("ActiveForWaiter", mock.Anything, waiter).Return([]calls.Call{sampleCall(t)}, nil)
		req := withUser(httptest.NewRequest("GET", "/api/v1/waiters/me/calls", nil), waiter.String())
		w := httptest.NewRecorder()

		api.NewCallAPI(svc, newTestLogger()).ActiveForWaiter(w, req)

		assert.Equal(t, http.StatusOK, w.Code)
		var out []api.CallResponse
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &out))
		require.Len(t, out, 1)
		assert.Equal(t, "call-1", out[0].ID)
	})
}
