package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/tinywideclouds/go-microservice-base/pkg/response"
	urn "github.com/tinywideclouds/go-platform/pkg/net/v1"

	"github.com/tinywideclouds/go-waitercall-service/internal/calls"
)

// CallService is the lifecycle the handlers drive.
type CallService interface {
	Create(ctx context.Context, req calls.CreateRequest) (calls.Created, error)
	Get(ctx context.Context, id string) (calls.Call, error)
	Cancel(ctx context.Context, id string) (calls.Call, error)
	Acknowledge(ctx context.Context, id string, waiter urn.URN) (calls.Call, error)
	Complete(ctx context.Context, id string, waiter urn.URN) (calls.Call, error)
	ActiveForWaiter(ctx context.Context, waiter urn.URN) ([]calls.Call, error)
}

type CallAPI struct {
	Service CallService
	Logger  *slog.Logger
}

func NewCallAPI(service CallService, logger *slog.Logger) *CallAPI {
	return &CallAPI{
		Service: service,
		Logger:  logger.With("component", "CallAPI"),
	}
}

// CallResponse is the JSON view of a call.
type CallResponse struct {
	ID             string     `json:"id"`
	BusinessID     string     `json:"business_id"`
	TableID        string     `json:"table_id"`
	TableNumber    string     `json:"table_number"`
	WaiterID       string     `json:"waiter_id"`
	Note           string     `json:"note,omitempty"`
	Status         string     `json:"status"`
	CreatedAt      time.Time  `json:"created_at"`
	UpdatedAt      time.Time  `json:"updated_at"`
	AcknowledgedAt *time.Time `json:"acknowledged_at,omitempty"`
	CompletedAt    *time.Time `json:"completed_at,omitempty"`
	CancelledAt    *time.Time `json:"cancelled_at,omitempty"`
	// Delivery is only set on the response to a new call.
	Delivery *DeliveryResponse `json:"delivery,omitempty"`
}

type DeliveryResponse struct {
	Sent    int    `json:"sent"`
	Failed  int    `json:"failed"`
	Invalid int    `json:"invalid"`
	Error   string `json:"error,omitempty"`
}

func toResponse(c calls.Call) CallResponse {
	return CallResponse{
		ID:             c.ID,
		BusinessID:     c.BusinessID,
		TableID:        c.TableID,
		TableNumber:    c.TableNumber,
		WaiterID:       c.Waiter.String(),
		Note:           c.Note,
		Status:         string(c.Status),
		CreatedAt:      c.CreatedAt,
		UpdatedAt:      c.UpdatedAt,
		AcknowledgedAt: c.AcknowledgedAt,
		CompletedAt:    c.CompletedAt,
		CancelledAt:    c.CancelledAt,
	}
}

// Create is called from the table's QR page and needs no login.
func (api *CallAPI) Create(w http.ResponseWriter, r *http.Request) {
	var req calls.CreateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		response.WriteJSONError(w, http.StatusBadRequest, "invalid json")
		return
	}

	created, err := api.Service.Create(r.Context(), req)
	if err != nil {
		api.writeError(w, err)
		return
	}

	out := toResponse(created.Call)
	if created.Existing {
		writeJSON(w, http.StatusOK, out)
		return
	}
	out.Delivery = &DeliveryResponse{
		Sent:    created.Receipt.Sent,
		Failed:  created.Receipt.Failed,
		Invalid: len(created.Receipt.Invalid),
	}
	if created.NotifyErr != nil {
		out.Delivery.Error = "waiter could not be notified"
	}
	writeJSON(w, http.StatusCreated, out)
}

func (api *CallAPI) Get(w http.ResponseWriter, r *http.Request) {
	call, err := api.Service.Get(r.Context(), r.PathValue("id"))
	if err != nil {
		api.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toResponse(call))
}

func (api *CallAPI) Cancel(w http.ResponseWriter, r *http.Request) {
	call, err := api.Service.Cancel(r.Context(), r.PathValue("id"))
	if err != nil {
		api.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toResponse(call))
}

func (api *CallAPI) Acknowledge(w http.ResponseWriter, r *http.Request) {
	api.waiterTransition(w, r, api.Service.Acknowledge)
}

func (api *CallAPI) Complete(w http.ResponseWriter, r *http.Request) {
	api.waiterTransition(w, r, api.Service.Complete)
}

// ActiveForWaiter lists the calling waiter's open calls.
func (api *CallAPI) ActiveForWaiter(w http.ResponseWriter, r *http.Request) {
	waiter, ok := userFromContext(r)
	if !ok {
		response.WriteJSONError(w, http.StatusUnauthorized, "unauthorized")
		return
	}
	active, err := api.Service.ActiveForWaiter(r.Context(), waiter)
	if err != nil {
		api.writeError(w, err)
		return
	}
	out := make([]CallResponse, 0, len(active))
	for _, c := range active {
		out = append(out, toResponse(c))
	}
	writeJSON(w, http.StatusOK, out)
}

func (api *CallAPI) waiterTransition(
	w http.ResponseWriter,
	r *http.Request,
	fn func(ctx context.Context, id string, waiter urn.URN) (calls.Call, error),
) {
	waiter, ok := userFromContext(r)
	if !ok {
		response.WriteJSONError(w, http.StatusUnauthorized, "unauthorized")
		return
	}
	call, err := fn(r.Context(), r.PathValue("id"), waiter)
	if err != nil {
		api.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toResponse(call))
}

func (api *CallAPI) writeError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, calls.ErrInvalidRequest):
		response.WriteJSONError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, calls.ErrNotFound):
		response.WriteJSONError(w, http.StatusNotFound, "call not found")
	case errors.Is(err, calls.ErrNotAssigned):
		response.WriteJSONError(w, http.StatusForbidden, err.Error())
	case errors.Is(err, calls.ErrInvalidTransition), errors.Is(err, calls.ErrConflict):
		response.WriteJSONError(w, http.StatusConflict, err.Error())
	default:
		api.Logger.Error("Call request failed", "err", err)
		response.WriteJSONError(w, http.StatusInternalServerError, "internal error")
	}
}
