// Package api exposes device registration and the waiter call lifecycle over HTTP.
package api

import (
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/go-playground/validator/v10"
	"github.com/tinywideclouds/go-microservice-base/pkg/middleware"
	"github.com/tinywideclouds/go-microservice-base/pkg/response"
	urn "github.com/tinywideclouds/go-platform/pkg/net/v1"

	"github.com/tinywideclouds/go-waitercall-service/pkg/dispatch"
)

type TokenAPI struct {
	Store    dispatch.TokenStore
	Logger   *slog.Logger
	validate *validator.Validate
}

func NewTokenAPI(store dispatch.TokenStore, logger *slog.Logger) *TokenAPI {
	return &TokenAPI{
		Store:    store,
		Logger:   logger.With("component", "TokenAPI"),
		validate: validator.New(),
	}
}

// RegisterRequest covers every provider. Keys are only sent for raw web push
// subscriptions, in which case Token is the subscription endpoint.
type RegisterRequest struct {
	Token    string                `json:"token" validate:"required,max=4096"`
	Platform string                `json:"platform" validate:"required,oneof=web android ios"`
	Provider string                `json:"provider,omitempty" validate:"omitempty,oneof=fcm apns webpush"`
	Keys     *dispatch.WebPushKeys `json:"keys,omitempty"`
}

type UnregisterRequest struct {
	Token string `json:"token" validate:"required"`
}

func (api *TokenAPI) Register(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	user, ok := userFromContext(r)
	if !ok {
		response.WriteJSONError(w, http.StatusUnauthorized, "unauthorized")
		return
	}

	var req RegisterRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		response.WriteJSONError(w, http.StatusBadRequest, "invalid json")
		return
	}
	if err := api.validate.Struct(req); err != nil {
		response.WriteJSONError(w, http.StatusBadRequest, err.Error())
		return
	}

	provider, _ := dispatch.ParseProvider(req.Provider)
	token := dispatch.DeviceToken{
		User:     user,
		Token:    req.Token,
		Platform: dispatch.Platform(req.Platform),
		Provider: provider,
		WebPush:  req.Keys,
	}
	if err := token.Validate(); err != nil {
		api.Logger.Warn("Register: validation failed", "err", err)
		response.WriteJSONError(w, http.StatusBadRequest, err.Error())
		return
	}

	if err := api.Store.Register(ctx, token); err != nil {
		api.Logger.Error("Failed to register device token", "err", err)
		response.WriteJSONError(w, http.StatusInternalServerError, "storage failed")
		return
	}
	api.Logger.Info("Device token registered", "user", user.String(), "platform", token.Platform, "provider", token.Provider)

	w.WriteHeader(http.StatusNoContent)
}

func (api *TokenAPI) Unregister(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	user, ok := userFromContext(r)
	if !ok {
		response.WriteJSONError(w, http.StatusUnauthorized, "unauthorized")
		return
	}

	var req UnregisterRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		response.WriteJSONError(w, http.StatusBadRequest, "invalid json")
		return
	}
	if err := api.validate.Struct(req); err != nil {
		response.WriteJSONError(w, http.StatusBadRequest, "missing token")
		return
	}

	if err := api.Store.Unregister(ctx, user, req.Token); err != nil {
		// Unregister stays idempotent for the client; a stale row is pruned on the next send.
		api.Logger.Warn("Failed to unregister device token", "err", err)
	}

	w.WriteHeader(http.StatusNoContent)
}

func userFromContext(r *http.Request) (urn.URN, bool) {
	var user urn.URN
	handle, ok := middleware.GetUserHandleFromContext(r.Context())
	if !ok {
		return user, false
	}
	user, err := urn.Parse(handle)
	if err != nil {
		return user, false
	}
	return user, true
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
