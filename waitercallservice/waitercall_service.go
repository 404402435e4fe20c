// Package waitercallservice assembles the HTTP API and the notification
// pipeline on top of the shared microservice base server.
package waitercallservice

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/illmade-knight/go-dataflow/pkg/messagepipeline"
	"github.com/tinywideclouds/go-microservice-base/pkg/microservice"
	"github.com/tinywideclouds/go-microservice-base/pkg/middleware"

	"github.com/tinywideclouds/go-waitercall-service/internal/api"
	"github.com/tinywideclouds/go-waitercall-service/internal/calls"
	"github.com/tinywideclouds/go-waitercall-service/internal/pipeline"
	"github.com/tinywideclouds/go-waitercall-service/pkg/dispatch"
	"github.com/tinywideclouds/go-waitercall-service/waitercallservice/config"
)

type Wrapper struct {
	*microservice.BaseServer
	pipelineService *messagepipeline.StreamingService[pipeline.NotificationRequest]
	logger          *slog.Logger
}

// New assembles the service.
func New(
	cfg *config.Config,
	consumer messagepipeline.MessageConsumer,
	notifier calls.Notifier,
	tokenStore dispatch.TokenStore,
	callService api.CallService,
	authMiddleware func(http.Handler) http.Handler,
	logger *slog.Logger,
) (*Wrapper, error) {

	baseServer := microservice.NewBaseServer(logger, cfg.ListenAddr)

	processor := pipeline.NewProcessor(notifier, logger)

	streamingService, err := messagepipeline.NewStreamingService(
		messagepipeline.StreamingServiceConfig{NumWorkers: cfg.NumPipelineWorkers},
		consumer,
		pipeline.NotificationRequestTransformer,
		processor,
		logger,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create streaming service: %w", err)
	}

	tokenAPI := api.NewTokenAPI(tokenStore, logger)
	callAPI := api.NewCallAPI(callService, logger)

	mux := baseServer.Mux()
	corsMiddleware := middleware.NewCorsMiddleware(cfg.CorsConfig, logger)

	authed := func(pattern string, handlerFunc http.HandlerFunc) {
		mux.Handle(pattern, corsMiddleware(authMiddleware(handlerFunc)))
	}
	// Guests raise and cancel calls from the table's QR page without logging in.
	public := func(pattern string, handlerFunc http.HandlerFunc) {
		mux.Handle(pattern, corsMiddleware(handlerFunc))
	}

	authed("POST /api/v1/tokens", tokenAPI.Register)
	authed("POST /api/v1/tokens/unregister", tokenAPI.Unregister)

	public("POST /api/v1/calls", callAPI.Create)
	public("GET /api/v1/calls/{id}", callAPI.Get)
	public("POST /api/v1/calls/{id}/cancel", callAPI.Cancel)
	authed("POST /api/v1/calls/{id}/acknowledge", callAPI.Acknowledge)
	authed("POST /api/v1/calls/{id}/complete", callAPI.Complete)
	authed("GET /api/v1/waiters/me/calls", callAPI.ActiveForWaiter)

	// CORS preflight for the whole API namespace.
	mux.Handle("OPTIONS /api/v1/", corsMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {})))

	return &Wrapper{
		BaseServer:      baseServer,
		pipelineService: streamingService,
		logger:          logger,
	}, nil
}

func (w *Wrapper) Start(ctx context.Context) error {
	w.logger.Info("Core processing pipeline starting...")
	if err := w.pipelineService.Start(ctx); err != nil {
		return fmt.Errorf("failed to start processing service: %w", err)
	}
	w.SetReady(true)
	w.logger.Info("Service is now ready.")
	return w.BaseServer.Start()
}

func (w *Wrapper) Shutdown(ctx context.Context) error {
	w.logger.Info("Shutting down service components...")
	var finalErr error
	if err := w.pipelineService.Stop(ctx); err != nil {
		w.logger.Error("Processing pipeline shutdown failed.", "err", err)
		finalErr = err
	}
	if err := w.BaseServer.Shutdown(ctx); err != nil {
		w.logger.Error("HTTP server shutdown failed.", "err", err)
		finalErr = err
	}
	w.logger.Info("Service shutdown complete.")
	return finalErr
}
