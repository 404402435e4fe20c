package pipeline

import (
	"context"
	"log/slog"

	"github.com/illmade-knight/go-dataflow/pkg/messagepipeline"

	"github.com/tinywideclouds/go-waitercall-service/internal/calls"
)

// NewProcessor delivers each request through the notifier. A failed delivery
// is returned so the message is redelivered, unless every failure was a dead
// token, which a retry cannot fix.
func NewProcessor(
	notifier calls.Notifier,
	logger *slog.Logger,
) messagepipeline.StreamProcessor[NotificationRequest] {

	return func(ctx context.Context, original messagepipeline.Message, request *NotificationRequest) error {
		procLogger := logger.With(
			"recipients", len(request.Recipients),
			"pubsub_msg_id", original.ID,
		)

		receipt, err := notifier.Notify(ctx, request.Notification, request.Recipients...)
		if err != nil {
			if receipt.Failed > 0 && receipt.Failed == len(receipt.Invalid) {
				procLogger.Info("All devices were stale; dropping notification", "receipt", receipt.String())
				return nil
			}
			procLogger.Error("Notification delivery failed", "receipt", receipt.String(), "err", err)
			return err
		}

		procLogger.Info("Notification delivered", "receipt", receipt.String())
		return nil
	}
}
