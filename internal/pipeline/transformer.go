// Package pipeline turns notification requests published on Pub/Sub into
// deliveries.
package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/illmade-knight/go-dataflow/pkg/messagepipeline"
	urn "github.com/tinywideclouds/go-platform/pkg/net/v1"

	"github.com/tinywideclouds/go-waitercall-service/pkg/dispatch"
)

// NotificationRequest asks for one notification to reach every device of the recipients.
type NotificationRequest struct {
	Recipients   []urn.URN
	Notification dispatch.Notification
}

type wireRequest struct {
	Recipients   []string              `json:"recipients"`
	Notification dispatch.Notification `json:"notification"`
	TTLSeconds   int                   `json:"ttl_seconds,omitempty"`
}

// NotificationRequestTransformer decodes a raw payload. Requests that can never
// succeed (bad JSON, no recipients, malformed URNs) are skipped with an error.
func NotificationRequestTransformer(
	_ context.Context,
	msg *messagepipeline.Message,
) (*NotificationRequest, bool, error) {
	var wire wireRequest
	if err := json.Unmarshal(msg.Payload, &wire); err != nil {
		return nil, true, fmt.Errorf("failed to unmarshal notification request from message %s: %w", msg.ID, err)
	}
	if len(wire.Recipients) == 0 {
		return nil, true, fmt.Errorf("notification request %s has no recipients", msg.ID)
	}

	req := &NotificationRequest{
		Recipients:   make([]urn.URN, 0, len(wire.Recipients)),
		Notification: wire.Notification,
	}
	for _, raw := range wire.Recipients {
		recipient, err := urn.Parse(raw)
		if err != nil {
			return nil, true, fmt.Errorf("notification request %s has invalid recipient %q: %w", msg.ID, raw, err)
		}
		req.Recipients = append(req.Recipients, recipient)
	}
	if wire.TTLSeconds > 0 {
		req.Notification.TTL = time.Duration(wire.TTLSeconds) * time.Second
	}
	return req, false, nil
}
