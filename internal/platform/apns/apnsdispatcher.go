// Package apns provides the client for the Apple Push Notification Service.
// It serves iOS devices that registered a native APNs token rather than an FCM one.
package apns

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/sideshow/apns2"
	"github.com/sideshow/apns2/payload"
	"github.com/sideshow/apns2/token"
	"golang.org/x/sync/errgroup"

	"github.com/tinywideclouds/go-waitercall-service/pkg/dispatch"
)

const defaultConcurrency = 10

// APNSClient defines the subset of the apns2.Client methods we use.
// This allows mocking for unit tests.
type APNSClient interface {
	PushWithContext(ctx apns2.Context, n *apns2.Notification) (*apns2.Response, error)
}

type Dispatcher struct {
	client      APNSClient
	topic       string // The App Bundle ID
	concurrency int
	now         func() time.Time
	logger      *slog.Logger
}

// Config holds the credentials required to sign APNs tokens.
type Config struct {
	KeyID    string
	TeamID   string
	BundleID string
	// P8KeyContent is the raw string content of the .p8 file
	P8KeyContent string
	// Sandbox routes to the development gateway.
	Sandbox     bool
	Concurrency int
}

// NewDispatcher creates a configured APNS dispatcher.
// It parses the P8 key immediately to fail fast on startup if credentials are bad.
func NewDispatcher(cfg Config, logger *slog.Logger) (*Dispatcher, error) {
	authKey, err := token.AuthKeyFromBytes([]byte(cfg.P8KeyContent))
	if err != nil {
		return nil, fmt.Errorf("failed to parse APNs P8 key: %w", err)
	}

	client := apns2.NewTokenClient(&token.Token{
		AuthKey: authKey,
		KeyID:   cfg.KeyID,
		TeamID:  cfg.TeamID,
	})
	if cfg.Sandbox {
		client = client.Development()
	} else {
		client = client.Production()
	}

	return newDispatcher(client, cfg.BundleID, cfg.Concurrency, logger), nil
}

func newDispatcher(client APNSClient, topic string, concurrency int, logger *slog.Logger) *Dispatcher {
	if concurrency <= 0 {
		concurrency = defaultConcurrency
	}
	return &Dispatcher{
		client:      client,
		topic:       topic,
		concurrency: concurrency,
		now:         time.Now,
		logger:      logger.With("component", "APNSDispatcher"),
	}
}

// Dispatch sends the message to a batch of APNs tokens.
// The HTTP/2 API is unary, so each token is one request; requests run in
// parallel up to the configured concurrency.
func (d *Dispatcher) Dispatch(ctx context.Context, tokens []dispatch.DeviceToken, msg dispatch.Message) (dispatch.Receipt, error) {
	var receipt dispatch.Receipt
	if len(tokens) == 0 {
		return receipt, nil
	}

	built := d.payload(msg)
	results := make([]dispatch.Result, len(tokens))

	var g errgroup.Group
	g.SetLimit(d.concurrency)
	for i, tok := range tokens {
		if ctx.Err() != nil {
			results[i] = dispatch.Result{Token: tok, Err: ctx.Err()}
			continue
		}
		g.Go(func() error {
			results[i] = d.push(ctx, tok, msg, built)
			return nil
		})
	}
	_ = g.Wait()

	for _, res := range results {
		receipt.Record(res)
	}
	if err := ctx.Err(); err != nil {
		return receipt, err
	}
	return receipt, nil
}

func (d *Dispatcher) push(ctx context.Context, tok dispatch.DeviceToken, msg dispatch.Message, built *payload.Payload) dispatch.Result {
	res := dispatch.Result{Token: tok}

	n := &apns2.Notification{
		DeviceToken: tok.Token,
		Topic:       d.topic,
		Payload:     built,
		CollapseID:  msg.CollapseKey,
		Priority:    apns2.PriorityHigh,
		PushType:    apns2.PushTypeAlert,
	}
	if msg.Alert == nil {
		n.PushType = apns2.PushTypeBackground
		n.Priority = apns2.PriorityLow
	} else if msg.Priority == dispatch.PriorityNormal {
		n.Priority = apns2.PriorityLow
	}
	if msg.TTL > 0 {
		n.Expiration = d.now().Add(msg.TTL)
	}

	r, err := d.client.PushWithContext(ctx, n)
	if err != nil {
		d.logger.Error("APNs transport failed", "err", err)
		res.Err = fmt.Errorf("apns transport failed: %w", err)
		return res
	}
	if r.Sent() {
		res.MessageID = r.ApnsID
		return res
	}

	res.Err = fmt.Errorf("apns rejected token: status %d %s", r.StatusCode, r.Reason)
	switch r.Reason {
	case apns2.ReasonBadDeviceToken, apns2.ReasonUnregistered, apns2.ReasonDeviceTokenNotForTopic:
		res.Invalid = true
	default:
		// The token might be fine while our configuration is wrong.
		d.logger.Warn("APNs rejected notification", "reason", r.Reason, "status", r.StatusCode)
	}
	return res
}

func (d *Dispatcher) payload(msg dispatch.Message) *payload.Payload {
	p := payload.NewPayload()
	if msg.Alert != nil {
		p.AlertTitle(msg.Alert.Title).AlertBody(msg.Alert.Body).Sound(msg.Sound)
	} else {
		p.ContentAvailable()
	}
	if msg.Badge != nil {
		p.Badge(*msg.Badge)
	}
	if msg.ClickAction != "" {
		p.Custom("click_action", msg.ClickAction)
	}
	for k, v := range msg.Data {
		p.Custom(k, v)
	}
	return p
}
