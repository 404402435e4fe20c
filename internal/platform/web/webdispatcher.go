// Package web delivers raw browser push subscriptions over VAPID-signed Web Push.
package web

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/SherClockHolmes/webpush-go"
	"golang.org/x/sync/errgroup"

	"github.com/tinywideclouds/go-waitercall-service/pkg/dispatch"
	"github.com/tinywideclouds/go-waitercall-service/waitercallservice/config"
)

const (
	defaultConcurrency = 10
	defaultTTL         = 60 * time.Second
)

type Dispatcher struct {
	subscriber  string
	privateKey  string
	publicKey   string
	concurrency int
	logger      *slog.Logger
	httpClient  *http.Client
}

func NewDispatcher(cfg config.VapidConfig, logger *slog.Logger) *Dispatcher {
	concurrency := cfg.Concurrency
	if concurrency <= 0 {
		concurrency = defaultConcurrency
	}
	return &Dispatcher{
		privateKey:  cfg.PrivateKey,
		publicKey:   cfg.PublicKey,
		subscriber:  cfg.SubscriberEmail,
		concurrency: concurrency,
		logger:      logger.With("component", "WebPushDispatcher"),
		httpClient:  &http.Client{Timeout: 10 * time.Second},
	}
}

// Dispatch encrypts and posts msg to every subscription. The token of a
// webpush DeviceToken is the subscription endpoint.
func (d *Dispatcher) Dispatch(ctx context.Context, tokens []dispatch.DeviceToken, msg dispatch.Message) (dispatch.Receipt, error) {
	var receipt dispatch.Receipt
	if len(tokens) == 0 {
		return receipt, nil
	}

	// The service worker reads everything from data.
	payloadBytes, err := json.Marshal(map[string]interface{}{"data": msg.Data})
	if err != nil {
		return receipt, fmt.Errorf("failed to marshal payload: %w", err)
	}

	opts := &webpush.Options{
		Subscriber:      d.subscriber,
		VAPIDPublicKey:  d.publicKey,
		VAPIDPrivateKey: d.privateKey,
		TTL:             int(defaultTTL / time.Second),
		HTTPClient:      d.httpClient,
		Urgency:         webpush.UrgencyHigh,
		Topic:           msg.CollapseKey,
	}
	if msg.TTL > 0 {
		opts.TTL = int(msg.TTL / time.Second)
	}
	if msg.Priority == dispatch.PriorityNormal {
		opts.Urgency = webpush.UrgencyNormal
	}

	results := make([]dispatch.Result, len(tokens))
	var g errgroup.Group
	g.SetLimit(d.concurrency)
	for i, tok := range tokens {
		if ctx.Err() != nil {
			results[i] = dispatch.Result{Token: tok, Err: ctx.Err()}
			continue
		}
		g.Go(func() error {
			results[i] = d.send(ctx, tok, payloadBytes, opts)
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

func (d *Dispatcher) send(ctx context.Context, tok dispatch.DeviceToken, payload []byte, opts *webpush.Options) dispatch.Result {
	res := dispatch.Result{Token: tok}
	if tok.WebPush == nil {
		res.Err = fmt.Errorf("web push subscription has no keys")
		res.Invalid = true
		return res
	}

	sub := &webpush.Subscription{
		Endpoint: tok.Token,
		Keys: webpush.Keys{
			P256dh: tok.WebPush.P256dh,
			Auth:   tok.WebPush.Auth,
		},
	}

	resp, err := webpush.SendNotificationWithContext(ctx, payload, sub, opts)
	if err != nil {
		// Transport error (DNS, Timeout): keep the subscription.
		d.logger.Error("WebPush transport error", "endpoint", tok.Token, "err", err)
		res.Err = fmt.Errorf("web push transport failed: %w", err)
		return res
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		res.MessageID = resp.Header.Get("Location")
	case resp.StatusCode == http.StatusGone, resp.StatusCode == http.StatusNotFound:
		res.Err = fmt.Errorf("web push subscription expired: status %d", resp.StatusCode)
		res.Invalid = true
	default:
		d.logger.Warn("WebPush rejected", "status", resp.StatusCode, "endpoint", tok.Token)
		res.Err = fmt.Errorf("web push rejected: status %d", resp.StatusCode)
	}
	return res
}
