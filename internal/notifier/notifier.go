// Package notifier sends one notification to every registered device of a set
// of users, across all push providers.
package notifier

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	urn "github.com/tinywideclouds/go-platform/pkg/net/v1"
	"go.uber.org/multierr"
	"golang.org/x/sync/errgroup"

	"github.com/tinywideclouds/go-waitercall-service/internal/message"
	"github.com/tinywideclouds/go-waitercall-service/internal/tokens"
	"github.com/tinywideclouds/go-waitercall-service/pkg/dispatch"
)

var (
	// ErrNotDelivered is returned when no device received the notification.
	ErrNotDelivered = errors.New("notification was not delivered to any device")
	// ErrNoDispatcher marks tokens whose provider is not configured.
	ErrNoDispatcher = errors.New("no dispatcher configured for provider")
)

type Notifier struct {
	tokens      *tokens.Manager
	builder     *message.Builder
	dispatchers map[dispatch.Provider]dispatch.Dispatcher
	logger      *slog.Logger
}

func New(
	manager *tokens.Manager,
	builder *message.Builder,
	dispatchers map[dispatch.Provider]dispatch.Dispatcher,
	logger *slog.Logger,
) *Notifier {
	return &Notifier{
		tokens:      manager,
		builder:     builder,
		dispatchers: dispatchers,
		logger:      logger.With("component", "Notifier"),
	}
}

type job struct {
	provider   dispatch.Provider
	dispatcher dispatch.Dispatcher
	tokens     []dispatch.DeviceToken
	msg        dispatch.Message
}

// Notify reads the users' tokens, shapes n per platform and dispatches every
// provider batch in parallel. Tokens reported dead are pruned before returning.
//
// A partial delivery is not an error; the receipt carries the details.
func (n *Notifier) Notify(ctx context.Context, note dispatch.Notification, users ...urn.URN) (dispatch.Receipt, error) {
	var receipt dispatch.Receipt

	groups, err := n.tokens.Collect(ctx, users...)
	if err != nil {
		return receipt, err
	}
	if groups.Len() == 0 {
		n.logger.Info("No devices registered; dropping notification", "users", len(users))
		return receipt, nil
	}

	var jobs []job
	for _, platform := range dispatch.Platforms {
		if len(groups[platform]) == 0 {
			continue
		}
		msg := n.builder.Build(platform, note)
		for provider, batch := range groups.ByProvider(platform) {
			d, ok := n.dispatchers[provider]
			if !ok {
				n.logger.Warn("Dropping tokens for unconfigured provider", "provider", provider, "count", len(batch))
				for _, t := range batch {
					receipt.Record(dispatch.Result{Token: t, Err: fmt.Errorf("%w: %s", ErrNoDispatcher, provider)})
				}
				continue
			}
			jobs = append(jobs, job{provider: provider, dispatcher: d, tokens: batch, msg: msg})
		}
	}

	var (
		mu      sync.Mutex
		sendErr error
		g       errgroup.Group
	)
	for _, j := range jobs {
		g.Go(func() error {
			r, err := j.dispatcher.Dispatch(ctx, j.tokens, j.msg)
			mu.Lock()
			defer mu.Unlock()
			receipt.Merge(r)
			if err != nil {
				n.logger.Error("Dispatch failed", "provider", j.provider, "count", len(j.tokens), "err", err)
				sendErr = multierr.Append(sendErr, fmt.Errorf("%s: %w", j.provider, err))
			}
			return nil
		})
	}
	_ = g.Wait()

	if len(receipt.Invalid) > 0 {
		// Pruning is best effort; the next send will report the tokens again.
		if err := n.tokens.Prune(ctx, receipt.Invalid); err != nil {
			n.logger.Warn("Invalid tokens were not pruned", "err", err)
		}
	}

	n.logger.Info("Notification dispatched", "users", len(users), "receipt", receipt.String())

	if receipt.Sent == 0 && (sendErr != nil || receipt.Failed > 0) {
		if sendErr == nil {
			sendErr = firstErr(receipt)
		}
		return receipt, fmt.Errorf("%w: %w", ErrNotDelivered, sendErr)
	}
	return receipt, nil
}

func firstErr(r dispatch.Receipt) error {
	for _, res := range r.Results {
		if res.Err != nil {
			return res.Err
		}
	}
	return errors.New("all sends failed")
}
