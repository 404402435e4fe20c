// Package fcm sends notifications through the Firebase Cloud Messaging HTTP v1 API.
package fcm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/imroc/req/v3"
	"golang.org/x/oauth2"
	"golang.org/x/sync/errgroup"

	"github.com/tinywideclouds/go-waitercall-service/pkg/dispatch"
)

const (
	DefaultEndpoint    = "https://fcm.googleapis.com"
	DefaultConcurrency = 10

	retryCount  = 2 // three attempts in total
	retryMin    = 100 * time.Millisecond
	retryMax    = 2 * time.Second
	sendTimeout = 10 * time.Second
)

// ErrUnauthorized is reported for a token when FCM rejects the bearer token twice.
var ErrUnauthorized = errors.New("fcm rejected access token")

// AccessTokenProvider hands out bearer tokens for the FCM scope.
// *accesstoken.Source satisfies it.
type AccessTokenProvider interface {
	Token(ctx context.Context) (*oauth2.Token, error)
	Invalidate(ctx context.Context)
}

type Config struct {
	ProjectID   string
	Endpoint    string
	Concurrency int
	Timeout     time.Duration
}

type Dispatcher struct {
	client      *req.Client
	tokens      AccessTokenProvider
	sendURL     string
	concurrency int
	now         func() time.Time
	logger      *slog.Logger
}

func NewDispatcher(cfg Config, tokens AccessTokenProvider, logger *slog.Logger) *Dispatcher {
	endpoint := strings.TrimRight(cfg.Endpoint, "/")
	if endpoint == "" {
		endpoint = DefaultEndpoint
	}
	concurrency := cfg.Concurrency
	if concurrency <= 0 {
		concurrency = DefaultConcurrency
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = sendTimeout
	}
	return &Dispatcher{
		client:      req.C().SetTimeout(timeout),
		tokens:      tokens,
		sendURL:     fmt.Sprintf("%s/v1/projects/%s/messages:send", endpoint, cfg.ProjectID),
		concurrency: concurrency,
		now:         time.Now,
		logger:      logger.With("component", "FCMDispatcher"),
	}
}

// Dispatch sends msg to every token with at most Concurrency requests in flight.
// Per-token failures are recorded in the receipt; the error is only set when the
// context ends before every token was attempted.
func (d *Dispatcher) Dispatch(ctx context.Context, tokens []dispatch.DeviceToken, msg dispatch.Message) (dispatch.Receipt, error) {
	var receipt dispatch.Receipt
	if len(tokens) == 0 {
		return receipt, nil
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
			results[i] = d.send(ctx, tok, msg)
			return nil
		})
	}
	_ = g.Wait()

	for _, res := range results {
		receipt.Record(res)
	}
	d.logger.Debug("FCM dispatch finished", "platform", msg.Platform, "receipt", receipt.String())

	if err := ctx.Err(); err != nil {
		return receipt, err
	}
	return receipt, nil
}

func (d *Dispatcher) send(ctx context.Context, tok dispatch.DeviceToken, msg dispatch.Message) dispatch.Result {
	res := dispatch.Result{Token: tok}
	body := encode(tok.Token, msg, d.now())

	// A 401 means the cached bearer expired early; drop it and try once more.
	for attempt := 0; attempt < 2; attempt++ {
		bearer, err := d.tokens.Token(ctx)
		if err != nil {
			res.Err = fmt.Errorf("failed to get access token: %w", err)
			return res
		}

		resp, err := d.client.R().
			SetContext(ctx).
			SetBearerAuthToken(bearer.AccessToken).
			SetBodyJsonMarshal(body).
			SetRetryCount(retryCount).
			SetRetryBackoffInterval(retryMin, retryMax).
			SetRetryCondition(func(resp *req.Response, err error) bool {
				if err != nil {
					return ctx.Err() == nil
				}
				code := resp.GetStatusCode()
				return code == http.StatusTooManyRequests || code >= http.StatusInternalServerError
			}).
			SetRetryHook(func(resp *req.Response, err error) {
				d.logger.Debug("Retrying FCM send", "status", resp.GetStatusCode(), "err", err)
			}).
			Post(d.sendURL)
		if err != nil {
			res.Err = fmt.Errorf("fcm transport failed: %w", err)
			return res
		}

		raw, err := resp.ToBytes()
		if err != nil {
			res.Err = fmt.Errorf("fcm response unreadable: %w", err)
			return res
		}

		status := resp.GetStatusCode()
		if resp.IsSuccessState() {
			var out sendResponse
			_ = json.Unmarshal(raw, &out)
			res.MessageID = out.Name
			return res
		}
		if status == http.StatusUnauthorized && attempt == 0 {
			d.tokens.Invalidate(ctx)
			continue
		}

		var fcmErr errorResponse
		_ = json.Unmarshal(raw, &fcmErr)
		if status == http.StatusUnauthorized {
			res.Err = fmt.Errorf("%w: %s", ErrUnauthorized, fcmErr.Error.Message)
			return res
		}
		res.Invalid = isInvalid(status, fcmErr)
		res.Err = fmt.Errorf("fcm rejected token: status %d %s: %s", status, fcmErr.code(), fcmErr.Error.Message)
		if !res.Invalid {
			d.logger.Warn("FCM rejected notification", "status", status, "code", fcmErr.code(), "platform", tok.Platform)
		}
		return res
	}
	return res
}

func isInvalid(status int, e errorResponse) bool {
	switch {
	case status == http.StatusNotFound, status == http.StatusGone:
		return true
	case e.code() == "UNREGISTERED":
		return true
	case status == http.StatusBadRequest && e.code() == "INVALID_ARGUMENT":
		return e.concernsToken()
	}
	return false
}
