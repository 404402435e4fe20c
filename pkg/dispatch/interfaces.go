package dispatch

import (
	"context"

	urn "github.com/tinywideclouds/go-platform/pkg/net/v1"
)

// Dispatcher defines the contract for a component that can send notifications
// through a specific provider (FCM, APNs, Web Push).
type Dispatcher interface {
	// Dispatch sends the message to a batch of tokens that all belong to the
	// dispatcher's provider. Per-token outcomes are reported in the Receipt;
	// the error is reserved for failures that affect the whole batch.
	Dispatch(ctx context.Context, tokens []DeviceToken, msg Message) (Receipt, error)
}

// TokenStore defines the contract for managing user device tokens.
// It allows the service to remember "where" to send notifications for a user.
type TokenStore interface {
	// Register adds or updates a device token. Re-registering an existing token
	// moves it to the given user and revives it if it was invalidated.
	Register(ctx context.Context, token DeviceToken) error

	// Unregister removes a token owned by the user. Unknown tokens are not an error.
	Unregister(ctx context.Context, user urn.URN, token string) error

	// Fetch retrieves all active tokens for a user, oldest first.
	Fetch(ctx context.Context, user urn.URN) ([]DeviceToken, error)

	// Invalidate marks tokens rejected by a provider as deleted.
	Invalidate(ctx context.Context, tokens []DeviceToken) error
}
