// Package tokens groups a user's device tokens for dispatch and prunes the
// ones a provider has rejected.
package tokens

import (
	"context"
	"fmt"
	"log/slog"

	urn "github.com/tinywideclouds/go-platform/pkg/net/v1"
	"github.com/tinywideclouds/go-waitercall-service/pkg/dispatch"
)

// Groups buckets tokens by platform.
type Groups map[dispatch.Platform][]dispatch.DeviceToken

// Len returns the total number of tokens across all platforms.
func (g Groups) Len() int {
	n := 0
	for _, ts := range g {
		n += len(ts)
	}
	return n
}

// ByProvider splits the tokens of one platform by provider, preserving order.
func (g Groups) ByProvider(p dispatch.Platform) map[dispatch.Provider][]dispatch.DeviceToken {
	out := make(map[dispatch.Provider][]dispatch.DeviceToken)
	for _, t := range g[p] {
		provider := t.Provider
		if provider == "" {
			provider = dispatch.ProviderFCM
		}
		out[provider] = append(out[provider], t)
	}
	return out
}

// Group buckets tokens by platform. Tokens with an unknown platform are dropped.
func Group(tokens []dispatch.DeviceToken) Groups {
	groups := make(Groups, len(dispatch.Platforms))
	for _, t := range tokens {
		if _, err := dispatch.ParsePlatform(string(t.Platform)); err != nil {
			continue
		}
		groups[t.Platform] = append(groups[t.Platform], t)
	}
	return groups
}

// Manager reads tokens from a TokenStore and prunes invalid ones.
type Manager struct {
	store  dispatch.TokenStore
	logger *slog.Logger
}

func NewManager(store dispatch.TokenStore, logger *slog.Logger) *Manager {
	return &Manager{
		store:  store,
		logger: logger.With("component", "TokenManager"),
	}
}

// Collect fetches the active tokens of every user and groups them by platform.
// A token shared by two users is only returned once.
func (m *Manager) Collect(ctx context.Context, users ...urn.URN) (Groups, error) {
	seen := make(map[string]struct{})
	var all []dispatch.DeviceToken
	for _, user := range users {
		ts, err := m.store.Fetch(ctx, user)
		if err != nil {
			return nil, fmt.Errorf("failed to fetch tokens for %s: %w", user.String(), err)
		}
		for _, t := range ts {
			if _, dup := seen[t.Token]; dup {
				continue
			}
			seen[t.Token] = struct{}{}
			all = append(all, t)
		}
	}
	return Group(all), nil
}

// Prune invalidates tokens reported dead by a provider.
func (m *Manager) Prune(ctx context.Context, invalid []dispatch.DeviceToken) error {
	if len(invalid) == 0 {
		return nil
	}
	m.logger.Info("Pruning invalid device tokens", "count", len(invalid))
	if err := m.store.Invalidate(ctx, invalid); err != nil {
		m.logger.Warn("Failed to prune invalid device tokens", "count", len(invalid), "err", err)
		return fmt.Errorf("failed to invalidate %d tokens: %w", len(invalid), err)
	}
	return nil
}
