package cache

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	urn "github.com/tinywideclouds/go-platform/pkg/net/v1"

	"github.com/tinywideclouds/go-waitercall-service/pkg/dispatch"
)

// CacheClient defines the subset of Redis commands we need.
type CacheClient interface {
	// Get returns the value or an error if not found.
	Get(ctx context.Context, key string, dest interface{}) error
	Set(ctx context.Context, key string, value interface{}, ttl time.Duration) error
	Del(ctx context.Context, key string) error
}

// CachedTokenStore is a Decorator that adds Read-Aside caching to any TokenStore.
// Every write drops the affected user's entry so a disabled device stops
// receiving immediately.
type CachedTokenStore struct {
	realStore dispatch.TokenStore
	cache     CacheClient
	ttl       time.Duration
	logger    *slog.Logger
}

func NewCachedTokenStore(realStore dispatch.TokenStore, cache CacheClient, ttl time.Duration, logger *slog.Logger) *CachedTokenStore {
	return &CachedTokenStore{
		realStore: realStore,
		cache:     cache,
		ttl:       ttl,
		logger:    logger.With("component", "CachedTokenStore"),
	}
}

// cachedToken is the cached form of a DeviceToken; the owner is kept as a string.
type cachedToken struct {
	User      string                `json:"user"`
	Token     string                `json:"token"`
	Platform  dispatch.Platform     `json:"platform"`
	Provider  dispatch.Provider     `json:"provider"`
	WebPush   *dispatch.WebPushKeys `json:"web_push,omitempty"`
	CreatedAt time.Time             `json:"created_at"`
	UpdatedAt time.Time             `json:"updated_at"`
}

func (s *CachedTokenStore) Fetch(ctx context.Context, user urn.URN) ([]dispatch.DeviceToken, error) {
	key := s.cacheKey(user)

	var cached []cachedToken
	if err := s.cache.Get(ctx, key, &cached); err == nil {
		out := make([]dispatch.DeviceToken, 0, len(cached))
		for _, c := range cached {
			out = append(out, dispatch.DeviceToken{
				User:      user,
				Token:     c.Token,
				Platform:  c.Platform,
				Provider:  c.Provider,
				WebPush:   c.WebPush,
				CreatedAt: c.CreatedAt,
				UpdatedAt: c.UpdatedAt,
			})
		}
		return out, nil
	}

	fresh, err := s.realStore.Fetch(ctx, user)
	if err != nil {
		return nil, err
	}

	entry := make([]cachedToken, 0, len(fresh))
	for _, t := range fresh {
		entry = append(entry, cachedToken{
			User:      user.String(),
			Token:     t.Token,
			Platform:  t.Platform,
			Provider:  t.Provider,
			WebPush:   t.WebPush,
			CreatedAt: t.CreatedAt,
			UpdatedAt: t.UpdatedAt,
		})
	}
	// Caching is an optimization; if Redis is down we serve from the store.
	if err := s.cache.Set(ctx, key, entry, s.ttl); err != nil {
		s.logger.Debug("Failed to populate token cache", "user", user.String(), "err", err)
	}

	return fresh, nil
}

func (s *CachedTokenStore) Register(ctx context.Context, token dispatch.DeviceToken) error {
	if err := s.realStore.Register(ctx, token); err != nil {
		return err
	}
	return s.invalidate(ctx, token.User)
}

func (s *CachedTokenStore) Unregister(ctx context.Context, user urn.URN, token string) error {
	if err := s.realStore.Unregister(ctx, user, token); err != nil {
		return err
	}
	return s.invalidate(ctx, user)
}

// Invalidate drops the cache entry of every owner touched.
func (s *CachedTokenStore) Invalidate(ctx context.Context, tokens []dispatch.DeviceToken) error {
	if err := s.realStore.Invalidate(ctx, tokens); err != nil {
		return err
	}
	seen := make(map[string]struct{})
	for _, t := range tokens {
		key := s.cacheKey(t.User)
		if _, ok := seen[key]; ok {
			continue
		}
		seen[key] = struct{}{}
		if err := s.cache.Del(ctx, key); err != nil {
			return fmt.Errorf("failed to drop token cache for %s: %w", t.User.String(), err)
		}
	}
	return nil
}

func (s *CachedTokenStore) invalidate(ctx context.Context, user urn.URN) error {
	if err := s.cache.Del(ctx, s.cacheKey(user)); err != nil {
		return fmt.Errorf("failed to drop token cache for %s: %w", user.String(), err)
	}
	return nil
}

func (s *CachedTokenStore) cacheKey(user urn.URN) string {
	return fmt.Sprintf("notify:tokens:%s", user.String())
}
