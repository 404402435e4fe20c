package tokens_test

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	urn "github.com/tinywideclouds/go-platform/pkg/net/v1"

	"github.com/tinywideclouds/go-waitercall-service/internal/tokens"
	"github.com/tinywideclouds/go-waitercall-service/pkg/dispatch"
)

type mockTokenStore struct {
	mock.Mock
}

func (m *mockTokenStore) Register(ctx context.Context, token dispatch.DeviceToken) error {
	return m.Called(ctx, token).Error(0)
}
func (m *mockTokenStore) Unregister(ctx context.Context, user urn.URN, token string) error {
	return m.Called(ctx, user, token).Error(0)
}
func (m *mockTokenStore) Fetch(ctx context.Context, user urn.URN) ([]dispatch.DeviceToken, error) {
	args := m.Called(ctx, user)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]dispatch.DeviceToken), args.Error(1)
}
func (m *mockTokenStore) Invalidate(ctx context.Context, tokens []dispatch.DeviceToken) error {
	return m.Called(ctx, tokens).Error(0)
}

func newTestLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestGroup(t *testing.T) {
	in := []dispatch.DeviceToken{
		{Token: "w1", Platform: dispatch.PlatformWeb},
		{Token: "a1", Platform: dispatch.PlatformAndroid},
		{Token: "i1", Platform: dispatch.PlatformIOS, Provider: dispatch.ProviderAPNs},
		{Token: "w2", Platform: dispatch.PlatformWeb, Provider: dispatch.ProviderWebPush},
		{Token: "x", Platform: "blackberry"},
	}

	groups := tokens.Group(in)

	assert.Equal(t, 4, groups.Len())
	require.Len(t, groups[dispatch.PlatformWeb], 2)
	assert.Equal(t, "w1", groups[dispatch.PlatformWeb][0].Token)
	assert.Equal(t, "w2", groups[dispatch.PlatformWeb][1].Token)
	assert.Len(t, groups[dispatch.PlatformAndroid], 1)
	assert.Len(t, groups[dispatch.PlatformIOS], 1)

	byProvider := groups.ByProvider(dispatch.PlatformWeb)
	assert.Len(t, byProvider[dispatch.ProviderFCM], 1, "empty provider defaults to fcm")
	assert.Len(t, byProvider[dispatch.ProviderWebPush], 1)
}

func TestManager_Collect(t *testing.T) {
	ctx := context.Background()
	waiter, _ := urn.Parse("urn:ctw:user:waiter-1")
	manager, _ := urn.Parse("urn:ctw:user:manager-1")

	t.Run("Merges users and drops duplicate tokens", func(t *testing.T) {
		store := new(mockTokenStore)
		store.On("Fetch", ctx, waiter).Return([]dispatch.DeviceToken{
			{User: waiter, Token: "shared", Platform: dispatch.PlatformAndroid},
			{User: waiter, Token: "web-1", Platform: dispatch.PlatformWeb},
		}, nil)
		store.On("Fetch", ctx, manager).Return([]dispatch.DeviceToken{
			{User: manager, Token: "shared", Platform: dispatch.PlatformAndroid},
			{User: manager, Token: "ios-1", Platform: dispatch.PlatformIOS},
		}, nil)

		groups, err := tokens.NewManager(store, newTestLogger()).Collect(ctx, waiter, manager)

		require.NoError(t, err)
		assert.Equal(t, 3, groups.Len())
		assert.Len(t, groups[dispatch.PlatformAndroid], 1)
		store.AssertExpectations(t)
	})

	t.Run("Store failure is returned", func(t *testing.T) {
		store := new(mockTokenStore)
		store.On("Fetch", ctx, waiter).Return(nil, errors.New("db down"))

		_, err := tokens.NewManager(store, newTestLogger()).Collect(ctx, waiter)

		require.Error(t, err)
		assert.Contains(t, err.Error(), "db down")
	})
}

func TestManager_Prune(t *testing.T) {
	ctx := context.Background()

	t.Run("No-op on empty input", func(t *testing.T) {
		store := new(mockTokenStore)
		require.NoError(t, tokens.NewManager(store, newTestLogger()).Prune(ctx, nil))
		store.AssertNotCalled(t, "Invalidate", mock.Anything, mock.Anything)
	})

	t.Run("Invalidates reported tokens", func(t *testing.T) {
		store := new(mockTokenStore)
		dead := []dispatch.DeviceToken{{Token: "dead", Platform: dispatch.PlatformWeb}}
		store.On("Invalidate", ctx, dead).Return(nil)

		require.NoError(t, tokens.NewManager(store, newTestLogger()).Prune(ctx, dead))
		store.AssertExpectations(t)
	})

	t.Run("Store failure is wrapped", func(t *testing.T) {
		store := new(mockTokenStore)
		dead := []dispatch.DeviceToken{{Token: "dead"}}
		store.On("Invalidate", ctx, dead).Return(assert.AnError)

		err := tokens.NewManager(store, newTestLogger()).Prune(ctx, dead)
		require.ErrorIs(t, err, assert.AnError)
	})
}
