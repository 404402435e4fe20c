package sqlstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	urn "github.com/tinywideclouds/go-platform/pkg/net/v1"

	"github.com/tinywideclouds/go-waitercall-service/pkg/dispatch"
)

const (
	sqlUpsertToken = `INSERT INTO device_tokens
		(id, user_urn, token, platform, provider, web_push, created_at, updated_at, deleted_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, NULL)
		ON CONFLICT (token) DO UPDATE SET
			user_urn = excluded.user_urn,
			platform = excluded.platform,
			provider = excluded.provider,
			web_push = excluded.web_push,
			updated_at = excluded.updated_at,
			deleted_at = NULL`

	sqlSoftDeleteUserToken = `UPDATE device_tokens SET deleted_at = ?, updated_at = ?
		WHERE user_urn = ? AND token = ? AND deleted_at IS NULL`

	sqlSelectUserTokens = `SELECT id, user_urn, token, platform, provider, web_push, created_at, updated_at
		FROM device_tokens WHERE user_urn = ? AND deleted_at IS NULL ORDER BY created_at, id`

	sqlSoftDeleteTokens = `UPDATE device_tokens SET deleted_at = ?, updated_at = ?
		WHERE token IN (?) AND deleted_at IS NULL`
)

type tokenRow struct {
	ID        string         `db:"id"`
	UserURN   string         `db:"user_urn"`
	Token     string         `db:"token"`
	Platform  string         `db:"platform"`
	Provider  string         `db:"provider"`
	WebPush   sql.NullString `db:"web_push"`
	CreatedAt time.Time      `db:"created_at"`
	UpdatedAt time.Time      `db:"updated_at"`
}

// TokenStore implements dispatch.TokenStore. Removed tokens are soft deleted
// so a later Register of the same token revives the row.
type TokenStore struct {
	db     *sqlx.DB
	now    func() time.Time
	logger *slog.Logger
}

func NewTokenStore(db *sqlx.DB, logger *slog.Logger) *TokenStore {
	return &TokenStore{
		db:     db,
		now:    func() time.Time { return time.Now().UTC() },
		logger: logger.With("component", "SQLTokenStore"),
	}
}

var _ dispatch.TokenStore = (*TokenStore)(nil)

func (s *TokenStore) Register(ctx context.Context, token dispatch.DeviceToken) error {
	if err := token.Validate(); err != nil {
		return fmt.Errorf("invalid device token: %w", err)
	}
	provider, _ := dispatch.ParseProvider(string(token.Provider))

	var webPush sql.NullString
	if token.WebPush != nil {
		raw, err := json.Marshal(token.WebPush)
		if err != nil {
			return fmt.Errorf("marshalling web push keys: %w", err)
		}
		webPush = sql.NullString{String: string(raw), Valid: true}
	}

	now := s.now()
	_, err := s.db.ExecContext(ctx, s.db.Rebind(sqlUpsertToken),
		uuid.NewString(), token.User.String(), token.Token, string(token.Platform), string(provider), webPush, now, now,
	)
	if err != nil {
		return fmt.Errorf("failed to register token: %w", err)
	}
	return nil
}

func (s *TokenStore) Unregister(ctx context.Context, user urn.URN, token string) error {
	now := s.now()
	if _, err := s.db.ExecContext(ctx, s.db.Rebind(sqlSoftDeleteUserToken), now, now, user.String(), token); err != nil {
		return fmt.Errorf("failed to unregister token: %w", err)
	}
	return nil
}

func (s *TokenStore) Fetch(ctx context.Context, user urn.URN) ([]dispatch.DeviceToken, error) {
	var rows []tokenRow
	if err := sqlx.SelectContext(ctx, s.db, &rows, s.db.Rebind(sqlSelectUserTokens), user.String()); err != nil {
		return nil, fmt.Errorf("failed to fetch tokens: %w", err)
	}

	out := make([]dispatch.DeviceToken, 0, len(rows))
	for _, r := range rows {
		t := dispatch.DeviceToken{
			User:      user,
			Token:     r.Token,
			Platform:  dispatch.Platform(r.Platform),
			Provider:  dispatch.Provider(r.Provider),
			CreatedAt: r.CreatedAt,
			UpdatedAt: r.UpdatedAt,
		}
		if r.WebPush.Valid {
			var keys dispatch.WebPushKeys
			if err := json.Unmarshal([]byte(r.WebPush.String), &keys); err != nil {
				s.logger.Warn("Skipping token with corrupt web push keys", "id", r.ID, "err", err)
				continue
			}
			t.WebPush = &keys
		}
		out = append(out, t)
	}
	return out, nil
}

func (s *TokenStore) Invalidate(ctx context.Context, tokens []dispatch.DeviceToken) error {
	if len(tokens) == 0 {
		return nil
	}
	values := make([]string, 0, len(tokens))
	for _, t := range tokens {
		values = append(values, t.Token)
	}

	now := s.now()
	query, args, err := sqlx.In(sqlSoftDeleteTokens, now, now, values)
	if err != nil {
		return fmt.Errorf("failed to build invalidate query: %w", err)
	}
	res, err := s.db.ExecContext(ctx, s.db.Rebind(query), args...)
	if err != nil {
		return fmt.Errorf("failed to invalidate tokens: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil {
		s.logger.Info("Invalidated device tokens", "requested", len(values), "deleted", n)
	}
	return nil
}
