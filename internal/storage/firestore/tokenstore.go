package firestore

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"log/slog"
	"time"

	"cloud.google.com/go/firestore"
	"google.golang.org/api/iterator"

	urn "github.com/tinywideclouds/go-platform/pkg/net/v1"

	"github.com/tinywideclouds/go-waitercall-service/pkg/dispatch"
)

const (
	usersCollection   = "users"
	devicesCollection = "devices"
	indexCollection   = "device_index"
)

// FirestoreStore implements TokenStore using Google Cloud Firestore.
//
// Layout:
//
//	users/{urn}/devices/{sha256(token)}  one document per device
//	device_index/{sha256(token)}         owner lookup used by Register and Invalidate
type FirestoreStore struct {
	client *firestore.Client
	now    func() time.Time
	logger *slog.Logger
}

func NewFirestoreStore(client *firestore.Client, logger *slog.Logger) *FirestoreStore {
	return &FirestoreStore{
		client: client,
		now:    func() time.Time { return time.Now().UTC() },
		logger: logger.With("component", "FirestoreTokenStore"),
	}
}

var _ dispatch.TokenStore = (*FirestoreStore)(nil)

type deviceRecord struct {
	Token     string                `firestore:"token"`
	Platform  string                `firestore:"platform"`
	Provider  string                `firestore:"provider"`
	WebPush   *dispatch.WebPushKeys `firestore:"web_push,omitempty"`
	CreatedAt time.Time             `firestore:"created_at"`
	UpdatedAt time.Time             `firestore:"updated_at"`
	DeletedAt *time.Time            `firestore:"deleted_at"`
}

type indexRecord struct {
	User      string    `firestore:"user"`
	UpdatedAt time.Time `firestore:"updated_at"`
}

// Register writes the device under its user. A token previously owned by
// someone else is removed from that user first.
func (s *FirestoreStore) Register(ctx context.Context, token dispatch.DeviceToken) error {
	if err := token.Validate(); err != nil {
		return fmt.Errorf("invalid device token: %w", err)
	}
	provider, _ := dispatch.ParseProvider(string(token.Provider))
	docID := hashToken(token.Token)
	indexRef := s.client.Collection(indexCollection).Doc(docID)
	deviceRef := s.deviceRef(token.User, docID)

	err := s.client.RunTransaction(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
		snaps, err := tx.GetAll([]*firestore.DocumentRef{indexRef, deviceRef})
		if err != nil {
			return err
		}
		now := s.now()
		createdAt := now

		if snaps[0].Exists() {
			var idx indexRecord
			if err := snaps[0].DataTo(&idx); err == nil && idx.User != "" && idx.User != token.User.String() {
				if err := tx.Delete(s.client.Collection(usersCollection).Doc(idx.User).Collection(devicesCollection).Doc(docID)); err != nil {
					return err
				}
			}
		}
		if snaps[1].Exists() {
			var prev deviceRecord
			if err := snaps[1].DataTo(&prev); err == nil && !prev.CreatedAt.IsZero() {
				createdAt = prev.CreatedAt
			}
		}

		record := deviceRecord{
			Token:     token.Token,
			Platform:  string(token.Platform),
			Provider:  string(provider),
			WebPush:   token.WebPush,
			CreatedAt: createdAt,
			UpdatedAt: now,
		}
		if err := tx.Set(deviceRef, record); err != nil {
			return err
		}
		return tx.Set(indexRef, indexRecord{User: token.User.String(), UpdatedAt: now})
	})
	if err != nil {
		return fmt.Errorf("failed to register token: %w", err)
	}
	return nil
}

// Unregister soft deletes the user's device. Unknown tokens are ignored.
func (s *FirestoreStore) Unregister(ctx context.Context, user urn.URN, token string) error {
	deviceRef := s.deviceRef(user, hashToken(token))
	err := s.client.RunTransaction(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
		snaps, err := tx.GetAll([]*firestore.DocumentRef{deviceRef})
		if err != nil {
			return err
		}
		if !snaps[0].Exists() {
			return nil
		}
		now := s.now()
		return tx.Update(deviceRef, []firestore.Update{
			{Path: "deleted_at", Value: now},
			{Path: "updated_at", Value: now},
		})
	})
	if err != nil {
		return fmt.Errorf("failed to unregister token: %w", err)
	}
	return nil
}

func (s *FirestoreStore) Fetch(ctx context.Context, user urn.URN) ([]dispatch.DeviceToken, error) {
	iter := s.devicesCollection(user).OrderBy("created_at", firestore.Asc).Documents(ctx)
	defer iter.Stop()

	var out []dispatch.DeviceToken
	for {
		doc, err := iter.Next()
		if err == iterator.Done {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("firestore iteration failed: %w", err)
		}

		var record deviceRecord
		if err := doc.DataTo(&record); err != nil {
			s.logger.Warn("Skipping corrupt device record", "doc", doc.Ref.ID, "err", err)
			continue
		}
		if record.DeletedAt != nil || record.Token == "" {
			continue
		}
		out = append(out, dispatch.DeviceToken{
			User:      user,
			Token:     record.Token,
			Platform:  dispatch.Platform(record.Platform),
			Provider:  dispatch.Provider(record.Provider),
			WebPush:   record.WebPush,
			CreatedAt: record.CreatedAt,
			UpdatedAt: record.UpdatedAt,
		})
	}
	return out, nil
}

// Invalidate soft deletes each token wherever the index says it lives.
func (s *FirestoreStore) Invalidate(ctx context.Context, tokens []dispatch.DeviceToken) error {
	if len(tokens) == 0 {
		return nil
	}
	refs := make([]*firestore.DocumentRef, 0, len(tokens))
	seen := make(map[string]struct{}, len(tokens))
	for _, t := range tokens {
		id := hashToken(t.Token)
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		refs = append(refs, s.client.Collection(indexCollection).Doc(id))
	}

	err := s.client.RunTransaction(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
		snaps, err := tx.GetAll(refs)
		if err != nil {
			return err
		}
		now := s.now()
		for _, snap := range snaps {
			if !snap.Exists() {
				continue
			}
			var idx indexRecord
			if err := snap.DataTo(&idx); err != nil || idx.User == "" {
				continue
			}
			device := s.client.Collection(usersCollection).Doc(idx.User).Collection(devicesCollection).Doc(snap.Ref.ID)
			if err := tx.Set(device, map[string]interface{}{
				"deleted_at": now,
				"updated_at": now,
			}, firestore.MergeAll); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to invalidate tokens: %w", err)
	}
	return nil
}

// deviceRef: users/{userID}/devices/{deviceHash}
func (s *FirestoreStore) deviceRef(user urn.URN, docID string) *firestore.DocumentRef {
	return s.devicesCollection(user).Doc(docID)
}

func (s *FirestoreStore) devicesCollection(user urn.URN) *firestore.CollectionRef {
	return s.client.Collection(usersCollection).Doc(user.String()).Collection(devicesCollection)
}

func hashToken(t string) string {
	sum := sha256.Sum256([]byte(t))
	return hex.EncodeToString(sum[:])
}
