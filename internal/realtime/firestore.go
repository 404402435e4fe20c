package realtime

import (
	"context"
	"fmt"
	"log/slog"

	"cloud.google.com/go/firestore"

	"github.com/tinywideclouds/go-waitercall-service/internal/calls"
)

// FirestoreMirror keeps the same layout as Firestore documents so clients can
// use snapshot listeners instead of the Realtime Database.
type FirestoreMirror struct {
	client *firestore.Client
	logger *slog.Logger
}

func NewFirestoreMirror(client *firestore.Client, logger *slog.Logger) *FirestoreMirror {
	return &FirestoreMirror{
		client: client,
		logger: logger.With("component", "FirestoreMirror"),
	}
}

func (m *FirestoreMirror) Put(ctx context.Context, c calls.Call) error {
	err := m.client.RunTransaction(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
		if err := tx.Set(m.client.Doc(DocumentPath(c)), Document(c)); err != nil {
			return err
		}
		summary := Summary(c)
		for _, p := range IndexPaths(c) {
			ref := m.client.Doc(p)
			var err error
			if c.Status.Active() {
				err = tx.Set(ref, summary)
			} else {
				err = tx.Delete(ref)
			}
			if err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("firestore mirror for call %s failed: %w", c.ID, err)
	}
	m.logger.Debug("Mirrored call", "call_id", c.ID, "status", c.Status)
	return nil
}

func (m *FirestoreMirror) Remove(ctx context.Context, c calls.Call) error {
	err := m.client.RunTransaction(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
		if err := tx.Delete(m.client.Doc(DocumentPath(c))); err != nil {
			return err
		}
		for _, p := range IndexPaths(c) {
			if err := tx.Delete(m.client.Doc(p)); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("firestore delete for call %s failed: %w", c.ID, err)
	}
	return nil
}
