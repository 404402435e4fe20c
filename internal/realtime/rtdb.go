package realtime

import (
	"context"
	"fmt"
	"log/slog"

	"firebase.google.com/go/v4/db"

	"github.com/tinywideclouds/go-waitercall-service/internal/calls"
)

// Updater applies a multi-path PATCH at the database root. A nil value deletes the path.
type Updater interface {
	Update(ctx context.Context, values map[string]interface{}) error
}

// DatabaseUpdater adapts the Firebase Admin SDK database client.
type DatabaseUpdater struct {
	client *db.Client
}

func NewDatabaseUpdater(client *db.Client) *DatabaseUpdater {
	return &DatabaseUpdater{client: client}
}

func (u *DatabaseUpdater) Update(ctx context.Context, values map[string]interface{}) error {
	return u.client.NewRef("/").Update(ctx, values)
}

// RTDBMirror writes calls to the Firebase Realtime Database in one atomic
// multi-path update per change.
type RTDBMirror struct {
	updater Updater
	logger  *slog.Logger
}

func NewRTDBMirror(updater Updater, logger *slog.Logger) *RTDBMirror {
	return &RTDBMirror{
		updater: updater,
		logger:  logger.With("component", "RTDBMirror"),
	}
}

// Put writes the document; index entries are written while the call is
// active and removed once it is done.
func (m *RTDBMirror) Put(ctx context.Context, c calls.Call) error {
	values := map[string]interface{}{DocumentPath(c): Document(c)}
	active := c.Status.Active()
	summary := Summary(c)
	for _, p := range IndexPaths(c) {
		if active {
			values[p] = summary
		} else {
			values[p] = nil
		}
	}
	if err := m.updater.Update(ctx, values); err != nil {
		return fmt.Errorf("rtdb update for call %s failed: %w", c.ID, err)
	}
	m.logger.Debug("Mirrored call", "call_id", c.ID, "status", c.Status)
	return nil
}

// Remove deletes the document and all index entries.
func (m *RTDBMirror) Remove(ctx context.Context, c calls.Call) error {
	values := map[string]interface{}{DocumentPath(c): nil}
	for _, p := range IndexPaths(c) {
		values[p] = nil
	}
	if err := m.updater.Update(ctx, values); err != nil {
		return fmt.Errorf("rtdb delete for call %s failed: %w", c.ID, err)
	}
	return nil
}
