// Package identity maps device tokens to stable client and user ids.
//
// The sync engine trusts this mapping and performs no authentication of
// its own: the surrounding auth service validates tokens before they
// reach the registry.
package identity

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/stuhub/classtrack-sync/internal/db"
	"github.com/stuhub/classtrack-sync/internal/syncerr"
)

// Registry stores device registrations.
type Registry struct {
	db *db.DB
}

// New creates a Registry over an initialized database.
func New(database *db.DB) *Registry {
	return &Registry{db: database}
}

// Register binds a device token to a user and returns the device's
// client id. Registering an already-known token is idempotent and
// returns the existing client id.
func (r *Registry) Register(ctx context.Context, token, userID string) (string, error) {
	if token == "" {
		return "", fmt.Errorf("device token is required")
	}
	if userID == "" {
		return "", fmt.Errorf("user id is required")
	}

	if clientID, _, err := r.Resolve(ctx, token); err == nil {
		return clientID, nil
	} else if !errors.Is(err, syncerr.ErrUnknownDevice) {
		return "", err
	}

	clientID := uuid.NewString()
	_, err := r.db.RawDB().ExecContext(ctx, `
		INSERT INTO device (token, client_id, user_id, registered_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(token) DO NOTHING`,
		token, clientID, userID, time.Now().UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return "", syncerr.Unavailable(err)
	}

	// A concurrent registration may have won the insert; return the
	// stored id either way.
	storedID, _, err := r.Resolve(ctx, token)
	if err != nil {
		return "", err
	}
	return storedID, nil
}

// Resolve returns the client id and user id registered for a token.
// Fails with syncerr.ErrUnknownDevice for unregistered tokens.
func (r *Registry) Resolve(ctx context.Context, token string) (clientID, userID string, err error) {
	row := r.db.RawDB().QueryRowContext(ctx,
		"SELECT client_id, user_id FROM device WHERE token = ?", token)

	err = row.Scan(&clientID, &userID)
	if errors.Is(err, sql.ErrNoRows) {
		return "", "", fmt.Errorf("%w", syncerr.ErrUnknownDevice)
	}
	if err != nil {
		return "", "", syncerr.Unavailable(err)
	}
	return clientID, userID, nil
}

// UserFor returns the user id a client id is registered to.
// Fails with syncerr.ErrUnknownDevice for unknown client ids.
func (r *Registry) UserFor(ctx context.Context, clientID string) (string, error) {
	var userID string
	err := r.db.RawDB().QueryRowContext(ctx,
		"SELECT user_id FROM device WHERE client_id = ?", clientID).Scan(&userID)
	if errors.Is(err, sql.ErrNoRows) {
		return "", fmt.Errorf("%w", syncerr.ErrUnknownDevice)
	}
	if err != nil {
		return "", syncerr.Unavailable(err)
	}
	return userID, nil
}

// Count returns the number of registered devices.
func (r *Registry) Count(ctx context.Context) (int64, error) {
	var count int64
	err := r.db.RawDB().QueryRowContext(ctx,
		"SELECT COUNT(*) FROM device").Scan(&count)
	if err != nil {
		return 0, syncerr.Unavailable(err)
	}
	return count, nil
}
