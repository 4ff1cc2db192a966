// ABOUTME: Store-backed recorder for presence transitions.
// ABOUTME: First join for an identity creates its user row on the fly.

package realtime

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/campuschat/courier/internal/store"
)

// UserStatusStore is the slice of the store the recorder needs.
type UserStatusStore interface {
	UpsertUser(ctx context.Context, user *store.User) error
	SetUserStatus(ctx context.Context, id string, online bool, lastSeen time.Time) error
}

// StoreStatusRecorder writes presence transitions through to the user
// table so GET /users reflects connection state.
type StoreStatusRecorder struct {
	store  UserStatusStore
	logger *slog.Logger
}

func NewStoreStatusRecorder(st UserStatusStore, logger *slog.Logger) *StoreStatusRecorder {
	if logger == nil {
		logger = slog.Default()
	}
	return &StoreStatusRecorder{
		store:  st,
		logger: logger.With("component", "status-recorder"),
	}
}

// RecordPresence flips the online flag and stamps last_seen. An identity
// joining for the first time gets a minimal user row.
func (r *StoreStatusRecorder) RecordPresence(ctx context.Context, identity string, online bool, at time.Time) error {
	err := r.store.SetUserStatus(ctx, identity, online, at)
	if err == nil {
		return nil
	}
	if !errors.Is(err, store.ErrNotFound) {
		return fmt.Errorf("failed to update user status: %w", err)
	}

	r.logger.Debug("creating user row on first join", "identity", identity)
	if err := r.store.UpsertUser(ctx, &store.User{
		ID:       identity,
		IsOnline: online,
		LastSeen: at,
	}); err != nil {
		return fmt.Errorf("failed to create user on first join: %w", err)
	}
	return nil
}

var _ StatusRecorder = (*StoreStatusRecorder)(nil)
