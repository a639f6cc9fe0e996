// Package names implements the unique username registry. A claim is a
// single compare-and-set on the name record: there is no read-then-write gap
// in which two users could both win.
package names

import (
	"context"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v4"

	"tidepool/api/internal/apperror"
	"tidepool/api/internal/pathstore"
)

const (
	minNameLen = 3
	maxNameLen = 30
)

// ClaimPath is the authoritative name-to-owner record.
func ClaimPath(name string) string {
	return "usernames/" + name
}

type Registry struct {
	store pathstore.Store
	log   *slog.Logger
}

func NewRegistry(store pathstore.Store, log *slog.Logger) *Registry {
	return &Registry{store: store, log: log}
}

// Claim gives userID exclusive ownership of name, or fails with
// apperror.ErrNameTaken. On success the username is mirrored onto the user
// profile; the mirror is best-effort and retried, but the claim itself is
// authoritative the moment the compare-and-set commits. If the mirror keeps
// failing the name stays consumed and the caller retries SyncProfile.
func (r *Registry) Claim(ctx context.Context, name, userID string) error {
	if userID == "" {
		return apperror.Unauthenticated("claiming a username requires a signed-in user")
	}
	if len(name) < minNameLen || len(name) > maxNameLen {
		return apperror.ValidationFailed("username", "username must be between 3 and 30 characters")
	}

	result, err := r.store.ConditionalUpdate(ctx, ClaimPath(name), func(current pathstore.Value) (pathstore.Value, bool) {
		if current != nil {
			return nil, false
		}
		return pathstore.Value{"userId": userID}, true
	})
	if err != nil {
		return err
	}
	if !result.Committed {
		return apperror.NameTaken(name)
	}

	if err := r.SyncProfile(ctx, name, userID); err != nil {
		r.log.Warn("username claimed but profile mirror write failed",
			"name", name, "user", userID, "error", err)
		return err
	}
	return nil
}

// SyncProfile writes the claimed username onto the user record, retrying
// transient store failures. Callers re-invoke it until it succeeds; the
// claim record is never released on failure.
func (r *Registry) SyncProfile(ctx context.Context, name, userID string) error {
	op := func() error {
		return r.store.Update(ctx, "users/"+userID, pathstore.Value{"username": name})
	}
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 50 * time.Millisecond
	b.MaxInterval = 2 * time.Second
	return backoff.Retry(op, backoff.WithContext(backoff.WithMaxRetries(b, 8), ctx))
}

// Owner returns the user holding name, or "" when unclaimed.
func (r *Registry) Owner(ctx context.Context, name string) (string, error) {
	claim, err := r.store.Read(ctx, ClaimPath(name))
	if err != nil {
		return "", err
	}
	if claim == nil {
		return "", nil
	}
	return claim.String("userId"), nil
}
