package user

import (
	"context"
	"time"

	"github.com/gaboe/map-poster/internal/auth"
	"github.com/gaboe/map-poster/internal/store"
)

// AuthAdapter adapts store.MembershipStore to the auth.SessionLookup interface.
type AuthAdapter struct {
	store store.MembershipStore
	now   func() time.Time
}

// NewAuthAdapter creates a new AuthAdapter wrapping the given store.
func NewAuthAdapter(s store.MembershipStore) *AuthAdapter {
	return &AuthAdapter{store: s, now: time.Now}
}

// LookupSession looks up a session token and returns the associated auth.User.
func (a *AuthAdapter) LookupSession(ctx context.Context, token string) (*auth.User, error) {
	u, err := a.store.GetSessionUser(ctx, auth.HashToken(token), a.now())
	if err != nil {
		return nil, err
	}
	return &auth.User{
		ID:    u.ID,
		Email: u.Email,
		Name:  u.Name,
	}, nil
}
