// Package user promotes placeholder identities into verified accounts and
// resolves sessions for the HTTP layer.
package user

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/gaboe/map-poster/internal/apperr"
	"github.com/gaboe/map-poster/internal/auth"
	"github.com/gaboe/map-poster/internal/store"
	"golang.org/x/crypto/bcrypt"
)

const sessionDuration = 7 * 24 * time.Hour

// Service manages account state on top of the membership store.
type Service struct {
	store store.MembershipStore
	now   func() time.Time
}

// NewService creates a user service.
func NewService(s store.MembershipStore) *Service {
	return &Service{store: s, now: time.Now}
}

// Promote turns the placeholder created for email into a verified account,
// keeping its id so every membership granted before sign-up stays valid. When
// no user exists yet a verified account is created directly.
func (s *Service) Promote(ctx context.Context, email, name, password string) (*store.User, error) {
	email = store.NormalizeEmail(email)
	name = strings.TrimSpace(name)
	if !store.ValidEmail(email) {
		return nil, apperr.Validation("a valid email address is required")
	}
	if name == "" {
		return nil, apperr.Validation("name is required")
	}
	if password == "" {
		return nil, apperr.Validation("password is required")
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return nil, apperr.Internal("hashing password", err)
	}

	var out *store.User
	err = s.store.WithTx(ctx, func(tx store.MembershipStore) error {
		existing, err := tx.GetUserByEmail(ctx, email)
		switch {
		case errors.Is(err, store.ErrNotFound):
			out, err = tx.CreateUser(ctx, store.User{
				Email:         email,
				Name:          name,
				EmailVerified: true,
				PasswordHash:  string(hash),
			})
			return err
		case err != nil:
			return err
		case !existing.IsPlaceholder():
			return apperr.BadRequest("account already exists")
		}
		out, err = tx.VerifyUser(ctx, existing.ID, name, string(hash))
		return err
	})
	if err != nil {
		if apperr.KindOf(err) != apperr.KindInternal {
			return nil, err
		}
		return nil, apperr.Internal("promoting user", err)
	}
	return out, nil
}

// CheckPassword verifies a plaintext password against the user's stored hash.
// Placeholders have no password and never match.
func CheckPassword(u *store.User, password string) bool {
	if u.IsPlaceholder() || u.PasswordHash == "" {
		return false
	}
	return bcrypt.CompareHashAndPassword([]byte(u.PasswordHash), []byte(password)) == nil
}

// CreateSession issues a session for a verified user. It returns the opaque
// plaintext token (to be sent to the client) and the stored session.
func (s *Service) CreateSession(ctx context.Context, userID string) (string, *store.Session, error) {
	u, err := s.store.GetUserByID(ctx, userID)
	if err != nil {
		return "", nil, fmt.Errorf("loading session user: %w", err)
	}
	if u.IsPlaceholder() {
		return "", nil, apperr.BadRequest("placeholder users cannot sign in")
	}

	plaintext, hash, err := auth.GenerateSessionToken()
	if err != nil {
		return "", nil, err
	}
	now := s.now()
	sess := store.Session{
		TokenHash: hash,
		UserID:    u.ID,
		CreatedAt: now,
		ExpiresAt: now.Add(sessionDuration),
	}
	if err := s.store.CreateSession(ctx, sess); err != nil {
		return "", nil, err
	}
	return plaintext, &sess, nil
}
