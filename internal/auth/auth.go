// Package auth carries the authenticated user through a request. Session
// issuance lives elsewhere; this package only resolves bearer tokens.
package auth

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"strings"
)

// TokenPrefix marks map-poster session tokens.
const TokenPrefix = "mps_"

// User is the acting principal handed explicitly to every access and
// invitation operation.
type User struct {
	ID    string
	Email string
	Name  string
}

// EmailMatches reports whether email addresses the same mailbox as the user,
// ignoring case and surrounding whitespace.
func (u *User) EmailMatches(email string) bool {
	return strings.EqualFold(strings.TrimSpace(u.Email), strings.TrimSpace(email))
}

// SessionLookup resolves a plaintext session token to a user.
type SessionLookup interface {
	LookupSession(ctx context.Context, token string) (*User, error)
}

// GenerateSessionToken creates a session token with the "mps_" prefix
// followed by 43 URL-safe random characters. It returns the plaintext token
// and the hash to persist.
func GenerateSessionToken() (plaintext, hash string, err error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", "", fmt.Errorf("generating random bytes: %w", err)
	}
	plaintext = TokenPrefix + base64.RawURLEncoding.EncodeToString(b)
	return plaintext, HashToken(plaintext), nil
}

// HashToken returns the hex-encoded SHA-256 hash of the given token.
func HashToken(plaintext string) string {
	h := sha256.Sum256([]byte(plaintext))
	return hex.EncodeToString(h[:])
}
