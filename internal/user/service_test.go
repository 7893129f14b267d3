package user

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/gaboe/map-poster/internal/apperr"
	"github.com/gaboe/map-poster/internal/role"
	"github.com/gaboe/map-poster/internal/store"
	"github.com/gaboe/map-poster/internal/store/memstore"
)

func TestPromotePlaceholderKeepsID(t *testing.T) {
	ctx := context.Background()
	ms := memstore.New()
	org, _ := ms.CreateOrganization(ctx, "Acme")
	placeholder, err := ms.CreateUser(ctx, store.User{Email: "new@example.com", Name: "new@example.com"})
	if err != nil {
		t.Fatal(err)
	}
	if err := ms.InsertMembership(ctx, store.Membership{OrganizationID: org.ID, UserID: placeholder.ID, Role: role.Member}); err != nil {
		t.Fatal(err)
	}

	svc := NewService(ms)
	u, err := svc.Promote(ctx, "New@Example.com", "New Person", "s3cret")
	if err != nil {
		t.Fatalf("Promote() error: %v", err)
	}
	if u.ID != placeholder.ID {
		t.Errorf("expected id %q to be preserved, got %q", placeholder.ID, u.ID)
	}
	if !u.EmailVerified || u.Name != "New Person" {
		t.Errorf("unexpected promoted user %+v", u)
	}
	if !CheckPassword(u, "s3cret") {
		t.Error("expected password to match")
	}
	if _, err := ms.GetMembership(ctx, org.ID, u.ID); err != nil {
		t.Errorf("membership granted before sign-up should survive: %v", err)
	}
}

func TestPromoteCreatesUserWhenMissing(t *testing.T) {
	ms := memstore.New()
	u, err := NewService(ms).Promote(context.Background(), "fresh@example.com", "Fresh", "pw")
	if err != nil {
		t.Fatalf("Promote() error: %v", err)
	}
	if !u.EmailVerified {
		t.Error("expected verified user")
	}
}

func TestPromoteRejectsVerifiedAccount(t *testing.T) {
	ctx := context.Background()
	ms := memstore.New()
	if _, err := ms.CreateUser(ctx, store.User{Email: "taken@example.com", Name: "Taken", EmailVerified: true}); err != nil {
		t.Fatal(err)
	}
	_, err := NewService(ms).Promote(ctx, "taken@example.com", "Other", "pw")
	if !apperr.IsKind(err, apperr.KindBadRequest) {
		t.Errorf("expected bad request, got %v", err)
	}
}

func TestPromoteValidation(t *testing.T) {
	tests := []struct {
		name, email, userName, password string
	}{
		{"bad email", "nope", "N", "pw"},
		{"empty name", "a@example.com", "  ", "pw"},
		{"empty password", "a@example.com", "N", ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewService(memstore.New()).Promote(context.Background(), tt.email, tt.userName, tt.password)
			if !apperr.IsKind(err, apperr.KindValidation) {
				t.Errorf("expected validation error, got %v", err)
			}
		})
	}
}

func TestCheckPasswordPlaceholder(t *testing.T) {
	if CheckPassword(&store.User{}, "") {
		t.Error("placeholder should never match a password")
	}
}

func TestSessionRoundTrip(t *testing.T) {
	ctx := context.Background()
	ms := memstore.New()
	u, err := ms.CreateUser(ctx, store.User{Email: "alice@example.com", Name: "Alice", EmailVerified: true})
	if err != nil {
		t.Fatal(err)
	}

	svc := NewService(ms)
	token, sess, err := svc.CreateSession(ctx, u.ID)
	if err != nil {
		t.Fatalf("CreateSession() error: %v", err)
	}
	if sess.UserID != u.ID {
		t.Errorf("expected session for %q, got %q", u.ID, sess.UserID)
	}

	adapter := NewAuthAdapter(ms)
	got, err := adapter.LookupSession(ctx, token)
	if err != nil {
		t.Fatalf("LookupSession() error: %v", err)
	}
	if got.ID != u.ID || got.Email != "alice@example.com" {
		t.Errorf("unexpected auth user %+v", got)
	}

	if _, err := adapter.LookupSession(ctx, "mps_unknown"); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("expected not found for unknown token, got %v", err)
	}

	adapter.now = func() time.Time { return time.Now().Add(8 * 24 * time.Hour) }
	if _, err := adapter.LookupSession(ctx, token); err == nil {
		t.Error("expected expired session to be rejected")
	}
}

func TestCreateSessionRejectsPlaceholder(t *testing.T) {
	ctx := context.Background()
	ms := memstore.New()
	p, _ := ms.CreateUser(ctx, store.User{Email: "p@example.com", Name: "p@example.com"})
	if _, _, err := NewService(ms).CreateSession(ctx, p.ID); !apperr.IsKind(err, apperr.KindBadRequest) {
		t.Errorf("expected bad request, got %v", err)
	}
}
