package memstore

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/gaboe/map-poster/internal/role"
	"github.com/gaboe/map-poster/internal/store"
)

func TestWithTxRollsBackOnError(t *testing.T) {
	ctx := context.Background()
	s := New()
	org, _ := s.CreateOrganization(ctx, "Acme")

	boom := errors.New("boom")
	err := s.WithTx(ctx, func(tx store.MembershipStore) error {
		u, err := tx.CreateUser(ctx, store.User{Email: "p@x.com", Name: "p@x.com"})
		if err != nil {
			return err
		}
		if err := tx.InsertMembership(ctx, store.Membership{OrganizationID: org.ID, UserID: u.ID, Role: role.Member}); err != nil {
			return err
		}
		// Visible inside the transaction.
		if _, err := tx.GetUserByEmail(ctx, "p@x.com"); err != nil {
			t.Errorf("write not visible inside tx: %v", err)
		}
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("expected fn error, got %v", err)
	}
	if _, err := s.GetUserByEmail(ctx, "p@x.com"); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("rolled back user still visible: %v", err)
	}
}

func TestWithTxCommits(t *testing.T) {
	ctx := context.Background()
	s := New()

	err := s.WithTx(ctx, func(tx store.MembershipStore) error {
		// Nested WithTx joins the outer transaction.
		return tx.WithTx(ctx, func(inner store.MembershipStore) error {
			_, err := inner.CreateOrganization(ctx, "Acme")
			return err
		})
	})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := s.CreateUser(ctx, store.User{Email: "after@x.com"}); err != nil {
		t.Fatalf("store should be usable after commit: %v", err)
	}
}

func TestWithTxCancelledContext(t *testing.T) {
	s := New()
	ctx, cancel := context.WithCancel(context.Background())

	err := s.WithTx(ctx, func(tx store.MembershipStore) error {
		if _, err := tx.CreateUser(ctx, store.User{Email: "c@x.com"}); err != nil {
			return err
		}
		cancel()
		return nil
	})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	if _, err := s.GetUserByEmail(context.Background(), "c@x.com"); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("cancelled transaction must not commit: %v", err)
	}
}

func TestPendingInvitationUniqueness(t *testing.T) {
	ctx := context.Background()
	s := New()
	org, _ := s.CreateOrganization(ctx, "Acme")
	base := store.Invitation{Email: "Dup@x.com", OrganizationID: org.ID, Role: role.Member, Status: store.InvitationPending, ExpiresAt: time.Now().Add(time.Hour)}

	first, err := s.CreateInvitation(ctx, base)
	if err != nil {
		t.Fatal(err)
	}
	if first.Email != "dup@x.com" {
		t.Errorf("email should be normalized, got %q", first.Email)
	}
	if _, err := s.CreateInvitation(ctx, base); !errors.Is(err, store.ErrConflict) {
		t.Fatalf("expected conflict for second pending invitation, got %v", err)
	}

	// Non-pending rows do not count.
	ok, err := s.UpdateInvitationStatus(ctx, first.ID, []store.InvitationStatus{store.InvitationPending}, store.InvitationDismissed)
	if err != nil || !ok {
		t.Fatalf("dismiss: %v %v", ok, err)
	}
	second, err := s.CreateInvitation(ctx, base)
	if err != nil {
		t.Fatalf("new pending invitation after dismissal: %v", err)
	}

	// Reviving the dismissed one would create a second pending row.
	_, err = s.UpdateInvitationStatus(ctx, first.ID, []store.InvitationStatus{store.InvitationDismissed}, store.InvitationPending)
	if !errors.Is(err, store.ErrConflict) {
		t.Errorf("expected conflict when reviving, got %v", err)
	}

	ok, err = s.UpdateInvitationStatus(ctx, second.ID, []store.InvitationStatus{store.InvitationDismissed}, store.InvitationAccepted)
	if err != nil || ok {
		t.Errorf("conditional update must not apply from the wrong status: %v %v", ok, err)
	}
}

func TestSessionsRequireVerifiedUnexpiredUser(t *testing.T) {
	ctx := context.Background()
	s := New()
	now := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)

	verified, _ := s.CreateUser(ctx, store.User{Email: "v@x.com", EmailVerified: true})
	placeholder, _ := s.CreateUser(ctx, store.User{Email: "p@x.com"})
	_ = s.CreateSession(ctx, store.Session{TokenHash: "live", UserID: verified.ID, ExpiresAt: now.Add(time.Hour)})
	_ = s.CreateSession(ctx, store.Session{TokenHash: "expired", UserID: verified.ID, ExpiresAt: now})
	_ = s.CreateSession(ctx, store.Session{TokenHash: "placeholder", UserID: placeholder.ID, ExpiresAt: now.Add(time.Hour)})

	if u, err := s.GetSessionUser(ctx, "live", now); err != nil || u.ID != verified.ID {
		t.Errorf("live session: %+v, %v", u, err)
	}
	for _, hash := range []string{"expired", "placeholder", "unknown"} {
		if _, err := s.GetSessionUser(ctx, hash, now); !errors.Is(err, store.ErrNotFound) {
			t.Errorf("%s: expected ErrNotFound, got %v", hash, err)
		}
	}
}
