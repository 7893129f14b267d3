// Package invitation implements the invitation lifecycle and bulk invitation
// creation. Expected outcomes of accepting an invitation are returned as
// values; faults are *apperr.Error.
package invitation

import (
	"context"
	"errors"
	"time"

	"github.com/gaboe/map-poster/internal/access"
	"github.com/gaboe/map-poster/internal/apperr"
	"github.com/gaboe/map-poster/internal/auth"
	"github.com/gaboe/map-poster/internal/role"
	"github.com/gaboe/map-poster/internal/store"
	"github.com/google/uuid"
)

const (
	MsgInvitationNotFound = "invitation not found"
	MsgEmailMismatch      = "this invitation was sent to a different email address"
	MsgAlreadyAccepted    = "invitation has already been accepted"
	MsgCannotDelete       = "only the inviter or an organization admin can delete this invitation"
)

// AcceptReason explains why an accept did not go through.
type AcceptReason string

const (
	ReasonNotFound      AcceptReason = "not_found"
	ReasonExpired       AcceptReason = "expired"
	ReasonEmailMismatch AcceptReason = "email_mismatch"
)

// AcceptResult is the outcome of Accept. Reason is set only when Success is
// false.
type AcceptResult struct {
	Success        bool         `json:"success"`
	Reason         AcceptReason `json:"reason,omitempty"`
	OrganizationID string       `json:"organization_id,omitempty"`
	Role           role.OrgRole `json:"role,omitempty"`
}

// View is an invitation annotated with its derived expiry.
type View struct {
	store.Invitation
	Expired bool `json:"expired"`
}

// Details is what an invitee sees before deciding.
type Details struct {
	store.InvitationDetails
	Expired bool `json:"expired"`
}

// Recorder counts invitation outcomes. *metrics.Metrics implements it.
type Recorder interface {
	RecordInvitationCreated(outcome string)
	RecordInvitationAccepted(outcome string)
}

type nopRecorder struct{}

func (nopRecorder) RecordInvitationCreated(string)  {}
func (nopRecorder) RecordInvitationAccepted(string) {}

// errLostRace aborts an accept transaction when another request moved the
// invitation out of pending first.
var errLostRace = errors.New("invitation is no longer pending")

// Service drives single invitations through pending, accepted and dismissed.
type Service struct {
	store    store.MembershipStore
	resolver *access.Resolver
	recorder Recorder
	now      func() time.Time
}

// NewService creates an invitation lifecycle service. rec may be nil.
func NewService(s store.MembershipStore, resolver *access.Resolver, rec Recorder) *Service {
	if rec == nil {
		rec = nopRecorder{}
	}
	return &Service{store: s, resolver: resolver, recorder: rec, now: time.Now}
}

func validID(id string) bool {
	_, err := uuid.Parse(id)
	return err == nil
}

// Accept confirms the caller's membership in the invitation's organization.
// The status moves to accepted only from pending, so of two concurrent
// accepts exactly one succeeds and the other sees not_found.
func (s *Service) Accept(ctx context.Context, u *auth.User, invitationID string) (AcceptResult, error) {
	res, err := s.accept(ctx, u, invitationID)
	if err != nil {
		s.recorder.RecordInvitationAccepted("error")
		return AcceptResult{}, err
	}
	if res.Success {
		s.recorder.RecordInvitationAccepted("accepted")
	} else {
		s.recorder.RecordInvitationAccepted(string(res.Reason))
	}
	return res, nil
}

func (s *Service) accept(ctx context.Context, u *auth.User, invitationID string) (AcceptResult, error) {
	if !validID(invitationID) {
		return AcceptResult{Reason: ReasonNotFound}, nil
	}
	inv, err := s.store.GetPendingInvitation(ctx, invitationID)
	if errors.Is(err, store.ErrNotFound) {
		return AcceptResult{Reason: ReasonNotFound}, nil
	}
	if err != nil {
		return AcceptResult{}, apperr.Internal("loading invitation", err)
	}
	if inv.Expired(s.now()) {
		return AcceptResult{Reason: ReasonExpired}, nil
	}
	if !u.EmailMatches(inv.Email) {
		return AcceptResult{Reason: ReasonEmailMismatch}, nil
	}

	grant := inv.Role
	if !grant.Valid() {
		grant = role.Member
	}

	err = s.store.WithTx(ctx, func(tx store.MembershipStore) error {
		_, err := tx.GetMembership(ctx, inv.OrganizationID, u.ID)
		switch {
		case errors.Is(err, store.ErrNotFound):
			if _, err := tx.GetOrganization(ctx, inv.OrganizationID); err != nil {
				return apperr.Internal("organization of pending invitation is missing", err)
			}
			err = tx.InsertMembership(ctx, store.Membership{
				OrganizationID: inv.OrganizationID,
				UserID:         u.ID,
				Role:           grant,
			})
			if err != nil && !errors.Is(err, store.ErrConflict) {
				return err
			}
		case err != nil:
			return err
		}

		ok, err := tx.UpdateInvitationStatus(ctx, inv.ID,
			[]store.InvitationStatus{store.InvitationPending}, store.InvitationAccepted)
		if err != nil {
			return err
		}
		if !ok {
			return errLostRace
		}
		return nil
	})
	switch {
	case errors.Is(err, errLostRace):
		return AcceptResult{Reason: ReasonNotFound}, nil
	case err != nil:
		var ae *apperr.Error
		if errors.As(err, &ae) {
			return AcceptResult{}, err
		}
		return AcceptResult{}, apperr.Internal("accepting invitation", err)
	}

	return AcceptResult{Success: true, OrganizationID: inv.OrganizationID, Role: grant}, nil
}

// Dismiss declines an invitation addressed to the caller. It removes the
// membership granted at invitation time along with every project grant the
// caller holds in that organization. Dismissing twice succeeds both times.
func (s *Service) Dismiss(ctx context.Context, u *auth.User, invitationID string) error {
	if !validID(invitationID) {
		return apperr.NotFound(MsgInvitationNotFound)
	}
	inv, err := s.store.GetInvitation(ctx, invitationID)
	if errors.Is(err, store.ErrNotFound) {
		return apperr.NotFound(MsgInvitationNotFound)
	}
	if err != nil {
		return apperr.Internal("loading invitation", err)
	}
	if !u.EmailMatches(inv.Email) {
		return apperr.Forbidden(MsgEmailMismatch)
	}
	switch inv.Status {
	case store.InvitationAccepted:
		return apperr.BadRequest(MsgAlreadyAccepted)
	case store.InvitationDismissed:
		// Already applied. Re-running the deletes could remove a membership
		// granted by a newer invitation to the same organization.
		return nil
	}

	err = s.store.WithTx(ctx, func(tx store.MembershipStore) error {
		if _, err := tx.DeleteMembership(ctx, inv.OrganizationID, u.ID); err != nil {
			return err
		}
		if _, err := tx.DeleteOrganizationProjectMemberships(ctx, inv.OrganizationID, u.ID); err != nil {
			return err
		}
		ok, err := tx.UpdateInvitationStatus(ctx, inv.ID,
			[]store.InvitationStatus{store.InvitationPending, store.InvitationDismissed}, store.InvitationDismissed)
		if err != nil {
			return err
		}
		if !ok {
			// Accepted or deleted between the read and the write.
			return apperr.BadRequest(MsgAlreadyAccepted)
		}
		return nil
	})
	if err != nil {
		if apperr.IsKind(err, apperr.KindBadRequest) {
			return err
		}
		return apperr.Internal("dismissing invitation", err)
	}
	return nil
}

// Delete hard-deletes an invitation. Only the inviter or an owner/admin of
// the organization may do so. The membership it granted is left alone.
func (s *Service) Delete(ctx context.Context, u *auth.User, invitationID string) error {
	if !validID(invitationID) {
		return apperr.NotFound(MsgInvitationNotFound)
	}
	inv, err := s.store.GetInvitation(ctx, invitationID)
	if errors.Is(err, store.ErrNotFound) {
		return apperr.NotFound(MsgInvitationNotFound)
	}
	if err != nil {
		return apperr.Internal("loading invitation", err)
	}

	if inv.InviterID != u.ID {
		if _, err := s.resolver.RequireOrgAdmin(ctx, u, inv.OrganizationID); err != nil {
			if apperr.IsKind(err, apperr.KindForbidden) {
				return apperr.Forbidden(MsgCannotDelete)
			}
			return err
		}
	}

	ok, err := s.store.DeleteInvitation(ctx, inv.ID)
	if err != nil {
		return apperr.Internal("deleting invitation", err)
	}
	if !ok {
		return apperr.NotFound(MsgInvitationNotFound)
	}
	return nil
}

// PendingForUser returns live invitations addressed to the caller, newest
// first.
func (s *Service) PendingForUser(ctx context.Context, u *auth.User) ([]store.Invitation, error) {
	invs, err := s.store.ListPendingInvitationsByEmail(ctx, u.Email, s.now())
	if err != nil {
		return nil, apperr.Internal("listing pending invitations", err)
	}
	if invs == nil {
		invs = []store.Invitation{}
	}
	return invs, nil
}

// ListForOrganization returns the organization's pending invitations, newest
// first. Expired ones are included and flagged.
func (s *Service) ListForOrganization(ctx context.Context, u *auth.User, organizationID string) ([]View, error) {
	if _, err := s.resolver.RequireOrgMember(ctx, u, organizationID); err != nil {
		return nil, err
	}
	invs, err := s.store.ListOrganizationInvitations(ctx, organizationID, store.InvitationPending)
	if err != nil {
		return nil, apperr.Internal("listing organization invitations", err)
	}
	now := s.now()
	out := make([]View, len(invs))
	for i, inv := range invs {
		out[i] = View{Invitation: inv, Expired: inv.Expired(now)}
	}
	return out, nil
}

// Details returns a pending invitation with its organization and inviter.
// Used and unknown invitations are NotFound.
func (s *Service) Details(ctx context.Context, invitationID string) (*Details, error) {
	if !validID(invitationID) {
		return nil, apperr.NotFound(MsgInvitationNotFound)
	}
	d, err := s.store.GetPendingInvitationDetails(ctx, invitationID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, apperr.NotFound(MsgInvitationNotFound)
	}
	if err != nil {
		return nil, apperr.Internal("loading invitation details", err)
	}
	return &Details{InvitationDetails: *d, Expired: d.Expired(s.now())}, nil
}
