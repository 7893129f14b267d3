// Package access decides what a user may do in an organization and in a
// project. Project roles are always computed from the org membership role and
// the explicit project grant; they are never stored.
package access

import (
	"context"
	"errors"

	"github.com/gaboe/map-poster/internal/apperr"
	"github.com/gaboe/map-poster/internal/auth"
	"github.com/gaboe/map-poster/internal/role"
	"github.com/gaboe/map-poster/internal/store"
	"github.com/google/uuid"
)

// Messages shared with callers and tests.
const (
	MsgNotOrgMember     = "not a member of this organization"
	MsgNotOrgAdmin      = "only organization admins and owners can perform this action"
	MsgProjectNotFound  = "project not found"
	MsgNotProjectAdmin  = "only project admins can perform this action"
	MsgNotProjectEditor = "only project editors and admins can perform this action"
)

// DenialRecorder counts refused checks. *metrics.Metrics implements it.
type DenialRecorder interface {
	RecordDenial(check, kind string)
}

type nopRecorder struct{}

func (nopRecorder) RecordDenial(string, string) {}

// ProjectAccess is the outcome of a successful project check.
type ProjectAccess struct {
	Project       store.Project
	EffectiveRole role.ProjectRole
	OrgRole       role.OrgRole
}

// Resolver gates operations on organizations and projects.
type Resolver struct {
	store    store.MembershipStore
	recorder DenialRecorder
}

// NewResolver creates a resolver. rec may be nil.
func NewResolver(s store.MembershipStore, rec DenialRecorder) *Resolver {
	if rec == nil {
		rec = nopRecorder{}
	}
	return &Resolver{store: s, recorder: rec}
}

func validID(id string) bool {
	_, err := uuid.Parse(id)
	return err == nil
}

func (r *Resolver) deny(check string, err *apperr.Error) error {
	r.recorder.RecordDenial(check, string(err.Kind))
	return err
}

// RequireOrgMember returns the caller's membership in the organization.
func (r *Resolver) RequireOrgMember(ctx context.Context, u *auth.User, organizationID string) (*store.Membership, error) {
	const check = "require_org_member"
	if u == nil {
		return nil, r.deny(check, apperr.Forbidden(MsgNotOrgMember))
	}
	if !validID(organizationID) {
		return nil, r.deny(check, apperr.Forbidden(MsgNotOrgMember))
	}
	m, err := r.store.GetMembership(ctx, organizationID, u.ID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, r.deny(check, apperr.Forbidden(MsgNotOrgMember))
	}
	if err != nil {
		return nil, apperr.Internal("loading membership", err)
	}
	return m, nil
}

// RequireOrgAdmin is RequireOrgMember restricted to owners and admins.
func (r *Resolver) RequireOrgAdmin(ctx context.Context, u *auth.User, organizationID string) (*store.Membership, error) {
	m, err := r.RequireOrgMember(ctx, u, organizationID)
	if err != nil {
		return nil, err
	}
	if !role.IsOrgAdmin(m.Role) {
		return nil, r.deny("require_org_admin", apperr.Forbidden(MsgNotOrgAdmin))
	}
	return m, nil
}

// RequireProjectAccess resolves the caller's effective role on a project in
// one store lookup. A missing project and a project the caller cannot see
// produce the same NotFound error.
func (r *Resolver) RequireProjectAccess(ctx context.Context, u *auth.User, projectID string) (*ProjectAccess, error) {
	const check = "require_project_access"
	if u == nil || !validID(projectID) {
		return nil, r.deny(check, apperr.NotFound(MsgProjectNotFound))
	}
	pa, err := r.store.GetProjectAccess(ctx, projectID, u.ID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, r.deny(check, apperr.NotFound(MsgProjectNotFound))
	}
	if err != nil {
		return nil, apperr.Internal("loading project access", err)
	}

	effective := role.EffectiveProjectRole(pa.OrgRole, pa.ProjectRole)
	if effective == role.NoAccess {
		return nil, r.deny(check, apperr.NotFound(MsgProjectNotFound))
	}
	return &ProjectAccess{
		Project:       pa.Project,
		EffectiveRole: effective,
		OrgRole:       pa.OrgRole,
	}, nil
}

// RequireProjectAdmin requires an effective project role of admin. Callers
// who can see the project but lack the role get Forbidden.
func (r *Resolver) RequireProjectAdmin(ctx context.Context, u *auth.User, projectID string) (*ProjectAccess, error) {
	return r.requireProjectRole(ctx, u, projectID, role.ProjectAdmin, "require_project_admin", MsgNotProjectAdmin)
}

// RequireProjectEditor accepts admins and editors.
func (r *Resolver) RequireProjectEditor(ctx context.Context, u *auth.User, projectID string) (*ProjectAccess, error) {
	return r.requireProjectRole(ctx, u, projectID, role.Editor, "require_project_editor", MsgNotProjectEditor)
}

func (r *Resolver) requireProjectRole(ctx context.Context, u *auth.User, projectID string, min role.ProjectRole, check, msg string) (*ProjectAccess, error) {
	pa, err := r.RequireProjectAccess(ctx, u, projectID)
	if err != nil {
		return nil, err
	}
	if !pa.EffectiveRole.AtLeast(min) {
		return nil, r.deny(check, apperr.Forbidden(msg))
	}
	return pa, nil
}
