package access

import (
	"context"
	"errors"

	"github.com/gaboe/map-poster/internal/apperr"
	"github.com/gaboe/map-poster/internal/auth"
	"github.com/gaboe/map-poster/internal/role"
	"github.com/gaboe/map-poster/internal/store"
)

const (
	MsgOrgAdminImplicit     = "Organization admins have automatic project access"
	MsgTargetNotOrgMember   = "user is not a member of this organization"
	MsgAlreadyProjectMember = "user already has access to this project"
	MsgProjectMemberMissing = "project member not found"
	MsgSelfTarget           = "you cannot change your own project access"
)

// AccessibleProject is a project the user can open, with the role they hold
// there.
type AccessibleProject struct {
	store.Project
	Role    role.ProjectRole `json:"role"`
	OrgRole role.OrgRole     `json:"organization_role"`
}

// Projects manages explicit project grants.
type Projects struct {
	store    store.MembershipStore
	resolver *Resolver
}

// NewProjects creates the project permission service.
func NewProjects(s store.MembershipStore, resolver *Resolver) *Projects {
	return &Projects{store: s, resolver: resolver}
}

// Members lists explicit grants on a project. Org admins with implicit access
// are not listed.
func (p *Projects) Members(ctx context.Context, u *auth.User, projectID string) ([]store.ProjectMember, error) {
	if _, err := p.resolver.RequireProjectAccess(ctx, u, projectID); err != nil {
		return nil, err
	}
	members, err := p.store.ListProjectMembers(ctx, projectID)
	if err != nil {
		return nil, apperr.Internal("listing project members", err)
	}
	if members == nil {
		members = []store.ProjectMember{}
	}
	return members, nil
}

// targetOrgRole returns the target's role in the project's organization, or
// "" when they are not a member.
func (p *Projects) targetOrgRole(ctx context.Context, organizationID, userID string) (role.OrgRole, error) {
	if !validID(userID) {
		return "", nil
	}
	m, err := p.store.GetMembership(ctx, organizationID, userID)
	if errors.Is(err, store.ErrNotFound) {
		return "", nil
	}
	if err != nil {
		return "", apperr.Internal("loading target membership", err)
	}
	return m.Role, nil
}

// AddMember grants userID an explicit role on the project. An empty role
// defaults to viewer.
func (p *Projects) AddMember(ctx context.Context, u *auth.User, projectID, userID string, r role.ProjectRole) error {
	pa, err := p.resolver.RequireProjectAdmin(ctx, u, projectID)
	if err != nil {
		return err
	}
	if r == role.NoAccess {
		r = role.Viewer
	}
	if !r.Valid() {
		return apperr.Validation(role.ErrInvalidProjectRole.Error())
	}

	orgRole, err := p.targetOrgRole(ctx, pa.Project.OrganizationID, userID)
	if err != nil {
		return err
	}
	switch {
	case orgRole == "":
		return apperr.BadRequest(MsgTargetNotOrgMember)
	case role.IsOrgAdmin(orgRole):
		return apperr.BadRequest(MsgOrgAdminImplicit)
	}

	err = p.store.InsertProjectMembership(ctx, store.ProjectMembership{
		ProjectID: projectID,
		UserID:    userID,
		Role:      r,
	})
	if errors.Is(err, store.ErrConflict) {
		return apperr.BadRequest(MsgAlreadyProjectMember)
	}
	if err != nil {
		return apperr.Internal("adding project member", err)
	}
	return nil
}

// UpdateMemberRole changes an existing explicit grant.
func (p *Projects) UpdateMemberRole(ctx context.Context, u *auth.User, projectID, userID string, r role.ProjectRole) error {
	pa, err := p.resolver.RequireProjectAdmin(ctx, u, projectID)
	if err != nil {
		return err
	}
	if !r.Valid() {
		return apperr.Validation(role.ErrInvalidProjectRole.Error())
	}
	if userID == u.ID {
		return apperr.BadRequest(MsgSelfTarget)
	}

	orgRole, err := p.targetOrgRole(ctx, pa.Project.OrganizationID, userID)
	if err != nil {
		return err
	}
	if role.IsOrgAdmin(orgRole) {
		return apperr.BadRequest(MsgOrgAdminImplicit)
	}
	if !validID(userID) {
		return apperr.NotFound(MsgProjectMemberMissing)
	}

	ok, err := p.store.UpdateProjectMembershipRole(ctx, projectID, userID, r)
	if err != nil {
		return apperr.Internal("updating project member", err)
	}
	if !ok {
		return apperr.NotFound(MsgProjectMemberMissing)
	}
	return nil
}

// RemoveMember deletes an explicit grant.
func (p *Projects) RemoveMember(ctx context.Context, u *auth.User, projectID, userID string) error {
	pa, err := p.resolver.RequireProjectAdmin(ctx, u, projectID)
	if err != nil {
		return err
	}
	if userID == u.ID {
		return apperr.BadRequest(MsgSelfTarget)
	}

	orgRole, err := p.targetOrgRole(ctx, pa.Project.OrganizationID, userID)
	if err != nil {
		return err
	}
	if role.IsOrgAdmin(orgRole) {
		return apperr.BadRequest(MsgOrgAdminImplicit)
	}
	if !validID(userID) {
		return apperr.NotFound(MsgProjectMemberMissing)
	}

	ok, err := p.store.DeleteProjectMembership(ctx, projectID, userID)
	if err != nil {
		return apperr.Internal("removing project member", err)
	}
	if !ok {
		return apperr.NotFound(MsgProjectMemberMissing)
	}
	return nil
}

// Accessible returns every project the user can open: all projects of orgs
// they own or administer, plus projects with an explicit grant.
func (p *Projects) Accessible(ctx context.Context, u *auth.User) ([]AccessibleProject, error) {
	rows, err := p.store.ListAccessibleProjects(ctx, u.ID)
	if err != nil {
		return nil, apperr.Internal("listing accessible projects", err)
	}
	out := make([]AccessibleProject, 0, len(rows))
	for _, row := range rows {
		effective := role.EffectiveProjectRole(row.OrgRole, row.ProjectRole)
		if effective == role.NoAccess {
			continue
		}
		out = append(out, AccessibleProject{Project: row.Project, Role: effective, OrgRole: row.OrgRole})
	}
	return out, nil
}
