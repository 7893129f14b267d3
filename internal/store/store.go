// Package store defines the MembershipStore contract used by the access and
// invitation packages, and a Postgres implementation of it.
package store

import (
	"context"
	"errors"
	"net/mail"
	"strings"
	"time"

	"github.com/gaboe/map-poster/internal/role"
)

var (
	// ErrNotFound is returned when a looked-up row does not exist.
	ErrNotFound = errors.New("not found")
	// ErrConflict is returned when a write violates a uniqueness constraint.
	ErrConflict = errors.New("conflict")
)

// MembershipStore is relational persistence for users, organizations,
// projects, memberships and invitations. Implementations must make WithTx
// atomic: either every write done through the store handed to fn is kept, or
// none is.
type MembershipStore interface {
	// WithTx runs fn against a transactional view of the store. Calling
	// WithTx on a store that is already transactional just runs fn.
	WithTx(ctx context.Context, fn func(MembershipStore) error) error

	GetUserByID(ctx context.Context, id string) (*User, error)
	GetUserByEmail(ctx context.Context, email string) (*User, error)
	CreateUser(ctx context.Context, u User) (*User, error)
	// VerifyUser turns a placeholder into a verified account, keeping its id.
	// Returns ErrNotFound if id is not a placeholder.
	VerifyUser(ctx context.Context, id, name, passwordHash string) (*User, error)

	GetOrganization(ctx context.Context, id string) (*Organization, error)
	CreateOrganization(ctx context.Context, name string) (*Organization, error)
	CreateProject(ctx context.Context, organizationID, name string) (*Project, error)
	// ProjectIDsInOrganization returns the subset of projectIDs that belong to
	// the organization.
	ProjectIDsInOrganization(ctx context.Context, organizationID string, projectIDs []string) ([]string, error)

	GetMembership(ctx context.Context, organizationID, userID string) (*Membership, error)
	InsertMembership(ctx context.Context, m Membership) error
	DeleteMembership(ctx context.Context, organizationID, userID string) (int64, error)

	// GetProjectAccess loads a project together with the user's org role and
	// explicit project role in one lookup.
	GetProjectAccess(ctx context.Context, projectID, userID string) (*ProjectAccess, error)
	// ListAccessibleProjects returns every project where the user is an org
	// owner/admin or holds an explicit grant.
	ListAccessibleProjects(ctx context.Context, userID string) ([]ProjectAccess, error)
	ListProjectMembers(ctx context.Context, projectID string) ([]ProjectMember, error)
	GetProjectMembership(ctx context.Context, projectID, userID string) (*ProjectMembership, error)
	InsertProjectMembership(ctx context.Context, pm ProjectMembership) error
	UpdateProjectMembershipRole(ctx context.Context, projectID, userID string, r role.ProjectRole) (bool, error)
	DeleteProjectMembership(ctx context.Context, projectID, userID string) (bool, error)
	// DeleteProjectMemberships removes the user's grants on the given projects.
	DeleteProjectMemberships(ctx context.Context, userID string, projectIDs []string) (int64, error)
	// DeleteOrganizationProjectMemberships removes the user's grants on every
	// project of the organization.
	DeleteOrganizationProjectMemberships(ctx context.Context, organizationID, userID string) (int64, error)

	// CreateInvitation returns ErrConflict when a pending invitation for the
	// same (email, organization) already exists.
	CreateInvitation(ctx context.Context, inv Invitation) (*Invitation, error)
	GetInvitation(ctx context.Context, id string) (*Invitation, error)
	GetPendingInvitation(ctx context.Context, id string) (*Invitation, error)
	GetPendingInvitationDetails(ctx context.Context, id string) (*InvitationDetails, error)
	HasPendingInvitation(ctx context.Context, email, organizationID string) (bool, error)
	// UpdateInvitationStatus moves the invitation to status `to` only if its
	// current status is one of `from`. It reports whether a row changed.
	UpdateInvitationStatus(ctx context.Context, id string, from []InvitationStatus, to InvitationStatus) (bool, error)
	DeleteInvitation(ctx context.Context, id string) (bool, error)
	// ListOrganizationInvitations returns invitations with the given status,
	// newest first.
	ListOrganizationInvitations(ctx context.Context, organizationID string, status InvitationStatus) ([]Invitation, error)
	// ListPendingInvitationsByEmail returns pending invitations for email that
	// have not expired at now, newest first.
	ListPendingInvitationsByEmail(ctx context.Context, email string, now time.Time) ([]Invitation, error)

	CreateSession(ctx context.Context, s Session) error
	// GetSessionUser resolves a session token hash that is still valid at now.
	GetSessionUser(ctx context.Context, tokenHash string, now time.Time) (*User, error)
}

// NormalizeEmail canonicalizes an email address for storage and comparison.
func NormalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

// ValidEmail reports whether email is a single bare address such as
// "alice@example.com". Display names and angle brackets are rejected.
func ValidEmail(email string) bool {
	if email == "" || strings.ContainsAny(email, " <>") {
		return false
	}
	addr, err := mail.ParseAddress(email)
	if err != nil {
		return false
	}
	return addr.Address == email && strings.Contains(email[strings.LastIndex(email, "@"):], ".")
}
