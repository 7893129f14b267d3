package store

import (
	"time"

	"github.com/gaboe/map-poster/internal/role"
)

// User is a person addressable by email. A user with EmailVerified == false is
// a placeholder created by an invitation before the person signed up.
type User struct {
	ID            string    `json:"id"`
	Email         string    `json:"email"`
	Name          string    `json:"name"`
	EmailVerified bool      `json:"email_verified"`
	PasswordHash  string    `json:"-"`
	CreatedAt     time.Time `json:"created_at"`
}

// IsPlaceholder reports whether the row only exists so an invitation could
// reference it.
func (u *User) IsPlaceholder() bool {
	return !u.EmailVerified
}

// Organization is the top-level tenant.
type Organization struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	CreatedAt time.Time `json:"created_at"`
}

// Project belongs to exactly one organization.
type Project struct {
	ID             string    `json:"id"`
	OrganizationID string    `json:"organization_id"`
	Name           string    `json:"name"`
	CreatedAt      time.Time `json:"created_at"`
}

// Membership is a user's org-level tenancy.
type Membership struct {
	OrganizationID string       `json:"organization_id"`
	UserID         string       `json:"user_id"`
	Role           role.OrgRole `json:"role"`
	CreatedAt      time.Time    `json:"created_at"`
}

// ProjectMembership is an explicit project grant for a non-admin org member.
type ProjectMembership struct {
	ProjectID string           `json:"project_id"`
	UserID    string           `json:"user_id"`
	Role      role.ProjectRole `json:"role"`
	CreatedAt time.Time        `json:"created_at"`
}

// InvitationStatus is the persisted invitation state. Expiry is derived, not
// stored.
type InvitationStatus string

const (
	InvitationPending   InvitationStatus = "pending"
	InvitationAccepted  InvitationStatus = "accepted"
	InvitationDismissed InvitationStatus = "dismissed"
)

// Invitation tracks an offered org membership.
type Invitation struct {
	ID             string           `json:"id"`
	Email          string           `json:"email"`
	OrganizationID string           `json:"organization_id"`
	InviterID      string           `json:"inviter_id"`
	Role           role.OrgRole     `json:"role"`
	Status         InvitationStatus `json:"status"`
	ExpiresAt      time.Time        `json:"expires_at"`
	CreatedAt      time.Time        `json:"created_at"`
}

// Expired reports whether a pending invitation has passed its expiry at now.
func (i *Invitation) Expired(now time.Time) bool {
	return i.Status == InvitationPending && i.ExpiresAt.Before(now)
}

// InvitationDetails is an invitation joined with what an invitee needs to see
// before deciding.
type InvitationDetails struct {
	Invitation
	OrganizationName string `json:"organization_name"`
	InviterName      string `json:"inviter_name"`
	InviterEmail     string `json:"inviter_email"`
}

// ProjectAccess holds the two stored facts that decide a user's project role:
// their org membership role (empty if none) and their explicit project role
// (NoAccess if none).
type ProjectAccess struct {
	Project     Project
	OrgRole     role.OrgRole
	ProjectRole role.ProjectRole
}

// ProjectMember is an explicit project grant joined with the user's identity.
type ProjectMember struct {
	UserID        string           `json:"user_id"`
	Email         string           `json:"email"`
	Name          string           `json:"name"`
	EmailVerified bool             `json:"email_verified"`
	Role          role.ProjectRole `json:"role"`
	CreatedAt     time.Time        `json:"created_at"`
}

// Session is an issued login session. Only the hash of the token is stored.
type Session struct {
	TokenHash string    `json:"-"`
	UserID    string    `json:"user_id"`
	CreatedAt time.Time `json:"created_at"`
	ExpiresAt time.Time `json:"expires_at"`
}
