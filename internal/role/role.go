// Package role defines organization and project roles and the rules that
// combine them. Everything here is pure: no I/O, no errors beyond parsing.
package role

import (
	"errors"
	"strings"
)

// Validation errors returned by the parse functions.
var (
	ErrInvalidOrgRole     = errors.New("organization role must be one of: owner, admin, member")
	ErrInvalidProjectRole = errors.New("project role must be one of: admin, editor, viewer")
)

// OrgRole is a user's role within an organization.
type OrgRole string

const (
	Owner  OrgRole = "owner"
	Admin  OrgRole = "admin"
	Member OrgRole = "member"
)

// ProjectRole is a user's role within a single project. The zero value is
// NoAccess.
type ProjectRole string

const (
	NoAccess     ProjectRole = ""
	ProjectAdmin ProjectRole = "admin"
	Editor       ProjectRole = "editor"
	Viewer       ProjectRole = "viewer"
)

// Rank orders organization roles: owner > admin > member. Unknown roles rank 0.
func (r OrgRole) Rank() int {
	switch r {
	case Owner:
		return 3
	case Admin:
		return 2
	case Member:
		return 1
	default:
		return 0
	}
}

// Valid reports whether r is a known organization role.
func (r OrgRole) Valid() bool {
	return r.Rank() > 0
}

// CanGrant reports whether a holder of r may hand out target to someone else.
// Nobody grants above their own rank, so only owners create owners.
func (r OrgRole) CanGrant(target OrgRole) bool {
	return IsOrgAdmin(r) && target.Valid() && target.Rank() <= r.Rank()
}

// IsOrgAdmin reports whether r carries administrative rights over the whole
// organization, including implicit admin on all of its projects.
func IsOrgAdmin(r OrgRole) bool {
	return r == Owner || r == Admin
}

// Rank orders project roles: admin > editor > viewer > no access.
func (r ProjectRole) Rank() int {
	switch r {
	case ProjectAdmin:
		return 3
	case Editor:
		return 2
	case Viewer:
		return 1
	default:
		return 0
	}
}

// Valid reports whether r is an assignable project role.
func (r ProjectRole) Valid() bool {
	return r.Rank() > 0
}

// AtLeast reports whether r grants everything min grants.
func (r ProjectRole) AtLeast(min ProjectRole) bool {
	return r.Valid() && r.Rank() >= min.Rank()
}

// EffectiveProjectRole combines the org membership role with the explicit
// project grant, if any. Org owners and admins are project admins no matter
// what is stored; everybody else gets exactly their explicit grant.
func EffectiveProjectRole(orgRole OrgRole, explicit ProjectRole) ProjectRole {
	if IsOrgAdmin(orgRole) {
		return ProjectAdmin
	}
	if explicit.Valid() {
		return explicit
	}
	return NoAccess
}

// ParseOrgRole parses an organization role literal. An empty string yields
// the default, Member.
func ParseOrgRole(s string) (OrgRole, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	if s == "" {
		return Member, nil
	}
	r := OrgRole(s)
	if !r.Valid() {
		return "", ErrInvalidOrgRole
	}
	return r, nil
}

// ParseProjectRole parses a project role literal. An empty string yields the
// default, Viewer.
func ParseProjectRole(s string) (ProjectRole, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	if s == "" {
		return Viewer, nil
	}
	r := ProjectRole(s)
	if !r.Valid() {
		return NoAccess, ErrInvalidProjectRole
	}
	return r, nil
}
