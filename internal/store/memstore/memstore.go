// Package memstore is an in-memory store.MembershipStore. It enforces the same
// keys and uniqueness rules as the Postgres schema, including the partial
// unique index on pending invitations, and gives WithTx all-or-nothing
// semantics by working on a copy of the state.
package memstore

import (
	"cmp"
	"context"
	"fmt"
	"maps"
	"slices"
	"sync"
	"time"

	"github.com/gaboe/map-poster/internal/role"
	"github.com/gaboe/map-poster/internal/store"
	"github.com/google/uuid"
)

type pair struct{ a, b string }

type state struct {
	users              map[string]store.User
	userIDsByEmail     map[string]string
	organizations      map[string]store.Organization
	projects           map[string]store.Project
	memberships        map[pair]store.Membership        // (org, user)
	projectMemberships map[pair]store.ProjectMembership // (project, user)
	invitations        map[string]store.Invitation
	sessions           map[string]store.Session
}

func newState() *state {
	return &state{
		users:              make(map[string]store.User),
		userIDsByEmail:     make(map[string]string),
		organizations:      make(map[string]store.Organization),
		projects:           make(map[string]store.Project),
		memberships:        make(map[pair]store.Membership),
		projectMemberships: make(map[pair]store.ProjectMembership),
		invitations:        make(map[string]store.Invitation),
		sessions:           make(map[string]store.Session),
	}
}

func (st *state) clone() *state {
	return &state{
		users:              maps.Clone(st.users),
		userIDsByEmail:     maps.Clone(st.userIDsByEmail),
		organizations:      maps.Clone(st.organizations),
		projects:           maps.Clone(st.projects),
		memberships:        maps.Clone(st.memberships),
		projectMemberships: maps.Clone(st.projectMemberships),
		invitations:        maps.Clone(st.invitations),
		sessions:           maps.Clone(st.sessions),
	}
}

// Store is safe for concurrent use. Transactions are serialized.
type Store struct {
	mu   *sync.Mutex
	st   *state
	inTx bool
}

var _ store.MembershipStore = (*Store)(nil)

// New returns an empty store.
func New() *Store {
	return &Store{mu: &sync.Mutex{}, st: newState()}
}

func (s *Store) lock() func() {
	if s.inTx {
		return func() {}
	}
	s.mu.Lock()
	return s.mu.Unlock
}

// WithTx runs fn against a private copy of the state and publishes the copy
// only when fn succeeds. fn must only use the store it is handed.
func (s *Store) WithTx(ctx context.Context, fn func(store.MembershipStore) error) error {
	if s.inTx {
		return fn(s)
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return err
	}
	tx := &Store{mu: s.mu, st: s.st.clone(), inTx: true}
	if err := fn(tx); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	s.st = tx.st
	return nil
}

// --- users ---

func (s *Store) GetUserByID(_ context.Context, id string) (*store.User, error) {
	defer s.lock()()
	u, ok := s.st.users[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	return &u, nil
}

func (s *Store) GetUserByEmail(_ context.Context, email string) (*store.User, error) {
	defer s.lock()()
	id, ok := s.st.userIDsByEmail[store.NormalizeEmail(email)]
	if !ok {
		return nil, store.ErrNotFound
	}
	u := s.st.users[id]
	return &u, nil
}

func (s *Store) CreateUser(_ context.Context, u store.User) (*store.User, error) {
	defer s.lock()()
	u.Email = store.NormalizeEmail(u.Email)
	if _, ok := s.st.userIDsByEmail[u.Email]; ok {
		return nil, fmt.Errorf("%w: users_email_key", store.ErrConflict)
	}
	if u.ID == "" {
		u.ID = uuid.NewString()
	}
	if _, ok := s.st.users[u.ID]; ok {
		return nil, fmt.Errorf("%w: users_pkey", store.ErrConflict)
	}
	u.CreatedAt = time.Now()
	s.st.users[u.ID] = u
	s.st.userIDsByEmail[u.Email] = u.ID
	return &u, nil
}

func (s *Store) VerifyUser(_ context.Context, id, name, passwordHash string) (*store.User, error) {
	defer s.lock()()
	u, ok := s.st.users[id]
	if !ok || u.EmailVerified {
		return nil, store.ErrNotFound
	}
	u.Name = name
	u.PasswordHash = passwordHash
	u.EmailVerified = true
	s.st.users[id] = u
	return &u, nil
}

// --- organizations and projects ---

func (s *Store) GetOrganization(_ context.Context, id string) (*store.Organization, error) {
	defer s.lock()()
	o, ok := s.st.organizations[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	return &o, nil
}

func (s *Store) CreateOrganization(_ context.Context, name string) (*store.Organization, error) {
	defer s.lock()()
	o := store.Organization{ID: uuid.NewString(), Name: name, CreatedAt: time.Now()}
	s.st.organizations[o.ID] = o
	return &o, nil
}

func (s *Store) CreateProject(_ context.Context, organizationID, name string) (*store.Project, error) {
	defer s.lock()()
	if _, ok := s.st.organizations[organizationID]; !ok {
		return nil, fmt.Errorf("creating project: organization %s: %w", organizationID, store.ErrNotFound)
	}
	p := store.Project{ID: uuid.NewString(), OrganizationID: organizationID, Name: name, CreatedAt: time.Now()}
	s.st.projects[p.ID] = p
	return &p, nil
}

func (s *Store) ProjectIDsInOrganization(_ context.Context, organizationID string, projectIDs []string) ([]string, error) {
	defer s.lock()()
	var out []string
	for _, id := range projectIDs {
		if p, ok := s.st.projects[id]; ok && p.OrganizationID == organizationID && !slices.Contains(out, id) {
			out = append(out, id)
		}
	}
	return out, nil
}

// --- memberships ---

func (s *Store) GetMembership(_ context.Context, organizationID, userID string) (*store.Membership, error) {
	defer s.lock()()
	m, ok := s.st.memberships[pair{organizationID, userID}]
	if !ok {
		return nil, store.ErrNotFound
	}
	return &m, nil
}

func (s *Store) InsertMembership(_ context.Context, m store.Membership) error {
	defer s.lock()()
	key := pair{m.OrganizationID, m.UserID}
	if _, ok := s.st.memberships[key]; ok {
		return fmt.Errorf("%w: memberships_pkey", store.ErrConflict)
	}
	m.CreatedAt = time.Now()
	s.st.memberships[key] = m
	return nil
}

func (s *Store) DeleteMembership(_ context.Context, organizationID, userID string) (int64, error) {
	defer s.lock()()
	key := pair{organizationID, userID}
	if _, ok := s.st.memberships[key]; !ok {
		return 0, nil
	}
	delete(s.st.memberships, key)
	return 1, nil
}

// --- project access and grants ---

func (s *Store) projectAccess(p store.Project, userID string) store.ProjectAccess {
	pa := store.ProjectAccess{Project: p}
	if m, ok := s.st.memberships[pair{p.OrganizationID, userID}]; ok {
		pa.OrgRole = m.Role
	}
	if pm, ok := s.st.projectMemberships[pair{p.ID, userID}]; ok {
		pa.ProjectRole = pm.Role
	}
	return pa
}

func (s *Store) GetProjectAccess(_ context.Context, projectID, userID string) (*store.ProjectAccess, error) {
	defer s.lock()()
	p, ok := s.st.projects[projectID]
	if !ok {
		return nil, store.ErrNotFound
	}
	pa := s.projectAccess(p, userID)
	return &pa, nil
}

func (s *Store) ListAccessibleProjects(_ context.Context, userID string) ([]store.ProjectAccess, error) {
	defer s.lock()()
	var out []store.ProjectAccess
	for _, p := range s.st.projects {
		pa := s.projectAccess(p, userID)
		if role.IsOrgAdmin(pa.OrgRole) || pa.ProjectRole.Valid() {
			out = append(out, pa)
		}
	}
	slices.SortFunc(out, func(a, b store.ProjectAccess) int {
		return cmp.Or(
			cmp.Compare(a.Project.OrganizationID, b.Project.OrganizationID),
			cmp.Compare(a.Project.Name, b.Project.Name),
			cmp.Compare(a.Project.ID, b.Project.ID),
		)
	})
	return out, nil
}

func (s *Store) ListProjectMembers(_ context.Context, projectID string) ([]store.ProjectMember, error) {
	defer s.lock()()
	var out []store.ProjectMember
	for key, pm := range s.st.projectMemberships {
		if key.a != projectID {
			continue
		}
		u, ok := s.st.users[pm.UserID]
		if !ok {
			continue
		}
		out = append(out, store.ProjectMember{
			UserID:        u.ID,
			Email:         u.Email,
			Name:          u.Name,
			EmailVerified: u.EmailVerified,
			Role:          pm.Role,
			CreatedAt:     pm.CreatedAt,
		})
	}
	slices.SortFunc(out, func(a, b store.ProjectMember) int { return cmp.Compare(a.Email, b.Email) })
	return out, nil
}

func (s *Store) GetProjectMembership(_ context.Context, projectID, userID string) (*store.ProjectMembership, error) {
	defer s.lock()()
	pm, ok := s.st.projectMemberships[pair{projectID, userID}]
	if !ok {
		return nil, store.ErrNotFound
	}
	return &pm, nil
}

func (s *Store) InsertProjectMembership(_ context.Context, pm store.ProjectMembership) error {
	defer s.lock()()
	key := pair{pm.ProjectID, pm.UserID}
	if _, ok := s.st.projectMemberships[key]; ok {
		return fmt.Errorf("%w: project_memberships_pkey", store.ErrConflict)
	}
	pm.CreatedAt = time.Now()
	s.st.projectMemberships[key] = pm
	return nil
}

func (s *Store) UpdateProjectMembershipRole(_ context.Context, projectID, userID string, r role.ProjectRole) (bool, error) {
	defer s.lock()()
	key := pair{projectID, userID}
	pm, ok := s.st.projectMemberships[key]
	if !ok {
		return false, nil
	}
	pm.Role = r
	s.st.projectMemberships[key] = pm
	return true, nil
}

func (s *Store) DeleteProjectMembership(_ context.Context, projectID, userID string) (bool, error) {
	defer s.lock()()
	key := pair{projectID, userID}
	if _, ok := s.st.projectMemberships[key]; !ok {
		return false, nil
	}
	delete(s.st.projectMemberships, key)
	return true, nil
}

func (s *Store) DeleteProjectMemberships(_ context.Context, userID string, projectIDs []string) (int64, error) {
	defer s.lock()()
	var n int64
	for _, pid := range projectIDs {
		key := pair{pid, userID}
		if _, ok := s.st.projectMemberships[key]; ok {
			delete(s.st.projectMemberships, key)
			n++
		}
	}
	return n, nil
}

func (s *Store) DeleteOrganizationProjectMemberships(_ context.Context, organizationID, userID string) (int64, error) {
	defer s.lock()()
	var n int64
	for key := range s.st.projectMemberships {
		if key.b != userID {
			continue
		}
		if p, ok := s.st.projects[key.a]; ok && p.OrganizationID == organizationID {
			delete(s.st.projectMemberships, key)
			n++
		}
	}
	return n, nil
}

// --- invitations ---

func (s *Store) hasPending(email, organizationID string) bool {
	for _, inv := range s.st.invitations {
		if inv.Email == email && inv.OrganizationID == organizationID && inv.Status == store.InvitationPending {
			return true
		}
	}
	return false
}

func (s *Store) CreateInvitation(_ context.Context, inv store.Invitation) (*store.Invitation, error) {
	defer s.lock()()
	inv.Email = store.NormalizeEmail(inv.Email)
	if inv.Status == store.InvitationPending && s.hasPending(inv.Email, inv.OrganizationID) {
		return nil, fmt.Errorf("%w: invitations_pending_email_org_key", store.ErrConflict)
	}
	if inv.ID == "" {
		inv.ID = uuid.NewString()
	}
	if inv.CreatedAt.IsZero() {
		inv.CreatedAt = time.Now()
	}
	s.st.invitations[inv.ID] = inv
	return &inv, nil
}

func (s *Store) GetInvitation(_ context.Context, id string) (*store.Invitation, error) {
	defer s.lock()()
	inv, ok := s.st.invitations[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	return &inv, nil
}

func (s *Store) GetPendingInvitation(_ context.Context, id string) (*store.Invitation, error) {
	defer s.lock()()
	inv, ok := s.st.invitations[id]
	if !ok || inv.Status != store.InvitationPending {
		return nil, store.ErrNotFound
	}
	return &inv, nil
}

func (s *Store) GetPendingInvitationDetails(_ context.Context, id string) (*store.InvitationDetails, error) {
	defer s.lock()()
	inv, ok := s.st.invitations[id]
	if !ok || inv.Status != store.InvitationPending {
		return nil, store.ErrNotFound
	}
	org, ok := s.st.organizations[inv.OrganizationID]
	if !ok {
		return nil, store.ErrNotFound
	}
	d := &store.InvitationDetails{Invitation: inv, OrganizationName: org.Name}
	if inviter, ok := s.st.users[inv.InviterID]; ok {
		d.InviterName = inviter.Name
		d.InviterEmail = inviter.Email
	}
	return d, nil
}

func (s *Store) HasPendingInvitation(_ context.Context, email, organizationID string) (bool, error) {
	defer s.lock()()
	return s.hasPending(store.NormalizeEmail(email), organizationID), nil
}

func (s *Store) UpdateInvitationStatus(_ context.Context, id string, from []store.InvitationStatus, to store.InvitationStatus) (bool, error) {
	defer s.lock()()
	inv, ok := s.st.invitations[id]
	if !ok || !slices.Contains(from, inv.Status) {
		return false, nil
	}
	if to == store.InvitationPending && inv.Status != store.InvitationPending && s.hasPending(inv.Email, inv.OrganizationID) {
		return false, fmt.Errorf("%w: invitations_pending_email_org_key", store.ErrConflict)
	}
	inv.Status = to
	s.st.invitations[id] = inv
	return true, nil
}

func (s *Store) DeleteInvitation(_ context.Context, id string) (bool, error) {
	defer s.lock()()
	if _, ok := s.st.invitations[id]; !ok {
		return false, nil
	}
	delete(s.st.invitations, id)
	return true, nil
}

func newestFirst(a, b store.Invitation) int {
	return cmp.Or(b.CreatedAt.Compare(a.CreatedAt), cmp.Compare(b.ID, a.ID))
}

func (s *Store) ListOrganizationInvitations(_ context.Context, organizationID string, status store.InvitationStatus) ([]store.Invitation, error) {
	defer s.lock()()
	var out []store.Invitation
	for _, inv := range s.st.invitations {
		if inv.OrganizationID == organizationID && inv.Status == status {
			out = append(out, inv)
		}
	}
	slices.SortFunc(out, newestFirst)
	return out, nil
}

func (s *Store) ListPendingInvitationsByEmail(_ context.Context, email string, now time.Time) ([]store.Invitation, error) {
	defer s.lock()()
	email = store.NormalizeEmail(email)
	var out []store.Invitation
	for _, inv := range s.st.invitations {
		if inv.Email == email && inv.Status == store.InvitationPending && !inv.ExpiresAt.Before(now) {
			out = append(out, inv)
		}
	}
	slices.SortFunc(out, newestFirst)
	return out, nil
}

// --- sessions ---

func (s *Store) CreateSession(_ context.Context, sess store.Session) error {
	defer s.lock()()
	if _, ok := s.st.sessions[sess.TokenHash]; ok {
		return fmt.Errorf("%w: sessions_pkey", store.ErrConflict)
	}
	s.st.sessions[sess.TokenHash] = sess
	return nil
}

func (s *Store) GetSessionUser(_ context.Context, tokenHash string, now time.Time) (*store.User, error) {
	defer s.lock()()
	sess, ok := s.st.sessions[tokenHash]
	if !ok || !sess.ExpiresAt.After(now) {
		return nil, store.ErrNotFound
	}
	u, ok := s.st.users[sess.UserID]
	if !ok || !u.EmailVerified {
		return nil, store.ErrNotFound
	}
	return &u, nil
}
