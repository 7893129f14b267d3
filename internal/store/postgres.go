package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/gaboe/map-poster/internal/role"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

const (
	pgUniqueViolation    = "23505"
	pgInvalidTextInput   = "22P02"
	invitationColumns    = `id, email, organization_id, inviter_id, role, status, expires_at, created_at`
	userColumns          = `id, email, name, email_verified, password_hash, created_at`
	projectAccessColumns = `p.id, p.organization_id, p.name, p.created_at, m.role, pm.role`
)

// dbtx is the subset of pgx shared by *pgxpool.Pool and pgx.Tx.
type dbtx interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Store is the Postgres MembershipStore.
type Store struct {
	db   dbtx
	pool *pgxpool.Pool // nil inside a transaction
}

var _ MembershipStore = (*Store)(nil)

// NewStore creates a new store backed by the given connection pool.
func NewStore(pool *pgxpool.Pool) *Store {
	return &Store{db: pool, pool: pool}
}

// WithTx runs fn inside a database transaction. The transaction commits when
// fn returns nil and rolls back otherwise.
func (s *Store) WithTx(ctx context.Context, fn func(MembershipStore) error) error {
	if s.pool == nil {
		return fn(s)
	}
	return pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		return fn(&Store{db: tx})
	})
}

// mapErr translates driver errors into the package sentinels. Malformed ids
// are reported as not found so callers cannot tell them apart from unknown ids.
func mapErr(err error) error {
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrNotFound
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case pgUniqueViolation:
			return fmt.Errorf("%w: %s", ErrConflict, pgErr.ConstraintName)
		case pgInvalidTextInput:
			return ErrNotFound
		}
	}
	return err
}

func scanUser(scan func(dest ...any) error) (*User, error) {
	u := &User{}
	if err := scan(&u.ID, &u.Email, &u.Name, &u.EmailVerified, &u.PasswordHash, &u.CreatedAt); err != nil {
		return nil, err
	}
	return u, nil
}

// scanInvitation reads invitationColumns. inviter_id is NULL once the
// inviter's account is deleted and scans to "".
func scanInvitation(scan func(dest ...any) error) (*Invitation, error) {
	inv := &Invitation{}
	var inviterID *string
	if err := scan(&inv.ID, &inv.Email, &inv.OrganizationID, &inviterID, &inv.Role, &inv.Status, &inv.ExpiresAt, &inv.CreatedAt); err != nil {
		return nil, err
	}
	inv.InviterID = stringOrEmpty(inviterID)
	return inv, nil
}

func stringOrEmpty(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

func scanProjectAccess(scan func(dest ...any) error) (*ProjectAccess, error) {
	pa := &ProjectAccess{}
	var orgRole, projectRole *string
	if err := scan(&pa.Project.ID, &pa.Project.OrganizationID, &pa.Project.Name, &pa.Project.CreatedAt, &orgRole, &projectRole); err != nil {
		return nil, err
	}
	if orgRole != nil {
		pa.OrgRole = role.OrgRole(*orgRole)
	}
	if projectRole != nil {
		pa.ProjectRole = role.ProjectRole(*projectRole)
	}
	return pa, nil
}

// --- users ---

// GetUserByID retrieves a user by primary key.
func (s *Store) GetUserByID(ctx context.Context, id string) (*User, error) {
	u, err := scanUser(func(dest ...any) error {
		return s.db.QueryRow(ctx, `SELECT `+userColumns+` FROM users WHERE id = $1`, id).Scan(dest...)
	})
	if err != nil {
		return nil, fmt.Errorf("getting user by id: %w", mapErr(err))
	}
	return u, nil
}

// GetUserByEmail retrieves a user by normalized email address.
func (s *Store) GetUserByEmail(ctx context.Context, email string) (*User, error) {
	u, err := scanUser(func(dest ...any) error {
		return s.db.QueryRow(ctx, `SELECT `+userColumns+` FROM users WHERE email = $1`, NormalizeEmail(email)).Scan(dest...)
	})
	if err != nil {
		return nil, fmt.Errorf("getting user by email: %w", mapErr(err))
	}
	return u, nil
}

// CreateUser inserts a user. The id is generated when empty.
func (s *Store) CreateUser(ctx context.Context, in User) (*User, error) {
	if in.ID == "" {
		in.ID = uuid.NewString()
	}
	u, err := scanUser(func(dest ...any) error {
		return s.db.QueryRow(ctx,
			`INSERT INTO users (id, email, name, email_verified, password_hash)
			 VALUES ($1, $2, $3, $4, $5)
			 RETURNING `+userColumns,
			in.ID, NormalizeEmail(in.Email), in.Name, in.EmailVerified, in.PasswordHash,
		).Scan(dest...)
	})
	if err != nil {
		return nil, fmt.Errorf("creating user: %w", mapErr(err))
	}
	return u, nil
}

// VerifyUser promotes a placeholder user in place.
func (s *Store) VerifyUser(ctx context.Context, id, name, passwordHash string) (*User, error) {
	u, err := scanUser(func(dest ...any) error {
		return s.db.QueryRow(ctx,
			`UPDATE users SET name = $2, password_hash = $3, email_verified = true
			 WHERE id = $1 AND email_verified = false
			 RETURNING `+userColumns,
			id, name, passwordHash,
		).Scan(dest...)
	})
	if err != nil {
		return nil, fmt.Errorf("verifying user: %w", mapErr(err))
	}
	return u, nil
}

// --- organizations and projects ---

// GetOrganization retrieves an organization by id.
func (s *Store) GetOrganization(ctx context.Context, id string) (*Organization, error) {
	o := &Organization{}
	err := s.db.QueryRow(ctx, `SELECT id, name, created_at FROM organizations WHERE id = $1`, id).
		Scan(&o.ID, &o.Name, &o.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("getting organization: %w", mapErr(err))
	}
	return o, nil
}

// CreateOrganization inserts an organization.
func (s *Store) CreateOrganization(ctx context.Context, name string) (*Organization, error) {
	o := &Organization{}
	err := s.db.QueryRow(ctx,
		`INSERT INTO organizations (id, name) VALUES ($1, $2) RETURNING id, name, created_at`,
		uuid.NewString(), name,
	).Scan(&o.ID, &o.Name, &o.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("creating organization: %w", mapErr(err))
	}
	return o, nil
}

// CreateProject inserts a project into an organization.
func (s *Store) CreateProject(ctx context.Context, organizationID, name string) (*Project, error) {
	p := &Project{}
	err := s.db.QueryRow(ctx,
		`INSERT INTO projects (id, organization_id, name) VALUES ($1, $2, $3)
		 RETURNING id, organization_id, name, created_at`,
		uuid.NewString(), organizationID, name,
	).Scan(&p.ID, &p.OrganizationID, &p.Name, &p.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("creating project: %w", mapErr(err))
	}
	return p, nil
}

// ProjectIDsInOrganization filters projectIDs down to those owned by the
// organization.
func (s *Store) ProjectIDsInOrganization(ctx context.Context, organizationID string, projectIDs []string) ([]string, error) {
	if len(projectIDs) == 0 {
		return nil, nil
	}
	rows, err := s.db.Query(ctx,
		`SELECT id FROM projects
		 WHERE organization_id = $1 AND id = ANY($2::text[]::uuid[])`,
		organizationID, projectIDs,
	)
	if err != nil {
		return nil, fmt.Errorf("filtering organization projects: %w", mapErr(err))
	}
	ids, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return nil, fmt.Errorf("scanning project ids: %w", mapErr(err))
	}
	return ids, nil
}

// --- memberships ---

// GetMembership retrieves the org membership for a user.
func (s *Store) GetMembership(ctx context.Context, organizationID, userID string) (*Membership, error) {
	m := &Membership{}
	err := s.db.QueryRow(ctx,
		`SELECT organization_id, user_id, role, created_at FROM memberships
		 WHERE organization_id = $1 AND user_id = $2`,
		organizationID, userID,
	).Scan(&m.OrganizationID, &m.UserID, &m.Role, &m.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("getting membership: %w", mapErr(err))
	}
	return m, nil
}

// InsertMembership inserts an org membership. Returns ErrConflict if one
// already exists.
func (s *Store) InsertMembership(ctx context.Context, m Membership) error {
	_, err := s.db.Exec(ctx,
		`INSERT INTO memberships (organization_id, user_id, role) VALUES ($1, $2, $3)`,
		m.OrganizationID, m.UserID, string(m.Role),
	)
	if err != nil {
		return fmt.Errorf("inserting membership: %w", mapErr(err))
	}
	return nil
}

// DeleteMembership removes an org membership.
func (s *Store) DeleteMembership(ctx context.Context, organizationID, userID string) (int64, error) {
	tag, err := s.db.Exec(ctx,
		`DELETE FROM memberships WHERE organization_id = $1 AND user_id = $2`,
		organizationID, userID,
	)
	if err != nil {
		return 0, fmt.Errorf("deleting membership: %w", mapErr(err))
	}
	return tag.RowsAffected(), nil
}

// --- project access and grants ---

// GetProjectAccess joins the project with the user's org membership and
// explicit project membership.
func (s *Store) GetProjectAccess(ctx context.Context, projectID, userID string) (*ProjectAccess, error) {
	pa, err := scanProjectAccess(func(dest ...any) error {
		return s.db.QueryRow(ctx,
			`SELECT `+projectAccessColumns+`
			 FROM projects p
			 LEFT JOIN memberships m ON m.organization_id = p.organization_id AND m.user_id = $2
			 LEFT JOIN project_memberships pm ON pm.project_id = p.id AND pm.user_id = $2
			 WHERE p.id = $1`,
			projectID, userID,
		).Scan(dest...)
	})
	if err != nil {
		return nil, fmt.Errorf("getting project access: %w", mapErr(err))
	}
	return pa, nil
}

// ListAccessibleProjects returns projects reachable through an org admin role
// or an explicit grant.
func (s *Store) ListAccessibleProjects(ctx context.Context, userID string) ([]ProjectAccess, error) {
	rows, err := s.db.Query(ctx,
		`SELECT `+projectAccessColumns+`
		 FROM projects p
		 LEFT JOIN memberships m ON m.organization_id = p.organization_id AND m.user_id = $1
		 LEFT JOIN project_memberships pm ON pm.project_id = p.id AND pm.user_id = $1
		 WHERE m.role IN ('owner', 'admin') OR pm.user_id IS NOT NULL
		 ORDER BY p.organization_id, p.name, p.id`,
		userID,
	)
	if err != nil {
		return nil, fmt.Errorf("listing accessible projects: %w", mapErr(err))
	}
	defer rows.Close()

	var out []ProjectAccess
	for rows.Next() {
		pa, err := scanProjectAccess(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("scanning project row: %w", err)
		}
		out = append(out, *pa)
	}
	return out, rows.Err()
}

// ListProjectMembers returns explicit grants on a project with user identity.
func (s *Store) ListProjectMembers(ctx context.Context, projectID string) ([]ProjectMember, error) {
	rows, err := s.db.Query(ctx,
		`SELECT u.id, u.email, u.name, u.email_verified, pm.role, pm.created_at
		 FROM project_memberships pm
		 JOIN users u ON u.id = pm.user_id
		 WHERE pm.project_id = $1
		 ORDER BY u.email`,
		projectID,
	)
	if err != nil {
		return nil, fmt.Errorf("listing project members: %w", mapErr(err))
	}
	defer rows.Close()

	var out []ProjectMember
	for rows.Next() {
		var pm ProjectMember
		if err := rows.Scan(&pm.UserID, &pm.Email, &pm.Name, &pm.EmailVerified, &pm.Role, &pm.CreatedAt); err != nil {
			return nil, fmt.Errorf("scanning project member row: %w", err)
		}
		out = append(out, pm)
	}
	return out, rows.Err()
}

// GetProjectMembership retrieves an explicit project grant.
func (s *Store) GetProjectMembership(ctx context.Context, projectID, userID string) (*ProjectMembership, error) {
	pm := &ProjectMembership{}
	err := s.db.QueryRow(ctx,
		`SELECT project_id, user_id, role, created_at FROM project_memberships
		 WHERE project_id = $1 AND user_id = $2`,
		projectID, userID,
	).Scan(&pm.ProjectID, &pm.UserID, &pm.Role, &pm.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("getting project membership: %w", mapErr(err))
	}
	return pm, nil
}

// InsertProjectMembership inserts an explicit grant. Returns ErrConflict if
// one already exists.
func (s *Store) InsertProjectMembership(ctx context.Context, pm ProjectMembership) error {
	_, err := s.db.Exec(ctx,
		`INSERT INTO project_memberships (project_id, user_id, role) VALUES ($1, $2, $3)`,
		pm.ProjectID, pm.UserID, string(pm.Role),
	)
	if err != nil {
		return fmt.Errorf("inserting project membership: %w", mapErr(err))
	}
	return nil
}

// UpdateProjectMembershipRole changes the role of an explicit grant.
func (s *Store) UpdateProjectMembershipRole(ctx context.Context, projectID, userID string, r role.ProjectRole) (bool, error) {
	tag, err := s.db.Exec(ctx,
		`UPDATE project_memberships SET role = $3 WHERE project_id = $1 AND user_id = $2`,
		projectID, userID, string(r),
	)
	if err != nil {
		return false, fmt.Errorf("updating project membership: %w", mapErr(err))
	}
	return tag.RowsAffected() > 0, nil
}

// DeleteProjectMembership removes one explicit grant.
func (s *Store) DeleteProjectMembership(ctx context.Context, projectID, userID string) (bool, error) {
	tag, err := s.db.Exec(ctx,
		`DELETE FROM project_memberships WHERE project_id = $1 AND user_id = $2`,
		projectID, userID,
	)
	if err != nil {
		return false, fmt.Errorf("deleting project membership: %w", mapErr(err))
	}
	return tag.RowsAffected() > 0, nil
}

// DeleteProjectMemberships removes the user's grants on the listed projects.
func (s *Store) DeleteProjectMemberships(ctx context.Context, userID string, projectIDs []string) (int64, error) {
	if len(projectIDs) == 0 {
		return 0, nil
	}
	tag, err := s.db.Exec(ctx,
		`DELETE FROM project_memberships
		 WHERE user_id = $1 AND project_id = ANY($2::text[]::uuid[])`,
		userID, projectIDs,
	)
	if err != nil {
		return 0, fmt.Errorf("deleting project memberships: %w", mapErr(err))
	}
	return tag.RowsAffected(), nil
}

// DeleteOrganizationProjectMemberships removes the user's grants on every
// project of the organization.
func (s *Store) DeleteOrganizationProjectMemberships(ctx context.Context, organizationID, userID string) (int64, error) {
	tag, err := s.db.Exec(ctx,
		`DELETE FROM project_memberships
		 WHERE user_id = $1
		   AND project_id IN (SELECT id FROM projects WHERE organization_id = $2)`,
		userID, organizationID,
	)
	if err != nil {
		return 0, fmt.Errorf("deleting organization project memberships: %w", mapErr(err))
	}
	return tag.RowsAffected(), nil
}

// --- invitations ---

// CreateInvitation inserts an invitation. The partial unique index on
// (email, organization_id) WHERE status = 'pending' surfaces as ErrConflict.
func (s *Store) CreateInvitation(ctx context.Context, in Invitation) (*Invitation, error) {
	if in.ID == "" {
		in.ID = uuid.NewString()
	}
	if in.CreatedAt.IsZero() {
		in.CreatedAt = time.Now()
	}
	inv, err := scanInvitation(func(dest ...any) error {
		return s.db.QueryRow(ctx,
			`INSERT INTO invitations (id, email, organization_id, inviter_id, role, status, expires_at, created_at)
			 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
			 RETURNING `+invitationColumns,
			in.ID, NormalizeEmail(in.Email), in.OrganizationID, in.InviterID,
			string(in.Role), string(in.Status), in.ExpiresAt, in.CreatedAt,
		).Scan(dest...)
	})
	if err != nil {
		return nil, fmt.Errorf("creating invitation: %w", mapErr(err))
	}
	return inv, nil
}

// GetInvitation retrieves an invitation in any status.
func (s *Store) GetInvitation(ctx context.Context, id string) (*Invitation, error) {
	inv, err := scanInvitation(func(dest ...any) error {
		return s.db.QueryRow(ctx, `SELECT `+invitationColumns+` FROM invitations WHERE id = $1`, id).Scan(dest...)
	})
	if err != nil {
		return nil, fmt.Errorf("getting invitation: %w", mapErr(err))
	}
	return inv, nil
}

// GetPendingInvitation retrieves an invitation only while it is pending.
func (s *Store) GetPendingInvitation(ctx context.Context, id string) (*Invitation, error) {
	inv, err := scanInvitation(func(dest ...any) error {
		return s.db.QueryRow(ctx,
			`SELECT `+invitationColumns+` FROM invitations WHERE id = $1 AND status = 'pending'`, id,
		).Scan(dest...)
	})
	if err != nil {
		return nil, fmt.Errorf("getting pending invitation: %w", mapErr(err))
	}
	return inv, nil
}

// GetPendingInvitationDetails joins a pending invitation with its
// organization and inviter.
func (s *Store) GetPendingInvitationDetails(ctx context.Context, id string) (*InvitationDetails, error) {
	d := &InvitationDetails{}
	var inviterID, inviterName, inviterEmail *string
	err := s.db.QueryRow(ctx,
		`SELECT i.id, i.email, i.organization_id, i.inviter_id, i.role, i.status, i.expires_at, i.created_at,
		        o.name, u.name, u.email
		 FROM invitations i
		 JOIN organizations o ON o.id = i.organization_id
		 LEFT JOIN users u ON u.id = i.inviter_id
		 WHERE i.id = $1 AND i.status = 'pending'`,
		id,
	).Scan(&d.ID, &d.Email, &d.OrganizationID, &inviterID, &d.Role, &d.Status, &d.ExpiresAt, &d.CreatedAt,
		&d.OrganizationName, &inviterName, &inviterEmail)
	if err != nil {
		return nil, fmt.Errorf("getting invitation details: %w", mapErr(err))
	}
	d.InviterID = stringOrEmpty(inviterID)
	d.InviterName = stringOrEmpty(inviterName)
	d.InviterEmail = stringOrEmpty(inviterEmail)
	return d, nil
}

// HasPendingInvitation reports whether a pending invitation exists for the
// email in the organization.
func (s *Store) HasPendingInvitation(ctx context.Context, email, organizationID string) (bool, error) {
	var exists bool
	err := s.db.QueryRow(ctx,
		`SELECT EXISTS (
		   SELECT 1 FROM invitations
		   WHERE email = $1 AND organization_id = $2 AND status = 'pending'
		 )`,
		NormalizeEmail(email), organizationID,
	).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("checking pending invitation: %w", mapErr(err))
	}
	return exists, nil
}

// UpdateInvitationStatus performs a conditional status transition.
func (s *Store) UpdateInvitationStatus(ctx context.Context, id string, from []InvitationStatus, to InvitationStatus) (bool, error) {
	fromText := make([]string, len(from))
	for i, st := range from {
		fromText[i] = string(st)
	}
	tag, err := s.db.Exec(ctx,
		`UPDATE invitations SET status = $2 WHERE id = $1 AND status = ANY($3::text[])`,
		id, string(to), fromText,
	)
	if err != nil {
		return false, fmt.Errorf("updating invitation status: %w", mapErr(err))
	}
	return tag.RowsAffected() > 0, nil
}

// DeleteInvitation hard-deletes an invitation row.
func (s *Store) DeleteInvitation(ctx context.Context, id string) (bool, error) {
	tag, err := s.db.Exec(ctx, `DELETE FROM invitations WHERE id = $1`, id)
	if err != nil {
		return false, fmt.Errorf("deleting invitation: %w", mapErr(err))
	}
	return tag.RowsAffected() > 0, nil
}

func (s *Store) listInvitations(ctx context.Context, query string, args ...any) ([]Invitation, error) {
	rows, err := s.db.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("listing invitations: %w", mapErr(err))
	}
	defer rows.Close()

	var out []Invitation
	for rows.Next() {
		inv, err := scanInvitation(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("scanning invitation row: %w", err)
		}
		out = append(out, *inv)
	}
	return out, rows.Err()
}

// ListOrganizationInvitations returns the organization's invitations with the
// given status, newest first.
func (s *Store) ListOrganizationInvitations(ctx context.Context, organizationID string, status InvitationStatus) ([]Invitation, error) {
	return s.listInvitations(ctx,
		`SELECT `+invitationColumns+` FROM invitations
		 WHERE organization_id = $1 AND status = $2
		 ORDER BY created_at DESC, id DESC`,
		organizationID, string(status),
	)
}

// ListPendingInvitationsByEmail returns live pending invitations for an email.
func (s *Store) ListPendingInvitationsByEmail(ctx context.Context, email string, now time.Time) ([]Invitation, error) {
	return s.listInvitations(ctx,
		`SELECT `+invitationColumns+` FROM invitations
		 WHERE email = $1 AND status = 'pending' AND expires_at >= $2
		 ORDER BY created_at DESC, id DESC`,
		NormalizeEmail(email), now,
	)
}

// --- sessions ---

// CreateSession stores a session by token hash.
func (s *Store) CreateSession(ctx context.Context, sess Session) error {
	_, err := s.db.Exec(ctx,
		`INSERT INTO sessions (token_hash, user_id, created_at, expires_at) VALUES ($1, $2, $3, $4)`,
		sess.TokenHash, sess.UserID, sess.CreatedAt, sess.ExpiresAt,
	)
	if err != nil {
		return fmt.Errorf("creating session: %w", mapErr(err))
	}
	return nil
}

// GetSessionUser returns the verified user owning an unexpired session.
func (s *Store) GetSessionUser(ctx context.Context, tokenHash string, now time.Time) (*User, error) {
	u, err := scanUser(func(dest ...any) error {
		return s.db.QueryRow(ctx,
			`SELECT u.id, u.email, u.name, u.email_verified, u.password_hash, u.created_at
			 FROM sessions s JOIN users u ON s.user_id = u.id
			 WHERE s.token_hash = $1 AND s.expires_at > $2 AND u.email_verified`,
			tokenHash, now,
		).Scan(dest...)
	})
	if err != nil {
		return nil, fmt.Errorf("getting session user: %w", mapErr(err))
	}
	return u, nil
}

// Stat exposes pool statistics for the metrics collector.
func (s *Store) Stat() (total, idle, acquired int32) {
	if s.pool == nil {
		return 0, 0, 0
	}
	st := s.pool.Stat()
	return st.TotalConns(), st.IdleConns(), st.AcquiredConns()
}
