package invitation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/gaboe/map-poster/internal/access"
	"github.com/gaboe/map-poster/internal/apperr"
	"github.com/gaboe/map-poster/internal/auth"
	"github.com/gaboe/map-poster/internal/role"
	"github.com/gaboe/map-poster/internal/store"
	"golang.org/x/sync/errgroup"
)

// Per-email failure messages.
const (
	MsgAlreadyMember    = "user is already a member of this organization"
	MsgInvitationExists = "an invitation already exists for this email"
	MsgInvalidEmail     = "invalid email address"
	MsgInternal         = "internal error"
)

// Outcome labels for the created-invitations counter.
const (
	OutcomeCreated          = "created"
	OutcomeAlreadyMember    = "already_member"
	OutcomeInvitationExists = "invitation_exists"
	OutcomeInvalidEmail     = "invalid_email"
	OutcomeError            = "error"
)

var (
	errAlreadyMember    = errors.New(MsgAlreadyMember)
	errInvitationExists = errors.New(MsgInvitationExists)
)

// Assignment pre-grants a project role to every invitee.
type Assignment struct {
	ProjectID string           `json:"project_id"`
	Role      role.ProjectRole `json:"role"`
}

// BulkInput is one bulk invitation request.
type BulkInput struct {
	Emails             []string
	OrganizationID     string
	OrganizationRole   role.OrgRole
	ProjectAssignments []Assignment
}

// EmailResult is the outcome for one input email.
type EmailResult struct {
	Email        string `json:"email"`
	Success      bool   `json:"success"`
	InvitationID string `json:"invitation_id,omitempty"`
	UserID       string `json:"user_id,omitempty"`
	Error        string `json:"error,omitempty"`
}

// BulkResult holds one EmailResult per input email, in input order.
type BulkResult struct {
	Results          []EmailResult `json:"results"`
	OrganizationName string        `json:"organization_name"`
}

// Options tunes bulk creation.
type Options struct {
	TTL         time.Duration // invitation lifetime
	MaxEmails   int
	Concurrency int // emails processed in parallel
}

func (o Options) withDefaults() Options {
	if o.TTL <= 0 {
		o.TTL = 365 * 24 * time.Hour
	}
	if o.MaxEmails <= 0 {
		o.MaxEmails = 100
	}
	if o.Concurrency <= 0 {
		o.Concurrency = 1
	}
	return o
}

// Orchestrator creates invitations for many emails at once. Each email is
// its own transaction; a failure for one email never affects another.
type Orchestrator struct {
	store    store.MembershipStore
	resolver *access.Resolver
	recorder Recorder
	opts     Options
	logger   *slog.Logger
	now      func() time.Time
}

// NewOrchestrator creates a bulk invitation orchestrator. rec may be nil.
func NewOrchestrator(s store.MembershipStore, resolver *access.Resolver, rec Recorder, opts Options) *Orchestrator {
	if rec == nil {
		rec = nopRecorder{}
	}
	return &Orchestrator{
		store:    s,
		resolver: resolver,
		recorder: rec,
		opts:     opts.withDefaults(),
		logger:   slog.Default(),
		now:      time.Now,
	}
}

// plan is a validated bulk request.
type plan struct {
	inviterID   string
	org         *store.Organization
	orgRole     role.OrgRole
	assignments []Assignment
	projectIDs  []string
	expiresAt   time.Time
	now         time.Time
}

// CreateBulk invites every email into the organization. Call-level problems
// (bad input, unknown organization, insufficient rights) fail the whole call;
// everything else is reported per email.
func (o *Orchestrator) CreateBulk(ctx context.Context, inviter *auth.User, in BulkInput) (*BulkResult, error) {
	p, err := o.prepare(ctx, inviter, in)
	if err != nil {
		return nil, err
	}

	// Occurrences of the same address share a worker and run in input order,
	// so a repeated email deterministically fails on the invitation the first
	// occurrence created.
	var order []string
	groups := make(map[string][]int)
	for i, raw := range in.Emails {
		key := store.NormalizeEmail(raw)
		if _, seen := groups[key]; !seen {
			order = append(order, key)
		}
		groups[key] = append(groups[key], i)
	}

	results := make([]EmailResult, len(in.Emails))
	var g errgroup.Group
	g.SetLimit(o.opts.Concurrency)
	for _, key := range order {
		indexes := groups[key]
		g.Go(func() error {
			for _, i := range indexes {
				results[i] = o.inviteOne(ctx, p, in.Emails[i])
			}
			return nil
		})
	}
	_ = g.Wait()

	return &BulkResult{Results: results, OrganizationName: p.org.Name}, nil
}

func (o *Orchestrator) prepare(ctx context.Context, inviter *auth.User, in BulkInput) (*plan, error) {
	if len(in.Emails) == 0 {
		return nil, apperr.Validation("at least one email is required")
	}
	if len(in.Emails) > o.opts.MaxEmails {
		return nil, apperr.Validation(fmt.Sprintf("at most %d emails can be invited at once", o.opts.MaxEmails))
	}

	orgRole := in.OrganizationRole
	if orgRole == "" {
		orgRole = role.Member
	}
	if !orgRole.Valid() {
		return nil, apperr.Validation(role.ErrInvalidOrgRole.Error())
	}

	assignments := make([]Assignment, 0, len(in.ProjectAssignments))
	projectIDs := make([]string, 0, len(in.ProjectAssignments))
	seen := make(map[string]bool)
	for _, a := range in.ProjectAssignments {
		if a.Role == role.NoAccess {
			a.Role = role.Viewer
		}
		if !a.Role.Valid() {
			return nil, apperr.Validation(role.ErrInvalidProjectRole.Error())
		}
		if seen[a.ProjectID] {
			return nil, apperr.Validation("each project can be assigned only once")
		}
		seen[a.ProjectID] = true
		assignments = append(assignments, a)
		projectIDs = append(projectIDs, a.ProjectID)
	}

	if !validID(in.OrganizationID) {
		return nil, apperr.BadRequest("organization not found")
	}
	org, err := o.store.GetOrganization(ctx, in.OrganizationID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, apperr.BadRequest("organization not found")
	}
	if err != nil {
		return nil, apperr.Internal("loading organization", err)
	}

	m, err := o.resolver.RequireOrgAdmin(ctx, inviter, org.ID)
	if err != nil {
		return nil, err
	}
	if !m.Role.CanGrant(orgRole) {
		return nil, apperr.Forbidden("you cannot grant a role higher than your own")
	}

	if len(assignments) > 0 {
		if role.IsOrgAdmin(orgRole) {
			return nil, apperr.BadRequest("project assignments are not allowed for organization admins and owners; they have access to every project")
		}
		for _, id := range projectIDs {
			if !validID(id) {
				return nil, apperr.BadRequest("project does not belong to this organization")
			}
		}
		owned, err := o.store.ProjectIDsInOrganization(ctx, org.ID, projectIDs)
		if err != nil {
			return nil, apperr.Internal("checking project ownership", err)
		}
		if len(owned) != len(projectIDs) {
			return nil, apperr.BadRequest("project does not belong to this organization")
		}
	}

	now := o.now()
	return &plan{
		inviterID:   inviter.ID,
		org:         org,
		orgRole:     orgRole,
		assignments: assignments,
		projectIDs:  projectIDs,
		expiresAt:   now.Add(o.opts.TTL),
		now:         now,
	}, nil
}

// inviteOne runs the per-email unit in its own transaction.
func (o *Orchestrator) inviteOne(ctx context.Context, p *plan, raw string) EmailResult {
	email := store.NormalizeEmail(raw)
	res := EmailResult{Email: email}

	if !store.ValidEmail(email) {
		res.Error = MsgInvalidEmail
		o.recorder.RecordInvitationCreated(OutcomeInvalidEmail)
		return res
	}

	err := o.store.WithTx(ctx, func(tx store.MembershipStore) error {
		// Checked before membership: a pending invitation's membership already
		// exists, and the caller should learn the invitation is outstanding.
		// Re-inviting a pending invitee therefore reports "invitation already
		// exists" rather than "already a member".
		has, err := tx.HasPendingInvitation(ctx, email, p.org.ID)
		if err != nil {
			return err
		}
		if has {
			return errInvitationExists
		}

		userID, err := o.resolveInvitee(ctx, tx, p.org.ID, email)
		if err != nil {
			return err
		}

		err = tx.InsertMembership(ctx, store.Membership{
			OrganizationID: p.org.ID,
			UserID:         userID,
			Role:           p.orgRole,
		})
		if errors.Is(err, store.ErrConflict) {
			return errAlreadyMember
		}
		if err != nil {
			return err
		}

		if len(p.assignments) > 0 {
			// Rows left over from an earlier membership would collide.
			if _, err := tx.DeleteProjectMemberships(ctx, userID, p.projectIDs); err != nil {
				return err
			}
			for _, a := range p.assignments {
				err := tx.InsertProjectMembership(ctx, store.ProjectMembership{
					ProjectID: a.ProjectID,
					UserID:    userID,
					Role:      a.Role,
				})
				if err != nil {
					return err
				}
			}
		}

		inv, err := tx.CreateInvitation(ctx, store.Invitation{
			Email:          email,
			OrganizationID: p.org.ID,
			InviterID:      p.inviterID,
			Role:           p.orgRole,
			Status:         store.InvitationPending,
			ExpiresAt:      p.expiresAt,
			CreatedAt:      p.now,
		})
		if errors.Is(err, store.ErrConflict) {
			return errInvitationExists
		}
		if err != nil {
			return err
		}

		res.InvitationID = inv.ID
		res.UserID = userID
		return nil
	})

	switch {
	case err == nil:
		res.Success = true
		o.recorder.RecordInvitationCreated(OutcomeCreated)
		o.logger.InfoContext(ctx, "invitation created",
			"invitation_id", res.InvitationID,
			"organization_id", p.org.ID,
			"inviter_id", p.inviterID,
			"user_id", res.UserID,
			"role", string(p.orgRole),
		)
	case errors.Is(err, errAlreadyMember):
		res.Error = MsgAlreadyMember
		o.recorder.RecordInvitationCreated(OutcomeAlreadyMember)
	case errors.Is(err, errInvitationExists):
		res.Error = MsgInvitationExists
		o.recorder.RecordInvitationCreated(OutcomeInvitationExists)
	default:
		o.logger.ErrorContext(ctx, "bulk invitation failed",
			"organization_id", p.org.ID,
			"email", email,
			"error", err,
		)
		res.Error = MsgInternal
		o.recorder.RecordInvitationCreated(OutcomeError)
	}
	if !res.Success {
		res.InvitationID = ""
		res.UserID = ""
	}
	return res
}

// resolveInvitee returns the id of the user behind email, creating a
// placeholder when nobody has that address yet.
func (o *Orchestrator) resolveInvitee(ctx context.Context, tx store.MembershipStore, organizationID, email string) (string, error) {
	u, err := tx.GetUserByEmail(ctx, email)
	if errors.Is(err, store.ErrNotFound) {
		placeholder, err := tx.CreateUser(ctx, store.User{
			Email:         email,
			Name:          email,
			EmailVerified: false,
		})
		// A concurrent invite committed a placeholder for this address after
		// our lookup; its pending invitation is the outstanding one.
		if errors.Is(err, store.ErrConflict) {
			return "", errInvitationExists
		}
		if err != nil {
			return "", fmt.Errorf("creating placeholder user: %w", err)
		}
		return placeholder.ID, nil
	}
	if err != nil {
		return "", err
	}

	_, err = tx.GetMembership(ctx, organizationID, u.ID)
	if err == nil {
		return "", errAlreadyMember
	}
	if !errors.Is(err, store.ErrNotFound) {
		return "", err
	}
	return u.ID, nil
}
