package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/gaboe/map-poster/internal/access"
	"github.com/gaboe/map-poster/internal/auth"
	"github.com/gaboe/map-poster/internal/config"
	"github.com/gaboe/map-poster/internal/invitation"
	"github.com/gaboe/map-poster/internal/role"
	"github.com/gaboe/map-poster/internal/store"
	"github.com/gaboe/map-poster/internal/user"
	"github.com/spf13/cobra"
)

var seedCmd = &cobra.Command{
	Use:   "seed",
	Short: "Seed a demo owner, organization and projects",
	RunE:  runSeed,
}

var seedPassword string

func init() {
	seedCmd.Flags().StringVar(&seedPassword, "password", "mapposter-demo", "password for the demo owner")
	rootCmd.AddCommand(seedCmd)
}

const (
	demoOwnerEmail = "owner@mapposter.local"
	demoInvitee    = "teammate@mapposter.local"
	demoOrgName    = "Demo Maps"
)

var demoProjects = []string{"City Center Poster", "Coastline Poster"}

func runSeed(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return err
	}
	setupLogging(cfg)

	ctx := context.Background()
	pool, err := openPool(ctx, cfg.Database)
	if err != nil {
		return err
	}
	defer pool.Close()
	st := store.NewStore(pool)

	existing, err := st.GetUserByEmail(ctx, demoOwnerEmail)
	switch {
	case err == nil && !existing.IsPlaceholder():
		slog.Info("demo data already exists, skipping seed", "owner_id", existing.ID)
		return nil
	case err != nil && !errors.Is(err, store.ErrNotFound):
		return fmt.Errorf("checking existing owner: %w", err)
	}

	var (
		owner    *store.User
		org      *store.Organization
		projects []*store.Project
	)
	err = st.WithTx(ctx, func(tx store.MembershipStore) error {
		var err error
		owner, err = user.NewService(tx).Promote(ctx, demoOwnerEmail, "Demo Owner", seedPassword)
		if err != nil {
			return fmt.Errorf("creating owner: %w", err)
		}
		org, err = tx.CreateOrganization(ctx, demoOrgName)
		if err != nil {
			return fmt.Errorf("creating organization: %w", err)
		}
		err = tx.InsertMembership(ctx, store.Membership{OrganizationID: org.ID, UserID: owner.ID, Role: role.Owner})
		if err != nil {
			return fmt.Errorf("granting ownership: %w", err)
		}
		for _, name := range demoProjects {
			p, err := tx.CreateProject(ctx, org.ID, name)
			if err != nil {
				return fmt.Errorf("creating project %q: %w", name, err)
			}
			projects = append(projects, p)
		}
		return nil
	})
	if err != nil {
		return err
	}
	slog.Info("created demo organization", "organization_id", org.ID, "owner_id", owner.ID)

	resolver := access.NewResolver(st, nil)
	res, err := invitation.NewOrchestrator(st, resolver, nil, invitation.Options{TTL: cfg.Invitations.TTL}).
		CreateBulk(ctx, &auth.User{ID: owner.ID, Email: owner.Email, Name: owner.Name}, invitation.BulkInput{
			Emails:             []string{demoInvitee},
			OrganizationID:     org.ID,
			ProjectAssignments: []invitation.Assignment{{ProjectID: projects[0].ID, Role: role.Editor}},
		})
	if err != nil {
		return fmt.Errorf("inviting demo teammate: %w", err)
	}

	token, _, err := user.NewService(st).CreateSession(ctx, owner.ID)
	if err != nil {
		return fmt.Errorf("creating session: %w", err)
	}

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "\n=== Demo Data Seeded ===\n")
	fmt.Fprintf(out, "Owner:        %s (%s)\n", owner.Email, owner.ID)
	fmt.Fprintf(out, "Organization: %s (%s)\n", org.Name, org.ID)
	for _, p := range projects {
		fmt.Fprintf(out, "Project:      %s (%s)\n", p.Name, p.ID)
	}
	if r := res.Results[0]; r.Success {
		fmt.Fprintf(out, "Invitation:   %s -> %s\n", r.Email, r.InvitationID)
	}
	fmt.Fprintf(out, "Session:      %s\n", token)
	fmt.Fprintf(out, "\nTry it:\n")
	fmt.Fprintf(out, "  curl -H 'Authorization: Bearer %s' http://%s/api/v1/projects\n", token, cfg.Addr())
	return nil
}
