package main

import (
	"context"
	"fmt"

	"github.com/gaboe/map-poster/internal/config"
	"github.com/gaboe/map-poster/internal/store"
	"github.com/gaboe/map-poster/internal/user"
	"github.com/spf13/cobra"
)

var userCmd = &cobra.Command{
	Use:   "user",
	Short: "Manage user accounts",
}

var (
	promoteEmail    string
	promoteName     string
	promotePassword string
)

var userPromoteCmd = &cobra.Command{
	Use:   "promote",
	Short: "Turn an invited placeholder into a verified account",
	Long:  "promote verifies the placeholder created when an email was invited, keeping its id and every membership granted to it. If the email is unknown a new verified account is created.",
	RunE:  runUserPromote,
}

func init() {
	userPromoteCmd.Flags().StringVar(&promoteEmail, "email", "", "email address of the account")
	userPromoteCmd.Flags().StringVar(&promoteName, "name", "", "display name")
	userPromoteCmd.Flags().StringVar(&promotePassword, "password", "", "initial password")
	_ = userPromoteCmd.MarkFlagRequired("email")
	_ = userPromoteCmd.MarkFlagRequired("name")
	_ = userPromoteCmd.MarkFlagRequired("password")

	userCmd.AddCommand(userPromoteCmd)
	rootCmd.AddCommand(userCmd)
}

func runUserPromote(cmd *cobra.Command, args []string) error {
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

	u, err := user.NewService(store.NewStore(pool)).Promote(ctx, promoteEmail, promoteName, promotePassword)
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "verified %s (%s)\n", u.Email, u.ID)
	return nil
}
