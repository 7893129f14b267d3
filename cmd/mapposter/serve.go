package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/gaboe/map-poster/internal/access"
	"github.com/gaboe/map-poster/internal/api"
	"github.com/gaboe/map-poster/internal/config"
	"github.com/gaboe/map-poster/internal/invitation"
	"github.com/gaboe/map-poster/internal/metrics"
	"github.com/gaboe/map-poster/internal/ratelimit"
	"github.com/gaboe/map-poster/internal/store"
	"github.com/gaboe/map-poster/internal/user"
	"github.com/spf13/cobra"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the HTTP API server",
	RunE:  runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return err
	}
	setupLogging(cfg)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	pool, err := openPool(ctx, cfg.Database)
	if err != nil {
		return err
	}
	defer pool.Close()
	slog.Info("connected to database", "max_conns", pool.Config().MaxConns)

	st := store.NewStore(pool)
	m := metrics.New()
	m.RegisterDBPoolCollector(st.Stat)

	resolver := access.NewResolver(st, m)
	router := api.NewRouter(api.RouterDeps{
		Sessions:    user.NewAuthAdapter(st),
		Invitations: invitation.NewService(st, resolver, m),
		Bulk: invitation.NewOrchestrator(st, resolver, m, invitation.Options{
			TTL:         cfg.Invitations.TTL,
			MaxEmails:   cfg.Invitations.MaxBulkEmails,
			Concurrency: cfg.Invitations.BulkConcurrency,
		}),
		Projects:       access.NewProjects(st, resolver),
		Limiter:        ratelimit.New(cfg.RateLimit.Default, cfg.RateLimit.Window),
		Metrics:        m,
		DB:             pool,
		AllowedOrigins: cfg.CORS.AllowedOrigins,
	})

	srv := &http.Server{
		Addr:         cfg.Addr(),
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("server starting", "addr", cfg.Addr())
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}
	slog.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}
