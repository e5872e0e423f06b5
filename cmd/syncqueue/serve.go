package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/ereezyy/synai-sync/internal/auth"
	"github.com/ereezyy/synai-sync/internal/httpapi"
	"github.com/ereezyy/synai-sync/internal/observe"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

var serveCmd = &cobra.Command{
	Use:     "serve",
	GroupID: "run",
	Short:   "Run the scheduler and the local admin API",
	Long: `Run the sync queue as a long-lived process.

On start, operations left IN_FLIGHT by a previous run are returned to PENDING.
Passes are then triggered periodically, when connectivity comes back and on
explicit flushes through the admin API.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runServe(cmd.Context())
	},
}

func init() {
	rootCmd.AddCommand(serveCmd)
}

func runServe(ctx context.Context) error {
	log.Info().
		Str("version", version).
		Str("store", redactDSN(cfg.Store.DSN)).
		Str("backend", cfg.Backend.BaseURL).
		Bool("devMode", cfg.DevMode).
		Msg("Starting sync queue")

	if cfg.DevMode {
		log.Warn().Msg("Dev mode is enabled - admin API accepts X-Debug-Sub and backend tokens may be unsigned")
	}

	a, err := newApp(ctx, cfg)
	if err != nil {
		return err
	}
	defer a.Close()

	go a.monitor.Run(ctx)

	if err := a.scheduler.Start(ctx); err != nil {
		return fmt.Errorf("start scheduler: %w", err)
	}

	srv := &httpapi.Server{
		Queue:     a.queue,
		Scheduler: a.scheduler,
		Observer:  observe.New(a.queue),
		Monitor:   a.monitor,
		BatchSize: cfg.Queue.BatchSize,
		RateLimitConfig: httpapi.RateLimitInfo{
			WindowSeconds: 60,
			MaxRequests:   cfg.HTTP.FlushPerMinute,
			Burst:         cfg.HTTP.FlushBurst,
		},
	}

	secret := cfg.HTTP.JWTSecret
	if secret == "" {
		secret = cfg.Backend.JWTSecret
	}
	jwtCfg := auth.JWTCfg{
		HS256Secret: secret,
		Issuer:      cfg.HTTP.JWTIssuer,
		Audience:    cfg.HTTP.JWTAudience,
		DevMode:     cfg.DevMode,
	}

	httpServer := &http.Server{
		Addr:        cfg.HTTP.Addr,
		Handler:     srv.Routes(jwtCfg),
		ReadTimeout: 15 * time.Second,
		// no WriteTimeout: SSE streams stay open
		IdleTimeout: 120 * time.Second,
	}
	httpServer.RegisterOnShutdown(srv.Close)

	errCh := make(chan error, 1)
	go func() {
		log.Info().Str("addr", cfg.HTTP.Addr).Msg("starting HTTP server")
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		log.Info().Msg("shutting down gracefully...")
	case err := <-errCh:
		return fmt.Errorf("HTTP server failed: %w", err)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("HTTP server shutdown error")
	}

	// a.Close stops the scheduler (releasing any unconfirmed claims) and the store
	log.Info().Msg("server stopped")
	return nil
}
