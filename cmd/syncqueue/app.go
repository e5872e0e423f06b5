package main

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/ereezyy/synai-sync/internal/auth"
	"github.com/ereezyy/synai-sync/internal/config"
	"github.com/ereezyy/synai-sync/internal/connectivity"
	"github.com/ereezyy/synai-sync/internal/db"
	"github.com/ereezyy/synai-sync/internal/dispatch"
	"github.com/ereezyy/synai-sync/internal/queue"
	"github.com/ereezyy/synai-sync/internal/retry"
	"github.com/ereezyy/synai-sync/internal/scheduler"
	"github.com/ereezyy/synai-sync/internal/store"
	"github.com/ereezyy/synai-sync/internal/syncop"
	"github.com/ereezyy/synai-sync/internal/transport"
	"github.com/rs/zerolog/log"
)

// storeOpenTimeout bounds how long startup keeps retrying an unavailable store
const storeOpenTimeout = time.Minute

// app wires the queue components for one process
type app struct {
	cfg       *config.Config
	store     store.Store
	queue     *queue.Manager
	monitor   *connectivity.Monitor
	scheduler *scheduler.Scheduler
}

// retryPolicy maps queue settings onto the backoff policy
func retryPolicy(c *config.Config) retry.Policy {
	return retry.Policy{
		BaseDelay:   c.Queue.BaseDelay.Std(),
		MaxDelay:    c.Queue.MaxDelay.Std(),
		MaxJitter:   c.Queue.MaxJitter.Std(),
		MaxAttempts: c.Queue.MaxAttempts,
	}
}

// openStore opens the configured store, retrying transient failures such as
// a PostgreSQL server that is still starting
func openStore(ctx context.Context, c *config.Config) (store.Store, error) {
	opts := store.Options{Pool: db.PoolOptions{MaxConns: c.Store.MaxConns, MinConns: c.Store.MinConns}}

	b := backoff.NewExponentialBackOff()
	b.MaxElapsedTime = storeOpenTimeout

	var s store.Store
	op := func() error {
		var err error
		s, err = store.Open(ctx, c.Store.DSN, opts)
		if errors.Is(err, syncop.ErrValidation) {
			return backoff.Permanent(err)
		}
		return err
	}
	notify := func(err error, wait time.Duration) {
		log.Warn().Err(err).Dur("retryIn", wait).Msg("store unavailable, retrying")
	}
	if err := backoff.RetryNotify(op, backoff.WithContext(b, ctx), notify); err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}
	return s, nil
}

// newQueue opens the store and returns a queue manager over it; enough for
// the administration commands
func newQueue(ctx context.Context, c *config.Config) (*app, error) {
	if err := c.Queue.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}
	s, err := openStore(ctx, c)
	if err != nil {
		return nil, err
	}
	return &app{
		cfg:   c,
		store: s,
		queue: queue.NewManager(s, retryPolicy(c)),
	}, nil
}

// newApp builds the full pipeline: store, queue, backend transport,
// dispatcher, connectivity monitor and scheduler
func newApp(ctx context.Context, c *config.Config) (*app, error) {
	if err := c.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	a, err := newQueue(ctx, c)
	if err != nil {
		return nil, err
	}

	t, err := newTransport(c)
	if err != nil {
		a.Close()
		return nil, err
	}

	probeURL := ""
	if c.Backend.HealthPath != "" {
		probeURL = c.Backend.BaseURL + c.Backend.HealthPath
	}
	a.monitor = connectivity.NewMonitor(connectivity.Options{
		ProbeURL: probeURL,
		Interval: c.Schedule.ProbeInterval.Std(),
		Online:   true,
	})

	d := dispatch.New(a.queue, t, retryPolicy(c))
	a.scheduler = scheduler.New(a.queue, d, a.monitor, scheduler.Options{
		BatchSize:              c.Queue.BatchSize,
		MaxBatchesPerPass:      c.Queue.MaxBatchesPerPass,
		StaleClaimAfter:        c.Queue.StaleClaimAfter.Std(),
		Periodic:               c.Schedule.Periodic,
		RetryAfterStorageFault: c.Schedule.RetryAfterStorageFault.Std(),
		SharedStore:            sharedStore(a.store),
	})
	return a, nil
}

// sharedStore reports whether other processes may claim from the same store
func sharedStore(s store.Store) bool {
	_, ok := s.(*store.PostgresStore)
	return ok
}

// newTransport creates the backend transport. Dev mode sends X-Debug-Sub
// instead of signing tokens.
func newTransport(c *config.Config) (*transport.HTTPTransport, error) {
	opts := transport.HTTPOptions{
		BaseURL:  c.Backend.BaseURL,
		PushPath: c.Backend.PushPath,
		DeviceID: c.Backend.DeviceID,
		Timeout:  c.Backend.Timeout.Std(),
	}

	subject := c.Backend.Subject
	if subject == "" {
		subject = c.Backend.DeviceID
	}

	if c.DevMode && c.Backend.JWTSecret == "" {
		if subject == "" {
			subject = "dev-device"
		}
		opts.DebugSub = subject
		return transport.NewHTTPTransport(opts), nil
	}

	signer, err := auth.NewSigner(auth.SignerCfg{
		HS256Secret: c.Backend.JWTSecret,
		Issuer:      c.Backend.JWTIssuer,
		Audience:    c.Backend.JWTAudience,
		Subject:     subject,
		TTL:         c.Backend.TokenTTL.Std(),
	})
	if err != nil {
		return nil, fmt.Errorf("backend token signer: %w", err)
	}
	opts.Tokens = signer
	return transport.NewHTTPTransport(opts), nil
}

// Close stops the scheduler and closes the store
func (a *app) Close() {
	if a.scheduler != nil {
		a.scheduler.Stop()
	}
	if err := a.store.Close(); err != nil {
		log.Warn().Err(err).Msg("failed to close store")
	}
}
