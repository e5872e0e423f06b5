// Package scheduler decides when the queue is drained. Connectivity changes,
// a periodic cron schedule and explicit flushes all request a pass; at most one
// run executes at a time.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ereezyy/synai-sync/internal/connectivity"
	"github.com/ereezyy/synai-sync/internal/dispatch"
	"github.com/ereezyy/synai-sync/internal/queue"
	"github.com/ereezyy/synai-sync/internal/syncop"
	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog/log"
)

// ErrRunInProgress is returned when a run is requested while another holds the token
var ErrRunInProgress = errors.New("sync run already in progress")

const (
	DefaultBatchSize              = 50
	DefaultMaxBatchesPerPass      = 20
	DefaultRetryAfterStorageFault = 30 * time.Second
)

// Reason says why a pass was requested
type Reason string

const (
	ReasonStartup      Reason = "startup"
	ReasonPeriodic     Reason = "periodic"
	ReasonConnectivity Reason = "connectivity"
	ReasonFlush        Reason = "flush"
	ReasonStorageRetry Reason = "storage_retry"
)

// automatic passes are skipped while offline
func (r Reason) automatic() bool {
	return r != ReasonFlush
}

// Options tunes a Scheduler. Zero values fall back to the defaults above.
type Options struct {
	BatchSize         int
	MaxBatchesPerPass int

	// StaleClaimAfter reclaims IN_FLIGHT operations untouched this long at the
	// start of every pass. Zero disables it.
	StaleClaimAfter time.Duration

	// Periodic is a cron spec ("@every 5m", "0 */10 * * * *"). Empty disables it.
	Periodic string

	RetryAfterStorageFault time.Duration

	// SharedStore means other processes may hold live claims in the same
	// store. Start then reclaims only claims older than StaleClaimAfter
	// instead of every IN_FLIGHT operation.
	SharedStore bool
}

// BatchReport describes one select-and-dispatch cycle
type BatchReport struct {
	Claimed  int                `json:"claimed"`
	Outcomes []dispatch.Outcome `json:"-"`
	Summary  dispatch.Summary   `json:"summary"`
	Duration time.Duration      `json:"-"`
}

// PassReport describes a run of consecutive batches
type PassReport struct {
	Reason    Reason           `json:"reason"`
	StartedAt time.Time        `json:"startedAt"`
	Duration  time.Duration    `json:"-"`
	Batches   int              `json:"batches"`
	Reclaimed int              `json:"reclaimed"`
	Summary   dispatch.Summary `json:"summary"`
	Error     string           `json:"error,omitempty"`
}

// Scheduler owns the single-flight token and the trigger loop
type Scheduler struct {
	queue      *queue.Manager
	dispatcher *dispatch.Dispatcher
	monitor    *connectivity.Monitor
	opts       Options

	// flight is the single-flight token shared by every kind of run
	flight atomic.Bool

	triggers chan Reason
	forced   atomic.Bool

	mu       sync.Mutex
	cron     *cron.Cron
	cancel   context.CancelFunc
	wg       sync.WaitGroup
	retry    *time.Timer
	lastPass *PassReport
}

// New creates a Scheduler. monitor may be nil, in which case the backend is
// assumed reachable.
func New(q *queue.Manager, d *dispatch.Dispatcher, monitor *connectivity.Monitor, opts Options) *Scheduler {
	if opts.BatchSize <= 0 {
		opts.BatchSize = DefaultBatchSize
	}
	if opts.MaxBatchesPerPass <= 0 {
		opts.MaxBatchesPerPass = DefaultMaxBatchesPerPass
	}
	if opts.RetryAfterStorageFault <= 0 {
		opts.RetryAfterStorageFault = DefaultRetryAfterStorageFault
	}
	return &Scheduler{
		queue:      q,
		dispatcher: d,
		monitor:    monitor,
		opts:       opts,
		triggers:   make(chan Reason, 1),
	}
}

// Start reclaims operations left IN_FLIGHT by a previous process (only stale
// ones on a shared store), then starts
// the periodic schedule and the trigger loop and requests an initial pass.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cancel != nil {
		return errors.New("scheduler already started")
	}

	n, err := s.startupReclaim(ctx)
	if err != nil {
		return fmt.Errorf("startup reclaim: %w", err)
	}

	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))

	if s.opts.Periodic != "" {
		c := cron.New(cron.WithSeconds())
		if _, err := c.AddFunc(s.opts.Periodic, func() { s.Trigger(ReasonPeriodic) }); err != nil {
			cancel()
			return fmt.Errorf("invalid periodic schedule %q: %w", s.opts.Periodic, err)
		}
		c.Start()
		s.cron = c
	}

	if s.monitor != nil {
		s.monitor.OnChange(func(online bool) {
			if online {
				s.Trigger(ReasonConnectivity)
			}
		})
	}

	s.cancel = cancel
	s.wg.Add(1)
	go s.loop(runCtx)

	log.Info().
		Int("reclaimed", n).
		Int("batchSize", s.opts.BatchSize).
		Str("periodic", s.opts.Periodic).
		Msg("sync scheduler started")

	s.Trigger(ReasonStartup)
	return nil
}

// startupReclaim returns claims abandoned by a previous process to PENDING
func (s *Scheduler) startupReclaim(ctx context.Context) (int, error) {
	if !s.opts.SharedStore {
		return s.queue.Reclaim(ctx, 0)
	}
	if s.opts.StaleClaimAfter <= 0 {
		return 0, nil
	}
	return s.queue.Reclaim(ctx, s.opts.StaleClaimAfter)
}

// Stop halts the schedule, cancels a running pass (its unconfirmed claims are
// released) and waits for the loop to exit
func (s *Scheduler) Stop() {
	s.mu.Lock()
	cancel := s.cancel
	c := s.cron
	s.cancel, s.cron = nil, nil
	if s.retry != nil {
		s.retry.Stop()
		s.retry = nil
	}
	s.mu.Unlock()

	if cancel == nil {
		return
	}
	if c != nil {
		<-c.Stop().Done()
	}
	cancel()
	s.wg.Wait()
	log.Info().Msg("sync scheduler stopped")
}

// Trigger requests a pass without blocking. Requests made while one is already
// queued are coalesced; a flush request still bypasses offline gating.
func (s *Scheduler) Trigger(reason Reason) {
	if !reason.automatic() {
		s.forced.Store(true)
	}
	select {
	case s.triggers <- reason:
	default:
	}
}

// LastPass returns the report of the most recent automatic pass
func (s *Scheduler) LastPass() *PassReport {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.lastPass == nil {
		return nil
	}
	r := *s.lastPass
	return &r
}

// Running reports whether a run currently holds the token
func (s *Scheduler) Running() bool {
	return s.flight.Load()
}

func (s *Scheduler) loop(ctx context.Context) {
	defer s.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case reason := <-s.triggers:
			s.handle(ctx, reason)
		}
	}
}

func (s *Scheduler) handle(ctx context.Context, reason Reason) {
	forced := s.forced.Swap(false)
	if reason.automatic() && !forced && s.monitor != nil && !s.monitor.Online() {
		log.Debug().Str("reason", string(reason)).Msg("offline, skipping sync pass")
		return
	}

	report, err := s.RunPass(ctx, reason)
	switch {
	case errors.Is(err, ErrRunInProgress):
		log.Debug().Str("reason", string(reason)).Msg("sync run in progress, trigger skipped")
		return
	case syncop.IsStorageFault(err):
		log.Error().Err(err).Dur("retryIn", s.opts.RetryAfterStorageFault).Msg("sync pass aborted by storage fault")
		s.scheduleRetry()
	}

	s.mu.Lock()
	s.lastPass = report
	s.mu.Unlock()
}

func (s *Scheduler) scheduleRetry() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cancel == nil {
		return
	}
	if s.retry != nil {
		s.retry.Stop()
	}
	s.retry = time.AfterFunc(s.opts.RetryAfterStorageFault, func() { s.Trigger(ReasonStorageRetry) })
}

func (s *Scheduler) acquire() bool {
	return s.flight.CompareAndSwap(false, true)
}

func (s *Scheduler) release() {
	s.flight.Store(false)
}

// RunNextBatch claims and dispatches at most size operations. It fails with
// ErrRunInProgress when another run holds the token.
func (s *Scheduler) RunNextBatch(ctx context.Context, size int) (*BatchReport, error) {
	if !s.acquire() {
		return nil, ErrRunInProgress
	}
	defer s.release()
	return s.runBatch(ctx, size)
}

// RunPass drains the queue batch by batch until nothing is eligible, the
// backend looks unreachable or the per-pass batch limit is hit
func (s *Scheduler) RunPass(ctx context.Context, reason Reason) (*PassReport, error) {
	if !s.acquire() {
		return nil, ErrRunInProgress
	}
	defer s.release()

	report := &PassReport{Reason: reason, StartedAt: time.Now()}
	logger := log.With().Str("reason", string(reason)).Logger()

	finish := func(err error) (*PassReport, error) {
		report.Duration = time.Since(report.StartedAt)
		if err != nil {
			report.Error = err.Error()
		}
		if report.Batches > 0 || report.Reclaimed > 0 || err != nil {
			logger.Info().
				Int("batches", report.Batches).
				Int("reclaimed", report.Reclaimed).
				Int("synced", report.Summary.Synced).
				Int("retrying", report.Summary.Retrying).
				Int("rejected", report.Summary.Rejected).
				Int("exhausted", report.Summary.Exhausted).
				Dur("duration", report.Duration).
				Err(err).
				Msg("sync pass finished")
		}
		return report, err
	}

	if s.opts.StaleClaimAfter > 0 {
		n, err := s.queue.Reclaim(ctx, s.opts.StaleClaimAfter)
		if err != nil {
			return finish(err)
		}
		report.Reclaimed = n
	}

	for report.Batches < s.opts.MaxBatchesPerPass {
		b, err := s.runBatch(ctx, s.opts.BatchSize)
		if b != nil && b.Claimed > 0 {
			report.Batches++
			add(&report.Summary, b.Summary)
		}
		if err != nil {
			return finish(err)
		}
		if b.Claimed == 0 {
			break
		}
		if b.Summary.Released > 0 || (b.Summary.Synced == 0 && b.Summary.Retrying > 0) {
			logger.Debug().Msg("backend not accepting operations, ending pass early")
			break
		}
	}
	return finish(nil)
}

func (s *Scheduler) runBatch(ctx context.Context, size int) (*BatchReport, error) {
	start := time.Now()
	batch, err := s.queue.SelectBatch(ctx, size)
	if err != nil {
		return nil, err
	}
	report := &BatchReport{Claimed: len(batch)}
	if len(batch) == 0 {
		return report, nil
	}

	outcomes, err := s.dispatcher.Dispatch(ctx, batch)
	report.Outcomes = outcomes
	report.Summary = dispatch.Summarize(outcomes)
	report.Duration = time.Since(start)
	return report, err
}

func add(total *dispatch.Summary, s dispatch.Summary) {
	total.Synced += s.Synced
	total.Retrying += s.Retrying
	total.Rejected += s.Rejected
	total.Exhausted += s.Exhausted
	total.Released += s.Released
	total.Dropped += s.Dropped
}
