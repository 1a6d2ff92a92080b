// Package daemon implements the main-process background loops: snapshot
// refresh with shield enforcement, and observer health watching.
package daemon

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/aminenidae/screentime-rewards/internal/clock"
	"github.com/aminenidae/screentime-rewards/internal/domain"
)

// RefresherConfig holds refresher loop configuration.
type RefresherConfig struct {
	Interval        time.Duration // How often to rebuild the snapshot
	EnforceInterval time.Duration // How often to re-apply the shield set; 0 disables
}

// DefaultRefresherConfig returns default refresher configuration.
func DefaultRefresherConfig() RefresherConfig {
	return RefresherConfig{
		Interval:        30 * time.Second,
		EnforceInterval: time.Minute,
	}
}

// SnapshotSource builds usage snapshots. Building today's snapshot also
// settles expired reservations.
type SnapshotSource interface {
	Snapshot(ctx context.Context, day string) (domain.UsageSnapshot, error)
}

// Enforcer re-applies the shield set.
type Enforcer interface {
	Enforce(ctx context.Context) ([]domain.EnforcementResult, error)
}

// Refreshed is a cached snapshot. Stale is set when the latest refresh
// failed or a forced refresh timed out.
type Refreshed struct {
	Snapshot    domain.UsageSnapshot `json:"snapshot"`
	Stale       bool                 `json:"stale"`
	RefreshedAt time.Time            `json:"refreshed_at"`
}

// Refresher keeps the last known snapshot for the UI and picks up
// observer-written data on a schedule or on demand.
type Refresher struct {
	config   RefresherConfig
	source   SnapshotSource
	enforcer Enforcer
	clock    clock.Clock
	logger   *zap.Logger

	requests chan struct{}

	mu       sync.RWMutex
	latest   Refreshed
	started  uint64 // generation of the most recently started refresh
	finished uint64 // highest generation that has completed
	updated  chan struct{}
}

// NewRefresher creates a Refresher. enforcer may be nil.
func NewRefresher(config RefresherConfig, source SnapshotSource, enforcer Enforcer, clk clock.Clock, logger *zap.Logger) *Refresher {
	if config.Interval <= 0 {
		config.Interval = DefaultRefresherConfig().Interval
	}
	return &Refresher{
		config:   config,
		source:   source,
		enforcer: enforcer,
		clock:    clk,
		logger:   logger,
		requests: make(chan struct{}, 1),
		latest:   Refreshed{Stale: true},
		updated:  make(chan struct{}),
	}
}

// Run starts the refresher loop.
// This blocks until context is canceled.
func (r *Refresher) Run(ctx context.Context) error {
	r.logger.Info("refresher started",
		zap.Duration("interval", r.config.Interval),
		zap.Duration("enforce_interval", r.config.EnforceInterval))

	r.RefreshNow(ctx)
	r.runEnforcement(ctx)

	refreshTicker := time.NewTicker(r.config.Interval)
	defer refreshTicker.Stop()

	var enforceC <-chan time.Time
	if r.enforcer != nil && r.config.EnforceInterval > 0 {
		enforceTicker := time.NewTicker(r.config.EnforceInterval)
		defer enforceTicker.Stop()
		enforceC = enforceTicker.C
	}

	for {
		select {
		case <-ctx.Done():
			r.logger.Info("refresher stopping")
			return ctx.Err()

		case <-refreshTicker.C:
			r.RefreshNow(ctx)

		case <-r.requests:
			r.RefreshNow(ctx)

		case <-enforceC:
			r.runEnforcement(ctx)
		}
	}
}

// RefreshNow rebuilds the snapshot synchronously and wakes forced-refresh waiters.
func (r *Refresher) RefreshNow(ctx context.Context) Refreshed {
	r.mu.Lock()
	r.started++
	gen := r.started
	r.mu.Unlock()

	snap, err := r.source.Snapshot(ctx, "")

	r.mu.Lock()
	if gen > r.finished {
		r.finished = gen
		if err != nil {
			r.logger.Warn("snapshot refresh failed, keeping last known", zap.Error(err))
			r.latest.Stale = true
		} else {
			r.latest = Refreshed{Snapshot: snap, RefreshedAt: r.clock.Now()}
		}
	}
	out := r.latest
	close(r.updated)
	r.updated = make(chan struct{})
	r.mu.Unlock()

	return out
}

// Refresh asks the loop for a fresh snapshot and waits up to timeout for a
// refresh that started after the call. On timeout or cancellation it returns
// the last known snapshot marked stale; the requested refresh still runs.
func (r *Refresher) Refresh(ctx context.Context, timeout time.Duration) Refreshed {
	r.mu.RLock()
	want := r.started + 1
	r.mu.RUnlock()

	select {
	case r.requests <- struct{}{}:
	default:
		// a refresh is already pending
	}

	deadline := r.clock.After(timeout)
wait:
	for {
		r.mu.RLock()
		finished, updated := r.finished, r.updated
		r.mu.RUnlock()
		if finished >= want {
			return r.Latest()
		}

		select {
		case <-updated:
		case <-deadline:
			r.logger.Debug("forced refresh timed out", zap.Duration("timeout", timeout))
			break wait
		case <-ctx.Done():
			break wait
		}
	}

	out := r.Latest()
	out.Stale = true
	return out
}

// Latest returns the cached snapshot without refreshing.
func (r *Refresher) Latest() Refreshed {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.latest
}

// runEnforcement re-applies the shield set.
func (r *Refresher) runEnforcement(ctx context.Context) {
	if r.enforcer == nil {
		return
	}
	r.logger.Debug("running enforcement")

	results, err := r.enforcer.Enforce(ctx)
	if err != nil {
		r.logger.Error("enforcement failed", zap.Error(err))
		return
	}

	var totalKilled, totalErrors int
	for _, res := range results {
		totalKilled += len(res.KilledPIDs)
		totalErrors += len(res.Errors)
	}

	if totalKilled > 0 || totalErrors > 0 {
		r.logger.Info("enforcement completed",
			zap.Int("processes_killed", totalKilled),
			zap.Int("errors", totalErrors))
	}
}
