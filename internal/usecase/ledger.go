// Package usecase contains application business logic.
package usecase

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/aminenidae/screentime-rewards/internal/catalog"
	"github.com/aminenidae/screentime-rewards/internal/clock"
	"github.com/aminenidae/screentime-rewards/internal/domain"
	"github.com/aminenidae/screentime-rewards/internal/errlog"
	"github.com/aminenidae/screentime-rewards/internal/health"
	"github.com/aminenidae/screentime-rewards/internal/identity"
	"github.com/aminenidae/screentime-rewards/internal/ledger"
	"github.com/aminenidae/screentime-rewards/internal/reward"
	"github.com/aminenidae/screentime-rewards/internal/shield"
	"github.com/aminenidae/screentime-rewards/internal/usage"
)

// Options configures a Ledger. Store is required; everything else has a default.
type Options struct {
	Store            domain.LedgerStore
	Clock            clock.Clock
	Location         *time.Location
	Rewards          reward.Config
	Health           health.Config
	ErrorLogCapacity int
	OpTimeout        time.Duration
	Catalog          *catalog.Catalog
	Sink             domain.BlockingSink
	Memory           domain.MemoryProbe
	Logger           *zap.Logger
}

// Ledger is the usage ledger core. One is constructed per process; the main
// process and the observer each build their own over the same store.
// Operations that write the store are serialized within the process.
type Ledger struct {
	mu       sync.Mutex
	store    domain.LedgerStore
	errors   *errlog.Log
	resolver *identity.Resolver
	shield   *shield.Tracker
	usage    *usage.Ingestor
	rewards  *reward.Engine
	health   *health.Monitor
	catalog  *catalog.Catalog
	sink     domain.BlockingSink
	memory   domain.MemoryProbe
	clock    clock.Clock
	loc      *time.Location
	logger   *zap.Logger
}

// zeroMemory is used when no probe is configured.
type zeroMemory struct{}

func (zeroMemory) MemoryUsageMB() float64 { return 0 }

// discardSink accepts every command.
type discardSink struct{}

func (discardSink) Block(context.Context, domain.AppIdentity) error   { return nil }
func (discardSink) Unblock(context.Context, domain.AppIdentity) error { return nil }

// NewLedger wires all ledger components over opts.Store.
func NewLedger(opts Options) (*Ledger, error) {
	if opts.Store == nil {
		return nil, errors.New("ledger store is required")
	}
	if opts.Clock == nil {
		opts.Clock = clock.Real()
	}
	if opts.Location == nil {
		opts.Location = time.Local
	}
	if opts.Rewards == (reward.Config{}) {
		opts.Rewards = reward.DefaultConfig()
	}
	if opts.Catalog == nil {
		opts.Catalog = catalog.Empty()
	}
	if opts.Sink == nil {
		opts.Sink = discardSink{}
	}
	if opts.Memory == nil {
		opts.Memory = zeroMemory{}
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}

	raw := ledger.NewRecords(opts.Store, opts.OpTimeout, opts.Logger)
	errs := errlog.New(raw, opts.ErrorLogCapacity, opts.Memory, opts.Clock, opts.Logger)
	records := raw.WithFaults(errs)

	resolver := identity.NewResolver(records, opts.Catalog, errs, opts.Clock, opts.Logger)
	tracker := shield.NewTracker(records, opts.Clock, opts.Logger)
	ingestor := usage.NewIngestor(records, resolver, tracker, errs, opts.Clock, opts.Location, opts.Logger)

	return &Ledger{
		store:    opts.Store,
		errors:   errs,
		resolver: resolver,
		shield:   tracker,
		usage:    ingestor,
		rewards:  reward.NewEngine(records, ingestor, resolver, opts.Rewards, opts.Clock, opts.Location, opts.Logger),
		health:   health.NewMonitor(records, ingestor, opts.Health, opts.Clock, opts.Location, opts.Logger),
		catalog:  opts.Catalog,
		sink:     opts.Sink,
		memory:   opts.Memory,
		clock:    opts.Clock,
		loc:      opts.Location,
		logger:   opts.Logger,
	}, nil
}

// Close closes the underlying store.
func (l *Ledger) Close() error {
	return l.store.Close()
}

// Today returns the current calendar day.
func (l *Ledger) Today() string {
	return l.rewards.Today()
}

// Catalog returns the app catalog the ledger was built with.
func (l *Ledger) Catalog() *catalog.Catalog {
	return l.catalog
}

// ErrorLog returns the error log component.
func (l *Ledger) ErrorLog() *errlog.Log {
	return l.errors
}

// HandleThresholdEvent is the observer entry point: ingest the event,
// recompute points for every touched day and record a heartbeat.
func (l *Ledger) HandleThresholdEvent(ctx context.Context, ev domain.ThresholdEvent) (usage.IngestResult, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	result, ingestErr := l.usage.Ingest(ctx, ev)

	var errs []error
	if ingestErr != nil {
		errs = append(errs, ingestErr)
	}

	days := append([]string(nil), result.Days...)
	today := l.Today()
	if !contains(days, today) {
		days = append(days, today)
	}
	sort.Strings(days)
	for _, day := range days {
		if _, err := l.rewards.Recompute(ctx, day); err != nil {
			errs = append(errs, fmt.Errorf("failed to recompute %s: %w", day, err))
		}
	}

	if _, err := l.heartbeat(ctx); err != nil {
		errs = append(errs, err)
	}

	l.logger.Info("threshold event handled",
		zap.String("event", ev.Name),
		zap.Int("apps", len(result.Applied)),
		zap.Int64("added_seconds", result.AddedSeconds()),
		zap.Int("skipped_blocked", result.SkippedBlocked),
		zap.Int("duplicates", result.Duplicates))

	return result, errors.Join(errs...)
}

// Heartbeat records observer liveness with the current memory usage.
func (l *Ledger) Heartbeat(ctx context.Context) (domain.ExtensionHealth, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.heartbeat(ctx)
}

func (l *Ledger) heartbeat(ctx context.Context) (domain.ExtensionHealth, error) {
	h, err := l.health.RecordHeartbeat(ctx, l.memory.MemoryUsageMB())
	if err != nil {
		_ = l.errors.Failure(ctx, domain.ActionHeartbeat, "", err)
		return h, fmt.Errorf("failed to record heartbeat: %w", err)
	}
	return h, nil
}

// Block shields an app and mirrors the command to the blocking sink.
func (l *Ledger) Block(ctx context.Context, logicalID string) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	app, err := l.app(ctx, logicalID)
	if err != nil {
		return false, err
	}
	changed, err := l.shield.Block(ctx, logicalID)
	if err != nil {
		return false, err
	}
	return changed, l.mirror(ctx, app, l.sink.Block)
}

// Unblock lifts an app's shield and mirrors the command to the blocking sink.
func (l *Ledger) Unblock(ctx context.Context, logicalID string) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	app, err := l.app(ctx, logicalID)
	if err != nil {
		return false, err
	}
	changed, err := l.shield.Unblock(ctx, logicalID)
	if err != nil {
		return false, err
	}
	return changed, l.mirror(ctx, app, l.sink.Unblock)
}

func (l *Ledger) mirror(ctx context.Context, app domain.AppIdentity, cmd func(context.Context, domain.AppIdentity) error) error {
	if err := cmd(ctx, app); err != nil {
		_ = l.errors.Failure(ctx, domain.ActionEnforce, app.LogicalID, err)
		return fmt.Errorf("blocking sink: %w", err)
	}
	return nil
}

// Shielded returns the current shield set.
func (l *Ledger) Shielded(ctx context.Context) domain.ShieldState {
	return l.shield.Snapshot(ctx)
}

// Unlock reserves reward-app time. Rejections are traced in the error log.
func (l *Ledger) Unlock(ctx context.Context, logicalID string, minutes int) (reward.UnlockResult, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	res, err := l.rewards.Unlock(ctx, logicalID, minutes)
	if err != nil {
		return res, err
	}
	if !res.Granted() {
		entry := l.errors.Entry(domain.ActionUnlockRejected, logicalID, false, string(res.Status)+": "+res.Reason)
		_ = l.errors.Record(ctx, entry)
	}
	return res, nil
}

// Consume settles a reservation early.
func (l *Ledger) Consume(ctx context.Context, reservationID string) (domain.RewardLedger, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.rewards.Consume(ctx, reservationID)
}

// Recompute recalculates the reward ledger for day.
func (l *Ledger) Recompute(ctx context.Context, day string) (domain.RewardLedger, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.rewards.Recompute(ctx, day)
}

// ActiveReservations returns the unexpired reservations for an app.
func (l *Ledger) ActiveReservations(ctx context.Context, logicalID string) []domain.Reservation {
	return l.rewards.ActiveReservations(ctx, logicalID)
}

// RegisterApp records an app sighted by the main process together with its mapping.
func (l *Ledger) RegisterApp(ctx context.Context, reg identity.Registration) (domain.AppIdentity, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.resolver.Register(ctx, reg)
}

// Categorize changes an app's category and rate.
func (l *Ledger) Categorize(ctx context.Context, logicalID string, category domain.Category, pointsPerMinute int) (domain.AppIdentity, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.resolver.Categorize(ctx, logicalID, category, pointsPerMinute)
}

// Apps lists every known identity sorted by logical ID.
func (l *Ledger) Apps(ctx context.Context) []domain.AppIdentity {
	return l.resolver.List(ctx)
}

// SyncCatalog registers every catalog entry with a handle, applying its
// category and rate. Returns the identities written.
func (l *Ledger) SyncCatalog(ctx context.Context) ([]domain.AppIdentity, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	var out []domain.AppIdentity
	for _, app := range l.catalog.Apps() {
		if app.Handle == "" {
			continue
		}
		ident, err := l.resolver.Register(ctx, identity.Registration{
			Sighting: identity.Sighting{
				Handle:      app.Handle,
				PackageID:   app.PackageID,
				DisplayName: app.DisplayName,
			},
			Category:        app.Category,
			PointsPerMinute: app.PointsPerMinute,
		})
		if err != nil {
			return out, fmt.Errorf("failed to register %s: %w", app.ID(), err)
		}
		out = append(out, ident)
	}
	l.logger.Info("catalog synced", zap.Int("apps", len(out)))
	return out, nil
}

// ResetUsage clears one app's usage for a day and recomputes points.
func (l *Ledger) ResetUsage(ctx context.Context, logicalID, day string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if err := l.usage.Reset(ctx, logicalID, day); err != nil {
		return err
	}
	_, err := l.rewards.Recompute(ctx, day)
	return err
}

// Prune deletes usage records for days before the cutoff.
func (l *Ledger) Prune(ctx context.Context, before time.Time) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.usage.Prune(ctx, l.usage.Day(before))
}

// HealthStatus returns the observer liveness summary.
func (l *Ledger) HealthStatus(ctx context.Context) health.Status {
	return l.health.Status(ctx)
}

// IsHealthy reports whether the observer heartbeat is recent.
func (l *Ledger) IsHealthy(ctx context.Context) bool {
	return l.health.IsHealthy(ctx)
}

// DetectGaps returns coverage gaps for the configured expected interval.
func (l *Ledger) DetectGaps(ctx context.Context) []domain.UsageGap {
	return l.health.DetectGaps(ctx, l.health.Config().ExpectedInterval)
}

// HealthConfig returns the effective health configuration.
func (l *Ledger) HealthConfig() health.Config {
	return l.health.Config()
}

func (l *Ledger) app(ctx context.Context, logicalID string) (domain.AppIdentity, error) {
	app, ok := l.resolver.Lookup(ctx, logicalID)
	if !ok {
		return domain.AppIdentity{}, fmt.Errorf("%w: %s", domain.ErrUnknownApp, logicalID)
	}
	return app, nil
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
