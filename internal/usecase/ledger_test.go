package usecase

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/aminenidae/screentime-rewards/internal/catalog"
	"github.com/aminenidae/screentime-rewards/internal/clock"
	"github.com/aminenidae/screentime-rewards/internal/domain"
	"github.com/aminenidae/screentime-rewards/internal/identity"
	"github.com/aminenidae/screentime-rewards/internal/infra"
	"github.com/aminenidae/screentime-rewards/internal/ledger"
	"github.com/aminenidae/screentime-rewards/internal/reward"
)

type fixedMemory float64

func (m fixedMemory) MemoryUsageMB() float64 { return float64(m) }

// recordingSink implements domain.BlockingSink for testing
type recordingSink struct {
	blocked   []string
	unblocked []string
	err       error
}

func (s *recordingSink) Block(_ context.Context, app domain.AppIdentity) error {
	if s.err != nil {
		return s.err
	}
	s.blocked = append(s.blocked, app.LogicalID)
	return nil
}

func (s *recordingSink) Unblock(_ context.Context, app domain.AppIdentity) error {
	if s.err != nil {
		return s.err
	}
	s.unblocked = append(s.unblocked, app.LogicalID)
	return nil
}

var testStart = time.Date(2026, 5, 2, 10, 0, 0, 0, time.UTC)

type fixture struct {
	ledger *Ledger
	store  *infra.MemoryStore
	clock  *clock.FakeClock
	sink   *recordingSink
}

func testCatalog(t *testing.T) *catalog.Catalog {
	t.Helper()
	c, err := catalog.New(
		catalog.App{Handle: "h-read", PackageID: "com.example.read", DisplayName: "Reader", Category: domain.CategoryLearning, PointsPerMinute: 10},
		catalog.App{Handle: "h-game", DisplayName: "Game", Category: domain.CategoryReward, PointsPerMinute: 5, ProcessNames: []string{"game"}},
	)
	require.NoError(t, err)
	return c
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		store: infra.NewMemoryStore(),
		clock: clock.Fake(testStart),
		sink:  &recordingSink{},
	}
	l, err := NewLedger(Options{
		Store:    f.store,
		Clock:    f.clock,
		Location: time.UTC,
		Catalog:  testCatalog(t),
		Sink:     f.sink,
		Memory:   fixedMemory(4.5),
		Logger:   zap.NewNop(),
	})
	require.NoError(t, err)
	f.ledger = l
	return f
}

func idFor(handle string) string {
	return "app-" + identity.HashHandle(handle)[:12]
}

func (f *fixture) event(name string, elapsed time.Duration, handles ...string) domain.ThresholdEvent {
	return domain.ThresholdEvent{
		Name:       name,
		Handles:    handles,
		Elapsed:    elapsed,
		OccurredAt: f.clock.Now(),
	}
}

func TestNewLedger_RequiresStore(t *testing.T) {
	_, err := NewLedger(Options{})
	assert.Error(t, err)
}

func TestHandleThresholdEvent_LearningUsageEarnsPoints(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	result, err := f.ledger.HandleThresholdEvent(ctx, f.event("learn.1", time.Minute, "h-read"))
	require.NoError(t, err)
	assert.Equal(t, int64(60), result.AddedSeconds())

	snap, err := f.ledger.Snapshot(ctx, "")
	require.NoError(t, err)
	assert.Equal(t, "2026-05-02", snap.Day)
	require.Len(t, snap.PerApp, 1)
	assert.Equal(t, idFor("h-read"), snap.PerApp[0].LogicalID)
	assert.Equal(t, "Reader", snap.PerApp[0].DisplayName)
	assert.Equal(t, int64(60), snap.PerApp[0].TotalSeconds)
	assert.Equal(t, int64(10), snap.PerApp[0].EarnedPoints)
	assert.Equal(t, int64(10), snap.AvailablePoints)
	assert.Equal(t, int64(60), snap.CategoryTotals[domain.CategoryLearning])
	assert.Equal(t, int64(0), snap.CategoryTotals[domain.CategoryReward])
	assert.True(t, snap.Healthy, "event handling records a heartbeat")

	status := f.ledger.HealthStatus(ctx)
	assert.Equal(t, int64(1), status.Invocations)
	assert.Equal(t, 4.5, status.MemoryUsageMB)
}

func TestHandleThresholdEvent_ReplayDoesNotDoubleCount(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	ev := f.event("learn.1", 2*time.Minute, "h-read")

	_, err := f.ledger.HandleThresholdEvent(ctx, ev)
	require.NoError(t, err)
	result, err := f.ledger.HandleThresholdEvent(ctx, ev)
	require.NoError(t, err)
	assert.Equal(t, 1, result.Duplicates)

	snap, err := f.ledger.Snapshot(ctx, "")
	require.NoError(t, err)
	assert.Equal(t, int64(120), snap.PerApp[0].TotalSeconds)
	assert.Equal(t, int64(20), snap.AvailablePoints)
}

func TestHandleThresholdEvent_ShieldedAppsSkipped(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	_, err := f.ledger.SyncCatalog(ctx)
	require.NoError(t, err)

	changed, err := f.ledger.Block(ctx, idFor("h-game"))
	require.NoError(t, err)
	assert.True(t, changed)

	result, err := f.ledger.HandleThresholdEvent(ctx, f.event("reward.1", time.Minute, "h-game"))
	require.NoError(t, err)
	assert.Equal(t, 1, result.SkippedBlocked)
	assert.Equal(t, int64(0), result.AddedSeconds())

	snap, err := f.ledger.Snapshot(ctx, "")
	require.NoError(t, err)
	assert.Empty(t, snap.PerApp)
	assert.Equal(t, 1, f.ledger.ErrorLog().Counts(ctx)[domain.ActionSkipBlocked])
}

func TestBlockUnblock(t *testing.T) {
	t.Run("unknown app rejected", func(t *testing.T) {
		f := newFixture(t)
		_, err := f.ledger.Block(context.Background(), "app-missing")
		assert.ErrorIs(t, err, domain.ErrUnknownApp)
		assert.Empty(t, f.sink.blocked)
	})

	t.Run("commands mirrored to sink", func(t *testing.T) {
		f := newFixture(t)
		ctx := context.Background()
		_, err := f.ledger.SyncCatalog(ctx)
		require.NoError(t, err)
		id := idFor("h-game")

		_, err = f.ledger.Block(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, []string{id}, f.ledger.Shielded(ctx).Members)

		_, err = f.ledger.Unblock(ctx, id)
		require.NoError(t, err)
		assert.Empty(t, f.ledger.Shielded(ctx).Members)

		assert.Equal(t, []string{id}, f.sink.blocked)
		assert.Equal(t, []string{id}, f.sink.unblocked)
	})

	t.Run("sink failure keeps shield state and is logged", func(t *testing.T) {
		f := newFixture(t)
		ctx := context.Background()
		_, err := f.ledger.SyncCatalog(ctx)
		require.NoError(t, err)
		f.sink.err = errors.New("platform unavailable")

		_, err = f.ledger.Block(ctx, idFor("h-game"))
		assert.Error(t, err)
		assert.Contains(t, f.ledger.Shielded(ctx).Members, idFor("h-game"))
		assert.Equal(t, 1, f.ledger.ErrorLog().Counts(ctx)[domain.ActionEnforce])
	})
}

func TestUnlock(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	_, err := f.ledger.SyncCatalog(ctx)
	require.NoError(t, err)
	game := idFor("h-game")

	_, err = f.ledger.HandleThresholdEvent(ctx, f.event("learn.1", time.Minute, "h-read"))
	require.NoError(t, err)

	// 5 minutes at 5 points costs 25, only 10 earned.
	res, err := f.ledger.Unlock(ctx, game, 5)
	require.NoError(t, err)
	assert.Equal(t, reward.UnlockRejectedInsufficientPoints, res.Status)
	assert.Equal(t, 1, f.ledger.ErrorLog().Counts(ctx)[domain.ActionUnlockRejected])

	snap, err := f.ledger.Snapshot(ctx, "")
	require.NoError(t, err)
	assert.Equal(t, int64(0), snap.ReservedPoints)

	f.clock.Advance(5 * time.Minute)
	_, err = f.ledger.HandleThresholdEvent(ctx, f.event("learn.2", 5*time.Minute, "h-read"))
	require.NoError(t, err)

	res, err = f.ledger.Unlock(ctx, game, 5)
	require.NoError(t, err)
	require.True(t, res.Granted())
	assert.Equal(t, int64(25), res.Cost)

	snap, err = f.ledger.Snapshot(ctx, "")
	require.NoError(t, err)
	assert.Equal(t, int64(25), snap.ReservedPoints)
	assert.Equal(t, int64(35), snap.AvailablePoints)
	require.Len(t, snap.Reservations, 1)
	assert.Len(t, f.ledger.ActiveReservations(ctx, game), 1)

	_, err = f.ledger.Consume(ctx, res.Reservation.ID)
	require.NoError(t, err)
	snap, err = f.ledger.Snapshot(ctx, "")
	require.NoError(t, err)
	assert.Equal(t, int64(0), snap.ReservedPoints)
	assert.Equal(t, int64(35), snap.AvailablePoints)
}

// interleavedStore runs fn once, right after the first read of key returns.
type interleavedStore struct {
	domain.LedgerStore
	key string
	fn  func()
}

func (s *interleavedStore) Get(ctx context.Context, key string) ([]byte, error) {
	data, err := s.LedgerStore.Get(ctx, key)
	if key == s.key && s.fn != nil {
		fn := s.fn
		s.fn = nil
		fn()
	}
	return data, err
}

// openObserver opens a second ledger over store, the way the observer process
// shares the main process's data.
func (f *fixture) openObserver(t *testing.T, store domain.LedgerStore) *Ledger {
	t.Helper()
	l, err := NewLedger(Options{
		Store:    store,
		Clock:    f.clock,
		Location: time.UTC,
		Catalog:  testCatalog(t),
		Sink:     infra.NewLogSink(zap.NewNop()),
		Memory:   fixedMemory(4.5),
		Logger:   zap.NewNop(),
	})
	require.NoError(t, err)
	return l
}

func TestHandleThresholdEvent_KeepsUnlockMadeMeanwhile(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	_, err := f.ledger.SyncCatalog(ctx)
	require.NoError(t, err)
	game := idFor("h-game")

	_, err = f.ledger.HandleThresholdEvent(ctx, f.event("learn.1", 6*time.Minute, "h-read"))
	require.NoError(t, err)

	store := &interleavedStore{LedgerStore: f.store, key: ledger.KeyRewardLedger}
	observer := f.openObserver(t, store)

	var granted reward.UnlockResult
	store.fn = func() {
		var err error
		granted, err = f.ledger.Unlock(ctx, game, 5)
		require.NoError(t, err)
	}
	f.clock.Advance(time.Minute)
	_, err = observer.HandleThresholdEvent(ctx, f.event("learn.2", time.Minute, "h-read"))
	require.NoError(t, err)
	require.True(t, granted.Granted())

	snap, err := f.ledger.Snapshot(ctx, "")
	require.NoError(t, err)
	assert.Equal(t, int64(25), snap.ReservedPoints)
	require.Len(t, snap.Reservations, 1)
	assert.Len(t, observer.ActiveReservations(ctx, game), 1)
}

func TestLedger_ConcurrentUnlockAndEvents(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	_, err := f.ledger.SyncCatalog(ctx)
	require.NoError(t, err)
	game := idFor("h-game")

	_, err = f.ledger.HandleThresholdEvent(ctx, f.event("learn.1", 10*time.Minute, "h-read"))
	require.NoError(t, err)

	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			_, err := f.ledger.Unlock(ctx, game, 2)
			assert.NoError(t, err)
		}()
		go func(i int) {
			defer wg.Done()
			_, err := f.ledger.HandleThresholdEvent(ctx, f.event(fmt.Sprintf("misc.%d", i), time.Minute, "h-game"))
			assert.NoError(t, err)
		}(i)
	}
	wg.Wait()

	// 100 points earned, each unlock reserves 10.
	snap, err := f.ledger.Snapshot(ctx, "")
	require.NoError(t, err)
	assert.Equal(t, int64(40), snap.ReservedPoints)
	assert.Len(t, snap.Reservations, 4)
}

func TestSyncCatalog(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	synced, err := f.ledger.SyncCatalog(ctx)
	require.NoError(t, err)
	assert.Len(t, synced, 2)

	apps := f.ledger.Apps(ctx)
	require.Len(t, apps, 2)
	byID := map[string]domain.AppIdentity{}
	for _, a := range apps {
		byID[a.LogicalID] = a
	}
	assert.Equal(t, domain.CategoryReward, byID[idFor("h-game")].Category)
	assert.Equal(t, 5, byID[idFor("h-game")].PointsPerMinute)
	assert.Equal(t, "com.example.read", byID[idFor("h-read")].PackageID)
}

func TestCategorize(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	app, err := f.ledger.RegisterApp(ctx, identity.Registration{
		Sighting:        identity.Sighting{Handle: "h-new", DisplayName: "New"},
		Category:        domain.CategoryLearning,
		PointsPerMinute: 1,
	})
	require.NoError(t, err)

	updated, err := f.ledger.Categorize(ctx, app.LogicalID, domain.CategoryReward, 3)
	require.NoError(t, err)
	assert.Equal(t, domain.CategoryReward, updated.Category)

	_, err = f.ledger.Categorize(ctx, "app-missing", domain.CategoryReward, 3)
	assert.ErrorIs(t, err, domain.ErrUnknownApp)
}

func TestSnapshot_UnhealthyAfterSilence(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.ledger.Heartbeat(ctx)
	require.NoError(t, err)
	assert.True(t, f.ledger.IsHealthy(ctx))

	f.clock.Advance(130 * time.Second)
	snap, err := f.ledger.Snapshot(ctx, "")
	require.NoError(t, err)
	assert.False(t, snap.Healthy)
}

func TestResetUsageAndPrune(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.ledger.HandleThresholdEvent(ctx, f.event("learn.1", time.Minute, "h-read"))
	require.NoError(t, err)

	require.NoError(t, f.ledger.ResetUsage(ctx, idFor("h-read"), "2026-05-02"))
	snap, err := f.ledger.Snapshot(ctx, "2026-05-02")
	require.NoError(t, err)
	assert.Empty(t, snap.PerApp)
	assert.Equal(t, int64(0), snap.AvailablePoints)

	_, err = f.ledger.HandleThresholdEvent(ctx, f.event("learn.2", time.Minute, "h-read"))
	require.NoError(t, err)
	n, err := f.ledger.Prune(ctx, testStart.Add(48*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestDiagnostics(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	_, err := f.ledger.SyncCatalog(ctx)
	require.NoError(t, err)
	_, err = f.ledger.Block(ctx, idFor("h-game"))
	require.NoError(t, err)
	_, err = f.ledger.HandleThresholdEvent(ctx, f.event("reward.1", time.Minute, "h-game"))
	require.NoError(t, err)

	report := f.ledger.Diagnostics(ctx)
	for _, want := range []string{
		"[health]\n",
		"healthy: true\n",
		"invocations: 1\n",
		"[gaps]\n",
		"[counters]\n",
		"shielded_apps: 1\n",
		"known_apps: 2\n",
		"skip_blocked: 1\n",
		"[error_log]\n",
		"skip_blocked ok app=" + idFor("h-game"),
	} {
		assert.Contains(t, report, want)
	}
}

func TestDiagnostics_NeverInitialized(t *testing.T) {
	f := newFixture(t)
	report := f.ledger.Diagnostics(context.Background())
	assert.Contains(t, report, "last_heartbeat: never\n")
	assert.Contains(t, report, "healthy: false\n")
}
