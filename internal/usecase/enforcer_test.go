package usecase

import (
	"context"
	"errors"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/aminenidae/screentime-rewards/internal/domain"
)

// mockProcessManager implements domain.ProcessManager for testing
type mockProcessManager struct {
	findResult map[string][]int
	findErr    error
	killErr    error
	killedPIDs []int
}

func (m *mockProcessManager) FindByName(pattern string) ([]int, error) {
	if m.findErr != nil {
		return nil, m.findErr
	}
	if m.findResult != nil {
		return m.findResult[pattern], nil
	}
	return nil, nil
}

func (m *mockProcessManager) Kill(pid int) error {
	if m.killErr != nil {
		return m.killErr
	}
	m.killedPIDs = append(m.killedPIDs, pid)
	return nil
}

func (m *mockProcessManager) IsRunning(pid int) bool {
	return false
}

func (m *mockProcessManager) GetCurrentPID() int {
	return os.Getpid()
}

func newEnforcerFixture(t *testing.T, pm *mockProcessManager) (*fixture, *Enforcer) {
	t.Helper()
	f := newFixture(t)
	sink := NewProcessSink(f.ledger.Catalog(), pm, zap.NewNop())
	_, err := f.ledger.SyncCatalog(context.Background())
	require.NoError(t, err)
	return f, NewEnforcer(f.ledger, sink, zap.NewNop())
}

// TestEnforce_NothingShielded verifies behavior with an empty shield set
func TestEnforce_NothingShielded(t *testing.T) {
	pm := &mockProcessManager{findResult: map[string][]int{"game": {1001}}}
	_, enforcer := newEnforcerFixture(t, pm)

	results, err := enforcer.Enforce(context.Background())

	require.NoError(t, err)
	assert.Empty(t, results)
	assert.Empty(t, pm.killedPIDs)
}

// TestEnforce_KillsProcesses verifies process killing for shielded apps
func TestEnforce_KillsProcesses(t *testing.T) {
	pm := &mockProcessManager{
		findResult: map[string][]int{
			"game": {1001, 1002},
		},
	}
	f, enforcer := newEnforcerFixture(t, pm)
	ctx := context.Background()
	_, err := f.ledger.Block(ctx, idFor("h-game"))
	require.NoError(t, err)

	results, err := enforcer.Enforce(ctx)

	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, idFor("h-game"), results[0].LogicalID)
	assert.ElementsMatch(t, []int{1001, 1002}, results[0].KilledPIDs)
	assert.ElementsMatch(t, []int{1001, 1002}, pm.killedPIDs)
	assert.Equal(t, 1, f.ledger.ErrorLog().Counts(ctx)[domain.ActionEnforce])
}

// TestEnforce_ShieldedAppWithoutProcessNames verifies apps with no desktop processes
func TestEnforce_ShieldedAppWithoutProcessNames(t *testing.T) {
	pm := &mockProcessManager{findResult: map[string][]int{"game": {1001}}}
	f, enforcer := newEnforcerFixture(t, pm)
	ctx := context.Background()
	_, err := f.ledger.Block(ctx, idFor("h-read"))
	require.NoError(t, err)

	results, err := enforcer.Enforce(ctx)

	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Empty(t, results[0].KilledPIDs)
	assert.Empty(t, pm.killedPIDs)
}

// TestEnforce_ReservationLiftsShield verifies unlocked apps are left alone
func TestEnforce_ReservationLiftsShield(t *testing.T) {
	pm := &mockProcessManager{findResult: map[string][]int{"game": {1001}}}
	f, enforcer := newEnforcerFixture(t, pm)
	ctx := context.Background()
	game := idFor("h-game")

	_, err := f.ledger.Block(ctx, game)
	require.NoError(t, err)
	_, err = f.ledger.HandleThresholdEvent(ctx, f.event("learn.1", 5*time.Minute, "h-read"))
	require.NoError(t, err)
	res, err := f.ledger.Unlock(ctx, game, 2)
	require.NoError(t, err)
	require.True(t, res.Granted())

	results, err := enforcer.Enforce(ctx)
	require.NoError(t, err)
	assert.Empty(t, results)
	assert.Empty(t, pm.killedPIDs)

	// Once the reservation expires the shield applies again.
	f.clock.Advance(3 * time.Minute)
	results, err = enforcer.Enforce(ctx)
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, []int{1001}, pm.killedPIDs)
}

// TestEnforce_FindError verifies error handling when process lookup fails
func TestEnforce_FindError(t *testing.T) {
	pm := &mockProcessManager{findErr: errors.New("find failed")}
	f, enforcer := newEnforcerFixture(t, pm)
	ctx := context.Background()
	_, err := f.ledger.Block(ctx, idFor("h-game"))
	require.NoError(t, err)

	results, err := enforcer.Enforce(ctx)

	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Len(t, results[0].Errors, 1)

	entries := f.ledger.ErrorLog().Entries(ctx)
	last := entries[len(entries)-1]
	assert.Equal(t, domain.ActionEnforce, last.Action)
	assert.False(t, last.Success)
	assert.Contains(t, last.ErrorDescription, "find failed")
}

// TestEnforce_KillError verifies error handling when kill fails
func TestEnforce_KillError(t *testing.T) {
	pm := &mockProcessManager{
		findResult: map[string][]int{"game": {1001}},
		killErr:    errors.New("permission denied"),
	}
	f, enforcer := newEnforcerFixture(t, pm)
	ctx := context.Background()
	_, err := f.ledger.Block(ctx, idFor("h-game"))
	require.NoError(t, err)

	results, err := enforcer.Enforce(ctx)

	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Empty(t, results[0].KilledPIDs)
	assert.Len(t, results[0].Errors, 1)
}

// TestProcessSink_BlockKillsImmediately verifies the sink terminates on Block
func TestProcessSink_BlockKillsImmediately(t *testing.T) {
	pm := &mockProcessManager{findResult: map[string][]int{"game": {2001}}}
	f := newFixture(t)
	sink := NewProcessSink(f.ledger.Catalog(), pm, zap.NewNop())
	ctx := context.Background()

	apps, err := f.ledger.SyncCatalog(ctx)
	require.NoError(t, err)
	var game domain.AppIdentity
	for _, a := range apps {
		if a.LogicalID == idFor("h-game") {
			game = a
		}
	}

	require.NoError(t, sink.Block(ctx, game))
	assert.Equal(t, []int{2001}, pm.killedPIDs)
	require.NoError(t, sink.Unblock(ctx, game))
}
