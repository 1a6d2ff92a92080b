// Package shield tracks which logical IDs are currently blocked.
package shield

import (
	"context"
	"sort"

	"go.uber.org/zap"

	"github.com/aminenidae/screentime-rewards/internal/clock"
	"github.com/aminenidae/screentime-rewards/internal/domain"
	"github.com/aminenidae/screentime-rewards/internal/ledger"
)

// Tracker is the Shield State Tracker. It holds no state of its own: every
// call reads the shield_set record fresh, since the other process may have
// changed it since the last call.
type Tracker struct {
	records *ledger.Records
	clock   clock.Clock
	logger  *zap.Logger
}

// NewTracker creates a Tracker over records.
func NewTracker(records *ledger.Records, clk clock.Clock, logger *zap.Logger) *Tracker {
	return &Tracker{
		records: records,
		clock:   clk,
		logger:  logger,
	}
}

// Block adds logicalID to the shield set. Blocking a shielded app is a no-op
// that reports changed=false.
func (t *Tracker) Block(ctx context.Context, logicalID string) (bool, error) {
	state := t.Snapshot(ctx)
	if state.Contains(logicalID) {
		return false, nil
	}
	state.Members = append(state.Members, logicalID)
	return true, t.save(ctx, state, "shield applied", logicalID)
}

// Unblock removes logicalID from the shield set.
func (t *Tracker) Unblock(ctx context.Context, logicalID string) (bool, error) {
	state := t.Snapshot(ctx)
	if !state.Contains(logicalID) {
		return false, nil
	}
	kept := state.Members[:0]
	for _, m := range state.Members {
		if m != logicalID {
			kept = append(kept, m)
		}
	}
	state.Members = kept
	return true, t.save(ctx, state, "shield lifted", logicalID)
}

// IsBlocked reports whether logicalID is shielded right now.
func (t *Tracker) IsBlocked(ctx context.Context, logicalID string) bool {
	return t.Snapshot(ctx).Contains(logicalID)
}

// Snapshot returns the current shield set with members sorted.
func (t *Tracker) Snapshot(ctx context.Context) domain.ShieldState {
	state, _ := ledger.Load(ctx, t.records, ledger.KeyShieldSet, domain.ShieldState{})
	sort.Strings(state.Members)
	return state
}

func (t *Tracker) save(ctx context.Context, state domain.ShieldState, msg, logicalID string) error {
	sort.Strings(state.Members)
	state.UpdatedAt = t.clock.Now()
	if err := t.records.Save(ctx, ledger.KeyShieldSet, state); err != nil {
		return err
	}
	t.logger.Info(msg,
		zap.String("logical_id", logicalID),
		zap.Int("shielded", len(state.Members)))
	return nil
}
