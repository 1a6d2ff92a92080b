package usecase

import (
	"context"
	"fmt"
	"sort"

	"github.com/aminenidae/screentime-rewards/internal/domain"
)

// Snapshot assembles the UI view of one day. An empty day means today.
// Points are recomputed from usage on every call.
func (l *Ledger) Snapshot(ctx context.Context, day string) (domain.UsageSnapshot, error) {
	if day == "" {
		day = l.Today()
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	points, err := l.rewards.Recompute(ctx, day)
	if err != nil {
		return domain.UsageSnapshot{}, fmt.Errorf("failed to recompute points: %w", err)
	}

	apps := l.resolver.ByLogicalID(ctx)
	shielded := l.shield.Snapshot(ctx)

	snap := domain.UsageSnapshot{
		Day:             day,
		PerApp:          make([]domain.AppUsage, 0),
		CategoryTotals:  make(map[domain.Category]int64),
		AvailablePoints: points.AvailablePoints,
		ReservedPoints:  points.ReservedPoints,
		Reservations:    append([]domain.Reservation(nil), points.Reservations...),
		Streak:          l.rewards.Streak(ctx),
		Healthy:         l.health.IsHealthy(ctx),
		GeneratedAt:     l.clock.Now(),
	}
	if day == l.Today() {
		// Includes reservations paid for yesterday that are still running.
		snap.Reservations = l.rewards.Active(ctx)
	}
	for _, c := range domain.Categories() {
		snap.CategoryTotals[c] = 0
	}

	for _, rec := range l.usage.Records(ctx, day) {
		app, ok := apps[rec.LogicalID]
		if !ok {
			app = domain.AppIdentity{LogicalID: rec.LogicalID}
		}
		snap.PerApp = append(snap.PerApp, domain.AppUsage{
			LogicalID:    rec.LogicalID,
			DisplayName:  app.Name(),
			Category:     app.Category,
			TotalSeconds: rec.TotalSeconds,
			EarnedPoints: points.PerAppPoints[rec.LogicalID],
			Shielded:     shielded.Contains(rec.LogicalID),
		})
		if app.Category.Valid() {
			snap.CategoryTotals[app.Category] += rec.TotalSeconds
		}
	}
	sort.Slice(snap.PerApp, func(i, j int) bool {
		return snap.PerApp[i].LogicalID < snap.PerApp[j].LogicalID
	})

	return snap, nil
}
