// Package reward converts learning time into points, tracks streaks, and
// manages the reservations that unlock reward apps.
package reward

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/aminenidae/screentime-rewards/internal/clock"
	"github.com/aminenidae/screentime-rewards/internal/domain"
	"github.com/aminenidae/screentime-rewards/internal/ledger"
)

// spendRetentionDays bounds how long settled per-day spend is kept.
const spendRetentionDays = 31

// ErrReservationNotFound is returned by Consume for an unknown or expired reservation.
var ErrReservationNotFound = errors.New("reservation not found")

// Config holds the reward rules.
type Config struct {
	DailyGoalMinutes    int `yaml:"daily_goal_minutes"`
	StreakMilestoneDays int `yaml:"streak_milestone_days"`
	StreakBonusPercent  int `yaml:"streak_bonus_percent"`
}

// DefaultConfig returns the default reward rules.
func DefaultConfig() Config {
	return Config{
		DailyGoalMinutes:    60,
		StreakMilestoneDays: 7,
		StreakBonusPercent:  10,
	}
}

// UsageSource provides the usage records of a day.
type UsageSource interface {
	Records(ctx context.Context, day string) []domain.UsageRecord
}

// AppSource provides identities keyed by logical ID.
type AppSource interface {
	ByLogicalID(ctx context.Context) map[string]domain.AppIdentity
}

// UnlockStatus is the outcome of an unlock request.
type UnlockStatus string

const (
	UnlockGranted                    UnlockStatus = "granted"
	UnlockRejectedInsufficientPoints UnlockStatus = "insufficient_points"
	UnlockRejectedNotRewardApp       UnlockStatus = "not_reward_app"
	UnlockRejectedInvalidMinutes     UnlockStatus = "invalid_minutes"
	UnlockRejectedUnknownApp         UnlockStatus = "unknown_app"
)

// UnlockResult is the typed outcome of Unlock. Rejections mutate nothing.
type UnlockResult struct {
	Status      UnlockStatus        `json:"status"`
	Reason      string              `json:"reason,omitempty"`
	Cost        int64               `json:"cost"`
	Available   int64               `json:"available"`
	Reservation *domain.Reservation `json:"reservation,omitempty"`
}

// Granted reports whether the unlock succeeded.
func (r UnlockResult) Granted() bool {
	return r.Status == UnlockGranted
}

// RawPoints is floor(totalSeconds/60) * pointsPerMinute.
func RawPoints(totalSeconds int64, pointsPerMinute int) int64 {
	if totalSeconds <= 0 || pointsPerMinute <= 0 {
		return 0
	}
	return (totalSeconds / 60) * int64(pointsPerMinute)
}

// Engine is the Reward Point Engine.
type Engine struct {
	mu      sync.Mutex // serializes spend ledger writes
	records *ledger.Records
	usage   UsageSource
	apps    AppSource
	cfg     Config
	clock   clock.Clock
	loc     *time.Location
	logger  *zap.Logger
}

// NewEngine creates an Engine.
func NewEngine(records *ledger.Records, usage UsageSource, apps AppSource, cfg Config, clk clock.Clock, loc *time.Location, logger *zap.Logger) *Engine {
	if loc == nil {
		loc = time.Local
	}
	return &Engine{
		records: records,
		usage:   usage,
		apps:    apps,
		cfg:     cfg,
		clock:   clk,
		loc:     loc,
		logger:  logger,
	}
}

// Config returns the engine's rules.
func (e *Engine) Config() Config {
	return e.cfg
}

// Today returns the current calendar day.
func (e *Engine) Today() string {
	return e.clock.Now().In(e.loc).Format(domain.DayLayout)
}

// Recompute derives the ledger for day from usage, identities, the streak and
// the spend ledger. The result is persisted unless day is older than the
// stored ledger's day. The spend ledger is only read.
func (e *Engine) Recompute(ctx context.Context, day string) (domain.RewardLedger, error) {
	return e.recompute(ctx, day, e.Spend(ctx))
}

func (e *Engine) recompute(ctx context.Context, day string, spend domain.SpendLedger) (domain.RewardLedger, error) {
	now := e.clock.Now()
	apps := e.apps.ByLogicalID(ctx)

	perApp := make(map[string]int64)
	var earned, learningSeconds int64
	for _, rec := range e.usage.Records(ctx, day) {
		app, ok := apps[rec.LogicalID]
		if !ok || app.Category != domain.CategoryLearning {
			continue
		}
		learningSeconds += rec.TotalSeconds
		pts := RawPoints(rec.TotalSeconds, app.PointsPerMinute)
		perApp[rec.LogicalID] = pts
		earned += pts
	}

	streak, err := e.evaluateStreak(ctx, day, learningSeconds/60 >= int64(e.cfg.DailyGoalMinutes))
	if err != nil {
		return domain.RewardLedger{}, err
	}

	result := domain.RewardLedger{
		Day:            day,
		PerAppPoints:   perApp,
		EarnedPoints:   earned,
		ConsumedPoints: spend.Consumed[day],
		ComputedAt:     now,
	}
	if e.cfg.StreakMilestoneDays > 0 && streak.CurrentStreak >= e.cfg.StreakMilestoneDays {
		result.BonusPercent = e.cfg.StreakBonusPercent
		result.BonusPoints = earned * int64(e.cfg.StreakBonusPercent) / 100
	}
	for _, r := range spend.Reservations {
		if r.Day != day {
			continue
		}
		if !r.ExpiresAt.After(now) {
			result.ConsumedPoints += r.Points
			continue
		}
		result.Reservations = append(result.Reservations, r)
	}
	settle(&result)

	if day >= e.Ledger(ctx).Day {
		if err := e.records.Save(ctx, ledger.KeyRewardLedger, result); err != nil {
			return result, err
		}
	}

	e.logger.Debug("points recomputed",
		zap.String("day", day),
		zap.Int64("earned", result.EarnedPoints),
		zap.Int64("bonus", result.BonusPoints),
		zap.Int64("available", result.AvailablePoints),
		zap.Int64("reserved", result.ReservedPoints))
	return result, nil
}

// Unlock reserves minutes of a reward app against today's available points.
// Business rejections are returned as UnlockResult, not errors.
func (e *Engine) Unlock(ctx context.Context, logicalID string, minutes int) (UnlockResult, error) {
	if minutes <= 0 {
		return UnlockResult{Status: UnlockRejectedInvalidMinutes, Reason: fmt.Sprintf("minutes must be positive, got %d", minutes)}, nil
	}

	app, ok := e.apps.ByLogicalID(ctx)[logicalID]
	if !ok {
		return UnlockResult{Status: UnlockRejectedUnknownApp, Reason: "no identity for " + logicalID}, nil
	}
	if app.Category != domain.CategoryReward {
		return UnlockResult{Status: UnlockRejectedNotRewardApp, Reason: app.Name() + " is not a reward app"}, nil
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	today := e.Today()
	spend := e.Spend(ctx)
	current, err := e.recompute(ctx, today, spend)
	if err != nil {
		return UnlockResult{}, err
	}

	cost := int64(minutes) * int64(app.PointsPerMinute)
	if cost > current.AvailablePoints {
		return UnlockResult{
			Status:    UnlockRejectedInsufficientPoints,
			Reason:    fmt.Sprintf("needs %d points, %d available", cost, current.AvailablePoints),
			Cost:      cost,
			Available: current.AvailablePoints,
		}, nil
	}

	now := e.clock.Now()
	res := domain.Reservation{
		ID:        uuid.NewString(),
		LogicalID: logicalID,
		Day:       today,
		Minutes:   minutes,
		Points:    cost,
		GrantedAt: now,
		ExpiresAt: now.Add(time.Duration(minutes) * time.Minute),
	}
	spend.Reservations = append(spend.Reservations, res)
	if err := e.saveSpend(ctx, spend); err != nil {
		return UnlockResult{}, err
	}
	if current, err = e.recompute(ctx, today, spend); err != nil {
		return UnlockResult{}, err
	}

	e.logger.Info("reward app unlocked",
		zap.String("logical_id", logicalID),
		zap.Int("minutes", minutes),
		zap.Int64("cost", cost),
		zap.Int64("available", current.AvailablePoints))

	return UnlockResult{
		Status:      UnlockGranted,
		Cost:        cost,
		Available:   current.AvailablePoints,
		Reservation: &res,
	}, nil
}

// Consume settles an unexpired reservation early, moving its points to the
// consumed total of the day that paid for it. It returns today's ledger.
func (e *Engine) Consume(ctx context.Context, reservationID string) (domain.RewardLedger, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	now := e.clock.Now()
	spend := e.Spend(ctx)
	kept := make([]domain.Reservation, 0, len(spend.Reservations))
	var found bool
	for _, r := range spend.Reservations {
		if r.ID == reservationID && r.ExpiresAt.After(now) {
			spend.Consumed[r.Day] += r.Points
			found = true
			continue
		}
		kept = append(kept, r)
	}
	if !found {
		current, err := e.recompute(ctx, e.Today(), spend)
		if err != nil {
			return domain.RewardLedger{}, err
		}
		return current, fmt.Errorf("%w: %s", ErrReservationNotFound, reservationID)
	}
	spend.Reservations = kept

	if err := e.saveSpend(ctx, spend); err != nil {
		return domain.RewardLedger{}, err
	}
	return e.recompute(ctx, e.Today(), spend)
}

// Ledger returns the stored ledger without recomputing.
func (e *Engine) Ledger(ctx context.Context) domain.RewardLedger {
	l, _ := ledger.Load(ctx, e.records, ledger.KeyRewardLedger, domain.RewardLedger{})
	return l
}

// Spend returns the stored spend ledger.
func (e *Engine) Spend(ctx context.Context) domain.SpendLedger {
	s, _ := ledger.Load(ctx, e.records, ledger.KeySpendLedger, domain.SpendLedger{})
	if s.Consumed == nil {
		s.Consumed = make(map[string]int64)
	}
	return s
}

// saveSpend folds expired reservations into their day's consumed total,
// drops days past retention and writes the spend ledger.
func (e *Engine) saveSpend(ctx context.Context, s domain.SpendLedger) error {
	now := e.clock.Now()
	open := s.Reservations[:0:0]
	for _, r := range s.Reservations {
		if r.ExpiresAt.After(now) {
			open = append(open, r)
			continue
		}
		s.Consumed[r.Day] += r.Points
	}
	s.Reservations = open

	cutoff := now.In(e.loc).AddDate(0, 0, -spendRetentionDays).Format(domain.DayLayout)
	for day := range s.Consumed {
		if day < cutoff {
			delete(s.Consumed, day)
		}
	}

	s.UpdatedAt = now
	return e.records.Save(ctx, ledger.KeySpendLedger, s)
}

// Streak returns the stored streak state.
func (e *Engine) Streak(ctx context.Context) domain.StreakState {
	s, _ := ledger.Load(ctx, e.records, ledger.KeyStreakState, domain.StreakState{})
	return s
}

// ActiveReservations returns the unexpired reservations for logicalID,
// including ones paid for by an earlier day.
func (e *Engine) ActiveReservations(ctx context.Context, logicalID string) []domain.Reservation {
	var out []domain.Reservation
	for _, r := range e.Active(ctx) {
		if r.LogicalID == logicalID {
			out = append(out, r)
		}
	}
	return out
}

// Active returns every unexpired reservation ordered by expiry.
func (e *Engine) Active(ctx context.Context) []domain.Reservation {
	now := e.clock.Now()
	var out []domain.Reservation
	for _, r := range e.Spend(ctx).Reservations {
		if r.ExpiresAt.After(now) {
			out = append(out, r)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ExpiresAt.Before(out[j].ExpiresAt) })
	return out
}

func (e *Engine) evaluateStreak(ctx context.Context, day string, qualifies bool) (domain.StreakState, error) {
	before := e.Streak(ctx)
	after := advanceStreak(before, day, qualifies, e.Today())
	if after == before {
		return after, nil
	}
	if err := e.records.Save(ctx, ledger.KeyStreakState, after); err != nil {
		return before, err
	}
	if after.CurrentStreak != before.CurrentStreak {
		e.logger.Info("streak changed",
			zap.String("day", day),
			zap.Int("current", after.CurrentStreak),
			zap.Int("longest", after.LongestStreak))
	}
	return after, nil
}

// settle derives reserved and available points from the other fields.
func settle(l *domain.RewardLedger) {
	var reserved int64
	for _, r := range l.Reservations {
		reserved += r.Points
	}
	l.ReservedPoints = reserved

	available := l.EarnedPoints + l.BonusPoints - l.ConsumedPoints - l.ReservedPoints
	if available < 0 {
		available = 0
	}
	l.AvailablePoints = available
}
