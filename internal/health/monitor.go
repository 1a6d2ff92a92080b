// Package health tracks observer liveness and infers monitoring coverage gaps.
package health

import (
	"context"
	"sort"
	"time"

	"go.uber.org/zap"

	"github.com/aminenidae/screentime-rewards/internal/clock"
	"github.com/aminenidae/screentime-rewards/internal/domain"
	"github.com/aminenidae/screentime-rewards/internal/ledger"
)

// Config holds liveness and gap detection settings.
type Config struct {
	UnhealthyThreshold time.Duration `yaml:"unhealthy_threshold"`
	ExpectedInterval   time.Duration `yaml:"expected_interval"`
	GapThreshold       time.Duration `yaml:"gap_threshold"`
	HeartbeatHistory   int           `yaml:"heartbeat_history"`
	Lookback           time.Duration `yaml:"lookback"`
}

// DefaultConfig returns the default settings.
func DefaultConfig() Config {
	return Config{
		UnhealthyThreshold: 120 * time.Second,
		ExpectedInterval:   60 * time.Second,
		HeartbeatHistory:   288,
		Lookback:           24 * time.Hour,
	}
}

// SessionSource provides the usage records of a day.
type SessionSource interface {
	Records(ctx context.Context, day string) []domain.UsageRecord
}

// Status is the liveness summary shown in diagnostics.
type Status struct {
	Healthy       bool          `json:"healthy"`
	Initialized   bool          `json:"initialized"`
	LastHeartbeat *time.Time    `json:"last_heartbeat,omitempty"`
	SinceLast     time.Duration `json:"since_last"`
	MemoryUsageMB float64       `json:"memory_usage_mb"`
	Invocations   int64         `json:"invocations"`
}

// Monitor is the Health Monitor & Gap Detector.
type Monitor struct {
	records  *ledger.Records
	sessions SessionSource
	cfg      Config
	clock    clock.Clock
	loc      *time.Location
	logger   *zap.Logger
}

// NewMonitor creates a Monitor. Zero config fields take their defaults.
func NewMonitor(records *ledger.Records, sessions SessionSource, cfg Config, clk clock.Clock, loc *time.Location, logger *zap.Logger) *Monitor {
	def := DefaultConfig()
	if cfg.UnhealthyThreshold <= 0 {
		cfg.UnhealthyThreshold = def.UnhealthyThreshold
	}
	if cfg.ExpectedInterval <= 0 {
		cfg.ExpectedInterval = def.ExpectedInterval
	}
	if cfg.HeartbeatHistory <= 0 {
		cfg.HeartbeatHistory = def.HeartbeatHistory
	}
	if cfg.Lookback <= 0 {
		cfg.Lookback = def.Lookback
	}
	if loc == nil {
		loc = time.Local
	}
	return &Monitor{
		records:  records,
		sessions: sessions,
		cfg:      cfg,
		clock:    clk,
		loc:      loc,
		logger:   logger,
	}
}

// Config returns the effective settings.
func (m *Monitor) Config() Config {
	return m.cfg
}

// RecordHeartbeat persists one observer invocation.
func (m *Monitor) RecordHeartbeat(ctx context.Context, memoryUsageMB float64) (domain.ExtensionHealth, error) {
	h := m.Health(ctx)
	now := m.clock.Now()

	h.Initialized = true
	h.LastHeartbeat = &now
	h.MemoryUsageMB = memoryUsageMB
	h.Invocations++
	h.RecentHeartbeats = append(h.RecentHeartbeats, now)
	if over := len(h.RecentHeartbeats) - m.cfg.HeartbeatHistory; over > 0 {
		h.RecentHeartbeats = append([]time.Time(nil), h.RecentHeartbeats[over:]...)
	}

	if err := m.records.Save(ctx, ledger.KeyHealth, h); err != nil {
		return h, err
	}
	return h, nil
}

// Health returns the stored liveness record.
func (m *Monitor) Health(ctx context.Context) domain.ExtensionHealth {
	h, _ := ledger.Load(ctx, m.records, ledger.KeyHealth, domain.ExtensionHealth{})
	return h
}

// IsHealthy reports whether the last heartbeat is within the unhealthy threshold.
func (m *Monitor) IsHealthy(ctx context.Context) bool {
	return m.Status(ctx).Healthy
}

// Status summarizes liveness.
func (m *Monitor) Status(ctx context.Context) Status {
	h := m.Health(ctx)
	s := Status{
		Initialized:   h.Initialized,
		LastHeartbeat: h.LastHeartbeat,
		MemoryUsageMB: h.MemoryUsageMB,
		Invocations:   h.Invocations,
	}
	if h.LastHeartbeat != nil {
		s.SinceLast = m.clock.Now().Sub(*h.LastHeartbeat)
		s.Healthy = s.SinceLast < m.cfg.UnhealthyThreshold
	}
	return s
}

// DetectGaps reports coverage gaps within the lookback window. Heartbeat
// spacing and trailing silence longer than the gap threshold are heartbeat
// absences; pauses between one app's sessions on one day are session
// discontinuities. A non-positive expected uses the configured interval.
func (m *Monitor) DetectGaps(ctx context.Context, expected time.Duration) []domain.UsageGap {
	if expected <= 0 {
		expected = m.cfg.ExpectedInterval
	}
	threshold := m.cfg.GapThreshold
	if threshold <= 0 {
		threshold = 2 * expected
	}

	now := m.clock.Now()
	windowStart := now.Add(-m.cfg.Lookback)

	var gaps []domain.UsageGap
	gaps = append(gaps, m.heartbeatGaps(m.Health(ctx), windowStart, now, threshold)...)
	gaps = append(gaps, m.sessionGaps(ctx, windowStart, now, threshold)...)

	sort.SliceStable(gaps, func(i, j int) bool { return gaps[i].Start.Before(gaps[j].Start) })
	if len(gaps) > 0 {
		m.logger.Debug("coverage gaps detected", zap.Int("count", len(gaps)), zap.Duration("threshold", threshold))
	}
	return gaps
}

func (m *Monitor) heartbeatGaps(h domain.ExtensionHealth, windowStart, now time.Time, threshold time.Duration) []domain.UsageGap {
	if !h.Initialized || h.LastHeartbeat == nil {
		return nil
	}

	var beats []time.Time
	for _, b := range h.RecentHeartbeats {
		if !b.Before(windowStart) && !b.After(now) {
			beats = append(beats, b)
		}
	}
	sort.Slice(beats, func(i, j int) bool { return beats[i].Before(beats[j]) })

	var gaps []domain.UsageGap
	for i := 1; i < len(beats); i++ {
		if beats[i].Sub(beats[i-1]) > threshold {
			gaps = append(gaps, newGap(beats[i-1], beats[i], domain.DetectionHeartbeatAbsence, ""))
		}
	}

	last := *h.LastHeartbeat
	if last.Before(windowStart) {
		last = windowStart
	}
	if now.Sub(last) > threshold {
		gaps = append(gaps, newGap(last, now, domain.DetectionHeartbeatAbsence, ""))
	}
	return gaps
}

func (m *Monitor) sessionGaps(ctx context.Context, windowStart, now time.Time, threshold time.Duration) []domain.UsageGap {
	if m.sessions == nil {
		return nil
	}

	var gaps []domain.UsageGap
	for _, day := range daysBetween(windowStart, now, m.loc) {
		for _, rec := range m.sessions.Records(ctx, day) {
			sessions := append([]domain.Session(nil), rec.Sessions...)
			sort.Slice(sessions, func(i, j int) bool { return sessions[i].Start.Before(sessions[j].Start) })

			for i := 1; i < len(sessions); i++ {
				prev := sessions[i-1]
				if prev.End == nil {
					continue
				}
				start, end := *prev.End, sessions[i].Start
				if start.Before(windowStart) || end.After(now) {
					continue
				}
				if end.Sub(start) > threshold {
					gaps = append(gaps, newGap(start, end, domain.DetectionSessionDiscontinuity, rec.LogicalID))
				}
			}
		}
	}
	return gaps
}

func newGap(start, end time.Time, method domain.DetectionMethod, logicalID string) domain.UsageGap {
	return domain.UsageGap{
		Start:           start,
		End:             end,
		DurationMinutes: end.Sub(start).Minutes(),
		Method:          method,
		LogicalID:       logicalID,
	}
}

// daysBetween lists calendar days from from to to inclusive in loc.
func daysBetween(from, to time.Time, loc *time.Location) []string {
	from, to = from.In(loc), to.In(loc)
	cur := time.Date(from.Year(), from.Month(), from.Day(), 0, 0, 0, 0, loc)
	var days []string
	for !cur.After(to) {
		days = append(days, cur.Format(domain.DayLayout))
		cur = cur.AddDate(0, 0, 1)
	}
	return days
}
