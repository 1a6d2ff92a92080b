package health

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/aminenidae/screentime-rewards/internal/clock"
	"github.com/aminenidae/screentime-rewards/internal/domain"
	"github.com/aminenidae/screentime-rewards/internal/infra"
	"github.com/aminenidae/screentime-rewards/internal/ledger"
)

type mockSessions map[string][]domain.UsageRecord

func (m mockSessions) Records(_ context.Context, day string) []domain.UsageRecord {
	return m[day]
}

var start = time.Date(2026, 5, 2, 10, 0, 0, 0, time.UTC)

func newTestMonitor(t *testing.T, sessions SessionSource, cfg Config) (*Monitor, *clock.FakeClock) {
	t.Helper()
	clk := clock.Fake(start)
	records := ledger.NewRecords(infra.NewMemoryStore(), 0, zap.NewNop())
	return NewMonitor(records, sessions, cfg, clk, time.UTC, zap.NewNop()), clk
}

func TestIsHealthy(t *testing.T) {
	m, clk := newTestMonitor(t, nil, Config{})
	ctx := context.Background()

	assert.False(t, m.IsHealthy(ctx), "never initialized")

	_, err := m.RecordHeartbeat(ctx, 3.2)
	require.NoError(t, err)
	assert.True(t, m.IsHealthy(ctx))

	clk.Advance(119 * time.Second)
	assert.True(t, m.IsHealthy(ctx))

	clk.Advance(11 * time.Second)
	assert.False(t, m.IsHealthy(ctx), "130s without heartbeat")
}

func TestRecordHeartbeat(t *testing.T) {
	m, clk := newTestMonitor(t, nil, Config{HeartbeatHistory: 3})
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		_, err := m.RecordHeartbeat(ctx, float64(i))
		require.NoError(t, err)
		clk.Advance(time.Minute)
	}

	h := m.Health(ctx)
	assert.True(t, h.Initialized)
	assert.Equal(t, int64(5), h.Invocations)
	assert.Equal(t, 4.0, h.MemoryUsageMB)
	require.Len(t, h.RecentHeartbeats, 3)
	assert.True(t, h.RecentHeartbeats[0].Equal(start.Add(2*time.Minute)))
	require.NotNil(t, h.LastHeartbeat)
	assert.True(t, h.LastHeartbeat.Equal(start.Add(4*time.Minute)))
}

func TestDetectGaps_HeartbeatAbsence(t *testing.T) {
	m, clk := newTestMonitor(t, nil, Config{})
	ctx := context.Background()

	beat := func() {
		_, err := m.RecordHeartbeat(ctx, 1)
		require.NoError(t, err)
	}

	beat()
	clk.Advance(time.Minute)
	beat()
	clk.Advance(10 * time.Minute)
	beat()
	clk.Advance(time.Minute)
	beat()

	gaps := m.DetectGaps(ctx, time.Minute)
	require.Len(t, gaps, 1)
	assert.Equal(t, domain.DetectionHeartbeatAbsence, gaps[0].Method)
	assert.True(t, gaps[0].Start.Equal(start.Add(time.Minute)))
	assert.InDelta(t, 10.0, gaps[0].DurationMinutes, 0.001)
}

func TestDetectGaps_TrailingSilence(t *testing.T) {
	m, clk := newTestMonitor(t, nil, Config{})
	ctx := context.Background()

	_, err := m.RecordHeartbeat(ctx, 1)
	require.NoError(t, err)
	clk.Advance(5 * time.Minute)

	gaps := m.DetectGaps(ctx, time.Minute)
	require.Len(t, gaps, 1)
	assert.True(t, gaps[0].End.Equal(clk.Now()))
	assert.InDelta(t, 5.0, gaps[0].DurationMinutes, 0.001)
}

func TestDetectGaps_NeverInitialized(t *testing.T) {
	m, _ := newTestMonitor(t, nil, Config{})
	assert.Empty(t, m.DetectGaps(context.Background(), time.Minute))
}

func TestDetectGaps_SessionDiscontinuity(t *testing.T) {
	at := func(min int) time.Time { return start.Add(time.Duration(min) * time.Minute) }
	end := func(min int) *time.Time { t := at(min); return &t }

	sessions := mockSessions{
		"2026-05-02": {{
			LogicalID: "app-learn",
			Sessions: []domain.Session{
				{Start: at(0), End: end(5)},
				{Start: at(6), End: end(10)},
				{Start: at(30), End: end(35)},
			},
		}},
	}
	m, clk := newTestMonitor(t, sessions, Config{})
	clk.Set(at(36))
	ctx := context.Background()

	_, err := m.RecordHeartbeat(ctx, 1)
	require.NoError(t, err)

	gaps := m.DetectGaps(ctx, time.Minute)
	require.Len(t, gaps, 1)
	assert.Equal(t, domain.DetectionSessionDiscontinuity, gaps[0].Method)
	assert.Equal(t, "app-learn", gaps[0].LogicalID)
	assert.True(t, gaps[0].Start.Equal(at(10)))
	assert.InDelta(t, 20.0, gaps[0].DurationMinutes, 0.001)
}

func TestDetectGaps_ConfiguredThreshold(t *testing.T) {
	m, clk := newTestMonitor(t, nil, Config{GapThreshold: 10 * time.Minute})
	ctx := context.Background()

	_, err := m.RecordHeartbeat(ctx, 1)
	require.NoError(t, err)
	clk.Advance(5 * time.Minute)

	assert.Empty(t, m.DetectGaps(ctx, time.Minute))
}

func TestDetectGaps_DoesNotMutateUsage(t *testing.T) {
	rec := domain.UsageRecord{LogicalID: "app-learn", TotalSeconds: 300}
	sessions := mockSessions{"2026-05-02": {rec}}
	m, _ := newTestMonitor(t, sessions, Config{})

	m.DetectGaps(context.Background(), time.Minute)
	assert.Equal(t, int64(300), sessions["2026-05-02"][0].TotalSeconds)
}

func TestDaysBetween(t *testing.T) {
	from := time.Date(2026, 5, 1, 23, 0, 0, 0, time.UTC)
	to := time.Date(2026, 5, 3, 1, 0, 0, 0, time.UTC)
	assert.Equal(t, []string{"2026-05-01", "2026-05-02", "2026-05-03"}, daysBetween(from, to, time.UTC))
}
