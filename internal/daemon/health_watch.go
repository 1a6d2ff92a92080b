package daemon

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/aminenidae/screentime-rewards/internal/domain"
	"github.com/aminenidae/screentime-rewards/internal/health"
)

// HealthWatchConfig holds health watch configuration.
type HealthWatchConfig struct {
	CheckInterval time.Duration // How often to check the observer heartbeat
}

// DefaultHealthWatchConfig returns default health watch configuration.
func DefaultHealthWatchConfig() HealthWatchConfig {
	return HealthWatchConfig{
		CheckInterval: 30 * time.Second,
	}
}

// HealthSource reports observer liveness.
type HealthSource interface {
	HealthStatus(ctx context.Context) health.Status
}

// TraceRecorder persists diagnostic entries.
type TraceRecorder interface {
	Entry(action, logicalID string, success bool, description string) domain.ErrorLogEntry
	Record(ctx context.Context, entries ...domain.ErrorLogEntry) error
}

// HealthWatch watches the observer heartbeat from the main process.
// A transition to unhealthy is logged and traced once; recovery is logged.
type HealthWatch struct {
	config  HealthWatchConfig
	source  HealthSource
	traces  TraceRecorder
	logger  *zap.Logger
	healthy bool
}

// NewHealthWatch creates a HealthWatch.
func NewHealthWatch(config HealthWatchConfig, source HealthSource, traces TraceRecorder, logger *zap.Logger) *HealthWatch {
	if config.CheckInterval <= 0 {
		config.CheckInterval = DefaultHealthWatchConfig().CheckInterval
	}
	return &HealthWatch{
		config:  config,
		source:  source,
		traces:  traces,
		logger:  logger,
		healthy: true,
	}
}

// Run starts the health watch loop.
// This blocks until context is canceled.
func (w *HealthWatch) Run(ctx context.Context) error {
	w.logger.Info("health watch started", zap.Duration("interval", w.config.CheckInterval))

	checkTicker := time.NewTicker(w.config.CheckInterval)
	defer checkTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			w.logger.Info("health watch stopping")
			return ctx.Err()

		case <-checkTicker.C:
			w.Check(ctx)
		}
	}
}

// Check evaluates liveness once and reports whether the observer is healthy.
func (w *HealthWatch) Check(ctx context.Context) bool {
	status := w.source.HealthStatus(ctx)

	if !status.Initialized {
		w.logger.Debug("observer has not reported yet")
		return false
	}

	switch {
	case !status.Healthy && w.healthy:
		w.logger.Warn("observer heartbeat stale",
			zap.Duration("since_last", status.SinceLast),
			zap.Int64("invocations", status.Invocations))
		entry := w.traces.Entry(domain.ActionHeartbeatUnhealthy, "", false,
			"no heartbeat for "+status.SinceLast.Round(time.Second).String())
		if err := w.traces.Record(ctx, entry); err != nil {
			w.logger.Warn("failed to record unhealthy heartbeat", zap.Error(err))
		}
	case status.Healthy && !w.healthy:
		w.logger.Info("observer heartbeat recovered")
	}

	w.healthy = status.Healthy
	return status.Healthy
}
