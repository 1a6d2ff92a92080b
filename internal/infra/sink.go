package infra

import (
	"context"

	"go.uber.org/zap"

	"github.com/aminenidae/screentime-rewards/internal/domain"
)

// LogSink is a BlockingSink that only logs commands. Used where the platform
// blocking mechanism lives outside this process.
type LogSink struct {
	logger *zap.Logger
}

var _ domain.BlockingSink = (*LogSink)(nil)

// NewLogSink creates a LogSink.
func NewLogSink(logger *zap.Logger) *LogSink {
	return &LogSink{logger: logger}
}

func (s *LogSink) Block(_ context.Context, app domain.AppIdentity) error {
	s.logger.Info("block command", zap.String("logical_id", app.LogicalID), zap.String("app", app.Name()))
	return nil
}

func (s *LogSink) Unblock(_ context.Context, app domain.AppIdentity) error {
	s.logger.Info("unblock command", zap.String("logical_id", app.LogicalID), zap.String("app", app.Name()))
	return nil
}
