package usecase

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/aminenidae/screentime-rewards/internal/catalog"
	"github.com/aminenidae/screentime-rewards/internal/domain"
)

// ProcessSink is a BlockingSink that terminates the running processes of a
// blocked app. Process names come from the app catalog.
type ProcessSink struct {
	catalog        *catalog.Catalog
	processManager domain.ProcessManager
	logger         *zap.Logger
}

var _ domain.BlockingSink = (*ProcessSink)(nil)

// NewProcessSink creates a ProcessSink.
func NewProcessSink(c *catalog.Catalog, pm domain.ProcessManager, logger *zap.Logger) *ProcessSink {
	if c == nil {
		c = catalog.Empty()
	}
	return &ProcessSink{catalog: c, processManager: pm, logger: logger}
}

// Block kills the app's processes. Individual kill failures are logged, not returned.
func (s *ProcessSink) Block(_ context.Context, app domain.AppIdentity) error {
	s.Terminate(app)
	return nil
}

// Unblock has nothing to undo; the app may simply be launched again.
func (s *ProcessSink) Unblock(_ context.Context, app domain.AppIdentity) error {
	s.logger.Debug("unblock", zap.String("logical_id", app.LogicalID))
	return nil
}

// Terminate kills every process matching the app's catalog process names.
func (s *ProcessSink) Terminate(app domain.AppIdentity) domain.EnforcementResult {
	start := time.Now()

	result := domain.EnforcementResult{
		LogicalID:  app.LogicalID,
		KilledPIDs: make([]int, 0),
		Errors:     make([]error, 0),
		ExecutedAt: start,
	}

	for _, pattern := range s.catalog.ProcessNamesFor(app) {
		pids, err := s.processManager.FindByName(pattern)
		if err != nil {
			s.logger.Warn("failed to find processes",
				zap.String("pattern", pattern),
				zap.Error(err))
			result.Errors = append(result.Errors, err)
			continue
		}

		for _, pid := range pids {
			if err := s.processManager.Kill(pid); err != nil {
				s.logger.Warn("failed to kill process",
					zap.Int("pid", pid),
					zap.Error(err))
				result.Errors = append(result.Errors, err)
			} else {
				s.logger.Info("killed process",
					zap.String("logical_id", app.LogicalID),
					zap.Int("pid", pid),
					zap.String("pattern", pattern))
				result.KilledPIDs = append(result.KilledPIDs, pid)
			}
		}
	}

	result.DurationMs = time.Since(start).Milliseconds()
	return result
}

// Enforcer re-applies the shield set: every shielded app without an active
// reservation has its processes terminated.
type Enforcer struct {
	ledger *Ledger
	sink   *ProcessSink
	logger *zap.Logger
}

// NewEnforcer creates an Enforcer.
func NewEnforcer(l *Ledger, sink *ProcessSink, logger *zap.Logger) *Enforcer {
	return &Enforcer{ledger: l, sink: sink, logger: logger}
}

// Enforce runs one pass over the shield set.
func (e *Enforcer) Enforce(ctx context.Context) ([]domain.EnforcementResult, error) {
	members := e.ledger.Shielded(ctx).Members
	apps := e.ledger.resolver.ByLogicalID(ctx)
	results := make([]domain.EnforcementResult, 0, len(members))

	for _, id := range members {
		if err := ctx.Err(); err != nil {
			return results, err
		}
		app, ok := apps[id]
		if !ok {
			e.logger.Warn("shielded app has no identity", zap.String("logical_id", id))
			continue
		}
		if len(e.ledger.ActiveReservations(ctx, id)) > 0 {
			e.logger.Debug("shield lifted by reservation", zap.String("logical_id", id))
			continue
		}

		result := e.sink.Terminate(app)
		if len(result.KilledPIDs) > 0 || len(result.Errors) > 0 {
			entry := e.ledger.errors.Entry(domain.ActionEnforce, id, len(result.Errors) == 0, joinErrors(result.Errors))
			_ = e.ledger.errors.Record(ctx, entry)
		}
		results = append(results, result)
	}

	return results, nil
}

func joinErrors(errs []error) string {
	var s string
	for i, err := range errs {
		if i > 0 {
			s += "; "
		}
		s += err.Error()
	}
	return s
}
