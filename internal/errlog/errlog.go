// Package errlog keeps the capped error and trace log shared by both
// processes. Entries are appended oldest first and the oldest are dropped
// once the log exceeds its capacity.
package errlog

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/aminenidae/screentime-rewards/internal/clock"
	"github.com/aminenidae/screentime-rewards/internal/domain"
	"github.com/aminenidae/screentime-rewards/internal/ledger"
)

// DefaultCapacity is the number of entries retained when none is configured.
const DefaultCapacity = 200

// Log is the ring buffer persisted under the error_log key.
type Log struct {
	records  *ledger.Records
	capacity int
	memory   domain.MemoryProbe
	clock    clock.Clock
	logger   *zap.Logger
}

var _ ledger.FaultReporter = (*Log)(nil)

// New creates a Log. records must not report faults back into this Log.
// memory may be nil, in which case entries carry 0 MB.
func New(records *ledger.Records, capacity int, memory domain.MemoryProbe, clk clock.Clock, logger *zap.Logger) *Log {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Log{
		records:  records,
		capacity: capacity,
		memory:   memory,
		clock:    clk,
		logger:   logger,
	}
}

// Capacity returns the maximum number of retained entries.
func (l *Log) Capacity() int {
	return l.capacity
}

// Entry builds an entry stamped with a fresh id, the current time, and memory usage.
func (l *Log) Entry(action, logicalID string, success bool, description string) domain.ErrorLogEntry {
	var mb float64
	if l.memory != nil {
		mb = l.memory.MemoryUsageMB()
	}
	return domain.ErrorLogEntry{
		ID:               uuid.NewString(),
		Timestamp:        l.clock.Now(),
		Action:           action,
		Success:          success,
		ErrorDescription: description,
		MemoryUsageMB:    mb,
		LogicalID:        logicalID,
	}
}

// Record appends entries in one read-modify-write of the log.
func (l *Log) Record(ctx context.Context, entries ...domain.ErrorLogEntry) error {
	if len(entries) == 0 {
		return nil
	}

	log := l.load(ctx)
	log.Entries = append(log.Entries, entries...)
	if over := len(log.Entries) - l.capacity; over > 0 {
		log.Entries = append([]domain.ErrorLogEntry(nil), log.Entries[over:]...)
	}

	if err := l.records.Save(ctx, ledger.KeyErrorLog, log); err != nil {
		l.logger.Warn("failed to persist error log",
			zap.Int("entries", len(entries)),
			zap.Error(err))
		return err
	}
	return nil
}

// Trace records a successful informational entry.
func (l *Log) Trace(ctx context.Context, action, logicalID string) error {
	return l.Record(ctx, l.Entry(action, logicalID, true, ""))
}

// Failure records a failed entry carrying err's message.
func (l *Log) Failure(ctx context.Context, action, logicalID string, err error) error {
	desc := ""
	if err != nil {
		desc = err.Error()
	}
	return l.Record(ctx, l.Entry(action, logicalID, false, desc))
}

// ReportReadFault implements ledger.FaultReporter.
func (l *Log) ReportReadFault(ctx context.Context, key string, err error) {
	if ferr := l.Failure(ctx, domain.ActionStoreReadFailure, "", fmt.Errorf("%s: %w", key, err)); ferr != nil {
		l.logger.Debug("read fault not recorded", zap.String("key", key), zap.Error(ferr))
	}
}

// Entries returns the retained entries, oldest first.
func (l *Log) Entries(ctx context.Context) []domain.ErrorLogEntry {
	return l.load(ctx).Entries
}

// Counts tallies retained entries by action.
func (l *Log) Counts(ctx context.Context) map[string]int {
	counts := make(map[string]int)
	for _, e := range l.load(ctx).Entries {
		counts[e.Action]++
	}
	return counts
}

// Clear drops every entry.
func (l *Log) Clear(ctx context.Context) error {
	return l.records.Save(ctx, ledger.KeyErrorLog, domain.ErrorLog{})
}

func (l *Log) load(ctx context.Context) domain.ErrorLog {
	log, _ := ledger.Load(ctx, l.records, ledger.KeyErrorLog, domain.ErrorLog{})
	return log
}
