// Package usage turns threshold events into per-app per-day usage records.
//
// Ingestion is idempotent under replay: an event's interval is reduced by
// the union of sessions already recorded for that app and day, and only the
// uncovered remainder is counted. Shielded apps are filtered out before any
// time is added.
package usage

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"go.uber.org/zap"

	"github.com/aminenidae/screentime-rewards/internal/clock"
	"github.com/aminenidae/screentime-rewards/internal/domain"
	"github.com/aminenidae/screentime-rewards/internal/errlog"
	"github.com/aminenidae/screentime-rewards/internal/identity"
	"github.com/aminenidae/screentime-rewards/internal/ledger"
	"github.com/aminenidae/screentime-rewards/internal/shield"
)

// AppDelta is the change applied to one usage record.
type AppDelta struct {
	LogicalID    string `json:"logical_id"`
	Day          string `json:"day"`
	AddedSeconds int64  `json:"added_seconds"`
	TotalSeconds int64  `json:"total_seconds"`
}

// IngestResult summarizes one Ingest call.
type IngestResult struct {
	EventName      string     `json:"event_name"`
	Days           []string   `json:"days"`
	Applied        []AppDelta `json:"applied"`
	SkippedBlocked int        `json:"skipped_blocked"`
	Duplicates     int        `json:"duplicates"`
}

// AddedSeconds totals the seconds added across all apps.
func (r IngestResult) AddedSeconds() int64 {
	var total int64
	for _, d := range r.Applied {
		total += d.AddedSeconds
	}
	return total
}

// Ingestor is the Event Ingestor & Aggregator.
type Ingestor struct {
	records  *ledger.Records
	resolver *identity.Resolver
	shield   *shield.Tracker
	errors   *errlog.Log
	clock    clock.Clock
	loc      *time.Location
	logger   *zap.Logger
}

// NewIngestor creates an Ingestor. Days are computed in loc.
func NewIngestor(
	records *ledger.Records,
	resolver *identity.Resolver,
	tracker *shield.Tracker,
	log *errlog.Log,
	clk clock.Clock,
	loc *time.Location,
	logger *zap.Logger,
) *Ingestor {
	if loc == nil {
		loc = time.Local
	}
	return &Ingestor{
		records:  records,
		resolver: resolver,
		shield:   tracker,
		errors:   log,
		clock:    clk,
		loc:      loc,
		logger:   logger,
	}
}

// Day returns the calendar day of t in the ingestor's location.
func (i *Ingestor) Day(t time.Time) string {
	return t.In(i.loc).Format(domain.DayLayout)
}

// Location returns the location used for day boundaries.
func (i *Ingestor) Location() *time.Location {
	return i.loc
}

// Ingest applies one threshold event. Empty handle sets and non-positive
// durations are no-ops. The only errors are store write failures; resolution
// and filtering cannot fail.
func (i *Ingestor) Ingest(ctx context.Context, ev domain.ThresholdEvent) (IngestResult, error) {
	result := IngestResult{EventName: ev.Name}

	seconds := int64(ev.Elapsed / time.Second)
	handles := uniqueHandles(ev.Handles)
	if seconds <= 0 || len(handles) == 0 {
		i.logger.Debug("threshold event ignored",
			zap.String("event", ev.Name),
			zap.Int("handles", len(handles)),
			zap.Duration("elapsed", ev.Elapsed))
		return result, nil
	}

	occurredAt := ev.OccurredAt
	if occurredAt.IsZero() {
		occurredAt = i.clock.Now()
	}
	end := occurredAt.Truncate(time.Second)
	pieces := splitByDay(interval{start: end.Add(-time.Duration(seconds) * time.Second), end: end}, i.loc)
	for _, p := range pieces {
		result.Days = append(result.Days, p.day)
	}

	sightings := make([]identity.Sighting, len(handles))
	for n, h := range handles {
		sightings[n] = identity.Sighting{Handle: h}
	}
	apps := i.resolver.ResolveAll(ctx, sightings)

	// Read once per event: a block issued by the other process since the
	// previous event must take effect.
	shielded := i.shield.Snapshot(ctx)

	var traces []domain.ErrorLogEntry
	var errs []error

	for _, app := range apps {
		if shielded.Contains(app.LogicalID) {
			result.SkippedBlocked++
			traces = append(traces, i.errors.Entry(domain.ActionSkipBlocked, app.LogicalID, true, ""))
			continue
		}

		for _, p := range pieces {
			delta, err := i.apply(ctx, app.LogicalID, p)
			if err != nil {
				errs = append(errs, err)
				traces = append(traces, i.errors.Entry(domain.ActionStoreWriteFailure, app.LogicalID, false, err.Error()))
				continue
			}
			if delta.AddedSeconds == 0 {
				result.Duplicates++
				traces = append(traces, i.errors.Entry(domain.ActionDiscardDuplicate, app.LogicalID, true, ""))
				continue
			}
			result.Applied = append(result.Applied, delta)
		}
	}

	if err := i.errors.Record(ctx, traces...); err != nil {
		i.logger.Warn("failed to record ingest traces", zap.Error(err))
	}

	i.logger.Info("threshold event ingested",
		zap.String("event", ev.Name),
		zap.Int("apps", len(apps)),
		zap.Int64("added_seconds", result.AddedSeconds()),
		zap.Int("skipped_blocked", result.SkippedBlocked),
		zap.Int("duplicates", result.Duplicates))

	return result, errors.Join(errs...)
}

// apply adds the uncovered part of p to the app's record for p.day.
func (i *Ingestor) apply(ctx context.Context, logicalID string, p dayInterval) (AppDelta, error) {
	rec := i.Record(ctx, logicalID, p.day)
	delta := AppDelta{LogicalID: logicalID, Day: p.day, TotalSeconds: rec.TotalSeconds}

	fresh := subtract(p.interval, mergeIntervals(sessionIntervals(rec.Sessions)))
	if len(fresh) == 0 {
		return delta, nil
	}

	for _, f := range fresh {
		end := f.end
		rec.Sessions = append(rec.Sessions, domain.Session{Start: f.start, End: &end})
	}
	sort.SliceStable(rec.Sessions, func(a, b int) bool {
		return rec.Sessions[a].Start.Before(rec.Sessions[b].Start)
	})

	before := rec.TotalSeconds
	rec.TotalSeconds = rec.SessionSeconds()
	if p.end.After(rec.LastEventTimestamp) {
		rec.LastEventTimestamp = p.end
	}

	if err := i.records.Save(ctx, ledger.UsageKey(logicalID, p.day), rec); err != nil {
		return delta, fmt.Errorf("failed to update usage for %s: %w", logicalID, err)
	}

	delta.AddedSeconds = rec.TotalSeconds - before
	delta.TotalSeconds = rec.TotalSeconds
	return delta, nil
}

// Record returns the usage record for (logicalID, day), zeroed if absent.
func (i *Ingestor) Record(ctx context.Context, logicalID, day string) domain.UsageRecord {
	rec, _ := ledger.Load(ctx, i.records, ledger.UsageKey(logicalID, day), domain.UsageRecord{})
	rec.LogicalID = logicalID
	rec.Day = day
	return rec
}

// Records returns every usage record for day, sorted by logical ID.
func (i *Ingestor) Records(ctx context.Context, day string) []domain.UsageRecord {
	var out []domain.UsageRecord
	for _, key := range i.records.Keys(ctx, ledger.UsagePrefix) {
		id, d, ok := ledger.ParseUsageKey(key)
		if !ok || d != day {
			continue
		}
		out = append(out, i.Record(ctx, id, d))
	}
	sort.Slice(out, func(a, b int) bool { return out[a].LogicalID < out[b].LogicalID })
	return out
}

// Days returns every day that has at least one usage record, ascending.
func (i *Ingestor) Days(ctx context.Context) []string {
	seen := make(map[string]bool)
	var days []string
	for _, key := range i.records.Keys(ctx, ledger.UsagePrefix) {
		if _, d, ok := ledger.ParseUsageKey(key); ok && !seen[d] {
			seen[d] = true
			days = append(days, d)
		}
	}
	sort.Strings(days)
	return days
}

// Reset clears the usage of one app for one day. It is the only operation
// that decreases a total.
func (i *Ingestor) Reset(ctx context.Context, logicalID, day string) error {
	if err := i.records.Delete(ctx, ledger.UsageKey(logicalID, day)); err != nil {
		return err
	}
	i.logger.Info("usage reset", zap.String("logical_id", logicalID), zap.String("day", day))
	return nil
}

// Prune deletes usage records for days before the given day.
func (i *Ingestor) Prune(ctx context.Context, before string) (int, error) {
	var removed int
	for _, key := range i.records.Keys(ctx, ledger.UsagePrefix) {
		_, d, ok := ledger.ParseUsageKey(key)
		if !ok || d >= before {
			continue
		}
		if err := i.records.Delete(ctx, key); err != nil {
			return removed, err
		}
		removed++
	}
	return removed, nil
}

func uniqueHandles(handles []string) []string {
	seen := make(map[string]bool, len(handles))
	out := make([]string, 0, len(handles))
	for _, h := range handles {
		if h == "" || seen[h] {
			continue
		}
		seen[h] = true
		out = append(out, h)
	}
	return out
}
