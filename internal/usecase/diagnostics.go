package usecase

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/aminenidae/screentime-rewards/internal/domain"
)

// Diagnostics assembles the support report from health, gap detection and
// the error log. Line-oriented "key: value" blocks; not a versioned format.
func (l *Ledger) Diagnostics(ctx context.Context) string {
	var b strings.Builder

	status := l.health.Status(ctx)
	b.WriteString("[health]\n")
	fmt.Fprintf(&b, "healthy: %t\n", status.Healthy)
	fmt.Fprintf(&b, "initialized: %t\n", status.Initialized)
	if status.LastHeartbeat != nil {
		fmt.Fprintf(&b, "last_heartbeat: %s\n", status.LastHeartbeat.In(l.loc).Format(time.RFC3339))
		fmt.Fprintf(&b, "since_last: %s\n", status.SinceLast.Round(time.Second))
	} else {
		b.WriteString("last_heartbeat: never\n")
	}
	fmt.Fprintf(&b, "memory_usage_mb: %.2f\n", status.MemoryUsageMB)
	fmt.Fprintf(&b, "invocations: %d\n", status.Invocations)
	fmt.Fprintf(&b, "unhealthy_threshold: %s\n", l.health.Config().UnhealthyThreshold)

	gaps := l.DetectGaps(ctx)
	b.WriteString("\n[gaps]\n")
	fmt.Fprintf(&b, "count: %d\n", len(gaps))
	for _, g := range gaps {
		line := fmt.Sprintf("gap: %s - %s (%.1f min, %s",
			g.Start.In(l.loc).Format(time.RFC3339),
			g.End.In(l.loc).Format(time.RFC3339),
			g.DurationMinutes, g.Method)
		if g.LogicalID != "" {
			line += ", " + g.LogicalID
		}
		b.WriteString(line + ")\n")
	}

	counts := l.errors.Counts(ctx)
	b.WriteString("\n[counters]\n")
	fmt.Fprintf(&b, "shielded_apps: %d\n", len(l.shield.Snapshot(ctx).Members))
	fmt.Fprintf(&b, "known_apps: %d\n", len(l.resolver.List(ctx)))
	actions := make([]string, 0, len(counts))
	for a := range counts {
		actions = append(actions, a)
	}
	sort.Strings(actions)
	for _, a := range actions {
		fmt.Fprintf(&b, "%s: %d\n", a, counts[a])
	}

	entries := l.errors.Entries(ctx)
	b.WriteString("\n[error_log]\n")
	fmt.Fprintf(&b, "entries: %d/%d\n", len(entries), l.errors.Capacity())
	for _, e := range entries {
		b.WriteString(formatEntry(e, l.loc))
	}

	return b.String()
}

func formatEntry(e domain.ErrorLogEntry, loc *time.Location) string {
	result := "ok"
	if !e.Success {
		result = "fail"
	}
	line := fmt.Sprintf("%s %s %s", e.Timestamp.In(loc).Format(time.RFC3339), e.Action, result)
	if e.LogicalID != "" {
		line += " app=" + e.LogicalID
	}
	if e.ErrorDescription != "" {
		line += " error=" + e.ErrorDescription
	}
	return line + fmt.Sprintf(" mem=%.1fMB\n", e.MemoryUsageMB)
}
