package usage

import (
	"sort"
	"time"

	"github.com/aminenidae/screentime-rewards/internal/domain"
)

// interval is the half-open span [start, end).
type interval struct {
	start time.Time
	end   time.Time
}

func (iv interval) seconds() int64 {
	return int64(iv.end.Sub(iv.start) / time.Second)
}

func (iv interval) empty() bool {
	return !iv.end.After(iv.start)
}

// dayInterval is the part of an interval that falls on one calendar day.
type dayInterval struct {
	day string
	interval
}

// sessionIntervals returns the closed sessions of rec as intervals.
func sessionIntervals(sessions []domain.Session) []interval {
	out := make([]interval, 0, len(sessions))
	for _, s := range sessions {
		if s.End == nil {
			continue
		}
		out = append(out, interval{start: s.Start, end: *s.End})
	}
	return out
}

// mergeIntervals sorts and coalesces overlapping or touching intervals.
func mergeIntervals(in []interval) []interval {
	if len(in) == 0 {
		return nil
	}
	sorted := append([]interval(nil), in...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].start.Before(sorted[j].start) })

	out := []interval{sorted[0]}
	for _, iv := range sorted[1:] {
		last := &out[len(out)-1]
		if !iv.start.After(last.end) {
			if iv.end.After(last.end) {
				last.end = iv.end
			}
			continue
		}
		out = append(out, iv)
	}
	return out
}

// subtract returns the parts of iv not covered by covered, which must be
// sorted and merged.
func subtract(iv interval, covered []interval) []interval {
	var out []interval
	cur := iv.start
	for _, c := range covered {
		if !c.end.After(cur) {
			continue
		}
		if !c.start.Before(iv.end) {
			break
		}
		if c.start.After(cur) {
			out = append(out, interval{start: cur, end: c.start})
		}
		cur = c.end
		if !cur.Before(iv.end) {
			return out
		}
	}
	if cur.Before(iv.end) {
		out = append(out, interval{start: cur, end: iv.end})
	}
	return out
}

// splitByDay cuts iv at local midnights in loc.
func splitByDay(iv interval, loc *time.Location) []dayInterval {
	var out []dayInterval
	cur := iv.start
	for cur.Before(iv.end) {
		local := cur.In(loc)
		next := time.Date(local.Year(), local.Month(), local.Day()+1, 0, 0, 0, 0, loc)
		end := iv.end
		if next.Before(end) {
			end = next
		}
		out = append(out, dayInterval{
			day:      local.Format(domain.DayLayout),
			interval: interval{start: cur, end: end},
		})
		cur = end
	}
	return out
}
