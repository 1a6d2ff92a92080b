package reward

import (
	"time"

	"github.com/aminenidae/screentime-rewards/internal/domain"
)

// advanceStreak evaluates one day against the streak state. today is the
// current calendar day; a non-qualifying day only breaks a streak once it has
// closed, since later usage may still qualify it.
func advanceStreak(s domain.StreakState, day string, qualifies bool, today string) domain.StreakState {
	if s.LastQualifyingDay != "" && day < s.LastQualifyingDay {
		return s
	}

	if qualifies {
		switch {
		case day == s.LastQualifyingDay:
			// already counted
		case s.LastQualifyingDay == "" || daysBetween(s.LastQualifyingDay, day) == 1:
			s.CurrentStreak++
			s.LastQualifyingDay = day
		default:
			s.CurrentStreak = 1
			s.LastQualifyingDay = day
		}
	} else if s.LastQualifyingDay == "" {
		s.CurrentStreak = 0
	} else {
		gap := daysBetween(s.LastQualifyingDay, day)
		if gap > 1 || (gap == 1 && day < today) {
			s.CurrentStreak = 0
		}
	}

	if s.CurrentStreak > s.LongestStreak {
		s.LongestStreak = s.CurrentStreak
	}
	if day > s.LastEvaluatedDay {
		s.LastEvaluatedDay = day
	}
	return s
}

// daysBetween returns the number of calendar days from a to b.
// Unparseable days count as far apart.
func daysBetween(a, b string) int {
	ta, errA := time.Parse(domain.DayLayout, a)
	tb, errB := time.Parse(domain.DayLayout, b)
	if errA != nil || errB != nil {
		return 1 << 30
	}
	return int(tb.Sub(ta).Hours() / 24)
}
