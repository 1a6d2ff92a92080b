// Package domain contains core business entities and interfaces.
// This is the innermost layer - no external dependencies.
package domain

import (
	"fmt"
	"strings"
	"time"
)

// DayLayout is the calendar-day format used in ledger keys and records.
const DayLayout = "2006-01-02"

// Category is the closed set of app categories.
type Category string

const (
	CategoryLearning Category = "learning"
	CategoryReward   Category = "reward"
)

var categoryLabels = map[Category]string{
	CategoryLearning: "Learning",
	CategoryReward:   "Reward",
}

// Categories returns every category in display order.
func Categories() []Category {
	return []Category{CategoryLearning, CategoryReward}
}

// ParseCategory accepts the category name case-insensitively.
func ParseCategory(s string) (Category, error) {
	c := Category(strings.ToLower(strings.TrimSpace(s)))
	if !c.Valid() {
		return "", fmt.Errorf("unknown category %q (want learning or reward)", s)
	}
	return c, nil
}

// Valid reports whether c is one of the known categories.
func (c Category) Valid() bool {
	_, ok := categoryLabels[c]
	return ok
}

// Label returns the human-readable name for display.
func (c Category) Label() string {
	if l, ok := categoryLabels[c]; ok {
		return l
	}
	return "Unknown"
}

// AppIdentity is the ledger's durable record of one physical app.
// HandleHash -> LogicalID is a bijection for the lifetime of the install.
type AppIdentity struct {
	LogicalID       string    `json:"logical_id"`
	HandleHash      string    `json:"handle_hash"`
	PackageID       string    `json:"package_id,omitempty"`
	DisplayName     string    `json:"display_name"`
	Category        Category  `json:"category"`
	PointsPerMinute int       `json:"points_per_minute"`
	FirstSeen       time.Time `json:"first_seen"`
}

// Name returns the display name, or a placeholder when the platform withheld it.
func (a AppIdentity) Name() string {
	if a.DisplayName == "" {
		return "Unknown App"
	}
	return a.DisplayName
}

// IdentityMap is the persisted handleHash -> identity table.
type IdentityMap struct {
	Entries   map[string]AppIdentity `json:"entries"`
	UpdatedAt time.Time              `json:"updated_at"`
}

// AppRate is a category and rate set by the parent for one handle.
type AppRate struct {
	Category        Category `json:"category"`
	PointsPerMinute int      `json:"points_per_minute"`
}

// AppRates holds parent-set rates keyed by handle hash. Only the main process
// writes it; entries override the category and rate in the identity map.
type AppRates struct {
	Entries   map[string]AppRate `json:"entries"`
	UpdatedAt time.Time          `json:"updated_at"`
}

// Apply returns id with its stored rate, if any.
func (r AppRates) Apply(id AppIdentity) AppIdentity {
	if rate, ok := r.Entries[id.HandleHash]; ok {
		id.Category = rate.Category
		id.PointsPerMinute = rate.PointsPerMinute
	}
	return id
}

// AppMetadata is the display metadata diagnostics tooling reads per logical ID.
type AppMetadata struct {
	DisplayName string   `json:"display_name"`
	PackageID   string   `json:"package_id,omitempty"`
	Category    Category `json:"category"`
}

// EventMapping maps logical IDs to display metadata.
type EventMapping struct {
	Entries map[string]AppMetadata `json:"entries"`
}

// Session is one span of foreground time. End is nil while the session is open.
type Session struct {
	Start time.Time  `json:"start"`
	End   *time.Time `json:"end,omitempty"`
}

// Seconds returns the session length. Open sessions count as zero.
func (s Session) Seconds() int64 {
	if s.End == nil {
		return 0
	}
	return int64(s.End.Sub(s.Start) / time.Second)
}

// UsageRecord is the per (logicalID, day) usage row.
// TotalSeconds always equals the sum of session durations.
type UsageRecord struct {
	LogicalID          string    `json:"logical_id"`
	Day                string    `json:"day"`
	TotalSeconds       int64     `json:"total_seconds"`
	Sessions           []Session `json:"sessions"`
	LastEventTimestamp time.Time `json:"last_event_timestamp"`
}

// SessionSeconds recomputes the total from the session list.
func (r UsageRecord) SessionSeconds() int64 {
	var total int64
	for _, s := range r.Sessions {
		total += s.Seconds()
	}
	return total
}

// ShieldState is the set of logical IDs currently blocked.
type ShieldState struct {
	Members   []string  `json:"members"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Contains reports whether id is shielded.
func (s ShieldState) Contains(id string) bool {
	for _, m := range s.Members {
		if m == id {
			return true
		}
	}
	return false
}

// Reservation is an active reward-app unlock window paid for with points.
type Reservation struct {
	ID        string    `json:"id"`
	LogicalID string    `json:"logical_id"`
	Day       string    `json:"day"` // day whose points pay for it
	Minutes   int       `json:"minutes"`
	Points    int64     `json:"points"`
	GrantedAt time.Time `json:"granted_at"`
	ExpiresAt time.Time `json:"expires_at"`
}

// SpendLedger records points spent on reward apps: open reservations and,
// per day, points already settled. Only unlock and consume commands write it;
// recomputation from usage reads it and never writes it back.
type SpendLedger struct {
	Reservations []Reservation    `json:"reservations"`
	Consumed     map[string]int64 `json:"consumed"`
	UpdatedAt    time.Time        `json:"updated_at"`
}

// RewardLedger is the point state for one calendar day.
type RewardLedger struct {
	Day             string           `json:"day"`
	PerAppPoints    map[string]int64 `json:"per_app_points"`
	EarnedPoints    int64            `json:"earned_points"`
	BonusPercent    int              `json:"bonus_percent"`
	BonusPoints     int64            `json:"bonus_points"`
	ConsumedPoints  int64            `json:"consumed_points"`
	ReservedPoints  int64            `json:"reserved_points"`
	AvailablePoints int64            `json:"available_points"`
	Reservations    []Reservation    `json:"reservations"`
	ComputedAt      time.Time        `json:"computed_at"`
}

// StreakState tracks consecutive qualifying days.
// An empty LastQualifyingDay means no day has qualified yet.
type StreakState struct {
	CurrentStreak     int    `json:"current_streak"`
	LongestStreak     int    `json:"longest_streak"`
	LastQualifyingDay string `json:"last_qualifying_day,omitempty"`
	LastEvaluatedDay  string `json:"last_evaluated_day,omitempty"`
}

// ExtensionHealth is the observer liveness record.
type ExtensionHealth struct {
	Initialized      bool        `json:"initialized"`
	LastHeartbeat    *time.Time  `json:"last_heartbeat,omitempty"`
	MemoryUsageMB    float64     `json:"memory_usage_mb"`
	RecentHeartbeats []time.Time `json:"recent_heartbeats,omitempty"`
	Invocations      int64       `json:"invocations"`
}

// DetectionMethod says how a gap was inferred.
type DetectionMethod string

const (
	DetectionHeartbeatAbsence     DetectionMethod = "heartbeat_absence"
	DetectionSessionDiscontinuity DetectionMethod = "session_discontinuity"
)

// UsageGap is a diagnostic signal. Gaps never mutate usage totals.
type UsageGap struct {
	Start           time.Time       `json:"start"`
	End             time.Time       `json:"end"`
	DurationMinutes float64         `json:"duration_minutes"`
	Method          DetectionMethod `json:"detection_method"`
	LogicalID       string          `json:"logical_id,omitempty"`
}

// ErrorLogEntry is one trace or failure in the capped error log.
type ErrorLogEntry struct {
	ID               string    `json:"id"`
	Timestamp        time.Time `json:"timestamp"`
	Action           string    `json:"action"`
	Success          bool      `json:"success"`
	ErrorDescription string    `json:"error_description,omitempty"`
	MemoryUsageMB    float64   `json:"memory_usage_mb"`
	LogicalID        string    `json:"logical_id,omitempty"`
}

// ErrorLog is the persisted ring buffer, oldest first.
type ErrorLog struct {
	Entries []ErrorLogEntry `json:"entries"`
}

// Error log actions.
const (
	ActionSkipBlocked        = "skip_blocked"
	ActionDiscardDuplicate   = "discard_duplicate"
	ActionStoreReadFailure   = "store_read_failure"
	ActionStoreWriteFailure  = "store_write_failure"
	ActionHeartbeat          = "heartbeat"
	ActionHeartbeatUnhealthy = "heartbeat_unhealthy"
	ActionUnlockRejected     = "unlock_rejected"
	ActionEnforce            = "shield_enforce"
)

// ThresholdEvent is the inbound contract from the platform activity observer.
// Delivered at-least-once, possibly with overlapping windows.
type ThresholdEvent struct {
	Name       string        `json:"event_name"`
	Handles    []string      `json:"app_handles"`
	Elapsed    time.Duration `json:"elapsed"`
	OccurredAt time.Time     `json:"occurred_at"`
}

// AppUsage is one row of the UI snapshot.
type AppUsage struct {
	LogicalID    string   `json:"logical_id"`
	DisplayName  string   `json:"display_name"`
	Category     Category `json:"category"`
	TotalSeconds int64    `json:"total_seconds"`
	EarnedPoints int64    `json:"earned_points"`
	Shielded     bool     `json:"shielded"`
}

// UsageSnapshot is the pull-model view the UI renders.
type UsageSnapshot struct {
	Day             string             `json:"day"`
	PerApp          []AppUsage         `json:"per_app"`
	CategoryTotals  map[Category]int64 `json:"category_totals"`
	AvailablePoints int64              `json:"available_points"`
	ReservedPoints  int64              `json:"reserved_points"`
	Reservations    []Reservation      `json:"reservations"`
	Streak          StreakState        `json:"streak"`
	Healthy         bool               `json:"healthy"`
	GeneratedAt     time.Time          `json:"generated_at"`
}

// EnforcementResult captures what happened during a single shield enforcement run.
type EnforcementResult struct {
	LogicalID  string
	KilledPIDs []int
	Errors     []error
	ExecutedAt time.Time
	DurationMs int64
}
