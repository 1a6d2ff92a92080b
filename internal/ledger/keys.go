// Package ledger defines the record schema shared by every process that
// reads or writes the ledger store: key names, the record codec, and typed
// load/save helpers that substitute defaults for missing or corrupt records.
package ledger

import "strings"

// Record keys. Each key holds one independently serialized record.
const (
	KeyIdentityMap  = "identity_map"
	KeyShieldSet    = "shield_set"
	KeyRewardLedger = "reward_ledger"
	KeySpendLedger  = "spend_ledger"
	KeyAppRates     = "app_rates"
	KeyStreakState  = "streak_state"
	KeyHealth       = "health"
	KeyErrorLog     = "error_log"
	KeyEventMapping = "event_mapping"

	// UsagePrefix starts every per-app per-day usage key.
	UsagePrefix = "usage::"
)

const usageSep = "::"

// UsageKey returns the key of the usage record for (logicalID, day).
func UsageKey(logicalID, day string) string {
	return UsagePrefix + logicalID + usageSep + day
}

// ParseUsageKey splits a usage key into its logical ID and day.
func ParseUsageKey(key string) (logicalID, day string, ok bool) {
	rest, found := strings.CutPrefix(key, UsagePrefix)
	if !found {
		return "", "", false
	}
	i := strings.LastIndex(rest, usageSep)
	if i <= 0 || i+len(usageSep) >= len(rest) {
		return "", "", false
	}
	return rest[:i], rest[i+len(usageSep):], true
}
