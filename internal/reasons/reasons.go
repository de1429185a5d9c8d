// Package reasons holds the stable, machine-readable codes attached to
// confidence scores, conflict resolutions, queue failures and recovery
// events.
package reasons

import (
	"slices"
	"sort"
)

// Code is a stable explanation tag. Codes never change once published.
type Code string

// Category groups codes by the component that emits them.
type Category string

const (
	CategoryScoring    Category = "scoring"
	CategoryResolution Category = "resolution"
	CategoryStore      Category = "store"
	CategoryQueue      Category = "queue"
	CategoryRecovery   Category = "recovery"
)

const (
	FreshnessRecent  Code = "freshness_recent"
	FreshnessDecayed Code = "freshness_decayed"
	FreshnessFloor   Code = "freshness_floor"
	SourceTrustHigh  Code = "source_trust_high"
	SourceTrustMid   Code = "source_trust_medium"
	SourceTrustLow   Code = "source_trust_low"
	SchemaValid      Code = "schema_valid"
	SchemaInvalid    Code = "schema_invalid"
	SchemaUnchecked  Code = "schema_unchecked"
	TelemetryAligned Code = "telemetry_aligned"
	TelemetryDrift   Code = "telemetry_degraded"
	UserOverride     Code = "user_override"

	SingleCandidate Code = "single_candidate"
	CandidatesAgree Code = "candidates_agree"
	AutoAccepted    Code = "auto_accepted"
	BelowThreshold  Code = "below_threshold"
	MarginTooSmall  Code = "margin_too_small"
	WinnerInvalid   Code = "winner_schema_invalid"
	UserAccepted    Code = "user_accepted"
	UserRejected    Code = "user_rejected"
	CommitFailed    Code = "commit_failed"
	ConflictsPurged Code = "resolved_conflicts_purged"

	StorageFull        Code = "storage_full"
	StorageDegraded    Code = "storage_degraded"
	CorruptionDetected Code = "corruption_detected"

	Stale       Code = "stale"
	MaxAttempts Code = "max_attempts"
	QueueFull   Code = "queue_full"

	RecoveryCompleted Code = "recovery_completed"
	RecoveryFailed    Code = "recovery_failed"
	RecoveryTimeout   Code = "recovery_timeout"
	DataLoss          Code = "data_loss"
	ChaosFault        Code = "chaos_fault"
)

// Info documents one code for operators.
type Info struct {
	Code     Code     `json:"code"`
	Category Category `json:"category"`
	Title    string   `json:"title"`
}

var catalogue = []Info{
	{FreshnessRecent, CategoryScoring, "Observed within roughly one half-life"},
	{FreshnessDecayed, CategoryScoring, "Observation has aged past one half-life"},
	{FreshnessFloor, CategoryScoring, "Freshness reached its floor; source kept for review"},
	{SourceTrustHigh, CategoryScoring, "Source trust at or above 0.7"},
	{SourceTrustMid, CategoryScoring, "Source trust between 0.4 and 0.7"},
	{SourceTrustLow, CategoryScoring, "Source trust below 0.4"},
	{SchemaValid, CategoryScoring, "Value passed its namespace schema"},
	{SchemaInvalid, CategoryScoring, "Value failed its namespace schema"},
	{SchemaUnchecked, CategoryScoring, "No schema registered for the namespace"},
	{TelemetryAligned, CategoryScoring, "Origin latency and error rate within target"},
	{TelemetryDrift, CategoryScoring, "Origin latency or error rate beyond target"},
	{UserOverride, CategoryScoring, "Origin previously accepted by a user for this key"},

	{SingleCandidate, CategoryResolution, "Only one candidate arrived; written directly"},
	{CandidatesAgree, CategoryResolution, "All candidates carried the same value"},
	{AutoAccepted, CategoryResolution, "Top candidate cleared threshold and margin"},
	{BelowThreshold, CategoryResolution, "Top confidence below the auto-accept threshold"},
	{MarginTooSmall, CategoryResolution, "Top two candidates too close to call"},
	{WinnerInvalid, CategoryResolution, "Top candidate failed schema validation"},
	{UserAccepted, CategoryResolution, "A user accepted a candidate"},
	{UserRejected, CategoryResolution, "A user rejected every candidate"},
	{CommitFailed, CategoryResolution, "Winning value could not be written to the store"},
	{ConflictsPurged, CategoryResolution, "Resolved conflicts removed by retention"},

	{StorageFull, CategoryStore, "Write refused: eviction could not free enough space"},
	{StorageDegraded, CategoryStore, "Backend unavailable; serving from memory"},
	{CorruptionDetected, CategoryStore, "Record failed authentication or checksum"},

	{Stale, CategoryQueue, "Command exceeded its maximum staleness"},
	{MaxAttempts, CategoryQueue, "Command failed on every allowed attempt"},
	{QueueFull, CategoryQueue, "Command dropped to make room in a full queue"},

	{RecoveryCompleted, CategoryRecovery, "Store rebuilt from snapshot and queue replay"},
	{RecoveryFailed, CategoryRecovery, "Recovery could not restore a consistent store"},
	{RecoveryTimeout, CategoryRecovery, "Recovery exceeded its time budget"},
	{DataLoss, CategoryRecovery, "Fewer keys after recovery than before"},
	{ChaosFault, CategoryRecovery, "Fault injected by the active chaos profile"},
}

var byCode = func() map[Code]Info {
	m := make(map[Code]Info, len(catalogue))
	for _, info := range catalogue {
		m[info.Code] = info
	}
	return m
}()

// All lists every known code ordered by category then code.
func All() []Info {
	out := slices.Clone(catalogue)
	sort.Slice(out, func(i, j int) bool {
		if out[i].Category != out[j].Category {
			return out[i].Category < out[j].Category
		}
		return out[i].Code < out[j].Code
	})
	return out
}

// Lookup returns the catalogue entry for code.
func Lookup(code Code) (Info, bool) {
	info, ok := byCode[code]
	return info, ok
}

// Set returns the distinct codes as sorted strings.
func Set(codes ...Code) []string {
	out := make([]string, 0, len(codes))
	for _, c := range codes {
		out = append(out, string(c))
	}
	sort.Strings(out)
	return slices.Compact(out)
}

// Merge unions sorted code sets.
func Merge(sets ...[]string) []string {
	var out []string
	for _, s := range sets {
		out = append(out, s...)
	}
	sort.Strings(out)
	return slices.Compact(out)
}
