// Package model defines the shared vocabulary for fact-sheet records:
// profiles, provenance, candidates, history entries, and the merge policy.
// Every internal package speaks these types; the public root package mirrors
// them with curated structs and converts at the boundary.
package model

import "time"

// Source names with built-in priority rankings. Any other source string is
// accepted and ranks at priority 0 unless the policy says otherwise.
const (
	SourceCRM      = "crm"
	SourceManual   = "manual"
	SourceObserve  = "observe"
	SourceInferred = "inferred"
)

// Action enumerates history journal actions.
type Action string

const (
	ActionSet      Action = "set"
	ActionDelete   Action = "delete" // null write into a nullable field
	ActionRejected Action = "rejected"
)

// Reason enumerates rejection reason codes. These are part of the public
// result contract and must stay stable.
type Reason string

const (
	ReasonSchemaInvalid  Reason = "schema_invalid"
	ReasonUnknownField   Reason = "unknown_field"
	ReasonLowConfidence  Reason = "low_confidence"
	ReasonLowerPriority  Reason = "lower_priority"
	ReasonOutsideRecency Reason = "outside_recency"
	ReasonOlderTimestamp Reason = "older_timestamp"
	ReasonNotNullable    Reason = "not_nullable"
	ReasonExtrasInvalid  Reason = "extras_invalid"
)

// FieldProvenance records where a profile field's current value came from.
// Profile and provenance maps share the same key set at every observable point.
type FieldProvenance struct {
	Value       any     `json:"value"`
	Source      string  `json:"source"`
	TimestampMS int64   `json:"timestamp_ms"`
	Confidence  float64 `json:"confidence"`
	Inferred    bool    `json:"inferred"`
}

// Candidate is a proposed field update prior to merge-policy evaluation.
// A zero TimestampMS means "now at merge time"; an empty Source is filled by
// the pipeline before the merge runs (inferred, request source, or manual).
type Candidate struct {
	Field       string  `json:"field"`
	Value       any     `json:"value"`
	Confidence  float64 `json:"confidence"`
	Inferred    bool    `json:"inferred"`
	Source      string  `json:"source,omitempty"`
	TimestampMS int64   `json:"timestamp_ms,omitempty"`

	// Absent marks a candidate whose value key was missing entirely (as
	// opposed to an explicit null). Rejected as schema_invalid by rule 1.
	Absent bool `json:"-"`
}

// Rejection explains why a candidate did not apply.
type Rejection struct {
	Field  string `json:"field"`
	Reason Reason `json:"reason"`
	Detail string `json:"detail,omitempty"`
}

// HistoryEntry is one append-only journal record. Every accepted candidate
// produces a set/delete entry and every rejection produces a rejected entry,
// so the journal is a complete audit trail.
type HistoryEntry struct {
	Field         string  `json:"field"`
	Value         any     `json:"value"`
	PreviousValue any     `json:"previous_value,omitempty"`
	Source        string  `json:"source"`
	TimestampMS   int64   `json:"timestamp_ms"`
	Confidence    float64 `json:"confidence"`
	Inferred      bool    `json:"inferred"`
	Action        Action  `json:"action"`
	Reason        Reason  `json:"reason,omitempty"`
}

// Record is the stored triple for one subject. ETag is an opaque
// monotonically-increasing token used for optimistic concurrency; its concrete
// form is adapter-private but always a string externally.
type Record struct {
	Profile    map[string]any
	Provenance map[string]FieldProvenance
	ETag       string
}

// Clone returns a deep-enough copy for merge input: the maps are copied, the
// values are shared (the merge engine never mutates candidate or field values
// in place).
func (r *Record) Clone() Record {
	out := Record{
		Profile:    make(map[string]any, len(r.Profile)),
		Provenance: make(map[string]FieldProvenance, len(r.Provenance)),
		ETag:       r.ETag,
	}
	for k, v := range r.Profile {
		out.Profile[k] = v
	}
	for k, v := range r.Provenance {
		out.Provenance[k] = v
	}
	return out
}

// Policy controls conflict resolution and field constraints during a merge.
type Policy struct {
	SourcePriority  map[string]int `json:"source_priority"`
	MinConfidence   float64        `json:"min_confidence"`
	RecencyWindowMS int64          `json:"recency_window_ms"`
	MaxFieldLength  int            `json:"max_field_length"`
	ExtrasMaxKeys   int            `json:"extras_max_keys"`
}

// DefaultPolicy returns the merge policy used when the caller supplies none.
func DefaultPolicy() Policy {
	return Policy{
		SourcePriority: map[string]int{
			SourceCRM:      3,
			SourceManual:   2,
			SourceObserve:  1,
			SourceInferred: 0,
		},
		MinConfidence:   0.5,
		RecencyWindowMS: (24 * time.Hour).Milliseconds(),
		MaxFieldLength:  512,
		ExtrasMaxKeys:   50,
	}
}

// Priority resolves a source's effective priority under this policy.
// Unknown sources rank at 0.
func (p Policy) Priority(source string) int {
	if p.SourcePriority == nil {
		return 0
	}
	return p.SourcePriority[source]
}

// NowMS converts a time to the millisecond epoch used throughout the journal.
func NowMS(t time.Time) int64 { return t.UnixMilli() }

// TruncateRunes bounds s to n characters without splitting a rune.
// n <= 0 means unbounded.
func TruncateRunes(s string, n int) string {
	if n <= 0 {
		return s
	}
	runes := []rune(s)
	if len(runes) <= n {
		return s
	}
	return string(runes[:n])
}
