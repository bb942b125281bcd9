package kagami

// Public mirrors of the internal vocabulary. These structs have no internal
// imports; conversion helpers live in kagami.go, the only file that sees
// both sides of the boundary.

// Well-known sources with built-in priorities. Any other source string is
// legal and ranks at priority zero unless the policy says otherwise.
const (
	SourceCRM      = "crm"
	SourceManual   = "manual"
	SourceObserve  = "observe"
	SourceInferred = "inferred"
)

// Action classifies a history entry.
type Action string

const (
	ActionSet      Action = "set"
	ActionDelete   Action = "delete"
	ActionRejected Action = "rejected"
)

// Reason is a stable rejection code, part of the public result contract.
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

// Provenance records where a field's current value came from.
type Provenance struct {
	Value       any     `json:"value"`
	Source      string  `json:"source"`
	TimestampMS int64   `json:"timestamp_ms"`
	Confidence  float64 `json:"confidence"`
	Inferred    bool    `json:"inferred"`
}

// Rejection explains why a candidate did not apply.
type Rejection struct {
	Field  string `json:"field"`
	Reason Reason `json:"reason"`
	Detail string `json:"detail,omitempty"`
}

// HistoryEntry is one record of the append-only journal.
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

// Record is a subject's stored profile with provenance and version.
type Record struct {
	Profile    map[string]any        `json:"profile"`
	Provenance map[string]Provenance `json:"provenance"`
	ETag       string                `json:"etag"`
}

// Policy governs the merge.
type Policy struct {
	// SourcePriority ranks origins; higher wins. Unlisted sources rank 0.
	SourcePriority map[string]int
	// MinConfidence is the acceptance floor. A candidate at exactly the
	// floor is accepted.
	MinConfidence float64
	// RecencyWindowMS is how much older than the existing value a
	// same-or-lower-priority candidate may be before it is stale.
	RecencyWindowMS int64
	// MaxFieldLength truncates accepted string values.
	MaxFieldLength int
}

// ExtrasPolicy governs sanitization of the free-form extras map. The zero
// value of every field means the stock default, so a partial policy only
// overrides what it sets; in particular arrays and nested objects stay
// allowed unless explicitly disallowed.
type ExtrasPolicy struct {
	// KeyPattern is a regular expression keys must match. An invalid
	// pattern fails New.
	KeyPattern            string
	MaxKeyLength          int
	MaxKeys               int
	MaxStringLength       int
	MaxNestingDepth       int
	MaxArrayLength        int
	DisallowArrays        bool
	DisallowNestedObjects bool
}

// ObserveRequest feeds conversational text through the extractor.
type ObserveRequest struct {
	Subject string
	// Input is the user's utterance; Output the assistant's reply.
	Input  string
	Output string
	// Source overrides the default source ("observe") for non-inferred
	// candidates.
	Source string
	// Confidence, when set, overrides the extractor's per-candidate scores.
	Confidence *float64
	// IdempotencyKey makes replays within the TTL return the first result.
	IdempotencyKey string
	// Mode is "sync" (default) or "async".
	Mode string
	// ExtractFrom selects the text fed to the extractor: "input" (default),
	// "output", or "both".
	ExtractFrom string
	// OnError is "skip" (default: extraction failures yield zero candidates)
	// or "throw" (the extractor error is returned).
	OnError string
	// Context is passed through to the extractor prompt.
	Context map[string]any
}

// ObserveResult is the outcome of an observe call. In async mode Profile is
// the pre-dispatch snapshot, Queued is true, and Updated, Rejected, and
// Extracted are empty; the background outcome arrives via the
// observe_complete event carrying the same RequestID.
type ObserveResult struct {
	Profile     map[string]any `json:"profile"`
	Updated     map[string]any `json:"updated"`
	Rejected    []Rejection    `json:"rejected"`
	Extracted   map[string]any `json:"extracted"`
	RawResponse string         `json:"raw_response,omitempty"`
	LatencyMS   int64          `json:"latency_ms,omitempty"`
	Queued      bool           `json:"queued,omitempty"`
	RequestID   string         `json:"request_id"`
	ETag        string         `json:"etag,omitempty"`
}

// PatchRequest applies trusted facts directly. Patch skips the recency check
// so backfills with older timestamps still land (the other merge rules
// apply).
type PatchRequest struct {
	Subject string
	Facts   map[string]any
	// Source defaults to "manual".
	Source string
	// Confidence defaults to 1.
	Confidence *float64
	// TimestampMS stamps all facts; zero means the server clock.
	TimestampMS    int64
	IdempotencyKey string
}

// PatchResult is the outcome of a patch call.
type PatchResult struct {
	Profile  map[string]any `json:"profile"`
	Updated  map[string]any `json:"updated"`
	Rejected []Rejection    `json:"rejected"`
	ETag     string         `json:"etag"`
}

// HistoryQuery pages through a subject's journal.
type HistoryQuery struct {
	Field  string
	Cursor string
	Limit  int
}

// HistoryPage is one page of journal entries. A non-empty NextCursor means
// more entries exist; pass it back unchanged to resume.
type HistoryPage struct {
	Entries    []HistoryEntry `json:"entries"`
	NextCursor string         `json:"next_cursor,omitempty"`
}

// PromptOptions tune FactsForPrompt and Filters.
type PromptOptions struct {
	Select       []string
	IncludeNulls bool
}

// UpdateEvent reports fields that changed in a committed write. Profile is
// the full post-merge snapshot.
type UpdateEvent struct {
	Subject string
	Updated map[string]any
	Profile map[string]any
	ETag    string
}

// ConflictEvent reports candidates the merge turned away.
type ConflictEvent struct {
	Subject  string
	Rejected []Rejection
}

// ObserveCompleteEvent reports a finished asynchronous observation. Exactly
// one of Err or the result fields is populated.
type ObserveCompleteEvent struct {
	Subject   string
	RequestID string
	Profile   map[string]any
	Extracted map[string]any
	Updated   map[string]any
	Err       error
}

// ExtractionRequest is handed to a custom Extractor.
type ExtractionRequest struct {
	Input      string
	Output     string
	Descriptor map[string]any
	Context    map[string]any
}

// ExtractionResult is returned by a custom Extractor.
type ExtractionResult struct {
	Candidates  []ExtractedCandidate
	RawResponse string
	LatencyMS   int64
}

// ExtractedCandidate is one fact proposed by an extractor.
type ExtractedCandidate struct {
	Field       string
	Value       any
	Confidence  float64
	Inferred    bool
	Source      string
	TimestampMS int64
}
