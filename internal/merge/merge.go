// Package merge implements the deterministic conflict-resolution engine.
//
// Apply is a pure function: given the current record, a candidate batch, the
// policy, and a single captured "now", it decides which candidates survive
// and produces the next profile, its provenance, and the journal entries for
// both acceptances and rejections. It performs no I/O and takes no clock
// readings beyond the Now it is handed.
package merge

import (
	"sort"

	"github.com/kagami-ai/kagami/internal/model"
)

// Input is one merge invocation.
type Input struct {
	Profile    map[string]any
	Provenance map[string]model.FieldProvenance
	Candidates []model.Candidate
	Policy     model.Policy

	// Nullable decides whether null may be written into a field (rule 6).
	// Nil means no field is nullable.
	Nullable func(field string) bool

	// SkipRecencyCheck disables the age-based rule 3 rejection. The patch
	// pipeline sets it so trusted backfills always land; rules 4 through 6
	// still apply.
	SkipRecencyCheck bool

	// NowMS stamps candidates that carry no timestamp.
	NowMS int64
}

// Result is the outcome of a merge. Profile and Provenance are fresh maps;
// the input record is never mutated.
type Result struct {
	Profile    map[string]any
	Provenance map[string]model.FieldProvenance
	Updated    []string
	Rejected   []model.Rejection
	History    []model.HistoryEntry
}

// Apply processes the batch in deterministic order: descending effective
// source priority, then descending timestamp, then descending confidence,
// then ascending field name. Within a batch the best candidate per field wins
// and lesser same-field candidates are rejected as older_timestamp.
func Apply(in Input) Result {
	res := Result{
		Profile:    make(map[string]any, len(in.Profile)+len(in.Candidates)),
		Provenance: make(map[string]model.FieldProvenance, len(in.Provenance)+len(in.Candidates)),
	}
	for k, v := range in.Profile {
		res.Profile[k] = v
	}
	for k, v := range in.Provenance {
		res.Provenance[k] = v
	}

	batch := make([]model.Candidate, len(in.Candidates))
	copy(batch, in.Candidates)
	for i := range batch {
		if batch[i].TimestampMS == 0 {
			batch[i].TimestampMS = in.NowMS
		}
	}
	sort.SliceStable(batch, func(i, j int) bool {
		pi, pj := in.Policy.Priority(batch[i].Source), in.Policy.Priority(batch[j].Source)
		if pi != pj {
			return pi > pj
		}
		if batch[i].TimestampMS != batch[j].TimestampMS {
			return batch[i].TimestampMS > batch[j].TimestampMS
		}
		if batch[i].Confidence != batch[j].Confidence {
			return batch[i].Confidence > batch[j].Confidence
		}
		return batch[i].Field < batch[j].Field
	})

	for _, c := range batch {
		decide(&res, c, in)
	}
	return res
}

func decide(res *Result, c model.Candidate, in Input) {
	// Rule 1: a candidate whose value key was absent entirely.
	if c.Absent {
		reject(res, c, model.ReasonSchemaInvalid, "value is absent")
		return
	}

	// Rule 2: confidence floor. Exactly MinConfidence is accepted.
	if c.Confidence < in.Policy.MinConfidence {
		reject(res, c, model.ReasonLowConfidence, "")
		return
	}

	existing, hasExisting := res.Provenance[c.Field]
	if hasExisting {
		candPri := in.Policy.Priority(c.Source)
		existPri := in.Policy.Priority(existing.Source)

		// Rule 3: stale lower-or-equal-priority candidate outside the
		// recency window.
		if !in.SkipRecencyCheck &&
			candPri <= existPri &&
			c.TimestampMS <= existing.TimestampMS &&
			existing.TimestampMS-c.TimestampMS >= in.Policy.RecencyWindowMS {
			reject(res, c, model.ReasonOutsideRecency, "")
			return
		}

		// Rule 4: same priority, not strictly newer. An exact timestamp tie
		// preserves the existing value.
		if candPri == existPri && c.TimestampMS <= existing.TimestampMS {
			reject(res, c, model.ReasonOlderTimestamp, "")
			return
		}

		// Rule 5: lower priority that rule 3 did not already catch.
		if candPri < existPri {
			reject(res, c, model.ReasonLowerPriority, "")
			return
		}
	}

	// Rule 6: null into a non-nullable field.
	if c.Value == nil && (in.Nullable == nil || !in.Nullable(c.Field)) {
		reject(res, c, model.ReasonNotNullable, "")
		return
	}

	// Rule 7: accept.
	value := c.Value
	if s, isStr := value.(string); isStr {
		value = model.TruncateRunes(s, in.Policy.MaxFieldLength)
	}

	var previous any
	if hasExisting {
		previous = res.Profile[c.Field]
	}

	action := model.ActionSet
	if value == nil {
		action = model.ActionDelete
	}

	res.Profile[c.Field] = value
	res.Provenance[c.Field] = model.FieldProvenance{
		Value:       value,
		Source:      c.Source,
		TimestampMS: c.TimestampMS,
		Confidence:  c.Confidence,
		Inferred:    c.Inferred,
	}
	res.Updated = append(res.Updated, c.Field)
	res.History = append(res.History, model.HistoryEntry{
		Field:         c.Field,
		Value:         value,
		PreviousValue: previous,
		Source:        c.Source,
		TimestampMS:   c.TimestampMS,
		Confidence:    c.Confidence,
		Inferred:      c.Inferred,
		Action:        action,
	})
}

func reject(res *Result, c model.Candidate, reason model.Reason, detail string) {
	res.Rejected = append(res.Rejected, model.Rejection{
		Field:  c.Field,
		Reason: reason,
		Detail: detail,
	})
	res.History = append(res.History, model.HistoryEntry{
		Field:       c.Field,
		Value:       c.Value,
		Source:      c.Source,
		TimestampMS: c.TimestampMS,
		Confidence:  c.Confidence,
		Inferred:    c.Inferred,
		Action:      model.ActionRejected,
		Reason:      reason,
	})
}
