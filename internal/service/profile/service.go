// Package profile provides the shared business logic for profile operations.
//
// Both the HTTP API and MCP server delegate to this service, keeping
// behavior (schema gating, merge policy, conditional persistence, events,
// idempotency) identical across all interfaces. The write pipeline is
// read, validate, merge, persist with one retry on a concurrent write,
// emit, cache.
package profile

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/metric"
	"golang.org/x/sync/semaphore"

	"github.com/kagami-ai/kagami/internal/events"
	"github.com/kagami-ai/kagami/internal/extract"
	"github.com/kagami-ai/kagami/internal/extras"
	"github.com/kagami-ai/kagami/internal/idem"
	"github.com/kagami-ai/kagami/internal/merge"
	"github.com/kagami-ai/kagami/internal/model"
	"github.com/kagami-ai/kagami/internal/store"
	"github.com/kagami-ai/kagami/internal/telemetry"
	"github.com/kagami-ai/kagami/schema"
)

// DefaultMaxAsyncWorkers bounds concurrently running background observes.
const DefaultMaxAsyncWorkers = 8

// ErrExtractorNotConfigured is returned by observe when no extractor was
// wired in. It is a programming error, not an operational one.
var ErrExtractorNotConfigured = errors.New("profile: extractor not configured")

// PersistenceError reports a write that lost the optimistic-concurrency race
// on both the initial attempt and the single retry.
type PersistenceError struct {
	Attempts int
	Cause    error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("profile: write failed after %d attempts: %v", e.Attempts, e.Cause)
}

func (e *PersistenceError) Unwrap() error { return e.Cause }

// Extractor turns conversational text into candidate facts.
type Extractor interface {
	Extract(ctx context.Context, req extract.Request) (extract.Result, error)
}

// Service encapsulates profile business logic shared by HTTP and MCP
// handlers.
type Service struct {
	store        store.Store
	schema       *schema.Schema
	policy       model.Policy
	extrasPolicy extras.Policy
	extractor    Extractor
	emitter      *events.Emitter
	cache        *idem.Cache
	logger       *slog.Logger
	now          func() time.Time

	asyncSem *semaphore.Weighted
	asyncWG  sync.WaitGroup

	fieldsUpdated       metric.Int64Counter
	candidatesRejected  metric.Int64Counter
	persistenceConflicts metric.Int64Counter
}

// Config wires a Service. Store, Schema, and Logger are required; Extractor
// may be nil when only the patch path is used.
type Config struct {
	Store           store.Store
	Schema          *schema.Schema
	Policy          model.Policy
	ExtrasPolicy    extras.Policy
	Extractor       Extractor
	Emitter         *events.Emitter
	Cache           *idem.Cache
	Logger          *slog.Logger
	Now             func() time.Time
	MaxAsyncWorkers int64
}

// New creates a profile Service.
func New(cfg Config) *Service {
	if cfg.Emitter == nil {
		cfg.Emitter = events.NewEmitter(cfg.Logger)
	}
	if cfg.Cache == nil {
		cfg.Cache = idem.New(idem.DefaultTTL, idem.DefaultMaxEntries)
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.MaxAsyncWorkers <= 0 {
		cfg.MaxAsyncWorkers = DefaultMaxAsyncWorkers
	}
	// The merge policy carries an extras key cap of its own; an extras
	// policy without an explicit cap inherits it.
	if cfg.ExtrasPolicy.MaxKeys == 0 {
		cfg.ExtrasPolicy.MaxKeys = cfg.Policy.ExtrasMaxKeys
	}

	meter := telemetry.Meter("kagami/profile")
	updated, _ := meter.Int64Counter("kagami.fields.updated",
		metric.WithDescription("Profile fields accepted by the merge"))
	rejected, _ := meter.Int64Counter("kagami.candidates.rejected",
		metric.WithDescription("Candidates turned away by the gate or the merge"))
	conflicts, _ := meter.Int64Counter("kagami.persist.conflicts",
		metric.WithDescription("Conditional writes that lost the version race"))

	return &Service{
		store:                cfg.Store,
		schema:               cfg.Schema,
		policy:               cfg.Policy,
		extrasPolicy:         cfg.ExtrasPolicy,
		extractor:            cfg.Extractor,
		emitter:              cfg.Emitter,
		cache:                cfg.Cache,
		logger:               cfg.Logger,
		now:                  cfg.Now,
		asyncSem:             semaphore.NewWeighted(cfg.MaxAsyncWorkers),
		fieldsUpdated:        updated,
		candidatesRejected:   rejected,
		persistenceConflicts: conflicts,
	}
}

// Events exposes the emitter for listener registration.
func (s *Service) Events() *events.Emitter { return s.emitter }

// Close waits for in-flight background observes to finish.
func (s *Service) Close(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		s.asyncWG.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// ObserveRequest feeds conversational text through the extractor and merges
// the resulting candidates.
type ObserveRequest struct {
	Subject        string
	Input          string
	Output         string
	Source         string
	Confidence     *float64
	IdempotencyKey string
	Mode           string // "sync" (default) or "async"
	ExtractFrom    string // "input" (default), "output", or "both"
	OnError        string // "skip" (default) or "throw"
	Context        map[string]any
}

// ObserveResult is the outcome of an observe call.
type ObserveResult struct {
	Profile     map[string]any
	Updated     map[string]any
	Rejected    []model.Rejection
	Extracted   map[string]any
	RawResponse string
	LatencyMS   int64
	Queued      bool
	RequestID   string
	ETag        string
}

// PatchRequest applies caller-supplied trusted facts directly.
type PatchRequest struct {
	Subject        string
	Facts          map[string]any
	Source         string
	Confidence     *float64
	TimestampMS    int64
	IdempotencyKey string
}

// PatchResult is the outcome of a patch call.
type PatchResult struct {
	Profile  map[string]any
	Updated  map[string]any
	Rejected []model.Rejection
	ETag     string
}

// Observe runs the extract-and-merge pipeline. In async mode it returns a
// pre-dispatch snapshot immediately and finishes in the background, emitting
// observe_complete either way.
func (s *Service) Observe(ctx context.Context, req ObserveRequest) (ObserveResult, error) {
	if req.IdempotencyKey != "" {
		if prior, ok := s.cache.Get(idem.Key("observe", req.Subject, req.IdempotencyKey)); ok {
			return prior.(ObserveResult), nil
		}
	}
	if s.extractor == nil {
		return ObserveResult{}, ErrExtractorNotConfigured
	}

	requestID := uuid.NewString()
	if req.Mode == "async" {
		return s.observeAsync(ctx, req, requestID)
	}

	res, err := s.observeSync(ctx, req, requestID)
	if err != nil {
		return ObserveResult{}, err
	}
	if req.IdempotencyKey != "" {
		s.cache.Set(idem.Key("observe", req.Subject, req.IdempotencyKey), res)
	}
	return res, nil
}

func (s *Service) observeSync(ctx context.Context, req ObserveRequest, requestID string) (ObserveResult, error) {
	candidates, extracted, extractRes, err := s.runExtractor(ctx, req)
	if err != nil {
		return ObserveResult{}, err
	}

	applied, err := s.apply(ctx, req.Subject, candidates, false)
	if err != nil {
		return ObserveResult{}, err
	}
	return ObserveResult{
		Profile:     applied.profile,
		Updated:     applied.updated,
		Rejected:    applied.rejected,
		Extracted:   extracted,
		RawResponse: extractRes.RawResponse,
		LatencyMS:   extractRes.LatencyMS,
		RequestID:   requestID,
		ETag:        applied.etag,
	}, nil
}

// observeAsync snapshots the profile before dispatching the background
// worker, so the caller can never see a profile newer than the state the
// worker merges against.
func (s *Service) observeAsync(ctx context.Context, req ObserveRequest, requestID string) (ObserveResult, error) {
	snapshot := map[string]any{}
	rec, err := s.store.Get(ctx, req.Subject)
	switch {
	case err == nil:
		snapshot = rec.Profile
	case errors.Is(err, store.ErrNotFound):
	default:
		return ObserveResult{}, fmt.Errorf("profile: read snapshot: %w", err)
	}

	res := ObserveResult{
		Profile:   snapshot,
		Updated:   map[string]any{},
		Rejected:  []model.Rejection{},
		Extracted: map[string]any{},
		Queued:    true,
		RequestID: requestID,
	}
	// Cache before dispatch so an idempotent replay returns the queued
	// response without scheduling a second worker.
	if req.IdempotencyKey != "" {
		s.cache.Set(idem.Key("observe", req.Subject, req.IdempotencyKey), res)
	}

	s.asyncWG.Add(1)
	go func() {
		defer s.asyncWG.Done()

		bg := context.Background()
		if err := s.asyncSem.Acquire(bg, 1); err != nil {
			return
		}
		defer s.asyncSem.Release(1)

		result, err := s.observeSync(bg, req, requestID)
		ev := events.ObserveComplete{Subject: req.Subject, RequestID: requestID}
		if err != nil {
			s.logger.Error("background observe failed", "subject", req.Subject, "request_id", requestID, "error", err)
			ev.Err = err
		} else {
			ev.Profile = result.Profile
			ev.Extracted = result.Extracted
			ev.Updated = result.Updated
		}
		s.emitter.ObserveComplete(ev)
	}()

	return res, nil
}

// runExtractor calls the extractor per the request's extract_from selection
// and applies candidate defaulting. A failed extraction yields zero
// candidates under on_error=skip and re-raises under on_error=throw.
func (s *Service) runExtractor(ctx context.Context, req ObserveRequest) ([]model.Candidate, map[string]any, extract.Result, error) {
	exReq := extract.Request{
		Descriptor: s.schema.Descriptor(),
		Context:    req.Context,
	}
	switch req.ExtractFrom {
	case "output":
		exReq.Output = req.Output
	case "both":
		exReq.Input = req.Input
		exReq.Output = req.Output
	default:
		exReq.Input = req.Input
	}

	res, err := s.extractor.Extract(ctx, exReq)
	if err != nil {
		if req.OnError == "throw" {
			return nil, nil, extract.Result{}, err
		}
		s.logger.Warn("extraction failed, proceeding with no candidates",
			"subject", req.Subject, "error", err)
		return nil, map[string]any{}, extract.Result{RawResponse: res.RawResponse}, nil
	}

	requestSource := req.Source
	if requestSource == "" {
		requestSource = model.SourceObserve
	}

	extracted := make(map[string]any, len(res.Candidates))
	candidates := make([]model.Candidate, len(res.Candidates))
	for i, c := range res.Candidates {
		if c.Source == "" {
			if c.Inferred {
				c.Source = model.SourceInferred
			} else {
				c.Source = requestSource
			}
		}
		if req.Confidence != nil {
			c.Confidence = *req.Confidence
		}
		candidates[i] = c
		extracted[c.Field] = c.Value
	}
	return candidates, extracted, res, nil
}

// Patch applies trusted facts. The recency check is skipped so human and CRM
// backfills always land; the remaining merge rules still apply.
func (s *Service) Patch(ctx context.Context, req PatchRequest) (PatchResult, error) {
	if req.IdempotencyKey != "" {
		if prior, ok := s.cache.Get(idem.Key("patch", req.Subject, req.IdempotencyKey)); ok {
			return prior.(PatchResult), nil
		}
	}

	source := req.Source
	if source == "" {
		source = model.SourceManual
	}
	confidence := 1.0
	if req.Confidence != nil {
		confidence = *req.Confidence
	}

	candidates := make([]model.Candidate, 0, len(req.Facts))
	for field, value := range req.Facts {
		candidates = append(candidates, model.Candidate{
			Field:       field,
			Value:       value,
			Confidence:  confidence,
			Source:      source,
			TimestampMS: req.TimestampMS,
		})
	}

	applied, err := s.apply(ctx, req.Subject, candidates, true)
	if err != nil {
		return PatchResult{}, err
	}
	res := PatchResult{
		Profile:  applied.profile,
		Updated:  applied.updated,
		Rejected: applied.rejected,
		ETag:     applied.etag,
	}
	if req.IdempotencyKey != "" {
		s.cache.Set(idem.Key("patch", req.Subject, req.IdempotencyKey), res)
	}
	return res, nil
}

type appliedResult struct {
	profile  map[string]any
	updated  map[string]any
	rejected []model.Rejection
	etag     string
}

// apply runs the read, validate, merge, persist pipeline with one retry when
// the conditional write loses to a concurrent writer.
func (s *Service) apply(ctx context.Context, subject string, candidates []model.Candidate, skipRecency bool) (appliedResult, error) {
	res, err := s.applyOnce(ctx, subject, candidates, skipRecency)
	if err == nil {
		return res, nil
	}
	if !errors.Is(err, store.ErrConflict) {
		return appliedResult{}, err
	}

	s.persistenceConflicts.Add(ctx, 1)
	s.logger.Debug("concurrent write detected, retrying once", "subject", subject)

	res, err = s.applyOnce(ctx, subject, candidates, skipRecency)
	if err == nil {
		return res, nil
	}
	if errors.Is(err, store.ErrConflict) {
		s.persistenceConflicts.Add(ctx, 1)
		return appliedResult{}, &PersistenceError{Attempts: 2, Cause: err}
	}
	return appliedResult{}, err
}

func (s *Service) applyOnce(ctx context.Context, subject string, candidates []model.Candidate, skipRecency bool) (appliedResult, error) {
	rec, err := s.store.Get(ctx, subject)
	if errors.Is(err, store.ErrNotFound) {
		rec = model.Record{Profile: map[string]any{}, Provenance: map[string]model.FieldProvenance{}}
	} else if err != nil {
		return appliedResult{}, fmt.Errorf("profile: read %q: %w", subject, err)
	}

	nowMS := model.NowMS(s.now())
	gated, gateRejections, gateHistory := s.gate(candidates, nowMS)

	merged := merge.Apply(merge.Input{
		Profile:          rec.Profile,
		Provenance:       rec.Provenance,
		Candidates:       gated,
		Policy:           s.policy,
		Nullable:         s.schema.NullableField,
		SkipRecencyCheck: skipRecency,
		NowMS:            nowMS,
	})

	rejected := append(gateRejections, merged.Rejected...)
	history := append(gateHistory, merged.History...)

	etag := rec.ETag
	switch {
	case len(merged.Updated) > 0:
		newETag, err := s.store.Set(ctx, subject, merged.Profile, merged.Provenance,
			store.SetOptions{ETag: rec.ETag}, history)
		if err != nil {
			if errors.Is(err, store.ErrConflict) {
				return appliedResult{}, err
			}
			return appliedResult{}, fmt.Errorf("profile: write %q: %w", subject, err)
		}
		etag = newETag
	case len(history) > 0:
		// Nothing survived the merge; journal the rejections without
		// touching the profile or its version.
		if err := s.store.AppendHistory(ctx, subject, history); err != nil {
			return appliedResult{}, fmt.Errorf("profile: journal rejections for %q: %w", subject, err)
		}
	}

	updated := make(map[string]any, len(merged.Updated))
	for _, field := range merged.Updated {
		updated[field] = merged.Profile[field]
	}

	if len(updated) > 0 {
		s.fieldsUpdated.Add(ctx, int64(len(updated)))
		s.emitter.Update(events.Update{Subject: subject, Updated: updated, Profile: merged.Profile, ETag: etag})
	}
	if len(rejected) > 0 {
		s.candidatesRejected.Add(ctx, int64(len(rejected)))
		s.emitter.Conflict(events.Conflict{Subject: subject, Rejections: rejected})
	}

	return appliedResult{
		profile:  merged.Profile,
		updated:  updated,
		rejected: rejected,
		etag:     etag,
	}, nil
}

// gate validates candidates against the schema before the merge sees them.
// Unknown fields, type failures, and unsalvageable extras are rejected here;
// surviving candidates are normalized (enum case-folding, extras
// sanitization) in place.
func (s *Service) gate(candidates []model.Candidate, nowMS int64) ([]model.Candidate, []model.Rejection, []model.HistoryEntry) {
	var (
		passed     []model.Candidate
		rejections []model.Rejection
		history    []model.HistoryEntry
	)
	rejectNow := func(c model.Candidate, reason model.Reason, detail string) {
		rejections = append(rejections, model.Rejection{Field: c.Field, Reason: reason, Detail: detail})
		ts := c.TimestampMS
		if ts == 0 {
			ts = nowMS
		}
		history = append(history, model.HistoryEntry{
			Field:       c.Field,
			Value:       c.Value,
			Source:      c.Source,
			TimestampMS: ts,
			Confidence:  c.Confidence,
			Inferred:    c.Inferred,
			Action:      model.ActionRejected,
			Reason:      reason,
		})
	}

	for _, c := range candidates {
		if _, declared := s.schema.Field(c.Field); !declared {
			rejectNow(c, model.ReasonUnknownField, "")
			continue
		}
		if c.Absent {
			// Rule 1 of the merge turns this into schema_invalid.
			passed = append(passed, c)
			continue
		}
		if c.Field == "extras" && c.Value != nil {
			clean, ok := extras.Sanitize(c.Value, s.extrasPolicy, s.policy.MaxFieldLength)
			if !ok {
				rejectNow(c, model.ReasonExtrasInvalid, "")
				continue
			}
			c.Value = clean
			passed = append(passed, c)
			continue
		}
		c.Value = s.schema.Normalize(c.Field, c.Value)
		if err := s.schema.Validate(c.Field, c.Value); err != nil {
			rejectNow(c, model.ReasonSchemaInvalid, err.Error())
			continue
		}
		passed = append(passed, c)
	}
	return passed, rejections, history
}

// Get returns the stored record for a subject.
func (s *Service) Get(ctx context.Context, subject string) (model.Record, error) {
	return s.store.Get(ctx, subject)
}

// History pages through the subject's journal.
func (s *Service) History(ctx context.Context, subject string, q store.HistoryQuery) (store.HistoryPage, error) {
	return s.store.History(ctx, subject, q)
}

// Delete removes the profile and its history.
func (s *Service) Delete(ctx context.Context, subject string) error {
	return s.store.Delete(ctx, subject)
}

// PromptOptions tune FactsForPrompt and Filters.
type PromptOptions struct {
	Select       []string
	IncludeNulls bool
}

// FactsForPrompt renders the profile as a compact JSON string with keys
// sorted alphabetically, suitable for inclusion in a system prompt.
func (s *Service) FactsForPrompt(ctx context.Context, subject string, opts PromptOptions) (string, error) {
	fields, err := s.selectFields(ctx, subject, opts.Select, opts.IncludeNulls)
	if err != nil {
		return "", err
	}
	out, err := json.Marshal(fields)
	if err != nil {
		return "", fmt.Errorf("profile: encode facts: %w", err)
	}
	return string(out), nil
}

// Filters returns the subject's non-null fields as a map, for use as
// retrieval filters.
func (s *Service) Filters(ctx context.Context, subject string, selectFields []string) (map[string]any, error) {
	return s.selectFields(ctx, subject, selectFields, false)
}

func (s *Service) selectFields(ctx context.Context, subject string, selectFields []string, includeNulls bool) (map[string]any, error) {
	rec, err := s.store.Get(ctx, subject)
	if err != nil {
		return nil, err
	}

	keep := func(string) bool { return true }
	if len(selectFields) > 0 {
		wanted := make(map[string]bool, len(selectFields))
		for _, f := range selectFields {
			wanted[f] = true
		}
		keep = func(f string) bool { return wanted[f] }
	}

	out := make(map[string]any)
	for field, value := range rec.Profile {
		if !keep(field) {
			continue
		}
		if value == nil && !includeNulls {
			continue
		}
		out[field] = value
	}
	return out, nil
}

// HealthCheck reports storage connectivity.
func (s *Service) HealthCheck(ctx context.Context) error {
	return s.store.HealthCheck(ctx)
}
