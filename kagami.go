// Package kagami is the public API for embedding the fact-sheet engine.
//
// A Client maintains one live, schema-constrained profile per subject, fed
// by two ingestion paths: Observe extracts candidate facts from
// conversational text via a language-model extractor, and Patch applies
// caller-supplied trusted facts directly. Every accepted field carries
// provenance, every decision is journaled, and concurrent writers are
// serialized by optimistic concurrency at the storage layer:
//
//	sheet := schema.MustNew(map[string]*schema.Type{
//	    "name": schema.String(),
//	    "role": schema.Enum("founder", "engineer"),
//	})
//	client, err := kagami.New(ctx, sheet,
//	    kagami.WithPostgres(dsn),
//	    kagami.WithOpenAIExtractor(baseURL, apiKey, "gpt-4o-mini"),
//	    kagami.WithLogger(logger),
//	)
//	if err != nil { ... }
//	defer client.Close(ctx)
//
// The import graph enforces a strict no-cycle rule: kagami (root) imports
// internal/*, but internal/* never imports kagami (root). Public types are
// standalone structs with no internal imports; conversion helpers live here
// because this is the only file that sees both sides of the boundary.
package kagami

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"regexp"

	"github.com/kagami-ai/kagami/internal/events"
	"github.com/kagami-ai/kagami/internal/extract"
	"github.com/kagami-ai/kagami/internal/extras"
	"github.com/kagami-ai/kagami/internal/idem"
	"github.com/kagami-ai/kagami/internal/model"
	"github.com/kagami-ai/kagami/internal/service/profile"
	"github.com/kagami-ai/kagami/internal/store"
	"github.com/kagami-ai/kagami/internal/store/memory"
	"github.com/kagami-ai/kagami/internal/store/postgres"
	"github.com/kagami-ai/kagami/internal/store/redis"
	"github.com/kagami-ai/kagami/internal/store/sqlite"
	"github.com/kagami-ai/kagami/schema"
)

// Client is an embedded fact-sheet engine. Construct with New(); Client has
// no public fields.
type Client struct {
	svc    *profile.Service
	closer func() error
	logger *slog.Logger
}

// New builds a Client for the given schema. The default backend is
// in-memory; see WithPostgres, WithSQLite, and WithRedis.
func New(ctx context.Context, sheet *schema.Schema, opts ...Option) (*Client, error) {
	if sheet == nil {
		return nil, schema.ErrEmptySchema
	}

	o := resolvedOptions{}
	for _, fn := range opts {
		fn(&o)
	}
	logger := o.logger
	if logger == nil {
		logger = slog.Default()
	}

	extrasPolicy, err := toInternalExtrasPolicy(o.extrasPolicy)
	if err != nil {
		return nil, err
	}

	st, closer, err := buildStore(ctx, &o, logger)
	if err != nil {
		return nil, err
	}

	var extractor profile.Extractor
	switch {
	case o.extractor != nil:
		extractor = &extractorAdapter{
			inner:    o.extractor,
			maxChars: orDefault(o.extractorMaxChars, extract.DefaultMaxInputChars),
		}
	case o.extractorBaseURL != "":
		var clientOpts []extract.Option
		if o.extractorTimeout > 0 {
			clientOpts = append(clientOpts, extract.WithTimeout(o.extractorTimeout))
		}
		if o.extractorRetries > 0 {
			clientOpts = append(clientOpts, extract.WithMaxRetries(o.extractorRetries))
		}
		if o.extractorMaxChars > 0 {
			clientOpts = append(clientOpts, extract.WithMaxInputChars(o.extractorMaxChars))
		}
		extractor = extract.NewClient(o.extractorBaseURL, o.extractorAPIKey, o.extractorModel, logger, clientOpts...)
	}

	emitter := events.NewEmitter(logger)
	for _, l := range o.listeners {
		emitter.Register(&listenerAdapter{inner: l})
	}

	svc := profile.New(profile.Config{
		Store:           st,
		Schema:          sheet,
		Policy:          toInternalPolicy(o.policy),
		ExtrasPolicy:    extrasPolicy,
		Extractor:       extractor,
		Emitter:         emitter,
		Cache:           idem.New(o.idempotencyTTL, o.idempotencyMax),
		Logger:          logger,
		Now:             o.now,
		MaxAsyncWorkers: o.maxAsyncWorkers,
	})

	return &Client{svc: svc, closer: closer, logger: logger}, nil
}

func buildStore(ctx context.Context, o *resolvedOptions, logger *slog.Logger) (store.Store, func() error, error) {
	switch o.backend {
	case backendPostgres:
		st, err := postgres.New(ctx, o.postgresDSN, logger)
		if err != nil {
			return nil, nil, err
		}
		return st, func() error { st.Close(); return nil }, nil
	case backendSQLite:
		st, err := sqlite.New(ctx, o.sqlitePath, logger)
		if err != nil {
			return nil, nil, err
		}
		return st, st.Close, nil
	case backendRedis:
		var redisOpts []redis.Option
		if o.redisTTL > 0 {
			redisOpts = append(redisOpts, redis.WithTTL(o.redisTTL))
		}
		if o.maxHistory > 0 {
			redisOpts = append(redisOpts, redis.WithMaxHistory(o.maxHistory))
		}
		st, err := redis.New(ctx, o.redisAddr, logger, redisOpts...)
		if err != nil {
			return nil, nil, err
		}
		return st, st.Close, nil
	default:
		var memOpts []memory.Option
		if o.maxHistory > 0 {
			memOpts = append(memOpts, memory.WithMaxHistory(o.maxHistory))
		}
		return memory.New(memOpts...), func() error { return nil }, nil
	}
}

// Close waits for in-flight background observes and releases the backend.
func (c *Client) Close(ctx context.Context) error {
	if err := c.svc.Close(ctx); err != nil {
		return err
	}
	if c.closer != nil {
		return c.closer()
	}
	return nil
}

// Observe feeds conversational text through the extractor and merges the
// resulting candidates.
func (c *Client) Observe(ctx context.Context, req ObserveRequest) (ObserveResult, error) {
	res, err := c.svc.Observe(ctx, profile.ObserveRequest{
		Subject:        req.Subject,
		Input:          req.Input,
		Output:         req.Output,
		Source:         req.Source,
		Confidence:     req.Confidence,
		IdempotencyKey: req.IdempotencyKey,
		Mode:           req.Mode,
		ExtractFrom:    req.ExtractFrom,
		OnError:        req.OnError,
		Context:        req.Context,
	})
	if err != nil {
		return ObserveResult{}, toPublicError(err)
	}
	return ObserveResult{
		Profile:     res.Profile,
		Updated:     res.Updated,
		Rejected:    toPublicRejections(res.Rejected),
		Extracted:   res.Extracted,
		RawResponse: res.RawResponse,
		LatencyMS:   res.LatencyMS,
		Queued:      res.Queued,
		RequestID:   res.RequestID,
		ETag:        res.ETag,
	}, nil
}

// Patch applies trusted facts directly. The recency check is skipped so
// backfills with older timestamps still land.
func (c *Client) Patch(ctx context.Context, req PatchRequest) (PatchResult, error) {
	res, err := c.svc.Patch(ctx, profile.PatchRequest{
		Subject:        req.Subject,
		Facts:          req.Facts,
		Source:         req.Source,
		Confidence:     req.Confidence,
		TimestampMS:    req.TimestampMS,
		IdempotencyKey: req.IdempotencyKey,
	})
	if err != nil {
		return PatchResult{}, toPublicError(err)
	}
	return PatchResult{
		Profile:  res.Profile,
		Updated:  res.Updated,
		Rejected: toPublicRejections(res.Rejected),
		ETag:     res.ETag,
	}, nil
}

// Get returns the stored record for a subject, or ErrNotFound.
func (c *Client) Get(ctx context.Context, subject string) (Record, error) {
	rec, err := c.svc.Get(ctx, subject)
	if err != nil {
		return Record{}, toPublicError(err)
	}
	return toPublicRecord(rec), nil
}

// History pages through the subject's journal.
func (c *Client) History(ctx context.Context, subject string, q HistoryQuery) (HistoryPage, error) {
	page, err := c.svc.History(ctx, subject, store.HistoryQuery{
		Field:  q.Field,
		Cursor: q.Cursor,
		Limit:  q.Limit,
	})
	if err != nil {
		return HistoryPage{}, toPublicError(err)
	}
	out := HistoryPage{NextCursor: page.NextCursor}
	out.Entries = make([]HistoryEntry, len(page.Entries))
	for i, e := range page.Entries {
		out.Entries[i] = HistoryEntry{
			Field:         e.Field,
			Value:         e.Value,
			PreviousValue: e.PreviousValue,
			Source:        e.Source,
			TimestampMS:   e.TimestampMS,
			Confidence:    e.Confidence,
			Inferred:      e.Inferred,
			Action:        Action(e.Action),
			Reason:        Reason(e.Reason),
		}
	}
	return out, nil
}

// FactsForPrompt renders the profile as a compact JSON string with keys
// sorted alphabetically, or ErrNotFound.
func (c *Client) FactsForPrompt(ctx context.Context, subject string, opts PromptOptions) (string, error) {
	out, err := c.svc.FactsForPrompt(ctx, subject, profile.PromptOptions{
		Select:       opts.Select,
		IncludeNulls: opts.IncludeNulls,
	})
	if err != nil {
		return "", toPublicError(err)
	}
	return out, nil
}

// Filters returns the subject's non-null fields as a map, or ErrNotFound.
func (c *Client) Filters(ctx context.Context, subject string, selectFields []string) (map[string]any, error) {
	out, err := c.svc.Filters(ctx, subject, selectFields)
	if err != nil {
		return nil, toPublicError(err)
	}
	return out, nil
}

// Delete removes the profile and its full history.
func (c *Client) Delete(ctx context.Context, subject string) error {
	return toPublicError(c.svc.Delete(ctx, subject))
}

// HealthCheck reports storage connectivity.
func (c *Client) HealthCheck(ctx context.Context) error {
	return c.svc.HealthCheck(ctx)
}

// extractorAdapter bridges a caller-supplied Extractor into the pipeline,
// applying the same text sanitization the built-in client performs.
type extractorAdapter struct {
	inner    Extractor
	maxChars int
}

func (a *extractorAdapter) Extract(ctx context.Context, req extract.Request) (extract.Result, error) {
	res, err := a.inner.Extract(ctx, ExtractionRequest{
		Input:      extract.Truncate(extract.Sanitize(req.Input), a.maxChars),
		Output:     extract.Truncate(extract.Sanitize(req.Output), a.maxChars),
		Descriptor: req.Descriptor,
		Context:    req.Context,
	})
	if err != nil {
		return extract.Result{}, err
	}
	out := extract.Result{RawResponse: res.RawResponse, LatencyMS: res.LatencyMS}
	out.Candidates = make([]model.Candidate, len(res.Candidates))
	for i, c := range res.Candidates {
		out.Candidates[i] = model.Candidate{
			Field:       c.Field,
			Value:       c.Value,
			Confidence:  c.Confidence,
			Inferred:    c.Inferred,
			Source:      c.Source,
			TimestampMS: c.TimestampMS,
		}
	}
	return out, nil
}

// listenerAdapter bridges a public Listener onto the internal emitter.
type listenerAdapter struct {
	inner Listener
}

func (a *listenerAdapter) OnUpdate(ev events.Update) {
	a.inner.OnUpdate(UpdateEvent{Subject: ev.Subject, Updated: ev.Updated, Profile: ev.Profile, ETag: ev.ETag})
}

func (a *listenerAdapter) OnConflict(ev events.Conflict) {
	a.inner.OnConflict(ConflictEvent{Subject: ev.Subject, Rejected: toPublicRejections(ev.Rejections)})
}

func (a *listenerAdapter) OnObserveComplete(ev events.ObserveComplete) {
	a.inner.OnObserveComplete(ObserveCompleteEvent{
		Subject:   ev.Subject,
		RequestID: ev.RequestID,
		Profile:   ev.Profile,
		Extracted: ev.Extracted,
		Updated:   ev.Updated,
		Err:       ev.Err,
	})
}

func toPublicRecord(rec model.Record) Record {
	out := Record{
		Profile:    rec.Profile,
		Provenance: make(map[string]Provenance, len(rec.Provenance)),
		ETag:       rec.ETag,
	}
	for field, p := range rec.Provenance {
		out.Provenance[field] = Provenance{
			Value:       p.Value,
			Source:      p.Source,
			TimestampMS: p.TimestampMS,
			Confidence:  p.Confidence,
			Inferred:    p.Inferred,
		}
	}
	return out
}

func toPublicRejections(in []model.Rejection) []Rejection {
	out := make([]Rejection, len(in))
	for i, r := range in {
		out[i] = Rejection{Field: r.Field, Reason: Reason(r.Reason), Detail: r.Detail}
	}
	return out
}

func toPublicError(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, store.ErrNotFound) {
		return ErrNotFound
	}
	if errors.Is(err, profile.ErrExtractorNotConfigured) {
		return ErrExtractorNotConfigured
	}
	var pe *profile.PersistenceError
	if errors.As(err, &pe) {
		return &PersistenceError{Attempts: pe.Attempts, Cause: pe.Cause}
	}
	return err
}

func toInternalPolicy(p *Policy) model.Policy {
	out := model.DefaultPolicy()
	if p == nil {
		return out
	}
	if p.SourcePriority != nil {
		out.SourcePriority = p.SourcePriority
	}
	if p.MinConfidence > 0 {
		out.MinConfidence = p.MinConfidence
	}
	if p.RecencyWindowMS > 0 {
		out.RecencyWindowMS = p.RecencyWindowMS
	}
	if p.MaxFieldLength > 0 {
		out.MaxFieldLength = p.MaxFieldLength
	}
	return out
}

func toInternalExtrasPolicy(p *ExtrasPolicy) (extras.Policy, error) {
	out := extras.DefaultPolicy()
	if p == nil {
		return out, nil
	}
	if p.KeyPattern != "" {
		re, err := regexp.Compile(p.KeyPattern)
		if err != nil {
			return extras.Policy{}, fmt.Errorf("kagami: extras key pattern: %w", err)
		}
		out.KeyPattern = re
	}
	if p.MaxKeyLength > 0 {
		out.MaxKeyLength = p.MaxKeyLength
	}
	if p.MaxKeys > 0 {
		out.MaxKeys = p.MaxKeys
	}
	if p.MaxStringLength > 0 {
		out.MaxStringLength = p.MaxStringLength
	}
	if p.MaxNestingDepth > 0 {
		out.MaxNestingDepth = p.MaxNestingDepth
	}
	if p.MaxArrayLength > 0 {
		out.MaxArrayLength = p.MaxArrayLength
	}
	out.AllowArrays = !p.DisallowArrays
	out.AllowNestedObjects = !p.DisallowNestedObjects
	return out, nil
}

func orDefault(v, def int) int {
	if v > 0 {
		return v
	}
	return def
}
