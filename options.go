package kagami

import (
	"log/slog"
	"time"
)

// Option configures a Client.
type Option func(*resolvedOptions)

type backendKind int

const (
	backendMemory backendKind = iota
	backendPostgres
	backendSQLite
	backendRedis
)

// resolvedOptions holds all extension points after applying defaults.
// Unexported; callers use the With* functions.
type resolvedOptions struct {
	logger *slog.Logger
	now    func() time.Time

	backend     backendKind
	postgresDSN string
	sqlitePath  string
	redisAddr   string
	redisTTL    time.Duration

	policy       *Policy
	extrasPolicy *ExtrasPolicy

	extractor         Extractor
	extractorBaseURL  string
	extractorAPIKey   string
	extractorModel    string
	extractorTimeout  time.Duration
	extractorRetries  int
	extractorMaxChars int

	listeners []Listener

	idempotencyTTL time.Duration
	idempotencyMax int

	maxAsyncWorkers int64
	maxHistory      int
}

// WithLogger sets the structured logger. Defaults to slog.Default().
func WithLogger(logger *slog.Logger) Option {
	return func(o *resolvedOptions) { o.logger = logger }
}

// WithClock overrides the server clock used to stamp candidates that carry
// no timestamp. Intended for tests.
func WithClock(now func() time.Time) Option {
	return func(o *resolvedOptions) { o.now = now }
}

// WithPostgres stores profiles in PostgreSQL. The schema is created on
// first connect.
func WithPostgres(dsn string) Option {
	return func(o *resolvedOptions) {
		o.backend = backendPostgres
		o.postgresDSN = dsn
	}
}

// WithSQLite stores profiles in an embedded SQLite database file. Pass
// ":memory:" for an ephemeral database.
func WithSQLite(path string) Option {
	return func(o *resolvedOptions) {
		o.backend = backendSQLite
		o.sqlitePath = path
	}
}

// WithRedis stores profiles in Redis. A non-zero ttl expires a subject's
// keys after that much write inactivity; reads never extend the deadline.
func WithRedis(addr string, ttl time.Duration) Option {
	return func(o *resolvedOptions) {
		o.backend = backendRedis
		o.redisAddr = addr
		o.redisTTL = ttl
	}
}

// WithPolicy replaces the default merge policy. Zero-valued fields keep
// their defaults.
func WithPolicy(p Policy) Option {
	return func(o *resolvedOptions) { o.policy = &p }
}

// WithExtrasPolicy overrides the extras sanitization policy. Zero-valued
// fields keep their defaults.
func WithExtrasPolicy(p ExtrasPolicy) Option {
	return func(o *resolvedOptions) { o.extrasPolicy = &p }
}

// WithExtractor supplies a custom extractor, replacing the built-in
// OpenAI-compatible HTTP client.
func WithExtractor(e Extractor) Option {
	return func(o *resolvedOptions) { o.extractor = e }
}

// WithOpenAIExtractor wires the built-in extractor client against an
// OpenAI-compatible chat-completions endpoint.
func WithOpenAIExtractor(baseURL, apiKey, model string) Option {
	return func(o *resolvedOptions) {
		o.extractorBaseURL = baseURL
		o.extractorAPIKey = apiKey
		o.extractorModel = model
	}
}

// WithExtractorTimeout sets the per-attempt HTTP timeout (default 5s).
func WithExtractorTimeout(d time.Duration) Option {
	return func(o *resolvedOptions) { o.extractorTimeout = d }
}

// WithExtractorRetries bounds retries after the first attempt (default 2).
func WithExtractorRetries(n int) Option {
	return func(o *resolvedOptions) { o.extractorRetries = n }
}

// WithExtractorMaxInputChars bounds the conversation text sent to the
// extractor (default 8000).
func WithExtractorMaxInputChars(n int) Option {
	return func(o *resolvedOptions) { o.extractorMaxChars = n }
}

// WithListener registers an event listener. Multiple listeners may be
// registered; all receive every event in registration order.
func WithListener(l Listener) Option {
	return func(o *resolvedOptions) { o.listeners = append(o.listeners, l) }
}

// WithIdempotencyCache tunes the replay cache (default 5 minutes, 1000
// entries).
func WithIdempotencyCache(ttl time.Duration, maxEntries int) Option {
	return func(o *resolvedOptions) {
		o.idempotencyTTL = ttl
		o.idempotencyMax = maxEntries
	}
}

// WithMaxAsyncWorkers bounds concurrently running background observes
// (default 8).
func WithMaxAsyncWorkers(n int64) Option {
	return func(o *resolvedOptions) { o.maxAsyncWorkers = n }
}

// WithMaxHistory bounds per-subject history retention on backends that
// support it (memory, redis); oldest entries are evicted first.
func WithMaxHistory(n int) Option {
	return func(o *resolvedOptions) { o.maxHistory = n }
}
