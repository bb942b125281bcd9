// Package redis implements the store contract over Redis.
//
// Each subject owns four keys: profile and provenance JSON blobs, a meta hash
// carrying the version and a history sequence counter, and a sorted set of
// history entries scored by that sequence. Conditional writes run a Lua
// script so the version check, the blob writes, and the history append are
// one atomic step on the server. Key TTLs are refreshed only by writes, so
// an idle subject ages out as a unit.
package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/kagami-ai/kagami/internal/model"
	"github.com/kagami-ai/kagami/internal/store"
)

// DefaultMaxHistory bounds the per-subject history sorted set.
const DefaultMaxHistory = 1000

// Store is the Redis adapter.
type Store struct {
	client     *redis.Client
	logger     *slog.Logger
	ttl        time.Duration
	maxHistory int
}

// Option configures the adapter.
type Option func(*Store)

// WithTTL expires a subject's keys after d of write inactivity. Zero keeps
// keys forever.
func WithTTL(d time.Duration) Option {
	return func(s *Store) { s.ttl = d }
}

// WithMaxHistory overrides the per-subject history cap.
func WithMaxHistory(n int) Option {
	return func(s *Store) {
		if n > 0 {
			s.maxHistory = n
		}
	}
}

// New connects a client and verifies connectivity.
func New(ctx context.Context, addr string, logger *slog.Logger, opts ...Option) (*Store, error) {
	client := redis.NewClient(&redis.Options{Addr: addr})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis: ping %q: %w", addr, err)
	}
	s := &Store{client: client, logger: logger, maxHistory: DefaultMaxHistory}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Close releases the client.
func (s *Store) Close() error { return s.client.Close() }

func (s *Store) keys(subject string) (profile, provenance, meta, history string) {
	base := "kagami:" + subject
	return base + ":profile", base + ":provenance", base + ":meta", base + ":history"
}

// setScript performs the conditional write. KEYS = profile, provenance,
// meta, history. ARGV = mode(force|create|cas), expected version, profile
// JSON, provenance JSON, ttl seconds, max history, history entries... It
// returns the new version, or -1 on a version conflict.
var setScript = redis.NewScript(`
local version = tonumber(redis.call('HGET', KEYS[3], 'version') or '0')
local mode = ARGV[1]
if mode == 'create' and version > 0 then
  return -1
end
if mode == 'cas' and version ~= tonumber(ARGV[2]) then
  return -1
end
local next = version + 1
redis.call('SET', KEYS[1], ARGV[3])
redis.call('SET', KEYS[2], ARGV[4])
redis.call('HSET', KEYS[3], 'version', next)
for i = 7, #ARGV do
  local seq = redis.call('HINCRBY', KEYS[3], 'seq', 1)
  redis.call('ZADD', KEYS[4], seq, seq .. ':' .. ARGV[i])
end
redis.call('ZREMRANGEBYRANK', KEYS[4], 0, -(tonumber(ARGV[6]) + 1))
local ttl = tonumber(ARGV[5])
if ttl > 0 then
  redis.call('EXPIRE', KEYS[1], ttl)
  redis.call('EXPIRE', KEYS[2], ttl)
  redis.call('EXPIRE', KEYS[3], ttl)
  redis.call('EXPIRE', KEYS[4], ttl)
end
return next
`)

// appendScript appends history entries without touching the profile.
// KEYS = meta, history. ARGV = ttl seconds, max history, entries...
var appendScript = redis.NewScript(`
for i = 3, #ARGV do
  local seq = redis.call('HINCRBY', KEYS[1], 'seq', 1)
  redis.call('ZADD', KEYS[2], seq, seq .. ':' .. ARGV[i])
end
redis.call('ZREMRANGEBYRANK', KEYS[2], 0, -(tonumber(ARGV[2]) + 1))
local ttl = tonumber(ARGV[1])
if ttl > 0 then
  redis.call('EXPIRE', KEYS[1], ttl)
  redis.call('EXPIRE', KEYS[2], ttl)
end
return 1
`)

// deleteScript removes all four keys, reporting whether the subject existed.
var deleteScript = redis.NewScript(`
local existed = redis.call('EXISTS', KEYS[1]) + redis.call('EXISTS', KEYS[3]) + redis.call('EXISTS', KEYS[4])
redis.call('DEL', KEYS[1], KEYS[2], KEYS[3], KEYS[4])
if existed > 0 then
  return 1
end
return 0
`)

// Get implements store.Store.
func (s *Store) Get(ctx context.Context, subject string) (model.Record, error) {
	profileKey, provKey, metaKey, _ := s.keys(subject)

	pipe := s.client.Pipeline()
	profileCmd := pipe.Get(ctx, profileKey)
	provCmd := pipe.Get(ctx, provKey)
	versionCmd := pipe.HGet(ctx, metaKey, "version")
	if _, err := pipe.Exec(ctx); err != nil && !errors.Is(err, redis.Nil) {
		return model.Record{}, fmt.Errorf("redis: get %q: %w", subject, err)
	}
	if errors.Is(profileCmd.Err(), redis.Nil) {
		return model.Record{}, store.ErrNotFound
	}
	if profileCmd.Err() != nil {
		return model.Record{}, fmt.Errorf("redis: get profile: %w", profileCmd.Err())
	}

	var rec model.Record
	if err := json.Unmarshal([]byte(profileCmd.Val()), &rec.Profile); err != nil {
		return model.Record{}, fmt.Errorf("redis: decode profile: %w", err)
	}
	if err := json.Unmarshal([]byte(provCmd.Val()), &rec.Provenance); err != nil {
		return model.Record{}, fmt.Errorf("redis: decode provenance: %w", err)
	}
	rec.ETag = versionCmd.Val()
	return rec, nil
}

// Set implements store.Store.
func (s *Store) Set(ctx context.Context, subject string, profile map[string]any, provenance map[string]model.FieldProvenance, opts store.SetOptions, history []model.HistoryEntry) (string, error) {
	profileJSON, err := json.Marshal(profile)
	if err != nil {
		return "", fmt.Errorf("redis: marshal profile: %w", err)
	}
	provJSON, err := json.Marshal(provenance)
	if err != nil {
		return "", fmt.Errorf("redis: marshal provenance: %w", err)
	}

	mode := "cas"
	expected := int64(0)
	switch {
	case opts.Force:
		mode = "force"
	case opts.ETag == "":
		mode = "create"
	default:
		expected, err = strconv.ParseInt(opts.ETag, 10, 64)
		if err != nil {
			return "", store.ErrConflict
		}
	}

	argv := []any{mode, expected, string(profileJSON), string(provJSON), int(s.ttl.Seconds()), s.maxHistory}
	for _, e := range history {
		entryJSON, err := json.Marshal(e)
		if err != nil {
			return "", fmt.Errorf("redis: marshal history entry: %w", err)
		}
		argv = append(argv, string(entryJSON))
	}

	profileKey, provKey, metaKey, historyKey := s.keys(subject)
	res, err := setScript.Run(ctx, s.client, []string{profileKey, provKey, metaKey, historyKey}, argv...).Int64()
	if err != nil {
		return "", fmt.Errorf("redis: set %q: %w", subject, err)
	}
	if res < 0 {
		return "", store.ErrConflict
	}
	return strconv.FormatInt(res, 10), nil
}

// AppendHistory implements store.Store.
func (s *Store) AppendHistory(ctx context.Context, subject string, entries []model.HistoryEntry) error {
	if len(entries) == 0 {
		return nil
	}
	argv := []any{int(s.ttl.Seconds()), s.maxHistory}
	for _, e := range entries {
		entryJSON, err := json.Marshal(e)
		if err != nil {
			return fmt.Errorf("redis: marshal history entry: %w", err)
		}
		argv = append(argv, string(entryJSON))
	}
	_, _, metaKey, historyKey := s.keys(subject)
	if err := appendScript.Run(ctx, s.client, []string{metaKey, historyKey}, argv...).Err(); err != nil {
		return fmt.Errorf("redis: append history %q: %w", subject, err)
	}
	return nil
}

// History implements store.Store. The cursor is the entry's sequence number.
func (s *Store) History(ctx context.Context, subject string, q store.HistoryQuery) (store.HistoryPage, error) {
	after := int64(0)
	if q.Cursor != "" {
		v, err := strconv.ParseInt(q.Cursor, 10, 64)
		if err != nil {
			return store.HistoryPage{}, fmt.Errorf("redis: bad cursor %q", q.Cursor)
		}
		after = v
	}
	limit := store.ClampLimit(q.Limit)
	_, _, _, historyKey := s.keys(subject)

	// Field filtering happens client side, so scan ranges until one more
	// match than the page size is found or the set is exhausted.
	type match struct {
		seq   int64
		entry model.HistoryEntry
	}
	var matches []match
	batch := int64(limit + 1)
	for len(matches) <= limit {
		members, err := s.client.ZRangeByScore(ctx, historyKey, &redis.ZRangeBy{
			Min:   "(" + strconv.FormatInt(after, 10),
			Max:   "+inf",
			Count: batch,
		}).Result()
		if err != nil {
			return store.HistoryPage{}, fmt.Errorf("redis: range history: %w", err)
		}
		if len(members) == 0 {
			break
		}
		for _, member := range members {
			seqStr, entryJSON, ok := strings.Cut(member, ":")
			if !ok {
				return store.HistoryPage{}, fmt.Errorf("redis: malformed history member %q", member)
			}
			seq, err := strconv.ParseInt(seqStr, 10, 64)
			if err != nil {
				return store.HistoryPage{}, fmt.Errorf("redis: malformed history sequence %q", seqStr)
			}
			after = seq

			var e model.HistoryEntry
			if err := json.Unmarshal([]byte(entryJSON), &e); err != nil {
				return store.HistoryPage{}, fmt.Errorf("redis: decode history entry: %w", err)
			}
			if q.Field == "" || e.Field == q.Field {
				matches = append(matches, match{seq: seq, entry: e})
			}
		}
		if int64(len(members)) < batch {
			break
		}
	}

	var page store.HistoryPage
	for i, m := range matches {
		if i == limit {
			page.NextCursor = strconv.FormatInt(matches[i-1].seq, 10)
			break
		}
		page.Entries = append(page.Entries, m.entry)
	}
	return page, nil
}

// Delete implements store.Store.
func (s *Store) Delete(ctx context.Context, subject string) error {
	profileKey, provKey, metaKey, historyKey := s.keys(subject)
	res, err := deleteScript.Run(ctx, s.client, []string{profileKey, provKey, metaKey, historyKey}).Int64()
	if err != nil {
		return fmt.Errorf("redis: delete %q: %w", subject, err)
	}
	if res == 0 {
		return store.ErrNotFound
	}
	return nil
}

// HealthCheck implements store.Store.
func (s *Store) HealthCheck(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}
