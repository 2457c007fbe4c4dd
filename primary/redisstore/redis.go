// Package redisstore implements the primary tier on Redis.
//
// Each entry is a hash at <namespace>:entry:<id>. Expiry uses EXPIREAT set to
// the created day plus the TTL stored at <namespace>:index:created_day_ttl.
// Scripts touch entry and index keys together, so the store needs a single
// Redis node rather than a cluster.
package redisstore

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	redis "github.com/redis/go-redis/v9"

	"github.com/wolfeidau/nodestore/primary"
)

// DefaultNamespace prefixes every key written by the store.
const DefaultNamespace = "nodestore"

const (
	fieldData            = "data"
	fieldContentEncoding = "content_encoding"
	fieldCreatedDay      = "created_day"

	scanBatch = 500

	pendingSuffix = ":pending"
)

// upsertScript writes the whole hash and applies the TTL definition in one step,
// so a concurrent EnsureTTLIndex never sees an entry without its expiry.
var upsertScript = redis.NewScript(`
redis.call('DEL', KEYS[1])
redis.call('HSET', KEYS[1], 'data', ARGV[1], 'content_encoding', ARGV[2], 'created_day', ARGV[3])
local ttl = redis.call('GET', KEYS[2])
if ttl then
  redis.call('EXPIREAT', KEYS[1], tonumber(ARGV[3]) + tonumber(ttl))
end
return 1
`)

// stampScript applies the current TTL definition in KEYS[1] to every entry in
// KEYS[2..]. Each entry's created day is read in the same step, so an entry
// rewritten concurrently is never stamped from its previous day.
var stampScript = redis.NewScript(`
local ttl = redis.call('GET', KEYS[1])
if not ttl then
  return 0
end
local n = 0
for i = 2, #KEYS do
  local day = redis.call('HGET', KEYS[i], 'created_day')
  if day then
    redis.call('EXPIREAT', KEYS[i], tonumber(day) + tonumber(ttl))
    n = n + 1
  end
end
return n
`)

// Store implements primary.Store on Redis.
type Store struct {
	client *redis.Client
	ns     string
	logger *slog.Logger
}

// Option configures a Store.
type Option func(*Store)

// WithNamespace sets the key prefix.
func WithNamespace(ns string) Option {
	return func(s *Store) {
		s.ns = ns
	}
}

// WithLogger sets the logger for the store.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Store) {
		s.logger = logger
	}
}

// Connect parses a redis:// URL, dials and pings the server.
// The caller owns the returned client and must Close it.
func Connect(ctx context.Context, url string) (*redis.Client, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parsing redis url: %w", err)
	}
	client := redis.NewClient(opts)

	pingCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("connect to redis: %w", err)
	}
	return client, nil
}

// New returns a store using client.
func New(client *redis.Client, opts ...Option) *Store {
	s := &Store{
		client: client,
		ns:     DefaultNamespace,
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Store) entryKey(id string) string {
	return s.ns + ":entry:" + id
}

func (s *Store) indexKey() string {
	return s.ns + ":index:" + primary.TTLIndexName
}

// pendingKey is set while existing entries are being stamped with a new TTL.
func (s *Store) pendingKey() string {
	return s.indexKey() + pendingSuffix
}

// Upsert replaces the hash for the entry id.
func (s *Store) Upsert(ctx context.Context, e *primary.Entry) error {
	day := primary.Day(e.CreatedDay).Unix()
	keys := []string{s.entryKey(e.ID), s.indexKey()}
	if err := upsertScript.Run(ctx, s.client, keys, e.Data, e.ContentEncoding, day).Err(); err != nil {
		return fmt.Errorf("upserting %s: %w", e.ID, err)
	}
	return nil
}

// Delete removes the entry for id.
func (s *Store) Delete(ctx context.Context, id string) error {
	if err := s.client.Del(ctx, s.entryKey(id)).Err(); err != nil {
		return fmt.Errorf("deleting %s: %w", id, err)
	}
	return nil
}

// DeleteMany removes the entries for ids with a single DEL.
func (s *Store) DeleteMany(ctx context.Context, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	keys := make([]string, 0, len(ids))
	for _, id := range ids {
		keys = append(keys, s.entryKey(id))
	}
	if err := s.client.Del(ctx, keys...).Err(); err != nil {
		return fmt.Errorf("deleting %d ids: %w", len(ids), err)
	}
	return nil
}

// FindOne returns the entry for id, or primary.ErrNotFound.
func (s *Store) FindOne(ctx context.Context, id string) (*primary.Entry, error) {
	fields, err := s.client.HGetAll(ctx, s.entryKey(id)).Result()
	if err != nil {
		return nil, fmt.Errorf("finding %s: %w", id, err)
	}
	if len(fields) == 0 {
		return nil, primary.ErrNotFound
	}
	return parseEntry(id, fields)
}

// FindMany pipelines one HGETALL per distinct id.
func (s *Store) FindMany(ctx context.Context, ids []string) ([]*primary.Entry, error) {
	ids = primary.Dedupe(ids)
	if len(ids) == 0 {
		return nil, nil
	}

	cmds := make([]*redis.MapStringStringCmd, len(ids))
	_, err := s.client.Pipelined(ctx, func(p redis.Pipeliner) error {
		for i, id := range ids {
			cmds[i] = p.HGetAll(ctx, s.entryKey(id))
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("finding %d ids: %w", len(ids), err)
	}

	out := make([]*primary.Entry, 0, len(ids))
	for i, cmd := range cmds {
		fields := cmd.Val()
		if len(fields) == 0 {
			continue
		}
		e, err := parseEntry(ids[i], fields)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, nil
}

func parseEntry(id string, fields map[string]string) (*primary.Entry, error) {
	secs, err := strconv.ParseInt(fields[fieldCreatedDay], 10, 64)
	if err != nil {
		return nil, fmt.Errorf("parsing created day of %s: %w", id, err)
	}
	return &primary.Entry{
		ID:              id,
		Data:            []byte(fields[fieldData]),
		ContentEncoding: fields[fieldContentEncoding],
		CreatedDay:      time.Unix(secs, 0).UTC(),
	}, nil
}

// EnsureTTLIndex stores the TTL definition and stamps existing entries with
// EXPIREAT created_day + ttl. An unchanged definition is left alone unless an
// earlier call was interrupted before every entry was stamped.
func (s *Store) EnsureTTLIndex(ctx context.Context, ttlDays int) error {
	if err := primary.CheckTTLDays(ttlDays); err != nil {
		return err
	}
	ttlSeconds := int64(ttlDays) * primary.SecondsPerDay
	want := strconv.FormatInt(ttlSeconds, 10)

	vals, err := s.client.MGet(ctx, s.indexKey(), s.pendingKey()).Result()
	if err != nil {
		return fmt.Errorf("reading ttl index: %w", err)
	}
	current, _ := vals[0].(string)
	_, pending := vals[1].(string)

	switch {
	case current == want && !pending:
		return nil
	case pending:
		s.logger.Info("resuming interrupted ttl index stamping",
			"index", primary.TTLIndexName,
			"ttlDays", ttlDays)
	case current != "":
		s.logger.Info("ttl index exists with different options, recreating",
			"index", primary.TTLIndexName,
			"ttlDays", ttlDays)
	}

	// New writes pick up the definition at once; the marker stays until
	// every existing entry carries it.
	if _, err := s.client.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.Set(ctx, s.indexKey(), want, 0)
		p.Set(ctx, s.pendingKey(), want, 0)
		return nil
	}); err != nil {
		return fmt.Errorf("writing ttl index: %w", err)
	}

	stamped, err := s.stampExpiry(ctx)
	if err != nil {
		return err
	}
	if err := s.client.Del(ctx, s.pendingKey()).Err(); err != nil {
		return fmt.Errorf("clearing ttl index marker: %w", err)
	}
	s.logger.Debug("ttl index applied", "index", primary.TTLIndexName, "entries", stamped)
	return nil
}

// stampExpiry walks every entry and stamps it from the stored TTL definition.
func (s *Store) stampExpiry(ctx context.Context) (int, error) {
	var (
		cursor  uint64
		stamped int
	)
	for {
		keys, next, err := s.client.Scan(ctx, cursor, s.ns+":entry:*", scanBatch).Result()
		if err != nil {
			return stamped, fmt.Errorf("scanning entries: %w", err)
		}

		n, err := s.stampKeys(ctx, keys)
		stamped += n
		if err != nil {
			return stamped, err
		}

		cursor = next
		if cursor == 0 {
			return stamped, nil
		}
	}
}

// stampKeys sets EXPIREAT on the given entry keys. Keys deleted since the
// scan are skipped.
func (s *Store) stampKeys(ctx context.Context, keys []string) (int, error) {
	if len(keys) == 0 {
		return 0, nil
	}
	n, err := stampScript.Run(ctx, s.client, append([]string{s.indexKey()}, keys...)).Int()
	if err != nil {
		return 0, fmt.Errorf("setting expiry: %w", err)
	}
	return n, nil
}

var _ primary.Store = (*Store)(nil)
