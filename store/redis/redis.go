// Package redis mirrors pool session records into Redis so that other
// processes (dashboards, admin tooling, sibling pool instances) can inspect
// which sessions are alive without reaching into the pool.
//
// Records are stored as JSON under <prefix>:session:<key> with a TTL, and
// each owner has an index set under <prefix>:owner:<owner>.
package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	goredis "github.com/go-redis/redis/v8"

	"github.com/hupe1980/execpool/core"
)

// Options configures the Store.
type Options struct {
	// Prefix namespaces every key. Defaults to "execpool".
	Prefix string
	// TTL expires records the pool never deleted (for example after a crash).
	// It should exceed the pool idle TTL.
	TTL time.Duration
}

// Store implements core.RecordStore on Redis.
type Store struct {
	client *goredis.Client
	opts   Options
}

var _ core.RecordStore = (*Store)(nil)

// NewClient connects to Redis and verifies the connection.
func NewClient(ctx context.Context, addr, password string, db, poolSize int) (*goredis.Client, error) {
	client := goredis.NewClient(&goredis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
		PoolSize: poolSize,
	})

	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis connection failed: %w", err)
	}
	return client, nil
}

// New creates a Store on an existing client.
func New(client *goredis.Client, optFns ...func(o *Options)) *Store {
	opts := Options{
		Prefix: "execpool",
		TTL:    time.Hour,
	}
	for _, fn := range optFns {
		fn(&opts)
	}
	return &Store{client: client, opts: opts}
}

func (s *Store) sessionKey(key string) string {
	return fmt.Sprintf("%s:session:%s", s.opts.Prefix, key)
}

func (s *Store) ownerKey(owner string) string {
	return fmt.Sprintf("%s:owner:%s", s.opts.Prefix, owner)
}

// Save writes rec and refreshes its TTL.
func (s *Store) Save(ctx context.Context, rec core.Record) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("failed to marshal record: %w", err)
	}

	_, err = s.client.TxPipelined(ctx, func(pipe goredis.Pipeliner) error {
		pipe.Set(ctx, s.sessionKey(rec.Key), data, s.opts.TTL)
		if rec.OwnerID != "" {
			pipe.SAdd(ctx, s.ownerKey(rec.OwnerID), rec.Key)
			pipe.Expire(ctx, s.ownerKey(rec.OwnerID), s.opts.TTL)
		}
		return nil
	})
	return err
}

// Get returns the record stored for key. A missing record is not an error.
func (s *Store) Get(ctx context.Context, key string) (core.Record, bool, error) {
	data, err := s.client.Get(ctx, s.sessionKey(key)).Bytes()
	if err != nil {
		if errors.Is(err, goredis.Nil) {
			return core.Record{}, false, nil
		}
		return core.Record{}, false, err
	}

	var rec core.Record
	if err := json.Unmarshal(data, &rec); err != nil {
		return core.Record{}, false, fmt.Errorf("failed to unmarshal record: %w", err)
	}
	return rec, true, nil
}

// Delete removes the record for key and its owner index entry.
func (s *Store) Delete(ctx context.Context, key string) error {
	rec, ok, err := s.Get(ctx, key)
	if err != nil {
		return err
	}
	if !ok {
		return nil
	}

	_, err = s.client.TxPipelined(ctx, func(pipe goredis.Pipeliner) error {
		pipe.Del(ctx, s.sessionKey(key))
		if rec.OwnerID != "" {
			pipe.SRem(ctx, s.ownerKey(rec.OwnerID), key)
		}
		return nil
	})
	return err
}

// ListByOwner returns the stored records of owner ordered by key. Index
// entries whose record already expired are pruned.
func (s *Store) ListByOwner(ctx context.Context, owner string) ([]core.Record, error) {
	if owner == "" {
		return nil, nil
	}

	ownerKey := s.ownerKey(owner)
	keys, err := s.client.SMembers(ctx, ownerKey).Result()
	if err != nil {
		return nil, err
	}
	if len(keys) == 0 {
		return nil, nil
	}
	sort.Strings(keys)

	sessionKeys := make([]string, len(keys))
	for i, k := range keys {
		sessionKeys[i] = s.sessionKey(k)
	}
	values, err := s.client.MGet(ctx, sessionKeys...).Result()
	if err != nil {
		return nil, err
	}

	var (
		out   []core.Record
		stale []any
	)
	for i, v := range values {
		str, ok := v.(string)
		if !ok {
			stale = append(stale, keys[i])
			continue
		}
		var rec core.Record
		if err := json.Unmarshal([]byte(str), &rec); err != nil {
			return nil, fmt.Errorf("failed to unmarshal record %q: %w", keys[i], err)
		}
		out = append(out, rec)
	}

	if len(stale) > 0 {
		if err := s.client.SRem(ctx, ownerKey, stale...).Err(); err != nil {
			return out, err
		}
	}
	return out, nil
}
