package cache

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/redis/go-redis/v9"
	"github.com/vmihailenco/msgpack/v5"
)

// ErrNilClient is returned when a RedisStorage is built without a client.
var ErrNilClient = errors.New("cache: nil redis client")

// RedisStorage keeps stores in Redis so several gateway replicas can share
// them. Layout under prefix:
//
//	stores              ZSET  store name -> creation sequence
//	store:<name>:items  HASH  cache key  -> msgpack Entry
//	store:<name>:order  ZSET  cache key  -> insertion sequence
//	seq                 counter feeding both sequences
type RedisStorage struct {
	client redis.UniversalClient
	prefix string
}

// NewRedisStorage wraps client. prefix namespaces all keys, e.g. "edge:".
func NewRedisStorage(client redis.UniversalClient, prefix string) (*RedisStorage, error) {
	if client == nil {
		return nil, ErrNilClient
	}
	return &RedisStorage{client: client, prefix: prefix}, nil
}

// Ping checks connectivity.
func (r *RedisStorage) Ping(ctx context.Context) error {
	if err := r.client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("ping redis storage: %w", err)
	}
	return nil
}

func (r *RedisStorage) storesKey() string { return r.prefix + "stores" }
func (r *RedisStorage) seqKey() string    { return r.prefix + "seq" }
func (r *RedisStorage) itemsKey(name string) string {
	return r.prefix + "store:" + name + ":items"
}
func (r *RedisStorage) orderKey(name string) string {
	return r.prefix + "store:" + name + ":order"
}

// Open returns a handle for the named store.
func (r *RedisStorage) Open(_ context.Context, name string) (Store, error) {
	if strings.TrimSpace(name) == "" {
		return nil, fmt.Errorf("store name is required")
	}
	return &redisStore{r: r, name: name}, nil
}

// Has reports whether the named store exists.
func (r *RedisStorage) Has(ctx context.Context, name string) (bool, error) {
	err := r.client.ZScore(ctx, r.storesKey(), name).Err()
	if errors.Is(err, redis.Nil) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("lookup store %s: %w", name, err)
	}
	return true, nil
}

// Delete removes the named store and its entries.
func (r *RedisStorage) Delete(ctx context.Context, name string) (bool, error) {
	var removed *redis.IntCmd
	_, err := r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, r.itemsKey(name), r.orderKey(name))
		removed = pipe.ZRem(ctx, r.storesKey(), name)
		return nil
	})
	if err != nil {
		return false, fmt.Errorf("delete store %s: %w", name, err)
	}
	return removed.Val() > 0, nil
}

// Names lists stores in creation order.
func (r *RedisStorage) Names(ctx context.Context) ([]string, error) {
	names, err := r.client.ZRange(ctx, r.storesKey(), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("list stores: %w", err)
	}
	return names, nil
}

// Close closes the client.
func (r *RedisStorage) Close() error {
	return r.client.Close()
}

type redisStore struct {
	r    *RedisStorage
	name string
}

func (st *redisStore) Name() string { return st.name }

func (st *redisStore) Match(ctx context.Context, key string) (*Entry, bool, error) {
	data, err := st.r.client.HGet(ctx, st.r.itemsKey(st.name), key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("match %q in %s: %w", key, st.name, err)
	}
	var e Entry
	if err := msgpack.Unmarshal(data, &e); err != nil {
		return nil, false, fmt.Errorf("decode %q: %w", key, err)
	}
	return &e, true, nil
}

func (st *redisStore) Put(ctx context.Context, entry *Entry) error {
	seq, err := st.r.client.Incr(ctx, st.r.seqKey()).Result()
	if err != nil {
		return fmt.Errorf("next sequence: %w", err)
	}
	stored := *entry
	stored.Seq = seq
	data, err := msgpack.Marshal(&stored)
	if err != nil {
		return fmt.Errorf("encode %q: %w", entry.Key, err)
	}

	_, err = st.r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.ZAddNX(ctx, st.r.storesKey(), redis.Z{Score: float64(seq), Member: st.name})
		pipe.HSet(ctx, st.r.itemsKey(st.name), entry.Key, data)
		pipe.ZAdd(ctx, st.r.orderKey(st.name), redis.Z{Score: float64(seq), Member: entry.Key})
		return nil
	})
	if err != nil {
		return fmt.Errorf("put %q in %s: %w", entry.Key, st.name, err)
	}
	entry.Seq = seq
	return nil
}

func (st *redisStore) Delete(ctx context.Context, key string) (bool, error) {
	var removed *redis.IntCmd
	_, err := st.r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		removed = pipe.HDel(ctx, st.r.itemsKey(st.name), key)
		pipe.ZRem(ctx, st.r.orderKey(st.name), key)
		return nil
	})
	if err != nil {
		return false, fmt.Errorf("delete %q from %s: %w", key, st.name, err)
	}
	return removed.Val() > 0, nil
}

func (st *redisStore) Keys(ctx context.Context) ([]string, error) {
	keys, err := st.r.client.ZRange(ctx, st.r.orderKey(st.name), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("list keys of %s: %w", st.name, err)
	}
	return keys, nil
}

func (st *redisStore) Len(ctx context.Context) (int, error) {
	n, err := st.r.client.ZCard(ctx, st.r.orderKey(st.name)).Result()
	if err != nil {
		return 0, fmt.Errorf("count %s: %w", st.name, err)
	}
	return int(n), nil
}
