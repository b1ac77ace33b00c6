// Package cache provides the named, versioned response stores used by the
// gateway strategies. A Storage holds any number of Stores addressed by name;
// each Store maps a request identity to a captured response snapshot and
// remembers insertion order so callers can evict oldest-first.
//
// Backends: Memory (in-process), SQLStorage (SQLite or Postgres) and
// RedisStorage. All of them satisfy the same contract and are safe for
// concurrent use.
package cache

import (
	"context"
	"fmt"
)

// Store is a single named cache of response snapshots.
type Store interface {
	// Name returns the store name, e.g. "v3-api".
	Name() string
	// Match returns the entry stored under key, or false on a miss.
	Match(ctx context.Context, key string) (*Entry, bool, error)
	// Put stores entry under entry.Key. An existing entry for the same key is
	// replaced and the key moves to the newest insertion position. The store
	// itself is created on the first Put.
	Put(ctx context.Context, entry *Entry) error
	// Delete removes key and reports whether it was present.
	Delete(ctx context.Context, key string) (bool, error)
	// Keys returns all keys, oldest insertion first.
	Keys(ctx context.Context) ([]string, error)
	// Len returns the number of entries.
	Len(ctx context.Context) (int, error)
}

// Storage is the process-wide set of named stores.
type Storage interface {
	// Open returns a handle for the named store. Opening does not create the
	// store; it comes into existence on the first write through the handle.
	Open(ctx context.Context, name string) (Store, error)
	// Has reports whether the named store exists.
	Has(ctx context.Context, name string) (bool, error)
	// Delete removes the named store with all its entries and reports whether
	// it existed.
	Delete(ctx context.Context, name string) (bool, error)
	// Names lists existing stores in creation order.
	Names(ctx context.Context) ([]string, error)
	// Close releases backend resources.
	Close() error
}

// LimitSize drains s down to maxEntries by deleting the oldest entry one at a
// time. maxEntries <= 0 means unbounded. It returns the number of evicted
// entries.
func LimitSize(ctx context.Context, s Store, maxEntries int) (int, error) {
	if maxEntries <= 0 {
		return 0, nil
	}
	keys, err := s.Keys(ctx)
	if err != nil {
		return 0, fmt.Errorf("list keys of %s: %w", s.Name(), err)
	}

	evicted := 0
	excess := len(keys) - maxEntries
	for i := 0; i < excess; i++ {
		ok, err := s.Delete(ctx, keys[i])
		if err != nil {
			return evicted, fmt.Errorf("evict %q from %s: %w", keys[i], s.Name(), err)
		}
		if ok {
			evicted++
		}
	}
	return evicted, nil
}
