package store

import (
	"sync"
	"time"

	"github.com/krisalay/query-cache/types"
)

/*
This file defines where published query results live.

A Store is a keyed table of entries for ONE element type T. Each type gets its own
instance, so two result types can never collide on the same key.

Concurrency:
------------
Every operation is serialized by a single mutex. The mutex covers the map mutation
only: the cache never holds it while pulling from a source or running a callback.
*/
type Store[T any] struct {
	mu      sync.Mutex
	entries map[string]*types.Entry[T]
}

// New returns an empty Store.
func New[T any]() *Store[T] {
	return &Store[T]{entries: make(map[string]*types.Entry[T])}
}

/*
Lookup returns the valid entry stored under key.

An occupant that is not Valid (invalidated while published) is evicted here and
reported as a miss. Lookup never hands out a non-Valid entry.
*/
func (s *Store[T]) Lookup(key string) (*types.Entry[T], bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	ent, ok := s.entries[key]
	if !ok {
		return nil, false
	}
	if ent.State() != types.Valid {
		delete(s.entries, key)
		return nil, false
	}
	return ent, true
}

/*
TryPublish makes a sealed entry visible under key.

It succeeds only when:
  - the slot is empty, or its occupant is no longer Valid (it gets replaced), and
  - ent is Valid at the instant of the check.

On success the publish time is stamped on the entry. On failure the caller must not
retry: its own caller was already served by the stream-through.
*/
func (s *Store[T]) TryPublish(key string, ent *types.Entry[T], now time.Time) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if cur, ok := s.entries[key]; ok && cur.State() == types.Valid {
		return false
	}
	if ent.State() != types.Valid {
		return false
	}

	ent.MarkPublished(now)
	s.entries[key] = ent
	return true
}

// RemoveEntry deletes key only if it still holds this exact entry instance.
// An invalidation for an old entry must never evict a newer one published under the same key.
func (s *Store[T]) RemoveEntry(key string, ent *types.Entry[T]) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if cur, ok := s.entries[key]; ok && cur == ent {
		delete(s.entries, key)
		return true
	}
	return false
}

// Remove deletes whatever is stored under key, regardless of its state.
func (s *Store[T]) Remove(key string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, ok := s.entries[key]
	delete(s.entries, key)
	return ok
}

// Purge clears the whole table and returns how many slots were dropped.
func (s *Store[T]) Purge() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	n := len(s.entries)
	s.entries = make(map[string]*types.Entry[T])
	return n
}

// Len returns how many slots are occupied, including entries not yet evicted after invalidation.
func (s *Store[T]) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}
