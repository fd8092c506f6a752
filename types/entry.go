package types

import (
	"sync/atomic"
	"time"
)

// State is the lifecycle flag of an Entry.
type State int32

const (
	// Building: still accumulating items, not visible to the store.
	Building State = iota

	// Valid: sealed and published, eligible to serve cache hits.
	Valid

	// Invalid: terminal. Must never be served.
	Invalid
)

func (s State) String() string {
	switch s {
	case Building:
		return "building"
	case Valid:
		return "valid"
	case Invalid:
		return "invalid"
	default:
		return "unknown"
	}
}

/*
Entry holds one materialized query result.

Lifecycle:
----------
Building → Valid → Invalid, or Building → discarded (never reaches the store).
Invalid is terminal; an entry never returns to Valid.

Ownership:
----------
- Before publication only the populating call touches items.
- After publication items are read-only and shared by every replay.

The state is atomic because invalidation writes it without holding the store lock.
createdAt is written once, under the store lock, before the entry becomes visible.
*/
type Entry[T any] struct {
	items     []T
	state     atomic.Int32
	createdAt time.Time
}

// NewEntry returns an empty entry in the Building state.
func NewEntry[T any]() *Entry[T] {
	return &Entry[T]{}
}

// Append adds one item to the buffer. Only valid while Building.
func (e *Entry[T]) Append(item T) {
	e.items = append(e.items, item)
}

// Items returns the buffered items in source order. Callers must not modify the slice.
func (e *Entry[T]) Items() []T {
	return e.items
}

// Len returns the number of buffered items.
func (e *Entry[T]) Len() int {
	return len(e.items)
}

// State returns the current lifecycle state.
func (e *Entry[T]) State() State {
	return State(e.state.Load())
}

// Seal moves the entry from Building to Valid.
// It fails when invalidation has already marked the entry Invalid.
func (e *Entry[T]) Seal() bool {
	return e.state.CompareAndSwap(int32(Building), int32(Valid))
}

// Invalidate marks the entry Invalid. It reports whether this call made the transition.
func (e *Entry[T]) Invalidate() bool {
	return State(e.state.Swap(int32(Invalid))) != Invalid
}

// CreatedAt is the time the complete result became available to other readers.
// Zero until the entry is published.
func (e *Entry[T]) CreatedAt() time.Time {
	return e.createdAt
}

// MarkPublished records the publish time. The store calls it under its lock.
func (e *Entry[T]) MarkPublished(now time.Time) {
	e.createdAt = now
}
