package cache

import (
	"time"

	"github.com/krisalay/query-cache/invalidation"
	"github.com/krisalay/query-cache/types"
)

// Source is re-exported so callers only need the root package for the common case.
type Source[T any] = types.Source[T]

// SourceFunc adapts a function to Source.
type SourceFunc[T any] = types.SourceFunc[T]

// FromSlice is a Source yielding the given items.
func FromSlice[T any](items ...T) Source[T] {
	return types.FromSlice(items...)
}

// DataSource tells where a result came from.
type DataSource int

const (
	// FromSource: the query ran.
	FromSource DataSource = iota + 1
	// FromCache: a published entry was replayed.
	FromCache
)

func (d DataSource) String() string {
	switch d {
	case FromSource:
		return "source"
	case FromCache:
		return "cache"
	default:
		return "unknown"
	}
}

/*
Meta describes one enumeration.

  - FromSource: Time is when the population began.
  - FromCache:  Time is when the replayed entry was published.
*/
type Meta struct {
	Source DataSource
	Time   time.Time
}

// Invalidation is handed to the observer registered with WithInvalidationObserver.
type Invalidation struct {
	Key   string
	Tag   any
	Event invalidation.Event
}

// Option configures one call to Enumerate or Collect.
type Option func(*options)

type options struct {
	meta     *Meta
	tag      any
	observer func(Invalidation)
}

// WithMeta receives where the result came from. It is written when enumeration starts.
func WithMeta(m *Meta) Option {
	return func(o *options) { o.meta = m }
}

// WithTag attaches an arbitrary value that is passed back to the invalidation observer.
func WithTag(tag any) Option {
	return func(o *options) { o.tag = tag }
}

// WithInvalidationObserver is called at most once, on its own goroutine, when the result
// produced by this call is invalidated. It is never called when the call is served from cache.
func WithInvalidationObserver(fn func(Invalidation)) Option {
	return func(o *options) { o.observer = fn }
}

func buildOptions(opts []Option) options {
	var o options
	for _, opt := range opts {
		if opt != nil {
			opt(&o)
		}
	}
	return o
}

func (o options) report(src DataSource, at time.Time) {
	if o.meta != nil {
		*o.meta = Meta{Source: src, Time: at}
	}
}
