package cache

import (
	"context"
	"iter"

	"go.uber.org/zap"

	"github.com/krisalay/query-cache/engine"
	"github.com/krisalay/query-cache/invalidation"
	"github.com/krisalay/query-cache/store"
	"github.com/krisalay/query-cache/types"
)

/*
QueryCache is the main cache implementation for results of element type T.
This struct is the orchestrator that connects:
- the store (published entries)
- the engine (invalidation, clock, metrics, logging)
- the sources handed in per call
*/
type QueryCache[T any] struct {
	// store holds published entries. It may be shared with other caches of the same T.
	store *store.Store[T]

	// engine contains the "rules": where subscriptions come from, metrics, logger, clock.
	engine *engine.CacheEngine
}

// NewQueryCache wires a cache. A nil store gets a private one, a nil engine gets defaults without invalidation.
func NewQueryCache[T any](s *store.Store[T], e *engine.CacheEngine) *QueryCache[T] {
	if s == nil {
		s = store.New[T]()
	}
	if e == nil {
		e = engine.NewCacheEngine(nil, nil, nil)
	}
	return &QueryCache[T]{store: s, engine: e}
}

/*
Enumerate returns the result of src under key as a lazy sequence.

Nothing happens until the sequence is ranged over. Each range re-runs the whole protocol:
 1. Lookup key → valid entry found: replay it (FromCache)
 2. Otherwise subscribe to invalidation, then run src with the subscription in ctx
 3. Every item is buffered and yielded immediately, in source order (FromSource)
 4. At exhaustion seal the entry and try to publish it

A source error is yielded as is and ends the sequence; nothing is cached.
Stopping early discards the buffer. In both cases an invalidation observer is
still called when the rows already handed out go stale.
*/
func (c *QueryCache[T]) Enumerate(ctx context.Context, key string, src Source[T], opts ...Option) iter.Seq2[T, error] {
	o := buildOptions(opts)

	return func(yield func(T, error) bool) {
		if ent, ok := c.store.Lookup(key); ok {
			// Cache hit
			c.engine.Metrics.Hit()
			o.report(FromCache, ent.CreatedAt())

			for _, item := range ent.Items() {
				if !yield(item, nil) {
					return
				}
			}
			return
		}

		// Cache miss
		c.engine.Metrics.Miss()
		c.populate(ctx, key, src, o, yield)
	}
}

// Collect drains Enumerate into a slice.
func (c *QueryCache[T]) Collect(ctx context.Context, key string, src Source[T], opts ...Option) ([]T, Meta, error) {
	var meta Meta
	opts = append(opts[:len(opts):len(opts)], WithMeta(&meta))

	var items []T
	for item, err := range c.Enumerate(ctx, key, src, opts...) {
		if err != nil {
			return nil, meta, err
		}
		items = append(items, item)
	}
	return items, meta, nil
}

// populate runs src once, teeing each item into a new entry and to the caller.
func (c *QueryCache[T]) populate(ctx context.Context, key string, src Source[T], o options, yield func(T, error) bool) {
	ent := types.NewEntry[T]()

	// Subscribe before the source produces anything, so a change at any point is seen.
	cacheable := true
	sub, err := c.engine.Subscribe(func(ev invalidation.Event) {
		c.invalidated(key, ent, o, ev)
	})
	if err != nil {
		c.engine.Logger.Warn("invalidation unavailable, streaming uncached",
			zap.String("key", key),
			zap.Error(err),
		)
		cacheable = false
		sub = nil
	}

	runCtx := ctx
	if sub != nil {
		runCtx = invalidation.WithSubscription(ctx, sub)
	}
	o.report(FromSource, c.engine.Now())

	finished := false
	defer func() {
		if finished {
			return
		}
		// Error or early stop: the entry was never visible, drop it.
		// The caller already holds rows from it, so an observer keeps the subscription.
		c.engine.Metrics.Discard()
		if sub != nil && o.observer == nil {
			sub.Cancel()
		}
	}()

	for item, err := range src.Rows(runCtx) {
		if err != nil {
			var zero T
			yield(zero, err)
			return
		}
		ent.Append(item)
		if !yield(item, nil) {
			return
		}
	}
	finished = true

	if !cacheable {
		c.engine.Metrics.Decline()
		return
	}
	c.publish(key, ent)
}

/*
publish seals ent and offers it to the store.

Declining is normal: invalidation fired during population, or a concurrent
population for the same key got there first. The caller was already served.
*/
func (c *QueryCache[T]) publish(key string, ent *types.Entry[T]) {
	if !ent.Seal() {
		c.engine.Metrics.Decline()
		c.engine.Logger.Debug("entry invalidated before publish", zap.String("key", key))
		return
	}
	if !c.store.TryPublish(key, ent, c.engine.Now()) {
		c.engine.Metrics.Decline()
		c.engine.Logger.Debug("publish declined", zap.String("key", key))
		return
	}
	c.engine.Metrics.Publish()
}

/*
invalidated is the reaction to a fired subscription.
 1. Mark the entry Invalid. No lock: readers either still see Valid (and replay a
    still-correct result) or see Invalid and evict it.
 2. Remove it from the store, but only if the slot still holds this very entry.
 3. Tell the observer, if this population registered one.
*/
func (c *QueryCache[T]) invalidated(key string, ent *types.Entry[T], o options, ev invalidation.Event) {
	if ent.Invalidate() {
		c.engine.Metrics.Invalidate()
	}
	removed := c.store.RemoveEntry(key, ent)

	c.engine.Logger.Debug("entry invalidated",
		zap.String("key", key),
		zap.String("subscription", ev.Subscription),
		zap.String("topic", ev.Topic),
		zap.Bool("evicted", removed),
	)

	if o.observer != nil {
		inv := Invalidation{Key: key, Tag: o.tag, Event: ev}
		c.engine.Dispatch(key, func() { o.observer(inv) })
	}
}

/*
Remove deletes key from the cache immediately, whatever the entry's state.
In-flight populations are unaffected: they own their buffer and may publish later.
*/
func (c *QueryCache[T]) Remove(key string) {
	c.store.Remove(key)
}

// Purge evicts every entry of this cache's store.
func (c *QueryCache[T]) Purge() {
	c.store.Purge()
}

// Len returns the number of occupied slots.
func (c *QueryCache[T]) Len() int {
	return c.store.Len()
}
