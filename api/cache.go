package cache

import (
	"context"
	"iter"

	querycache "github.com/krisalay/query-cache"
)

/*
Cache defines the PUBLIC API of the query cache for results of type T.
It guarantees behavior without exposing the store, the engine, or the
invalidation transport behind it.
*/
type Cache[T any] interface {

	/*
		Enumerate returns the result of src under key.

		BEHAVIOR:
		-------------------
		1. A valid entry exists under key:
		   - Its items are replayed in their original order (FromCache)
		   - src is not executed

		2. No valid entry exists:
		   - src runs once; every item reaches the caller as soon as it is produced
		   - The items are buffered and published under key when src is exhausted
		   - If an invalidation fired while src was running, nothing is published

		IMPORTANT:
		----------
		- The sequence is lazy: nothing happens until it is ranged over
		- Ranging again re-runs the whole protocol
		- Source errors are yielded unmodified and nothing is cached
		- Concurrent misses on the same key each run src (no coalescing)
	*/
	Enumerate(ctx context.Context, key string, src querycache.Source[T], opts ...querycache.Option) iter.Seq2[T, error]

	/*
		Collect drains Enumerate into a slice and reports where the result came from.
	*/
	Collect(ctx context.Context, key string, src querycache.Source[T], opts ...querycache.Option) ([]T, querycache.Meta, error)

	/*
		Remove evicts the entry under key, whatever its state.

		USE CASES:
		----------
		- Manual invalidation after a write the bridge cannot see
		- Administrative cleanup

		This operation is idempotent and safe while populations are in flight.
	*/
	Remove(key string)

	/*
		Purge evicts every entry of this result type.
	*/
	Purge()
}

var _ Cache[int] = (*querycache.QueryCache[int])(nil)
