package types

import (
	"context"
	"iter"
)

/*
Source is the contract between the cache and the query it decorates.

Rows is called when the cache misses:
 1. Cache looks up the key → no valid entry
 2. Cache subscribes to invalidation and scopes the subscription into ctx
 3. Cache calls Rows(ctx) and pulls items one at a time
 4. Every item is buffered and handed to the caller immediately
 5. At exhaustion the buffer is published under the key

The sequence is finite, lazy and consumed in exactly one pass per population.
A non-nil error ends the sequence; the cache forwards it to the caller untouched.
*/
type Source[T any] interface {
	Rows(ctx context.Context) iter.Seq2[T, error]
}

// SourceFunc adapts a plain function to Source.
type SourceFunc[T any] func(ctx context.Context) iter.Seq2[T, error]

func (f SourceFunc[T]) Rows(ctx context.Context) iter.Seq2[T, error] {
	return f(ctx)
}

// FromSlice is a Source that yields the given items in order.
func FromSlice[T any](items ...T) Source[T] {
	return SourceFunc[T](func(ctx context.Context) iter.Seq2[T, error] {
		return func(yield func(T, error) bool) {
			for _, it := range items {
				if !yield(it, nil) {
					return
				}
			}
		}
	})
}
