package cache_test

import (
	"context"
	"fmt"
	"sync"
	"testing"

	cache "github.com/krisalay/query-cache"
	"github.com/krisalay/query-cache/engine"
	"github.com/krisalay/query-cache/invalidation"
	"github.com/krisalay/query-cache/store"
)

func newBenchmarkCache(b *testing.B) (*cache.QueryCache[int], *invalidation.Hub) {
	hub := invalidation.NewHub(1024)
	b.Cleanup(func() { hub.Close() })

	return cache.NewQueryCache(
		store.New[int](),
		engine.NewCacheEngine(hub, nil, nil),
	), hub
}

func drain(b *testing.B, seq func(func(int, error) bool)) {
	for _, err := range seq {
		if err != nil {
			b.Fatal(err)
		}
	}
}

//
// ================= SINGLE THREAD BENCH =================
//

func BenchmarkEnumerateHit(b *testing.B) {
	ctx := context.Background()
	c, _ := newBenchmarkCache(b)
	src := cache.FromSlice(1, 2, 3, 4, 5, 6, 7, 8)

	drain(b, c.Enumerate(ctx, "key", src))

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		drain(b, c.Enumerate(ctx, "key", src))
	}
}

func BenchmarkEnumerateMiss(b *testing.B) {
	ctx := context.Background()
	c, _ := newBenchmarkCache(b)
	src := cache.FromSlice(1, 2, 3, 4, 5, 6, 7, 8)

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		drain(b, c.Enumerate(ctx, fmt.Sprintf("miss-%d", i), src))
	}
}

func BenchmarkEnumerateMissWithoutBridge(b *testing.B) {
	ctx := context.Background()
	c := cache.NewQueryCache[int](nil, nil)
	src := cache.FromSlice(1, 2, 3, 4, 5, 6, 7, 8)

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		drain(b, c.Enumerate(ctx, fmt.Sprintf("miss-%d", i), src))
	}
}

//
// ================= PARALLEL BENCH =================
//

func BenchmarkParallelHit(b *testing.B) {
	ctx := context.Background()
	c, _ := newBenchmarkCache(b)
	src := cache.FromSlice(1, 2, 3)

	for i := 0; i < 1000; i++ {
		drain(b, c.Enumerate(ctx, fmt.Sprintf("key-%d", i), src))
	}

	b.ResetTimer()
	b.RunParallel(func(pb *testing.PB) {
		for pb.Next() {
			for range c.Enumerate(ctx, "key-42", src) {
			}
		}
	})
}

//
// ================= HIGH CONCURRENCY WITH INVALIDATION =================
//

func BenchmarkHighConcurrencyWithInvalidation(b *testing.B) {
	ctx := context.Background()
	c, hub := newBenchmarkCache(b)

	// Watches "numbers", so notifications evict.
	watched := NewTestSource(1, 2, 3)
	keys := make([]string, 1000)
	for i := range keys {
		keys[i] = fmt.Sprintf("key-%d", i)
	}

	b.ResetTimer()

	wg := sync.WaitGroup{}
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			for j := 0; j < b.N/100; j++ {
				for range c.Enumerate(ctx, keys[(id+j)%len(keys)], watched) {
				}
				if j%50 == 0 {
					_ = hub.Notify(ctx, "numbers", "bench")
				}
			}
		}(i)
	}
	wg.Wait()
}
