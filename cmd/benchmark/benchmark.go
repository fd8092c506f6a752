package main

import (
	"context"
	"flag"
	"fmt"
	"iter"
	"math/rand/v2"
	"os"
	"time"

	"golang.org/x/sync/errgroup"

	cache "github.com/krisalay/query-cache"
	"github.com/krisalay/query-cache/engine"
	"github.com/krisalay/query-cache/invalidation"
	"github.com/krisalay/query-cache/metrics"
	"github.com/krisalay/query-cache/store"
)

// ================= SOURCE =================

// slowSource simulates a query: rows items, each taking delay to produce.
func slowSource(table string, rows int, delay time.Duration) cache.Source[int] {
	return cache.SourceFunc[int](func(ctx context.Context) iter.Seq2[int, error] {
		return func(yield func(int, error) bool) {
			if err := invalidation.Watch(ctx, table); err != nil {
				yield(0, err)
				return
			}
			for i := 0; i < rows; i++ {
				if delay > 0 {
					time.Sleep(delay)
				}
				if !yield(i, nil) {
					return
				}
			}
		}
	})
}

// ================= BENCHMARK =================

func main() {
	var (
		keys       = flag.Int("keys", 1000, "distinct cache keys")
		tables     = flag.Int("tables", 16, "tables the keys are spread over")
		rows       = flag.Int("rows", 50, "items per result")
		readers    = flag.Int("readers", 200, "concurrent readers")
		opsPerG    = flag.Int("ops", 5000, "reads per reader")
		invalidate = flag.Duration("invalidate", 10*time.Millisecond, "interval between table changes")
		rowDelay   = flag.Duration("row-delay", 0, "time to produce one item on a miss")
	)
	flag.Parse()

	fmt.Println("\n================ QUERY CACHE LOAD BENCHMARK =================")
	fmt.Println("CONFIG")
	fmt.Println("---------------------------------")
	fmt.Println("Keys         :", *keys)
	fmt.Println("Tables       :", *tables)
	fmt.Println("Rows/Result  :", *rows)
	fmt.Println("Readers      :", *readers)
	fmt.Println("Ops/Reader   :", *opsPerG)
	fmt.Println("Invalidation :", *invalidate)
	fmt.Println("---------------------------------")

	// ---------------- Cache ----------------
	hub := invalidation.NewHub(4096)
	prom := metrics.NewPrometheus("bench")
	c := cache.NewQueryCache(store.New[int](), engine.NewCacheEngine(hub, prom, nil))

	sources := make([]cache.Source[int], *tables)
	for i := range sources {
		sources[i] = slowSource(fmt.Sprintf("t%d", i), *rows, *rowDelay)
	}

	// ---------------- Load Test ----------------
	fmt.Println("Running concurrency benchmark...")
	ctx, stop := context.WithCancel(context.Background())
	start := time.Now()

	var notified int
	notifierDone := make(chan struct{})
	go func() {
		defer close(notifierDone)
		if *invalidate <= 0 {
			return
		}
		tick := time.NewTicker(*invalidate)
		defer tick.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-tick.C:
				table := fmt.Sprintf("t%d", rand.IntN(*tables))
				if err := hub.Notify(ctx, table, "bench"); err == nil {
					notified++
				}
			}
		}
	}()

	g, gctx := errgroup.WithContext(ctx)
	for r := 0; r < *readers; r++ {
		g.Go(func() error {
			rng := rand.New(rand.NewPCG(uint64(r), 42))
			for j := 0; j < *opsPerG; j++ {
				k := rng.IntN(*keys)
				key := fmt.Sprintf("key-%d", k)
				items, _, err := c.Collect(gctx, key, sources[k%*tables])
				if err != nil {
					return err
				}
				if len(items) != *rows {
					return fmt.Errorf("%s: got %d items, want %d", key, len(items), *rows)
				}
			}
			return nil
		})
	}

	err := g.Wait()
	duration := time.Since(start)
	stop()
	<-notifierDone
	hub.Close()

	if err != nil {
		fmt.Fprintln(os.Stderr, "benchmark failed:", err)
		os.Exit(1)
	}

	totalOps := *readers * *opsPerG
	fmt.Println("\n================ RESULTS =================")
	fmt.Printf("Total Operations : %d\n", totalOps)
	fmt.Printf("Total Time       : %v\n", duration)
	fmt.Printf("Throughput       : %.2f ops/sec\n", float64(totalOps)/duration.Seconds())
	fmt.Printf("Notifications    : %d\n", notified)
	for _, ev := range []string{
		metrics.EventHit, metrics.EventMiss, metrics.EventPublish,
		metrics.EventDecline, metrics.EventInvalidate, metrics.EventDiscard,
	} {
		fmt.Printf("%-16s : %.0f\n", ev, prom.Count(ev))
	}
	fmt.Println("=========================================")
}
