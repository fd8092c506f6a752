package engine

import (
	"time"

	"go.uber.org/zap"

	"github.com/krisalay/query-cache/invalidation"
	"github.com/krisalay/query-cache/types"
)

/*
CacheEngine is the "brain" shared by every QueryCache.
It is responsible for the "behavior" around caching, NOT storage.

It decides:
- Where invalidation subscriptions come from
- What time it is (publish and population timestamps)
- How observer callbacks are run without blocking the core
- How metrics and diagnostics are recorded

It does NOT:
- Store entries
- Run sources
- Take locks
*/
type CacheEngine struct {

	// Bridge hands out invalidation subscriptions.
	// If nil, entries stay cached until Remove or Purge.
	Bridge invalidation.Bridge

	// Metrics counts hits, misses, publishes and invalidations.
	Metrics types.Metrics

	// Logger receives diagnostics: failed subscriptions, panicking observers.
	Logger *zap.Logger

	// Clock returns the current time. Tests pin it.
	Clock func() time.Time
}

/*
NewCacheEngine creates a CacheEngine.

Metrics and Logger are always non-nil afterwards.
*/
func NewCacheEngine(
	bridge invalidation.Bridge,
	metrics types.Metrics,
	logger *zap.Logger,
) *CacheEngine {
	if metrics == nil {
		metrics = types.NoopMetrics{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	return &CacheEngine{
		Bridge:  bridge,
		Metrics: metrics,
		Logger:  logger,
		Clock:   time.Now,
	}
}

// Now returns the engine's current time in UTC.
func (e *CacheEngine) Now() time.Time {
	if e.Clock == nil {
		return time.Now().UTC()
	}
	return e.Clock().UTC()
}

/*
Subscribe registers onChange for one population.

BEHAVIOR:
---------
- With a bridge: delegates to it.
- Without a bridge: returns a subscription that never fires.
*/
func (e *CacheEngine) Subscribe(onChange func(invalidation.Event)) (invalidation.Subscription, error) {
	if e.Bridge == nil {
		return detached{}, nil
	}
	return e.Bridge.Subscribe(onChange)
}

/*
Dispatch runs an observer callback on its own goroutine.

Observers belong to the application. They may be slow, and they may panic. Neither
may reach the invalidation worker or the caller that populated the entry, so the
callback is isolated and a panic is logged with the cache key.
*/
func (e *CacheEngine) Dispatch(key string, fn func()) {
	go func() {
		defer func() {
			if r := recover(); r != nil {
				e.Logger.Error("invalidation observer panicked",
					zap.String("key", key),
					zap.Any("panic", r),
				)
			}
		}()
		fn()
	}()
}

// detached is the subscription used when no bridge is configured.
type detached struct{}

func (detached) ID() string            { return "" }
func (detached) Watch(...string) error { return nil }
func (detached) Cancel()               {}
