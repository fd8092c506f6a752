package types

// This file defines how the cache reports what it is doing.

/*
Metrics is an interface that defines what the cache wants to measure.
Each method represents an event in the entry lifecycle. The cache calls these methods whenever something happens.
*/
type Metrics interface {

	// Hit is called when a request is served by replaying a published entry.
	Hit()

	// Miss is called when no valid entry exists and the source has to run.
	Miss()

	// Publish is called when a finished entry becomes visible in the store.
	Publish()

	// Decline is called when a finished population could not be published
	// (invalidated before publish, or another valid entry already holds the key).
	Decline()

	// Invalidate is called when an invalidation signal reaches an entry.
	Invalidate()

	// Discard is called when a population is abandoned: source error or the caller stopped early.
	Discard()
}

/*
NoopMetrics is a "do nothing" implementation of Metrics.

We don't want to force every user of the cache to implement metrics,
and we don't want "if metrics != nil" checks everywhere.
*/
type NoopMetrics struct{}

func (NoopMetrics) Hit()        {}
func (NoopMetrics) Miss()       {}
func (NoopMetrics) Publish()    {}
func (NoopMetrics) Decline()    {}
func (NoopMetrics) Invalidate() {}
func (NoopMetrics) Discard()    {}
