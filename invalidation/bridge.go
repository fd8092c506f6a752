// Package invalidation delivers "your result changed" signals to cached populations.
//
// The cache does not know how staleness is detected. It asks a Bridge for a
// Subscription before running a source, hands the subscription to the source
// through the context, and reacts when the subscription fires. Transports
// (PostgreSQL LISTEN/NOTIFY, file watching, in-process calls) feed a Hub.
package invalidation

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrClosed is returned when subscribing to or notifying a closed bridge.
	ErrClosed = errors.New("invalidation: bridge closed")
)

// Info tells observers why a subscription fired.
type Info string

const (
	// InfoChanged: a watched topic changed.
	InfoChanged Info = "changed"
	// InfoClosed: the bridge shut down; the result can no longer be tracked.
	InfoClosed Info = "closed"
)

// Event is the opaque cause handed to the cache and to invalidation observers.
type Event struct {
	Subscription string
	Topic        string
	Payload      string
	Info         Info
	At           time.Time
}

// Subscription is the token tying one population to its invalidation signal.
// It fires at most once.
type Subscription interface {
	// ID identifies the subscription in logs and events.
	ID() string

	// Watch makes the subscription sensitive to changes of the given topics.
	// Sources call it while they run, with whatever they read (tables, files).
	// Watching after the subscription fired or was cancelled is a no-op.
	Watch(topics ...string) error

	// Cancel releases the subscription without firing it.
	Cancel()
}

// Bridge creates subscriptions. onChange is called at most once, on an arbitrary goroutine.
type Bridge interface {
	Subscribe(onChange func(Event)) (Subscription, error)
}

type subscriptionKey struct{}

// WithSubscription scopes sub to the source execution that receives the returned context.
// The scope ends with the call: the parent context never sees it.
func WithSubscription(ctx context.Context, sub Subscription) context.Context {
	return context.WithValue(ctx, subscriptionKey{}, sub)
}

// FromContext returns the subscription scoped into ctx, if any.
func FromContext(ctx context.Context) (Subscription, bool) {
	sub, ok := ctx.Value(subscriptionKey{}).(Subscription)
	return sub, ok && sub != nil
}

// Watch registers topics on the subscription scoped into ctx.
// Without a subscription (the source is running uncached) it does nothing.
func Watch(ctx context.Context, topics ...string) error {
	sub, ok := FromContext(ctx)
	if !ok {
		return nil
	}
	return sub.Watch(topics...)
}
