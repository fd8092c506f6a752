package invalidation

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func waitEvent(t *testing.T, ch <-chan Event) Event {
	t.Helper()
	select {
	case ev := <-ch:
		return ev
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for invalidation")
		return Event{}
	}
}

func TestHubFiresWatchers(t *testing.T) {
	h := NewHub(8)
	defer h.Close()

	got := make(chan Event, 1)
	sub, err := h.Subscribe(func(ev Event) { got <- ev })
	require.NoError(t, err)
	require.NoError(t, sub.Watch("users"))
	assert.Equal(t, 1, h.Watchers("users"))

	require.NoError(t, h.Notify(context.Background(), "users", "update"))

	ev := waitEvent(t, got)
	assert.Equal(t, sub.ID(), ev.Subscription)
	assert.Equal(t, "users", ev.Topic)
	assert.Equal(t, "update", ev.Payload)
	assert.Equal(t, InfoChanged, ev.Info)
	assert.False(t, ev.At.IsZero())

	assert.Equal(t, 0, h.Watchers("users"))
	assert.Equal(t, 0, h.Live())
}

func TestHubFiresAtMostOnce(t *testing.T) {
	h := NewHub(8)

	var calls atomic.Int32
	sub, err := h.Subscribe(func(Event) { calls.Add(1) })
	require.NoError(t, err)
	require.NoError(t, sub.Watch("a", "b"))

	ctx := context.Background()
	require.NoError(t, h.Notify(ctx, "a", ""))
	require.NoError(t, h.Notify(ctx, "b", ""))
	require.NoError(t, h.Close())

	assert.Equal(t, int32(1), calls.Load())
	assert.Equal(t, 0, h.Watchers("b"))
}

func TestHubIgnoresOtherTopics(t *testing.T) {
	h := NewHub(8)
	defer h.Close()

	var calls atomic.Int32
	sub, err := h.Subscribe(func(Event) { calls.Add(1) })
	require.NoError(t, err)
	require.NoError(t, sub.Watch("orders"))

	got := make(chan Event, 1)
	probe, err := h.Subscribe(func(ev Event) { got <- ev })
	require.NoError(t, err)
	require.NoError(t, probe.Watch("users"))

	require.NoError(t, h.Notify(context.Background(), "users", ""))
	waitEvent(t, got)

	assert.Equal(t, int32(0), calls.Load())
	assert.Equal(t, 1, h.Watchers("orders"))
}

func TestHubCancelPreventsFiring(t *testing.T) {
	h := NewHub(8)

	var calls atomic.Int32
	sub, err := h.Subscribe(func(Event) { calls.Add(1) })
	require.NoError(t, err)
	require.NoError(t, sub.Watch("users"))

	sub.Cancel()
	assert.Equal(t, 0, h.Live())

	require.NoError(t, h.Notify(context.Background(), "users", ""))
	require.NoError(t, h.Close())
	assert.Equal(t, int32(0), calls.Load())

	// Watching after cancel is a no-op.
	assert.NoError(t, sub.Watch("users"))
}

func TestHubCloseFiresRemainingSubscriptions(t *testing.T) {
	h := NewHub(8)

	got := make(chan Event, 1)
	_, err := h.Subscribe(func(ev Event) { got <- ev })
	require.NoError(t, err)

	require.NoError(t, h.Close())
	ev := waitEvent(t, got)
	assert.Equal(t, InfoClosed, ev.Info)

	_, err = h.Subscribe(func(Event) {})
	assert.ErrorIs(t, err, ErrClosed)
	assert.ErrorIs(t, h.Notify(context.Background(), "users", ""), ErrClosed)
	assert.NoError(t, h.Close(), "close is idempotent")
}

func TestHubRecoversCallbackPanic(t *testing.T) {
	h := NewHub(8)
	defer h.Close()

	bad, err := h.Subscribe(func(Event) { panic("boom") })
	require.NoError(t, err)
	require.NoError(t, bad.Watch("t"))

	got := make(chan Event, 1)
	good, err := h.Subscribe(func(ev Event) { got <- ev })
	require.NoError(t, err)
	require.NoError(t, good.Watch("t"))

	require.NoError(t, h.Notify(context.Background(), "t", ""))
	waitEvent(t, got)

	// The worker survived: a second round still gets delivered.
	again := make(chan Event, 1)
	next, err := h.Subscribe(func(ev Event) { again <- ev })
	require.NoError(t, err)
	require.NoError(t, next.Watch("t"))
	require.NoError(t, h.Notify(context.Background(), "t", ""))
	waitEvent(t, again)
}

func TestHubWatchHook(t *testing.T) {
	var hooked []string
	h := NewHub(8, WithWatchHook(func(topic string) error {
		if topic == "bad" {
			return errors.New("cannot watch")
		}
		hooked = append(hooked, topic)
		return nil
	}))
	defer h.Close()

	s1, err := h.Subscribe(func(Event) {})
	require.NoError(t, err)
	s2, err := h.Subscribe(func(Event) {})
	require.NoError(t, err)

	require.NoError(t, s1.Watch("users"))
	require.NoError(t, s2.Watch("users"))
	assert.Equal(t, []string{"users"}, hooked, "hook runs once per topic")

	err = s1.Watch("bad")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "cannot watch")
}

func TestNotifyHonoursContext(t *testing.T) {
	block := make(chan struct{})
	h := NewHub(1)
	defer func() {
		close(block)
		h.Close()
	}()

	sub, err := h.Subscribe(func(Event) { <-block })
	require.NoError(t, err)
	require.NoError(t, sub.Watch("t"))

	ctx := context.Background()
	require.NoError(t, h.Notify(ctx, "t", "")) // picked up by the worker, which then blocks
	require.Eventually(t, func() bool { return h.Live() == 0 }, time.Second, time.Millisecond)
	require.NoError(t, h.Notify(ctx, "t", "")) // fills the buffer

	short, cancel := context.WithTimeout(ctx, 20*time.Millisecond)
	defer cancel()
	err = h.Notify(short, "t", "")
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestScopedSubscription(t *testing.T) {
	h := NewHub(8)
	defer h.Close()

	ctx := context.Background()
	_, ok := FromContext(ctx)
	assert.False(t, ok)
	assert.NoError(t, Watch(ctx, "users"), "no subscription in scope")

	sub, err := h.Subscribe(func(Event) {})
	require.NoError(t, err)

	scoped := WithSubscription(ctx, sub)
	got, ok := FromContext(scoped)
	require.True(t, ok)
	assert.Equal(t, sub.ID(), got.ID())

	require.NoError(t, Watch(scoped, "users"))
	assert.Equal(t, 1, h.Watchers("users"))

	_, ok = FromContext(ctx)
	assert.False(t, ok, "parent context is untouched")
}
