package invalidation

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// notification is one pending change that the worker has to deliver.
type notification struct {
	topic   string
	payload string
	at      time.Time
}

/*
Hub is the in-process Bridge.

Subscriptions register interest in topics with Watch. A change is reported with
Notify, queued on a buffered channel, and delivered by one background worker:
every subscription watching the topic is detached and fired exactly once.

Transports (pgnotify, filewatch) are thin loops that turn their own events into
Notify calls. Tests and single-process hosts call Notify directly after writes.
*/
type Hub struct {
	mu     sync.Mutex
	topics map[string]map[*subscription]struct{}
	live   map[*subscription]struct{}
	closed bool

	// sendMu keeps Close from closing ch while a Notify is sending on it.
	sendMu sync.RWMutex
	ch     chan notification
	wg     sync.WaitGroup

	onWatch func(topic string) error
	logger  *zap.Logger
	now     func() time.Time
}

// HubOption configures a Hub.
type HubOption func(*Hub)

// WithWatchHook is called (under the hub lock) the first time a topic gets a watcher.
// Transports use it to start observing the underlying resource.
func WithWatchHook(fn func(topic string) error) HubOption {
	return func(h *Hub) { h.onWatch = fn }
}

// WithLogger sets the logger used for delivery diagnostics.
func WithLogger(l *zap.Logger) HubOption {
	return func(h *Hub) {
		if l != nil {
			h.logger = l
		}
	}
}

// WithClock overrides the time source stamped on events.
func WithClock(now func() time.Time) HubOption {
	return func(h *Hub) { h.now = now }
}

// NewHub creates a hub whose queue holds up to buffer pending notifications.
func NewHub(buffer int, opts ...HubOption) *Hub {
	if buffer <= 0 {
		buffer = 1
	}
	h := &Hub{
		topics: make(map[string]map[*subscription]struct{}),
		live:   make(map[*subscription]struct{}),
		ch:     make(chan notification, buffer),
		logger: zap.NewNop(),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(h)
	}

	// Start one background worker
	h.wg.Add(1)
	go h.worker()

	return h
}

// Subscribe implements Bridge.
func (h *Hub) Subscribe(onChange func(Event)) (Subscription, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.closed {
		return nil, ErrClosed
	}
	sub := &subscription{
		id:       uuid.NewString(),
		hub:      h,
		onChange: onChange,
		topics:   make(map[string]struct{}),
	}
	h.live[sub] = struct{}{}
	return sub, nil
}

/*
Notify reports that topic changed.

The notification is queued for the worker. Notify never drops: if the queue is full
it waits until there is room or ctx is done.
*/
func (h *Hub) Notify(ctx context.Context, topic, payload string) error {
	h.sendMu.RLock()
	defer h.sendMu.RUnlock()

	h.mu.Lock()
	closed := h.closed
	h.mu.Unlock()
	if closed {
		return ErrClosed
	}

	select {
	case h.ch <- notification{topic: topic, payload: payload, at: h.now()}:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("notify %q: %w", topic, ctx.Err())
	}
}

// Watchers returns how many live subscriptions watch topic.
func (h *Hub) Watchers(topic string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.topics[topic])
}

// Live returns how many subscriptions have neither fired nor been cancelled.
func (h *Hub) Live() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.live)
}

/*
Close shuts the hub down.
 1. Refuse new subscriptions and notifications
 2. Let the worker deliver everything already queued
 3. Fire every remaining subscription with InfoClosed
*/
func (h *Hub) Close() error {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return nil
	}
	h.closed = true
	h.mu.Unlock()

	h.sendMu.Lock()
	close(h.ch)
	h.sendMu.Unlock()
	h.wg.Wait()

	h.mu.Lock()
	rest := make([]*subscription, 0, len(h.live))
	for sub := range h.live {
		rest = append(rest, sub)
		h.detachLocked(sub)
	}
	h.mu.Unlock()

	at := h.now()
	for _, sub := range rest {
		sub.fire(Event{Subscription: sub.id, Info: InfoClosed, At: at})
	}
	return nil
}

// worker delivers queued notifications until the channel is closed.
func (h *Hub) worker() {
	defer h.wg.Done()

	for n := range h.ch {
		h.dispatch(n)
	}
}

func (h *Hub) dispatch(n notification) {
	h.mu.Lock()
	watchers := h.topics[n.topic]
	fired := make([]*subscription, 0, len(watchers))
	for sub := range watchers {
		fired = append(fired, sub)
	}
	for _, sub := range fired {
		h.detachLocked(sub)
	}
	h.mu.Unlock()

	if len(fired) == 0 {
		return
	}
	h.logger.Debug("invalidation delivered",
		zap.String("topic", n.topic),
		zap.Int("subscriptions", len(fired)),
	)
	for _, sub := range fired {
		sub.fire(Event{
			Subscription: sub.id,
			Topic:        n.topic,
			Payload:      n.payload,
			Info:         InfoChanged,
			At:           n.at,
		})
	}
}

// detachLocked removes sub from every index. h.mu must be held.
func (h *Hub) detachLocked(sub *subscription) {
	for topic := range sub.topics {
		if set, ok := h.topics[topic]; ok {
			delete(set, sub)
			if len(set) == 0 {
				delete(h.topics, topic)
			}
		}
	}
	sub.topics = nil
	delete(h.live, sub)
}

func (h *Hub) watch(sub *subscription, topics []string) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if _, ok := h.live[sub]; !ok {
		// Already fired or cancelled.
		return nil
	}
	if h.closed {
		return ErrClosed
	}
	for _, topic := range topics {
		set, ok := h.topics[topic]
		if !ok {
			if h.onWatch != nil {
				if err := h.onWatch(topic); err != nil {
					return fmt.Errorf("watch %q: %w", topic, err)
				}
			}
			set = make(map[*subscription]struct{})
			h.topics[topic] = set
		}
		set[sub] = struct{}{}
		sub.topics[topic] = struct{}{}
	}
	return nil
}

func (h *Hub) cancel(sub *subscription) {
	h.mu.Lock()
	h.detachLocked(sub)
	h.mu.Unlock()

	// Burn the once so a dispatch that already picked sub up cannot fire it.
	sub.once.Do(func() {})
}

type subscription struct {
	id       string
	hub      *Hub
	onChange func(Event)
	once     sync.Once

	// topics is guarded by hub.mu.
	topics map[string]struct{}
}

func (s *subscription) ID() string { return s.id }

func (s *subscription) Watch(topics ...string) error {
	if len(topics) == 0 {
		return nil
	}
	return s.hub.watch(s, topics)
}

func (s *subscription) Cancel() { s.hub.cancel(s) }

// fire runs onChange at most once. A panicking callback must not kill the worker.
func (s *subscription) fire(ev Event) {
	s.once.Do(func() {
		defer func() {
			if r := recover(); r != nil {
				s.hub.logger.Error("invalidation callback panicked",
					zap.String("subscription", s.id),
					zap.Any("panic", r),
				)
			}
		}()
		if s.onChange != nil {
			s.onChange(ev)
		}
	})
}
