// Package bus provides in-process fan-out of server events to per-connection
// subscribers. Each subscriber owns a bounded FIFO; a subscriber that falls
// behind is dropped rather than ever blocking the publishing session.
package bus

import (
	"log/slog"
	"sync"

	"github.com/haasonsaas/coworker/internal/protocol"
)

// DefaultBufferSize is the per-subscription queue bound.
const DefaultBufferSize = 256

// DropReasonSlowConsumer is the reason carried by the terminal event a slow
// subscriber receives before its channel closes.
const DropReasonSlowConsumer = "slow_consumer"

// Bus fans typed server events out to session subscribers.
type Bus struct {
	mu      sync.Mutex
	subs    map[string][]*Subscription
	bufSize int
	logger  *slog.Logger

	onDrop func(sessionID string)
}

// Option configures a Bus.
type Option func(*Bus)

// WithBufferSize overrides the per-subscription queue bound.
func WithBufferSize(n int) Option {
	return func(b *Bus) {
		if n > 0 {
			b.bufSize = n
		}
	}
}

// WithDropHook registers a callback invoked whenever a subscriber is dropped.
func WithDropHook(fn func(sessionID string)) Option {
	return func(b *Bus) { b.onDrop = fn }
}

// New creates an event bus.
func New(logger *slog.Logger, opts ...Option) *Bus {
	if logger == nil {
		logger = slog.Default()
	}
	b := &Bus{
		subs:    make(map[string][]*Subscription),
		bufSize: DefaultBufferSize,
		logger:  logger.With("component", "bus"),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Subscription is one subscriber's bounded FIFO view of a session's events.
type Subscription struct {
	sessionID string
	bus       *Bus

	mu      sync.Mutex
	cond    *sync.Cond
	queue   []*protocol.ServerEvent
	limit   int
	dropped bool
	closed  bool

	out  chan *protocol.ServerEvent
	done chan struct{}
}

// Subscribe returns a new bounded subscription for the session. The events
// channel closes when the subscription is closed, the session is shut down,
// or the subscriber is dropped for falling behind.
func (b *Bus) Subscribe(sessionID string) *Subscription {
	sub := &Subscription{
		sessionID: sessionID,
		bus:       b,
		limit:     b.bufSize,
		out:       make(chan *protocol.ServerEvent),
		done:      make(chan struct{}),
	}
	sub.cond = sync.NewCond(&sub.mu)

	b.mu.Lock()
	b.subs[sessionID] = append(b.subs[sessionID], sub)
	b.mu.Unlock()

	go sub.pump()
	return sub
}

// Events returns the subscriber's delivery channel.
func (s *Subscription) Events() <-chan *protocol.ServerEvent {
	return s.out
}

// Close detaches the subscription. Queued events are discarded.
func (s *Subscription) Close() {
	s.bus.remove(s)
	s.mu.Lock()
	if !s.closed {
		s.closed = true
		s.queue = nil
		close(s.done)
		s.cond.Signal()
	}
	s.mu.Unlock()
}

// Publish enqueues an event to every live subscription for the session.
// Enqueue is O(1) per subscriber and never blocks: a subscriber whose queue
// is full is marked dropped, handed a terminal dropped event, and detached.
func (b *Bus) Publish(sessionID string, event *protocol.ServerEvent) {
	b.mu.Lock()
	subs := make([]*Subscription, len(b.subs[sessionID]))
	copy(subs, b.subs[sessionID])
	b.mu.Unlock()

	for _, sub := range subs {
		if overflow := sub.enqueue(event); overflow {
			b.logger.Warn("dropping slow subscriber", "session_id", sessionID)
			b.remove(sub)
			if b.onDrop != nil {
				b.onDrop(sessionID)
			}
		}
	}
}

// Shutdown closes every subscription for the session. Events already queued
// are still delivered before the channels close.
func (b *Bus) Shutdown(sessionID string) {
	b.mu.Lock()
	subs := b.subs[sessionID]
	delete(b.subs, sessionID)
	b.mu.Unlock()

	for _, sub := range subs {
		sub.finish()
	}
}

func (b *Bus) remove(sub *Subscription) {
	b.mu.Lock()
	defer b.mu.Unlock()
	live := b.subs[sub.sessionID]
	for i, s := range live {
		if s == sub {
			b.subs[sub.sessionID] = append(live[:i], live[i+1:]...)
			break
		}
	}
	if len(b.subs[sub.sessionID]) == 0 {
		delete(b.subs, sub.sessionID)
	}
}

// enqueue appends an event under the queue bound. Returns true when this call
// overflowed the queue and converted the subscription to a dropped one.
func (s *Subscription) enqueue(event *protocol.ServerEvent) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed || s.dropped {
		return false
	}
	if len(s.queue) >= s.limit {
		s.dropped = true
		s.queue = append(s.queue, &protocol.ServerEvent{
			Type:      protocol.EventDropped,
			SessionID: s.sessionID,
			Reason:    DropReasonSlowConsumer,
		})
		s.cond.Signal()
		return true
	}
	s.queue = append(s.queue, event)
	s.cond.Signal()
	return false
}

// finish marks the subscription closed after its queue drains.
func (s *Subscription) finish() {
	s.mu.Lock()
	s.closed = true
	s.cond.Signal()
	s.mu.Unlock()
}

// pump delivers queued events in order on the out channel, then closes it
// once the subscription is closed or dropped and fully drained.
func (s *Subscription) pump() {
	defer close(s.out)
	for {
		s.mu.Lock()
		for len(s.queue) == 0 && !s.closed && !s.dropped {
			s.cond.Wait()
		}
		if len(s.queue) == 0 {
			s.mu.Unlock()
			return
		}
		event := s.queue[0]
		s.queue = s.queue[1:]
		drainedAfterDrop := s.dropped && len(s.queue) == 0
		s.mu.Unlock()

		select {
		case s.out <- event:
		case <-s.done:
			return
		}
		if drainedAfterDrop {
			return
		}
	}
}
