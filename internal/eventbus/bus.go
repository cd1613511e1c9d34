package eventbus

import (
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

// Event is an in-memory signal used to decouple components.
//
// Contract:
//   - Publish never blocks.
//   - Each subscriber has its own bounded buffer.
//   - A full buffer drops its oldest event and raises Overflow for that
//     subscriber only.
//
// There is no replay: a subscriber sees events published after Subscribe.
type Event struct {
	Type string
	Time time.Time
	Data any
}

// Match reports whether the event type matches pattern. A trailing ".*"
// matches any suffix ("cache.*" matches "cache.updated").
func (e Event) Match(pattern string) bool {
	if p, ok := strings.CutSuffix(pattern, ".*"); ok {
		return strings.HasPrefix(e.Type, p+".")
	}
	return e.Type == pattern
}

type Bus interface {
	Publish(e Event)
	Subscribe(buffer int) *Subscription
}

// New returns an in-memory fan-out bus. It owns no goroutines.
func New() *MemBus {
	b := &MemBus{}
	empty := []*Subscription{}
	b.subs.Store(&empty)
	return b
}

type MemBus struct {
	mu   sync.Mutex // serializes subscriber list rewrites
	subs atomic.Pointer[[]*Subscription]
}

func (b *MemBus) Publish(e Event) {
	if e.Time.IsZero() {
		e.Time = time.Now()
	}
	for _, s := range *b.subs.Load() {
		s.deliver(e)
	}
}

// Subscribe registers a subscriber with the given buffer size (default 64).
func (b *MemBus) Subscribe(buffer int) *Subscription {
	if buffer <= 0 {
		buffer = 64
	}
	ch := make(chan Event, buffer)
	s := &Subscription{
		C:        ch,
		ch:       ch,
		overflow: make(chan struct{}, 1),
		bus:      b,
	}

	b.mu.Lock()
	cur := *b.subs.Load()
	next := make([]*Subscription, 0, len(cur)+1)
	next = append(next, cur...)
	next = append(next, s)
	b.subs.Store(&next)
	b.mu.Unlock()
	return s
}

// Subscribers returns the number of live subscriptions.
func (b *MemBus) Subscribers() int { return len(*b.subs.Load()) }

func (b *MemBus) remove(s *Subscription) {
	b.mu.Lock()
	defer b.mu.Unlock()
	cur := *b.subs.Load()
	next := make([]*Subscription, 0, len(cur))
	for _, x := range cur {
		if x != s {
			next = append(next, x)
		}
	}
	b.subs.Store(&next)
}

// Subscription is one consumer's view of the bus.
type Subscription struct {
	C <-chan Event

	ch       chan Event
	overflow chan struct{}
	dropped  atomic.Uint64
	bus      *MemBus

	sendMu sync.Mutex // guards ch against concurrent close and drop-oldest
	closed bool
}

// Overflow is signalled (capacity 1) whenever an event was dropped.
func (s *Subscription) Overflow() <-chan struct{} { return s.overflow }

// Dropped returns how many events this subscriber has lost.
func (s *Subscription) Dropped() uint64 { return s.dropped.Load() }

// Close unsubscribes and closes C. Safe to call more than once.
func (s *Subscription) Close() {
	s.sendMu.Lock()
	if s.closed {
		s.sendMu.Unlock()
		return
	}
	s.closed = true
	close(s.ch)
	s.sendMu.Unlock()
	s.bus.remove(s)
}

func (s *Subscription) deliver(e Event) {
	s.sendMu.Lock()
	defer s.sendMu.Unlock()
	if s.closed {
		return
	}
	for {
		select {
		case s.ch <- e:
			return
		default:
		}
		// Full: drop the oldest and try again. The consumer may have drained
		// the buffer meanwhile, in which case nothing is dropped.
		select {
		case <-s.ch:
			s.dropped.Add(1)
			select {
			case s.overflow <- struct{}{}:
			default:
			}
		default:
		}
	}
}
