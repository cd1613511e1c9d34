package eventbus

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPublishFansOut(t *testing.T) {
	t.Parallel()

	b := New()
	a := b.Subscribe(4)
	c := b.Subscribe(4)
	defer a.Close()
	defer c.Close()

	b.Publish(Event{Type: "cache.updated", Data: "u1"})

	for _, s := range []*Subscription{a, c} {
		e := <-s.C
		assert.Equal(t, "cache.updated", e.Type)
		assert.False(t, e.Time.IsZero())
	}
}

func TestFullBufferDropsOldest(t *testing.T) {
	t.Parallel()

	b := New()
	slow := b.Subscribe(2)
	fast := b.Subscribe(8)
	defer slow.Close()
	defer fast.Close()

	for i := range 5 {
		b.Publish(Event{Type: "n", Data: i})
	}

	assert.Equal(t, uint64(3), slow.Dropped())
	select {
	case <-slow.Overflow():
	default:
		t.Fatal("overflow not signalled")
	}
	assert.Equal(t, 3, (<-slow.C).Data)
	assert.Equal(t, 4, (<-slow.C).Data)

	assert.Equal(t, uint64(0), fast.Dropped())
	assert.Len(t, fast.C, 5)
}

func TestCloseIsIdempotent(t *testing.T) {
	t.Parallel()

	b := New()
	s := b.Subscribe(1)
	require.Equal(t, 1, b.Subscribers())

	s.Close()
	s.Close()
	assert.Equal(t, 0, b.Subscribers())

	_, ok := <-s.C
	assert.False(t, ok)

	// publishing after close must not panic
	b.Publish(Event{Type: "x"})
}

func TestConcurrentPublishAndClose(t *testing.T) {
	t.Parallel()

	b := New()
	subs := make([]*Subscription, 16)
	for i := range subs {
		subs[i] = b.Subscribe(1)
	}

	var wg sync.WaitGroup
	for range 4 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for range 500 {
				b.Publish(Event{Type: "tick"})
			}
		}()
	}
	for _, s := range subs {
		wg.Add(1)
		go func(s *Subscription) {
			defer wg.Done()
			s.Close()
		}(s)
	}
	wg.Wait()
	assert.Equal(t, 0, b.Subscribers())
}

func TestMatch(t *testing.T) {
	t.Parallel()

	e := Event{Type: "cache.updated"}
	assert.True(t, e.Match("cache.*"))
	assert.True(t, e.Match("cache.updated"))
	assert.False(t, e.Match("sync.*"))
	assert.False(t, Event{Type: "cachex.updated"}.Match("cache.*"))
}
