package eventbus_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"memoryd/internal/eventbus"
)

func TestPublish_FansOutToAllSubscribers(t *testing.T) {
	bus := eventbus.New()
	ch1, unsub1 := bus.Subscribe()
	defer unsub1()
	ch2, unsub2 := bus.Subscribe()
	defer unsub2()

	assert.Equal(t, 2, bus.SubscriberCount())

	bus.Publish(eventbus.Event{Type: eventbus.SessionStarted, SessionDBID: 42})

	for _, ch := range []<-chan eventbus.Event{ch1, ch2} {
		select {
		case ev := <-ch:
			assert.Equal(t, eventbus.SessionStarted, ev.Type)
			assert.Equal(t, int64(42), ev.SessionDBID)
		case <-time.After(time.Second):
			t.Fatal("expected every subscriber to receive the published event")
		}
	}
}

func TestUnsubscribe_RemovesFromCount(t *testing.T) {
	bus := eventbus.New()
	_, unsub := bus.Subscribe()
	require.Equal(t, 1, bus.SubscriberCount())

	unsub()
	assert.Equal(t, 0, bus.SubscriberCount())
}

func TestPublish_EvictsSlowSubscriberWithoutBlocking(t *testing.T) {
	bus := eventbus.New()
	slow, unsubSlow := bus.Subscribe()
	defer unsubSlow()
	fast, unsubFast := bus.Subscribe()
	defer unsubFast()

	// Publish well past the subscriber buffer capacity without ever draining
	// `slow`; `fast` is drained after every publish so it never fills.
	n := 0
	for i := 0; i < 100; i++ {
		bus.Publish(eventbus.Event{Type: eventbus.ObservationQueued, ArtifactID: int64(i)})
		select {
		case _, ok := <-fast:
			if ok {
				n++
			}
		case <-time.After(time.Second):
			t.Fatal("expected the fast subscriber to receive every published event")
		}
	}

	assert.Equal(t, 1, bus.SubscriberCount(), "slow subscriber must be evicted, leaving only the fast one")

	// The evicted channel still holds the events buffered before eviction
	// (the 64-slot subscriber queue); once those are read it reports closed.
	buffered := 0
	timeout := time.After(time.Second)
drainSlow:
	for {
		select {
		case _, ok := <-slow:
			if !ok {
				break drainSlow
			}
			buffered++
		case <-timeout:
			t.Fatal("expected the slow subscriber's channel to be closed after eviction")
		}
	}
	assert.Equal(t, 64, buffered, "the evicted subscriber's channel must be closed after its buffered events")

	assert.Equal(t, 100, n, "a continuously-drained subscriber must receive every published event")
}
