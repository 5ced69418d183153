package event

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ShayCichocki/bildir/internal/logging"
	"github.com/ShayCichocki/bildir/pkg/models"
)

func idle(session string) Event {
	return Event{Type: TypeSessionStatus, Session: session, From: models.SessionBusy, To: models.SessionIdle}
}

func TestBus_FanOut(t *testing.T) {
	bus := NewBus(logging.Nop())
	a := bus.Subscribe(4)
	b := bus.Subscribe(4)

	bus.Publish(idle("s1"))

	for _, sub := range []*Subscription{a, b} {
		select {
		case e := <-sub.C():
			assert.Equal(t, "s1", e.Session)
			assert.True(t, e.BecameIdle())
			assert.False(t, e.Timestamp.IsZero())
		case <-time.After(time.Second):
			t.Fatal("event not delivered")
		}
	}
}

func TestBus_PublishNeverBlocksOnSlowSubscriber(t *testing.T) {
	bus := NewBus(logging.Nop())
	slow := bus.Subscribe(1)
	fast := bus.Subscribe(100)

	done := make(chan struct{})
	go func() {
		for i := 0; i < 50; i++ {
			bus.Publish(idle("s"))
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Publish blocked on a full subscriber")
	}

	assert.Equal(t, uint64(49), slow.Dropped())
	assert.Equal(t, uint64(0), fast.Dropped())
	assert.Equal(t, uint64(49), bus.DroppedCount())
	assert.Len(t, fast.C(), 50)
}

func TestBus_PreservesOrderPerSubscriber(t *testing.T) {
	bus := NewBus(logging.Nop())
	sub := bus.Subscribe(10)

	for _, s := range []string{"a", "b", "c"} {
		bus.Publish(idle(s))
	}
	for _, want := range []string{"a", "b", "c"} {
		assert.Equal(t, want, (<-sub.C()).Session)
	}
}

func TestBus_Unsubscribe(t *testing.T) {
	bus := NewBus(logging.Nop())
	sub := bus.Subscribe(1)
	require.Equal(t, 1, bus.SubscriberCount())

	bus.Unsubscribe(sub)
	bus.Unsubscribe(sub)
	assert.Equal(t, 0, bus.SubscriberCount())

	_, ok := <-sub.C()
	assert.False(t, ok, "channel should be closed")

	bus.Publish(idle("s"))
}

func TestBus_LateSubscriberMissesEarlierEvents(t *testing.T) {
	bus := NewBus(logging.Nop())
	bus.Publish(idle("early"))
	sub := bus.Subscribe(1)
	assert.Len(t, sub.C(), 0)
}

func TestBus_ConcurrentPublishAndUnsubscribe(t *testing.T) {
	bus := NewBus(logging.Nop())
	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		sub := bus.Subscribe(2)
		wg.Add(2)
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				bus.Publish(idle("s"))
			}
		}()
		go func() {
			defer wg.Done()
			bus.Unsubscribe(sub)
		}()
	}
	wg.Wait()
	bus.Close()
	bus.Close()

	sub := bus.Subscribe(1)
	_, ok := <-sub.C()
	assert.False(t, ok, "subscribing to a closed bus yields a closed channel")
}
