package events

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSubscribeReceivesOwnUserEvents(t *testing.T) {
	t.Parallel()
	bus := NewBus()

	ch, unsub := bus.Subscribe("user-1", 4)
	defer unsub()

	bus.Publish("user-1", TopicOrderFilled, map[string]string{"order_id": "ORD_1"})

	select {
	case n := <-ch:
		assert.Equal(t, TopicOrderFilled, n.Topic)
		assert.Equal(t, "user-1", n.UserID)
		assert.False(t, n.Timestamp.IsZero())
	case <-time.After(time.Second):
		t.Fatal("expected notification")
	}
}

func TestPublishIsScopedPerUser(t *testing.T) {
	t.Parallel()
	bus := NewBus()

	ch, unsub := bus.Subscribe("user-1", 4)
	defer unsub()

	bus.Publish("user-2", TopicBreakerTripped, nil)

	select {
	case <-ch:
		t.Fatal("user-1 must not see user-2 events")
	case <-time.After(50 * time.Millisecond):
	}
}

func TestPublishNeverBlocksOnFullSubscriber(t *testing.T) {
	t.Parallel()
	bus := NewBus()

	ch, unsub := bus.Subscribe("user-1", 1)
	defer unsub()

	done := make(chan struct{})
	go func() {
		for i := 0; i < 100; i++ {
			bus.Publish("user-1", TopicBotPaused, i)
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("publish blocked on a full subscriber")
	}

	// The one buffered message is still deliverable
	require.Len(t, ch, 1)
}

func TestUnsubscribeClosesChannel(t *testing.T) {
	t.Parallel()
	bus := NewBus()

	ch, unsub := bus.Subscribe("user-1", 1)
	unsub()

	_, open := <-ch
	assert.False(t, open)

	// Publishing after unsubscribe is a no-op
	bus.Publish("user-1", TopicBotResumed, nil)
}
