package events

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/bson/primitive"
)

func TestPublishSubscribe(t *testing.T) {
	b := NewBroker()
	b.Start()
	defer b.Stop()

	sub := b.Subscribe()
	defer b.Unsubscribe(sub)
	assert.Equal(t, 1, b.SubscriberCount())

	b.Publish(&Event{
		Type:       EventItemCreated,
		Collection: "users",
		ItemID:     primitive.NewObjectID(),
		OV:         0,
		CV:         1,
	})

	select {
	case ev := <-sub:
		assert.Equal(t, EventItemCreated, ev.Type)
		assert.Equal(t, "users", ev.Collection)
		assert.False(t, ev.At.IsZero(), "timestamp is stamped on publish")
	case <-time.After(time.Second):
		t.Fatal("event not delivered")
	}
}

func TestPublishNeverBlocks(t *testing.T) {
	b := NewBroker()
	// Not started: the broker channel fills, further publishes must drop
	// instead of stalling the writer.
	done := make(chan struct{})
	go func() {
		for i := 0; i < 500; i++ {
			b.Publish(&Event{Type: EventItemUpdated})
		}
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("publish blocked")
	}
}

func TestSlowSubscriberSkipped(t *testing.T) {
	b := NewBroker()
	b.Start()
	defer b.Stop()

	slow := b.Subscribe()
	fast := b.Subscribe()

	// Fill the slow subscriber's buffer.
	for i := 0; i < 200; i++ {
		b.Publish(&Event{Type: EventItemUpdated})
	}

	require.Eventually(t, func() bool { return len(fast) > 0 }, time.Second, 5*time.Millisecond)
	b.Unsubscribe(slow)
	b.Unsubscribe(fast)
}
