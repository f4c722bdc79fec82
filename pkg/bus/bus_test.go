package bus

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/orkesy/orkesy/pkg/runtime"
)

func TestPublishFansOutToAllSubscribers(t *testing.T) {
	b := New(10)
	s1 := b.Subscribe()
	s2 := b.Subscribe()

	b.Publish(runtime.EventEnvelope{ID: 1})

	select {
	case env := <-s1.Events():
		assert.EqualValues(t, 1, env.ID)
	case <-time.After(time.Second):
		t.Fatal("s1 did not receive envelope")
	}
	select {
	case env := <-s2.Events():
		assert.EqualValues(t, 1, env.ID)
	case <-time.After(time.Second):
		t.Fatal("s2 did not receive envelope")
	}
}

func TestUnsubscribeStopsDelivery(t *testing.T) {
	b := New(10)
	s := b.Subscribe()
	s.Unsubscribe()
	require.Equal(t, 0, b.SubscriberCount())

	b.Publish(runtime.EventEnvelope{ID: 1})
	select {
	case <-s.Events():
		t.Fatal("unsubscribed consumer should not receive envelopes")
	case <-time.After(50 * time.Millisecond):
	}
}

func TestSlowSubscriberLagsInsteadOfBlockingPublisher(t *testing.T) {
	b := New(1)
	slow := b.Subscribe()

	for i := uint64(0); i < 5; i++ {
		done := make(chan struct{})
		go func(id uint64) {
			b.Publish(runtime.EventEnvelope{ID: id})
			close(done)
		}(i)
		select {
		case <-done:
		case <-time.After(time.Second):
			t.Fatal("publish blocked on slow subscriber")
		}
	}

	select {
	case <-slow.Lagged():
	case <-time.After(time.Second):
		t.Fatal("expected a lag notification")
	}
}
