package bus

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/murmurchat/murmur/event"
)

func storedEvent(rcpt event.Identity, seq uint64, typ event.Type) event.Event {
	return event.Event{
		Recipient: rcpt,
		Seq:       seq,
		Type:      typ,
		Payload:   []byte(`{}`),
		CreatedAt: time.Now().UnixMilli(),
	}
}

func TestHubSignalReachesSubscriber(t *testing.T) {
	h := NewHub()
	ch, cancel := h.Subscribe(SubscriptionFilter{})
	defer cancel()

	h.Signal(storedEvent("bob", 1, event.TypeMessage))

	select {
	case ev := <-ch:
		assert.Equal(t, uint64(1), ev.Seq)
	case <-time.After(time.Second):
		t.Fatal("subscriber did not receive event")
	}
}

func TestHubTypeFilter(t *testing.T) {
	h := NewHub()
	ch, cancel := h.Subscribe(SubscriptionFilter{Types: []event.Type{event.TypeKeyRotation}})
	defer cancel()

	h.Signal(storedEvent("bob", 1, event.TypeMessage))
	h.Signal(storedEvent("bob", 2, event.TypeKeyRotation))

	select {
	case ev := <-ch:
		assert.Equal(t, event.TypeKeyRotation, ev.Type)
	case <-time.After(time.Second):
		t.Fatal("matching event not delivered")
	}

	select {
	case ev := <-ch:
		t.Fatalf("unexpected extra event with seq %d", ev.Seq)
	default:
	}
}

func TestHubCancelIsIdempotent(t *testing.T) {
	h := NewHub()
	ch, cancel := h.Subscribe(SubscriptionFilter{})

	cancel()
	cancel()

	_, open := <-ch
	assert.False(t, open, "channel should be closed after cancel")

	// Signaling after cancel must not panic.
	h.Signal(storedEvent("bob", 1, event.TypeMessage))
}

func TestHubSubscribeHonorsBufferSize(t *testing.T) {
	h := NewHub()
	ch, cancel := h.Subscribe(SubscriptionFilter{Buffer: 4})
	defer cancel()

	require.Equal(t, 4, cap(ch))

	for i := 0; i < 10; i++ {
		h.Signal(storedEvent("bob", uint64(i+1), event.TypeMessage))
	}
	require.Len(t, ch, 4)
}

func TestHubDropsWhenSubscriberFallsBehind(t *testing.T) {
	h := NewHub()
	ch, cancel := h.Subscribe(SubscriptionFilter{})
	defer cancel()

	for i := 0; i < defaultSignalBufferSize+10; i++ {
		h.Signal(storedEvent("bob", uint64(i+1), event.TypeMessage))
	}

	// Buffer holds exactly its capacity; the rest were dropped, and the
	// hub never blocked.
	require.Len(t, ch, defaultSignalBufferSize)
}
