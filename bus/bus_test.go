package bus

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/murmurchat/murmur/event"
	"github.com/murmurchat/murmur/eventlog"
	"github.com/murmurchat/murmur/fanout"
	"github.com/murmurchat/murmur/social"
)

type fakePusher struct {
	mu     sync.Mutex
	pushed map[event.Identity][]uint64
}

func newFakePusher() *fakePusher {
	return &fakePusher{pushed: map[event.Identity][]uint64{}}
}

func (f *fakePusher) Push(id event.Identity, ev *event.Event) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.pushed[id] = append(f.pushed[id], ev.Seq)
	return true
}

func (f *fakePusher) seqs(id event.Identity) []uint64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]uint64(nil), f.pushed[id]...)
}

func newTestBus(t *testing.T, store *social.MemoryStore, pusher LivePusher) (*EventBus, *eventlog.Log) {
	t.Helper()

	db, _, l, err := eventlog.Open(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	resolver := fanout.NewResolver(store, store, store.Groups())
	return New(l, resolver, pusher), l
}

func directEnvelope(sender event.Identity, rcpts ...event.Identity) *event.Envelope {
	return &event.Envelope{
		Sender:  sender,
		Type:    event.TypeMessage,
		Payload: []byte(`{"body":"hi"}`),
		Visibility: event.Visibility{
			Scope:      event.ScopeDirect,
			Recipients: rcpts,
		},
	}
}

func TestPublishDirectAppendsAndPushes(t *testing.T) {
	store := social.NewMemoryStore()
	pusher := newFakePusher()
	b, l := newTestBus(t, store, pusher)

	require.NoError(t, b.Publish(directEnvelope("alice", "bob", "charlie")))

	bobMax, err := l.MaxSeq("bob")
	require.NoError(t, err)
	assert.Equal(t, uint64(1), bobMax)

	assert.Equal(t, []uint64{1}, pusher.seqs("bob"))
	assert.Equal(t, []uint64{1}, pusher.seqs("charlie"))
	assert.Empty(t, pusher.seqs("alice"), "sender is not a direct recipient")
}

func TestPublishRejectsInvalidEnvelope(t *testing.T) {
	store := social.NewMemoryStore()
	b, _ := newTestBus(t, store, newFakePusher())

	err := b.Publish(&event.Envelope{
		Sender: "alice",
		Type:   "bogus-type",
		Visibility: event.Visibility{
			Scope:      event.ScopeDirect,
			Recipients: []event.Identity{"bob"},
		},
	})
	assert.Error(t, err)
}

func TestPublishRejectsNonJSONPayload(t *testing.T) {
	store := social.NewMemoryStore()
	b, _ := newTestBus(t, store, newFakePusher())

	env := directEnvelope("alice", "bob")
	env.Payload = []byte{0xde, 0xad, 0xbe, 0xef}
	assert.Error(t, b.Publish(env))
}

func TestPublishPartialCircleFailureStillDelivers(t *testing.T) {
	store := social.NewMemoryStore()
	store.SetCircle("alice", "work", "bob")
	store.FailCircle("family", fmt.Errorf("backing store down"))
	pusher := newFakePusher()
	b, _ := newTestBus(t, store, pusher)

	err := b.Publish(&event.Envelope{
		Sender:  "alice",
		Type:    event.TypeCircleNote,
		Payload: []byte(`{"note":"x"}`),
		Visibility: event.Visibility{
			Scope:   event.ScopeCircles,
			Circles: []string{"work", "family"},
		},
	})

	assert.Error(t, err, "failing circle must be reported to the caller")
	assert.Equal(t, []uint64{1}, pusher.seqs("bob"), "surviving circle still delivered")
}

func TestPublishGroupSnapshotDoesNotRetroact(t *testing.T) {
	store := social.NewMemoryStore()
	store.SetGroup("g1", "alice", "bob", "charlie")
	pusher := newFakePusher()
	b, l := newTestBus(t, store, pusher)

	groupEnv := func() *event.Envelope {
		return &event.Envelope{
			Sender:  "alice",
			Type:    event.TypeGroupMessage,
			Payload: []byte(`{"body":"hello"}`),
			Visibility: event.Visibility{
				Scope:   event.ScopeGroup,
				GroupID: "g1",
			},
		}
	}

	require.NoError(t, b.Publish(groupEnv()))
	require.Equal(t, []uint64{1}, pusher.seqs("charlie"))

	store.RemoveGroupMember("g1", "charlie")
	require.NoError(t, b.Publish(groupEnv()))

	// Removed member gets nothing further, earlier log entry stays intact.
	assert.Equal(t, []uint64{1}, pusher.seqs("charlie"))
	events, err := l.ReadSince("charlie", 0, 10)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, uint64(1), events[0].Seq)

	assert.Equal(t, []uint64{1, 2}, pusher.seqs("bob"))
}

func TestPublishSignalsHubSubscribers(t *testing.T) {
	store := social.NewMemoryStore()
	b, _ := newTestBus(t, store, newFakePusher())

	all, cancelAll := b.Hub().Subscribe(SubscriptionFilter{})
	defer cancelAll()
	onlyInvites, cancelInvites := b.Hub().Subscribe(SubscriptionFilter{Types: []event.Type{event.TypeGroupInvite}})
	defer cancelInvites()

	require.NoError(t, b.Publish(directEnvelope("alice", "bob")))

	select {
	case ev := <-all:
		assert.Equal(t, event.Identity("bob"), ev.Recipient)
		assert.Equal(t, event.TypeMessage, ev.Type)
	case <-time.After(time.Second):
		t.Fatal("unfiltered subscriber did not observe the event")
	}

	select {
	case ev := <-onlyInvites:
		t.Fatalf("filtered subscriber observed %s event", ev.Type)
	default:
	}
}

func TestPublishParallelFanOutAssignsIndependentSeqs(t *testing.T) {
	store := social.NewMemoryStore()
	pusher := newFakePusher()
	b, l := newTestBus(t, store, pusher)

	recipients := make([]event.Identity, 20)
	for i := range recipients {
		recipients[i] = event.Identity(fmt.Sprintf("user-%02d", i))
	}

	for round := 0; round < 5; round++ {
		require.NoError(t, b.Publish(directEnvelope("alice", recipients...)))
	}

	for _, rcpt := range recipients {
		max, err := l.MaxSeq(rcpt)
		require.NoError(t, err)
		assert.Equal(t, uint64(5), max)
		assert.Equal(t, []uint64{1, 2, 3, 4, 5}, pusher.seqs(rcpt))
	}
}
