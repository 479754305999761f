package ws

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/murmurchat/murmur/event"
)

type fakeSession struct {
	id event.Identity

	mu         sync.Mutex
	delivered  []uint64
	superseded bool
}

func (f *fakeSession) Identity() event.Identity { return f.id }

func (f *fakeSession) Deliver(ev *event.Event) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.superseded {
		return false
	}
	f.delivered = append(f.delivered, ev.Seq)
	return true
}

func (f *fakeSession) supersede() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.superseded = true
}

func (f *fakeSession) wasSuperseded() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.superseded
}

func TestRegisterAndLookup(t *testing.T) {
	r := NewRegistry()
	s := &fakeSession{id: "bob"}

	r.Register(s)

	got, ok := r.Lookup("bob")
	require.True(t, ok)
	assert.Same(t, s, got.(*fakeSession))
	assert.Equal(t, 1, r.ConnectionCount())

	_, ok = r.Lookup("charlie")
	assert.False(t, ok)
}

func TestRegisterReplacesAndSupersedes(t *testing.T) {
	r := NewRegistry()
	first := &fakeSession{id: "bob"}
	second := &fakeSession{id: "bob"}

	r.Register(first)
	r.Register(second)

	assert.True(t, first.wasSuperseded())
	assert.False(t, second.wasSuperseded())

	got, ok := r.Lookup("bob")
	require.True(t, ok)
	assert.Same(t, second, got.(*fakeSession))
	assert.Equal(t, 1, r.ConnectionCount())
}

func TestSupersededSessionCannotEvictReplacement(t *testing.T) {
	r := NewRegistry()
	first := &fakeSession{id: "bob"}
	second := &fakeSession{id: "bob"}

	r.Register(first)
	r.Register(second)

	// The superseded session tears down and unregisters itself; its
	// replacement must survive.
	r.Unregister(first)

	got, ok := r.Lookup("bob")
	require.True(t, ok)
	assert.Same(t, second, got.(*fakeSession))

	r.Unregister(second)
	_, ok = r.Lookup("bob")
	assert.False(t, ok)
	assert.Equal(t, 0, r.ConnectionCount())
}

func TestDoubleRegistrationPanics(t *testing.T) {
	r := NewRegistry()
	s := &fakeSession{id: "bob"}

	r.Register(s)
	assert.Panics(t, func() { r.Register(s) })
}

func TestPush(t *testing.T) {
	r := NewRegistry()
	s := &fakeSession{id: "bob"}
	r.Register(s)

	ev := &event.Event{Recipient: "bob", Seq: 1, Type: event.TypeMessage}
	assert.True(t, r.Push("bob", ev))
	assert.Equal(t, []uint64{1}, s.delivered)

	assert.False(t, r.Push("charlie", ev), "no session for identity")
}

func TestConcurrentReplacementKeepsExactlyOneActive(t *testing.T) {
	r := NewRegistry()

	const n = 32
	sessions := make([]*fakeSession, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		sessions[i] = &fakeSession{id: "bob"}
		wg.Add(1)
		go func(s *fakeSession) {
			defer wg.Done()
			r.Register(s)
		}(sessions[i])
	}
	wg.Wait()

	// Exactly one session survives, and it is the one still registered.
	active, ok := r.Lookup("bob")
	require.True(t, ok)

	surviving := 0
	for _, s := range sessions {
		if !s.wasSuperseded() {
			surviving++
			assert.Same(t, s, active.(*fakeSession))
		}
	}
	assert.Equal(t, 1, surviving)
	assert.Equal(t, 1, r.ConnectionCount())
}

func TestIdentitiesSnapshot(t *testing.T) {
	r := NewRegistry()
	r.Register(&fakeSession{id: "bob"})
	r.Register(&fakeSession{id: "charlie"})

	ids := r.Identities()
	assert.ElementsMatch(t, []event.Identity{"bob", "charlie"}, ids)
}
