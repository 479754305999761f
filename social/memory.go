package social

import (
	"fmt"
	"sync"

	"github.com/murmurchat/murmur/event"
)

// MemoryStore is an in-memory social graph store with the same views as
// Store. Used in tests and as the backing for single-process deployments
// that don't need the SQLite store.
type MemoryStore struct {
	mu      sync.RWMutex
	keys    map[event.Identity][]byte
	friends map[event.Identity]map[event.Identity]bool // accepted edges, both directions
	circles map[event.Identity]map[string]map[event.Identity]struct{}
	groups  map[string]map[event.Identity]struct{}

	// CircleErr, when set, is returned by circle lookups for matching
	// circle names. Lets tests exercise partial fan-out failure.
	circleErrs map[string]error
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		keys:       make(map[event.Identity][]byte),
		friends:    make(map[event.Identity]map[event.Identity]bool),
		circles:    make(map[event.Identity]map[string]map[event.Identity]struct{}),
		groups:     make(map[string]map[event.Identity]struct{}),
		circleErrs: make(map[string]error),
	}
}

// RegisterIdentity stores an identity's signing key.
func (m *MemoryStore) RegisterIdentity(id event.Identity, signingKey []byte) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.keys[id] = signingKey
}

// KeyOf returns the registered signing key for an identity.
func (m *MemoryStore) KeyOf(id event.Identity) ([]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	key, ok := m.keys[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownIdentity, id)
	}
	return key, nil
}

// Befriend records a mutually-accepted friendship between a and b.
func (m *MemoryStore) Befriend(a, b event.Identity) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.friends[a] == nil {
		m.friends[a] = make(map[event.Identity]bool)
	}
	if m.friends[b] == nil {
		m.friends[b] = make(map[event.Identity]bool)
	}
	m.friends[a][b] = true
	m.friends[b][a] = true
}

// ListFriends returns all mutually-accepted friends of id.
func (m *MemoryStore) ListFriends(id event.Identity) ([]event.Identity, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []event.Identity
	for f, accepted := range m.friends[id] {
		if accepted {
			out = append(out, f)
		}
	}
	return out, nil
}

// AreFriends reports whether a mutually-accepted friendship exists.
func (m *MemoryStore) AreFriends(a, b event.Identity) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.friends[a][b], nil
}

// SetCircle replaces the membership of one of owner's named circles.
func (m *MemoryStore) SetCircle(owner event.Identity, name string, members ...event.Identity) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.circles[owner] == nil {
		m.circles[owner] = make(map[string]map[event.Identity]struct{})
	}
	set := make(map[event.Identity]struct{}, len(members))
	for _, member := range members {
		set[member] = struct{}{}
	}
	m.circles[owner][name] = set
}

// FailCircle makes lookups of the named circle return err.
func (m *MemoryStore) FailCircle(name string, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.circleErrs[name] = err
}

// MembersOf returns the union of the named circles' members.
func (m *MemoryStore) MembersOf(owner event.Identity, names []string) ([]event.Identity, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []event.Identity
	seen := make(map[event.Identity]struct{})
	for _, name := range names {
		if err := m.circleErrs[name]; err != nil {
			return nil, err
		}
		for member := range m.circles[owner][name] {
			if _, dup := seen[member]; dup {
				continue
			}
			seen[member] = struct{}{}
			out = append(out, member)
		}
	}
	return out, nil
}

// SetGroup replaces a group's roster.
func (m *MemoryStore) SetGroup(groupID string, members ...event.Identity) {
	m.mu.Lock()
	defer m.mu.Unlock()
	set := make(map[event.Identity]struct{}, len(members))
	for _, member := range members {
		set[member] = struct{}{}
	}
	m.groups[groupID] = set
}

// RemoveGroupMember removes a member from a group roster.
func (m *MemoryStore) RemoveGroupMember(groupID string, member event.Identity) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.groups[groupID], member)
}

// MemoryGroupView adapts MemoryStore to the group lookup contract, whose
// MembersOf signature differs from the circle one.
type MemoryGroupView struct{ m *MemoryStore }

// Groups returns the group roster view of the store.
func (m *MemoryStore) Groups() MemoryGroupView { return MemoryGroupView{m} }

// MembersOf returns the group's current roster.
func (v MemoryGroupView) MembersOf(groupID string) ([]event.Identity, error) {
	v.m.mu.RLock()
	defer v.m.mu.RUnlock()
	var out []event.Identity
	for member := range v.m.groups[groupID] {
		out = append(out, member)
	}
	return out, nil
}
