package ws

import (
	"github.com/puzpuzpuz/xsync/v3"
	"github.com/rs/zerolog/log"

	"github.com/murmurchat/murmur/event"
	"github.com/murmurchat/murmur/telemetry"
)

// Session is a live delivery channel for one authenticated identity.
// Conn is the production implementation; tests register fakes.
type Session interface {
	Identity() event.Identity

	// Deliver hands a stored event to the session for live push.
	// Returns false if the session is already closed.
	Deliver(ev *event.Event) bool

	// supersede closes the session with the superseded close code.
	supersede()
}

// Registry maps identities to their single active session. Replacement
// is atomic with respect to concurrent lookups: a reader sees either the
// old session or the new one, never neither or both.
type Registry struct {
	sessions *xsync.MapOf[event.Identity, Session]
}

// NewRegistry creates an empty connection registry.
func NewRegistry() *Registry {
	return &Registry{
		sessions: xsync.NewMapOf[event.Identity, Session](),
	}
}

// Register installs s as the active session for its identity. Any prior
// session for the same identity is atomically replaced and then closed
// with the superseded code. Registering the same session twice is a
// programming defect and panics.
func (r *Registry) Register(s Session) {
	var replaced Session

	r.sessions.Compute(s.Identity(), func(old Session, loaded bool) (Session, bool) {
		if loaded {
			if old == s {
				panic("ws: session registered twice for " + string(s.Identity()))
			}
			replaced = old
		}
		return s, false
	})

	if replaced != nil {
		log.Debug().
			Str("identity", string(s.Identity())).
			Msg("Session superseded by newer connection")
		telemetry.ConnectionsSupersededTotal.Inc()
		replaced.supersede()
	}
}

// Unregister removes s from the registry, but only if it is still the
// active session for its identity. A session that was superseded must
// not evict its replacement on teardown.
func (r *Registry) Unregister(s Session) {
	r.sessions.Compute(s.Identity(), func(old Session, loaded bool) (Session, bool) {
		if !loaded || old != s {
			return old, !loaded
		}
		return nil, true
	})
}

// Lookup returns the active session for id, if any.
func (r *Registry) Lookup(id event.Identity) (Session, bool) {
	return r.sessions.Load(id)
}

// Push delivers ev to id's active session. Returns false when the
// identity has no live session or the session refused the event.
func (r *Registry) Push(id event.Identity, ev *event.Event) bool {
	s, ok := r.sessions.Load(id)
	if !ok {
		return false
	}
	return s.Deliver(ev)
}

// ConnectionCount reports the number of active sessions.
func (r *Registry) ConnectionCount() int {
	return r.sessions.Size()
}

// Identities returns a snapshot of currently connected identities.
func (r *Registry) Identities() []event.Identity {
	ids := make([]event.Identity, 0, r.sessions.Size())
	r.sessions.Range(func(id event.Identity, _ Session) bool {
		ids = append(ids, id)
		return true
	})
	return ids
}
