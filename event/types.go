package event

import (
	"fmt"
	"time"
)

// Identity is an addressable recipient/sender in the social graph.
// The delivery core only ever uses it as a map key; ownership of the
// underlying account data lives in the identity service.
type Identity string

// Type tags a domain event. The set is closed: payload shapes are
// validated per tag at the fan-out boundary, never free-form.
type Type string

const (
	TypeMessage       Type = "message"
	TypeFriendRequest Type = "friend-request"
	TypeFriendAccept  Type = "friend-accept"
	TypeGroupInvite   Type = "group-invite"
	TypeGroupMessage  Type = "group-message"
	TypeCircleNote    Type = "circle-note"
	TypeKeyRotation   Type = "key-rotation"
)

// knownTypes is the closed variant set.
var knownTypes = map[Type]struct{}{
	TypeMessage:       {},
	TypeFriendRequest: {},
	TypeFriendAccept:  {},
	TypeGroupInvite:   {},
	TypeGroupMessage:  {},
	TypeCircleNote:    {},
	TypeKeyRotation:   {},
}

// Known reports whether t is part of the closed event type set.
func (t Type) Known() bool {
	_, ok := knownTypes[t]
	return ok
}

// Visibility scopes for published events
const (
	ScopeDirect  uint8 = 0 // explicitly addressed recipients
	ScopePublic  uint8 = 1 // all mutually-accepted friends of the sender
	ScopeCircles uint8 = 2 // union of the named circles' members
	ScopeGroup   uint8 = 3 // current group roster, excluding the sender
)

// Visibility declares who receives a published event. Membership is
// evaluated exactly once, at publish time, as a snapshot.
type Visibility struct {
	Scope      uint8
	Recipients []Identity // ScopeDirect
	Circles    []string   // ScopeCircles (owned by the sender)
	GroupID    string     // ScopeGroup
}

// Envelope is a published domain event before fan-out. The payload is
// an opaque blob (ciphertext or plaintext); the core never interprets it.
type Envelope struct {
	Sender     Identity
	Type       Type
	Payload    []byte
	Visibility Visibility
	CreatedAt  time.Time
}

// Event is the immutable per-recipient record stamped with its seq.
// Once appended to the log it is never mutated or deleted.
type Event struct {
	Recipient Identity `msgpack:"rcpt"`
	Seq       uint64   `msgpack:"seq"`
	Type      Type     `msgpack:"type"`
	Payload   []byte   `msgpack:"payload"`
	CreatedAt int64    `msgpack:"ts"` // unix ms
}

// Validate checks the envelope against the closed variant rules before
// fan-out. Scope fields must match the declared scope; stray fields from
// other scopes are rejected rather than silently ignored.
func (e *Envelope) Validate() error {
	if e.Sender == "" {
		return fmt.Errorf("envelope missing sender")
	}
	if !e.Type.Known() {
		return fmt.Errorf("unknown event type %q", e.Type)
	}

	v := e.Visibility
	switch v.Scope {
	case ScopeDirect:
		if len(v.Recipients) == 0 {
			return fmt.Errorf("direct visibility requires at least one recipient")
		}
		if len(v.Circles) > 0 || v.GroupID != "" {
			return fmt.Errorf("direct visibility must not carry circle or group fields")
		}
	case ScopePublic:
		if len(v.Recipients) > 0 || len(v.Circles) > 0 || v.GroupID != "" {
			return fmt.Errorf("public visibility must not carry scope fields")
		}
	case ScopeCircles:
		if len(v.Circles) == 0 {
			return fmt.Errorf("circle visibility requires at least one circle name")
		}
		if len(v.Recipients) > 0 || v.GroupID != "" {
			return fmt.Errorf("circle visibility must not carry recipient or group fields")
		}
	case ScopeGroup:
		if v.GroupID == "" {
			return fmt.Errorf("group visibility requires a group id")
		}
		if len(v.Recipients) > 0 || len(v.Circles) > 0 {
			return fmt.Errorf("group visibility must not carry recipient or circle fields")
		}
	default:
		return fmt.Errorf("unknown visibility scope %d", v.Scope)
	}

	return nil
}
