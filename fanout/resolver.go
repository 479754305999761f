// Package fanout expands a published event into its recipient set.
package fanout

import (
	"errors"
	"fmt"
	"sort"

	"github.com/murmurchat/murmur/event"
)

// FriendshipLookup answers friendship queries. Read-only; consistency and
// staleness are the social store's concern, not this package's.
type FriendshipLookup interface {
	// ListFriends returns the identities with a mutually-accepted
	// friendship with id.
	ListFriends(id event.Identity) ([]event.Identity, error)

	// AreFriends reports whether both sides accepted the friendship.
	AreFriends(a, b event.Identity) (bool, error)
}

// CircleLookup resolves named circles of an owner to their members.
type CircleLookup interface {
	MembersOf(owner event.Identity, names []string) ([]event.Identity, error)
}

// GroupLookup resolves a group id to its current roster.
type GroupLookup interface {
	MembersOf(groupID string) ([]event.Identity, error)
}

// Resolver computes the deduplicated recipient set for an envelope from
// membership snapshots taken at resolve time. Resolution is deterministic:
// the same envelope against the same state yields the same ordered set.
type Resolver struct {
	friends FriendshipLookup
	circles CircleLookup
	groups  GroupLookup
}

// NewResolver creates a resolver over the given membership lookups.
func NewResolver(friends FriendshipLookup, circles CircleLookup, groups GroupLookup) *Resolver {
	return &Resolver{friends: friends, circles: circles, groups: groups}
}

// Resolve returns the recipient set for the envelope, sorted and with
// duplicates removed. A failing circle lookup drops only that circle's
// members: surviving recipients are still returned alongside the error,
// and the caller decides how to report the partial failure.
func (r *Resolver) Resolve(env *event.Envelope) ([]event.Identity, error) {
	set := make(map[event.Identity]struct{})
	var errs []error

	v := env.Visibility
	switch v.Scope {
	case event.ScopeDirect:
		for _, rcpt := range v.Recipients {
			set[rcpt] = struct{}{}
		}

	case event.ScopePublic:
		friends, err := r.friends.ListFriends(env.Sender)
		if err != nil {
			return nil, fmt.Errorf("failed to list friends of %s: %w", env.Sender, err)
		}
		for _, f := range friends {
			set[f] = struct{}{}
		}

	case event.ScopeCircles:
		// One lookup per circle so a single failing circle does not take
		// down the whole fan-out. A recipient present in several circles
		// lands in the set exactly once.
		for _, name := range v.Circles {
			members, err := r.circles.MembersOf(env.Sender, []string{name})
			if err != nil {
				errs = append(errs, fmt.Errorf("circle %q: %w", name, err))
				continue
			}
			for _, m := range members {
				set[m] = struct{}{}
			}
		}

	case event.ScopeGroup:
		members, err := r.groups.MembersOf(v.GroupID)
		if err != nil {
			return nil, fmt.Errorf("failed to resolve group %s: %w", v.GroupID, err)
		}
		for _, m := range members {
			if m == env.Sender {
				continue
			}
			set[m] = struct{}{}
		}

	default:
		return nil, fmt.Errorf("unknown visibility scope %d", v.Scope)
	}

	recipients := make([]event.Identity, 0, len(set))
	for rcpt := range set {
		recipients = append(recipients, rcpt)
	}
	sort.Slice(recipients, func(i, j int) bool { return recipients[i] < recipients[j] })

	return recipients, errors.Join(errs...)
}
