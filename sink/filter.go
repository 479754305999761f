package sink

import (
	"fmt"

	"github.com/gobwas/glob"

	"github.com/murmurchat/murmur/event"
)

// TypeFilter matches event types against a glob pattern. An empty
// pattern matches everything.
type TypeFilter struct {
	pattern glob.Glob
}

// NewTypeFilter compiles a glob pattern over event types.
func NewTypeFilter(pattern string) (*TypeFilter, error) {
	if pattern == "" {
		return &TypeFilter{}, nil
	}

	g, err := glob.Compile(pattern)
	if err != nil {
		return nil, fmt.Errorf("invalid type pattern %q: %w", pattern, err)
	}
	return &TypeFilter{pattern: g}, nil
}

// Match returns true if the event type should be forwarded.
func (f *TypeFilter) Match(typ event.Type) bool {
	if f.pattern == nil {
		return true
	}
	return f.pattern.Match(string(typ))
}
