package event

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func validEnvelope() Envelope {
	return Envelope{
		Sender:    "alice",
		Type:      TypeMessage,
		Payload:   []byte("opaque"),
		Visibility: Visibility{
			Scope:      ScopeDirect,
			Recipients: []Identity{"bob"},
		},
		CreatedAt: time.Now(),
	}
}

func TestEnvelopeValidate(t *testing.T) {
	env := validEnvelope()
	require.NoError(t, env.Validate())
}

func TestEnvelopeValidateUnknownType(t *testing.T) {
	env := validEnvelope()
	env.Type = "poke"
	assert.Error(t, env.Validate())
}

func TestEnvelopeValidateMissingSender(t *testing.T) {
	env := validEnvelope()
	env.Sender = ""
	assert.Error(t, env.Validate())
}

func TestEnvelopeValidateScopeFieldMismatch(t *testing.T) {
	// Direct with no recipients
	env := validEnvelope()
	env.Visibility.Recipients = nil
	assert.Error(t, env.Validate())

	// Direct carrying group fields
	env = validEnvelope()
	env.Visibility.GroupID = "g1"
	assert.Error(t, env.Validate())

	// Public must carry nothing
	env = validEnvelope()
	env.Visibility = Visibility{Scope: ScopePublic, Circles: []string{"Work"}}
	assert.Error(t, env.Validate())

	// Circles without names
	env = validEnvelope()
	env.Visibility = Visibility{Scope: ScopeCircles}
	assert.Error(t, env.Validate())

	// Group without id
	env = validEnvelope()
	env.Visibility = Visibility{Scope: ScopeGroup}
	assert.Error(t, env.Validate())

	// Unknown scope
	env = validEnvelope()
	env.Visibility = Visibility{Scope: 99}
	assert.Error(t, env.Validate())
}

func TestTypeKnown(t *testing.T) {
	assert.True(t, TypeKeyRotation.Known())
	assert.False(t, Type("nudge").Known())
}
