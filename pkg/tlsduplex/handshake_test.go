package tlsduplex

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestHandshakeWord_Transitions(t *testing.T) {
	var w handshakeWord

	assert.Equal(t, StateInitial, w.load())
	assert.True(t, w.transitionToHandshaking())
	assert.False(t, w.transitionToHandshaking(), "second transition must lose the CAS")
	assert.Equal(t, StateHandshaking, w.load())

	assert.True(t, w.transitionToSucceeded())
	assert.False(t, w.transitionToSucceeded())
	assert.Equal(t, StateSucceeded, w.load())

	assert.True(t, w.transitionToFailed())
	assert.False(t, w.transitionToFailed())
	assert.Equal(t, StateFailed, w.load())
}

func TestRenegotiationAllowed(t *testing.T) {
	tests := []struct {
		name     string
		state    HandshakeState
		protocol string
		policy   RenegotiationPolicy
		allowed  bool
		reason   renegotiationDenialReason
	}{
		{
			name:     "allowed",
			state:    StateSucceeded,
			protocol: "TLS1.2",
			policy:   RenegotiationPolicy{Allowed: true, Limit: 1},
			allowed:  true,
		},
		{
			name:     "policy disallows",
			state:    StateSucceeded,
			protocol: "TLS1.2",
			policy:   RenegotiationPolicy{Allowed: false, Limit: 1},
			reason:   denyNotAllowed,
		},
		{
			name:     "tls13 never renegotiates",
			state:    StateSucceeded,
			protocol: "TLS1.3",
			policy:   RenegotiationPolicy{Allowed: true, Limit: 1},
			reason:   denyTLS13,
		},
		{
			name:     "limit exhausted",
			state:    StateSucceeded,
			protocol: "TLS1.2",
			policy:   RenegotiationPolicy{Allowed: true, Limit: 0},
			reason:   denyLimitExhausted,
		},
		{
			name:     "not yet succeeded",
			state:    StateHandshaking,
			protocol: "TLS1.2",
			policy:   RenegotiationPolicy{Allowed: true, Limit: 1},
			reason:   denyNotAllowed,
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			allowed, reason := renegotiationAllowed(tc.state, tc.protocol, tc.policy)
			assert.Equal(t, tc.allowed, allowed)
			if !tc.allowed {
				assert.Equal(t, tc.reason, reason)
			}
		})
	}
}

func TestFailureChain(t *testing.T) {
	var c FailureChain

	assert.NoError(t, c.First())

	first := errors.New("first")
	second := errors.New("second")

	assert.Equal(t, first, c.Record(first))
	assert.Equal(t, first, c.Record(second), "later causes still surface the first")
	assert.Equal(t, first, c.First())

	suppressed := c.Suppressed()
	assert.Len(t, suppressed, 1)
	assert.Equal(t, second, suppressed[0])
}
