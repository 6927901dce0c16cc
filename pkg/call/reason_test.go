package call

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestClassifyStatus(t *testing.T) {
	cases := []struct {
		code int
		want Reason
	}{
		{403, ReasonForbidden},
		{404, ReasonNotFound},
		{408, ReasonRequestTimeout},
		{480, ReasonTemporarilyUnavailable},
		{486, ReasonBusy},
		{487, ReasonCancelledLocal},
		{488, ReasonIncompatibleMedia},
		{503, ReasonServiceUnavailable},
		{600, ReasonBusy},
		{603, ReasonDeclined},
		// Unknown codes classify by class.
		{433, ReasonDeclined},
		{502, ReasonServerError},
		{607, ReasonBusy},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, ClassifyStatus(tc.code), "code %d", tc.code)
	}
}

func TestStatePredicates(t *testing.T) {
	active := []State{
		StateOutgoingProgress, StateOutgoingRinging, StateIncomingReceived,
		StateConnected, StateStreamsRunning, StatePausing, StatePaused,
		StateResuming, StateEnding,
	}
	for _, s := range active {
		assert.True(t, s.IsActive(), "%v", s)
	}
	for _, s := range []State{StateIdle, StateOutgoingInit, StateEnded, StateError} {
		assert.False(t, s.IsActive(), "%v", s)
	}

	assert.True(t, StateEnded.IsTerminal())
	assert.True(t, StateError.IsTerminal())
	assert.False(t, StateEnding.IsTerminal())
}

func TestReasonDescribeCoversAll(t *testing.T) {
	for r := ReasonNone; r <= ReasonUnknown; r++ {
		assert.NotEmpty(t, r.Describe())
		assert.NotEmpty(t, r.String())
	}
}
