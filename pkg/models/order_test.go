package models

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestLegStateTransitions(t *testing.T) {
	cases := []struct {
		from    LegState
		to      LegState
		allowed bool
	}{
		{LegStateDraft, LegStatePending, true},
		{LegStatePending, LegStateOpen, true},
		{LegStatePending, LegStateFailed, true},
		{LegStateOpen, LegStatePartial, true},
		{LegStatePartial, LegStatePartial, true},
		{LegStatePartial, LegStateFilled, true},
		{LegStateOpen, LegStateFilled, true},
		{LegStateOpen, LegStateCancelled, true},
		{LegStatePartial, LegStateCancelled, true},
		{LegStateOpen, LegStateRejected, true},
		{LegStatePending, LegStateExpired, true},
		{LegStateOpen, LegStateExpired, true},

		{LegStateDraft, LegStateOpen, false},
		{LegStatePending, LegStatePartial, false},
		{LegStatePending, LegStateFilled, false},
		{LegStateFilled, LegStateCancelled, false},
		{LegStateCancelled, LegStateOpen, false},
		{LegStateRejected, LegStateFilled, false},
		{LegStateExpired, LegStatePending, false},
		{LegStateFailed, LegStateOpen, false},
		{LegStateOpen, LegStatePending, false},
	}

	for _, tc := range cases {
		assert.Equal(t, tc.allowed, tc.from.CanTransition(tc.to),
			"%s -> %s", tc.from, tc.to)
	}
}

func TestTerminalStatesNeverExit(t *testing.T) {
	terminals := []LegState{LegStateFilled, LegStateCancelled, LegStateRejected, LegStateExpired, LegStateFailed}
	all := []LegState{LegStateDraft, LegStatePending, LegStateOpen, LegStatePartial,
		LegStateFilled, LegStateCancelled, LegStateRejected, LegStateExpired, LegStateFailed}

	for _, from := range terminals {
		assert.True(t, from.Terminal())
		for _, to := range all {
			assert.False(t, from.CanTransition(to), "%s -> %s must be rejected", from, to)
		}
	}
}

func TestLegSideOpposite(t *testing.T) {
	assert.Equal(t, LegSideShort, LegSideLong.Opposite())
	assert.Equal(t, LegSideLong, LegSideShort.Opposite())
}

func TestOrderKindRequiresPrice(t *testing.T) {
	assert.False(t, OrderKindMarket.RequiresPrice())
	assert.True(t, OrderKindLimit.RequiresPrice())
}
