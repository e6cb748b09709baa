package esim

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/simdesk/server/internal/shared/clock"
	"github.com/simdesk/server/internal/shared/metrics"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestIsValidTransition(t *testing.T) {
	tests := []struct {
		from, to Status
		want     bool
	}{
		{StatusNoPlan, StatusPending, true},
		{StatusPending, StatusWaitingForActivation, true},
		{StatusPending, StatusCancelled, true},
		{StatusWaitingForActivation, StatusActivated, true},
		{StatusActivated, StatusActive, true},
		{StatusActive, StatusDepleted, true},
		{StatusActive, StatusExpired, true},
		{StatusDepleted, StatusPending, true},
		{StatusExpired, StatusCancelled, true},

		{StatusPending, StatusActivated, false},
		{StatusActivated, StatusDepleted, false},
		{StatusWaitingForActivation, StatusPending, false},
		{StatusCancelled, StatusPending, false},
		{StatusCancelled, StatusActive, false},
		{StatusNoPlan, StatusCancelled, false},
	}

	for _, tt := range tests {
		t.Run(string(tt.from)+"->"+string(tt.to), func(t *testing.T) {
			assert.Equal(t, tt.want, IsValidTransition(tt.from, tt.to))
		})
	}
}

func TestAllowedTransitions(t *testing.T) {
	assert.Empty(t, AllowedTransitions(StatusCancelled))
	assert.ElementsMatch(t, []Status{StatusActivated, StatusCancelled}, AllowedTransitions(StatusWaitingForActivation))

	got := AllowedTransitions(StatusPending)
	got[0] = StatusCancelled
	assert.Equal(t, StatusWaitingForActivation, AllowedTransitions(StatusPending)[0], "returned slice is a copy")
}

func TestStateMachine_Transition(t *testing.T) {
	clk := clock.NewFakeClock(testNow)

	t.Run("valid transition is recorded", func(t *testing.T) {
		m := metrics.NewNop()
		sm := NewStateMachine(clk, m, zap.NewNop())
		e := &PurchasedEsim{ID: 1, Status: StatusPending}

		assert.True(t, sm.Transition(e, StatusWaitingForActivation, SourceReconcile, false))
		assert.Equal(t, StatusWaitingForActivation, e.Status)
		require.Len(t, e.Metadata.Transitions, 1)

		rec := e.Metadata.Transitions[0]
		assert.Equal(t, StatusPending, rec.From)
		assert.Equal(t, StatusWaitingForActivation, rec.To)
		assert.Equal(t, SourceReconcile, rec.Source)
		assert.Equal(t, testNow, rec.At)
		assert.True(t, rec.Valid)
		assert.False(t, rec.Forced)
		assert.Equal(t, float64(1), testutil.ToFloat64(
			m.StatusTransitionsTotal.WithLabelValues("pending", "waiting_for_activation", "reconcile", "true")))
	})

	t.Run("invalid transition is rejected unless forced", func(t *testing.T) {
		sm := NewStateMachine(clk, nil, nil)
		e := &PurchasedEsim{ID: 2, Status: StatusCancelled}

		assert.False(t, sm.Transition(e, StatusActive, SourceAdmin, false))
		assert.Equal(t, StatusCancelled, e.Status)
		assert.Empty(t, e.Metadata.Transitions)
	})

	t.Run("forced invalid transition is applied and flagged", func(t *testing.T) {
		sm := NewStateMachine(clk, nil, nil)
		e := &PurchasedEsim{ID: 3, Status: StatusPending}

		assert.False(t, sm.Transition(e, StatusActivated, SourceWebhook, true))
		assert.Equal(t, StatusActivated, e.Status)
		require.Len(t, e.Metadata.Transitions, 1)
		assert.False(t, e.Metadata.Transitions[0].Valid)
		assert.True(t, e.Metadata.Transitions[0].Forced)
	})

	t.Run("same status is a no-op", func(t *testing.T) {
		sm := NewStateMachine(clk, nil, nil)
		e := &PurchasedEsim{ID: 4, Status: StatusActive}

		assert.True(t, sm.Transition(e, StatusActive, SourceReconcile, false))
		assert.Empty(t, e.Metadata.Transitions)
	})
}
