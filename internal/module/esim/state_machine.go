package esim

import (
	"github.com/simdesk/server/internal/shared/clock"
	"github.com/simdesk/server/internal/shared/metrics"
	"go.uber.org/zap"
)

// TransitionSource names the path that changed a status.
type TransitionSource string

const (
	SourceWebhook   TransitionSource = "webhook"
	SourceReconcile TransitionSource = "reconcile"
	SourceDepletion TransitionSource = "depletion"
	SourceCancel    TransitionSource = "cancel"
	SourceAdmin     TransitionSource = "admin"
	SourceRenewal   TransitionSource = "renewal"
)

var transitions = map[Status][]Status{
	StatusNoPlan:               {StatusPending},
	StatusPending:              {StatusWaitingForActivation, StatusCancelled},
	StatusWaitingForActivation: {StatusActivated, StatusCancelled},
	StatusActivated:            {StatusActive, StatusExpired, StatusCancelled},
	StatusActive:               {StatusExpired, StatusDepleted, StatusCancelled},
	StatusDepleted:             {StatusCancelled, StatusPending},
	StatusExpired:              {StatusCancelled, StatusPending},
	StatusCancelled:            {}, // Terminal state
}

// IsValidTransition reports whether from -> to is in the transition table.
func IsValidTransition(from, to Status) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// AllowedTransitions returns the statuses reachable from from.
func AllowedTransitions(from Status) []Status {
	allowed := transitions[from]
	result := make([]Status, len(allowed))
	copy(result, allowed)
	return result
}

// StateMachine applies status changes and keeps the transition audit log.
type StateMachine struct {
	clock   clock.Clock
	metrics *metrics.Metrics
	logger  *zap.Logger
}

// NewStateMachine creates a new eSIM state machine.
func NewStateMachine(clk clock.Clock, m *metrics.Metrics, logger *zap.Logger) *StateMachine {
	if clk == nil {
		clk = clock.System{}
	}
	if m == nil {
		m = metrics.NewNop()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &StateMachine{clock: clk, metrics: m, logger: logger.Named("esim-state")}
}

// Transition moves e to status to and appends a TransitionRecord.
// A transition outside the table is applied only when forced; the record keeps
// valid=false so the anomaly stays visible. It returns whether the transition was valid.
func (sm *StateMachine) Transition(e *PurchasedEsim, to Status, source TransitionSource, forced bool) bool {
	from := e.Status
	if from == to {
		return true
	}

	valid := IsValidTransition(from, to)
	sm.metrics.RecordTransition(string(from), string(to), string(source), valid)

	if !valid && !forced {
		sm.logger.Warn("rejected invalid status transition",
			zap.Int64("esim_id", e.ID),
			zap.String("from", string(from)),
			zap.String("to", string(to)),
			zap.String("source", string(source)),
		)
		return false
	}
	if !valid {
		sm.logger.Warn("forcing status transition outside table",
			zap.Int64("esim_id", e.ID),
			zap.String("from", string(from)),
			zap.String("to", string(to)),
			zap.String("source", string(source)),
		)
	}

	e.Status = to
	e.Metadata.Transitions = append(e.Metadata.Transitions, TransitionRecord{
		From:   from,
		To:     to,
		At:     sm.clock.Now(),
		Source: source,
		Valid:  valid,
		Forced: !valid,
	})
	return valid
}
