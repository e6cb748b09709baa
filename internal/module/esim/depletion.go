package esim

import (
	"context"
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
	"github.com/simdesk/server/internal/module/plan"
	"go.uber.org/zap"
)

// DepletionThresholdPercent is the share of the plan that counts as depleted.
const DepletionThresholdPercent = 95

// Depletion methods.
const (
	DepletionMethodStoredUsage      = "stored_usage"
	DepletionMethodProviderMetadata = "provider_metadata"
	DepletionMethodProviderStatus   = "provider_status"
)

var (
	depletionThreshold = decimal.NewFromInt(DepletionThresholdPercent)
	hundred            = decimal.NewFromInt(100)
)

// DepletionSummary is the outcome of a batch depletion check.
type DepletionSummary struct {
	Checked  int `json:"checked"`
	Depleted int `json:"depleted"`
	Failed   int `json:"failed"`
}

// EvaluateDepletion measures usage with the stored dataUsed against the plan first,
// then with the provider byte counters. The first method reaching the threshold wins.
func EvaluateDepletion(e *PurchasedEsim, p *plan.Plan) (percent decimal.Decimal, method string, depleted bool) {
	if p != nil && e.DataUsed.IsPositive() && p.DataGB.IsPositive() {
		pct := e.DataUsed.Mul(hundred).Div(p.DataGB)
		if pct.GreaterThanOrEqual(depletionThreshold) {
			return pct, DepletionMethodStoredUsage, true
		}
		percent = pct
	}

	if usage, total, ok := e.Metadata.ProviderUsage(); ok && total > 0 {
		pct := decimal.NewFromInt(usage).Mul(hundred).Div(decimal.NewFromInt(total))
		if pct.GreaterThanOrEqual(depletionThreshold) {
			return pct, DepletionMethodProviderMetadata, true
		}
		if pct.GreaterThan(percent) {
			percent = pct
		}
	}
	return percent, "", false
}

// CheckAndMarkDepleted marks the eSIM depleted when its usage reached the threshold.
// It returns true only when this call made the transition.
func (s *Service) CheckAndMarkDepleted(ctx context.Context, esimID int64) (bool, error) {
	var (
		old     Status
		percent decimal.Decimal
		method  string
	)

	e, changed, err := s.mutate(ctx, esimID, func(e *PurchasedEsim) (bool, error) {
		if !e.Status.InUse() {
			return false, nil
		}
		p, err := s.lookupPlan(ctx, e.PlanID)
		if err != nil {
			return false, err
		}

		var depleted bool
		percent, method, depleted = EvaluateDepletion(e, p)
		if !depleted {
			return false, nil
		}

		old = e.Status
		s.markDepleted(e, percent, method)
		return true, nil
	})
	if err != nil {
		return false, fmt.Errorf("check depletion of esim %d: %w", esimID, err)
	}
	if !changed {
		return false, nil
	}

	s.metrics.RecordDepletion(method)
	s.logger.Info("esim depleted",
		zap.Int64("esim_id", e.ID),
		zap.String("order_id", e.OrderID),
		zap.String("percentage", percent.StringFixed(3)),
		zap.String("method", method),
	)
	s.emit(ctx, e, old, e.Metadata.ProviderStatus)
	s.maybeAutoRenew(ctx, e)
	return true, nil
}

// CheckAllActiveEsims runs the depletion check on every eSIM in use.
// A failing record is logged and counted; the batch continues.
func (s *Service) CheckAllActiveEsims(ctx context.Context) (DepletionSummary, error) {
	const job = "depletion"
	s.metrics.RecordReconcileRun(job)

	var summary DepletionSummary
	list, err := s.repo.ListByStatuses(ctx, StatusActivated, StatusActive)
	if err != nil {
		return summary, err
	}

	for _, e := range list {
		if ctx.Err() != nil {
			return summary, ctx.Err()
		}
		summary.Checked++
		depleted, err := s.CheckAndMarkDepleted(ctx, e.ID)
		if err != nil {
			summary.Failed++
			s.metrics.RecordReconcileFailure(job)
			s.logger.Error("depletion check failed", zap.Int64("esim_id", e.ID), zap.Error(err))
			continue
		}
		if depleted {
			summary.Depleted++
		}
	}

	s.logger.Info("depletion check finished",
		zap.Int("checked", summary.Checked),
		zap.Int("depleted", summary.Depleted),
		zap.Int("failed", summary.Failed),
	)
	return summary, nil
}

// markDepleted moves an in-use eSIM to depleted. An activated eSIM passes through
// active so every recorded step stays inside the transition table.
func (s *Service) markDepleted(e *PurchasedEsim, percent decimal.Decimal, method string) {
	if e.Status == StatusActivated {
		s.sm.Transition(e, StatusActive, SourceDepletion, false)
	}
	s.sm.Transition(e, StatusDepleted, SourceDepletion, false)
	e.Metadata.Depletion = &DepletionRecord{
		DepletedAt:          s.clock.Now(),
		DepletionPercentage: percent.Round(3),
		Method:              method,
	}
}

// maybeAutoRenew triggers renewal when both the employee and the eSIM opted in.
// The processing flag is persisted first so a concurrent checker cannot trigger twice.
func (s *Service) maybeAutoRenew(ctx context.Context, e *PurchasedEsim) {
	if s.renewer == nil || !e.AutoRenewEnabled {
		return
	}

	emp, err := s.employees.GetEmployee(ctx, e.EmployeeID)
	if err != nil {
		s.logger.Error("auto-renewal skipped: employee lookup failed", zap.Int64("esim_id", e.ID), zap.Error(err))
		return
	}
	if !emp.AutoRenewEnabled {
		return
	}

	_, claimed, err := s.mutate(ctx, e.ID, func(e *PurchasedEsim) (bool, error) {
		if ar := e.Metadata.AutoRenewal; ar != nil && (ar.Processing || ar.RenewedEsimID != nil) {
			return false, nil
		}
		now := s.clock.Now()
		e.Metadata.AutoRenewal = &AutoRenewalRecord{Processing: true, StartedAt: &now}
		return true, nil
	})
	if err != nil {
		s.logger.Error("auto-renewal guard failed", zap.Int64("esim_id", e.ID), zap.Error(err))
		return
	}
	if !claimed {
		return
	}

	s.logger.Info("triggering auto-renewal", zap.Int64("esim_id", e.ID))
	if err := s.renewer.ProcessAutoRenewals(ctx, e.ID); err != nil {
		s.logger.Error("auto-renewal failed", zap.Int64("esim_id", e.ID), zap.Error(err))
	}
}

// lookupPlan returns the plan or nil when it no longer exists.
func (s *Service) lookupPlan(ctx context.Context, id int64) (*plan.Plan, error) {
	p, err := s.plans.GetByID(ctx, id)
	if errors.Is(err, plan.ErrPlanNotFound) {
		return nil, nil
	}
	return p, err
}
