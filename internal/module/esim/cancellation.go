package esim

import (
	"context"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// InactivityCancelReason tags stale offers cancelled after a sibling cancellation.
const InactivityCancelReason = "Automatically cancelled due to inactivity"

// CancelRequest asks for one eSIM to be cancelled and refunded.
type CancelRequest struct {
	EsimID int64
	Reason string
	// APIManagedPlan skips the provider and refunds the plan price, or the
	// fallback amount when the plan cannot be resolved.
	APIManagedPlan bool
	EmployeeID     int64
	PlanID         int64
}

// CancelResult reports the outcome of a cancellation.
type CancelResult struct {
	Success           bool            `json:"success"`
	ProviderCancelled bool            `json:"providerCancelled"`
	Refunded          bool            `json:"refunded"`
	RefundAmount      decimal.Decimal `json:"refundAmount"`
	OrderID           string          `json:"orderId"`
}

// Cancel cancels an eSIM at the provider and locally, refunds it at most once
// and resets the owner's plan fields. The returned result carries the order id
// even when an error is returned.
func (s *Service) Cancel(ctx context.Context, req CancelRequest) (*CancelResult, error) {
	e, err := s.repo.GetByID(ctx, req.EsimID)
	if err != nil {
		return nil, err
	}
	result := &CancelResult{OrderID: e.OrderID}

	if e.Status.InUse() && e.IsReallyActivated() {
		return result, fmt.Errorf("%w: order %s is %s", ErrCannotCancelActivated, e.OrderID, e.Status)
	}

	employeeID := e.EmployeeID
	if employeeID == 0 {
		employeeID = req.EmployeeID
	}
	defer s.resetEmployee(ctx, employeeID)

	logger := s.logger.With(zap.Int64("esim_id", e.ID), zap.String("order_id", e.OrderID))

	if e.Status == StatusCancelled {
		return s.completeOutstandingRefund(ctx, e, req.PlanID, result), nil
	}

	var providerErr error
	if e.Status != StatusCancelled && !req.APIManagedPlan && e.OrderID != "" {
		result.ProviderCancelled, providerErr = s.cancelAtProvider(ctx, e)
		if providerErr != nil {
			if ctx.Err() != nil {
				return result, ctx.Err()
			}
			if e.Age(s.clock.Now()) > s.cfg.ProviderFailureGrace {
				logger.Error("provider cancellation failed, rejecting", zap.Error(providerErr))
				return result, fmt.Errorf("%w for order %s: %v", ErrProviderCancelFailed, e.OrderID, providerErr)
			}
			logger.Warn("provider cancellation failed for recent purchase, cancelling locally", zap.Error(providerErr))
		}
	}

	var old Status
	e, _, err = s.mutate(ctx, e.ID, func(e *PurchasedEsim) (bool, error) {
		old = e.Status
		if e.Status == StatusCancelled {
			return false, nil
		}

		now := s.clock.Now()
		if e.Status != StatusCancelled && e.Status != StatusExpired {
			s.sm.Transition(e, StatusCancelled, SourceCancel, true)
		}
		rec := &CancellationRecord{
			IsCancelled:       true,
			CancelledAt:       &now,
			PreviousStatus:    old,
			ProviderCancelled: result.ProviderCancelled,
			CancelReason:      req.Reason,
			APIManaged:        req.APIManagedPlan,
		}
		if providerErr != nil {
			rec.CancellationError = providerErr.Error()
		}
		e.Metadata.Cancellation = rec
		s.flagPendingRefund(e)
		return true, nil
	})
	if err != nil {
		return result, fmt.Errorf("cancel esim %d: %w", req.EsimID, err)
	}
	if old == StatusCancelled {
		// Cancelled concurrently.
		return s.completeOutstandingRefund(ctx, e, req.PlanID, result), nil
	}
	s.emit(ctx, e, old, e.Metadata.ProviderStatus)

	refunded, amount, err := s.refund(ctx, e, req.PlanID)
	if err != nil {
		logger.Error("refund failed, left pending", zap.Error(err))
	}
	result.Refunded = refunded
	result.RefundAmount = amount

	s.cancelStaleSiblings(ctx, e)

	result.Success = true
	logger.Info("esim cancelled",
		zap.String("previous_status", string(old)),
		zap.Bool("provider_cancelled", result.ProviderCancelled),
		zap.Bool("refunded", result.Refunded),
	)
	return result, nil
}

// RetryPendingRefunds re-runs the refund of cancelled eSIMs whose refund did not complete.
// It returns how many refunds completed.
func (s *Service) RetryPendingRefunds(ctx context.Context) (int, error) {
	const job = "retry_refunds"
	s.metrics.RecordReconcileRun(job)

	list, err := s.repo.ListPendingRefunds(ctx)
	if err != nil {
		return 0, err
	}

	retried := 0
	for _, e := range list {
		if ctx.Err() != nil {
			return retried, ctx.Err()
		}
		refunded, _, err := s.refund(ctx, e, 0)
		if err != nil {
			s.metrics.RecordReconcileFailure(job)
			s.logger.Warn("refund retry failed", zap.Int64("esim_id", e.ID), zap.Error(err))
			continue
		}
		if refunded {
			retried++
		}
	}
	return retried, nil
}

// Reclassify moves a cancelled eSIM back to another status. Only cancellations the
// provider never confirmed and that were not refunded can be reclassified.
func (s *Service) Reclassify(ctx context.Context, esimID int64, to Status) (*PurchasedEsim, error) {
	if to == StatusCancelled || to == "" {
		return nil, ErrInvalidStatus
	}
	if _, ok := ParseStatus(string(to)); !ok {
		return nil, ErrInvalidStatus
	}

	var old Status
	e, changed, err := s.mutate(ctx, esimID, func(e *PurchasedEsim) (bool, error) {
		old = e.Status
		if e.Status != StatusCancelled {
			return false, fmt.Errorf("%w: status is %s", ErrReclassifyNotAllowed, e.Status)
		}
		if c := e.Metadata.Cancellation; c != nil && c.ProviderCancelled {
			return false, fmt.Errorf("%w: cancelled at provider", ErrReclassifyNotAllowed)
		}
		if e.IsRefunded() {
			return false, fmt.Errorf("%w: already refunded", ErrReclassifyNotAllowed)
		}

		now := s.clock.Now()
		s.sm.Transition(e, to, SourceAdmin, true)
		if c := e.Metadata.Cancellation; c != nil {
			c.IsCancelled = false
			c.ReclassifiedAt = &now
		}
		if rf := e.Metadata.Refund; rf != nil {
			rf.PendingRefund = false
		}
		return true, nil
	})
	if err != nil {
		return nil, err
	}
	if changed {
		s.logger.Info("esim reclassified",
			zap.Int64("esim_id", e.ID),
			zap.String("from", string(old)),
			zap.String("to", string(to)),
		)
		s.emit(ctx, e, old, e.Metadata.ProviderStatus)
	}
	return e, nil
}

// cancelAtProvider calls the provider, waiting first when the purchase is so
// recent the provider may not have processed it yet.
func (s *Service) cancelAtProvider(ctx context.Context, e *PurchasedEsim) (bool, error) {
	if e.Age(s.clock.Now()) < s.cfg.ProviderDelayYoungerThan && s.cfg.ProviderCancelDelay > 0 {
		timer := time.NewTimer(s.cfg.ProviderCancelDelay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return false, ctx.Err()
		case <-timer.C:
		}
	}

	ok, err := s.provider.CancelEsim(ctx, e.OrderID, stringValue(e.ICCID))
	if err != nil {
		return false, err
	}
	if !ok {
		return false, fmt.Errorf("provider declined cancellation of %s", e.OrderID)
	}
	return true, nil
}

// completeOutstandingRefund handles Cancel on a record that is already cancelled.
// Only a refund left pending by an earlier cancellation is booked; records
// cancelled without a refund obligation (unpaid renewals, stale siblings,
// provider-side cancellations) are never credited.
func (s *Service) completeOutstandingRefund(ctx context.Context, e *PurchasedEsim, planOverride int64, result *CancelResult) *CancelResult {
	result.Success = true
	rf := e.Metadata.Refund
	switch {
	case rf == nil:
		return result
	case rf.Refunded:
		result.Refunded = true
		result.RefundAmount = rf.RefundAmount
		return result
	case !rf.PendingRefund:
		return result
	}

	refunded, amount, err := s.refund(ctx, e, planOverride)
	if err != nil {
		s.logger.Error("outstanding refund failed, left pending",
			zap.Int64("esim_id", e.ID),
			zap.String("order_id", e.OrderID),
			zap.Error(err),
		)
	}
	result.Refunded = refunded
	result.RefundAmount = amount
	return result
}

// flagPendingRefund marks the refund as outstanding unless it already completed.
func (s *Service) flagPendingRefund(e *PurchasedEsim) {
	if e.Metadata.Refund == nil {
		e.Metadata.Refund = &RefundRecord{}
	}
	if !e.Metadata.Refund.Refunded {
		e.Metadata.Refund.PendingRefund = true
	}
}

// resetEmployee clears the owner's plan so a new one can be assigned.
func (s *Service) resetEmployee(ctx context.Context, employeeID int64) {
	if employeeID == 0 {
		return
	}
	if err := s.employees.ResetPlan(ctx, employeeID); err != nil {
		s.logger.Error("failed to reset employee plan", zap.Int64("employee_id", employeeID), zap.Error(err))
	}
}

// cancelStaleSiblings cancels the owner's other offers left waiting for activation too long.
// Siblings are never refunded.
func (s *Service) cancelStaleSiblings(ctx context.Context, cancelled *PurchasedEsim) {
	siblings, err := s.repo.ListByEmployee(ctx, cancelled.EmployeeID)
	if err != nil {
		s.logger.Warn("failed to list sibling esims", zap.Int64("employee_id", cancelled.EmployeeID), zap.Error(err))
		return
	}

	now := s.clock.Now()
	for _, sib := range siblings {
		if sib.ID == cancelled.ID || sib.Status != StatusWaitingForActivation || sib.Age(now) <= s.cfg.StaleSiblingAge {
			continue
		}

		e, changed, err := s.mutate(ctx, sib.ID, func(e *PurchasedEsim) (bool, error) {
			if e.Status != StatusWaitingForActivation {
				return false, nil
			}
			s.sm.Transition(e, StatusCancelled, SourceCancel, false)
			e.Metadata.Cancellation = &CancellationRecord{
				IsCancelled:    true,
				CancelledAt:    &now,
				PreviousStatus: StatusWaitingForActivation,
				CancelReason:   InactivityCancelReason,
			}
			return true, nil
		})
		if err != nil {
			s.logger.Warn("failed to cancel stale sibling", zap.Int64("esim_id", sib.ID), zap.Error(err))
			continue
		}
		if !changed {
			continue
		}

		s.logger.Info("stale sibling cancelled", zap.Int64("esim_id", e.ID), zap.String("order_id", e.OrderID))
		s.emit(ctx, e, StatusWaitingForActivation, e.Metadata.ProviderStatus)

		if e.OrderID != "" {
			if _, err := s.provider.CancelEsim(ctx, e.OrderID, stringValue(e.ICCID)); err != nil {
				s.logger.Warn("provider cancellation of stale sibling failed", zap.Int64("esim_id", e.ID), zap.Error(err))
			}
		}
	}
}
