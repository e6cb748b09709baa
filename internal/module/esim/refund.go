package esim

import (
	"context"
	"fmt"

	"github.com/shopspring/decimal"
	"github.com/simdesk/server/internal/module/wallet"
	"go.uber.org/zap"
)

// refund books the refund of a cancelled eSIM unless one is already recorded.
// Failures leave pendingRefund set with the error for a later retry.
// planOverride selects the plan of an API-managed cancellation when non-zero.
func (s *Service) refund(ctx context.Context, e *PurchasedEsim, planOverride int64) (bool, decimal.Decimal, error) {
	if e.IsRefunded() {
		s.metrics.RecordRefund("skipped")
		return true, e.Metadata.Refund.RefundAmount, nil
	}

	req, err := s.buildRefundRequest(ctx, e, planOverride)
	if err == nil {
		var res *wallet.RefundResult
		res, err = s.wallet.RefundEsim(ctx, *req)
		if err == nil {
			return s.recordRefund(ctx, e.ID, req, res)
		}
	}

	s.metrics.RecordRefund("failed")
	if _, _, markErr := s.mutate(ctx, e.ID, func(e *PurchasedEsim) (bool, error) {
		if e.Metadata.Refund == nil {
			e.Metadata.Refund = &RefundRecord{}
		}
		rf := e.Metadata.Refund
		if rf.Refunded {
			return false, nil
		}
		rf.PendingRefund = true
		rf.RefundError = err.Error()
		rf.Attempts++
		return true, nil
	}); markErr != nil {
		s.logger.Error("failed to record refund error", zap.Int64("esim_id", e.ID), zap.Error(markErr))
	}
	return false, decimal.Zero, err
}

func (s *Service) buildRefundRequest(ctx context.Context, e *PurchasedEsim, planOverride int64) (*wallet.RefundRequest, error) {
	company, err := s.employees.GetCompanyForEmployee(ctx, e.EmployeeID)
	if err != nil {
		return nil, fmt.Errorf("resolve company of employee %d: %w", e.EmployeeID, err)
	}

	apiManaged := e.Metadata.Cancellation != nil && e.Metadata.Cancellation.APIManaged
	planID := e.PlanID
	if apiManaged && planOverride != 0 {
		planID = planOverride
	}

	req := &wallet.RefundRequest{
		EsimID:     e.ID,
		OrderID:    e.OrderID,
		CompanyID:  company.ID,
		EmployeeID: e.EmployeeID,
		PlanID:     planID,
		IsUAE:      company.IsUAE(),
	}

	p, err := s.lookupPlan(ctx, planID)
	switch {
	case err != nil:
		return nil, err
	case p != nil:
		req.RetailPrice = p.RetailPrice
		req.ProviderPrice = p.ProviderPrice
	case apiManaged:
		req.RetailPrice = s.cfg.FallbackRefundAmount
		req.ProviderPrice = decimal.Zero
	default:
		return nil, fmt.Errorf("plan %d of esim %d not found", planID, e.ID)
	}
	return req, nil
}

func (s *Service) recordRefund(ctx context.Context, esimID int64, req *wallet.RefundRequest, res *wallet.RefundResult) (bool, decimal.Decimal, error) {
	_, _, err := s.mutate(ctx, esimID, func(e *PurchasedEsim) (bool, error) {
		if e.IsRefunded() {
			return false, nil
		}
		now := s.clock.Now()
		attempts := 0
		if e.Metadata.Refund != nil {
			attempts = e.Metadata.Refund.Attempts
		}
		companyID := req.CompanyID
		e.Metadata.Refund = &RefundRecord{
			Refunded:          true,
			PendingRefund:     false,
			RefundAmount:      res.TotalAmount,
			BaseRefundAmount:  res.BaseAmount,
			VATRefundAmount:   res.VATAmount,
			IsUAECompany:      res.IsUAE,
			RefundDate:        &now,
			RefundedToCompany: &companyID,
			ProfitReversed:    res.ProfitReversed,
			IdempotencyKey:    res.Reference,
			Attempts:          attempts + 1,
		}
		return true, nil
	})
	if err != nil {
		// The wallet holds the idempotency key, so a retry cannot credit twice.
		return false, decimal.Zero, fmt.Errorf("mark esim %d refunded: %w", esimID, err)
	}

	outcome := "refunded"
	if res.AlreadyRefunded {
		outcome = "duplicate"
	}
	s.metrics.RecordRefund(outcome)
	s.logger.Info("esim refund recorded",
		zap.Int64("esim_id", esimID),
		zap.Int64("company_id", req.CompanyID),
		zap.String("amount", res.TotalAmount.StringFixed(2)),
		zap.Bool("uae", res.IsUAE),
	)
	return true, res.TotalAmount, nil
}
