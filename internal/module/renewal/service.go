package renewal

import (
	"context"
	"errors"
	"fmt"

	"github.com/simdesk/server/internal/module/employee"
	"github.com/simdesk/server/internal/module/esim"
	"github.com/simdesk/server/internal/module/wallet"
	"github.com/simdesk/server/internal/shared/clock"
	"github.com/simdesk/server/internal/shared/events"
	"go.uber.org/zap"
	"gorm.io/datatypes"
)

// Service buys a fresh eSIM of the same plan when a depleted or expired one
// has auto-renewal enabled. The renewed cycle is a new record; the old one
// keeps its final status and points at its successor.
type Service struct {
	esims     esim.Repository
	sm        *esim.StateMachine
	provider  Purchaser
	employees EmployeeStore
	plans     PlanReader
	wallet    Charger
	publisher events.Publisher
	clock     clock.Clock
	logger    *zap.Logger
}

// NewService creates a new auto-renewal service.
func NewService(
	esims esim.Repository,
	sm *esim.StateMachine,
	provider Purchaser,
	employees EmployeeStore,
	plans PlanReader,
	charger Charger,
	publisher events.Publisher,
	clk clock.Clock,
	logger *zap.Logger,
) *Service {
	if clk == nil {
		clk = clock.System{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{
		esims:     esims,
		sm:        sm,
		provider:  provider,
		employees: employees,
		plans:     plans,
		wallet:    charger,
		publisher: publisher,
		clock:     clk,
		logger:    logger.Named("renewal"),
	}
}

// ProcessAutoRenewals renews the given eSIM. The outcome is recorded on the old
// record's auto-renewal metadata and its processing flag is always cleared.
func (s *Service) ProcessAutoRenewals(ctx context.Context, esimID int64) error {
	renewed, err := s.renew(ctx, esimID)
	if markErr := s.finish(ctx, esimID, renewed, err); markErr != nil {
		s.logger.Error("failed to record renewal outcome", zap.Int64("esim_id", esimID), zap.Error(markErr))
	}
	if err != nil {
		return fmt.Errorf("renew esim %d: %w", esimID, err)
	}
	return nil
}

func (s *Service) renew(ctx context.Context, esimID int64) (*esim.PurchasedEsim, error) {
	old, err := s.esims.GetByID(ctx, esimID)
	if err != nil {
		return nil, err
	}
	if old.Status != esim.StatusDepleted && old.Status != esim.StatusExpired {
		return nil, fmt.Errorf("%w: status is %s", ErrNotRenewable, old.Status)
	}
	if ar := old.Metadata.AutoRenewal; ar != nil && ar.RenewedEsimID != nil {
		return nil, ErrAlreadyRenewed
	}

	emp, err := s.employees.GetEmployee(ctx, old.EmployeeID)
	if err != nil {
		return nil, err
	}
	company, err := s.employees.GetCompanyForEmployee(ctx, emp.ID)
	if err != nil {
		return nil, err
	}
	p, err := s.plans.GetByID(ctx, old.PlanID)
	if err != nil {
		return nil, err
	}
	if !p.Active {
		return nil, ErrPlanInactive
	}

	uae := company.IsUAE()
	total := p.RetailPrice.Add(wallet.VAT(p.RetailPrice, uae))
	ok, err := s.wallet.HasSufficientBalance(ctx, company.ID, total)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, wallet.ErrInsufficientBalance
	}

	purchase, err := s.provider.PurchaseEsim(ctx, p.ProviderPlanID, emp.Email)
	if err != nil {
		return nil, err
	}

	now := s.clock.Now()
	renewed := &esim.PurchasedEsim{
		EmployeeID:       emp.ID,
		PlanID:           p.ID,
		OrderID:          purchase.OrderID,
		Status:           esim.StatusPending,
		PurchaseDate:     now,
		AutoRenewEnabled: old.AutoRenewEnabled,
	}
	renewed.Metadata.RawProviderPayload = datatypes.JSON(purchase.RawData)
	if err := s.esims.Create(ctx, renewed); err != nil {
		s.cancelOrder(ctx, purchase.OrderID)
		return nil, err
	}

	if _, err := s.wallet.ChargeEsimPurchase(ctx, wallet.PurchaseCharge{
		OrderID:       purchase.OrderID,
		CompanyID:     company.ID,
		EmployeeID:    emp.ID,
		PlanID:        p.ID,
		EsimID:        &renewed.ID,
		RetailPrice:   p.RetailPrice,
		ProviderPrice: p.ProviderPrice,
		IsUAE:         uae,
	}); err != nil {
		s.cancelOrder(ctx, purchase.OrderID)
		s.abandon(ctx, renewed, err)
		return nil, err
	}

	if err := s.employees.AssignPlan(ctx, emp.ID, employee.PlanAssignment{
		PlanID:    p.ID,
		DataLimit: p.DataGB,
		StartDate: now,
		EndDate:   now.Add(p.Validity()),
	}); err != nil {
		s.logger.Error("failed to assign renewed plan", zap.Int64("employee_id", emp.ID), zap.Error(err))
	}

	s.logger.Info("esim renewed",
		zap.Int64("old_esim_id", old.ID),
		zap.Int64("new_esim_id", renewed.ID),
		zap.String("order_id", renewed.OrderID),
	)

	s.awaitActivationData(ctx, renewed)
	return renewed, nil
}

// awaitActivationData moves the renewed eSIM to waiting_for_activation once the
// provider issued its QR code. Otherwise it stays pending for the stuck sweep.
func (s *Service) awaitActivationData(ctx context.Context, e *esim.PurchasedEsim) {
	data, err := s.provider.WaitForEsimActivationData(ctx, e.OrderID)
	if err != nil || data == nil || !data.Success {
		s.logger.Warn("activation data not ready, left pending",
			zap.Int64("esim_id", e.ID),
			zap.String("order_id", e.OrderID),
			zap.Error(err),
		)
		return
	}

	old := e.Status
	if data.QRCode != "" {
		e.QRCode = &data.QRCode
	}
	if data.ActivationCode != "" {
		e.ActivationCode = &data.ActivationCode
	}
	if data.ICCID != "" {
		e.ICCID = &data.ICCID
	}
	s.sm.Transition(e, esim.StatusWaitingForActivation, esim.SourceRenewal, false)
	if err := s.esims.Update(ctx, e); err != nil {
		s.logger.Error("failed to store activation data", zap.Int64("esim_id", e.ID), zap.Error(err))
		return
	}

	if s.publisher != nil {
		s.publisher.Publish(ctx, events.NewEsimStatusChangedEvent(
			e.ID, e.EmployeeID, string(old), string(e.Status), e.OrderID, "", s.clock.Now(),
		))
	}
}

// finish clears the processing flag of the old eSIM and records the outcome.
func (s *Service) finish(ctx context.Context, esimID int64, renewed *esim.PurchasedEsim, renewErr error) error {
	const attempts = 2
	for i := 0; i < attempts; i++ {
		old, err := s.esims.GetByID(ctx, esimID)
		if err != nil {
			return err
		}
		if errors.Is(renewErr, ErrAlreadyRenewed) {
			if ar := old.Metadata.AutoRenewal; ar == nil || !ar.Processing {
				return nil
			}
		}

		now := s.clock.Now()
		ar := old.Metadata.AutoRenewal
		if ar == nil {
			ar = &esim.AutoRenewalRecord{}
			old.Metadata.AutoRenewal = ar
		}
		ar.Processing = false
		ar.CompletedAt = &now
		if renewed != nil {
			id := renewed.ID
			ar.RenewedEsimID = &id
			ar.Error = ""
		}
		if renewErr != nil && !errors.Is(renewErr, ErrAlreadyRenewed) {
			ar.Error = renewErr.Error()
		}

		err = s.esims.Update(ctx, old)
		if !errors.Is(err, esim.ErrStaleRecord) {
			return err
		}
	}
	return esim.ErrStaleRecord
}

func (s *Service) cancelOrder(ctx context.Context, orderID string) {
	if _, err := s.provider.CancelEsim(ctx, orderID, ""); err != nil {
		s.logger.Error("failed to cancel unpaid renewal order", zap.String("order_id", orderID), zap.Error(err))
	}
}

// abandon cancels a renewed record whose charge failed.
func (s *Service) abandon(ctx context.Context, e *esim.PurchasedEsim, cause error) {
	now := s.clock.Now()
	s.sm.Transition(e, esim.StatusCancelled, esim.SourceRenewal, false)
	e.Metadata.Cancellation = &esim.CancellationRecord{
		IsCancelled:       true,
		CancelledAt:       &now,
		PreviousStatus:    esim.StatusPending,
		CancellationError: cause.Error(),
		CancelReason:      "Renewal charge failed",
	}
	if err := s.esims.Update(ctx, e); err != nil {
		s.logger.Error("failed to cancel unpaid renewal", zap.Int64("esim_id", e.ID), zap.Error(err))
	}
}
