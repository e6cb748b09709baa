package esim

import (
	"context"
	"time"

	"github.com/simdesk/server/internal/module/provider"
	"go.uber.org/zap"
)

// StuckReason explains why an eSIM is considered stuck.
type StuckReason string

const (
	StuckPendingTimeout    StuckReason = "pending_timeout"
	StuckActivationTimeout StuckReason = "activation_timeout"
)

// StuckEsim is one entry of the stuck report.
type StuckEsim struct {
	Esim   *PurchasedEsim
	Reason StuckReason
	Age    time.Duration
}

// StuckReasonFor reports whether e has stayed in a transient status too long.
func StuckReasonFor(e *PurchasedEsim, now time.Time, cfg Config) (StuckReason, bool) {
	age := e.Age(now)
	switch {
	case e.Status == StatusPending && age > cfg.PendingStuckAfter:
		return StuckPendingTimeout, true
	case e.Status == StatusWaitingForActivation && age > cfg.ActivationStuckAfter:
		return StuckActivationTimeout, true
	}
	return "", false
}

// FindStuck lists eSIMs stuck in pending or waiting_for_activation as of now.
func (s *Service) FindStuck(ctx context.Context, now time.Time) ([]StuckEsim, error) {
	list, err := s.repo.ListByStatuses(ctx, StatusPending, StatusWaitingForActivation)
	if err != nil {
		return nil, err
	}

	var stuck []StuckEsim
	for _, e := range list {
		if reason, ok := StuckReasonFor(e, now, s.cfg); ok {
			stuck = append(stuck, StuckEsim{Esim: e, Reason: reason, Age: e.Age(now)})
		}
	}
	return stuck, nil
}

// FixStuckEsims re-checks stuck eSIMs with the provider. A pending eSIM whose
// provider reports ONBOARD or a QR code moves to waiting_for_activation; one waiting
// for activation too long gets the provider's status. It returns how many were fixed.
func (s *Service) FixStuckEsims(ctx context.Context) (int, error) {
	const job = "fix_stuck"
	s.metrics.RecordReconcileRun(job)

	stuck, err := s.FindStuck(ctx, s.clock.Now())
	if err != nil {
		return 0, err
	}

	fixed := 0
	for _, st := range stuck {
		if ctx.Err() != nil {
			return fixed, ctx.Err()
		}
		e := st.Esim
		res, err := s.provider.CheckEsimStatus(ctx, e.OrderID)
		if err != nil {
			s.metrics.RecordReconcileFailure(job)
			s.logger.Warn("provider check failed for stuck esim",
				zap.Int64("esim_id", e.ID),
				zap.String("order_id", e.OrderID),
				zap.Error(err),
			)
			continue
		}

		ok, err := s.applyProviderResult(ctx, e.ID, res, SourceReconcile)
		if err != nil {
			s.metrics.RecordReconcileFailure(job)
			s.logger.Error("failed to fix stuck esim", zap.Int64("esim_id", e.ID), zap.Error(err))
			continue
		}
		if ok {
			fixed++
		}
	}

	s.logger.Info("fix stuck esims finished", zap.Int("stuck", len(stuck)), zap.Int("fixed", fixed))
	return fixed, nil
}

// ForceSync queries the provider for every non-terminal eSIM and applies the
// derived status. It returns how many statuses changed.
func (s *Service) ForceSync(ctx context.Context) (int, error) {
	const job = "force_sync"
	s.metrics.RecordReconcileRun(job)

	list, err := s.repo.ListByStatuses(ctx, StatusPending, StatusWaitingForActivation, StatusActivated, StatusActive)
	if err != nil {
		return 0, err
	}

	synced := 0
	for _, e := range list {
		if ctx.Err() != nil {
			return synced, ctx.Err()
		}
		res, err := s.provider.CheckEsimStatus(ctx, e.OrderID)
		if err != nil {
			s.metrics.RecordReconcileFailure(job)
			s.logger.Warn("provider check failed during sync",
				zap.Int64("esim_id", e.ID),
				zap.String("order_id", e.OrderID),
				zap.Error(err),
			)
			continue
		}

		changed, err := s.applyProviderResult(ctx, e.ID, res, SourceReconcile)
		if err != nil {
			s.metrics.RecordReconcileFailure(job)
			s.logger.Error("failed to sync esim", zap.Int64("esim_id", e.ID), zap.Error(err))
			continue
		}
		if changed {
			synced++
		}

		if _, err := s.CheckAndMarkDepleted(ctx, e.ID); err != nil {
			s.logger.Warn("depletion check after sync failed", zap.Int64("esim_id", e.ID), zap.Error(err))
		}
	}

	s.logger.Info("force sync finished", zap.Int("total", len(list)), zap.Int("synced", synced))
	return synced, nil
}

// applyProviderResult stores the provider report and applies the derived status.
// It returns true when the status changed.
func (s *Service) applyProviderResult(ctx context.Context, esimID int64, res *provider.StatusResult, source TransitionSource) (bool, error) {
	var old Status
	statusChanged := false

	e, saved, err := s.mutate(ctx, esimID, func(e *PurchasedEsim) (bool, error) {
		old = e.Status
		target, mismatch := DeriveStatus(e.Status, res)
		artifacts := applyProviderArtifacts(e, res)
		if !mismatch {
			statusChanged = false
			return artifacts, nil
		}

		now := s.clock.Now()
		if target == StatusDepleted && e.Status == StatusActivated {
			s.sm.Transition(e, StatusActive, source, false)
		}
		valid := s.sm.Transition(e, target, source, true)
		statusChanged = true
		e.Metadata.Sync = &SyncRecord{
			LastSyncedAt:   &now,
			SyncedStatus:   target,
			SyncedAt:       &now,
			ViaWebhook:     source == SourceWebhook,
			PreviousStatus: old,
			Forced:         !valid,
		}
		s.applyStatusSideData(e, target, old, now)
		if len(res.RawData) > 0 {
			e.Metadata.RawProviderPayload = append([]byte(nil), res.RawData...)
		}
		return true, nil
	})
	if err != nil {
		return false, err
	}
	if !saved || !statusChanged {
		return false, nil
	}

	s.logger.Info("esim status reconciled",
		zap.Int64("esim_id", e.ID),
		zap.String("order_id", e.OrderID),
		zap.String("from", string(old)),
		zap.String("to", string(e.Status)),
		zap.String("provider_status", res.Status),
	)
	s.emit(ctx, e, old, res.Status)
	if e.Status == StatusDepleted {
		s.metrics.RecordDepletion(DepletionMethodProviderStatus)
		s.maybeAutoRenew(ctx, e)
	}
	return true, nil
}

// applyStatusSideData stamps the records that belong to a provider-driven status.
func (s *Service) applyStatusSideData(e *PurchasedEsim, target, old Status, now time.Time) {
	switch target {
	case StatusActivated:
		if e.ActivationDate == nil {
			e.ActivationDate = &now
		}
		if e.Metadata.Activation == nil {
			e.Metadata.Activation = &ActivationRecord{}
		}
		if e.Metadata.Activation.ActivationDate == nil {
			e.Metadata.Activation.ActivationDate = &now
		}
		e.Metadata.Activation.ProviderStatus = e.Metadata.ProviderStatus
	case StatusCancelled:
		e.Metadata.Cancellation = &CancellationRecord{
			IsCancelled:       true,
			CancelledAt:       &now,
			PreviousStatus:    old,
			ProviderCancelled: true,
			CancelReason:      "Cancelled at provider",
		}
	case StatusDepleted:
		e.Metadata.Depletion = &DepletionRecord{
			DepletedAt:          now,
			DepletionPercentage: hundred,
			Method:              DepletionMethodProviderStatus,
		}
	}
}
