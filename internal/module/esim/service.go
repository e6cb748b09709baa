package esim

import (
	"context"
	"errors"
	"time"

	"github.com/shopspring/decimal"
	"github.com/simdesk/server/internal/module/provider"
	"github.com/simdesk/server/internal/shared/clock"
	"github.com/simdesk/server/internal/shared/events"
	"github.com/simdesk/server/internal/shared/metrics"
	"go.uber.org/zap"
)

// Config holds lifecycle thresholds.
type Config struct {
	PendingStuckAfter        time.Duration
	ActivationStuckAfter     time.Duration
	StaleSiblingAge          time.Duration
	ProviderCancelDelay      time.Duration
	ProviderDelayYoungerThan time.Duration
	ProviderFailureGrace     time.Duration
	FallbackRefundAmount     decimal.Decimal
}

// DefaultConfig returns the default lifecycle thresholds.
func DefaultConfig() Config {
	return Config{
		PendingStuckAfter:        10 * time.Minute,
		ActivationStuckAfter:     48 * time.Hour,
		StaleSiblingAge:          48 * time.Hour,
		ProviderCancelDelay:      3 * time.Second,
		ProviderDelayYoungerThan: 10 * time.Second,
		ProviderFailureGrace:     2 * time.Minute,
		FallbackRefundAmount:     decimal.NewFromInt(10),
	}
}

// Deps are the collaborators of the lifecycle service.
// Renewer and Publisher are optional.
type Deps struct {
	Repo      Repository
	Provider  ProviderClient
	Employees EmployeeStore
	Plans     PlanReader
	Wallet    RefundIssuer
	Renewer   AutoRenewer
	Publisher events.Publisher
	Clock     clock.Clock
	Metrics   *metrics.Metrics
	Logger    *zap.Logger
}

// Service drives the eSIM lifecycle: depletion, reconciliation,
// cancellation and provider push handling.
type Service struct {
	cfg       Config
	repo      Repository
	provider  ProviderClient
	employees EmployeeStore
	plans     PlanReader
	wallet    RefundIssuer
	renewer   AutoRenewer
	publisher events.Publisher
	clock     clock.Clock
	metrics   *metrics.Metrics
	sm        *StateMachine
	logger    *zap.Logger
}

// NewService creates a new eSIM lifecycle service.
func NewService(cfg Config, deps Deps) *Service {
	if deps.Clock == nil {
		deps.Clock = clock.System{}
	}
	if deps.Metrics == nil {
		deps.Metrics = metrics.NewNop()
	}
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}
	return &Service{
		cfg:       cfg,
		repo:      deps.Repo,
		provider:  deps.Provider,
		employees: deps.Employees,
		plans:     deps.Plans,
		wallet:    deps.Wallet,
		renewer:   deps.Renewer,
		publisher: deps.Publisher,
		clock:     deps.Clock,
		metrics:   deps.Metrics,
		sm:        NewStateMachine(deps.Clock, deps.Metrics, deps.Logger),
		logger:    deps.Logger.Named("esim"),
	}
}

// StateMachine returns the state machine used by the service.
func (s *Service) StateMachine() *StateMachine {
	return s.sm
}

// GetEsim returns one eSIM.
func (s *Service) GetEsim(ctx context.Context, id int64) (*PurchasedEsim, error) {
	return s.repo.GetByID(ctx, id)
}

// mutate reads the eSIM, lets fn change it and saves it. On a concurrent update the
// record is re-read and fn applied once more. fn returns false to skip the save.
func (s *Service) mutate(ctx context.Context, id int64, fn func(e *PurchasedEsim) (bool, error)) (*PurchasedEsim, bool, error) {
	const attempts = 2

	var lastErr error
	for i := 0; i < attempts; i++ {
		e, err := s.repo.GetByID(ctx, id)
		if err != nil {
			return nil, false, err
		}
		changed, err := fn(e)
		if err != nil {
			return e, false, err
		}
		if !changed {
			return e, false, nil
		}
		err = s.repo.Update(ctx, e)
		if err == nil {
			return e, true, nil
		}
		if !errors.Is(err, ErrStaleRecord) {
			return e, false, err
		}
		lastErr = err
		s.logger.Debug("esim changed concurrently, retrying", zap.Int64("esim_id", id))
	}
	return nil, false, lastErr
}

// emit publishes a status change. Publishing never fails the caller.
func (s *Service) emit(ctx context.Context, e *PurchasedEsim, old Status, providerStatus string) {
	if s.publisher == nil || old == e.Status {
		return
	}
	s.publisher.Publish(ctx, events.NewEsimStatusChangedEvent(
		e.ID,
		e.EmployeeID,
		string(old),
		string(e.Status),
		e.OrderID,
		providerStatus,
		s.clock.Now(),
	))
}

var bytesPerGB = decimal.NewFromInt(1_000_000_000)

// bytesToGB converts a provider byte counter to GB, truncated to the stored precision.
func bytesToGB(b int64) decimal.Decimal {
	return decimal.NewFromInt(b).Div(bytesPerGB).Truncate(3)
}

// raiseDataUsed sets dataUsed from a provider byte counter, never lowering it.
func raiseDataUsed(e *PurchasedEsim, usageBytes int64) bool {
	if usageBytes <= 0 {
		return false
	}
	used := bytesToGB(usageBytes)
	if used.LessThanOrEqual(e.DataUsed) {
		return false
	}
	e.DataUsed = used
	return true
}

// applyProviderArtifacts copies the provider report onto the record.
// It reports whether anything changed.
func applyProviderArtifacts(e *PurchasedEsim, res *provider.StatusResult) bool {
	changed := false
	if res.HasQRCode() && stringValue(e.QRCode) != res.QRCode {
		e.QRCode = stringPtr(res.QRCode)
		changed = true
	}
	if res.ActivationCode != "" && stringValue(e.ActivationCode) != res.ActivationCode {
		e.ActivationCode = stringPtr(res.ActivationCode)
		changed = true
	}
	if res.ICCID != "" && stringValue(e.ICCID) != res.ICCID {
		e.ICCID = stringPtr(res.ICCID)
		changed = true
	}
	if res.ExpiryDate != nil && (e.ExpiryDate == nil || !e.ExpiryDate.Equal(*res.ExpiryDate)) {
		expiry := *res.ExpiryDate
		e.ExpiryDate = &expiry
		changed = true
	}
	if raiseDataUsed(e, res.UsageBytes) {
		changed = true
	}
	if res.Status != "" && e.Metadata.ProviderStatus != res.Status {
		e.Metadata.ProviderStatus = res.Status
		changed = true
	}
	if res.ActivateTime != nil || res.InstallationTime != nil {
		if e.Metadata.Activation == nil {
			e.Metadata.Activation = &ActivationRecord{}
		}
		a := e.Metadata.Activation
		if res.ActivateTime != nil && a.ActivateTime == nil {
			a.ActivateTime = res.ActivateTime
			changed = true
		}
		if res.InstallationTime != nil && a.InstallationTime == nil {
			a.InstallationTime = res.InstallationTime
			changed = true
		}
	}
	if changed && len(res.RawData) > 0 {
		e.Metadata.RawProviderPayload = append([]byte(nil), res.RawData...)
	}
	return changed
}
