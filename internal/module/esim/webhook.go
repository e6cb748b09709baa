package esim

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/simdesk/server/internal/module/provider"
	"go.uber.org/zap"
)

// EventTypeDataUsage marks a push that only reports usage.
const EventTypeDataUsage = "DATA_USAGE"

// Counter is the provider byte counter carried by pushes.
type Counter = provider.Counter

// WebhookPayload is a provider push notification.
type WebhookPayload struct {
	OrderNo          string  `json:"orderNo"`
	EsimStatus       string  `json:"esimStatus"`
	EventType        string  `json:"eventType"`
	SMDPStatus       string  `json:"smdpStatus,omitempty"`
	ICCID            string  `json:"iccid,omitempty"`
	OrderUsage       Counter `json:"orderUsage"`
	TotalVolume      Counter `json:"totalVolume"`
	InstallationTime *string `json:"installationTime,omitempty"`
	ActivateTime     *string `json:"activateTime,omitempty"`

	// Raw is the request body as received.
	Raw json.RawMessage `json:"-"`
}

func (p *WebhookPayload) providerStatus() ProviderStatus {
	ps := ProviderStatus{
		Status:           p.EsimStatus,
		InstallationTime: provider.ParseTime(p.InstallationTime),
		ActivateTime:     provider.ParseTime(p.ActivateTime),
	}
	if p.OrderUsage.Set {
		usage := p.OrderUsage.Value
		ps.UsageBytes = &usage
	}
	return ps
}

// WebhookOutcome describes what a push changed.
type WebhookOutcome string

const (
	WebhookActivated WebhookOutcome = "activated"
	WebhookCancelled WebhookOutcome = "cancelled"
	WebhookUsage     WebhookOutcome = "usage"
	WebhookSynced    WebhookOutcome = "synced"
	WebhookIgnored   WebhookOutcome = "ignored"
)

func isTerminalProviderStatus(status string) bool {
	switch status {
	case provider.StatusUsedUp, provider.StatusUsedExpired, provider.StatusExpired:
		return true
	}
	return false
}

// HandleProviderPush applies a provider push notification to the matching eSIM.
// A repeated push for an already activated eSIM changes nothing and emits nothing.
func (s *Service) HandleProviderPush(ctx context.Context, p *WebhookPayload) (WebhookOutcome, error) {
	if strings.TrimSpace(p.OrderNo) == "" {
		return WebhookIgnored, ErrMissingOrderNo
	}
	e, err := s.repo.GetByOrderID(ctx, p.OrderNo)
	if err != nil {
		return WebhookIgnored, err
	}

	status := strings.ToUpper(strings.TrimSpace(p.EsimStatus))
	switch {
	case status == provider.StatusCancel && e.Status != StatusCancelled:
		return s.applyPushCancel(ctx, e.ID, p)
	case isTerminalProviderStatus(status) && e.Status.InUse():
		return s.applyPushStatus(ctx, e.ID, p, status)
	case strings.EqualFold(p.EventType, EventTypeDataUsage):
		return s.applyPushUsage(ctx, e.ID, p)
	}

	ps := p.providerStatus()
	if !IsEsimActivated(ps) {
		// Usage-only pushes often carry no status at all.
		if e.Status.InUse() && p.OrderUsage.Set {
			return s.applyPushUsage(ctx, e.ID, p)
		}
		return WebhookIgnored, nil
	}
	if e.Status != StatusNoPlan && e.Status != StatusPending && e.Status != StatusWaitingForActivation {
		// Already activated or beyond; only usage may move.
		return s.applyPushUsage(ctx, e.ID, p)
	}
	return s.applyPushActivation(ctx, e.ID, p, ps)
}

func (s *Service) applyPushActivation(ctx context.Context, esimID int64, p *WebhookPayload, ps ProviderStatus) (WebhookOutcome, error) {
	var old Status
	e, changed, err := s.mutate(ctx, esimID, func(e *PurchasedEsim) (bool, error) {
		old = e.Status
		if e.Status != StatusNoPlan && e.Status != StatusPending && e.Status != StatusWaitingForActivation {
			return false, nil
		}

		now := s.clock.Now()
		s.sm.Transition(e, StatusActivated, SourceWebhook, true)
		e.ActivationDate = &now
		e.Metadata.ProviderStatus = p.EsimStatus
		e.Metadata.Sync = &SyncRecord{
			SyncedAt:       &now,
			LastSyncedAt:   &now,
			SyncedStatus:   StatusActivated,
			ViaWebhook:     true,
			PreviousStatus: old,
			Forced:         !IsValidTransition(old, StatusActivated),
		}
		e.Metadata.Activation = &ActivationRecord{
			ActivationDate:   &now,
			ActivateTime:     ps.ActivateTime,
			InstallationTime: ps.InstallationTime,
			ProviderStatus:   p.EsimStatus,
		}
		if p.ICCID != "" && e.ICCID == nil {
			e.ICCID = stringPtr(p.ICCID)
		}
		if e.ExpiryDate == nil {
			if pl, err := s.lookupPlan(ctx, e.PlanID); err == nil && pl != nil && pl.ValidityDays > 0 {
				expiry := now.Add(pl.Validity())
				e.ExpiryDate = &expiry
			}
		}
		applyPushCounters(e, p)
		return true, nil
	})
	if err != nil {
		return WebhookIgnored, fmt.Errorf("activate esim %d: %w", esimID, err)
	}
	if !changed {
		return WebhookIgnored, nil
	}

	s.logger.Info("esim activated via webhook",
		zap.Int64("esim_id", e.ID),
		zap.String("order_id", e.OrderID),
		zap.String("previous_status", string(old)),
		zap.String("provider_status", p.EsimStatus),
	)
	s.emit(ctx, e, old, p.EsimStatus)

	if _, err := s.CheckAndMarkDepleted(ctx, e.ID); err != nil {
		s.logger.Warn("depletion check after activation failed", zap.Int64("esim_id", e.ID), zap.Error(err))
	}
	return WebhookActivated, nil
}

func (s *Service) applyPushUsage(ctx context.Context, esimID int64, p *WebhookPayload) (WebhookOutcome, error) {
	e, changed, err := s.mutate(ctx, esimID, func(e *PurchasedEsim) (bool, error) {
		return applyPushCounters(e, p), nil
	})
	if err != nil {
		return WebhookIgnored, fmt.Errorf("update usage of esim %d: %w", esimID, err)
	}
	if !changed {
		return WebhookIgnored, nil
	}

	if e.Status.InUse() {
		if _, err := s.CheckAndMarkDepleted(ctx, e.ID); err != nil {
			s.logger.Warn("depletion check after usage push failed", zap.Int64("esim_id", e.ID), zap.Error(err))
		}
	}
	return WebhookUsage, nil
}

// applyPushStatus applies a pushed terminal status the same way a pull sync does.
func (s *Service) applyPushStatus(ctx context.Context, esimID int64, p *WebhookPayload, status string) (WebhookOutcome, error) {
	ps := p.providerStatus()
	res := &provider.StatusResult{
		OrderID:          p.OrderNo,
		Status:           status,
		SMDPStatus:       p.SMDPStatus,
		UsageBytes:       p.OrderUsage.Value,
		TotalVolumeBytes: p.TotalVolume.Value,
		ICCID:            p.ICCID,
		InstallationTime: ps.InstallationTime,
		ActivateTime:     ps.ActivateTime,
		RawData:          p.Raw,
	}
	changed, err := s.applyProviderResult(ctx, esimID, res, SourceWebhook)
	if err != nil {
		return WebhookIgnored, fmt.Errorf("sync esim %d from push: %w", esimID, err)
	}
	if !changed {
		return WebhookIgnored, nil
	}
	return WebhookSynced, nil
}

func (s *Service) applyPushCancel(ctx context.Context, esimID int64, p *WebhookPayload) (WebhookOutcome, error) {
	var old Status
	e, changed, err := s.mutate(ctx, esimID, func(e *PurchasedEsim) (bool, error) {
		old = e.Status
		if e.Status == StatusCancelled {
			return false, nil
		}
		now := s.clock.Now()
		s.sm.Transition(e, StatusCancelled, SourceWebhook, true)
		e.Metadata.ProviderStatus = p.EsimStatus
		s.applyStatusSideData(e, StatusCancelled, old, now)
		if len(p.Raw) > 0 {
			e.Metadata.RawProviderPayload = append([]byte(nil), p.Raw...)
		}
		return true, nil
	})
	if err != nil {
		return WebhookIgnored, fmt.Errorf("cancel esim %d: %w", esimID, err)
	}
	if !changed {
		return WebhookIgnored, nil
	}
	s.logger.Info("esim cancelled by provider push", zap.Int64("esim_id", e.ID), zap.String("order_id", e.OrderID))
	s.emit(ctx, e, old, p.EsimStatus)
	return WebhookCancelled, nil
}

// applyPushCounters raises dataUsed from the pushed usage and keeps the raw payload
// when its counters changed. It reports whether the record changed.
func applyPushCounters(e *PurchasedEsim, p *WebhookPayload) bool {
	changed := false
	if p.OrderUsage.Set && raiseDataUsed(e, p.OrderUsage.Value) {
		changed = true
	}
	if len(p.Raw) > 0 && p.OrderUsage.Set && p.TotalVolume.Set {
		usage, total, ok := e.Metadata.ProviderUsage()
		if !ok || usage < p.OrderUsage.Value || total != p.TotalVolume.Value {
			changed = true
		}
	}
	if changed && len(p.Raw) > 0 && !bytes.Equal(e.Metadata.RawProviderPayload, p.Raw) {
		e.Metadata.RawProviderPayload = append([]byte(nil), p.Raw...)
	}
	return changed
}
