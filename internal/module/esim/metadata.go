package esim

import (
	"encoding/json"
	"time"

	"github.com/shopspring/decimal"
	"github.com/simdesk/server/internal/module/provider"
	"gorm.io/datatypes"
)

// Metadata is the typed audit trail of an eSIM.
type Metadata struct {
	// RawProviderPayload is the last payload received from the provider, kept verbatim.
	RawProviderPayload datatypes.JSON `json:"rawProviderPayload,omitempty"`
	ProviderStatus     string         `json:"providerStatus,omitempty"`

	Sync         *SyncRecord         `json:"sync,omitempty"`
	Activation   *ActivationRecord   `json:"activation,omitempty"`
	Depletion    *DepletionRecord    `json:"depletion,omitempty"`
	AutoRenewal  *AutoRenewalRecord  `json:"autoRenewal,omitempty"`
	Cancellation *CancellationRecord `json:"cancellation,omitempty"`
	Refund       *RefundRecord       `json:"refund,omitempty"`

	Transitions []TransitionRecord `json:"transitions,omitempty"`
}

// SyncRecord describes the last reconciliation with the provider.
type SyncRecord struct {
	LastSyncedAt   *time.Time `json:"lastSyncedAt,omitempty"`
	SyncedStatus   Status     `json:"syncedStatus,omitempty"`
	SyncedAt       *time.Time `json:"syncedAt,omitempty"`
	ViaWebhook     bool       `json:"viaWebhook,omitempty"`
	PreviousStatus Status     `json:"previousStatus,omitempty"`
	Forced         bool       `json:"forced,omitempty"`
}

// ActivationRecord holds the activation signals seen from the provider.
type ActivationRecord struct {
	ActivationDate   *time.Time `json:"activationDate,omitempty"`
	ActivateTime     *time.Time `json:"activateTime,omitempty"`
	InstallationTime *time.Time `json:"installationTime,omitempty"`
	ProviderStatus   string     `json:"providerStatus,omitempty"`
}

// DepletionRecord is written when usage reaches the depletion threshold.
type DepletionRecord struct {
	DepletedAt          time.Time       `json:"depletedAt"`
	DepletionPercentage decimal.Decimal `json:"depletionPercentage"`
	Method              string          `json:"method"`
}

// AutoRenewalRecord guards against triggering renewal twice.
type AutoRenewalRecord struct {
	Processing    bool       `json:"processing"`
	StartedAt     *time.Time `json:"startedAt,omitempty"`
	CompletedAt   *time.Time `json:"completedAt,omitempty"`
	RenewedEsimID *int64     `json:"renewedEsimId,omitempty"`
	Error         string     `json:"error,omitempty"`
}

// CancellationRecord is written when the eSIM is cancelled.
type CancellationRecord struct {
	IsCancelled       bool       `json:"isCancelled"`
	CancelledAt       *time.Time `json:"cancelledAt,omitempty"`
	PreviousStatus    Status     `json:"previousStatus,omitempty"`
	ProviderCancelled bool       `json:"providerCancelled"`
	CancellationError string     `json:"cancellationError,omitempty"`
	CancelReason      string     `json:"cancelReason,omitempty"`
	APIManaged        bool       `json:"apiManaged,omitempty"`
	ReclassifiedAt    *time.Time `json:"reclassifiedAt,omitempty"`
}

// RefundRecord tracks the refund of a cancelled eSIM.
type RefundRecord struct {
	Refunded          bool            `json:"refunded"`
	PendingRefund     bool            `json:"pendingRefund"`
	RefundError       string          `json:"refundError,omitempty"`
	RefundAmount      decimal.Decimal `json:"refundAmount"`
	BaseRefundAmount  decimal.Decimal `json:"baseRefundAmount"`
	VATRefundAmount   decimal.Decimal `json:"vatRefundAmount"`
	IsUAECompany      bool            `json:"isUAECompany"`
	RefundDate        *time.Time      `json:"refundDate,omitempty"`
	RefundedToCompany *int64          `json:"refundedToCompany,omitempty"`
	ProfitReversed    bool            `json:"profitReversed"`
	IdempotencyKey    string          `json:"idempotencyKey,omitempty"`
	Attempts          int             `json:"attempts"`
}

// TransitionRecord is one entry of the status audit log.
// Forced marks a transition outside the table that was applied anyway.
type TransitionRecord struct {
	From   Status           `json:"from"`
	To     Status           `json:"to"`
	At     time.Time        `json:"at"`
	Source TransitionSource `json:"source"`
	Valid  bool             `json:"valid"`
	Forced bool             `json:"forced"`
}

type providerUsage struct {
	OrderUsage  provider.Counter `json:"orderUsage"`
	TotalVolume provider.Counter `json:"totalVolume"`
}

// ProviderUsage extracts the byte counters of the raw provider payload.
func (m *Metadata) ProviderUsage() (usage, total int64, ok bool) {
	if len(m.RawProviderPayload) == 0 {
		return 0, 0, false
	}
	var u providerUsage
	if err := json.Unmarshal(m.RawProviderPayload, &u); err != nil {
		return 0, 0, false
	}
	if !u.OrderUsage.Set || !u.TotalVolume.Set {
		return 0, 0, false
	}
	return u.OrderUsage.Value, u.TotalVolume.Value, true
}
