package esim

import (
	"time"

	"github.com/shopspring/decimal"
)

// Status is the lifecycle state of a purchased eSIM.
type Status string

const (
	StatusNoPlan               Status = "no_plan"
	StatusPending              Status = "pending"
	StatusWaitingForActivation Status = "waiting_for_activation"
	StatusActivated            Status = "activated"
	StatusActive               Status = "active"
	StatusDepleted             Status = "depleted"
	StatusExpired              Status = "expired"
	StatusCancelled            Status = "cancelled"
)

var allStatuses = []Status{
	StatusNoPlan,
	StatusPending,
	StatusWaitingForActivation,
	StatusActivated,
	StatusActive,
	StatusDepleted,
	StatusExpired,
	StatusCancelled,
}

// ParseStatus returns the Status named by s.
func ParseStatus(s string) (Status, bool) {
	for _, st := range allStatuses {
		if string(st) == s {
			return st, true
		}
	}
	return "", false
}

// IsTerminal reports whether the status ends the ordinary lifecycle.
func (s Status) IsTerminal() bool {
	return s == StatusCancelled || s == StatusExpired
}

// InUse reports whether the eSIM is consuming data.
func (s Status) InUse() bool {
	return s == StatusActivated || s == StatusActive
}

// PurchasedEsim is one eSIM bought for an employee.
type PurchasedEsim struct {
	ID               int64           `json:"id" gorm:"primaryKey"`
	EmployeeID       int64           `json:"employeeId" gorm:"not null;index"`
	PlanID           int64           `json:"planId" gorm:"not null"`
	OrderID          string          `json:"orderId" gorm:"size:64;not null;uniqueIndex"`
	ICCID            *string         `json:"iccid,omitempty" gorm:"column:iccid;size:32"`
	ActivationCode   *string         `json:"activationCode,omitempty"`
	QRCode           *string         `json:"qrCode,omitempty"`
	Status           Status          `json:"status" gorm:"size:32;not null;index"`
	PurchaseDate     time.Time       `json:"purchaseDate" gorm:"not null"`
	ActivationDate   *time.Time      `json:"activationDate,omitempty"`
	ExpiryDate       *time.Time      `json:"expiryDate,omitempty"`
	DataUsed         decimal.Decimal `json:"dataUsed" gorm:"type:numeric(12,3);not null;default:0"`
	AutoRenewEnabled bool            `json:"autoRenewEnabled" gorm:"default:false"`
	Metadata         Metadata        `json:"metadata" gorm:"type:jsonb;serializer:json"`
	Version          int64           `json:"version" gorm:"not null;default:0"`
	CreatedAt        time.Time       `json:"createdAt"`
	UpdatedAt        time.Time       `json:"updatedAt"`
}

// TableName returns the table name.
func (PurchasedEsim) TableName() string {
	return "purchased_esims"
}

// Age returns how long ago the eSIM was purchased.
func (e *PurchasedEsim) Age(now time.Time) time.Duration {
	return now.Sub(e.PurchaseDate)
}

// IsRefunded reports whether a refund has been booked for this eSIM.
func (e *PurchasedEsim) IsRefunded() bool {
	return e.Metadata.Refund != nil && e.Metadata.Refund.Refunded
}

// IsReallyActivated reports whether the metadata carries evidence of activation:
// an activation date, a provider activate time or a provider ACTIVATED status.
// A record whose status claims activation without such evidence may still be cancelled.
func (e *PurchasedEsim) IsReallyActivated() bool {
	md := e.Metadata
	if md.ProviderStatus == providerActivated {
		return true
	}
	if a := md.Activation; a != nil {
		return a.ActivationDate != nil || a.ActivateTime != nil || a.ProviderStatus == providerActivated
	}
	return false
}

func stringValue(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

func stringPtr(s string) *string {
	return &s
}
