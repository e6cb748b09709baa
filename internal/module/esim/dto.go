package esim

import (
	"time"

	"github.com/shopspring/decimal"
)

// CancelEsimRequest is the body of an admin cancellation.
type CancelEsimRequest struct {
	Reason         string `json:"reason"`
	APIManagedPlan bool   `json:"apiManagedPlan"`
	PlanID         int64  `json:"planId"`
}

// ReclassifyRequest is the body of an admin reclassification.
type ReclassifyRequest struct {
	Status string `json:"status" binding:"required"`
}

// EsimResponse is the API view of an eSIM.
type EsimResponse struct {
	ID             int64           `json:"id"`
	EmployeeID     int64           `json:"employeeId"`
	PlanID         int64           `json:"planId"`
	OrderID        string          `json:"orderId"`
	ICCID          string          `json:"iccid,omitempty"`
	Status         Status          `json:"status"`
	PurchaseDate   time.Time       `json:"purchaseDate"`
	ActivationDate *time.Time      `json:"activationDate,omitempty"`
	ExpiryDate     *time.Time      `json:"expiryDate,omitempty"`
	DataUsed       decimal.Decimal `json:"dataUsed"`
	ProviderStatus string          `json:"providerStatus,omitempty"`
	Refunded       bool            `json:"refunded"`
	PendingRefund  bool            `json:"pendingRefund"`
}

// ToResponse converts an eSIM to its API view.
func ToResponse(e *PurchasedEsim) *EsimResponse {
	resp := &EsimResponse{
		ID:             e.ID,
		EmployeeID:     e.EmployeeID,
		PlanID:         e.PlanID,
		OrderID:        e.OrderID,
		ICCID:          stringValue(e.ICCID),
		Status:         e.Status,
		PurchaseDate:   e.PurchaseDate,
		ActivationDate: e.ActivationDate,
		ExpiryDate:     e.ExpiryDate,
		DataUsed:       e.DataUsed,
		ProviderStatus: e.Metadata.ProviderStatus,
	}
	if rf := e.Metadata.Refund; rf != nil {
		resp.Refunded = rf.Refunded
		resp.PendingRefund = rf.PendingRefund
	}
	return resp
}

// StuckEsimResponse is one entry of the stuck report.
type StuckEsimResponse struct {
	*EsimResponse
	Reason     StuckReason `json:"reason"`
	AgeMinutes int64       `json:"ageMinutes"`
}
