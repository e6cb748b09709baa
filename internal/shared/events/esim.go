package events

import (
	"strconv"
	"time"
)

// EsimStatusChangeType is the event type emitted on every eSIM status change.
const EsimStatusChangeType = "ESIM_STATUS_CHANGE"

// EsimStatusChangedEvent is published when an eSIM moves between statuses.
type EsimStatusChangedEvent struct {
	BaseEvent

	EsimID         int64  `json:"esimId"`
	EmployeeID     int64  `json:"employeeId"`
	OldStatus      string `json:"oldStatus"`
	NewStatus      string `json:"newStatus"`
	OrderID        string `json:"orderId"`
	ProviderStatus string `json:"providerStatus,omitempty"`
}

// NewEsimStatusChangedEvent creates a new EsimStatusChangedEvent.
func NewEsimStatusChangedEvent(
	esimID, employeeID int64,
	oldStatus, newStatus, orderID, providerStatus string,
	at time.Time,
) *EsimStatusChangedEvent {
	return &EsimStatusChangedEvent{
		BaseEvent:      NewBaseEvent(EsimStatusChangeType, strconv.FormatInt(esimID, 10), "PurchasedEsim", at),
		EsimID:         esimID,
		EmployeeID:     employeeID,
		OldStatus:      oldStatus,
		NewStatus:      newStatus,
		OrderID:        orderID,
		ProviderStatus: providerStatus,
	}
}
