package messages

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

type NotificationKind string

const (
	NotifyStatusChanged  NotificationKind = "status_changed"
	NotifyApprovalNeeded NotificationKind = "approval_needed"
	NotifyDelivered      NotificationKind = "delivered"
	NotifyResolved       NotificationKind = "resolved"
)

// CustomerNotification is produced for the notification collaborator. Channel choice and
// rendering are not our concern.
type CustomerNotification struct {
	ID         uuid.UUID         `json:"id"`
	Kind       NotificationKind  `json:"kind"`
	OrderID    uuid.UUID         `json:"order_id"`
	ItemID     *uuid.UUID        `json:"item_id,omitempty"`
	ShipmentID *uuid.UUID        `json:"shipment_id,omitempty"`
	Status     string            `json:"status,omitempty"`
	Payload    map[string]string `json:"payload,omitempty"`
	CreatedAt  time.Time         `json:"created_at"`
}

// RefundRequested is produced for the payments collaborator.
type RefundRequested struct {
	ID          uuid.UUID       `json:"id"`
	OrderID     uuid.UUID       `json:"order_id"`
	ItemID      uuid.UUID       `json:"item_id"`
	ExceptionID *uuid.UUID      `json:"exception_id,omitempty"`
	Amount      decimal.Decimal `json:"amount"`
	Currency    string          `json:"currency,omitempty"`
	Reason      string          `json:"reason"`
	Resolution  string          `json:"resolution"`
	CreatedAt   time.Time       `json:"created_at"`
}
