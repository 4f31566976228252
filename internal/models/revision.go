package models

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

type ApprovalStatus string

const (
	ApprovalAutoApproved ApprovalStatus = "auto_approved"
	ApprovalPending      ApprovalStatus = "pending"
	ApprovalApproved     ApprovalStatus = "approved"
	ApprovalRejected     ApprovalStatus = "rejected"
	ApprovalExpired      ApprovalStatus = "expired"
)

func (s ApprovalStatus) CanTransitionTo(target ApprovalStatus) bool {
	if s != ApprovalPending {
		return false
	}
	return target == ApprovalApproved || target == ApprovalRejected || target == ApprovalExpired
}

type CostBreakdown struct {
	PriceDelta    decimal.Decimal `json:"price_delta"`
	ShippingDelta decimal.Decimal `json:"shipping_delta"`
	Total         decimal.Decimal `json:"total"`
}

type Revision struct {
	ID      uuid.UUID
	ItemID  uuid.UUID
	OrderID uuid.UUID

	OriginalPrice  decimal.Decimal
	NewPrice       decimal.Decimal
	OriginalWeight decimal.Decimal
	NewWeight      decimal.Decimal

	PriceDelta         decimal.Decimal
	PriceDeltaPercent  decimal.Decimal
	WeightDelta        decimal.Decimal
	WeightDeltaPercent decimal.Decimal
	TotalCostImpact    decimal.Decimal
	PercentageChange   decimal.Decimal
	Breakdown          CostBreakdown

	AutoApprovalEligible bool
	ApprovalStatus       ApprovalStatus
	ResponseDeadline     *time.Time
	RespondedBy          *string
	RespondedAt          *time.Time
	CustomerNote         *string

	DetectedBy Detector
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

type RevisionDecision struct {
	Status      ApprovalStatus
	RespondedBy string
	RespondedAt time.Time
	Note        *string
}
