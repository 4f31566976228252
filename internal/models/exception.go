package models

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

type ExceptionType string

const (
	ExceptionOutOfStock         ExceptionType = "out_of_stock"
	ExceptionDamaged            ExceptionType = "damaged"
	ExceptionWrongItem          ExceptionType = "wrong_item"
	ExceptionCustomsHold        ExceptionType = "customs_hold"
	ExceptionLostInTransit      ExceptionType = "lost_in_transit"
	ExceptionQualityCheckFailed ExceptionType = "quality_check_failed"
	ExceptionAutomationFailed   ExceptionType = "automation_failed"
	ExceptionRevisionRejected   ExceptionType = "revision_rejected"
	ExceptionRevisionExpired    ExceptionType = "revision_expired"
	ExceptionDeliveryFailed     ExceptionType = "delivery_failed"
)

type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

type Resolution string

const (
	ResolutionRefund            Resolution = "refund"
	ResolutionReplacement       Resolution = "replacement"
	ResolutionAlternativeSource Resolution = "alternative_source"
	ResolutionStoreCredit       Resolution = "store_credit"
	ResolutionPartialRefundKeep Resolution = "partial_refund_keep"
	ResolutionAcceptAsIs        Resolution = "accept_as_is"
	ResolutionPayDuties         Resolution = "pay_duties"
	ResolutionReturnToSender    Resolution = "return_to_sender"
	ResolutionManualPlacement   Resolution = "manual_placement"
)

type ResolutionStatus string

const (
	ResolutionPending   ResolutionStatus = "pending"
	ResolutionResolved  ResolutionStatus = "resolved"
	ResolutionDismissed ResolutionStatus = "dismissed"
)

type Detector string

const (
	DetectedByAutomation     Detector = "automation"
	DetectedByQualityCheck   Detector = "quality_check"
	DetectedByCustomerReport Detector = "customer_report"
	DetectedByStaffReport    Detector = "staff_report"
	DetectedByCarrier        Detector = "carrier"
	DetectedBySystem         Detector = "system"
)

type Exception struct {
	ID         uuid.UUID
	ItemID     uuid.UUID
	OrderID    uuid.UUID
	ShipmentID *uuid.UUID

	Type        ExceptionType
	Severity    Severity
	DetectedBy  Detector
	Description string

	AvailableResolutions     []Resolution
	RecommendedResolution    Resolution
	CustomerResolution       *Resolution
	CustomerResponseDeadline time.Time

	ResolutionStatus ResolutionStatus
	ResolutionMethod *Resolution
	ResolutionNotes  *string
	ResolvedBy       *string
	ResolvedAt       *time.Time

	FinancialImpact decimal.Decimal

	CreatedAt time.Time
	UpdatedAt time.Time
}

func (e *Exception) Offers(r Resolution) bool {
	for _, x := range e.AvailableResolutions {
		if x == r {
			return true
		}
	}
	return false
}

type ExceptionResolution struct {
	Status             ResolutionStatus
	CustomerResolution *Resolution
	Method             Resolution
	Notes              string
	ResolvedBy         string
	ResolvedAt         time.Time
}
