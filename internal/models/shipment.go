package models

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

type Tier string

const (
	TierSeller        Tier = "seller"
	TierInternational Tier = "international"
	TierLocal         Tier = "local"
)

func (t Tier) IsValid() bool {
	switch t {
	case TierSeller, TierInternational, TierLocal:
		return true
	}
	return false
}

// Rank orders tiers along the route seller -> international -> local.
func (t Tier) Rank() int {
	switch t {
	case TierSeller:
		return 1
	case TierInternational:
		return 2
	case TierLocal:
		return 3
	}
	return 0
}

type ShipmentKind string

const (
	ShipmentDirect       ShipmentKind = "direct"
	ShipmentConsolidated ShipmentKind = "consolidated"
	ShipmentPartial      ShipmentKind = "partial"
	ShipmentReplacement  ShipmentKind = "replacement"
)

type ShipmentStatus string

const (
	ShipmentSellerPreparing           ShipmentStatus = "seller_preparing"
	ShipmentSellerShipped             ShipmentStatus = "seller_shipped"
	ShipmentInTransitToWarehouse      ShipmentStatus = "in_transit_to_warehouse"
	ShipmentArrivedAtWarehouse        ShipmentStatus = "arrived_at_warehouse"
	ShipmentQualityCheckPending       ShipmentStatus = "quality_check_pending"
	ShipmentQualityCheckPassed        ShipmentStatus = "quality_check_passed"
	ShipmentQualityCheckFailed        ShipmentStatus = "quality_check_failed"
	ShipmentConsolidationPending      ShipmentStatus = "consolidation_pending"
	ShipmentReadyForDispatch          ShipmentStatus = "ready_for_dispatch"
	ShipmentDispatchedInternationally ShipmentStatus = "dispatched_internationally"
	ShipmentInTransitInternational    ShipmentStatus = "in_transit_international"
	ShipmentAtCustoms                 ShipmentStatus = "at_customs"
	ShipmentCustomsCleared            ShipmentStatus = "customs_cleared"
	ShipmentCustomsHold               ShipmentStatus = "customs_hold"
	ShipmentLocalFacility             ShipmentStatus = "local_facility"
	ShipmentOutForDelivery            ShipmentStatus = "out_for_delivery"
	ShipmentDeliveryAttempted         ShipmentStatus = "delivery_attempted"
	ShipmentDelivered                 ShipmentStatus = "delivered"
	ShipmentReturnedToSender          ShipmentStatus = "returned_to_sender"
	ShipmentException                 ShipmentStatus = "exception"
	ShipmentCancelled                 ShipmentStatus = "cancelled"
)

type shipmentStatusInfo struct {
	tier Tier // empty: keeps the current tier
	rank int
}

var shipmentStatuses = map[ShipmentStatus]shipmentStatusInfo{
	ShipmentSellerPreparing:           {TierSeller, 1},
	ShipmentSellerShipped:             {TierSeller, 2},
	ShipmentInTransitToWarehouse:      {TierSeller, 3},
	ShipmentArrivedAtWarehouse:        {TierSeller, 4},
	ShipmentQualityCheckPending:       {TierInternational, 5},
	ShipmentQualityCheckPassed:        {TierInternational, 6},
	ShipmentQualityCheckFailed:        {TierInternational, 6},
	ShipmentConsolidationPending:      {TierInternational, 7},
	ShipmentReadyForDispatch:          {TierInternational, 8},
	ShipmentDispatchedInternationally: {TierInternational, 9},
	ShipmentInTransitInternational:    {TierInternational, 10},
	ShipmentAtCustoms:                 {TierInternational, 11},
	ShipmentCustomsCleared:            {TierInternational, 12},
	ShipmentCustomsHold:               {TierInternational, 12},
	ShipmentLocalFacility:             {TierLocal, 13},
	ShipmentOutForDelivery:            {TierLocal, 14},
	ShipmentDeliveryAttempted:         {TierLocal, 15},
	ShipmentDelivered:                 {TierLocal, 16},
	ShipmentReturnedToSender:          {"", 17},
	ShipmentException:                 {"", 0},
	ShipmentCancelled:                 {"", 17},
}

func (s ShipmentStatus) IsValid() bool {
	_, ok := shipmentStatuses[s]
	return ok
}

func (s ShipmentStatus) IsTerminal() bool {
	return s == ShipmentDelivered || s == ShipmentReturnedToSender || s == ShipmentCancelled
}

// Tier returns the leg the status belongs to, or "" for tier-agnostic statuses.
func (s ShipmentStatus) Tier() Tier {
	return shipmentStatuses[s].tier
}

func (s ShipmentStatus) Rank() int {
	return shipmentStatuses[s].rank
}

// DispatchedOrLater reports whether the parcel has physically left the warehouse.
func (s ShipmentStatus) DispatchedOrLater() bool {
	r := s.Rank()
	return r >= ShipmentDispatchedInternationally.Rank() && s != ShipmentReturnedToSender && s != ShipmentCancelled
}

// CanTransitionTo is the table for manual (staff/planner) status writes.
// Forward moves are allowed, exception-like states may be entered from anywhere
// non-terminal, and exception returns to any non-terminal status.
func (s ShipmentStatus) CanTransitionTo(target ShipmentStatus) bool {
	if s.IsTerminal() || !target.IsValid() || s == target {
		return false
	}
	switch target {
	case ShipmentException, ShipmentCustomsHold, ShipmentDeliveryAttempted, ShipmentReturnedToSender, ShipmentCancelled:
		return true
	}
	if s == ShipmentException || s == ShipmentCustomsHold || s == ShipmentDeliveryAttempted {
		return true
	}
	return target.Rank() > s.Rank()
}

type DataSource string

const (
	SourceManual     DataSource = "manual"
	SourceWebhook    DataSource = "webhook"
	SourceAPIScrape  DataSource = "api_scrape"
	SourceEmailParse DataSource = "email_parse"
	SourceAutomation DataSource = "automation"
)

func (d DataSource) IsValid() bool {
	switch d {
	case SourceManual, SourceWebhook, SourceAPIScrape, SourceEmailParse, SourceAutomation:
		return true
	}
	return false
}

type Dimensions struct {
	LengthCM decimal.Decimal `json:"length_cm"`
	WidthCM  decimal.Decimal `json:"width_cm"`
	HeightCM decimal.Decimal `json:"height_cm"`
}

var volumetricDivisor = decimal.NewFromInt(5000)

// VolumetricWeight uses the common L*W*H/5000 courier rule (kg).
func (d Dimensions) VolumetricWeight() decimal.Decimal {
	return d.LengthCM.Mul(d.WidthCM).Mul(d.HeightCM).Div(volumetricDivisor).Round(3)
}

type Shipment struct {
	ID          uuid.UUID
	OrderID     uuid.UUID
	WarehouseID string
	Kind        ShipmentKind

	CurrentTier   Tier
	CurrentStatus ShipmentStatus
	StatusAt      *time.Time

	DeclaredWeight decimal.Decimal
	MeasuredWeight *decimal.Decimal
	BillableWeight *decimal.Decimal
	Dimensions     *Dimensions

	SellerTrackingNumber        *string
	InternationalTrackingNumber *string
	LocalTrackingNumber         *string

	DeliveredAt *time.Time
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

func (s *Shipment) TrackingNumber(t Tier) *string {
	switch t {
	case TierSeller:
		return s.SellerTrackingNumber
	case TierInternational:
		return s.InternationalTrackingNumber
	case TierLocal:
		return s.LocalTrackingNumber
	}
	return nil
}

// ShipmentItem links an item to a shipment with its customs value allocation.
type ShipmentItem struct {
	ShipmentID    uuid.UUID
	ItemID        uuid.UUID
	Condition     string
	DeclaredValue decimal.Decimal
}

type TrackingEvent struct {
	ID         uuid.UUID
	ShipmentID uuid.UUID
	Tier       Tier
	EventType  ShipmentStatus
	StatusRaw  string
	ExternalID string
	EventTime  time.Time
	Location   *string
	Message    *string
	Source     DataSource
	Payload    json.RawMessage
	OutOfOrder bool
	CreatedAt  time.Time
}

// ShipmentProjection is the status write that accompanies an appended event.
type ShipmentProjection struct {
	ExpectStatus ShipmentStatus
	ExpectTier   Tier
	Status       ShipmentStatus
	Tier         Tier
	StatusAt     time.Time
}

type MeasurementUpdate struct {
	MeasuredWeight decimal.Decimal
	Dimensions     *Dimensions
	BillableWeight decimal.Decimal
}
