package models

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

type ItemStatus string

const (
	ItemPendingOrderPlacement ItemStatus = "pending_order_placement"
	ItemSellerOrderPlaced     ItemStatus = "seller_order_placed"
	ItemRevisionPending       ItemStatus = "revision_pending"
	ItemRevisionApproved      ItemStatus = "revision_approved"
	ItemRevisionRejected      ItemStatus = "revision_rejected"
	ItemQualityCheckPending   ItemStatus = "quality_check_pending"
	ItemQualityCheckPassed    ItemStatus = "quality_check_passed"
	ItemQualityCheckFailed    ItemStatus = "quality_check_failed"
	ItemShipped               ItemStatus = "shipped"
	ItemDelivered             ItemStatus = "delivered"
	ItemCancelled             ItemStatus = "cancelled"
	ItemRefunded              ItemStatus = "refunded"
	ItemReturned              ItemStatus = "returned"
	ItemExchanged             ItemStatus = "exchanged"
)

// TransitionCause names the workflow asking for a status change.
type TransitionCause string

const (
	CauseAutomation TransitionCause = "automation"
	CauseRevision   TransitionCause = "revision"
	CauseException  TransitionCause = "exception"
	CauseWarehouse  TransitionCause = "warehouse"
	CauseShipment   TransitionCause = "shipment"
	CauseAdmin      TransitionCause = "admin"
)

type itemEdge struct {
	to     ItemStatus
	causes []TransitionCause // empty: any cause
}

var sideBranches = []itemEdge{
	{ItemCancelled, []TransitionCause{CauseException}},
	{ItemRefunded, []TransitionCause{CauseException}},
}

var itemTransitions = map[ItemStatus][]itemEdge{
	ItemPendingOrderPlacement: append([]itemEdge{
		{ItemSellerOrderPlaced, []TransitionCause{CauseAutomation}},
	}, sideBranches...),
	ItemSellerOrderPlaced: append([]itemEdge{
		{ItemRevisionPending, []TransitionCause{CauseRevision}},
		{ItemQualityCheckPending, []TransitionCause{CauseWarehouse}},
	}, sideBranches...),
	ItemRevisionPending: append([]itemEdge{
		{ItemRevisionApproved, []TransitionCause{CauseRevision}},
		{ItemRevisionRejected, []TransitionCause{CauseRevision}},
	}, sideBranches...),
	ItemRevisionApproved: append([]itemEdge{
		{ItemRevisionPending, []TransitionCause{CauseRevision}},
		{ItemQualityCheckPending, []TransitionCause{CauseWarehouse}},
	}, sideBranches...),
	ItemRevisionRejected: append([]itemEdge{
		{ItemExchanged, []TransitionCause{CauseException}},
	}, sideBranches...),
	ItemQualityCheckPending: append([]itemEdge{
		{ItemQualityCheckPassed, []TransitionCause{CauseWarehouse}},
		{ItemQualityCheckFailed, []TransitionCause{CauseWarehouse}},
	}, sideBranches...),
	ItemQualityCheckPassed: append([]itemEdge{
		{ItemShipped, []TransitionCause{CauseShipment}},
		{ItemReturned, []TransitionCause{CauseException}},
	}, sideBranches...),
	ItemQualityCheckFailed: append([]itemEdge{
		{ItemQualityCheckPassed, []TransitionCause{CauseException}},
		{ItemReturned, []TransitionCause{CauseException}},
		{ItemExchanged, []TransitionCause{CauseException}},
	}, sideBranches...),
	ItemShipped: {
		{ItemDelivered, []TransitionCause{CauseShipment}},
		{ItemReturned, []TransitionCause{CauseException, CauseShipment}},
		{ItemRefunded, []TransitionCause{CauseException}},
		{ItemExchanged, []TransitionCause{CauseException}},
	},
}

// OpenItemStatuses lists every status that still has outgoing edges.
func OpenItemStatuses() []ItemStatus {
	out := make([]ItemStatus, 0, len(itemTransitions))
	for st := range itemTransitions {
		out = append(out, st)
	}
	return out
}

func (s ItemStatus) IsValid() bool {
	switch s {
	case ItemDelivered, ItemCancelled, ItemRefunded, ItemReturned, ItemExchanged:
		return true
	}
	_, ok := itemTransitions[s]
	return ok
}

func (s ItemStatus) IsTerminal() bool {
	switch s {
	case ItemDelivered, ItemCancelled, ItemRefunded, ItemReturned, ItemExchanged:
		return true
	}
	return false
}

// CanTransitionTo reports whether the graph has an edge s->target that the cause may take.
// CauseAdmin may take any edge in the graph.
func (s ItemStatus) CanTransitionTo(target ItemStatus, cause TransitionCause) bool {
	for _, e := range itemTransitions[s] {
		if e.to != target {
			continue
		}
		if cause == CauseAdmin || len(e.causes) == 0 {
			return true
		}
		for _, c := range e.causes {
			if c == cause {
				return true
			}
		}
	}
	return false
}

// HasEdge ignores causes.
func (s ItemStatus) HasEdge(target ItemStatus) bool {
	return s.CanTransitionTo(target, CauseAdmin)
}

// CustomerVisible statuses trigger a notification when entered.
func (s ItemStatus) CustomerVisible() bool {
	switch s {
	case ItemSellerOrderPlaced, ItemRevisionPending, ItemQualityCheckPassed, ItemQualityCheckFailed,
		ItemShipped, ItemDelivered, ItemCancelled, ItemRefunded, ItemReturned, ItemExchanged:
		return true
	}
	return false
}

type OrderItem struct {
	ID      uuid.UUID
	OrderID uuid.UUID

	ProductURL         string
	ProductName        string
	SellerPlatform     string
	OriginCountry      string
	DestinationCountry string
	Quantity           int

	OriginalPrice  decimal.Decimal
	CurrentPrice   decimal.Decimal
	OriginalWeight decimal.Decimal
	CurrentWeight  decimal.Decimal

	RequiresCustomerApproval bool

	WarehouseID string
	Status      ItemStatus

	SellerOrderID        *string
	SellerOrderedAt      *time.Time
	SellerTrackingNumber *string
	ReceivedAt           *time.Time
	QualityNotes         *string
	QualityPhotoURLs     []string

	ShipmentID *uuid.UUID
	ReplacesID *uuid.UUID

	CreatedAt time.Time
	UpdatedAt time.Time
}

func (i *OrderItem) PriceVariance() decimal.Decimal {
	return i.CurrentPrice.Sub(i.OriginalPrice)
}

func (i *OrderItem) WeightVariance() decimal.Decimal {
	return i.CurrentWeight.Sub(i.OriginalWeight)
}

// LineTotal is current price times quantity.
func (i *OrderItem) LineTotal() decimal.Decimal {
	return i.CurrentPrice.Mul(decimal.NewFromInt(int64(i.Quantity)))
}

// ItemPatch carries optional field writes applied together with a status compare-and-swap.
type ItemPatch struct {
	SellerOrderID            *string
	SellerOrderedAt          *time.Time
	SellerTrackingNumber     *string
	CurrentPrice             *decimal.Decimal
	CurrentWeight            *decimal.Decimal
	RequiresCustomerApproval *bool
	WarehouseID              *string
	ReceivedAt               *time.Time
	QualityNotes             *string
	QualityPhotoURLs         []string
}

func (p ItemPatch) Apply(it *OrderItem) {
	if p.SellerOrderID != nil {
		it.SellerOrderID = p.SellerOrderID
	}
	if p.SellerOrderedAt != nil {
		it.SellerOrderedAt = p.SellerOrderedAt
	}
	if p.SellerTrackingNumber != nil {
		it.SellerTrackingNumber = p.SellerTrackingNumber
	}
	if p.CurrentPrice != nil {
		it.CurrentPrice = *p.CurrentPrice
	}
	if p.CurrentWeight != nil {
		it.CurrentWeight = *p.CurrentWeight
	}
	if p.RequiresCustomerApproval != nil {
		it.RequiresCustomerApproval = *p.RequiresCustomerApproval
	}
	if p.WarehouseID != nil {
		it.WarehouseID = *p.WarehouseID
	}
	if p.ReceivedAt != nil {
		it.ReceivedAt = p.ReceivedAt
	}
	if p.QualityNotes != nil {
		it.QualityNotes = p.QualityNotes
	}
	if p.QualityPhotoURLs != nil {
		it.QualityPhotoURLs = append([]string(nil), p.QualityPhotoURLs...)
	}
}
