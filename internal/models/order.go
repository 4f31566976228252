package models

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

type OrderStatus string

const (
	OrderStatusProcessing         OrderStatus = "processing"
	OrderStatusPartiallyShipped   OrderStatus = "partially_shipped"
	OrderStatusShipped            OrderStatus = "shipped"
	OrderStatusPartiallyDelivered OrderStatus = "partially_delivered"
	OrderStatusDelivered          OrderStatus = "delivered"
	OrderStatusClosed             OrderStatus = "closed"
)

type ConsolidationPreference string

const (
	ShipAsReady   ConsolidationPreference = "ship_as_ready"
	WaitForAll    ConsolidationPreference = "wait_for_all"
	PartialGroups ConsolidationPreference = "partial_groups"
)

func (p ConsolidationPreference) IsValid() bool {
	switch p {
	case ShipAsReady, WaitForAll, PartialGroups:
		return true
	}
	return false
}

type Order struct {
	ID            uuid.UUID
	QuoteID       string
	CustomerID    string
	PaymentMethod string
	PaymentStatus string
	Currency      string

	PrimaryWarehouseID       string
	ConsolidationPreference  ConsolidationPreference
	MaxConsolidationWaitDays int

	Status OrderStatus

	OriginalTotal  decimal.Decimal
	CurrentTotal   decimal.Decimal
	VarianceAmount decimal.Decimal

	Counters OrderCounters

	LastDeliveryAt *time.Time
	ClosedAt       *time.Time
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// OrderCounters are written only by RecomputeCounters; every item falls into exactly one bucket.
type OrderCounters struct {
	Total           int `json:"total"`
	Active          int `json:"active"`
	Cancelled       int `json:"cancelled"`
	Refunded        int `json:"refunded"`
	RevisionPending int `json:"revision_pending"`
	Shipped         int `json:"shipped"`
	Delivered       int `json:"delivered"`
}

func (c OrderCounters) Balanced() bool {
	return c.Total == c.Active+c.Cancelled+c.Refunded+c.RevisionPending+c.Shipped+c.Delivered
}

// OrderRollup is the derived state written back to the order after each item commit.
type OrderRollup struct {
	Counters       OrderCounters
	Status         OrderStatus
	CurrentTotal   decimal.Decimal
	VarianceAmount decimal.Decimal
	LastDeliveryAt *time.Time
}

type OrderSettingsUpdate struct {
	PrimaryWarehouseID       *string
	ConsolidationPreference  *ConsolidationPreference
	MaxConsolidationWaitDays *int
}

// ConsolidationDeadline is when wait_for_all stops holding items back.
func (o *Order) ConsolidationDeadline() time.Time {
	return o.CreatedAt.Add(time.Duration(o.MaxConsolidationWaitDays) * 24 * time.Hour)
}
