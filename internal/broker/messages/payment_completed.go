package messages

import (
	"time"

	"github.com/shopspring/decimal"
)

// PaymentCompleted is consumed from the payments topic and creates an order.
type PaymentCompleted struct {
	PaymentID     string          `json:"payment_id"`
	CustomerID    string          `json:"customer_id"`
	Amount        decimal.Decimal `json:"amount"`
	Currency      string          `json:"currency"`
	PaymentMethod string          `json:"payment_method"`
	PaidAt        time.Time       `json:"paid_at"`

	Quote *QuoteSnapshot `json:"quote"`
}

// QuoteSnapshot is the immutable pricing baseline taken when the quote was paid.
type QuoteSnapshot struct {
	QuoteID                  string          `json:"quote_id"`
	PrimaryWarehouseID       string          `json:"primary_warehouse_id"`
	ConsolidationPreference  string          `json:"consolidation_preference,omitempty"`
	MaxConsolidationWaitDays int             `json:"max_consolidation_wait_days,omitempty"`
	Total                    decimal.Decimal `json:"total"`
	Lines                    []QuoteLine     `json:"lines"`
}

type QuoteLine struct {
	ProductURL         string          `json:"product_url"`
	ProductName        string          `json:"product_name"`
	SellerPlatform     string          `json:"seller_platform"`
	OriginCountry      string          `json:"origin_country"`
	DestinationCountry string          `json:"destination_country"`
	Quantity           int             `json:"quantity"`
	Price              decimal.Decimal `json:"price"`
	Weight             decimal.Decimal `json:"weight"`
	WarehouseID        string          `json:"warehouse_id,omitempty"`
}
