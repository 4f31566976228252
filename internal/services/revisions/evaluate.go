package revisions

import (
	"github.com/BearBump/Fulfillment/internal/models"
	"github.com/shopspring/decimal"
)

var hundred = decimal.NewFromInt(100)

type Thresholds struct {
	AutoApproveAmount  decimal.Decimal
	AutoApprovePercent decimal.Decimal
	RatePerKg          decimal.Decimal
}

type Evaluation struct {
	PriceDelta         decimal.Decimal
	PriceDeltaPercent  decimal.Decimal
	WeightDelta        decimal.Decimal
	WeightDeltaPercent decimal.Decimal
	Breakdown          models.CostBreakdown
	TotalCostImpact    decimal.Decimal
	PercentageChange   decimal.Decimal
	AutoApprove        bool
}

func percentOf(delta, base decimal.Decimal) decimal.Decimal {
	if base.IsZero() {
		if delta.IsZero() {
			return decimal.Zero
		}
		return hundred.Mul(decimal.NewFromInt(int64(delta.Sign())))
	}
	return delta.Div(base).Mul(hundred).Round(2)
}

// Evaluate prices a change from the item's current values. The item auto-approves when the
// absolute impact is within the amount threshold or the absolute percentage is within the
// percentage threshold.
func Evaluate(th Thresholds, it *models.OrderItem, newPrice, newWeight decimal.Decimal) Evaluation {
	qty := decimal.NewFromInt(int64(it.Quantity))

	unitDelta := newPrice.Sub(it.CurrentPrice)
	priceDelta := unitDelta.Mul(qty)
	weightDelta := newWeight.Sub(it.CurrentWeight)
	shippingDelta := weightDelta.Mul(qty).Mul(th.RatePerKg).Round(2)
	impact := priceDelta.Add(shippingDelta)
	pct := percentOf(impact, it.LineTotal())

	return Evaluation{
		PriceDelta:         priceDelta,
		PriceDeltaPercent:  percentOf(unitDelta, it.CurrentPrice),
		WeightDelta:        weightDelta,
		WeightDeltaPercent: percentOf(weightDelta, it.CurrentWeight),
		Breakdown: models.CostBreakdown{
			PriceDelta:    priceDelta,
			ShippingDelta: shippingDelta,
			Total:         impact,
		},
		TotalCostImpact:  impact,
		PercentageChange: pct,
		AutoApprove: impact.Abs().LessThanOrEqual(th.AutoApproveAmount) ||
			pct.Abs().LessThanOrEqual(th.AutoApprovePercent),
	}
}
