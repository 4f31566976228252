package orders

import (
	"time"

	"github.com/BearBump/Fulfillment/internal/models"
	"github.com/shopspring/decimal"
)

func bucket(s models.ItemStatus, c *models.OrderCounters) {
	switch s {
	case models.ItemRevisionPending:
		c.RevisionPending++
	case models.ItemShipped:
		c.Shipped++
	case models.ItemDelivered:
		c.Delivered++
	case models.ItemCancelled, models.ItemExchanged:
		c.Cancelled++
	case models.ItemRefunded, models.ItemReturned:
		c.Refunded++
	default:
		c.Active++
	}
}

// Rollup derives counters, totals and order status from the items alone.
// Cancelled and refunded items drop out of the current total.
func Rollup(originalTotal decimal.Decimal, items []*models.OrderItem, lastDelivery *time.Time) models.OrderRollup {
	var (
		c       models.OrderCounters
		current = decimal.Zero
	)
	for _, it := range items {
		c.Total++
		bucket(it.Status, &c)
		if isLive(it.Status) {
			current = current.Add(it.LineTotal())
		}
	}
	return models.OrderRollup{
		Counters:       c,
		Status:         deriveStatus(c),
		CurrentTotal:   current,
		VarianceAmount: current.Sub(originalTotal),
		LastDeliveryAt: lastDelivery,
	}
}

func isLive(s models.ItemStatus) bool {
	switch s {
	case models.ItemCancelled, models.ItemExchanged, models.ItemRefunded, models.ItemReturned:
		return false
	}
	return true
}

func deriveStatus(c models.OrderCounters) models.OrderStatus {
	live := c.Total - c.Cancelled - c.Refunded
	switch {
	case live <= 0:
		return models.OrderStatusProcessing
	case c.Delivered == live:
		return models.OrderStatusDelivered
	case c.Delivered > 0:
		return models.OrderStatusPartiallyDelivered
	case c.Shipped == live:
		return models.OrderStatusShipped
	case c.Shipped > 0:
		return models.OrderStatusPartiallyShipped
	}
	return models.OrderStatusProcessing
}
