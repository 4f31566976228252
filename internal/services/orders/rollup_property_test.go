package orders

import (
	"testing"

	"github.com/BearBump/Fulfillment/internal/models"
	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/shopspring/decimal"
)

var allItemStatuses = []models.ItemStatus{
	models.ItemPendingOrderPlacement,
	models.ItemSellerOrderPlaced,
	models.ItemRevisionPending,
	models.ItemRevisionApproved,
	models.ItemRevisionRejected,
	models.ItemQualityCheckPending,
	models.ItemQualityCheckPassed,
	models.ItemQualityCheckFailed,
	models.ItemShipped,
	models.ItemDelivered,
	models.ItemCancelled,
	models.ItemRefunded,
	models.ItemReturned,
	models.ItemExchanged,
}

func itemsFrom(idx []int) []*models.OrderItem {
	out := make([]*models.OrderItem, 0, len(idx))
	for _, i := range idx {
		out = append(out, &models.OrderItem{
			Status:       allItemStatuses[i],
			Quantity:     1,
			CurrentPrice: decimal.NewFromInt(10),
		})
	}
	return out
}

func TestRollup_Properties(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 300
	properties := gopter.NewProperties(parameters)

	statuses := gen.SliceOf(gen.IntRange(0, len(allItemStatuses)-1))

	properties.Property("counters partition the items", prop.ForAll(
		func(idx []int) bool {
			r := Rollup(decimal.Zero, itemsFrom(idx), nil)
			return r.Counters.Total == len(idx) && r.Counters.Balanced()
		},
		statuses,
	))

	properties.Property("rollup is a pure function of item states", prop.ForAll(
		func(idx []int) bool {
			a := Rollup(decimal.Zero, itemsFrom(idx), nil)
			b := Rollup(decimal.Zero, itemsFrom(idx), nil)
			return a.Counters == b.Counters && a.Status == b.Status && a.CurrentTotal.Equal(b.CurrentTotal)
		},
		statuses,
	))

	properties.Property("delivered only when every live item is delivered", prop.ForAll(
		func(idx []int) bool {
			r := Rollup(decimal.Zero, itemsFrom(idx), nil)
			c := r.Counters
			live := c.Total - c.Cancelled - c.Refunded
			if r.Status == models.OrderStatusDelivered {
				return live > 0 && c.Delivered == live
			}
			return live == 0 || c.Delivered != live
		},
		statuses,
	))

	properties.Property("current total counts live items only", prop.ForAll(
		func(idx []int) bool {
			r := Rollup(decimal.Zero, itemsFrom(idx), nil)
			c := r.Counters
			live := c.Total - c.Cancelled - c.Refunded
			return r.CurrentTotal.Equal(decimal.NewFromInt(int64(10 * live)))
		},
		statuses,
	))

	properties.TestingRun(t)
}
