// Package app assembles the fulfillment service graph from a store and its collaborators.
// Both binaries build the same graph and differ only in what they run.
package app

import (
	"strings"
	"time"

	"github.com/BearBump/Fulfillment/config"
	"github.com/BearBump/Fulfillment/internal/integrations/carrier"
	"github.com/BearBump/Fulfillment/internal/integrations/seller"
	"github.com/BearBump/Fulfillment/internal/models"
	"github.com/BearBump/Fulfillment/internal/services/automation"
	"github.com/BearBump/Fulfillment/internal/services/consolidation"
	"github.com/BearBump/Fulfillment/internal/services/exceptions"
	"github.com/BearBump/Fulfillment/internal/services/items"
	"github.com/BearBump/Fulfillment/internal/services/orders"
	"github.com/BearBump/Fulfillment/internal/services/revisions"
	"github.com/BearBump/Fulfillment/internal/services/shipments"
	"github.com/BearBump/Fulfillment/internal/services/sweeper"
	"github.com/BearBump/Fulfillment/internal/services/warehouse"
	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
)

// Store is everything the services persist. memfulfillment and pgfulfillment implement it.
type Store interface {
	orders.Repository
	items.Repository
	exceptions.Repository
	revisions.Repository
	automation.Repository
	shipments.Repository
	consolidation.Repository
}

type Deps struct {
	Store       Store
	Cache       orders.BytesCache      // optional
	Notifier    exceptions.Notifier    // optional
	Seller      seller.Client          // required
	Carrier     carrier.Client         // optional
	RateLimiter automation.RateLimiter // optional
	Now         func() time.Time       // optional
}

type Services struct {
	Orders     *orders.Service
	Items      *items.Service
	Revisions  *revisions.Service
	Exceptions *exceptions.Service
	Warehouse  *warehouse.Service
	Shipments  *shipments.Service
	Planner    *consolidation.Planner
	Runner     *automation.Runner
	Sweeper    *sweeper.Sweeper
}

func Build(cfg *config.Config, d Deps) (*Services, error) {
	if cfg == nil {
		cfg = &config.Config{}
	}
	if d.Store == nil {
		return nil, errors.New("store is required")
	}
	if d.Seller == nil {
		return nil, errors.New("seller client is required")
	}
	revCfg, err := revisionsConfig(cfg.Revisions)
	if err != nil {
		return nil, err
	}

	notifier, cache := d.Notifier, d.Cache

	ord := orders.New(d.Store, cache, nil, notifier, orders.Config{
		DefaultPreference:  models.ConsolidationPreference(cfg.Consolidation.DefaultPreference),
		DefaultMaxWaitDays: cfg.Consolidation.DefaultMaxWaitDays,
		ViewTTL:            cfg.Fulfillment.OrderCacheTTL(),
	})
	itemSvc := items.New(d.Store, ord, notifier)
	ex := exceptions.New(d.Store, itemSvc, nil, notifier, hours(cfg.Exceptions.ResponseDeadlineHours))
	rev := revisions.New(d.Store, itemSvc, ex, notifier, revCfg)

	ship := shipments.New(d.Store, itemSvc, ord, ex, notifier)
	if cache != nil {
		ship = ship.WithCache(cache, cfg.Fulfillment.ShipmentCacheTTL())
	}
	if d.Carrier != nil {
		ship = ship.WithCarrier(d.Carrier)
	}
	planner := consolidation.New(d.Store, ship, consolidation.Config{
		DefaultMaxWaitDays: cfg.Consolidation.DefaultMaxWaitDays,
		PartialGroupSize:   cfg.Consolidation.PartialGroupSize,
	})
	wh := warehouse.New(itemSvc, ex, planner)

	runner := automation.New(d.Store, itemSvc, rev, ex, d.Seller, d.RateLimiter).
		WithSettings(
			seconds(cfg.Fulfillment.WorkerPollIntervalSeconds),
			cfg.Fulfillment.WorkerBatchSize,
			cfg.Fulfillment.WorkerConcurrency,
			seconds(cfg.Fulfillment.WorkerLeaseSeconds),
			int64(cfg.Fulfillment.WorkerRateLimitPerMinute),
		).
		WithPlatformRateLimits(cfg.Fulfillment.PlatformRateLimits).
		WithMaxRetries(cfg.Automation.MaxRetries).
		WithPlanner(automation.PlannerConfig{
			Backoff:          cfg.Automation.Backoff(),
			RescrapeMinDelay: seconds(cfg.Automation.RescrapeMinSeconds),
			RescrapeMaxDelay: seconds(cfg.Automation.RescrapeMaxSeconds),
		}, nil)

	// orders and exceptions enqueue through the runner, which is built after them
	ord.SetTaskEnqueuer(runner)
	ex.SetTaskEnqueuer(runner)

	sw := sweeper.New(rev, ex, planner).
		WithSettings(seconds(cfg.Fulfillment.SweepIntervalSeconds), cfg.Fulfillment.SweepBatchSize)

	if d.Now != nil {
		ord.WithClock(d.Now)
		itemSvc.WithClock(d.Now)
		ex.WithClock(d.Now)
		rev.WithClock(d.Now)
		ship.WithClock(d.Now)
		planner.WithClock(d.Now)
		wh.WithClock(d.Now)
		runner.WithClock(d.Now)
		sw.WithClock(d.Now)
	}

	return &Services{
		Orders:     ord,
		Items:      itemSvc,
		Revisions:  rev,
		Exceptions: ex,
		Warehouse:  wh,
		Shipments:  ship,
		Planner:    planner,
		Runner:     runner,
		Sweeper:    sw,
	}, nil
}

func revisionsConfig(c config.RevisionsConfig) (revisions.Config, error) {
	out := revisions.Config{ResponseWindow: hours(c.ResponseDeadlineHours)}
	fields := []struct {
		name string
		raw  string
		dst  *decimal.Decimal
	}{
		{"auto_approve_amount", c.AutoApproveAmount, &out.AutoApproveAmount},
		{"auto_approve_percent", c.AutoApprovePercent, &out.AutoApprovePercent},
		{"price_tolerance", c.PriceTolerance, &out.PriceTolerance},
		{"weight_tolerance", c.WeightTolerance, &out.WeightTolerance},
		{"shipping_rate_per_kg", c.ShippingRatePerKg, &out.RatePerKg},
	}
	for _, f := range fields {
		if strings.TrimSpace(f.raw) == "" {
			continue
		}
		v, err := decimal.NewFromString(strings.TrimSpace(f.raw))
		if err != nil {
			return out, errors.Wrapf(err, "revisions.%s", f.name)
		}
		*f.dst = v
	}
	return out, nil
}

func seconds(n int) time.Duration { return time.Duration(n) * time.Second }

func hours(n int) time.Duration { return time.Duration(n) * time.Hour }
