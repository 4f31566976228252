// Package consolidation groups quality-passed items into outbound shipments according to the
// order's consolidation preference.
package consolidation

import (
	"context"
	"log/slog"
	"sort"
	"time"

	"github.com/BearBump/Fulfillment/internal/models"
	"github.com/BearBump/Fulfillment/internal/services/shipments"
	"github.com/google/uuid"
	"github.com/pkg/errors"
)

type Repository interface {
	GetOrder(ctx context.Context, id uuid.UUID) (*models.Order, error)
	ListOrderItems(ctx context.Context, orderID uuid.UUID) ([]*models.OrderItem, error)
	ListOrdersWithReadyItems(ctx context.Context, after uuid.UUID, limit int) ([]uuid.UUID, error)
}

type ShipmentCreator interface {
	Create(ctx context.Context, in shipments.CreateInput) (*models.Shipment, error)
}

type Config struct {
	DefaultMaxWaitDays int // default: 14
	PartialGroupSize   int // default: 2
}

type Planner struct {
	repo      Repository
	shipments ShipmentCreator
	cfg       Config
	now       func() time.Time
}

func New(repo Repository, sc ShipmentCreator, cfg Config) *Planner {
	if cfg.DefaultMaxWaitDays <= 0 {
		cfg.DefaultMaxWaitDays = 14
	}
	if cfg.PartialGroupSize <= 0 {
		cfg.PartialGroupSize = 2
	}
	return &Planner{
		repo:      repo,
		shipments: sc,
		cfg:       cfg,
		now:       func() time.Time { return time.Now().UTC() },
	}
}

func (p *Planner) WithClock(now func() time.Time) *Planner {
	p.now = now
	return p
}

func (p *Planner) deadline(o *models.Order) time.Time {
	if o.MaxConsolidationWaitDays > 0 {
		return o.ConsolidationDeadline()
	}
	return o.CreatedAt.Add(time.Duration(p.cfg.DefaultMaxWaitDays) * 24 * time.Hour)
}

// PlanOrder creates the shipments the order's policy allows right now. Items that must keep
// waiting are left untouched for the next evaluation.
func (p *Planner) PlanOrder(ctx context.Context, orderID uuid.UUID) ([]*models.Shipment, error) {
	o, err := p.repo.GetOrder(ctx, orderID)
	if err != nil {
		return nil, err
	}
	if o.Status == models.OrderStatusClosed {
		return nil, nil
	}
	its, err := p.repo.ListOrderItems(ctx, orderID)
	if err != nil {
		return nil, err
	}

	var ready []*models.OrderItem
	waiting := 0
	for _, it := range its {
		switch {
		case it.ShipmentID != nil || it.Status.IsTerminal():
		case it.Status == models.ItemQualityCheckPassed:
			ready = append(ready, it)
		default:
			waiting++
		}
	}
	if len(ready) == 0 {
		return nil, nil
	}

	pastDeadline := !p.now().Before(p.deadline(o))
	var groups [][]*models.OrderItem
	partial := false
	switch o.ConsolidationPreference {
	case models.WaitForAll:
		if waiting == 0 || pastDeadline {
			groups, partial = byWarehouse(ready), waiting > 0
		}
	case models.PartialGroups:
		// the group size applies per warehouse, since each warehouse ships its own parcel
		for _, g := range byWarehouse(ready) {
			if waiting == 0 || pastDeadline || len(g) >= p.cfg.PartialGroupSize {
				groups = append(groups, g)
			}
		}
		partial = waiting > 0
	default:
		for _, it := range ready {
			groups = append(groups, []*models.OrderItem{it})
		}
	}

	var out []*models.Shipment
	for _, g := range groups {
		in := shipments.CreateInput{
			OrderID:     o.ID,
			WarehouseID: g[0].WarehouseID,
			Kind:        kindOf(g, partial),
		}
		for _, it := range g {
			in.ItemIDs = append(in.ItemIDs, it.ID)
		}
		sh, err := p.shipments.Create(ctx, in)
		if err != nil {
			return out, errors.Wrap(err, "create shipment")
		}
		out = append(out, sh)
	}
	if len(out) > 0 {
		slog.Info("consolidation planned",
			"order_id", o.ID, "preference", o.ConsolidationPreference,
			"shipments", len(out), "still_waiting", waiting, "past_deadline", pastDeadline)
	}
	return out, nil
}

func kindOf(g []*models.OrderItem, siblingsWaiting bool) models.ShipmentKind {
	switch {
	case len(g) == 1 && g[0].ReplacesID != nil:
		return models.ShipmentReplacement
	case siblingsWaiting:
		return models.ShipmentPartial
	case len(g) == 1:
		return models.ShipmentDirect
	default:
		return models.ShipmentConsolidated
	}
}

// byWarehouse keeps item order stable inside each group.
func byWarehouse(its []*models.OrderItem) [][]*models.OrderItem {
	idx := map[string]int{}
	var out [][]*models.OrderItem
	for _, it := range its {
		i, ok := idx[it.WarehouseID]
		if !ok {
			i = len(out)
			idx[it.WarehouseID] = i
			out = append(out, nil)
		}
		out[i] = append(out[i], it)
	}
	sort.SliceStable(out, func(a, b int) bool { return out[a][0].WarehouseID < out[b][0].WarehouseID })
	return out
}

// PlanAll evaluates every order holding unshipped ready items, limit orders per page, so
// orders still inside their wait window never hide the ones behind them. Failures are
// logged per order.
func (p *Planner) PlanAll(ctx context.Context, limit int) (int, error) {
	if limit <= 0 {
		limit = 100
	}
	created := 0
	var after uuid.UUID
	for {
		ids, err := p.repo.ListOrdersWithReadyItems(ctx, after, limit)
		if err != nil {
			return created, errors.Wrap(err, "list orders with ready items")
		}
		for _, id := range ids {
			if ctx.Err() != nil {
				return created, ctx.Err()
			}
			shs, err := p.PlanOrder(ctx, id)
			created += len(shs)
			if err != nil {
				slog.Error("plan order", "order_id", id, "error", err.Error())
			}
		}
		if len(ids) < limit {
			return created, nil
		}
		after = ids[len(ids)-1]
	}
}
