// Package orders owns the order aggregate: creation from a paid quote, the derived
// counter roll-up and admin edits.
package orders

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/BearBump/Fulfillment/internal/apperr"
	"github.com/BearBump/Fulfillment/internal/broker/messages"
	"github.com/BearBump/Fulfillment/internal/models"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
)

type Repository interface {
	CreateOrder(ctx context.Context, o *models.Order, items []*models.OrderItem) (*models.Order, bool, error)
	GetOrder(ctx context.Context, id uuid.UUID) (*models.Order, error)
	ListOrderItems(ctx context.Context, orderID uuid.UUID) ([]*models.OrderItem, error)
	UpdateOrderSettings(ctx context.Context, id uuid.UUID, upd models.OrderSettingsUpdate) (*models.Order, error)
	SaveOrderRollup(ctx context.Context, id uuid.UUID, r models.OrderRollup) error
	CloseOrder(ctx context.Context, id uuid.UUID, at time.Time) error
}

type BytesCache interface {
	Get(ctx context.Context, key string) ([]byte, bool, error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Delete(ctx context.Context, key string) error
}

type TaskEnqueuer interface {
	Enqueue(ctx context.Context, itemID uuid.UUID, typ models.TaskType, cfg models.TaskConfig) (*models.AutomationTask, error)
}

type Notifier interface {
	Notify(ctx context.Context, n messages.CustomerNotification) error
}

type Config struct {
	DefaultPreference  models.ConsolidationPreference
	DefaultMaxWaitDays int
	ViewTTL            time.Duration
}

type Service struct {
	repo     Repository
	cache    BytesCache
	tasks    TaskEnqueuer
	notifier Notifier
	cfg      Config
	now      func() time.Time
}

func New(repo Repository, c BytesCache, tasks TaskEnqueuer, notifier Notifier, cfg Config) *Service {
	if !cfg.DefaultPreference.IsValid() {
		cfg.DefaultPreference = models.ShipAsReady
	}
	if cfg.DefaultMaxWaitDays <= 0 {
		cfg.DefaultMaxWaitDays = 14
	}
	return &Service{
		repo:     repo,
		cache:    c,
		tasks:    tasks,
		notifier: notifier,
		cfg:      cfg,
		now:      func() time.Time { return time.Now().UTC() },
	}
}

func (s *Service) WithClock(now func() time.Time) *Service {
	s.now = now
	return s
}

// SetTaskEnqueuer breaks the construction cycle with the automation runner.
func (s *Service) SetTaskEnqueuer(t TaskEnqueuer) {
	s.tasks = t
}

type OrderView struct {
	Order *models.Order       `json:"order"`
	Items []*models.OrderItem `json:"items"`
}

func validateSnapshot(p messages.PaymentCompleted) error {
	q := p.Quote
	if q == nil {
		return errors.Wrap(apperr.ErrMissingBaseline, "payment carries no quote snapshot")
	}
	if q.QuoteID == "" {
		return errors.Wrap(apperr.ErrMissingBaseline, "quote_id is required")
	}
	if len(q.Lines) == 0 {
		return errors.Wrap(apperr.ErrMissingBaseline, "quote has no lines")
	}
	if p.CustomerID == "" {
		return apperr.Invalid("customer_id is required")
	}
	for i, l := range q.Lines {
		if l.ProductURL == "" {
			return errors.Wrapf(apperr.ErrMissingBaseline, "line %d: product_url is required", i)
		}
		if l.Quantity <= 0 {
			return errors.Wrapf(apperr.ErrMissingBaseline, "line %d: quantity must be positive", i)
		}
		if !l.Price.IsPositive() {
			return errors.Wrapf(apperr.ErrMissingBaseline, "line %d: price must be positive", i)
		}
		if l.Weight.IsNegative() {
			return errors.Wrapf(apperr.ErrMissingBaseline, "line %d: weight must not be negative", i)
		}
	}
	if q.ConsolidationPreference != "" && !models.ConsolidationPreference(q.ConsolidationPreference).IsValid() {
		return apperr.Invalid("unknown consolidation_preference")
	}
	return nil
}

// Create turns a payment-completed event into an order. A redelivered event for the same
// quote returns the existing order and enqueues placement again for items still waiting on it.
func (s *Service) Create(ctx context.Context, p messages.PaymentCompleted) (*OrderView, error) {
	if err := validateSnapshot(p); err != nil {
		return nil, err
	}
	q := p.Quote
	now := s.now()

	pref := models.ConsolidationPreference(q.ConsolidationPreference)
	if pref == "" {
		pref = s.cfg.DefaultPreference
	}
	waitDays := q.MaxConsolidationWaitDays
	if waitDays <= 0 {
		waitDays = s.cfg.DefaultMaxWaitDays
	}
	primary := q.PrimaryWarehouseID
	if primary == "" {
		primary = q.Lines[0].WarehouseID
	}
	if primary == "" {
		return nil, apperr.Invalid("primary_warehouse_id is required")
	}

	o := &models.Order{
		ID:                       uuid.New(),
		QuoteID:                  q.QuoteID,
		CustomerID:               p.CustomerID,
		PaymentMethod:            p.PaymentMethod,
		PaymentStatus:            "completed",
		Currency:                 p.Currency,
		PrimaryWarehouseID:       primary,
		ConsolidationPreference:  pref,
		MaxConsolidationWaitDays: waitDays,
		Status:                   models.OrderStatusProcessing,
		CreatedAt:                now,
		UpdatedAt:                now,
	}

	items := make([]*models.OrderItem, 0, len(q.Lines))
	original := decimal.Zero
	for _, l := range q.Lines {
		wh := l.WarehouseID
		if wh == "" {
			wh = primary
		}
		it := &models.OrderItem{
			ID:                 uuid.New(),
			OrderID:            o.ID,
			ProductURL:         l.ProductURL,
			ProductName:        l.ProductName,
			SellerPlatform:     l.SellerPlatform,
			OriginCountry:      l.OriginCountry,
			DestinationCountry: l.DestinationCountry,
			Quantity:           l.Quantity,
			OriginalPrice:      l.Price,
			CurrentPrice:       l.Price,
			OriginalWeight:     l.Weight,
			CurrentWeight:      l.Weight,
			WarehouseID:        wh,
			Status:             models.ItemPendingOrderPlacement,
			CreatedAt:          now,
			UpdatedAt:          now,
		}
		original = original.Add(it.LineTotal())
		items = append(items, it)
	}
	o.OriginalTotal = original
	o.CurrentTotal = original

	saved, created, err := s.repo.CreateOrder(ctx, o, items)
	if err != nil {
		return nil, err
	}
	if !created {
		slog.Info("order already exists for quote", "quote_id", q.QuoteID, "order_id", saved.ID)
		// a previous delivery may have saved the order and failed before enqueuing
		existing, err := s.repo.ListOrderItems(ctx, saved.ID)
		if err != nil {
			return nil, err
		}
		items = items[:0]
		for _, it := range existing {
			if it.Status == models.ItemPendingOrderPlacement {
				items = append(items, it)
			}
		}
	}

	if err := s.RecomputeCounters(ctx, saved.ID); err != nil {
		return nil, err
	}
	if err := s.enqueuePlacement(ctx, items); err != nil {
		return nil, err
	}
	if created {
		slog.Info("order created", "order_id", saved.ID, "quote_id", q.QuoteID, "items", len(items))
	}
	return s.Get(ctx, saved.ID)
}

// enqueuePlacement relies on the task store returning the open task for an item that
// already has one.
func (s *Service) enqueuePlacement(ctx context.Context, items []*models.OrderItem) error {
	if s.tasks == nil {
		return nil
	}
	for _, it := range items {
		_, err := s.tasks.Enqueue(ctx, it.ID, models.TaskOrderPlacement, models.TaskConfig{
			OrderPlacement: &models.OrderPlacementConfig{
				ProductURL:      it.ProductURL,
				Quantity:        it.Quantity,
				ShipToWarehouse: it.WarehouseID,
			},
		})
		if err != nil {
			return errors.Wrap(err, "enqueue order placement")
		}
	}
	return nil
}

func (s *Service) Get(ctx context.Context, id uuid.UUID) (*OrderView, error) {
	if s.cache != nil && s.cfg.ViewTTL > 0 {
		if b, ok, err := s.cache.Get(ctx, viewKey(id)); err == nil && ok {
			var v OrderView
			if json.Unmarshal(b, &v) == nil && v.Order != nil {
				return &v, nil
			}
		}
	}
	v, err := s.load(ctx, id)
	if err != nil {
		return nil, err
	}
	s.store(ctx, v)
	return v, nil
}

func (s *Service) load(ctx context.Context, id uuid.UUID) (*OrderView, error) {
	o, err := s.repo.GetOrder(ctx, id)
	if err != nil {
		return nil, err
	}
	items, err := s.repo.ListOrderItems(ctx, id)
	if err != nil {
		return nil, err
	}
	return &OrderView{Order: o, Items: items}, nil
}

func (s *Service) store(ctx context.Context, v *OrderView) {
	if s.cache == nil || s.cfg.ViewTTL <= 0 {
		return
	}
	b, err := json.Marshal(v)
	if err != nil {
		return
	}
	_ = s.cache.Set(ctx, viewKey(v.Order.ID), b, s.cfg.ViewTTL)
}

func (s *Service) invalidate(ctx context.Context, id uuid.UUID) {
	if s.cache == nil {
		return
	}
	if err := s.cache.Delete(ctx, viewKey(id)); err != nil {
		slog.Warn("order view cache delete", "order_id", id, "error", err.Error())
	}
}

// RecomputeCounters rewrites counters, totals and status from the current item states.
// It is idempotent and safe to call concurrently; the last call wins.
func (s *Service) RecomputeCounters(ctx context.Context, orderID uuid.UUID) error {
	return s.recompute(ctx, orderID, nil)
}

// RecordDelivery recomputes the order and stamps the latest delivery time.
func (s *Service) RecordDelivery(ctx context.Context, orderID uuid.UUID, at time.Time) error {
	if err := s.recompute(ctx, orderID, &at); err != nil {
		return err
	}
	o, err := s.repo.GetOrder(ctx, orderID)
	if err != nil {
		return err
	}
	if o.Status == models.OrderStatusDelivered && s.notifier != nil {
		err := s.notifier.Notify(ctx, messages.CustomerNotification{
			Kind:    messages.NotifyDelivered,
			OrderID: orderID,
			Status:  string(o.Status),
		})
		if err != nil {
			slog.Warn("notify order delivered", "order_id", orderID, "error", err.Error())
		}
	}
	return nil
}

func (s *Service) recompute(ctx context.Context, orderID uuid.UUID, lastDelivery *time.Time) error {
	o, err := s.repo.GetOrder(ctx, orderID)
	if err != nil {
		return err
	}
	items, err := s.repo.ListOrderItems(ctx, orderID)
	if err != nil {
		return err
	}
	r := Rollup(o.OriginalTotal, items, lastDelivery)
	if err := s.repo.SaveOrderRollup(ctx, orderID, r); err != nil {
		return err
	}
	s.invalidate(ctx, orderID)
	slog.Debug("order counters recomputed", "order_id", orderID, "status", r.Status, "total", r.Counters.Total)
	return nil
}

func (s *Service) UpdateSettings(ctx context.Context, actor models.Actor, id uuid.UUID, upd models.OrderSettingsUpdate) (*OrderView, error) {
	if !actor.Can(models.CapAdminEdit) {
		return nil, errors.Wrap(apperr.ErrForbidden, "admin_edit required")
	}
	if upd.ConsolidationPreference != nil && !upd.ConsolidationPreference.IsValid() {
		return nil, apperr.Invalid("unknown consolidation_preference")
	}
	if upd.MaxConsolidationWaitDays != nil && *upd.MaxConsolidationWaitDays <= 0 {
		return nil, apperr.Invalid("max_consolidation_wait_days must be positive")
	}
	if upd.PrimaryWarehouseID != nil && *upd.PrimaryWarehouseID == "" {
		return nil, apperr.Invalid("primary_warehouse_id must not be empty")
	}

	o, err := s.repo.GetOrder(ctx, id)
	if err != nil {
		return nil, err
	}
	if o.Status == models.OrderStatusClosed {
		return nil, errors.Wrap(apperr.ErrInvalidTransition, "order is closed")
	}
	if _, err := s.repo.UpdateOrderSettings(ctx, id, upd); err != nil {
		return nil, err
	}
	slog.Info("order settings updated", "order_id", id, "actor", actor.ID)

	v, err := s.load(ctx, id)
	if err != nil {
		return nil, err
	}
	s.store(ctx, v)
	return v, nil
}

// Close terminally closes an order whose items have all reached a terminal status.
func (s *Service) Close(ctx context.Context, actor models.Actor, id uuid.UUID) (*OrderView, error) {
	if !actor.Can(models.CapAdminEdit) {
		return nil, errors.Wrap(apperr.ErrForbidden, "admin_edit required")
	}
	items, err := s.repo.ListOrderItems(ctx, id)
	if err != nil {
		return nil, err
	}
	if _, err := s.repo.GetOrder(ctx, id); err != nil {
		return nil, err
	}
	for _, it := range items {
		if !it.Status.IsTerminal() {
			return nil, errors.Wrapf(apperr.ErrInvalidTransition, "item %s is still %s", it.ID, it.Status)
		}
	}
	if err := s.repo.CloseOrder(ctx, id, s.now()); err != nil {
		return nil, err
	}
	s.invalidate(ctx, id)
	slog.Info("order closed", "order_id", id, "actor", actor.ID)
	return s.Get(ctx, id)
}

func viewKey(id uuid.UUID) string {
	return fmt.Sprintf("order:%s:view", id)
}
