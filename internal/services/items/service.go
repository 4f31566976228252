// Package items is the single mutation entry point for order item status.
package items

import (
	"context"
	"log/slog"
	"time"

	"github.com/BearBump/Fulfillment/internal/apperr"
	"github.com/BearBump/Fulfillment/internal/broker/messages"
	"github.com/BearBump/Fulfillment/internal/models"
	"github.com/google/uuid"
	"github.com/pkg/errors"
)

const maxAttempts = 3

type Repository interface {
	GetItem(ctx context.Context, id uuid.UUID) (*models.OrderItem, error)
	ListOrderItems(ctx context.Context, orderID uuid.UUID) ([]*models.OrderItem, error)
	UpdateItem(ctx context.Context, id uuid.UUID, from, to models.ItemStatus, patch models.ItemPatch) (*models.OrderItem, error)
	AddItem(ctx context.Context, item *models.OrderItem) error
}

type CounterRecomputer interface {
	RecomputeCounters(ctx context.Context, orderID uuid.UUID) error
}

type Notifier interface {
	Notify(ctx context.Context, n messages.CustomerNotification) error
}

type Service struct {
	repo     Repository
	counters CounterRecomputer
	notifier Notifier
	now      func() time.Time
}

func New(repo Repository, counters CounterRecomputer, notifier Notifier) *Service {
	return &Service{
		repo:     repo,
		counters: counters,
		notifier: notifier,
		now:      func() time.Time { return time.Now().UTC() },
	}
}

func (s *Service) WithClock(now func() time.Time) *Service {
	s.now = now
	return s
}

// Change asks for one item status transition.
type Change struct {
	ItemID uuid.UUID
	To     models.ItemStatus
	Cause  models.TransitionCause
	Patch  models.ItemPatch
	// From optionally narrows the statuses the change may start from.
	From []models.ItemStatus
}

func (c Change) allows(from models.ItemStatus) bool {
	if len(c.From) == 0 {
		return true
	}
	for _, s := range c.From {
		if s == from {
			return true
		}
	}
	return false
}

// Apply moves the item with a compare-and-swap on its current status. A lost race is
// retried against the re-read status while the edge is still legal. An item already in the
// target status is returned as is, unless From excludes that status.
func (s *Service) Apply(ctx context.Context, ch Change) (*models.OrderItem, error) {
	if !ch.To.IsValid() {
		return nil, apperr.Invalid("unknown item status " + string(ch.To))
	}

	var lastErr error
	for attempt := 0; attempt < maxAttempts; attempt++ {
		it, err := s.repo.GetItem(ctx, ch.ItemID)
		if err != nil {
			return nil, err
		}
		if it.Status == ch.To && ch.allows(it.Status) {
			return it, nil
		}
		if !ch.allows(it.Status) || !it.Status.CanTransitionTo(ch.To, ch.Cause) {
			return nil, errors.Wrapf(apperr.ErrInvalidTransition, "item %s: %s -> %s by %s", it.ID, it.Status, ch.To, ch.Cause)
		}

		updated, err := s.repo.UpdateItem(ctx, it.ID, it.Status, ch.To, ch.Patch)
		if errors.Is(err, apperr.ErrConflict) {
			lastErr = err
			continue
		}
		if err != nil {
			return nil, err
		}

		slog.Info("item status changed",
			"item_id", it.ID, "order_id", it.OrderID, "from", it.Status, "to", ch.To, "cause", ch.Cause)
		s.afterCommit(ctx, updated, it.Status, ch.Cause)
		return updated, nil
	}
	return nil, lastErr
}

// Patch writes fields without changing status.
func (s *Service) Patch(ctx context.Context, itemID uuid.UUID, patch models.ItemPatch) (*models.OrderItem, error) {
	var lastErr error
	for attempt := 0; attempt < maxAttempts; attempt++ {
		it, err := s.repo.GetItem(ctx, itemID)
		if err != nil {
			return nil, err
		}
		updated, err := s.repo.UpdateItem(ctx, it.ID, it.Status, it.Status, patch)
		if errors.Is(err, apperr.ErrConflict) {
			lastErr = err
			continue
		}
		if err != nil {
			return nil, err
		}
		s.recompute(ctx, updated.OrderID)
		return updated, nil
	}
	return nil, lastErr
}

// ForceStatus lets an admin take any edge of the graph regardless of the workflow guard.
func (s *Service) ForceStatus(ctx context.Context, actor models.Actor, itemID uuid.UUID, to models.ItemStatus, note string) (*models.OrderItem, error) {
	if !actor.Can(models.CapForceStatus) {
		return nil, errors.Wrap(apperr.ErrForbidden, "force_status required")
	}
	it, err := s.Apply(ctx, Change{ItemID: itemID, To: to, Cause: models.CauseAdmin})
	if err != nil {
		return nil, err
	}
	slog.Warn("item status forced", "item_id", itemID, "to", to, "actor", actor.ID, "note", note)
	return it, nil
}

func (s *Service) Get(ctx context.Context, id uuid.UUID) (*models.OrderItem, error) {
	return s.repo.GetItem(ctx, id)
}

func (s *Service) ListByOrder(ctx context.Context, orderID uuid.UUID) ([]*models.OrderItem, error) {
	return s.repo.ListOrderItems(ctx, orderID)
}

// AddReplacement creates a fresh item, pending placement, standing in for orig.
func (s *Service) AddReplacement(ctx context.Context, orig *models.OrderItem) (*models.OrderItem, error) {
	now := s.now()
	origID := orig.ID
	it := &models.OrderItem{
		ID:                 uuid.New(),
		OrderID:            orig.OrderID,
		ProductURL:         orig.ProductURL,
		ProductName:        orig.ProductName,
		SellerPlatform:     orig.SellerPlatform,
		OriginCountry:      orig.OriginCountry,
		DestinationCountry: orig.DestinationCountry,
		Quantity:           orig.Quantity,
		OriginalPrice:      orig.OriginalPrice,
		CurrentPrice:       orig.CurrentPrice,
		OriginalWeight:     orig.OriginalWeight,
		CurrentWeight:      orig.CurrentWeight,
		WarehouseID:        orig.WarehouseID,
		Status:             models.ItemPendingOrderPlacement,
		ReplacesID:         &origID,
		CreatedAt:          now,
		UpdatedAt:          now,
	}
	if err := s.repo.AddItem(ctx, it); err != nil {
		return nil, err
	}
	slog.Info("replacement item added", "item_id", it.ID, "replaces", orig.ID, "order_id", it.OrderID)
	s.recompute(ctx, it.OrderID)
	return it, nil
}

func (s *Service) afterCommit(ctx context.Context, it *models.OrderItem, from models.ItemStatus, cause models.TransitionCause) {
	s.recompute(ctx, it.OrderID)
	if s.notifier == nil || !it.Status.CustomerVisible() {
		return
	}
	itemID := it.ID
	err := s.notifier.Notify(ctx, messages.CustomerNotification{
		Kind:    messages.NotifyStatusChanged,
		OrderID: it.OrderID,
		ItemID:  &itemID,
		Status:  string(it.Status),
		Payload: map[string]string{
			"from":  string(from),
			"cause": string(cause),
		},
	})
	if err != nil {
		slog.Warn("notify item status", "item_id", it.ID, "error", err.Error())
	}
}

// recompute is invoked after every item commit; the item write already happened, so a
// failure is logged and left for the next recompute to repair.
func (s *Service) recompute(ctx context.Context, orderID uuid.UUID) {
	if s.counters == nil {
		return
	}
	if err := s.counters.RecomputeCounters(ctx, orderID); err != nil {
		slog.Error("recompute order counters", "order_id", orderID, "error", err.Error())
	}
}
