// Package exceptions runs the anomaly workflow: classification, customer resolution with a
// deadline, and automatic application of the recommended resolution on expiry.
package exceptions

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/BearBump/Fulfillment/internal/apperr"
	"github.com/BearBump/Fulfillment/internal/broker/messages"
	"github.com/BearBump/Fulfillment/internal/models"
	"github.com/BearBump/Fulfillment/internal/services/items"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
)

const (
	sweeperID = "system:sweeper"
	systemID  = "system:exceptions"
)

type Repository interface {
	GetOrder(ctx context.Context, id uuid.UUID) (*models.Order, error)
	CreateException(ctx context.Context, e *models.Exception) error
	GetException(ctx context.Context, id uuid.UUID) (*models.Exception, error)
	FindOpenException(ctx context.Context, itemID uuid.UUID, typ models.ExceptionType) (*models.Exception, error)
	ListOpenExceptions(ctx context.Context, itemID uuid.UUID) ([]*models.Exception, error)
	ResolveException(ctx context.Context, id uuid.UUID, res models.ExceptionResolution) (*models.Exception, error)
	ListExpiredExceptions(ctx context.Context, now time.Time, limit int) ([]*models.Exception, error)
}

type ItemService interface {
	Get(ctx context.Context, id uuid.UUID) (*models.OrderItem, error)
	Apply(ctx context.Context, ch items.Change) (*models.OrderItem, error)
	AddReplacement(ctx context.Context, orig *models.OrderItem) (*models.OrderItem, error)
}

type TaskEnqueuer interface {
	Enqueue(ctx context.Context, itemID uuid.UUID, typ models.TaskType, cfg models.TaskConfig) (*models.AutomationTask, error)
}

type Notifier interface {
	Notify(ctx context.Context, n messages.CustomerNotification) error
	RequestRefund(ctx context.Context, r messages.RefundRequested) error
}

type Service struct {
	repo     Repository
	items    ItemService
	tasks    TaskEnqueuer
	notifier Notifier
	window   time.Duration
	now      func() time.Time
}

func New(repo Repository, itemSvc ItemService, tasks TaskEnqueuer, notifier Notifier, responseWindow time.Duration) *Service {
	if responseWindow <= 0 {
		responseWindow = 48 * time.Hour
	}
	return &Service{
		repo:     repo,
		items:    itemSvc,
		tasks:    tasks,
		notifier: notifier,
		window:   responseWindow,
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

type RaiseInput struct {
	ItemID          uuid.UUID
	ShipmentID      *uuid.UUID
	Type            models.ExceptionType
	DetectedBy      models.Detector
	Description     string
	FinancialImpact decimal.Decimal
}

// Raise opens an exception. While one of the same type is pending for the item, that one is
// returned instead.
func (s *Service) Raise(ctx context.Context, in RaiseInput) (*models.Exception, error) {
	p, ok := policies[in.Type]
	if !ok {
		return nil, apperr.Invalid("unknown exception type " + string(in.Type))
	}
	if in.DetectedBy == "" {
		in.DetectedBy = models.DetectedBySystem
	}

	open, err := s.repo.FindOpenException(ctx, in.ItemID, in.Type)
	if err != nil {
		return nil, err
	}
	if open != nil {
		return open, nil
	}

	it, err := s.items.Get(ctx, in.ItemID)
	if err != nil {
		return nil, err
	}

	now := s.now()
	e := &models.Exception{
		ID:                       uuid.New(),
		ItemID:                   it.ID,
		OrderID:                  it.OrderID,
		ShipmentID:               in.ShipmentID,
		Type:                     in.Type,
		Severity:                 Classify(in.Type, in.FinancialImpact),
		DetectedBy:               in.DetectedBy,
		Description:              in.Description,
		AvailableResolutions:     append([]models.Resolution(nil), p.resolutions...),
		RecommendedResolution:    p.recommended,
		CustomerResponseDeadline: now.Add(s.window),
		ResolutionStatus:         models.ResolutionPending,
		FinancialImpact:          in.FinancialImpact,
		CreatedAt:                now,
		UpdatedAt:                now,
	}
	if err := s.repo.CreateException(ctx, e); err != nil {
		return nil, err
	}
	slog.Warn("exception raised",
		"exception_id", e.ID, "item_id", e.ItemID, "type", e.Type, "severity", e.Severity, "detected_by", e.DetectedBy)

	s.notify(ctx, e, messages.NotifyApprovalNeeded, map[string]string{
		"exception_id": e.ID.String(),
		"type":         string(e.Type),
		"severity":     string(e.Severity),
		"recommended":  string(e.RecommendedResolution),
		"deadline":     e.CustomerResponseDeadline.Format(time.RFC3339),
	})
	return e, nil
}

func (s *Service) Get(ctx context.Context, id uuid.UUID) (*models.Exception, error) {
	return s.repo.GetException(ctx, id)
}

// Respond records the customer's choice and applies it.
func (s *Service) Respond(ctx context.Context, actor models.Actor, id uuid.UUID, choice models.Resolution, note string) (*models.Exception, error) {
	e, err := s.repo.GetException(ctx, id)
	if err != nil {
		return nil, err
	}
	o, err := s.repo.GetOrder(ctx, e.OrderID)
	if err != nil {
		return nil, err
	}
	if !actor.MayRespondFor(o.CustomerID) {
		return nil, errors.Wrap(apperr.ErrForbidden, "actor may not respond for this order")
	}
	if e.ResolutionStatus != models.ResolutionPending {
		return nil, errors.Wrapf(apperr.ErrAlreadyResolved, "exception is %s", e.ResolutionStatus)
	}
	if s.now().After(e.CustomerResponseDeadline) {
		return nil, errors.Wrap(apperr.ErrDeadlinePassed, "exception response deadline passed")
	}
	if !e.Offers(choice) {
		return nil, apperr.Invalid(fmt.Sprintf("resolution %q is not offered", choice))
	}

	resolved, err := s.resolve(ctx, e.ID, models.ExceptionResolution{
		Status:             models.ResolutionResolved,
		CustomerResolution: &choice,
		Method:             choice,
		Notes:              note,
		ResolvedBy:         actor.ID,
		ResolvedAt:         s.now(),
	})
	if err != nil {
		return nil, err
	}
	if err := s.apply(ctx, resolved, choice, o.Currency); err != nil {
		return resolved, err
	}
	return resolved, nil
}

// Dismiss closes an exception without any effect on the item.
func (s *Service) Dismiss(ctx context.Context, actor models.Actor, id uuid.UUID, note string) (*models.Exception, error) {
	if !actor.Can(models.CapAdminEdit) {
		return nil, errors.Wrap(apperr.ErrForbidden, "admin_edit required")
	}
	e, err := s.repo.GetException(ctx, id)
	if err != nil {
		return nil, err
	}
	if e.ResolutionStatus != models.ResolutionPending {
		return nil, errors.Wrapf(apperr.ErrAlreadyResolved, "exception is %s", e.ResolutionStatus)
	}
	out, err := s.resolve(ctx, id, models.ExceptionResolution{
		Status:     models.ResolutionDismissed,
		Notes:      note,
		ResolvedBy: actor.ID,
		ResolvedAt: s.now(),
	})
	if err != nil {
		return nil, err
	}
	slog.Info("exception dismissed", "exception_id", id, "actor", actor.ID)
	return out, nil
}

// ExpireDue applies the recommended resolution to every pending exception whose deadline
// elapsed. Exceptions resolved concurrently are skipped.
func (s *Service) ExpireDue(ctx context.Context, now time.Time, limit int) (int, error) {
	due, err := s.repo.ListExpiredExceptions(ctx, now, limit)
	if err != nil {
		return 0, err
	}
	n := 0
	for _, e := range due {
		resolved, err := s.resolve(ctx, e.ID, models.ExceptionResolution{
			Status:     models.ResolutionResolved,
			Method:     e.RecommendedResolution,
			Notes:      fmt.Sprintf("no customer response by %s; applied recommended %s (detected by %s)", e.CustomerResponseDeadline.Format(time.RFC3339), e.RecommendedResolution, e.DetectedBy),
			ResolvedBy: sweeperID,
			ResolvedAt: now,
		})
		if errors.Is(err, apperr.ErrAlreadyResolved) {
			continue
		}
		if err != nil {
			return n, err
		}
		n++

		currency := ""
		if o, err := s.repo.GetOrder(ctx, e.OrderID); err == nil {
			currency = o.Currency
		}
		if err := s.apply(ctx, resolved, e.RecommendedResolution, currency); err != nil {
			slog.Error("apply expired exception resolution", "exception_id", e.ID, "error", err.Error())
		}
	}
	return n, nil
}

func (s *Service) resolve(ctx context.Context, id uuid.UUID, res models.ExceptionResolution) (*models.Exception, error) {
	e, err := s.repo.ResolveException(ctx, id, res)
	if errors.Is(err, apperr.ErrConflict) {
		return nil, errors.Wrap(apperr.ErrAlreadyResolved, "exception resolved concurrently")
	}
	return e, err
}

// apply carries out the effect of a resolution on the item and the payments collaborator.
// An item that is already terminal gets no effect at all, so a sibling exception can never
// refund or replace it a second time.
func (s *Service) apply(ctx context.Context, e *models.Exception, r models.Resolution, currency string) error {
	it, err := s.items.Get(ctx, e.ItemID)
	if err != nil {
		return err
	}
	if it.Status.IsTerminal() {
		slog.Warn("exception resolution skipped on terminal item",
			"exception_id", e.ID, "item_id", it.ID, "status", it.Status, "resolution", r)
		return nil
	}
	slog.Info("applying exception resolution", "exception_id", e.ID, "item_id", it.ID, "resolution", r)

	switch r {
	case models.ResolutionRefund, models.ResolutionStoreCredit:
		moved, err := s.move(ctx, it, models.ItemRefunded)
		if err != nil || !moved {
			return err
		}
		s.refund(ctx, e, it, it.LineTotal(), r, currency)

	case models.ResolutionPartialRefundKeep:
		amount := e.FinancialImpact
		if !amount.IsPositive() || amount.GreaterThan(it.LineTotal()) {
			amount = it.LineTotal()
		}
		s.refund(ctx, e, it, amount, r, currency)
		if it.Status == models.ItemQualityCheckFailed {
			if _, err := s.move(ctx, it, models.ItemQualityCheckPassed); err != nil {
				return err
			}
		}

	case models.ResolutionAcceptAsIs:
		if it.Status == models.ItemQualityCheckFailed {
			if _, err := s.move(ctx, it, models.ItemQualityCheckPassed); err != nil {
				return err
			}
		}

	case models.ResolutionReplacement, models.ResolutionAlternativeSource:
		target := models.ItemCancelled
		if it.Status.HasEdge(models.ItemExchanged) {
			target = models.ItemExchanged
		}
		moved, err := s.move(ctx, it, target)
		if err != nil || !moved {
			return err
		}
		rep, err := s.items.AddReplacement(ctx, it)
		if err != nil {
			return err
		}
		if s.tasks != nil {
			_, err := s.tasks.Enqueue(ctx, rep.ID, models.TaskOrderPlacement, models.TaskConfig{
				OrderPlacement: &models.OrderPlacementConfig{
					ProductURL:      rep.ProductURL,
					Quantity:        rep.Quantity,
					ShipToWarehouse: rep.WarehouseID,
				},
			})
			if err != nil {
				return errors.Wrap(err, "enqueue replacement placement")
			}
		}

	case models.ResolutionReturnToSender:
		target := models.ItemCancelled
		if it.Status.HasEdge(models.ItemReturned) {
			target = models.ItemReturned
		}
		moved, err := s.move(ctx, it, target)
		if err != nil || !moved {
			return err
		}
		s.refund(ctx, e, it, it.LineTotal(), r, currency)

	case models.ResolutionPayDuties, models.ResolutionManualPlacement:
		// handled out-of-band; the item stays where it is
	}

	s.notify(ctx, e, messages.NotifyResolved, map[string]string{
		"exception_id": e.ID.String(),
		"type":         string(e.Type),
		"resolution":   string(r),
	})
	return nil
}

// move reports whether this call made the transition. Losing the item to a terminal status
// written by someone else is not an error but reports false.
func (s *Service) move(ctx context.Context, it *models.OrderItem, to models.ItemStatus) (bool, error) {
	_, err := s.items.Apply(ctx, items.Change{
		ItemID: it.ID,
		To:     to,
		Cause:  models.CauseException,
		From:   models.OpenItemStatuses(),
	})
	if err == nil {
		if to.IsTerminal() {
			s.closeSiblings(ctx, it.ID, to)
		}
		return true, nil
	}
	if errors.Is(err, apperr.ErrInvalidTransition) {
		if cur, gerr := s.items.Get(ctx, it.ID); gerr == nil && cur.Status.IsTerminal() {
			slog.Warn("item closed concurrently, resolution skipped", "item_id", it.ID, "status", cur.Status, "target", to)
			return false, nil
		}
	}
	return false, err
}

// closeSiblings dismisses the other pending exceptions of an item that just became terminal.
func (s *Service) closeSiblings(ctx context.Context, itemID uuid.UUID, status models.ItemStatus) {
	open, err := s.repo.ListOpenExceptions(ctx, itemID)
	if err != nil {
		slog.Error("list open exceptions", "item_id", itemID, "error", err.Error())
		return
	}
	for _, e := range open {
		_, err := s.resolve(ctx, e.ID, models.ExceptionResolution{
			Status:     models.ResolutionDismissed,
			Notes:      fmt.Sprintf("item became %s", status),
			ResolvedBy: systemID,
			ResolvedAt: s.now(),
		})
		if err != nil && !errors.Is(err, apperr.ErrAlreadyResolved) {
			slog.Error("dismiss sibling exception", "exception_id", e.ID, "error", err.Error())
			continue
		}
		if err == nil {
			slog.Info("sibling exception dismissed", "exception_id", e.ID, "item_id", itemID, "status", status)
		}
	}
}

func (s *Service) refund(ctx context.Context, e *models.Exception, it *models.OrderItem, amount decimal.Decimal, r models.Resolution, currency string) {
	if s.notifier == nil {
		return
	}
	exID := e.ID
	err := s.notifier.RequestRefund(ctx, messages.RefundRequested{
		OrderID:     e.OrderID,
		ItemID:      it.ID,
		ExceptionID: &exID,
		Amount:      amount,
		Currency:    currency,
		Reason:      string(e.Type),
		Resolution:  string(r),
	})
	if err != nil {
		slog.Error("request refund", "exception_id", e.ID, "error", err.Error())
	}
}

func (s *Service) notify(ctx context.Context, e *models.Exception, kind messages.NotificationKind, payload map[string]string) {
	if s.notifier == nil {
		return
	}
	itemID := e.ItemID
	err := s.notifier.Notify(ctx, messages.CustomerNotification{
		Kind:       kind,
		OrderID:    e.OrderID,
		ItemID:     &itemID,
		ShipmentID: e.ShipmentID,
		Payload:    payload,
	})
	if err != nil {
		slog.Warn("notify exception", "exception_id", e.ID, "error", err.Error())
	}
}
