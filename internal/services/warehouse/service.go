// Package warehouse records goods receipt and quality inspection by warehouse staff.
package warehouse

import (
	"context"
	"log/slog"
	"time"

	"github.com/BearBump/Fulfillment/internal/apperr"
	"github.com/BearBump/Fulfillment/internal/models"
	"github.com/BearBump/Fulfillment/internal/services/exceptions"
	"github.com/BearBump/Fulfillment/internal/services/items"
	"github.com/google/uuid"
	"github.com/pkg/errors"
)

type ItemService interface {
	Get(ctx context.Context, id uuid.UUID) (*models.OrderItem, error)
	Apply(ctx context.Context, ch items.Change) (*models.OrderItem, error)
}

type ExceptionRaiser interface {
	Raise(ctx context.Context, in exceptions.RaiseInput) (*models.Exception, error)
}

// Planner is poked when an item becomes ready so ship_as_ready orders do not wait for the
// next sweep.
type Planner interface {
	PlanOrder(ctx context.Context, orderID uuid.UUID) ([]*models.Shipment, error)
}

type Service struct {
	items      ItemService
	exceptions ExceptionRaiser
	planner    Planner
	now        func() time.Time
}

func New(itemSvc ItemService, ex ExceptionRaiser, planner Planner) *Service {
	return &Service{
		items:      itemSvc,
		exceptions: ex,
		planner:    planner,
		now:        func() time.Time { return time.Now().UTC() },
	}
}

func (s *Service) WithClock(now func() time.Time) *Service {
	s.now = now
	return s
}

// Receive books an item into a warehouse and queues it for inspection.
func (s *Service) Receive(ctx context.Context, actor models.Actor, itemID uuid.UUID, warehouseID string) (*models.OrderItem, error) {
	if !actor.Can(models.CapWarehouse) {
		return nil, errors.Wrap(apperr.ErrForbidden, "warehouse required")
	}
	now := s.now()
	patch := models.ItemPatch{ReceivedAt: &now}
	if warehouseID != "" {
		patch.WarehouseID = &warehouseID
	}
	it, err := s.items.Apply(ctx, items.Change{
		ItemID: itemID,
		To:     models.ItemQualityCheckPending,
		Cause:  models.CauseWarehouse,
		Patch:  patch,
	})
	if err != nil {
		return nil, err
	}
	slog.Info("item received", "item_id", itemID, "warehouse_id", it.WarehouseID, "actor", actor.ID)
	return it, nil
}

type QualityResult struct {
	ItemID    uuid.UUID
	Passed    bool
	Notes     string
	PhotoURLs []string
}

// QualityCheck records the inspection outcome. A failure opens a quality_check_failed
// exception valued at the item's line total.
func (s *Service) QualityCheck(ctx context.Context, actor models.Actor, res QualityResult) (*models.OrderItem, error) {
	if !actor.Can(models.CapWarehouse) {
		return nil, errors.Wrap(apperr.ErrForbidden, "warehouse required")
	}
	to := models.ItemQualityCheckFailed
	if res.Passed {
		to = models.ItemQualityCheckPassed
	}
	patch := models.ItemPatch{QualityPhotoURLs: res.PhotoURLs}
	if res.Notes != "" {
		patch.QualityNotes = &res.Notes
	}
	it, err := s.items.Apply(ctx, items.Change{
		ItemID: res.ItemID,
		To:     to,
		Cause:  models.CauseWarehouse,
		Patch:  patch,
		From:   []models.ItemStatus{models.ItemQualityCheckPending},
	})
	if err != nil {
		return nil, err
	}
	slog.Info("quality check recorded", "item_id", it.ID, "passed", res.Passed, "actor", actor.ID)

	if !res.Passed {
		desc := res.Notes
		if desc == "" {
			desc = "quality check failed"
		}
		if _, err := s.exceptions.Raise(ctx, exceptions.RaiseInput{
			ItemID:          it.ID,
			Type:            models.ExceptionQualityCheckFailed,
			DetectedBy:      models.DetectedByQualityCheck,
			Description:     desc,
			FinancialImpact: it.LineTotal(),
		}); err != nil {
			return it, err
		}
		return it, nil
	}

	if s.planner != nil {
		if _, err := s.planner.PlanOrder(ctx, it.OrderID); err != nil {
			slog.Error("plan order after quality pass", "order_id", it.OrderID, "error", err.Error())
		}
	}
	return it, nil
}

// ReportException lets staff open an exception on an item outside the inspection step.
func (s *Service) ReportException(ctx context.Context, actor models.Actor, in exceptions.RaiseInput) (*models.Exception, error) {
	if !actor.Can(models.CapReportException) {
		return nil, errors.Wrap(apperr.ErrForbidden, "report_exception required")
	}
	if in.DetectedBy == "" {
		in.DetectedBy = models.DetectedByStaffReport
		if actor.Role == models.RoleSystem || actor.Role == models.RoleAutomation {
			in.DetectedBy = models.DetectedBySystem
		}
	}
	return s.exceptions.Raise(ctx, in)
}
