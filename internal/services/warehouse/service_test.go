package warehouse

import (
	"context"
	"testing"
	"time"

	"github.com/BearBump/Fulfillment/internal/apperr"
	"github.com/BearBump/Fulfillment/internal/models"
	"github.com/BearBump/Fulfillment/internal/services/exceptions"
	"github.com/BearBump/Fulfillment/internal/services/items"
	"github.com/BearBump/Fulfillment/internal/storage/memfulfillment"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
)

type fakePlanner struct {
	orders []uuid.UUID
}

func (p *fakePlanner) PlanOrder(ctx context.Context, orderID uuid.UUID) ([]*models.Shipment, error) {
	p.orders = append(p.orders, orderID)
	return nil, nil
}

var staff = models.Actor{ID: "st-1", Role: models.RoleStaff}

func setup(t *testing.T, st models.ItemStatus) (*Service, *memfulfillment.Storage, *fakePlanner, *models.OrderItem) {
	t.Helper()
	repo := memfulfillment.New()
	itemSvc := items.New(repo, nil, nil)
	ex := exceptions.New(repo, itemSvc, nil, nil, 0)
	pl := &fakePlanner{}
	now := time.Date(2026, 5, 5, 12, 0, 0, 0, time.UTC)
	s := New(itemSvc, ex, pl).WithClock(func() time.Time { return now })

	o := &models.Order{ID: uuid.New(), QuoteID: uuid.NewString(), CustomerID: "c"}
	it := &models.OrderItem{
		ID:           uuid.New(),
		OrderID:      o.ID,
		Quantity:     3,
		CurrentPrice: decimal.NewFromInt(50),
		WarehouseID:  "wh-a",
		Status:       st,
	}
	_, _, err := repo.CreateOrder(context.Background(), o, []*models.OrderItem{it})
	require.NoError(t, err)
	return s, repo, pl, it
}

func TestService_Receive(t *testing.T) {
	s, _, _, it := setup(t, models.ItemSellerOrderPlaced)

	_, err := s.Receive(context.Background(), models.Actor{ID: "c", Role: models.RoleCustomer}, it.ID, "wh-b")
	require.ErrorIs(t, err, apperr.ErrForbidden)

	got, err := s.Receive(context.Background(), staff, it.ID, "wh-b")
	require.NoError(t, err)
	require.Equal(t, models.ItemQualityCheckPending, got.Status)
	require.Equal(t, "wh-b", got.WarehouseID)
	require.NotNil(t, got.ReceivedAt)
}

func TestService_Receive_RevisionPendingBlocked(t *testing.T) {
	s, _, _, it := setup(t, models.ItemRevisionPending)

	_, err := s.Receive(context.Background(), staff, it.ID, "")
	require.ErrorIs(t, err, apperr.ErrInvalidTransition)
}

func TestService_QualityCheck_PassTriggersPlanner(t *testing.T) {
	s, _, pl, it := setup(t, models.ItemQualityCheckPending)

	got, err := s.QualityCheck(context.Background(), staff, QualityResult{ItemID: it.ID, Passed: true, PhotoURLs: []string{"https://img/1.jpg"}})
	require.NoError(t, err)
	require.Equal(t, models.ItemQualityCheckPassed, got.Status)
	require.Equal(t, []string{"https://img/1.jpg"}, got.QualityPhotoURLs)
	require.Equal(t, []uuid.UUID{it.OrderID}, pl.orders)
}

func TestService_QualityCheck_FailRaisesException(t *testing.T) {
	s, repo, pl, it := setup(t, models.ItemQualityCheckPending)

	got, err := s.QualityCheck(context.Background(), staff, QualityResult{ItemID: it.ID, Passed: false, Notes: "cracked screen"})
	require.NoError(t, err)
	require.Equal(t, models.ItemQualityCheckFailed, got.Status)
	require.Empty(t, pl.orders)

	ex, err := repo.FindOpenException(context.Background(), it.ID, models.ExceptionQualityCheckFailed)
	require.NoError(t, err)
	require.NotNil(t, ex)
	require.Equal(t, models.DetectedByQualityCheck, ex.DetectedBy)
	require.True(t, ex.FinancialImpact.Equal(decimal.NewFromInt(150)))
	require.Equal(t, models.SeverityHigh, ex.Severity)
	require.Equal(t, "cracked screen", ex.Description)
}

func TestService_QualityCheck_OnlyFromPending(t *testing.T) {
	s, _, _, it := setup(t, models.ItemQualityCheckFailed)

	_, err := s.QualityCheck(context.Background(), staff, QualityResult{ItemID: it.ID, Passed: true})
	require.ErrorIs(t, err, apperr.ErrInvalidTransition)
}

func TestService_ReportException(t *testing.T) {
	s, _, _, it := setup(t, models.ItemShipped)

	_, err := s.ReportException(context.Background(), models.Actor{ID: "c", Role: models.RoleCustomer}, exceptions.RaiseInput{ItemID: it.ID, Type: models.ExceptionLostInTransit})
	require.ErrorIs(t, err, apperr.ErrForbidden)

	ex, err := s.ReportException(context.Background(), staff, exceptions.RaiseInput{ItemID: it.ID, Type: models.ExceptionLostInTransit})
	require.NoError(t, err)
	require.Equal(t, models.DetectedByStaffReport, ex.DetectedBy)
	require.Equal(t, models.SeverityCritical, ex.Severity)
}
