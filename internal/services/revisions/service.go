// Package revisions handles price and weight changes discovered after the seller order was
// placed.
package revisions

import (
	"context"
	"log/slog"
	"time"

	"github.com/BearBump/Fulfillment/internal/apperr"
	"github.com/BearBump/Fulfillment/internal/broker/messages"
	"github.com/BearBump/Fulfillment/internal/models"
	"github.com/BearBump/Fulfillment/internal/services/exceptions"
	"github.com/BearBump/Fulfillment/internal/services/items"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
)

const (
	sweeperID      = "system:sweeper"
	autoApproverID = "system:auto-approval"
)

type Repository interface {
	GetOrder(ctx context.Context, id uuid.UUID) (*models.Order, error)
	CreateRevision(ctx context.Context, r *models.Revision) error
	GetRevision(ctx context.Context, id uuid.UUID) (*models.Revision, error)
	FindPendingRevision(ctx context.Context, itemID uuid.UUID) (*models.Revision, error)
	DecideRevision(ctx context.Context, id uuid.UUID, d models.RevisionDecision) (*models.Revision, error)
	ListExpiredRevisions(ctx context.Context, now time.Time, limit int) ([]*models.Revision, error)
}

type ItemService interface {
	Get(ctx context.Context, id uuid.UUID) (*models.OrderItem, error)
	Apply(ctx context.Context, ch items.Change) (*models.OrderItem, error)
}

type ExceptionRaiser interface {
	Raise(ctx context.Context, in exceptions.RaiseInput) (*models.Exception, error)
}

type Notifier interface {
	Notify(ctx context.Context, n messages.CustomerNotification) error
}

type Config struct {
	AutoApproveAmount  decimal.Decimal
	AutoApprovePercent decimal.Decimal
	PriceTolerance     decimal.Decimal
	WeightTolerance    decimal.Decimal
	RatePerKg          decimal.Decimal
	ResponseWindow     time.Duration
}

func DefaultConfig() Config {
	return Config{
		AutoApproveAmount:  decimal.NewFromInt(25),
		AutoApprovePercent: decimal.NewFromInt(5),
		PriceTolerance:     decimal.RequireFromString("0.01"),
		WeightTolerance:    decimal.RequireFromString("0.05"),
		RatePerKg:          decimal.NewFromInt(12),
		ResponseWindow:     48 * time.Hour,
	}
}

type Service struct {
	repo       Repository
	items      ItemService
	exceptions ExceptionRaiser
	notifier   Notifier
	cfg        Config
	now        func() time.Time
}

func New(repo Repository, itemSvc ItemService, ex ExceptionRaiser, notifier Notifier, cfg Config) *Service {
	def := DefaultConfig()
	if !cfg.AutoApproveAmount.IsPositive() {
		cfg.AutoApproveAmount = def.AutoApproveAmount
	}
	if !cfg.AutoApprovePercent.IsPositive() {
		cfg.AutoApprovePercent = def.AutoApprovePercent
	}
	if !cfg.PriceTolerance.IsPositive() {
		cfg.PriceTolerance = def.PriceTolerance
	}
	if !cfg.WeightTolerance.IsPositive() {
		cfg.WeightTolerance = def.WeightTolerance
	}
	if cfg.RatePerKg.IsNegative() || cfg.RatePerKg.IsZero() {
		cfg.RatePerKg = def.RatePerKg
	}
	if cfg.ResponseWindow <= 0 {
		cfg.ResponseWindow = def.ResponseWindow
	}
	return &Service{
		repo:       repo,
		items:      itemSvc,
		exceptions: ex,
		notifier:   notifier,
		cfg:        cfg,
		now:        func() time.Time { return time.Now().UTC() },
	}
}

func (s *Service) WithClock(now func() time.Time) *Service {
	s.now = now
	return s
}

func (s *Service) thresholds() Thresholds {
	return Thresholds{
		AutoApproveAmount:  s.cfg.AutoApproveAmount,
		AutoApprovePercent: s.cfg.AutoApprovePercent,
		RatePerKg:          s.cfg.RatePerKg,
	}
}

type DetectInput struct {
	ItemID     uuid.UUID
	NewPrice   *decimal.Decimal
	NewWeight  *decimal.Decimal
	DetectedBy models.Detector
}

// Detect compares observed seller values with the item's current ones. Within tolerance it
// returns nil, nil. Otherwise the item enters revision_pending and a revision is recorded;
// eligible revisions are approved on the spot and the new values written to the item.
func (s *Service) Detect(ctx context.Context, in DetectInput) (*models.Revision, error) {
	it, err := s.items.Get(ctx, in.ItemID)
	if err != nil {
		return nil, err
	}
	if pending, err := s.repo.FindPendingRevision(ctx, it.ID); err != nil {
		return nil, err
	} else if pending != nil {
		return pending, nil
	}

	newPrice, newWeight := it.CurrentPrice, it.CurrentWeight
	if in.NewPrice != nil {
		newPrice = *in.NewPrice
	}
	if in.NewWeight != nil {
		newWeight = *in.NewWeight
	}
	if newPrice.Sub(it.CurrentPrice).Abs().LessThanOrEqual(s.cfg.PriceTolerance) &&
		newWeight.Sub(it.CurrentWeight).Abs().LessThanOrEqual(s.cfg.WeightTolerance) {
		return nil, nil
	}
	if !newPrice.IsPositive() || newWeight.IsNegative() {
		return nil, apperr.Invalid("observed price must be positive and weight non-negative")
	}

	ev := Evaluate(s.thresholds(), it, newPrice, newWeight)
	requiresApproval := !ev.AutoApprove
	if _, err := s.items.Apply(ctx, items.Change{
		ItemID: it.ID,
		To:     models.ItemRevisionPending,
		Cause:  models.CauseRevision,
		Patch:  models.ItemPatch{RequiresCustomerApproval: &requiresApproval},
	}); err != nil {
		return nil, err
	}

	now := s.now()
	if in.DetectedBy == "" {
		in.DetectedBy = models.DetectedByAutomation
	}
	r := &models.Revision{
		ID:                   uuid.New(),
		ItemID:               it.ID,
		OrderID:              it.OrderID,
		OriginalPrice:        it.CurrentPrice,
		NewPrice:             newPrice,
		OriginalWeight:       it.CurrentWeight,
		NewWeight:            newWeight,
		PriceDelta:           ev.PriceDelta,
		PriceDeltaPercent:    ev.PriceDeltaPercent,
		WeightDelta:          ev.WeightDelta,
		WeightDeltaPercent:   ev.WeightDeltaPercent,
		TotalCostImpact:      ev.TotalCostImpact,
		PercentageChange:     ev.PercentageChange,
		Breakdown:            ev.Breakdown,
		AutoApprovalEligible: ev.AutoApprove,
		ApprovalStatus:       models.ApprovalPending,
		DetectedBy:           in.DetectedBy,
		CreatedAt:            now,
		UpdatedAt:            now,
	}
	if ev.AutoApprove {
		r.ApprovalStatus = models.ApprovalAutoApproved
		by := autoApproverID
		r.RespondedBy = &by
		r.RespondedAt = &now
	} else {
		deadline := now.Add(s.cfg.ResponseWindow)
		r.ResponseDeadline = &deadline
	}
	if err := s.repo.CreateRevision(ctx, r); err != nil {
		return nil, err
	}
	slog.Info("revision detected",
		"revision_id", r.ID, "item_id", it.ID, "impact", r.TotalCostImpact.String(),
		"percent", r.PercentageChange.String(), "auto_approved", ev.AutoApprove)

	if ev.AutoApprove {
		if err := s.approveItem(ctx, r); err != nil {
			return r, err
		}
		return r, nil
	}

	s.notify(ctx, r, messages.NotifyApprovalNeeded, map[string]string{
		"revision_id": r.ID.String(),
		"impact":      r.TotalCostImpact.String(),
		"percent":     r.PercentageChange.String(),
		"deadline":    r.ResponseDeadline.Format(time.RFC3339),
	})
	return r, nil
}

func (s *Service) Get(ctx context.Context, id uuid.UUID) (*models.Revision, error) {
	return s.repo.GetRevision(ctx, id)
}

// Respond records the customer's decision on a pending revision.
func (s *Service) Respond(ctx context.Context, actor models.Actor, id uuid.UUID, approve bool, note *string) (*models.Revision, error) {
	r, err := s.repo.GetRevision(ctx, id)
	if err != nil {
		return nil, err
	}
	o, err := s.repo.GetOrder(ctx, r.OrderID)
	if err != nil {
		return nil, err
	}
	if !actor.MayRespondFor(o.CustomerID) {
		return nil, errors.Wrap(apperr.ErrForbidden, "actor may not respond for this order")
	}
	if r.ApprovalStatus != models.ApprovalPending {
		return nil, errors.Wrapf(apperr.ErrAlreadyResolved, "revision is %s", r.ApprovalStatus)
	}
	now := s.now()
	if r.ResponseDeadline != nil && now.After(*r.ResponseDeadline) {
		return nil, errors.Wrap(apperr.ErrDeadlinePassed, "revision response deadline passed")
	}

	status := models.ApprovalRejected
	if approve {
		status = models.ApprovalApproved
	}
	decided, err := s.decide(ctx, id, models.RevisionDecision{
		Status:      status,
		RespondedBy: actor.ID,
		RespondedAt: now,
		Note:        note,
	})
	if err != nil {
		return nil, err
	}

	if approve {
		return decided, s.approveItem(ctx, decided)
	}

	if _, err := s.items.Apply(ctx, items.Change{
		ItemID: decided.ItemID,
		To:     models.ItemRevisionRejected,
		Cause:  models.CauseRevision,
	}); err != nil {
		return decided, err
	}
	_, err = s.exceptions.Raise(ctx, exceptions.RaiseInput{
		ItemID:          decided.ItemID,
		Type:            models.ExceptionRevisionRejected,
		DetectedBy:      models.DetectedByCustomerReport,
		Description:     "customer rejected price/weight revision",
		FinancialImpact: decided.TotalCostImpact,
	})
	return decided, err
}

// ExpireDue marks unanswered revisions expired and escalates each to the exception
// workflow. The item stays in revision_pending.
func (s *Service) ExpireDue(ctx context.Context, now time.Time, limit int) (int, error) {
	due, err := s.repo.ListExpiredRevisions(ctx, now, limit)
	if err != nil {
		return 0, err
	}
	n := 0
	for _, r := range due {
		expired, err := s.decide(ctx, r.ID, models.RevisionDecision{
			Status:      models.ApprovalExpired,
			RespondedBy: sweeperID,
			RespondedAt: now,
		})
		if errors.Is(err, apperr.ErrAlreadyResolved) {
			continue
		}
		if err != nil {
			return n, err
		}
		n++
		slog.Warn("revision expired", "revision_id", r.ID, "item_id", r.ItemID)

		_, err = s.exceptions.Raise(ctx, exceptions.RaiseInput{
			ItemID:          expired.ItemID,
			Type:            models.ExceptionRevisionExpired,
			DetectedBy:      models.DetectedBySystem,
			Description:     "no customer response to price/weight revision",
			FinancialImpact: expired.TotalCostImpact,
		})
		if err != nil {
			slog.Error("escalate expired revision", "revision_id", r.ID, "error", err.Error())
		}
	}
	return n, nil
}

func (s *Service) decide(ctx context.Context, id uuid.UUID, d models.RevisionDecision) (*models.Revision, error) {
	r, err := s.repo.DecideRevision(ctx, id, d)
	if errors.Is(err, apperr.ErrConflict) {
		return nil, errors.Wrap(apperr.ErrAlreadyResolved, "revision decided concurrently")
	}
	return r, err
}

func (s *Service) approveItem(ctx context.Context, r *models.Revision) error {
	price, weight := r.NewPrice, r.NewWeight
	no := false
	_, err := s.items.Apply(ctx, items.Change{
		ItemID: r.ItemID,
		To:     models.ItemRevisionApproved,
		Cause:  models.CauseRevision,
		Patch: models.ItemPatch{
			CurrentPrice:             &price,
			CurrentWeight:            &weight,
			RequiresCustomerApproval: &no,
		},
	})
	return err
}

func (s *Service) notify(ctx context.Context, r *models.Revision, kind messages.NotificationKind, payload map[string]string) {
	if s.notifier == nil {
		return
	}
	itemID := r.ItemID
	err := s.notifier.Notify(ctx, messages.CustomerNotification{
		Kind:    kind,
		OrderID: r.OrderID,
		ItemID:  &itemID,
		Payload: payload,
	})
	if err != nil {
		slog.Warn("notify revision", "revision_id", r.ID, "error", err.Error())
	}
}
