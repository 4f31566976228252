package pgfulfillment

import (
	"context"
	"encoding/json"
	"time"

	"github.com/BearBump/Fulfillment/internal/models"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/pkg/errors"
)

const revisionColumns = `
  id, item_id, order_id, original_price, new_price, original_weight, new_weight,
  price_delta, price_delta_percent, weight_delta, weight_delta_percent,
  total_cost_impact, percentage_change, breakdown, auto_approval_eligible,
  approval_status, response_deadline, responded_by, responded_at, customer_note,
  detected_by, created_at, updated_at`

func scanRevision(row pgx.Row) (*models.Revision, error) {
	var (
		r         models.Revision
		breakdown []byte
	)
	err := row.Scan(
		&r.ID, &r.ItemID, &r.OrderID, &r.OriginalPrice, &r.NewPrice, &r.OriginalWeight, &r.NewWeight,
		&r.PriceDelta, &r.PriceDeltaPercent, &r.WeightDelta, &r.WeightDeltaPercent,
		&r.TotalCostImpact, &r.PercentageChange, &breakdown, &r.AutoApprovalEligible,
		&r.ApprovalStatus, &r.ResponseDeadline, &r.RespondedBy, &r.RespondedAt, &r.CustomerNote,
		&r.DetectedBy, &r.CreatedAt, &r.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(breakdown, &r.Breakdown); err != nil {
		return nil, errors.Wrap(err, "decode breakdown")
	}
	return &r, nil
}

func (s *Storage) CreateRevision(ctx context.Context, r *models.Revision) error {
	breakdown, err := json.Marshal(r.Breakdown)
	if err != nil {
		return errors.Wrap(err, "encode breakdown")
	}
	_, err = s.db.Exec(ctx, `
INSERT INTO revisions (
  id, item_id, order_id, original_price, new_price, original_weight, new_weight,
  price_delta, price_delta_percent, weight_delta, weight_delta_percent,
  total_cost_impact, percentage_change, breakdown, auto_approval_eligible,
  approval_status, response_deadline, responded_by, responded_at, detected_by, created_at, updated_at
)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19,$20,$21,$21)
`, r.ID, r.ItemID, r.OrderID, r.OriginalPrice, r.NewPrice, r.OriginalWeight, r.NewWeight,
		r.PriceDelta, r.PriceDeltaPercent, r.WeightDelta, r.WeightDeltaPercent,
		r.TotalCostImpact, r.PercentageChange, breakdown, r.AutoApprovalEligible,
		string(r.ApprovalStatus), r.ResponseDeadline, r.RespondedBy, r.RespondedAt, string(r.DetectedBy), r.CreatedAt.UTC())
	if err != nil {
		return errors.Wrap(err, "insert revision")
	}
	return nil
}

func (s *Storage) GetRevision(ctx context.Context, id uuid.UUID) (*models.Revision, error) {
	r, err := scanRevision(s.db.QueryRow(ctx, `SELECT`+revisionColumns+` FROM revisions WHERE id = $1`, id))
	if err != nil {
		return nil, notFoundOr(err, "select revision")
	}
	return r, nil
}

// FindPendingRevision returns nil, nil when the item has no revision awaiting a decision.
func (s *Storage) FindPendingRevision(ctx context.Context, itemID uuid.UUID) (*models.Revision, error) {
	r, err := scanRevision(s.db.QueryRow(ctx, `
SELECT`+revisionColumns+`
FROM revisions
WHERE item_id = $1 AND approval_status = 'pending'
`, itemID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrap(err, "select pending revision")
	}
	return r, nil
}

func (s *Storage) DecideRevision(ctx context.Context, id uuid.UUID, d models.RevisionDecision) (*models.Revision, error) {
	r, err := scanRevision(s.db.QueryRow(ctx, `
UPDATE revisions
SET approval_status = $2, responded_by = $3, responded_at = $4, customer_note = $5, updated_at = $4
WHERE id = $1 AND approval_status = 'pending'
RETURNING`+revisionColumns, id, string(d.Status), d.RespondedBy, d.RespondedAt.UTC(), d.Note))
	if err == nil {
		return r, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return nil, errors.Wrap(err, "decide revision")
	}
	if _, err := s.GetRevision(ctx, id); err != nil {
		return nil, err
	}
	return nil, conflict("revision already decided")
}

func (s *Storage) ListExpiredRevisions(ctx context.Context, now time.Time, limit int) ([]*models.Revision, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.Query(ctx, `
SELECT`+revisionColumns+`
FROM revisions
WHERE approval_status = 'pending' AND response_deadline <= $1
ORDER BY response_deadline
LIMIT $2
`, now.UTC(), limit)
	if err != nil {
		return nil, errors.Wrap(err, "select expired revisions")
	}
	defer rows.Close()

	var out []*models.Revision
	for rows.Next() {
		r, err := scanRevision(rows)
		if err != nil {
			return nil, errors.Wrap(err, "scan revision")
		}
		out = append(out, r)
	}
	if rows.Err() != nil {
		return nil, errors.Wrap(rows.Err(), "rows")
	}
	return out, nil
}
