package pgfulfillment

import (
	"context"
	"time"

	"github.com/BearBump/Fulfillment/internal/models"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/pkg/errors"
)

const exceptionColumns = `
  id, item_id, order_id, shipment_id, type, severity, detected_by, description,
  available_resolutions, recommended_resolution, customer_resolution, customer_response_deadline,
  resolution_status, resolution_method, resolution_notes, resolved_by, resolved_at,
  financial_impact, created_at, updated_at`

func scanException(row pgx.Row) (*models.Exception, error) {
	var (
		e                models.Exception
		available        []string
		customer, method *string
	)
	err := row.Scan(
		&e.ID, &e.ItemID, &e.OrderID, &e.ShipmentID, &e.Type, &e.Severity, &e.DetectedBy, &e.Description,
		&available, &e.RecommendedResolution, &customer, &e.CustomerResponseDeadline,
		&e.ResolutionStatus, &method, &e.ResolutionNotes, &e.ResolvedBy, &e.ResolvedAt,
		&e.FinancialImpact, &e.CreatedAt, &e.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	e.AvailableResolutions = make([]models.Resolution, 0, len(available))
	for _, r := range available {
		e.AvailableResolutions = append(e.AvailableResolutions, models.Resolution(r))
	}
	if customer != nil {
		r := models.Resolution(*customer)
		e.CustomerResolution = &r
	}
	if method != nil {
		r := models.Resolution(*method)
		e.ResolutionMethod = &r
	}
	return &e, nil
}

func resolutionPtr(r *models.Resolution) *string {
	if r == nil {
		return nil
	}
	s := string(*r)
	return &s
}

func (s *Storage) CreateException(ctx context.Context, e *models.Exception) error {
	available := make([]string, 0, len(e.AvailableResolutions))
	for _, r := range e.AvailableResolutions {
		available = append(available, string(r))
	}
	_, err := s.db.Exec(ctx, `
INSERT INTO exceptions (
  id, item_id, order_id, shipment_id, type, severity, detected_by, description,
  available_resolutions, recommended_resolution, customer_resolution, customer_response_deadline,
  resolution_status, financial_impact, created_at, updated_at
)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$15)
`, e.ID, e.ItemID, e.OrderID, e.ShipmentID, string(e.Type), string(e.Severity), string(e.DetectedBy), e.Description,
		available, string(e.RecommendedResolution), resolutionPtr(e.CustomerResolution), e.CustomerResponseDeadline.UTC(),
		string(e.ResolutionStatus), e.FinancialImpact, e.CreatedAt.UTC())
	if err != nil {
		return errors.Wrap(err, "insert exception")
	}
	return nil
}

func (s *Storage) GetException(ctx context.Context, id uuid.UUID) (*models.Exception, error) {
	e, err := scanException(s.db.QueryRow(ctx, `SELECT`+exceptionColumns+` FROM exceptions WHERE id = $1`, id))
	if err != nil {
		return nil, notFoundOr(err, "select exception")
	}
	return e, nil
}

// FindOpenException returns nil, nil when no pending exception of the type exists.
func (s *Storage) FindOpenException(ctx context.Context, itemID uuid.UUID, typ models.ExceptionType) (*models.Exception, error) {
	e, err := scanException(s.db.QueryRow(ctx, `
SELECT`+exceptionColumns+`
FROM exceptions
WHERE item_id = $1 AND type = $2 AND resolution_status = 'pending'
`, itemID, string(typ)))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrap(err, "select open exception")
	}
	return e, nil
}

func (s *Storage) ListOpenExceptions(ctx context.Context, itemID uuid.UUID) ([]*models.Exception, error) {
	rows, err := s.db.Query(ctx, `
SELECT`+exceptionColumns+`
FROM exceptions
WHERE item_id = $1 AND resolution_status = 'pending'
ORDER BY created_at
`, itemID)
	if err != nil {
		return nil, errors.Wrap(err, "select open exceptions")
	}
	defer rows.Close()

	var out []*models.Exception
	for rows.Next() {
		e, err := scanException(rows)
		if err != nil {
			return nil, errors.Wrap(err, "scan exception")
		}
		out = append(out, e)
	}
	if rows.Err() != nil {
		return nil, errors.Wrap(rows.Err(), "rows")
	}
	return out, nil
}

// ResolveException closes a pending exception; a second resolver gets ErrConflict.
func (s *Storage) ResolveException(ctx context.Context, id uuid.UUID, res models.ExceptionResolution) (*models.Exception, error) {
	e, err := scanException(s.db.QueryRow(ctx, `
UPDATE exceptions
SET
  resolution_status = $2,
  customer_resolution = COALESCE($3, customer_resolution),
  resolution_method = NULLIF($4, ''),
  resolution_notes = $5,
  resolved_by = $6,
  resolved_at = $7,
  updated_at = $7
WHERE id = $1 AND resolution_status = 'pending'
RETURNING`+exceptionColumns,
		id, string(res.Status), resolutionPtr(res.CustomerResolution), string(res.Method),
		res.Notes, res.ResolvedBy, res.ResolvedAt.UTC()))
	if err == nil {
		return e, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return nil, errors.Wrap(err, "resolve exception")
	}
	if _, err := s.GetException(ctx, id); err != nil {
		return nil, err
	}
	return nil, conflict("exception already closed")
}

func (s *Storage) ListExpiredExceptions(ctx context.Context, now time.Time, limit int) ([]*models.Exception, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.Query(ctx, `
SELECT`+exceptionColumns+`
FROM exceptions
WHERE resolution_status = 'pending' AND customer_response_deadline <= $1
ORDER BY customer_response_deadline
LIMIT $2
`, now.UTC(), limit)
	if err != nil {
		return nil, errors.Wrap(err, "select expired exceptions")
	}
	defer rows.Close()

	var out []*models.Exception
	for rows.Next() {
		e, err := scanException(rows)
		if err != nil {
			return nil, errors.Wrap(err, "scan exception")
		}
		out = append(out, e)
	}
	if rows.Err() != nil {
		return nil, errors.Wrap(rows.Err(), "rows")
	}
	return out, nil
}
