package pgfulfillment

import (
	"context"

	"github.com/BearBump/Fulfillment/internal/models"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/pkg/errors"
)

// AppendTrackingEvent stores ev and, when proj is set, moves the shipment in the same
// transaction. A duplicate (shipment, external id, event time) returns inserted=false and
// leaves the shipment untouched. A projection whose expected status no longer matches rolls
// everything back with ErrConflict.
func (s *Storage) AppendTrackingEvent(ctx context.Context, ev *models.TrackingEvent, proj *models.ShipmentProjection) (bool, error) {
	tx, err := s.db.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return false, errors.Wrap(err, "begin tx")
	}
	defer func() { _ = tx.Rollback(ctx) }()

	var payload []byte
	if len(ev.Payload) > 0 {
		payload = ev.Payload
	}

	tag, err := tx.Exec(ctx, `
INSERT INTO tracking_events (
  id, shipment_id, tier, event_type, status_raw, external_id, event_time,
  location, message, source, payload, out_of_order, created_at
)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13)
ON CONFLICT (shipment_id, external_id, event_time) DO NOTHING
`, ev.ID, ev.ShipmentID, string(ev.Tier), string(ev.EventType), ev.StatusRaw, ev.ExternalID, ev.EventTime.UTC(),
		ev.Location, ev.Message, string(ev.Source), payload, ev.OutOfOrder, ev.CreatedAt.UTC())
	if err != nil {
		var exists bool
		if qerr := s.db.QueryRow(ctx, `SELECT EXISTS(SELECT 1 FROM shipments WHERE id = $1)`, ev.ShipmentID).Scan(&exists); qerr == nil && !exists {
			return false, notFoundOr(pgx.ErrNoRows, "shipment")
		}
		return false, errors.Wrap(err, "insert tracking event")
	}
	if tag.RowsAffected() == 0 {
		return false, nil
	}

	if proj != nil {
		tag, err := tx.Exec(ctx, `
UPDATE shipments
SET
  current_status = $4,
  current_tier = $5,
  status_at = $6,
  delivered_at = CASE WHEN $4 = 'delivered' THEN $6 ELSE delivered_at END,
  updated_at = now()
WHERE id = $1 AND current_status = $2 AND current_tier = $3
`, ev.ShipmentID, string(proj.ExpectStatus), string(proj.ExpectTier), string(proj.Status), string(proj.Tier), proj.StatusAt.UTC())
		if err != nil {
			return false, errors.Wrap(err, "project shipment status")
		}
		if tag.RowsAffected() == 0 {
			return false, conflict("shipment status")
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return false, errors.Wrap(err, "commit tx")
	}
	return true, nil
}

func (s *Storage) ListTrackingEvents(ctx context.Context, shipmentID uuid.UUID, limit, offset int) ([]*models.TrackingEvent, error) {
	if limit <= 0 {
		limit = 100
	}
	if offset < 0 {
		offset = 0
	}

	rows, err := s.db.Query(ctx, `
SELECT
  id, shipment_id, tier, event_type, status_raw, external_id, event_time,
  location, message, source, payload, out_of_order, created_at
FROM tracking_events
WHERE shipment_id = $1
ORDER BY event_time ASC, created_at ASC
LIMIT $2 OFFSET $3
`, shipmentID, limit, offset)
	if err != nil {
		return nil, errors.Wrap(err, "select tracking events")
	}
	defer rows.Close()

	var out []*models.TrackingEvent
	for rows.Next() {
		var (
			e       models.TrackingEvent
			payload []byte
		)
		if err := rows.Scan(
			&e.ID, &e.ShipmentID, &e.Tier, &e.EventType, &e.StatusRaw, &e.ExternalID, &e.EventTime,
			&e.Location, &e.Message, &e.Source, &payload, &e.OutOfOrder, &e.CreatedAt,
		); err != nil {
			return nil, errors.Wrap(err, "scan tracking event")
		}
		if len(payload) > 0 {
			e.Payload = payload
		}
		out = append(out, &e)
	}
	if rows.Err() != nil {
		return nil, errors.Wrap(rows.Err(), "rows")
	}
	return out, nil
}
