// Package memfulfillment is an in-process repository with the same compare-and-swap
// semantics as pgfulfillment. It backs the "memory" storage driver and service tests.
package memfulfillment

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/BearBump/Fulfillment/internal/apperr"
	"github.com/BearBump/Fulfillment/internal/models"
	"github.com/google/uuid"
	"github.com/pkg/errors"
)

type Storage struct {
	mu sync.Mutex

	orders        map[uuid.UUID]*models.Order
	ordersByQuote map[string]uuid.UUID
	items         map[uuid.UUID]*models.OrderItem
	tasks         map[uuid.UUID]*models.AutomationTask
	shipments     map[uuid.UUID]*models.Shipment
	shipmentItems map[uuid.UUID][]models.ShipmentItem
	events        map[uuid.UUID][]*models.TrackingEvent
	exceptions    map[uuid.UUID]*models.Exception
	revisions     map[uuid.UUID]*models.Revision

	now func() time.Time
}

func New() *Storage {
	return &Storage{
		orders:        map[uuid.UUID]*models.Order{},
		ordersByQuote: map[string]uuid.UUID{},
		items:         map[uuid.UUID]*models.OrderItem{},
		tasks:         map[uuid.UUID]*models.AutomationTask{},
		shipments:     map[uuid.UUID]*models.Shipment{},
		shipmentItems: map[uuid.UUID][]models.ShipmentItem{},
		events:        map[uuid.UUID][]*models.TrackingEvent{},
		exceptions:    map[uuid.UUID]*models.Exception{},
		revisions:     map[uuid.UUID]*models.Revision{},
		now:           func() time.Time { return time.Now().UTC() },
	}
}

func (s *Storage) Close() {}

func notFound(what string) error {
	return errors.Wrap(apperr.ErrNotFound, what)
}

func conflict(what string) error {
	return errors.Wrap(apperr.ErrConflict, what)
}

// orders

func (s *Storage) CreateOrder(ctx context.Context, o *models.Order, items []*models.OrderItem) (*models.Order, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if id, ok := s.ordersByQuote[o.QuoteID]; ok {
		cp := *s.orders[id]
		return &cp, false, nil
	}
	oc := *o
	s.orders[o.ID] = &oc
	s.ordersByQuote[o.QuoteID] = o.ID
	for _, it := range items {
		ic := copyItem(it)
		s.items[it.ID] = ic
	}
	cp := oc
	return &cp, true, nil
}

func (s *Storage) GetOrder(ctx context.Context, id uuid.UUID) (*models.Order, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	o, ok := s.orders[id]
	if !ok {
		return nil, notFound("order")
	}
	cp := *o
	return &cp, nil
}

func (s *Storage) UpdateOrderSettings(ctx context.Context, id uuid.UUID, upd models.OrderSettingsUpdate) (*models.Order, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	o, ok := s.orders[id]
	if !ok {
		return nil, notFound("order")
	}
	if upd.PrimaryWarehouseID != nil {
		o.PrimaryWarehouseID = *upd.PrimaryWarehouseID
	}
	if upd.ConsolidationPreference != nil {
		o.ConsolidationPreference = *upd.ConsolidationPreference
	}
	if upd.MaxConsolidationWaitDays != nil {
		o.MaxConsolidationWaitDays = *upd.MaxConsolidationWaitDays
	}
	o.UpdatedAt = s.now()
	cp := *o
	return &cp, nil
}

func (s *Storage) SaveOrderRollup(ctx context.Context, id uuid.UUID, r models.OrderRollup) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	o, ok := s.orders[id]
	if !ok {
		return notFound("order")
	}
	o.Counters = r.Counters
	if o.Status != models.OrderStatusClosed {
		o.Status = r.Status
	}
	o.CurrentTotal = r.CurrentTotal
	o.VarianceAmount = r.VarianceAmount
	if r.LastDeliveryAt != nil {
		o.LastDeliveryAt = r.LastDeliveryAt
	}
	o.UpdatedAt = s.now()
	return nil
}

func (s *Storage) CloseOrder(ctx context.Context, id uuid.UUID, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	o, ok := s.orders[id]
	if !ok {
		return notFound("order")
	}
	if o.Status == models.OrderStatusClosed {
		return nil
	}
	o.Status = models.OrderStatusClosed
	o.ClosedAt = &at
	o.UpdatedAt = at
	return nil
}

func (s *Storage) ListOrdersWithReadyItems(ctx context.Context, after uuid.UUID, limit int) ([]uuid.UUID, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	seen := map[uuid.UUID]struct{}{}
	var out []uuid.UUID
	for _, it := range s.items {
		if it.Status != models.ItemQualityCheckPassed || it.ShipmentID != nil {
			continue
		}
		if it.OrderID.String() <= after.String() {
			continue
		}
		if _, ok := seen[it.OrderID]; ok {
			continue
		}
		seen[it.OrderID] = struct{}{}
		out = append(out, it.OrderID)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].String() < out[j].String() })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// items

func copyItem(it *models.OrderItem) *models.OrderItem {
	cp := *it
	cp.QualityPhotoURLs = append([]string(nil), it.QualityPhotoURLs...)
	return &cp
}

func (s *Storage) GetItem(ctx context.Context, id uuid.UUID) (*models.OrderItem, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	it, ok := s.items[id]
	if !ok {
		return nil, notFound("item")
	}
	return copyItem(it), nil
}

func (s *Storage) ListOrderItems(ctx context.Context, orderID uuid.UUID) ([]*models.OrderItem, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*models.OrderItem
	for _, it := range s.items {
		if it.OrderID == orderID {
			out = append(out, copyItem(it))
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID.String() < out[j].ID.String()
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out, nil
}

func (s *Storage) UpdateItem(ctx context.Context, id uuid.UUID, from, to models.ItemStatus, patch models.ItemPatch) (*models.OrderItem, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	it, ok := s.items[id]
	if !ok {
		return nil, notFound("item")
	}
	if it.Status != from {
		return nil, conflict("item status")
	}
	patch.Apply(it)
	it.Status = to
	it.UpdatedAt = s.now()
	return copyItem(it), nil
}

func (s *Storage) AddItem(ctx context.Context, item *models.OrderItem) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.orders[item.OrderID]; !ok {
		return notFound("order")
	}
	s.items[item.ID] = copyItem(item)
	return nil
}

// tasks

func copyTask(t *models.AutomationTask) *models.AutomationTask {
	cp := *t
	return &cp
}

func (s *Storage) CreateTask(ctx context.Context, t *models.AutomationTask) (*models.AutomationTask, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, x := range s.tasks {
		if x.ItemID == t.ItemID && x.Type == t.Type && x.Status.Pending() {
			return copyTask(x), false, nil
		}
	}
	s.tasks[t.ID] = copyTask(t)
	return copyTask(t), true, nil
}

func (s *Storage) GetTask(ctx context.Context, id uuid.UUID) (*models.AutomationTask, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tasks[id]
	if !ok {
		return nil, notFound("task")
	}
	return copyTask(t), nil
}

type taskKey struct {
	item uuid.UUID
	typ  models.TaskType
}

// ClaimDueTasks treats a task running for longer than lease as abandoned and hands it out again.
func (s *Storage) ClaimDueTasks(ctx context.Context, now time.Time, limit int, lease time.Duration) ([]*models.AutomationTask, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	running := map[taskKey]struct{}{}
	var due []*models.AutomationTask
	for _, t := range s.tasks {
		if t.Status == models.TaskRunning {
			if lease > 0 && t.StartedAt != nil && !t.StartedAt.Add(lease).After(now) {
				due = append(due, t)
				continue
			}
			running[taskKey{t.ItemID, t.Type}] = struct{}{}
			continue
		}
		if !t.Status.Pending() {
			continue
		}
		if t.NextRetryAt != nil && t.NextRetryAt.After(now) {
			continue
		}
		due = append(due, t)
	}
	sort.Slice(due, func(i, j int) bool { return due[i].CreatedAt.Before(due[j].CreatedAt) })

	var out []*models.AutomationTask
	for _, t := range due {
		if limit > 0 && len(out) >= limit {
			break
		}
		k := taskKey{t.ItemID, t.Type}
		if _, busy := running[k]; busy {
			continue
		}
		running[k] = struct{}{}
		started := now
		t.Status = models.TaskRunning
		t.StartedAt = &started
		t.UpdatedAt = now
		out = append(out, copyTask(t))
	}
	return out, nil
}

func (s *Storage) UpdateTask(ctx context.Context, id uuid.UUID, from models.TaskStatus, patch models.TaskPatch) (*models.AutomationTask, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tasks[id]
	if !ok {
		return nil, notFound("task")
	}
	if t.Status != from {
		return nil, conflict("task status")
	}
	patch.Apply(t)
	t.UpdatedAt = s.now()
	return copyTask(t), nil
}

// shipments

func (s *Storage) CreateShipment(ctx context.Context, sh *models.Shipment, links []models.ShipmentItem) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, l := range links {
		it, ok := s.items[l.ItemID]
		if !ok {
			return notFound("item")
		}
		if it.ShipmentID != nil {
			return conflict("item already in a shipment")
		}
	}
	cp := *sh
	s.shipments[sh.ID] = &cp
	s.shipmentItems[sh.ID] = append([]models.ShipmentItem(nil), links...)
	for _, l := range links {
		id := sh.ID
		s.items[l.ItemID].ShipmentID = &id
	}
	return nil
}

func (s *Storage) GetShipment(ctx context.Context, id uuid.UUID) (*models.Shipment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sh, ok := s.shipments[id]
	if !ok {
		return nil, notFound("shipment")
	}
	cp := *sh
	return &cp, nil
}

func (s *Storage) FindShipmentByTracking(ctx context.Context, tier models.Tier, trackingNumber string) (*models.Shipment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, sh := range s.shipments {
		if n := sh.TrackingNumber(tier); n != nil && *n == trackingNumber {
			cp := *sh
			return &cp, nil
		}
	}
	return nil, notFound("shipment")
}

func (s *Storage) ListShipmentItems(ctx context.Context, shipmentID uuid.UUID) ([]models.ShipmentItem, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]models.ShipmentItem(nil), s.shipmentItems[shipmentID]...), nil
}

func (s *Storage) SetShipmentTracking(ctx context.Context, id uuid.UUID, tier models.Tier, trackingNumber string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	sh, ok := s.shipments[id]
	if !ok {
		return notFound("shipment")
	}
	n := trackingNumber
	switch tier {
	case models.TierSeller:
		sh.SellerTrackingNumber = &n
	case models.TierInternational:
		sh.InternationalTrackingNumber = &n
	case models.TierLocal:
		sh.LocalTrackingNumber = &n
	}
	sh.UpdatedAt = s.now()
	return nil
}

func (s *Storage) UpdateShipmentMeasurements(ctx context.Context, id uuid.UUID, m models.MeasurementUpdate) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	sh, ok := s.shipments[id]
	if !ok {
		return notFound("shipment")
	}
	mw, bw := m.MeasuredWeight, m.BillableWeight
	sh.MeasuredWeight = &mw
	sh.BillableWeight = &bw
	sh.Dimensions = m.Dimensions
	sh.UpdatedAt = s.now()
	return nil
}

func (s *Storage) AppendTrackingEvent(ctx context.Context, ev *models.TrackingEvent, proj *models.ShipmentProjection) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sh, ok := s.shipments[ev.ShipmentID]
	if !ok {
		return false, notFound("shipment")
	}
	for _, x := range s.events[ev.ShipmentID] {
		if x.ExternalID == ev.ExternalID && x.EventTime.Equal(ev.EventTime) {
			return false, nil
		}
	}
	if proj != nil {
		if sh.CurrentStatus != proj.ExpectStatus || sh.CurrentTier != proj.ExpectTier {
			return false, conflict("shipment status")
		}
		at := proj.StatusAt
		sh.CurrentStatus = proj.Status
		sh.CurrentTier = proj.Tier
		sh.StatusAt = &at
		if proj.Status == models.ShipmentDelivered {
			sh.DeliveredAt = &at
		}
		sh.UpdatedAt = s.now()
	}
	cp := *ev
	s.events[ev.ShipmentID] = append(s.events[ev.ShipmentID], &cp)
	return true, nil
}

func (s *Storage) ListTrackingEvents(ctx context.Context, shipmentID uuid.UUID, limit, offset int) ([]*models.TrackingEvent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	evs := append([]*models.TrackingEvent(nil), s.events[shipmentID]...)
	sort.SliceStable(evs, func(i, j int) bool { return evs[i].EventTime.Before(evs[j].EventTime) })
	if offset > len(evs) {
		offset = len(evs)
	}
	evs = evs[offset:]
	if limit > 0 && len(evs) > limit {
		evs = evs[:limit]
	}
	out := make([]*models.TrackingEvent, 0, len(evs))
	for _, e := range evs {
		cp := *e
		out = append(out, &cp)
	}
	return out, nil
}

// exceptions

func copyException(e *models.Exception) *models.Exception {
	cp := *e
	cp.AvailableResolutions = append([]models.Resolution(nil), e.AvailableResolutions...)
	return &cp
}

func (s *Storage) CreateException(ctx context.Context, e *models.Exception) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.exceptions[e.ID] = copyException(e)
	return nil
}

func (s *Storage) GetException(ctx context.Context, id uuid.UUID) (*models.Exception, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.exceptions[id]
	if !ok {
		return nil, notFound("exception")
	}
	return copyException(e), nil
}

func (s *Storage) FindOpenException(ctx context.Context, itemID uuid.UUID, typ models.ExceptionType) (*models.Exception, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, e := range s.exceptions {
		if e.ItemID == itemID && e.Type == typ && e.ResolutionStatus == models.ResolutionPending {
			return copyException(e), nil
		}
	}
	return nil, nil
}

func (s *Storage) ListOpenExceptions(ctx context.Context, itemID uuid.UUID) ([]*models.Exception, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*models.Exception
	for _, e := range s.exceptions {
		if e.ItemID == itemID && e.ResolutionStatus == models.ResolutionPending {
			out = append(out, copyException(e))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (s *Storage) ResolveException(ctx context.Context, id uuid.UUID, res models.ExceptionResolution) (*models.Exception, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.exceptions[id]
	if !ok {
		return nil, notFound("exception")
	}
	if e.ResolutionStatus != models.ResolutionPending {
		return nil, conflict("exception already closed")
	}
	notes, by, at := res.Notes, res.ResolvedBy, res.ResolvedAt
	e.ResolutionStatus = res.Status
	if res.CustomerResolution != nil {
		e.CustomerResolution = res.CustomerResolution
	}
	e.ResolutionMethod = nil
	if res.Method != "" {
		method := res.Method
		e.ResolutionMethod = &method
	}
	e.ResolutionNotes = &notes
	e.ResolvedBy = &by
	e.ResolvedAt = &at
	e.UpdatedAt = at
	return copyException(e), nil
}

func (s *Storage) ListExpiredExceptions(ctx context.Context, now time.Time, limit int) ([]*models.Exception, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*models.Exception
	for _, e := range s.exceptions {
		if e.ResolutionStatus == models.ResolutionPending && !e.CustomerResponseDeadline.After(now) {
			out = append(out, copyException(e))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CustomerResponseDeadline.Before(out[j].CustomerResponseDeadline) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// revisions

func (s *Storage) CreateRevision(ctx context.Context, r *models.Revision) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *r
	s.revisions[r.ID] = &cp
	return nil
}

func (s *Storage) GetRevision(ctx context.Context, id uuid.UUID) (*models.Revision, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.revisions[id]
	if !ok {
		return nil, notFound("revision")
	}
	cp := *r
	return &cp, nil
}

func (s *Storage) FindPendingRevision(ctx context.Context, itemID uuid.UUID) (*models.Revision, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, r := range s.revisions {
		if r.ItemID == itemID && r.ApprovalStatus == models.ApprovalPending {
			cp := *r
			return &cp, nil
		}
	}
	return nil, nil
}

func (s *Storage) DecideRevision(ctx context.Context, id uuid.UUID, d models.RevisionDecision) (*models.Revision, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.revisions[id]
	if !ok {
		return nil, notFound("revision")
	}
	if r.ApprovalStatus != models.ApprovalPending {
		return nil, conflict("revision already decided")
	}
	by, at := d.RespondedBy, d.RespondedAt
	r.ApprovalStatus = d.Status
	r.RespondedBy = &by
	r.RespondedAt = &at
	r.CustomerNote = d.Note
	r.UpdatedAt = at
	cp := *r
	return &cp, nil
}

func (s *Storage) ListExpiredRevisions(ctx context.Context, now time.Time, limit int) ([]*models.Revision, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*models.Revision
	for _, r := range s.revisions {
		if r.ApprovalStatus == models.ApprovalPending && r.ResponseDeadline != nil && !r.ResponseDeadline.After(now) {
			cp := *r
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ResponseDeadline.Before(*out[j].ResponseDeadline) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}
