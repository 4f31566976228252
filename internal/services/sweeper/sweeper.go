// Package sweeper runs the periodic deadline scans: revision expiry, exception expiry and
// the consolidation wait. Latency of those transitions is bounded by the sweep interval.
package sweeper

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

type Expirer interface {
	ExpireDue(ctx context.Context, now time.Time, limit int) (int, error)
}

type ConsolidationPlanner interface {
	PlanAll(ctx context.Context, limit int) (int, error)
}

type Sweeper struct {
	revisions  Expirer
	exceptions Expirer
	planner    ConsolidationPlanner

	interval time.Duration
	batch    int
	now      func() time.Time

	triggerCh chan struct{}

	startedAtUnixNano   int64
	lastCycleUnixNano   atomic.Int64
	lastTriggerUnixNano atomic.Int64
	totalRevisions      atomic.Int64
	totalExceptions     atomic.Int64
	totalShipments      atomic.Int64
	totalErrors         atomic.Int64

	lastErrorMu sync.Mutex
	lastError   string
}

func New(revisions, exceptions Expirer, planner ConsolidationPlanner) *Sweeper {
	return &Sweeper{
		revisions:         revisions,
		exceptions:        exceptions,
		planner:           planner,
		interval:          time.Minute,
		batch:             100,
		now:               func() time.Time { return time.Now().UTC() },
		triggerCh:         make(chan struct{}, 1),
		startedAtUnixNano: time.Now().UTC().UnixNano(),
	}
}

func (s *Sweeper) WithSettings(interval time.Duration, batch int) *Sweeper {
	if interval > 0 {
		s.interval = interval
	}
	if batch > 0 {
		s.batch = batch
	}
	return s
}

func (s *Sweeper) WithClock(now func() time.Time) *Sweeper {
	s.now = now
	return s
}

func (s *Sweeper) Trigger() {
	s.lastTriggerUnixNano.Store(time.Now().UTC().UnixNano())
	select {
	case s.triggerCh <- struct{}{}:
	default:
	}
}

type Stats struct {
	StartedAt         time.Time  `json:"startedAt"`
	LastCycleAt       *time.Time `json:"lastCycleAt,omitempty"`
	LastTriggerAt     *time.Time `json:"lastTriggerAt,omitempty"`
	ExpiredRevisions  int64      `json:"expiredRevisions"`
	ExpiredExceptions int64      `json:"expiredExceptions"`
	PlannedShipments  int64      `json:"plannedShipments"`
	TotalErrors       int64      `json:"totalErrors"`
	LastError         string     `json:"lastError,omitempty"`
}

func (s *Sweeper) Stats() Stats {
	st := Stats{
		StartedAt:         time.Unix(0, s.startedAtUnixNano).UTC(),
		ExpiredRevisions:  s.totalRevisions.Load(),
		ExpiredExceptions: s.totalExceptions.Load(),
		PlannedShipments:  s.totalShipments.Load(),
		TotalErrors:       s.totalErrors.Load(),
	}
	if n := s.lastCycleUnixNano.Load(); n > 0 {
		t := time.Unix(0, n).UTC()
		st.LastCycleAt = &t
	}
	if n := s.lastTriggerUnixNano.Load(); n > 0 {
		t := time.Unix(0, n).UTC()
		st.LastTriggerAt = &t
	}
	s.lastErrorMu.Lock()
	st.LastError = s.lastError
	s.lastErrorMu.Unlock()
	return st
}

func (s *Sweeper) recordError(step string, err error) {
	s.totalErrors.Add(1)
	s.lastErrorMu.Lock()
	s.lastError = step + ": " + err.Error()
	s.lastErrorMu.Unlock()
	slog.Error("sweep step failed", "step", step, "error", err.Error())
}

func (s *Sweeper) Run(ctx context.Context) error {
	t := time.NewTicker(s.interval)
	defer t.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-t.C:
			s.RunOnce(ctx)
		case <-s.triggerCh:
			s.RunOnce(ctx)
		}
	}
}

// RunOnce runs every scan once. A failing step does not stop the others.
func (s *Sweeper) RunOnce(ctx context.Context) {
	now := s.now()
	s.lastCycleUnixNano.Store(time.Now().UTC().UnixNano())

	if s.revisions != nil {
		n, err := s.revisions.ExpireDue(ctx, now, s.batch)
		s.totalRevisions.Add(int64(n))
		if err != nil {
			s.recordError("revisions", err)
		}
	}
	if s.exceptions != nil {
		n, err := s.exceptions.ExpireDue(ctx, now, s.batch)
		s.totalExceptions.Add(int64(n))
		if err != nil {
			s.recordError("exceptions", err)
		}
	}
	if s.planner != nil {
		n, err := s.planner.PlanAll(ctx, s.batch)
		s.totalShipments.Add(int64(n))
		if err != nil {
			s.recordError("consolidation", err)
		}
	}
}
