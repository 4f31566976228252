// Package automation runs seller-side tasks (order placement, tracking scrape, status check)
// with retry/backoff and escalation to a human once retries are exhausted.
package automation

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/BearBump/Fulfillment/internal/apperr"
	"github.com/BearBump/Fulfillment/internal/integrations/seller"
	"github.com/BearBump/Fulfillment/internal/models"
	"github.com/BearBump/Fulfillment/internal/services/exceptions"
	"github.com/BearBump/Fulfillment/internal/services/items"
	"github.com/BearBump/Fulfillment/internal/services/revisions"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
)

type Repository interface {
	CreateTask(ctx context.Context, t *models.AutomationTask) (*models.AutomationTask, bool, error)
	GetTask(ctx context.Context, id uuid.UUID) (*models.AutomationTask, error)
	ClaimDueTasks(ctx context.Context, now time.Time, limit int, lease time.Duration) ([]*models.AutomationTask, error)
	UpdateTask(ctx context.Context, id uuid.UUID, from models.TaskStatus, p models.TaskPatch) (*models.AutomationTask, error)
}

type ItemService interface {
	Get(ctx context.Context, id uuid.UUID) (*models.OrderItem, error)
	Apply(ctx context.Context, ch items.Change) (*models.OrderItem, error)
	Patch(ctx context.Context, itemID uuid.UUID, patch models.ItemPatch) (*models.OrderItem, error)
}

type RevisionDetector interface {
	Detect(ctx context.Context, in revisions.DetectInput) (*models.Revision, error)
}

type ExceptionRaiser interface {
	Raise(ctx context.Context, in exceptions.RaiseInput) (*models.Exception, error)
}

type RateLimiter interface {
	Allow(ctx context.Context, key string, limit int64, window time.Duration) (bool, int64, error)
}

const defaultMaxRetries = 3

type Runner struct {
	repo       Repository
	items      ItemService
	revisions  RevisionDetector
	exceptions ExceptionRaiser
	seller     seller.Client
	rl         RateLimiter

	planner *Planner
	now     func() time.Time

	maxRetries         int
	pollInterval       time.Duration
	batchSize          int
	concurrency        int
	lease              time.Duration
	rateLimitPerMinute int64
	platformLimits     map[string]int64

	triggerCh chan struct{}

	startedAtUnixNano   int64
	lastCycleUnixNano   atomic.Int64
	lastTriggerUnixNano atomic.Int64
	totalClaimed        atomic.Int64
	totalProcessed      atomic.Int64
	totalErrors         atomic.Int64
	totalEscalated      atomic.Int64
	inFlight            atomic.Int64
	lastErrorMu         sync.Mutex
	lastError           string
}

func New(repo Repository, itemSvc ItemService, rev RevisionDetector, ex ExceptionRaiser, sc seller.Client, rl RateLimiter) *Runner {
	return &Runner{
		repo: repo, items: itemSvc, revisions: rev, exceptions: ex, seller: sc, rl: rl,
		planner:            NewPlanner(DefaultPlannerConfig(), nil),
		now:                func() time.Time { return time.Now().UTC() },
		maxRetries:         defaultMaxRetries,
		pollInterval:       2 * time.Second,
		batchSize:          50,
		concurrency:        8,
		lease:              120 * time.Second,
		rateLimitPerMinute: 60,
		platformLimits:     map[string]int64{},
		triggerCh:          make(chan struct{}, 1),
		startedAtUnixNano:  time.Now().UTC().UnixNano(),
	}
}

func (r *Runner) WithSettings(pollInterval time.Duration, batchSize, concurrency int, lease time.Duration, rlPerMin int64) *Runner {
	if pollInterval > 0 {
		r.pollInterval = pollInterval
	}
	if batchSize > 0 {
		r.batchSize = batchSize
	}
	if concurrency > 0 {
		r.concurrency = concurrency
	}
	if lease > 0 {
		r.lease = lease
	}
	if rlPerMin > 0 {
		r.rateLimitPerMinute = rlPerMin
	}
	return r
}

// WithPlatformRateLimits overrides the per-minute call budget for individual seller platforms.
func (r *Runner) WithPlatformRateLimits(limits map[string]int) *Runner {
	for platform, n := range limits {
		if n > 0 {
			r.platformLimits[platform] = int64(n)
		}
	}
	return r
}

func (r *Runner) WithPlanner(cfg PlannerConfig, rnd Rand) *Runner {
	r.planner = NewPlanner(cfg, rnd)
	return r
}

func (r *Runner) WithMaxRetries(n int) *Runner {
	if n > 0 {
		r.maxRetries = n
	}
	return r
}

func (r *Runner) WithClock(now func() time.Time) *Runner {
	r.now = now
	return r
}

// Enqueue schedules a task for immediate pickup. While a task of the same type is already
// waiting for the item, that task is returned instead of a duplicate.
func (r *Runner) Enqueue(ctx context.Context, itemID uuid.UUID, typ models.TaskType, cfg models.TaskConfig) (*models.AutomationTask, error) {
	return r.enqueue(ctx, itemID, typ, cfg, nil)
}

// EnqueueAt is Enqueue with a not-before time.
func (r *Runner) EnqueueAt(ctx context.Context, itemID uuid.UUID, typ models.TaskType, cfg models.TaskConfig, notBefore time.Time) (*models.AutomationTask, error) {
	nb := notBefore.UTC()
	return r.enqueue(ctx, itemID, typ, cfg, &nb)
}

func (r *Runner) enqueue(ctx context.Context, itemID uuid.UUID, typ models.TaskType, cfg models.TaskConfig, notBefore *time.Time) (*models.AutomationTask, error) {
	if err := validateConfig(typ, cfg); err != nil {
		return nil, err
	}
	t := &models.AutomationTask{
		ID:          uuid.New(),
		ItemID:      itemID,
		Type:        typ,
		Status:      models.TaskQueued,
		Config:      cfg,
		MaxRetries:  r.maxRetries,
		NextRetryAt: notBefore,
		CreatedAt:   r.now(),
	}
	got, created, err := r.repo.CreateTask(ctx, t)
	if err != nil {
		return nil, errors.Wrap(err, "create task")
	}
	if created {
		slog.Info("task enqueued", "task_id", got.ID, "item_id", itemID, "type", typ)
	}
	return got, nil
}

func validateConfig(typ models.TaskType, cfg models.TaskConfig) error {
	switch typ {
	case models.TaskOrderPlacement:
		if cfg.OrderPlacement == nil || cfg.OrderPlacement.ProductURL == "" || cfg.OrderPlacement.Quantity <= 0 {
			return apperr.Invalid("order_placement config requires product_url and quantity")
		}
	case models.TaskTrackingScrape:
		if cfg.TrackingScrape == nil || cfg.TrackingScrape.SellerOrderID == "" {
			return apperr.Invalid("tracking_scrape config requires seller_order_id")
		}
	case models.TaskStatusCheck:
		if cfg.StatusCheck == nil || cfg.StatusCheck.SellerOrderID == "" {
			return apperr.Invalid("status_check config requires seller_order_id")
		}
	default:
		return apperr.Invalid("unknown task type " + string(typ))
	}
	return nil
}

func (r *Runner) Get(ctx context.Context, id uuid.UUID) (*models.AutomationTask, error) {
	return r.repo.GetTask(ctx, id)
}

type Outcome struct {
	Success bool
	Result  *models.TaskResult
	Error   string
}

// ReportResult records the outcome of one attempt. Reports for a task that has already
// finished are ignored and return the stored task.
func (r *Runner) ReportResult(ctx context.Context, taskID uuid.UUID, out Outcome) (*models.AutomationTask, error) {
	t, err := r.repo.GetTask(ctx, taskID)
	if err != nil {
		return nil, err
	}
	if !t.Status.InFlight() {
		return t, nil
	}
	now := r.now()

	if t.Status.Pending() {
		t, err = r.repo.UpdateTask(ctx, t.ID, t.Status, models.TaskPatch{Status: models.TaskRunning, StartedAt: &now})
		if err != nil {
			return r.settled(ctx, taskID, err)
		}
	}

	if out.Success {
		return r.complete(ctx, t, out.Result, now)
	}
	return r.fail(ctx, t, out.Error, now)
}

// settled turns a lost CAS into the stored task when another reporter finished it first.
func (r *Runner) settled(ctx context.Context, id uuid.UUID, cause error) (*models.AutomationTask, error) {
	if !errors.Is(cause, apperr.ErrConflict) {
		return nil, cause
	}
	t, err := r.repo.GetTask(ctx, id)
	if err != nil {
		return nil, err
	}
	if !t.Status.InFlight() {
		return t, nil
	}
	return nil, cause
}

func (r *Runner) complete(ctx context.Context, t *models.AutomationTask, res *models.TaskResult, now time.Time) (*models.AutomationTask, error) {
	ok := true
	done, err := r.repo.UpdateTask(ctx, t.ID, models.TaskRunning, models.TaskPatch{
		Status:      models.TaskCompleted,
		Success:     &ok,
		Result:      res,
		CompletedAt: &now,
	})
	if err != nil {
		return r.settled(ctx, t.ID, err)
	}
	slog.Info("task completed", "task_id", t.ID, "item_id", t.ItemID, "type", t.Type)

	if err := r.onSuccess(ctx, done); err != nil {
		return done, errors.Wrap(err, "apply task result")
	}
	return done, nil
}

func (r *Runner) fail(ctx context.Context, t *models.AutomationTask, msg string, now time.Time) (*models.AutomationTask, error) {
	if msg == "" {
		msg = "unknown error"
	}
	next := t.RetryCount + 1
	maxRetries := t.MaxRetries
	if maxRetries <= 0 {
		maxRetries = r.maxRetries
	}

	if next < maxRetries {
		at := now.Add(r.planner.BackoffDelay(next))
		upd, err := r.repo.UpdateTask(ctx, t.ID, models.TaskRunning, models.TaskPatch{
			Status:      models.TaskRetry,
			RetryCount:  &next,
			NextRetryAt: &at,
			LastError:   &msg,
		})
		if err != nil {
			return r.settled(ctx, t.ID, err)
		}
		slog.Warn("task failed, will retry", "task_id", t.ID, "type", t.Type, "retry", next, "next_retry_at", at, "error", msg)
		return upd, nil
	}

	human := true
	upd, err := r.repo.UpdateTask(ctx, t.ID, models.TaskRunning, models.TaskPatch{
		Status:        models.TaskManualRequired,
		RetryCount:    &next,
		LastError:     &msg,
		RequiresHuman: &human,
	})
	if err != nil {
		return r.settled(ctx, t.ID, err)
	}
	r.totalEscalated.Add(1)
	slog.Error("task escalated to manual", "task_id", t.ID, "item_id", t.ItemID, "type", t.Type, "retries", next, "error", msg)

	impact := decimal.Zero
	if it, err := r.items.Get(ctx, t.ItemID); err == nil && t.Type == models.TaskOrderPlacement {
		impact = it.LineTotal()
	}
	_, err = r.exceptions.Raise(ctx, exceptions.RaiseInput{
		ItemID:          t.ItemID,
		Type:            models.ExceptionAutomationFailed,
		DetectedBy:      models.DetectedByAutomation,
		Description:     fmt.Sprintf("%s failed %d times: %s", t.Type, next, msg),
		FinancialImpact: impact,
	})
	if err != nil {
		return upd, errors.Wrap(err, "raise automation_failed")
	}
	return upd, nil
}

// CompleteManually closes a manual_required task after a human did the work. A result, when
// given, is applied the same way an automated success would be.
func (r *Runner) CompleteManually(ctx context.Context, actor models.Actor, taskID uuid.UUID, res *models.TaskResult, note string) (*models.AutomationTask, error) {
	if !actor.Can(models.CapAdminEdit) {
		return nil, errors.Wrap(apperr.ErrForbidden, "complete task")
	}
	t, err := r.repo.GetTask(ctx, taskID)
	if err != nil {
		return nil, err
	}
	if t.Status != models.TaskManualRequired {
		return nil, errors.Wrapf(apperr.ErrInvalidTransition, "task is %s", t.Status)
	}
	now := r.now()
	ok := true
	p := models.TaskPatch{Status: models.TaskCompleted, Success: &ok, Result: res, CompletedAt: &now}
	if note != "" {
		msg := "manual: " + note
		p.LastError = &msg
	}
	done, err := r.repo.UpdateTask(ctx, t.ID, models.TaskManualRequired, p)
	if err != nil {
		return nil, err
	}
	slog.Info("task completed manually", "task_id", t.ID, "actor", actor.ID)
	if res != nil {
		if err := r.onSuccess(ctx, done); err != nil {
			return done, errors.Wrap(err, "apply task result")
		}
	}
	return done, nil
}

func (r *Runner) onSuccess(ctx context.Context, t *models.AutomationTask) error {
	if t.Result == nil {
		return nil
	}
	switch t.Type {
	case models.TaskOrderPlacement:
		if t.Result.OrderPlacement != nil {
			return r.onPlaced(ctx, t, *t.Result.OrderPlacement)
		}
	case models.TaskTrackingScrape:
		if t.Result.TrackingScrape != nil {
			return r.onScraped(ctx, t, *t.Result.TrackingScrape)
		}
	case models.TaskStatusCheck:
		if t.Result.StatusCheck != nil {
			return r.onStatus(ctx, t.ItemID, *t.Result.StatusCheck)
		}
	}
	return nil
}

func (r *Runner) onPlaced(ctx context.Context, t *models.AutomationTask, res models.OrderPlacementResult) error {
	if res.SellerOrderID == "" {
		return apperr.Invalid("placement result without seller order id")
	}
	orderedAt := res.OrderedAt
	if orderedAt.IsZero() {
		orderedAt = r.now()
	}
	it, err := r.items.Apply(ctx, items.Change{
		ItemID: t.ItemID,
		To:     models.ItemSellerOrderPlaced,
		Cause:  models.CauseAutomation,
		From:   []models.ItemStatus{models.ItemPendingOrderPlacement, models.ItemSellerOrderPlaced},
		Patch: models.ItemPatch{
			SellerOrderID:   &res.SellerOrderID,
			SellerOrderedAt: &orderedAt,
		},
	})
	if err != nil {
		return errors.Wrap(err, "mark seller order placed")
	}

	_, err = r.Enqueue(ctx, it.ID, models.TaskTrackingScrape, models.TaskConfig{
		TrackingScrape: &models.TrackingScrapeConfig{SellerOrderID: res.SellerOrderID, ProductURL: it.ProductURL},
	})
	if err != nil {
		return errors.Wrap(err, "enqueue tracking scrape")
	}

	if res.TotalPaid != nil && it.Quantity > 0 {
		unit := res.TotalPaid.Div(decimal.NewFromInt(int64(it.Quantity))).Round(2)
		r.detect(ctx, revisions.DetectInput{ItemID: it.ID, NewPrice: &unit})
	}
	return nil
}

func (r *Runner) onScraped(ctx context.Context, t *models.AutomationTask, res models.TrackingScrapeResult) error {
	if res.TrackingNumber != "" {
		if _, err := r.items.Patch(ctx, t.ItemID, models.ItemPatch{SellerTrackingNumber: &res.TrackingNumber}); err != nil {
			return errors.Wrap(err, "record seller tracking number")
		}
	} else if t.Config.TrackingScrape != nil {
		at := r.now().Add(r.planner.RescrapeDelay())
		if _, err := r.EnqueueAt(ctx, t.ItemID, models.TaskTrackingScrape, t.Config, at); err != nil {
			return errors.Wrap(err, "reschedule tracking scrape")
		}
	}

	if res.Price != nil || res.Weight != nil {
		r.detect(ctx, revisions.DetectInput{ItemID: t.ItemID, NewPrice: res.Price, NewWeight: res.Weight})
	}
	if res.SellerStatus == sellerOutOfStock {
		return r.onStatus(ctx, t.ItemID, models.StatusCheckResult{SellerStatus: res.SellerStatus})
	}
	return nil
}

const sellerOutOfStock = "out_of_stock"

func (r *Runner) onStatus(ctx context.Context, itemID uuid.UUID, res models.StatusCheckResult) error {
	outOfStock := res.SellerStatus == sellerOutOfStock || (res.InStock != nil && !*res.InStock)
	if !outOfStock {
		return nil
	}
	it, err := r.items.Get(ctx, itemID)
	if err != nil {
		return err
	}
	_, err = r.exceptions.Raise(ctx, exceptions.RaiseInput{
		ItemID:          itemID,
		Type:            models.ExceptionOutOfStock,
		DetectedBy:      models.DetectedByAutomation,
		Description:     "seller reports item out of stock",
		FinancialImpact: it.LineTotal(),
	})
	if err != nil {
		return errors.Wrap(err, "raise out_of_stock")
	}
	return nil
}

// detect failures do not undo the task result; the revision is re-detected on the next scrape.
func (r *Runner) detect(ctx context.Context, in revisions.DetectInput) {
	in.DetectedBy = models.DetectedByAutomation
	rev, err := r.revisions.Detect(ctx, in)
	if err != nil {
		slog.Warn("revision detection", "item_id", in.ItemID, "error", err.Error())
		return
	}
	if rev != nil {
		slog.Info("revision detected", "item_id", in.ItemID, "revision_id", rev.ID, "status", rev.ApprovalStatus)
	}
}

// Trigger forces an immediate cycle (best-effort, non-blocking).
func (r *Runner) Trigger() {
	r.lastTriggerUnixNano.Store(time.Now().UTC().UnixNano())
	select {
	case r.triggerCh <- struct{}{}:
	default:
	}
}

type Stats struct {
	StartedAt      time.Time  `json:"startedAt"`
	LastCycleAt    *time.Time `json:"lastCycleAt,omitempty"`
	LastTriggerAt  *time.Time `json:"lastTriggerAt,omitempty"`
	TotalClaimed   int64      `json:"totalClaimed"`
	TotalProcessed int64      `json:"totalProcessed"`
	TotalErrors    int64      `json:"totalErrors"`
	TotalEscalated int64      `json:"totalEscalated"`
	InFlight       int64      `json:"inFlight"`
	LastError      string     `json:"lastError,omitempty"`
}

func (r *Runner) Stats() Stats {
	st := Stats{
		StartedAt:      time.Unix(0, r.startedAtUnixNano).UTC(),
		TotalClaimed:   r.totalClaimed.Load(),
		TotalProcessed: r.totalProcessed.Load(),
		TotalErrors:    r.totalErrors.Load(),
		TotalEscalated: r.totalEscalated.Load(),
		InFlight:       r.inFlight.Load(),
	}
	if n := r.lastCycleUnixNano.Load(); n > 0 {
		t := time.Unix(0, n).UTC()
		st.LastCycleAt = &t
	}
	if n := r.lastTriggerUnixNano.Load(); n > 0 {
		t := time.Unix(0, n).UTC()
		st.LastTriggerAt = &t
	}
	r.lastErrorMu.Lock()
	st.LastError = r.lastError
	r.lastErrorMu.Unlock()
	return st
}

func (r *Runner) recordError(err error) {
	r.totalErrors.Add(1)
	r.lastErrorMu.Lock()
	r.lastError = err.Error()
	r.lastErrorMu.Unlock()
}

func (r *Runner) Run(ctx context.Context) error {
	t := time.NewTicker(r.pollInterval)
	defer t.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-t.C:
			r.RunOnce(ctx)
		case <-r.triggerCh:
			r.RunOnce(ctx)
		}
	}
}

// RunOnce claims one batch of due tasks and executes it.
func (r *Runner) RunOnce(ctx context.Context) {
	now := r.now()
	r.lastCycleUnixNano.Store(time.Now().UTC().UnixNano())

	tasks, err := r.repo.ClaimDueTasks(ctx, now, r.batchSize, r.lease)
	if err != nil {
		slog.Error("claim due tasks", "error", err.Error())
		r.recordError(err)
		return
	}
	r.totalClaimed.Add(int64(len(tasks)))

	sem := make(chan struct{}, r.concurrency)
	var wg sync.WaitGroup
	for _, t := range tasks {
		sem <- struct{}{}
		wg.Add(1)
		r.inFlight.Add(1)
		go func(t *models.AutomationTask) {
			defer func() {
				r.inFlight.Add(-1)
				<-sem
				wg.Done()
			}()
			if err := r.processOne(ctx, t); err != nil {
				r.recordError(err)
				slog.Error("process task", "task_id", t.ID, "type", t.Type, "error", err.Error())
			}
			r.totalProcessed.Add(1)
		}(t)
	}
	wg.Wait()
}

func (r *Runner) processOne(ctx context.Context, t *models.AutomationTask) error {
	it, err := r.items.Get(ctx, t.ItemID)
	if err != nil {
		return errors.Wrap(err, "load item")
	}
	if it.Status.IsTerminal() {
		msg := fmt.Sprintf("item is %s", it.Status)
		_, err := r.repo.UpdateTask(ctx, t.ID, models.TaskRunning, models.TaskPatch{Status: models.TaskFailed, LastError: &msg})
		return err
	}

	allowed, err := r.allow(ctx, it.SellerPlatform)
	if err != nil {
		return err
	}
	if !allowed {
		// back to the queue without spending a retry
		at := r.now().Add(r.planner.RateLimitedDelay())
		_, err := r.repo.UpdateTask(ctx, t.ID, models.TaskRunning, models.TaskPatch{Status: models.TaskRetry, NextRetryAt: &at})
		return err
	}

	out := r.execute(ctx, it, t)
	_, err = r.ReportResult(ctx, t.ID, out)
	return err
}

func (r *Runner) allow(ctx context.Context, platform string) (bool, error) {
	if r.rl == nil || r.rateLimitPerMinute <= 0 {
		return true, nil
	}
	limit := r.rateLimitPerMinute
	if n, ok := r.platformLimits[platform]; ok {
		limit = n
	}
	minuteKey := fmt.Sprintf("rl:seller:%s:%s", platform, r.now().Format("200601021504"))
	allowed, n, err := r.rl.Allow(ctx, minuteKey, limit, 70*time.Second)
	if err != nil {
		return false, err
	}
	if !allowed {
		slog.Warn("rate limit exceeded", "platform", platform, "count", n)
	}
	return allowed, nil
}

func (r *Runner) execute(ctx context.Context, it *models.OrderItem, t *models.AutomationTask) Outcome {
	var (
		res models.TaskResult
		err error
	)
	switch t.Type {
	case models.TaskOrderPlacement:
		cfg := t.Config.OrderPlacement
		var placed models.OrderPlacementResult
		placed, err = r.seller.PlaceOrder(ctx, seller.PlaceOrderRequest{
			Platform:        it.SellerPlatform,
			ProductURL:      cfg.ProductURL,
			Quantity:        cfg.Quantity,
			ShipToWarehouse: cfg.ShipToWarehouse,
		})
		res.OrderPlacement = &placed
	case models.TaskTrackingScrape:
		cfg := t.Config.TrackingScrape
		var scraped models.TrackingScrapeResult
		scraped, err = r.seller.ScrapeTracking(ctx, it.SellerPlatform, cfg.SellerOrderID, cfg.ProductURL)
		res.TrackingScrape = &scraped
	case models.TaskStatusCheck:
		var st models.StatusCheckResult
		st, err = r.seller.CheckStatus(ctx, it.SellerPlatform, t.Config.StatusCheck.SellerOrderID)
		res.StatusCheck = &st
	default:
		err = errors.Errorf("unknown task type %s", t.Type)
	}
	if err != nil {
		return Outcome{Error: err.Error()}
	}
	return Outcome{Success: true, Result: &res}
}
