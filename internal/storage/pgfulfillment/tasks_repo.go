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

const taskColumns = `
  id, item_id, type, status, config, retry_count, max_retries, next_retry_at,
  success, result, last_error, requires_human, started_at, completed_at, created_at, updated_at`

func scanTask(row pgx.Row) (*models.AutomationTask, error) {
	var (
		t        models.AutomationTask
		cfg, res []byte
	)
	err := row.Scan(
		&t.ID, &t.ItemID, &t.Type, &t.Status, &cfg, &t.RetryCount, &t.MaxRetries, &t.NextRetryAt,
		&t.Success, &res, &t.LastError, &t.RequiresHuman, &t.StartedAt, &t.CompletedAt, &t.CreatedAt, &t.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(cfg, &t.Config); err != nil {
		return nil, errors.Wrap(err, "decode task config")
	}
	if len(res) > 0 {
		var r models.TaskResult
		if err := json.Unmarshal(res, &r); err != nil {
			return nil, errors.Wrap(err, "decode task result")
		}
		t.Result = &r
	}
	return &t, nil
}

// CreateTask inserts a queued task unless one is already waiting for the same (item, type);
// in that case the waiting task is returned with created=false.
func (s *Storage) CreateTask(ctx context.Context, t *models.AutomationTask) (*models.AutomationTask, bool, error) {
	cfg, err := json.Marshal(t.Config)
	if err != nil {
		return nil, false, errors.Wrap(err, "encode task config")
	}

	tx, err := s.db.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return nil, false, errors.Wrap(err, "begin tx")
	}
	defer func() { _ = tx.Rollback(ctx) }()

	tag, err := tx.Exec(ctx, `
INSERT INTO automation_tasks (
  id, item_id, type, status, config, retry_count, max_retries, next_retry_at, created_at, updated_at
)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$9)
ON CONFLICT (item_id, type) WHERE status IN ('queued','retry') DO NOTHING
`, t.ID, t.ItemID, string(t.Type), string(t.Status), cfg, t.RetryCount, t.MaxRetries, t.NextRetryAt, t.CreatedAt.UTC())
	if err != nil {
		return nil, false, errors.Wrap(err, "insert task")
	}

	if tag.RowsAffected() == 0 {
		existing, err := scanTask(tx.QueryRow(ctx, `
SELECT`+taskColumns+`
FROM automation_tasks
WHERE item_id = $1 AND type = $2 AND status IN ('queued','retry')
`, t.ItemID, string(t.Type)))
		if err != nil {
			return nil, false, notFoundOr(err, "select waiting task")
		}
		return existing, false, nil
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, false, errors.Wrap(err, "commit tx")
	}
	cp := *t
	return &cp, true, nil
}

func (s *Storage) GetTask(ctx context.Context, id uuid.UUID) (*models.AutomationTask, error) {
	t, err := scanTask(s.db.QueryRow(ctx, `SELECT`+taskColumns+` FROM automation_tasks WHERE id = $1`, id))
	if err != nil {
		return nil, notFoundOr(err, "select task")
	}
	return t, nil
}

// ClaimDueTasks moves due queued/retry tasks to running. Concurrent workers never receive
// the same row, and a task is skipped while a sibling for the same (item, type) is running.
// A task left running for longer than lease is treated as abandoned and claimed again.
func (s *Storage) ClaimDueTasks(ctx context.Context, now time.Time, limit int, lease time.Duration) ([]*models.AutomationTask, error) {
	if limit <= 0 {
		limit = 100
	}
	var staleBefore time.Time
	if lease > 0 {
		staleBefore = now.Add(-lease)
	}

	tx, err := s.db.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return nil, errors.Wrap(err, "begin tx")
	}
	defer func() { _ = tx.Rollback(ctx) }()

	rows, err := tx.Query(ctx, `
SELECT t.id, t.item_id, t.type
FROM automation_tasks t
WHERE (
    (t.status IN ('queued','retry') AND (t.next_retry_at IS NULL OR t.next_retry_at <= $1))
    OR (t.status = 'running' AND t.started_at <= $3)
  )
  AND NOT EXISTS (
    SELECT 1 FROM automation_tasks r
    WHERE r.item_id = t.item_id AND r.type = t.type AND r.status = 'running'
      AND r.id <> t.id AND r.started_at > $3
  )
ORDER BY t.created_at
LIMIT $2
FOR UPDATE SKIP LOCKED
`, now.UTC(), limit, staleBefore.UTC())
	if err != nil {
		return nil, errors.Wrap(err, "select due tasks")
	}
	type key struct {
		item uuid.UUID
		typ  string
	}
	seen := map[key]struct{}{}
	ids := make([]uuid.UUID, 0, limit)
	for rows.Next() {
		var (
			id uuid.UUID
			k  key
		)
		if err := rows.Scan(&id, &k.item, &k.typ); err != nil {
			rows.Close()
			return nil, errors.Wrap(err, "scan task id")
		}
		// one task per (item, type) per claim, the oldest first
		if _, dup := seen[k]; dup {
			continue
		}
		seen[k] = struct{}{}
		ids = append(ids, id)
	}
	rows.Close()
	if rows.Err() != nil {
		return nil, errors.Wrap(rows.Err(), "rows")
	}

	out := make([]*models.AutomationTask, 0, len(ids))
	for _, id := range ids {
		t, err := scanTask(tx.QueryRow(ctx, `
UPDATE automation_tasks
SET status = 'running', started_at = $2, updated_at = $2
WHERE id = $1
RETURNING`+taskColumns, id, now.UTC()))
		if err != nil {
			return nil, errors.Wrap(err, "claim task")
		}
		out = append(out, t)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, errors.Wrap(err, "commit tx")
	}
	return out, nil
}

// UpdateTask applies the patch only while the row is still in status from.
func (s *Storage) UpdateTask(ctx context.Context, id uuid.UUID, from models.TaskStatus, p models.TaskPatch) (*models.AutomationTask, error) {
	var res []byte
	if p.Result != nil {
		b, err := json.Marshal(p.Result)
		if err != nil {
			return nil, errors.Wrap(err, "encode task result")
		}
		res = b
	}

	t, err := scanTask(s.db.QueryRow(ctx, `
UPDATE automation_tasks
SET
  status = $3,
  retry_count = COALESCE($4, retry_count),
  next_retry_at = COALESCE($5, next_retry_at),
  success = COALESCE($6, success),
  result = COALESCE($7, result),
  last_error = COALESCE($8, last_error),
  requires_human = COALESCE($9, requires_human),
  started_at = COALESCE($10, started_at),
  completed_at = COALESCE($11, completed_at),
  updated_at = now()
WHERE id = $1 AND status = $2
RETURNING`+taskColumns,
		id, string(from), string(p.Status),
		p.RetryCount, p.NextRetryAt, p.Success, res, p.LastError,
		p.RequiresHuman, p.StartedAt, p.CompletedAt,
	))
	if err == nil {
		return t, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return nil, errors.Wrap(err, "update task")
	}
	if _, err := s.GetTask(ctx, id); err != nil {
		return nil, err
	}
	return nil, conflict("task status")
}
