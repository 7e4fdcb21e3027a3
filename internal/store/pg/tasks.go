package pg

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/dropDatabas3/hellofed/internal/store/core"
)

const taskCols = `id, actor_id, target_inbox, payload, attempt, next_attempt_at, status, last_error, created_at, updated_at`

func scanTask(row pgx.Row) (*core.DeliveryTask, error) {
	var t core.DeliveryTask
	var status string
	if err := row.Scan(&t.ID, &t.ActorID, &t.TargetInbox, &t.Payload, &t.Attempt,
		&t.NextAttemptAt, &status, &t.LastError, &t.CreatedAt, &t.UpdatedAt); err != nil {
		return nil, mapErr(err)
	}
	t.Status = core.TaskStatus(status)
	return &t, nil
}

func (s *Store) InsertTask(ctx context.Context, t *core.DeliveryTask) error {
	const q = `
		INSERT INTO delivery_task
			(id, actor_id, target_inbox, payload, attempt, next_attempt_at, status, last_error, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`
	_, err := s.pool.Exec(ctx, q, t.ID, t.ActorID, t.TargetInbox, t.Payload,
		t.Attempt, t.NextAttemptAt, string(t.Status), t.LastError, t.CreatedAt, t.UpdatedAt)
	return mapErr(err)
}

func (s *Store) GetTask(ctx context.Context, id string) (*core.DeliveryTask, error) {
	const q = `SELECT ` + taskCols + ` FROM delivery_task WHERE id = $1`
	return scanTask(s.pool.QueryRow(ctx, q, id))
}

func (s *Store) DueTasks(ctx context.Context, now time.Time, limit int) ([]core.DeliveryTask, error) {
	// Sólo la cabeza de cada cola (actor, inbox): una task no es elegible si
	// existe otra anterior del mismo par que aún no terminó. Esto preserva el
	// orden FIFO por par incluso con retries programados a futuro. El id
	// desempata tasks encoladas en el mismo microsegundo.
	const q = `
		SELECT ` + taskCols + `
		FROM delivery_task t
		WHERE (t.status = 'pending'
		       OR (t.status = 'retry_scheduled' AND t.next_attempt_at <= $1))
		  AND NOT EXISTS (
		        SELECT 1 FROM delivery_task e
		        WHERE e.actor_id = t.actor_id
		          AND e.target_inbox = t.target_inbox
		          AND (e.created_at, e.id) < (t.created_at, t.id)
		          AND e.status IN ('pending', 'in_flight', 'retry_scheduled'))
		ORDER BY t.created_at, t.id
		LIMIT $2`
	rows, err := s.pool.Query(ctx, q, now, limit)
	if err != nil {
		return nil, mapErr(err)
	}
	defer rows.Close()

	var out []core.DeliveryTask
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *t)
	}
	return out, rows.Err()
}

func (s *Store) MarkInFlight(ctx context.Context, id string) error {
	// Lease: sólo transiciona si la task sigue lista (evita doble despacho).
	const q = `
		UPDATE delivery_task SET status = 'in_flight', updated_at = now()
		WHERE id = $1 AND status IN ('pending', 'retry_scheduled')`
	tag, err := s.pool.Exec(ctx, q, id)
	if err != nil {
		return mapErr(err)
	}
	if tag.RowsAffected() == 0 {
		return core.ErrConflict
	}
	return nil
}

func (s *Store) MarkDelivered(ctx context.Context, id string) error {
	// Sólo desde in_flight: si la task fue cancelada mientras el intento volaba,
	// el write del worker no puede resucitarla desde un estado terminal.
	const q = `
		UPDATE delivery_task SET status = 'delivered', updated_at = now()
		WHERE id = $1 AND status = 'in_flight'`
	tag, err := s.pool.Exec(ctx, q, id)
	if err != nil {
		return mapErr(err)
	}
	if tag.RowsAffected() == 0 {
		return core.ErrConflict
	}
	return nil
}

func (s *Store) ScheduleRetry(ctx context.Context, id string, attempt int, next time.Time, lastErr string) error {
	const q = `
		UPDATE delivery_task
		SET status = 'retry_scheduled', attempt = $2, next_attempt_at = $3, last_error = $4, updated_at = now()
		WHERE id = $1 AND status = 'in_flight'`
	tag, err := s.pool.Exec(ctx, q, id, attempt, next, lastErr)
	if err != nil {
		return mapErr(err)
	}
	if tag.RowsAffected() == 0 {
		return core.ErrConflict
	}
	return nil
}

func (s *Store) Abandon(ctx context.Context, id string, lastErr string) error {
	// Abandona desde cualquier estado no terminal (lo usa también Cancel sobre
	// tasks pending); sobre una terminal devuelve conflict.
	const q = `
		UPDATE delivery_task SET status = 'abandoned', last_error = $2, updated_at = now()
		WHERE id = $1 AND status IN ('pending', 'in_flight', 'retry_scheduled')`
	tag, err := s.pool.Exec(ctx, q, id, lastErr)
	if err != nil {
		return mapErr(err)
	}
	if tag.RowsAffected() == 0 {
		return core.ErrConflict
	}
	return nil
}

func (s *Store) RequeueInFlight(ctx context.Context) (int, error) {
	const q = `UPDATE delivery_task SET status = 'pending', updated_at = now() WHERE status = 'in_flight'`
	tag, err := s.pool.Exec(ctx, q)
	if err != nil {
		return 0, mapErr(err)
	}
	return int(tag.RowsAffected()), nil
}

func (s *Store) ListTasks(ctx context.Context, status core.TaskStatus, limit int) ([]core.DeliveryTask, error) {
	const q = `
		SELECT ` + taskCols + `
		FROM delivery_task
		WHERE ($1 = '' OR status = $1)
		ORDER BY created_at, id
		LIMIT $2`
	rows, err := s.pool.Query(ctx, q, string(status), limit)
	if err != nil {
		return nil, mapErr(err)
	}
	defer rows.Close()

	var out []core.DeliveryTask
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *t)
	}
	return out, rows.Err()
}
