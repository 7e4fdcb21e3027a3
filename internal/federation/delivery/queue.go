// Package delivery implementa la cola durable de envíos firmados a inboxes
// remotos: enqueue, scan de tasks vencidas, workers concurrentes, retry con
// backoff exponencial y abandono ante fallos permanentes.
package delivery

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/dropDatabas3/hellofed/internal/metrics"
	"github.com/dropDatabas3/hellofed/internal/observability/logger"
	"github.com/dropDatabas3/hellofed/internal/store/core"
)

// ErrTaskFinished indica que la task ya está en estado terminal y no admite
// la operación pedida (ej. cancelar una ya entregada).
var ErrTaskFinished = errors.New("task_finished")

// RequestSigner es lo que la cola necesita del firmante HTTP.
type RequestSigner interface {
	SignRequest(ctx context.Context, actorID string, req *http.Request, body []byte) error
}

// Config parametriza la cola. Los ceros se normalizan en New.
type Config struct {
	Workers      int
	MaxAttempts  int
	BaseBackoff  time.Duration
	MaxBackoff   time.Duration
	ScanInterval time.Duration
	BatchSize    int
}

// Queue es la cola de delivery. El estado vive en el Repository: la cola en
// memoria es sólo el tránsito scan → worker, así un reinicio no pierde tasks.
type Queue struct {
	repo   core.Repository
	signer RequestSigner
	httpc  *http.Client
	cfg    Config
	log    *zap.Logger
	now    func() time.Time
}

func New(repo core.Repository, signer RequestSigner, httpc *http.Client, cfg Config) *Queue {
	if cfg.Workers <= 0 {
		cfg.Workers = 4
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 8
	}
	if cfg.BaseBackoff <= 0 {
		cfg.BaseBackoff = 30 * time.Second
	}
	if cfg.MaxBackoff <= 0 {
		cfg.MaxBackoff = 4 * time.Hour
	}
	if cfg.ScanInterval <= 0 {
		cfg.ScanInterval = time.Second
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 50
	}
	if httpc == nil {
		httpc = &http.Client{Timeout: 10 * time.Second}
	}
	return &Queue{
		repo:   repo,
		signer: signer,
		httpc:  httpc,
		cfg:    cfg,
		log:    logger.Named("delivery"),
		now:    time.Now,
	}
}

// Enqueue persiste una task nueva en pending y devuelve su snapshot.
// El payload se captura tal cual: la firma del envío se calcula recién al
// momento de cada intento, con la clave activa de ese momento.
func (q *Queue) Enqueue(ctx context.Context, actorID, targetInbox string, payload []byte) (*core.DeliveryTask, error) {
	if actorID == "" || len(payload) == 0 {
		return nil, fmt.Errorf("%w: actor y payload requeridos", core.ErrInvalid)
	}
	if !strings.HasPrefix(targetInbox, "http://") && !strings.HasPrefix(targetInbox, "https://") {
		return nil, fmt.Errorf("%w: target inbox inválido", core.ErrInvalid)
	}
	now := q.now().UTC()
	t := &core.DeliveryTask{
		ID:            uuid.NewString(),
		ActorID:       actorID,
		TargetInbox:   targetInbox,
		Payload:       payload,
		Attempt:       0,
		NextAttemptAt: now,
		Status:        core.TaskPending,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	if err := q.repo.InsertTask(ctx, t); err != nil {
		return nil, err
	}
	q.log.Debug("task enqueued",
		zap.String("task_id", t.ID),
		zap.String("actor_id", actorID),
		zap.String("inbox", targetInbox))
	return t, nil
}

// Cancel abandona una task que todavía no terminó. Sobre una task en estado
// terminal devuelve ErrTaskFinished.
func (q *Queue) Cancel(ctx context.Context, id string) error {
	t, err := q.repo.GetTask(ctx, id)
	if err != nil {
		return err
	}
	switch t.Status {
	case core.TaskDelivered, core.TaskAbandoned:
		return ErrTaskFinished
	}
	if err := q.repo.Abandon(ctx, id, "cancelled"); err != nil {
		// Carrera con un worker que la terminó entre el Get y el Abandon.
		if errors.Is(err, core.ErrConflict) {
			return ErrTaskFinished
		}
		return err
	}
	q.log.Info("task cancelled", zap.String("task_id", id))
	return nil
}

// Run arranca el loop de la cola y bloquea hasta que el contexto se cancele.
// Primero requeuea las tasks que quedaron in_flight de una corrida anterior.
func (q *Queue) Run(ctx context.Context) error {
	n, err := q.repo.RequeueInFlight(ctx)
	if err != nil {
		return fmt.Errorf("requeue in_flight: %w", err)
	}
	if n > 0 {
		q.log.Info("in_flight tasks requeued", zap.Int("count", n))
	}

	tasks := make(chan core.DeliveryTask)
	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		defer close(tasks)
		ticker := time.NewTicker(q.cfg.ScanInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return nil
			case <-ticker.C:
				q.scan(ctx, tasks)
			}
		}
	})

	for i := 0; i < q.cfg.Workers; i++ {
		g.Go(func() error {
			for t := range tasks {
				q.process(ctx, t)
			}
			return nil
		})
	}

	q.log.Info("delivery queue started",
		zap.Int("workers", q.cfg.Workers),
		zap.Duration("scan_interval", q.cfg.ScanInterval))
	return g.Wait()
}

// scan toma las tasks vencidas, las leasea con MarkInFlight y las despacha a
// los workers. Un ErrConflict en el lease significa que otro scan ganó la
// task; se saltea sin error.
func (q *Queue) scan(ctx context.Context, out chan<- core.DeliveryTask) {
	due, err := q.repo.DueTasks(ctx, q.now().UTC(), q.cfg.BatchSize)
	if err != nil {
		q.log.Error("due tasks scan failed", zap.Error(err))
		return
	}
	for _, t := range due {
		if err := q.repo.MarkInFlight(ctx, t.ID); err != nil {
			if !errors.Is(err, core.ErrConflict) {
				q.log.Error("task lease failed", zap.String("task_id", t.ID), zap.Error(err))
			}
			continue
		}
		select {
		case out <- t:
		case <-ctx.Done():
			// Shutdown con la task ya leaseada: devolver el lease para que un
			// próximo scan la retome, en vez de dejarla varada en in_flight
			// hasta el siguiente arranque del proceso.
			unlease, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			err := q.repo.ScheduleRetry(unlease, t.ID, t.Attempt, q.now().UTC(), t.LastError)
			if err != nil && !errors.Is(err, core.ErrConflict) {
				q.log.Error("task unlease failed", zap.String("task_id", t.ID), zap.Error(err))
			}
			cancel()
			return
		}
	}
}

// process ejecuta un intento y persiste la transición resultante.
func (q *Queue) process(ctx context.Context, t core.DeliveryTask) {
	metrics.DeliveryQueueDepth.Inc()
	defer metrics.DeliveryQueueDepth.Dec()

	attempt := t.Attempt + 1
	err := q.deliver(ctx, &t)
	if err == nil {
		if merr := q.repo.MarkDelivered(ctx, t.ID); merr != nil {
			if errors.Is(merr, core.ErrConflict) {
				// Cancelada mientras el intento volaba: el estado terminal manda,
				// el resultado del intento se descarta.
				q.log.Info("task cancelled mid-attempt, outcome dropped", zap.String("task_id", t.ID))
				return
			}
			q.log.Error("mark delivered failed", zap.String("task_id", t.ID), zap.Error(merr))
			return
		}
		metrics.DeliveryOutcomes.WithLabelValues("delivered").Inc()
		q.log.Info("task delivered",
			zap.String("task_id", t.ID),
			zap.String("inbox", t.TargetInbox),
			zap.Int("attempt", attempt))
		return
	}

	if isPermanent(err) || attempt >= q.cfg.MaxAttempts {
		if aerr := q.repo.Abandon(ctx, t.ID, err.Error()); aerr != nil {
			if errors.Is(aerr, core.ErrConflict) {
				q.log.Info("task cancelled mid-attempt, outcome dropped", zap.String("task_id", t.ID))
				return
			}
			q.log.Error("abandon failed", zap.String("task_id", t.ID), zap.Error(aerr))
			return
		}
		metrics.DeliveryOutcomes.WithLabelValues("abandoned").Inc()
		q.log.Warn("task abandoned",
			zap.String("task_id", t.ID),
			zap.String("inbox", t.TargetInbox),
			zap.Int("attempt", attempt),
			zap.String("reason", err.Error()))
		return
	}

	delay := q.backoffDelay(attempt)
	next := q.now().UTC().Add(delay)
	if serr := q.repo.ScheduleRetry(ctx, t.ID, attempt, next, err.Error()); serr != nil {
		if errors.Is(serr, core.ErrConflict) {
			q.log.Info("task cancelled mid-attempt, outcome dropped", zap.String("task_id", t.ID))
			return
		}
		q.log.Error("schedule retry failed", zap.String("task_id", t.ID), zap.Error(serr))
		return
	}
	metrics.DeliveryOutcomes.WithLabelValues("retried").Inc()
	q.log.Info("task retry scheduled",
		zap.String("task_id", t.ID),
		zap.String("inbox", t.TargetInbox),
		zap.Int("attempt", attempt),
		zap.Duration("delay", delay),
		zap.String("reason", err.Error()))
}

// deliver arma el POST firmado y clasifica el resultado. Un error nil es un
// 2xx del inbox remoto. Los permanentes van envueltos en permanentError.
func (q *Queue) deliver(ctx context.Context, t *core.DeliveryTask) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.TargetInbox, bytes.NewReader(t.Payload))
	if err != nil {
		return permanent(fmt.Errorf("build request: %w", err))
	}
	req.Header.Set("Content-Type", "application/activity+json")

	if err := q.signer.SignRequest(ctx, t.ActorID, req, t.Payload); err != nil {
		// Sin clave de firma hoy no implica sin clave mañana: transitorio.
		return fmt.Errorf("sign request: %w", err)
	}

	resp, err := q.httpc.Do(req)
	if err != nil {
		return fmt.Errorf("post inbox: %w", err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return nil
	case resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests:
		return fmt.Errorf("inbox status %d", resp.StatusCode)
	default:
		return permanent(fmt.Errorf("inbox status %d", resp.StatusCode))
	}
}

// backoffDelay devuelve base * 2^(attempt-1) acotado por MaxBackoff.
func (q *Queue) backoffDelay(attempt int) time.Duration {
	d := q.cfg.BaseBackoff
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= q.cfg.MaxBackoff {
			return q.cfg.MaxBackoff
		}
	}
	if d > q.cfg.MaxBackoff {
		return q.cfg.MaxBackoff
	}
	return d
}

type permanentError struct{ err error }

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

func permanent(err error) error { return &permanentError{err: err} }

func isPermanent(err error) bool {
	var pe *permanentError
	return errors.As(err, &pe)
}
