// Package admin contiene el plano de control: rotación de claves y gestión
// operativa de la cola de delivery. Todas las rutas van detrás de la API key.
package admin

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/dropDatabas3/hellofed/internal/federation/delivery"
	"github.com/dropDatabas3/hellofed/internal/federation/keys"
	"github.com/dropDatabas3/hellofed/internal/http/helpers"
	"github.com/dropDatabas3/hellofed/internal/observability/logger"
	"github.com/dropDatabas3/hellofed/internal/store/core"
)

// KeyRotator es lo que el controller necesita del KeyStore.
type KeyRotator interface {
	Generate(ctx context.Context, actorID string) error
	Rotate(ctx context.Context, actorID string, graceSeconds int64) (*core.ActorKey, error)
}

// TaskQueue es lo que el controller necesita de la cola de delivery.
type TaskQueue interface {
	Enqueue(ctx context.Context, actorID, targetInbox string, payload []byte) (*core.DeliveryTask, error)
	Cancel(ctx context.Context, id string) error
}

// TaskStore es la lectura de tasks para el plano admin.
type TaskStore interface {
	GetActorByUsername(ctx context.Context, username string) (*core.Actor, error)
	GetTask(ctx context.Context, id string) (*core.DeliveryTask, error)
	ListTasks(ctx context.Context, status core.TaskStatus, limit int) ([]core.DeliveryTask, error)
}

// Controller agrupa los handlers administrativos.
type Controller struct {
	store        TaskStore
	rotator      KeyRotator
	queue        TaskQueue
	defaultGrace int64
}

func New(store TaskStore, rotator KeyRotator, queue TaskQueue, defaultGrace int64) *Controller {
	return &Controller{store: store, rotator: rotator, queue: queue, defaultGrace: defaultGrace}
}

type rotateRequest struct {
	GraceSeconds *int64 `json:"grace_seconds"`
}

type rotateResponse struct {
	Actor        string `json:"actor"`
	KeyID        string `json:"key_id"`
	GraceSeconds int64  `json:"grace_seconds"`
}

// RotateKeys maneja POST /v1/admin/actors/{username}/keys/rotate.
// La respuesta nunca incluye material privado.
func (c *Controller) RotateKeys(w http.ResponseWriter, r *http.Request) {
	username := chi.URLParam(r, "username")
	actor, err := c.store.GetActorByUsername(r.Context(), username)
	if err != nil {
		if errors.Is(err, core.ErrNotFound) {
			helpers.WriteError(w, http.StatusNotFound, "not_found", "actor inexistente")
			return
		}
		helpers.WriteError(w, http.StatusInternalServerError, "internal_error", "")
		return
	}

	grace := c.defaultGrace
	var req rotateRequest
	if r.ContentLength > 0 {
		if !helpers.ReadJSON(w, r, &req) {
			return
		}
		if req.GraceSeconds != nil {
			if *req.GraceSeconds < 0 {
				helpers.WriteError(w, http.StatusBadRequest, "invalid_grace", "grace_seconds debe ser >= 0")
				return
			}
			grace = *req.GraceSeconds
		}
	}

	newKey, err := c.rotator.Rotate(r.Context(), actor.ID, grace)
	if err != nil {
		if errors.Is(err, keys.ErrNoSigningKey) {
			helpers.WriteError(w, http.StatusConflict, "no_signing_key", "el actor no tiene clave activa")
			return
		}
		logger.From(r.Context()).Error("key rotation failed",
			logger.ActorID(actor.ID), logger.Err(err))
		helpers.WriteError(w, http.StatusInternalServerError, "internal_error", "")
		return
	}

	helpers.WriteJSON(w, http.StatusOK, rotateResponse{
		Actor:        actor.ID,
		KeyID:        newKey.KeyID,
		GraceSeconds: grace,
	})
}

// GenerateKeys maneja POST /v1/admin/actors/{username}/keys. Idempotente:
// si el actor ya tiene clave activa es un no-op. Pensado para backfillear
// actores creados antes de que existiera la capa de claves.
func (c *Controller) GenerateKeys(w http.ResponseWriter, r *http.Request) {
	username := chi.URLParam(r, "username")
	actor, err := c.store.GetActorByUsername(r.Context(), username)
	if err != nil {
		if errors.Is(err, core.ErrNotFound) {
			helpers.WriteError(w, http.StatusNotFound, "not_found", "actor inexistente")
			return
		}
		helpers.WriteError(w, http.StatusInternalServerError, "internal_error", "")
		return
	}
	if err := c.rotator.Generate(r.Context(), actor.ID); err != nil {
		logger.From(r.Context()).Error("key generation failed",
			logger.ActorID(actor.ID), logger.Err(err))
		helpers.WriteError(w, http.StatusInternalServerError, "key_generation_failed", "")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// taskDTO es la vista admin de una task. El payload no se devuelve entero,
// sólo su tamaño.
type taskDTO struct {
	ID            string `json:"id"`
	Actor         string `json:"actor"`
	TargetInbox   string `json:"target_inbox"`
	PayloadBytes  int    `json:"payload_bytes"`
	Attempt       int    `json:"attempt"`
	Status        string `json:"status"`
	NextAttemptAt string `json:"next_attempt_at,omitempty"`
	LastError     string `json:"last_error,omitempty"`
	CreatedAt     string `json:"created_at"`
}

func toDTO(t *core.DeliveryTask) taskDTO {
	dto := taskDTO{
		ID:           t.ID,
		Actor:        t.ActorID,
		TargetInbox:  t.TargetInbox,
		PayloadBytes: len(t.Payload),
		Attempt:      t.Attempt,
		Status:       string(t.Status),
		LastError:    t.LastError,
		CreatedAt:    t.CreatedAt.UTC().Format("2006-01-02T15:04:05Z07:00"),
	}
	if t.Status == core.TaskRetryScheduled {
		dto.NextAttemptAt = t.NextAttemptAt.UTC().Format("2006-01-02T15:04:05Z07:00")
	}
	return dto
}

type enqueueRequest struct {
	Actor       string          `json:"actor"`
	TargetInbox string          `json:"target_inbox"`
	Payload     json.RawMessage `json:"payload"`
}

// EnqueueDelivery maneja POST /v1/admin/deliveries.
func (c *Controller) EnqueueDelivery(w http.ResponseWriter, r *http.Request) {
	var req enqueueRequest
	if !helpers.ReadJSON(w, r, &req) {
		return
	}
	t, err := c.queue.Enqueue(r.Context(), req.Actor, req.TargetInbox, []byte(req.Payload))
	if err != nil {
		if errors.Is(err, core.ErrInvalid) {
			helpers.WriteError(w, http.StatusBadRequest, "invalid_task", err.Error())
			return
		}
		logger.From(r.Context()).Error("enqueue failed", logger.Err(err))
		helpers.WriteError(w, http.StatusInternalServerError, "internal_error", "")
		return
	}
	helpers.WriteJSON(w, http.StatusCreated, toDTO(t))
}

// GetDelivery maneja GET /v1/admin/deliveries/{id}.
func (c *Controller) GetDelivery(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	t, err := c.store.GetTask(r.Context(), id)
	if err != nil {
		if errors.Is(err, core.ErrNotFound) {
			helpers.WriteError(w, http.StatusNotFound, "not_found", "task inexistente")
			return
		}
		helpers.WriteError(w, http.StatusInternalServerError, "internal_error", "")
		return
	}
	helpers.WriteJSON(w, http.StatusOK, toDTO(t))
}

// ListDeliveries maneja GET /v1/admin/deliveries?status=&limit=.
func (c *Controller) ListDeliveries(w http.ResponseWriter, r *http.Request) {
	status := core.TaskStatus(r.URL.Query().Get("status"))
	limit := 100
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 || n > 1000 {
			helpers.WriteError(w, http.StatusBadRequest, "invalid_limit", "limit: 1..1000")
			return
		}
		limit = n
	}

	tasks, err := c.store.ListTasks(r.Context(), status, limit)
	if err != nil {
		logger.From(r.Context()).Error("list tasks failed", logger.Err(err))
		helpers.WriteError(w, http.StatusInternalServerError, "internal_error", "")
		return
	}
	out := make([]taskDTO, 0, len(tasks))
	for i := range tasks {
		out = append(out, toDTO(&tasks[i]))
	}
	helpers.WriteJSON(w, http.StatusOK, map[string]any{"tasks": out})
}

// CancelDelivery maneja DELETE /v1/admin/deliveries/{id}.
func (c *Controller) CancelDelivery(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := c.queue.Cancel(r.Context(), id); err != nil {
		switch {
		case errors.Is(err, core.ErrNotFound):
			helpers.WriteError(w, http.StatusNotFound, "not_found", "task inexistente")
		case errors.Is(err, delivery.ErrTaskFinished):
			helpers.WriteError(w, http.StatusConflict, "task_finished", "la task ya está en estado terminal")
		default:
			logger.From(r.Context()).Error("cancel failed", logger.TaskID(id), logger.Err(err))
			helpers.WriteError(w, http.StatusInternalServerError, "internal_error", "")
		}
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
