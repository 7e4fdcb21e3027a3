// Package inbox contiene el controller del inbox federado: recepción de
// actividades entrantes con verificación de firma obligatoria.
package inbox

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/dropDatabas3/hellofed/internal/federation/httpsig"
	"github.com/dropDatabas3/hellofed/internal/federation/resolver"
	"github.com/dropDatabas3/hellofed/internal/http/helpers"
	"github.com/dropDatabas3/hellofed/internal/metrics"
	"github.com/dropDatabas3/hellofed/internal/observability/logger"
	"github.com/dropDatabas3/hellofed/internal/store/core"
)

// maxActivitySize limita el body aceptado en el inbox.
const maxActivitySize = 1 << 20

// Verifier valida la firma de un request entrante y devuelve la URI del
// actor verificado.
type Verifier interface {
	VerifyRequest(ctx context.Context, r *http.Request, body []byte) (string, error)
}

// Processor recibe las actividades ya verificadas. La capa de confianza
// termina acá: lo que la aplicación haga con la actividad es asunto suyo.
type Processor interface {
	Process(ctx context.Context, senderURI, recipientID string, activity []byte) error
}

// ActorStore es lo que el controller necesita del repositorio.
type ActorStore interface {
	GetActorByUsername(ctx context.Context, username string) (*core.Actor, error)
}

// Controller maneja POST /users/{username}/inbox.
type Controller struct {
	store     ActorStore
	verifier  Verifier
	processor Processor
}

func New(store ActorStore, verifier Verifier, processor Processor) *Controller {
	return &Controller{store: store, verifier: verifier, processor: processor}
}

// Post recibe una actividad. El orden importa: primero se verifica la firma
// sobre los bytes crudos y recién después se procesa. Un request no
// verificable se rechaza sin ningún efecto secundario.
func (c *Controller) Post(w http.ResponseWriter, r *http.Request) {
	username := chi.URLParam(r, "username")

	actor, err := c.store.GetActorByUsername(r.Context(), username)
	if err != nil || !actor.Local {
		if err != nil && !errors.Is(err, core.ErrNotFound) {
			logger.From(r.Context()).Error("actor lookup failed", logger.Err(err))
			helpers.WriteError(w, http.StatusInternalServerError, "internal_error", "")
			return
		}
		helpers.WriteError(w, http.StatusNotFound, "not_found", "actor inexistente")
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, maxActivitySize+1))
	if err != nil {
		helpers.WriteError(w, http.StatusBadRequest, "invalid_body", "no se pudo leer el body")
		return
	}
	if len(body) > maxActivitySize {
		helpers.WriteError(w, http.StatusRequestEntityTooLarge, "payload_too_large", "actividad demasiado grande")
		return
	}

	senderURI, err := c.verifier.VerifyRequest(r.Context(), r, body)
	if err != nil {
		reason := rejectReason(err)
		metrics.VerificationFailures.WithLabelValues(reason).Inc()
		logger.From(r.Context()).Warn("inbound signature rejected",
			logger.String("reason", reason),
			logger.Username(username),
			logger.Err(err))
		helpers.WriteError(w, http.StatusUnauthorized, reason, "firma no verificable")
		return
	}

	if !json.Valid(body) {
		helpers.WriteError(w, http.StatusBadRequest, "invalid_body", "la actividad debe ser JSON")
		return
	}

	if err := c.processor.Process(r.Context(), senderURI, actor.ID, body); err != nil {
		logger.From(r.Context()).Error("activity processing failed",
			logger.ActorID(senderURI), logger.Err(err))
		helpers.WriteError(w, http.StatusInternalServerError, "internal_error", "")
		return
	}

	w.WriteHeader(http.StatusAccepted)
}

// rejectReason mapea el error de verificación a la label de métrica y al
// código del envelope. Nunca incluye detalle criptográfico.
func rejectReason(err error) string {
	switch {
	case errors.Is(err, httpsig.ErrMalformedSignature):
		return "malformed_signature"
	case errors.Is(err, httpsig.ErrStaleRequest):
		return "stale_request"
	case errors.Is(err, httpsig.ErrDigestMismatch):
		return "digest_mismatch"
	case errors.Is(err, resolver.ErrResolution):
		return "resolution_failed"
	default:
		return "invalid_signature"
	}
}
