// Package actors contiene los controllers de los documentos públicos de
// actores locales: el Actor document de ActivityPub y webfinger.
package actors

import (
	"context"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/dropDatabas3/hellofed/internal/http/helpers"
	"github.com/dropDatabas3/hellofed/internal/observability/logger"
	"github.com/dropDatabas3/hellofed/internal/store/core"
)

// ActorStore es lo que el controller necesita del repositorio.
type ActorStore interface {
	GetActorByUsername(ctx context.Context, username string) (*core.Actor, error)
}

// KeyReader expone la clave pública activa de un actor local.
type KeyReader interface {
	PublicKeyPEM(ctx context.Context, actorID string) (string, error)
	ActiveKeyID(ctx context.Context, actorID string) (string, error)
}

// Controller sirve los documentos públicos de actores.
type Controller struct {
	store ActorStore
	keys  KeyReader
}

func New(store ActorStore, keys KeyReader) *Controller {
	return &Controller{store: store, keys: keys}
}

// actorDoc es el Actor document que se publica. El bloque publicKey expone
// únicamente la clave activa: las retiring se resuelven sólo por keyId.
type actorDoc struct {
	Context           []string     `json:"@context"`
	ID                string       `json:"id"`
	Type              string       `json:"type"`
	PreferredUsername string       `json:"preferredUsername"`
	Inbox             string       `json:"inbox"`
	PublicKey         actorDocKey  `json:"publicKey"`
}

type actorDocKey struct {
	ID           string `json:"id"`
	Owner        string `json:"owner"`
	PublicKeyPEM string `json:"publicKeyPem"`
}

// Get maneja GET /users/{username}.
func (c *Controller) Get(w http.ResponseWriter, r *http.Request) {
	username := chi.URLParam(r, "username")

	actor, err := c.store.GetActorByUsername(r.Context(), username)
	if err != nil {
		if errors.Is(err, core.ErrNotFound) {
			helpers.WriteError(w, http.StatusNotFound, "not_found", "actor inexistente")
			return
		}
		logger.From(r.Context()).Error("actor lookup failed", logger.Err(err))
		helpers.WriteError(w, http.StatusInternalServerError, "internal_error", "")
		return
	}
	if !actor.Local {
		helpers.WriteError(w, http.StatusNotFound, "not_found", "actor inexistente")
		return
	}

	keyID, err := c.keys.ActiveKeyID(r.Context(), actor.ID)
	if err != nil {
		logger.From(r.Context()).Error("active key lookup failed",
			logger.ActorID(actor.ID), logger.Err(err))
		helpers.WriteError(w, http.StatusInternalServerError, "internal_error", "")
		return
	}
	pem, err := c.keys.PublicKeyPEM(r.Context(), actor.ID)
	if err != nil {
		logger.From(r.Context()).Error("public key lookup failed",
			logger.ActorID(actor.ID), logger.Err(err))
		helpers.WriteError(w, http.StatusInternalServerError, "internal_error", "")
		return
	}

	helpers.WriteActivityJSON(w, http.StatusOK, actorDoc{
		Context: []string{
			"https://www.w3.org/ns/activitystreams",
			"https://w3id.org/security/v1",
		},
		ID:                actor.ID,
		Type:              "Person",
		PreferredUsername: actor.Username,
		Inbox:             actor.InboxURL,
		PublicKey: actorDocKey{
			ID:           keyID,
			Owner:        actor.ID,
			PublicKeyPEM: pem,
		},
	})
}
