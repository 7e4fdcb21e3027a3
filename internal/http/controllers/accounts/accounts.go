// Package accounts contiene el controller de alta de cuentas locales.
package accounts

import (
	"context"
	"errors"
	"net/http"
	"regexp"
	"time"

	"github.com/dropDatabas3/hellofed/internal/federation/keys"
	"github.com/dropDatabas3/hellofed/internal/http/helpers"
	"github.com/dropDatabas3/hellofed/internal/observability/logger"
	"github.com/dropDatabas3/hellofed/internal/security/password"
	"github.com/dropDatabas3/hellofed/internal/store/core"
)

var usernameRe = regexp.MustCompile(`^[a-z0-9_]{1,64}$`)

// ActorCreator es lo que el controller necesita del repositorio.
type ActorCreator interface {
	CreateLocalActor(ctx context.Context, a *core.Actor, cred *core.LocalCredential, key *core.ActorKey) error
}

// Controller maneja POST /v1/accounts.
type Controller struct {
	store   ActorCreator
	baseURL string
	domain  string
}

func New(store ActorCreator, baseURL, domain string) *Controller {
	return &Controller{store: store, baseURL: baseURL, domain: domain}
}

type createRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type createResponse struct {
	Actor    string `json:"actor"`
	Username string `json:"username"`
	Inbox    string `json:"inbox"`
	KeyID    string `json:"key_id"`
}

// Create da de alta una cuenta local: actor, credencial y primer par de
// claves en una sola transacción. Si la generación de claves falla, la cuenta
// no queda creada.
func (c *Controller) Create(w http.ResponseWriter, r *http.Request) {
	var req createRequest
	if !helpers.ReadJSON(w, r, &req) {
		return
	}
	if !usernameRe.MatchString(req.Username) {
		helpers.WriteError(w, http.StatusBadRequest, "invalid_username", "username: [a-z0-9_]{1,64}")
		return
	}
	if len(req.Password) < 8 {
		helpers.WriteError(w, http.StatusBadRequest, "weak_password", "mínimo 8 caracteres")
		return
	}

	phc, err := password.Hash(password.Default, req.Password)
	if err != nil {
		logger.From(r.Context()).Error("password hash failed", logger.Err(err))
		helpers.WriteError(w, http.StatusInternalServerError, "internal_error", "")
		return
	}

	now := time.Now().UTC()
	actorURI := c.baseURL + "/users/" + req.Username
	actor := &core.Actor{
		ID:        actorURI,
		Username:  req.Username,
		Domain:    c.domain,
		Local:     true,
		InboxURL:  actorURI + "/inbox",
		CreatedAt: now,
	}
	cred := &core.LocalCredential{
		ActorID:     actorURI,
		PasswordPHC: phc,
		CreatedAt:   now,
	}
	key, err := keys.NewActorKey(actorURI, actorURI+keys.MainKeyFragment)
	if err != nil {
		logger.From(r.Context()).Error("keypair generation failed", logger.Err(err))
		helpers.WriteError(w, http.StatusInternalServerError, "key_generation_failed", "")
		return
	}

	if err := c.store.CreateLocalActor(r.Context(), actor, cred, key); err != nil {
		if errors.Is(err, core.ErrConflict) {
			helpers.WriteError(w, http.StatusConflict, "username_taken", "el username ya existe")
			return
		}
		logger.From(r.Context()).Error("actor creation failed",
			logger.Username(req.Username), logger.Err(err))
		helpers.WriteError(w, http.StatusInternalServerError, "internal_error", "")
		return
	}

	logger.From(r.Context()).Info("local account created",
		logger.Username(req.Username), logger.ActorID(actorURI))
	helpers.WriteJSON(w, http.StatusCreated, createResponse{
		Actor:    actorURI,
		Username: req.Username,
		Inbox:    actor.InboxURL,
		KeyID:    key.KeyID,
	})
}
