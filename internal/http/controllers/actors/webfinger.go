package actors

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/dropDatabas3/hellofed/internal/http/helpers"
	"github.com/dropDatabas3/hellofed/internal/store/core"
)

// WebfingerController resuelve acct:user@domain a la URI del actor local.
type WebfingerController struct {
	store  ActorStore
	domain string
}

func NewWebfinger(store ActorStore, domain string) *WebfingerController {
	return &WebfingerController{store: store, domain: domain}
}

type jrd struct {
	Subject string    `json:"subject"`
	Links   []jrdLink `json:"links"`
}

type jrdLink struct {
	Rel  string `json:"rel"`
	Type string `json:"type"`
	Href string `json:"href"`
}

// Get maneja GET /.well-known/webfinger?resource=acct:user@domain.
func (c *WebfingerController) Get(w http.ResponseWriter, r *http.Request) {
	resource := r.URL.Query().Get("resource")
	acct, ok := strings.CutPrefix(resource, "acct:")
	if !ok {
		helpers.WriteError(w, http.StatusBadRequest, "invalid_resource", "se espera resource=acct:user@domain")
		return
	}
	username, domain, ok := strings.Cut(acct, "@")
	if !ok || username == "" {
		helpers.WriteError(w, http.StatusBadRequest, "invalid_resource", "se espera resource=acct:user@domain")
		return
	}
	if !strings.EqualFold(domain, c.domain) {
		helpers.WriteError(w, http.StatusNotFound, "not_found", "dominio ajeno")
		return
	}

	actor, err := c.store.GetActorByUsername(r.Context(), username)
	if err != nil {
		if errors.Is(err, core.ErrNotFound) {
			helpers.WriteError(w, http.StatusNotFound, "not_found", "actor inexistente")
			return
		}
		helpers.WriteError(w, http.StatusInternalServerError, "internal_error", "")
		return
	}
	if !actor.Local {
		helpers.WriteError(w, http.StatusNotFound, "not_found", "actor inexistente")
		return
	}

	w.Header().Set("Content-Type", "application/jrd+json; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(jrd{
		Subject: resource,
		Links: []jrdLink{{
			Rel:  "self",
			Type: "application/activity+json",
			Href: actor.ID,
		}},
	})
}
