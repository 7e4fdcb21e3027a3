// Package http arma el router del servidor de federación y su ciclo de vida.
package http

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/dropDatabas3/hellofed/internal/http/controllers/accounts"
	"github.com/dropDatabas3/hellofed/internal/http/controllers/actors"
	"github.com/dropDatabas3/hellofed/internal/http/controllers/admin"
	"github.com/dropDatabas3/hellofed/internal/http/controllers/health"
	"github.com/dropDatabas3/hellofed/internal/http/controllers/inbox"
	mw "github.com/dropDatabas3/hellofed/internal/http/middlewares"
)

// RouterDeps agrupa los controllers y la configuración de rutas.
type RouterDeps struct {
	Actors    *actors.Controller
	Webfinger *actors.WebfingerController
	Inbox     *inbox.Controller
	Accounts  *accounts.Controller
	Admin     *admin.Controller
	Health    *health.Controller

	MetricsHandler http.Handler
	AdminAPIKey    string
}

// NewRouter construye el handler raíz con la cadena de middlewares estándar.
func NewRouter(deps RouterDeps) http.Handler {
	r := chi.NewRouter()

	// Superficie pública de federación
	r.Get("/users/{username}", deps.Actors.Get)
	r.Post("/users/{username}/inbox", deps.Inbox.Post)
	r.Get("/.well-known/webfinger", deps.Webfinger.Get)

	// API local
	r.Post("/v1/accounts", deps.Accounts.Create)

	// Plano de control, detrás de la API key
	r.Route("/v1/admin", func(r chi.Router) {
		r.Use(mw.RequireAPIKey(deps.AdminAPIKey))
		r.Post("/actors/{username}/keys", deps.Admin.GenerateKeys)
		r.Post("/actors/{username}/keys/rotate", deps.Admin.RotateKeys)
		r.Post("/deliveries", deps.Admin.EnqueueDelivery)
		r.Get("/deliveries", deps.Admin.ListDeliveries)
		r.Get("/deliveries/{id}", deps.Admin.GetDelivery)
		r.Delete("/deliveries/{id}", deps.Admin.CancelDelivery)
	})

	// Operación
	r.Get("/healthz", deps.Health.Live)
	r.Get("/readyz", deps.Health.Ready)
	if deps.MetricsHandler != nil {
		r.Handle("/metrics", deps.MetricsHandler)
	}

	return mw.Chain(r,
		mw.WithRequestID(),
		mw.WithLogging(),
		WithMetrics(),
		mw.WithRecover(),
	)
}
