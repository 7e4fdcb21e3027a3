// Package health contiene los probes de liveness y readiness.
package health

import (
	"context"
	"net/http"
	"time"

	"github.com/dropDatabas3/hellofed/internal/http/helpers"
)

// Pinger es cualquier dependencia con chequeo de conectividad.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Controller expone /healthz y /readyz.
type Controller struct {
	deps map[string]Pinger
}

func New(deps map[string]Pinger) *Controller {
	return &Controller{deps: deps}
}

// Live responde 200 si el proceso está vivo. No chequea dependencias.
func (c *Controller) Live(w http.ResponseWriter, r *http.Request) {
	helpers.WriteJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// Ready responde 200 sólo si todas las dependencias responden al ping.
func (c *Controller) Ready(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	checks := make(map[string]string, len(c.deps))
	healthy := true
	for name, dep := range c.deps {
		if err := dep.Ping(ctx); err != nil {
			checks[name] = "down"
			healthy = false
			continue
		}
		checks[name] = "up"
	}

	status := http.StatusOK
	if !healthy {
		status = http.StatusServiceUnavailable
	}
	helpers.WriteJSON(w, status, map[string]any{"checks": checks})
}
