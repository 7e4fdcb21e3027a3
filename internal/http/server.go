package http

import (
	"net/http"
	"time"
)

// NewServer arma el http.Server con timeouts de producción. El ciclo de vida
// (ListenAndServe / Shutdown) lo maneja el main.
func NewServer(addr string, handler http.Handler) *http.Server {
	return &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
}
