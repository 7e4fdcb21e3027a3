package middlewares

import (
	"crypto/subtle"
	"encoding/json"
	"net/http"
	"strings"
)

// RequireAPIKey protege las rutas administrativas con una API key estática
// (header X-Admin-API-Key). Sin key configurada, el plano admin queda cerrado.
func RequireAPIKey(apiKey string) Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			got := strings.TrimSpace(r.Header.Get("X-Admin-API-Key"))
			if apiKey == "" || got == "" ||
				subtle.ConstantTimeCompare([]byte(got), []byte(apiKey)) != 1 {
				w.Header().Set("Content-Type", "application/json; charset=utf-8")
				w.WriteHeader(http.StatusUnauthorized)
				_ = json.NewEncoder(w).Encode(map[string]string{
					"error":             "unauthorized",
					"error_description": "api key inválida o ausente",
				})
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
