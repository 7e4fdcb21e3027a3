// Package resolver resuelve keyIds a claves públicas. Los actores locales se
// resuelven contra el KeyStore (incluyendo claves retiring dentro de su
// ventana de gracia); los remotos se fetchean por HTTP y se cachean con TTL,
// con colapso de fetches concurrentes vía singleflight.
package resolver

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/dropDatabas3/hellofed/internal/cache"
	"github.com/dropDatabas3/hellofed/internal/federation/keys"
	"github.com/dropDatabas3/hellofed/internal/metrics"
	"github.com/dropDatabas3/hellofed/internal/observability/logger"
)

// ErrResolution engloba todo fallo al resolver un actor: red, status no-2xx,
// documento inválido o sin clave. El verificador lo trata como rechazo.
var ErrResolution = errors.New("resolution_failed")

// maxActorDocSize limita cuánto leemos de un documento de actor remoto.
const maxActorDocSize = 1 << 20

// LocalKeys es lo que el resolver necesita del KeyStore para el caso local.
// La resolución es por keyId para que las claves retiring sigan siendo
// verificables durante su gracia.
type LocalKeys interface {
	PublicKeyForKeyID(ctx context.Context, keyID string) (string, error)
}

// entry es lo que se persiste en el cache por actor remoto.
type entry struct {
	ActorURI     string    `json:"actor_uri"`
	KeyID        string    `json:"key_id"`
	PublicKeyPEM string    `json:"public_key_pem"`
	FetchedAt    time.Time `json:"fetched_at"`
}

// actorDoc es el subconjunto del Actor document que nos interesa.
type actorDoc struct {
	ID        string `json:"id"`
	PublicKey struct {
		ID           string `json:"id"`
		Owner        string `json:"owner"`
		PublicKeyPEM string `json:"publicKeyPem"`
	} `json:"publicKey"`
}

// Resolver implementa la resolución actor → clave pública.
type Resolver struct {
	baseURL string
	local   LocalKeys
	cache   cache.Client
	httpc   *http.Client
	ttl     time.Duration
	group   singleflight.Group
	log     *zap.Logger
}

func New(baseURL string, local LocalKeys, c cache.Client, httpc *http.Client, ttl time.Duration) *Resolver {
	if httpc == nil {
		httpc = &http.Client{Timeout: 10 * time.Second}
	}
	return &Resolver{
		baseURL: strings.TrimRight(baseURL, "/"),
		local:   local,
		cache:   c,
		httpc:   httpc,
		ttl:     ttl,
		log:     logger.Named("resolver"),
	}
}

// Resolve devuelve el PEM público detrás de un keyId. Los keyIds locales
// nunca pasan por red ni cache: se leen directo del KeyStore. Para los
// remotos se fetchea el Actor document del dueño (keyId sin fragmento).
func (r *Resolver) Resolve(ctx context.Context, keyID string) (string, error) {
	if r.isLocal(keyID) {
		pem, err := r.local.PublicKeyForKeyID(ctx, keyID)
		if err != nil {
			return "", fmt.Errorf("%w: %v", ErrResolution, err)
		}
		return pem, nil
	}

	actorURI := keys.OwnerFromKeyID(keyID)
	if e, ok := r.cached(ctx, actorURI); ok {
		metrics.KeyCacheHits.Inc()
		return e.PublicKeyPEM, nil
	}
	metrics.KeyCacheMisses.Inc()

	// singleflight: N verificaciones concurrentes del mismo actor frío
	// producen un único fetch remoto.
	v, err, _ := r.group.Do(actorURI, func() (any, error) {
		if e, ok := r.cached(ctx, actorURI); ok {
			return e.PublicKeyPEM, nil
		}
		e, err := r.fetch(ctx, actorURI)
		if err != nil {
			return nil, err
		}
		r.store(ctx, e)
		return e.PublicKeyPEM, nil
	})
	if err != nil {
		return "", err
	}
	return v.(string), nil
}

// Invalidate borra la entrada cacheada del dueño del keyId, forzando un
// re-fetch en la próxima resolución. Se usa ante sospecha de rotación remota.
func (r *Resolver) Invalidate(ctx context.Context, keyID string) {
	if r.isLocal(keyID) {
		return
	}
	actorURI := keys.OwnerFromKeyID(keyID)
	if err := r.cache.Delete(ctx, cacheKey(actorURI)); err != nil {
		r.log.Warn("cache invalidate failed", zap.String("actor", actorURI), zap.Error(err))
	}
}

func (r *Resolver) isLocal(actorURI string) bool {
	return strings.HasPrefix(actorURI, r.baseURL+"/")
}

func cacheKey(actorURI string) string {
	return "actorkey:" + actorURI
}

func (r *Resolver) cached(ctx context.Context, actorURI string) (*entry, bool) {
	b, err := r.cache.Get(ctx, cacheKey(actorURI))
	if err != nil {
		if !cache.IsNotFound(err) {
			r.log.Warn("cache get failed", zap.String("actor", actorURI), zap.Error(err))
		}
		return nil, false
	}
	var e entry
	if err := json.Unmarshal(b, &e); err != nil {
		return nil, false
	}
	return &e, true
}

func (r *Resolver) store(ctx context.Context, e *entry) {
	b, err := json.Marshal(e)
	if err != nil {
		return
	}
	if err := r.cache.Set(ctx, cacheKey(e.ActorURI), b, r.ttl); err != nil {
		r.log.Warn("cache set failed", zap.String("actor", e.ActorURI), zap.Error(err))
	}
}

// fetch trae el Actor document remoto y extrae su clave pública. Reintenta
// con backoff exponencial ante fallos transitorios; los 4xx son permanentes.
func (r *Resolver) fetch(ctx context.Context, actorURI string) (*entry, error) {
	var doc actorDoc

	op := func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, actorURI, nil)
		if err != nil {
			return backoff.Permanent(err)
		}
		req.Header.Set("Accept", "application/activity+json")

		resp, err := r.httpc.Do(req)
		if err != nil {
			return err
		}
		defer resp.Body.Close()

		switch {
		case resp.StatusCode >= 200 && resp.StatusCode < 300:
			// sigue abajo
		case resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests:
			return fmt.Errorf("actor fetch: status %d", resp.StatusCode)
		default:
			return backoff.Permanent(fmt.Errorf("actor fetch: status %d", resp.StatusCode))
		}

		body, err := io.ReadAll(io.LimitReader(resp.Body, maxActorDocSize))
		if err != nil {
			return err
		}
		if err := json.Unmarshal(body, &doc); err != nil {
			return backoff.Permanent(fmt.Errorf("actor fetch: invalid document: %w", err))
		}
		return nil
	}

	bo := backoff.WithContext(backoff.WithMaxRetries(backoff.NewExponentialBackOff(), 2), ctx)
	if err := backoff.Retry(op, bo); err != nil {
		metrics.RemoteActorFetches.WithLabelValues("error").Inc()
		r.log.Warn("actor fetch failed", zap.String("actor", actorURI), zap.Error(err))
		return nil, fmt.Errorf("%w: %v", ErrResolution, err)
	}

	if doc.PublicKey.PublicKeyPEM == "" {
		metrics.RemoteActorFetches.WithLabelValues("error").Inc()
		return nil, fmt.Errorf("%w: actor document has no public key", ErrResolution)
	}
	// La clave tiene que pertenecer al actor que se pidió: un documento que
	// declara un owner ajeno no vincula identidad.
	if doc.PublicKey.Owner != "" && doc.PublicKey.Owner != actorURI {
		metrics.RemoteActorFetches.WithLabelValues("error").Inc()
		return nil, fmt.Errorf("%w: key owner mismatch", ErrResolution)
	}

	metrics.RemoteActorFetches.WithLabelValues("ok").Inc()
	return &entry{
		ActorURI:     actorURI,
		KeyID:        doc.PublicKey.ID,
		PublicKeyPEM: doc.PublicKey.PublicKeyPEM,
		FetchedAt:    time.Now().UTC(),
	}, nil
}
