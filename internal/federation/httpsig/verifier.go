package httpsig

import (
	"context"
	"crypto"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"errors"
	"fmt"
	"net/http"
	"time"
)

var (
	ErrStaleRequest     = errors.New("stale_request")
	ErrDigestMismatch   = errors.New("digest_mismatch")
	ErrInvalidSignature = errors.New("invalid_signature")
)

// MaxClockSkew acota la ventana de replay sin necesitar un store de nonces.
const MaxClockSkew = 5 * time.Minute

// KeyResolver resuelve la clave pública (PEM) detrás de un keyId. La
// implementación real es el resolver (KeyStore local o cache + fetch remoto);
// Invalidate fuerza un re-fetch ante una posible rotación silenciosa.
type KeyResolver interface {
	Resolve(ctx context.Context, keyID string) (string, error)
	Invalidate(ctx context.Context, keyID string)
}

// OwnerFromKeyID deriva la URI del actor dueño de un keyId (quita el fragmento).
func OwnerFromKeyID(keyID string) string {
	for i := 0; i < len(keyID); i++ {
		if keyID[i] == '#' {
			return keyID[:i]
		}
	}
	return keyID
}

// Verifier valida el header Signature de requests entrantes.
// La verificación es binaria y fail-closed: cualquier paso fallido rechaza el
// request sin mutar estado.
type Verifier struct {
	resolver KeyResolver
	now      func() time.Time
	parsePub func(pem string) (*rsa.PublicKey, error)
}

func NewVerifier(resolver KeyResolver, parsePub func(string) (*rsa.PublicKey, error)) *Verifier {
	return &Verifier{resolver: resolver, now: time.Now, parsePub: parsePub}
}

// VerifyRequest ejecuta la cadena completa de validación y devuelve la URI del
// actor verificado. body debe ser el body crudo ya leído del request.
func (v *Verifier) VerifyRequest(ctx context.Context, r *http.Request, body []byte) (string, error) {
	// 1. Parsear el header Signature.
	sig, err := ParseSignatureHeader(r.Header.Get("Signature"))
	if err != nil {
		return "", err
	}
	if sig.Algorithm != "" && sig.Algorithm != Algorithm {
		return "", fmt.Errorf("%w: unsupported algorithm %q", ErrMalformedSignature, sig.Algorithm)
	}

	// 2. Los headers firmados tienen que incluir el set requerido.
	for _, required := range SignedHeaders {
		if !sig.hasHeader(required) {
			return "", fmt.Errorf("%w: missing signed header %q", ErrMalformedSignature, required)
		}
	}

	// 3. Date dentro de la ventana de skew.
	dateHeader := r.Header.Get("Date")
	sent, err := http.ParseTime(dateHeader)
	if err != nil {
		return "", fmt.Errorf("%w: invalid date header", ErrMalformedSignature)
	}
	if d := v.now().Sub(sent); d > MaxClockSkew || d < -MaxClockSkew {
		return "", ErrStaleRequest
	}

	// 4. Recomputar el digest del body y comparar en tiempo constante.
	want := Digest(body)
	got := r.Header.Get("Digest")
	if len(want) != len(got) || subtle.ConstantTimeCompare([]byte(want), []byte(got)) != 1 {
		return "", ErrDigestMismatch
	}

	// 5. Resolver la clave pública detrás del keyId (fail-closed).
	owner := OwnerFromKeyID(sig.KeyID)
	pubPEM, err := v.resolver.Resolve(ctx, sig.KeyID)
	if err != nil {
		return "", err
	}

	// 6. Recomputar el signing string y verificar la firma.
	canonical := v.canonicalFromRequest(r, dateHeader, got)
	if err := verifyPEM(v.parsePub, pubPEM, canonical, sig.Signature); err != nil {
		// Una clave cacheada puede haber quedado vieja por una rotación remota
		// silenciosa: un único re-fetch forzado antes de declarar el fallo.
		v.resolver.Invalidate(ctx, sig.KeyID)
		pubPEM, rerr := v.resolver.Resolve(ctx, sig.KeyID)
		if rerr != nil {
			return "", rerr
		}
		if err := verifyPEM(v.parsePub, pubPEM, canonical, sig.Signature); err != nil {
			return "", err
		}
	}

	// 7. Identidad verificada.
	return owner, nil
}

func (v *Verifier) canonicalFromRequest(r *http.Request, date, digest string) string {
	host := r.Host
	if host == "" {
		host = r.URL.Host
	}
	return CanonicalString(r.Method, requestPath(r.URL), host, date, digest)
}

func verifyPEM(parse func(string) (*rsa.PublicKey, error), pubPEM, canonical, sigB64 string) error {
	pub, err := parse(pubPEM)
	if err != nil {
		return fmt.Errorf("%w: bad public key", ErrInvalidSignature)
	}
	raw, err := base64.StdEncoding.DecodeString(sigB64)
	if err != nil {
		return fmt.Errorf("%w: bad base64", ErrInvalidSignature)
	}
	h := sha256.Sum256([]byte(canonical))
	if err := rsa.VerifyPKCS1v15(pub, crypto.SHA256, h[:], raw); err != nil {
		return ErrInvalidSignature
	}
	return nil
}
