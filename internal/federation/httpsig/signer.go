package httpsig

import (
	"context"
	"crypto"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"net/http"
	"time"
)

var ErrNoSigningKey = errors.New("no_signing_key")

// KeySource es lo que el firmante necesita del KeyStore: el keyId activo y el
// accessor elevado de clave privada. Definido acá, del lado del consumidor.
type KeySource interface {
	ActiveKeyID(ctx context.Context, actorID string) (string, error)
	PrivateKey(ctx context.Context, actorID, purpose string) (*rsa.PrivateKey, error)
}

// Signer produce el header Signature de requests salientes.
type Signer struct {
	keys KeySource
	now  func() time.Time
}

func NewSigner(keys KeySource) *Signer {
	return &Signer{keys: keys, now: time.Now}
}

// Sign firma el signing string con RSA-SHA256 y devuelve base64.
func Sign(priv *rsa.PrivateKey, canonical string) (string, error) {
	h := sha256.Sum256([]byte(canonical))
	sig, err := rsa.SignPKCS1v15(rand.Reader, priv, crypto.SHA256, h[:])
	if err != nil {
		return "", fmt.Errorf("rsa sign: %w", err)
	}
	return base64.StdEncoding.EncodeToString(sig), nil
}

// SignRequest setea Date, Digest, Host y Signature sobre el request, firmando
// con la clave activa del actor. El body debe ser exactamente el que se va a
// enviar: el Digest firmado ata la firma a esos bytes.
func (s *Signer) SignRequest(ctx context.Context, actorID string, req *http.Request, body []byte) error {
	keyID, err := s.keys.ActiveKeyID(ctx, actorID)
	if err != nil {
		return err
	}
	priv, err := s.keys.PrivateKey(ctx, actorID, "http-signature")
	if err != nil {
		return err
	}

	date := s.now().UTC().Format(http.TimeFormat)
	digest := Digest(body)
	host := req.Host
	if host == "" {
		host = req.URL.Host
	}

	canonical := CanonicalString(req.Method, requestPath(req.URL), host, date, digest)
	sig, err := Sign(priv, canonical)
	if err != nil {
		return err
	}

	req.Host = host
	req.Header.Set("Date", date)
	req.Header.Set("Digest", digest)
	req.Header.Set("Signature", BuildSignatureHeader(keyID, SignedHeaders, sig))
	return nil
}
