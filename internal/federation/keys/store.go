// Package keys administra el ciclo de vida de los pares de claves RSA de los
// actores locales: generación, lectura pública, lectura elevada para firmar y
// rotación con ventana de gracia.
package keys

import (
	"context"
	"crypto/rsa"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/dropDatabas3/hellofed/internal/observability/logger"
	"github.com/dropDatabas3/hellofed/internal/security/secretbox"
	"github.com/dropDatabas3/hellofed/internal/store/core"
)

var (
	ErrKeyGeneration = errors.New("key_generation_failed")
	ErrNoSigningKey  = errors.New("no_signing_key")
	ErrKeyNotFound   = errors.New("key_not_found")
)

// MainKeyFragment es el fragmento del keyId inicial de un actor.
const MainKeyFragment = "#main-key"

// OwnerFromKeyID deriva la URI del actor dueño de un keyId (quita el fragmento).
func OwnerFromKeyID(keyID string) string {
	if i := strings.Index(keyID, "#"); i >= 0 {
		return keyID[:i]
	}
	return keyID
}

// Store es el KeyStore: única pieza del sistema con acceso al material privado.
type Store struct {
	repo core.Repository
	log  *zap.Logger
}

func New(repo core.Repository) *Store {
	return &Store{repo: repo, log: logger.Named("keys")}
}

// NewActorKey genera un par de claves nuevo para un actor. El PEM privado se
// cifra con secretbox antes de salir de esta función: nunca viaja en claro
// hacia el store.
func NewActorKey(actorID, keyID string) (*core.ActorKey, error) {
	priv, err := GenerateRSA()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrKeyGeneration, err)
	}
	pubPEM, err := EncodePublicKeyPEM(&priv.PublicKey)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrKeyGeneration, err)
	}
	privPEM, err := EncodePrivateKeyPEM(priv)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrKeyGeneration, err)
	}
	privEnc, err := secretbox.Encrypt(privPEM)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrKeyGeneration, err)
	}
	now := time.Now().UTC()
	return &core.ActorKey{
		ActorID:       actorID,
		KeyID:         keyID,
		PublicKeyPEM:  pubPEM,
		PrivateKeyEnc: privEnc,
		Status:        core.KeyActive,
		NotBefore:     now,
		CreatedAt:     now,
	}, nil
}

// Generate crea el par de claves de un actor si todavía no tiene uno.
// Idempotente: con clave activa existente es un no-op.
func (s *Store) Generate(ctx context.Context, actorID string) error {
	_, err := s.repo.GetActiveKey(ctx, actorID)
	if err == nil {
		return nil
	}
	if !errors.Is(err, core.ErrNotFound) {
		return err
	}
	k, err := NewActorKey(actorID, actorID+MainKeyFragment)
	if err != nil {
		return err
	}
	if err := s.repo.InsertKey(ctx, k); err != nil {
		// Carrera con otra generación concurrente: el índice único ya garantiza
		// una sola activa, así que conflict equivale a "ya existe".
		if errors.Is(err, core.ErrConflict) {
			return nil
		}
		return fmt.Errorf("%w: %v", ErrKeyGeneration, err)
	}
	s.log.Info("actor keypair generated", zap.String("actor_id", actorID))
	return nil
}

// PublicKeyPEM devuelve el PEM público de la clave activa del actor.
// Siempre permitido: es lo que se publica en el Actor document.
func (s *Store) PublicKeyPEM(ctx context.Context, actorID string) (string, error) {
	k, err := s.repo.GetActiveKey(ctx, actorID)
	if err != nil {
		if errors.Is(err, core.ErrNotFound) {
			return "", ErrKeyNotFound
		}
		return "", err
	}
	return k.PublicKeyPEM, nil
}

// ActiveKeyID devuelve el keyId de la clave activa del actor.
func (s *Store) ActiveKeyID(ctx context.Context, actorID string) (string, error) {
	k, err := s.repo.GetActiveKey(ctx, actorID)
	if err != nil {
		if errors.Is(err, core.ErrNotFound) {
			return "", ErrNoSigningKey
		}
		return "", err
	}
	return k.KeyID, nil
}

// PublicKeyForKeyID resuelve un keyId local a su PEM público. Incluye claves
// retiring dentro de la ventana de gracia, para que verificaciones en vuelo
// contra la clave anterior no fallen espuriamente tras una rotación.
func (s *Store) PublicKeyForKeyID(ctx context.Context, keyID string) (string, error) {
	actorID := OwnerFromKeyID(keyID)
	ks, err := s.repo.ListPublicKeys(ctx, actorID)
	if err != nil {
		if errors.Is(err, core.ErrNotFound) {
			return "", ErrKeyNotFound
		}
		return "", err
	}
	now := time.Now()
	for _, k := range ks {
		if k.KeyID != keyID {
			continue
		}
		if k.Status == core.KeyRetiring && k.RetiringExpired(now) {
			break
		}
		return k.PublicKeyPEM, nil
	}
	return "", ErrKeyNotFound
}

// PrivateKey es el accessor elevado: devuelve la clave privada de firma del
// actor, descifrada y parseada. purpose queda en el log de auditoría; el
// material nunca se loguea.
func (s *Store) PrivateKey(ctx context.Context, actorID, purpose string) (*rsa.PrivateKey, error) {
	k, err := s.repo.GetActorSigningKey(ctx, actorID)
	if err != nil {
		if errors.Is(err, core.ErrNotFound) {
			return nil, ErrNoSigningKey
		}
		return nil, err
	}
	privPEM, err := secretbox.Decrypt(k.PrivateKeyEnc)
	if err != nil {
		return nil, fmt.Errorf("decrypt private key: %w", err)
	}
	priv, err := ParsePrivateKeyPEM(privPEM)
	if err != nil {
		return nil, err
	}
	s.log.Debug("private key access",
		zap.String("actor_id", actorID),
		zap.String("key_id", k.KeyID),
		zap.String("purpose", purpose))
	return priv, nil
}

// Rotate genera un par nuevo y deja el anterior en retiring durante
// graceSeconds, de modo que siga siendo resoluble por keyId mientras dure la
// gracia. El keyId nuevo lleva sufijo con timestamp para distinguirlo.
func (s *Store) Rotate(ctx context.Context, actorID string, graceSeconds int64) (*core.ActorKey, error) {
	keyID := fmt.Sprintf("%s%s-%s", actorID, MainKeyFragment, time.Now().UTC().Format("20060102t150405.000000000z"))
	newKey, err := NewActorKey(actorID, keyID)
	if err != nil {
		return nil, err
	}
	if err := s.repo.RotateKeys(ctx, actorID, newKey, time.Now().UTC(), graceSeconds); err != nil {
		if errors.Is(err, core.ErrNotFound) {
			return nil, ErrNoSigningKey
		}
		return nil, err
	}
	s.log.Info("actor keypair rotated",
		zap.String("actor_id", actorID),
		zap.String("new_key_id", keyID),
		zap.Int64("grace_seconds", graceSeconds))
	pub := *newKey
	pub.PrivateKeyEnc = ""
	return &pub, nil
}
