package keys

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/dropDatabas3/hellofed/internal/security/secretbox"
	"github.com/dropDatabas3/hellofed/internal/store/core"
	"github.com/dropDatabas3/hellofed/internal/store/memory"
)

func setupSecretbox(t *testing.T) {
	t.Helper()
	secretbox.UnsafeResetForTests()
	raw := make([]byte, 32)
	for i := range raw {
		raw[i] = byte(i + 7)
	}
	if err := secretbox.UnsafeSetMasterKeyForTests(raw); err != nil {
		t.Fatalf("set master key: %v", err)
	}
}

const testActor = "https://feed.example/users/alice"

func newActorWithKey(t *testing.T, repo core.Repository) {
	t.Helper()
	key, err := NewActorKey(testActor, testActor+MainKeyFragment)
	if err != nil {
		t.Fatalf("NewActorKey: %v", err)
	}
	now := time.Now().UTC()
	err = repo.CreateLocalActor(context.Background(),
		&core.Actor{ID: testActor, Username: "alice", Domain: "feed.example", Local: true,
			InboxURL: testActor + "/inbox", CreatedAt: now},
		&core.LocalCredential{ActorID: testActor, PasswordPHC: "$argon2id$...", CreatedAt: now},
		key)
	if err != nil {
		t.Fatalf("CreateLocalActor: %v", err)
	}
}

func TestNewActorKey_Material(t *testing.T) {
	setupSecretbox(t)

	k, err := NewActorKey(testActor, testActor+MainKeyFragment)
	if err != nil {
		t.Fatalf("NewActorKey: %v", err)
	}
	if k.Status != core.KeyActive {
		t.Fatalf("status: got %s", k.Status)
	}
	if !strings.HasPrefix(k.PublicKeyPEM, "-----BEGIN PUBLIC KEY-----") {
		t.Fatalf("public PEM no es SPKI: %q", k.PublicKeyPEM[:40])
	}
	if _, err := ParsePublicKeyPEM(k.PublicKeyPEM); err != nil {
		t.Fatalf("ParsePublicKeyPEM: %v", err)
	}
	// el privado sale cifrado, nunca como PEM en claro
	if strings.Contains(k.PrivateKeyEnc, "PRIVATE KEY") {
		t.Fatal("PrivateKeyEnc contiene PEM en claro")
	}
	plain, err := secretbox.Decrypt(k.PrivateKeyEnc)
	if err != nil {
		t.Fatalf("Decrypt: %v", err)
	}
	priv, err := ParsePrivateKeyPEM(plain)
	if err != nil {
		t.Fatalf("ParsePrivateKeyPEM: %v", err)
	}
	if priv.N.BitLen() != 2048 {
		t.Fatalf("modulo: got %d bits, want 2048", priv.N.BitLen())
	}
}

func TestGenerate_Idempotent(t *testing.T) {
	setupSecretbox(t)
	repo := memory.New()
	newActorWithKey(t, repo)
	s := New(repo)

	first, err := s.ActiveKeyID(context.Background(), testActor)
	if err != nil {
		t.Fatalf("ActiveKeyID: %v", err)
	}
	// con clave activa existente, Generate es un no-op
	if err := s.Generate(context.Background(), testActor); err != nil {
		t.Fatalf("Generate: %v", err)
	}
	again, err := s.ActiveKeyID(context.Background(), testActor)
	if err != nil {
		t.Fatalf("ActiveKeyID: %v", err)
	}
	if first != again {
		t.Fatalf("keyId cambió: %q -> %q", first, again)
	}
}

func TestPublicReads_ExcludePrivateMaterial(t *testing.T) {
	setupSecretbox(t)
	repo := memory.New()
	newActorWithKey(t, repo)

	k, err := repo.GetActiveKey(context.Background(), testActor)
	if err != nil {
		t.Fatalf("GetActiveKey: %v", err)
	}
	if k.PrivateKeyEnc != "" {
		t.Fatal("la lectura pública incluye material privado")
	}

	ks, err := repo.ListPublicKeys(context.Background(), testActor)
	if err != nil {
		t.Fatalf("ListPublicKeys: %v", err)
	}
	for _, k := range ks {
		if k.PrivateKeyEnc != "" {
			t.Fatal("ListPublicKeys incluye material privado")
		}
	}
}

func TestPrivateKey_ElevatedAccessor(t *testing.T) {
	setupSecretbox(t)
	repo := memory.New()
	newActorWithKey(t, repo)
	s := New(repo)

	priv, err := s.PrivateKey(context.Background(), testActor, "http-signature")
	if err != nil {
		t.Fatalf("PrivateKey: %v", err)
	}
	if priv == nil || priv.N.BitLen() != 2048 {
		t.Fatal("clave privada inválida")
	}

	if _, err := s.PrivateKey(context.Background(), "https://feed.example/users/nadie", "http-signature"); !errors.Is(err, ErrNoSigningKey) {
		t.Fatalf("got %v, want ErrNoSigningKey", err)
	}
}

func TestRotate_GraceWindow(t *testing.T) {
	setupSecretbox(t)
	repo := memory.New()
	newActorWithKey(t, repo)
	s := New(repo)

	oldKeyID, err := s.ActiveKeyID(context.Background(), testActor)
	if err != nil {
		t.Fatalf("ActiveKeyID: %v", err)
	}

	newKey, err := s.Rotate(context.Background(), testActor, 3600)
	if err != nil {
		t.Fatalf("Rotate: %v", err)
	}
	if newKey.KeyID == oldKeyID {
		t.Fatal("la rotación no cambió el keyId")
	}
	if newKey.PrivateKeyEnc != "" {
		t.Fatal("Rotate devolvió material privado")
	}

	// la nueva es la activa
	active, err := s.ActiveKeyID(context.Background(), testActor)
	if err != nil {
		t.Fatalf("ActiveKeyID: %v", err)
	}
	if active != newKey.KeyID {
		t.Fatalf("activa: got %q want %q", active, newKey.KeyID)
	}

	// la vieja sigue resolviéndose por keyId durante la gracia
	if _, err := s.PublicKeyForKeyID(context.Background(), oldKeyID); err != nil {
		t.Fatalf("PublicKeyForKeyID (retiring): %v", err)
	}
	// y la nueva también
	if _, err := s.PublicKeyForKeyID(context.Background(), newKey.KeyID); err != nil {
		t.Fatalf("PublicKeyForKeyID (active): %v", err)
	}
}

func TestRotate_ZeroGraceExpiresImmediately(t *testing.T) {
	setupSecretbox(t)
	repo := memory.New()
	newActorWithKey(t, repo)
	s := New(repo)

	oldKeyID, _ := s.ActiveKeyID(context.Background(), testActor)
	if _, err := s.Rotate(context.Background(), testActor, 0); err != nil {
		t.Fatalf("Rotate: %v", err)
	}
	if _, err := s.PublicKeyForKeyID(context.Background(), oldKeyID); !errors.Is(err, ErrKeyNotFound) {
		t.Fatalf("got %v, want ErrKeyNotFound", err)
	}
}

func TestRotate_SecondRotationRetiresPrevious(t *testing.T) {
	setupSecretbox(t)
	repo := memory.New()
	newActorWithKey(t, repo)
	s := New(repo)

	firstID, _ := s.ActiveKeyID(context.Background(), testActor)
	second, err := s.Rotate(context.Background(), testActor, 3600)
	if err != nil {
		t.Fatalf("Rotate 1: %v", err)
	}
	if _, err := s.Rotate(context.Background(), testActor, 3600); err != nil {
		t.Fatalf("Rotate 2: %v", err)
	}

	// la primera pasó de retiring a retired: ya no resuelve
	if _, err := s.PublicKeyForKeyID(context.Background(), firstID); !errors.Is(err, ErrKeyNotFound) {
		t.Fatalf("first: got %v, want ErrKeyNotFound", err)
	}
	// la segunda quedó retiring dentro de la gracia: resuelve
	if _, err := s.PublicKeyForKeyID(context.Background(), second.KeyID); err != nil {
		t.Fatalf("second: %v", err)
	}
}

func TestOwnerFromKeyID(t *testing.T) {
	t.Parallel()
	cases := map[string]string{
		"https://a.example/users/x#main-key": "https://a.example/users/x",
		"https://a.example/users/x":          "https://a.example/users/x",
		"https://a.example/users/x#main-key-20260823t100000z": "https://a.example/users/x",
	}
	for in, want := range cases {
		if got := OwnerFromKeyID(in); got != want {
			t.Fatalf("OwnerFromKeyID(%q) = %q, want %q", in, got, want)
		}
	}
}
