package memory

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/dropDatabas3/hellofed/internal/store/core"
)

func actorFixture(n int) (*core.Actor, *core.LocalCredential, *core.ActorKey) {
	uri := fmt.Sprintf("https://feed.example/users/user%d", n)
	now := time.Now().UTC()
	a := &core.Actor{ID: uri, Username: fmt.Sprintf("user%d", n), Domain: "feed.example",
		Local: true, InboxURL: uri + "/inbox", CreatedAt: now}
	c := &core.LocalCredential{ActorID: uri, PasswordPHC: "$argon2id$...", CreatedAt: now}
	k := &core.ActorKey{ActorID: uri, KeyID: uri + "#main-key", PublicKeyPEM: "PEM",
		PrivateKeyEnc: "ENC", Status: core.KeyActive, NotBefore: now, CreatedAt: now}
	return a, c, k
}

func taskFixture(s *Store, t *testing.T, actor, inbox string) *core.DeliveryTask {
	t.Helper()
	now := time.Now().UTC()
	task := &core.DeliveryTask{
		ID:            fmt.Sprintf("task-%d", len(s.order)+1),
		ActorID:       actor,
		TargetInbox:   inbox,
		Payload:       []byte(`{}`),
		Status:        core.TaskPending,
		NextAttemptAt: now,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	if err := s.InsertTask(context.Background(), task); err != nil {
		t.Fatalf("InsertTask: %v", err)
	}
	return task
}

func TestCreateLocalActor_UsernameConflict(t *testing.T) {
	t.Parallel()
	s := New()
	a, c, k := actorFixture(1)
	if err := s.CreateLocalActor(context.Background(), a, c, k); err != nil {
		t.Fatalf("CreateLocalActor: %v", err)
	}

	// mismo username con otra URI también es conflicto
	dup := *a
	dup.ID = "https://feed.example/users/USER1-alias"
	dup.Username = "USER1" // case-insensitive
	if err := s.CreateLocalActor(context.Background(), &dup, c, k); !errors.Is(err, core.ErrConflict) {
		t.Fatalf("got %v, want ErrConflict", err)
	}
}

func TestGetActorSigningKey_OnlyElevatedReadHasPrivate(t *testing.T) {
	t.Parallel()
	s := New()
	a, c, k := actorFixture(2)
	if err := s.CreateLocalActor(context.Background(), a, c, k); err != nil {
		t.Fatal(err)
	}

	pub, err := s.GetActiveKey(context.Background(), a.ID)
	if err != nil {
		t.Fatal(err)
	}
	if pub.PrivateKeyEnc != "" {
		t.Fatal("GetActiveKey expone material privado")
	}

	signing, err := s.GetActorSigningKey(context.Background(), a.ID)
	if err != nil {
		t.Fatal(err)
	}
	if signing.PrivateKeyEnc != "ENC" {
		t.Fatal("GetActorSigningKey no trajo el material cifrado")
	}
}

func TestDueTasks_HeadsOnlyPerPair(t *testing.T) {
	t.Parallel()
	s := New()
	now := time.Now().UTC()

	// par A: t1 retry programado en el futuro, t2 pendiente detrás
	t1 := taskFixture(s, t, "actorA", "https://r1.example/inbox")
	t2 := taskFixture(s, t, "actorA", "https://r1.example/inbox")
	// par B: independiente, pendiente
	t3 := taskFixture(s, t, "actorB", "https://r1.example/inbox")

	if err := s.MarkInFlight(context.Background(), t1.ID); err != nil {
		t.Fatal(err)
	}
	if err := s.ScheduleRetry(context.Background(), t1.ID, 1, now.Add(time.Hour), "boom"); err != nil {
		t.Fatal(err)
	}

	due, err := s.DueTasks(context.Background(), now, 10)
	if err != nil {
		t.Fatal(err)
	}
	// t1 no está vencida y bloquea a t2; t3 es cabeza de su par
	if len(due) != 1 || due[0].ID != t3.ID {
		t.Fatalf("due: got %+v, want solo %s", ids(due), t3.ID)
	}

	// cuando t1 vence, sale t1 (y t2 sigue bloqueada)
	due, err = s.DueTasks(context.Background(), now.Add(2*time.Hour), 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(due) != 2 || due[0].ID != t1.ID || due[1].ID != t3.ID {
		t.Fatalf("due: got %v", ids(due))
	}

	// t1 terminada libera a t2
	if err := s.MarkInFlight(context.Background(), t1.ID); err != nil {
		t.Fatal(err)
	}
	if err := s.MarkDelivered(context.Background(), t1.ID); err != nil {
		t.Fatal(err)
	}
	due, err = s.DueTasks(context.Background(), now.Add(2*time.Hour), 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(due) != 2 || due[0].ID != t2.ID {
		t.Fatalf("due: got %v, want cabeza %s", ids(due), t2.ID)
	}
}

func ids(ts []core.DeliveryTask) []string {
	out := make([]string, len(ts))
	for i, t := range ts {
		out[i] = t.ID
	}
	return out
}

func TestTaskWrites_RequireLease(t *testing.T) {
	t.Parallel()
	s := New()
	task := taskFixture(s, t, "actorD", "https://r3.example/inbox")

	// sin lease no hay resultado que persistir
	if err := s.MarkDelivered(context.Background(), task.ID); !errors.Is(err, core.ErrConflict) {
		t.Fatalf("MarkDelivered sobre pending: got %v, want ErrConflict", err)
	}
	if err := s.ScheduleRetry(context.Background(), task.ID, 1, time.Now(), "x"); !errors.Is(err, core.ErrConflict) {
		t.Fatalf("ScheduleRetry sobre pending: got %v, want ErrConflict", err)
	}

	// abandonar una pending sí está permitido (cancelación)
	if err := s.Abandon(context.Background(), task.ID, "cancelled"); err != nil {
		t.Fatalf("Abandon sobre pending: %v", err)
	}

	// y sobre una terminal ya no escribe nadie
	if err := s.Abandon(context.Background(), task.ID, "again"); !errors.Is(err, core.ErrConflict) {
		t.Fatalf("Abandon sobre abandoned: got %v, want ErrConflict", err)
	}
	if err := s.MarkDelivered(context.Background(), task.ID); !errors.Is(err, core.ErrConflict) {
		t.Fatalf("MarkDelivered sobre abandoned: got %v, want ErrConflict", err)
	}
	if err := s.ScheduleRetry(context.Background(), task.ID, 1, time.Now(), "x"); !errors.Is(err, core.ErrConflict) {
		t.Fatalf("ScheduleRetry sobre abandoned: got %v, want ErrConflict", err)
	}
	got, err := s.GetTask(context.Background(), task.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != core.TaskAbandoned || got.LastError != "cancelled" {
		t.Fatalf("la task terminal cambió: %s %q", got.Status, got.LastError)
	}
}

func TestMarkInFlight_LeaseConflict(t *testing.T) {
	t.Parallel()
	s := New()
	task := taskFixture(s, t, "actorC", "https://r2.example/inbox")

	if err := s.MarkInFlight(context.Background(), task.ID); err != nil {
		t.Fatal(err)
	}
	// un segundo lease sobre la misma task pierde
	if err := s.MarkInFlight(context.Background(), task.ID); !errors.Is(err, core.ErrConflict) {
		t.Fatalf("got %v, want ErrConflict", err)
	}
}

func TestRotateKeys_PreviousRetiringBecomesRetired(t *testing.T) {
	t.Parallel()
	s := New()
	a, c, k := actorFixture(3)
	if err := s.CreateLocalActor(context.Background(), a, c, k); err != nil {
		t.Fatal(err)
	}
	now := time.Now().UTC()

	k2 := &core.ActorKey{ActorID: a.ID, KeyID: a.ID + "#main-key-2", PublicKeyPEM: "PEM2",
		PrivateKeyEnc: "ENC2", Status: core.KeyActive, NotBefore: now, CreatedAt: now}
	if err := s.RotateKeys(context.Background(), a.ID, k2, now, 3600); err != nil {
		t.Fatal(err)
	}
	k3 := &core.ActorKey{ActorID: a.ID, KeyID: a.ID + "#main-key-3", PublicKeyPEM: "PEM3",
		PrivateKeyEnc: "ENC3", Status: core.KeyActive, NotBefore: now, CreatedAt: now}
	if err := s.RotateKeys(context.Background(), a.ID, k3, now, 3600); err != nil {
		t.Fatal(err)
	}

	ks, err := s.ListPublicKeys(context.Background(), a.ID)
	if err != nil {
		t.Fatal(err)
	}
	// quedan visibles la activa (k3) y la retiring (k2); la original ya es retired
	if len(ks) != 2 {
		t.Fatalf("keys visibles: got %d want 2 (%v)", len(ks), keyIDs(ks))
	}
	byID := map[string]core.KeyStatus{}
	for _, k := range ks {
		byID[k.KeyID] = k.Status
	}
	if byID[k3.KeyID] != core.KeyActive || byID[k2.KeyID] != core.KeyRetiring {
		t.Fatalf("estados: %v", byID)
	}
}

func keyIDs(ks []core.ActorKey) []string {
	out := make([]string, len(ks))
	for i, k := range ks {
		out[i] = k.KeyID
	}
	return out
}

func TestRotateKeys_NoActiveKey(t *testing.T) {
	t.Parallel()
	s := New()
	now := time.Now().UTC()
	k := &core.ActorKey{ActorID: "https://feed.example/users/ghost", KeyID: "x", Status: core.KeyActive, CreatedAt: now}
	if err := s.RotateKeys(context.Background(), "https://feed.example/users/ghost", k, now, 0); !errors.Is(err, core.ErrNotFound) {
		t.Fatalf("got %v, want ErrNotFound", err)
	}
}
