// Package memory implementa core.Repository en memoria.
// Se usa para desarrollo local y tests; no persiste nada.
package memory

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/dropDatabas3/hellofed/internal/store/core"
)

type Store struct {
	mu     sync.RWMutex
	actors map[string]*core.Actor          // por ID (URI)
	creds  map[string]*core.LocalCredential // por actorID
	keys   map[string][]*core.ActorKey     // por actorID, en orden de inserción
	tasks  map[string]*core.DeliveryTask   // por ID
	order  []string                        // IDs de tasks en orden de creación
}

func New() *Store {
	return &Store{
		actors: make(map[string]*core.Actor),
		creds:  make(map[string]*core.LocalCredential),
		keys:   make(map[string][]*core.ActorKey),
		tasks:  make(map[string]*core.DeliveryTask),
	}
}

func (s *Store) Ping(ctx context.Context) error { return nil }

// ====================== Actores ======================

func (s *Store) CreateLocalActor(ctx context.Context, a *core.Actor, cred *core.LocalCredential, key *core.ActorKey) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.actors[a.ID]; ok {
		return core.ErrConflict
	}
	for _, ex := range s.actors {
		if ex.Local && strings.EqualFold(ex.Username, a.Username) {
			return core.ErrConflict
		}
	}
	ac := *a
	s.actors[a.ID] = &ac
	if cred != nil {
		cc := *cred
		s.creds[a.ID] = &cc
	}
	kc := *key
	s.keys[a.ID] = append(s.keys[a.ID], &kc)
	return nil
}

func (s *Store) GetActorByUsername(ctx context.Context, username string) (*core.Actor, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, a := range s.actors {
		if a.Local && strings.EqualFold(a.Username, username) {
			ac := *a
			return &ac, nil
		}
	}
	return nil, core.ErrNotFound
}

func (s *Store) GetActorByURI(ctx context.Context, uri string) (*core.Actor, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	a, ok := s.actors[uri]
	if !ok {
		return nil, core.ErrNotFound
	}
	ac := *a
	return &ac, nil
}

// ====================== Claves ======================

func publicCopy(k *core.ActorKey) *core.ActorKey {
	kc := *k
	kc.PrivateKeyEnc = ""
	return &kc
}

func (s *Store) GetActiveKey(ctx context.Context, actorID string) (*core.ActorKey, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, k := range s.keys[actorID] {
		if k.Status == core.KeyActive {
			return publicCopy(k), nil
		}
	}
	return nil, core.ErrNotFound
}

// GetActorSigningKey es la lectura elevada: incluye el PEM privado cifrado.
func (s *Store) GetActorSigningKey(ctx context.Context, actorID string) (*core.ActorKey, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, k := range s.keys[actorID] {
		if k.Status == core.KeyActive {
			kc := *k
			return &kc, nil
		}
	}
	return nil, core.ErrNotFound
}

func (s *Store) ListPublicKeys(ctx context.Context, actorID string) ([]core.ActorKey, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []core.ActorKey
	now := time.Now()
	for _, k := range s.keys[actorID] {
		if k.Status == core.KeyRetired {
			continue
		}
		if k.Status == core.KeyRetiring && k.RetiringExpired(now) {
			continue
		}
		out = append(out, *publicCopy(k))
	}
	if len(out) == 0 {
		return nil, core.ErrNotFound
	}
	return out, nil
}

func (s *Store) InsertKey(ctx context.Context, k *core.ActorKey) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, ex := range s.keys[k.ActorID] {
		if ex.Status == core.KeyActive && k.Status == core.KeyActive {
			return core.ErrConflict
		}
		if ex.KeyID == k.KeyID {
			return core.ErrConflict
		}
	}
	kc := *k
	s.keys[k.ActorID] = append(s.keys[k.ActorID], &kc)
	return nil
}

func (s *Store) RotateKeys(ctx context.Context, actorID string, newKey *core.ActorKey, retiredAt time.Time, graceSeconds int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	var cur *core.ActorKey
	for _, k := range s.keys[actorID] {
		if k.Status == core.KeyActive {
			cur = k
			break
		}
	}
	if cur == nil {
		return core.ErrNotFound
	}
	// Las retiring previas pasan a retired
	for _, k := range s.keys[actorID] {
		if k.Status == core.KeyRetiring {
			k.Status = core.KeyRetired
		}
	}
	cur.Status = core.KeyRetiring
	ra := retiredAt
	cur.RetiredAt = &ra
	cur.GraceSeconds = graceSeconds

	kc := *newKey
	kc.Status = core.KeyActive
	s.keys[actorID] = append(s.keys[actorID], &kc)
	return nil
}

// ====================== Delivery tasks ======================

func (s *Store) InsertTask(ctx context.Context, t *core.DeliveryTask) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.tasks[t.ID]; ok {
		return core.ErrConflict
	}
	tc := *t
	tc.Payload = append([]byte(nil), t.Payload...)
	s.tasks[t.ID] = &tc
	s.order = append(s.order, t.ID)
	return nil
}

func (s *Store) GetTask(ctx context.Context, id string) (*core.DeliveryTask, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.tasks[id]
	if !ok {
		return nil, core.ErrNotFound
	}
	tc := *t
	return &tc, nil
}

func (s *Store) DueTasks(ctx context.Context, now time.Time, limit int) ([]core.DeliveryTask, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	// Sólo la cabeza de cada cola (actor, inbox): si un par ya tiene una task
	// anterior sin terminar, las siguientes no son elegibles (FIFO por par).
	blocked := make(map[string]bool)
	var out []core.DeliveryTask
	for _, id := range s.order {
		t := s.tasks[id]
		pair := t.PairKey()
		if blocked[pair] {
			continue
		}
		switch t.Status {
		case core.TaskDelivered, core.TaskAbandoned:
			continue
		}
		blocked[pair] = true
		ready := t.Status == core.TaskPending ||
			(t.Status == core.TaskRetryScheduled && !t.NextAttemptAt.After(now))
		if !ready {
			continue
		}
		out = append(out, *t)
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}

func (s *Store) setStatus(id string, fn func(t *core.DeliveryTask) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tasks[id]
	if !ok {
		return core.ErrNotFound
	}
	if err := fn(t); err != nil {
		return err
	}
	t.UpdatedAt = time.Now()
	return nil
}

func (s *Store) MarkInFlight(ctx context.Context, id string) error {
	return s.setStatus(id, func(t *core.DeliveryTask) error {
		if t.Status != core.TaskPending && t.Status != core.TaskRetryScheduled {
			return core.ErrConflict
		}
		t.Status = core.TaskInFlight
		return nil
	})
}

func (s *Store) MarkDelivered(ctx context.Context, id string) error {
	return s.setStatus(id, func(t *core.DeliveryTask) error {
		// Sólo desde in_flight: un write tardío sobre una task cancelada no
		// puede sacarla de su estado terminal.
		if t.Status != core.TaskInFlight {
			return core.ErrConflict
		}
		t.Status = core.TaskDelivered
		return nil
	})
}

func (s *Store) ScheduleRetry(ctx context.Context, id string, attempt int, next time.Time, lastErr string) error {
	return s.setStatus(id, func(t *core.DeliveryTask) error {
		if t.Status != core.TaskInFlight {
			return core.ErrConflict
		}
		t.Status = core.TaskRetryScheduled
		t.Attempt = attempt
		t.NextAttemptAt = next
		t.LastError = lastErr
		return nil
	})
}

func (s *Store) Abandon(ctx context.Context, id string, lastErr string) error {
	return s.setStatus(id, func(t *core.DeliveryTask) error {
		switch t.Status {
		case core.TaskDelivered, core.TaskAbandoned:
			return core.ErrConflict
		}
		t.Status = core.TaskAbandoned
		t.LastError = lastErr
		return nil
	})
}

func (s *Store) RequeueInFlight(ctx context.Context) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, t := range s.tasks {
		if t.Status == core.TaskInFlight {
			t.Status = core.TaskPending
			n++
		}
	}
	return n, nil
}

func (s *Store) ListTasks(ctx context.Context, status core.TaskStatus, limit int) ([]core.DeliveryTask, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []core.DeliveryTask
	for _, id := range s.order {
		t := s.tasks[id]
		if status != "" && t.Status != status {
			continue
		}
		out = append(out, *t)
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}
