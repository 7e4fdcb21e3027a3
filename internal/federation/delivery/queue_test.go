package delivery

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/dropDatabas3/hellofed/internal/store/core"
	"github.com/dropDatabas3/hellofed/internal/store/memory"
)

// firmante no-op para los tests: la cola no necesita claves reales
type noopSigner struct{}

func (noopSigner) SignRequest(ctx context.Context, actorID string, req *http.Request, body []byte) error {
	req.Header.Set("Signature", `keyId="test",algorithm="rsa-sha256",headers="(request-target) host date digest",signature="dGVzdA=="`)
	return nil
}

const testActor = "https://feed.example/users/alice"

func fastConfig() Config {
	return Config{
		Workers:      2,
		MaxAttempts:  8,
		BaseBackoff:  10 * time.Millisecond,
		MaxBackoff:   100 * time.Millisecond,
		ScanInterval: 5 * time.Millisecond,
		BatchSize:    10,
	}
}

func runQueue(t *testing.T, q *Queue) context.CancelFunc {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = q.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	return cancel
}

func waitForStatus(t *testing.T, repo core.Repository, id string, want core.TaskStatus) *core.DeliveryTask {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		task, err := repo.GetTask(context.Background(), id)
		require.NoError(t, err)
		if task.Status == want {
			return task
		}
		time.Sleep(5 * time.Millisecond)
	}
	task, _ := repo.GetTask(context.Background(), id)
	t.Fatalf("task %s no llegó a %s (estado actual: %s, attempt=%d, last_error=%q)",
		id, want, task.Status, task.Attempt, task.LastError)
	return nil
}

func TestQueue_DeliversAfterTransientFailures(t *testing.T) {
	var mu sync.Mutex
	attempts := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "application/activity+json", r.Header.Get("Content-Type"))
		require.NotEmpty(t, r.Header.Get("Signature"))
		mu.Lock()
		attempts++
		n := attempts
		mu.Unlock()
		if n <= 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusAccepted)
	}))
	defer srv.Close()

	repo := memory.New()
	q := New(repo, noopSigner{}, srv.Client(), fastConfig())

	task, err := q.Enqueue(context.Background(), testActor, srv.URL+"/inbox", []byte(`{"type":"Create"}`))
	require.NoError(t, err)
	require.Equal(t, core.TaskPending, task.Status)

	runQueue(t, q)

	final := waitForStatus(t, repo, task.ID, core.TaskDelivered)
	// tres fallos transitorios agendaron retry, el cuarto intento entregó
	require.Equal(t, 3, final.Attempt)
	mu.Lock()
	require.Equal(t, 4, attempts)
	mu.Unlock()
}

func TestQueue_PermanentFailureAbandons(t *testing.T) {
	var mu sync.Mutex
	attempts := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		attempts++
		mu.Unlock()
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	repo := memory.New()
	q := New(repo, noopSigner{}, srv.Client(), fastConfig())

	task, err := q.Enqueue(context.Background(), testActor, srv.URL+"/inbox", []byte(`{}`))
	require.NoError(t, err)

	runQueue(t, q)

	final := waitForStatus(t, repo, task.ID, core.TaskAbandoned)
	require.Contains(t, final.LastError, "404")
	// un 404 no se reintenta
	mu.Lock()
	require.Equal(t, 1, attempts)
	mu.Unlock()
}

func TestQueue_ExhaustedRetriesAbandon(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	repo := memory.New()
	cfg := fastConfig()
	cfg.MaxAttempts = 3
	q := New(repo, noopSigner{}, srv.Client(), cfg)

	task, err := q.Enqueue(context.Background(), testActor, srv.URL+"/inbox", []byte(`{}`))
	require.NoError(t, err)

	runQueue(t, q)

	final := waitForStatus(t, repo, task.ID, core.TaskAbandoned)
	require.Contains(t, final.LastError, "500")
}

func TestQueue_PerPairFIFO(t *testing.T) {
	var mu sync.Mutex
	var order []string
	first := true
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get("X-Test-Task")
		mu.Lock()
		order = append(order, id)
		failFirst := first
		first = false
		mu.Unlock()
		// el primer intento de la cabeza falla: la segunda task del par debe
		// esperar, no adelantarse
		if failFirst {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	repo := memory.New()
	q := New(repo, taggedSigner{}, srv.Client(), fastConfig())

	t1, err := q.Enqueue(context.Background(), testActor, srv.URL+"/inbox", []byte(`{"n":1}`))
	require.NoError(t, err)
	t2, err := q.Enqueue(context.Background(), testActor, srv.URL+"/inbox", []byte(`{"n":2}`))
	require.NoError(t, err)

	runQueue(t, q)

	waitForStatus(t, repo, t1.ID, core.TaskDelivered)
	waitForStatus(t, repo, t2.ID, core.TaskDelivered)

	mu.Lock()
	defer mu.Unlock()
	// t1 se intentó (falló), se reintentó y entregó; recién después salió t2
	require.Equal(t, []string{`{"n":1}`, `{"n":1}`, `{"n":2}`}, order)
}

// taggedSigner marca cada request con su payload para observar el orden
type taggedSigner struct{}

func (taggedSigner) SignRequest(ctx context.Context, actorID string, req *http.Request, body []byte) error {
	req.Header.Set("Signature", `keyId="test",algorithm="rsa-sha256",headers="date",signature="dGVzdA=="`)
	req.Header.Set("X-Test-Task", string(body))
	return nil
}

func TestQueue_CancelPendingTask(t *testing.T) {
	repo := memory.New()
	q := New(repo, noopSigner{}, nil, fastConfig())

	task, err := q.Enqueue(context.Background(), testActor, "https://remote.example/inbox", []byte(`{}`))
	require.NoError(t, err)

	require.NoError(t, q.Cancel(context.Background(), task.ID))

	got, err := repo.GetTask(context.Background(), task.ID)
	require.NoError(t, err)
	require.Equal(t, core.TaskAbandoned, got.Status)
	require.Equal(t, "cancelled", got.LastError)

	// cancelar una terminal es conflicto
	require.ErrorIs(t, q.Cancel(context.Background(), task.ID), ErrTaskFinished)
	// cancelar una inexistente es not found
	require.ErrorIs(t, q.Cancel(context.Background(), "nope"), core.ErrNotFound)
}

func TestQueue_CancelledInFlightStaysAbandoned(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	repo := memory.New()
	q := New(repo, noopSigner{}, srv.Client(), fastConfig())

	task, err := q.Enqueue(context.Background(), testActor, srv.URL+"/inbox", []byte(`{}`))
	require.NoError(t, err)

	// la task ya está leaseada por un worker cuando llega la cancelación
	require.NoError(t, repo.MarkInFlight(context.Background(), task.ID))
	require.NoError(t, q.Cancel(context.Background(), task.ID))

	got, err := repo.GetTask(context.Background(), task.ID)
	require.NoError(t, err)
	require.Equal(t, core.TaskAbandoned, got.Status)

	// el write tardío del worker pierde contra el estado terminal
	require.ErrorIs(t, repo.ScheduleRetry(context.Background(), task.ID, 1, time.Now(), "503"), core.ErrConflict)
	require.ErrorIs(t, repo.MarkDelivered(context.Background(), task.ID), core.ErrConflict)

	// y process descarta el conflicto sin tocar la task
	q.process(context.Background(), *task)

	got, err = repo.GetTask(context.Background(), task.ID)
	require.NoError(t, err)
	require.Equal(t, core.TaskAbandoned, got.Status)
	require.Equal(t, "cancelled", got.LastError)

	// cancelada: no vuelve a aparecer como elegible
	due, err := repo.DueTasks(context.Background(), time.Now().Add(time.Hour), 10)
	require.NoError(t, err)
	require.Empty(t, due)
}

func TestScan_UnleasesOnShutdown(t *testing.T) {
	repo := memory.New()
	q := New(repo, noopSigner{}, nil, fastConfig())

	task, err := q.Enqueue(context.Background(), testActor, "https://remote.example/inbox", []byte(`{}`))
	require.NoError(t, err)

	// contexto ya cancelado y canal sin lectores: el scan leasea la task y
	// aborta antes de poder entregarla a un worker
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	q.scan(ctx, make(chan core.DeliveryTask))

	got, err := repo.GetTask(context.Background(), task.ID)
	require.NoError(t, err)
	require.Equal(t, core.TaskRetryScheduled, got.Status)
	require.Equal(t, task.Attempt, got.Attempt)

	// sigue elegible de inmediato, sin esperar un reinicio del proceso
	due, err := repo.DueTasks(context.Background(), time.Now().Add(time.Second), 10)
	require.NoError(t, err)
	require.Len(t, due, 1)
	require.Equal(t, task.ID, due[0].ID)
}

func TestQueue_EnqueueValidation(t *testing.T) {
	q := New(memory.New(), noopSigner{}, nil, fastConfig())

	_, err := q.Enqueue(context.Background(), "", "https://x.example/inbox", []byte(`{}`))
	require.ErrorIs(t, err, core.ErrInvalid)

	_, err = q.Enqueue(context.Background(), testActor, "ftp://x.example/inbox", []byte(`{}`))
	require.ErrorIs(t, err, core.ErrInvalid)

	_, err = q.Enqueue(context.Background(), testActor, "https://x.example/inbox", nil)
	require.ErrorIs(t, err, core.ErrInvalid)
}

func TestQueue_RequeuesInFlightOnStartup(t *testing.T) {
	repo := memory.New()
	q := New(repo, noopSigner{}, nil, fastConfig())

	task, err := q.Enqueue(context.Background(), testActor, "https://remote.example/inbox", []byte(`{}`))
	require.NoError(t, err)
	// simular un crash con la task leaseada
	require.NoError(t, repo.MarkInFlight(context.Background(), task.ID))

	n, err := repo.RequeueInFlight(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, n)

	got, err := repo.GetTask(context.Background(), task.ID)
	require.NoError(t, err)
	require.Equal(t, core.TaskPending, got.Status)
}

func TestBackoffDelay_ExponentialAndCapped(t *testing.T) {
	q := New(memory.New(), noopSigner{}, nil, Config{
		BaseBackoff: 30 * time.Second,
		MaxBackoff:  4 * time.Hour,
	})

	require.Equal(t, 30*time.Second, q.backoffDelay(1))
	require.Equal(t, 1*time.Minute, q.backoffDelay(2))
	require.Equal(t, 2*time.Minute, q.backoffDelay(3))
	require.Equal(t, 16*time.Minute, q.backoffDelay(6))
	// el tope manda a partir de 2^9
	require.Equal(t, 4*time.Hour, q.backoffDelay(10))
	require.Equal(t, 4*time.Hour, q.backoffDelay(60))
}

func TestIsPermanent(t *testing.T) {
	require.False(t, isPermanent(errors.New("x")))
	require.True(t, isPermanent(permanent(errors.New("x"))))
}
