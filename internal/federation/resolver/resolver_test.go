package resolver

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/dropDatabas3/hellofed/internal/cache"
)

type fakeLocalKeys struct {
	pems map[string]string
}

func (f *fakeLocalKeys) PublicKeyForKeyID(ctx context.Context, keyID string) (string, error) {
	if pem, ok := f.pems[keyID]; ok {
		return pem, nil
	}
	return "", errors.New("key_not_found")
}

func actorDocJSON(actorURI, keyID, pem string) []byte {
	b, _ := json.Marshal(map[string]any{
		"id":   actorURI,
		"type": "Person",
		"publicKey": map[string]string{
			"id":           keyID,
			"owner":        actorURI,
			"publicKeyPem": pem,
		},
	})
	return b
}

func TestResolve_LocalShortCircuit(t *testing.T) {
	t.Parallel()
	local := &fakeLocalKeys{pems: map[string]string{
		"https://feed.example/users/alice#main-key": "PEM-ALICE",
	}}
	// sin servidor remoto: el caso local no puede tocar la red
	r := New("https://feed.example", local, cache.NewMemory("t"), nil, time.Hour)

	pem, err := r.Resolve(context.Background(), "https://feed.example/users/alice#main-key")
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if pem != "PEM-ALICE" {
		t.Fatalf("pem: got %q", pem)
	}

	if _, err := r.Resolve(context.Background(), "https://feed.example/users/nadie#main-key"); !errors.Is(err, ErrResolution) {
		t.Fatalf("got %v, want ErrResolution", err)
	}
}

func TestResolve_RemoteFetchAndCache(t *testing.T) {
	t.Parallel()
	var fetches atomic.Int32
	var srv *httptest.Server
	srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fetches.Add(1)
		if r.Header.Get("Accept") != "application/activity+json" {
			t.Errorf("Accept: got %q", r.Header.Get("Accept"))
		}
		actorURI := srv.URL + "/users/carol"
		w.Header().Set("Content-Type", "application/activity+json")
		w.Write(actorDocJSON(actorURI, actorURI+"#main-key", "PEM-CAROL"))
	}))
	defer srv.Close()
	actorURI := srv.URL + "/users/carol"

	r := New("https://feed.example", &fakeLocalKeys{}, cache.NewMemory("t"), srv.Client(), time.Hour)

	pem, err := r.Resolve(context.Background(), actorURI+"#main-key")
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if pem != "PEM-CAROL" {
		t.Fatalf("pem: got %q", pem)
	}
	// segunda resolución: cache hit, sin red
	if _, err := r.Resolve(context.Background(), actorURI+"#main-key"); err != nil {
		t.Fatalf("Resolve (cached): %v", err)
	}
	if n := fetches.Load(); n != 1 {
		t.Fatalf("fetches: got %d want 1", n)
	}

	// invalidar fuerza re-fetch
	r.Invalidate(context.Background(), actorURI+"#main-key")
	if _, err := r.Resolve(context.Background(), actorURI+"#main-key"); err != nil {
		t.Fatalf("Resolve (post-invalidate): %v", err)
	}
	if n := fetches.Load(); n != 2 {
		t.Fatalf("fetches: got %d want 2", n)
	}
}

func TestResolve_SingleflightCollapsesConcurrentFetches(t *testing.T) {
	t.Parallel()
	var fetches atomic.Int32
	release := make(chan struct{})
	var srv *httptest.Server
	srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fetches.Add(1)
		<-release
		actorURI := srv.URL + "/users/dan"
		w.Write(actorDocJSON(actorURI, actorURI+"#main-key", "PEM-DAN"))
	}))
	defer srv.Close()
	actorURI := srv.URL + "/users/dan"

	r := New("https://feed.example", &fakeLocalKeys{}, cache.NewMemory("t"), srv.Client(), time.Hour)

	const n = 8
	var wg sync.WaitGroup
	errs := make([]error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = r.Resolve(context.Background(), actorURI+"#main-key")
		}(i)
	}
	// dejar que todos lleguen al singleflight antes de responder
	time.Sleep(100 * time.Millisecond)
	close(release)
	wg.Wait()

	for i, err := range errs {
		if err != nil {
			t.Fatalf("goroutine %d: %v", i, err)
		}
	}
	if got := fetches.Load(); got != 1 {
		t.Fatalf("fetches: got %d want 1 (singleflight)", got)
	}
}

func TestResolve_NotFoundIsPermanent(t *testing.T) {
	t.Parallel()
	var fetches atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fetches.Add(1)
		http.NotFound(w, r)
	}))
	defer srv.Close()

	r := New("https://feed.example", &fakeLocalKeys{}, cache.NewMemory("t"), srv.Client(), time.Hour)
	_, err := r.Resolve(context.Background(), srv.URL+"/users/gone#main-key")
	if !errors.Is(err, ErrResolution) {
		t.Fatalf("got %v, want ErrResolution", err)
	}
	// un 404 no se reintenta
	if n := fetches.Load(); n != 1 {
		t.Fatalf("fetches: got %d want 1", n)
	}
}

func TestResolve_TransientErrorsRetry(t *testing.T) {
	t.Parallel()
	var fetches atomic.Int32
	var srv *httptest.Server
	srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if fetches.Add(1) < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		actorURI := srv.URL + "/users/eve"
		w.Write(actorDocJSON(actorURI, actorURI+"#main-key", "PEM-EVE"))
	}))
	defer srv.Close()
	actorURI := srv.URL + "/users/eve"

	r := New("https://feed.example", &fakeLocalKeys{}, cache.NewMemory("t"), srv.Client(), time.Hour)
	pem, err := r.Resolve(context.Background(), actorURI+"#main-key")
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if pem != "PEM-EVE" {
		t.Fatalf("pem: got %q", pem)
	}
	if n := fetches.Load(); n != 3 {
		t.Fatalf("fetches: got %d want 3", n)
	}
}

func TestResolve_OwnerMismatchRejected(t *testing.T) {
	t.Parallel()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// el documento declara una clave de OTRO actor
		w.Write(actorDocJSON("https://evil.example/users/mallory", "https://evil.example/users/mallory#main-key", "PEM-MALLORY"))
	}))
	defer srv.Close()

	r := New("https://feed.example", &fakeLocalKeys{}, cache.NewMemory("t"), srv.Client(), time.Hour)
	_, err := r.Resolve(context.Background(), srv.URL+"/users/victim#main-key")
	if !errors.Is(err, ErrResolution) {
		t.Fatalf("got %v, want ErrResolution", err)
	}
}

func TestResolve_DocumentWithoutKeyRejected(t *testing.T) {
	t.Parallel()
	var srv *httptest.Server
	srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprintf(w, `{"id":%q,"type":"Person"}`, srv.URL+"/users/nokey")
	}))
	defer srv.Close()

	r := New("https://feed.example", &fakeLocalKeys{}, cache.NewMemory("t"), srv.Client(), time.Hour)
	_, err := r.Resolve(context.Background(), srv.URL+"/users/nokey#main-key")
	if !errors.Is(err, ErrResolution) {
		t.Fatalf("got %v, want ErrResolution", err)
	}
}
