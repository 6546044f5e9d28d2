package registry

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gennino/gennino/internal/domain"
	"github.com/gennino/gennino/internal/infra/sqlite"
)

func newTestManager(t *testing.T) *Manager {
	t.Helper()
	db, err := sqlite.Open(t.TempDir())
	if err != nil {
		t.Fatalf("sqlite.Open() error: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	m := NewManager(t.TempDir(), db)
	t.Cleanup(func() { m.Close() })
	if err := m.Init(); err != nil {
		t.Fatalf("Init() error: %v", err)
	}
	return m
}

func blobServer(t *testing.T, blobs map[string]string) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, ok := blobs[r.URL.Path]
		if !ok {
			http.NotFound(w, r)
			return
		}
		w.Header().Set("Content-Length", strconv.Itoa(len(body)))
		if r.Method == http.MethodHead {
			return
		}
		w.Write([]byte(body))
	}))
	t.Cleanup(srv.Close)
	return srv
}

func specFor(srv *httptest.Server) domain.FeatureSpec {
	return domain.FeatureSpec{
		Name: "image-describer",
		Layers: []domain.BlobSource{
			{URL: srv.URL + "/weights", MediaType: domain.MediaTypeWeights, Digest: "sha256:" + domain.SHA256Hex([]byte("WEIGHTS"))},
			{URL: srv.URL + "/mmproj", MediaType: domain.MediaTypeProjector},
		},
	}
}

// ─── Init / Paths ───────────────────────────────────────────────────────────

func TestInit_CreatesDirs(t *testing.T) {
	m := newTestManager(t)
	for _, sub := range []string{"blobs", "manifests"} {
		if st, err := os.Stat(m.Dir() + "/" + sub); err != nil || !st.IsDir() {
			t.Errorf("%s not created: %v", sub, err)
		}
	}
}

func TestBlobPath(t *testing.T) {
	m := NewManager("/models", nil)
	got := m.BlobPath("sha256:abc123")
	if !strings.HasSuffix(got, "blobs/sha256-abc123") {
		t.Errorf("BlobPath() = %q", got)
	}
}

// ─── Status ─────────────────────────────────────────────────────────────────

func TestStatus_DownloadableWhenMissing(t *testing.T) {
	m := newTestManager(t)
	st, err := m.Status("image-describer")
	if err != nil {
		t.Fatal(err)
	}
	if st != domain.StatusDownloadable {
		t.Errorf("Status() = %v, want downloadable", st)
	}
}

func TestPull_ThenAvailable(t *testing.T) {
	srv := blobServer(t, map[string]string{"/weights": "WEIGHTS", "/mmproj": "PROJ"})
	m := newTestManager(t)

	var started, last int64
	err := m.Pull(context.Background(), specFor(srv), ProgressFunc{
		Started:  func(total int64) { started = total },
		Progress: func(n int64) { last = n },
	})
	if err != nil {
		t.Fatalf("Pull() error: %v", err)
	}
	if started != int64(len("WEIGHTS")+len("PROJ")) {
		t.Errorf("started total = %d", started)
	}
	if last != started {
		t.Errorf("final progress = %d, want %d", last, started)
	}

	st, _ := m.Status("image-describer")
	if st != domain.StatusAvailable {
		t.Errorf("Status() after pull = %v, want available", st)
	}

	b, err := m.Resolve("image-describer")
	if err != nil {
		t.Fatalf("Resolve() error: %v", err)
	}
	data, _ := os.ReadFile(b.Weights)
	if string(data) != "WEIGHTS" {
		t.Errorf("weights blob = %q", data)
	}
	if b.Projector == "" {
		t.Error("projector path should be resolved")
	}

	models, _ := m.List()
	if len(models) != 1 || models[0].SizeBytes != 11 {
		t.Errorf("List() = %+v", models)
	}
}

func TestPull_DigestMismatch(t *testing.T) {
	srv := blobServer(t, map[string]string{"/weights": "TAMPERED", "/mmproj": "PROJ"})
	m := newTestManager(t)

	err := m.Pull(context.Background(), specFor(srv), ProgressFunc{})
	if !errors.Is(err, domain.ErrDigestMismatch) {
		t.Fatalf("Pull() error = %v, want ErrDigestMismatch", err)
	}
	st, _ := m.Status("image-describer")
	if st != domain.StatusDownloadable {
		t.Errorf("Status() after failed pull = %v", st)
	}
}

func TestPull_HTTPError(t *testing.T) {
	srv := blobServer(t, map[string]string{})
	m := newTestManager(t)
	if err := m.Pull(context.Background(), specFor(srv), ProgressFunc{}); err == nil {
		t.Fatal("Pull() should fail on 404")
	}
}

func TestPull_NoLayers(t *testing.T) {
	m := newTestManager(t)
	err := m.Pull(context.Background(), domain.FeatureSpec{Name: "x"}, ProgressFunc{})
	if !errors.Is(err, domain.ErrNoLayers) {
		t.Errorf("Pull() error = %v, want ErrNoLayers", err)
	}
}

func TestPull_LocalFile(t *testing.T) {
	dir := t.TempDir()
	path := dir + "/w.gguf"
	os.WriteFile(path, []byte("LOCAL"), 0o644)

	m := newTestManager(t)
	spec := domain.FeatureSpec{Name: "local", Layers: []domain.BlobSource{{URL: "file://" + path}}}
	if err := m.Pull(context.Background(), spec, ProgressFunc{}); err != nil {
		t.Fatalf("Pull(file://) error: %v", err)
	}
	if _, err := m.Resolve("local"); err != nil {
		t.Errorf("Resolve() error: %v", err)
	}
}

func TestPull_StorageQuota(t *testing.T) {
	srv := blobServer(t, map[string]string{"/weights": "WEIGHTS", "/mmproj": "PROJ"})
	m := newTestManager(t)
	m.SetMaxStorage(5)

	err := m.Pull(context.Background(), specFor(srv), ProgressFunc{})
	if !errors.Is(err, domain.ErrStorageFull) {
		t.Fatalf("Pull() = %v, want ErrStorageFull", err)
	}
	m.SetMaxStorage(0)
	if err := m.Pull(context.Background(), specFor(srv), ProgressFunc{}); err != nil {
		t.Errorf("Pull() without quota = %v", err)
	}
}

// Re-pulling an installed feature whose blob went missing must not count
// the feature's own size twice.
func TestPull_QuotaIgnoresOwnRow(t *testing.T) {
	srv := blobServer(t, map[string]string{"/weights": "WEIGHTS", "/mmproj": "PROJ"})
	m := newTestManager(t)
	spec := specFor(srv)
	if err := m.Pull(context.Background(), spec, ProgressFunc{}); err != nil {
		t.Fatal(err)
	}
	b, err := m.Resolve("image-describer")
	if err != nil {
		t.Fatal(err)
	}
	os.Remove(b.Projector)
	if st, _ := m.Status("image-describer"); st != domain.StatusDownloadable {
		t.Fatalf("Status() after losing a blob = %v, want downloadable", st)
	}

	m.SetMaxStorage(int64(len("WEIGHTS") + len("PROJ")))
	if err := m.Pull(context.Background(), spec, ProgressFunc{}); err != nil {
		t.Errorf("re-pull at the limit = %v, want nil", err)
	}
}

// ─── Concurrency ────────────────────────────────────────────────────────────

func TestPull_ConcurrentJoinAndWait(t *testing.T) {
	release := make(chan struct{})
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodHead {
			w.Header().Set("Content-Length", "4")
			return
		}
		hits.Add(1)
		<-release
		w.Write([]byte("DATA"))
	}))
	defer srv.Close()

	m := newTestManager(t)
	spec := domain.FeatureSpec{Name: "slow", Layers: []domain.BlobSource{{URL: srv.URL + "/w"}}}

	if err := m.Wait(context.Background(), "slow"); !errors.Is(err, domain.ErrNoDownload) {
		t.Fatalf("Wait() with nothing in flight = %v, want ErrNoDownload", err)
	}

	var wg sync.WaitGroup
	errs := make([]error, 3)
	wg.Add(1)
	go func() {
		defer wg.Done()
		errs[0] = m.Pull(context.Background(), spec, ProgressFunc{})
	}()

	// Wait until the first pull is registered.
	deadline := time.Now().Add(2 * time.Second)
	for {
		st, _ := m.Status("slow")
		if st == domain.StatusDownloading {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("pull never entered downloading state")
		}
		time.Sleep(5 * time.Millisecond)
	}

	wg.Add(2)
	go func() {
		defer wg.Done()
		errs[1] = m.Pull(context.Background(), spec, ProgressFunc{})
	}()
	go func() {
		defer wg.Done()
		errs[2] = m.Wait(context.Background(), "slow")
	}()

	time.Sleep(20 * time.Millisecond)
	close(release)
	wg.Wait()

	for i, err := range errs {
		if err != nil {
			t.Errorf("caller %d error: %v", i, err)
		}
	}
	if hits.Load() != 1 {
		t.Errorf("blob fetched %d times, want 1", hits.Load())
	}
	if st, _ := m.Status("slow"); st != domain.StatusAvailable {
		t.Errorf("Status() = %v, want available", st)
	}
}

// A caller that gives up stops waiting; the download itself keeps going for
// everyone else who joined it.
func TestPull_CallerCancelDoesNotAbortSharedPull(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodHead {
			w.Header().Set("Content-Length", "4")
			return
		}
		select {
		case <-release:
			w.Write([]byte("DATA"))
		case <-r.Context().Done():
		}
	}))
	defer srv.Close()

	m := newTestManager(t)
	spec := domain.FeatureSpec{Name: "shared", Layers: []domain.BlobSource{{URL: srv.URL + "/w"}}}

	ctxA, cancelA := context.WithCancel(context.Background())
	errA := make(chan error, 1)
	go func() { errA <- m.Pull(ctxA, spec, ProgressFunc{}) }()

	deadline := time.Now().Add(2 * time.Second)
	for {
		if st, _ := m.Status("shared"); st == domain.StatusDownloading {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("pull never entered downloading state")
		}
		time.Sleep(5 * time.Millisecond)
	}

	errB := make(chan error, 1)
	go func() { errB <- m.Wait(context.Background(), "shared") }()
	time.Sleep(20 * time.Millisecond)

	cancelA()
	if err := <-errA; !errors.Is(err, context.Canceled) {
		t.Fatalf("canceled caller Pull() = %v, want context.Canceled", err)
	}
	if st, _ := m.Status("shared"); st != domain.StatusDownloading {
		t.Fatalf("Status() after caller left = %v, want downloading", st)
	}

	close(release)
	if err := <-errB; err != nil {
		t.Errorf("waiting caller got %v, want nil", err)
	}
	if st, _ := m.Status("shared"); st != domain.StatusAvailable {
		t.Errorf("Status() = %v, want available", st)
	}
}

func TestClose_CancelsPull(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodHead {
			w.Header().Set("Content-Length", "4")
			return
		}
		<-r.Context().Done()
	}))
	defer srv.Close()

	m := newTestManager(t)
	spec := domain.FeatureSpec{Name: "stuck", Layers: []domain.BlobSource{{URL: srv.URL + "/w"}}}
	errc := make(chan error, 1)
	go func() { errc <- m.Pull(context.Background(), spec, ProgressFunc{}) }()

	deadline := time.Now().Add(2 * time.Second)
	for {
		if st, _ := m.Status("stuck"); st == domain.StatusDownloading {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("pull never entered downloading state")
		}
		time.Sleep(5 * time.Millisecond)
	}

	m.Close()
	if err := <-errc; err == nil {
		t.Error("Pull() after Close = nil, want an error")
	}
	if err := m.Pull(context.Background(), spec, ProgressFunc{}); err == nil {
		t.Error("Pull() on a closed manager = nil, want an error")
	}
}

func TestWait_ContextCanceled(t *testing.T) {
	m := newTestManager(t)
	p := &pull{done: make(chan struct{})}
	m.inflight["stuck"] = p

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := m.Wait(ctx, "stuck"); !errors.Is(err, context.Canceled) {
		t.Errorf("Wait() = %v, want context.Canceled", err)
	}
}

// ─── Remove ─────────────────────────────────────────────────────────────────

func TestRemove(t *testing.T) {
	srv := blobServer(t, map[string]string{"/weights": "WEIGHTS", "/mmproj": "PROJ"})
	m := newTestManager(t)
	if err := m.Pull(context.Background(), specFor(srv), ProgressFunc{}); err != nil {
		t.Fatal(err)
	}
	if err := m.Remove("image-describer"); err != nil {
		t.Fatalf("Remove() error: %v", err)
	}
	if _, err := m.Resolve("image-describer"); !errors.Is(err, domain.ErrModelNotFound) {
		t.Errorf("Resolve() after remove = %v, want ErrModelNotFound", err)
	}
}
