package daemon

import (
	"context"
	"image"
	"image/color"
	"image/png"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/gennino/gennino/internal/app/executor"
	"github.com/gennino/gennino/internal/domain"
	"github.com/gennino/gennino/internal/infra/registry"
)

type stubBackend struct {
	mu    sync.Mutex
	calls int
	text  string
}

func (s *stubBackend) Name() string { return "stub" }
func (s *stubBackend) Local() bool  { return true }

func (s *stubBackend) Generate(_ context.Context, b registry.Bundle, _ domain.DescriptionRequest, onPartial func(string)) error {
	s.mu.Lock()
	s.calls++
	s.mu.Unlock()
	if b.Weights == "" {
		panic("generate without weights")
	}
	onPartial(s.text)
	return nil
}

type noticeSink struct {
	mu      sync.Mutex
	notices []domain.Notice
}

func (n *noticeSink) Notify(x domain.Notice) {
	n.mu.Lock()
	n.notices = append(n.notices, x)
	n.mu.Unlock()
}

func (n *noticeSink) last() domain.Notice {
	n.mu.Lock()
	defer n.mu.Unlock()
	if len(n.notices) == 0 {
		return domain.Notice{}
	}
	return n.notices[len(n.notices)-1]
}

// testConfig points the feature at two local layer files.
func testConfig(t *testing.T) Config {
	t.Helper()
	dir := t.TempDir()
	weights := filepath.Join(dir, "weights.gguf")
	proj := filepath.Join(dir, "mmproj.gguf")
	os.WriteFile(weights, []byte("weights"), 0o644)
	os.WriteFile(proj, []byte("projector"), 0o644)

	cfg := DefaultConfig()
	cfg.Models.Dir = filepath.Join(dir, "models")
	cfg.Feature.Layers = []domain.BlobSource{
		{URL: "file://" + weights, MediaType: domain.MediaTypeWeights},
		{URL: "file://" + proj, MediaType: domain.MediaTypeProjector},
	}
	cfg.Inference.Warmup = false
	return cfg
}

func newTestDaemon(t *testing.T, cfg Config, b *stubBackend) *Daemon {
	t.Helper()
	d, err := New(context.Background(), cfg, WithDataDir(t.TempDir()), WithBackend(b))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { d.Close() })
	return d
}

func writePNG(t *testing.T) string {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, 8, 8))
	img.Set(1, 1, color.RGBA{R: 255, A: 255})
	path := filepath.Join(t.TempDir(), "apple.png")
	f, err := os.Create(path)
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()
	if err := png.Encode(f, img); err != nil {
		t.Fatal(err)
	}
	return path
}

func waitJobs(t *testing.T, d *Daemon) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := d.Executor.Wait(ctx); err != nil {
		t.Fatalf("jobs did not finish: %v", err)
	}
}

func TestNew_RejectsInvalidConfig(t *testing.T) {
	cfg := testConfig(t)
	cfg.Storage.Driver = "mysql"
	if _, err := New(context.Background(), cfg, WithDataDir(t.TempDir())); err == nil {
		t.Fatal("expected config error")
	}
}

func TestNew_MediaLimits(t *testing.T) {
	cfg := testConfig(t)
	cfg.Media.MaxPixels = 1234
	d := newTestDaemon(t, cfg, &stubBackend{})
	if d.Resolver.MaxPixels() != 1234 {
		t.Errorf("Resolver.MaxPixels() = %d, want 1234", d.Resolver.MaxPixels())
	}
	if d.Resolver.MaxBytes() != 20<<20 {
		t.Errorf("Resolver.MaxBytes() = %d", d.Resolver.MaxBytes())
	}
}

func TestStart_WarmupDownloadsFeature(t *testing.T) {
	cfg := testConfig(t)
	cfg.Inference.Warmup = true
	b := &stubBackend{}
	d := newTestDaemon(t, cfg, b)

	st, _ := d.Registry.Status(cfg.Feature.Name)
	if st != domain.StatusDownloadable {
		t.Fatalf("status before warmup = %s", st)
	}

	d.Start(context.Background())
	waitJobs(t, d)

	st, _ = d.Registry.Status(cfg.Feature.Name)
	if st != domain.StatusAvailable {
		t.Errorf("status after warmup = %s, want available", st)
	}
	if b.calls != 0 {
		t.Errorf("warmup ran %d inferences, want 0", b.calls)
	}
}

func TestDescribeJob(t *testing.T) {
	cfg := testConfig(t)
	b := &stubBackend{text: "A red apple on a table"}
	d := newTestDaemon(t, cfg, b)

	sink := &noticeSink{}
	d.Sessions.Get("chat-1", func() domain.Notifier { return sink })

	_, err := d.Executor.Submit(context.Background(), executor.Job{
		Kind:      executor.JobDescribe,
		SessionID: "chat-1",
		Payload:   writePNG(t),
	})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	waitJobs(t, d)

	if got := sink.last(); got.Kind != domain.NoticeDone || got.Text != "A red apple on a table" {
		t.Errorf("last notice = %+v", got)
	}
	attempts, err := d.Attempts.RecentAttempts(context.Background(), 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(attempts) != 1 || attempts[0].Outcome != domain.OutcomeDescribed || attempts[0].Path != domain.PathDownloaded {
		t.Errorf("attempts = %+v", attempts)
	}
}

func TestPrune(t *testing.T) {
	d := newTestDaemon(t, testConfig(t), &stubBackend{})
	ctx := context.Background()

	old := domain.Attempt{ID: "old", SessionID: "s", Outcome: domain.OutcomeDescribed, StartedAt: time.Now().Add(-48 * time.Hour)}
	fresh := domain.Attempt{ID: "new", SessionID: "s", Outcome: domain.OutcomeDescribed, StartedAt: time.Now()}
	for _, a := range []domain.Attempt{old, fresh} {
		if err := d.Attempts.RecordAttempt(ctx, a); err != nil {
			t.Fatal(err)
		}
	}

	d.prune(ctx, 24*time.Hour)

	got, _ := d.Attempts.RecentAttempts(ctx, 10)
	if len(got) != 1 || got[0].ID != "new" {
		t.Errorf("after prune = %+v", got)
	}
}

func TestSweep_DropsIdleSessions(t *testing.T) {
	d := newTestDaemon(t, testConfig(t), &stubBackend{})
	d.Sessions.Get("stale", nil)
	time.Sleep(20 * time.Millisecond)
	d.Sessions.Get("fresh", nil)

	d.sweep(10 * time.Millisecond)

	if _, ok := d.Sessions.Lookup("stale"); ok {
		t.Error("stale session survived the sweep")
	}
	if _, ok := d.Sessions.Lookup("fresh"); !ok {
		t.Error("fresh session was dropped")
	}
}

func TestClose(t *testing.T) {
	d := newTestDaemon(t, testConfig(t), &stubBackend{})
	d.Start(context.Background())
	if err := d.Close(); err != nil {
		t.Errorf("Close: %v", err)
	}
}
