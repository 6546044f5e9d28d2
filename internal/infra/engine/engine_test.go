package engine

import (
	"context"
	"errors"
	"image"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gennino/gennino/internal/domain"
	"github.com/gennino/gennino/internal/infra/registry"
	"github.com/gennino/gennino/internal/infra/sqlite"
)

// fakeBackend records calls and replays scripted fragments.
type fakeBackend struct {
	local     bool
	fragments []string
	err       error

	mu     sync.Mutex
	calls  int
	bundle registry.Bundle
	req    domain.DescriptionRequest
}

func (f *fakeBackend) Name() string { return "fake" }
func (f *fakeBackend) Local() bool  { return f.local }

func (f *fakeBackend) Generate(ctx context.Context, b registry.Bundle, req domain.DescriptionRequest, onPartial func(string)) error {
	f.mu.Lock()
	f.calls++
	f.bundle = b
	f.req = req
	f.mu.Unlock()
	for _, s := range f.fragments {
		onPartial(s)
	}
	return f.err
}

// recordingCallback captures download events.
type recordingCallback struct {
	mu        sync.Mutex
	started   int64
	progress  int64
	completed chan struct{}
	failed    chan error
}

func newRecordingCallback() *recordingCallback {
	return &recordingCallback{completed: make(chan struct{}, 1), failed: make(chan error, 1)}
}

func (r *recordingCallback) OnStarted(total int64) {
	r.mu.Lock()
	r.started = total
	r.mu.Unlock()
}

func (r *recordingCallback) OnProgress(n int64) {
	r.mu.Lock()
	r.progress = n
	r.mu.Unlock()
}

func (r *recordingCallback) OnCompleted()       { r.completed <- struct{}{} }
func (r *recordingCallback) OnFailed(err error) { r.failed <- err }

func testImage() *domain.DecodedImage {
	img := image.NewRGBA(image.Rect(0, 0, 4, 4))
	return &domain.DecodedImage{Image: img, Format: "png", Width: 4, Height: 4}
}

func newTestRegistry(t *testing.T) (*registry.Manager, domain.FeatureSpec) {
	t.Helper()
	db, err := sqlite.Open(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { db.Close() })

	src := t.TempDir()
	weights := filepath.Join(src, "model.gguf")
	proj := filepath.Join(src, "mmproj.gguf")
	os.WriteFile(weights, []byte("weights"), 0o644)
	os.WriteFile(proj, []byte("projector"), 0o644)

	spec := domain.FeatureSpec{
		Name: "image-describer",
		Layers: []domain.BlobSource{
			{URL: "file://" + weights, MediaType: domain.MediaTypeWeights},
			{URL: "file://" + proj, MediaType: domain.MediaTypeProjector},
		},
	}
	return registry.NewManager(t.TempDir(), db), spec
}

func waitDone(t *testing.T, cb *recordingCallback) error {
	t.Helper()
	select {
	case <-cb.completed:
		return nil
	case err := <-cb.failed:
		return err
	case <-time.After(5 * time.Second):
		t.Fatal("download callback never fired")
		return nil
	}
}

// ─── Client Tests ───────────────────────────────────────────────────────────

func TestClient_LocalLifecycle(t *testing.T) {
	reg, spec := newTestRegistry(t)
	be := &fakeBackend{local: true, fragments: []string{"A red apple", " on a table"}}
	f := NewFactory(reg, spec, be)
	ctx := context.Background()

	c, err := f.Open(ctx)
	if err != nil {
		t.Fatal(err)
	}
	defer c.Close()

	st, err := c.CheckStatus(ctx)
	if err != nil || st != domain.StatusDownloadable {
		t.Fatalf("CheckStatus() = %v, %v; want downloadable", st, err)
	}

	if err := c.RunInference(ctx, domain.DescriptionRequest{Image: testImage()}, func(string) {}); !errors.Is(err, domain.ErrFeatureNotReady) {
		t.Fatalf("RunInference() before download = %v, want ErrFeatureNotReady", err)
	}

	cb := newRecordingCallback()
	if err := c.Download(ctx, cb); err != nil {
		t.Fatalf("Download() error: %v", err)
	}
	if err := waitDone(t, cb); err != nil {
		t.Fatalf("download failed: %v", err)
	}
	if cb.started != int64(len("weights")+len("projector")) {
		t.Errorf("OnStarted total = %d", cb.started)
	}

	st, _ = c.CheckStatus(ctx)
	if st != domain.StatusAvailable {
		t.Fatalf("CheckStatus() after download = %v", st)
	}

	var got strings.Builder
	err = c.RunInference(ctx, domain.DescriptionRequest{Image: testImage()}, func(s string) { got.WriteString(s) })
	if err != nil {
		t.Fatalf("RunInference() error: %v", err)
	}
	if got.String() != "A red apple on a table" {
		t.Errorf("text = %q", got.String())
	}
	if be.bundle.Weights == "" || be.bundle.Projector == "" {
		t.Errorf("bundle not resolved: %+v", be.bundle)
	}
	if be.req.Prompt != DefaultPrompt || be.req.Temperature != DefaultTemperature {
		t.Errorf("defaults not applied: %+v", be.req)
	}
}

func TestClient_DownloadFailure(t *testing.T) {
	reg, _ := newTestRegistry(t)
	spec := domain.FeatureSpec{Name: "broken", Layers: []domain.BlobSource{{URL: "file:///does/not/exist"}}}
	c, _ := NewFactory(reg, spec, &fakeBackend{local: true}).Open(context.Background())

	cb := newRecordingCallback()
	if err := c.Download(context.Background(), cb); err != nil {
		t.Fatal(err)
	}
	if err := waitDone(t, cb); err == nil {
		t.Fatal("expected OnFailed")
	}
	if err := c.AwaitDownload(context.Background()); !errors.Is(err, domain.ErrDownloadFailed) {
		t.Errorf("AwaitDownload() after failure = %v, want ErrDownloadFailed", err)
	}
}

func TestClient_AwaitDownloadAfterCompletion(t *testing.T) {
	reg, spec := newTestRegistry(t)
	if err := reg.Pull(context.Background(), spec, registry.ProgressFunc{}); err != nil {
		t.Fatal(err)
	}
	c, _ := NewFactory(reg, spec, &fakeBackend{local: true}).Open(context.Background())
	if err := c.AwaitDownload(context.Background()); err != nil {
		t.Errorf("AwaitDownload() = %v, want nil for installed feature", err)
	}
}

func TestClient_RemoteBackendAlwaysAvailable(t *testing.T) {
	be := &fakeBackend{local: false, fragments: []string{"ok"}}
	c, _ := NewFactory(nil, domain.FeatureSpec{Name: "remote"}, be).Open(context.Background())
	ctx := context.Background()

	if st, err := c.CheckStatus(ctx); err != nil || st != domain.StatusAvailable {
		t.Errorf("CheckStatus() = %v, %v", st, err)
	}
	cb := newRecordingCallback()
	if err := c.Download(ctx, cb); err != nil {
		t.Fatal(err)
	}
	if err := waitDone(t, cb); err != nil {
		t.Errorf("remote download should complete immediately: %v", err)
	}
	if err := c.RunInference(ctx, domain.DescriptionRequest{Image: testImage()}, func(string) {}); err != nil {
		t.Errorf("RunInference() error: %v", err)
	}
}

func TestClient_ClosedRefusesWork(t *testing.T) {
	be := &fakeBackend{}
	f := NewFactory(nil, domain.FeatureSpec{Name: "remote"}, be)
	c, _ := f.Open(context.Background())
	ctx := context.Background()

	if err := c.Close(); err != nil {
		t.Fatalf("Close() error: %v", err)
	}
	if err := c.Close(); !errors.Is(err, domain.ErrClientClosed) {
		t.Errorf("second Close() = %v, want ErrClientClosed", err)
	}
	if _, err := c.CheckStatus(ctx); !errors.Is(err, domain.ErrClientClosed) {
		t.Errorf("CheckStatus() = %v", err)
	}
	if err := c.RunInference(ctx, domain.DescriptionRequest{Image: testImage()}, func(string) {}); !errors.Is(err, domain.ErrClientClosed) {
		t.Errorf("RunInference() = %v", err)
	}
	if be.calls != 0 {
		t.Errorf("backend called %d times after close", be.calls)
	}

	// A fresh client from the same factory is unaffected.
	c2, _ := f.Open(ctx)
	if err := c2.RunInference(ctx, domain.DescriptionRequest{Image: testImage()}, func(string) {}); err != nil {
		t.Errorf("fresh client RunInference() = %v", err)
	}
}

func TestClient_NilImage(t *testing.T) {
	be := &fakeBackend{}
	c, _ := NewFactory(nil, domain.FeatureSpec{}, be).Open(context.Background())
	if err := c.RunInference(context.Background(), domain.DescriptionRequest{}, func(string) {}); !errors.Is(err, domain.ErrNoImage) {
		t.Errorf("RunInference(nil image) = %v, want ErrNoImage", err)
	}
	if be.calls != 0 {
		t.Error("backend must not be called without an image")
	}
}

// ─── Llava Tests ────────────────────────────────────────────────────────────

func TestPreambleFilter(t *testing.T) {
	tests := []struct {
		name   string
		chunks []string
		want   []string
	}{
		{
			name:   "anchor split across chunks",
			chunks: []string{"clip_model_load ...\nencode_image (12.3 ms per im", "age patch)\n A cat", " on a sofa."},
			want:   []string{"A cat", " on a sofa."},
		},
		{
			name:   "no anchor released on flush",
			chunks: []string{"  plain ", "output"},
			want:   []string{"plain output"},
		},
		{
			name:   "only whitespace after anchor",
			chunks: []string{"x per image patch)\n\n", "Hello"},
			want:   []string{"Hello"},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var got []string
			f := &preambleFilter{emit: func(s string) { got = append(got, s) }}
			for _, c := range tt.chunks {
				f.Write(c)
			}
			f.Flush()
			if strings.Join(got, "|") != strings.Join(tt.want, "|") {
				t.Errorf("emitted %q, want %q", got, tt.want)
			}
		})
	}
}

func TestLlava_Args(t *testing.T) {
	l := NewLlava("llava-cli", 4, []string{"--ctx-size", "2048"})
	args := l.args(registry.Bundle{Weights: "/w", Projector: "/p"}, "/img.jpg",
		domain.DescriptionRequest{Prompt: "describe", Temperature: 0.1})
	got := strings.Join(args, " ")
	want := "-m /w --mmproj /p --image /img.jpg --temp 0.1 -p describe -t 4 --ctx-size 2048"
	if got != want {
		t.Errorf("args =\n  %s\nwant\n  %s", got, want)
	}

	noProj := strings.Join(l.args(registry.Bundle{Weights: "/w"}, "/i", domain.DescriptionRequest{Prompt: "p", Temperature: 0.5}), " ")
	if strings.Contains(noProj, "--mmproj") {
		t.Errorf("args without projector = %s", noProj)
	}
}

func writeScript(t *testing.T, body string) string {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("shell script runtime stub needs a POSIX shell")
	}
	path := filepath.Join(t.TempDir(), "llava-stub")
	if err := os.WriteFile(path, []byte("#!/bin/sh\n"+body), 0o755); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLlava_GenerateStreamsStdout(t *testing.T) {
	bin := writeScript(t, `echo "loading model..."
echo "encode_image_with_clip: image encoded in 80 ms (1.2 ms per image patch)"
printf "A red apple"
printf " on a table"
`)
	l := NewLlava(bin, 0, nil)
	l.TempDir = t.TempDir()

	var parts []string
	err := l.Generate(context.Background(), registry.Bundle{Weights: "/w"},
		domain.DescriptionRequest{Image: testImage(), Prompt: "p", Temperature: 0.1},
		func(s string) { parts = append(parts, s) })
	if err != nil {
		t.Fatalf("Generate() error: %v", err)
	}
	if got := strings.Join(parts, ""); got != "A red apple on a table" {
		t.Errorf("text = %q", got)
	}

	leftovers, _ := os.ReadDir(l.TempDir)
	if len(leftovers) != 0 {
		t.Errorf("temp image not removed: %d files left", len(leftovers))
	}
}

func TestLlava_GenerateFailure(t *testing.T) {
	bin := writeScript(t, "echo 'failed to load model' >&2\nexit 3\n")
	l := NewLlava(bin, 0, nil)

	err := l.Generate(context.Background(), registry.Bundle{Weights: "/w"},
		domain.DescriptionRequest{Image: testImage(), Prompt: "p"}, func(string) {})
	if err == nil || !strings.Contains(err.Error(), "failed to load model") {
		t.Errorf("Generate() error = %v, want stderr tail", err)
	}
}

func TestLlava_RequiresWeights(t *testing.T) {
	l := NewLlava("unused", 0, nil)
	err := l.Generate(context.Background(), registry.Bundle{}, domain.DescriptionRequest{Image: testImage()}, func(string) {})
	if !errors.Is(err, domain.ErrFeatureNotReady) {
		t.Errorf("Generate() = %v, want ErrFeatureNotReady", err)
	}
}

// ─── Gemini Tests ───────────────────────────────────────────────────────────

func TestNewGemini_MissingKey(t *testing.T) {
	if _, err := NewGemini(context.Background(), "  ", ""); !errors.Is(err, domain.ErrMissingAPIKey) {
		t.Errorf("NewGemini() = %v, want ErrMissingAPIKey", err)
	}
}

func TestResponseText_Nil(t *testing.T) {
	if got := responseText(nil); got != "" {
		t.Errorf("responseText(nil) = %q", got)
	}
}
