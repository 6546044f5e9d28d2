package registry

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/gennino/gennino/internal/domain"
)

// Manager manages content-addressed blobs in a local directory and tracks
// installed features in a domain.ModelStore.
type Manager struct {
	dir      string // Root models directory (contains blobs/ and manifests/)
	db       domain.ModelStore
	httpc    *http.Client
	maxBytes int64 // 0 = unlimited

	mu       sync.Mutex
	inflight map[string]*pull // feature name → running pull

	// Pulls run on the manager's context, not the caller's: a caller that
	// leaves only stops its own wait. Close cancels them.
	ctx    context.Context
	cancel context.CancelFunc
	pulls  sync.WaitGroup
}

// pull is one in-flight download shared by every caller asking for it.
type pull struct {
	done chan struct{}
	err  error
}

// ProgressFunc receives download progress. started is called once with the
// total size (-1 when unknown), progress with the running byte count.
type ProgressFunc struct {
	Started  func(totalBytes int64)
	Progress func(downloadedBytes int64)
}

// Bundle holds resolved local paths of an installed feature.
type Bundle struct {
	Weights   string
	Projector string // empty when the feature ships without one
}

// NewManager creates a Manager rooted at dir.
func NewManager(dir string, db domain.ModelStore) *Manager {
	ctx, cancel := context.WithCancel(context.Background())
	return &Manager{
		dir:      dir,
		db:       db,
		httpc:    &http.Client{Timeout: 0}, // large blobs; cancellation comes from Close
		inflight: make(map[string]*pull),
		ctx:      ctx,
		cancel:   cancel,
	}
}

// Close cancels running pulls and waits for them to stop.
func (m *Manager) Close() error {
	m.cancel()
	m.pulls.Wait()
	return nil
}

// SetMaxStorage caps the total size of installed features. 0 disables it.
func (m *Manager) SetMaxStorage(n int64) { m.maxBytes = n }

// Dir returns the models root directory.
func (m *Manager) Dir() string { return m.dir }

// Init ensures the directory structure exists.
func (m *Manager) Init() error {
	dirs := []string{
		filepath.Join(m.dir, "blobs"),
		filepath.Join(m.dir, "manifests"),
	}
	for _, d := range dirs {
		if err := os.MkdirAll(d, 0o755); err != nil {
			return fmt.Errorf("create %s: %w", d, err)
		}
	}
	return nil
}

// BlobPath returns the filesystem path for a content-addressed blob.
func (m *Manager) BlobPath(digest string) string {
	// digest is "sha256:<hex>" → store as blobs/sha256-<hex>
	safe := strings.ReplaceAll(digest, ":", "-")
	return filepath.Join(m.dir, "blobs", safe)
}

// ManifestPath returns the path for a feature manifest file.
func (m *Manager) ManifestPath(ref domain.ModelRef) string {
	name := ref.Name
	if ref.Namespace != "" {
		name = filepath.Join(ref.Namespace, ref.Name)
	}
	tag := ref.Tag
	if tag == "" {
		tag = "latest"
	}
	return filepath.Join(m.dir, "manifests", name, tag)
}

// ─── Status ─────────────────────────────────────────────────────────────────

// Status reports the feature's readiness. It is computed on every call.
func (m *Manager) Status(name string) (domain.FeatureStatus, error) {
	ref := domain.ParseRef(name)

	m.mu.Lock()
	_, downloading := m.inflight[ref.String()]
	m.mu.Unlock()
	if downloading {
		return domain.StatusDownloading, nil
	}

	ok, err := m.HasLocal(ref)
	if err != nil {
		return domain.StatusDownloadable, err
	}
	if ok {
		return domain.StatusAvailable, nil
	}
	return domain.StatusDownloadable, nil
}

// HasLocal checks whether a feature is recorded and all its blobs exist.
func (m *Manager) HasLocal(ref domain.ModelRef) (bool, error) {
	info, err := m.db.GetModel(ref.String())
	if err != nil {
		return false, err
	}
	if info == nil {
		return false, nil
	}
	manifest, err := m.loadManifest(ref)
	if err != nil {
		return false, nil
	}
	for _, layer := range manifest.Layers {
		if _, err := os.Stat(m.BlobPath(layer.Digest)); err != nil {
			return false, nil
		}
	}
	return true, nil
}

// ─── Resolve / List / Remove ────────────────────────────────────────────────

// Resolve returns the local blob paths of an installed feature.
func (m *Manager) Resolve(name string) (Bundle, error) {
	ref := domain.ParseRef(name)

	info, err := m.db.GetModel(ref.String())
	if err != nil {
		return Bundle{}, fmt.Errorf("query model %s: %w", ref, err)
	}
	if info == nil {
		return Bundle{}, domain.ErrModelNotFound
	}

	// Touch to update last-used
	_ = m.db.TouchModel(ref.String())

	manifest, err := m.loadManifest(ref)
	if err != nil {
		return Bundle{}, err
	}

	var b Bundle
	for _, layer := range manifest.Layers {
		path := m.BlobPath(layer.Digest)
		if _, err := os.Stat(path); err != nil {
			return Bundle{}, fmt.Errorf("blob missing for %s: %w", layer.Digest, domain.ErrModelCorrupted)
		}
		switch layer.MediaType {
		case domain.MediaTypeWeights:
			b.Weights = path
		case domain.MediaTypeProjector:
			b.Projector = path
		}
	}
	if b.Weights == "" {
		return Bundle{}, fmt.Errorf("model %s has no weights layer: %w", ref, domain.ErrModelCorrupted)
	}
	return b, nil
}

// List returns all locally installed features.
func (m *Manager) List() ([]domain.ModelInfo, error) {
	return m.db.ListModels()
}

// Remove deletes a feature from local storage.
func (m *Manager) Remove(name string) error {
	ref := domain.ParseRef(name)

	manifest, err := m.loadManifest(ref)
	if err == nil {
		// Best-effort blob cleanup
		for _, layer := range manifest.Layers {
			_ = os.Remove(m.BlobPath(layer.Digest))
		}
	}
	_ = os.Remove(m.ManifestPath(ref))

	return m.db.DeleteModel(ref.String())
}

// ─── Pull ───────────────────────────────────────────────────────────────────

// Pull downloads every layer of spec, verifies digests, writes the manifest
// and records the feature. A second Pull for the same feature while one is
// running joins it instead of starting another download. ctx bounds only
// this caller's wait; the download keeps going for the other callers until
// it ends or the manager is closed.
func (m *Manager) Pull(ctx context.Context, spec domain.FeatureSpec, progress ProgressFunc) error {
	if len(spec.Layers) == 0 {
		return domain.ErrNoLayers
	}
	ref := domain.ParseRef(spec.Name)
	key := ref.String()

	m.mu.Lock()
	if p, ok := m.inflight[key]; ok {
		m.mu.Unlock()
		return m.wait(ctx, p)
	}
	if err := m.ctx.Err(); err != nil {
		m.mu.Unlock()
		return fmt.Errorf("registry closed: %w", err)
	}
	p := &pull{done: make(chan struct{})}
	m.inflight[key] = p
	m.pulls.Add(1)
	m.mu.Unlock()

	go func() {
		defer m.pulls.Done()
		p.err = m.pull(m.ctx, ref, spec, progress)

		m.mu.Lock()
		delete(m.inflight, key)
		m.mu.Unlock()
		close(p.done)
	}()

	return m.wait(ctx, p)
}

// Wait blocks until the in-flight pull of name ends and returns its error.
// It returns domain.ErrNoDownload when nothing is being pulled.
func (m *Manager) Wait(ctx context.Context, name string) error {
	key := domain.ParseRef(name).String()
	m.mu.Lock()
	p, ok := m.inflight[key]
	m.mu.Unlock()
	if !ok {
		return domain.ErrNoDownload
	}
	return m.wait(ctx, p)
}

func (m *Manager) wait(ctx context.Context, p *pull) error {
	select {
	case <-p.done:
		return p.err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (m *Manager) pull(ctx context.Context, ref domain.ModelRef, spec domain.FeatureSpec, progress ProgressFunc) error {
	if err := m.Init(); err != nil {
		return err
	}

	total := m.totalSize(ctx, spec.Layers)
	if err := m.checkQuota(ref.String(), total); err != nil {
		return err
	}
	if progress.Started != nil {
		progress.Started(total)
	}
	log.Printf("[registry] pulling %s (%d layers, %s)", ref, len(spec.Layers), sizeLabel(total))

	var (
		downloaded int64
		layers     []domain.Layer
	)
	report := func(n int64) {
		downloaded += n
		if progress.Progress != nil {
			progress.Progress(downloaded)
		}
	}

	for _, src := range spec.Layers {
		layer, err := m.fetchLayer(ctx, src, report)
		if err != nil {
			return err
		}
		layers = append(layers, layer)
	}

	manifest := domain.Manifest{
		SchemaVersion: 2,
		MediaType:     domain.MediaTypeManifest,
		Layers:        layers,
	}
	if err := m.saveManifest(ref, manifest); err != nil {
		return err
	}

	primary := layers[0]
	if l, ok := manifest.Layer(domain.MediaTypeWeights); ok {
		primary = l
	}
	info := domain.ModelInfo{
		Name:      ref.String(),
		Digest:    primary.Digest,
		SizeBytes: manifest.TotalSize(),
		Format:    "gguf",
		PulledAt:  time.Now(),
	}
	if err := m.db.UpsertModel(info); err != nil {
		return err
	}
	log.Printf("[registry] pulled %s (%s)", ref, domain.HumanSize(info.SizeBytes))
	return nil
}

// checkQuota rejects a pull of name that would exceed the storage limit.
// The feature's own row does not count, since a re-pull replaces it. Pulls
// of unknown size are let through.
func (m *Manager) checkQuota(name string, need int64) error {
	if m.maxBytes <= 0 || need <= 0 {
		return nil
	}
	models, err := m.db.ListModels()
	if err != nil {
		return err
	}
	var used int64
	for _, mi := range models {
		if mi.Name != name {
			used += mi.SizeBytes
		}
	}
	if used+need > m.maxBytes {
		return fmt.Errorf("need %s, %s of %s used: %w",
			domain.HumanSize(need), domain.HumanSize(used), domain.HumanSize(m.maxBytes), domain.ErrStorageFull)
	}
	return nil
}

// fetchLayer downloads one blob unless a verified copy already exists.
func (m *Manager) fetchLayer(ctx context.Context, src domain.BlobSource, report func(int64)) (domain.Layer, error) {
	mediaType := src.MediaType
	if mediaType == "" {
		mediaType = domain.MediaTypeWeights
	}

	if src.Digest != "" {
		if st, err := os.Stat(m.BlobPath(src.Digest)); err == nil {
			report(st.Size())
			return domain.Layer{MediaType: mediaType, Digest: src.Digest, Size: st.Size()}, nil
		}
	}

	rc, err := m.open(ctx, src.URL)
	if err != nil {
		return domain.Layer{}, err
	}
	defer rc.Close()

	tmp, err := os.CreateTemp(filepath.Join(m.dir, "blobs"), "partial-*")
	if err != nil {
		return domain.Layer{}, err
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName) // no-op after a successful rename

	h := sha256.New()
	w := io.MultiWriter(tmp, h, progressWriter(report))
	size, err := io.Copy(w, rc)
	if cerr := tmp.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return domain.Layer{}, fmt.Errorf("download %s: %w", src.URL, err)
	}

	digest := "sha256:" + hex.EncodeToString(h.Sum(nil))
	if src.Digest != "" && !strings.EqualFold(src.Digest, digest) {
		return domain.Layer{}, fmt.Errorf("%s: got %s, want %s: %w", src.URL, digest, src.Digest, domain.ErrDigestMismatch)
	}
	if err := os.Rename(tmpName, m.BlobPath(digest)); err != nil {
		return domain.Layer{}, err
	}
	return domain.Layer{MediaType: mediaType, Digest: digest, Size: size}, nil
}

// open returns a reader for a blob URL. file:// and bare paths are read
// from disk so features can be installed from a local mirror.
func (m *Manager) open(ctx context.Context, url string) (io.ReadCloser, error) {
	if path, ok := localPath(url); ok {
		return os.Open(path)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	resp, err := m.httpc.Do(req)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		resp.Body.Close()
		return nil, fmt.Errorf("GET %s: status %d: %s", url, resp.StatusCode, strings.TrimSpace(string(b)))
	}
	return resp.Body, nil
}

// totalSize sums the sizes of all layers, or -1 when any is unknown.
func (m *Manager) totalSize(ctx context.Context, layers []domain.BlobSource) int64 {
	var total int64
	for _, src := range layers {
		n := m.sizeOf(ctx, src.URL)
		if n < 0 {
			return -1
		}
		total += n
	}
	return total
}

func (m *Manager) sizeOf(ctx context.Context, url string) int64 {
	if path, ok := localPath(url); ok {
		st, err := os.Stat(path)
		if err != nil {
			return -1
		}
		return st.Size()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, url, nil)
	if err != nil {
		return -1
	}
	resp, err := m.httpc.Do(req)
	if err != nil {
		return -1
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return -1
	}
	return resp.ContentLength
}

// --- Internal helpers ---

func (m *Manager) loadManifest(ref domain.ModelRef) (domain.Manifest, error) {
	data, err := os.ReadFile(m.ManifestPath(ref))
	if err != nil {
		return domain.Manifest{}, fmt.Errorf("read manifest: %w", err)
	}
	var manifest domain.Manifest
	if err := json.Unmarshal(data, &manifest); err != nil {
		return domain.Manifest{}, fmt.Errorf("parse manifest: %w", err)
	}
	return manifest, nil
}

func (m *Manager) saveManifest(ref domain.ModelRef, manifest domain.Manifest) error {
	mpath := m.ManifestPath(ref)
	if err := os.MkdirAll(filepath.Dir(mpath), 0o755); err != nil {
		return err
	}
	data, err := json.MarshalIndent(manifest, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(mpath, data, 0o644)
}

func localPath(url string) (string, bool) {
	if strings.HasPrefix(url, "file://") {
		return strings.TrimPrefix(url, "file://"), true
	}
	if !strings.Contains(url, "://") {
		return url, true
	}
	return "", false
}

type progressWriter func(int64)

func (p progressWriter) Write(b []byte) (int, error) {
	p(int64(len(b)))
	return len(b), nil
}

func sizeLabel(n int64) string {
	if n < 0 {
		return "size unknown"
	}
	return domain.HumanSize(n)
}
