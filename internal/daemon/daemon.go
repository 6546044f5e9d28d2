package daemon

import (
	"context"
	"database/sql"
	"fmt"
	"io"
	"log"
	"sync"
	"time"

	"github.com/gennino/gennino/internal/app/describe"
	"github.com/gennino/gennino/internal/app/executor"
	"github.com/gennino/gennino/internal/domain"
	"github.com/gennino/gennino/internal/infra/engine"
	"github.com/gennino/gennino/internal/infra/media"
	"github.com/gennino/gennino/internal/infra/observability"
	"github.com/gennino/gennino/internal/infra/registry"
	"github.com/gennino/gennino/internal/infra/sqlite"
	"github.com/gennino/gennino/internal/infra/store"
)

// Daemon is the wired application. Surfaces (HTTP API, Telegram bot, CLI)
// share one Daemon.
type Daemon struct {
	Config   Config
	DB       *sqlite.DB
	Registry *registry.Manager
	Backend  engine.Backend
	Factory  *engine.Factory
	Resolver *media.Resolver
	Attempts *store.AttemptRepo
	Tracer   *observability.Tracer
	Service  *describe.Service
	Sessions *describe.Sessions
	Executor *executor.Executor

	attemptsDB *sql.DB // set when attempts live outside the sqlite file
	stop       context.CancelFunc
	done       chan struct{}
}

type options struct {
	dataDir string
	backend engine.Backend
}

// Option customizes New.
type Option func(*options)

// WithDataDir stores the database in dir instead of Home().
func WithDataDir(dir string) Option { return func(o *options) { o.dataDir = dir } }

// WithBackend replaces the configured inference backend.
func WithBackend(b engine.Backend) Option { return func(o *options) { o.backend = b } }

// New validates cfg and wires every component. The caller must Close it.
func New(ctx context.Context, cfg Config, opts ...Option) (_ *Daemon, err error) {
	o := options{dataDir: Home()}
	for _, opt := range opts {
		opt(&o)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}

	d := &Daemon{Config: cfg, Sessions: describe.NewSessions()}
	defer func() {
		if err != nil {
			d.Close()
		}
	}()

	if d.DB, err = sqlite.Open(o.dataDir); err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	d.Registry = registry.NewManager(cfg.Models.Dir, d.DB)
	d.Registry.SetMaxStorage(cfg.MaxStorageBytes())
	if err = d.Registry.Init(); err != nil {
		return nil, fmt.Errorf("init model store: %w", err)
	}

	d.Backend = o.backend
	if d.Backend == nil {
		if d.Backend, err = newBackend(ctx, cfg); err != nil {
			return nil, err
		}
	}
	d.Factory = engine.NewFactory(d.Registry, cfg.FeatureSpec(), d.Backend)
	d.Resolver = media.NewResolver(cfg.MaxImageBytes(), cfg.FetchTimeout())
	d.Resolver.SetMaxPixels(cfg.Media.MaxPixels)

	if d.Attempts, err = d.openAttempts(ctx); err != nil {
		return nil, err
	}

	d.Tracer = observability.NewTracer(observability.TracerConfig{
		Enabled:  cfg.Metrics.Tracing,
		MaxSpans: cfg.Metrics.MaxSpans,
	})

	d.Service = describe.NewService(describe.Config{
		Prompt:           cfg.Inference.Prompt,
		Temperature:      cfg.Inference.Temperature,
		MaxEdge:          cfg.Inference.MaxEdge,
		DownloadTimeout:  cfg.DownloadTimeout(),
		InferenceTimeout: cfg.InferenceTimeout(),
	}, d.Factory, d.Resolver, d.Attempts, d.Tracer)

	d.Executor = executor.New(executor.Config{MaxConcurrent: cfg.Inference.MaxConcurrent})
	d.Executor.RegisterHandler(executor.JobDescribe, executor.HandlerFunc(d.handleDescribe))
	d.Executor.RegisterHandler(executor.JobDownload, executor.HandlerFunc(d.handleReady))
	d.Executor.RegisterHandler(executor.JobWarmup, executor.HandlerFunc(d.handleReady))

	log.Printf("[daemon] backend %s, feature %s, models in %s, database %s", d.Backend.Name(), cfg.Feature.Name, cfg.Models.Dir, d.DB.Path())
	return d, nil
}

func newBackend(ctx context.Context, cfg Config) (engine.Backend, error) {
	switch cfg.Inference.Backend {
	case "gemini":
		g, err := engine.NewGemini(ctx, cfg.Gemini.APIKey, cfg.Gemini.Model)
		if err != nil {
			return nil, fmt.Errorf("gemini backend: %w", err)
		}
		log.Printf("[daemon] gemini model %s", g.Model())
		return g, nil
	default:
		return engine.NewLlava(cfg.Inference.Binary, cfg.Inference.Threads, cfg.Inference.ExtraArgs), nil
	}
}

func (d *Daemon) openAttempts(ctx context.Context) (*store.AttemptRepo, error) {
	if d.Config.Storage.Driver == "postgres" {
		db, err := store.OpenPostgres(ctx, d.Config.Storage.DSN)
		if err != nil {
			return nil, fmt.Errorf("attempt store: %w", err)
		}
		d.attemptsDB = db
		return store.NewAttemptRepo(ctx, db, store.Postgres)
	}
	return store.NewAttemptRepo(ctx, d.DB.SQL(), store.SQLite)
}

// ─── Lifecycle ──────────────────────────────────────────────────────────────

// Start launches background work: the startup warmup when enabled, the
// attempt pruner when a retention is set and the idle session sweeper.
func (d *Daemon) Start(ctx context.Context) {
	ctx, d.stop = context.WithCancel(ctx)
	d.done = make(chan struct{})

	if d.Config.Inference.Warmup {
		if _, err := d.Executor.Submit(ctx, executor.Job{Kind: executor.JobWarmup}); err != nil {
			log.Printf("[daemon] warmup not scheduled: %v", err)
		}
	}

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		d.pruneLoop(ctx, d.Config.Retention(), time.Hour)
	}()
	go func() {
		defer wg.Done()
		d.sweepLoop(ctx, d.Config.SessionIdle())
	}()
	go func() {
		wg.Wait()
		close(d.done)
	}()
}

// sweepLoop drops API sessions unused for idle. It checks every idle/4,
// at least once a minute.
func (d *Daemon) sweepLoop(ctx context.Context, idle time.Duration) {
	if idle <= 0 {
		return
	}
	interval := idle / 4
	if interval > time.Minute || interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			d.sweep(idle)
		}
	}
}

func (d *Daemon) sweep(idle time.Duration) {
	if n := d.Sessions.Evict(idle); n > 0 {
		log.Printf("[daemon] dropped %d sessions idle for %s", n, idle)
	}
}

// pruneLoop deletes attempts older than retention every interval.
func (d *Daemon) pruneLoop(ctx context.Context, retention, interval time.Duration) {
	if retention <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		d.prune(ctx, retention)
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (d *Daemon) prune(ctx context.Context, retention time.Duration) {
	n, err := d.Attempts.Prune(ctx, time.Now().Add(-retention))
	if err != nil {
		log.Printf("[daemon] prune attempts: %v", err)
		return
	}
	if n > 0 {
		log.Printf("[daemon] pruned %d attempts older than %s", n, retention)
	}
}

// Close stops background work, waits briefly for running jobs and releases
// every resource. It is safe on a partially built Daemon.
func (d *Daemon) Close() error {
	if d.stop != nil {
		d.stop()
		<-d.done
	}
	if d.Executor != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		if err := d.Executor.Wait(ctx); err != nil {
			log.Printf("[daemon] jobs still running at shutdown: %v", err)
		}
		cancel()
	}
	if d.Registry != nil {
		d.Registry.Close()
	}
	if c, ok := d.Backend.(io.Closer); ok {
		c.Close()
	}
	if d.attemptsDB != nil {
		d.attemptsDB.Close()
	}
	if d.DB != nil {
		return d.DB.Close()
	}
	return nil
}

// ─── Job handlers ───────────────────────────────────────────────────────────

// handleDescribe picks job.Payload (when set) in the job's session and
// describes the session's selection. Notices go to the session's notifier.
func (d *Daemon) handleDescribe(ctx context.Context, job executor.Job) error {
	sess := d.Sessions.Get(job.SessionID, nil)
	if job.Payload != "" {
		sess.Select(job.Payload)
	}
	_, err := d.Service.DescribeSelection(ctx, sess)
	return err
}

// handleReady makes the feature available without describing anything.
func (d *Daemon) handleReady(ctx context.Context, job executor.Job) error {
	var n domain.Notifier
	if job.SessionID != "" {
		n = d.Sessions.Get(job.SessionID, nil).Notifier()
	}
	_, err := d.Service.Warmup(ctx, n)
	return err
}
