// Package executor runs background jobs with a concurrency cap: the bot's
// description requests, feature downloads and the startup warm-up. Surfaces
// submit and return at once; handlers report to users through notifiers.
package executor

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"
)

// ErrAtCapacity is returned by Submit when every slot is taken.
var ErrAtCapacity = errors.New("executor at capacity")

// JobKind selects the handler for a job.
type JobKind string

const (
	JobDescribe JobKind = "describe"
	JobDownload JobKind = "download"
	JobWarmup   JobKind = "warmup"
	JobPick     JobKind = "pick" // Payload is the locator
)

// Job is one unit of background work.
type Job struct {
	ID        string
	Kind      JobKind
	SessionID string
	Payload   string // kind-specific, e.g. a locator
}

// Handler executes jobs of one kind.
type Handler interface {
	Handle(ctx context.Context, job Job) error
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context, job Job) error

// Handle calls f(ctx, job).
func (f HandlerFunc) Handle(ctx context.Context, job Job) error { return f(ctx, job) }

// Config controls executor behavior.
type Config struct {
	MaxConcurrent  int           // Maximum concurrent jobs (default: 4)
	DefaultTimeout time.Duration // Per-job timeout, 0 = none
}

// DefaultConfig returns safe executor defaults.
func DefaultConfig() Config {
	return Config{
		MaxConcurrent:  4,
		DefaultTimeout: 0,
	}
}

// Executor manages background job execution.
type Executor struct {
	mu        sync.RWMutex
	config    Config
	handlers  map[JobKind]Handler
	sem       chan struct{} // Concurrency semaphore
	wg        sync.WaitGroup
	active    int
	completed int64
	failed    int64
}

// New creates an executor.
func New(cfg Config) *Executor {
	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = DefaultConfig().MaxConcurrent
	}
	return &Executor{
		config:   cfg,
		handlers: make(map[JobKind]Handler),
		sem:      make(chan struct{}, cfg.MaxConcurrent),
	}
}

// RegisterHandler registers the handler for a job kind.
func (e *Executor) RegisterHandler(kind JobKind, h Handler) {
	e.mu.Lock()
	e.handlers[kind] = h
	e.mu.Unlock()
}

// Submit starts job in the background and returns its ID. ctx bounds the
// job's run, not the call.
func (e *Executor) Submit(ctx context.Context, job Job) (string, error) {
	// Check concurrency limit
	select {
	case e.sem <- struct{}{}:
		// Got a slot
	default:
		return "", fmt.Errorf("%w (%d concurrent jobs)", ErrAtCapacity, e.config.MaxConcurrent)
	}

	if job.ID == "" {
		job.ID = uuid.NewString()
	}

	e.mu.Lock()
	e.active++
	e.mu.Unlock()

	e.wg.Add(1)
	go e.execute(ctx, job)

	return job.ID, nil
}

// execute runs a job and releases its slot.
func (e *Executor) execute(ctx context.Context, job Job) {
	defer e.wg.Done()
	defer func() { <-e.sem }() // Release concurrency slot
	defer func() {
		e.mu.Lock()
		e.active--
		e.mu.Unlock()
	}()

	e.mu.RLock()
	h, ok := e.handlers[job.Kind]
	e.mu.RUnlock()
	if !ok {
		e.fail(job, fmt.Errorf("no handler for job kind %q", job.Kind))
		return
	}

	if e.config.DefaultTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.config.DefaultTimeout)
		defer cancel()
	}

	start := time.Now()
	if err := h.Handle(ctx, job); err != nil {
		e.fail(job, err)
		return
	}

	log.Printf("[executor] job %s (%s) completed in %s", job.ID, job.Kind, time.Since(start).Round(time.Millisecond))
	e.mu.Lock()
	e.completed++
	e.mu.Unlock()
}

func (e *Executor) fail(job Job, err error) {
	log.Printf("[executor] job %s (%s) failed: %v", job.ID, job.Kind, err)
	e.mu.Lock()
	e.failed++
	e.mu.Unlock()
}

// Wait blocks until every submitted job has returned or ctx ends.
func (e *Executor) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		e.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Stats returns executor statistics.
type Stats struct {
	Active    int   `json:"active"`
	Completed int64 `json:"completed"`
	Failed    int64 `json:"failed"`
	MaxSlots  int   `json:"max_slots"`
	FreeSlots int   `json:"free_slots"`
}

// Stats returns current executor statistics.
func (e *Executor) Stats() Stats {
	e.mu.RLock()
	defer e.mu.RUnlock()

	return Stats{
		Active:    e.active,
		Completed: e.completed,
		Failed:    e.failed,
		MaxSlots:  e.config.MaxConcurrent,
		FreeSlots: e.config.MaxConcurrent - e.active,
	}
}
