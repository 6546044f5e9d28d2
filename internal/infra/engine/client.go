// Package engine implements the image-description feature client: status,
// download and streaming inference over the local model registry and an
// inference backend.
package engine

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"

	"github.com/gennino/gennino/internal/domain"
	"github.com/gennino/gennino/internal/infra/registry"
)

// DefaultPrompt is sent when a request carries no prompt.
const DefaultPrompt = "Describe this image in a few sentences."

// DefaultTemperature is used when a request leaves it at zero.
const DefaultTemperature = 0.1

// Backend runs one inference. Local backends read the feature's blobs from
// the registry; remote ones ignore the bundle.
type Backend interface {
	Name() string
	Local() bool
	Generate(ctx context.Context, b registry.Bundle, req domain.DescriptionRequest, onPartial func(string)) error
}

// ─── Factory ────────────────────────────────────────────────────────────────

// Factory opens request-scoped clients that share one registry and backend.
type Factory struct {
	reg     *registry.Manager
	spec    domain.FeatureSpec
	backend Backend
}

var _ domain.ClientFactory = (*Factory)(nil)

// NewFactory creates a Factory. reg may be nil for remote backends.
func NewFactory(reg *registry.Manager, spec domain.FeatureSpec, backend Backend) *Factory {
	return &Factory{reg: reg, spec: spec, backend: backend}
}

// Open returns a fresh client. Closing it never affects other clients.
func (f *Factory) Open(ctx context.Context) (domain.FeatureClient, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	c := &Client{spec: f.spec, backend: f.backend}
	if f.backend.Local() {
		c.reg = f.reg
	}
	return c, nil
}

// Backend returns the backend name.
func (f *Factory) Backend() string { return f.backend.Name() }

// FeatureName returns the name of the feature served by this factory.
func (f *Factory) FeatureName() string { return f.spec.Name }

// ─── Client ─────────────────────────────────────────────────────────────────

// Client is a request-scoped domain.FeatureClient.
type Client struct {
	reg     *registry.Manager // nil when the backend needs no local blobs
	spec    domain.FeatureSpec
	backend Backend
	closed  atomic.Bool
}

var _ domain.FeatureClient = (*Client)(nil)

// Backend returns the backend name.
func (c *Client) Backend() string { return c.backend.Name() }

// CheckStatus queries the registry on every call.
func (c *Client) CheckStatus(ctx context.Context) (domain.FeatureStatus, error) {
	if c.closed.Load() {
		return domain.StatusDownloadable, domain.ErrClientClosed
	}
	if c.reg == nil {
		return domain.StatusAvailable, nil
	}
	return c.reg.Status(c.spec.Name)
}

// Download starts pulling the feature in the background and returns.
// The outcome is reported through cb exactly once.
func (c *Client) Download(ctx context.Context, cb domain.DownloadCallback) error {
	if c.closed.Load() {
		return domain.ErrClientClosed
	}
	if c.reg == nil {
		cb.OnCompleted()
		return nil
	}
	if len(c.spec.Layers) == 0 {
		return fmt.Errorf("feature %s: %w", c.spec.Name, domain.ErrNoLayers)
	}

	go func() {
		err := c.reg.Pull(ctx, c.spec, registry.ProgressFunc{
			Started:  cb.OnStarted,
			Progress: cb.OnProgress,
		})
		if err != nil {
			cb.OnFailed(err)
			return
		}
		cb.OnCompleted()
	}()
	return nil
}

// AwaitDownload blocks until the in-flight pull ends. When the pull already
// finished, the current status decides the result.
func (c *Client) AwaitDownload(ctx context.Context) error {
	if c.closed.Load() {
		return domain.ErrClientClosed
	}
	if c.reg == nil {
		return nil
	}
	err := c.reg.Wait(ctx, c.spec.Name)
	switch {
	case err == nil:
		return nil
	case errors.Is(err, domain.ErrNoDownload):
		st, serr := c.reg.Status(c.spec.Name)
		if serr != nil {
			return serr
		}
		if st == domain.StatusAvailable {
			return nil
		}
		return fmt.Errorf("%s is %s: %w", c.spec.Name, st, domain.ErrDownloadFailed)
	case ctx.Err() != nil:
		return err
	default:
		return fmt.Errorf("%v: %w", err, domain.ErrDownloadFailed)
	}
}

// RunInference streams description fragments to onPartial.
func (c *Client) RunInference(ctx context.Context, req domain.DescriptionRequest, onPartial func(string)) error {
	if c.closed.Load() {
		return domain.ErrClientClosed
	}
	if req.Image == nil || req.Image.Image == nil {
		return domain.ErrNoImage
	}
	if req.Prompt == "" {
		req.Prompt = DefaultPrompt
	}
	if req.Temperature == 0 {
		req.Temperature = DefaultTemperature
	}

	var bundle registry.Bundle
	if c.reg != nil {
		b, err := c.reg.Resolve(c.spec.Name)
		if err != nil {
			return fmt.Errorf("%v: %w", err, domain.ErrFeatureNotReady)
		}
		bundle = b
	}
	return c.backend.Generate(ctx, bundle, req, onPartial)
}

// Close releases the client. Later calls return domain.ErrClientClosed.
func (c *Client) Close() error {
	if !c.closed.CompareAndSwap(false, true) {
		return domain.ErrClientClosed
	}
	return nil
}
