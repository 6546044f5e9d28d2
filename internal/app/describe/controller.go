package describe

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/gennino/gennino/internal/domain"
	"github.com/gennino/gennino/internal/infra/observability"
)

// Controller gates inference on feature readiness.
type Controller struct {
	// DownloadTimeout bounds a download or a wait for one; 0 means none.
	DownloadTimeout time.Duration
	Tracer          *observability.Tracer
}

// EnsureReady resolves the feature status and, when needed, downloads the
// feature or waits for the running download. It returns how the feature
// became ready. Download failures are reported to n and never retried.
func (c *Controller) EnsureReady(ctx context.Context, client domain.FeatureClient, n domain.Notifier) (domain.ReadyPath, error) {
	sctx, span := c.Tracer.StartSpan(ctx, "feature.status", nil)
	st, err := client.CheckStatus(sctx)
	c.Tracer.EndSpan(span, err)
	if err != nil {
		return domain.PathNone, fmt.Errorf("check feature status: %w", err)
	}
	observability.FeatureStatusChecks.WithLabelValues(st.String()).Inc()

	switch st {
	case domain.StatusAvailable:
		return domain.PathAvailable, nil

	case domain.StatusDownloadable:
		err := c.download(ctx, client)
		if err != nil {
			return domain.PathNone, c.downloadFailed(ctx, n, err)
		}
		return domain.PathDownloaded, nil

	case domain.StatusDownloading:
		log.Printf("[describe] feature download in progress, waiting")
		err := c.await(ctx, client)
		if err != nil {
			return domain.PathNone, c.downloadFailed(ctx, n, err)
		}
		return domain.PathWaited, nil
	}
	return domain.PathNone, fmt.Errorf("unexpected feature status %s", st)
}

func (c *Controller) download(ctx context.Context, client domain.FeatureClient) error {
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()
	ctx, span := c.Tracer.StartSpan(ctx, "feature.download", nil)

	cb := newDownloadWaiter()
	err := client.Download(ctx, cb)
	if err == nil {
		err = cb.wait(ctx)
	}
	c.Tracer.EndSpan(span, err)
	return err
}

func (c *Controller) await(ctx context.Context, client domain.FeatureClient) error {
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()
	ctx, span := c.Tracer.StartSpan(ctx, "feature.await", nil)
	err := client.AwaitDownload(ctx)
	c.Tracer.EndSpan(span, err)
	return err
}

func (c *Controller) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if c.DownloadTimeout > 0 {
		return context.WithTimeout(ctx, c.DownloadTimeout)
	}
	return context.WithCancel(ctx)
}

// downloadFailed notifies the user unless the caller went away.
func (c *Controller) downloadFailed(ctx context.Context, n domain.Notifier, err error) error {
	if ctx.Err() != nil {
		return ctx.Err()
	}
	log.Printf("[describe] download failed: %v", err)
	n.Notify(domain.Notice{Kind: domain.NoticeError, Text: "Download failed: " + err.Error()})
	return fmt.Errorf("%w: %v", domain.ErrDownloadFailed, err)
}

// ─── Download callback ──────────────────────────────────────────────────────

// downloadWaiter turns download callbacks into a blocking wait. Start and
// progress events are advisory: they are logged and counted only.
type downloadWaiter struct {
	done chan error
	once sync.Once

	mu         sync.Mutex
	total      int64
	downloaded int64
	nextLog    int64
}

func newDownloadWaiter() *downloadWaiter {
	return &downloadWaiter{done: make(chan error, 1)}
}

func (w *downloadWaiter) OnStarted(totalBytes int64) {
	w.mu.Lock()
	w.total = totalBytes
	w.nextLog = logStep(totalBytes)
	w.mu.Unlock()
	if totalBytes < 0 {
		log.Printf("[describe] download started (size unknown)")
		return
	}
	log.Printf("[describe] download started: %s", domain.HumanSize(totalBytes))
}

func (w *downloadWaiter) OnProgress(downloadedBytes int64) {
	w.mu.Lock()
	delta := downloadedBytes - w.downloaded
	w.downloaded = downloadedBytes
	report := downloadedBytes >= w.nextLog
	if report {
		w.nextLog = downloadedBytes + logStep(w.total)
	}
	total := w.total
	w.mu.Unlock()

	if delta > 0 {
		observability.DownloadBytes.Add(float64(delta))
	}
	if report {
		if total > 0 {
			log.Printf("[describe] downloaded %s / %s (%.0f%%)",
				domain.HumanSize(downloadedBytes), domain.HumanSize(total), 100*float64(downloadedBytes)/float64(total))
		} else {
			log.Printf("[describe] downloaded %s", domain.HumanSize(downloadedBytes))
		}
	}
}

func (w *downloadWaiter) OnCompleted() {
	w.once.Do(func() {
		observability.Downloads.WithLabelValues("completed").Inc()
		log.Printf("[describe] download completed")
		w.done <- nil
	})
}

func (w *downloadWaiter) OnFailed(err error) {
	w.once.Do(func() {
		observability.Downloads.WithLabelValues("failed").Inc()
		if err == nil {
			err = domain.ErrDownloadFailed
		}
		w.done <- err
	})
}

func (w *downloadWaiter) wait(ctx context.Context) error {
	select {
	case err := <-w.done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// logStep spaces progress logs at 10% of the total, or 16 MiB when the
// total is unknown.
func logStep(total int64) int64 {
	if total > 0 {
		return max(total/10, 1)
	}
	return 16 << 20
}
