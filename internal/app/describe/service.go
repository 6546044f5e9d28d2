// Package describe is the description pipeline: pick state per session, the
// feature availability gate, and the orchestrator that runs one inference
// per request and streams its text to the user.
package describe

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/gennino/gennino/internal/domain"
	"github.com/gennino/gennino/internal/infra/media"
	"github.com/gennino/gennino/internal/infra/observability"
)

// BusyMessage is shown when a session already has a request in flight.
const BusyMessage = "A description is already in progress"

// Config tunes the orchestrator.
type Config struct {
	Prompt           string
	Temperature      float32
	MaxEdge          int           // longest image edge sent to the model, 0 = unchanged
	DownloadTimeout  time.Duration // 0 = none
	InferenceTimeout time.Duration // 0 = none
}

// Service orchestrates description requests.
type Service struct {
	cfg        Config
	factory    domain.ClientFactory
	controller *Controller
	resolver   *media.Resolver
	attempts   domain.AttemptStore // optional
	tracer     *observability.Tracer
}

// NewService wires the orchestrator. attempts and tracer may be nil.
func NewService(cfg Config, factory domain.ClientFactory, resolver *media.Resolver, attempts domain.AttemptStore, tracer *observability.Tracer) *Service {
	return &Service{
		cfg:        cfg,
		factory:    factory,
		controller: &Controller{DownloadTimeout: cfg.DownloadTimeout, Tracer: tracer},
		resolver:   resolver,
		attempts:   attempts,
		tracer:     tracer,
	}
}

// Resolver returns the content resolver used for selections.
func (s *Service) Resolver() *media.Resolver { return s.resolver }

// Load resolves and decodes locator with the service's size limits.
func (s *Service) Load(ctx context.Context, locator string) (*domain.DecodedImage, error) {
	return media.Load(ctx, s.resolver, locator, s.cfg.MaxEdge)
}

// Decode decodes an uploaded image with the service's size limits.
func (s *Service) Decode(r io.Reader) (*domain.DecodedImage, error) {
	return media.Decode(r, s.cfg.MaxEdge, s.resolver.MaxBytes(), s.resolver.MaxPixels())
}

// ─── Describe ───────────────────────────────────────────────────────────────

// Describe runs one description of img for sess and returns the full text.
// A nil image is a no-op. Fragments are delivered to the session's notifier
// as they arrive, followed by a done notice.
func (s *Service) Describe(ctx context.Context, sess *Session, img *domain.DecodedImage) (string, error) {
	if img == nil {
		return "", nil
	}
	n := sess.notifierFor(ctx)

	attempt := domain.Attempt{
		ID:          uuid.NewString(),
		SessionID:   sess.ID,
		ImageDigest: img.Digest,
		StartedAt:   time.Now(),
	}

	if !sess.tryAcquire() {
		n.Notify(domain.Notice{Kind: domain.NoticeInfo, Text: BusyMessage})
		attempt.Outcome = domain.OutcomeBusy
		s.finish(ctx, &attempt, domain.ErrBusy)
		return "", domain.ErrBusy
	}
	defer sess.release()

	observability.DescribeInFlight.Inc()
	defer observability.DescribeInFlight.Dec()

	ctx, span := s.tracer.StartSpan(ctx, "describe", map[string]string{
		"session": sess.ID,
		"image":   img.Digest,
	})

	text, err := s.run(ctx, &attempt, img, n)
	s.tracer.EndSpan(span, err)
	s.finish(ctx, &attempt, err)
	return text, err
}

// run holds one scoped feature client for the whole request.
func (s *Service) run(ctx context.Context, attempt *domain.Attempt, img *domain.DecodedImage, n domain.Notifier) (string, error) {
	client, err := s.factory.Open(ctx)
	if err != nil {
		attempt.Outcome = domain.OutcomeStatusFailed
		return "", fmt.Errorf("open feature client: %w", err)
	}
	defer func() {
		if cerr := client.Close(); cerr != nil {
			log.Printf("[describe] close client: %v", cerr)
		}
	}()
	attempt.Backend = client.Backend()

	path, err := s.controller.EnsureReady(ctx, client, n)
	attempt.Path = path
	if err != nil {
		switch {
		case ctx.Err() != nil:
			attempt.Outcome = domain.OutcomeCanceled
		case errors.Is(err, domain.ErrDownloadFailed):
			attempt.Outcome = domain.OutcomeDownloadFailed
		default:
			attempt.Outcome = domain.OutcomeStatusFailed
		}
		return "", err
	}

	req := domain.DescriptionRequest{
		Image:       img,
		Prompt:      s.cfg.Prompt,
		Temperature: s.cfg.Temperature,
	}

	ictx, cancel := s.inferenceContext(ctx)
	defer cancel()
	ictx, ispan := s.tracer.StartSpan(ictx, "inference", map[string]string{"backend": attempt.Backend})

	var sb strings.Builder
	start := time.Now()
	err = client.RunInference(ictx, req, func(fragment string) {
		if fragment == "" {
			return
		}
		sb.WriteString(fragment)
		attempt.Fragments++
		observability.DescribeFragments.Inc()
		n.Notify(domain.Notice{Kind: domain.NoticeFragment, Text: fragment})
	})
	observability.InferenceDuration.WithLabelValues(attempt.Backend).Observe(time.Since(start).Seconds())
	s.tracer.EndSpan(ispan, err)

	if err != nil {
		if ctx.Err() != nil {
			attempt.Outcome = domain.OutcomeCanceled
			return "", ctx.Err()
		}
		attempt.Outcome = domain.OutcomeInferenceFailed
		log.Printf("[describe] inference failed (trace %s): %v", observability.TraceID(ictx), err)
		n.Notify(domain.Notice{Kind: domain.NoticeError, Text: "Description failed: " + err.Error()})
		return "", fmt.Errorf("%w: %v", domain.ErrInferenceFailed, err)
	}

	text := strings.TrimSpace(sb.String())
	attempt.Outcome = domain.OutcomeDescribed
	n.Notify(domain.Notice{Kind: domain.NoticeDone, Text: text})
	return text, nil
}

func (s *Service) inferenceContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if s.cfg.InferenceTimeout > 0 {
		return context.WithTimeout(ctx, s.cfg.InferenceTimeout)
	}
	return context.WithCancel(ctx)
}

// finish records the attempt. Store failures are logged and never fail the
// request.
func (s *Service) finish(ctx context.Context, a *domain.Attempt, err error) {
	a.Duration = time.Since(a.StartedAt)
	if err != nil && a.Error == "" {
		a.Error = err.Error()
	}
	observability.DescribeRequests.WithLabelValues(string(a.Outcome)).Inc()

	if s.attempts == nil {
		return
	}
	rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if rerr := s.attempts.RecordAttempt(rctx, *a); rerr != nil {
		log.Printf("[describe] record attempt %s: %v", a.ID, rerr)
	}
}

// ─── Selection flow ─────────────────────────────────────────────────────────

// DescribeSelection decodes the session's current pick and describes it.
// A missing or unreadable image is logged and returned as a domain image
// error; no client is opened for it.
func (s *Service) DescribeSelection(ctx context.Context, sess *Session) (string, error) {
	sel, ok := sess.Selected()
	if !ok {
		log.Printf("[describe] session %s: no image selected", sess.ID)
		return "", domain.ErrNoImage
	}

	img, err := s.Load(ctx, sel.Locator)
	if err != nil {
		log.Printf("[describe] session %s: load image: %v", sess.ID, err)
		a := domain.Attempt{
			ID:        uuid.NewString(),
			SessionID: sess.ID,
			Outcome:   domain.OutcomeNoImage,
			StartedAt: time.Now(),
		}
		s.finish(ctx, &a, err)
		return "", err
	}
	return s.Describe(ctx, sess, img)
}

// ─── Feature management ─────────────────────────────────────────────────────

// Warmup primes the feature at startup: it queries the status and, when the
// feature is downloadable, downloads it. It never runs inference.
func (s *Service) Warmup(ctx context.Context, n domain.Notifier) (domain.ReadyPath, error) {
	if n == nil {
		n = domain.NotifierFunc(func(x domain.Notice) { log.Printf("[describe] warmup: %s", x.Text) })
	}
	client, err := s.factory.Open(ctx)
	if err != nil {
		return domain.PathNone, err
	}
	defer client.Close()

	path, err := s.controller.EnsureReady(ctx, client, n)
	if err != nil {
		return path, err
	}
	log.Printf("[describe] warmup: feature ready (%s, backend %s)", path, client.Backend())
	return path, nil
}

// Status queries the live feature status.
func (s *Service) Status(ctx context.Context) (domain.FeatureStatus, error) {
	client, err := s.factory.Open(ctx)
	if err != nil {
		return domain.StatusDownloadable, err
	}
	defer client.Close()
	st, err := client.CheckStatus(ctx)
	if err == nil {
		observability.FeatureStatusChecks.WithLabelValues(st.String()).Inc()
	}
	return st, err
}

// StartDownload begins a download in the background when the feature is
// downloadable and returns the status observed before starting. The client
// stays open until the download ends; ctx must outlive the request that
// asked for it.
func (s *Service) StartDownload(ctx context.Context) (domain.FeatureStatus, error) {
	client, err := s.factory.Open(ctx)
	if err != nil {
		return domain.StatusDownloadable, err
	}
	st, err := client.CheckStatus(ctx)
	if err != nil || st != domain.StatusDownloadable {
		client.Close()
		return st, err
	}

	cb := newDownloadWaiter()
	if err := client.Download(ctx, cb); err != nil {
		client.Close()
		return st, err
	}
	go func() {
		defer client.Close()
		if err := cb.wait(ctx); err != nil {
			log.Printf("[describe] background download failed: %v", err)
		}
	}()
	return st, nil
}
