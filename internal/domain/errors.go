package domain

import "errors"

// ─── Sentinel Errors ────────────────────────────────────────────────────────
// Domain errors are pure, with no infrastructure dependency.

var (
	// Image acquisition errors. All of them mean "no image available".
	ErrNoImage         = errors.New("no image selected")
	ErrImageUnreadable = errors.New("image could not be read")
	ErrImageDecode     = errors.New("image could not be decoded")
	ErrNotImage        = errors.New("selected content is not an image")
	ErrImageTooLarge   = errors.New("image exceeds size limit")

	// Feature errors
	ErrModelNotFound   = errors.New("model not found")
	ErrModelCorrupted  = errors.New("model integrity check failed")
	ErrDigestMismatch  = errors.New("downloaded blob digest mismatch")
	ErrDownloadFailed  = errors.New("feature download failed")
	ErrNoDownload      = errors.New("no download in progress")
	ErrNoLayers        = errors.New("feature declares no layers")
	ErrFeatureNotReady = errors.New("feature is not ready")
	ErrStorageFull     = errors.New("model storage limit reached")

	// Inference errors
	ErrInferenceFailed = errors.New("inference failed")
	ErrClientClosed    = errors.New("feature client is closed")
	ErrBusy            = errors.New("a description is already in progress")

	// Configuration errors
	ErrMissingAPIKey  = errors.New("API key is not configured")
	ErrUnknownBackend = errors.New("unknown inference backend")
	ErrUnknownDriver  = errors.New("unknown storage driver")
)

// IsNoImage reports whether err means "no image available", which callers
// treat as a no-op rather than a failure.
func IsNoImage(err error) bool {
	return errors.Is(err, ErrNoImage) ||
		errors.Is(err, ErrImageUnreadable) ||
		errors.Is(err, ErrImageDecode) ||
		errors.Is(err, ErrNotImage) ||
		errors.Is(err, ErrImageTooLarge)
}
