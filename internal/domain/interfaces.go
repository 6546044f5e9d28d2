package domain

import "context"

// ─── Service Interfaces ─────────────────────────────────────────────────────
// These interfaces define boundaries between layers.
// Infrastructure implements them; application layer depends on them.

// DownloadCallback receives download lifecycle events. Started and Progress
// are advisory; only Completed and Failed carry control flow.
type DownloadCallback interface {
	OnStarted(totalBytes int64)
	OnProgress(downloadedBytes int64)
	OnCompleted()
	OnFailed(err error)
}

// FeatureClient is the on-device image-description model client.
// A client is scoped to one request: once closed it refuses further work.
type FeatureClient interface {
	// CheckStatus reports whether the feature is installed.
	CheckStatus(ctx context.Context) (FeatureStatus, error)

	// Download starts fetching the feature and returns once it has started.
	// Outcome is delivered through cb.
	Download(ctx context.Context, cb DownloadCallback) error

	// AwaitDownload blocks until an in-flight download ends.
	AwaitDownload(ctx context.Context) error

	// RunInference streams description fragments to onPartial as they are
	// generated and returns when generation ends.
	RunInference(ctx context.Context, req DescriptionRequest, onPartial func(text string)) error

	// Backend names the inference backend behind the client.
	Backend() string

	Close() error
}

// ClientFactory opens a fresh FeatureClient per request.
type ClientFactory interface {
	Open(ctx context.Context) (FeatureClient, error)
}

// Notifier surfaces transient notices to the user.
type Notifier interface {
	Notify(n Notice)
}

// NotifierFunc adapts a function to Notifier.
type NotifierFunc func(Notice)

// Notify calls f(n).
func (f NotifierFunc) Notify(n Notice) { f(n) }

// ModelStore abstracts persistent model metadata storage.
type ModelStore interface {
	UpsertModel(info ModelInfo) error
	GetModel(name string) (*ModelInfo, error)
	ListModels() ([]ModelInfo, error)
	DeleteModel(name string) error
	TouchModel(name string) error // Update last_used
}

// AttemptStore persists description attempt history.
type AttemptStore interface {
	RecordAttempt(ctx context.Context, a Attempt) error
	RecentAttempts(ctx context.Context, limit int) ([]Attempt, error)
}
