// Package domain contains pure business types with ZERO infrastructure imports.
// It is the innermost ring of the architecture and depends on nothing
// outside the standard library.
package domain

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"image"
	"strings"
	"time"
)

// ─── Feature Status ─────────────────────────────────────────────────────────

// FeatureStatus is the readiness of the image-description model.
// It is a live query result and is never cached by callers.
type FeatureStatus int

const (
	// StatusDownloadable means the feature is not installed but can be fetched.
	StatusDownloadable FeatureStatus = iota
	// StatusDownloading means a download is in flight.
	StatusDownloading
	// StatusAvailable means inference can run now.
	StatusAvailable
)

// String returns the wire name of the status.
func (s FeatureStatus) String() string {
	switch s {
	case StatusDownloadable:
		return "downloadable"
	case StatusDownloading:
		return "downloading"
	case StatusAvailable:
		return "available"
	default:
		return fmt.Sprintf("unknown(%d)", int(s))
	}
}

// MarshalText implements encoding.TextMarshaler so JSON shows the name.
func (s FeatureStatus) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// ─── Model Types ────────────────────────────────────────────────────────────

// Media types of the blobs that make up an image-description feature.
const (
	MediaTypeManifest  = "application/vnd.gennino.manifest.v1+json"
	MediaTypeWeights   = "application/vnd.gennino.model"
	MediaTypeProjector = "application/vnd.gennino.projector"
)

// ModelInfo represents a locally installed feature model.
type ModelInfo struct {
	Name      string    `json:"name"`
	Digest    string    `json:"digest"`
	SizeBytes int64     `json:"size_bytes"`
	Format    string    `json:"format"`
	PulledAt  time.Time `json:"pulled_at"`
	LastUsed  time.Time `json:"last_used"`
}

// Manifest describes a model's layers in OCI-like content-addressed format.
type Manifest struct {
	SchemaVersion int     `json:"schemaVersion"`
	MediaType     string  `json:"mediaType"`
	Layers        []Layer `json:"layers"`
}

// Layer is a content-addressed blob in the model store.
type Layer struct {
	MediaType string `json:"mediaType"`
	Digest    string `json:"digest"`
	Size      int64  `json:"size"`
}

// TotalSize returns sum of all layer sizes in bytes.
func (m *Manifest) TotalSize() int64 {
	var total int64
	for _, l := range m.Layers {
		total += l.Size
	}
	return total
}

// Layer returns the first layer with the given media type.
func (m *Manifest) Layer(mediaType string) (Layer, bool) {
	for _, l := range m.Layers {
		if l.MediaType == mediaType {
			return l, true
		}
	}
	return Layer{}, false
}

// ModelRef is a parsed model reference (namespace/name:tag).
type ModelRef struct {
	Namespace string
	Name      string
	Tag       string
}

// String formats the model reference.
func (r ModelRef) String() string {
	s := r.Name
	if r.Namespace != "" && r.Namespace != "library" {
		s = r.Namespace + "/" + s
	}
	if r.Tag != "" && r.Tag != "latest" {
		s += ":" + r.Tag
	}
	return s
}

// ParseRef parses a "namespace/name:tag" string into a ModelRef.
func ParseRef(s string) ModelRef {
	var ref ModelRef
	if i := strings.LastIndex(s, "/"); i >= 0 {
		ref.Namespace = s[:i]
		s = s[i+1:]
	}
	parts := strings.SplitN(s, ":", 2)
	ref.Name = parts[0]
	ref.Tag = "latest"
	if len(parts) == 2 && parts[1] != "" {
		ref.Tag = parts[1]
	}
	return ref
}

// BlobSource says where one layer of a feature is fetched from.
type BlobSource struct {
	URL       string `json:"url" toml:"url"`
	Digest    string `json:"digest,omitempty" toml:"digest"` // "sha256:<hex>", empty = trust the source
	MediaType string `json:"media_type" toml:"media_type"`
}

// FeatureSpec declares an installable image-description feature.
type FeatureSpec struct {
	Name   string
	Layers []BlobSource
}

// ─── Image Types ────────────────────────────────────────────────────────────

// DecodedImage is an in-memory pixel buffer built from a picked image.
// It belongs to the request that decoded it and is never cached.
type DecodedImage struct {
	Image  image.Image
	Format string // "jpeg", "png", "gif", "webp"
	Width  int
	Height int
	Digest string // sha256 of the source bytes
}

// DescriptionRequest is one inference submission.
type DescriptionRequest struct {
	Image       *DecodedImage
	Prompt      string
	Temperature float32
}

// ─── Notices ────────────────────────────────────────────────────────────────

// NoticeKind classifies a user-visible notification.
type NoticeKind string

const (
	NoticeInfo     NoticeKind = "info"
	NoticeFragment NoticeKind = "fragment"
	NoticeDone     NoticeKind = "done"
	NoticeError    NoticeKind = "error"
)

// Notice is a transient message surfaced to the user (the "toast").
type Notice struct {
	Kind NoticeKind `json:"kind"`
	Text string     `json:"text"`
}

// ─── Attempt History ────────────────────────────────────────────────────────

// ReadyPath records how the feature became ready for an attempt.
type ReadyPath string

const (
	PathNone       ReadyPath = ""
	PathAvailable  ReadyPath = "available"
	PathDownloaded ReadyPath = "downloaded"
	PathWaited     ReadyPath = "waited"
)

// Outcome is the terminal state of a description attempt.
type Outcome string

const (
	OutcomeDescribed       Outcome = "described"
	OutcomeNoImage         Outcome = "no_image"
	OutcomeDownloadFailed  Outcome = "download_failed"
	OutcomeInferenceFailed Outcome = "inference_failed"
	OutcomeStatusFailed    Outcome = "status_failed"
	OutcomeBusy            Outcome = "busy"
	OutcomeCanceled        Outcome = "canceled"
)

// Attempt is one row of description history. The generated text is
// deliberately absent.
type Attempt struct {
	ID          string        `json:"id"`
	SessionID   string        `json:"session_id"`
	ImageDigest string        `json:"image_digest,omitempty"`
	Backend     string        `json:"backend"`
	Path        ReadyPath     `json:"path,omitempty"`
	Outcome     Outcome       `json:"outcome"`
	Fragments   int           `json:"fragments"`
	StartedAt   time.Time     `json:"started_at"`
	Duration    time.Duration `json:"duration_ns"`
	Error       string        `json:"error,omitempty"`
}

// ─── Utilities ──────────────────────────────────────────────────────────────

// SHA256Hex computes SHA-256 hash and returns hex string.
func SHA256Hex(data []byte) string {
	h := sha256.Sum256(data)
	return hex.EncodeToString(h[:])
}

// HumanSize formats bytes into human-readable string.
func HumanSize(b int64) string {
	const (
		KB = 1024
		MB = KB * 1024
		GB = MB * 1024
		TB = GB * 1024
	)
	switch {
	case b >= TB:
		return fmt.Sprintf("%.1f TB", float64(b)/float64(TB))
	case b >= GB:
		return fmt.Sprintf("%.1f GB", float64(b)/float64(GB))
	case b >= MB:
		return fmt.Sprintf("%.1f MB", float64(b)/float64(MB))
	case b >= KB:
		return fmt.Sprintf("%.1f KB", float64(b)/float64(KB))
	default:
		return fmt.Sprintf("%d B", b)
	}
}
