// Package media turns a picked image locator into a decoded pixel buffer.
//
// Locators are opaque to callers: a filesystem path, a file:// or http(s)://
// URL, a data: URI, or any scheme registered with Resolver.Register (the
// Telegram bot registers "telegram-file"). Every failure here means "no image
// available" and is reported with one of the domain image errors.
package media

import (
	"bytes"
	"context"
	"encoding/base64"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/gennino/gennino/internal/domain"
)

// DefaultMaxBytes caps how much of a picked resource is read.
const DefaultMaxBytes = 20 << 20

// DefaultMaxPixels caps the declared size of a decoded image.
const DefaultMaxPixels = 40_000_000

// OpenFunc opens the resource behind a locator of a registered scheme.
type OpenFunc func(ctx context.Context, locator string) (io.ReadCloser, error)

// Resolver is the content-resolution facility: locator in, byte stream out.
type Resolver struct {
	httpc     *http.Client
	maxBytes  int64
	maxPixels int64

	mu      sync.RWMutex
	schemes map[string]OpenFunc
}

// NewResolver creates a Resolver. maxBytes <= 0 uses DefaultMaxBytes.
func NewResolver(maxBytes int64, timeout time.Duration) *Resolver {
	if maxBytes <= 0 {
		maxBytes = DefaultMaxBytes
	}
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Resolver{
		httpc:     &http.Client{Timeout: timeout},
		maxBytes:  maxBytes,
		maxPixels: DefaultMaxPixels,
		schemes:   make(map[string]OpenFunc),
	}
}

// MaxBytes returns the read cap.
func (r *Resolver) MaxBytes() int64 { return r.maxBytes }

// SetMaxPixels caps width×height of decoded images. n <= 0 restores
// DefaultMaxPixels.
func (r *Resolver) SetMaxPixels(n int64) {
	if n <= 0 {
		n = DefaultMaxPixels
	}
	r.maxPixels = n
}

// MaxPixels returns the pixel cap.
func (r *Resolver) MaxPixels() int64 { return r.maxPixels }

// Register installs an opener for a custom scheme ("telegram-file").
func (r *Resolver) Register(scheme string, fn OpenFunc) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.schemes[strings.ToLower(scheme)] = fn
}

// Open resolves locator into a byte stream. An empty locator means the user
// cancelled the pick and yields domain.ErrNoImage.
func (r *Resolver) Open(ctx context.Context, locator string) (io.ReadCloser, error) {
	locator = strings.TrimSpace(locator)
	if locator == "" {
		return nil, domain.ErrNoImage
	}

	scheme := schemeOf(locator)
	switch scheme {
	case "":
		return r.openFile(locator)
	case "file":
		u, err := url.Parse(locator)
		if err != nil {
			return nil, fmt.Errorf("%s: %v: %w", locator, err, domain.ErrImageUnreadable)
		}
		return r.openFile(u.Path)
	case "http", "https":
		return r.openURL(ctx, locator)
	case "data":
		return r.openData(locator)
	}

	r.mu.RLock()
	fn, ok := r.schemes[scheme]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("unsupported scheme %q: %w", scheme, domain.ErrImageUnreadable)
	}
	rc, err := fn(ctx, locator)
	if err != nil {
		return nil, fmt.Errorf("%s: %v: %w", scheme, err, domain.ErrImageUnreadable)
	}
	return r.limit(rc), nil
}

func (r *Resolver) openFile(path string) (io.ReadCloser, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("%v: %w", err, domain.ErrImageUnreadable)
	}
	if st, err := f.Stat(); err == nil && st.Size() > r.maxBytes {
		f.Close()
		return nil, fmt.Errorf("%s is %s: %w", path, domain.HumanSize(st.Size()), domain.ErrImageTooLarge)
	}
	return r.limit(f), nil
}

func (r *Resolver) openURL(ctx context.Context, locator string) (io.ReadCloser, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, locator, nil)
	if err != nil {
		return nil, fmt.Errorf("%v: %w", err, domain.ErrImageUnreadable)
	}
	resp, err := r.httpc.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%v: %w", err, domain.ErrImageUnreadable)
	}
	if resp.StatusCode != http.StatusOK {
		resp.Body.Close()
		return nil, fmt.Errorf("GET %s: status %d: %w", locator, resp.StatusCode, domain.ErrImageUnreadable)
	}
	if resp.ContentLength > r.maxBytes {
		resp.Body.Close()
		return nil, fmt.Errorf("GET %s: %s: %w", locator, domain.HumanSize(resp.ContentLength), domain.ErrImageTooLarge)
	}
	return r.limit(resp.Body), nil
}

// openData decodes "data:[<mediatype>][;base64],<payload>".
func (r *Resolver) openData(locator string) (io.ReadCloser, error) {
	meta, payload, ok := strings.Cut(strings.TrimPrefix(locator, "data:"), ",")
	if !ok {
		return nil, fmt.Errorf("malformed data URI: %w", domain.ErrImageUnreadable)
	}
	var data []byte
	if strings.HasSuffix(meta, ";base64") {
		b, err := base64.StdEncoding.DecodeString(payload)
		if err != nil {
			return nil, fmt.Errorf("data URI: %v: %w", err, domain.ErrImageUnreadable)
		}
		data = b
	} else {
		s, err := url.PathUnescape(payload)
		if err != nil {
			return nil, fmt.Errorf("data URI: %v: %w", err, domain.ErrImageUnreadable)
		}
		data = []byte(s)
	}
	if int64(len(data)) > r.maxBytes {
		return nil, domain.ErrImageTooLarge
	}
	return io.NopCloser(bytes.NewReader(data)), nil
}

// limit caps the stream one byte past maxBytes so Decode can tell an
// oversized resource from one that fits exactly.
func (r *Resolver) limit(rc io.ReadCloser) io.ReadCloser {
	return &limitedReadCloser{Reader: io.LimitReader(rc, r.maxBytes+1), c: rc}
}

type limitedReadCloser struct {
	io.Reader
	c io.Closer
}

func (l *limitedReadCloser) Close() error { return l.c.Close() }

// schemeOf returns the lower-cased URI scheme, or "" for plain paths.
// Windows drive letters ("C:\...") are paths, not schemes.
func schemeOf(locator string) string {
	i := strings.Index(locator, ":")
	if i <= 1 {
		return ""
	}
	scheme := locator[:i]
	for _, c := range scheme {
		if !(c >= 'a' && c <= 'z' || c >= 'A' && c <= 'Z' || c >= '0' && c <= '9' || c == '+' || c == '-' || c == '.') {
			return ""
		}
	}
	return strings.ToLower(scheme)
}
