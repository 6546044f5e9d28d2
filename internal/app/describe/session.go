package describe

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/gennino/gennino/internal/domain"
)

// Selection is the image the user picked last.
type Selection struct {
	Locator  string    `json:"locator"`
	PickedAt time.Time `json:"picked_at"`
}

// Session is the per-surface view state: one console, one Telegram chat,
// one HTTP session ID. It owns the current selection and a single-slot
// in-flight guard so requests within a session never overlap.
type Session struct {
	ID string

	notifier domain.Notifier

	mu        sync.Mutex
	selection *Selection
	lastUsed  time.Time

	slot chan struct{}
}

// NewSession creates a session. n receives notices unless a request
// overrides it with WithNotifier; nil discards them.
func NewSession(id string, n domain.Notifier) *Session {
	if n == nil {
		n = domain.NotifierFunc(func(domain.Notice) {})
	}
	return &Session{ID: id, notifier: n, slot: make(chan struct{}, 1), lastUsed: time.Now()}
}

// Notifier returns the session's default notifier.
func (s *Session) Notifier() domain.Notifier { return s.notifier }

// Select records a pick. An empty locator is a cancelled pick and leaves
// the previous selection in place.
func (s *Session) Select(locator string) (Selection, bool) {
	locator = strings.TrimSpace(locator)
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastUsed = time.Now()
	if locator == "" {
		if s.selection != nil {
			return *s.selection, false
		}
		return Selection{}, false
	}
	s.selection = &Selection{Locator: locator, PickedAt: time.Now()}
	return *s.selection, true
}

// Selected returns the current selection.
func (s *Session) Selected() (Selection, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.selection == nil {
		return Selection{}, false
	}
	return *s.selection, true
}

// Clear drops the selection.
func (s *Session) Clear() {
	s.mu.Lock()
	s.selection = nil
	s.mu.Unlock()
}

// Busy reports whether a description is running in this session.
func (s *Session) Busy() bool { return len(s.slot) == 1 }

// LastUsed returns when the session was last picked into, described or
// looked up.
func (s *Session) LastUsed() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastUsed
}

func (s *Session) touch() {
	s.mu.Lock()
	s.lastUsed = time.Now()
	s.mu.Unlock()
}

func (s *Session) tryAcquire() bool {
	select {
	case s.slot <- struct{}{}:
		s.touch()
		return true
	default:
		return false
	}
}

func (s *Session) release() {
	s.touch()
	<-s.slot
}

// ─── Notifier routing ───────────────────────────────────────────────────────

type notifierKey struct{}

// WithNotifier routes the notices of one request to n instead of the
// session's notifier. The HTTP API streams each request this way.
func WithNotifier(ctx context.Context, n domain.Notifier) context.Context {
	return context.WithValue(ctx, notifierKey{}, n)
}

func (s *Session) notifierFor(ctx context.Context) domain.Notifier {
	if n, ok := ctx.Value(notifierKey{}).(domain.Notifier); ok && n != nil {
		return n
	}
	return s.notifier
}

// ─── Session registry ───────────────────────────────────────────────────────

// Sessions maps surface-specific IDs to sessions.
type Sessions struct {
	mu       sync.Mutex
	sessions map[string]*Session
}

// NewSessions creates an empty registry.
func NewSessions() *Sessions {
	return &Sessions{sessions: make(map[string]*Session)}
}

// Get returns the session for id, creating it with the notifier built by
// newNotifier (may be nil) on first use.
func (r *Sessions) Get(id string, newNotifier func() domain.Notifier) *Session {
	r.mu.Lock()
	defer r.mu.Unlock()
	if s, ok := r.sessions[id]; ok {
		s.touch()
		return s
	}
	var n domain.Notifier
	if newNotifier != nil {
		n = newNotifier()
	}
	s := NewSession(id, n)
	r.sessions[id] = s
	return s
}

// Lookup returns the session for id without creating one.
func (r *Sessions) Lookup(id string) (*Session, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[id]
	if ok {
		s.touch()
	}
	return s, ok
}

// Evict forgets sessions unused for longer than idle. Busy sessions stay.
// It returns how many were dropped.
func (r *Sessions) Evict(idle time.Duration) int {
	cutoff := time.Now().Add(-idle)
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for id, s := range r.sessions {
		if !s.Busy() && s.LastUsed().Before(cutoff) {
			delete(r.sessions, id)
			n++
		}
	}
	return n
}

// Delete forgets a session.
func (r *Sessions) Delete(id string) {
	r.mu.Lock()
	delete(r.sessions, id)
	r.mu.Unlock()
}

// Len returns the number of sessions.
func (r *Sessions) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions)
}
