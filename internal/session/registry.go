// Package session owns the in-memory mapping from session identifier to a
// live, engine-bound generation session. It guarantees that the engine is
// initialized at most once, that each session key has exactly one generation
// lane, and that the session map stays bounded.
package session

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/privateai/localchat/internal/engine"
	"github.com/privateai/localchat/internal/observability"
	"github.com/privateai/localchat/internal/store"
)

// DefaultMaxSessions bounds the registry when no limit is configured.
const DefaultMaxSessions = 32

// Session is one conversation's live generation state: the exclusive engine
// handle plus the serialization lane that admits at most one generation at a
// time.
type Session struct {
	Key    string
	Engine engine.Session

	lane chan struct{}

	mu       sync.Mutex
	pins     int
	lastUsed time.Time
}

// Acquire claims the session's generation lane, waiting behind any in-flight
// generation for the same key. It gives up when ctx is cancelled, so a
// disconnected client does not stay queued.
func (s *Session) Acquire(ctx context.Context) error {
	select {
	case s.lane <- struct{}{}:
		s.touch()
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Release frees the lane for the next queued generation.
func (s *Session) Release() {
	s.touch()
	<-s.lane
}

// tryAcquire claims the lane only if it is free.
func (s *Session) tryAcquire() bool {
	select {
	case s.lane <- struct{}{}:
		return true
	default:
		return false
	}
}

// pin marks the session as checked out by a request. A pinned session is
// never evicted, so its engine handle cannot be closed between Resolve and
// Acquire.
func (s *Session) pin() {
	s.mu.Lock()
	s.pins++
	s.lastUsed = time.Now()
	s.mu.Unlock()
}

// Unpin returns a Resolve checkout, making the session evictable again once
// it is idle.
func (s *Session) Unpin() {
	s.mu.Lock()
	if s.pins > 0 {
		s.pins--
	}
	s.lastUsed = time.Now()
	s.mu.Unlock()
}

func (s *Session) pinned() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pins > 0
}

func (s *Session) touch() {
	s.mu.Lock()
	s.lastUsed = time.Now()
	s.mu.Unlock()
}

func (s *Session) lastUsedAt() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastUsed
}

// Registry maps session keys to live sessions and owns their lifecycle.
type Registry struct {
	provider    engine.Provider
	logger      observability.Logger
	maxSessions int

	init   singleflight.Group
	loaded atomic.Bool

	mu       sync.Mutex
	sessions map[string]*Session
}

// NewRegistry creates a registry over the given engine provider.
// maxSessions <= 0 selects DefaultMaxSessions.
func NewRegistry(provider engine.Provider, maxSessions int, logger observability.Logger) *Registry {
	if maxSessions <= 0 {
		maxSessions = DefaultMaxSessions
	}
	if logger == nil {
		logger = observability.NewNullLogger()
	}
	return &Registry{
		provider:    provider,
		logger:      logger,
		maxSessions: maxSessions,
		sessions:    make(map[string]*Session),
	}
}

// Resolve returns the live session for sessionID, creating it (and lazily
// initializing the shared engine) on first use. An empty sessionID mints a
// fresh identifier. Concurrent resolves for the same key return the same
// session; concurrent first-ever resolves share one engine load.
//
// The returned session is pinned; the caller must Unpin it when its request
// completes.
func (r *Registry) Resolve(ctx context.Context, sessionID string) (*Session, error) {
	key := sessionID
	if key == "" {
		key = store.NewSessionID()
	}

	r.mu.Lock()
	if existing, ok := r.sessions[key]; ok {
		r.mu.Unlock()
		existing.pin()
		return existing, nil
	}
	r.mu.Unlock()

	if err := r.ensureLoaded(ctx); err != nil {
		return nil, err
	}

	handle, err := r.provider.NewSession(ctx)
	if err != nil {
		return nil, fmt.Errorf("create engine session: %w", err)
	}

	created := &Session{
		Key:      key,
		Engine:   handle,
		lane:     make(chan struct{}, 1),
		pins:     1,
		lastUsed: time.Now(),
	}

	r.mu.Lock()
	if existing, ok := r.sessions[key]; ok {
		// Lost the race: another request created this key first.
		r.mu.Unlock()
		_ = handle.Close()
		existing.pin()
		return existing, nil
	}
	r.sessions[key] = created
	evicted := r.evictLocked()
	r.mu.Unlock()

	for _, victim := range evicted {
		if err := victim.Engine.Close(); err != nil {
			r.logger.WithErr(err).WithFields(map[string]interface{}{"sessionId": victim.Key}).Warn("closing evicted session")
		}
	}
	return created, nil
}

// ensureLoaded initializes the engine exactly once across all concurrent
// callers. A failed load is not cached: the next resolve retries discovery.
func (r *Registry) ensureLoaded(ctx context.Context) error {
	if r.loaded.Load() {
		return nil
	}
	_, err, _ := r.init.Do("engine-load", func() (interface{}, error) {
		if r.loaded.Load() {
			return nil, nil
		}
		if err := r.provider.Load(ctx); err != nil {
			return nil, err
		}
		r.loaded.Store(true)
		return nil, nil
	})
	if err != nil {
		return fmt.Errorf("engine initialization: %w", err)
	}
	return nil
}

// ModelLoaded reports whether the shared engine finished initializing.
func (r *Registry) ModelLoaded() bool {
	return r.loaded.Load()
}

// ModelPath reports the resolved model file, or "" before load.
func (r *Registry) ModelPath() string {
	if !r.loaded.Load() {
		return ""
	}
	return r.provider.ModelPath()
}

// Len reports the number of live sessions.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions)
}

// evictLocked drops least-recently-used idle sessions until the map fits the
// bound. Sessions that are pinned or have an in-flight generation are never
// evicted; if every session is held the map temporarily exceeds the bound.
// Caller holds r.mu and must Close the returned sessions' engine handles.
func (r *Registry) evictLocked() []*Session {
	var evicted []*Session
	for len(r.sessions) > r.maxSessions {
		var oldest *Session
		for _, candidate := range r.sessions {
			if candidate.pinned() || !candidate.tryAcquire() {
				continue
			}
			switch {
			case oldest == nil:
				oldest = candidate
			case candidate.lastUsedAt().Before(oldest.lastUsedAt()):
				oldest.Release()
				oldest = candidate
			default:
				candidate.Release()
			}
		}
		if oldest == nil {
			break
		}
		delete(r.sessions, oldest.Key)
		evicted = append(evicted, oldest)
		r.logger.WithFields(map[string]interface{}{"sessionId": oldest.Key}).Info("evicted idle session")
	}
	return evicted
}
