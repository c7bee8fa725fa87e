// Package session implements the multi tenant session store: opaque
// bearer tokens mapped to isolated target registries, with sliding
// expiry, a periodic sweep of stale sessions and a debounced durable
// snapshot surviving restarts.
package session

import (
	"context"
	"regexp"
	"time"

	"sync"

	"github.com/dinghy-proxy/dinghy/flowid"
	"github.com/dinghy-proxy/dinghy/logging"
	"github.com/dinghy-proxy/dinghy/metrics"
	"github.com/dinghy-proxy/dinghy/routing"
)

const (
	// TokenLength is the length of a session token in hex
	// characters.
	TokenLength = 32

	// DefaultExpiry is the sliding expiry window of a session.
	DefaultExpiry = 24 * time.Hour

	// DefaultSweepInterval is how often the background sweep
	// removes stale sessions.
	DefaultSweepInterval = time.Hour

	// DefaultSnapshotDebounce is the quiet period after a mutation
	// before the snapshot is written.
	DefaultSnapshotDebounce = 5 * time.Second
)

var tokenRx = regexp.MustCompile(`^[0-9a-f]{32}$`)

// IsToken reports whether s has the shape of a session token: exactly
// 32 lowercase hex characters.
func IsToken(s string) bool {
	return tokenRx.MatchString(s)
}

// Session binds a token to a tenant's target registry and its metadata.
// The timestamps have millisecond precision, matching the snapshot
// format.
type Session struct {

	// Token is the opaque identifier of the session.
	Token string

	// Registry holds the tenant's targets.
	Registry *routing.Registry

	// LogOverride is the per tenant access log toggle: nil inherits
	// the global setting, otherwise it forces logging on or off.
	LogOverride *bool

	CreatedAt    time.Time
	LastAccessed time.Time
}

// Options to initialize a session store.
type Options struct {

	// SnapshotPath is the file the sessions are persisted to. When
	// empty, persistence is disabled.
	SnapshotPath string

	// Expiry is the sliding expiry window. Defaults to 24h.
	Expiry time.Duration

	// SweepInterval is the period of the background sweep.
	// Defaults to 1h.
	SweepInterval time.Duration

	// SnapshotDebounce is the quiet period after a mutation before
	// a snapshot is written. Defaults to 5s.
	SnapshotDebounce time.Duration

	// Log is used for store events. Defaults to the application
	// log.
	Log logging.Logger

	// Metrics receives session gauges and counters. Defaults to the
	// no-op implementation.
	Metrics metrics.Metrics

	// Now is the clock of the store, for tests. Defaults to
	// time.Now.
	Now func() time.Time
}

// Store owns all sessions of a process. All access to the token mapping
// goes through the store's lock; the registries carry their own
// synchronization.
type Store struct {
	opts   Options
	tokens flowid.Generator

	mu       sync.RWMutex
	sessions map[string]*Session

	// signals the snapshot writer, buffered so mutations never
	// block
	dirty chan struct{}
}

// New creates a session store.
func New(o Options) *Store {
	if o.Expiry <= 0 {
		o.Expiry = DefaultExpiry
	}

	if o.SweepInterval <= 0 {
		o.SweepInterval = DefaultSweepInterval
	}

	if o.SnapshotDebounce <= 0 {
		o.SnapshotDebounce = DefaultSnapshotDebounce
	}

	if o.Log == nil {
		o.Log = &logging.DefaultLog{}
	}

	if o.Metrics == nil {
		o.Metrics = metrics.Void
	}

	if o.Now == nil {
		o.Now = time.Now
	}

	g, err := flowid.NewHexGenerator(TokenLength)
	if err != nil {
		panic(err)
	}

	return &Store{
		opts:     o,
		tokens:   g,
		sessions: make(map[string]*Session),
		dirty:    make(chan struct{}, 1),
	}
}

func (s *Store) now() time.Time {
	return s.opts.Now().Truncate(time.Millisecond)
}

func (s *Store) expired(sess *Session, now time.Time) bool {
	return now.Sub(sess.LastAccessed) >= s.opts.Expiry
}

// MarkDirty schedules a snapshot. Mutations of a session's registry
// happen outside the store's lock, so the caller reports them here.
func (s *Store) MarkDirty() {
	select {
	case s.dirty <- struct{}{}:
	default:
	}
}

// Create generates a fresh token with an empty registry.
func (s *Store) Create() (*Session, error) {
	now := s.now()

	s.mu.Lock()
	var token string
	for {
		t, err := s.tokens.Generate()
		if err != nil {
			s.mu.Unlock()
			return nil, err
		}

		if _, taken := s.sessions[t]; !taken {
			token = t
			break
		}
	}

	sess := &Session{
		Token:        token,
		Registry:     routing.NewRegistry(),
		CreatedAt:    now,
		LastAccessed: now,
	}

	s.sessions[token] = sess
	cp := *sess
	n := len(s.sessions)
	s.mu.Unlock()

	s.opts.Metrics.IncSessionsCreated()
	s.opts.Metrics.UpdateActiveSessions(n)
	s.MarkDirty()
	return &cp, nil
}

// Lookup returns the session of a token and refreshes its last access
// time. An expired session is deleted on the spot and reported as
// absent, expiry does not wait for the background sweep.
//
// The returned session is a copy taken under the store's lock, so its
// fields can be read while SetLogOverride or another Lookup runs
// concurrently. The registry pointer is shared and carries its own
// synchronization.
func (s *Store) Lookup(token string) *Session {
	now := s.now()

	s.mu.Lock()
	sess, ok := s.sessions[token]
	if !ok {
		s.mu.Unlock()
		return nil
	}

	if s.expired(sess, now) {
		delete(s.sessions, token)
		n := len(s.sessions)
		s.mu.Unlock()

		s.opts.Metrics.IncSessionsExpired(1)
		s.opts.Metrics.UpdateActiveSessions(n)
		s.MarkDirty()
		return nil
	}

	sess.LastAccessed = now
	cp := *sess
	s.mu.Unlock()

	s.MarkDirty()
	return &cp
}

// Peek returns the session of a token without refreshing the sliding
// expiry. Expired sessions are reported as absent but left to Lookup or
// the sweep to remove. Like Lookup, the result is a copy.
func (s *Store) Peek(token string) *Session {
	now := s.now()

	s.mu.RLock()
	defer s.mu.RUnlock()

	sess, ok := s.sessions[token]
	if !ok || s.expired(sess, now) {
		return nil
	}

	cp := *sess
	return &cp
}

// Delete removes a session, reporting whether it existed.
func (s *Store) Delete(token string) bool {
	s.mu.Lock()
	_, ok := s.sessions[token]
	delete(s.sessions, token)
	n := len(s.sessions)
	s.mu.Unlock()

	if ok {
		s.opts.Metrics.UpdateActiveSessions(n)
		s.MarkDirty()
	}

	return ok
}

// SetLogOverride sets the per tenant access log toggle, reporting
// whether the session existed.
func (s *Store) SetLogOverride(token string, enabled *bool) bool {
	s.mu.Lock()
	sess, ok := s.sessions[token]
	if ok {
		sess.LogOverride = enabled
	}
	s.mu.Unlock()

	if ok {
		s.MarkDirty()
	}

	return ok
}

// Len returns the number of sessions, including not yet swept expired
// ones.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.sessions)
}

func (s *Store) sweep() int {
	now := s.now()

	s.mu.Lock()
	var removed int
	for token, sess := range s.sessions {
		if s.expired(sess, now) {
			delete(s.sessions, token)
			removed++
		}
	}
	n := len(s.sessions)
	s.mu.Unlock()

	if removed > 0 {
		s.opts.Metrics.IncSessionsExpired(removed)
		s.opts.Metrics.UpdateActiveSessions(n)
		s.MarkDirty()
		s.opts.Log.Infof("session sweep removed %d expired sessions, %d remaining", removed, n)
	}

	return removed
}

// RunSweeper removes stale sessions on a fixed interval until the
// context is canceled, so memory is reclaimed even for tokens nobody
// queries again.
func (s *Store) RunSweeper(ctx context.Context) {
	t := time.NewTicker(s.opts.SweepInterval)
	defer t.Stop()

	for {
		select {
		case <-t.C:
			s.sweep()
		case <-ctx.Done():
			return
		}
	}
}
