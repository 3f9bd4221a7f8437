// Package session tracks per-session conversation state: each session owns a
// bounded message log and a turn mutex that serializes in-flight turns. The
// registry creates sessions on first use and evicts idle ones by TTL.
package session

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/convomesh/convomesh/logging"
	"github.com/convomesh/convomesh/memory"
)

// ErrTurnInProgress is returned when a turn is started on a session that
// already has one in flight. Callers should retry after the active turn
// completes rather than queueing.
var ErrTurnInProgress = errors.New("session: turn already in progress")

// Session holds the mutable state of one conversation.
type Session struct {
	ID        string
	Log       *memory.MessageLog
	CreatedAt time.Time

	mu         sync.Mutex // guards lastActive
	lastActive time.Time

	turnMu sync.Mutex // held for the duration of one turn
}

// TryAcquireTurn attempts to claim the session for a turn without blocking.
func (s *Session) TryAcquireTurn() bool { return s.turnMu.TryLock() }

// ReleaseTurn releases the turn claim. Must only be called after a
// successful TryAcquireTurn.
func (s *Session) ReleaseTurn() { s.turnMu.Unlock() }

// Touch records activity, resetting the idle clock used by TTL eviction.
func (s *Session) Touch(now time.Time) {
	s.mu.Lock()
	s.lastActive = now
	s.mu.Unlock()
}

// LastActive returns the time of the most recent activity.
func (s *Session) LastActive() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastActive
}

// Options configures a Registry.
type Options struct {
	// LogCapacity is the message log capacity of newly created sessions.
	LogCapacity int

	// TTL is the idle duration after which Sweep evicts a session. Zero
	// disables TTL eviction.
	TTL time.Duration

	// Clock supplies the current time. Defaults to time.Now.
	Clock func() time.Time

	// Logger receives eviction instrumentation. Defaults to NoOpLogger.
	Logger logging.Logger
}

// WithLogCapacity sets the per-session message log capacity.
func WithLogCapacity(n int) func(*Options) {
	return func(o *Options) { o.LogCapacity = n }
}

// WithTTL enables idle eviction after d.
func WithTTL(d time.Duration) func(*Options) {
	return func(o *Options) { o.TTL = d }
}

// WithClock injects a time source, used by tests to drive TTL eviction.
func WithClock(clock func() time.Time) func(*Options) {
	return func(o *Options) { o.Clock = clock }
}

// WithLogger sets the registry logger.
func WithLogger(l logging.Logger) func(*Options) {
	return func(o *Options) { o.Logger = l }
}

// Registry is a process-local session store. Sessions are created lazily on
// first access and evicted when idle past the TTL. Safe for concurrent use.
type Registry struct {
	mu       sync.RWMutex
	sessions map[string]*Session
	opts     Options
}

// NewRegistry constructs an empty registry.
func NewRegistry(optFns ...func(*Options)) *Registry {
	opts := Options{
		LogCapacity: memory.DefaultLogCapacity,
		Clock:       time.Now,
		Logger:      logging.NoOpLogger{},
	}
	for _, fn := range optFns {
		fn(&opts)
	}
	if opts.Clock == nil {
		opts.Clock = time.Now
	}
	if opts.Logger == nil {
		opts.Logger = logging.NoOpLogger{}
	}
	return &Registry{sessions: make(map[string]*Session), opts: opts}
}

// Get returns the session for id, creating it on first access.
func (r *Registry) Get(id string) *Session {
	r.mu.RLock()
	sess, ok := r.sessions[id]
	r.mu.RUnlock()
	if ok {
		sess.Touch(r.opts.Clock())
		return sess
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if sess, ok := r.sessions[id]; ok {
		sess.Touch(r.opts.Clock())
		return sess
	}
	now := r.opts.Clock()
	sess = &Session{
		ID:         id,
		Log:        memory.NewMessageLog(r.opts.LogCapacity),
		CreatedAt:  now,
		lastActive: now,
	}
	r.sessions[id] = sess
	r.opts.Logger.Debug("session.created", "session_id", id)
	return sess
}

// Evict removes the session for id, reporting whether it existed.
func (r *Registry) Evict(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.sessions[id]; !ok {
		return false
	}
	delete(r.sessions, id)
	r.opts.Logger.Debug("session.evicted", "session_id", id)
	return true
}

// Len returns the number of live sessions.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

// Sweep evicts sessions idle past the TTL and returns the eviction count.
// Sessions with a turn in flight are never evicted.
func (r *Registry) Sweep() int {
	if r.opts.TTL <= 0 {
		return 0
	}
	cutoff := r.opts.Clock().Add(-r.opts.TTL)

	r.mu.Lock()
	defer r.mu.Unlock()
	evicted := 0
	for id, sess := range r.sessions {
		if sess.LastActive().After(cutoff) {
			continue
		}
		if !sess.TryAcquireTurn() {
			continue
		}
		sess.ReleaseTurn()
		delete(r.sessions, id)
		evicted++
		r.opts.Logger.Info("session.expired", "session_id", id)
	}
	return evicted
}

// StartSweeper runs periodic Sweep calls until ctx is cancelled.
func (r *Registry) StartSweeper(ctx context.Context, interval time.Duration) {
	if interval <= 0 || r.opts.TTL <= 0 {
		return
	}
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				r.Sweep()
			}
		}
	}()
}
