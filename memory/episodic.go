package memory

import (
	"context"
	"errors"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/convomesh/convomesh/core"
)

// ErrEpisodeNotFound is returned by Get for unknown episode ids.
var ErrEpisodeNotFound = errors.New("episode not found")

// Episode is one archived, completed conversational exchange. Episodes are
// write-once: never mutated after creation.
type Episode struct {
	ID        string            `json:"id"`
	SessionID string            `json:"session_id"`
	Messages  []core.Message    `json:"messages"`
	Outcome   string            `json:"outcome"`
	Entities  map[string]string `json:"entities,omitempty"` // role -> identifier bindings
	Metadata  map[string]string `json:"metadata,omitempty"`
	CreatedAt time.Time         `json:"created_at"`
}

// Body renders the episode's conversation content for similarity comparison.
func (e Episode) Body() string {
	parts := make([]string, 0, len(e.Messages))
	for _, msg := range e.Messages {
		parts = append(parts, msg.Content)
	}
	return strings.Join(parts, "\n")
}

// ScoredEpisode pairs an episode with its similarity score.
type ScoredEpisode struct {
	Episode Episode `json:"episode"`
	Score   float64 `json:"score"`
}

// EpisodicStore archives completed episodes and serves history and similarity
// queries. Write failures surface to the caller; the store never retries
// internally.
type EpisodicStore interface {
	// Store archives an episode, assigning an id when missing, and returns it.
	Store(ctx context.Context, ep Episode) (string, error)
	// Get returns the episode by id or ErrEpisodeNotFound.
	Get(ctx context.Context, id string) (Episode, error)
	// History returns up to limit episodes for a session, most recent first.
	History(ctx context.Context, sessionID string, limit int) ([]Episode, error)
	// Similar ranks episodes against the query text, ties broken by the more
	// recent episode.
	Similar(ctx context.Context, query string, limit int) ([]ScoredEpisode, error)
}

// InMemoryEpisodicStore is a process-local EpisodicStore for tests and demos.
// Concurrent writers to the same episode id resolve last-write-wins.
type InMemoryEpisodicStore struct {
	mu       sync.RWMutex
	byID     map[string]Episode
	ordered  []string // insertion order of episode ids
	nextSeqs map[string]int
}

// NewInMemoryEpisodicStore constructs an empty store.
func NewInMemoryEpisodicStore() *InMemoryEpisodicStore {
	return &InMemoryEpisodicStore{byID: make(map[string]Episode), nextSeqs: make(map[string]int)}
}

// Store implements EpisodicStore.
func (s *InMemoryEpisodicStore) Store(_ context.Context, ep Episode) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if ep.ID == "" {
		ep.ID = core.NewID()
	}
	if ep.CreatedAt.IsZero() {
		ep.CreatedAt = time.Now().UTC()
	}
	if _, exists := s.byID[ep.ID]; !exists {
		s.ordered = append(s.ordered, ep.ID)
	}
	s.byID[ep.ID] = ep
	return ep.ID, nil
}

// Get implements EpisodicStore.
func (s *InMemoryEpisodicStore) Get(_ context.Context, id string) (Episode, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ep, ok := s.byID[id]
	if !ok {
		return Episode{}, ErrEpisodeNotFound
	}
	return ep, nil
}

// History implements EpisodicStore, most recent first.
func (s *InMemoryEpisodicStore) History(_ context.Context, sessionID string, limit int) ([]Episode, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []Episode
	for i := len(s.ordered) - 1; i >= 0 && (limit <= 0 || len(out) < limit); i-- {
		ep := s.byID[s.ordered[i]]
		if ep.SessionID == sessionID {
			out = append(out, ep)
		}
	}
	// Insertion order approximates recency; enforce it strictly by timestamp.
	sort.SliceStable(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

// Similar implements EpisodicStore using token-overlap similarity against the
// stored conversation bodies.
func (s *InMemoryEpisodicStore) Similar(_ context.Context, query string, limit int) ([]ScoredEpisode, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	scored := make([]ScoredEpisode, 0, len(s.ordered))
	for _, id := range s.ordered {
		ep := s.byID[id]
		scored = append(scored, ScoredEpisode{Episode: ep, Score: TextSimilarity(query, ep.Body())})
	}
	sort.SliceStable(scored, func(i, j int) bool {
		if scored[i].Score != scored[j].Score {
			return scored[i].Score > scored[j].Score
		}
		return scored[i].Episode.CreatedAt.After(scored[j].Episode.CreatedAt)
	})
	if limit > 0 && len(scored) > limit {
		scored = scored[:limit]
	}
	return scored, nil
}
