// Package sqlite provides a durable EpisodicStore backed by an embedded
// SQLite database (modernc.org/sqlite, pure Go, no cgo). Episode ids are
// ULIDs so lexicographic order matches creation order.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"math/rand"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
	_ "modernc.org/sqlite"

	"github.com/convomesh/convomesh/core"
	"github.com/convomesh/convomesh/memory"
)

// EpisodicStore implements memory.EpisodicStore on SQLite. The store is a
// process-wide shared resource; id generation and writes are safe for
// concurrent use by independent sessions.
type EpisodicStore struct {
	db *sql.DB

	// entropyMu guards entropy: math/rand sources are not safe for
	// concurrent reads, and monotonic ULIDs additionally require ordered
	// access within the same millisecond.
	entropyMu sync.Mutex
	entropy   *ulid.MonotonicEntropy
}

// NewEpisodicStore opens or creates a SQLite database at the given path.
func NewEpisodicStore(dbPath string) (*EpisodicStore, error) {
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create db dir: %w", err)
	}

	db, err := sql.Open("sqlite", dbPath+"?_pragma=journal_mode(wal)&_pragma=foreign_keys(on)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}

	s := &EpisodicStore{
		db:      db,
		entropy: ulid.Monotonic(rand.New(rand.NewSource(time.Now().UnixNano())), 0),
	}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return s, nil
}

func (s *EpisodicStore) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS episodes (
		id          TEXT PRIMARY KEY,
		session_id  TEXT NOT NULL,
		messages    TEXT NOT NULL,
		outcome     TEXT NOT NULL DEFAULT '',
		entities    TEXT,
		metadata    TEXT,
		body        TEXT NOT NULL DEFAULT '',
		created_at  TEXT NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_episodes_session ON episodes(session_id, created_at DESC);
	CREATE INDEX IF NOT EXISTS idx_episodes_created ON episodes(created_at DESC);
	`
	_, err := s.db.Exec(schema)
	return err
}

func (s *EpisodicStore) newID() string {
	s.entropyMu.Lock()
	defer s.entropyMu.Unlock()
	return ulid.MustNew(ulid.Timestamp(time.Now()), s.entropy).String()
}

// Store implements memory.EpisodicStore. Writing an existing id overwrites it
// (last write wins); write failures surface without internal retries.
func (s *EpisodicStore) Store(ctx context.Context, ep memory.Episode) (string, error) {
	if ep.ID == "" {
		ep.ID = s.newID()
	}
	if ep.CreatedAt.IsZero() {
		ep.CreatedAt = time.Now().UTC()
	}

	messages, err := json.Marshal(ep.Messages)
	if err != nil {
		return "", fmt.Errorf("marshal messages: %w", err)
	}
	entities, err := json.Marshal(ep.Entities)
	if err != nil {
		return "", fmt.Errorf("marshal entities: %w", err)
	}
	metadata, err := json.Marshal(ep.Metadata)
	if err != nil {
		return "", fmt.Errorf("marshal metadata: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT OR REPLACE INTO episodes (id, session_id, messages, outcome, entities, metadata, body, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		ep.ID, ep.SessionID, string(messages), ep.Outcome, string(entities), string(metadata),
		ep.Body(), ep.CreatedAt.Format(time.RFC3339Nano),
	)
	if err != nil {
		return "", fmt.Errorf("insert episode: %w", err)
	}
	return ep.ID, nil
}

// Get implements memory.EpisodicStore.
func (s *EpisodicStore) Get(ctx context.Context, id string) (memory.Episode, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, session_id, messages, outcome, entities, metadata, created_at
		FROM episodes WHERE id = ?`, id)
	ep, err := scanEpisode(row)
	if err == sql.ErrNoRows {
		return memory.Episode{}, memory.ErrEpisodeNotFound
	}
	if err != nil {
		return memory.Episode{}, fmt.Errorf("get episode: %w", err)
	}
	return ep, nil
}

// History implements memory.EpisodicStore, most recent first.
func (s *EpisodicStore) History(ctx context.Context, sessionID string, limit int) ([]memory.Episode, error) {
	if limit <= 0 {
		limit = -1 // SQLite: no limit
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, session_id, messages, outcome, entities, metadata, created_at
		FROM episodes WHERE session_id = ?
		ORDER BY created_at DESC LIMIT ?`, sessionID, limit)
	if err != nil {
		return nil, fmt.Errorf("query history: %w", err)
	}
	defer rows.Close()

	var out []memory.Episode
	for rows.Next() {
		ep, err := scanEpisode(rows)
		if err != nil {
			return nil, fmt.Errorf("scan episode: %w", err)
		}
		out = append(out, ep)
	}
	return out, rows.Err()
}

// Similar implements memory.EpisodicStore with a brute-force token-overlap
// scan over stored bodies, ties broken by the more recent episode.
func (s *EpisodicStore) Similar(ctx context.Context, query string, limit int) ([]memory.ScoredEpisode, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, session_id, messages, outcome, entities, metadata, created_at, body
		FROM episodes`)
	if err != nil {
		return nil, fmt.Errorf("query episodes: %w", err)
	}
	defer rows.Close()

	var scored []memory.ScoredEpisode
	for rows.Next() {
		var (
			ep                                       memory.Episode
			messagesJSON, entitiesJSON, metadataJSON sql.NullString
			createdAt, body                          string
		)
		if err := rows.Scan(&ep.ID, &ep.SessionID, &messagesJSON, &ep.Outcome,
			&entitiesJSON, &metadataJSON, &createdAt, &body); err != nil {
			return nil, fmt.Errorf("scan episode: %w", err)
		}
		if err := decodeEpisodeFields(&ep, messagesJSON, entitiesJSON, metadataJSON, createdAt); err != nil {
			return nil, err
		}
		scored = append(scored, memory.ScoredEpisode{Episode: ep, Score: memory.TextSimilarity(query, body)})
	}
	if err := rows.Err(); err != nil {
		return nil, err
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

// Close releases the database handle.
func (s *EpisodicStore) Close() error { return s.db.Close() }

type rowScanner interface {
	Scan(dest ...any) error
}

func scanEpisode(row rowScanner) (memory.Episode, error) {
	var (
		ep                                       memory.Episode
		messagesJSON, entitiesJSON, metadataJSON sql.NullString
		createdAt                                string
	)
	if err := row.Scan(&ep.ID, &ep.SessionID, &messagesJSON, &ep.Outcome,
		&entitiesJSON, &metadataJSON, &createdAt); err != nil {
		return memory.Episode{}, err
	}
	if err := decodeEpisodeFields(&ep, messagesJSON, entitiesJSON, metadataJSON, createdAt); err != nil {
		return memory.Episode{}, err
	}
	return ep, nil
}

func decodeEpisodeFields(ep *memory.Episode, messagesJSON, entitiesJSON, metadataJSON sql.NullString, createdAt string) error {
	if messagesJSON.Valid && messagesJSON.String != "" {
		if err := json.Unmarshal([]byte(messagesJSON.String), &ep.Messages); err != nil {
			return fmt.Errorf("unmarshal messages: %w", err)
		}
	}
	if entitiesJSON.Valid && entitiesJSON.String != "" && entitiesJSON.String != "null" {
		if err := json.Unmarshal([]byte(entitiesJSON.String), &ep.Entities); err != nil {
			return fmt.Errorf("unmarshal entities: %w", err)
		}
	}
	if metadataJSON.Valid && metadataJSON.String != "" && metadataJSON.String != "null" {
		if err := json.Unmarshal([]byte(metadataJSON.String), &ep.Metadata); err != nil {
			return fmt.Errorf("unmarshal metadata: %w", err)
		}
	}
	ts, err := time.Parse(time.RFC3339Nano, createdAt)
	if err != nil {
		return fmt.Errorf("parse created_at: %w", err)
	}
	ep.CreatedAt = ts
	return nil
}

var _ memory.EpisodicStore = (*EpisodicStore)(nil)

// NewEpisode is a convenience constructor assigning a fresh id up front,
// useful when the caller wants the id before the write completes.
func (s *EpisodicStore) NewEpisode(sessionID string, messages []core.Message, outcome string) memory.Episode {
	return memory.Episode{
		ID:        s.newID(),
		SessionID: sessionID,
		Messages:  messages,
		Outcome:   outcome,
		CreatedAt: time.Now().UTC(),
	}
}
