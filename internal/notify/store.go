// Package notify persists call history: missed calls and session
// lifecycle events. The engine reports fire-and-forget; writes are
// queued to a single writer goroutine so the reporting side never
// blocks on disk.
package notify

import (
	"database/sql"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sync"
	"time"

	_ "modernc.org/sqlite"
)

// MissedCall is one unanswered ring.
type MissedCall struct {
	ID     int64     `json:"id"`
	PeerID string    `json:"peer_id"`
	At     time.Time `json:"at"`
	Seen   bool      `json:"seen"`
}

// SessionEvent is one session lifecycle step.
type SessionEvent struct {
	ID     int64     `json:"id"`
	Kind   string    `json:"kind"`
	PeerID string    `json:"peer_id,omitempty"`
	At     time.Time `json:"at"`
}

// Store wraps the SQLite history database for a peer.
type Store struct {
	db   *sql.DB
	path string

	mu     sync.RWMutex
	writes chan func()
	done   chan struct{}
	once   sync.Once
}

// Open opens or creates the history database in the given directory.
func Open(configDir string) (*Store, error) {
	if err := os.MkdirAll(configDir, 0755); err != nil {
		return nil, fmt.Errorf("create config dir: %w", err)
	}
	dbPath := filepath.Join(configDir, "history.db")

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	// WAL mode and a busy timeout for concurrent reader/writer access.
	if _, err := db.Exec(`
		PRAGMA journal_mode = WAL;
		PRAGMA busy_timeout = 5000;
	`); err != nil {
		db.Close()
		return nil, fmt.Errorf("configure database: %w", err)
	}

	if _, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS missed_calls (
			id      INTEGER PRIMARY KEY AUTOINCREMENT,
			peer_id TEXT NOT NULL,
			at      DATETIME DEFAULT CURRENT_TIMESTAMP,
			seen    INTEGER DEFAULT 0
		);
	`); err != nil {
		db.Close()
		return nil, fmt.Errorf("create missed_calls table: %w", err)
	}

	if _, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS session_events (
			id      INTEGER PRIMARY KEY AUTOINCREMENT,
			kind    TEXT NOT NULL,
			peer_id TEXT DEFAULT '',
			at      DATETIME DEFAULT CURRENT_TIMESTAMP
		);
	`); err != nil {
		db.Close()
		return nil, fmt.Errorf("create session_events table: %w", err)
	}

	s := &Store{
		db:     db,
		path:   dbPath,
		writes: make(chan func(), 128),
		done:   make(chan struct{}),
	}
	go s.writer()
	return s, nil
}

func (s *Store) writer() {
	for op := range s.writes {
		op()
	}
	close(s.done)
}

// enqueue hands a write to the writer goroutine; if the queue is full
// the write happens inline rather than getting lost.
func (s *Store) enqueue(op func()) {
	select {
	case s.writes <- op:
	default:
		op()
	}
}

// Close drains pending writes and closes the database.
func (s *Store) Close() error {
	s.once.Do(func() {
		close(s.writes)
		<-s.done
	})
	return s.db.Close()
}

// Path returns the database file path.
func (s *Store) Path() string {
	return s.path
}

// MissedCall records an unanswered ring from peer. Never blocks.
func (s *Store) MissedCall(fromID string) {
	s.enqueue(func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		if _, err := s.db.Exec(`INSERT INTO missed_calls (peer_id) VALUES (?)`, fromID); err != nil {
			log.Printf("NOTIFY: record missed call from %s: %v", fromID, err)
		}
	})
}

// SessionEvent records a session lifecycle step. Never blocks.
func (s *Store) SessionEvent(kind, peerID string) {
	s.enqueue(func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		if _, err := s.db.Exec(`INSERT INTO session_events (kind, peer_id) VALUES (?, ?)`, kind, peerID); err != nil {
			log.Printf("NOTIFY: record session event %s: %v", kind, err)
		}
	})
}

// Flush blocks until every write queued so far has been applied.
func (s *Store) Flush() {
	done := make(chan struct{})
	s.enqueue(func() { close(done) })
	<-done
}

// Missed returns the most recent missed calls, newest first.
func (s *Store) Missed(limit int) ([]MissedCall, error) {
	if limit <= 0 {
		limit = 50
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.Query(`
		SELECT id, peer_id, at, seen FROM missed_calls
		ORDER BY id DESC LIMIT ?
	`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []MissedCall
	for rows.Next() {
		var m MissedCall
		var seen int
		if err := rows.Scan(&m.ID, &m.PeerID, &m.At, &seen); err != nil {
			return nil, err
		}
		m.Seen = seen != 0
		out = append(out, m)
	}
	return out, rows.Err()
}

// UnseenCount returns how many missed calls have not been acknowledged.
func (s *Store) UnseenCount() (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var n int
	err := s.db.QueryRow(`SELECT COUNT(*) FROM missed_calls WHERE seen = 0`).Scan(&n)
	return n, err
}

// MarkSeen acknowledges every missed call up to and including id.
func (s *Store) MarkSeen(id int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec(`UPDATE missed_calls SET seen = 1 WHERE id <= ?`, id)
	return err
}

// Events returns the most recent session events, newest first.
func (s *Store) Events(limit int) ([]SessionEvent, error) {
	if limit <= 0 {
		limit = 100
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.Query(`
		SELECT id, kind, peer_id, at FROM session_events
		ORDER BY id DESC LIMIT ?
	`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []SessionEvent
	for rows.Next() {
		var e SessionEvent
		if err := rows.Scan(&e.ID, &e.Kind, &e.PeerID, &e.At); err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}
