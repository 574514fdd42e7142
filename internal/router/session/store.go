package session

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// Store persists one Session per chat_id to a single JSON file, guarded by
// an in-process lock and written with the create-temp/fsync/rename
// discipline internal/storage.JSONStorage uses for its own single-file
// position ledger, generalized here to a map keyed by chat_id.
type Store struct {
	mu       sync.Mutex
	path     string
	sessions map[int64]*Session
	ttlSec   int
	now      func() time.Time
}

// Open loads (or initializes) the session file at path. defaultTTLSec seeds
// new sessions created via Ensure.
func Open(path string, defaultTTLSec int) (*Store, error) {
	s := &Store{path: path, sessions: make(map[int64]*Session), ttlSec: defaultTTLSec, now: time.Now}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("creating session store directory: %w", err)
	}
	if _, err := os.Stat(path); err == nil {
		if err := s.load(); err != nil {
			return nil, fmt.Errorf("loading session store: %w", err)
		}
	} else if !os.IsNotExist(err) {
		return nil, fmt.Errorf("stat session store: %w", err)
	}
	return s, nil
}

func (s *Store) load() error {
	raw, err := os.ReadFile(s.path)
	if err != nil {
		return err
	}
	var sessions map[int64]*Session
	if err := json.Unmarshal(raw, &sessions); err != nil {
		return err
	}
	s.sessions = sessions
	return nil
}

// saveLocked writes the full session map atomically. Caller must hold mu.
func (s *Store) saveLocked() error {
	dir := filepath.Dir(s.path)
	f, err := os.CreateTemp(dir, ".sessions-*")
	if err != nil {
		return err
	}
	tmp := f.Name()
	defer os.Remove(tmp) // no-op once the rename below succeeds

	if err := f.Chmod(0o600); err != nil {
		f.Close()
		return fmt.Errorf("chmod temp session file: %w", err)
	}
	enc := json.NewEncoder(f)
	if err := enc.Encode(s.sessions); err != nil {
		f.Close()
		return err
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	return os.Rename(tmp, s.path)
}

// Get returns the live session for chatID, or nil if absent or expired.
// An expired session is deleted (and the file rewritten) as part of the read,
// matching the C6 contract's "returns null when expired and deletes the row".
func (s *Store) Get(chatID int64) (*Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sess, ok := s.sessions[chatID]
	if !ok {
		return nil, nil
	}
	if sess.IsExpired(s.now().Unix()) {
		delete(s.sessions, chatID)
		if err := s.saveLocked(); err != nil {
			return nil, fmt.Errorf("clearing expired session: %w", err)
		}
		return nil, nil
	}
	cp := *sess
	return &cp, nil
}

// Ensure returns the existing non-expired session for chatID, or a fresh
// IDLE one if none exists.
func (s *Store) Ensure(chatID int64) (*Session, error) {
	sess, err := s.Get(chatID)
	if err != nil {
		return nil, err
	}
	if sess != nil {
		return sess, nil
	}
	return &Session{ChatID: chatID, State: Idle, CreatedTS: s.now().Unix(), TTLSec: s.ttlSec}, nil
}

// Set persists sess, refreshing its CreatedTS (the C6 contract's "set
// refreshes ts").
func (s *Store) Set(sess *Session) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cp := *sess
	cp.CreatedTS = s.now().Unix()
	if cp.TTLSec <= 0 {
		cp.TTLSec = s.ttlSec
	}
	s.sessions[sess.ChatID] = &cp
	return s.saveLocked()
}

// Clear removes any session for chatID.
func (s *Store) Clear(chatID int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.sessions[chatID]; !ok {
		return nil
	}
	delete(s.sessions, chatID)
	return s.saveLocked()
}
