// Package idempotency implements the router's per-chat update_id de-dup
// store (C9 subpart): an atomic check-and-insert keyed by chat_id, bounding
// memory by keeping only the most recent N ids per chat, persisted with the
// same atomic-rename discipline as internal/router/session.Store so a
// restart does not re-deliver a webhook retry.
package idempotency

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
)

const defaultPerChatLimit = 200

// chatLog is the bounded ring of recently seen update_ids for one chat,
// oldest first.
type chatLog struct {
	IDs []int64 `json:"ids"`
}

// Store is a persisted, bounded, per-chat set of seen update_ids.
type Store struct {
	mu    sync.Mutex
	path  string
	limit int
	chats map[int64]*chatLog
}

// Open loads (or initializes) the de-dup store at path.
func Open(path string, perChatLimit int) (*Store, error) {
	if perChatLimit <= 0 {
		perChatLimit = defaultPerChatLimit
	}
	s := &Store{path: path, limit: perChatLimit, chats: make(map[int64]*chatLog)}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("creating idempotency store directory: %w", err)
	}
	if _, err := os.Stat(path); err == nil {
		raw, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("reading idempotency store: %w", err)
		}
		if err := json.Unmarshal(raw, &s.chats); err != nil {
			return nil, fmt.Errorf("decoding idempotency store: %w", err)
		}
	} else if !os.IsNotExist(err) {
		return nil, fmt.Errorf("stat idempotency store: %w", err)
	}
	return s, nil
}

func (s *Store) saveLocked() error {
	dir := filepath.Dir(s.path)
	f, err := os.CreateTemp(dir, ".idempotency-*")
	if err != nil {
		return err
	}
	tmp := f.Name()
	defer os.Remove(tmp)

	if err := f.Chmod(0o600); err != nil {
		f.Close()
		return err
	}
	if err := json.NewEncoder(f).Encode(s.chats); err != nil {
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

// Seen atomically checks whether updateID has already been recorded for
// chatID; if not, it records it (evicting the oldest entry once the chat's
// log exceeds its limit) and returns false. Returns true on a replay.
func (s *Store) Seen(chatID, updateID int64) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	log, ok := s.chats[chatID]
	if !ok {
		log = &chatLog{}
		s.chats[chatID] = log
	}
	for _, id := range log.IDs {
		if id == updateID {
			return true, nil
		}
	}

	log.IDs = append(log.IDs, updateID)
	if len(log.IDs) > s.limit {
		log.IDs = log.IDs[len(log.IDs)-s.limit:]
	}
	if err := s.saveLocked(); err != nil {
		return false, fmt.Errorf("persisting idempotency store: %w", err)
	}
	return false, nil
}
