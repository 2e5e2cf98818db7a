package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"campuscast/internal/models"
)

// MemoryStore keeps sessions in memory, optionally mirroring every write to a
// JSON snapshot file so single-node deployments survive restarts.
type MemoryStore struct {
	mu       sync.RWMutex
	filePath string
	sessions map[string]models.Session
	// persistOverride allows tests to intercept persist operations.
	persistOverride func(map[string]models.Session) error
}

// MemoryOption mutates memory store configuration.
type MemoryOption func(*MemoryStore)

// WithSnapshotFile enables JSON persistence at the provided path.
func WithSnapshotFile(path string) MemoryOption {
	return func(s *MemoryStore) {
		s.filePath = path
	}
}

// NewMemoryStore constructs a memory-backed session repository. When a
// snapshot file is configured and exists, its contents are loaded first.
func NewMemoryStore(opts ...MemoryOption) (*MemoryStore, error) {
	store := &MemoryStore{sessions: make(map[string]models.Session)}
	for _, opt := range opts {
		if opt != nil {
			opt(store)
		}
	}
	if store.filePath != "" {
		if err := store.load(); err != nil {
			return nil, err
		}
	}
	return store, nil
}

func (s *MemoryStore) load() error {
	data, err := os.ReadFile(s.filePath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("read session snapshot: %w", err)
	}
	sessions := make(map[string]models.Session)
	if len(data) > 0 {
		if err := json.Unmarshal(data, &sessions); err != nil {
			return fmt.Errorf("decode session snapshot: %w", err)
		}
	}
	s.sessions = sessions
	return nil
}

func (s *MemoryStore) persistLocked() error {
	if s.persistOverride != nil {
		return s.persistOverride(s.sessions)
	}
	if s.filePath == "" {
		return nil
	}
	data, err := json.MarshalIndent(s.sessions, "", "  ")
	if err != nil {
		return fmt.Errorf("encode session snapshot: %w", err)
	}
	tmp := s.filePath + ".tmp"
	if dir := filepath.Dir(s.filePath); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create snapshot directory: %w", err)
		}
	}
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("write session snapshot: %w", err)
	}
	if err := os.Rename(tmp, s.filePath); err != nil {
		return fmt.Errorf("replace session snapshot: %w", err)
	}
	return nil
}

func (s *MemoryStore) CreateSession(ctx context.Context, session models.Session) (models.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.sessions[session.ID]; exists {
		return models.Session{}, ErrSessionExists
	}
	now := time.Now().UTC()
	if session.CreatedAt.IsZero() {
		session.CreatedAt = now
	}
	session.UpdatedAt = now
	session.Revision = 1
	s.sessions[session.ID] = session
	if err := s.persistLocked(); err != nil {
		delete(s.sessions, session.ID)
		return models.Session{}, err
	}
	return session, nil
}

func (s *MemoryStore) GetSession(ctx context.Context, id string) (models.Session, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	session, ok := s.sessions[id]
	return session, ok, nil
}

func (s *MemoryStore) UpdateSession(ctx context.Context, session models.Session) (models.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	current, ok := s.sessions[session.ID]
	if !ok {
		return models.Session{}, fmt.Errorf("session %s not found", session.ID)
	}
	if current.Revision != session.Revision {
		return models.Session{}, ErrRevisionConflict
	}
	session.Revision++
	session.UpdatedAt = time.Now().UTC()
	s.sessions[session.ID] = session
	if err := s.persistLocked(); err != nil {
		s.sessions[session.ID] = current
		return models.Session{}, err
	}
	return session, nil
}

func (s *MemoryStore) ListSessions(ctx context.Context, status models.SessionStatus) ([]models.Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sessions := make([]models.Session, 0, len(s.sessions))
	for _, session := range s.sessions {
		if status != "" && session.Status != status {
			continue
		}
		sessions = append(sessions, session)
	}
	sort.Slice(sessions, func(i, j int) bool {
		if sessions[i].CreatedAt.Equal(sessions[j].CreatedAt) {
			return sessions[i].ID < sessions[j].ID
		}
		return sessions[i].CreatedAt.Before(sessions[j].CreatedAt)
	})
	return sessions, nil
}

func (s *MemoryStore) Ping(ctx context.Context) error {
	return nil
}

func (s *MemoryStore) Close(ctx context.Context) error {
	return nil
}

var _ Repository = (*MemoryStore)(nil)
