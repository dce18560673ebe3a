package store

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/clawgate/clawgate/pkg/models"
)

// MemoryStore provides an in-memory Store, used in tests and when no
// database path is configured.
type MemoryStore struct {
	mu       sync.RWMutex
	sessions map[string]*models.Session
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{sessions: make(map[string]*models.Session)}
}

func cloneSession(s *models.Session) *models.Session {
	copied := *s
	copied.Messages = append([]models.Message(nil), s.Messages...)
	return &copied
}

func (s *MemoryStore) GetSession(ctx context.Context, id string) (*models.Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	session, ok := s.sessions[id]
	if !ok {
		return nil, ErrNotFound
	}
	return cloneSession(session), nil
}

func (s *MemoryStore) SaveSession(ctx context.Context, session *models.Session) error {
	if session == nil || session.ID == "" {
		return fmt.Errorf("session with id is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sessions[session.ID] = cloneSession(session)
	return nil
}

func (s *MemoryStore) SaveMessage(ctx context.Context, sessionID string, msg *models.Message) error {
	if msg == nil {
		return fmt.Errorf("message is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	session, ok := s.sessions[sessionID]
	if !ok {
		return ErrNotFound
	}
	session.Messages = append(session.Messages, *msg)
	session.UpdatedAt = msg.CreatedAt
	return nil
}

func (s *MemoryStore) ClearSession(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	session, ok := s.sessions[id]
	if !ok {
		return ErrNotFound
	}
	session.Messages = nil
	return nil
}

func (s *MemoryStore) ListSessions(ctx context.Context, limit int) ([]*models.Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sessions := make([]*models.Session, 0, len(s.sessions))
	for _, session := range s.sessions {
		sessions = append(sessions, cloneSession(session))
	}
	sort.Slice(sessions, func(i, j int) bool {
		return sessions[i].UpdatedAt.After(sessions[j].UpdatedAt)
	})
	if limit > 0 && limit < len(sessions) {
		sessions = sessions[:limit]
	}
	return sessions, nil
}
