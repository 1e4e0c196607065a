package session

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	v1 "github.com/acp2/gateway/pkg/api/v1"
)

// MemoryStore keeps sessions in memory. History is lost on restart; it is
// the fallback when no database is configured.
type MemoryStore struct {
	mu       sync.RWMutex
	sessions map[string]*Session
	messages map[string][]StoredMessage
}

var _ Store = (*MemoryStore)(nil)

// NewMemoryStore creates an empty in-memory session store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		sessions: make(map[string]*Session),
		messages: make(map[string][]StoredMessage),
	}
}

func (s *MemoryStore) GetOrCreate(ctx context.Context, id, agent, cwd string) (Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if sess, ok := s.sessions[id]; ok {
		return *sess, nil
	}

	now := time.Now().UTC()
	sess := &Session{
		ID:           id,
		Agent:        agent,
		CWD:          cwd,
		CreatedAt:    now,
		LastActiveAt: now,
	}
	s.sessions[id] = sess
	return *sess, nil
}

func (s *MemoryStore) Get(ctx context.Context, id string) (Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	sess, ok := s.sessions[id]
	if !ok {
		return Session{}, ErrNotFound
	}
	return *sess, nil
}

func (s *MemoryStore) UpdateAgentSessionID(ctx context.Context, id, agentSessionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	sess, ok := s.sessions[id]
	if !ok {
		return ErrNotFound
	}
	sess.AgentSessionID = agentSessionID
	sess.LastActiveAt = time.Now().UTC()
	return nil
}

func (s *MemoryStore) UpdateActivity(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	sess, ok := s.sessions[id]
	if !ok {
		return ErrNotFound
	}
	sess.LastActiveAt = time.Now().UTC()
	return nil
}

func (s *MemoryStore) AppendMessage(ctx context.Context, id, runID string, msg v1.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	sess, ok := s.sessions[id]
	if !ok {
		return ErrNotFound
	}

	s.messages[id] = append(s.messages[id], StoredMessage{
		ID:        uuid.New().String(),
		SessionID: id,
		RunID:     runID,
		Message:   msg,
		CreatedAt: time.Now().UTC(),
	})
	sess.MessageCount++
	sess.LastActiveAt = time.Now().UTC()
	return nil
}

func (s *MemoryStore) History(ctx context.Context, id string, limit int) ([]StoredMessage, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if _, ok := s.sessions[id]; !ok {
		return nil, ErrNotFound
	}

	msgs := s.messages[id]
	if limit > 0 && len(msgs) > limit {
		msgs = msgs[len(msgs)-limit:]
	}
	out := make([]StoredMessage, len(msgs))
	copy(out, msgs)
	return out, nil
}

func (s *MemoryStore) List(ctx context.Context, agent string) ([]Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]Session, 0, len(s.sessions))
	for _, sess := range s.sessions {
		if agent != "" && sess.Agent != agent {
			continue
		}
		out = append(out, *sess)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].LastActiveAt.After(out[j].LastActiveAt) })
	return out, nil
}

func (s *MemoryStore) Delete(ctx context.Context, id string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.sessions[id]; !ok {
		return false, nil
	}
	delete(s.sessions, id)
	delete(s.messages, id)
	return true, nil
}

func (s *MemoryStore) Close() error { return nil }
