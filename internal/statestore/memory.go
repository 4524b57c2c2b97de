package statestore

import (
	"context"
	"sync"

	"github.com/triagekit/triagekit/pkg/schema"
)

// MemoryStore is an in-memory Store for tests and single-process use.
type MemoryStore struct {
	mu       sync.RWMutex
	sessions map[string]*memorySession
}

type memorySession struct {
	mu       sync.Mutex
	versions []*schema.WorkflowState
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{sessions: make(map[string]*memorySession)}
}

func (s *MemoryStore) Create(_ context.Context, req *schema.IntakeRequest) (*schema.WorkflowState, error) {
	state := newSessionState(req)

	s.mu.Lock()
	s.sessions[state.SessionID] = &memorySession{versions: []*schema.WorkflowState{state}}
	s.mu.Unlock()

	return state.Clone(), nil
}

func (s *MemoryStore) session(sessionID string) (*memorySession, error) {
	s.mu.RLock()
	sess, ok := s.sessions[sessionID]
	s.mu.RUnlock()
	if !ok {
		return nil, sessionNotFound(sessionID)
	}
	return sess, nil
}

func (s *MemoryStore) ApplyUpdate(_ context.Context, sessionID, stageName string, updates schema.Updates) (*schema.WorkflowState, error) {
	sess, err := s.session(sessionID)
	if err != nil {
		return nil, err
	}

	sess.mu.Lock()
	defer sess.mu.Unlock()

	next := sess.versions[len(sess.versions)-1].Clone()
	next.ApplyUpdates(stageName, updates)
	sess.versions = append(sess.versions, next)

	return next.Clone(), nil
}

func (s *MemoryStore) AppendLogEntry(_ context.Context, sessionID string, entry *schema.ExecutionLogEntry) error {
	sess, err := s.session(sessionID)
	if err != nil {
		return err
	}

	sess.mu.Lock()
	defer sess.mu.Unlock()

	normalizeEntry(entry)
	latest := sess.versions[len(sess.versions)-1]
	latest.ExecutionLog = append(latest.ExecutionLog, *entry)
	mirrorLogError(latest, entry)

	return nil
}

func (s *MemoryStore) GetLatest(_ context.Context, sessionID string) (*schema.WorkflowState, error) {
	sess, err := s.session(sessionID)
	if err != nil {
		return nil, err
	}

	sess.mu.Lock()
	defer sess.mu.Unlock()
	return sess.versions[len(sess.versions)-1].Clone(), nil
}

func (s *MemoryStore) GetHistory(_ context.Context, sessionID string) ([]*schema.WorkflowState, error) {
	sess, err := s.session(sessionID)
	if err != nil {
		return nil, err
	}

	sess.mu.Lock()
	defer sess.mu.Unlock()

	history := make([]*schema.WorkflowState, len(sess.versions))
	for i, v := range sess.versions {
		history[i] = v.Clone()
	}
	return history, nil
}

func (s *MemoryStore) ListSessions(_ context.Context) ([]*SessionInfo, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	infos := make([]*SessionInfo, 0, len(s.sessions))
	for id, sess := range s.sessions {
		sess.mu.Lock()
		latest := sess.versions[len(sess.versions)-1]
		infos = append(infos, &SessionInfo{
			SessionID:    id,
			TicketID:     latest.TicketID,
			CurrentStage: latest.CurrentStage,
			Completed:    isTerminalStage(latest),
			Versions:     len(sess.versions),
			CreatedAt:    latest.CreatedAt,
			UpdatedAt:    latest.UpdatedAt,
		})
		sess.mu.Unlock()
	}
	return infos, nil
}

func (s *MemoryStore) Purge(_ context.Context, sessionID string) error {
	s.mu.Lock()
	delete(s.sessions, sessionID)
	s.mu.Unlock()
	return nil
}

func (s *MemoryStore) Close() error { return nil }

var _ Store = (*MemoryStore)(nil)
