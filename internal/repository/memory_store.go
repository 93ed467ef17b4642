package repository

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/stemsi/kubelab-exams/internal/model"
)

// MemoryStore is a process-local session and attempt store. Every operation
// runs under one mutex, which makes insert and finish atomic.
type MemoryStore struct {
	mu       sync.Mutex
	sessions map[uuid.UUID]*model.ExamSession
	active   map[model.SessionKey]uuid.UUID
	attempts map[model.SessionKey][]model.Attempt
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		sessions: make(map[uuid.UUID]*model.ExamSession),
		active:   make(map[model.SessionKey]uuid.UUID),
		attempts: make(map[model.SessionKey][]model.Attempt),
	}
}

func (m *MemoryStore) InsertIfAbsent(_ context.Context, s *model.ExamSession) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := s.Key()
	if _, ok := m.active[key]; ok {
		return ErrActiveSessionExists
	}
	stored := cloneSession(s)
	stored.IsActive = true
	m.sessions[s.ID] = stored
	m.active[key] = s.ID
	return nil
}

func (m *MemoryStore) GetActive(_ context.Context, key model.SessionKey) (*model.ExamSession, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	id, ok := m.active[key]
	if !ok {
		return nil, ErrNotFound
	}
	return cloneSession(m.sessions[id]), nil
}

func (m *MemoryStore) Finish(_ context.Context, key model.SessionKey, sessionID uuid.UUID, answers map[string]model.Answer, at time.Time) (*model.ExamSession, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if id, ok := m.active[key]; !ok || id != sessionID {
		return nil, ErrNotFound
	}
	s := m.sessions[sessionID]
	if answers == nil {
		answers = map[string]model.Answer{}
	}
	finished := at
	s.Answers = answers
	s.IsActive = false
	s.FinishedAt = &finished
	delete(m.active, key)
	return cloneSession(s), nil
}

func (m *MemoryStore) ListExpired(_ context.Context, cutoff time.Time, limit int) ([]model.ExamSession, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []model.ExamSession
	for _, id := range m.active {
		s := m.sessions[id]
		if s.Deadline().Before(cutoff) {
			out = append(out, *cloneSession(s))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Deadline().Before(out[j].Deadline()) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// Create appends an attempt.
func (m *MemoryStore) Create(_ context.Context, a *model.Attempt) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := model.SessionKey{UserID: a.UserID, ExamID: a.ExamID}
	m.attempts[key] = append(m.attempts[key], *a)
	return nil
}

// ListByUserAndExam returns attempts newest first.
func (m *MemoryStore) ListByUserAndExam(_ context.Context, userID, examID string) ([]model.Attempt, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	src := m.attempts[model.SessionKey{UserID: userID, ExamID: examID}]
	out := make([]model.Attempt, len(src))
	copy(out, src)
	sort.SliceStable(out, func(i, j int) bool { return out[i].CompletedAt.After(out[j].CompletedAt) })
	return out, nil
}

func cloneSession(s *model.ExamSession) *model.ExamSession {
	c := *s
	c.Answers = make(map[string]model.Answer, len(s.Answers))
	for k, v := range s.Answers {
		c.Answers[k] = v
	}
	if s.FinishedAt != nil {
		t := *s.FinishedAt
		c.FinishedAt = &t
	}
	return &c
}
