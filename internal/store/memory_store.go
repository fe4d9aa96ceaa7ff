package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/agentharbor/core/internal/model"
)

// MemoryStore is a mutex-guarded in-memory Store. It backs unit tests and
// throwaway dev runs; it honors the same consumption/ordering contracts as
// the durable backends.
type MemoryStore struct {
	mu sync.Mutex

	workspaces map[string]*model.Workspace
	sessions   map[string]*model.Session
	worktrees  map[string]map[string]*model.Worktree // sessionID -> worktreeID -> worktree
	messages   map[string][]*model.Message           // sessionID/worktreeID -> append-only log
	refresh    map[string]*model.RefreshToken
	nextMsgID  int64
}

// NewMemoryStore builds an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		workspaces: make(map[string]*model.Workspace),
		sessions:   make(map[string]*model.Session),
		worktrees:  make(map[string]map[string]*model.Worktree),
		messages:   make(map[string][]*model.Message),
		refresh:    make(map[string]*model.RefreshToken),
	}
}

func msgKey(sessionID, worktreeID string) string { return sessionID + "/" + worktreeID }

func (s *MemoryStore) PutWorkspace(_ context.Context, ws *model.Workspace) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *ws
	s.workspaces[ws.ID] = &cp
	return nil
}

func (s *MemoryStore) GetWorkspace(_ context.Context, id string) (*model.Workspace, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ws, ok := s.workspaces[id]
	if !ok {
		return nil, nil
	}
	cp := *ws
	return &cp, nil
}

func (s *MemoryStore) ListWorkspaces(_ context.Context) ([]*model.Workspace, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*model.Workspace, 0, len(s.workspaces))
	for _, ws := range s.workspaces {
		cp := *ws
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (s *MemoryStore) SaveSession(_ context.Context, sess *model.Session) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *sess
	s.sessions[sess.ID] = &cp
	return nil
}

func (s *MemoryStore) GetSession(_ context.Context, id string) (*model.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[id]
	if !ok {
		return nil, nil
	}
	cp := *sess
	return &cp, nil
}

func (s *MemoryStore) ListSessions(_ context.Context, workspaceID string) ([]*model.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*model.Session
	for _, sess := range s.sessions {
		if sess.WorkspaceID == workspaceID {
			cp := *sess
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (s *MemoryStore) DeleteSession(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.sessions, id)
	for wt := range s.worktrees[id] {
		delete(s.messages, msgKey(id, wt))
	}
	delete(s.worktrees, id)
	return nil
}

func (s *MemoryStore) SaveWorktree(_ context.Context, w *model.Worktree) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.worktrees[w.SessionID]
	if !ok {
		m = make(map[string]*model.Worktree)
		s.worktrees[w.SessionID] = m
	}
	cp := *w
	m[w.ID] = &cp
	return nil
}

func (s *MemoryStore) GetWorktree(_ context.Context, sessionID, worktreeID string) (*model.Worktree, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	w, ok := s.worktrees[sessionID][worktreeID]
	if !ok {
		return nil, nil
	}
	cp := *w
	return &cp, nil
}

func (s *MemoryStore) ListWorktrees(_ context.Context, sessionID string) ([]*model.Worktree, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*model.Worktree
	for _, w := range s.worktrees[sessionID] {
		cp := *w
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].ID == "main" {
			return true
		}
		if out[j].ID == "main" {
			return false
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out, nil
}

func (s *MemoryStore) DeleteWorktree(_ context.Context, sessionID, worktreeID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.worktrees[sessionID], worktreeID)
	delete(s.messages, msgKey(sessionID, worktreeID))
	return nil
}

func (s *MemoryStore) AppendMessage(_ context.Context, m *model.Message) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextMsgID++
	cp := *m
	cp.ID = s.nextMsgID
	key := msgKey(m.SessionID, m.WorktreeID)
	s.messages[key] = append(s.messages[key], &cp)
	m.ID = cp.ID
	return cp.ID, nil
}

func (s *MemoryStore) ListMessages(_ context.Context, sessionID, worktreeID string, limit int, beforeID int64) ([]*model.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	log := s.messages[msgKey(sessionID, worktreeID)]
	var out []*model.Message
	for _, m := range log {
		if beforeID > 0 && m.ID >= beforeID {
			continue
		}
		cp := *m
		out = append(out, &cp)
	}
	if limit > 0 && len(out) > limit {
		out = out[len(out)-limit:]
	}
	return out, nil
}

func (s *MemoryStore) ClearMessages(_ context.Context, sessionID, worktreeID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.messages, msgKey(sessionID, worktreeID))
	return nil
}

func (s *MemoryStore) PutRefreshToken(_ context.Context, rt *model.RefreshToken) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *rt
	s.refresh[rt.Hash] = &cp
	return nil
}

func (s *MemoryStore) ConsumeRefreshToken(_ context.Context, hash string, next *model.RefreshToken) (*model.RefreshToken, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rt, ok := s.refresh[hash]
	if !ok {
		return nil, ErrRefreshNotFound
	}
	if rt.UsedAt != nil {
		return nil, ErrRefreshUsed
	}
	now := time.Now().UTC()
	rt.UsedAt = &now
	if next.WorkspaceID == "" {
		next.WorkspaceID = rt.WorkspaceID
	}
	cp := *next
	s.refresh[next.Hash] = &cp
	out := *rt
	out.UsedAt = nil
	return &out, nil
}

func (s *MemoryStore) PurgeExpired(_ context.Context, now time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for h, rt := range s.refresh {
		if rt.ExpiresAt.Before(now) {
			delete(s.refresh, h)
		}
	}
	return nil
}

func (s *MemoryStore) Close() error { return nil }
