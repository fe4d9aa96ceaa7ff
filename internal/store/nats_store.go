package store

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/agentharbor/core/internal/common/config"
	"github.com/agentharbor/core/internal/common/logger"
	"github.com/agentharbor/core/internal/model"
)

// NATSStore is the external Store backend: one JetStream KV bucket per
// entity kind. Refresh-token rotation uses KeyValue.Update's
// last-revision compare-and-swap for SETNX-style atomic consumption; a
// CAS failure is the concurrency guard.
type NATSStore struct {
	conn *nats.Conn
	js   nats.JetStreamContext

	workspaces    nats.KeyValue
	sessions      nats.KeyValue
	worktrees     nats.KeyValue
	messages      nats.KeyValue
	refreshTokens nats.KeyValue

	msgSeq map[string]*int64 // not used: message ids come from the per-worktree seq keys in the messages bucket
}

// OpenNATSStore connects to NATS and provisions (or reuses) the KV buckets.
func OpenNATSStore(cfg config.NATSConfig, log *logger.Logger) (*NATSStore, error) {
	conn, err := nats.Connect(cfg.URL,
		nats.Name(cfg.ClientID),
		nats.MaxReconnects(cfg.MaxReconnects),
		nats.ReconnectWait(2*time.Second),
	)
	if err != nil {
		return nil, fmt.Errorf("connect to NATS: %w", err)
	}

	js, err := conn.JetStream()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("acquire JetStream context: %w", err)
	}

	ttl := time.Duration(cfg.KVBucketTTL) * time.Second

	s := &NATSStore{conn: conn, js: js}

	// Session/worktree buckets additionally carry a native TTL as a backstop
	// to the explicit purgeExpired GC sweep (belt and braces); the
	// workspaces and refresh_tokens buckets are non-expiring per Open
	// Question 4 (the session-global index is treated as non-expiring too,
	// which here just means the workspaces bucket carries no TTL).
	if s.workspaces, err = bucket(js, "workspaces", 0); err != nil {
		return nil, err
	}
	if s.sessions, err = bucket(js, "sessions", ttl); err != nil {
		return nil, err
	}
	if s.worktrees, err = bucket(js, "worktrees", ttl); err != nil {
		return nil, err
	}
	if s.messages, err = bucket(js, "messages", 0); err != nil {
		return nil, err
	}
	if s.refreshTokens, err = bucket(js, "refresh_tokens", 0); err != nil {
		return nil, err
	}

	return s, nil
}

func bucket(js nats.JetStreamContext, name string, ttl time.Duration) (nats.KeyValue, error) {
	kv, err := js.KeyValue(name)
	if err == nil {
		return kv, nil
	}
	return js.CreateKeyValue(&nats.KeyValueConfig{Bucket: name, TTL: ttl})
}

func (s *NATSStore) Close() error {
	return s.conn.Drain()
}

func (s *NATSStore) PutWorkspace(_ context.Context, ws *model.Workspace) error {
	data, err := json.Marshal(ws)
	if err != nil {
		return err
	}
	_, err = s.workspaces.Put(ws.ID, data)
	return err
}

func (s *NATSStore) GetWorkspace(_ context.Context, id string) (*model.Workspace, error) {
	entry, err := s.workspaces.Get(id)
	if err != nil {
		if err == nats.ErrKeyNotFound {
			return nil, nil
		}
		return nil, err
	}
	var ws model.Workspace
	if err := json.Unmarshal(entry.Value(), &ws); err != nil {
		return nil, err
	}
	return &ws, nil
}

func (s *NATSStore) ListWorkspaces(_ context.Context) ([]*model.Workspace, error) {
	keys, err := s.workspaces.Keys()
	if err != nil {
		if err == nats.ErrNoKeysFound {
			return nil, nil
		}
		return nil, err
	}
	out := make([]*model.Workspace, 0, len(keys))
	for _, k := range keys {
		entry, err := s.workspaces.Get(k)
		if err != nil {
			continue
		}
		var ws model.Workspace
		if err := json.Unmarshal(entry.Value(), &ws); err != nil {
			return nil, err
		}
		out = append(out, &ws)
	}
	return out, nil
}

func (s *NATSStore) SaveSession(_ context.Context, sess *model.Session) error {
	data, err := json.Marshal(sess)
	if err != nil {
		return err
	}
	if _, err := s.sessions.Put(sess.ID, data); err != nil {
		return err
	}
	// The per-workspace index key never expires: it is written once and
	// never TTL-bumped on save.
	idxKey := "idx." + sess.WorkspaceID
	existing, err := s.sessionIndex(sess.WorkspaceID)
	if err != nil {
		return err
	}
	if !containsString(existing, sess.ID) {
		existing = append(existing, sess.ID)
		idxData, err := json.Marshal(existing)
		if err != nil {
			return err
		}
		if _, err := s.sessions.Put(idxKey, idxData); err != nil {
			return err
		}
	}
	return nil
}

func (s *NATSStore) sessionIndex(workspaceID string) ([]string, error) {
	entry, err := s.sessions.Get("idx." + workspaceID)
	if err != nil {
		if err == nats.ErrKeyNotFound {
			return nil, nil
		}
		return nil, err
	}
	var ids []string
	if err := json.Unmarshal(entry.Value(), &ids); err != nil {
		return nil, err
	}
	return ids, nil
}

func containsString(haystack []string, needle string) bool {
	for _, s := range haystack {
		if s == needle {
			return true
		}
	}
	return false
}

func (s *NATSStore) GetSession(_ context.Context, id string) (*model.Session, error) {
	entry, err := s.sessions.Get(id)
	if err != nil {
		if err == nats.ErrKeyNotFound {
			return nil, nil
		}
		return nil, err
	}
	var sess model.Session
	if err := json.Unmarshal(entry.Value(), &sess); err != nil {
		return nil, err
	}
	return &sess, nil
}

func (s *NATSStore) ListSessions(ctx context.Context, workspaceID string) ([]*model.Session, error) {
	ids, err := s.sessionIndex(workspaceID)
	if err != nil {
		return nil, err
	}
	out := make([]*model.Session, 0, len(ids))
	for _, id := range ids {
		sess, err := s.GetSession(ctx, id)
		if err != nil {
			return nil, err
		}
		if sess != nil {
			out = append(out, sess)
		}
	}
	return out, nil
}

func (s *NATSStore) DeleteSession(_ context.Context, id string) error {
	if err := s.sessions.Delete(id); err != nil && err != nats.ErrKeyNotFound {
		return err
	}
	keys, err := s.worktrees.Keys()
	if err != nil && err != nats.ErrNoKeysFound {
		return err
	}
	for _, k := range keys {
		if strings.HasPrefix(k, id+".") {
			_ = s.worktrees.Delete(k)
		}
	}
	msgKeys, err := s.messages.Keys()
	if err != nil && err != nats.ErrNoKeysFound {
		return err
	}
	for _, k := range msgKeys {
		if strings.HasPrefix(k, id+".") {
			_ = s.messages.Delete(k)
		}
	}
	return nil
}

func worktreeKey(sessionID, worktreeID string) string { return sessionID + "." + worktreeID }

func (s *NATSStore) SaveWorktree(_ context.Context, w *model.Worktree) error {
	data, err := json.Marshal(w)
	if err != nil {
		return err
	}
	_, err = s.worktrees.Put(worktreeKey(w.SessionID, w.ID), data)
	return err
}

func (s *NATSStore) GetWorktree(_ context.Context, sessionID, worktreeID string) (*model.Worktree, error) {
	entry, err := s.worktrees.Get(worktreeKey(sessionID, worktreeID))
	if err != nil {
		if err == nats.ErrKeyNotFound {
			return nil, nil
		}
		return nil, err
	}
	var w model.Worktree
	if err := json.Unmarshal(entry.Value(), &w); err != nil {
		return nil, err
	}
	return &w, nil
}

func (s *NATSStore) ListWorktrees(_ context.Context, sessionID string) ([]*model.Worktree, error) {
	keys, err := s.worktrees.Keys()
	if err != nil {
		if err == nats.ErrNoKeysFound {
			return nil, nil
		}
		return nil, err
	}
	out := make([]*model.Worktree, 0)
	for _, k := range keys {
		if !strings.HasPrefix(k, sessionID+".") {
			continue
		}
		entry, err := s.worktrees.Get(k)
		if err != nil {
			continue
		}
		var w model.Worktree
		if err := json.Unmarshal(entry.Value(), &w); err != nil {
			return nil, err
		}
		out = append(out, &w)
	}
	return out, nil
}

func (s *NATSStore) DeleteWorktree(_ context.Context, sessionID, worktreeID string) error {
	err := s.worktrees.Delete(worktreeKey(sessionID, worktreeID))
	if err == nats.ErrKeyNotFound {
		return nil
	}
	return err
}

func messageKey(sessionID, worktreeID string, id int64) string {
	return fmt.Sprintf("%s.%s.%020d", sessionID, worktreeID, id)
}

// AppendMessage mints a monotonically increasing id by reading and
// compare-and-swapping a per-(session,worktree) counter key, then writing
// the message under a zero-padded key so Keys() enumerates in order.
func (s *NATSStore) AppendMessage(_ context.Context, m *model.Message) (int64, error) {
	counterKey := "seq." + m.SessionID + "." + m.WorktreeID
	var id int64
	var lastRevision uint64
	entry, err := s.messages.Get(counterKey)
	switch {
	case err == nil:
		fmt.Sscanf(string(entry.Value()), "%d", &id)
		lastRevision = entry.Revision()
	case err == nats.ErrKeyNotFound:
		id = 0
	default:
		return 0, err
	}
	id++

	for {
		var putErr error
		if lastRevision == 0 {
			_, putErr = s.messages.Create(counterKey, []byte(fmt.Sprintf("%d", id)))
		} else {
			_, putErr = s.messages.Update(counterKey, []byte(fmt.Sprintf("%d", id)), lastRevision)
		}
		if putErr == nil {
			break
		}
		// Lost the CAS race: re-read and retry with the next id.
		entry, err = s.messages.Get(counterKey)
		if err != nil {
			return 0, err
		}
		fmt.Sscanf(string(entry.Value()), "%d", &id)
		lastRevision = entry.Revision()
		id++
	}

	data, err := json.Marshal(m)
	if err != nil {
		return 0, err
	}
	m.ID = id
	data, err = json.Marshal(m)
	if err != nil {
		return 0, err
	}
	if _, err := s.messages.Put(messageKey(m.SessionID, m.WorktreeID, id), data); err != nil {
		return 0, err
	}
	return id, nil
}

func (s *NATSStore) ListMessages(_ context.Context, sessionID, worktreeID string, limit int, beforeID int64) ([]*model.Message, error) {
	keys, err := s.messages.Keys()
	if err != nil {
		if err == nats.ErrNoKeysFound {
			return nil, nil
		}
		return nil, err
	}
	prefix := sessionID + "." + worktreeID + "."
	var out []*model.Message
	for _, k := range keys {
		if !strings.HasPrefix(k, prefix) || strings.HasPrefix(k, "seq.") {
			continue
		}
		entry, err := s.messages.Get(k)
		if err != nil {
			continue
		}
		var m model.Message
		if err := json.Unmarshal(entry.Value(), &m); err != nil {
			return nil, err
		}
		if beforeID > 0 && m.ID >= beforeID {
			continue
		}
		out = append(out, &m)
	}
	// Keys() is lexically sorted and keys are zero-padded, so out is
	// already in insertion order.
	if limit > 0 && len(out) > limit {
		out = out[len(out)-limit:]
	}
	return out, nil
}

func (s *NATSStore) ClearMessages(_ context.Context, sessionID, worktreeID string) error {
	keys, err := s.messages.Keys()
	if err != nil {
		if err == nats.ErrNoKeysFound {
			return nil
		}
		return err
	}
	prefix := sessionID + "." + worktreeID + "."
	for _, k := range keys {
		if strings.HasPrefix(k, prefix) {
			_ = s.messages.Delete(k)
		}
	}
	return nil
}

func (s *NATSStore) PutRefreshToken(_ context.Context, rt *model.RefreshToken) error {
	data, err := json.Marshal(rt)
	if err != nil {
		return err
	}
	_, err = s.refreshTokens.Put(rt.Hash, data)
	return err
}

// ConsumeRefreshToken is the CAS-based rotation: read the current revision,
// attempt Update with that revision, and treat a revision mismatch as
// "already consumed by a concurrent rotate" (ErrRefreshUsed).
func (s *NATSStore) ConsumeRefreshToken(_ context.Context, hash string, next *model.RefreshToken) (*model.RefreshToken, error) {
	entry, err := s.refreshTokens.Get(hash)
	if err != nil {
		if err == nats.ErrKeyNotFound {
			return nil, ErrRefreshNotFound
		}
		return nil, err
	}
	var rt model.RefreshToken
	if err := json.Unmarshal(entry.Value(), &rt); err != nil {
		return nil, err
	}
	if rt.UsedAt != nil {
		return nil, ErrRefreshUsed
	}

	now := time.Now().UTC()
	rt.UsedAt = &now
	updated, err := json.Marshal(rt)
	if err != nil {
		return nil, err
	}
	if _, err := s.refreshTokens.Update(hash, updated, entry.Revision()); err != nil {
		// A revision mismatch means a concurrent rotate already won.
		return nil, ErrRefreshUsed
	}

	if next.WorkspaceID == "" {
		next.WorkspaceID = rt.WorkspaceID
	}
	nextData, err := json.Marshal(next)
	if err != nil {
		return nil, err
	}
	if _, err := s.refreshTokens.Create(next.Hash, nextData); err != nil {
		return nil, err
	}
	return &rt, nil
}

func (s *NATSStore) PurgeExpired(_ context.Context, now time.Time) error {
	keys, err := s.refreshTokens.Keys()
	if err != nil {
		if err == nats.ErrNoKeysFound {
			return nil
		}
		return err
	}
	for _, k := range keys {
		entry, err := s.refreshTokens.Get(k)
		if err != nil {
			continue
		}
		var rt model.RefreshToken
		if err := json.Unmarshal(entry.Value(), &rt); err != nil {
			continue
		}
		if rt.ExpiresAt.Before(now) {
			_ = s.refreshTokens.Delete(k)
		}
	}
	return nil
}
