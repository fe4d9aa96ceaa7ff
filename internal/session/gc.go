package session

import (
	"context"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/agentharbor/core/internal/model"
)

// StartGC launches the periodic idle/age sweep. Call Shutdown to stop it.
func (m *Manager) StartGC() {
	interval := m.cfg.GCInterval()
	if interval <= 0 {
		interval = 60 * time.Second
	}

	ctx, cancel := context.WithCancel(context.Background())
	m.gcCancel = cancel
	m.gcDone = make(chan struct{})

	go func() {
		defer close(m.gcDone)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				m.sweep(ctx)
			}
		}
	}()
}

// sweep destroys sessions idle beyond idleTtl or older than maxTtl, then
// purges expired refresh tokens. Sessions are always listed per workspace:
// the Store contract scopes listSessions to one workspace id.
func (m *Manager) sweep(ctx context.Context) {
	now := time.Now().UTC()
	idleTTL := m.cfg.IdleTTL()
	maxTTL := m.cfg.MaxTTL()

	workspaces, err := m.st.ListWorkspaces(ctx)
	if err != nil {
		m.logger.Warn("gc: failed to list workspaces", zap.Error(err))
		return
	}
	var sessions []*model.Session
	for _, ws := range workspaces {
		wsSessions, err := m.st.ListSessions(ctx, ws.ID)
		if err != nil {
			m.logger.Warn("gc: failed to list sessions",
				zap.String("workspace_id", ws.ID), zap.Error(err))
			continue
		}
		sessions = append(sessions, wsSessions...)
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(4)
	for _, sess := range sessions {
		idle := idleTTL > 0 && now.Sub(sess.LastActivityAt) > idleTTL
		aged := maxTTL > 0 && now.Sub(sess.CreatedAt) > maxTTL
		if !idle && !aged {
			continue
		}
		sess := sess
		reason := "idle"
		if aged {
			reason = "max_ttl"
		}
		g.Go(func() error {
			if err := m.DestroySession(gctx, sess.WorkspaceID, sess.ID, reason); err != nil {
				m.logger.Warn("gc: failed to destroy session",
					zap.String("session_id", sess.ID), zap.Error(err))
			}
			return nil
		})
	}
	_ = g.Wait()

	if err := m.st.PurgeExpired(ctx, now); err != nil {
		m.logger.Warn("gc: purge expired failed", zap.Error(err))
	}
}

// Shutdown stops the GC loop and cascades a cooperative stop over every
// live agent client.
func (m *Manager) Shutdown(ctx context.Context) {
	select {
	case <-m.stop:
	default:
		close(m.stop)
	}
	if m.gcCancel != nil {
		m.gcCancel()
		select {
		case <-m.gcDone:
		case <-time.After(2 * time.Second):
		}
	}

	m.mu.Lock()
	ids := make([]string, 0, len(m.runtimes))
	for id := range m.runtimes {
		ids = append(ids, id)
	}
	m.mu.Unlock()

	g, gctx := errgroup.WithContext(ctx)
	for _, id := range ids {
		id := id
		g.Go(func() error {
			m.stopSessionClients(gctx, id)
			return nil
		})
	}
	_ = g.Wait()
	m.logger.Info("session manager shut down")
}
