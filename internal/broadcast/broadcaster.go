// Package broadcast fans session events out to subscribed clients. Each
// session carries its own monotonic sequence counter; every subscriber gets
// a bounded queue and is detached on overflow rather than slowing the
// publisher down — a detached client reconnects and catches up from the
// message log with sync_messages.
package broadcast

import (
	"encoding/json"
	"sync"

	"go.uber.org/zap"

	"github.com/agentharbor/core/internal/common/logger"
)

// DefaultQueueSize is the per-subscriber event queue bound.
const DefaultQueueSize = 256

// Event is what components publish: a typed payload scoped to a session
// and optionally one of its worktrees.
type Event struct {
	Type       string
	SessionID  string
	WorktreeID string
	Payload    map[string]any
}

// Frame is the delivered form: the event plus its per-session sequence
// number. It marshals flat — payload keys are spread into the top-level
// object next to type/seq/sessionId/worktreeId.
type Frame struct {
	Event
	Seq uint64
}

// MarshalJSON flattens the payload into the envelope.
func (f *Frame) MarshalJSON() ([]byte, error) {
	out := make(map[string]any, len(f.Payload)+4)
	for k, v := range f.Payload {
		out[k] = v
	}
	out["type"] = f.Type
	out["seq"] = f.Seq
	out["sessionId"] = f.SessionID
	if f.WorktreeID != "" {
		out["worktreeId"] = f.WorktreeID
	}
	return json.Marshal(out)
}

// Subscriber is one attached client. Frames() yields events matching the
// subscription filter until the subscriber is detached (by Unsubscribe,
// queue overflow, or session close), at which point the channel is closed.
type Subscriber struct {
	sessionID  string
	worktreeID string

	ch     chan *Frame
	closed chan struct{}
	once   sync.Once
}

// Frames is the subscriber's delivery channel.
func (s *Subscriber) Frames() <-chan *Frame { return s.ch }

// Done is closed when the subscriber is detached.
func (s *Subscriber) Done() <-chan struct{} { return s.closed }

// SessionID returns the session this subscriber is attached to.
func (s *Subscriber) SessionID() string { return s.sessionID }

func (s *Subscriber) detach() {
	s.once.Do(func() {
		close(s.closed)
		close(s.ch)
	})
}

func (s *Subscriber) matches(ev *Event) bool {
	if s.worktreeID == "" || ev.WorktreeID == "" {
		return true
	}
	return s.worktreeID == ev.WorktreeID
}

type sessionState struct {
	seq  uint64
	subs map[*Subscriber]struct{}
}

// Broadcaster is the per-session fan-out registry.
type Broadcaster struct {
	queueSize int
	logger    *logger.Logger

	mu       sync.Mutex
	sessions map[string]*sessionState
}

// New builds a Broadcaster. queueSize <= 0 selects DefaultQueueSize.
func New(queueSize int, log *logger.Logger) *Broadcaster {
	if queueSize <= 0 {
		queueSize = DefaultQueueSize
	}
	if log == nil {
		log = logger.Default()
	}
	return &Broadcaster{
		queueSize: queueSize,
		logger:    log.WithFields(zap.String("component", "broadcaster")),
		sessions:  make(map[string]*sessionState),
	}
}

// Subscribe attaches a client to a session, optionally filtered to one
// worktree. Events published to other worktrees of the session are not
// delivered; session-wide events (no worktree id) always are.
func (b *Broadcaster) Subscribe(sessionID, worktreeID string) *Subscriber {
	sub := &Subscriber{
		sessionID:  sessionID,
		worktreeID: worktreeID,
		ch:         make(chan *Frame, b.queueSize),
		closed:     make(chan struct{}),
	}

	b.mu.Lock()
	st := b.sessions[sessionID]
	if st == nil {
		st = &sessionState{subs: make(map[*Subscriber]struct{})}
		b.sessions[sessionID] = st
	}
	st.subs[sub] = struct{}{}
	b.mu.Unlock()
	return sub
}

// Unsubscribe detaches a subscriber.
func (b *Broadcaster) Unsubscribe(sub *Subscriber) {
	if sub == nil {
		return
	}
	b.mu.Lock()
	if st := b.sessions[sub.sessionID]; st != nil {
		delete(st.subs, sub)
		if len(st.subs) == 0 && st.seq == 0 {
			delete(b.sessions, sub.sessionID)
		}
	}
	b.mu.Unlock()
	sub.detach()
}

// Publish assigns the event the session's next sequence number and
// delivers it to every matching subscriber. A subscriber whose queue is
// full is detached; it must reconnect and resync.
func (b *Broadcaster) Publish(ev Event) uint64 {
	b.mu.Lock()
	st := b.sessions[ev.SessionID]
	if st == nil {
		st = &sessionState{subs: make(map[*Subscriber]struct{})}
		b.sessions[ev.SessionID] = st
	}
	st.seq++
	frame := &Frame{Event: ev, Seq: st.seq}

	var overflowed []*Subscriber
	for sub := range st.subs {
		if !sub.matches(&ev) {
			continue
		}
		select {
		case sub.ch <- frame:
		default:
			overflowed = append(overflowed, sub)
		}
	}
	for _, sub := range overflowed {
		delete(st.subs, sub)
	}
	seq := st.seq
	b.mu.Unlock()

	for _, sub := range overflowed {
		b.logger.Warn("subscriber queue overflow; detaching",
			zap.String("session_id", ev.SessionID), zap.Int("queue_size", b.queueSize))
		sub.detach()
	}
	return seq
}

// CloseSession publishes a final termination frame to all subscribers of
// the session and detaches them. Used by the GC when a session is removed.
func (b *Broadcaster) CloseSession(sessionID string, final *Event) {
	if final != nil {
		b.Publish(*final)
	}

	b.mu.Lock()
	st := b.sessions[sessionID]
	delete(b.sessions, sessionID)
	b.mu.Unlock()

	if st == nil {
		return
	}
	for sub := range st.subs {
		sub.detach()
	}
}

// SubscriberCount reports the live subscriber count for a session.
func (b *Broadcaster) SubscriberCount(sessionID string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	if st := b.sessions[sessionID]; st != nil {
		return len(st.subs)
	}
	return 0
}
