package broadcast

import (
	"encoding/json"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentharbor/core/internal/common/logger"
)

func testLogger() *logger.Logger {
	log, _ := logger.NewLogger(logger.LoggingConfig{Level: "error", Format: "json"})
	return log
}

func drain(t *testing.T, sub *Subscriber, n int) []*Frame {
	t.Helper()
	var out []*Frame
	deadline := time.After(time.Second)
	for len(out) < n {
		select {
		case f, ok := <-sub.Frames():
			if !ok {
				return out
			}
			out = append(out, f)
		case <-deadline:
			t.Fatalf("timed out after %d frames, want %d", len(out), n)
		}
	}
	return out
}

func TestPublishAssignsMonotonicSeq(t *testing.T) {
	b := New(16, testLogger())
	sub := b.Subscribe("s1", "")

	for i := 0; i < 5; i++ {
		b.Publish(Event{Type: "status", SessionID: "s1", Payload: map[string]any{"i": i}})
	}

	frames := drain(t, sub, 5)
	for i, f := range frames {
		assert.Equal(t, uint64(i+1), f.Seq)
		assert.Equal(t, i, f.Payload["i"])
	}
}

func TestSeqIsPerSession(t *testing.T) {
	b := New(16, testLogger())
	s1 := b.Subscribe("s1", "")
	s2 := b.Subscribe("s2", "")

	b.Publish(Event{Type: "status", SessionID: "s1"})
	b.Publish(Event{Type: "status", SessionID: "s1"})
	b.Publish(Event{Type: "status", SessionID: "s2"})

	assert.Equal(t, uint64(2), drain(t, s1, 2)[1].Seq)
	assert.Equal(t, uint64(1), drain(t, s2, 1)[0].Seq)
}

func TestWorktreeFilter(t *testing.T) {
	b := New(16, testLogger())
	all := b.Subscribe("s1", "")
	onlyW1 := b.Subscribe("s1", "w1")

	b.Publish(Event{Type: "assistant_delta", SessionID: "s1", WorktreeID: "w1"})
	b.Publish(Event{Type: "assistant_delta", SessionID: "s1", WorktreeID: "w2"})
	b.Publish(Event{Type: "status", SessionID: "s1"}) // session-wide

	assert.Len(t, drain(t, all, 3), 3)

	frames := drain(t, onlyW1, 2)
	assert.Equal(t, "w1", frames[0].WorktreeID)
	assert.Equal(t, "status", frames[1].Type)
}

func TestOverflowDetachesSubscriber(t *testing.T) {
	b := New(2, testLogger())
	slow := b.Subscribe("s1", "")
	fast := b.Subscribe("s1", "")

	for i := 0; i < 5; i++ {
		b.Publish(Event{Type: "assistant_delta", SessionID: "s1", Payload: map[string]any{"i": i}})
		drain(t, fast, 1) // the fast subscriber keeps up; the slow one never reads
	}

	select {
	case <-slow.Done():
	case <-time.After(time.Second):
		t.Fatal("slow subscriber was not detached")
	}
	assert.Equal(t, 1, b.SubscriberCount("s1"))

	// The fast subscriber stays attached and sees later events.
	go func() {
		for range fast.Frames() {
		}
	}()
	b.Publish(Event{Type: "status", SessionID: "s1"})
}

func TestCloseSessionNotifiesAndDetaches(t *testing.T) {
	b := New(16, testLogger())
	sub := b.Subscribe("s1", "")

	b.CloseSession("s1", &Event{Type: "status", SessionID: "s1", Payload: map[string]any{"status": "terminated"}})

	frames := drain(t, sub, 1)
	assert.Equal(t, "terminated", frames[0].Payload["status"])
	select {
	case <-sub.Done():
	case <-time.After(time.Second):
		t.Fatal("subscriber was not detached on session close")
	}
	assert.Equal(t, 0, b.SubscriberCount("s1"))
}

func TestUnsubscribeIdempotent(t *testing.T) {
	b := New(16, testLogger())
	sub := b.Subscribe("s1", "")
	b.Unsubscribe(sub)
	b.Unsubscribe(sub)
	assert.Equal(t, 0, b.SubscriberCount("s1"))
}

func TestFrameMarshalFlattensPayload(t *testing.T) {
	f := &Frame{
		Event: Event{
			Type: "turn_started", SessionID: "s1", WorktreeID: "w1",
			Payload: map[string]any{"turnId": "T-9"},
		},
		Seq: 7,
	}
	data, err := json.Marshal(f)
	require.NoError(t, err)

	var out map[string]any
	require.NoError(t, json.Unmarshal(data, &out))
	assert.Equal(t, "turn_started", out["type"])
	assert.Equal(t, float64(7), out["seq"])
	assert.Equal(t, "s1", out["sessionId"])
	assert.Equal(t, "w1", out["worktreeId"])
	assert.Equal(t, "T-9", out["turnId"])
}

func TestConcurrentPublishersKeepSeqDense(t *testing.T) {
	b := New(1024, testLogger())
	sub := b.Subscribe("s1", "")

	const n = 100
	done := make(chan struct{})
	for g := 0; g < 4; g++ {
		go func(g int) {
			for i := 0; i < n/4; i++ {
				b.Publish(Event{Type: "status", SessionID: "s1", Payload: map[string]any{"g": fmt.Sprint(g)}})
			}
			done <- struct{}{}
		}(g)
	}
	for g := 0; g < 4; g++ {
		<-done
	}

	frames := drain(t, sub, n)
	seen := make(map[uint64]bool)
	for _, f := range frames {
		assert.False(t, seen[f.Seq])
		seen[f.Seq] = true
	}
	assert.Len(t, seen, n)
}
