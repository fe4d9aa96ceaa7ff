package agent

import (
	"context"
	"io"
	"sync"
	"time"

	"github.com/agentharbor/core/internal/common/logger"
	"github.com/agentharbor/core/internal/sandbox"
)

func testLogger() *logger.Logger {
	log, _ := logger.NewLogger(logger.LoggingConfig{Level: "error", Format: "json"})
	return log
}

// fakeProcess is an in-memory stand-in for a sandboxed child: the test
// drives the far side of the stdio pipes.
type fakeProcess struct {
	stdinR  *io.PipeReader
	stdinW  *io.PipeWriter
	stdoutR *io.PipeReader
	stdoutW *io.PipeWriter
	stderrR *io.PipeReader
	stderrW *io.PipeWriter

	killOnce sync.Once
	done     chan struct{}
	waitErr  error
}

func newFakeProcess() *fakeProcess {
	p := &fakeProcess{done: make(chan struct{})}
	p.stdinR, p.stdinW = io.Pipe()
	p.stdoutR, p.stdoutW = io.Pipe()
	p.stderrR, p.stderrW = io.Pipe()
	return p
}

func (p *fakeProcess) PID() int                 { return 4242 }
func (p *fakeProcess) Stdin() io.WriteCloser    { return p.stdinW }
func (p *fakeProcess) Stdout() io.ReadCloser    { return p.stdoutR }
func (p *fakeProcess) Stderr() io.ReadCloser    { return p.stderrR }
func (p *fakeProcess) Signal(_ bool) error      { p.terminate(); return nil }
func (p *fakeProcess) Kill() error              { p.terminate(); return nil }

func (p *fakeProcess) Wait() error {
	<-p.done
	return p.waitErr
}

// exit simulates the child finishing on its own.
func (p *fakeProcess) exit(err error) {
	p.killOnce.Do(func() {
		p.waitErr = err
		p.stdoutW.Close()
		p.stderrW.Close()
		close(p.done)
	})
}

func (p *fakeProcess) terminate() { p.exit(nil) }

// writeLine feeds one stdout line to the adapter under test.
func (p *fakeProcess) writeLine(line string) {
	_, _ = p.stdoutW.Write([]byte(line + "\n"))
}

// fakeSpawner hands out scripted fake processes in order.
type fakeSpawner struct {
	mu      sync.Mutex
	procs   []*fakeProcess
	spawned []*fakeProcess
	argvs   [][]string
	err     error
}

func (s *fakeSpawner) Spawn(_ context.Context, extraArgv ...string) (sandbox.Process, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return nil, s.err
	}
	var p *fakeProcess
	if len(s.procs) > 0 {
		p = s.procs[0]
		s.procs = s.procs[1:]
	} else {
		p = newFakeProcess()
	}
	s.spawned = append(s.spawned, p)
	s.argvs = append(s.argvs, extraArgv)
	return p, nil
}

func (s *fakeSpawner) last() *fakeProcess {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.spawned) == 0 {
		return nil
	}
	return s.spawned[len(s.spawned)-1]
}

// collectEvents drains events matching the filter until it has n of them
// or the timeout elapses.
func collectEvents(ch <-chan Event, n int, timeout time.Duration, keep func(Event) bool) []Event {
	var out []Event
	deadline := time.After(timeout)
	for len(out) < n {
		select {
		case ev := <-ch:
			if keep == nil || keep(ev) {
				out = append(out, ev)
			}
		case <-deadline:
			return out
		}
	}
	return out
}

func notRPCLog(ev Event) bool { return ev.Type != EventRPCLog }

// fakeAdapter drives the Client state machine in supervisor tests.
type fakeAdapter struct {
	mu         sync.Mutex
	threadID   string
	started    int
	stopped    int
	sent       []string // turn ids in issue order
	interrupts []string
	startErr   error
	events     chan Event
}

func newFakeAdapter() *fakeAdapter {
	return &fakeAdapter{events: make(chan Event, 64)}
}

func (f *fakeAdapter) Start(_ context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.started++
	return f.startErr
}

func (f *fakeAdapter) Stop(_ context.Context, _ bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stopped++
	return nil
}

func (f *fakeAdapter) SendTurn(_ context.Context, turnID, _ string) error {
	f.mu.Lock()
	f.sent = append(f.sent, turnID)
	f.mu.Unlock()
	f.events <- Event{Type: EventTurnStarted, TurnID: turnID}
	return nil
}

func (f *fakeAdapter) Interrupt(_ context.Context, turnID string) error {
	f.mu.Lock()
	f.interrupts = append(f.interrupts, turnID)
	f.mu.Unlock()
	f.events <- Event{Type: EventTurnCompleted, TurnID: turnID, Cancelled: true}
	return nil
}

func (f *fakeAdapter) complete(turnID string) {
	f.events <- Event{Type: EventTurnCompleted, TurnID: turnID}
}

func (f *fakeAdapter) SetModel(_ context.Context, _, _ string) error { return nil }

func (f *fakeAdapter) ListModels(_ context.Context, _ string, _ int) ([]ModelInfo, string, error) {
	return nil, "", nil
}

func (f *fakeAdapter) ThreadID() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.threadID
}

func (f *fakeAdapter) SetThreadID(id string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.threadID = id
}

func (f *fakeAdapter) Events() <-chan Event { return f.events }

func (f *fakeAdapter) sentTurns() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.sent...)
}
