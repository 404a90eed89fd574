// Package eventbus fans orchestrator events out to long-lived subscribers
// such as the HTTP event stream.
package eventbus

import (
	"context"
	"sync"

	"github.com/petrijr/txflow/pkg/api"
)

// DefaultBufferSize is the per-subscriber event buffer. Events that do not
// fit are dropped for that subscriber.
const DefaultBufferSize = 256

// Source hands out event streams. The channel is closed once ctx is done.
// An empty workflowID subscribes to every workflow.
type Source interface {
	Subscribe(ctx context.Context, workflowID string) (<-chan api.Event, error)
}

// Local serves the events of one in-process orchestrator.
type Local struct {
	orch       api.Orchestrator
	bufferSize int
}

// NewLocal returns a Source over orch's own listeners.
func NewLocal(orch api.Orchestrator) *Local {
	return &Local{orch: orch, bufferSize: DefaultBufferSize}
}

func (l *Local) Subscribe(ctx context.Context, workflowID string) (<-chan api.Event, error) {
	sink := newSink(l.bufferSize)
	unsubscribe := l.orch.Subscribe(workflowID, func(_ context.Context, ev api.Event) {
		sink.send(ev)
	})
	go func() {
		<-ctx.Done()
		unsubscribe()
		sink.close()
	}()
	return sink.ch, nil
}

// sink is a buffered channel that may be closed while senders are active.
type sink struct {
	mu     sync.Mutex
	ch     chan api.Event
	closed bool
}

func newSink(size int) *sink {
	return &sink{ch: make(chan api.Event, size)}
}

// send delivers ev without blocking. It reports false when ev was dropped.
func (s *sink) send(ev api.Event) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	select {
	case s.ch <- ev:
		return true
	default:
		return false
	}
}

func (s *sink) close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.closed {
		s.closed = true
		close(s.ch)
	}
}
