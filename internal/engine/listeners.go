package engine

import (
	"context"
	"log/slog"
	"sync/atomic"

	"github.com/puzpuzpuz/xsync/v3"

	"github.com/petrijr/txflow/pkg/api"
)

type subscription struct {
	workflowID string
	listener   api.Listener
}

// listenerRegistry fans events out to subscribers. An empty workflow id
// subscribes to every workflow.
type listenerRegistry struct {
	subs   *xsync.MapOf[uint64, subscription]
	nextID atomic.Uint64
	logger *slog.Logger
}

func newListenerRegistry(logger *slog.Logger) *listenerRegistry {
	return &listenerRegistry{
		subs:   xsync.NewMapOf[uint64, subscription](),
		logger: logger,
	}
}

func (r *listenerRegistry) add(workflowID string, l api.Listener) func() {
	id := r.nextID.Add(1)
	r.subs.Store(id, subscription{workflowID: workflowID, listener: l})
	return func() { r.subs.Delete(id) }
}

func (r *listenerRegistry) dispatch(ctx context.Context, ev api.Event) {
	r.subs.Range(func(_ uint64, sub subscription) bool {
		if sub.workflowID == "" || sub.workflowID == ev.WorkflowID {
			r.deliver(ctx, sub.listener, ev)
		}
		return true
	})
}

func (r *listenerRegistry) deliver(ctx context.Context, l api.Listener, ev api.Event) {
	defer func() {
		if p := recover(); p != nil {
			r.logger.Error("listener_panic",
				"workflow_id", ev.WorkflowID,
				"transaction_id", ev.TransactionID,
				"panic", p,
			)
		}
	}()
	l(ctx, ev)
}
