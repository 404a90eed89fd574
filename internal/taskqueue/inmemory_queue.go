package taskqueue

import (
	"context"
	"sync"
	"time"

	"github.com/tidwall/btree"
)

type memTask struct {
	task       Task
	seq        uint64
	owner      string
	leaseUntil time.Time
}

func memTaskLess(a, b *memTask) bool {
	if !a.task.NotBefore.Equal(b.task.NotBefore) {
		return a.task.NotBefore.Before(b.task.NotBefore)
	}
	return a.seq < b.seq
}

// InMemoryQueue keeps due and delayed tasks in a B-tree ordered by
// (NotBefore, enqueue order). It is process-local and meant for tests and
// single-node deployments.
type InMemoryQueue struct {
	mu     sync.Mutex
	ready  *btree.BTreeG[*memTask]
	leased map[string]*memTask
	seq    uint64
	notify chan struct{}
	now    func() time.Time
}

var _ Queue = (*InMemoryQueue)(nil)

func NewInMemoryQueue() *InMemoryQueue {
	return &InMemoryQueue{
		ready:  btree.NewBTreeGOptions(memTaskLess, btree.Options{NoLocks: true}),
		leased: make(map[string]*memTask),
		notify: make(chan struct{}, 1),
		now:    time.Now,
	}
}

func (q *InMemoryQueue) Enqueue(ctx context.Context, t Task) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	prepare(&t, q.now())

	q.mu.Lock()
	q.seq++
	q.ready.Set(&memTask{task: t, seq: q.seq})
	q.mu.Unlock()

	q.wake()
	return nil
}

func (q *InMemoryQueue) Dequeue(ctx context.Context, owner string, leaseTTL time.Duration) (*Task, error) {
	for {
		task, next := q.claim(owner, leaseTTL)
		if task != nil {
			return task, nil
		}

		var (
			tmr     *time.Timer
			timeout <-chan time.Time
		)
		if !next.IsZero() {
			tmr = time.NewTimer(next.Sub(q.now()))
			timeout = tmr.C
		}
		select {
		case <-ctx.Done():
			err := ctx.Err()
			if tmr != nil {
				tmr.Stop()
			}
			return nil, err
		case <-q.notify:
		case <-timeout:
		}
		if tmr != nil {
			tmr.Stop()
		}
	}
}

// claim leases the first due task. When nothing is due it returns the time
// at which something might become due, or zero if the queue is idle.
func (q *InMemoryQueue) claim(owner string, leaseTTL time.Duration) (*Task, time.Time) {
	q.mu.Lock()
	defer q.mu.Unlock()

	now := q.now()
	var next time.Time
	for id, mt := range q.leased {
		if !mt.leaseUntil.After(now) {
			delete(q.leased, id)
			mt.owner = ""
			q.ready.Set(mt)
			continue
		}
		if next.IsZero() || mt.leaseUntil.Before(next) {
			next = mt.leaseUntil
		}
	}

	head, ok := q.ready.Min()
	if !ok {
		return nil, next
	}
	if head.task.NotBefore.After(now) {
		if next.IsZero() || head.task.NotBefore.Before(next) {
			next = head.task.NotBefore
		}
		return nil, next
	}

	q.ready.Delete(head)
	head.owner = owner
	head.leaseUntil = now.Add(leaseTTL)
	q.leased[head.task.ID] = head
	if q.ready.Len() > 0 {
		q.wake()
	}

	out := head.task
	return &out, time.Time{}
}

func (q *InMemoryQueue) Ack(ctx context.Context, taskID, owner string) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	mt, ok := q.leased[taskID]
	if !ok || mt.owner != owner {
		return ErrLeaseLost
	}
	delete(q.leased, taskID)
	return nil
}

func (q *InMemoryQueue) Nack(ctx context.Context, taskID, owner string, notBefore time.Time, attempts int) error {
	q.mu.Lock()
	mt, ok := q.leased[taskID]
	if !ok || mt.owner != owner {
		q.mu.Unlock()
		return ErrLeaseLost
	}
	delete(q.leased, taskID)
	mt.owner = ""
	mt.task.NotBefore = notBefore
	mt.task.Attempts = attempts
	q.ready.Set(mt)
	q.mu.Unlock()

	q.wake()
	return nil
}

func (q *InMemoryQueue) RenewLease(ctx context.Context, taskID, owner string, leaseTTL time.Duration) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	mt, ok := q.leased[taskID]
	if !ok || mt.owner != owner {
		return ErrLeaseLost
	}
	mt.leaseUntil = q.now().Add(leaseTTL)
	return nil
}

func (q *InMemoryQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.ready.Len() + len(q.leased)
}

func (q *InMemoryQueue) wake() {
	select {
	case q.notify <- struct{}{}:
	default:
	}
}
