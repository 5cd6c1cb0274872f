package client

import (
	"sync"

	"github.com/arloliu/go-uaclient/internal/queue"
	"github.com/arloliu/go-uaclient/logger"
)

// reclaimQueue holds release actions that must not run until no callback of the current
// iteration can still reference the released resource.
type reclaimQueue struct {
	mu      sync.Mutex
	actions queue.Queue[func()]
	logger  logger.Logger
	metrics *Metrics
}

func newReclaimQueue(l logger.Logger, metrics *Metrics) *reclaimQueue {
	return &reclaimQueue{
		actions: queue.NewSliceQueue[func()](16),
		logger:  l,
		metrics: metrics,
	}
}

func (q *reclaimQueue) add(action func()) {
	if action == nil {
		return
	}

	q.mu.Lock()
	q.actions.Enqueue(action)
	q.mu.Unlock()
}

// drain runs, in FIFO order, the actions queued when it was called and returns how many ran.
// Actions queued by a running action wait for the next drain.
func (q *reclaimQueue) drain() int {
	return q.run(q.take())
}

// take removes and returns the queued actions, leaving the queue empty.
func (q *reclaimQueue) take() []func() {
	q.mu.Lock()
	defer q.mu.Unlock()

	actions := make([]func(), 0, q.actions.Length())
	for {
		action, ok := q.actions.Dequeue()
		if !ok {
			return actions
		}
		actions = append(actions, action)
	}
}

// run executes actions in order with panic protection.
func (q *reclaimQueue) run(actions []func()) int {
	for _, action := range actions {
		callWithRecover(q.logger, "deferred action", action)
	}
	q.metrics.addDeferredActionCount(len(actions))

	return len(actions)
}

func (q *reclaimQueue) len() int {
	q.mu.Lock()
	defer q.mu.Unlock()

	return q.actions.Length()
}
