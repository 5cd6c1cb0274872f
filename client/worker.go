package client

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/puzpuzpuz/xsync/v3"

	"github.com/arloliu/go-uaclient/internal/pool"
	"github.com/arloliu/go-uaclient/internal/queue"
	"github.com/arloliu/go-uaclient/logger"
)

// callWithRecover calls fn with panic protection.
func callWithRecover(l logger.Logger, name string, fn func()) {
	defer func() {
		if r := recover(); r != nil {
			l.Error("panic in callback", "name", name, "panic", r)
		}
	}()

	fn()
}

// inlineExecutor runs callbacks on the calling goroutine.
type inlineExecutor struct {
	logger  logger.Logger
	metrics *Metrics
}

func (e inlineExecutor) Execute(name string, fn func()) {
	e.metrics.incTimerFireCount()
	callWithRecover(e.logger, name, fn)
}

type job struct {
	id   uint64
	name string
	fn   func()
}

// worker runs submitted jobs one at a time, in submission order, on a dedicated goroutine.
//
// Jobs are kept in a lock-free queue; the in-flight table records jobs submitted but not yet
// finished, so Stop can report what it abandoned.
type worker struct {
	logger   logger.Logger
	metrics  *Metrics
	jobs     queue.Queue[job]
	notify   chan struct{}
	stopCh   chan struct{}
	doneCh   chan struct{}
	inflight *xsync.MapOf[uint64, string]
	seq      atomic.Uint64
	stopped  atomic.Bool
	// mu orders submissions against Stop so no job is enqueued after the final drain.
	mu sync.RWMutex
}

func newWorker(l logger.Logger, metrics *Metrics) *worker {
	w := &worker{
		logger:   l,
		metrics:  metrics,
		jobs:     queue.NewLockFreeQueue[job](),
		notify:   make(chan struct{}, 1),
		stopCh:   make(chan struct{}),
		doneCh:   make(chan struct{}),
		inflight: xsync.NewMapOf[uint64, string](),
	}

	go w.run()

	return w
}

// Execute submits fn. After the worker stopped, fn runs on the calling goroutine so no
// submitted release action is ever lost.
func (w *worker) Execute(name string, fn func()) {
	w.metrics.incTimerFireCount()
	w.submit(name, fn)
}

func (w *worker) submit(name string, fn func()) {
	w.mu.RLock()
	if w.stopped.Load() {
		w.mu.RUnlock()
		callWithRecover(w.logger, name, fn)

		return
	}

	j := job{id: w.seq.Add(1), name: name, fn: fn}
	w.inflight.Store(j.id, name)
	w.jobs.Enqueue(j)
	w.mu.RUnlock()

	select {
	case w.notify <- struct{}{}:
	default:
	}
}

// Flush blocks until every job submitted before the call has finished or timeout elapses.
func (w *worker) Flush(timeout time.Duration) error {
	done := make(chan struct{})
	w.submit("flush", func() { close(done) })

	timer := pool.GetTimer(timeout)
	defer pool.PutTimer(timer)

	select {
	case <-done:
		return nil
	case <-timer.C:
		return fmt.Errorf("worker flush timeout, %d jobs in flight", w.inflight.Size())
	}
}

// Pending returns the number of jobs submitted but not finished.
func (w *worker) Pending() int {
	return w.inflight.Size()
}

// Stop lets the worker finish queued jobs and waits at most timeout for it to exit.
func (w *worker) Stop(timeout time.Duration) error {
	w.mu.Lock()
	if !w.stopped.CompareAndSwap(false, true) {
		w.mu.Unlock()
		return nil
	}
	close(w.stopCh)
	w.mu.Unlock()

	timer := pool.GetTimer(timeout)
	defer pool.PutTimer(timer)

	select {
	case <-w.doneCh:
		return nil
	case <-timer.C:
		w.inflight.Range(func(id uint64, name string) bool {
			w.logger.Warn("worker job abandoned", "job_id", id, "name", name)
			return true
		})

		return fmt.Errorf("worker stop timeout, %d jobs in flight", w.inflight.Size())
	}
}

func (w *worker) run() {
	defer close(w.doneCh)

	for {
		w.runQueued()

		select {
		case <-w.notify:
		case <-w.stopCh:
			// jobs enqueued before stopped was observed
			w.runQueued()
			return
		}
	}
}

func (w *worker) runQueued() {
	for {
		j, ok := w.jobs.Dequeue()
		if !ok {
			return
		}

		callWithRecover(w.logger, j.name, j.fn)
		w.inflight.Delete(j.id)
	}
}
