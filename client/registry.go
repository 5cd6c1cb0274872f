package client

import (
	"cmp"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/arloliu/go-uaclient/logger"
	"github.com/arloliu/go-uaclient/ua"
)

// ResponseHandler receives the outcome of an asynchronous call. It is invoked exactly once,
// either with the response and a nil error or with a nil response and the reason the call ended.
//
// The response is only valid until the end of the run loop iteration that delivered it;
// use Message.Clone to keep it longer.
type ResponseHandler func(resp *ua.Message, err error)

// pendingCall is one slot of the registry arena.
type pendingCall struct {
	id       uint32
	issuedAt time.Time
	timeout  time.Duration
	respType ua.ServiceType
	handler  ResponseHandler
	inUse    bool
}

func (p *pendingCall) expired(now time.Time) bool {
	return p.timeout > 0 && !now.Before(p.issuedAt.Add(p.timeout))
}

// registry holds outstanding asynchronous calls keyed by request id.
//
// Calls live in an arena of slots; removed slots go to a free list and are reused.
// Each call leaves the registry through exactly one of complete, cancel or sweep, and
// its handler is invoked after the slot is released, outside the lock.
type registry struct {
	mu      sync.Mutex
	slots   []pendingCall
	free    []int
	index   map[uint32]int
	logger  logger.Logger
	metrics *Metrics
}

func newRegistry(l logger.Logger, metrics *Metrics) *registry {
	return &registry{
		index:   make(map[uint32]int),
		logger:  l,
		metrics: metrics,
	}
}

// issue sends req through tr and registers a pending call for the request id it was sent with.
//
// The lock is held across the send so a response can't be matched before the call is registered.
// If the send fails no call is registered and the error is wrapped with ua.ErrTransport.
func (r *registry) issue(tr ua.Transport, req *ua.Message, issuedAt time.Time, timeout time.Duration, handler ResponseHandler) (uint32, error) {
	if handler == nil {
		handler = func(*ua.Message, error) {}
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	// the earlier call could no longer be told apart from this one
	if req.RequestID != 0 {
		if _, dup := r.index[req.RequestID]; dup {
			return 0, fmt.Errorf("%w: request id %d already pending", ua.ErrProtocol, req.RequestID)
		}
	}

	id, err := tr.Send(req)
	if err != nil {
		return 0, ua.Wrap(ua.ErrTransport, err)
	}

	if _, dup := r.index[id]; dup {
		return 0, fmt.Errorf("%w: request id %d already pending", ua.ErrProtocol, id)
	}

	idx := r.alloc()
	r.slots[idx] = pendingCall{
		id:       id,
		issuedAt: issuedAt,
		timeout:  timeout,
		respType: req.Service.ResponseType(),
		handler:  handler,
		inUse:    true,
	}
	r.index[id] = idx
	r.metrics.incCallIssueCount()

	return id, nil
}

// complete delivers resp to the call it answers. It returns false and does nothing if no call
// with the response's request id is pending.
//
// A response of another type than the call expects is delivered as ua.ErrProtocol, except for
// service faults which are delivered as responses so the handler can inspect their status.
func (r *registry) complete(resp *ua.Message) bool {
	call, ok := r.remove(resp.RequestID)
	if !ok {
		return false
	}
	r.metrics.incCallCompleteCount()

	if call.respType != ua.ServiceUnknown && resp.Service != call.respType && resp.Service != ua.ServiceFault {
		err := fmt.Errorf("%w: expected %s for request %d, got %s", ua.ErrProtocol, call.respType, call.id, resp.Service)
		r.invoke(call, nil, err)

		return true
	}

	r.invoke(call, resp, nil)

	return true
}

// cancel ends the call with err. It returns false if no call with id is pending.
func (r *registry) cancel(id uint32, err error) bool {
	call, ok := r.remove(id)
	if !ok {
		return false
	}
	r.metrics.incCallCancelCount()
	r.invoke(call, nil, err)

	return true
}

// sweep cancels every call whose deadline is at or before now with ua.ErrTimeout,
// earliest deadline first. It returns the number of calls timed out.
func (r *registry) sweep(now time.Time) int {
	r.mu.Lock()
	expired := make([]pendingCall, 0)
	for i := range r.slots {
		if r.slots[i].inUse && r.slots[i].expired(now) {
			expired = append(expired, r.slots[i])
		}
	}
	for _, call := range expired {
		r.release(call.id)
	}
	r.mu.Unlock()

	slices.SortFunc(expired, func(a, b pendingCall) int {
		return cmp.Or(
			a.issuedAt.Add(a.timeout).Compare(b.issuedAt.Add(b.timeout)),
			cmp.Compare(a.id, b.id),
		)
	})

	for _, call := range expired {
		r.metrics.incCallTimeoutCount()
		if r.logger.Level() == logger.DebugLevel {
			r.logger.Debug("call timed out", "request_id", call.id, "timeout", call.timeout)
		}
		r.invoke(call, nil, ua.ErrTimeout)
	}

	return len(expired)
}

// cancelAll ends every pending call with err and returns how many were cancelled.
func (r *registry) cancelAll(err error) int {
	r.mu.Lock()
	calls := make([]pendingCall, 0, len(r.index))
	for i := range r.slots {
		if r.slots[i].inUse {
			calls = append(calls, r.slots[i])
		}
	}
	for _, call := range calls {
		r.release(call.id)
	}
	r.mu.Unlock()

	slices.SortFunc(calls, func(a, b pendingCall) int { return a.issuedAt.Compare(b.issuedAt) })
	for _, call := range calls {
		r.metrics.incCallCancelCount()
		r.invoke(call, nil, err)
	}

	return len(calls)
}

// has returns if a call with id is pending.
func (r *registry) has(id uint32) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	_, ok := r.index[id]

	return ok
}

// len returns the number of pending calls.
func (r *registry) len() int {
	r.mu.Lock()
	defer r.mu.Unlock()

	return len(r.index)
}

func (r *registry) remove(id uint32) (pendingCall, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	idx, ok := r.index[id]
	if !ok {
		return pendingCall{}, false
	}
	call := r.slots[idx]
	r.release(id)

	return call, true
}

// alloc returns a free slot index, growing the arena if needed. Caller holds the lock.
func (r *registry) alloc() int {
	if n := len(r.free); n > 0 {
		idx := r.free[n-1]
		r.free = r.free[:n-1]

		return idx
	}
	r.slots = append(r.slots, pendingCall{})

	return len(r.slots) - 1
}

// release clears the slot of id and returns it to the free list. Caller holds the lock.
func (r *registry) release(id uint32) {
	idx, ok := r.index[id]
	if !ok {
		return
	}
	delete(r.index, id)
	r.slots[idx] = pendingCall{}
	r.free = append(r.free, idx)
}

func (r *registry) invoke(call pendingCall, resp *ua.Message, err error) {
	callWithRecover(r.logger, "response handler", func() {
		call.handler(resp, err)
	})
}
