package client

import (
	"container/heap"
	"errors"
	"fmt"
	"sync"
	"time"
)

// TimerCallback is invoked by the run loop when a scheduled callback is due.
type TimerCallback func(c *Client)

// executor runs a callback on the caller's chosen execution context.
type executor interface {
	Execute(name string, fn func())
}

var errTimerNotFound = errors.New("timer callback not found")

// timerEntry is one slot of the timer set arena.
type timerEntry struct {
	id       uint64
	name     string
	interval time.Duration
	nextFire time.Time
	fn       func()
	repeated bool
	inUse    bool
	// heapIdx is the position in the heap, -1 while the entry is out of the heap.
	heapIdx int
}

// timerHeap is a min-heap of arena indices ordered by next fire time, then by id.
type timerHeap struct {
	slots *[]timerEntry
	idx   []int
}

func (h *timerHeap) Len() int { return len(h.idx) }

func (h *timerHeap) Less(i, j int) bool {
	a, b := &(*h.slots)[h.idx[i]], &(*h.slots)[h.idx[j]]
	if !a.nextFire.Equal(b.nextFire) {
		return a.nextFire.Before(b.nextFire)
	}

	return a.id < b.id
}

func (h *timerHeap) Swap(i, j int) {
	h.idx[i], h.idx[j] = h.idx[j], h.idx[i]
	(*h.slots)[h.idx[i]].heapIdx = i
	(*h.slots)[h.idx[j]].heapIdx = j
}

func (h *timerHeap) Push(x any) {
	slot, _ := x.(int)
	(*h.slots)[slot].heapIdx = len(h.idx)
	h.idx = append(h.idx, slot)
}

func (h *timerHeap) Pop() any {
	n := len(h.idx)
	slot := h.idx[n-1]
	h.idx = h.idx[:n-1]
	(*h.slots)[slot].heapIdx = -1

	return slot
}

// timerSet holds scheduled callbacks.
//
// A repeated entry advances its next fire time by exactly one interval from its previous
// scheduled time, so late processing never accumulates drift. Each entry fires at most once
// per processDue call; an overdue backlog is worked off by subsequent calls.
type timerSet struct {
	mu     sync.Mutex
	slots  []timerEntry
	free   []int
	ids    map[uint64]int
	heap   timerHeap
	nextID uint64
}

func newTimerSet() *timerSet {
	s := &timerSet{ids: make(map[uint64]int)}
	s.heap.slots = &s.slots

	return s
}

// schedule adds a callback first due at now+interval. A zero interval is allowed; a repeated
// zero interval entry fires once per processDue call.
func (s *timerSet) schedule(name string, now time.Time, interval time.Duration, repeated bool, fn func()) (uint64, error) {
	if interval < 0 {
		return 0, fmt.Errorf("invalid interval: %v", interval)
	}

	return s.add(name, now.Add(interval), interval, repeated, fn)
}

// scheduleAt adds a one-shot callback due at at.
func (s *timerSet) scheduleAt(name string, at time.Time, fn func()) (uint64, error) {
	return s.add(name, at, 0, false, fn)
}

func (s *timerSet) add(name string, nextFire time.Time, interval time.Duration, repeated bool, fn func()) (uint64, error) {
	if fn == nil {
		return 0, errors.New("timer callback is nil")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.nextID++
	id := s.nextID

	var slot int
	if n := len(s.free); n > 0 {
		slot = s.free[n-1]
		s.free = s.free[:n-1]
	} else {
		s.slots = append(s.slots, timerEntry{})
		slot = len(s.slots) - 1
	}

	s.slots[slot] = timerEntry{
		id:       id,
		name:     name,
		interval: interval,
		nextFire: nextFire,
		fn:       fn,
		repeated: repeated,
		inUse:    true,
		heapIdx:  -1,
	}
	s.ids[id] = slot
	heap.Push(&s.heap, slot)

	return id, nil
}

// changeInterval reschedules a repeated entry to fire every interval starting from now.
func (s *timerSet) changeInterval(id uint64, now time.Time, interval time.Duration) error {
	if interval < 0 {
		return fmt.Errorf("invalid interval: %v", interval)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	slot, ok := s.ids[id]
	if !ok {
		return errTimerNotFound
	}

	e := &s.slots[slot]
	e.interval = interval
	e.nextFire = now.Add(interval)
	if e.heapIdx >= 0 {
		heap.Fix(&s.heap, e.heapIdx)
	}

	return nil
}

// remove deletes the entry. It is safe to call from within a callback, including the
// entry's own callback.
func (s *timerSet) remove(id uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	slot, ok := s.ids[id]
	if !ok {
		return errTimerNotFound
	}

	if idx := s.slots[slot].heapIdx; idx >= 0 {
		heap.Remove(&s.heap, idx)
	}
	s.release(slot)

	return nil
}

// release clears a slot that is out of the heap. Caller holds the lock.
func (s *timerSet) release(slot int) {
	delete(s.ids, s.slots[slot].id)
	s.slots[slot] = timerEntry{heapIdx: -1}
	s.free = append(s.free, slot)
}

// nextDue returns the earliest next fire time, false if the set is empty.
func (s *timerSet) nextDue() (time.Time, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.heap.Len() == 0 {
		return time.Time{}, false
	}

	return s.slots[s.heap.idx[0]].nextFire, true
}

func (s *timerSet) len() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	return len(s.ids)
}

// processDue dispatches every entry due at or before now through exec, in non-decreasing
// next fire order, and returns the number of callbacks dispatched.
//
// Callbacks run without the lock held, so they may add, change or remove entries. Only
// entries that existed when processDue started can fire; entries added by a callback wait
// for the next call even when already due.
func (s *timerSet) processDue(now time.Time, exec executor) int {
	type held struct {
		slot int
		id   uint64
	}

	s.mu.Lock()
	cutoff := s.nextID
	s.mu.Unlock()

	var aside []held
	count := 0

	for {
		s.mu.Lock()
		if s.heap.Len() == 0 || s.slots[s.heap.idx[0]].nextFire.After(now) {
			s.mu.Unlock()
			break
		}

		slot, _ := heap.Pop(&s.heap).(int)
		e := &s.slots[slot]
		if e.id > cutoff {
			aside = append(aside, held{slot: slot, id: e.id})
			s.mu.Unlock()
			continue
		}

		name, fn := e.name, e.fn
		if e.repeated {
			e.nextFire = e.nextFire.Add(e.interval)
			aside = append(aside, held{slot: slot, id: e.id})
		} else {
			s.release(slot)
		}
		s.mu.Unlock()

		exec.Execute(name, fn)
		count++
	}

	if len(aside) == 0 {
		return count
	}

	s.mu.Lock()
	for _, h := range aside {
		e := &s.slots[h.slot]
		// skip entries removed, or removed and reused, by a callback
		if !e.inUse || e.id != h.id || e.heapIdx >= 0 {
			continue
		}
		heap.Push(&s.heap, h.slot)
	}
	s.mu.Unlock()

	return count
}
