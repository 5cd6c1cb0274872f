// Package pool holds reusable timers for bounded waits.
package pool

import (
	"sync"
	"time"
)

var timerPool sync.Pool

// GetTimer returns a timer that fires after d, reusing a pooled one when available.
//
// Release it with PutTimer once the wait is over.
func GetTimer(d time.Duration) *time.Timer {
	t, ok := timerPool.Get().(*time.Timer)
	if !ok {
		return time.NewTimer(d)
	}

	// Since Go 1.23 a stopped or reset timer never delivers a stale value,
	// so no drain is needed here.
	t.Reset(d)

	return t
}

// PutTimer stops t and returns it to the pool. t must not be used afterwards.
func PutTimer(t *time.Timer) {
	if t == nil {
		return
	}
	t.Stop()
	timerPool.Put(t)
}

// Wait blocks until d elapses or done is closed. It reports whether d elapsed.
func Wait(d time.Duration, done <-chan struct{}) bool {
	if d <= 0 {
		return true
	}

	t := GetTimer(d)
	defer PutTimer(t)

	select {
	case <-t.C:
		return true
	case <-done:
		return false
	}
}
