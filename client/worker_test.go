package client

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/arloliu/go-uaclient/logger"
)

func TestWorker(t *testing.T) {
	require := require.New(t)

	t.Run("jobs run in submission order", func(t *testing.T) {
		w := newWorker(logger.GetLogger(), &Metrics{})
		defer func() { _ = w.Stop(time.Second) }()

		var mu sync.Mutex
		var order []int
		for i := range 100 {
			w.Execute("job", func() {
				mu.Lock()
				order = append(order, i)
				mu.Unlock()
			})
		}

		require.NoError(w.Flush(time.Second))
		require.Equal(0, w.Pending())

		mu.Lock()
		defer mu.Unlock()
		require.Len(order, 100)
		for i, v := range order {
			require.Equal(i, v)
		}
	})

	t.Run("panic is recovered", func(t *testing.T) {
		w := newWorker(logger.GetLogger(), &Metrics{})
		defer func() { _ = w.Stop(time.Second) }()

		var ran atomic.Bool
		w.Execute("panic", func() { panic("boom") })
		w.Execute("after", func() { ran.Store(true) })

		require.NoError(w.Flush(time.Second))
		require.True(ran.Load())
	})

	t.Run("stop finishes queued jobs", func(t *testing.T) {
		w := newWorker(logger.GetLogger(), &Metrics{})

		var count atomic.Int32
		for range 10 {
			w.Execute("job", func() { count.Add(1) })
		}

		require.NoError(w.Stop(time.Second))
		require.Equal(int32(10), count.Load())
		require.NoError(w.Stop(time.Second))
	})

	t.Run("execute after stop runs inline", func(t *testing.T) {
		w := newWorker(logger.GetLogger(), &Metrics{})
		require.NoError(w.Stop(time.Second))

		ran := false
		w.Execute("late", func() { ran = true })
		require.True(ran)
	})

	t.Run("stop timeout reports in-flight jobs", func(t *testing.T) {
		w := newWorker(logger.GetLogger(), &Metrics{})

		release := make(chan struct{})
		w.Execute("blocked", func() { <-release })

		err := w.Stop(50 * time.Millisecond)
		require.Error(err)
		require.Contains(err.Error(), "jobs in flight")

		close(release)
		<-w.doneCh
		require.Equal(0, w.Pending())
	})
}
