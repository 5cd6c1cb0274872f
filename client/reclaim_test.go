package client

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/arloliu/go-uaclient/logger"
)

func TestReclaimQueue(t *testing.T) {
	require := require.New(t)

	t.Run("drain runs in FIFO order", func(t *testing.T) {
		m := &Metrics{}
		q := newReclaimQueue(logger.GetLogger(), m)

		var order []int
		for i := range 5 {
			q.add(func() { order = append(order, i) })
		}
		q.add(nil)

		require.Equal(5, q.len())
		require.Equal(5, q.drain())
		require.Equal([]int{0, 1, 2, 3, 4}, order)
		require.Equal(0, q.len())
		require.Equal(uint64(5), m.DeferredActionCount.Load())
	})

	t.Run("actions queued while draining wait for the next barrier", func(t *testing.T) {
		q := newReclaimQueue(logger.GetLogger(), &Metrics{})

		ran := 0
		q.add(func() {
			ran++
			q.add(func() { ran++ })
		})

		require.Equal(1, q.drain())
		require.Equal(1, ran)
		require.Equal(1, q.len())

		require.Equal(1, q.drain())
		require.Equal(2, ran)
	})

	t.Run("panicking action does not stop the drain", func(t *testing.T) {
		q := newReclaimQueue(logger.GetLogger(), &Metrics{})

		ran := false
		q.add(func() { panic("boom") })
		q.add(func() { ran = true })

		require.NotPanics(func() { q.drain() })
		require.True(ran)
	})

	t.Run("take hands over a batch", func(t *testing.T) {
		q := newReclaimQueue(logger.GetLogger(), &Metrics{})

		ran := 0
		q.add(func() { ran++ })
		q.add(func() { ran++ })

		batch := q.take()
		require.Len(batch, 2)
		require.Equal(0, q.len())
		require.Equal(0, ran)

		require.Equal(2, q.run(batch))
		require.Equal(2, ran)
	})
}
