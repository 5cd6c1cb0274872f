package pool

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestTimerPool(t *testing.T) {
	assert := assert.New(t)

	t.Run("Get and Put", func(t *testing.T) {
		timer := GetTimer(10 * time.Millisecond)
		assert.NotNil(timer)
		<-timer.C
		PutTimer(timer)

		timer = GetTimer(10 * time.Millisecond)
		assert.NotNil(timer)
		<-timer.C
		PutTimer(timer)
	})

	t.Run("Put active timer does not leak a fire", func(t *testing.T) {
		timer1 := GetTimer(20 * time.Millisecond)
		PutTimer(timer1)

		begin := time.Now()
		timer2 := GetTimer(100 * time.Millisecond)
		defer PutTimer(timer2)

		select {
		case <-timer2.C:
			assert.GreaterOrEqual(time.Since(begin), 90*time.Millisecond)
		case <-time.After(time.Second):
			t.Error("timer2 should have fired")
		}
	})

	t.Run("Concurrency", func(t *testing.T) {
		var wg sync.WaitGroup
		for range 100 {
			wg.Add(1)
			go func() {
				defer wg.Done()
				timer := GetTimer(5 * time.Millisecond)
				defer PutTimer(timer)
				<-timer.C
			}()
		}
		wg.Wait()
	})
}

func TestWait(t *testing.T) {
	assert := assert.New(t)

	assert.True(Wait(0, nil))
	assert.True(Wait(5*time.Millisecond, nil))

	done := make(chan struct{})
	close(done)
	assert.False(Wait(time.Second, done))
}
