package client

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/arloliu/go-uaclient/ua"
)

var errBrokenPipe = errors.New("broken pipe")

func TestNewClient(t *testing.T) {
	require := require.New(t)

	cfg, err := NewConfig()
	require.NoError(err)

	_, err = NewClient(&fakeTransport{}, &fakeConn{}, nil)
	require.ErrorIs(err, ua.ErrConfigNil)
	_, err = NewClient(nil, &fakeConn{}, cfg)
	require.Error(err)
	_, err = NewClient(&fakeTransport{}, nil, cfg)
	require.Error(err)

	c1, err := NewClient(&fakeTransport{}, &fakeConn{}, cfg)
	require.NoError(err)
	c2, err := NewClient(&fakeTransport{}, &fakeConn{}, cfg)
	require.NoError(err)
	require.NotEqual(c1.ID(), c2.ID())
	require.Equal(ua.TierDisconnected, c1.Tier())
}

func TestRunIterate_TierGating(t *testing.T) {
	require := require.New(t)

	for _, tier := range []ua.ConnTier{ua.TierDisconnected, ua.TierChannelNegotiating, ua.TierChannelOpen} {
		t.Run(tier.String(), func(t *testing.T) {
			env := newTestEnv(t, tier,
				WithConnectivityCheckInterval(time.Millisecond),
				WithRequestTimeout(time.Millisecond),
			)

			fired := 0
			_, err := env.client.AddRepeatedCallback("tick", 10*time.Millisecond, func(*Client) { fired++ })
			require.NoError(err)

			for range 10 {
				env.clock.Advance(10 * time.Millisecond)
				require.NoError(env.client.RunIterate(time.Second))
			}

			advance, renew := env.conn.counts()
			require.Equal(10, advance)
			require.Zero(renew)
			require.Zero(env.sub.publishCount())
			require.Zero(env.transport.sentCount())
			require.Zero(env.transport.receiveCalls())

			// periodic work continues while the connection is being established
			require.Equal(10, fired)
		})
	}
}

func TestRunIterate_AdvanceFailure(t *testing.T) {
	require := require.New(t)

	env := newTestEnv(t, ua.TierDisconnected)
	env.conn.advanceErr = errors.New("connection refused")

	err := env.client.RunIterate(0)
	require.ErrorIs(err, ua.ErrConnectionAdvanceFailed)
	require.ErrorContains(err, "connection refused")
}

func TestRunIterate_IdleSuccess(t *testing.T) {
	require := require.New(t)

	env := newTestEnv(t, ua.TierSessionActive)
	require.NoError(env.client.RunIterate(250 * time.Millisecond))

	require.Equal(1, env.transport.receiveCalls())
	require.Equal([]time.Duration{250 * time.Millisecond}, env.transport.budgets)
	require.Equal(1, env.sub.publishCount())
	_, renew := env.conn.counts()
	require.Equal(1, renew)
	require.Len(env.sub.checks, 1)
}

func TestRunIterate_ShortCircuit(t *testing.T) {
	require := require.New(t)

	t.Run("publish failure skips everything", func(t *testing.T) {
		env := newTestEnv(t, ua.TierSessionActive)
		publishErr := errors.New("too many publish requests")
		env.sub.publishErr = publishErr

		fired := 0
		_, err := env.client.AddTimedCallback("once", testEpoch, func(*Client) { fired++ })
		require.NoError(err)

		require.ErrorIs(env.client.RunIterate(0), publishErr)
		require.Zero(fired)
		_, renew := env.conn.counts()
		require.Zero(renew)
		require.Zero(env.transport.receiveCalls())
	})

	t.Run("renewal failure skips probe and receive", func(t *testing.T) {
		env := newTestEnv(t, ua.TierSessionActive, WithConnectivityCheckInterval(time.Millisecond))
		env.conn.renewErr = errors.New("token rejected")

		env.clock.Advance(time.Second)
		err := env.client.RunIterate(0)
		require.ErrorIs(err, ua.ErrChannelRenewalFailed)
		require.Zero(env.transport.sentCount())
		require.Zero(env.transport.receiveCalls())
	})

	t.Run("probe failure skips receive", func(t *testing.T) {
		env := newTestEnv(t, ua.TierSessionActive, WithConnectivityCheckInterval(time.Millisecond))
		require.NoError(env.client.RunIterate(0))

		env.transport.sendErr = errBrokenPipe
		env.clock.Advance(time.Second)
		err := env.client.RunIterate(0)
		require.ErrorIs(err, ua.ErrTransport)
		require.Equal(1, env.transport.receiveCalls())
	})
}

func TestRunIterate_ReceiveErrors(t *testing.T) {
	require := require.New(t)

	t.Run("transport error still sweeps", func(t *testing.T) {
		env := newTestEnv(t, ua.TierSessionActive)
		require.NoError(env.client.RunIterate(0))

		res := &result{}
		_, err := env.client.CallWithTimeout(ua.ServiceReadRequest, nil, 10*time.Millisecond, res.handler)
		require.NoError(err)

		env.transport.recvErr = errBrokenPipe
		env.clock.Advance(time.Second)
		err = env.client.RunIterate(0)
		require.ErrorIs(err, ua.ErrTransport)
		require.ErrorIs(err, errBrokenPipe)

		calls, _, callErr := res.get()
		require.Equal(1, calls)
		require.ErrorIs(callErr, ua.ErrTimeout)
		require.Equal(uint64(1), env.client.GetMetrics().FrameErrCount.Load())
	})

	t.Run("protocol error is returned as is", func(t *testing.T) {
		env := newTestEnv(t, ua.TierSessionActive)
		env.transport.recvErr = ua.ErrProtocol

		err := env.client.RunIterate(0)
		require.ErrorIs(err, ua.ErrProtocol)
		require.NotErrorIs(err, ua.ErrTransport)
	})

	t.Run("unexpected frame kind", func(t *testing.T) {
		env := newTestEnv(t, ua.TierSessionActive)
		env.transport.push(ua.NewMessage(ua.KindRequest, ua.ServiceReadRequest, 1, nil))

		require.ErrorIs(env.client.RunIterate(0), ua.ErrProtocol)
	})
}

func TestRunIterate_Dispatch(t *testing.T) {
	require := require.New(t)

	t.Run("response completes the call", func(t *testing.T) {
		env := newTestEnv(t, ua.TierSessionActive)
		require.NoError(env.client.RunIterate(0))

		res := &result{}
		id, err := env.client.Call(ua.ServiceReadRequest, []byte{0xAA}, res.handler)
		require.NoError(err)
		require.Equal(1, env.client.PendingCalls())
		require.Equal([]byte{0xAA}, env.transport.findSent(id).Payload)

		env.transport.respond(id, ua.StatusGood)
		require.NoError(env.client.RunIterate(0))

		calls, resp, callErr := res.get()
		require.Equal(1, calls)
		require.NoError(callErr)
		require.Equal(id, resp.RequestID)
		require.Equal(ua.ServiceReadResponse, resp.Service)
		require.Equal(0, env.client.PendingCalls())
	})

	t.Run("unmatched response is dropped", func(t *testing.T) {
		env := newTestEnv(t, ua.TierSessionActive)
		env.transport.push(ua.NewMessage(ua.KindResponse, ua.ServiceReadResponse, 4242, nil))

		require.NoError(env.client.RunIterate(0))
		require.Equal(uint64(1), env.client.GetMetrics().UnmatchedResponseCount.Load())
	})

	t.Run("notification goes to subscription collaborator", func(t *testing.T) {
		env := newTestEnv(t, ua.TierSessionActive)
		env.transport.push(ua.NewMessage(ua.KindNotification, ua.ServicePublishResponse, 0, []byte{1, 2}))

		require.NoError(env.client.RunIterate(0))
		require.Len(env.sub.notifications, 1)
		require.Equal([]byte{1, 2}, env.sub.notifications[0].Payload)
	})

	t.Run("channel message goes to connection collaborator", func(t *testing.T) {
		env := newTestEnv(t, ua.TierSessionActive)
		env.transport.push(ua.NewMessage(ua.KindChannel, ua.ServiceOpenSecureChannelResponse, 0, nil))

		require.NoError(env.client.RunIterate(0))
		require.Len(env.conn.channelMsgs, 1)
	})

	t.Run("received frame is released at the barrier", func(t *testing.T) {
		env := newTestEnv(t, ua.TierSessionActive)
		require.NoError(env.client.RunIterate(0))

		var seenInHandler uint32
		id, err := env.client.Call(ua.ServiceReadRequest, nil, func(resp *ua.Message, _ error) {
			seenInHandler = resp.RequestID
		})
		require.NoError(err)

		resp := ua.NewMessage(ua.KindResponse, ua.ServiceReadResponse, id, nil)
		var atBarrier ua.Kind
		env.client.Defer(func() { atBarrier = resp.Kind })
		env.transport.push(resp)

		require.NoError(env.client.RunIterate(0))
		require.Equal(id, seenInHandler)
		// actions run in FIFO order, the one queued first sees the frame intact
		require.Equal(ua.KindResponse, atBarrier)
		require.Equal(ua.KindUnknown, resp.Kind)
	})
}

func TestRunIterate_TimeoutPrecedence(t *testing.T) {
	require := require.New(t)

	t.Run("response at the deadline wins", func(t *testing.T) {
		env := newTestEnv(t, ua.TierSessionActive)
		require.NoError(env.client.RunIterate(0))

		res := &result{}
		id, err := env.client.CallWithTimeout(ua.ServiceReadRequest, nil, 100*time.Millisecond, res.handler)
		require.NoError(err)

		env.clock.Advance(100 * time.Millisecond)
		env.transport.respond(id, ua.StatusGood)
		require.NoError(env.client.RunIterate(0))

		calls, resp, callErr := res.get()
		require.Equal(1, calls)
		require.NoError(callErr)
		require.NotNil(resp)
	})

	t.Run("response received while the deadline passes wins", func(t *testing.T) {
		env := newTestEnv(t, ua.TierSessionActive)
		require.NoError(env.client.RunIterate(0))

		res := &result{}
		id, err := env.client.CallWithTimeout(ua.ServiceReadRequest, nil, 100*time.Millisecond, res.handler)
		require.NoError(err)

		env.clock.Advance(90 * time.Millisecond)
		env.transport.respond(id, ua.StatusGood)
		env.transport.onReceive = func() { env.clock.Advance(50 * time.Millisecond) }
		require.NoError(env.client.RunIterate(time.Second))

		calls, _, callErr := res.get()
		require.Equal(1, calls)
		require.NoError(callErr)
	})

	t.Run("deadline passing during receive times out in the same iteration", func(t *testing.T) {
		env := newTestEnv(t, ua.TierSessionActive)
		require.NoError(env.client.RunIterate(0))

		res := &result{}
		_, err := env.client.CallWithTimeout(ua.ServiceReadRequest, nil, 100*time.Millisecond, res.handler)
		require.NoError(err)

		env.clock.Advance(90 * time.Millisecond)
		env.transport.onReceive = func() { env.clock.Advance(time.Second) }
		require.NoError(env.client.RunIterate(time.Second))

		calls, resp, callErr := res.get()
		require.Equal(1, calls)
		require.Nil(resp)
		require.ErrorIs(callErr, ua.ErrTimeout)
		require.Zero(env.client.PendingCalls())

		// inactivity is checked against the time after receive too
		require.Equal(env.clock.Now(), env.sub.checks[len(env.sub.checks)-1])
	})
}

func TestRunIterate_CallTimeoutScenario(t *testing.T) {
	require := require.New(t)

	env := newTestEnv(t, ua.TierSessionActive)
	require.NoError(env.client.RunIterate(0))

	res := &result{}
	req := ua.NewMessage(ua.KindRequest, ua.ServiceReadRequest, 0, nil)
	env.client.idGen = ua.NewRequestIDGeneratorFrom(6)
	id, err := env.client.issue(req, 100*time.Millisecond, res.handler)
	require.NoError(err)
	require.Equal(uint32(7), id)

	env.clock.Advance(150 * time.Millisecond)
	require.NoError(env.client.RunIterate(0))

	calls, resp, callErr := res.get()
	require.Equal(1, calls)
	require.Nil(resp)
	require.ErrorIs(callErr, ua.ErrTimeout)

	// a late response is a no-op
	env.transport.respond(7, ua.StatusGood)
	require.NoError(env.client.RunIterate(0))
	calls, _, _ = res.get()
	require.Equal(1, calls)
	require.Equal(uint64(1), env.client.GetMetrics().UnmatchedResponseCount.Load())
}

func TestClient_Call(t *testing.T) {
	require := require.New(t)

	t.Run("not connected", func(t *testing.T) {
		env := newTestEnv(t, ua.TierChannelOpen)
		_, err := env.client.Call(ua.ServiceReadRequest, nil, nil)
		require.ErrorIs(err, ua.ErrNotConnected)
	})

	t.Run("send failure", func(t *testing.T) {
		env := newTestEnv(t, ua.TierSessionActive)
		env.transport.sendErr = errBrokenPipe

		res := &result{}
		_, err := env.client.Call(ua.ServiceReadRequest, nil, res.handler)
		require.ErrorIs(err, ua.ErrTransport)
		require.Equal(0, env.client.PendingCalls())

		calls, _, _ := res.get()
		require.Zero(calls)
	})

	t.Run("negative timeout", func(t *testing.T) {
		env := newTestEnv(t, ua.TierSessionActive)
		_, err := env.client.CallWithTimeout(ua.ServiceReadRequest, nil, -time.Second, nil)
		require.Error(err)
	})

	t.Run("cancel", func(t *testing.T) {
		env := newTestEnv(t, ua.TierSessionActive)

		res := &result{}
		id, err := env.client.Call(ua.ServiceReadRequest, nil, res.handler)
		require.NoError(err)

		require.True(env.client.Cancel(id))
		require.False(env.client.Cancel(id))

		calls, _, callErr := res.get()
		require.Equal(1, calls)
		require.ErrorIs(callErr, ua.ErrCancelled)
	})
}

func TestClient_SessionLoss(t *testing.T) {
	require := require.New(t)

	env := newTestEnv(t, ua.TierSessionActive)

	type change struct{ prev, cur ua.ConnTier }
	var changes []change
	env.client.AddTierChangeHandler(func(_ *Client, prev, cur ua.ConnTier) {
		changes = append(changes, change{prev, cur})
	})

	require.NoError(env.client.RunIterate(0))

	res := &result{}
	_, err := env.client.Call(ua.ServiceReadRequest, nil, res.handler)
	require.NoError(err)

	env.conn.setTier(ua.TierDisconnected)
	require.NoError(env.client.RunIterate(0))

	calls, _, callErr := res.get()
	require.Equal(1, calls)
	require.ErrorIs(callErr, ua.ErrSessionClosed)
	require.Equal(ua.TierDisconnected, env.client.Tier())

	require.Equal([]change{
		{ua.TierDisconnected, ua.TierSessionActive},
		{ua.TierSessionActive, ua.TierDisconnected},
	}, changes)
}

func TestClient_Reentrancy(t *testing.T) {
	require := require.New(t)

	env := newTestEnv(t, ua.TierSessionActive)

	var innerErr error
	_, err := env.client.AddTimedCallback("reenter", testEpoch, func(c *Client) {
		innerErr = c.RunIterate(0)
	})
	require.NoError(err)

	require.NoError(env.client.RunIterate(0))
	require.ErrorIs(innerErr, ua.ErrReentrantIterate)
	require.Equal(uint64(1), env.client.GetMetrics().IterationCount.Load())
}

func TestClient_Callbacks(t *testing.T) {
	require := require.New(t)

	env := newTestEnv(t, ua.TierSessionActive)
	c := env.client

	count := 0
	id, err := c.AddRepeatedCallback("tick", 10*time.Millisecond, func(*Client) { count++ })
	require.NoError(err)

	_, err = c.AddRepeatedCallback("nil", time.Second, nil)
	require.Error(err)

	env.clock.Advance(10 * time.Millisecond)
	require.NoError(c.RunIterate(0))
	require.Equal(1, count)

	require.NoError(c.ChangeRepeatedCallbackInterval(id, time.Second))
	env.clock.Advance(500 * time.Millisecond)
	require.NoError(c.RunIterate(0))
	require.Equal(1, count)

	require.NoError(c.RemoveCallback(id))
	require.Error(c.RemoveCallback(id))
	env.clock.Advance(time.Hour)
	require.NoError(c.RunIterate(0))
	require.Equal(1, count)

	t.Run("panic in callback is recovered", func(t *testing.T) {
		_, err := c.AddTimedCallback("panic", env.clock.Now(), func(*Client) { panic("boom") })
		require.NoError(err)
		require.NotPanics(func() { require.NoError(c.RunIterate(0)) })
	})
}

func TestClient_SelfRearmingCallback(t *testing.T) {
	require := require.New(t)

	env := newTestEnv(t, ua.TierSessionActive)
	c := env.client

	fired := 0
	var rearm TimerCallback
	rearm = func(c *Client) {
		fired++
		_, err := c.AddTimedCallback("rearm", c.clock.Now(), rearm)
		require.NoError(err)
	}
	_, err := c.AddTimedCallback("rearm", env.clock.Now(), rearm)
	require.NoError(err)

	for i := 1; i <= 3; i++ {
		require.NoError(c.RunIterate(0))
		require.Equal(i, fired)
	}
}

func TestClient_WorkerExecution(t *testing.T) {
	require := require.New(t)

	env := newTestEnv(t, ua.TierSessionActive, WithWorkerExecution(true))
	c := env.client
	require.NotNil(c.worker)

	var mu sync.Mutex
	var order []string
	record := func(s string) {
		mu.Lock()
		order = append(order, s)
		mu.Unlock()
	}

	loopDone := make(chan struct{})
	_, err := c.AddTimedCallback("slow", testEpoch, func(*Client) {
		// runs on the worker while the loop goes on
		<-loopDone
		record("callback")
	})
	require.NoError(err)
	c.Defer(func() { record("release") })

	require.NoError(c.RunIterate(0))
	record("iteration")
	close(loopDone)

	require.NoError(c.worker.Flush(time.Second))

	mu.Lock()
	defer mu.Unlock()
	require.Equal([]string{"iteration", "callback", "release"}, order)
}

func TestClient_Close(t *testing.T) {
	require := require.New(t)

	for _, worker := range []bool{false, true} {
		env := newTestEnv(t, ua.TierSessionActive, WithWorkerExecution(worker))
		c := env.client

		res := &result{}
		_, err := c.Call(ua.ServiceReadRequest, nil, res.handler)
		require.NoError(err)

		released := make(chan struct{})
		c.Defer(func() { close(released) })

		require.NoError(c.Close())
		require.NoError(c.Close())

		calls, _, callErr := res.get()
		require.Equal(1, calls)
		require.ErrorIs(callErr, ua.ErrClientClosed)

		select {
		case <-released:
		case <-time.After(time.Second):
			t.Fatal("deferred action not run on close")
		}

		require.ErrorIs(c.RunIterate(0), ua.ErrClientClosed)
		_, err = c.Call(ua.ServiceReadRequest, nil, nil)
		require.ErrorIs(err, ua.ErrClientClosed)
	}
}

func TestClient_Run(t *testing.T) {
	require := require.New(t)

	env := newTestEnv(t, ua.TierSessionActive)
	env.transport.onReceive = func() { time.Sleep(time.Millisecond) }

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()

	err := env.client.Run(ctx, time.Millisecond)
	require.ErrorIs(err, context.DeadlineExceeded)
	require.Positive(env.client.GetMetrics().IterationCount.Load())

	t.Run("failed iterations back off", func(t *testing.T) {
		env := newTestEnv(t, ua.TierDisconnected)
		env.conn.advanceErr = errors.New("connection refused")

		ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
		defer cancel()

		err := env.client.Run(ctx, 20*time.Millisecond)
		require.ErrorIs(err, context.DeadlineExceeded)
		advance, _ := env.conn.counts()
		require.LessOrEqual(advance, 4)
	})

	t.Run("idle below session active waits budget", func(t *testing.T) {
		env := newTestEnv(t, ua.TierDisconnected)

		ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
		defer cancel()

		err := env.client.Run(ctx, 20*time.Millisecond)
		require.ErrorIs(err, context.DeadlineExceeded)
		advance, _ := env.conn.counts()
		require.Positive(advance)
		require.LessOrEqual(advance, 10)
	})

	t.Run("tier progress does not wait", func(t *testing.T) {
		env := newTestEnv(t, ua.TierDisconnected)
		env.conn.onAdvance = func(f *fakeConn) { f.setTier(f.CurrentTier() + 1) }
		env.transport.onReceive = func() { time.Sleep(time.Millisecond) }

		ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
		defer cancel()

		err := env.client.Run(ctx, time.Second)
		require.ErrorIs(err, context.DeadlineExceeded)
		advance, _ := env.conn.counts()
		require.Equal(3, advance)
		require.Positive(env.transport.receiveCalls())
	})

	t.Run("stops when closed", func(t *testing.T) {
		env := newTestEnv(t, ua.TierSessionActive)
		require.NoError(env.client.Close())
		require.ErrorIs(env.client.Run(context.Background(), time.Millisecond), ua.ErrClientClosed)
	})
}

func TestClient_UpdateConfigOptions(t *testing.T) {
	require := require.New(t)

	env := newTestEnv(t, ua.TierSessionActive)
	require.NoError(env.client.UpdateConfigOptions(WithConnectivityCheckInterval(time.Second)))
	require.Equal(time.Second, env.client.cfg.ConnectivityCheckInterval())
	require.Error(env.client.UpdateConfigOptions(WithWorkerExecution(true)))
}
