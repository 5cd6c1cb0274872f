package client

import "sync/atomic"

// Metrics contains atomic metrics for a client.
// Metrics can be used as the value of a prometheus CounterFunc or GaugeFunc.
type Metrics struct {
	// IterationCount indicates the number of run loop iterations.
	IterationCount atomic.Uint64

	// CallIssueCount indicates the number of asynchronous calls sent.
	CallIssueCount atomic.Uint64
	// CallCompleteCount indicates the number of calls completed by a response.
	CallCompleteCount atomic.Uint64
	// CallTimeoutCount indicates the number of calls cancelled by the deadline sweep.
	CallTimeoutCount atomic.Uint64
	// CallCancelCount indicates the number of calls cancelled for any other reason.
	CallCancelCount atomic.Uint64
	// CallPendingGauge indicates the number of calls awaiting a response.
	CallPendingGauge atomic.Int64

	// UnmatchedResponseCount indicates the number of responses dropped because no call was pending.
	UnmatchedResponseCount atomic.Uint64
	// FrameErrCount indicates the number of receive or decode failures.
	FrameErrCount atomic.Uint64

	// ProbeSendCount indicates the number of connectivity probes sent.
	ProbeSendCount atomic.Uint64
	// ProbeTimeoutCount indicates the number of connectivity probes that timed out.
	ProbeTimeoutCount atomic.Uint64

	// TimerFireCount indicates the number of timer callbacks dispatched.
	TimerFireCount atomic.Uint64
	// DeferredActionCount indicates the number of deferred actions executed.
	DeferredActionCount atomic.Uint64
}

func (m *Metrics) incIterationCount() { m.IterationCount.Add(1) }

func (m *Metrics) incCallIssueCount() {
	m.CallIssueCount.Add(1)
	m.CallPendingGauge.Add(1)
}

func (m *Metrics) incCallCompleteCount() {
	m.CallCompleteCount.Add(1)
	m.CallPendingGauge.Add(-1)
}

func (m *Metrics) incCallTimeoutCount() {
	m.CallTimeoutCount.Add(1)
	m.CallPendingGauge.Add(-1)
}

func (m *Metrics) incCallCancelCount() {
	m.CallCancelCount.Add(1)
	m.CallPendingGauge.Add(-1)
}

func (m *Metrics) incUnmatchedResponseCount() { m.UnmatchedResponseCount.Add(1) }

func (m *Metrics) incFrameErrCount() { m.FrameErrCount.Add(1) }

func (m *Metrics) incProbeSendCount() { m.ProbeSendCount.Add(1) }

func (m *Metrics) incProbeTimeoutCount() { m.ProbeTimeoutCount.Add(1) }

func (m *Metrics) incTimerFireCount() { m.TimerFireCount.Add(1) }

func (m *Metrics) addDeferredActionCount(n int) {
	if n > 0 {
		m.DeferredActionCount.Add(uint64(n))
	}
}
