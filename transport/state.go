package transport

import "sync/atomic"

// State is the open state of a transport connection.
type State uint32

// Transport states.
const (
	StateClosed State = iota
	StateClosing
	StateOpening
	StateOpened
)

// String returns string representation of the state.
func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateClosing:
		return "closing"
	case StateOpening:
		return "opening"
	case StateOpened:
		return "opened"
	default:
		return "unknown"
	}
}

// atomicState guards the transitions closed -> opening -> opened -> closing -> closed.
// A failed open goes from opening straight to closing.
type atomicState struct {
	state atomic.Uint32
}

func (st *atomicState) get() State { return State(st.state.Load()) }

func (st *atomicState) toOpening() bool {
	return st.state.CompareAndSwap(uint32(StateClosed), uint32(StateOpening))
}

func (st *atomicState) toOpened() bool {
	return st.state.CompareAndSwap(uint32(StateOpening), uint32(StateOpened))
}

func (st *atomicState) toClosing() bool {
	if st.state.CompareAndSwap(uint32(StateOpened), uint32(StateClosing)) {
		return true
	}

	return st.state.CompareAndSwap(uint32(StateOpening), uint32(StateClosing))
}

func (st *atomicState) toClosed() bool {
	return st.state.CompareAndSwap(uint32(StateClosing), uint32(StateClosed))
}
