package peer

// ConnState is the lifecycle state of one peer's connection. Transitions
// are monotonic toward a terminal state; both lanes are torn down whenever
// the state leaves StateConnected.
type ConnState int

const (
	StateConnecting ConnState = iota
	StateConnected
	StateFailed
	StateDisconnected
	StateClosed
)

func (s ConnState) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateFailed:
		return "failed"
	case StateDisconnected:
		return "disconnected"
	case StateClosed:
		return "closed"
	}
	return "unknown"
}

// terminal reports whether no further transitions are allowed.
func (s ConnState) terminal() bool {
	return s == StateFailed || s == StateDisconnected || s == StateClosed
}

// Lane selects which data channel a message travels on.
type Lane int

const (
	// LaneReliable is ordered with unlimited retransmits. Messages sent
	// before the lane opens are queued and flushed FIFO on open.
	LaneReliable Lane = iota

	// LaneUnreliable is unordered with a small retransmit budget, for
	// frequent low-value updates. Messages sent before the lane opens are
	// dropped.
	LaneUnreliable
)

func (l Lane) String() string {
	if l == LaneReliable {
		return "reliable"
	}
	return "unreliable"
}
