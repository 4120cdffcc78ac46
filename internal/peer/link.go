package peer

import (
	"sync"

	"github.com/pion/webrtc/v4"

	"github.com/driftworks/netplay/internal/util"
)

// unreliableRetransmits bounds retransmissions on the unreliable lane.
// Position-style updates are superseded quickly, so a couple of retries is
// all they are worth.
const unreliableRetransmits uint16 = 2

// link is the per-peer connection record. The Manager owns it exclusively:
// no other component reads or writes a link's mutable state.
type link struct {
	id        string
	initiator bool

	pc *webrtc.PeerConnection

	mu         sync.Mutex
	state      ConnState
	reliable   *webrtc.DataChannel
	unreliable *webrtc.DataChannel

	// Inbound ICE candidates that arrived before the remote description;
	// flushed in arrival order once it is applied.
	remoteSet bool
	pending   []webrtc.ICECandidateInit

	// Reliable messages awaiting lane open; flushed exactly once, FIFO.
	queue [][]byte

	// Closed when the reliable lane opens.
	ready chan struct{}
	// Closed on terminal shutdown, releasing any waiter.
	gone chan struct{}
}

func newLink(id string, initiator bool, pc *webrtc.PeerConnection) *link {
	return &link{
		id:        id,
		initiator: initiator,
		pc:        pc,
		state:     StateConnecting,
		ready:     make(chan struct{}),
		gone:      make(chan struct{}),
	}
}

// currentState returns the link's state.
func (l *link) currentState() ConnState {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.state
}

// setRemoteDescription applies the remote SDP and flushes any candidates
// buffered while it was missing.
func (l *link) setRemoteDescription(sdp webrtc.SessionDescription) error {
	if err := l.pc.SetRemoteDescription(sdp); err != nil {
		return err
	}

	l.mu.Lock()
	l.remoteSet = true
	pending := l.pending
	l.pending = nil
	l.mu.Unlock()

	for _, cand := range pending {
		if err := l.pc.AddICECandidate(cand); err != nil {
			util.LogDebug("[%s] buffered candidate rejected: %v", util.ShortID(l.id), err)
		}
	}
	return nil
}

// addRemoteCandidate applies an inbound candidate, or buffers it when the
// remote description has not been set yet.
func (l *link) addRemoteCandidate(cand webrtc.ICECandidateInit) error {
	l.mu.Lock()
	if !l.remoteSet {
		l.pending = append(l.pending, cand)
		l.mu.Unlock()
		return nil
	}
	l.mu.Unlock()
	return l.pc.AddICECandidate(cand)
}

// adoptChannel stores an announced channel on the responder side, keyed by
// label. Unknown labels are ignored.
func (l *link) adoptChannel(dc *webrtc.DataChannel) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	switch dc.Label() {
	case labelReliable:
		l.reliable = dc
		return true
	case labelUnreliable:
		l.unreliable = dc
		return true
	}
	return false
}

// drainAndConnect flushes the pre-open reliable queue through send and
// only then promotes connecting → connected. Until the state flips, a
// concurrent Send still sees a closed lane and enqueues, and each batch
// it adds is drained before the flip is retried, so nothing sent before
// the lane opened can be overtaken by a message sent after. Reports
// whether this call performed the transition.
func (l *link) drainAndConnect(send func([]byte) error) bool {
	for {
		l.mu.Lock()
		if l.state != StateConnecting {
			l.mu.Unlock()
			return false
		}
		if len(l.queue) == 0 {
			l.state = StateConnected
			close(l.ready)
			l.mu.Unlock()
			return true
		}
		batch := l.queue
		l.queue = nil
		l.mu.Unlock()

		for _, data := range batch {
			if err := send(data); err != nil {
				util.LogWarning("[%s] queued message flush failed: %v", util.ShortID(l.id), err)
			}
		}
	}
}

// enqueueReliable buffers a reliable message while the lane is not open.
func (l *link) enqueueReliable(data []byte) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.queue = append(l.queue, data)
}

// laneOpen reports whether the given lane is open. A lane counts as open
// only while the owning link is connected.
func (l *link) laneOpen(lane Lane) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.state != StateConnected {
		return false
	}
	dc := l.reliable
	if lane == LaneUnreliable {
		dc = l.unreliable
	}
	return dc != nil && dc.ReadyState() == webrtc.DataChannelStateOpen
}

// channel returns the data channel for a lane, which may be nil.
func (l *link) channel(lane Lane) *webrtc.DataChannel {
	l.mu.Lock()
	defer l.mu.Unlock()
	if lane == LaneReliable {
		return l.reliable
	}
	return l.unreliable
}

// abandon discards a half-negotiated initiator attempt during glare
// resolution. The connection is closed but ready/gone stay untouched so
// the replacement responder link can inherit any waiter, and the reliable
// queue is returned for the replacement to carry.
func (l *link) abandon() (queued [][]byte) {
	l.mu.Lock()
	if l.state.terminal() {
		l.mu.Unlock()
		return nil
	}
	l.state = StateClosed
	reliable, unreliable := l.reliable, l.unreliable
	l.reliable, l.unreliable = nil, nil
	queued = l.queue
	l.queue = nil
	l.pending = nil
	l.mu.Unlock()

	if reliable != nil {
		reliable.Close()
	}
	if unreliable != nil {
		unreliable.Close()
	}
	l.pc.Close()
	return queued
}

// shutdown moves the link to a terminal state and closes both lanes and
// the connection. It reports whether this call performed the transition.
func (l *link) shutdown(final ConnState) bool {
	l.mu.Lock()
	if l.state.terminal() {
		l.mu.Unlock()
		return false
	}
	l.state = final
	reliable, unreliable := l.reliable, l.unreliable
	l.reliable, l.unreliable = nil, nil
	l.queue = nil
	l.pending = nil
	close(l.gone)
	l.mu.Unlock()

	if reliable != nil {
		reliable.Close()
	}
	if unreliable != nil {
		unreliable.Close()
	}
	l.pc.Close()
	return true
}
