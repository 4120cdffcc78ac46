// Package peer owns the lifecycle of negotiated connections to remote
// peers: offer/answer exchange over the signaling transport, ICE candidate
// handling, and the two data channel lanes each peer gets. Entries are
// keyed by peer id and owned exclusively by the Manager.
package peer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/pion/webrtc/v4"

	"github.com/driftworks/netplay/internal/event"
	"github.com/driftworks/netplay/internal/identity"
	"github.com/driftworks/netplay/internal/signal"
	"github.com/driftworks/netplay/internal/util"
)

const (
	labelReliable   = "reliable"
	labelUnreliable = "unreliable"
)

var (
	// ErrNegotiationFailed reports that the offer/answer or candidate
	// exchange did not complete.
	ErrNegotiationFailed = errors.New("negotiation failed")

	// ErrConnectionTimeout reports that a peer connect exceeded its
	// deadline.
	ErrConnectionTimeout = errors.New("connection timeout")

	// ErrUndeliverable reports a send on a lane that is not open. Reliable
	// sends to a known peer are queued instead and never return this.
	ErrUndeliverable = errors.New("message undeliverable")

	// ErrUnknownPeer reports a send to a peer with no connection entry.
	ErrUnknownPeer = errors.New("unknown peer")
)

// EventKind classifies peer lifecycle events.
type EventKind int

const (
	EventPeerConnected EventKind = iota
	EventPeerDisconnected
)

// Event is a peer lifecycle notification.
type Event struct {
	Kind   EventKind
	PeerID string
	State  ConnState
}

// MessageHandler receives one inbound data channel message.
type MessageHandler func(peerID string, lane Lane, data []byte)

// Options configures a Manager.
type Options struct {
	SelfID     string
	ICEServers []webrtc.ICEServer

	// Registry, when set, is kept in sync with room membership: peers are
	// recorded as they are announced and dropped when their link closes.
	Registry *identity.Registry
}

// sdpPayload is the Data field of offer and answer signaling messages.
type sdpPayload struct {
	SDP string `json:"sdp"`
}

// Manager creates, tracks, and tears down one link per remote peer. The
// initiating side creates both lanes and sends the offer; the responding
// side adopts the announced channels and answers. When both sides initiate
// at once, the peer with the lexicographically smaller id keeps its
// attempt and the other yields.
type Manager struct {
	opts Options
	sig  signal.Transport

	mu     sync.Mutex
	links  map[string]*link
	closed bool

	events *event.Bus[Event]

	handlerMu sync.RWMutex
	onMessage MessageHandler

	offs []func()
}

// NewManager creates a Manager wired to the given signaling transport.
func NewManager(sig signal.Transport, opts Options) *Manager {
	m := &Manager{
		opts:   opts,
		sig:    sig,
		links:  make(map[string]*link),
		events: event.NewBus[Event](),
	}

	m.offs = append(m.offs,
		sig.On(signal.TypeOffer, m.handleOffer),
		sig.On(signal.TypeAnswer, m.handleAnswer),
		sig.On(signal.TypeCandidate, m.handleCandidate),
		sig.On(signal.TypeRoomJoined, m.handleRoomJoined),
		sig.On(signal.TypePeerJoined, m.handlePeerJoined),
		sig.On(signal.TypePeerLeft, func(msg signal.Message) {
			m.teardown(msg.From, StateDisconnected)
			m.forgetPeer(msg.From)
		}),
	)

	return m
}

// Events exposes peer lifecycle notifications.
func (m *Manager) Events() *event.Bus[Event] {
	return m.events
}

// OnMessage sets the handler for inbound data channel messages. It must be
// set before the first peer connects.
func (m *Manager) OnMessage(fn MessageHandler) {
	m.handlerMu.Lock()
	m.onMessage = fn
	m.handlerMu.Unlock()
}

// Connect initiates a connection to peerID and blocks until the reliable
// lane opens, the link fails, or ctx expires. Connecting to an
// already-known peer waits on the existing attempt.
func (m *Manager) Connect(ctx context.Context, peerID string) error {
	l, err := m.initiate(peerID)
	if err != nil {
		return err
	}

	select {
	case <-l.ready:
		return nil
	case <-l.gone:
		return fmt.Errorf("connect to %s: %w", util.ShortID(peerID), ErrNegotiationFailed)
	case <-ctx.Done():
		m.teardown(peerID, StateFailed)
		return fmt.Errorf("connect to %s: %w", util.ShortID(peerID), ErrConnectionTimeout)
	}
}

// initiate creates the initiator-side link and sends the offer. An
// existing link for the peer is returned as-is.
func (m *Manager) initiate(peerID string) (*link, error) {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil, errors.New("manager closed")
	}
	if l, ok := m.links[peerID]; ok {
		m.mu.Unlock()
		return l, nil
	}

	pc, err := m.newPeerConnection()
	if err != nil {
		m.mu.Unlock()
		return nil, fmt.Errorf("%w: %v", ErrNegotiationFailed, err)
	}
	l := newLink(peerID, true, pc)
	m.links[peerID] = l
	m.mu.Unlock()

	if err := m.openLanes(l); err != nil {
		m.teardown(peerID, StateFailed)
		return nil, fmt.Errorf("%w: %v", ErrNegotiationFailed, err)
	}
	m.wireConnection(l)

	offer, err := pc.CreateOffer(nil)
	if err != nil {
		m.teardown(peerID, StateFailed)
		return nil, fmt.Errorf("%w: create offer: %v", ErrNegotiationFailed, err)
	}
	if err := pc.SetLocalDescription(offer); err != nil {
		m.teardown(peerID, StateFailed)
		return nil, fmt.Errorf("%w: set local description: %v", ErrNegotiationFailed, err)
	}

	data, _ := json.Marshal(sdpPayload{SDP: offer.SDP})
	if err := m.sig.Send(signal.Message{Type: signal.TypeOffer, To: peerID, Data: data}); err != nil {
		m.teardown(peerID, StateFailed)
		return nil, fmt.Errorf("%w: send offer: %v", ErrNegotiationFailed, err)
	}

	util.LogDebug("[%s] offer sent", util.ShortID(peerID))
	return l, nil
}

// Send transmits data to one peer on the given lane. Reliable sends to a
// known but not-yet-open peer are queued; unreliable sends in that case
// are dropped with ErrUndeliverable.
func (m *Manager) Send(peerID string, lane Lane, data []byte) error {
	m.mu.Lock()
	l, ok := m.links[peerID]
	m.mu.Unlock()
	if !ok {
		return fmt.Errorf("send to %s: %w", util.ShortID(peerID), ErrUnknownPeer)
	}

	if !l.laneOpen(lane) {
		if lane == LaneReliable && !l.currentState().terminal() {
			l.enqueueReliable(data)
			return nil
		}
		util.Stats.AddDropped()
		return fmt.Errorf("send to %s on %s lane: %w", util.ShortID(peerID), lane, ErrUndeliverable)
	}

	dc := l.channel(lane)
	if dc == nil {
		return fmt.Errorf("send to %s on %s lane: %w", util.ShortID(peerID), lane, ErrUndeliverable)
	}
	if err := dc.Send(data); err != nil {
		return fmt.Errorf("send to %s on %s lane: %w", util.ShortID(peerID), lane, err)
	}
	util.Stats.AddSent(len(data))
	return nil
}

// Broadcast transmits data to every peer whose lane is open and returns
// the number of peers reached.
func (m *Manager) Broadcast(lane Lane, data []byte) int {
	m.mu.Lock()
	targets := make([]*link, 0, len(m.links))
	for _, l := range m.links {
		targets = append(targets, l)
	}
	m.mu.Unlock()

	sent := 0
	for _, l := range targets {
		if !l.laneOpen(lane) {
			continue
		}
		dc := l.channel(lane)
		if dc == nil {
			continue
		}
		if err := dc.Send(data); err != nil {
			util.LogDebug("[%s] broadcast send failed: %v", util.ShortID(l.id), err)
			continue
		}
		util.Stats.AddSent(len(data))
		sent++
	}
	return sent
}

// Peers returns the ids of all peers in the connected state.
func (m *Manager) Peers() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, 0, len(m.links))
	for id, l := range m.links {
		if l.currentState() == StateConnected {
			out = append(out, id)
		}
	}
	return out
}

// State returns the connection state for a peer.
func (m *Manager) State(peerID string) (ConnState, bool) {
	m.mu.Lock()
	l, ok := m.links[peerID]
	m.mu.Unlock()
	if !ok {
		return StateClosed, false
	}
	return l.currentState(), true
}

// Close tears down every link. Queued messages are discarded.
func (m *Manager) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	ids := make([]string, 0, len(m.links))
	for id := range m.links {
		ids = append(ids, id)
	}
	m.mu.Unlock()

	for _, off := range m.offs {
		off()
	}
	for _, id := range ids {
		m.teardown(id, StateClosed)
	}
	return nil
}

// ---------------------------------------------------------------------------
// Signaling handlers
// ---------------------------------------------------------------------------

// handleRoomJoined dials every member already present when the local peer
// entered the room, forming the mesh without any caller intervention.
// When two joins cross, both sides initiate and glare resolution keeps
// exactly one attempt.
func (m *Manager) handleRoomJoined(msg signal.Message) {
	var info signal.RoomInfo
	if err := json.Unmarshal(msg.Data, &info); err != nil {
		util.LogWarning("malformed room-joined: %v", err)
		return
	}
	for _, id := range info.Peers {
		m.meetPeer(id, "")
	}
}

// handlePeerJoined dials a newcomer announced to an existing member.
func (m *Manager) handlePeerJoined(msg signal.Message) {
	var info signal.PeerInfo
	if err := json.Unmarshal(msg.Data, &info); err != nil {
		util.LogWarning("[%s] malformed peer-joined: %v", util.ShortID(msg.From), err)
		return
	}
	id := info.PeerID
	if id == "" {
		id = msg.From
	}
	m.meetPeer(id, info.DisplayName)
}

// meetPeer records an announced peer's identity and opens a connection
// attempt toward it. Re-announcements are harmless: an existing link is
// left alone.
func (m *Manager) meetPeer(peerID, displayName string) {
	if peerID == "" || peerID == m.opts.SelfID {
		return
	}
	if m.opts.Registry != nil {
		m.opts.Registry.Put(identity.Identity{ID: peerID, DisplayName: displayName})
	}
	if _, err := m.initiate(peerID); err != nil {
		util.LogWarning("[%s] connect on announcement failed: %v", util.ShortID(peerID), err)
	}
}

func (m *Manager) forgetPeer(peerID string) {
	if m.opts.Registry != nil {
		m.opts.Registry.Remove(peerID)
	}
}

func (m *Manager) handleOffer(msg signal.Message) {
	var payload sdpPayload
	if err := json.Unmarshal(msg.Data, &payload); err != nil {
		util.LogWarning("[%s] malformed offer: %v", util.ShortID(msg.From), err)
		return
	}

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	var inheritFrom *link
	if existing, ok := m.links[msg.From]; ok {
		// Simultaneous initiation. The smaller id keeps its own attempt;
		// the larger id abandons it and answers the inbound offer.
		if existing.initiator && m.opts.SelfID < msg.From {
			m.mu.Unlock()
			util.LogDebug("[%s] glare: ignoring inbound offer, our attempt wins", util.ShortID(msg.From))
			return
		}
		delete(m.links, msg.From)
		inheritFrom = existing
		util.LogDebug("[%s] glare: yielding to inbound offer", util.ShortID(msg.From))
	}

	pc, err := m.newPeerConnection()
	if err != nil {
		m.mu.Unlock()
		util.LogError("[%s] peer connection create failed: %v", util.ShortID(msg.From), err)
		return
	}
	l := newLink(msg.From, false, pc)
	if inheritFrom != nil {
		// Carry the abandoned attempt's waiter and reliable queue so its
		// Connect call and pre-open sends resolve on the new link.
		l.ready = inheritFrom.ready
		l.gone = inheritFrom.gone
	}
	m.links[msg.From] = l
	m.mu.Unlock()

	if inheritFrom != nil {
		for _, data := range inheritFrom.abandon() {
			l.enqueueReliable(data)
		}
	}

	// Responder side adopts the channels the initiator announces.
	pc.OnDataChannel(func(dc *webrtc.DataChannel) {
		if !l.adoptChannel(dc) {
			util.LogWarning("[%s] unexpected channel label %q", util.ShortID(l.id), dc.Label())
			return
		}
		m.wireChannel(l, dc)
	})
	m.wireConnection(l)

	if err := l.setRemoteDescription(webrtc.SessionDescription{
		Type: webrtc.SDPTypeOffer, SDP: payload.SDP,
	}); err != nil {
		util.LogError("[%s] set remote offer failed: %v", util.ShortID(msg.From), err)
		m.teardown(msg.From, StateFailed)
		return
	}

	answer, err := pc.CreateAnswer(nil)
	if err != nil {
		util.LogError("[%s] create answer failed: %v", util.ShortID(msg.From), err)
		m.teardown(msg.From, StateFailed)
		return
	}
	if err := pc.SetLocalDescription(answer); err != nil {
		util.LogError("[%s] set local answer failed: %v", util.ShortID(msg.From), err)
		m.teardown(msg.From, StateFailed)
		return
	}

	data, _ := json.Marshal(sdpPayload{SDP: answer.SDP})
	if err := m.sig.Send(signal.Message{Type: signal.TypeAnswer, To: msg.From, Data: data}); err != nil {
		util.LogError("[%s] send answer failed: %v", util.ShortID(msg.From), err)
		m.teardown(msg.From, StateFailed)
	}
}

func (m *Manager) handleAnswer(msg signal.Message) {
	var payload sdpPayload
	if err := json.Unmarshal(msg.Data, &payload); err != nil {
		util.LogWarning("[%s] malformed answer: %v", util.ShortID(msg.From), err)
		return
	}

	m.mu.Lock()
	l, ok := m.links[msg.From]
	m.mu.Unlock()
	if !ok {
		util.LogDebug("[%s] answer for unknown peer, dropping", util.ShortID(msg.From))
		return
	}

	if err := l.setRemoteDescription(webrtc.SessionDescription{
		Type: webrtc.SDPTypeAnswer, SDP: payload.SDP,
	}); err != nil {
		util.LogError("[%s] set remote answer failed: %v", util.ShortID(msg.From), err)
		m.teardown(msg.From, StateFailed)
	}
}

func (m *Manager) handleCandidate(msg signal.Message) {
	var init webrtc.ICECandidateInit
	if err := json.Unmarshal(msg.Data, &init); err != nil {
		util.LogWarning("[%s] malformed candidate: %v", util.ShortID(msg.From), err)
		return
	}

	m.mu.Lock()
	l, ok := m.links[msg.From]
	m.mu.Unlock()
	if !ok {
		util.LogDebug("[%s] candidate for unknown peer, dropping", util.ShortID(msg.From))
		return
	}

	if err := l.addRemoteCandidate(init); err != nil {
		util.LogDebug("[%s] add candidate failed: %v", util.ShortID(msg.From), err)
	}
}

// ---------------------------------------------------------------------------
// Connection plumbing
// ---------------------------------------------------------------------------

func (m *Manager) newPeerConnection() (*webrtc.PeerConnection, error) {
	return webrtc.NewPeerConnection(webrtc.Configuration{ICEServers: m.opts.ICEServers})
}

// openLanes creates both data channels on the initiator side.
func (m *Manager) openLanes(l *link) error {
	ordered := true
	reliable, err := l.pc.CreateDataChannel(labelReliable, &webrtc.DataChannelInit{
		Ordered: &ordered,
	})
	if err != nil {
		return fmt.Errorf("create reliable lane: %w", err)
	}

	unordered := false
	retransmits := unreliableRetransmits
	unreliable, err := l.pc.CreateDataChannel(labelUnreliable, &webrtc.DataChannelInit{
		Ordered:        &unordered,
		MaxRetransmits: &retransmits,
	})
	if err != nil {
		return fmt.Errorf("create unreliable lane: %w", err)
	}

	l.mu.Lock()
	l.reliable = reliable
	l.unreliable = unreliable
	l.mu.Unlock()

	m.wireChannel(l, reliable)
	m.wireChannel(l, unreliable)
	return nil
}

// wireChannel attaches open/close/message handlers to one lane.
func (m *Manager) wireChannel(l *link, dc *webrtc.DataChannel) {
	lane := LaneReliable
	if dc.Label() == labelUnreliable {
		lane = LaneUnreliable
	}

	dc.OnOpen(func() {
		util.LogDebug("[%s] %s lane open", util.ShortID(l.id), lane)
		if lane != LaneReliable {
			return
		}
		// The reliable lane opening is what promotes the link to
		// connected; the pre-open queue drains first so a racing Send
		// cannot overtake it.
		ok := l.drainAndConnect(func(data []byte) error {
			if err := dc.Send(data); err != nil {
				return err
			}
			util.Stats.AddSent(len(data))
			return nil
		})
		if !ok {
			return
		}
		util.Stats.AddPeer()
		m.events.Publish(Event{Kind: EventPeerConnected, PeerID: l.id, State: StateConnected})
	})

	dc.OnClose(func() {
		if lane == LaneReliable {
			m.teardown(l.id, StateDisconnected)
		}
	})

	dc.OnMessage(func(msg webrtc.DataChannelMessage) {
		util.Stats.AddRecv(len(msg.Data))
		m.handlerMu.RLock()
		fn := m.onMessage
		m.handlerMu.RUnlock()
		if fn != nil {
			fn(l.id, lane, msg.Data)
		}
	})
}

// wireConnection attaches ICE and connection state handlers.
func (m *Manager) wireConnection(l *link) {
	l.pc.OnICECandidate(func(c *webrtc.ICECandidate) {
		if c == nil {
			return
		}
		data, _ := json.Marshal(c.ToJSON())
		// Best effort: candidate loss degrades connectivity, not correctness.
		if err := m.sig.Send(signal.Message{Type: signal.TypeCandidate, To: l.id, Data: data}); err != nil {
			util.LogDebug("[%s] candidate send failed: %v", util.ShortID(l.id), err)
		}
	})

	l.pc.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		util.LogDebug("[%s] connection state: %s", util.ShortID(l.id), state)
		switch state {
		case webrtc.PeerConnectionStateFailed:
			m.teardown(l.id, StateFailed)
		case webrtc.PeerConnectionStateDisconnected, webrtc.PeerConnectionStateClosed:
			m.teardown(l.id, StateDisconnected)
		}
	})
}

// teardown removes and shuts down one link. Failures are isolated: no
// other peer's state is touched. The disconnect event fires once.
func (m *Manager) teardown(peerID string, final ConnState) {
	m.mu.Lock()
	l, ok := m.links[peerID]
	if ok {
		delete(m.links, peerID)
	}
	m.mu.Unlock()
	if !ok {
		return
	}

	wasConnected := l.currentState() == StateConnected
	if !l.shutdown(final) {
		return
	}
	if wasConnected {
		util.Stats.RemovePeer()
	}
	m.forgetPeer(peerID)
	util.LogDebug("[%s] link closed (%s)", util.ShortID(peerID), final)
	m.events.Publish(Event{Kind: EventPeerDisconnected, PeerID: peerID, State: final})
}
