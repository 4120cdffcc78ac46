// Package party groups peers ahead of a match: readiness tracking and
// voice-chat signaling pass-through. Media capture and playback belong to
// the host runtime; only the signaling payloads travel through here.
package party

import (
	"encoding/json"
	"sync"

	"github.com/driftworks/netplay/internal/event"
	"github.com/driftworks/netplay/internal/protocol"
	"github.com/driftworks/netplay/internal/util"
)

const (
	msgReady       = "party-ready"
	msgVoiceSignal = "voice-signal"
)

type readyPayload struct {
	Ready bool `json:"ready"`
}

// VoiceSignal is an opaque voice-negotiation blob relayed between two
// peers. The party layer never inspects Data.
type VoiceSignal struct {
	From string
	Data json.RawMessage
}

// ReadyChange reports one peer flipping its readiness.
type ReadyChange struct {
	PeerID string
	Ready  bool
}

// network is the envelope surface the party talks through.
// *protocol.Router implements it.
type network interface {
	On(msgType string, fn protocol.Handler) (off func())
	Send(peerID, msgType string, payload any, reliable bool) error
	Broadcast(msgType string, payload any, reliable bool) (int, error)
}

// Party tracks readiness across the local group and relays voice
// signaling. One instance per client session, handed its network
// explicitly.
type Party struct {
	selfID string
	net    network

	mu    sync.Mutex
	ready map[string]bool

	readyEvents *event.Bus[ReadyChange]
	voiceEvents *event.Bus[VoiceSignal]
	offs        []func()
}

// New creates a party bound to the given network surface.
func New(selfID string, net network) *Party {
	p := &Party{
		selfID:      selfID,
		net:         net,
		ready:       make(map[string]bool),
		readyEvents: event.NewBus[ReadyChange](),
		voiceEvents: event.NewBus[VoiceSignal](),
	}
	p.offs = append(p.offs,
		net.On(msgReady, p.handleReady),
		net.On(msgVoiceSignal, p.handleVoiceSignal),
	)
	return p
}

// Close detaches the party's handlers.
func (p *Party) Close() {
	for _, off := range p.offs {
		off()
	}
}

// ReadyEvents reports remote readiness changes.
func (p *Party) ReadyEvents() *event.Bus[ReadyChange] { return p.readyEvents }

// VoiceEvents reports inbound voice signaling blobs.
func (p *Party) VoiceEvents() *event.Bus[VoiceSignal] { return p.voiceEvents }

// SetReady broadcasts the local peer's readiness.
func (p *Party) SetReady(ready bool) error {
	p.mu.Lock()
	p.ready[p.selfID] = ready
	p.mu.Unlock()
	_, err := p.net.Broadcast(msgReady, readyPayload{Ready: ready}, true)
	return err
}

// Ready reports a peer's last announced readiness.
func (p *Party) Ready(peerID string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.ready[peerID]
}

// AllReady reports whether every listed peer has announced ready.
func (p *Party) AllReady(roster []string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, id := range roster {
		if !p.ready[id] {
			return false
		}
	}
	return len(roster) > 0
}

// Forget drops a departed peer's readiness state.
func (p *Party) Forget(peerID string) {
	p.mu.Lock()
	delete(p.ready, peerID)
	p.mu.Unlock()
}

// SendVoiceSignal relays an opaque voice-negotiation blob to one peer on
// the reliable lane.
func (p *Party) SendVoiceSignal(peerID string, data json.RawMessage) error {
	return p.net.Send(peerID, msgVoiceSignal, data, true)
}

func (p *Party) handleReady(from string, env protocol.Envelope) {
	var rp readyPayload
	if err := json.Unmarshal(env.Payload, &rp); err != nil {
		return
	}
	p.mu.Lock()
	prev, known := p.ready[from]
	p.ready[from] = rp.Ready
	p.mu.Unlock()
	if known && prev == rp.Ready {
		return
	}
	util.LogDebug("peer %s ready=%v", util.ShortID(from), rp.Ready)
	p.readyEvents.Publish(ReadyChange{PeerID: from, Ready: rp.Ready})
}

func (p *Party) handleVoiceSignal(from string, env protocol.Envelope) {
	p.voiceEvents.Publish(VoiceSignal{From: from, Data: env.Payload})
}
