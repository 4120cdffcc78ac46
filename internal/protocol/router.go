package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/driftworks/netplay/internal/identity"
	"github.com/driftworks/netplay/internal/peer"
	"github.com/driftworks/netplay/internal/util"
)

// ErrUndeliverable reports a unicast whose lane was not open and whose
// message was dropped (unreliable lane only; reliable sends queue).
var ErrUndeliverable = errors.New("message undeliverable")

// Network is the lane surface the router writes to. *peer.Manager
// implements it.
type Network interface {
	Send(peerID string, lane peer.Lane, data []byte) error
	Broadcast(lane peer.Lane, data []byte) int
	OnMessage(fn peer.MessageHandler)
	Peers() []string
}

// Handler receives one dispatched envelope.
type Handler func(from string, env Envelope)

// Options configures a Router.
type Options struct {
	SelfID            string
	HeartbeatInterval time.Duration
	// Now overrides the clock; nil means time.Now. Used by tests.
	Now func() time.Time
}

// Router layers typed, sequenced envelopes over the peer lanes and runs
// the heartbeat. Sequence numbers share one counter across both lanes so
// they stay monotonic per sender.
type Router struct {
	opts Options
	net  Network
	reg  *identity.Registry

	seq atomic.Uint64

	mu       sync.RWMutex
	nextID   int
	handlers map[string]map[int]Handler

	stopHeartbeat func()
}

// NewRouter creates a router over net, recording latency into reg. It
// registers itself as the network's message handler.
func NewRouter(net Network, reg *identity.Registry, opts Options) *Router {
	if opts.HeartbeatInterval <= 0 {
		opts.HeartbeatInterval = 2 * time.Second
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	r := &Router{
		opts:     opts,
		net:      net,
		reg:      reg,
		handlers: make(map[string]map[int]Handler),
	}
	net.OnMessage(r.handleRaw)
	return r
}

// On registers a handler for an envelope type and returns a function that
// removes it.
func (r *Router) On(msgType string, fn Handler) (off func()) {
	r.mu.Lock()
	id := r.nextID
	r.nextID++
	if r.handlers[msgType] == nil {
		r.handlers[msgType] = make(map[int]Handler)
	}
	r.handlers[msgType][id] = fn
	r.mu.Unlock()

	return func() {
		r.mu.Lock()
		delete(r.handlers[msgType], id)
		r.mu.Unlock()
	}
}

// Send unicasts a payload to one peer. Reliable messages queue while the
// lane is closed; unreliable ones are dropped with ErrUndeliverable, which
// callers on that lane are expected to tolerate.
func (r *Router) Send(peerID, msgType string, payload any, reliable bool) error {
	data, err := r.seal(msgType, payload, reliable)
	if err != nil {
		return err
	}
	lane := peer.LaneUnreliable
	if reliable {
		lane = peer.LaneReliable
	}
	if err := r.net.Send(peerID, lane, data); err != nil {
		if errors.Is(err, peer.ErrUndeliverable) {
			return fmt.Errorf("%s to %s: %w", msgType, util.ShortID(peerID), ErrUndeliverable)
		}
		return err
	}
	return nil
}

// Broadcast delivers a payload to every peer with an open lane of the
// requested class and returns how many were reached.
func (r *Router) Broadcast(msgType string, payload any, reliable bool) (int, error) {
	data, err := r.seal(msgType, payload, reliable)
	if err != nil {
		return 0, err
	}
	lane := peer.LaneUnreliable
	if reliable {
		lane = peer.LaneReliable
	}
	return r.net.Broadcast(lane, data), nil
}

// StartHeartbeat begins the fixed-cadence ping loop. Call StopHeartbeat to
// end it; starting twice restarts the cadence.
func (r *Router) StartHeartbeat() {
	r.StopHeartbeat()

	stop := make(chan struct{})
	r.mu.Lock()
	r.stopHeartbeat = func() { close(stop) }
	r.mu.Unlock()

	go func() {
		ticker := time.NewTicker(r.opts.HeartbeatInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				r.pingAll()
			case <-stop:
				return
			}
		}
	}()
}

// StopHeartbeat ends the ping loop if it is running.
func (r *Router) StopHeartbeat() {
	r.mu.Lock()
	stop := r.stopHeartbeat
	r.stopHeartbeat = nil
	r.mu.Unlock()
	if stop != nil {
		stop()
	}
}

// ---------------------------------------------------------------------------
// Internals
// ---------------------------------------------------------------------------

// seal wraps a payload in an envelope and encodes it.
func (r *Router) seal(msgType string, payload any, reliable bool) ([]byte, error) {
	var raw json.RawMessage
	if payload != nil {
		encoded, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("failed to encode %s payload: %w", msgType, err)
		}
		raw = encoded
	}
	env := Envelope{
		Type:      msgType,
		Payload:   raw,
		SenderID:  r.opts.SelfID,
		Timestamp: r.opts.Now().UnixMilli(),
		Reliable:  reliable,
		Sequence:  r.seq.Add(1),
	}
	data, err := json.Marshal(env)
	if err != nil {
		return nil, fmt.Errorf("failed to encode envelope: %w", err)
	}
	return data, nil
}

// handleRaw decodes one inbound frame and dispatches it. Ping and pong are
// consumed here; everything else goes to registered handlers.
func (r *Router) handleRaw(peerID string, lane peer.Lane, data []byte) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		util.LogDebug("[%s] malformed envelope on %s lane: %v", util.ShortID(peerID), lane, err)
		return
	}

	switch env.Type {
	case TypePing:
		r.handlePing(peerID, env)
		return
	case TypePong:
		r.handlePong(peerID, env)
		return
	}

	r.mu.RLock()
	fns := make([]Handler, 0, len(r.handlers[env.Type]))
	for _, fn := range r.handlers[env.Type] {
		fns = append(fns, fn)
	}
	r.mu.RUnlock()

	for _, fn := range fns {
		fn(peerID, env)
	}
}

// pingAll sends one ping to every connected peer on the unreliable lane.
// Drops are fine; the next tick tries again.
func (r *Router) pingAll() {
	for _, peerID := range r.net.Peers() {
		err := r.Send(peerID, TypePing, heartbeatPayload{SendTime: r.opts.Now().UnixMilli()}, false)
		if err != nil && !errors.Is(err, ErrUndeliverable) {
			util.LogDebug("[%s] ping failed: %v", util.ShortID(peerID), err)
		}
	}
}

// handlePing echoes the sender's timestamp straight back.
func (r *Router) handlePing(peerID string, env Envelope) {
	var hb heartbeatPayload
	if err := json.Unmarshal(env.Payload, &hb); err != nil {
		return
	}
	err := r.Send(peerID, TypePong, hb, false)
	if err != nil && !errors.Is(err, ErrUndeliverable) {
		util.LogDebug("[%s] pong failed: %v", util.ShortID(peerID), err)
	}
}

// handlePong folds the measured round trip into the peer's rolling
// latency average.
func (r *Router) handlePong(peerID string, env Envelope) {
	var hb heartbeatPayload
	if err := json.Unmarshal(env.Payload, &hb); err != nil {
		return
	}
	rtt := r.opts.Now().UnixMilli() - hb.SendTime
	if rtt < 0 {
		return
	}
	r.reg.RecordLatency(peerID, time.Duration(rtt)*time.Millisecond)
}
