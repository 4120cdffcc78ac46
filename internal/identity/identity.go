// Package identity tracks who the local client is and what it knows about
// remote peers: display metadata, a rolling latency estimate fed by the
// heartbeat, and an externally-maintained reputation score.
package identity

import (
	"sync"
	"time"

	"github.com/google/uuid"
)

// latencyWindow is the number of round-trip samples folded into the
// rolling average before old samples fall out.
const latencyWindow = 10

// Identity describes one peer as observed by the local client.
type Identity struct {
	ID          string
	DisplayName string
	Latency     time.Duration // rolling average over the last latencyWindow samples
	Reputation  float64
}

// NewLocal creates the local client's identity with a fresh random id.
// Collisions are improbable enough that ids are never coordinated.
func NewLocal(displayName string) Identity {
	return Identity{
		ID:          uuid.NewString(),
		DisplayName: displayName,
	}
}

// Registry holds identities keyed by peer id. All methods are safe for
// concurrent use; writers are the message protocol (latency) and the match
// layer (reputation), which never touch the same field.
type Registry struct {
	mu      sync.RWMutex
	peers   map[string]*Identity
	samples map[string][]time.Duration
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		peers:   make(map[string]*Identity),
		samples: make(map[string][]time.Duration),
	}
}

// Put inserts or updates a peer's identity. A re-announced peer keeps its
// latency estimate and reputation, and keeps its display name when the
// update carries none.
func (r *Registry) Put(id Identity) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if prev, ok := r.peers[id.ID]; ok {
		if id.DisplayName == "" {
			id.DisplayName = prev.DisplayName
		}
		id.Latency = prev.Latency
		id.Reputation = prev.Reputation
	}
	stored := id
	r.peers[id.ID] = &stored
}

// Get returns a copy of the peer's identity.
func (r *Registry) Get(peerID string) (Identity, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.peers[peerID]
	if !ok {
		return Identity{}, false
	}
	return *p, true
}

// Remove drops a peer and its latency history on disconnect.
func (r *Registry) Remove(peerID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.peers, peerID)
	delete(r.samples, peerID)
}

// RecordLatency folds one round-trip sample into the peer's rolling
// average. Samples for unknown peers create a placeholder identity so a
// pong racing the peer-joined announcement is not lost.
func (r *Registry) RecordLatency(peerID string, rtt time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()

	p, ok := r.peers[peerID]
	if !ok {
		p = &Identity{ID: peerID}
		r.peers[peerID] = p
	}

	window := append(r.samples[peerID], rtt)
	if len(window) > latencyWindow {
		window = window[len(window)-latencyWindow:]
	}
	r.samples[peerID] = window

	var sum time.Duration
	for _, s := range window {
		sum += s
	}
	p.Latency = sum / time.Duration(len(window))
}

// SetReputation overwrites a peer's reputation score.
func (r *Registry) SetReputation(peerID string, score float64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if p, ok := r.peers[peerID]; ok {
		p.Reputation = score
	}
}

// All returns a snapshot of every known peer.
func (r *Registry) All() []Identity {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Identity, 0, len(r.peers))
	for _, p := range r.peers {
		out = append(out, *p)
	}
	return out
}
