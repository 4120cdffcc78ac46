package party

import (
	"encoding/json"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/driftworks/netplay/internal/protocol"
)

type fakeHub struct {
	mu  sync.Mutex
	eps map[string]*fakeWire
}

func newFakeHub() *fakeHub {
	return &fakeHub{eps: make(map[string]*fakeWire)}
}

func (h *fakeHub) endpoint(self string) *fakeWire {
	w := &fakeWire{hub: h, self: self, handlers: make(map[string][]protocol.Handler)}
	h.mu.Lock()
	h.eps[self] = w
	h.mu.Unlock()
	return w
}

type fakeWire struct {
	hub  *fakeHub
	self string

	mu       sync.Mutex
	handlers map[string][]protocol.Handler
}

func (w *fakeWire) On(msgType string, fn protocol.Handler) func() {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.handlers[msgType] = append(w.handlers[msgType], fn)
	return func() {}
}

func (w *fakeWire) Send(peerID, msgType string, payload any, reliable bool) error {
	w.hub.mu.Lock()
	dst, ok := w.hub.eps[peerID]
	w.hub.mu.Unlock()
	if !ok {
		return fmt.Errorf("no endpoint %s", peerID)
	}
	dst.deliver(w.self, msgType, payload)
	return nil
}

func (w *fakeWire) Broadcast(msgType string, payload any, reliable bool) (int, error) {
	w.hub.mu.Lock()
	var targets []*fakeWire
	for id, ep := range w.hub.eps {
		if id != w.self {
			targets = append(targets, ep)
		}
	}
	w.hub.mu.Unlock()
	for _, ep := range targets {
		ep.deliver(w.self, msgType, payload)
	}
	return len(targets), nil
}

func (w *fakeWire) deliver(from, msgType string, payload any) {
	raw, _ := json.Marshal(payload)
	env := protocol.Envelope{Type: msgType, Payload: raw, SenderID: from}
	w.mu.Lock()
	fns := append([]protocol.Handler(nil), w.handlers[msgType]...)
	w.mu.Unlock()
	for _, fn := range fns {
		fn(from, env)
	}
}

func TestReadinessPropagates(t *testing.T) {
	hub := newFakeHub()
	a := New("a", hub.endpoint("a"))
	defer a.Close()
	b := New("b", hub.endpoint("b"))
	defer b.Close()

	var changes []ReadyChange
	off := b.ReadyEvents().Subscribe(func(c ReadyChange) { changes = append(changes, c) })
	defer off()

	require.NoError(t, a.SetReady(true))
	assert.True(t, b.Ready("a"))
	require.Len(t, changes, 1)
	assert.Equal(t, ReadyChange{PeerID: "a", Ready: true}, changes[0])

	// Repeating the same state does not fire again.
	require.NoError(t, a.SetReady(true))
	assert.Len(t, changes, 1)

	require.NoError(t, a.SetReady(false))
	assert.False(t, b.Ready("a"))
	require.Len(t, changes, 2)
	assert.False(t, changes[1].Ready)
}

func TestAllReady(t *testing.T) {
	hub := newFakeHub()
	a := New("a", hub.endpoint("a"))
	defer a.Close()
	b := New("b", hub.endpoint("b"))
	defer b.Close()

	roster := []string{"a", "b"}
	require.NoError(t, a.SetReady(true))
	assert.False(t, a.AllReady(roster))

	require.NoError(t, b.SetReady(true))
	assert.True(t, a.AllReady(roster))

	assert.False(t, a.AllReady(nil), "empty roster is never ready")

	a.Forget("b")
	assert.False(t, a.AllReady(roster))
}

func TestVoiceSignalPassThrough(t *testing.T) {
	hub := newFakeHub()
	a := New("a", hub.endpoint("a"))
	defer a.Close()
	b := New("b", hub.endpoint("b"))
	defer b.Close()

	var got []VoiceSignal
	off := b.VoiceEvents().Subscribe(func(v VoiceSignal) { got = append(got, v) })
	defer off()

	blob := json.RawMessage(`{"sdp":"opaque-voice-offer"}`)
	require.NoError(t, a.SendVoiceSignal("b", blob))

	require.Len(t, got, 1)
	assert.Equal(t, "a", got[0].From)
	assert.JSONEq(t, string(blob), string(got[0].Data))
}
