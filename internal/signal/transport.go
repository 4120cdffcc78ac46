package signal

import (
	"context"
	"errors"
	"sync"

	"github.com/driftworks/netplay/internal/event"
)

// ErrUnavailable is returned by Send when the control channel is closed or
// was never established.
var ErrUnavailable = errors.New("signaling unavailable")

// State is the transport's connectivity state.
type State int

const (
	StateIdle State = iota
	StateConnecting
	StateConnected
	StateReconnecting
	StateDisconnected
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateReconnecting:
		return "reconnecting"
	case StateDisconnected:
		return "disconnected"
	}
	return "unknown"
}

// EventKind classifies transport lifecycle events.
type EventKind int

const (
	EventConnected EventKind = iota
	EventReconnecting
	EventConnectionFailed
)

// Event is a transport lifecycle notification. Reconnected reports whether
// a Connected event follows an automatic reconnect, in which case room
// membership has already been re-announced.
type Event struct {
	Kind        EventKind
	Reconnected bool
}

// Handler receives one dispatched signaling message.
type Handler func(Message)

// Transport is the control channel used to negotiate peer connections.
// Send is fire-and-forget with at-most-once delivery and no ordering
// guarantee across destinations. Incoming messages are dispatched by type
// to handlers registered with On.
type Transport interface {
	// Connect establishes the control channel and announces membership in
	// the configured room. It returns once the channel is usable.
	Connect(ctx context.Context) error

	// Send transmits one message. It returns ErrUnavailable when the
	// control channel is not open.
	Send(msg Message) error

	// On registers a handler for a message type and returns a function
	// that removes it.
	On(t MessageType, fn Handler) (off func())

	// Events exposes connectivity notifications (connected, reconnecting,
	// terminal failure).
	Events() *event.Bus[Event]

	// Close tears the transport down and cancels any pending reconnect.
	Close() error
}

// dispatcher routes inbound messages to per-type handler sets. Both
// transport implementations embed one.
type dispatcher struct {
	mu     sync.RWMutex
	nextID int
	byType map[MessageType]map[int]Handler
}

func newDispatcher() *dispatcher {
	return &dispatcher{byType: make(map[MessageType]map[int]Handler)}
}

func (d *dispatcher) on(t MessageType, fn Handler) func() {
	d.mu.Lock()
	id := d.nextID
	d.nextID++
	if d.byType[t] == nil {
		d.byType[t] = make(map[int]Handler)
	}
	d.byType[t][id] = fn
	d.mu.Unlock()

	return func() {
		d.mu.Lock()
		delete(d.byType[t], id)
		d.mu.Unlock()
	}
}

func (d *dispatcher) dispatch(msg Message) {
	d.mu.RLock()
	fns := make([]Handler, 0, len(d.byType[msg.Type]))
	for _, fn := range d.byType[msg.Type] {
		fns = append(fns, fn)
	}
	d.mu.RUnlock()

	for _, fn := range fns {
		fn(msg)
	}
}
