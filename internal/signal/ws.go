package signal

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/gorilla/websocket"

	"github.com/driftworks/netplay/internal/event"
	"github.com/driftworks/netplay/internal/util"
)

// WSOptions configures a WSTransport.
type WSOptions struct {
	URL           string
	Room          string
	SelfID        string
	DisplayName   string
	MaxReconnects int           // dial attempts per outage before giving up
	ReconnectBase time.Duration // first backoff delay, doubled each attempt
}

// WSTransport is the push-socket signaling transport. Messages arrive over
// a single WebSocket to a relay; on socket loss it retries with exponential
// backoff up to MaxReconnects attempts, then surfaces a terminal
// connection-failed event exactly once.
type WSTransport struct {
	opts WSOptions

	disp   *dispatcher
	events *event.Bus[Event]

	mu    sync.Mutex
	conn  *websocket.Conn
	state State

	ctx    context.Context
	cancel context.CancelFunc

	failOnce sync.Once
}

// NewWSTransport creates an unconnected WebSocket transport.
func NewWSTransport(opts WSOptions) *WSTransport {
	if opts.MaxReconnects <= 0 {
		opts.MaxReconnects = 5
	}
	if opts.ReconnectBase <= 0 {
		opts.ReconnectBase = time.Second
	}
	return &WSTransport{
		opts:   opts,
		disp:   newDispatcher(),
		events: event.NewBus[Event](),
		state:  StateIdle,
	}
}

// Connect dials the relay, announces room membership, and starts the read
// loop. The context bounds the transport's whole lifetime, not just the
// dial.
func (t *WSTransport) Connect(ctx context.Context) error {
	t.mu.Lock()
	if t.state != StateIdle {
		t.mu.Unlock()
		return fmt.Errorf("transport already started (state %s)", t.state)
	}
	t.state = StateConnecting
	t.mu.Unlock()

	tCtx, tCancel := context.WithCancel(ctx)
	t.ctx = tCtx
	t.cancel = tCancel

	conn, err := t.dial(tCtx)
	if err != nil {
		t.setState(StateDisconnected)
		tCancel()
		return fmt.Errorf("failed to connect to signaling relay: %w", err)
	}

	t.mu.Lock()
	t.conn = conn
	t.state = StateConnected
	t.mu.Unlock()

	if err := t.announce(); err != nil {
		conn.Close()
		t.setState(StateDisconnected)
		tCancel()
		return fmt.Errorf("failed to announce room membership: %w", err)
	}

	t.events.Publish(Event{Kind: EventConnected})
	go t.readLoop(conn)
	return nil
}

// Send writes one message to the relay. Fire-and-forget: a write error
// is reported but triggers no retry of the message itself.
func (t *WSTransport) Send(msg Message) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.conn == nil || t.state != StateConnected {
		return ErrUnavailable
	}
	if msg.From == "" {
		msg.From = t.opts.SelfID
	}
	if err := t.conn.WriteJSON(msg); err != nil {
		return fmt.Errorf("failed to write signaling message: %w", err)
	}
	return nil
}

// On registers a handler for a message type.
func (t *WSTransport) On(mt MessageType, fn Handler) func() {
	return t.disp.on(mt, fn)
}

// Events exposes connectivity notifications.
func (t *WSTransport) Events() *event.Bus[Event] {
	return t.events
}

// State returns the current connectivity state.
func (t *WSTransport) State() State {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

// Close tears the socket down and cancels any in-flight reconnect.
func (t *WSTransport) Close() error {
	if t.cancel != nil {
		t.cancel()
	}
	t.mu.Lock()
	conn := t.conn
	t.conn = nil
	t.state = StateDisconnected
	t.mu.Unlock()
	if conn != nil {
		return conn.Close()
	}
	return nil
}

// ---------------------------------------------------------------------------
// Internals
// ---------------------------------------------------------------------------

func (t *WSTransport) dial(ctx context.Context) (*websocket.Conn, error) {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, t.opts.URL, nil)
	return conn, err
}

// announce (re-)sends the join message so the relay places the peer in its
// room. Called on first connect and after every successful reconnect so
// dependent components re-synchronize.
func (t *WSTransport) announce() error {
	data, _ := json.Marshal(PeerInfo{PeerID: t.opts.SelfID, DisplayName: t.opts.DisplayName})
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.conn == nil {
		return ErrUnavailable
	}
	return t.conn.WriteJSON(Message{
		Type: TypeJoin,
		From: t.opts.SelfID,
		To:   t.opts.Room,
		Data: data,
	})
}

func (t *WSTransport) setState(s State) {
	t.mu.Lock()
	t.state = s
	t.mu.Unlock()
}

// readLoop consumes messages from one socket until it fails, then hands
// control to the reconnect loop. A context cancellation ends the loop
// without reconnecting.
func (t *WSTransport) readLoop(conn *websocket.Conn) {
	for {
		var msg Message
		if err := conn.ReadJSON(&msg); err != nil {
			select {
			case <-t.ctx.Done():
				return
			default:
			}
			util.LogWarning("signaling socket lost: %v", err)
			t.reconnect()
			return
		}
		t.disp.dispatch(msg)
	}
}

// reconnect runs the bounded backoff loop. Each attempt waits the current
// backoff delay (base, doubling) before dialing. Exhausting all attempts
// leaves the transport disconnected and fires the terminal failure event
// exactly once for the transport's lifetime.
func (t *WSTransport) reconnect() {
	t.setState(StateReconnecting)
	t.events.Publish(Event{Kind: EventReconnecting})

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = t.opts.ReconnectBase
	bo.Multiplier = 2
	bo.RandomizationFactor = 0
	bo.MaxInterval = time.Minute
	bo.MaxElapsedTime = 0

	for attempt := 1; attempt <= t.opts.MaxReconnects; attempt++ {
		select {
		case <-time.After(bo.NextBackOff()):
		case <-t.ctx.Done():
			return
		}

		conn, err := t.dial(t.ctx)
		if err != nil {
			util.LogDebug("reconnect attempt %d/%d failed: %v", attempt, t.opts.MaxReconnects, err)
			continue
		}

		t.mu.Lock()
		t.conn = conn
		t.state = StateConnected
		t.mu.Unlock()

		if err := t.announce(); err != nil {
			util.LogDebug("reconnect attempt %d/%d: announce failed: %v", attempt, t.opts.MaxReconnects, err)
			conn.Close()
			t.mu.Lock()
			t.conn = nil
			t.state = StateReconnecting
			t.mu.Unlock()
			continue
		}

		util.LogInfo("signaling reconnected after %d attempt(s)", attempt)
		t.events.Publish(Event{Kind: EventConnected, Reconnected: true})
		go t.readLoop(conn)
		return
	}

	t.setState(StateDisconnected)
	t.failOnce.Do(func() {
		util.LogError("signaling reconnect exhausted after %d attempts", t.opts.MaxReconnects)
		t.events.Publish(Event{Kind: EventConnectionFailed})
	})
}
