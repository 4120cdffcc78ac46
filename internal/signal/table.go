package signal

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/driftworks/netplay/internal/event"
	"github.com/driftworks/netplay/internal/util"
)

// Mailbox is the polled realtime table behind TableTransport. Rows are
// append-only and totally ordered per room by Seq; Fetch returns rows newer
// than afterSeq addressed to the given peer or to the room at large.
type Mailbox interface {
	Append(ctx context.Context, room string, msg Message) error
	Fetch(ctx context.Context, room, peerID string, afterSeq int64) ([]StoredMessage, error)
}

// StoredMessage is one mailbox row.
type StoredMessage struct {
	Seq int64
	Msg Message
}

// TableOptions configures a TableTransport.
type TableOptions struct {
	Room         string
	SelfID       string
	DisplayName  string
	PollInterval time.Duration
	MaxFailures  int // consecutive failed polls tolerated before giving up
}

// TableTransport is the polled-table signaling transport. It appends
// outgoing messages to a shared mailbox and polls for inbound rows on a
// fixed cadence. Because there is no server to announce membership, other
// peers' join rows are dispatched locally as peer-joined.
type TableTransport struct {
	opts TableOptions
	box  Mailbox

	disp   *dispatcher
	events *event.Bus[Event]

	mu      sync.Mutex
	state   State
	lastSeq int64

	ctx    context.Context
	cancel context.CancelFunc

	failOnce sync.Once
}

// NewTableTransport creates an unconnected polled transport over box.
func NewTableTransport(box Mailbox, opts TableOptions) *TableTransport {
	if opts.PollInterval <= 0 {
		opts.PollInterval = 500 * time.Millisecond
	}
	if opts.MaxFailures <= 0 {
		opts.MaxFailures = 5
	}
	return &TableTransport{
		opts:   opts,
		box:    box,
		disp:   newDispatcher(),
		events: event.NewBus[Event](),
		state:  StateIdle,
	}
}

// Connect announces membership, replays the room's membership history into
// a room-joined dispatch, and starts the poll loop.
func (t *TableTransport) Connect(ctx context.Context) error {
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

	// Membership history tells us who is already present.
	history, err := t.box.Fetch(tCtx, t.opts.Room, t.opts.SelfID, 0)
	if err != nil {
		t.setState(StateDisconnected)
		tCancel()
		return fmt.Errorf("failed to read signaling table: %w", err)
	}

	present := make(map[string]bool)
	var last int64
	for _, row := range history {
		last = row.Seq
		switch row.Msg.Type {
		case TypeJoin, TypePeerJoined:
			if row.Msg.From != t.opts.SelfID {
				present[row.Msg.From] = true
			}
		case TypePeerLeft:
			delete(present, row.Msg.From)
		}
	}

	data, _ := json.Marshal(PeerInfo{PeerID: t.opts.SelfID, DisplayName: t.opts.DisplayName})
	join := Message{Type: TypeJoin, From: t.opts.SelfID, To: t.opts.Room, Data: data}
	if err := t.box.Append(tCtx, t.opts.Room, join); err != nil {
		t.setState(StateDisconnected)
		tCancel()
		return fmt.Errorf("failed to announce in signaling table: %w", err)
	}

	t.mu.Lock()
	t.state = StateConnected
	t.lastSeq = last
	t.mu.Unlock()

	peers := make([]string, 0, len(present))
	for id := range present {
		peers = append(peers, id)
	}
	info, _ := json.Marshal(RoomInfo{Room: t.opts.Room, Peers: peers})
	t.disp.dispatch(Message{Type: TypeRoomJoined, To: t.opts.SelfID, Data: info})

	t.events.Publish(Event{Kind: EventConnected})
	go t.pollLoop()
	return nil
}

// Send appends one message to the mailbox.
func (t *TableTransport) Send(msg Message) error {
	t.mu.Lock()
	state := t.state
	t.mu.Unlock()
	if state != StateConnected {
		return ErrUnavailable
	}
	if msg.From == "" {
		msg.From = t.opts.SelfID
	}
	if err := t.box.Append(t.ctx, t.opts.Room, msg); err != nil {
		return fmt.Errorf("failed to append signaling message: %w", err)
	}
	return nil
}

// On registers a handler for a message type.
func (t *TableTransport) On(mt MessageType, fn Handler) func() {
	return t.disp.on(mt, fn)
}

// Events exposes connectivity notifications.
func (t *TableTransport) Events() *event.Bus[Event] {
	return t.events
}

func (t *TableTransport) setState(s State) {
	t.mu.Lock()
	t.state = s
	t.mu.Unlock()
}

// State returns the current connectivity state.
func (t *TableTransport) State() State {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

// Close announces departure and stops the poll loop.
func (t *TableTransport) Close() error {
	t.mu.Lock()
	connected := t.state == StateConnected
	t.state = StateDisconnected
	t.mu.Unlock()

	if connected {
		left := Message{Type: TypePeerLeft, From: t.opts.SelfID, To: t.opts.Room}
		if err := t.box.Append(context.Background(), t.opts.Room, left); err != nil {
			util.LogDebug("table transport: departure append failed: %v", err)
		}
	}
	if t.cancel != nil {
		t.cancel()
	}
	return nil
}

// pollLoop fetches new rows on the configured cadence and dispatches them.
// Join rows from other peers are surfaced as peer-joined, matching the
// push transport's event surface. Consecutive poll failures count against
// MaxFailures; exhausting them leaves the transport disconnected and
// fires the terminal failure event exactly once.
func (t *TableTransport) pollLoop() {
	ticker := time.NewTicker(t.opts.PollInterval)
	defer ticker.Stop()

	failures := 0
	for {
		select {
		case <-ticker.C:
			t.mu.Lock()
			after := t.lastSeq
			t.mu.Unlock()

			rows, err := t.box.Fetch(t.ctx, t.opts.Room, t.opts.SelfID, after)
			if err != nil {
				select {
				case <-t.ctx.Done():
					return
				default:
				}
				failures++
				if failures == 1 {
					t.setState(StateReconnecting)
					t.events.Publish(Event{Kind: EventReconnecting})
				}
				if failures >= t.opts.MaxFailures {
					t.setState(StateDisconnected)
					t.failOnce.Do(func() {
						util.LogError("signaling table unreachable after %d polls", failures)
						t.events.Publish(Event{Kind: EventConnectionFailed})
					})
					return
				}
				util.LogDebug("signaling table poll failed (%d/%d): %v", failures, t.opts.MaxFailures, err)
				continue
			}
			if failures > 0 {
				failures = 0
				t.setState(StateConnected)
				t.events.Publish(Event{Kind: EventConnected, Reconnected: true})
			}

			for _, row := range rows {
				t.mu.Lock()
				if row.Seq > t.lastSeq {
					t.lastSeq = row.Seq
				}
				t.mu.Unlock()

				msg := row.Msg
				if msg.From == t.opts.SelfID {
					continue
				}
				if msg.Type == TypeJoin {
					msg.Type = TypePeerJoined
				}
				t.disp.dispatch(msg)
			}

		case <-t.ctx.Done():
			return
		}
	}
}
