package signal

import (
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"sync"

	"github.com/gorilla/websocket"

	"github.com/driftworks/netplay/internal/util"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// Relay is the push-socket signaling relay. It holds no game state: it
// places sockets into rooms on join, forwards directed messages by peer
// id, and announces peer-joined/peer-left to the rest of the room.
type Relay struct {
	listener net.Listener

	mu    sync.Mutex
	rooms map[string]map[string]*relayClient
}

type relayClient struct {
	peerID string
	room   string
	conn   *websocket.Conn
	mu     sync.Mutex // guards writes
}

func (c *relayClient) write(msg Message) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn.WriteJSON(msg)
}

// NewRelay creates an empty relay.
func NewRelay() *Relay {
	return &Relay{rooms: make(map[string]map[string]*relayClient)}
}

// Start begins listening on addr (":0" picks a random port) and returns
// the bound address.
func (r *Relay) Start(addr string) (string, error) {
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return "", fmt.Errorf("failed to start relay: %w", err)
	}
	r.listener = listener

	mux := http.NewServeMux()
	mux.HandleFunc("/ws", r.handleWS)

	go func() {
		_ = http.Serve(listener, mux)
	}()

	return listener.Addr().String(), nil
}

// Close shuts down the listener, preventing new connections.
func (r *Relay) Close() {
	if r.listener != nil {
		r.listener.Close()
	}
}

func (r *Relay) handleWS(w http.ResponseWriter, req *http.Request) {
	conn, err := upgrader.Upgrade(w, req, nil)
	if err != nil {
		return
	}

	// The first message must be a join; everything before it is dropped.
	client, err := r.awaitJoin(conn)
	if err != nil {
		conn.Close()
		return
	}

	r.serve(client)
}

// awaitJoin reads until the socket announces itself, then registers it.
func (r *Relay) awaitJoin(conn *websocket.Conn) (*relayClient, error) {
	for {
		var msg Message
		if err := conn.ReadJSON(&msg); err != nil {
			return nil, err
		}
		if msg.Type != TypeJoin {
			continue
		}

		client := &relayClient{peerID: msg.From, room: msg.To, conn: conn}
		r.register(client, msg)
		return client, nil
	}
}

// register adds the client to its room, confirms with room-joined, and
// announces peer-joined to everyone already there. A reconnecting peer
// re-sends join; the stale socket, if any, is replaced.
func (r *Relay) register(c *relayClient, join Message) {
	r.mu.Lock()
	room := r.rooms[c.room]
	if room == nil {
		room = make(map[string]*relayClient)
		r.rooms[c.room] = room
	}
	if old, ok := room[c.peerID]; ok && old != c {
		old.conn.Close()
	}
	peers := make([]string, 0, len(room))
	for id := range room {
		if id != c.peerID {
			peers = append(peers, id)
		}
	}
	room[c.peerID] = c
	others := make([]*relayClient, 0, len(room))
	for id, other := range room {
		if id != c.peerID {
			others = append(others, other)
		}
	}
	r.mu.Unlock()

	info, _ := json.Marshal(RoomInfo{Room: c.room, Peers: peers})
	if err := c.write(Message{Type: TypeRoomJoined, To: c.peerID, Data: info}); err != nil {
		util.LogDebug("relay: room-joined write to %s failed: %v", util.ShortID(c.peerID), err)
	}

	for _, other := range others {
		if err := other.write(Message{Type: TypePeerJoined, From: c.peerID, To: c.room, Data: join.Data}); err != nil {
			util.LogDebug("relay: peer-joined write to %s failed: %v", util.ShortID(other.peerID), err)
		}
	}
}

// serve forwards the client's messages until its socket drops, then
// removes it and announces peer-left.
func (r *Relay) serve(c *relayClient) {
	defer r.unregister(c)

	for {
		var msg Message
		if err := c.conn.ReadJSON(&msg); err != nil {
			return
		}
		msg.From = c.peerID

		switch msg.Type {
		case TypeJoin:
			// Duplicate announce from an already-registered socket.
			continue
		default:
			r.forward(c.room, msg)
		}
	}
}

// forward delivers a message to its destination peer, or to the whole room
// (sender excluded) when To names the room.
func (r *Relay) forward(room string, msg Message) {
	r.mu.Lock()
	members := r.rooms[room]
	var targets []*relayClient
	if dst, ok := members[msg.To]; ok {
		targets = []*relayClient{dst}
	} else if msg.To == room || msg.To == "" {
		for id, m := range members {
			if id != msg.From {
				targets = append(targets, m)
			}
		}
	}
	r.mu.Unlock()

	for _, dst := range targets {
		if err := dst.write(msg); err != nil {
			util.LogDebug("relay: forward %s to %s failed: %v", msg.Type, util.ShortID(dst.peerID), err)
		}
	}
}

func (r *Relay) unregister(c *relayClient) {
	c.conn.Close()

	r.mu.Lock()
	room := r.rooms[c.room]
	if room[c.peerID] != c {
		// Already replaced by a reconnect; nothing to announce.
		r.mu.Unlock()
		return
	}
	delete(room, c.peerID)
	if len(room) == 0 {
		delete(r.rooms, c.room)
	}
	remaining := make([]*relayClient, 0, len(room))
	for _, m := range room {
		remaining = append(remaining, m)
	}
	r.mu.Unlock()

	for _, m := range remaining {
		if err := m.write(Message{Type: TypePeerLeft, From: c.peerID, To: c.room}); err != nil {
			util.LogDebug("relay: peer-left write to %s failed: %v", util.ShortID(m.peerID), err)
		}
	}
}
