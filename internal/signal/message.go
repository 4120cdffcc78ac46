// Package signal exchanges the small control messages used to bootstrap
// peer connections: SDP offers/answers, ICE candidates, and room
// membership. Two transports are provided — a push WebSocket and a polled
// mailbox table — behind a single Transport interface, so the rest of the
// stack is written once.
package signal

import "encoding/json"

// MessageType identifies the kind of signaling message.
type MessageType string

const (
	TypeJoin       MessageType = "join"
	TypeOffer      MessageType = "offer"
	TypeAnswer     MessageType = "answer"
	TypeCandidate  MessageType = "ice-candidate"
	TypePeerJoined MessageType = "peer-joined"
	TypePeerLeft   MessageType = "peer-left"
	TypeRoomJoined MessageType = "room-joined"
)

// Message is the JSON structure exchanged over the signaling channel.
// To is a peer id for directed messages or a room name for announcements.
type Message struct {
	Type MessageType     `json:"type"`
	From string          `json:"from"`
	To   string          `json:"to,omitempty"`
	Data json.RawMessage `json:"data,omitempty"`
}

// RoomInfo is the Data payload of room-joined: the members already present
// when the local peer entered.
type RoomInfo struct {
	Room  string   `json:"room"`
	Peers []string `json:"peers"`
}

// PeerInfo is the Data payload of peer-joined, peer-left and join.
type PeerInfo struct {
	PeerID      string `json:"peerId"`
	DisplayName string `json:"displayName,omitempty"`
}
