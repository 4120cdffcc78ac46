// Package protocol defines the application-level message envelope and the
// router that carries it over open peer lanes: unicast and broadcast
// delivery, per-sender sequencing, and the heartbeat that drives latency
// estimation.
package protocol

import "encoding/json"

// Well-known envelope types owned by the router itself. Everything else is
// dispatched to registered handlers.
const (
	TypePing = "ping"
	TypePong = "pong"
)

// Envelope is the wire form of every application message. Sequence numbers
// are monotonic per sender; on the unreliable lane they are advisory only
// and gaps are not an error.
type Envelope struct {
	Type      string          `json:"type"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	SenderID  string          `json:"senderId"`
	Timestamp int64           `json:"timestamp"` // unix milliseconds
	Reliable  bool            `json:"reliable"`
	Sequence  uint64          `json:"sequence"`
}

// heartbeatPayload carries the sender's clock reading; the pong echoes it
// back untouched so the origin can compute the round trip.
type heartbeatPayload struct {
	SendTime int64 `json:"sendTime"` // unix milliseconds
}
