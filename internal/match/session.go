// Package match hosts, joins, and finalizes multiplayer sessions. A
// session has a single authoritative host, a bounded roster, and a
// monotonic state machine ending in a content-addressed completion record
// that is handed to the external ledger.
package match

import (
	"errors"
	"fmt"
)

// State is a session's lifecycle phase. Transitions only move forward.
type State string

const (
	StateForming   State = "forming"
	StateCountdown State = "countdown"
	StateActive    State = "active"
	StateCompleted State = "completed"
)

// stateOrder drives the monotonicity check.
var stateOrder = map[State]int{
	StateForming:   0,
	StateCountdown: 1,
	StateActive:    2,
	StateCompleted: 3,
}

// ErrBadTransition reports an attempt to move a session backward or to an
// unknown state.
var ErrBadTransition = errors.New("invalid session state transition")

// Session is one hosted or joined match.
type Session struct {
	MatchID   string   `json:"matchId"`
	ContentID string   `json:"contentId"`
	HostID    string   `json:"hostPeerId"`
	Roster    []string `json:"roster"`
	Capacity  int      `json:"capacity"`
	State     State    `json:"state"`
	StartedAt int64    `json:"startedAt,omitempty"` // unix milliseconds
	EndedAt   int64    `json:"endedAt,omitempty"`
}

// advance moves the session to next, enforcing forward-only transitions.
func (s *Session) advance(next State) error {
	from, ok := stateOrder[s.State]
	to, okNext := stateOrder[next]
	if !ok || !okNext || to <= from {
		return fmt.Errorf("%w: %s → %s", ErrBadTransition, s.State, next)
	}
	s.State = next
	return nil
}

// member reports whether peerID is on the roster.
func (s *Session) member(peerID string) bool {
	for _, id := range s.Roster {
		if id == peerID {
			return true
		}
	}
	return false
}

// clone returns a copy safe to hand outside the manager's lock.
func (s *Session) clone() Session {
	out := *s
	out.Roster = append([]string(nil), s.Roster...)
	return out
}
