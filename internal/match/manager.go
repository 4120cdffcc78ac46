package match

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/driftworks/netplay/internal/protocol"
	"github.com/driftworks/netplay/internal/store"
	"github.com/driftworks/netplay/internal/util"
)

// Envelope types owned by the match layer.
const (
	msgJoinRequest    = "join-request"
	msgJoinAccepted   = "join-accepted"
	msgJoinRejected   = "join-rejected"
	msgRosterUpdate   = "roster-update"
	msgCountdown      = "match-countdown"
	msgStarted        = "match-started"
	msgMatchCompleted = "match-completed"
)

// Rejection reasons carried by join-rejected.
const (
	ReasonFull       = "full"
	ReasonNotForming = "not-forming"
)

var (
	// ErrNotHost reports a host-only operation attempted by a non-host.
	ErrNotHost = errors.New("operation requires the session host")

	// ErrJoinTimeout reports that no accept or reject arrived within the
	// join deadline. Distinct from an explicit rejection.
	ErrJoinTimeout = errors.New("join timed out")

	// ErrJoinRejected is wrapped by JoinRejectedError.
	ErrJoinRejected = errors.New("join rejected")

	// ErrNoSession reports an operation with no current session.
	ErrNoSession = errors.New("no current session")
)

// JoinRejectedError carries the host's refusal reason.
type JoinRejectedError struct {
	Reason string
}

func (e *JoinRejectedError) Error() string {
	return fmt.Sprintf("join rejected: %s", e.Reason)
}

func (e *JoinRejectedError) Unwrap() error { return ErrJoinRejected }

// network is the envelope surface the manager talks through.
// *protocol.Router implements it.
type network interface {
	On(msgType string, fn protocol.Handler) (off func())
	Send(peerID, msgType string, payload any, reliable bool) error
	Broadcast(msgType string, payload any, reliable bool) (int, error)
}

// dialer establishes a peer connection to the session host.
// *peer.Manager implements it.
type dialer interface {
	Connect(ctx context.Context, peerID string) error
}

// directory is the external discovery table. *store.Directory implements
// it; it is authoritative for discovery only.
type directory interface {
	Insert(ctx context.Context, e store.Entry) error
	Update(ctx context.Context, matchID string, fields map[string]any) error
	Query(ctx context.Context, f store.Filter) ([]store.Entry, error)
}

// Options configures a Manager.
type Options struct {
	SelfID      string
	JoinTimeout time.Duration // default 10s
	Staleness   time.Duration // discovery window, default 30m
	Now         func() time.Time
}

// Manager drives hosting, joining, discovery, and finalization of match
// sessions on top of the message router.
type Manager struct {
	opts   Options
	net    network
	dial   dialer
	dir    directory
	ledger Ledger

	mu      sync.Mutex
	session *Session
	hosting bool

	offs []func()
}

// payload shapes.

type joinRequestPayload struct {
	MatchID string `json:"matchId"`
}

type joinAcceptedPayload struct {
	MatchID string   `json:"matchId"`
	Roster  []string `json:"roster"`
}

type joinRejectedPayload struct {
	MatchID string `json:"matchId"`
	Reason  string `json:"reason"`
}

type rosterUpdatePayload struct {
	MatchID string   `json:"matchId"`
	Roster  []string `json:"roster"`
}

type statePayload struct {
	MatchID   string `json:"matchId"`
	StartedAt int64  `json:"startedAt,omitempty"`
}

// NewManager creates a match manager. ledger may be nil when no ledger
// collaborator is attached.
func NewManager(net network, dial dialer, dir directory, ledger Ledger, opts Options) *Manager {
	if opts.JoinTimeout <= 0 {
		opts.JoinTimeout = 10 * time.Second
	}
	if opts.Staleness <= 0 {
		opts.Staleness = 30 * time.Minute
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	m := &Manager{
		opts:   opts,
		net:    net,
		dial:   dial,
		dir:    dir,
		ledger: ledger,
	}
	m.offs = append(m.offs,
		net.On(msgJoinRequest, m.handleJoinRequest),
		net.On(msgRosterUpdate, m.handleRosterUpdate),
		net.On(msgCountdown, m.handleCountdown),
		net.On(msgStarted, m.handleStarted),
		net.On(msgMatchCompleted, m.handleCompleted),
	)
	return m
}

// Close detaches the manager's handlers.
func (m *Manager) Close() {
	for _, off := range m.offs {
		off()
	}
}

// Session returns a copy of the current session, if any.
func (m *Manager) Session() (Session, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.session == nil {
		return Session{}, false
	}
	return m.session.clone(), true
}

// ---------------------------------------------------------------------------
// Host flow
// ---------------------------------------------------------------------------

// Host creates a new forming session and publishes it for discovery.
func (m *Manager) Host(ctx context.Context, contentID string, capacity int) (Session, error) {
	if capacity < 1 {
		return Session{}, fmt.Errorf("capacity must be at least 1, got %d", capacity)
	}

	m.mu.Lock()
	if m.session != nil && m.session.State != StateCompleted {
		cur := m.session.MatchID
		m.mu.Unlock()
		return Session{}, fmt.Errorf("already in session %s", util.ShortID(cur))
	}
	s := &Session{
		MatchID:   uuid.NewString(),
		ContentID: contentID,
		HostID:    m.opts.SelfID,
		Roster:    []string{m.opts.SelfID},
		Capacity:  capacity,
		State:     StateForming,
	}
	m.session = s
	m.hosting = true
	snapshot := s.clone()
	m.mu.Unlock()

	err := m.dir.Insert(ctx, store.Entry{
		MatchID:   snapshot.MatchID,
		ContentID: snapshot.ContentID,
		HostID:    snapshot.HostID,
		Capacity:  snapshot.Capacity,
		State:     string(StateForming),
		CreatedAt: m.opts.Now(),
	})
	if err != nil {
		m.mu.Lock()
		m.session = nil
		m.hosting = false
		m.mu.Unlock()
		return Session{}, fmt.Errorf("failed to publish session: %w", err)
	}

	util.LogInfo("hosting match %s (content %s, capacity %d)", util.ShortID(snapshot.MatchID), contentID, capacity)
	return snapshot, nil
}

// handleJoinRequest admits or rejects one requester. The roster can never
// exceed capacity: the check and append happen under the same lock.
func (m *Manager) handleJoinRequest(from string, env protocol.Envelope) {
	var req joinRequestPayload
	if err := json.Unmarshal(env.Payload, &req); err != nil {
		return
	}

	m.mu.Lock()
	s := m.session
	if !m.hosting || s == nil || s.MatchID != req.MatchID {
		m.mu.Unlock()
		m.reject(from, req.MatchID, ReasonNotForming)
		return
	}
	if s.State != StateForming {
		m.mu.Unlock()
		m.reject(from, req.MatchID, ReasonNotForming)
		return
	}
	if s.member(from) {
		roster := append([]string(nil), s.Roster...)
		m.mu.Unlock()
		m.accept(from, req.MatchID, roster)
		return
	}
	if len(s.Roster) >= s.Capacity {
		m.mu.Unlock()
		m.reject(from, req.MatchID, ReasonFull)
		return
	}
	s.Roster = append(s.Roster, from)
	roster := append([]string(nil), s.Roster...)
	capacity := s.Capacity
	m.mu.Unlock()

	util.LogInfo("peer %s joined match %s (%d/%d)", util.ShortID(from), util.ShortID(req.MatchID), len(roster), capacity)

	if _, err := m.net.Broadcast(msgRosterUpdate, rosterUpdatePayload{MatchID: req.MatchID, Roster: roster}, true); err != nil {
		util.LogWarning("roster broadcast failed: %v", err)
	}
	m.accept(from, req.MatchID, roster)
}

func (m *Manager) accept(to, matchID string, roster []string) {
	err := m.net.Send(to, msgJoinAccepted, joinAcceptedPayload{MatchID: matchID, Roster: roster}, true)
	if err != nil {
		util.LogWarning("join-accepted to %s failed: %v", util.ShortID(to), err)
	}
}

func (m *Manager) reject(to, matchID, reason string) {
	err := m.net.Send(to, msgJoinRejected, joinRejectedPayload{MatchID: matchID, Reason: reason}, true)
	if err != nil {
		util.LogWarning("join-rejected to %s failed: %v", util.ShortID(to), err)
	}
}

// StartCountdown moves a forming session into its countdown (host only).
func (m *Manager) StartCountdown(ctx context.Context) error {
	return m.advanceHosted(ctx, StateCountdown, msgCountdown)
}

// Activate moves the session into active play and stamps its start time
// (host only).
func (m *Manager) Activate(ctx context.Context) error {
	return m.advanceHosted(ctx, StateActive, msgStarted)
}

func (m *Manager) advanceHosted(ctx context.Context, next State, msgType string) error {
	m.mu.Lock()
	s := m.session
	if s == nil {
		m.mu.Unlock()
		return ErrNoSession
	}
	if !m.hosting {
		m.mu.Unlock()
		return ErrNotHost
	}
	if err := s.advance(next); err != nil {
		m.mu.Unlock()
		return err
	}
	payload := statePayload{MatchID: s.MatchID}
	if next == StateActive {
		s.StartedAt = m.opts.Now().UnixMilli()
		payload.StartedAt = s.StartedAt
	}
	m.mu.Unlock()

	if err := m.dir.Update(ctx, payload.MatchID, map[string]any{"state": string(next)}); err != nil {
		util.LogWarning("directory update for %s failed: %v", util.ShortID(payload.MatchID), err)
	}
	if _, err := m.net.Broadcast(msgType, payload, true); err != nil {
		return fmt.Errorf("failed to announce %s: %w", next, err)
	}
	return nil
}

// ---------------------------------------------------------------------------
// Join flow
// ---------------------------------------------------------------------------

// Join connects to the host and requests a roster slot, waiting up to the
// join timeout for a verdict. Only verdicts sent by the host are honored.
// Timeout and explicit rejection are distinct failures.
func (m *Manager) Join(ctx context.Context, matchID, hostID string) (Session, error) {
	joinCtx, cancel := context.WithTimeout(ctx, m.opts.JoinTimeout)
	defer cancel()

	if err := m.dial.Connect(joinCtx, hostID); err != nil {
		return Session{}, fmt.Errorf("failed to reach host %s: %w", util.ShortID(hostID), err)
	}

	type verdict struct {
		roster []string
		reason string
	}
	verdicts := make(chan verdict, 1)

	offAccept := m.net.On(msgJoinAccepted, func(from string, env protocol.Envelope) {
		var p joinAcceptedPayload
		if err := json.Unmarshal(env.Payload, &p); err != nil || p.MatchID != matchID || from != hostID {
			return
		}
		select {
		case verdicts <- verdict{roster: p.Roster}:
		default:
		}
	})
	defer offAccept()

	offReject := m.net.On(msgJoinRejected, func(from string, env protocol.Envelope) {
		var p joinRejectedPayload
		if err := json.Unmarshal(env.Payload, &p); err != nil || p.MatchID != matchID || from != hostID {
			return
		}
		select {
		case verdicts <- verdict{reason: p.Reason}:
		default:
		}
	})
	defer offReject()

	if err := m.net.Send(hostID, msgJoinRequest, joinRequestPayload{MatchID: matchID}, true); err != nil {
		return Session{}, fmt.Errorf("failed to send join request: %w", err)
	}

	select {
	case v := <-verdicts:
		if v.reason != "" {
			return Session{}, &JoinRejectedError{Reason: v.reason}
		}
		m.mu.Lock()
		m.session = &Session{
			MatchID: matchID,
			HostID:  hostID,
			Roster:  v.roster,
			State:   StateForming,
		}
		m.hosting = false
		snapshot := m.session.clone()
		m.mu.Unlock()
		return snapshot, nil

	case <-joinCtx.Done():
		return Session{}, fmt.Errorf("join %s: %w", util.ShortID(matchID), ErrJoinTimeout)
	}
}

// Discover queries the directory for open sessions younger than the
// staleness window, optionally filtered by content id.
func (m *Manager) Discover(ctx context.Context, contentID string) ([]store.Entry, error) {
	entries, err := m.dir.Query(ctx, store.Filter{
		ContentID:    contentID,
		NotCompleted: true,
		NewerThan:    m.opts.Staleness,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to query directory: %w", err)
	}
	// Sessions past forming are discoverable rows but not joinable.
	open := entries[:0]
	for _, e := range entries {
		if e.State == string(StateForming) {
			open = append(open, e)
		}
	}
	return open, nil
}

// ---------------------------------------------------------------------------
// Member-side handlers
// ---------------------------------------------------------------------------

func (m *Manager) handleRosterUpdate(from string, env protocol.Envelope) {
	var p rosterUpdatePayload
	if err := json.Unmarshal(env.Payload, &p); err != nil {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.hosting || m.session == nil || m.session.MatchID != p.MatchID || from != m.session.HostID {
		return
	}
	m.session.Roster = append([]string(nil), p.Roster...)
}

func (m *Manager) handleCountdown(from string, env protocol.Envelope) {
	m.applyRemoteState(from, env, StateCountdown)
}

func (m *Manager) handleStarted(from string, env protocol.Envelope) {
	var p statePayload
	if err := json.Unmarshal(env.Payload, &p); err != nil {
		return
	}
	m.mu.Lock()
	if !m.hosting && m.session != nil && m.session.MatchID == p.MatchID && from == m.session.HostID {
		m.session.StartedAt = p.StartedAt
	}
	m.mu.Unlock()
	m.applyRemoteState(from, env, StateActive)
}

func (m *Manager) applyRemoteState(from string, env protocol.Envelope, next State) {
	var p statePayload
	if err := json.Unmarshal(env.Payload, &p); err != nil {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.hosting || m.session == nil || m.session.MatchID != p.MatchID || from != m.session.HostID {
		return
	}
	if err := m.session.advance(next); err != nil {
		util.LogDebug("ignoring stale state announcement %s: %v", next, err)
	}
}

func (m *Manager) handleCompleted(from string, env protocol.Envelope) {
	var rec CompletionRecord
	if err := json.Unmarshal(env.Payload, &rec); err != nil {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.hosting || m.session == nil || m.session.MatchID != rec.MatchID || from != m.session.HostID {
		return
	}
	if !rec.Verify() {
		util.LogWarning("completion record for %s failed verification", util.ShortID(rec.MatchID))
		return
	}
	if err := m.session.advance(StateCompleted); err != nil {
		return
	}
	m.session.EndedAt = rec.EndedAt
}

// ---------------------------------------------------------------------------
// Finalization
// ---------------------------------------------------------------------------

// Finalize seals the hosted session's outcome: canonicalize, hash,
// transition to completed, broadcast the record, and hand it to the
// ledger. Deterministic: identical inputs yield identical hashes. Only the
// host may finalize.
func (m *Manager) Finalize(ctx context.Context, scores map[string]float64) (CompletionRecord, error) {
	m.mu.Lock()
	s := m.session
	if s == nil {
		m.mu.Unlock()
		return CompletionRecord{}, ErrNoSession
	}
	if !m.hosting {
		m.mu.Unlock()
		return CompletionRecord{}, ErrNotHost
	}
	if s.State == StateCompleted {
		m.mu.Unlock()
		return CompletionRecord{}, fmt.Errorf("%w: %s → %s", ErrBadTransition, StateCompleted, StateCompleted)
	}

	s.EndedAt = m.opts.Now().UnixMilli()
	rec := CompletionRecord{
		MatchID:      s.MatchID,
		ContentID:    s.ContentID,
		Participants: append([]string(nil), s.Roster...),
		StartedAt:    s.StartedAt,
		EndedAt:      s.EndedAt,
		Scores:       scores,
	}
	if err := rec.Seal(); err != nil {
		m.mu.Unlock()
		return CompletionRecord{}, err
	}
	if err := s.advance(StateCompleted); err != nil {
		m.mu.Unlock()
		return CompletionRecord{}, err
	}
	m.mu.Unlock()

	if err := m.dir.Update(ctx, rec.MatchID, map[string]any{"state": string(StateCompleted)}); err != nil {
		util.LogWarning("directory completion update failed: %v", err)
	}
	if _, err := m.net.Broadcast(msgMatchCompleted, rec, true); err != nil {
		util.LogWarning("completion broadcast failed: %v", err)
	}
	if m.ledger != nil {
		if err := m.ledger.Append(ctx, rec); err != nil {
			return rec, fmt.Errorf("ledger handoff failed: %w", err)
		}
	}

	util.LogInfo("match %s finalized (%s)", util.ShortID(rec.MatchID), util.ShortID(rec.Hash))
	return rec, nil
}
