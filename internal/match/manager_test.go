package match

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/driftworks/netplay/internal/peer"
	"github.com/driftworks/netplay/internal/protocol"
	"github.com/driftworks/netplay/internal/store"
)

// fakeHub delivers envelopes between in-process endpoints, standing in for
// the router + peer lanes.
type fakeHub struct {
	mu  sync.Mutex
	eps map[string]*fakeWire
}

func newFakeHub() *fakeHub {
	return &fakeHub{eps: make(map[string]*fakeWire)}
}

func (h *fakeHub) endpoint(self string) *fakeWire {
	w := &fakeWire{hub: h, self: self, handlers: make(map[string]map[int]protocol.Handler)}
	h.mu.Lock()
	h.eps[self] = w
	h.mu.Unlock()
	return w
}

type fakeWire struct {
	hub  *fakeHub
	self string

	mu       sync.Mutex
	nextID   int
	handlers map[string]map[int]protocol.Handler
}

func (w *fakeWire) On(msgType string, fn protocol.Handler) func() {
	w.mu.Lock()
	defer w.mu.Unlock()
	id := w.nextID
	w.nextID++
	if w.handlers[msgType] == nil {
		w.handlers[msgType] = make(map[int]protocol.Handler)
	}
	w.handlers[msgType][id] = fn
	return func() {
		w.mu.Lock()
		defer w.mu.Unlock()
		delete(w.handlers[msgType], id)
	}
}

func (w *fakeWire) Send(peerID, msgType string, payload any, reliable bool) error {
	w.hub.mu.Lock()
	dst, ok := w.hub.eps[peerID]
	w.hub.mu.Unlock()
	if !ok {
		return fmt.Errorf("no endpoint %s", peerID)
	}
	dst.deliver(w.self, msgType, payload, reliable)
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
		ep.deliver(w.self, msgType, payload, reliable)
	}
	return len(targets), nil
}

func (w *fakeWire) deliver(from, msgType string, payload any, reliable bool) {
	raw, _ := json.Marshal(payload)
	env := protocol.Envelope{Type: msgType, Payload: raw, SenderID: from, Reliable: reliable}

	w.mu.Lock()
	fns := make([]protocol.Handler, 0, len(w.handlers[msgType]))
	for _, fn := range w.handlers[msgType] {
		fns = append(fns, fn)
	}
	w.mu.Unlock()

	for _, fn := range fns {
		fn(from, env)
	}
}

// fakeDialer pretends to establish peer connections.
type fakeDialer struct {
	err error
}

func (d *fakeDialer) Connect(ctx context.Context, peerID string) error {
	return d.err
}

// fakeDir is an in-memory directory.
type fakeDir struct {
	mu      sync.Mutex
	entries map[string]store.Entry
}

func newFakeDir() *fakeDir {
	return &fakeDir{entries: make(map[string]store.Entry)}
}

func (d *fakeDir) Insert(_ context.Context, e store.Entry) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.entries[e.MatchID] = e
	return nil
}

func (d *fakeDir) Update(_ context.Context, matchID string, fields map[string]any) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	e, ok := d.entries[matchID]
	if !ok {
		return fmt.Errorf("match %s not found", matchID)
	}
	if s, ok := fields["state"]; ok {
		e.State = s.(string)
	}
	d.entries[matchID] = e
	return nil
}

func (d *fakeDir) Query(_ context.Context, f store.Filter) ([]store.Entry, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	var out []store.Entry
	for _, e := range d.entries {
		if f.ContentID != "" && e.ContentID != f.ContentID {
			continue
		}
		if f.NotCompleted && e.State == string(StateCompleted) {
			continue
		}
		if f.NewerThan > 0 && time.Since(e.CreatedAt) > f.NewerThan {
			continue
		}
		out = append(out, e)
	}
	return out, nil
}

// cluster wires one host and n joiner managers over a shared hub.
func newCluster(t *testing.T, joiners int) (*Manager, []*Manager, *fakeDir) {
	t.Helper()
	hub := newFakeHub()
	dir := newFakeDir()

	host := NewManager(hub.endpoint("host"), &fakeDialer{}, dir, nil, Options{SelfID: "host"})
	t.Cleanup(host.Close)

	var members []*Manager
	for i := 0; i < joiners; i++ {
		id := fmt.Sprintf("peer-%c", 'a'+i)
		m := NewManager(hub.endpoint(id), &fakeDialer{}, dir, nil, Options{SelfID: id, JoinTimeout: 2 * time.Second})
		t.Cleanup(m.Close)
		members = append(members, m)
	}
	return host, members, dir
}

func TestHostAndJoinUpToCapacity(t *testing.T) {
	host, members, _ := newCluster(t, 4)
	ctx := context.Background()

	s, err := host.Host(ctx, "L1", 4)
	require.NoError(t, err)
	assert.Equal(t, StateForming, s.State)
	assert.Equal(t, []string{"host"}, s.Roster)

	// First joiner: roster becomes [host, peer-a].
	got, err := members[0].Join(ctx, s.MatchID, "host")
	require.NoError(t, err)
	assert.Equal(t, []string{"host", "peer-a"}, got.Roster)

	// Two more fill the session.
	for _, m := range members[1:3] {
		_, err := m.Join(ctx, s.MatchID, "host")
		require.NoError(t, err)
	}

	// The next attempt is rejected with "full" and the roster stays put.
	_, err = members[3].Join(ctx, s.MatchID, "host")
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrJoinRejected)
	var rej *JoinRejectedError
	require.ErrorAs(t, err, &rej)
	assert.Equal(t, ReasonFull, rej.Reason)

	final, ok := host.Session()
	require.True(t, ok)
	assert.Len(t, final.Roster, 4)
}

func TestConcurrentJoinsNeverExceedCapacity(t *testing.T) {
	hub := newFakeHub()
	dir := newFakeDir()
	host := NewManager(hub.endpoint("host"), &fakeDialer{}, dir, nil, Options{SelfID: "host"})
	defer host.Close()

	s, err := host.Host(context.Background(), "L1", 3)
	require.NoError(t, err)

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			payload, _ := json.Marshal(joinRequestPayload{MatchID: s.MatchID})
			host.handleJoinRequest(fmt.Sprintf("rusher-%d", i), protocol.Envelope{
				Type: msgJoinRequest, Payload: payload,
			})
		}(i)
	}
	wg.Wait()

	got, ok := host.Session()
	require.True(t, ok)
	assert.LessOrEqual(t, len(got.Roster), 3)
	assert.Len(t, got.Roster, 3, "session should have filled")
}

func TestJoinTimeoutIsDistinctFromRejection(t *testing.T) {
	hub := newFakeHub()
	dir := newFakeDir()
	// The host endpoint exists but runs no manager: requests vanish.
	hub.endpoint("host")
	m := NewManager(hub.endpoint("peer-a"), &fakeDialer{}, dir, nil, Options{
		SelfID: "peer-a", JoinTimeout: 100 * time.Millisecond,
	})
	defer m.Close()

	_, err := m.Join(context.Background(), "m1", "host")
	assert.ErrorIs(t, err, ErrJoinTimeout)
	assert.NotErrorIs(t, err, ErrJoinRejected)

	_, ok := m.Session()
	assert.False(t, ok, "timed-out join must leave no session state")
}

func TestJoinFailsWhenHostUnreachable(t *testing.T) {
	hub := newFakeHub()
	dir := newFakeDir()
	m := NewManager(hub.endpoint("peer-a"), &fakeDialer{err: peer.ErrConnectionTimeout}, dir, nil, Options{
		SelfID: "peer-a", JoinTimeout: time.Second,
	})
	defer m.Close()

	_, err := m.Join(context.Background(), "m1", "host")
	assert.ErrorIs(t, err, peer.ErrConnectionTimeout)

	_, ok := m.Session()
	assert.False(t, ok)
}

func TestJoinAfterCountdownIsRejectedNotForming(t *testing.T) {
	host, members, _ := newCluster(t, 2)
	ctx := context.Background()

	s, err := host.Host(ctx, "L1", 4)
	require.NoError(t, err)
	_, err = members[0].Join(ctx, s.MatchID, "host")
	require.NoError(t, err)

	require.NoError(t, host.StartCountdown(ctx))

	_, err = members[1].Join(ctx, s.MatchID, "host")
	var rej *JoinRejectedError
	require.ErrorAs(t, err, &rej)
	assert.Equal(t, ReasonNotForming, rej.Reason)
}

func TestRosterUpdateReachesEarlierMembers(t *testing.T) {
	host, members, _ := newCluster(t, 2)
	ctx := context.Background()

	s, err := host.Host(ctx, "L1", 4)
	require.NoError(t, err)

	_, err = members[0].Join(ctx, s.MatchID, "host")
	require.NoError(t, err)
	_, err = members[1].Join(ctx, s.MatchID, "host")
	require.NoError(t, err)

	got, ok := members[0].Session()
	require.True(t, ok)
	assert.Equal(t, []string{"host", "peer-a", "peer-b"}, got.Roster)
}

func TestStateMachineIsMonotonic(t *testing.T) {
	host, _, dir := newCluster(t, 0)
	ctx := context.Background()

	s, err := host.Host(ctx, "L1", 2)
	require.NoError(t, err)

	require.NoError(t, host.StartCountdown(ctx))
	assert.ErrorIs(t, host.StartCountdown(ctx), ErrBadTransition)

	require.NoError(t, host.Activate(ctx))
	assert.ErrorIs(t, host.StartCountdown(ctx), ErrBadTransition)

	dir.mu.Lock()
	assert.Equal(t, string(StateActive), dir.entries[s.MatchID].State)
	dir.mu.Unlock()
}

func TestDiscoverReturnsOnlyFormingFreshSessions(t *testing.T) {
	dir := newFakeDir()
	now := time.Now()
	for _, e := range []store.Entry{
		{MatchID: "open", ContentID: "L1", State: "forming", CreatedAt: now},
		{MatchID: "running", ContentID: "L1", State: "active", CreatedAt: now},
		{MatchID: "done", ContentID: "L1", State: "completed", CreatedAt: now},
		{MatchID: "stale", ContentID: "L1", State: "forming", CreatedAt: now.Add(-time.Hour)},
		{MatchID: "other", ContentID: "L2", State: "forming", CreatedAt: now},
	} {
		require.NoError(t, dir.Insert(context.Background(), e))
	}

	hub := newFakeHub()
	m := NewManager(hub.endpoint("peer-a"), &fakeDialer{}, dir, nil, Options{SelfID: "peer-a"})
	defer m.Close()

	got, err := m.Discover(context.Background(), "L1")
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "open", got[0].MatchID)
}

// recordingLedger captures handed-off records.
type recordingLedger struct {
	mu   sync.Mutex
	recs []CompletionRecord
}

func (l *recordingLedger) Append(_ context.Context, rec CompletionRecord) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.recs = append(l.recs, rec)
	return nil
}

func TestFinalizeProducesDeterministicHash(t *testing.T) {
	rec := CompletionRecord{
		MatchID:      "m1",
		ContentID:    "L1",
		Participants: []string{"host", "A", "B"},
		StartedAt:    1000,
		EndedAt:      66000,
		Scores:       map[string]float64{"A": 10, "B": 7},
	}
	require.NoError(t, rec.Seal())
	assert.Regexp(t, regexp.MustCompile(`^[0-9a-f]{64}$`), rec.Hash)
	assert.True(t, rec.Verify())

	again := rec
	again.Hash = ""
	require.NoError(t, again.Seal())
	assert.Equal(t, rec.Hash, again.Hash, "identical inputs must hash identically")

	changed := rec
	changed.Hash = ""
	changed.Scores = map[string]float64{"A": 10, "B": 8}
	require.NoError(t, changed.Seal())
	assert.NotEqual(t, rec.Hash, changed.Hash, "any field change must change the hash")
}

func TestFinalizeBroadcastsAndHandsOffToLedger(t *testing.T) {
	hub := newFakeHub()
	dir := newFakeDir()
	ledger := &recordingLedger{}
	now := time.UnixMilli(66000)

	host := NewManager(hub.endpoint("host"), &fakeDialer{}, dir, ledger, Options{
		SelfID: "host", Now: func() time.Time { return now },
	})
	defer host.Close()
	member := NewManager(hub.endpoint("peer-a"), &fakeDialer{}, dir, nil, Options{SelfID: "peer-a"})
	defer member.Close()

	s, err := host.Host(context.Background(), "L1", 2)
	require.NoError(t, err)
	_, err = member.Join(context.Background(), s.MatchID, "host")
	require.NoError(t, err)
	require.NoError(t, host.StartCountdown(context.Background()))
	require.NoError(t, host.Activate(context.Background()))

	rec, err := host.Finalize(context.Background(), map[string]float64{"host": 3, "peer-a": 5})
	require.NoError(t, err)
	assert.Len(t, rec.Hash, 64)
	assert.Equal(t, int64(66000), rec.EndedAt)

	ledger.mu.Lock()
	require.Len(t, ledger.recs, 1)
	assert.Equal(t, rec.Hash, ledger.recs[0].Hash)
	ledger.mu.Unlock()

	// The member verified the broadcast and closed out its session.
	got, ok := member.Session()
	require.True(t, ok)
	assert.Equal(t, StateCompleted, got.State)
	assert.Equal(t, int64(66000), got.EndedAt)

	dir.mu.Lock()
	assert.Equal(t, string(StateCompleted), dir.entries[s.MatchID].State)
	dir.mu.Unlock()
}

func TestFinalizeRejectsNonHost(t *testing.T) {
	host, members, _ := newCluster(t, 1)
	ctx := context.Background()

	s, err := host.Host(ctx, "L1", 2)
	require.NoError(t, err)
	_, err = members[0].Join(ctx, s.MatchID, "host")
	require.NoError(t, err)

	_, err = members[0].Finalize(ctx, map[string]float64{"host": 1})
	assert.ErrorIs(t, err, ErrNotHost)
}

func TestFinalizeTwiceFails(t *testing.T) {
	host, _, _ := newCluster(t, 0)
	ctx := context.Background()

	_, err := host.Host(ctx, "L1", 2)
	require.NoError(t, err)

	_, err = host.Finalize(ctx, map[string]float64{"host": 1})
	require.NoError(t, err)

	_, err = host.Finalize(ctx, map[string]float64{"host": 1})
	assert.ErrorIs(t, err, ErrBadTransition)
}

func TestCompletionRecordExportShape(t *testing.T) {
	rec := CompletionRecord{
		MatchID:      "m1",
		ContentID:    "L1",
		Participants: []string{"a", "b"},
		StartedAt:    1000,
		EndedAt:      2000,
		Scores:       map[string]float64{"a": 1},
	}
	require.NoError(t, rec.Seal())

	data, err := json.Marshal(rec)
	require.NoError(t, err)

	var decoded map[string]any
	require.NoError(t, json.Unmarshal(data, &decoded))
	for _, key := range []string{"matchId", "contentId", "participants", "startedAt", "endedAt", "scores", "hash"} {
		assert.Contains(t, decoded, key)
	}
}

func TestTamperedCompletionRecordIsIgnoredByMembers(t *testing.T) {
	host, members, _ := newCluster(t, 1)
	ctx := context.Background()

	s, err := host.Host(ctx, "L1", 2)
	require.NoError(t, err)
	_, err = members[0].Join(ctx, s.MatchID, "host")
	require.NoError(t, err)

	rec := CompletionRecord{MatchID: s.MatchID, ContentID: "L1", Scores: map[string]float64{"x": 1}}
	require.NoError(t, rec.Seal())
	rec.Scores["x"] = 99 // tamper after sealing

	payload, _ := json.Marshal(rec)
	members[0].handleCompleted("host", protocol.Envelope{Type: msgMatchCompleted, Payload: payload})

	got, ok := members[0].Session()
	require.True(t, ok)
	assert.NotEqual(t, StateCompleted, got.State)
}

func TestJoinRejectedErrorUnwraps(t *testing.T) {
	err := fmt.Errorf("wrapped: %w", &JoinRejectedError{Reason: ReasonFull})
	assert.ErrorIs(t, err, ErrJoinRejected)
	var rej *JoinRejectedError
	require.True(t, errors.As(err, &rej))
	assert.Equal(t, ReasonFull, rej.Reason)
}

func TestJoinIgnoresVerdictsFromNonHost(t *testing.T) {
	hub := newFakeHub()
	dir := newFakeDir()

	// The host endpoint exists but runs no manager, so the genuine
	// verdict never comes.
	silent := hub.endpoint("host")
	requested := make(chan struct{}, 1)
	silent.On(msgJoinRequest, func(string, protocol.Envelope) {
		select {
		case requested <- struct{}{}:
		default:
		}
	})
	mallory := hub.endpoint("mallory")

	m := NewManager(hub.endpoint("peer-a"), &fakeDialer{}, dir, nil, Options{
		SelfID: "peer-a", JoinTimeout: 500 * time.Millisecond,
	})
	defer m.Close()

	done := make(chan error, 1)
	go func() {
		_, err := m.Join(context.Background(), "m1", "host")
		done <- err
	}()

	// Once the request is out the verdict handlers are installed; a
	// rejection from someone other than the host must not settle them.
	select {
	case <-requested:
	case <-time.After(5 * time.Second):
		t.Fatal("join request never reached the host endpoint")
	}
	require.NoError(t, mallory.Send("peer-a", msgJoinRejected, joinRejectedPayload{MatchID: "m1", Reason: ReasonFull}, true))
	require.NoError(t, mallory.Send("peer-a", msgJoinAccepted, joinAcceptedPayload{MatchID: "m1", Roster: []string{"host", "peer-a"}}, true))

	err := <-done
	assert.ErrorIs(t, err, ErrJoinTimeout)
	assert.NotErrorIs(t, err, ErrJoinRejected)

	_, ok := m.Session()
	assert.False(t, ok, "a spoofed accept must not create session state")
}
