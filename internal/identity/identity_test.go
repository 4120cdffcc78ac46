package identity

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewLocalGeneratesUniqueIDs(t *testing.T) {
	a := NewLocal("alice")
	b := NewLocal("bob")

	assert.NotEmpty(t, a.ID)
	assert.NotEqual(t, a.ID, b.ID)
}

func TestLatencyConvergesToFixedDelay(t *testing.T) {
	reg := NewRegistry()
	reg.Put(Identity{ID: "p1"})

	// A peer answering with a constant 40ms round trip should converge
	// exactly once the window is full of identical samples.
	const d = 40 * time.Millisecond
	for i := 0; i < 15; i++ {
		reg.RecordLatency("p1", d)
	}

	got, ok := reg.Get("p1")
	require.True(t, ok)
	assert.Equal(t, d, got.Latency)
}

func TestLatencyWindowDropsOldSamples(t *testing.T) {
	reg := NewRegistry()
	reg.Put(Identity{ID: "p1"})

	// Fill the window with a high value, then push it out with a low one.
	for i := 0; i < latencyWindow; i++ {
		reg.RecordLatency("p1", 100*time.Millisecond)
	}
	for i := 0; i < latencyWindow; i++ {
		reg.RecordLatency("p1", 10*time.Millisecond)
	}

	got, _ := reg.Get("p1")
	assert.Equal(t, 10*time.Millisecond, got.Latency)
}

func TestRecordLatencyForUnknownPeerCreatesPlaceholder(t *testing.T) {
	reg := NewRegistry()

	reg.RecordLatency("ghost", 5*time.Millisecond)

	got, ok := reg.Get("ghost")
	require.True(t, ok)
	assert.Equal(t, 5*time.Millisecond, got.Latency)
}

func TestRemoveClearsLatencyHistory(t *testing.T) {
	reg := NewRegistry()
	reg.Put(Identity{ID: "p1"})
	reg.RecordLatency("p1", 80*time.Millisecond)

	reg.Remove("p1")
	_, ok := reg.Get("p1")
	assert.False(t, ok)

	// A fresh sample after removal starts a new window.
	reg.RecordLatency("p1", 20*time.Millisecond)
	got, _ := reg.Get("p1")
	assert.Equal(t, 20*time.Millisecond, got.Latency)
}

func TestSetReputation(t *testing.T) {
	reg := NewRegistry()
	reg.Put(Identity{ID: "p1"})

	reg.SetReputation("p1", 4.5)

	got, _ := reg.Get("p1")
	assert.Equal(t, 4.5, got.Reputation)
}

func TestPutPreservesLiveStateOnReannounce(t *testing.T) {
	reg := NewRegistry()
	reg.Put(Identity{ID: "p1", DisplayName: "alice"})
	reg.RecordLatency("p1", 30*time.Millisecond)
	reg.SetReputation("p1", 2.5)

	// A bare re-announce (e.g. a membership event without a display name)
	// must not wipe what the heartbeat and match layer recorded.
	reg.Put(Identity{ID: "p1"})

	got, ok := reg.Get("p1")
	require.True(t, ok)
	assert.Equal(t, "alice", got.DisplayName)
	assert.Equal(t, 30*time.Millisecond, got.Latency)
	assert.Equal(t, 2.5, got.Reputation)

	reg.Put(Identity{ID: "p1", DisplayName: "alicia"})
	got, _ = reg.Get("p1")
	assert.Equal(t, "alicia", got.DisplayName)
}
