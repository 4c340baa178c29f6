package discovery

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegistry_RegisterIsHealthyByDefault(t *testing.T) {
	r := New(Options{SweepInterval: time.Hour})
	defer r.Close()

	n := r.Register("n1", "localhost", 6379, NodeCache)
	assert.True(t, n.Healthy)

	got, ok := r.Get("n1")
	require.True(t, ok)
	assert.Equal(t, "localhost", got.Host)
	assert.Equal(t, 6379, got.Port)
}

func TestRegistry_RegisterTwiceRefreshesRecord(t *testing.T) {
	r := New(Options{SweepInterval: time.Hour})
	defer r.Close()

	first := r.Register("n1", "localhost", 6379, NodeCache)
	time.Sleep(time.Millisecond)
	second := r.Register("n1", "localhost", 6380, NodeCache)

	assert.Equal(t, first.RegisteredAt, second.RegisteredAt)
	assert.Equal(t, 6380, second.Port)
	assert.True(t, second.LastSeen.After(first.LastSeen))
}

func TestRegistry_DeregisterRemovesNode(t *testing.T) {
	r := New(Options{SweepInterval: time.Hour})
	defer r.Close()

	r.Register("n1", "localhost", 6379, NodeCache)
	require.NoError(t, r.Deregister("n1"))

	_, ok := r.Get("n1")
	assert.False(t, ok)
	assert.ErrorIs(t, r.Deregister("n1"), ErrNodeNotFound)
}

func TestRegistry_SetHealthAndHeartbeat(t *testing.T) {
	r := New(Options{SweepInterval: time.Hour})
	defer r.Close()

	r.Register("n1", "localhost", 6379, NodeCache)
	require.NoError(t, r.SetHealth("n1", false))

	n, _ := r.Get("n1")
	assert.False(t, n.Healthy)

	require.NoError(t, r.Heartbeat("n1"))
	assert.ErrorIs(t, r.SetHealth("missing", true), ErrNodeNotFound)
}

func TestRegistry_ListHealthyFiltersByLivenessAndType(t *testing.T) {
	r := New(Options{SweepInterval: time.Hour, LivenessWindow: 50 * time.Millisecond})
	defer r.Close()

	r.Register("cache-1", "h", 1, NodeCache)
	r.Register("proxy-1", "h", 2, NodeProxy)

	healthy := r.ListHealthy(NodeCache)
	require.Len(t, healthy, 1)
	assert.Equal(t, "cache-1", healthy[0].NodeID)

	time.Sleep(80 * time.Millisecond)
	assert.Empty(t, r.ListHealthy(NodeCache))
}

func TestRegistry_SweepMarksUnhealthyThenEvicts(t *testing.T) {
	r := New(Options{
		SweepInterval:  10 * time.Millisecond,
		LivenessWindow: 20 * time.Millisecond,
		EvictAfter:     60 * time.Millisecond,
	})
	defer r.Close()

	r.Register("n1", "h", 1, NodeCache)

	require.Eventually(t, func() bool {
		n, ok := r.Get("n1")
		return ok && !n.Healthy
	}, 500*time.Millisecond, 5*time.Millisecond)

	require.Eventually(t, func() bool {
		_, ok := r.Get("n1")
		return !ok
	}, 500*time.Millisecond, 5*time.Millisecond)
}

func TestRegistry_OnMutateCalledForEachOperation(t *testing.T) {
	var kinds []MutationKind
	r := New(Options{
		SweepInterval: time.Hour,
		OnMutate:      func(m Mutation) { kinds = append(kinds, m.Kind) },
	})
	defer r.Close()

	r.Register("n1", "h", 1, NodeCache)
	r.Heartbeat("n1")
	r.SetHealth("n1", false)
	r.Deregister("n1")

	require.Len(t, kinds, 4)
	assert.Equal(t, MutationRegister, kinds[0])
	assert.Equal(t, MutationHeartbeat, kinds[1])
	assert.Equal(t, MutationSetHealth, kinds[2])
	assert.Equal(t, MutationDeregister, kinds[3])
}
