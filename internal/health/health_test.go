package health

import (
	"errors"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeConn struct{ net.Conn }

func (fakeConn) Close() error { return nil }

func dialAlwaysOK(network, address string, timeout time.Duration) (net.Conn, error) {
	return fakeConn{}, nil
}

func dialAlwaysFail(network, address string, timeout time.Duration) (net.Conn, error) {
	return nil, errors.New("connection refused")
}

func TestRegistry_UnknownBeforeFirstProbe(t *testing.T) {
	r := New(Options{Interval: time.Hour, Dial: dialAlwaysOK})
	defer r.Close()

	r.Watch(Target{NodeID: "n1", Type: NodeCache, Host: "localhost", Port: 6379})
	assert.False(t, r.IsHealthy("n1"))
	res, ok := r.Result("n1")
	require.True(t, ok)
	assert.Equal(t, Unknown, res.Status)
}

func TestRegistry_ProbeNowMarksHealthy(t *testing.T) {
	r := New(Options{Interval: time.Hour, Dial: dialAlwaysOK})
	defer r.Close()

	r.Watch(Target{NodeID: "n1", Type: NodeCache, Host: "localhost", Port: 6379})
	res, ok := r.ProbeNow("n1")
	require.True(t, ok)
	assert.Equal(t, Healthy, res.Status)
	assert.True(t, r.IsHealthy("n1"))
}

func TestRegistry_ProbeNowMarksUnhealthyOnDialError(t *testing.T) {
	r := New(Options{Interval: time.Hour, Dial: dialAlwaysFail})
	defer r.Close()

	r.Watch(Target{NodeID: "n1", Type: NodeCache, Host: "localhost", Port: 6379})
	res, ok := r.ProbeNow("n1")
	require.True(t, ok)
	assert.Equal(t, Unhealthy, res.Status)
	assert.NotEmpty(t, res.Error)
	assert.False(t, r.IsHealthy("n1"))
}

func TestRegistry_ForgetRemovesTargetAndResult(t *testing.T) {
	r := New(Options{Interval: time.Hour, Dial: dialAlwaysOK})
	defer r.Close()

	r.Watch(Target{NodeID: "n1", Type: NodeCache, Host: "localhost", Port: 6379})
	r.Forget("n1")

	_, ok := r.Result("n1")
	assert.False(t, ok)
	_, ok = r.ProbeNow("n1")
	assert.False(t, ok)
}

func TestRegistry_HealthyOfTypeFiltersByStatusAndType(t *testing.T) {
	r := New(Options{Interval: time.Hour, Dial: dialAlwaysOK})
	defer r.Close()

	r.Watch(Target{NodeID: "cache-1", Type: NodeCache, Host: "localhost", Port: 1})
	r.Watch(Target{NodeID: "proxy-1", Type: NodeProxy, Host: "localhost", Port: 2})
	r.ProbeNow("cache-1")
	r.ProbeNow("proxy-1")

	healthy := r.HealthyOfType(NodeCache)
	require.Len(t, healthy, 1)
	assert.Equal(t, "cache-1", healthy[0].NodeID)
}

// S8 from spec.md §8: after marking a node unhealthy, no further
// dispatch should target it until healthy again.
func TestRegistry_Scenario_UnhealthyNodeExcludedUntilRecovered(t *testing.T) {
	calls := 0
	dial := func(network, address string, timeout time.Duration) (net.Conn, error) {
		calls++
		if calls <= 1 {
			return fakeConn{}, nil
		}
		return nil, errors.New("refused")
	}
	r := New(Options{Interval: time.Hour, Dial: dial})
	defer r.Close()

	r.Watch(Target{NodeID: "n1", Type: NodeCache, Host: "localhost", Port: 1})
	r.ProbeNow("n1")
	assert.True(t, r.IsHealthy("n1"))

	r.ProbeNow("n1")
	assert.False(t, r.IsHealthy("n1"))
}
