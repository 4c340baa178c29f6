package proxy

import (
	"bufio"
	"context"
	"net"
	"testing"
	"time"

	"github.com/kvmesh/kvmesh/internal/respwire"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestKeyOf(t *testing.T) {
	key, ok := keyOf(respwire.Command{Verb: "GET", Args: []string{"foo"}})
	assert.True(t, ok)
	assert.Equal(t, "foo", key)

	_, ok = keyOf(respwire.Command{Verb: "PING"})
	assert.False(t, ok)

	_, ok = keyOf(respwire.Command{Verb: "SET"})
	assert.False(t, ok)
}

func TestIsWrite(t *testing.T) {
	assert.True(t, isWrite("SET"))
	assert.True(t, isWrite("ZADD"))
	assert.False(t, isWrite("GET"))
	assert.False(t, isWrite("ZSCORE"))
}

func TestListener_EndToEndRoutesToNode(t *testing.T) {
	addr := echoServer(t)
	host, port := splitHostPort(t, addr)

	disc := &fakeDiscovery{nodes: []discoveredNode{{NodeID: "n1", Host: host, Port: port}}}
	p := New(Options{Discovery: disc, SyncInterval: time.Hour})
	defer p.Close()
	require.NoError(t, p.Start(context.Background()))

	l := NewListener(ListenerOptions{Addr: "127.0.0.1:0", Proxy: p})
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	l.addr = ln.Addr().String()
	ln.Close()

	go l.ListenAndServe()
	defer l.Close()

	require.Eventually(t, func() bool {
		conn, err := net.DialTimeout("tcp", l.addr, 200*time.Millisecond)
		if err != nil {
			return false
		}
		defer conn.Close()
		return true
	}, 2*time.Second, 20*time.Millisecond)

	conn, err := net.Dial("tcp", l.addr)
	require.NoError(t, err)
	defer conn.Close()

	_, err = conn.Write([]byte("GET foo\r\n"))
	require.NoError(t, err)

	r := bufio.NewReader(conn)
	reply, err := respwire.ReadReply(r)
	require.NoError(t, err)
	_, isErr := reply.IsError()
	assert.False(t, isErr)
}
