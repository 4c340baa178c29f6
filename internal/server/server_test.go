package server

import (
	"bufio"
	"bytes"
	"net"
	"testing"
	"time"

	"github.com/kvmesh/kvmesh/internal/engine"
	"github.com/kvmesh/kvmesh/internal/respwire"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestEngine(t *testing.T) *engine.PersistentEngine {
	t.Helper()
	eng, err := engine.Open(engine.Options{NodeID: "n1", Persistent: false})
	require.NoError(t, err)
	t.Cleanup(func() { eng.Close(0) })
	return eng
}

func TestDispatch_Ping(t *testing.T) {
	eng := newTestEngine(t)
	reply := Dispatch(eng, respwire.Command{Verb: "PING"})
	_, isErr := reply.IsError()
	assert.False(t, isErr)
}

func TestDispatch_SetGetDel(t *testing.T) {
	eng := newTestEngine(t)

	Dispatch(eng, respwire.Command{Verb: "SET", Args: []string{"foo", "bar"}})
	reply := Dispatch(eng, respwire.Command{Verb: "GET", Args: []string{"foo"}})
	assert.Equal(t, "$3\r\nbar\r\n", replyBytes(reply))

	del := Dispatch(eng, respwire.Command{Verb: "DEL", Args: []string{"foo"}})
	assert.Equal(t, ":1\r\n", replyBytes(del))

	miss := Dispatch(eng, respwire.Command{Verb: "GET", Args: []string{"foo"}})
	assert.Equal(t, "$-1\r\n", replyBytes(miss))
}

func TestDispatch_ZSetScenario(t *testing.T) {
	eng := newTestEngine(t)

	Dispatch(eng, respwire.Command{Verb: "ZADD", Args: []string{"board", "10", "alice"}})
	Dispatch(eng, respwire.Command{Verb: "ZADD", Args: []string{"board", "20", "bob"}})
	Dispatch(eng, respwire.Command{Verb: "ZADD", Args: []string{"board", "15", "carol"}})

	reply := Dispatch(eng, respwire.Command{Verb: "ZRANGE", Args: []string{"board", "0", "-1", "WITHSCORES"}})
	assert.Equal(t, "*6\r\n$5\r\nalice\r\n$2\r\n10\r\n$5\r\ncarol\r\n$2\r\n15\r\n$3\r\nbob\r\n$2\r\n20\r\n", replyBytes(reply))
}

func TestDispatch_UnknownVerb(t *testing.T) {
	eng := newTestEngine(t)
	reply := Dispatch(eng, respwire.Command{Verb: "BOGUS"})
	msg, isErr := reply.IsError()
	require.True(t, isErr)
	assert.Contains(t, msg, "unknown command")
}

func TestServer_EndToEndOverTCP(t *testing.T) {
	eng := newTestEngine(t)
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().String()
	require.NoError(t, ln.Close())

	s := New(Options{Addr: addr, Engine: eng})
	go s.ListenAndServe()
	defer s.Close()

	var conn net.Conn
	require.Eventually(t, func() bool {
		conn, err = net.DialTimeout("tcp", addr, time.Second)
		return err == nil
	}, 2*time.Second, 10*time.Millisecond)
	defer conn.Close()

	_, err = conn.Write([]byte("SET foo bar\r\n"))
	require.NoError(t, err)
	r := bufio.NewReader(conn)
	reply, err := respwire.ReadReply(r)
	require.NoError(t, err)
	msg, isErr := reply.IsError()
	require.False(t, isErr, msg)

	_, err = conn.Write([]byte("GET foo\r\n"))
	require.NoError(t, err)
	reply, err = respwire.ReadReply(r)
	require.NoError(t, err)
	_, isErr = reply.IsError()
	assert.False(t, isErr)
}

func replyBytes(r respwire.Reply) string {
	var buf bytes.Buffer
	w := bufio.NewWriter(&buf)
	_ = r.WriteTo(w)
	_ = w.Flush()
	return buf.String()
}
