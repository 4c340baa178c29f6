package proxy

import (
	"bufio"
	"net"
	"sync"
	"time"

	"github.com/kvmesh/kvmesh/pkg/slotpool"
	"go.uber.org/zap"
)

// State is the per-node connection lifecycle of spec.md §4.10.
type State int

const (
	Disconnected State = iota
	Connecting
	Connected
)

func (s State) String() string {
	switch s {
	case Connecting:
		return "CONNECTING"
	case Connected:
		return "CONNECTED"
	default:
		return "DISCONNECTED"
	}
}

// nodeConn owns the long-lived TCP connection to one cache node, plus
// its reconnect backoff state. A single mutex serializes access to the
// socket so a connection never interleaves two clients' commands —
// there is no head-of-line blocking *across* node connections, only
// within one, per spec.md §5.
type nodeConn struct {
	nodeID string
	addr   string
	log    *zap.Logger
	dial   func(network, address string, timeout time.Duration) (net.Conn, error)
	dials  *slotpool.Pool // shared across every nodeConn in a Proxy; bounds total in-flight dials

	mu      sync.Mutex
	state   State
	conn    net.Conn
	r       *bufio.Reader
	w       *bufio.Writer
	backoff time.Duration

	onStateChange func(nodeID string, s State)
}

const (
	initialBackoff = 5 * time.Second
	maxBackoff     = 60 * time.Second
	dialTimeout    = 5 * time.Second
)

func newNodeConn(nodeID, addr string, log *zap.Logger, dial func(string, string, time.Duration) (net.Conn, error), onStateChange func(string, State)) *nodeConn {
	return &nodeConn{
		nodeID:        nodeID,
		addr:          addr,
		log:           log,
		dial:          dial,
		backoff:       initialBackoff,
		onStateChange: onStateChange,
	}
}

// withDialPool attaches the shared dial-concurrency pool. Separate from
// the constructor so tests that don't care about dial bounding can keep
// calling newNodeConn with its original arity.
func (nc *nodeConn) withDialPool(p *slotpool.Pool) *nodeConn {
	nc.dials = p
	return nc
}

func (nc *nodeConn) setState(s State) {
	nc.state = s
	if nc.onStateChange != nil {
		nc.onStateChange(nc.nodeID, s)
	}
}

// ensureConnected transitions DISCONNECTED -> CONNECTING -> CONNECTED,
// dialing if necessary. Returns the current reader/writer on success.
func (nc *nodeConn) ensureConnected() (*bufio.Reader, *bufio.Writer, error) {
	nc.mu.Lock()
	defer nc.mu.Unlock()

	if nc.state == Connected && nc.conn != nil {
		return nc.r, nc.w, nil
	}

	nc.setState(Connecting)
	if nc.dials != nil {
		nc.dials.Acquire(nc.nodeID)
		defer nc.dials.Release(nc.nodeID)
	}
	conn, err := nc.dial("tcp", nc.addr, dialTimeout)
	if err != nil {
		nc.setState(Disconnected)
		return nil, nil, err
	}
	nc.conn = conn
	nc.r = bufio.NewReader(conn)
	nc.w = bufio.NewWriter(conn)
	nc.backoff = initialBackoff
	nc.setState(Connected)
	return nc.r, nc.w, nil
}

// markFailed transitions back to DISCONNECTED on an IO error, per
// spec.md §4.10's "FAILED treated identically to DISCONNECTED" rule.
func (nc *nodeConn) markFailed() {
	nc.mu.Lock()
	defer nc.mu.Unlock()
	if nc.conn != nil {
		nc.conn.Close()
		nc.conn = nil
	}
	nc.setState(Disconnected)
}

func (nc *nodeConn) close() {
	nc.mu.Lock()
	defer nc.mu.Unlock()
	if nc.conn != nil {
		nc.conn.Close()
		nc.conn = nil
	}
	nc.setState(Disconnected)
}

func (nc *nodeConn) currentState() State {
	nc.mu.Lock()
	defer nc.mu.Unlock()
	return nc.state
}

// nextBackoff advances and returns the current backoff, doubling up to
// maxBackoff, per spec.md §4.10's exponential-backoff-with-cap rule.
func (nc *nodeConn) nextBackoff() time.Duration {
	nc.mu.Lock()
	defer nc.mu.Unlock()
	d := nc.backoff
	nc.backoff *= 2
	if nc.backoff > maxBackoff {
		nc.backoff = maxBackoff
	}
	return d
}
