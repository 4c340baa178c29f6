// Package proxy implements the routing proxy of spec.md §4.10: it syncs
// cluster membership from discovery, keeps a consistent-hash ring
// current, and dispatches client commands to the first healthy replica,
// falling over to the next on failure.
package proxy

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/kvmesh/kvmesh/internal/hashring"
	"github.com/kvmesh/kvmesh/internal/health"
	"github.com/kvmesh/kvmesh/internal/respwire"
	"github.com/kvmesh/kvmesh/pkg/evqueue"
	"github.com/kvmesh/kvmesh/pkg/slotpool"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

var ErrNoHealthyNodes = errors.New("proxy: no healthy nodes")

// discoveredNode is the subset of a discovery node record the proxy
// tier needs.
type discoveredNode struct {
	NodeID string
	Host   string
	Port   int
}

// DiscoveryClient is the contract the proxy needs from C9, narrowed so
// the proxy never depends on discovery's storage internals. The HTTP
// implementation lives in discoveryclient.go.
type DiscoveryClient interface {
	HealthyCacheNodes(ctx context.Context) ([]discoveredNode, error)
}

// Options configures a Proxy.
type Options struct {
	Discovery         DiscoveryClient
	ReplicationFactor int           // default 2
	SyncInterval      time.Duration // default 5s
	VirtualNodes      int           // default 150
	MirrorWrites      bool
	DialConcurrency   int // caps in-flight outbound dials; default 16
	Log               *zap.Logger
	Dial              func(network, address string, timeout time.Duration) (net.Conn, error)
}

// Proxy is the stateful connection hub of spec.md §4.10.
type Proxy struct {
	log          *zap.Logger
	discovery    DiscoveryClient
	rf           int
	syncInterval time.Duration
	mirrorWrites bool
	dial         func(network, address string, timeout time.Duration) (net.Conn, error)

	ring   *hashring.Ring
	health *health.Registry
	dials  *slotpool.Pool // bounds concurrent outbound dials across all nodeConns

	mu    sync.RWMutex
	conns map[string]*nodeConn // nodeID -> connection
	addrs map[string]string    // nodeID -> host:port, for reconnect/health targets

	// reconnMu serializes access to reconnQ, which is not safe for
	// concurrent use on its own (see pkg/evqueue).
	reconnMu sync.Mutex
	reconnQ  *evqueue.Queue[struct{}]

	stop     chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

func New(opts Options) *Proxy {
	if opts.ReplicationFactor <= 0 {
		opts.ReplicationFactor = 2
	}
	if opts.SyncInterval <= 0 {
		opts.SyncInterval = 5 * time.Second
	}
	if opts.Log == nil {
		opts.Log = zap.NewNop()
	}
	if opts.Dial == nil {
		opts.Dial = net.DialTimeout
	}
	if opts.DialConcurrency <= 0 {
		opts.DialConcurrency = 16
	}

	log := opts.Log.Named("proxy")
	p := &Proxy{
		log:          log,
		discovery:    opts.Discovery,
		rf:           opts.ReplicationFactor,
		syncInterval: opts.SyncInterval,
		mirrorWrites: opts.MirrorWrites,
		dial:         opts.Dial,
		ring:         hashring.New(opts.VirtualNodes),
		health:       health.New(health.Options{Log: log, Dial: opts.Dial}),
		dials:        slotpool.New(opts.DialConcurrency),
		conns:        make(map[string]*nodeConn),
		addrs:        make(map[string]string),
		reconnQ:      evqueue.New[struct{}](),
		stop:         make(chan struct{}),
	}
	p.wg.Add(1)
	go p.runReconnectLoop()
	return p
}

// Start begins the discovery-sync loop (spec.md §4.10.1). It runs one
// synchronous sync before returning so the proxy is immediately usable.
func (p *Proxy) Start(ctx context.Context) error {
	if err := p.sync(ctx); err != nil {
		p.log.Warn("initial discovery sync failed", zap.Error(err))
	}
	p.wg.Add(1)
	go p.runSyncLoop()
	return nil
}

func (p *Proxy) runSyncLoop() {
	defer p.wg.Done()
	t := time.NewTicker(p.syncInterval)
	defer t.Stop()
	for {
		select {
		case <-t.C:
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			if err := p.sync(ctx); err != nil {
				p.log.Warn("discovery sync failed", zap.Error(err))
			}
			cancel()
		case <-p.stop:
			return
		}
	}
}

// sync pulls healthy CACHE nodes, opens connections to newcomers, closes
// connections to nodes that disappeared, and atomically replaces ring
// membership — the "readers must not observe partial membership"
// invariant of spec.md §4.10.2.
func (p *Proxy) sync(ctx context.Context) error {
	nodes, err := p.discovery.HealthyCacheNodes(ctx)
	if err != nil {
		return fmt.Errorf("pull healthy nodes: %w", err)
	}

	seen := make(map[string]bool, len(nodes))
	var ids []string
	for _, n := range nodes {
		seen[n.NodeID] = true
		ids = append(ids, n.NodeID)
		p.ensureConn(n)
	}

	p.mu.Lock()
	var toClose []*nodeConn
	for id, nc := range p.conns {
		if !seen[id] {
			toClose = append(toClose, nc)
			delete(p.conns, id)
			delete(p.addrs, id)
		}
	}
	p.mu.Unlock()

	for _, nc := range toClose {
		p.health.Forget(nc.nodeID)
		p.unscheduleReconnect(nc.nodeID)
		nc.close()
	}

	p.ring.SetNodes(ids)
	return nil
}

func (p *Proxy) ensureConn(n discoveredNode) {
	addr := fmt.Sprintf("%s:%d", n.Host, n.Port)

	p.mu.Lock()
	_, ok := p.conns[n.NodeID]
	sameAddr := ok && p.addrs[n.NodeID] == addr
	p.mu.Unlock()
	if sameAddr {
		return
	}

	p.health.Watch(health.Target{NodeID: n.NodeID, Type: health.NodeCache, Host: n.Host, Port: n.Port})
	p.health.ProbeNow(n.NodeID)

	nodeID := n.NodeID
	nc := newNodeConn(nodeID, addr, p.log, p.dial, func(id string, s State) {
		if s == Disconnected {
			p.scheduleReconnect(id, initialBackoff)
		}
	}).withDialPool(p.dials)
	p.mu.Lock()
	p.conns[nodeID] = nc
	p.addrs[nodeID] = addr
	p.mu.Unlock()

	p.scheduleReconnect(nodeID, 0)
}

// scheduleReconnect arranges for runReconnectLoop to attempt nodeID's
// connection after delay, superseding any previously scheduled attempt.
func (p *Proxy) scheduleReconnect(nodeID string, delay time.Duration) {
	p.reconnMu.Lock()
	defer p.reconnMu.Unlock()
	p.reconnQ.Push(nodeID, time.Now().Add(delay).UnixNano(), struct{}{})
}

func (p *Proxy) unscheduleReconnect(nodeID string) {
	p.reconnMu.Lock()
	defer p.reconnMu.Unlock()
	p.reconnQ.Remove(nodeID)
}

// runReconnectLoop opportunistically dials disconnected nodes ahead of
// need, so a client request rarely pays for the TCP handshake on the hot
// path. A failed attempt is rescheduled at the node's current backoff
// (nodeConn.nextBackoff), capped at maxBackoff.
func (p *Proxy) runReconnectLoop() {
	defer p.wg.Done()
	t := time.NewTicker(250 * time.Millisecond)
	defer t.Stop()
	for {
		select {
		case <-t.C:
			p.drainDueReconnects()
		case <-p.stop:
			return
		}
	}
}

func (p *Proxy) drainDueReconnects() {
	now := time.Now().UnixNano()
	for {
		p.reconnMu.Lock()
		id, when, _, ok := p.reconnQ.Peek()
		if !ok || when > now {
			p.reconnMu.Unlock()
			return
		}
		p.reconnQ.Pop()
		p.reconnMu.Unlock()

		p.mu.RLock()
		nc, tracked := p.conns[id]
		p.mu.RUnlock()
		if !tracked {
			continue
		}
		if nc.currentState() == Connected {
			continue
		}
		if _, _, err := nc.ensureConnected(); err != nil {
			p.scheduleReconnect(id, nc.nextBackoff())
		}
	}
}

// Dispatch routes cmd by key to the first healthy replica, retrying on
// the next up to RF-1 times, per spec.md §4.10.3.
func (p *Proxy) Dispatch(ctx context.Context, key string, cmd respwire.Command) (respwire.Reply, error) {
	candidates := p.ring.GetNodes(key, p.rf)
	if len(candidates) == 0 {
		return respwire.Reply{}, ErrNoHealthyNodes
	}

	var lastErr error
	tried := 0
	for _, nodeID := range candidates {
		if !p.health.IsHealthy(nodeID) {
			continue
		}
		tried++
		reply, err := p.dispatchTo(nodeID, cmd)
		if err == nil {
			return reply, nil
		}
		lastErr = err
		p.log.Warn("dispatch failed, trying next replica", zap.String("node_id", nodeID), zap.Error(err))
	}

	if tried == 0 {
		return respwire.Reply{}, ErrNoHealthyNodes
	}
	return respwire.Reply{}, fmt.Errorf("proxy: all %d replicas failed, last error: %w", tried, lastErr)
}

func (p *Proxy) dispatchTo(nodeID string, cmd respwire.Command) (respwire.Reply, error) {
	p.mu.RLock()
	nc, ok := p.conns[nodeID]
	p.mu.RUnlock()
	if !ok {
		return respwire.Reply{}, fmt.Errorf("proxy: no connection tracked for node %s", nodeID)
	}

	r, w, err := nc.ensureConnected()
	if err != nil {
		return respwire.Reply{}, fmt.Errorf("connect to %s: %w", nodeID, err)
	}

	line := cmd.Verb
	for _, a := range cmd.Args {
		line += " " + a
	}
	nc.mu.Lock()
	stage := "write to"
	_, err = w.WriteString(line + "\r\n")
	if err == nil {
		stage = "flush to"
		err = w.Flush()
	}
	var reply respwire.Reply
	if err == nil {
		stage = "read from"
		reply, err = respwire.ReadReply(r)
	}
	nc.mu.Unlock()
	if err != nil {
		nc.markFailed()
		return respwire.Reply{}, fmt.Errorf("%s %s: %w", stage, nodeID, err)
	}
	return reply, nil
}

// DispatchWrite issues cmd per Dispatch unless MirrorWrites is enabled
// and RF > 1 (spec.md §4.10.4); in that case it instead sends cmd in
// parallel to every healthy node among key's RF ring candidates
// (unhealthy candidates are skipped), and the write is considered
// successful if at least one of them acknowledges.
func (p *Proxy) DispatchWrite(ctx context.Context, key string, cmd respwire.Command) (respwire.Reply, error) {
	if !p.mirrorWrites || p.rf <= 1 {
		return p.Dispatch(ctx, key, cmd)
	}

	candidates := p.ring.GetNodes(key, p.rf)
	var healthy []string
	for _, id := range candidates {
		if p.health.IsHealthy(id) {
			healthy = append(healthy, id)
		}
	}
	if len(healthy) == 0 {
		return respwire.Reply{}, ErrNoHealthyNodes
	}

	replies := make([]respwire.Reply, len(healthy))
	errs := make([]error, len(healthy))
	g, _ := errgroup.WithContext(ctx)
	for i, nodeID := range healthy {
		i, nodeID := i, nodeID
		g.Go(func() error {
			reply, err := p.dispatchTo(nodeID, cmd)
			replies[i] = reply
			errs[i] = err
			return nil
		})
	}
	_ = g.Wait()

	for i, err := range errs {
		if err == nil {
			return replies[i], nil
		}
	}
	return respwire.Reply{}, fmt.Errorf("proxy: mirror write failed on all %d replicas: %w", len(healthy), errs[0])
}

// NodeState reports the connection state for a node, for tests and
// operational introspection.
func (p *Proxy) NodeState(nodeID string) State {
	p.mu.RLock()
	nc, ok := p.conns[nodeID]
	p.mu.RUnlock()
	if !ok {
		return Disconnected
	}
	return nc.currentState()
}

// Close stops the discovery-sync loop, the health registry, and closes
// every node connection, per spec.md §9's proxy-first shutdown order.
func (p *Proxy) Close() {
	p.stopOnce.Do(func() { close(p.stop) })
	p.wg.Wait()
	p.health.Close()

	p.mu.Lock()
	defer p.mu.Unlock()
	for _, nc := range p.conns {
		nc.close()
	}
}

// httpDiscoveryClient implements DiscoveryClient over the HTTP surface
// of spec.md §6 ("GET /discovery/nodes/type/{t}/cache").
type httpDiscoveryClient struct {
	baseURL string
	client  *http.Client
}

func NewHTTPDiscoveryClient(baseURL string) DiscoveryClient {
	return &httpDiscoveryClient{baseURL: baseURL, client: &http.Client{Timeout: 5 * time.Second}}
}
