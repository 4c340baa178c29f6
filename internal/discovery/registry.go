// Package discovery implements the node-discovery registry of
// spec.md §4.9: the authoritative list of cluster participants, kept
// live by heartbeats and pruned by a liveness sweep. Its HTTP surface
// (internal/discovery/http.go) exposes the same operations over gin,
// per spec.md §6 — transport only, the contract lives here.
package discovery

import (
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"
)

var ErrNodeNotFound = errors.New("discovery: node not found")

// NodeType mirrors spec.md §3's CACHE/PROXY distinction.
type NodeType string

const (
	NodeCache NodeType = "CACHE"
	NodeProxy NodeType = "PROXY"
)

// Node is spec.md §3's node record.
type Node struct {
	NodeID       string
	Host         string
	Port         int
	Type         NodeType
	RegisteredAt time.Time
	LastSeen     time.Time
	Healthy      bool
}

// Live reports whether n is within the liveness window and healthy, per
// spec.md §3's node-record invariant.
func (n Node) Live(now time.Time, window time.Duration) bool {
	return n.Healthy && now.Sub(n.LastSeen) <= window
}

// Options configures a Registry. Defaults match spec.md §4.9: 30s sweep
// interval, 60s liveness window, eviction after 5x the window.
type Options struct {
	SweepInterval   time.Duration
	LivenessWindow  time.Duration
	EvictAfter      time.Duration
	Log             *zap.Logger

	// OnMutate, if set, is invoked (under no lock) after every durable
	// mutation, so a persistent variant can append a WAL record.
	OnMutate func(Mutation)
}

// MutationKind enumerates the operations a persistent variant of the
// registry needs to log, per spec.md §4.9's "durable in the persistent
// variant" requirement.
type MutationKind int

const (
	MutationRegister MutationKind = iota
	MutationDeregister
	MutationHeartbeat
	MutationSetHealth
)

type Mutation struct {
	Kind    MutationKind
	Node    Node
	Healthy bool
}

// Registry is the in-memory node table plus its liveness sweeper.
type Registry struct {
	log            *zap.Logger
	sweepInterval  time.Duration
	livenessWindow time.Duration
	evictAfter     time.Duration
	onMutate       func(Mutation)

	mu    sync.RWMutex
	nodes map[string]Node

	stop     chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

func New(opts Options) *Registry {
	if opts.SweepInterval <= 0 {
		opts.SweepInterval = 30 * time.Second
	}
	if opts.LivenessWindow <= 0 {
		opts.LivenessWindow = 60 * time.Second
	}
	if opts.EvictAfter <= 0 {
		opts.EvictAfter = opts.LivenessWindow * 5
	}
	if opts.Log == nil {
		opts.Log = zap.NewNop()
	}
	r := &Registry{
		log:            opts.Log.Named("discovery"),
		sweepInterval:  opts.SweepInterval,
		livenessWindow: opts.LivenessWindow,
		evictAfter:     opts.EvictAfter,
		onMutate:       opts.onMutateOrNoop(),
		nodes:          make(map[string]Node),
		stop:           make(chan struct{}),
	}
	r.wg.Add(1)
	go r.runSweep()
	return r
}

func (o Options) onMutateOrNoop() func(Mutation) {
	if o.OnMutate != nil {
		return o.OnMutate
	}
	return func(Mutation) {}
}

// Register inserts or refreshes a node record, healthy-by-default.
func (r *Registry) Register(nodeID, host string, port int, typ NodeType) Node {
	now := time.Now()
	r.mu.Lock()
	n, existed := r.nodes[nodeID]
	if !existed {
		n = Node{NodeID: nodeID, RegisteredAt: now}
	}
	n.Host = host
	n.Port = port
	n.Type = typ
	n.Healthy = true
	n.LastSeen = now
	r.nodes[nodeID] = n
	r.mu.Unlock()

	r.onMutate(Mutation{Kind: MutationRegister, Node: n})
	return n
}

// Deregister removes a node record entirely. Returns ErrNodeNotFound if
// absent.
func (r *Registry) Deregister(nodeID string) error {
	r.mu.Lock()
	n, ok := r.nodes[nodeID]
	if ok {
		delete(r.nodes, nodeID)
	}
	r.mu.Unlock()
	if !ok {
		return ErrNodeNotFound
	}
	r.onMutate(Mutation{Kind: MutationDeregister, Node: n})
	return nil
}

// SetHealth updates a node's health flag.
func (r *Registry) SetHealth(nodeID string, healthy bool) error {
	r.mu.Lock()
	n, ok := r.nodes[nodeID]
	if !ok {
		r.mu.Unlock()
		return ErrNodeNotFound
	}
	n.Healthy = healthy
	r.nodes[nodeID] = n
	r.mu.Unlock()

	r.onMutate(Mutation{Kind: MutationSetHealth, Node: n, Healthy: healthy})
	return nil
}

// Heartbeat refreshes a node's last-seen timestamp.
func (r *Registry) Heartbeat(nodeID string) error {
	r.mu.Lock()
	n, ok := r.nodes[nodeID]
	if !ok {
		r.mu.Unlock()
		return ErrNodeNotFound
	}
	n.LastSeen = time.Now()
	r.nodes[nodeID] = n
	r.mu.Unlock()

	r.onMutate(Mutation{Kind: MutationHeartbeat, Node: n})
	return nil
}

// Get returns a single node record by id.
func (r *Registry) Get(nodeID string) (Node, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	n, ok := r.nodes[nodeID]
	return n, ok
}

// ListAll returns every tracked node record.
func (r *Registry) ListAll() []Node {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Node, 0, len(r.nodes))
	for _, n := range r.nodes {
		out = append(out, n)
	}
	return out
}

// ListHealthy returns live nodes of the given type.
func (r *Registry) ListHealthy(typ NodeType) []Node {
	now := time.Now()
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []Node
	for _, n := range r.nodes {
		if n.Type == typ && n.Live(now, r.livenessWindow) {
			out = append(out, n)
		}
	}
	return out
}

func (r *Registry) runSweep() {
	defer r.wg.Done()
	t := time.NewTicker(r.sweepInterval)
	defer t.Stop()
	for {
		select {
		case <-t.C:
			r.sweep()
		case <-r.stop:
			return
		}
	}
}

// sweep marks silent nodes unhealthy, then evicts ones silent for
// evictAfter, per spec.md §4.9.
func (r *Registry) sweep() {
	now := time.Now()
	r.mu.Lock()
	var toMarkUnhealthy, toEvict []Node
	for id, n := range r.nodes {
		silence := now.Sub(n.LastSeen)
		if silence > r.evictAfter {
			toEvict = append(toEvict, n)
			delete(r.nodes, id)
			continue
		}
		if silence > r.livenessWindow && n.Healthy {
			n.Healthy = false
			r.nodes[id] = n
			toMarkUnhealthy = append(toMarkUnhealthy, n)
		}
	}
	r.mu.Unlock()

	for _, n := range toMarkUnhealthy {
		r.log.Warn("node marked unhealthy by liveness sweep", zap.String("node_id", n.NodeID))
		r.onMutate(Mutation{Kind: MutationSetHealth, Node: n, Healthy: false})
	}
	for _, n := range toEvict {
		r.log.Warn("node evicted by liveness sweep", zap.String("node_id", n.NodeID))
		r.onMutate(Mutation{Kind: MutationDeregister, Node: n})
	}
}

// Close stops the liveness sweeper.
func (r *Registry) Close() {
	r.stopOnce.Do(func() { close(r.stop) })
	r.wg.Wait()
}
