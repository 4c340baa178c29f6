// Package hashring implements the consistent hash ring of spec.md §4.7:
// virtual-node distribution with deterministic N-node lookup, updated by
// copy-on-write swaps so readers never observe a partial membership
// change (spec.md §5).
package hashring

import (
	"sort"
	"sync/atomic"

	"github.com/cespare/xxhash/v2"
)

// DefaultVirtualNodes is V in spec.md §4.7.
const DefaultVirtualNodes = 150

type vpos struct {
	hash uint64
	node string
}

// ring is the immutable snapshot swapped in on every membership change.
type ring struct {
	positions []vpos   // sorted ascending by hash
	nodes     []string // distinct physical nodes, insertion order
}

// Ring is a concurrency-safe handle around an immutable ring snapshot.
// Reads (getNode/getNodes) never block; membership mutations build a new
// ring and atomically swap the pointer, per spec.md §5.
type Ring struct {
	v      int
	cur    atomic.Pointer[ring]
}

// New builds an empty ring with v virtual nodes per physical node
// (DefaultVirtualNodes if v <= 0).
func New(v int) *Ring {
	if v <= 0 {
		v = DefaultVirtualNodes
	}
	r := &Ring{v: v}
	r.cur.Store(&ring{})
	return r
}

func hashOf(s string) uint64 { return xxhash.Sum64String(s) }

func virtualID(nodeID string, i int) string {
	return nodeID + "#" + itoa(i)
}

// itoa avoids importing strconv just for this one call site's hot path;
// kept tiny and allocation-light.
func itoa(i int) string {
	if i == 0 {
		return "0"
	}
	var buf [20]byte
	pos := len(buf)
	for i > 0 {
		pos--
		buf[pos] = byte('0' + i%10)
		i /= 10
	}
	return string(buf[pos:])
}

// build constructs a fresh ring snapshot from a node id list.
func build(nodeIDs []string, v int) *ring {
	r := &ring{nodes: append([]string(nil), nodeIDs...)}
	r.positions = make([]vpos, 0, len(nodeIDs)*v)
	for _, id := range nodeIDs {
		for i := 0; i < v; i++ {
			r.positions = append(r.positions, vpos{hash: hashOf(virtualID(id, i)), node: id})
		}
	}
	sort.Slice(r.positions, func(i, j int) bool { return r.positions[i].hash < r.positions[j].hash })
	return r
}

// SetNodes atomically replaces the ring's membership with nodeIDs,
// satisfying spec.md §4.10's "readers must not observe partial
// membership" requirement via a single pointer swap.
func (r *Ring) SetNodes(nodeIDs []string) {
	r.cur.Store(build(nodeIDs, r.v))
}

// AddNode and RemoveNode are convenience mutators building on the
// current snapshot; each still ends in one atomic swap.
func (r *Ring) AddNode(nodeID string) {
	cur := r.cur.Load()
	for _, n := range cur.nodes {
		if n == nodeID {
			return
		}
	}
	r.SetNodes(append(append([]string(nil), cur.nodes...), nodeID))
}

func (r *Ring) RemoveNode(nodeID string) {
	cur := r.cur.Load()
	out := make([]string, 0, len(cur.nodes))
	for _, n := range cur.nodes {
		if n != nodeID {
			out = append(out, n)
		}
	}
	r.SetNodes(out)
}

// Nodes returns the current distinct physical node ids.
func (r *Ring) Nodes() []string {
	cur := r.cur.Load()
	return append([]string(nil), cur.nodes...)
}

// GetNode returns the physical node owning key: the least virtual
// position >= hash(key), wrapping around. Returns ("", false) on an
// empty ring.
func (r *Ring) GetNode(key string) (string, bool) {
	nodes := r.GetNodes(key, 1)
	if len(nodes) == 0 {
		return "", false
	}
	return nodes[0], true
}

// GetNodes walks the ring clockwise from hash(key), returning up to n
// distinct physical nodes in order — the replication descriptor of
// spec.md §3 (first is primary, rest are replicas).
func (r *Ring) GetNodes(key string, n int) []string {
	cur := r.cur.Load()
	if len(cur.positions) == 0 || n <= 0 {
		return nil
	}

	h := hashOf(key)
	start := sort.Search(len(cur.positions), func(i int) bool { return cur.positions[i].hash >= h })

	out := make([]string, 0, n)
	seen := make(map[string]bool, n)
	for i := 0; i < len(cur.positions) && len(out) < n; i++ {
		p := cur.positions[(start+i)%len(cur.positions)]
		if seen[p.node] {
			continue
		}
		seen[p.node] = true
		out = append(out, p.node)
	}
	return out
}

// Len reports the number of distinct physical nodes currently on the ring.
func (r *Ring) Len() int {
	return len(r.cur.Load().nodes)
}
