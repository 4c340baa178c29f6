// Package health implements the health registry and TCP prober of
// spec.md §4.8: a scheduled connect probe per target plus an in-memory
// registry that is the sole authority the routing proxy consults for
// routing decisions.
package health

import (
	"fmt"
	"net"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Status mirrors spec.md §4.8's three-state probe result.
type Status int

const (
	Unknown Status = iota
	Healthy
	Unhealthy
)

func (s Status) String() string {
	switch s {
	case Healthy:
		return "HEALTHY"
	case Unhealthy:
		return "UNHEALTHY"
	default:
		return "UNKNOWN"
	}
}

// NodeType distinguishes the two kinds of participant spec.md §3 names.
type NodeType string

const (
	NodeCache NodeType = "CACHE"
	NodeProxy NodeType = "PROXY"
)

// Target is one probe subject: a (nodeId, type, host, port) tuple.
type Target struct {
	NodeID string
	Type   NodeType
	Host   string
	Port   int
}

func (t Target) addr() string { return fmt.Sprintf("%s:%d", t.Host, t.Port) }

// Result is the outcome of one probe, recorded in the Registry.
type Result struct {
	NodeID         string
	Type           NodeType
	Host           string
	Port           int
	Status         Status
	LastCheck      time.Time
	ResponseTimeMs int64
	Error          string
}

// Options configures a Registry. Interval/Timeout default to spec.md
// §4.8's 30s/5s.
type Options struct {
	Interval time.Duration
	Timeout  time.Duration
	Log      *zap.Logger
	Dial     func(network, address string, timeout time.Duration) (net.Conn, error)
}

// Registry is the concurrent map of nodeId -> last probe Result, plus
// the scheduler that keeps it fresh.
type Registry struct {
	log      *zap.Logger
	interval time.Duration
	timeout  time.Duration
	dial     func(network, address string, timeout time.Duration) (net.Conn, error)

	mu      sync.RWMutex
	targets map[string]Target
	results map[string]Result

	stop     chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// New constructs a Registry and starts its background prober.
func New(opts Options) *Registry {
	if opts.Interval <= 0 {
		opts.Interval = 30 * time.Second
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 5 * time.Second
	}
	if opts.Log == nil {
		opts.Log = zap.NewNop()
	}
	if opts.Dial == nil {
		opts.Dial = net.DialTimeout
	}
	r := &Registry{
		log:      opts.Log.Named("health"),
		interval: opts.Interval,
		timeout:  opts.Timeout,
		dial:     opts.Dial,
		targets:  make(map[string]Target),
		results:  make(map[string]Result),
		stop:     make(chan struct{}),
	}
	r.wg.Add(1)
	go r.run()
	return r
}

// Watch adds or replaces the probe target for t.NodeID. The first probe
// runs on the next scheduler tick; until then the node reads UNKNOWN.
func (r *Registry) Watch(t Target) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.targets[t.NodeID] = t
	if _, ok := r.results[t.NodeID]; !ok {
		r.results[t.NodeID] = Result{NodeID: t.NodeID, Type: t.Type, Host: t.Host, Port: t.Port, Status: Unknown}
	}
}

// Forget removes a target and its last result.
func (r *Registry) Forget(nodeID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.targets, nodeID)
	delete(r.results, nodeID)
}

// IsHealthy is the sole routing authority spec.md §4.8 designates.
func (r *Registry) IsHealthy(nodeID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	res, ok := r.results[nodeID]
	return ok && res.Status == Healthy
}

// Result returns the last known result for nodeID.
func (r *Registry) Result(nodeID string) (Result, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	res, ok := r.results[nodeID]
	return res, ok
}

// ByType returns all results for nodes of the given type.
func (r *Registry) ByType(t NodeType) []Result {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []Result
	for _, res := range r.results {
		if res.Type == t {
			out = append(out, res)
		}
	}
	return out
}

// HealthyOfType returns only the HEALTHY results of the given type.
func (r *Registry) HealthyOfType(t NodeType) []Result {
	all := r.ByType(t)
	out := all[:0]
	for _, res := range all {
		if res.Status == Healthy {
			out = append(out, res)
		}
	}
	return out
}

// All returns every tracked result.
func (r *Registry) All() []Result {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Result, 0, len(r.results))
	for _, res := range r.results {
		out = append(out, res)
	}
	return out
}

func (r *Registry) run() {
	defer r.wg.Done()
	t := time.NewTicker(r.interval)
	defer t.Stop()
	for {
		select {
		case <-t.C:
			r.probeAll()
		case <-r.stop:
			return
		}
	}
}

func (r *Registry) probeAll() {
	r.mu.RLock()
	targets := make([]Target, 0, len(r.targets))
	for _, tgt := range r.targets {
		targets = append(targets, tgt)
	}
	r.mu.RUnlock()

	for _, tgt := range targets {
		res := r.probe(tgt)
		r.mu.Lock()
		r.results[tgt.NodeID] = res
		r.mu.Unlock()
		if res.Status == Unhealthy {
			r.log.Warn("node unhealthy", zap.String("node_id", tgt.NodeID), zap.String("error", res.Error))
		}
	}
}

func (r *Registry) probe(t Target) Result {
	start := time.Now()
	conn, err := r.dial("tcp", t.addr(), r.timeout)
	elapsed := time.Since(start)

	res := Result{
		NodeID:         t.NodeID,
		Type:           t.Type,
		Host:           t.Host,
		Port:           t.Port,
		LastCheck:      time.Now(),
		ResponseTimeMs: elapsed.Milliseconds(),
	}
	if err != nil {
		res.Status = Unhealthy
		res.Error = err.Error()
		return res
	}
	conn.Close()
	res.Status = Healthy
	return res
}

// Close stops the prober scheduler.
func (r *Registry) Close() {
	r.stopOnce.Do(func() { close(r.stop) })
	r.wg.Wait()
}

// ProbeNow runs a single synchronous probe for nodeID's current target,
// bypassing the scheduler — used by callers that want an immediate
// answer (e.g. a just-registered node) rather than waiting for the next
// tick.
func (r *Registry) ProbeNow(nodeID string) (Result, bool) {
	r.mu.RLock()
	tgt, ok := r.targets[nodeID]
	r.mu.RUnlock()
	if !ok {
		return Result{}, false
	}
	res := r.probe(tgt)
	r.mu.Lock()
	r.results[nodeID] = res
	r.mu.Unlock()
	return res, true
}
