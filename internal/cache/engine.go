package cache

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/kvmesh/kvmesh/internal/zset"
	"go.uber.org/zap"
)

var (
	ErrEmptyKey    = errors.New("cache: key must be non-empty")
	ErrNegativeTTL = errors.New("cache: ttl must be >= 0")
	ErrWrongKind   = errors.New("cache: key holds a value of a different kind")
)

// Options configures a new Engine.
type Options struct {
	Capacity      int           // 0 = unbounded
	Shards        int           // default: 16
	Policy        PolicyKind    // default: LRU
	SweepInterval time.Duration // default 60s; <=0 disables the active sweep
	Log           *zap.Logger
}

type shard struct {
	mu      sync.Mutex
	entries map[string]*Entry
}

// Engine is the thread-safe, sharded cache described by spec.md §4.3.
// Each shard has its own mutex, held for the duration of the map
// mutation and the eviction-policy bookkeeping that rides along with it
// (spec.md §5), so keys in different shards do not contend on ordinary
// reads and writes. Keys that hash to the same shard share its mutex,
// and an eviction pass locks every shard.
type Engine struct {
	log       *zap.Logger
	shards    []*shard
	capacity  int
	policy    Policy
	evictMu   sync.Mutex // serializes the rare cross-shard eviction pass only
	hits      atomic.Uint64
	misses    atomic.Uint64
	evictions atomic.Uint64

	sweepInterval time.Duration
	stopSweep     chan struct{}
	sweepOnce     sync.Once
}

// New builds an Engine and starts its background expiration sweep.
func New(opts Options) *Engine {
	if opts.Shards <= 0 {
		opts.Shards = 16
	}
	if opts.SweepInterval == 0 {
		opts.SweepInterval = 60 * time.Second
	}
	log := opts.Log
	if log == nil {
		log = zap.NewNop()
	}

	e := &Engine{
		log:           log.Named("cache"),
		shards:        make([]*shard, opts.Shards),
		capacity:      opts.Capacity,
		policy:        NewPolicy(opts.Policy),
		sweepInterval: opts.SweepInterval,
		stopSweep:     make(chan struct{}),
	}
	for i := range e.shards {
		e.shards[i] = &shard{entries: make(map[string]*Entry)}
	}
	if e.sweepInterval > 0 {
		go e.runSweep()
	}
	return e
}

// Close stops the background expiration sweep. Safe to call once.
func (e *Engine) Close() {
	e.sweepOnce.Do(func() { close(e.stopSweep) })
}

func (e *Engine) shardFor(key string) *shard {
	h := xxhash.Sum64String(key)
	return e.shards[h%uint64(len(e.shards))]
}

// Set stores key with value, the given TTL (0 means no expiration), and
// kind STRING. On replacement the prior entry is atomically superseded.
func (e *Engine) Set(key string, value []byte, ttl time.Duration) error {
	if key == "" {
		return ErrEmptyKey
	}
	if ttl < 0 {
		return ErrNegativeTTL
	}

	now := time.Now()
	entry := &Entry{
		Key:        key,
		Value:      value,
		Kind:       KindString,
		CreatedAt:  now,
		LastAccess: now,
	}
	if ttl > 0 {
		entry.ExpiresAt = now.Add(ttl)
	}

	s := e.shardFor(key)
	s.mu.Lock()
	s.entries[key] = entry
	s.mu.Unlock()

	e.evictIfNeeded()
	return nil
}

// Get returns key's value, or (nil, false) if absent or expired. An
// expired entry is removed as a side effect (lazy expiration).
func (e *Engine) Get(key string) ([]byte, bool) {
	s := e.shardFor(key)
	now := time.Now()

	s.mu.Lock()
	entry, ok := s.entries[key]
	if ok && entry.Expired(now) {
		delete(s.entries, key)
		ok = false
	}
	if ok {
		if entry.Kind != KindString {
			s.mu.Unlock()
			e.misses.Add(1)
			return nil, false
		}
		entry.touch(now)
	}
	s.mu.Unlock()

	if !ok {
		e.misses.Add(1)
		return nil, false
	}
	e.hits.Add(1)
	return entry.Value, true
}

// Delete removes key, returning whether it previously existed (and was
// not already expired).
func (e *Engine) Delete(key string) bool {
	s := e.shardFor(key)
	now := time.Now()

	s.mu.Lock()
	defer s.mu.Unlock()

	entry, ok := s.entries[key]
	if !ok {
		return false
	}
	delete(s.entries, key)
	return !entry.Expired(now)
}

// Exists reports whether key is present and unexpired.
func (e *Engine) Exists(key string) bool {
	s := e.shardFor(key)
	now := time.Now()

	s.mu.Lock()
	defer s.mu.Unlock()

	entry, ok := s.entries[key]
	if !ok {
		return false
	}
	if entry.Expired(now) {
		delete(s.entries, key)
		return false
	}
	return true
}

// TTL returns remaining seconds until expiration, -1 if key has no
// expiration, or -2 if key is absent or expired.
func (e *Engine) TTL(key string) int64 {
	s := e.shardFor(key)
	now := time.Now()

	s.mu.Lock()
	defer s.mu.Unlock()

	entry, ok := s.entries[key]
	if !ok {
		return -2
	}
	if entry.Expired(now) {
		delete(s.entries, key)
		return -2
	}
	if !entry.hasTTL() {
		return -1
	}
	remaining := entry.ExpiresAt.Sub(now)
	if remaining < 0 {
		remaining = 0
	}
	return int64(remaining / time.Second)
}

// Expire sets a new TTL on an existing, unexpired key. Returns false if
// the key is absent or already expired.
func (e *Engine) Expire(key string, ttl time.Duration) bool {
	if ttl <= 0 {
		return false
	}
	s := e.shardFor(key)
	now := time.Now()

	s.mu.Lock()
	defer s.mu.Unlock()

	entry, ok := s.entries[key]
	if !ok || entry.Expired(now) {
		return false
	}
	entry.ExpiresAt = now.Add(ttl)
	return true
}

// Persist removes a key's TTL. Returns false if absent/expired.
func (e *Engine) Persist(key string) bool {
	s := e.shardFor(key)
	now := time.Now()

	s.mu.Lock()
	defer s.mu.Unlock()

	entry, ok := s.entries[key]
	if !ok || entry.Expired(now) {
		return false
	}
	entry.ExpiresAt = time.Time{}
	return true
}

// Flush drops every key across every shard.
func (e *Engine) Flush() {
	for _, s := range e.shards {
		s.mu.Lock()
		s.entries = make(map[string]*Entry)
		s.mu.Unlock()
	}
}

// Keys returns a snapshot of all unexpired keys. Iterates shards
// independently, never holding more than one shard's lock at a time —
// this is a point-in-time view, not a frozen one.
func (e *Engine) Keys() []string {
	now := time.Now()
	var out []string
	for _, s := range e.shards {
		s.mu.Lock()
		for k, entry := range s.entries {
			if !entry.Expired(now) {
				out = append(out, k)
			}
		}
		s.mu.Unlock()
	}
	return out
}

// Size returns the current number of live (unexpired) entries.
func (e *Engine) Size() int {
	now := time.Now()
	total := 0
	for _, s := range e.shards {
		s.mu.Lock()
		for _, entry := range s.entries {
			if !entry.Expired(now) {
				total++
			}
		}
		s.mu.Unlock()
	}
	return total
}

// Stats is a point-in-time snapshot of engine counters.
type Stats struct {
	Hits      uint64
	Misses    uint64
	Evictions uint64
	Size      int
}

func (e *Engine) Stats() Stats {
	return Stats{
		Hits:      e.hits.Load(),
		Misses:    e.misses.Load(),
		Evictions: e.evictions.Load(),
		Size:      e.Size(),
	}
}

// evictIfNeeded enforces the engine's global capacity (spec.md §8
// property 3: size() <= cap after any sequence of inserts) by selecting
// victims against every live entry at once, not a per-shard share of
// capacity — a per-shard quota lets live entries reach the shard count
// even when Capacity is smaller, since no single shard ever trips its
// own threshold, and even a correct global count with per-shard-only
// ordering could evict the wrong key when the true LRU/LFU/FIFO victim
// lives in a different shard than the one currently over budget.
//
// evictMu serializes this against itself, and every shard's lock is
// held for the duration of the pass; that is still safe against
// deadlock because every other operation acquires at most one shard
// lock at a time, and this pass always acquires shards in the same
// fixed order.
func (e *Engine) evictIfNeeded() {
	if e.capacity <= 0 {
		return
	}

	e.evictMu.Lock()
	defer e.evictMu.Unlock()

	for _, s := range e.shards {
		s.mu.Lock()
		defer s.mu.Unlock()
	}

	total := 0
	for _, s := range e.shards {
		total += len(s.entries)
	}
	if total <= e.capacity {
		return
	}

	all := make(map[string]*Entry, total)
	owner := make(map[string]*shard, total)
	for _, s := range e.shards {
		for k, entry := range s.entries {
			all[k] = entry
			owner[k] = s
		}
	}

	victims := e.policy.SelectForEviction(all, e.capacity)
	for _, k := range victims {
		delete(owner[k].entries, k)
	}
	if len(victims) > 0 {
		e.evictions.Add(uint64(len(victims)))
		e.log.Debug("evicted entries", zap.Int("count", len(victims)))
	}
}

func (e *Engine) runSweep() {
	ticker := time.NewTicker(e.sweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			e.sweepExpired()
		case <-e.stopSweep:
			return
		}
	}
}

// sweepExpired proactively removes expired entries. Chunked per-shard
// so no single pass blocks readers of unrelated shards for long.
func (e *Engine) sweepExpired() {
	now := time.Now()
	for _, s := range e.shards {
		s.mu.Lock()
		for k, entry := range s.entries {
			if entry.Expired(now) {
				delete(s.entries, k)
			}
		}
		s.mu.Unlock()
	}
}

// --- sorted-set operations (spec.md §4.2, forwarded per §4.3) ---

// ZAdd inserts or updates member's score in key's sorted set, creating
// the set if key is absent. Returns an error if key holds a STRING.
func (e *Engine) ZAdd(key, member string, score float64) (bool, error) {
	if key == "" {
		return false, ErrEmptyKey
	}
	s := e.shardFor(key)
	now := time.Now()

	s.mu.Lock()
	defer s.mu.Unlock()

	entry, ok := s.entries[key]
	if !ok || entry.Expired(now) {
		entry = &Entry{
			Key:        key,
			Kind:       KindSortedSet,
			Set:        zset.New(),
			CreatedAt:  now,
			LastAccess: now,
		}
		s.entries[key] = entry
	}
	if entry.Kind != KindSortedSet {
		return false, fmt.Errorf("ZADD %s: %w", key, ErrWrongKind)
	}
	return entry.Set.Add(member, score)
}

// ZRem removes member from key's sorted set, dropping the key entirely
// if it becomes empty (spec.md §3 sorted-set invariant).
func (e *Engine) ZRem(key, member string) (bool, error) {
	s := e.shardFor(key)
	now := time.Now()

	s.mu.Lock()
	defer s.mu.Unlock()

	entry, ok := s.entries[key]
	if !ok || entry.Expired(now) {
		return false, nil
	}
	if entry.Kind != KindSortedSet {
		return false, fmt.Errorf("ZREM %s: %w", key, ErrWrongKind)
	}
	removed := entry.Set.Remove(member)
	if entry.Set.Card() == 0 {
		delete(s.entries, key)
	}
	return removed, nil
}

func (e *Engine) withSet(key string, fn func(*zset.SortedSet)) (bool, error) {
	s := e.shardFor(key)
	now := time.Now()

	s.mu.Lock()
	defer s.mu.Unlock()

	entry, ok := s.entries[key]
	if !ok || entry.Expired(now) {
		return false, nil
	}
	if entry.Kind != KindSortedSet {
		return false, fmt.Errorf("%s: %w", key, ErrWrongKind)
	}
	entry.touch(now)
	fn(entry.Set)
	return true, nil
}

func (e *Engine) ZScore(key, member string) (float64, bool, error) {
	var score float64
	var found bool
	ok, err := e.withSet(key, func(z *zset.SortedSet) {
		score, found = z.Score(member)
	})
	if err != nil || !ok {
		return 0, false, err
	}
	return score, found, nil
}

func (e *Engine) ZRank(key, member string) (int, error) {
	rank := -1
	_, err := e.withSet(key, func(z *zset.SortedSet) { rank = z.Rank(member) })
	return rank, err
}

func (e *Engine) ZRevRank(key, member string) (int, error) {
	rank := -1
	_, err := e.withSet(key, func(z *zset.SortedSet) { rank = z.RevRank(member) })
	return rank, err
}

func (e *Engine) ZRange(key string, a, b int) ([]zset.Member, error) {
	var members []zset.Member
	_, err := e.withSet(key, func(z *zset.SortedSet) { members = z.RangeByRank(a, b) })
	return members, err
}

func (e *Engine) ZRevRange(key string, a, b int) ([]zset.Member, error) {
	var members []zset.Member
	_, err := e.withSet(key, func(z *zset.SortedSet) { members = z.RevRangeByRank(a, b) })
	return members, err
}

func (e *Engine) ZRangeByScore(key string, lo, hi float64) ([]zset.Member, error) {
	var members []zset.Member
	_, err := e.withSet(key, func(z *zset.SortedSet) { members = z.RangeByScore(lo, hi) })
	return members, err
}

func (e *Engine) ZIncrBy(key, member string, delta float64) (float64, error) {
	if key == "" {
		return 0, ErrEmptyKey
	}
	s := e.shardFor(key)
	now := time.Now()

	s.mu.Lock()
	defer s.mu.Unlock()

	entry, ok := s.entries[key]
	if !ok || entry.Expired(now) {
		entry = &Entry{
			Key:        key,
			Kind:       KindSortedSet,
			Set:        zset.New(),
			CreatedAt:  now,
			LastAccess: now,
		}
		s.entries[key] = entry
	}
	if entry.Kind != KindSortedSet {
		return 0, fmt.Errorf("ZINCRBY %s: %w", key, ErrWrongKind)
	}
	return entry.Set.IncrBy(member, delta)
}

func (e *Engine) ZCard(key string) (int, error) {
	card := 0
	_, err := e.withSet(key, func(z *zset.SortedSet) { card = z.Card() })
	return card, err
}

// ZDel drops the whole sorted set at key.
func (e *Engine) ZDel(key string) bool {
	return e.Delete(key)
}

// StringSnapshot is one KindString entry as captured by Snapshot.
type StringSnapshot struct {
	Key       string
	Value     []byte
	ExpiresAt time.Time
}

// SortedSetSnapshot is one KindSortedSet entry as captured by Snapshot.
type SortedSetSnapshot struct {
	Key     string
	Members []zset.Member
}

// Snapshot returns a point-in-time copy of every live entry, partitioned
// by kind, for the persistent engine to serialize (spec.md §4.5). Like
// Keys and Size, this walks shards independently rather than freezing
// the whole engine.
func (e *Engine) Snapshot() ([]StringSnapshot, []SortedSetSnapshot) {
	now := time.Now()
	var strs []StringSnapshot
	var sets []SortedSetSnapshot
	for _, s := range e.shards {
		s.mu.Lock()
		for _, entry := range s.entries {
			if entry.Expired(now) {
				continue
			}
			switch entry.Kind {
			case KindString:
				strs = append(strs, StringSnapshot{Key: entry.Key, Value: entry.Value, ExpiresAt: entry.ExpiresAt})
			case KindSortedSet:
				var members []zset.Member
				entry.Set.ForEach(func(m zset.Member) { members = append(members, m) })
				sets = append(sets, SortedSetSnapshot{Key: entry.Key, Members: members})
			}
		}
		s.mu.Unlock()
	}
	return strs, sets
}

// RestoreString installs a KindString entry directly, bypassing capacity
// checks — used only during snapshot/WAL recovery (spec.md §4.6), before
// the engine is serving traffic.
func (e *Engine) RestoreString(key string, value []byte, expiresAt time.Time) {
	now := time.Now()
	s := e.shardFor(key)
	s.mu.Lock()
	s.entries[key] = &Entry{Key: key, Value: value, Kind: KindString, CreatedAt: now, LastAccess: now, ExpiresAt: expiresAt}
	s.mu.Unlock()
}

// RestoreZAdd installs one sorted-set member directly during recovery.
func (e *Engine) RestoreZAdd(key, member string, score float64) {
	s := e.shardFor(key)
	now := time.Now()
	s.mu.Lock()
	entry, ok := s.entries[key]
	if !ok {
		entry = &Entry{Key: key, Kind: KindSortedSet, Set: zset.New(), CreatedAt: now, LastAccess: now}
		s.entries[key] = entry
	}
	entry.Set.Add(member, score)
	s.mu.Unlock()
}
