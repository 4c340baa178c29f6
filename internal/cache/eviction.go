package cache

import (
	"math/rand/v2"
	"sort"
	"time"
)

// PolicyKind enumerates the closed family of eviction strategies spec.md
// §4.3 requires. Per the design notes (spec.md §9), this is expressed as
// a small tagged variant dispatched with a switch rather than as
// separate interface implementations, to keep the hot path free of
// virtual-call plumbing.
type PolicyKind int

const (
	LRU PolicyKind = iota
	LFU
	FIFO
	Random
	TTLPreferring
)

// Policy selects eviction victims across the whole engine: the engine
// applies one Policy to the entries of all shards together. It holds no
// independent bookkeeping: the entry metadata (createdAt, lastAccess,
// accessCount, expiresAt) that every strategy needs already lives on
// Entry, updated by the engine's set/get/delete paths under the same
// lock. onAdd/onAccess/onRemove are therefore hooks reserved for a
// future O(1) structure (e.g. a real LRU list) rather than required
// state today.
type Policy struct {
	Kind PolicyKind
}

func NewPolicy(kind PolicyKind) Policy { return Policy{Kind: kind} }

func (Policy) OnAdd(*Entry)    {}
func (Policy) OnAccess(*Entry) {}
func (Policy) OnRemove(*Entry) {}

// SelectForEviction returns the keys to evict from entries so that its
// size drops to cap. Returns nil if size <= cap. Never panics on an
// empty map.
func (p Policy) SelectForEviction(entries map[string]*Entry, cap int) []string {
	n := len(entries) - cap
	if n <= 0 {
		return nil
	}

	now := time.Now()

	switch p.Kind {
	case LRU:
		return selectBy(entries, n, func(a, b *Entry) bool {
			return a.LastAccess.Before(b.LastAccess)
		})
	case LFU:
		return selectBy(entries, n, func(a, b *Entry) bool {
			if a.AccessCount != b.AccessCount {
				return a.AccessCount < b.AccessCount
			}
			return a.LastAccess.Before(b.LastAccess)
		})
	case FIFO:
		return selectBy(entries, n, func(a, b *Entry) bool {
			return a.CreatedAt.Before(b.CreatedAt)
		})
	case TTLPreferring:
		expired := make([]string, 0, n)
		for k, e := range entries {
			if e.Expired(now) {
				expired = append(expired, k)
			}
		}
		if len(expired) >= n {
			sort.Strings(expired)
			return expired[:n]
		}
		remaining := n - len(expired)
		rest := make(map[string]*Entry, len(entries)-len(expired))
		for k, e := range entries {
			if !e.Expired(now) {
				rest[k] = e
			}
		}
		lru := selectBy(rest, remaining, func(a, b *Entry) bool {
			return a.LastAccess.Before(b.LastAccess)
		})
		return append(expired, lru...)
	case Random:
		keys := make([]string, 0, len(entries))
		for k := range entries {
			keys = append(keys, k)
		}
		rand.Shuffle(len(keys), func(i, j int) { keys[i], keys[j] = keys[j], keys[i] })
		return keys[:n]
	default:
		return nil
	}
}

// selectBy returns the n keys whose entries sort first under less.
func selectBy(entries map[string]*Entry, n int, less func(a, b *Entry) bool) []string {
	keys := make([]string, 0, len(entries))
	for k := range entries {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool { return less(entries[keys[i]], entries[keys[j]]) })
	if n > len(keys) {
		n = len(keys)
	}
	return keys[:n]
}
