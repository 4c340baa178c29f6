// Package cache implements the per-node cache engine (spec.md §4.3): a
// thread-safe, sharded store for strings and sorted sets with TTL,
// pluggable eviction, and lazy + swept expiration.
package cache

import (
	"time"

	"github.com/kvmesh/kvmesh/internal/zset"
)

// Kind distinguishes what an Entry's Value holds, per spec.md §3.
type Kind int

const (
	KindString Kind = iota
	KindSortedSet
)

func (k Kind) String() string {
	if k == KindSortedSet {
		return "SORTED_SET"
	}
	return "STRING"
}

// Entry is one cache record. A string SET replaces the entry wholesale;
// the engine edits an entry in place to touch access metadata
// (LastAccess, AccessCount), to change ExpiresAt, and to add, update or
// remove sorted-set members through Set.
type Entry struct {
	Key         string
	Value       []byte // present iff Kind == KindString
	Set         *zset.SortedSet // present iff Kind == KindSortedSet
	Kind        Kind
	CreatedAt   time.Time
	ExpiresAt   time.Time // zero value means no TTL
	LastAccess  time.Time
	AccessCount uint64
}

// hasTTL reports whether the entry carries an expiration.
func (e *Entry) hasTTL() bool { return !e.ExpiresAt.IsZero() }

// Expired reports whether the entry's TTL has elapsed as of now.
func (e *Entry) Expired(now time.Time) bool {
	return e.hasTTL() && !e.ExpiresAt.After(now)
}

func (e *Entry) touch(now time.Time) {
	e.LastAccess = now
	e.AccessCount++
}
