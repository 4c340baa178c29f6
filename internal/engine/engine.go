// Package engine implements the persistent engine of spec.md §4.6: the
// cache engine (internal/cache) composed with a write-ahead log
// (internal/wal) and a snapshot store (internal/snapshot), providing
// crash recovery via replay.
package engine

import (
	"fmt"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/kvmesh/kvmesh/internal/cache"
	"github.com/kvmesh/kvmesh/internal/snapshot"
	"github.com/kvmesh/kvmesh/internal/wal"
	"go.uber.org/zap"
)

// Options configures a PersistentEngine. Disabling Persistent yields a
// pure in-memory cache.Engine with no WAL/snapshot overhead, per
// spec.md §6 (PERSISTENCE_ENABLED=false).
type Options struct {
	NodeID             string
	DataDir            string
	Persistent         bool
	Cache              cache.Options
	SnapshotInterval   time.Duration // default 5m
	WALFlushInterval   time.Duration // default 1000ms
	SnapshotRetain     int           // default 3
	Log                *zap.Logger
}

// PersistentEngine is the write path of spec.md §4.6: every mutation is
// appended to the WAL before it is applied to the in-memory cache, and
// periodic snapshots bound how much WAL a restart must replay.
type PersistentEngine struct {
	log   *zap.Logger
	cache *cache.Engine
	wal   *wal.Log
	store *snapshot.Store

	nodeID      string
	persistent  bool
	recovering  atomic.Bool

	snapshotInterval time.Duration
	stopScheduler    chan struct{}
	schedulerOnce    sync.Once
	schedulerDone    chan struct{}

	// writeMu serializes the WAL-append-then-mutate sequence so replay
	// always observes operations in the order they were durably recorded.
	writeMu sync.Mutex
}

// Open constructs a PersistentEngine, replaying any existing snapshot +
// WAL into the in-memory cache before returning, per spec.md §4.6
// recovery sequence.
func Open(opts Options) (*PersistentEngine, error) {
	if opts.Log == nil {
		opts.Log = zap.NewNop()
	}
	if opts.SnapshotInterval == 0 {
		opts.SnapshotInterval = 5 * time.Minute
	}
	opts.Cache.Log = opts.Log

	pe := &PersistentEngine{
		log:              opts.Log.Named("engine"),
		cache:            cache.New(opts.Cache),
		nodeID:           opts.NodeID,
		persistent:       opts.Persistent,
		snapshotInterval: opts.SnapshotInterval,
		stopScheduler:    make(chan struct{}),
		schedulerDone:    make(chan struct{}),
	}

	if !opts.Persistent {
		close(pe.schedulerDone)
		return pe, nil
	}

	walPath := filepath.Join(opts.DataDir, opts.NodeID, "wal", opts.NodeID+".wal")
	snapDir := filepath.Join(opts.DataDir, opts.NodeID, "snapshots")

	store, err := snapshot.New(snapshot.Options{Dir: snapDir, NodeID: opts.NodeID, Retain: opts.SnapshotRetain, Log: pe.log})
	if err != nil {
		return nil, fmt.Errorf("engine: open snapshot store: %w", err)
	}
	pe.store = store

	if err := pe.recover(walPath); err != nil {
		return nil, fmt.Errorf("engine: recover: %w", err)
	}

	log, err := wal.Open(wal.Options{Path: walPath, FsyncInterval: opts.WALFlushInterval, Log: pe.log})
	if err != nil {
		return nil, fmt.Errorf("engine: open wal: %w", err)
	}
	pe.wal = log

	go pe.runSnapshotScheduler()
	return pe, nil
}

// recover loads the latest snapshot (if any) then replays the WAL from
// that point forward. recovering is set for the duration so callers can
// suppress normal write-path logging noise.
func (pe *PersistentEngine) recover(walPath string) error {
	pe.recovering.Store(true)
	defer pe.recovering.Store(false)

	latest, err := pe.store.Latest()
	if err != nil {
		return fmt.Errorf("find latest snapshot: %w", err)
	}
	if latest != "" {
		_, state, err := pe.store.Load(latest)
		if err != nil {
			return fmt.Errorf("load snapshot %s: %w", latest, err)
		}
		for _, rec := range state.Strings {
			pe.cache.RestoreString(rec.Key, rec.Value, rec.ExpiresAt)
		}
		for _, rec := range state.SortedSets {
			for _, m := range rec.Members {
				pe.cache.RestoreZAdd(rec.Key, m.Name, m.Score)
			}
		}
		pe.log.Info("recovered snapshot", zap.String("path", latest), zap.Int("strings", len(state.Strings)), zap.Int("sorted_sets", len(state.SortedSets)))
	}

	applied := 0
	err = wal.Replay(walPath, pe.log, func(rec wal.Record) error {
		pe.apply(rec)
		applied++
		return nil
	})
	if err != nil {
		return fmt.Errorf("replay wal: %w", err)
	}
	pe.log.Info("recovery complete", zap.Int("wal_records_applied", applied))
	return nil
}

// apply mutates the in-memory cache for one WAL record, used both during
// replay and (implicitly, via the normal Set/Delete/etc. paths) during
// live operation.
func (pe *PersistentEngine) apply(rec wal.Record) {
	switch rec.Op {
	case wal.OpSet:
		var exp time.Time
		if rec.TTLSec >= 0 {
			exp = time.UnixMilli(rec.TSUnixMilli).Add(time.Duration(rec.TTLSec) * time.Second)
		}
		pe.cache.RestoreString(rec.Key, rec.Value, exp)
	case wal.OpDelete:
		pe.cache.Delete(rec.Key)
	case wal.OpExpire:
		pe.cache.Expire(rec.Key, time.Duration(rec.TTLSec)*time.Second)
	case wal.OpZAdd:
		pe.cache.RestoreZAdd(rec.Key, rec.Member, rec.Score)
	case wal.OpZRem:
		pe.cache.ZRem(rec.Key, rec.Member)
	}
}

// Set durably stores key, appending to the WAL before mutating the
// in-memory cache, per spec.md §4.6's write-ahead ordering.
func (pe *PersistentEngine) Set(key string, value []byte, ttl time.Duration) error {
	if !pe.persistent {
		return pe.cache.Set(key, value, ttl)
	}
	if key == "" {
		return cache.ErrEmptyKey
	}
	if ttl < 0 {
		return cache.ErrNegativeTTL
	}

	pe.writeMu.Lock()
	defer pe.writeMu.Unlock()

	ttlSec := int64(-1)
	if ttl > 0 {
		ttlSec = int64(ttl / time.Second)
	}
	if _, err := pe.wal.Append(wal.Record{Op: wal.OpSet, Key: key, Value: value, TTLSec: ttlSec}); err != nil {
		return fmt.Errorf("engine: wal append: %w", err)
	}
	return pe.cache.Set(key, value, ttl)
}

// Delete removes key, appending to the WAL before mutating the cache.
// A WAL append failure is returned to the caller rather than swallowed,
// per spec.md §7: the engine must not claim a mutation succeeded when
// its durability record didn't.
func (pe *PersistentEngine) Delete(key string) (bool, error) {
	if !pe.persistent {
		return pe.cache.Delete(key), nil
	}
	pe.writeMu.Lock()
	defer pe.writeMu.Unlock()

	if _, err := pe.wal.Append(wal.Record{Op: wal.OpDelete, Key: key}); err != nil {
		return false, fmt.Errorf("engine: wal append: %w", err)
	}
	return pe.cache.Delete(key), nil
}

// Expire sets key's TTL, appending to the WAL before mutating the
// cache. A WAL append failure is returned to the caller rather than
// swallowed, per spec.md §7.
func (pe *PersistentEngine) Expire(key string, ttl time.Duration) (bool, error) {
	if !pe.persistent {
		return pe.cache.Expire(key, ttl), nil
	}
	pe.writeMu.Lock()
	defer pe.writeMu.Unlock()

	if _, err := pe.wal.Append(wal.Record{Op: wal.OpExpire, Key: key, TTLSec: int64(ttl / time.Second)}); err != nil {
		return false, fmt.Errorf("engine: wal append: %w", err)
	}
	return pe.cache.Expire(key, ttl), nil
}

func (pe *PersistentEngine) ZAdd(key, member string, score float64) (bool, error) {
	if !pe.persistent {
		return pe.cache.ZAdd(key, member, score)
	}
	pe.writeMu.Lock()
	defer pe.writeMu.Unlock()

	if _, err := pe.wal.Append(wal.Record{Op: wal.OpZAdd, Key: key, Member: member, Score: score}); err != nil {
		return false, fmt.Errorf("engine: wal append: %w", err)
	}
	return pe.cache.ZAdd(key, member, score)
}

func (pe *PersistentEngine) ZRem(key, member string) (bool, error) {
	if !pe.persistent {
		return pe.cache.ZRem(key, member)
	}
	pe.writeMu.Lock()
	defer pe.writeMu.Unlock()

	if _, err := pe.wal.Append(wal.Record{Op: wal.OpZRem, Key: key, Member: member}); err != nil {
		return false, fmt.Errorf("engine: wal append: %w", err)
	}
	return pe.cache.ZRem(key, member)
}

// Cache exposes the read-only and read-mostly operations directly, since
// they need no WAL involvement.
func (pe *PersistentEngine) Cache() *cache.Engine { return pe.cache }

// Snapshot forces an immediate snapshot and truncates the WAL on
// success, used both by the scheduler and on graceful shutdown.
func (pe *PersistentEngine) Snapshot(epochMs int64) error {
	if !pe.persistent {
		return nil
	}
	pe.writeMu.Lock()
	defer pe.writeMu.Unlock()

	strs, sets := pe.cache.Snapshot()
	state := snapshot.State{}
	for _, s := range strs {
		state.Strings = append(state.Strings, snapshot.StringRecord{Key: s.Key, Value: s.Value, ExpiresAt: s.ExpiresAt})
	}
	for _, s := range sets {
		rec := snapshot.SortedSetRecord{Key: s.Key}
		for _, m := range s.Members {
			rec.Members = append(rec.Members, snapshot.SortedSetMember{Name: m.Name, Score: m.Score})
		}
		state.SortedSets = append(state.SortedSets, rec)
	}

	lsn := pe.wal.NextSeq() - 1
	if _, err := pe.store.Create(epochMs, lsn, state); err != nil {
		return fmt.Errorf("engine: create snapshot: %w", err)
	}
	if err := pe.wal.Truncate(); err != nil {
		return fmt.Errorf("engine: truncate wal after snapshot: %w", err)
	}
	return nil
}

func (pe *PersistentEngine) runSnapshotScheduler() {
	defer close(pe.schedulerDone)
	t := time.NewTicker(pe.snapshotInterval)
	defer t.Stop()
	for {
		select {
		case now := <-t.C:
			if err := pe.Snapshot(now.UnixMilli()); err != nil {
				pe.log.Error("scheduled snapshot failed", zap.Error(err))
			}
		case <-pe.stopScheduler:
			return
		}
	}
}

// Close stops the snapshot scheduler, takes a final snapshot, and
// closes the WAL, per spec.md §6 graceful shutdown ordering.
func (pe *PersistentEngine) Close(finalEpochMs int64) error {
	pe.cache.Close()
	if !pe.persistent {
		return nil
	}

	pe.schedulerOnce.Do(func() { close(pe.stopScheduler) })
	<-pe.schedulerDone

	if err := pe.Snapshot(finalEpochMs); err != nil {
		pe.log.Error("final snapshot failed", zap.Error(err))
	}
	return pe.wal.Close()
}
