package engine

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/kvmesh/kvmesh/internal/cache"
	"github.com/kvmesh/kvmesh/internal/wal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPersistentEngine_InMemoryModeNeedsNoDataDir(t *testing.T) {
	pe, err := Open(Options{NodeID: "n1", Persistent: false})
	require.NoError(t, err)
	defer pe.Close(0)

	require.NoError(t, pe.Set("k", []byte("v"), 0))
	v, ok := pe.Cache().Get("k")
	require.True(t, ok)
	assert.Equal(t, []byte("v"), v)
}

func TestPersistentEngine_WritesSurviveRestart(t *testing.T) {
	dir := t.TempDir()

	pe1, err := Open(Options{NodeID: "n1", DataDir: dir, Persistent: true, Cache: cache.Options{SweepInterval: -1}})
	require.NoError(t, err)

	require.NoError(t, pe1.Set("foo", []byte("bar"), 0))
	require.NoError(t, pe1.Set("foo", []byte("bar2"), 0))
	_, err = pe1.ZAdd("board", "alice", 10)
	require.NoError(t, err)
	existed, err := pe1.Delete("never-set")
	require.NoError(t, err)
	assert.False(t, existed)

	require.NoError(t, pe1.Close(1000))

	pe2, err := Open(Options{NodeID: "n1", DataDir: dir, Persistent: true, Cache: cache.Options{SweepInterval: -1}})
	require.NoError(t, err)
	defer pe2.Close(2000)

	v, ok := pe2.Cache().Get("foo")
	require.True(t, ok)
	assert.Equal(t, []byte("bar2"), v)

	members, err := pe2.Cache().ZRange("board", 0, -1)
	require.NoError(t, err)
	require.Len(t, members, 1)
	assert.Equal(t, "alice", members[0].Name)
}

func TestPersistentEngine_RecoversFromSnapshotPlusWAL(t *testing.T) {
	dir := t.TempDir()

	pe1, err := Open(Options{NodeID: "n1", DataDir: dir, Persistent: true, Cache: cache.Options{SweepInterval: -1}})
	require.NoError(t, err)

	require.NoError(t, pe1.Set("a", []byte("1"), 0))
	require.NoError(t, pe1.Snapshot(1000))
	require.NoError(t, pe1.Set("b", []byte("2"), 0))
	require.NoError(t, pe1.Close(2000))

	pe2, err := Open(Options{NodeID: "n1", DataDir: dir, Persistent: true, Cache: cache.Options{SweepInterval: -1}})
	require.NoError(t, err)
	defer pe2.Close(3000)

	va, ok := pe2.Cache().Get("a")
	require.True(t, ok)
	assert.Equal(t, []byte("1"), va)

	vb, ok := pe2.Cache().Get("b")
	require.True(t, ok)
	assert.Equal(t, []byte("2"), vb)
}

func TestPersistentEngine_SnapshotTruncatesWAL(t *testing.T) {
	dir := t.TempDir()
	pe, err := Open(Options{NodeID: "n1", DataDir: dir, Persistent: true, Cache: cache.Options{SweepInterval: -1}})
	require.NoError(t, err)
	defer pe.Close(5000)

	require.NoError(t, pe.Set("a", []byte("1"), 0))
	require.NoError(t, pe.Snapshot(1000))

	// after truncation the next WAL append should start again from seq 1
	rec, err := pe.wal.Append(wal.Record{Op: wal.OpSet, Key: "b", Value: []byte("2"), TTLSec: -1})
	require.NoError(t, err)
	assert.Equal(t, uint64(1), rec.Seq)

	path := filepath.Join(dir, "n1", "snapshots")
	_, statErr := os.Stat(path)
	require.NoError(t, statErr)
}

func TestPersistentEngine_DeleteIsDurable(t *testing.T) {
	dir := t.TempDir()
	pe1, err := Open(Options{NodeID: "n1", DataDir: dir, Persistent: true, Cache: cache.Options{SweepInterval: -1}})
	require.NoError(t, err)

	require.NoError(t, pe1.Set("k", []byte("v"), 0))
	existed, err := pe1.Delete("k")
	require.NoError(t, err)
	assert.True(t, existed)
	require.NoError(t, pe1.Close(1000))

	pe2, err := Open(Options{NodeID: "n1", DataDir: dir, Persistent: true, Cache: cache.Options{SweepInterval: -1}})
	require.NoError(t, err)
	defer pe2.Close(2000)

	_, ok := pe2.Cache().Get("k")
	assert.False(t, ok)
}

func TestPersistentEngine_ExpireIsDurable(t *testing.T) {
	dir := t.TempDir()
	pe1, err := Open(Options{NodeID: "n1", DataDir: dir, Persistent: true, Cache: cache.Options{SweepInterval: -1}})
	require.NoError(t, err)

	require.NoError(t, pe1.Set("k", []byte("v"), 0))
	expired, err := pe1.Expire("k", time.Hour)
	require.NoError(t, err)
	assert.True(t, expired)
	require.NoError(t, pe1.Close(1000))

	pe2, err := Open(Options{NodeID: "n1", DataDir: dir, Persistent: true, Cache: cache.Options{SweepInterval: -1}})
	require.NoError(t, err)
	defer pe2.Close(2000)

	ttl := pe2.Cache().TTL("k")
	assert.True(t, ttl > 0)
}
