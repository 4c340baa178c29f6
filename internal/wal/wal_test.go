package wal

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRecord_EncodeDecodeRoundTrip(t *testing.T) {
	cases := []Record{
		{Op: OpSet, Key: "foo", Value: []byte("bar|baz\nqux"), TTLSec: -1},
		{Op: OpSet, Key: "foo", Value: []byte("v"), TTLSec: 30},
		{Op: OpDelete, Key: "foo"},
		{Op: OpExpire, Key: "foo", Value: []byte("v"), TTLSec: 60},
		{Op: OpZAdd, Key: "board", Member: "alice", Score: 10.5},
		{Op: OpZRem, Key: "board", Member: "alice"},
	}
	for _, rec := range cases {
		rec.Seq = 7
		rec.TSUnixMilli = 1234
		line := rec.Encode()
		got, err := Decode(line)
		require.NoError(t, err)
		assert.Equal(t, rec, got)
	}
}

func TestDecode_RejectsMalformedFrame(t *testing.T) {
	_, err := Decode("not-enough-fields")
	assert.Error(t, err)

	_, err = Decode("1|2|BOGUS_OP|key")
	assert.Error(t, err)
}

func TestLog_AppendAssignsGapFreeSeq(t *testing.T) {
	dir := t.TempDir()
	l, err := Open(Options{Path: filepath.Join(dir, "n1.wal")})
	require.NoError(t, err)
	defer l.Close()

	r1, err := l.Append(Record{Op: OpSet, Key: "a", Value: []byte("1"), TTLSec: -1})
	require.NoError(t, err)
	r2, err := l.Append(Record{Op: OpSet, Key: "b", Value: []byte("2"), TTLSec: -1})
	require.NoError(t, err)

	assert.Equal(t, uint64(1), r1.Seq)
	assert.Equal(t, uint64(2), r2.Seq)
}

func TestLog_ReplayAppliesInOrder(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "n1.wal")
	l, err := Open(Options{Path: path})
	require.NoError(t, err)

	_, err = l.Append(Record{Op: OpSet, Key: "a", Value: []byte("1"), TTLSec: -1})
	require.NoError(t, err)
	_, err = l.Append(Record{Op: OpSet, Key: "a", Value: []byte("2"), TTLSec: -1})
	require.NoError(t, err)
	_, err = l.Append(Record{Op: OpDelete, Key: "a"})
	require.NoError(t, err)
	require.NoError(t, l.Close())

	var seen []Record
	err = Replay(path, nil, func(r Record) error {
		seen = append(seen, r)
		return nil
	})
	require.NoError(t, err)
	require.Len(t, seen, 3)
	assert.Equal(t, OpSet, seen[0].Op)
	assert.Equal(t, OpSet, seen[1].Op)
	assert.Equal(t, OpDelete, seen[2].Op)
}

func TestLog_ReplaySkipsMalformedTrailingFrame(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "n1.wal")
	l, err := Open(Options{Path: path})
	require.NoError(t, err)
	_, err = l.Append(Record{Op: OpSet, Key: "a", Value: []byte("1"), TTLSec: -1})
	require.NoError(t, err)
	require.NoError(t, l.Close())

	// simulate a crash mid-write: append a partial, undecodable line.
	f, err := os.OpenFile(path, os.O_APPEND|os.O_WRONLY, 0o644)
	require.NoError(t, err)
	_, err = f.WriteString("99|123|SET|partial-wr")
	require.NoError(t, err)
	require.NoError(t, f.Close())

	var applied int
	err = Replay(path, nil, func(r Record) error {
		applied++
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 1, applied)
}

func TestLog_ReplayOnMissingFileIsNoop(t *testing.T) {
	err := Replay(filepath.Join(t.TempDir(), "missing.wal"), nil, func(Record) error {
		t.Fatal("handler should not be called")
		return nil
	})
	assert.NoError(t, err)
}

func TestLog_TruncateResetsSeq(t *testing.T) {
	dir := t.TempDir()
	l, err := Open(Options{Path: filepath.Join(dir, "n1.wal")})
	require.NoError(t, err)
	defer l.Close()

	_, err = l.Append(Record{Op: OpSet, Key: "a", Value: []byte("1"), TTLSec: -1})
	require.NoError(t, err)
	require.NoError(t, l.Truncate())

	r, err := l.Append(Record{Op: OpSet, Key: "b", Value: []byte("2"), TTLSec: -1})
	require.NoError(t, err)
	assert.Equal(t, uint64(1), r.Seq)
}

func TestLog_ReopenRecoversSeqFromExistingFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "n1.wal")

	l1, err := Open(Options{Path: path})
	require.NoError(t, err)
	_, err = l1.Append(Record{Op: OpSet, Key: "a", Value: []byte("1"), TTLSec: -1})
	require.NoError(t, err)
	_, err = l1.Append(Record{Op: OpSet, Key: "a", Value: []byte("2"), TTLSec: -1})
	require.NoError(t, err)
	require.NoError(t, l1.Close())

	l2, err := Open(Options{Path: path})
	require.NoError(t, err)
	defer l2.Close()

	r, err := l2.Append(Record{Op: OpSet, Key: "a", Value: []byte("3"), TTLSec: -1})
	require.NoError(t, err)
	assert.Equal(t, uint64(3), r.Seq)
}
