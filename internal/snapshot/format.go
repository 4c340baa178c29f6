// Package snapshot implements the binary point-in-time snapshot store of
// spec.md §4.5: periodic full-state dumps that bound WAL replay time on
// recovery, with bounded retention.
package snapshot

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"
	"time"
)

// magic identifies a kvmesh snapshot file; version allows the binary
// layout to evolve without guessing from file size.
var magic = [8]byte{'k', 'v', 'm', 'e', 's', 'h', 's', 'n'}

const formatVersion uint32 = 1

// header is the fixed 16-byte prefix: 8-byte magic + 4-byte version +
// 4-byte reserved, followed by an 8-byte big-endian LSN.
type header struct {
	Version uint32
	LSN     uint64
}

// StringRecord is one KindString entry captured in a snapshot.
type StringRecord struct {
	Key       string
	Value     []byte
	ExpiresAt time.Time // zero means no TTL
}

// SortedSetRecord is one KindSortedSet entry captured in a snapshot.
type SortedSetRecord struct {
	Key     string
	Members []SortedSetMember
}

type SortedSetMember struct {
	Name  string
	Score float64
}

// State is the full in-memory content captured by one snapshot.
type State struct {
	Strings    []StringRecord
	SortedSets []SortedSetRecord
}

func writeHeader(w io.Writer, lsn uint64) error {
	if _, err := w.Write(magic[:]); err != nil {
		return err
	}
	var buf [8]byte
	binary.BigEndian.PutUint32(buf[0:4], formatVersion)
	binary.BigEndian.PutUint32(buf[4:8], 0)
	if _, err := w.Write(buf[:]); err != nil {
		return err
	}
	var lsnBuf [8]byte
	binary.BigEndian.PutUint64(lsnBuf[:], lsn)
	_, err := w.Write(lsnBuf[:])
	return err
}

func readHeader(r io.Reader) (header, error) {
	var buf [24]byte
	if _, err := io.ReadFull(r, buf[:]); err != nil {
		return header{}, fmt.Errorf("snapshot: read header: %w", err)
	}
	for i := range magic {
		if buf[i] != magic[i] {
			return header{}, fmt.Errorf("snapshot: bad magic")
		}
	}
	ver := binary.BigEndian.Uint32(buf[8:12])
	lsn := binary.BigEndian.Uint64(buf[16:24])
	return header{Version: ver, LSN: lsn}, nil
}

func writeBytes(w *bufio.Writer, b []byte) error {
	var lenBuf [4]byte
	binary.BigEndian.PutUint32(lenBuf[:], uint32(len(b)))
	if _, err := w.Write(lenBuf[:]); err != nil {
		return err
	}
	_, err := w.Write(b)
	return err
}

func readBytes(r io.Reader) ([]byte, error) {
	var lenBuf [4]byte
	if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
		return nil, err
	}
	n := binary.BigEndian.Uint32(lenBuf[:])
	b := make([]byte, n)
	if _, err := io.ReadFull(r, b); err != nil {
		return nil, err
	}
	return b, nil
}

func writeString(w *bufio.Writer, s string) error { return writeBytes(w, []byte(s)) }

func readString(r io.Reader) (string, error) {
	b, err := readBytes(r)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// Encode writes s to w as: header, 8-byte string count, each
// StringRecord, 8-byte sorted-set count, each SortedSetRecord.
func Encode(w io.Writer, lsn uint64, s State) error {
	if err := writeHeader(w, lsn); err != nil {
		return fmt.Errorf("snapshot: write header: %w", err)
	}
	bw := bufio.NewWriter(w)

	var countBuf [8]byte
	binary.BigEndian.PutUint64(countBuf[:], uint64(len(s.Strings)))
	if _, err := bw.Write(countBuf[:]); err != nil {
		return err
	}
	for _, rec := range s.Strings {
		if err := writeString(bw, rec.Key); err != nil {
			return err
		}
		if err := writeBytes(bw, rec.Value); err != nil {
			return err
		}
		var expBuf [8]byte
		var unixMilli int64
		if !rec.ExpiresAt.IsZero() {
			unixMilli = rec.ExpiresAt.UnixMilli()
		}
		binary.BigEndian.PutUint64(expBuf[:], uint64(unixMilli))
		if _, err := bw.Write(expBuf[:]); err != nil {
			return err
		}
	}

	binary.BigEndian.PutUint64(countBuf[:], uint64(len(s.SortedSets)))
	if _, err := bw.Write(countBuf[:]); err != nil {
		return err
	}
	for _, rec := range s.SortedSets {
		if err := writeString(bw, rec.Key); err != nil {
			return err
		}
		var memCountBuf [8]byte
		binary.BigEndian.PutUint64(memCountBuf[:], uint64(len(rec.Members)))
		if _, err := bw.Write(memCountBuf[:]); err != nil {
			return err
		}
		for _, m := range rec.Members {
			if err := writeString(bw, m.Name); err != nil {
				return err
			}
			var scoreBuf [8]byte
			binary.BigEndian.PutUint64(scoreBuf[:], mathFloat64bits(m.Score))
			if _, err := bw.Write(scoreBuf[:]); err != nil {
				return err
			}
		}
	}
	return bw.Flush()
}

// Decode reads a snapshot written by Encode, returning its LSN and state.
func Decode(r io.Reader) (uint64, State, error) {
	hdr, err := readHeader(r)
	if err != nil {
		return 0, State{}, err
	}
	if hdr.Version != formatVersion {
		return 0, State{}, fmt.Errorf("snapshot: unsupported version %d", hdr.Version)
	}

	br := bufio.NewReader(r)
	var s State

	var countBuf [8]byte
	if _, err := io.ReadFull(br, countBuf[:]); err != nil {
		return 0, State{}, fmt.Errorf("snapshot: read string count: %w", err)
	}
	n := binary.BigEndian.Uint64(countBuf[:])
	if n > 0 {
		s.Strings = make([]StringRecord, 0, n)
	}
	for i := uint64(0); i < n; i++ {
		key, err := readString(br)
		if err != nil {
			return 0, State{}, fmt.Errorf("snapshot: read string key: %w", err)
		}
		val, err := readBytes(br)
		if err != nil {
			return 0, State{}, fmt.Errorf("snapshot: read string value: %w", err)
		}
		var expBuf [8]byte
		if _, err := io.ReadFull(br, expBuf[:]); err != nil {
			return 0, State{}, fmt.Errorf("snapshot: read expiry: %w", err)
		}
		unixMilli := int64(binary.BigEndian.Uint64(expBuf[:]))
		rec := StringRecord{Key: key, Value: val}
		if unixMilli != 0 {
			rec.ExpiresAt = time.UnixMilli(unixMilli)
		}
		s.Strings = append(s.Strings, rec)
	}

	if _, err := io.ReadFull(br, countBuf[:]); err != nil {
		return 0, State{}, fmt.Errorf("snapshot: read zset count: %w", err)
	}
	n = binary.BigEndian.Uint64(countBuf[:])
	if n > 0 {
		s.SortedSets = make([]SortedSetRecord, 0, n)
	}
	for i := uint64(0); i < n; i++ {
		key, err := readString(br)
		if err != nil {
			return 0, State{}, fmt.Errorf("snapshot: read zset key: %w", err)
		}
		var memCountBuf [8]byte
		if _, err := io.ReadFull(br, memCountBuf[:]); err != nil {
			return 0, State{}, fmt.Errorf("snapshot: read member count: %w", err)
		}
		memN := binary.BigEndian.Uint64(memCountBuf[:])
		members := make([]SortedSetMember, 0, memN)
		for j := uint64(0); j < memN; j++ {
			name, err := readString(br)
			if err != nil {
				return 0, State{}, fmt.Errorf("snapshot: read member name: %w", err)
			}
			var scoreBuf [8]byte
			if _, err := io.ReadFull(br, scoreBuf[:]); err != nil {
				return 0, State{}, fmt.Errorf("snapshot: read member score: %w", err)
			}
			members = append(members, SortedSetMember{Name: name, Score: mathFloat64frombits(binary.BigEndian.Uint64(scoreBuf[:]))})
		}
		s.SortedSets = append(s.SortedSets, SortedSetRecord{Key: key, Members: members})
	}

	return hdr.LSN, s, nil
}
