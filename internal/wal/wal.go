package wal

import (
	"bufio"
	"fmt"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

// Options configures a Log. Durability defaults match spec.md §4.4: flush
// every write, fsync at most once per FsyncInterval.
type Options struct {
	Path          string
	FsyncInterval time.Duration
	Log           *zap.Logger
}

// Log is the append-only write-ahead log for one node's data directory.
// A single writer goroutine model is assumed per spec.md §5: callers
// serialize their own Append calls (the persistent engine holds its own
// write-path lock), so Log itself only needs to protect the file handle
// and the sequence counter from the background fsync ticker.
type Log struct {
	log  *zap.Logger
	mu   sync.Mutex
	file *os.File
	w    *bufio.Writer
	seq  atomic.Uint64

	fsyncInterval time.Duration
	stopTicker    chan struct{}
	tickerOnce    sync.Once
	dirty         atomic.Bool
}

// Open creates or appends to the WAL file at opts.Path, scanning it to
// recover the next sequence number so a restart never reuses one.
func Open(opts Options) (*Log, error) {
	if opts.Log == nil {
		opts.Log = zap.NewNop()
	}
	if opts.FsyncInterval == 0 {
		opts.FsyncInterval = 1000 * time.Millisecond
	}

	f, err := os.OpenFile(opts.Path, os.O_CREATE|os.O_RDWR|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("wal: open %s: %w", opts.Path, err)
	}

	l := &Log{
		log:           opts.Log,
		file:          f,
		w:             bufio.NewWriter(f),
		fsyncInterval: opts.FsyncInterval,
		stopTicker:    make(chan struct{}),
	}

	maxSeq, err := scanMaxSeq(opts.Path, opts.Log)
	if err != nil {
		f.Close()
		return nil, err
	}
	l.seq.Store(maxSeq)

	go l.runFsyncLoop()
	return l, nil
}

func scanMaxSeq(path string, log *zap.Logger) (uint64, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, fmt.Errorf("wal: reopen for scan %s: %w", path, err)
	}
	defer f.Close()

	var max uint64
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	for sc.Scan() {
		line := sc.Text()
		if line == "" {
			continue
		}
		rec, err := Decode(line)
		if err != nil {
			log.Warn("wal: skipping malformed record during seq scan", zap.Error(err))
			continue
		}
		if rec.Seq > max {
			max = rec.Seq
		}
	}
	return max, nil
}

func (l *Log) runFsyncLoop() {
	t := time.NewTicker(l.fsyncInterval)
	defer t.Stop()
	for {
		select {
		case <-t.C:
			if l.dirty.CompareAndSwap(true, false) {
				l.mu.Lock()
				_ = l.file.Sync()
				l.mu.Unlock()
			}
		case <-l.stopTicker:
			return
		}
	}
}

// Append assigns rec the next sequence number, writes it, flushes the
// buffered writer, and returns the assigned Record. The caller's mutation
// must not be considered durable until this returns nil.
func (l *Log) Append(rec Record) (Record, error) {
	rec.Seq = l.seq.Add(1)
	if rec.TSUnixMilli == 0 {
		rec.TSUnixMilli = time.Now().UnixMilli()
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if _, err := l.w.WriteString(rec.Encode()); err != nil {
		return Record{}, fmt.Errorf("wal: write: %w", err)
	}
	if err := l.w.WriteByte('\n'); err != nil {
		return Record{}, fmt.Errorf("wal: write: %w", err)
	}
	if err := l.w.Flush(); err != nil {
		return Record{}, fmt.Errorf("wal: flush: %w", err)
	}
	l.dirty.Store(true)
	return rec, nil
}

// Replay reads every frame in file order and invokes handler for each
// successfully decoded record. Malformed or truncated trailing frames
// (e.g. from a crash mid-write) are logged and skipped rather than
// aborting recovery, per spec.md §4.4.
func Replay(path string, log *zap.Logger, handler func(Record) error) error {
	if log == nil {
		log = zap.NewNop()
	}
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("wal: open for replay %s: %w", path, err)
	}
	defer f.Close()

	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	var applied, skipped int
	for sc.Scan() {
		line := sc.Text()
		if line == "" {
			continue
		}
		rec, err := Decode(line)
		if err != nil {
			skipped++
			log.Warn("wal: skipping malformed record during replay", zap.Error(err))
			continue
		}
		if err := handler(rec); err != nil {
			return fmt.Errorf("wal: apply record seq=%d: %w", rec.Seq, err)
		}
		applied++
	}
	if err := sc.Err(); err != nil {
		log.Warn("wal: scan stopped early, replaying what was readable", zap.Error(err))
	}
	log.Info("wal: replay complete", zap.Int("applied", applied), zap.Int("skipped", skipped))
	return nil
}

// Truncate discards all existing frames, resetting the sequence counter
// to 0. Callers must only do this immediately after a successful
// snapshot makes the discarded frames redundant.
func (l *Log) Truncate() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if err := l.file.Truncate(0); err != nil {
		return fmt.Errorf("wal: truncate: %w", err)
	}
	if _, err := l.file.Seek(0, 0); err != nil {
		return fmt.Errorf("wal: seek: %w", err)
	}
	l.w = bufio.NewWriter(l.file)
	l.seq.Store(0)
	return nil
}

// NextSeq reports the sequence number the next Append will assign.
func (l *Log) NextSeq() uint64 { return l.seq.Load() + 1 }

// Close flushes, fsyncs, and releases the underlying file handle.
func (l *Log) Close() error {
	l.tickerOnce.Do(func() { close(l.stopTicker) })

	l.mu.Lock()
	defer l.mu.Unlock()

	if err := l.w.Flush(); err != nil {
		return fmt.Errorf("wal: close flush: %w", err)
	}
	if err := l.file.Sync(); err != nil {
		return fmt.Errorf("wal: close sync: %w", err)
	}
	return l.file.Close()
}
