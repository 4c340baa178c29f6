package snapshot

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"go.uber.org/zap"
)

// Store manages the snapshot files for one node's data directory:
// filename pattern "<nodeId>_<epochMs>.snapshot", newest-first retention.
type Store struct {
	dir     string
	nodeID  string
	retain  int
	log     *zap.Logger
}

// Options configures a Store. Retain defaults to 3 per spec.md §4.5.
type Options struct {
	Dir    string
	NodeID string
	Retain int
	Log    *zap.Logger
}

func New(opts Options) (*Store, error) {
	if opts.Retain <= 0 {
		opts.Retain = 3
	}
	if opts.Log == nil {
		opts.Log = zap.NewNop()
	}
	if err := os.MkdirAll(opts.Dir, 0o755); err != nil {
		return nil, fmt.Errorf("snapshot: mkdir %s: %w", opts.Dir, err)
	}
	return &Store{dir: opts.Dir, nodeID: opts.NodeID, retain: opts.Retain, log: opts.Log}, nil
}

func (s *Store) filename(epochMs int64) string {
	return filepath.Join(s.dir, fmt.Sprintf("%s_%d.snapshot", s.nodeID, epochMs))
}

// Create writes a new snapshot file for state as of lsn, stamped at
// epochMs (caller-supplied so the store stays free of wall-clock
// access), then prunes older files beyond the retention window.
func (s *Store) Create(epochMs int64, lsn uint64, state State) (string, error) {
	path := s.filename(epochMs)
	tmp := path + ".tmp"

	f, err := os.Create(tmp)
	if err != nil {
		return "", fmt.Errorf("snapshot: create %s: %w", tmp, err)
	}
	if err := Encode(f, lsn, state); err != nil {
		f.Close()
		os.Remove(tmp)
		return "", fmt.Errorf("snapshot: encode: %w", err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		os.Remove(tmp)
		return "", fmt.Errorf("snapshot: sync: %w", err)
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return "", fmt.Errorf("snapshot: close: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return "", fmt.Errorf("snapshot: rename: %w", err)
	}

	s.log.Info("snapshot created", zap.String("path", path), zap.Uint64("lsn", lsn))

	if err := s.prune(); err != nil {
		s.log.Warn("snapshot prune failed", zap.Error(err))
	}
	return path, nil
}

// entries lists this node's snapshot files, sorted ascending by
// embedded epoch (oldest first).
func (s *Store) entries() ([]string, error) {
	matches, err := filepath.Glob(filepath.Join(s.dir, s.nodeID+"_*.snapshot"))
	if err != nil {
		return nil, fmt.Errorf("snapshot: glob: %w", err)
	}
	sort.Slice(matches, func(i, j int) bool {
		return epochOf(matches[i]) < epochOf(matches[j])
	})
	return matches, nil
}

func epochOf(path string) int64 {
	base := strings.TrimSuffix(filepath.Base(path), ".snapshot")
	idx := strings.LastIndex(base, "_")
	if idx < 0 {
		return 0
	}
	n, _ := strconv.ParseInt(base[idx+1:], 10, 64)
	return n
}

func (s *Store) prune() error {
	files, err := s.entries()
	if err != nil {
		return err
	}
	if len(files) <= s.retain {
		return nil
	}
	stale := files[:len(files)-s.retain]
	for _, f := range stale {
		if err := os.Remove(f); err != nil {
			return fmt.Errorf("snapshot: remove stale %s: %w", f, err)
		}
		s.log.Info("snapshot pruned", zap.String("path", f))
	}
	return nil
}

// Latest returns the path of the newest snapshot, or "" if none exist.
func (s *Store) Latest() (string, error) {
	files, err := s.entries()
	if err != nil {
		return "", err
	}
	if len(files) == 0 {
		return "", nil
	}
	return files[len(files)-1], nil
}

// Load decodes the snapshot at path.
func (s *Store) Load(path string) (uint64, State, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, State{}, fmt.Errorf("snapshot: open %s: %w", path, err)
	}
	defer f.Close()
	return Decode(f)
}
