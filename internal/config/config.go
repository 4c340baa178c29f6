// Package config resolves the node/proxy configuration from CLI flags
// with env var fallbacks, the shape spec.md §6 requires: flags win, env
// vars supply the default when a flag was not explicitly set.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	flag "github.com/spf13/pflag"
)

// Config holds the settings shared by the cache-node, discovery and
// proxy binaries. Not every field is meaningful to every binary; each
// cmd/ main reads the subset it needs.
type Config struct {
	Host                string
	Port                int
	NodeID              string
	PersistenceEnabled  bool
	DataDir             string
	SnapshotInterval    time.Duration
	WALFlushInterval    time.Duration
	MaxSnapshotSizeByte int64
	DiscoveryURL        string
	ReplicationFactor   int
	MirrorWrites        bool
}

// Defaults mirrors spec.md §4.6/§4.4 defaults.
func Defaults() Config {
	return Config{
		Host:                "0.0.0.0",
		Port:                7000,
		PersistenceEnabled:  true,
		DataDir:             "./data",
		SnapshotInterval:    5 * time.Minute,
		WALFlushInterval:    1000 * time.Millisecond,
		MaxSnapshotSizeByte: 0, // 0 = unbounded
		ReplicationFactor:   2,
	}
}

// Parse builds a Config for the cache-node binary, which must be
// addressable by a stable node-id. Flags take precedence over env vars,
// which take precedence over the built-in default.
func Parse(argv []string) (Config, error) {
	return parse(argv, true)
}

// ParseService builds a Config for the discovery and proxy binaries,
// neither of which is identified by a node-id.
func ParseService(argv []string) (Config, error) {
	return parse(argv, false)
}

func parse(argv []string, requireNodeID bool) (Config, error) {
	cfg := Defaults()

	fs := flag.NewFlagSet("kvmesh", flag.ContinueOnError)

	host := fs.String("host", envOr("HOST", cfg.Host), "bind host")
	port := fs.Int("port", envIntOr("PORT", cfg.Port), "bind port")
	nodeID := fs.String("node-id", os.Getenv("NODE_ID"), "unique node identifier")
	persistence := fs.Bool("persistence-enabled", envBoolOr("PERSISTENCE_ENABLED", cfg.PersistenceEnabled), "enable WAL + snapshot durability")
	dataDir := fs.String("data-dir", envOr("DATA_DIR", cfg.DataDir), "root directory for wal/ and snapshots/")
	discoveryURL := fs.String("discovery-url", envOr("DISCOVERY_URL", ""), "base URL of the discovery service")
	rf := fs.Int("replication-factor", envIntOr("REPLICATION_FACTOR", cfg.ReplicationFactor), "number of replicas per key")
	mirrorWrites := fs.Bool("mirror-writes", envBoolOr("MIRROR_WRITES", false), "fan out writes to every replica")

	if err := fs.Parse(argv); err != nil {
		return Config{}, fmt.Errorf("parse flags: %w", err)
	}

	cfg.Host = *host
	cfg.Port = *port
	cfg.NodeID = *nodeID
	cfg.PersistenceEnabled = *persistence
	cfg.DataDir = *dataDir
	cfg.DiscoveryURL = *discoveryURL
	cfg.ReplicationFactor = *rf
	cfg.MirrorWrites = *mirrorWrites

	if v := os.Getenv("SNAPSHOT_INTERVAL"); v != "" {
		d, err := ParseISO8601Duration(v)
		if err != nil {
			return Config{}, fmt.Errorf("SNAPSHOT_INTERVAL: %w", err)
		}
		cfg.SnapshotInterval = d
	}
	if v := os.Getenv("WAL_FLUSH_INTERVAL"); v != "" {
		d, err := ParseISO8601Duration(v)
		if err != nil {
			return Config{}, fmt.Errorf("WAL_FLUSH_INTERVAL: %w", err)
		}
		cfg.WALFlushInterval = d
	}
	if v := os.Getenv("MAX_SNAPSHOT_SIZE"); v != "" {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return Config{}, fmt.Errorf("MAX_SNAPSHOT_SIZE: %w", err)
		}
		cfg.MaxSnapshotSizeByte = n
	}

	if requireNodeID && cfg.NodeID == "" {
		return Config{}, fmt.Errorf("node-id is required")
	}

	return cfg, nil
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envIntOr(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return n
}

func envBoolOr(key string, fallback bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return fallback
	}
	return b
}
