// Command kvmesh-node runs one cache-engine node: it serves the
// Redis-compatible wire protocol over TCP and, if a discovery URL is
// configured, registers itself with the discovery service so the
// routing proxy can find it.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/kvmesh/kvmesh/internal/cache"
	"github.com/kvmesh/kvmesh/internal/config"
	"github.com/kvmesh/kvmesh/internal/engine"
	"github.com/kvmesh/kvmesh/internal/logging"
	"github.com/kvmesh/kvmesh/internal/server"
	"go.uber.org/zap"
)

func main() {
	os.Exit(run())
}

// run returns the process exit code per spec.md §6: 0 normal, 1 fatal
// configuration error, 2 recovery failure.
func run() int {
	log := logging.New("kvmesh-node")
	defer log.Sync()

	cfg, err := config.Parse(os.Args[1:])
	if err != nil {
		log.Error("configuration error", zap.Error(err))
		return 1
	}

	eng, err := engine.Open(engine.Options{
		NodeID:           cfg.NodeID,
		DataDir:          cfg.DataDir,
		Persistent:       cfg.PersistenceEnabled,
		Cache:            cache.Options{Log: log},
		SnapshotInterval: cfg.SnapshotInterval,
		WALFlushInterval: cfg.WALFlushInterval,
		Log:              log,
	})
	if err != nil {
		log.Error("recovery failed", zap.Error(err))
		return 2
	}

	addr := fmt.Sprintf("%s:%d", cfg.Host, cfg.Port)
	srv := server.New(server.Options{Addr: addr, Engine: eng, Log: log})

	serveErrCh := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil {
			serveErrCh <- err
		}
	}()

	registered := registerWithDiscovery(log, cfg)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		log.Info("shutting down", zap.String("signal", sig.String()))
	case err := <-serveErrCh:
		log.Error("server failed", zap.Error(err))
	}

	if registered {
		deregisterFromDiscovery(log, cfg)
	}

	if err := srv.Close(); err != nil {
		log.Error("error closing server", zap.Error(err))
	}
	if err := eng.Close(time.Now().UnixMilli()); err != nil {
		log.Error("error closing engine", zap.Error(err))
	}
	return 0
}

// registerWithDiscovery best-effort registers this node so the proxy
// tier's discovery sync can find it. Discovery is an external
// collaborator (spec.md §1); a node that can't reach it still serves
// direct connections, so failure here is logged, not fatal.
func registerWithDiscovery(log *zap.Logger, cfg config.Config) bool {
	if cfg.DiscoveryURL == "" {
		return false
	}
	body := fmt.Sprintf(`{"nodeId":%q,"host":%q,"port":%d,"nodeType":"CACHE"}`, cfg.NodeID, cfg.Host, cfg.Port)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, cfg.DiscoveryURL+"/discovery/nodes", strings.NewReader(body))
	if err != nil {
		log.Warn("discovery registration request build failed", zap.Error(err))
		return false
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		log.Warn("discovery registration failed", zap.Error(err))
		return false
	}
	defer resp.Body.Close()
	return resp.StatusCode == http.StatusOK
}

func deregisterFromDiscovery(log *zap.Logger, cfg config.Config) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodDelete, cfg.DiscoveryURL+"/discovery/nodes/"+cfg.NodeID, nil)
	if err != nil {
		return
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		log.Warn("discovery deregistration failed", zap.Error(err))
		return
	}
	resp.Body.Close()
}
