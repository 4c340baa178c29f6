// Command kvmesh-proxy runs the routing proxy of spec.md §4.10: it
// tracks cluster membership via the discovery service, keeps a
// consistent-hash ring current, and fronts a client-facing listener
// that speaks the same wire protocol as a cache node.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/kvmesh/kvmesh/internal/config"
	"github.com/kvmesh/kvmesh/internal/logging"
	"github.com/kvmesh/kvmesh/internal/proxy"
	"go.uber.org/zap"
)

func main() {
	os.Exit(run())
}

func run() int {
	log := logging.New("proxy")
	defer log.Sync()

	cfg, err := config.ParseService(os.Args[1:])
	if err != nil {
		log.Error("configuration error", zap.Error(err))
		return 1
	}
	if cfg.DiscoveryURL == "" {
		log.Error("discovery-url is required")
		return 1
	}

	p := proxy.New(proxy.Options{
		Discovery:         proxy.NewHTTPDiscoveryClient(cfg.DiscoveryURL),
		ReplicationFactor: cfg.ReplicationFactor,
		MirrorWrites:      cfg.MirrorWrites,
		Log:               log,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	err = p.Start(ctx)
	cancel()
	if err != nil {
		log.Error("proxy start failed", zap.Error(err))
		return 2
	}
	defer p.Close()

	addr := fmt.Sprintf("%s:%d", cfg.Host, cfg.Port)
	listener := proxy.NewListener(proxy.ListenerOptions{Addr: addr, Proxy: p, Log: log})

	serveErrCh := make(chan error, 1)
	go func() {
		if err := listener.ListenAndServe(); err != nil {
			serveErrCh <- err
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		log.Info("shutting down", zap.String("signal", sig.String()))
	case err := <-serveErrCh:
		log.Error("listener failed", zap.Error(err))
	}

	if err := listener.Close(); err != nil {
		log.Error("error closing listener", zap.Error(err))
	}
	return 0
}
