// Command kvmesh-discovery runs the cluster discovery service: the
// node registry of spec.md §4.9 plus the health registry and prober of
// spec.md §4.8, both exposed over the HTTP surface of spec.md §6. The
// two registries are colocated in one process since both are thin and
// in-memory. The routing proxy reads only the discovery endpoints; it
// runs its own health registry and prober in-process.
package main

import (
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/kvmesh/kvmesh/internal/config"
	"github.com/kvmesh/kvmesh/internal/discovery"
	"github.com/kvmesh/kvmesh/internal/health"
	"github.com/kvmesh/kvmesh/internal/httpserver"
	"github.com/kvmesh/kvmesh/internal/logging"
	"go.uber.org/zap"
)

func main() {
	os.Exit(run())
}

func run() int {
	log := logging.New("discovery")
	defer log.Sync()

	cfg, err := config.ParseService(os.Args[1:])
	if err != nil {
		log.Error("configuration error", zap.Error(err))
		return 1
	}

	discoveryReg := discovery.New(discovery.Options{Log: log})
	healthReg := health.New(health.Options{Log: log})
	// Deferred calls run last-in first-out: discovery closes before health.
	defer healthReg.Close()
	defer discoveryReg.Close()

	r := httpserver.New(log, os.Getenv("ENV") == "dev")
	discovery.NewHandler(discoveryReg).Register(r)
	health.NewHandler(healthReg).Register(r)

	port := cfg.Port
	if port == 0 {
		port = 8500
	}
	addr := fmt.Sprintf("%s:%d", cfg.Host, port)
	srv := &http.Server{
		Addr:           addr,
		Handler:        r,
		ReadTimeout:    10 * time.Second,
		WriteTimeout:   15 * time.Second,
		IdleTimeout:    60 * time.Second,
		MaxHeaderBytes: 1 << 15,
		ErrorLog:       zap.NewStdLog(log.Named("http").WithOptions(zap.AddCallerSkip(1))),
	}

	serveErrCh := make(chan error, 1)
	go func() {
		log.Info("running discovery HTTP server", zap.String("addr", addr))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			serveErrCh <- err
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		log.Info("shutting down", zap.String("signal", sig.String()))
	case err := <-serveErrCh:
		log.Error("server failed", zap.Error(err))
		return 1
	}

	if err := srv.Close(); err != nil {
		log.Error("error closing server", zap.Error(err))
	}
	return 0
}
