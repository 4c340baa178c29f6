package proxy

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/kvmesh/kvmesh/internal/respwire"
	"go.uber.org/zap"
)

// ListenerOptions configures the proxy's client-facing TCP listener. It
// speaks the same wire protocol as a cache node (internal/respwire),
// so existing clients need no changes to talk through the proxy tier
// instead of directly to a node, per spec.md §4.10.
type ListenerOptions struct {
	Addr  string
	Proxy *Proxy
	Log   *zap.Logger
}

// Listener is the client-facing front door of the routing proxy.
type Listener struct {
	addr string
	prox *Proxy
	log  *zap.Logger

	mu       sync.Mutex
	listener net.Listener
	wg       sync.WaitGroup
}

func NewListener(opts ListenerOptions) *Listener {
	log := opts.Log
	if log == nil {
		log = zap.NewNop()
	}
	return &Listener{addr: opts.Addr, prox: opts.Proxy, log: log.Named("proxy-listener")}
}

func (l *Listener) ListenAndServe() error {
	ln, err := net.Listen("tcp", l.addr)
	if err != nil {
		return fmt.Errorf("proxy listener: listen %s: %w", l.addr, err)
	}
	l.mu.Lock()
	l.listener = ln
	l.mu.Unlock()

	l.log.Info("listening", zap.String("addr", l.addr))
	for {
		conn, err := ln.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return nil
			}
			return fmt.Errorf("proxy listener: accept: %w", err)
		}
		l.wg.Add(1)
		go l.handle(conn)
	}
}

func (l *Listener) Close() error {
	l.mu.Lock()
	ln := l.listener
	l.mu.Unlock()
	if ln == nil {
		return nil
	}
	err := ln.Close()
	l.wg.Wait()
	return err
}

func (l *Listener) handle(conn net.Conn) {
	defer l.wg.Done()
	defer conn.Close()

	r := bufio.NewReader(conn)
	w := bufio.NewWriter(conn)

	for {
		cmd, err := respwire.ReadCommand(r)
		if err != nil {
			return
		}
		if cmd.Verb == "" {
			continue
		}

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		reply := l.route(ctx, cmd)
		cancel()

		if err := reply.WriteTo(w); err != nil {
			return
		}
		if err := w.Flush(); err != nil {
			return
		}
	}
}

// route dispatches one command to the appropriate cache node(s),
// distinguishing reads (single dispatch, failover across replicas) from
// writes (optionally mirrored to every replica) per spec.md §4.10.3/4.
func (l *Listener) route(ctx context.Context, cmd respwire.Command) respwire.Reply {
	switch cmd.Verb {
	case "PING":
		return respwire.Pong()
	case "FLUSH":
		return l.broadcast(ctx, cmd)
	}

	key, ok := keyOf(cmd)
	if !ok {
		return respwire.ErrorF("unknown command %q", cmd.Verb)
	}

	var (
		reply respwire.Reply
		err   error
	)
	if isWrite(cmd.Verb) {
		reply, err = l.prox.DispatchWrite(ctx, key, cmd)
	} else {
		reply, err = l.prox.Dispatch(ctx, key, cmd)
	}
	if err != nil {
		return respwire.Error(err.Error())
	}
	return reply
}

// broadcast fans FLUSH out to every healthy node currently in the ring,
// since it carries no key to route by; nodes the health registry reports
// unhealthy are skipped. Best-effort: a node that can't be reached is
// logged and skipped rather than failing the whole command.
func (l *Listener) broadcast(ctx context.Context, cmd respwire.Command) respwire.Reply {
	nodeIDs := l.prox.ring.Nodes()
	var lastErr error
	ok := 0
	for _, nodeID := range nodeIDs {
		if !l.prox.health.IsHealthy(nodeID) {
			continue
		}
		if _, err := l.prox.dispatchTo(nodeID, cmd); err != nil {
			lastErr = err
			l.log.Warn("broadcast failed", zap.String("node_id", nodeID), zap.Error(err))
			continue
		}
		ok++
	}
	if ok == 0 && lastErr != nil {
		return respwire.Error(lastErr.Error())
	}
	return respwire.OK()
}

// keyOf extracts the routing key from a command's first argument, true
// for every verb spec.md §6 requires except PING/FLUSH.
func keyOf(cmd respwire.Command) (string, bool) {
	switch cmd.Verb {
	case "SET", "GET", "DEL", "EXISTS", "TTL", "EXPIRE",
		"ZADD", "ZREM", "ZSCORE", "ZRANGE", "ZREVRANGE",
		"ZRANGEBYSCORE", "ZINCRBY", "ZCARD":
		if len(cmd.Args) == 0 {
			return "", false
		}
		return cmd.Args[0], true
	default:
		return "", false
	}
}

func isWrite(verb string) bool {
	switch verb {
	case "SET", "DEL", "EXPIRE", "ZADD", "ZREM", "ZINCRBY":
		return true
	default:
		return false
	}
}
