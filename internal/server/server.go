// Package server implements the per-node TCP listener that speaks the
// Redis-compatible text protocol of spec.md §6, dispatching each parsed
// command to a PersistentEngine. One goroutine per connection; commands
// on a single connection are processed in issue order, matching
// spec.md §5's per-connection ordering guarantee.
package server

import (
	"bufio"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/kvmesh/kvmesh/internal/engine"
	"github.com/kvmesh/kvmesh/internal/respwire"
	"github.com/kvmesh/kvmesh/internal/zset"
	"go.uber.org/zap"
)

// Options configures a Server.
type Options struct {
	Addr   string
	Engine *engine.PersistentEngine
	Log    *zap.Logger
}

// Server accepts connections and dispatches framed commands to Engine.
type Server struct {
	addr string
	eng  *engine.PersistentEngine
	log  *zap.Logger

	mu       sync.Mutex
	listener net.Listener
	wg       sync.WaitGroup
}

func New(opts Options) *Server {
	log := opts.Log
	if log == nil {
		log = zap.NewNop()
	}
	return &Server{addr: opts.Addr, eng: opts.Engine, log: log.Named("server")}
}

// ListenAndServe binds the listener and serves connections until Close
// is called or a non-transient Accept error occurs.
func (s *Server) ListenAndServe() error {
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("server: listen %s: %w", s.addr, err)
	}
	s.mu.Lock()
	s.listener = ln
	s.mu.Unlock()

	s.log.Info("listening", zap.String("addr", s.addr))
	for {
		conn, err := ln.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return nil
			}
			return fmt.Errorf("server: accept: %w", err)
		}
		s.wg.Add(1)
		go s.handle(conn)
	}
}

// Close stops accepting new connections and waits for every accepted
// connection's handler to return. A handler returns only when its client
// disconnects or an IO error occurs; Close does not close open
// connections, so it blocks while any client stays connected.
func (s *Server) Close() error {
	s.mu.Lock()
	ln := s.listener
	s.mu.Unlock()
	if ln == nil {
		return nil
	}
	err := ln.Close()
	s.wg.Wait()
	return err
}

func (s *Server) handle(conn net.Conn) {
	defer s.wg.Done()
	defer conn.Close()

	r := bufio.NewReader(conn)
	w := bufio.NewWriter(conn)

	for {
		_ = conn.SetReadDeadline(time.Time{})
		cmd, err := respwire.ReadCommand(r)
		if err != nil {
			return
		}
		if cmd.Verb == "" {
			continue
		}

		reply := Dispatch(s.eng, cmd)
		if err := reply.WriteTo(w); err != nil {
			return
		}
		if err := w.Flush(); err != nil {
			return
		}
	}
}

// Dispatch executes one parsed command against eng and returns the
// reply, per spec.md §6's required verb set.
func Dispatch(eng *engine.PersistentEngine, cmd respwire.Command) respwire.Reply {
	switch cmd.Verb {
	case "PING":
		return respwire.Pong()
	case "SET":
		return dispatchSet(eng, cmd.Args)
	case "GET":
		return dispatchGet(eng, cmd.Args)
	case "DEL":
		return dispatchDel(eng, cmd.Args)
	case "EXISTS":
		return dispatchExists(eng, cmd.Args)
	case "TTL":
		return dispatchTTL(eng, cmd.Args)
	case "EXPIRE":
		return dispatchExpire(eng, cmd.Args)
	case "ZADD":
		return dispatchZAdd(eng, cmd.Args)
	case "ZREM":
		return dispatchZRem(eng, cmd.Args)
	case "ZSCORE":
		return dispatchZScore(eng, cmd.Args)
	case "ZRANGE":
		return dispatchZRange(eng, cmd.Args, false)
	case "ZREVRANGE":
		return dispatchZRange(eng, cmd.Args, true)
	case "ZRANGEBYSCORE":
		return dispatchZRangeByScore(eng, cmd.Args)
	case "ZINCRBY":
		return dispatchZIncrBy(eng, cmd.Args)
	case "ZCARD":
		return dispatchZCard(eng, cmd.Args)
	case "FLUSH":
		eng.Cache().Flush()
		return respwire.OK()
	default:
		return respwire.ErrorF("unknown command %q", cmd.Verb)
	}
}

func dispatchSet(eng *engine.PersistentEngine, args []string) respwire.Reply {
	if len(args) < 2 {
		return respwire.Error("wrong number of arguments for SET")
	}
	key, value := args[0], args[1]
	var ttl time.Duration
	if len(args) >= 4 && args[2] == "EX" {
		sec, err := respwire.ParseInt(args[3])
		if err != nil || sec < 0 {
			return respwire.Error("invalid EX value")
		}
		ttl = time.Duration(sec) * time.Second
	}
	if err := eng.Set(key, []byte(value), ttl); err != nil {
		return respwire.Error(err.Error())
	}
	return respwire.OK()
}

func dispatchGet(eng *engine.PersistentEngine, args []string) respwire.Reply {
	if len(args) != 1 {
		return respwire.Error("wrong number of arguments for GET")
	}
	v, ok := eng.Cache().Get(args[0])
	if !ok {
		return respwire.NilBulk()
	}
	return respwire.Bulk(v)
}

func dispatchDel(eng *engine.PersistentEngine, args []string) respwire.Reply {
	if len(args) != 1 {
		return respwire.Error("wrong number of arguments for DEL")
	}
	existed, err := eng.Delete(args[0])
	if err != nil {
		return respwire.Error(err.Error())
	}
	if existed {
		return respwire.Integer(1)
	}
	return respwire.Integer(0)
}

func dispatchExists(eng *engine.PersistentEngine, args []string) respwire.Reply {
	if len(args) != 1 {
		return respwire.Error("wrong number of arguments for EXISTS")
	}
	if eng.Cache().Exists(args[0]) {
		return respwire.Integer(1)
	}
	return respwire.Integer(0)
}

func dispatchTTL(eng *engine.PersistentEngine, args []string) respwire.Reply {
	if len(args) != 1 {
		return respwire.Error("wrong number of arguments for TTL")
	}
	return respwire.Integer(eng.Cache().TTL(args[0]))
}

func dispatchExpire(eng *engine.PersistentEngine, args []string) respwire.Reply {
	if len(args) != 2 {
		return respwire.Error("wrong number of arguments for EXPIRE")
	}
	sec, err := respwire.ParseInt(args[1])
	if err != nil || sec <= 0 {
		return respwire.Error("invalid TTL")
	}
	expired, err := eng.Expire(args[0], time.Duration(sec)*time.Second)
	if err != nil {
		return respwire.Error(err.Error())
	}
	if expired {
		return respwire.Integer(1)
	}
	return respwire.Integer(0)
}

func dispatchZAdd(eng *engine.PersistentEngine, args []string) respwire.Reply {
	if len(args) != 3 {
		return respwire.Error("wrong number of arguments for ZADD")
	}
	score, err := respwire.ParseFloat(args[1])
	if err != nil {
		return respwire.Error("invalid score")
	}
	isNew, err := eng.ZAdd(args[0], args[2], score)
	if err != nil {
		return respwire.Error(err.Error())
	}
	if isNew {
		return respwire.Integer(1)
	}
	return respwire.Integer(0)
}

func dispatchZRem(eng *engine.PersistentEngine, args []string) respwire.Reply {
	if len(args) != 2 {
		return respwire.Error("wrong number of arguments for ZREM")
	}
	removed, err := eng.ZRem(args[0], args[1])
	if err != nil {
		return respwire.Error(err.Error())
	}
	if removed {
		return respwire.Integer(1)
	}
	return respwire.Integer(0)
}

func dispatchZScore(eng *engine.PersistentEngine, args []string) respwire.Reply {
	if len(args) != 2 {
		return respwire.Error("wrong number of arguments for ZSCORE")
	}
	score, found, err := eng.Cache().ZScore(args[0], args[1])
	if err != nil {
		return respwire.Error(err.Error())
	}
	if !found {
		return respwire.NilBulk()
	}
	return respwire.Bulk([]byte(formatScore(score)))
}

func dispatchZRange(eng *engine.PersistentEngine, args []string, reverse bool) respwire.Reply {
	if len(args) < 3 {
		return respwire.Error("wrong number of arguments for ZRANGE")
	}
	a, err1 := respwire.ParseInt(args[1])
	b, err2 := respwire.ParseInt(args[2])
	if err1 != nil || err2 != nil {
		return respwire.Error("invalid range")
	}
	withScores := len(args) >= 4 && args[3] == "WITHSCORES"

	var members []zset.Member
	var err error
	if reverse {
		members, err = eng.Cache().ZRevRange(args[0], int(a), int(b))
	} else {
		members, err = eng.Cache().ZRange(args[0], int(a), int(b))
	}
	if err != nil {
		return respwire.Error(err.Error())
	}
	return membersToReply(members, withScores)
}

func dispatchZRangeByScore(eng *engine.PersistentEngine, args []string) respwire.Reply {
	if len(args) < 3 {
		return respwire.Error("wrong number of arguments for ZRANGEBYSCORE")
	}
	lo, err1 := respwire.ParseFloat(args[1])
	hi, err2 := respwire.ParseFloat(args[2])
	if err1 != nil || err2 != nil {
		return respwire.Error("invalid score range")
	}
	withScores := len(args) >= 4 && args[3] == "WITHSCORES"
	members, err := eng.Cache().ZRangeByScore(args[0], lo, hi)
	if err != nil {
		return respwire.Error(err.Error())
	}
	return membersToReply(members, withScores)
}

func dispatchZIncrBy(eng *engine.PersistentEngine, args []string) respwire.Reply {
	if len(args) != 3 {
		return respwire.Error("wrong number of arguments for ZINCRBY")
	}
	delta, err := respwire.ParseFloat(args[1])
	if err != nil {
		return respwire.Error("invalid delta")
	}
	newScore, err := eng.Cache().ZIncrBy(args[0], args[2], delta)
	if err != nil {
		return respwire.Error(err.Error())
	}
	return respwire.Bulk([]byte(formatScore(newScore)))
}

func dispatchZCard(eng *engine.PersistentEngine, args []string) respwire.Reply {
	if len(args) != 1 {
		return respwire.Error("wrong number of arguments for ZCARD")
	}
	card, err := eng.Cache().ZCard(args[0])
	if err != nil {
		return respwire.Error(err.Error())
	}
	return respwire.Integer(int64(card))
}

func membersToReply(members []zset.Member, withScores bool) respwire.Reply {
	items := make([]respwire.Reply, 0, len(members)*2)
	for _, m := range members {
		items = append(items, respwire.Bulk([]byte(m.Name)))
		if withScores {
			items = append(items, respwire.Bulk([]byte(formatScore(m.Score))))
		}
	}
	return respwire.Array(items...)
}

func formatScore(f float64) string {
	return fmt.Sprintf("%g", f)
}
