package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"strconv"
	"strings"
	"sync"
	"time"

	leaseerrors "github.com/mirkobrombin/go-lease/v1/errors"
	"github.com/mirkobrombin/go-lease/v1/lock"
)

// server speaks a small RESP dialect so that any Redis client can take
// leases through a Manager:
//
//	LOCK key owner [timeout-ms [ttl-ms]]  -> token
//	UNLOCK key owner                      -> 1 / 0
//	RENEW key owner [ttl-ms]              -> 1 / 0
//	LOCKED key                            -> 1 / 0
//	LOCKINFO key                          -> state line or nil
//
// Locks taken on a connection are released when it closes.
type server struct {
	m      *lock.Manager
	logger *slog.Logger
	conns  sync.WaitGroup
}

// session tracks the holds a connection still owes.
type session struct {
	holds map[string]map[string]int // key -> owner -> hold count
}

func (s *session) add(key, owner string, delta int) {
	owners := s.holds[key]
	if owners == nil {
		owners = make(map[string]int)
		s.holds[key] = owners
	}
	owners[owner] += delta
	if owners[owner] <= 0 {
		delete(owners, owner)
	}
	if len(owners) == 0 {
		delete(s.holds, key)
	}
}

func (s *session) drop(key, owner string) {
	s.add(key, owner, -s.holds[key][owner])
}

func (s *server) serve(ctx context.Context, ln net.Listener) error {
	stop := context.AfterFunc(ctx, func() { _ = ln.Close() })
	defer stop()
	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				s.conns.Wait()
				return nil
			}
			s.logger.Warn("lease: accept failed", "error", err)
			continue
		}
		s.conns.Add(1)
		go func() {
			defer s.conns.Done()
			s.handle(ctx, conn)
		}()
	}
}

func (s *server) handle(ctx context.Context, conn net.Conn) {
	closeConn := context.AfterFunc(ctx, func() { _ = conn.Close() })
	defer closeConn()
	defer conn.Close()

	sess := &session{holds: make(map[string]map[string]int)}
	defer s.releaseAll(sess)

	reader := bufio.NewReader(conn)
	r := newRESPReader(reader)
	w := newRESPWriter(bufio.NewWriter(conn))

	for {
		args, err := r.readCommand()
		if err != nil {
			if errors.Is(err, errProtocol) {
				w.writeError(err.Error())
				_ = w.flush()
			} else if !errors.Is(err, io.EOF) && !errors.Is(err, net.ErrClosed) {
				s.logger.Debug("lease: read failed", "remote", conn.RemoteAddr().String(), "error", err)
			}
			return
		}
		s.execute(ctx, sess, w, args)

		// answer pipelined commands before flushing
		for reader.Buffered() > 0 {
			args, err := r.readCommand()
			if err != nil {
				_ = w.flush()
				return
			}
			s.execute(ctx, sess, w, args)
		}
		if err := w.flush(); err != nil {
			return
		}
	}
}

// releaseAll gives back every hold the session still owns.
func (s *server) releaseAll(sess *session) {
	ctx := context.Background()
	for key, owners := range sess.holds {
		for owner, n := range owners {
			for i := 0; i < n; i++ {
				if _, err := s.m.Release(ctx, owner, key); err != nil {
					if !errors.Is(err, leaseerrors.ErrNotOwner) {
						s.logger.Warn("lease: release on disconnect failed", "key", key, "owner", owner, "error", err)
					}
					break
				}
			}
		}
	}
}

func (s *server) execute(ctx context.Context, sess *session, w *respWriter, args []string) {
	if len(args) == 0 {
		return
	}
	cmd := strings.ToUpper(args[0])
	switch cmd {
	case "LOCK":
		if len(args) < 3 || len(args) > 5 {
			w.writeError("ERR wrong number of arguments for 'lock' command")
			return
		}
		var timeout, ttl time.Duration
		var err error
		if len(args) > 3 {
			if timeout, err = millis(args[3]); err != nil {
				w.writeError(err.Error())
				return
			}
		}
		if len(args) > 4 {
			if ttl, err = millis(args[4]); err != nil {
				w.writeError(err.Error())
				return
			}
		}
		token, err := s.m.TryAcquire(ctx, args[2], args[1], timeout, ttl)
		if err != nil {
			w.writeError(replyError(err))
			return
		}
		sess.add(args[1], args[2], 1)
		w.writeBulk(token.String())
	case "UNLOCK":
		if len(args) != 3 {
			w.writeError("ERR wrong number of arguments for 'unlock' command")
			return
		}
		ok, err := s.m.Release(ctx, args[2], args[1])
		if err != nil && !errors.Is(err, leaseerrors.ErrNotOwner) {
			w.writeError(replyError(err))
			return
		}
		if err != nil {
			// the lease is gone, nothing is owed for this owner any more
			sess.drop(args[1], args[2])
		} else {
			sess.add(args[1], args[2], -1)
		}
		w.writeBool(ok)
	case "RENEW":
		if len(args) < 3 || len(args) > 4 {
			w.writeError("ERR wrong number of arguments for 'renew' command")
			return
		}
		var ttl time.Duration
		if len(args) == 4 {
			var err error
			if ttl, err = millis(args[3]); err != nil {
				w.writeError(err.Error())
				return
			}
		}
		ok, err := s.m.Renew(ctx, args[2], args[1], ttl)
		if err != nil && !errors.Is(err, leaseerrors.ErrNotOwner) {
			w.writeError(replyError(err))
			return
		}
		w.writeBool(ok)
	case "LOCKED":
		if len(args) != 2 {
			w.writeError("ERR wrong number of arguments for 'locked' command")
			return
		}
		ok, err := s.m.IsLocked(ctx, args[1])
		if err != nil {
			w.writeError(replyError(err))
			return
		}
		w.writeBool(ok)
	case "LOCKINFO":
		if len(args) != 2 {
			w.writeError("ERR wrong number of arguments for 'lockinfo' command")
			return
		}
		info, ok := s.m.LockInfo(args[1])
		if !ok {
			w.writeNull()
			return
		}
		w.writeBulk(fmt.Sprintf("owner=%s token=%s state=%s holds=%d renewals=%d expires_at=%d",
			info.Owner, info.Token, info.State, info.HoldCount, info.Renewals, info.ExpiresAt.UnixMilli()))
	case "PING":
		if len(args) > 1 {
			w.writeBulk(args[1])
		} else {
			w.writeSimple("PONG")
		}
	case "COMMAND", "CLIENT":
		w.writeSimple("OK")
	case "INFO":
		cfg := s.m.Config()
		w.writeBulk(fmt.Sprintf("# Lease\r\nprefix:%s\r\nlease_ttl_ms:%d\r\nheld:%d\r\n",
			cfg.Prefix, cfg.DefaultLeaseTTL.Milliseconds(), len(s.m.Held())))
	default:
		w.writeError(fmt.Sprintf("ERR unknown command '%s'", args[0]))
	}
}

func millis(s string) (time.Duration, error) {
	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil || n < 0 {
		return 0, fmt.Errorf("ERR invalid milliseconds '%s'", s)
	}
	return time.Duration(n) * time.Millisecond, nil
}

// replyError maps manager errors to RESP error codes.
func replyError(err error) string {
	msg := strings.NewReplacer("\r", " ", "\n", " ").Replace(err.Error())
	switch {
	case errors.Is(err, leaseerrors.ErrLockTimeout):
		return "TIMEOUT " + msg
	case errors.Is(err, leaseerrors.ErrLeaseLost):
		return "LOST " + msg
	case errors.Is(err, leaseerrors.ErrNotOwner):
		return "NOTOWNER " + msg
	case errors.Is(err, leaseerrors.ErrStoreUnavailable):
		return "UNAVAILABLE " + msg
	case errors.Is(err, leaseerrors.ErrClosed):
		return "CLOSED " + msg
	default:
		return "ERR " + msg
	}
}
