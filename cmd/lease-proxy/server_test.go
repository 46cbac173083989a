package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"log/slog"
	"net"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/mirkobrombin/go-lease/v1/lock"
	"github.com/mirkobrombin/go-lease/v1/presets"
)

func startServer(t *testing.T) (*lock.Manager, string) {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	cfg := lock.DefaultConfig()
	cfg.PollInterval = 5 * time.Millisecond
	d, err := presets.NewInMemoryStandalone(lock.WithConfig(cfg), lock.WithLogger(logger))
	if err != nil {
		t.Fatalf("NewInMemoryStandalone: %v", err)
	}
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	srv := &server{m: d.Manager, logger: logger}
	done := make(chan error, 1)
	go func() { done <- srv.serve(ctx, ln) }()
	t.Cleanup(func() {
		cancel()
		if err := <-done; err != nil {
			t.Errorf("serve: %v", err)
		}
		_ = d.Close()
	})
	return d.Manager, ln.Addr().String()
}

type client struct {
	conn net.Conn
	rd   *bufio.Reader
}

func dial(t *testing.T, addr string) *client {
	t.Helper()
	conn, err := net.Dial("tcp", addr)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { _ = conn.Close() })
	return &client{conn: conn, rd: bufio.NewReader(conn)}
}

func (c *client) send(t *testing.T, raw string) string {
	t.Helper()
	if _, err := io.WriteString(c.conn, raw); err != nil {
		t.Fatalf("write: %v", err)
	}
	return c.reply(t)
}

// do sends args as a multibulk command and returns the reply line, with the
// payload in place of the length for bulk replies.
func (c *client) do(t *testing.T, args ...string) string {
	t.Helper()
	var b strings.Builder
	fmt.Fprintf(&b, "*%d\r\n", len(args))
	for _, a := range args {
		fmt.Fprintf(&b, "$%d\r\n%s\r\n", len(a), a)
	}
	return c.send(t, b.String())
}

func (c *client) reply(t *testing.T) string {
	t.Helper()
	_ = c.conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	line, err := c.rd.ReadString('\n')
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	line = strings.TrimSuffix(line, "\r\n")
	if !strings.HasPrefix(line, "$") || line == "$-1" {
		return line
	}
	n, err := strconv.Atoi(line[1:])
	if err != nil {
		t.Fatalf("bad bulk header %q", line)
	}
	data := make([]byte, n+2)
	if _, err := io.ReadFull(c.rd, data); err != nil {
		t.Fatalf("read bulk: %v", err)
	}
	return "$" + string(data[:n])
}

func TestProxyLockUnlock(t *testing.T) {
	_, addr := startServer(t)
	alice := dial(t, addr)
	bob := dial(t, addr)

	if got := alice.do(t, "PING"); got != "+PONG" {
		t.Fatalf("PING = %q", got)
	}
	token := alice.do(t, "LOCK", "order:42", "alice")
	if !strings.HasPrefix(token, "$") || len(token) < 2 {
		t.Fatalf("LOCK = %q, want a token", token)
	}
	if got := bob.do(t, "LOCKED", "order:42"); got != ":1" {
		t.Fatalf("LOCKED = %q, want :1", got)
	}
	if got := bob.do(t, "LOCK", "order:42", "bob", "50"); !strings.HasPrefix(got, "-TIMEOUT") {
		t.Fatalf("contended LOCK = %q, want TIMEOUT", got)
	}
	if got := bob.do(t, "UNLOCK", "order:42", "bob"); got != ":0" {
		t.Fatalf("non-owner UNLOCK = %q, want :0", got)
	}
	if got := alice.do(t, "RENEW", "order:42", "alice", "2000"); got != ":1" {
		t.Fatalf("RENEW = %q, want :1", got)
	}
	info := alice.do(t, "LOCKINFO", "order:42")
	if !strings.Contains(info, "owner=alice") || !strings.Contains(info, "token="+token[1:]) {
		t.Fatalf("LOCKINFO = %q", info)
	}
	if got := alice.do(t, "UNLOCK", "order:42", "alice"); got != ":1" {
		t.Fatalf("UNLOCK = %q, want :1", got)
	}
	if got := alice.do(t, "LOCKED", "order:42"); got != ":0" {
		t.Fatalf("LOCKED after UNLOCK = %q, want :0", got)
	}
	if got := alice.do(t, "LOCKINFO", "order:42"); got != "$-1" {
		t.Fatalf("LOCKINFO after UNLOCK = %q, want nil", got)
	}
}

func TestProxyReleasesOnDisconnect(t *testing.T) {
	m, addr := startServer(t)
	c := dial(t, addr)

	for i := 0; i < 2; i++ {
		if got := c.do(t, "LOCK", "job", "worker"); !strings.HasPrefix(got, "$") {
			t.Fatalf("LOCK #%d = %q", i, got)
		}
	}
	if info, ok := m.LockInfo("job"); !ok || info.HoldCount != 2 {
		t.Fatalf("LockInfo = %+v, %v; want 2 holds", info, ok)
	}
	_ = c.conn.Close()

	deadline := time.Now().Add(2 * time.Second)
	for {
		locked, err := m.IsLocked(context.Background(), "job")
		if err != nil {
			t.Fatalf("IsLocked: %v", err)
		}
		if !locked {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("lock not released after disconnect")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestProxyInlineAndErrors(t *testing.T) {
	_, addr := startServer(t)
	c := dial(t, addr)

	if got := c.send(t, "PING\r\n"); got != "+PONG" {
		t.Fatalf("inline PING = %q", got)
	}
	if got := c.do(t, "FLUSHALL"); !strings.HasPrefix(got, "-ERR unknown command") {
		t.Fatalf("unknown command = %q", got)
	}
	if got := c.do(t, "LOCK", "k"); !strings.HasPrefix(got, "-ERR wrong number") {
		t.Fatalf("short LOCK = %q", got)
	}
	if got := c.do(t, "LOCK", "k", "o", "soon"); !strings.HasPrefix(got, "-ERR invalid milliseconds") {
		t.Fatalf("bad timeout = %q", got)
	}
	if got := c.send(t, "*x\r\n"); got != "-ERR protocol error" {
		t.Fatalf("protocol error = %q", got)
	}
}
