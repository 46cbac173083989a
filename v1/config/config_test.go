package config

import (
	"errors"
	"os"
	"path/filepath"
	"reflect"
	"testing"
	"time"

	"github.com/spf13/cobra"

	leaseerrors "github.com/mirkobrombin/go-lease/v1/errors"
	"github.com/mirkobrombin/go-lease/v1/lock"
)

func TestLoadDefaults(t *testing.T) {
	s, err := Load(New())
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if !reflect.DeepEqual(s.Lock, lock.DefaultConfig()) {
		t.Fatalf("lock config %+v, want defaults", s.Lock)
	}
	if s.Backend != BackendMemory || s.Bus != BusNone {
		t.Fatalf("backend %q bus %q", s.Backend, s.Bus)
	}
	if want := []string{"localhost:9092"}; !reflect.DeepEqual(s.KafkaBrokers, want) {
		t.Fatalf("brokers %v, want %v", s.KafkaBrokers, want)
	}
}

func TestLoadFromEnv(t *testing.T) {
	t.Setenv("LEASE_PREFIX", "jobs:")
	t.Setenv("LEASE_LEASE_TTL", "2s")
	t.Setenv("LEASE_WATCHDOG_RATIO", "0.25")
	t.Setenv("LEASE_MAX_POLL_RETRIES", "7")
	t.Setenv("LEASE_BACKEND", "Redis")
	t.Setenv("LEASE_REDIS_DB", "3")
	t.Setenv("LEASE_BUS", "kafka")
	t.Setenv("LEASE_KAFKA_BROKERS", "k1:9092, k2:9092,")

	s, err := Load(New())
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if s.Lock.Prefix != "jobs:" || s.Lock.DefaultLeaseTTL != 2*time.Second {
		t.Fatalf("unexpected lock config %+v", s.Lock)
	}
	if s.Lock.WatchdogRatio != 0.25 || s.Lock.MaxPollRetries != 7 {
		t.Fatalf("unexpected lock config %+v", s.Lock)
	}
	if s.Backend != BackendRedis || s.RedisDB != 3 {
		t.Fatalf("backend %q db %d", s.Backend, s.RedisDB)
	}
	if want := []string{"k1:9092", "k2:9092"}; !reflect.DeepEqual(s.KafkaBrokers, want) {
		t.Fatalf("brokers %v, want %v", s.KafkaBrokers, want)
	}
}

func TestLoadRejectsUnknownBackendAndBus(t *testing.T) {
	t.Setenv("LEASE_BACKEND", "etcd")
	if _, err := Load(New()); err == nil {
		t.Fatal("expected error for unknown backend")
	}

	t.Setenv("LEASE_BACKEND", "memory")
	t.Setenv("LEASE_BUS", "carrier-pigeon")
	if _, err := Load(New()); err == nil {
		t.Fatal("expected error for unknown bus")
	}
}

func TestLoadRejectsInvalidLockConfig(t *testing.T) {
	t.Setenv("LEASE_WATCHDOG_RATIO", "1.5")
	_, err := Load(New())
	if !errors.Is(err, leaseerrors.ErrInvalidArgument) {
		t.Fatalf("expected ErrInvalidArgument, got %v", err)
	}
}

func TestReadFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "lease.yaml")
	data := []byte("backend: sqlite\nsqlite-dsn: file:test.db\npoll-interval: 20ms\n")
	if err := os.WriteFile(path, data, 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}

	v := New()
	if err := ReadFile(v, path); err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	s, err := Load(v)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if s.Backend != BackendSQLite || s.SQLiteDSN != "file:test.db" {
		t.Fatalf("backend %q dsn %q", s.Backend, s.SQLiteDSN)
	}
	if s.Lock.PollInterval != 20*time.Millisecond {
		t.Fatalf("poll interval %v", s.Lock.PollInterval)
	}
}

func TestReadFileMissing(t *testing.T) {
	if err := ReadFile(New(), filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Fatal("expected error for missing file")
	}
}

func TestDotEnvFile(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, ".env"), []byte("LEASE_OP_TIMEOUT=750ms\n"), 0o600); err != nil {
		t.Fatalf("write .env: %v", err)
	}
	t.Chdir(dir)
	t.Cleanup(func() { _ = os.Unsetenv("LEASE_OP_TIMEOUT") })

	s, err := Load(New())
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if s.Lock.OperationTimeout != 750*time.Millisecond {
		t.Fatalf("op timeout %v, want 750ms", s.Lock.OperationTimeout)
	}
}

func TestFlagsOverrideEnv(t *testing.T) {
	t.Setenv("LEASE_BACKEND", "redis")

	cmd := &cobra.Command{Use: "test", RunE: func(*cobra.Command, []string) error { return nil }}
	SetupFlags(cmd)
	if err := cmd.ParseFlags([]string{"--backend", "sqlite", "--timeout", "3s"}); err != nil {
		t.Fatalf("ParseFlags: %v", err)
	}

	v := New()
	if err := BindFlags(v, cmd); err != nil {
		t.Fatalf("BindFlags: %v", err)
	}
	s, err := Load(v)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if s.Backend != BackendSQLite {
		t.Fatalf("backend %q, want sqlite", s.Backend)
	}
	if s.Lock.DefaultTimeout != 3*time.Second {
		t.Fatalf("timeout %v, want 3s", s.Lock.DefaultTimeout)
	}
}
