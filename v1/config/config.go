package config

import (
	"fmt"
	"strings"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/mirkobrombin/go-lease/v1/lock"
)

// EnvPrefix prefixes every environment variable, e.g. LEASE_BACKEND.
const EnvPrefix = "lease"

// Backends.
const (
	BackendMemory = "memory"
	BackendRedis  = "redis"
	BackendSQLite = "sqlite"
)

// Buses.
const (
	BusNone   = "none"
	BusMemory = "memory"
	BusRedis  = "redis"
	BusNATS   = "nats"
	BusKafka  = "kafka"
)

// Settings is the resolved configuration of a lease deployment.
type Settings struct {
	Lock lock.Config

	Backend       string
	RedisAddr     string
	RedisPassword string
	RedisDB       int
	SQLiteDSN     string

	Bus          string
	NATSURL      string
	KafkaBrokers []string
}

// New returns a viper instance that reads LEASE_* environment variables.
// .env and .env.local in the working directory are loaded first when present;
// variables already set in the environment win over both files.
func New() *viper.Viper {
	_ = godotenv.Load(".env")
	_ = godotenv.Load(".env.local")

	v := viper.New()
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_", ".", "_"))
	v.AutomaticEnv()
	setDefaults(v)
	return v
}

func setDefaults(v *viper.Viper) {
	d := lock.DefaultConfig()
	v.SetDefault("prefix", d.Prefix)
	v.SetDefault("lease-ttl", d.DefaultLeaseTTL)
	v.SetDefault("timeout", d.DefaultTimeout)
	v.SetDefault("watchdog-ratio", d.WatchdogRatio)
	v.SetDefault("poll-interval", d.PollInterval)
	v.SetDefault("max-poll-retries", d.MaxPollRetries)
	v.SetDefault("op-timeout", d.OperationTimeout)
	v.SetDefault("backend", BackendMemory)
	v.SetDefault("redis-addr", "localhost:6379")
	v.SetDefault("redis-db", 0)
	v.SetDefault("sqlite-dsn", "file:lease.db")
	v.SetDefault("bus", BusNone)
	v.SetDefault("nats-url", "nats://127.0.0.1:4222")
	v.SetDefault("kafka-brokers", "localhost:9092")
}

// ReadFile merges the config file at path into v. The format follows the
// file extension.
func ReadFile(v *viper.Viper, path string) error {
	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		return fmt.Errorf("read config %s: %w", path, err)
	}
	return nil
}

// SetupFlags adds the persistent flags of every recognized key to cmd.
func SetupFlags(cmd *cobra.Command) {
	d := lock.DefaultConfig()
	f := cmd.PersistentFlags()
	f.String("config", "", "Path of a config file (yaml, json or toml)")
	f.String("prefix", d.Prefix, "Namespace prepended to every lock key")
	f.Duration("lease-ttl", d.DefaultLeaseTTL, "Default lease TTL")
	f.Duration("timeout", d.DefaultTimeout, "Default acquisition timeout")
	f.Float64("watchdog-ratio", d.WatchdogRatio, "Fraction of the TTL between watchdog renewals")
	f.Duration("poll-interval", d.PollInterval, "Pause between acquisition attempts")
	f.Int("max-poll-retries", d.MaxPollRetries, "Maximum acquisition attempts, 0 for unbounded")
	f.Duration("op-timeout", d.OperationTimeout, "Timeout of a single store call")
	f.String("backend", BackendMemory, "Lease store: memory, redis or sqlite")
	f.String("redis-addr", "localhost:6379", "Redis address")
	f.String("redis-password", "", "Redis password")
	f.Int("redis-db", 0, "Redis database")
	f.String("sqlite-dsn", "file:lease.db", "SQLite DSN of the sqlite backend")
	f.String("bus", BusNone, "Release bus: none, memory, redis, nats or kafka")
	f.String("nats-url", "nats://127.0.0.1:4222", "NATS server URL")
	f.String("kafka-brokers", "localhost:9092", "Comma-separated Kafka brokers")
}

// BindFlags binds the flags of cmd to v and reads the config file named by
// the config flag, if any.
func BindFlags(v *viper.Viper, cmd *cobra.Command) error {
	if err := v.BindPFlags(cmd.Flags()); err != nil {
		return err
	}
	if path := v.GetString("config"); path != "" {
		return ReadFile(v, path)
	}
	return nil
}

// Load resolves Settings from v.
func Load(v *viper.Viper) (Settings, error) {
	s := Settings{
		Lock: lock.Config{
			Prefix:           v.GetString("prefix"),
			DefaultLeaseTTL:  v.GetDuration("lease-ttl"),
			DefaultTimeout:   v.GetDuration("timeout"),
			WatchdogRatio:    v.GetFloat64("watchdog-ratio"),
			PollInterval:     v.GetDuration("poll-interval"),
			MaxPollRetries:   v.GetInt("max-poll-retries"),
			OperationTimeout: v.GetDuration("op-timeout"),
		},
		Backend:       strings.ToLower(v.GetString("backend")),
		RedisAddr:     v.GetString("redis-addr"),
		RedisPassword: v.GetString("redis-password"),
		RedisDB:       v.GetInt("redis-db"),
		SQLiteDSN:     v.GetString("sqlite-dsn"),
		Bus:           strings.ToLower(v.GetString("bus")),
		NATSURL:       v.GetString("nats-url"),
		KafkaBrokers:  splitList(v.GetString("kafka-brokers")),
	}
	if err := s.Validate(); err != nil {
		return Settings{}, err
	}
	return s, nil
}

// Validate reports unknown backends or buses and invalid lock tunables.
func (s Settings) Validate() error {
	switch s.Backend {
	case BackendMemory, BackendRedis, BackendSQLite:
	default:
		return fmt.Errorf("invalid backend %s", s.Backend)
	}
	switch s.Bus {
	case BusNone, BusMemory, BusRedis, BusNATS, BusKafka:
	default:
		return fmt.Errorf("invalid bus %s", s.Bus)
	}
	if s.Bus == BusKafka && len(s.KafkaBrokers) == 0 {
		return fmt.Errorf("bus kafka needs at least one broker")
	}
	return s.Lock.Validate()
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
