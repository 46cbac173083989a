package presets

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	redis "github.com/redis/go-redis/v9"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/mirkobrombin/go-lease/v1/adapter"
	"github.com/mirkobrombin/go-lease/v1/config"
	"github.com/mirkobrombin/go-lease/v1/lock"
	"github.com/mirkobrombin/go-lease/v1/syncbus"
	"github.com/mirkobrombin/go-lease/v1/watchbus"
)

// Network buses are wrapped in a circuit breaker that opens after
// breakerThreshold consecutive failures and tries the bus again after breakerTimeout.
const (
	breakerThreshold = 5
	breakerTimeout   = 30 * time.Second
)

// RedisOptions configures the connection to Redis.
type RedisOptions struct {
	Addr     string
	Password string
	DB       int
}

// Deployment is a Manager together with the store, buses and connections
// built for it. Close releases all of them.
type Deployment struct {
	Manager *lock.Manager
	Store   adapter.Store
	Bus     syncbus.Bus
	Events  watchbus.WatchBus

	closers []func() error
}

// Close closes the Manager and then every connection of the deployment in
// reverse creation order.
func (d *Deployment) Close() error {
	errs := []error{d.Manager.Close()}
	for i := len(d.closers) - 1; i >= 0; i-- {
		errs = append(errs, d.closers[i]())
	}
	d.closers = nil
	return errors.Join(errs...)
}

func (d *Deployment) onClose(fn func() error) {
	d.closers = append(d.closers, fn)
}

// closeOnErr runs the closers collected so far when building fails.
func (d *Deployment) closeOnErr() {
	for i := len(d.closers) - 1; i >= 0; i-- {
		_ = d.closers[i]()
	}
	d.closers = nil
}

func (d *Deployment) build(opts []lock.Option) error {
	base := []lock.Option{lock.WithEvents(d.Events)}
	if d.Bus != nil {
		base = append(base, lock.WithBus(d.Bus))
	}
	m, err := lock.New(d.Store, append(base, opts...)...)
	if err != nil {
		return err
	}
	d.Manager = m
	return nil
}

// NewInMemoryStandalone returns a Deployment that runs entirely in-memory
// with no external dependencies. Useful for local development and tests.
func NewInMemoryStandalone(opts ...lock.Option) (*Deployment, error) {
	d := &Deployment{
		Store:  adapter.NewInMemoryStore(),
		Bus:    syncbus.NewInMemoryBus(),
		Events: watchbus.NewInMemory(),
	}
	if err := d.build(opts); err != nil {
		return nil, err
	}
	return d, nil
}

// NewRedis returns a Deployment using Redis as lease store, release bus and
// event bus, so that every process sharing the deployment cooperates.
func NewRedis(ro RedisOptions, opts ...lock.Option) (*Deployment, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     ro.Addr,
		Password: ro.Password,
		DB:       ro.DB,
	})
	bus := syncbus.NewRedisBus(client)
	d := &Deployment{
		Store:  adapter.NewRedisStore(client),
		Bus:    syncbus.NewCircuitBreaker(bus, breakerThreshold, breakerTimeout),
		Events: watchbus.NewRedisWatchBus(client),
	}
	d.onClose(client.Close)
	d.onClose(bus.Close)
	if err := d.build(opts); err != nil {
		d.closeOnErr()
		return nil, err
	}
	return d, nil
}

// NewSQLite returns a Deployment storing leases in the SQLite database at
// dsn. Releases are only announced in-process.
func NewSQLite(dsn string, opts ...lock.Option) (*Deployment, error) {
	d := &Deployment{
		Bus:    syncbus.NewInMemoryBus(),
		Events: watchbus.NewInMemory(),
	}
	if err := d.openSQLite(dsn); err != nil {
		return nil, err
	}
	if err := d.build(opts); err != nil {
		d.closeOnErr()
		return nil, err
	}
	return d, nil
}

func (d *Deployment) openSQLite(dsn string) error {
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return fmt.Errorf("open sqlite %s: %w", dsn, err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		return err
	}
	// SQLite allows a single writer; serialising connections avoids
	// "database is locked" between the watchdog and pollers
	sqlDB.SetMaxOpenConns(1)
	d.onClose(sqlDB.Close)
	store, err := adapter.NewGormStore(db)
	if err != nil {
		d.closeOnErr()
		return err
	}
	d.Store = store
	return nil
}

// FromSettings builds the Deployment described by s. The lock configuration
// of s is applied before opts, so opts may override it.
func FromSettings(ctx context.Context, s config.Settings, opts ...lock.Option) (*Deployment, error) {
	if err := s.Validate(); err != nil {
		return nil, err
	}
	d := &Deployment{Events: watchbus.NewInMemory()}

	switch s.Backend {
	case config.BackendMemory:
		d.Store = adapter.NewInMemoryStore()
	case config.BackendRedis:
		client := redis.NewClient(&redis.Options{
			Addr:     s.RedisAddr,
			Password: s.RedisPassword,
			DB:       s.RedisDB,
		})
		d.onClose(client.Close)
		if err := client.Ping(ctx).Err(); err != nil {
			d.closeOnErr()
			return nil, fmt.Errorf("connect redis %s: %w", s.RedisAddr, err)
		}
		d.Store = adapter.NewRedisStore(client)
		d.Events = watchbus.NewRedisWatchBus(client)
	case config.BackendSQLite:
		if err := d.openSQLite(s.SQLiteDSN); err != nil {
			return nil, err
		}
	}

	if err := d.openBus(s); err != nil {
		d.closeOnErr()
		return nil, err
	}
	if err := d.build(append([]lock.Option{lock.WithConfig(s.Lock)}, opts...)); err != nil {
		d.closeOnErr()
		return nil, err
	}
	return d, nil
}

func (d *Deployment) openBus(s config.Settings) error {
	var bus syncbus.Bus
	switch s.Bus {
	case config.BusNone:
		return nil
	case config.BusMemory:
		d.Bus = syncbus.NewInMemoryBus()
		return nil
	case config.BusRedis:
		client := redis.NewClient(&redis.Options{
			Addr:     s.RedisAddr,
			Password: s.RedisPassword,
			DB:       s.RedisDB,
		})
		d.onClose(client.Close)
		rb := syncbus.NewRedisBus(client)
		d.onClose(rb.Close)
		bus = rb
	case config.BusNATS:
		conn, err := nats.Connect(s.NATSURL)
		if err != nil {
			return fmt.Errorf("connect nats %s: %w", s.NATSURL, err)
		}
		d.onClose(func() error {
			conn.Close()
			return nil
		})
		bus = syncbus.NewNATSBus(conn)
	case config.BusKafka:
		kb, err := syncbus.NewKafkaBus(s.KafkaBrokers, nil)
		if err != nil {
			return fmt.Errorf("connect kafka %v: %w", s.KafkaBrokers, err)
		}
		d.onClose(kb.Close)
		bus = kb
	}
	d.Bus = syncbus.NewCircuitBreaker(bus, breakerThreshold, breakerTimeout)
	return nil
}
