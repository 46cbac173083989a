package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"os"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	redis "github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"github.com/mirkobrombin/go-lease/v1/adapter"
	"github.com/mirkobrombin/go-lease/v1/lock"
	"github.com/mirkobrombin/go-lease/v1/metrics"
	"github.com/mirkobrombin/go-lease/v1/syncbus"
)

var (
	managers  = flag.Int("m", 4, "Number of managers, each standing for a process")
	workers   = flag.Int("c", 16, "Number of concurrent workers per manager")
	rounds    = flag.Int("n", 200, "Critical sections per worker")
	keys      = flag.Int("k", 1, "Number of contended keys")
	hold      = flag.Duration("hold", 0, "Time spent inside each critical section")
	backend   = flag.String("backend", "memory", "Lease store: memory or redis")
	redisAddr = flag.String("redis-addr", "localhost:6379", "Redis address for the redis backend")
	leaseTTL  = flag.Duration("ttl", time.Second, "Lease TTL")
	timeout   = flag.Duration("timeout", 30*time.Second, "Acquisition timeout")
)

// guard detects overlapping critical sections on a key.
type guard struct {
	inside     atomic.Int32
	violations atomic.Int64
}

func (g *guard) enter() {
	if g.inside.Add(1) != 1 {
		g.violations.Add(1)
	}
}

func (g *guard) leave() {
	g.inside.Add(-1)
}

func main() {
	flag.Parse()
	ctx := context.Background()
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))

	var store adapter.Store
	var bus syncbus.Bus
	switch *backend {
	case "memory":
		store = adapter.NewInMemoryStore()
		bus = syncbus.NewInMemoryBus()
	case "redis":
		client := redis.NewClient(&redis.Options{Addr: *redisAddr})
		defer client.Close()
		if err := client.Ping(ctx).Err(); err != nil {
			log.Fatalf("connect redis %s: %v", *redisAddr, err)
		}
		rb := syncbus.NewRedisBus(client)
		defer rb.Close()
		store, bus = adapter.NewRedisStore(client), rb
	default:
		log.Fatalf("invalid backend %s", *backend)
	}

	reg := metrics.NewRegistry()
	ms := make([]*lock.Manager, *managers)
	for i := range ms {
		var err error
		// managers share store, bus and registry; the label keeps their
		// collectors apart
		ms[i], err = lock.New(store,
			lock.WithLogger(logger),
			lock.WithBus(bus),
			lock.WithMetrics(prometheus.WrapRegistererWith(prometheus.Labels{"manager": fmt.Sprint(i)}, reg)),
		)
		if err != nil {
			log.Fatalf("manager %d: %v", i, err)
		}
		defer ms[i].Close()
	}

	guards := make([]guard, *keys)
	var (
		mu    sync.Mutex
		waits []time.Duration
	)

	log.Printf("Starting contention run: %d managers x %d workers x %d rounds on %d key(s), backend %s",
		*managers, *workers, *rounds, *keys, *backend)
	start := time.Now()

	g, gctx := errgroup.WithContext(ctx)
	for mi, m := range ms {
		for w := 0; w < *workers; w++ {
			owner := fmt.Sprintf("m%d-w%d", mi, w)
			g.Go(func() error {
				local := make([]time.Duration, 0, *rounds)
				for r := 0; r < *rounds; r++ {
					ki := (mi + w + r) % *keys
					key := fmt.Sprintf("bench:%d", ki)
					t0 := time.Now()
					err := m.Do(gctx, owner, key, *timeout, *leaseTTL, func(context.Context) error {
						local = append(local, time.Since(t0))
						guards[ki].enter()
						defer guards[ki].leave()
						if *hold > 0 {
							time.Sleep(*hold)
						}
						return nil
					})
					if err != nil {
						return fmt.Errorf("%s round %d: %w", owner, r, err)
					}
				}
				mu.Lock()
				waits = append(waits, local...)
				mu.Unlock()
				return nil
			})
		}
	}
	if err := g.Wait(); err != nil {
		log.Fatalf("run failed: %v", err)
	}
	elapsed := time.Since(start)

	var violations int64
	for i := range guards {
		violations += guards[i].violations.Load()
	}
	slices.Sort(waits)

	log.Printf("Finished %d critical sections in %v", len(waits), elapsed)
	log.Printf("Throughput: %.2f locks/s", float64(len(waits))/elapsed.Seconds())
	if len(waits) > 0 {
		log.Printf("Acquire wait p50=%v p99=%v max=%v",
			percentile(waits, 0.50), percentile(waits, 0.99), waits[len(waits)-1])
	}
	if families, err := reg.Gather(); err == nil {
		for _, f := range families {
			if f.GetName() != "lease_acquired_total" {
				continue
			}
			var total float64
			for _, metric := range f.GetMetric() {
				total += metric.GetCounter().GetValue()
			}
			log.Printf("lease_acquired_total=%.0f", total)
		}
	}
	if violations > 0 {
		log.Fatalf("mutual exclusion violated %d times", violations)
	}
	log.Println("Mutual exclusion held")
}

func percentile(sorted []time.Duration, p float64) time.Duration {
	i := int(float64(len(sorted)-1) * p)
	return sorted[i]
}
