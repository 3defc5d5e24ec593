package pool

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	goredis "github.com/redis/go-redis/v9"
	"github.com/sony/gobreaker"

	"github.com/gantry-systems/gantry/internal/suite"
	"github.com/gantry-systems/gantry/pkg/types"
)

const (
	defaultKeyPrefix = "gantry:pool:"
	defaultLeaseTTL  = 24 * time.Hour
)

// RedisPool shares one invocation's unit queue between workers through a
// Redis list. Only unit identifiers travel over the wire; every worker
// holds the full unit list and resolves claimed identifiers locally.
type RedisPool struct {
	client  *goredis.Client
	breaker *gobreaker.CircuitBreaker
	prefix  string
	poolID  string
	ttl     time.Duration
	log     *slog.Logger

	mu    sync.Mutex
	units map[string]suite.Unit
}

// NewRedisPool creates a RedisPool for poolID from connection settings.
func NewRedisPool(cfg types.RedisPoolConfig, poolID string, log *slog.Logger) *RedisPool {
	client := goredis.NewClient(&goredis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	return NewRedisPoolFromClient(client, cfg, poolID, log)
}

// NewRedisPoolFromClient creates a RedisPool over an existing client,
// useful for testing.
func NewRedisPoolFromClient(client *goredis.Client, cfg types.RedisPoolConfig, poolID string, log *slog.Logger) *RedisPool {
	if log == nil {
		log = slog.Default()
	}
	prefix := cfg.KeyPrefix
	if prefix == "" {
		prefix = defaultKeyPrefix
	}
	ttl := defaultLeaseTTL
	if cfg.LeaseTTL != "" {
		if d, err := time.ParseDuration(cfg.LeaseTTL); err == nil && d > 0 {
			ttl = d
		}
	}
	breaker := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:    "redis-pool-" + poolID,
		Timeout: 30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
	})
	return &RedisPool{
		client:  client,
		breaker: breaker,
		prefix:  prefix,
		poolID:  poolID,
		ttl:     ttl,
		log:     log,
		units:   make(map[string]suite.Unit),
	}
}

// Ping checks connectivity to the Redis server.
func (p *RedisPool) Ping(ctx context.Context) error {
	if err := p.client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("redis ping failed: %w", err)
	}
	return nil
}

// Close releases the underlying client.
func (p *RedisPool) Close() error {
	return p.client.Close()
}

func (p *RedisPool) queueKey() string {
	return p.prefix + p.poolID + ":queue"
}

func (p *RedisPool) seededKey() string {
	return p.prefix + p.poolID + ":seeded"
}

// Seed implements Pool. The first worker to mark the pool seeded pushes
// every unit identifier; later workers only register their local unit
// mapping so claims resolve.
func (p *RedisPool) Seed(ctx context.Context, units []suite.Unit) (bool, error) {
	p.register(units)
	first, err := p.client.SetNX(ctx, p.seededKey(), "1", p.ttl).Result()
	if err != nil {
		return false, fmt.Errorf("marking pool %s seeded: %w", p.poolID, err)
	}
	if !first {
		return false, nil
	}
	ids := make([]interface{}, 0, len(units))
	for _, u := range units {
		ids = append(ids, u.ID())
	}
	if len(ids) > 0 {
		if err := p.client.RPush(ctx, p.queueKey(), ids...).Err(); err != nil {
			return false, fmt.Errorf("seeding pool %s: %w", p.poolID, err)
		}
		if err := p.client.Expire(ctx, p.queueKey(), p.ttl).Err(); err != nil {
			p.log.Warn("setting pool queue ttl", "pool", p.poolID, "error", err)
		}
	}
	return true, nil
}

// Poll implements Pool. Claims run through a circuit breaker so a dying
// Redis fails the poller fast instead of hammering it per unit.
func (p *RedisPool) Poll(ctx context.Context) (suite.Unit, bool, error) {
	res, err := p.breaker.Execute(func() (interface{}, error) {
		id, err := p.client.LPop(ctx, p.queueKey()).Result()
		if errors.Is(err, goredis.Nil) {
			return "", nil
		}
		return id, err
	})
	if err != nil {
		return nil, false, fmt.Errorf("claiming from pool %s: %w", p.poolID, err)
	}
	id := res.(string)
	if id == "" {
		return nil, false, nil
	}
	unit, ok := p.lookup(id)
	if !ok {
		return nil, false, fmt.Errorf("pool %s holds unknown unit %q", p.poolID, id)
	}
	return unit, true, nil
}

// Return implements Pool. The unit goes to the back of the queue so
// sibling workers pick up fresh work first.
func (p *RedisPool) Return(ctx context.Context, unit suite.Unit) error {
	p.register([]suite.Unit{unit})
	if err := p.client.RPush(ctx, p.queueKey(), unit.ID()).Err(); err != nil {
		return fmt.Errorf("returning %s to pool %s: %w", unit.ID(), p.poolID, err)
	}
	return nil
}

func (p *RedisPool) register(units []suite.Unit) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, u := range units {
		p.units[u.ID()] = u
	}
}

func (p *RedisPool) lookup(id string) (suite.Unit, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	u, ok := p.units[id]
	return u, ok
}

var _ Pool = (*RedisPool)(nil)
