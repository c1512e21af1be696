package lockstore

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"golang.org/x/time/rate"

	uow "github.com/goliatone/go-uow"
)

// Writer key holds the owner token; the readers set holds reader tokens.
// Both keys share a hash tag so scripts stay on one cluster slot.
var (
	acquireWriteScript = redis.NewScript(`
local w = redis.call('GET', KEYS[1])
if w and w ~= ARGV[1] then return 0 end
local readers = redis.call('SMEMBERS', KEYS[2])
for _, r in ipairs(readers) do
  if r ~= ARGV[1] then return 0 end
end
redis.call('SET', KEYS[1], ARGV[1], 'PX', ARGV[2])
return 1
`)

	acquireReadScript = redis.NewScript(`
local w = redis.call('GET', KEYS[1])
if w and w ~= ARGV[1] then return 0 end
redis.call('SADD', KEYS[2], ARGV[1])
redis.call('PEXPIRE', KEYS[2], ARGV[2])
return 1
`)

	refreshWriteScript = redis.NewScript(`
if redis.call('GET', KEYS[1]) == ARGV[1] then
  return redis.call('PEXPIRE', KEYS[1], ARGV[2])
end
return 0
`)

	refreshReadScript = redis.NewScript(`
if redis.call('SISMEMBER', KEYS[2], ARGV[1]) == 1 then
  return redis.call('PEXPIRE', KEYS[2], ARGV[2])
end
return 0
`)

	releaseWriteScript = redis.NewScript(`
if redis.call('GET', KEYS[1]) == ARGV[1] then
  return redis.call('DEL', KEYS[1])
end
return 0
`)
)

// RedisConfig tunes the Redis gateway. Held entries are refreshed every
// RefreshEvery, a third of TTL when unset, so TTL only bounds how long a
// crashed owner blocks others.
type RedisConfig struct {
	Prefix       string        `json:"prefix"`
	TTL          time.Duration `json:"ttl"`
	RefreshEvery time.Duration `json:"refresh_every"`
	RetryEvery   time.Duration `json:"retry_every"`
	Burst        int           `json:"burst"`
}

// DefaultRedisConfig returns the settings used by NewRedis.
func DefaultRedisConfig() RedisConfig {
	return RedisConfig{
		Prefix:     "uow",
		TTL:        30 * time.Second,
		RetryEvery: 25 * time.Millisecond,
		Burst:      1,
	}
}

// RedisOption customizes a Redis gateway.
type RedisOption func(*RedisConfig)

// WithPrefix namespaces every key written by the gateway.
func WithPrefix(prefix string) RedisOption {
	return func(c *RedisConfig) { c.Prefix = strings.Trim(prefix, ":") }
}

// WithTTL bounds how long an entry survives a crashed owner.
func WithTTL(d time.Duration) RedisOption {
	return func(c *RedisConfig) {
		if d > 0 {
			c.TTL = d
		}
	}
}

// WithRefreshEvery sets how often held entries have their TTL extended.
func WithRefreshEvery(d time.Duration) RedisOption {
	return func(c *RedisConfig) {
		if d > 0 {
			c.RefreshEvery = d
		}
	}
}

// WithRetryEvery sets the pause between attempts on a contended lock.
func WithRetryEvery(d time.Duration) RedisOption {
	return func(c *RedisConfig) {
		if d > 0 {
			c.RetryEvery = d
		}
	}
}

// WithRedisConfig replaces the whole configuration. Zero fields keep their
// defaults.
func WithRedisConfig(cfg RedisConfig) RedisOption {
	return func(c *RedisConfig) {
		if cfg.Prefix != "" {
			c.Prefix = strings.Trim(cfg.Prefix, ":")
		}
		if cfg.TTL > 0 {
			c.TTL = cfg.TTL
		}
		if cfg.RefreshEvery > 0 {
			c.RefreshEvery = cfg.RefreshEvery
		}
		if cfg.RetryEvery > 0 {
			c.RetryEvery = cfg.RetryEvery
		}
		if cfg.Burst > 0 {
			c.Burst = cfg.Burst
		}
	}
}

// Redis is a reader/writer lock gateway shared by every process talking to
// the same Redis deployment. Contended acquisitions are retried until ctx
// ends. Every granted key keeps a lease goroutine extending its TTL until
// Release or Close.
type Redis struct {
	rdb redis.UniversalClient
	cfg RedisConfig

	mu     sync.Mutex
	leases map[lease]context.CancelFunc
}

type lease struct {
	owner uow.ChainID
	key   uow.LockKey
}

// NewRedis builds a gateway over rdb.
func NewRedis(rdb redis.UniversalClient, opts ...RedisOption) *Redis {
	cfg := DefaultRedisConfig()
	for _, opt := range opts {
		if opt != nil {
			opt(&cfg)
		}
	}
	if cfg.RefreshEvery <= 0 || cfg.RefreshEvery >= cfg.TTL {
		cfg.RefreshEvery = cfg.TTL / 3
	}
	if cfg.RefreshEvery <= 0 {
		cfg.RefreshEvery = cfg.TTL
	}
	return &Redis{rdb: rdb, cfg: cfg, leases: make(map[lease]context.CancelFunc)}
}

// Config returns the effective settings.
func (r *Redis) Config() RedisConfig {
	return r.cfg
}

// Acquire retries until key is granted to owner or ctx ends.
func (r *Redis) Acquire(ctx context.Context, owner uow.ChainID, key uow.LockKey) error {
	if ctx == nil {
		ctx = context.Background()
	}
	script := acquireReadScript
	if key.Mode == uow.LockModeWrite {
		script = acquireWriteScript
	}
	keys := []string{r.writerKey(key.ID), r.readersKey(key.ID)}
	ttl := r.cfg.TTL.Milliseconds()

	limiter := rate.NewLimiter(rate.Every(r.cfg.RetryEvery), r.cfg.Burst)
	for {
		granted, err := script.Run(ctx, r.rdb, keys, owner.String(), ttl).Int()
		if err != nil {
			if ctxErr := contextDone(ctx); ctxErr != nil {
				return timeoutError(key, owner, ctxErr)
			}
			return fmt.Errorf("lockstore: redis acquire %s: %w", key, err)
		}
		if granted == 1 {
			r.startLease(owner, key)
			return nil
		}
		if err := limiter.Wait(ctx); err != nil {
			return timeoutError(key, owner, err)
		}
	}
}

// Release drops owner's entry for key. Releasing an entry owned by someone
// else is a no-op.
func (r *Redis) Release(ctx context.Context, owner uow.ChainID, key uow.LockKey) error {
	if ctx == nil {
		ctx = context.Background()
	}
	r.stopLease(owner, key)
	var err error
	if key.Mode == uow.LockModeWrite {
		err = releaseWriteScript.Run(ctx, r.rdb, []string{r.writerKey(key.ID)}, owner.String()).Err()
	} else {
		err = r.rdb.SRem(ctx, r.readersKey(key.ID), owner.String()).Err()
	}
	if err != nil && err != redis.Nil {
		return fmt.Errorf("lockstore: redis release %s: %w", key, err)
	}
	return nil
}

// Leases returns the number of keys currently kept alive.
func (r *Redis) Leases() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.leases)
}

// Close stops every lease. Entries then expire after TTL unless released.
func (r *Redis) Close() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for l, cancel := range r.leases {
		cancel()
		delete(r.leases, l)
	}
}

func (r *Redis) startLease(owner uow.ChainID, key uow.LockKey) {
	l := lease{owner: owner, key: key}
	ctx, cancel := context.WithCancel(context.Background())

	r.mu.Lock()
	if prev, ok := r.leases[l]; ok {
		prev()
	}
	r.leases[l] = cancel
	r.mu.Unlock()

	go r.refresh(ctx, l)
}

func (r *Redis) stopLease(owner uow.ChainID, key uow.LockKey) {
	l := lease{owner: owner, key: key}
	r.mu.Lock()
	defer r.mu.Unlock()
	if cancel, ok := r.leases[l]; ok {
		cancel()
		delete(r.leases, l)
	}
}

// refresh extends the entry behind l until ctx ends or the entry is gone.
func (r *Redis) refresh(ctx context.Context, l lease) {
	script := refreshReadScript
	if l.key.Mode == uow.LockModeWrite {
		script = refreshWriteScript
	}
	keys := []string{r.writerKey(l.key.ID), r.readersKey(l.key.ID)}
	ttl := r.cfg.TTL.Milliseconds()

	ticker := time.NewTicker(r.cfg.RefreshEvery)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		kept, err := script.Run(ctx, r.rdb, keys, l.owner.String(), ttl).Int()
		if err == nil && kept == 0 {
			// entry expired or was taken over
			r.mu.Lock()
			if ctx.Err() == nil {
				r.leases[l]()
				delete(r.leases, l)
			}
			r.mu.Unlock()
			return
		}
	}
}

func (r *Redis) writerKey(id int) string {
	return fmt.Sprintf("%s:lock:{%d}", r.cfg.Prefix, id)
}

func (r *Redis) readersKey(id int) string {
	return r.writerKey(id) + ":readers"
}
