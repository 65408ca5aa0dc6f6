package lease

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

const releaseScript = `
if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("del", KEYS[1])
else
	return 0
end`

// RedisConfig tunes lease expiry and polling.
type RedisConfig struct {
	Prefix string
	// TTL bounds how long a crashed holder can block the key.
	TTL time.Duration
	// RetryInterval is the poll period while the key is held elsewhere.
	RetryInterval time.Duration
}

// Redis grants leases with SET NX PX so replicas sharing the datastore also
// share the lock. Release only deletes the key if it still carries the
// holder's token.
type Redis struct {
	client redis.UniversalClient
	cfg    RedisConfig
}

func NewRedis(client redis.UniversalClient, cfg RedisConfig) *Redis {
	if cfg.Prefix == "" {
		cfg.Prefix = "lease:"
	}
	if cfg.TTL <= 0 {
		cfg.TTL = 30 * time.Second
	}
	if cfg.RetryInterval <= 0 {
		cfg.RetryInterval = 50 * time.Millisecond
	}
	return &Redis{client: client, cfg: cfg}
}

func (r *Redis) Acquire(ctx context.Context, key string) (Lease, error) {
	fullKey := r.cfg.Prefix + key
	token := uuid.NewString()
	for {
		ok, err := r.client.SetNX(ctx, fullKey, token, r.cfg.TTL).Result()
		if err != nil {
			return nil, fmt.Errorf("acquire lease %s: %w", key, err)
		}
		if ok {
			return &redisLease{client: r.client, key: fullKey, token: token}, nil
		}
		timer := time.NewTimer(r.cfg.RetryInterval)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, fmt.Errorf("acquire lease %s: %w", key, ctx.Err())
		case <-timer.C:
		}
	}
}

type redisLease struct {
	client redis.UniversalClient
	key    string
	token  string

	mu       sync.Mutex
	released bool
}

func (l *redisLease) Release(ctx context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.released {
		return ErrNotHeld
	}
	l.released = true
	n, err := l.client.Eval(ctx, releaseScript, []string{l.key}, l.token).Int64()
	if err != nil {
		return fmt.Errorf("release lease %s: %w", l.key, err)
	}
	if n == 0 {
		return ErrNotHeld
	}
	return nil
}
