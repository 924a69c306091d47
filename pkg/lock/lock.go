package lock

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// Locker hands out a lease to at most one holder at a time. A nil lease with a
// nil error means someone else holds it.
type Locker interface {
	TryAcquire(ctx context.Context) (*Lease, error)
}

// ErrLeaseLost is the cancellation cause when a lease expires underneath its holder.
var ErrLeaseLost = errors.New("lock lease lost")

// Lease is held until Release. Lost is closed if the lease expires underneath the holder.
type Lease struct {
	release  func(ctx context.Context) error
	lost     chan struct{}
	stop     chan struct{}
	once     sync.Once
	lostOnce sync.Once
}

// NewLease wraps a release func for Locker implementations.
func NewLease(release func(ctx context.Context) error) *Lease {
	return &Lease{release: release, lost: make(chan struct{}), stop: make(chan struct{})}
}

// MarkLost closes Lost. Safe to call more than once.
func (l *Lease) MarkLost() {
	l.lostOnce.Do(func() { close(l.lost) })
}

func (l *Lease) Lost() <-chan struct{} {
	return l.lost
}

func (l *Lease) Release(ctx context.Context) error {
	var err error
	l.once.Do(func() {
		close(l.stop)
		err = l.release(ctx)
	})
	return err
}

var (
	releaseScript = redis.NewScript(`
if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("del", KEYS[1])
end
return 0`)
	refreshScript = redis.NewScript(`
if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("pexpire", KEYS[1], ARGV[2])
end
return 0`)
)

// Redis is a lease lock on a single key, refreshed while held.
type Redis struct {
	client *redis.Client
	key    string
	ttl    time.Duration
}

func NewRedis(client *redis.Client, key string, ttl time.Duration) *Redis {
	return &Redis{client: client, key: key, ttl: ttl}
}

func (r *Redis) TryAcquire(ctx context.Context) (*Lease, error) {
	token := uuid.NewString()
	ok, err := r.client.SetNX(ctx, r.key, token, r.ttl).Result()
	if err != nil {
		return nil, fmt.Errorf("acquire lock %s: %w", r.key, err)
	}
	if !ok {
		return nil, nil
	}

	lease := NewLease(func(ctx context.Context) error {
		if err := releaseScript.Run(ctx, r.client, []string{r.key}, token).Err(); err != nil {
			return fmt.Errorf("release lock %s: %w", r.key, err)
		}
		return nil
	})
	go r.keepAlive(ctx, lease, token)
	return lease, nil
}

func (r *Redis) keepAlive(ctx context.Context, lease *Lease, token string) {
	ticker := time.NewTicker(r.ttl / 3)
	defer ticker.Stop()
	for {
		select {
		case <-lease.stop:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := refreshScript.Run(ctx, r.client, []string{r.key}, token, r.ttl.Milliseconds()).Int64()
			if ctx.Err() != nil || released(lease) {
				// Holder is shutting down; the key was not taken from it.
				return
			}
			if err != nil {
				zerolog.Ctx(ctx).Warn().Err(err).Str("key", r.key).Msg("failed to refresh lock")
				continue
			}
			if n == 0 {
				zerolog.Ctx(ctx).Error().Str("key", r.key).Msg("lock lost")
				lease.MarkLost()
				return
			}
		}
	}
}

func released(l *Lease) bool {
	select {
	case <-l.stop:
		return true
	default:
		return false
	}
}

// Local serializes holders inside one process. Used when no Redis is configured.
type Local struct {
	mu   sync.Mutex
	held bool
}

func (l *Local) TryAcquire(context.Context) (*Lease, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.held {
		return nil, nil
	}
	l.held = true
	return NewLease(func(context.Context) error {
		l.mu.Lock()
		l.held = false
		l.mu.Unlock()
		return nil
	}), nil
}
