package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/joseph-ayodele/listing-diagnostics/internal/common"
)

// Locker serializes work on one submission. It only prevents duplicate collaborator calls;
// correctness comes from the status compare-and-swap.
type Locker interface {
	// Lock blocks until key is held or ctx ends. The returned func releases it.
	Lock(ctx context.Context, key string) (unlock func(), err error)
}

// KeyedMutex is an in-process Locker.
type KeyedMutex struct {
	mu    sync.Mutex
	locks map[string]*keyedLock
}

type keyedLock struct {
	ch   chan struct{}
	refs int
}

func NewKeyedMutex() *KeyedMutex {
	return &KeyedMutex{locks: make(map[string]*keyedLock)}
}

func (m *KeyedMutex) Lock(ctx context.Context, key string) (func(), error) {
	m.mu.Lock()
	l, ok := m.locks[key]
	if !ok {
		l = &keyedLock{ch: make(chan struct{}, 1)}
		m.locks[key] = l
	}
	l.refs++
	m.mu.Unlock()

	select {
	case l.ch <- struct{}{}:
	case <-ctx.Done():
		m.release(key, l)
		return nil, fmt.Errorf("%w: %v", common.ErrLocked, ctx.Err())
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			<-l.ch
			m.release(key, l)
		})
	}, nil
}

func (m *KeyedMutex) release(key string, l *keyedLock) {
	m.mu.Lock()
	defer m.mu.Unlock()
	l.refs--
	if l.refs == 0 {
		delete(m.locks, key)
	}
}

// held reports the number of keys with a holder or waiter.
func (m *KeyedMutex) held() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.locks)
}

// RedisLockConfig tunes RedisLocker.
type RedisLockConfig struct {
	Prefix     string        // key prefix, default "diagnostics:lock:"
	TTL        time.Duration // lock expiry, default 10m
	RetryDelay time.Duration // wait between attempts, default 100ms
	MaxWait    time.Duration // give up after, default 30s
}

// RedisLocker is a Locker shared by every process talking to the same Redis: SET NX PX with a
// random token, released by a compare-and-delete script.
type RedisLocker struct {
	client redis.UniversalClient
	cfg    RedisLockConfig
}

var releaseScript = redis.NewScript(`
	if redis.call("get", KEYS[1]) == ARGV[1] then
		return redis.call("del", KEYS[1])
	else
		return 0
	end
`)

func NewRedisLocker(client redis.UniversalClient, cfg RedisLockConfig) *RedisLocker {
	if cfg.Prefix == "" {
		cfg.Prefix = "diagnostics:lock:"
	}
	if cfg.TTL <= 0 {
		cfg.TTL = 10 * time.Minute
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = 100 * time.Millisecond
	}
	if cfg.MaxWait <= 0 {
		cfg.MaxWait = 30 * time.Second
	}
	return &RedisLocker{client: client, cfg: cfg}
}

func (l *RedisLocker) Lock(ctx context.Context, key string) (func(), error) {
	redisKey := l.cfg.Prefix + key
	token := uuid.NewString()
	deadline := time.Now().Add(l.cfg.MaxWait)

	for {
		ok, err := l.client.SetNX(ctx, redisKey, token, l.cfg.TTL).Result()
		if err != nil {
			return nil, fmt.Errorf("acquire lock %s: %w", redisKey, err)
		}
		if ok {
			return func() {
				// Released on a fresh context so a cancelled caller still frees the key.
				rctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				_ = releaseScript.Run(rctx, l.client, []string{redisKey}, token).Err()
			}, nil
		}
		if time.Now().After(deadline) {
			return nil, fmt.Errorf("%w: %s", common.ErrLocked, key)
		}
		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("%w: %v", common.ErrLocked, ctx.Err())
		case <-time.After(l.cfg.RetryDelay):
		}
	}
}

// IsLocked reports whether err means the submission is held elsewhere.
func IsLocked(err error) bool { return errors.Is(err, common.ErrLocked) }
