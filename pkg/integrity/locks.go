package integrity

import (
	"context"
	"fmt"
	"hash/fnv"
	"sync"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"

	"github.com/avfoundry/tams/pkg/observability"
)

// Locker serializes guarded deletes of a single entity. Acquire blocks
// until the key's lock is held or ctx is done, and returns a release
// function that must be called exactly once.
type Locker interface {
	Acquire(ctx context.Context, key string) (release func(), err error)
}

type keyedLock struct {
	ch   chan struct{}
	refs int
}

type keyedShard struct {
	mu    sync.Mutex
	locks map[string]*keyedLock
}

// KeyedMutex is the in-process Locker: one lock per key, with the
// bookkeeping sharded to keep unrelated keys off one mutex. Locks for
// different keys never block each other, so a cascade holding the
// parent can take its children.
type KeyedMutex struct {
	shards []keyedShard
}

// NewKeyedMutex creates an in-process locker. shards <= 0 uses the
// default of 32.
func NewKeyedMutex(shards int) *KeyedMutex {
	if shards <= 0 {
		shards = 32
	}
	km := &KeyedMutex{shards: make([]keyedShard, shards)}
	for i := range km.shards {
		km.shards[i].locks = make(map[string]*keyedLock)
	}
	return km
}

func (m *KeyedMutex) shard(key string) *keyedShard {
	h := fnv.New32a()
	h.Write([]byte(key))
	return &m.shards[h.Sum32()%uint32(len(m.shards))]
}

// Acquire implements Locker.
func (m *KeyedMutex) Acquire(ctx context.Context, key string) (func(), error) {
	s := m.shard(key)

	s.mu.Lock()
	l, ok := s.locks[key]
	if !ok {
		l = &keyedLock{ch: make(chan struct{}, 1)}
		s.locks[key] = l
	}
	l.refs++
	s.mu.Unlock()

	release := func() {
		<-l.ch
		s.mu.Lock()
		l.refs--
		if l.refs == 0 {
			delete(s.locks, key)
		}
		s.mu.Unlock()
	}

	select {
	case l.ch <- struct{}{}:
		var once sync.Once
		return func() { once.Do(release) }, nil
	case <-ctx.Done():
		s.mu.Lock()
		l.refs--
		if l.refs == 0 {
			delete(s.locks, key)
		}
		s.mu.Unlock()
		return nil, ctx.Err()
	}
}

// releaseScript deletes the lock key only when the caller still owns
// it, so a lock that expired and was re-taken by another process is
// left alone.
var releaseScript = redis.NewScript(`
if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("del", KEYS[1])
end
return 0
`)

// RedisLocker is the multi-process Locker: SET NX with a TTL, polled
// until acquired, released only by the owner. The TTL bounds how long
// a crashed holder can block other processes.
type RedisLocker struct {
	client *redis.Client
	ttl    time.Duration
	retry  time.Duration
	logger *observability.Logger
}

// NewRedisLocker creates a Redis-backed locker. ttl <= 0 defaults to
// 30s.
func NewRedisLocker(client *redis.Client, ttl time.Duration, logger *observability.Logger) *RedisLocker {
	if ttl <= 0 {
		ttl = 30 * time.Second
	}
	if logger == nil {
		logger = observability.NewLogger(observability.InfoLevel, nil)
	}
	return &RedisLocker{
		client: client,
		ttl:    ttl,
		retry:  50 * time.Millisecond,
		logger: logger.WithComponent("redis-locker"),
	}
}

// Acquire implements Locker.
func (r *RedisLocker) Acquire(ctx context.Context, key string) (func(), error) {
	redisKey := "tams:lock:" + key
	token := uuid.NewString()

	for {
		ok, err := r.client.SetNX(ctx, redisKey, token, r.ttl).Result()
		if err != nil {
			return nil, fmt.Errorf("failed to acquire lock %s: %w", key, err)
		}
		if ok {
			break
		}

		select {
		case <-time.After(r.retry):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	var once sync.Once
	release := func() {
		once.Do(func() {
			// The caller's ctx may already be done; the release still
			// has to reach Redis.
			rctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := releaseScript.Run(rctx, r.client, []string{redisKey}, token).Err(); err != nil && err != redis.Nil {
				r.logger.WithError(err).WithField("key", key).Warn("failed to release lock")
			}
		})
	}
	return release, nil
}
