package indexlock

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/telhawk-systems/telhawk-sigma/internal/logging"
)

const (
	keyPrefix  = "sigma:index-lock:"
	defaultTTL = 30 * time.Second
)

// releaseScript deletes the lock only if this holder still owns it.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// renewScript extends the lock only if this holder still owns it.
var renewScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("PEXPIRE", KEYS[1], ARGV[2])
end
return 0
`)

// RedisLocker locks keys across processes sharing one Redis.
// The lock is renewed every ttl/3 while held; a holder that dies keeps it for at most ttl.
type RedisLocker struct {
	redis  *redis.Client
	ttl    time.Duration
	retry  time.Duration
	logger *logging.Logger
}

func NewRedisLocker(client *redis.Client, ttl, retry time.Duration, logger *logging.Logger) *RedisLocker {
	if ttl <= 0 {
		ttl = defaultTTL
	}
	if retry <= 0 {
		retry = 100 * time.Millisecond
	}
	return &RedisLocker{
		redis:  client,
		ttl:    ttl,
		retry:  retry,
		logger: logger.With(logging.Component("indexlock")),
	}
}

func (l *RedisLocker) Lock(ctx context.Context, key string) (func(), error) {
	redisKey := keyPrefix + key
	token := uuid.NewString()

	ticker := time.NewTicker(l.retry)
	defer ticker.Stop()

	for {
		ok, err := l.redis.SetNX(ctx, redisKey, token, l.ttl).Result()
		if err != nil && !errors.Is(err, redis.Nil) {
			return nil, fmt.Errorf("failed to acquire lock %s: %w", key, err)
		}
		if ok {
			return l.hold(ctx, key, redisKey, token), nil
		}

		select {
		case <-ticker.C:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// hold keeps the lock alive until the returned unlock func is called.
func (l *RedisLocker) hold(ctx context.Context, key, redisKey, token string) func() {
	renewCtx, stop := context.WithCancel(context.WithoutCancel(ctx))
	done := make(chan struct{})
	go l.renew(renewCtx, key, redisKey, token, done)

	var once sync.Once
	return func() {
		once.Do(func() {
			stop()
			<-done

			releaseCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
			defer cancel()
			if err := releaseScript.Run(releaseCtx, l.redis, []string{redisKey}, token).Err(); err != nil {
				l.logger.ErrorContext(ctx, "failed to release index lock",
					logging.Index(key),
					"ttl", l.ttl.String(),
					logging.Error(err))
			}
		})
	}
}

func (l *RedisLocker) renew(ctx context.Context, key, redisKey, token string, done chan<- struct{}) {
	defer close(done)

	ticker := time.NewTicker(l.ttl / 3)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			held, err := renewScript.Run(ctx, l.redis, []string{redisKey}, token, l.ttl.Milliseconds()).Int()
			if err != nil {
				if ctx.Err() != nil {
					return
				}
				l.logger.WarnContext(ctx, "failed to renew index lock", logging.Index(key), logging.Error(err))
				continue
			}
			if held == 0 {
				l.logger.ErrorContext(ctx, "index lock lost before release", logging.Index(key))
				return
			}
		}
	}
}
