package job

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// Leaser grants the per-job execution lease. At most one executor
// holds a job's lease at a time; the run loop releases it when the
// machine stops (terminal, suspended, or cancelled).
type Leaser interface {
	// Acquire tries to take the lease for jobID. ok is false when
	// another holder has it. The returned release func is idempotent.
	Acquire(ctx context.Context, jobID string) (release func(), ok bool, err error)
}

// LocalLeaser is the in-process lease for single-node deployments.
type LocalLeaser struct {
	mu   sync.Mutex
	held map[string]struct{}
}

// NewLocalLeaser creates an empty in-process leaser.
func NewLocalLeaser() *LocalLeaser {
	return &LocalLeaser{held: make(map[string]struct{})}
}

func (l *LocalLeaser) Acquire(ctx context.Context, jobID string) (func(), bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, taken := l.held[jobID]; taken {
		return nil, false, nil
	}
	l.held[jobID] = struct{}{}

	var once sync.Once
	release := func() {
		once.Do(func() {
			l.mu.Lock()
			delete(l.held, jobID)
			l.mu.Unlock()
		})
	}
	return release, true, nil
}

// releaseScript deletes the lease key only when the stored token still
// belongs to this holder, so an expired-and-reacquired lease is never
// released by the previous holder.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// RedisLeaser coordinates the per-job lease across processes with a
// token-fenced SET NX key. The lease auto-expires at TTL; a heartbeat
// goroutine renews it while held.
type RedisLeaser struct {
	client    *redis.Client
	keyPrefix string
	ttl       time.Duration
	logger    *zap.Logger
}

// NewRedisLeaser creates a Redis-backed leaser.
func NewRedisLeaser(client *redis.Client, keyPrefix string, ttl time.Duration, logger *zap.Logger) *RedisLeaser {
	if ttl <= 0 {
		ttl = 30 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RedisLeaser{
		client:    client,
		keyPrefix: keyPrefix,
		ttl:       ttl,
		logger:    logger.With(zap.String("component", "job_leaser")),
	}
}

func (l *RedisLeaser) key(jobID string) string {
	return l.keyPrefix + "lease:" + jobID
}

func (l *RedisLeaser) Acquire(ctx context.Context, jobID string) (func(), bool, error) {
	token := uuid.New().String()
	ok, err := l.client.SetNX(ctx, l.key(jobID), token, l.ttl).Result()
	if err != nil {
		return nil, false, err
	}
	if !ok {
		return nil, false, nil
	}

	stop := make(chan struct{})
	go l.heartbeat(jobID, token, stop)

	var once sync.Once
	release := func() {
		once.Do(func() {
			close(stop)
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := releaseScript.Run(ctx, l.client, []string{l.key(jobID)}, token).Err(); err != nil && err != redis.Nil {
				l.logger.Warn("lease release failed", zap.String("job_id", jobID), zap.Error(err))
			}
		})
	}
	return release, true, nil
}

// heartbeat renews the lease at a third of the TTL until released.
func (l *RedisLeaser) heartbeat(jobID, token string, stop <-chan struct{}) {
	ticker := time.NewTicker(l.ttl / 3)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			current, err := l.client.Get(ctx, l.key(jobID)).Result()
			if err == nil && current == token {
				err = l.client.Expire(ctx, l.key(jobID), l.ttl).Err()
			}
			cancel()
			if err != nil && err != redis.Nil {
				l.logger.Warn("lease heartbeat failed", zap.String("job_id", jobID), zap.Error(err))
			}
		}
	}
}
