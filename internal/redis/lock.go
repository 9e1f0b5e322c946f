package redisclient

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/hackgods/clinic-queue/internal/queue"
)

const lockRetryInterval = 25 * time.Millisecond

type clinicLocker struct {
	client *redis.Client
	ttl    time.Duration
	wait   time.Duration
}

// NewClinicLocker creates a queue.Locker backed by one Redis key per
// clinic. Callers poll for the key until wait elapses; the key expires
// after ttl so a crashed holder cannot wedge the clinic.
func NewClinicLocker(client *redis.Client, ttl, wait time.Duration) queue.Locker {
	return &clinicLocker{
		client: client,
		ttl:    ttl,
		wait:   wait,
	}
}

func lockKey(clinicID uuid.UUID) string {
	return fmt.Sprintf("lock:clinic:%s", clinicID.String())
}

func (l *clinicLocker) WithClinicLock(ctx context.Context, clinicID uuid.UUID, fn func(ctx context.Context) error) error {
	key := lockKey(clinicID)
	token := uuid.NewString()

	if err := l.acquire(ctx, key, token); err != nil {
		return err
	}

	defer func() {
		// release on a fresh context: the caller's may already be done
		releaseCtx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = l.release(releaseCtx, key, token)
	}()

	ctxWithTimeout, cancel := context.WithTimeout(ctx, l.ttl)
	defer cancel()

	return fn(ctxWithTimeout)
}

func (l *clinicLocker) acquire(ctx context.Context, key, token string) error {
	waitCtx, cancel := context.WithTimeout(ctx, l.wait)
	defer cancel()

	ticker := time.NewTicker(lockRetryInterval)
	defer ticker.Stop()

	for {
		ok, err := l.client.SetNX(waitCtx, key, token, l.ttl).Result()
		if err != nil {
			if waitCtx.Err() != nil {
				return fmt.Errorf("%w: %w", queue.ErrLockTimeout, waitCtx.Err())
			}
			return fmt.Errorf("acquire clinic lock: %w", err)
		}
		if ok {
			return nil
		}

		select {
		case <-waitCtx.Done():
			return fmt.Errorf("%w: %w", queue.ErrLockTimeout, waitCtx.Err())
		case <-ticker.C:
		}
	}
}

var unlockScript = redis.NewScript(`
local val = redis.call("GET", KEYS[1])
if val == ARGV[1] then
  return redis.call("DEL", KEYS[1])
else
  return 0
end
`)

func (l *clinicLocker) release(ctx context.Context, key, token string) error {
	_, err := unlockScript.Run(ctx, l.client, []string{key}, token).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return fmt.Errorf("release clinic lock: %w", err)
	}
	return nil
}
