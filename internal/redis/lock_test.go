package redisclient

import (
	"context"
	"errors"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hackgods/clinic-queue/internal/queue"
)

// testClient connects to REDIS_ADDR or skips the test.
func testClient(t *testing.T) *redis.Client {
	t.Helper()

	addr := os.Getenv("REDIS_ADDR")
	if addr == "" {
		t.Skip("REDIS_ADDR not set")
	}

	client, err := NewRedisClient(context.Background(), addr, os.Getenv("REDIS_USERNAME"), os.Getenv("REDIS_PASSWORD"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Close() })
	return client
}

func TestClinicLocker_SerialisesCriticalSections(t *testing.T) {
	client := testClient(t)
	locker := NewClinicLocker(client, 5*time.Second, 5*time.Second)
	clinicID := uuid.New()

	var (
		mu      sync.Mutex
		inside  int
		maxSeen int
		wg      sync.WaitGroup
	)

	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := locker.WithClinicLock(context.Background(), clinicID, func(context.Context) error {
				mu.Lock()
				inside++
				if inside > maxSeen {
					maxSeen = inside
				}
				mu.Unlock()

				time.Sleep(10 * time.Millisecond)

				mu.Lock()
				inside--
				mu.Unlock()
				return nil
			})
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, maxSeen)
}

func TestClinicLocker_TimesOutWhileHeld(t *testing.T) {
	client := testClient(t)
	clinicID := uuid.New()

	require.NoError(t, client.Set(context.Background(), lockKey(clinicID), "someone-else", 5*time.Second).Err())
	t.Cleanup(func() { client.Del(context.Background(), lockKey(clinicID)) })

	locker := NewClinicLocker(client, time.Second, 100*time.Millisecond)
	called := false
	err := locker.WithClinicLock(context.Background(), clinicID, func(context.Context) error {
		called = true
		return nil
	})

	assert.ErrorIs(t, err, queue.ErrLockTimeout)
	assert.False(t, called)
}

func TestClinicLocker_ReleaseKeepsForeignToken(t *testing.T) {
	client := testClient(t)
	clinicID := uuid.New()
	locker := NewClinicLocker(client, time.Second, time.Second)

	err := locker.WithClinicLock(context.Background(), clinicID, func(ctx context.Context) error {
		// simulate expiry and takeover by another holder
		return client.Set(ctx, lockKey(clinicID), "other-holder", 5*time.Second).Err()
	})
	require.NoError(t, err)

	val, err := client.Get(context.Background(), lockKey(clinicID)).Result()
	require.NoError(t, err)
	assert.Equal(t, "other-holder", val)
	client.Del(context.Background(), lockKey(clinicID))
}

func TestCommandLogger_PassesResultThrough(t *testing.T) {
	h := commandLogger{slow: time.Nanosecond}
	want := errors.New("boom")

	process := h.ProcessHook(func(ctx context.Context, cmd redis.Cmder) error {
		time.Sleep(time.Millisecond)
		return want
	})
	err := process(context.Background(), redis.NewStatusCmd(context.Background(), "ping"))
	assert.ErrorIs(t, err, want)
}
