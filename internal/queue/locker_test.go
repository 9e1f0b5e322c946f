package queue

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLocalLocker_SerialisesOneClinic(t *testing.T) {
	locker := NewLocalLocker()
	clinicID := uuid.New()

	var inside, maxSeen int32
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = locker.WithClinicLock(context.Background(), clinicID, func(context.Context) error {
				n := atomic.AddInt32(&inside, 1)
				for {
					old := atomic.LoadInt32(&maxSeen)
					if n <= old || atomic.CompareAndSwapInt32(&maxSeen, old, n) {
						break
					}
				}
				time.Sleep(time.Millisecond)
				atomic.AddInt32(&inside, -1)
				return nil
			})
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), maxSeen)
	assert.Empty(t, locker.locks)
}

func TestLocalLocker_ClinicsDoNotContend(t *testing.T) {
	locker := NewLocalLocker()
	held := make(chan struct{})
	release := make(chan struct{})

	go func() {
		_ = locker.WithClinicLock(context.Background(), uuid.New(), func(context.Context) error {
			close(held)
			<-release
			return nil
		})
	}()
	<-held
	defer close(release)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	err := locker.WithClinicLock(ctx, uuid.New(), func(context.Context) error { return nil })
	assert.NoError(t, err)
}

func TestLocalLocker_WaitTimeout(t *testing.T) {
	locker := NewLocalLocker().WithWait(20 * time.Millisecond)
	clinicID := uuid.New()
	held := make(chan struct{})
	release := make(chan struct{})

	go func() {
		_ = locker.WithClinicLock(context.Background(), clinicID, func(context.Context) error {
			close(held)
			<-release
			return nil
		})
	}()
	<-held
	defer close(release)

	called := false
	err := locker.WithClinicLock(context.Background(), clinicID, func(context.Context) error {
		called = true
		return nil
	})
	require.ErrorIs(t, err, ErrLockTimeout)
	assert.False(t, called)
}
