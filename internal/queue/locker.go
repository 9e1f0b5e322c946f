package queue

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

// ErrLockTimeout is returned when a clinic lock could not be acquired
// before the caller gave up.
var ErrLockTimeout = errors.New("clinic lock wait exceeded")

// Locker serialises all mutations of one clinic. Different clinics must
// not contend. WithClinicLock blocks until the lock is held or ctx ends.
type Locker interface {
	WithClinicLock(ctx context.Context, clinicID uuid.UUID, fn func(ctx context.Context) error) error
}

// LocalLocker is an in-process Locker for single-instance deployments
// and tests.
type LocalLocker struct {
	mu    sync.Mutex
	locks map[uuid.UUID]*clinicLock
	wait  time.Duration
}

type clinicLock struct {
	sem  chan struct{}
	refs int
}

func NewLocalLocker() *LocalLocker {
	return &LocalLocker{locks: make(map[uuid.UUID]*clinicLock)}
}

// WithWait bounds how long WithClinicLock waits for a held lock. Zero
// waits as long as ctx allows.
func (l *LocalLocker) WithWait(d time.Duration) *LocalLocker {
	l.wait = d
	return l
}

func (l *LocalLocker) WithClinicLock(ctx context.Context, clinicID uuid.UUID, fn func(ctx context.Context) error) error {
	lock := l.acquireRef(clinicID)
	defer l.releaseRef(clinicID, lock)

	waitCtx := ctx
	if l.wait > 0 {
		var cancel context.CancelFunc
		waitCtx, cancel = context.WithTimeout(ctx, l.wait)
		defer cancel()
	}

	select {
	case lock.sem <- struct{}{}:
	case <-waitCtx.Done():
		return fmt.Errorf("%w: %w", ErrLockTimeout, waitCtx.Err())
	}
	defer func() { <-lock.sem }()

	return fn(ctx)
}

func (l *LocalLocker) acquireRef(clinicID uuid.UUID) *clinicLock {
	l.mu.Lock()
	defer l.mu.Unlock()

	lock, ok := l.locks[clinicID]
	if !ok {
		lock = &clinicLock{sem: make(chan struct{}, 1)}
		l.locks[clinicID] = lock
	}
	lock.refs++
	return lock
}

func (l *LocalLocker) releaseRef(clinicID uuid.UUID, lock *clinicLock) {
	l.mu.Lock()
	defer l.mu.Unlock()

	lock.refs--
	if lock.refs == 0 {
		delete(l.locks, clinicID)
	}
}
