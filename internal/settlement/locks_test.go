package settlement

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestKeyedLocksAcquireRelease(t *testing.T) {
	locks := newKeyedLocks()
	a, b := uuid.New(), uuid.New()

	release, err := locks.AcquirePair(context.Background(), a, b)
	require.NoError(t, err)
	release()

	// reacquirable after release
	release, err = locks.AcquirePair(context.Background(), a, b)
	require.NoError(t, err)
	release()

	locks.mu.Lock()
	assert.Empty(t, locks.entries)
	locks.mu.Unlock()
}

func TestKeyedLocksContention(t *testing.T) {
	locks := newKeyedLocks()
	a, b, c := uuid.New(), uuid.New(), uuid.New()

	release, err := locks.AcquirePair(context.Background(), a, b)
	require.NoError(t, err)
	defer release()

	// a pair sharing one order times out while the first settlement holds it
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err = locks.AcquirePair(ctx, b, c)
	require.ErrorIs(t, err, ErrContention)

	// nothing leaked: c's half must not be left held
	ctx2, cancel2 := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel2()
	release2, err := locks.AcquirePair(ctx2, c, c)
	require.NoError(t, err)
	release2()
}

func TestKeyedLocksDisjointPairsDoNotBlock(t *testing.T) {
	locks := newKeyedLocks()

	release, err := locks.AcquirePair(context.Background(), uuid.New(), uuid.New())
	require.NoError(t, err)
	defer release()

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	release2, err := locks.AcquirePair(ctx, uuid.New(), uuid.New())
	require.NoError(t, err)
	release2()
}

func TestKeyedLocksSharedOrderSerializes(t *testing.T) {
	locks := newKeyedLocks()
	shared := uuid.New()

	var mu sync.Mutex
	inCritical := 0
	maxInCritical := 0

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			release, err := locks.AcquirePair(context.Background(), shared, uuid.New())
			if err != nil {
				t.Error(err)
				return
			}
			mu.Lock()
			inCritical++
			if inCritical > maxInCritical {
				maxInCritical = inCritical
			}
			mu.Unlock()

			time.Sleep(time.Millisecond)

			mu.Lock()
			inCritical--
			mu.Unlock()
			release()
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, maxInCritical)
}
