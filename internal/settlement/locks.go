package settlement

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/google/uuid"
)

// keyedLocks hands out exclusive per-key locks with a context-bounded wait.
// At most one settlement may be in flight for a given order, so the engine
// takes both order IDs of a match before touching any state.
type keyedLocks struct {
	mu      sync.Mutex
	entries map[string]*lockEntry
}

type lockEntry struct {
	sem  chan struct{}
	refs int
}

func newKeyedLocks() *keyedLocks {
	return &keyedLocks{entries: make(map[string]*lockEntry)}
}

// AcquirePair takes the locks for both order IDs in deterministic order so
// two settlements sharing an order can never deadlock. On timeout it returns
// ErrContention with nothing held.
func (l *keyedLocks) AcquirePair(ctx context.Context, a, b uuid.UUID) (release func(), err error) {
	keys := []string{a.String(), b.String()}
	sort.Strings(keys)

	if err := l.acquire(ctx, keys[0]); err != nil {
		return nil, err
	}
	if keys[1] != keys[0] {
		if err := l.acquire(ctx, keys[1]); err != nil {
			l.release(keys[0])
			return nil, err
		}
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			if keys[1] != keys[0] {
				l.release(keys[1])
			}
			l.release(keys[0])
		})
	}, nil
}

func (l *keyedLocks) acquire(ctx context.Context, key string) error {
	l.mu.Lock()
	e, ok := l.entries[key]
	if !ok {
		e = &lockEntry{sem: make(chan struct{}, 1)}
		l.entries[key] = e
	}
	e.refs++
	l.mu.Unlock()

	select {
	case e.sem <- struct{}{}:
		return nil
	case <-ctx.Done():
		l.unref(key, e)
		return fmt.Errorf("order %s: %w", key, ErrContention)
	}
}

func (l *keyedLocks) release(key string) {
	l.mu.Lock()
	e := l.entries[key]
	l.mu.Unlock()
	<-e.sem
	l.unref(key, e)
}

func (l *keyedLocks) unref(key string, e *lockEntry) {
	l.mu.Lock()
	e.refs--
	if e.refs == 0 {
		delete(l.entries, key)
	}
	l.mu.Unlock()
}
