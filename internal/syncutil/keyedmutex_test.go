package syncutil

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLockContextSerialisesKey(t *testing.T) {
	m := NewKeyedMutex(0)
	var (
		wg      sync.WaitGroup
		inside  int
		maxSeen int
		mu      sync.Mutex
	)
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			unlock, err := m.LockContext(context.Background(), "bs_1")
			if !assert.NoError(t, err) {
				return
			}
			mu.Lock()
			inside++
			maxSeen = max(maxSeen, inside)
			mu.Unlock()
			time.Sleep(100 * time.Microsecond)
			mu.Lock()
			inside--
			mu.Unlock()
			unlock()
		}()
	}
	wg.Wait()
	assert.Equal(t, 1, maxSeen, "two holders overlapped")
}

func TestLockContextGivesUp(t *testing.T) {
	m := NewKeyedMutex(4)
	unlock := m.Lock("bs_busy")
	defer unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := m.LockContext(ctx, "bs_busy")
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestTryLock(t *testing.T) {
	m := NewKeyedMutex(4)

	unlock, ok := m.TryLock("bs_a")
	require.True(t, ok)
	_, again := m.TryLock("bs_a")
	assert.False(t, again, "held key")

	unlock()
	unlock, ok = m.TryLock("bs_a")
	require.True(t, ok, "released key")
	unlock()
}

func TestSingleShardStillReleases(t *testing.T) {
	m := NewKeyedMutex(1)
	unlock := m.Lock("bs_a")

	got := make(chan struct{})
	go func() {
		release := m.Lock("bs_b") // same shard
		close(got)
		release()
	}()

	select {
	case <-got:
		t.Fatal("shared shard acquired while held")
	case <-time.After(20 * time.Millisecond):
	}
	unlock()
	select {
	case <-got:
	case <-time.After(time.Second):
		t.Fatal("waiter never acquired after release")
	}
}
