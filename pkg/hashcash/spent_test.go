package hashcash

import (
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSpentSet_RejectsReplay(t *testing.T) {
	set := NewSpentSet(DefaultMaxAge)
	defer set.Stop()

	s := &Stamp{Rand: "a", Timestamp: time.Now()}
	require.NoError(t, set.Spend(s))
	assert.ErrorIs(t, set.Spend(s), ErrAlreadySpent)
	assert.NoError(t, set.Spend(&Stamp{Rand: "b", Timestamp: time.Now()}))
	assert.Equal(t, 2, set.Len())
}

func TestSpentSet_CleanupRemovesExpired(t *testing.T) {
	set := NewSpentSetWithCleanupInterval(time.Millisecond, 10*time.Millisecond)
	defer set.Stop()

	old := time.Now().Add(-time.Hour)
	require.NoError(t, set.Spend(&Stamp{Rand: "old", Timestamp: old}))
	require.NoError(t, set.Spend(&Stamp{Rand: "new", Timestamp: time.Now().Add(time.Hour)}))

	assert.Eventually(t, func() bool { return set.Len() == 1 }, time.Second, 10*time.Millisecond)
	assert.NoError(t, set.Spend(&Stamp{Rand: "old", Timestamp: time.Now()}), "expired entries may be reused")
}

func TestSpentSet_Capacity(t *testing.T) {
	set := NewSpentSet(DefaultMaxAge)
	defer set.Stop()

	set.mu.Lock()
	for i := 0; i < MaxSpentStamps; i++ {
		set.entries[strconv.Itoa(i)] = time.Now().Add(time.Hour)
	}
	set.mu.Unlock()

	assert.ErrorIs(t, set.Spend(&Stamp{Rand: "overflow", Timestamp: time.Now()}), ErrSpentAtCapacity)
}

func TestSpentSet_ConcurrentSpend(t *testing.T) {
	set := NewSpentSet(DefaultMaxAge)
	defer set.Stop()

	s := &Stamp{Rand: "shared", Timestamp: time.Now()}
	var (
		wg sync.WaitGroup
		mu sync.Mutex
		ok int
	)
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if set.Spend(s) == nil {
				mu.Lock()
				ok++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, 1, ok)
}

func TestSpentSet_StopIsIdempotent(t *testing.T) {
	set := NewSpentSet(DefaultMaxAge)
	set.Stop()
	set.Stop()
}
