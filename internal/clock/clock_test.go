package clock_test

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"quiche/internal/clock"
)

func TestVersionerStrictlyIncreasesOnFixedTick(t *testing.T) {
	v := clock.NewVersioner(clock.Fixed(10))
	first := v.Next(0)
	second := v.Next(0)
	assert.Equal(t, uint64(11), first)
	assert.Greater(t, second, first)
}

func TestVersionerRespectsFloor(t *testing.T) {
	v := clock.NewVersioner(clock.Fixed(1))
	assert.Equal(t, uint64(101), v.Next(100))
	assert.Equal(t, uint64(102), v.Next(5))
}

func TestVersionerObserve(t *testing.T) {
	v := clock.NewVersioner(&clock.Logical{})
	v.Observe(500)
	v.Observe(20)
	assert.Equal(t, uint64(500), v.Last())
	assert.Greater(t, v.Next(0), uint64(500))
}

func TestVersionerConcurrentUnique(t *testing.T) {
	v := clock.NewVersioner(clock.Fixed(0))
	const n = 64
	var mu sync.Mutex
	seen := make(map[uint64]bool, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			got := v.Next(0)
			mu.Lock()
			seen[got] = true
			mu.Unlock()
		}()
	}
	wg.Wait()
	require.Len(t, seen, n)
}

func TestWallNeverGoesBack(t *testing.T) {
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	w := clock.NewWall(func() time.Time { return now })
	first := w.Now()
	now = now.Add(-time.Hour)
	assert.Equal(t, first, w.Now())
	now = now.Add(2 * time.Hour)
	assert.Greater(t, w.Now(), first)
}
