package budget

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestTryAcquire_StopsAtZero(t *testing.T) {
	b := New(3)

	assert.True(t, b.TryAcquire("alpha", "k1"))
	assert.True(t, b.TryAcquire("alpha", "k1"))
	assert.True(t, b.TryAcquire("alpha", "k1"))
	assert.False(t, b.TryAcquire("alpha", "k1"))
	assert.True(t, b.Exhausted())
}

func TestTryAcquire_ConcurrentCallersNeverOverspend(t *testing.T) {
	b := New(500)
	var wg sync.WaitGroup
	var granted int64
	var mu sync.Mutex

	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 20; j++ {
				if b.TryAcquire("alpha", "k1") {
					mu.Lock()
					granted++
					mu.Unlock()
				}
			}
		}()
	}
	wg.Wait()

	assert.EqualValues(t, 500, granted)
	assert.Equal(t, int64(0), b.Remaining())
}

func TestSnapshot_ReportsPerProviderAndKeyCounters(t *testing.T) {
	b := New(10)
	b.TryAcquire("alpha", "k1")
	b.TryAcquire("alpha", "k2")
	b.TryAcquire("figi", "k3")

	snap := b.Snapshot()
	assert.EqualValues(t, 10, snap.Total)
	assert.EqualValues(t, 7, snap.Remaining)
	assert.EqualValues(t, 2, snap.ProviderCounters["alpha"])
	assert.EqualValues(t, 1, snap.ProviderCounters["figi"])
	assert.EqualValues(t, 1, snap.KeyCounters["k1"])
}
