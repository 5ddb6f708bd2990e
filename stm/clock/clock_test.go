package clock

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestTickMonotonic(t *testing.T) {
	c := New()
	assert.Equal(t, uint64(0), c.Get())
	assert.Equal(t, uint64(1), c.Tick())
	assert.Equal(t, uint64(2), c.Tick())
	assert.Equal(t, uint64(2), c.Get())
	c.Reset()
	assert.Equal(t, uint64(0), c.Get())
}

func TestTickUniqueUnderConcurrency(t *testing.T) {
	c := New()
	const (
		workers = 8
		perG    = 1000
	)
	seen := make([][]uint64, workers)
	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			out := make([]uint64, 0, perG)
			for i := 0; i < perG; i++ {
				out = append(out, c.Tick())
			}
			seen[w] = out
		}(w)
	}
	wg.Wait()

	all := make(map[uint64]bool, workers*perG)
	for w := 0; w < workers; w++ {
		prev := uint64(0)
		for _, ts := range seen[w] {
			// Strictly increasing per goroutine, unique across all.
			assert.True(t, ts > prev)
			prev = ts
			assert.False(t, all[ts], "timestamp %d issued twice", ts)
			all[ts] = true
		}
	}
	assert.Equal(t, uint64(workers*perG), c.Get())
}
