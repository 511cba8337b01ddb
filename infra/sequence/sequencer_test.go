package sequence

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNextIsMonotonicUnderConcurrency(t *testing.T) {
	s := New(10)

	const workers, per = 8, 500
	var mu sync.Mutex
	seen := make(map[uint64]struct{}, workers*per)

	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < per; i++ {
				v := s.Next()
				mu.Lock()
				seen[v] = struct{}{}
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	require.Len(t, seen, workers*per)
	assert.Equal(t, uint64(10+workers*per), s.Current())
	_, low := seen[10]
	assert.False(t, low)
}

func TestObserveOnlyRaises(t *testing.T) {
	s := New(5)
	s.Observe(3)
	assert.Equal(t, uint64(5), s.Current())

	s.Observe(42)
	assert.Equal(t, uint64(43), s.Next())

	s.Reset(1)
	assert.Equal(t, uint64(2), s.Next())
}
