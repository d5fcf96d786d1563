package provider

import (
	"math"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
)

type fixedRandom struct {
	value int64
}

func (r fixedRandom) NextPositiveInt64() int64 { return r.value }
func (r fixedRandom) NextPercentageValue() int { return int(r.value % 100) }

func TestSequentialSessionIDIncrements(t *testing.T) {
	ids := NewSequentialSessionID(fixedRandom{value: 41})

	assert.Equal(t, 42, ids.NextSessionID())
	assert.Equal(t, 43, ids.NextSessionID())
}

func TestSequentialSessionIDWraps(t *testing.T) {
	ids := &SequentialSessionID{last: math.MaxInt32}

	assert.Equal(t, 1, ids.NextSessionID())
	assert.Equal(t, 2, ids.NextSessionID())
}

func TestSequentialSessionIDConcurrentUnique(t *testing.T) {
	ids := NewSequentialSessionID(fixedRandom{value: 0})

	const n = 200
	var (
		mu   sync.Mutex
		seen = make(map[int]bool)
		wg   sync.WaitGroup
	)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			id := ids.NextSessionID()
			mu.Lock()
			seen[id] = true
			mu.Unlock()
		}()
	}
	wg.Wait()

	assert.Len(t, seen, n)
}

func TestDefaultRandomRanges(t *testing.T) {
	var r DefaultRandom
	for i := 0; i < 1000; i++ {
		assert.GreaterOrEqual(t, r.NextPositiveInt64(), int64(0))
		v := r.NextPercentageValue()
		assert.True(t, v >= 0 && v < 100)
	}
}

func TestProcessThreadIDStable(t *testing.T) {
	var p ProcessThreadID
	assert.Equal(t, p.ThreadID(), p.ThreadID())
	assert.GreaterOrEqual(t, p.ThreadID(), 0)
}
