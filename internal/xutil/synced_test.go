package xutil

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSafeCounterConcurrentAdd(t *testing.T) {
	c := NewSafeCounter()
	var wg sync.WaitGroup
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			c.Add(1)
		}()
	}
	wg.Wait()
	assert.Equal(t, 100, c.Value())
}

func TestSafeCounterWithInitialValue(t *testing.T) {
	c := NewSafeCounterWithValue(5)
	assert.Equal(t, 5, c.Value())
	assert.Equal(t, 7, c.Add(2))
}

func TestSafeFlagSetAndValue(t *testing.T) {
	f := NewSafeFlag()
	assert.False(t, f.Value())
	f.Set(true)
	assert.True(t, f.Value())
	f.Set(false)
	assert.False(t, f.Value())
}

func TestMonotonicMaxNeverRegresses(t *testing.T) {
	var m MonotonicMax
	assert.Equal(t, 10, m.Offer(10))
	assert.Equal(t, 10, m.Offer(3))
	assert.Equal(t, 20, m.Offer(20))
	assert.Equal(t, 20, m.Value())
}
