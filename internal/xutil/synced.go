// Package xutil provides small concurrency-safe primitives shared across
// the matching pipeline.
package xutil

import "sync/atomic"

// SafeCounter is an int counter safe for concurrent use.
type SafeCounter struct {
	value int64
}

// NewSafeCounter creates a new SafeCounter starting at zero.
func NewSafeCounter() *SafeCounter {
	return &SafeCounter{}
}

// NewSafeCounterWithValue creates a new SafeCounter with an initial value.
func NewSafeCounterWithValue(initial int) *SafeCounter {
	return &SafeCounter{value: int64(initial)}
}

// Add adds delta to the counter and returns the new value.
func (c *SafeCounter) Add(delta int) int {
	return int(atomic.AddInt64(&c.value, int64(delta)))
}

// Set sets the counter's value.
func (c *SafeCounter) Set(v int) {
	atomic.StoreInt64(&c.value, int64(v))
}

// Value returns the current value of the counter.
func (c *SafeCounter) Value() int {
	return int(atomic.LoadInt64(&c.value))
}

// SafeFlag is a bool flag safe for concurrent use.
type SafeFlag struct {
	value int32
}

// NewSafeFlag creates a new SafeFlag starting false.
func NewSafeFlag() *SafeFlag {
	return &SafeFlag{}
}

// Set sets the flag's value and returns it.
func (f *SafeFlag) Set(v bool) bool {
	var i int32
	if v {
		i = 1
	}
	atomic.StoreInt32(&f.value, i)
	return v
}

// Value returns the current value of the flag.
func (f *SafeFlag) Value() bool {
	return atomic.LoadInt32(&f.value) != 0
}

// MonotonicMax keeps track of the highest value ever observed, safe for
// concurrent use. Used by the progress reporter to enforce that progress
// never regresses even when updates race.
type MonotonicMax struct {
	value int64
}

// Offer reports v if v is higher than the current maximum and returns the
// (possibly unchanged) running maximum.
func (m *MonotonicMax) Offer(v int) int {
	for {
		cur := atomic.LoadInt64(&m.value)
		if int64(v) <= cur {
			return int(cur)
		}
		if atomic.CompareAndSwapInt64(&m.value, cur, int64(v)) {
			return v
		}
	}
}

// Value returns the current running maximum.
func (m *MonotonicMax) Value() int {
	return int(atomic.LoadInt64(&m.value))
}
