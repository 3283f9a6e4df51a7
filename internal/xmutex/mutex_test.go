//go:build linux

package xmutex

import (
	"sync/atomic"
	"testing"

	"golang.org/x/sync/errgroup"
)

// testNonDecreasing asserts that a sequence of values recorded by
// goroutines under a lock never goes backwards, the same invariant
// check used to validate mutual exclusion under concurrent load.
func testNonDecreasing(t *testing.T, values []uint32) {
	t.Helper()
	for i := 1; i < len(values); i++ {
		if values[i] < values[i-1] {
			t.Fatalf("value decreased at index %d: %d -> %d", i, values[i-1], values[i])
		}
	}
}

func TestMutexExcludesConcurrentIncrement(t *testing.T) {
	var word uint32
	m := New(&word)

	const goroutines = 16
	const incrementsEach = 2000

	var shared int
	var observed [goroutines * incrementsEach]uint32

	var idx int32
	var g errgroup.Group
	for i := 0; i < goroutines; i++ {
		g.Go(func() error {
			for j := 0; j < incrementsEach; j++ {
				m.Lock()
				shared++
				observed[atomic.AddInt32(&idx, 1)-1] = uint32(shared)
				m.Unlock()
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		t.Fatal(err)
	}

	if shared != goroutines*incrementsEach {
		t.Fatalf("lost updates: got %d, want %d", shared, goroutines*incrementsEach)
	}
	testNonDecreasing(t, observed[:])
}

func TestTryLock(t *testing.T) {
	var word uint32
	m := New(&word)

	if !m.TryLock() {
		t.Fatal("TryLock should succeed on an unlocked mutex")
	}
	if m.TryLock() {
		t.Fatal("TryLock should fail while the mutex is held")
	}
	m.Unlock()
	if !m.TryLock() {
		t.Fatal("TryLock should succeed again after Unlock")
	}
}

func TestLockContendedPathWakesWaiter(t *testing.T) {
	var word uint32
	m := New(&word)
	m.Lock()

	done := make(chan struct{})
	go func() {
		m.Lock()
		close(done)
		m.Unlock()
	}()

	select {
	case <-done:
		t.Fatal("contended Lock returned before Unlock")
	default:
	}

	m.Unlock()
	<-done
}
