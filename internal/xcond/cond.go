//go:build linux

// Package xcond implements a futex-backed condition variable that can be
// colocated with an xmutex.Mutex in shared memory. It follows the
// generation-counter discipline required to avoid the classic lost-wakeup
// race: a waiter samples the counter before releasing the mutex, so a
// notify that lands between the sample and the park is never missed.
package xcond

import (
	"math"
	"sync/atomic"
	"time"

	"github.com/shmipc-go/shmipc/internal/xfutex"
	"github.com/shmipc-go/shmipc/internal/xmutex"
)

// Cond is a view over a uint32 generation counter living in shared
// memory, paired with whatever xmutex.Mutex protects the state the
// waiter's predicate depends on.
type Cond struct {
	counter *uint32
}

// New returns a Cond backed by counter. counter must be zero-initialized
// the first time any Cond is built over it.
func New(counter *uint32) *Cond {
	return &Cond{counter: counter}
}

// Wait atomically releases mu and blocks until a Notify call is
// observed, then reacquires mu before returning. Wait can return
// spuriously; callers with a predicate should use WaitWhile instead.
func (c *Cond) Wait(mu *xmutex.Mutex) {
	gen := atomic.LoadUint32(c.counter)
	mu.Unlock()
	xfutex.Wait(c.counter, gen)
	mu.Lock()
}

// WaitWhile releases mu and blocks, re-acquiring mu and re-evaluating
// pred each time it is woken, until pred returns false. mu is held
// whenever pred is evaluated and on return.
func (c *Cond) WaitWhile(mu *xmutex.Mutex, pred func() bool) {
	for pred() {
		c.Wait(mu)
	}
}

// WaitTimeout behaves like Wait, but returns false without having
// observed a Notify if d elapses first; mu is reacquired either way
// before it returns. Used by this module's own background workers to
// poll a local shutdown signal between otherwise-unbounded waits.
func (c *Cond) WaitTimeout(mu *xmutex.Mutex, d time.Duration) bool {
	gen := atomic.LoadUint32(c.counter)
	mu.Unlock()
	woke := xfutex.WaitTimeout(c.counter, gen, d)
	mu.Lock()
	return woke
}

// NotifyOne wakes at most one waiter. Callers normally hold the
// associated mutex while calling this, so the woken waiter observes the
// state change under the same lock it will reacquire.
func (c *Cond) NotifyOne() {
	atomic.AddUint32(c.counter, 1)
	xfutex.Wake(c.counter, 1)
}

// NotifyAll wakes every waiter.
func (c *Cond) NotifyAll() {
	atomic.AddUint32(c.counter, 1)
	xfutex.Wake(c.counter, math.MaxInt32)
}
