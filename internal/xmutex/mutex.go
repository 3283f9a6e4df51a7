//go:build linux

// Package xmutex implements a futex-backed mutex over a single uint32
// word that may live in memory shared by several processes. It follows
// the three-state UNLOCKED/LOCKED/CONTENDED discipline used by glibc and
// Rust's std::sync::Mutex: an uncontended lock/unlock round trip costs a
// single CAS, and only a thread that actually had to wait pays for the
// futex syscall.
package xmutex

import (
	"runtime"
	"sync/atomic"

	"github.com/shmipc-go/shmipc/internal/xfutex"
)

const (
	unlocked  uint32 = 0
	locked    uint32 = 1
	contended uint32 = 2
)

// spinLimit is the number of relaxed-load iterations a thread burns
// before parking in the kernel, mirroring the active-spin phase the Go
// runtime itself uses ahead of futexsleep.
const spinLimit = 100

// Mutex is a view over a uint32 word belonging to a shared-memory
// region. The word's address must stay valid for the Mutex's lifetime
// and must be the same address in every process that builds a Mutex
// over it. Mutex holds no process-local state beyond that pointer, so
// any number of Mutex values across any number of processes can
// correctly contend for the same word.
type Mutex struct {
	word *uint32
}

// New returns a Mutex backed by word. word must be zero-initialized
// (UNLOCKED) the first time any Mutex is built over it.
func New(word *uint32) *Mutex {
	return &Mutex{word: word}
}

// TryLock attempts to acquire the mutex without blocking.
func (m *Mutex) TryLock() bool {
	return atomic.CompareAndSwapUint32(m.word, unlocked, locked)
}

// Lock acquires the mutex, spinning briefly and then parking on the
// futex word if it stays contended.
func (m *Mutex) Lock() {
	if m.TryLock() {
		return
	}
	m.lockSlow()
}

func (m *Mutex) lockSlow() {
	spin := 0
	for {
		state := atomic.LoadUint32(m.word)
		if state == unlocked {
			if atomic.CompareAndSwapUint32(m.word, unlocked, locked) {
				return
			}
			continue
		}
		if spin < spinLimit {
			spin++
			runtime.Gosched()
			continue
		}
		if state != contended {
			state = atomic.SwapUint32(m.word, contended)
			if state == unlocked {
				return
			}
		}
		xfutex.Wait(m.word, contended)
		spin = 0
	}
}

// Unlock releases the mutex. If any waiter had marked the word
// CONTENDED, Unlock wakes exactly one of them.
func (m *Mutex) Unlock() {
	prev := atomic.SwapUint32(m.word, unlocked)
	if prev == contended {
		xfutex.Wake(m.word, 1)
	}
}
