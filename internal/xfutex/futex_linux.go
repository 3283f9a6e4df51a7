//go:build linux

// Package xfutex wraps the raw Linux futex(2) syscall for words that live
// in memory shared across process boundaries. Every wait/wake pair in
// this module operates on the non-private futex operations: the waiting
// word lives in a shared mapping, not private heap memory, so the
// kernel must not assume the waiters all belong to one process.
package xfutex

import (
	"time"
	"unsafe"

	"golang.org/x/sys/unix"
)

const (
	opWait = 0 // FUTEX_WAIT
	opWake = 1 // FUTEX_WAKE
)

// Wait blocks the calling goroutine's underlying OS thread until the
// word at addr no longer holds expect, or until a matching Wake arrives.
// A spurious return is legal and expected: callers must re-check their
// predicate under the mutex that guards addr before trusting the wake.
func Wait(addr *uint32, expect uint32) {
	for {
		_, _, errno := unix.Syscall6(unix.SYS_FUTEX,
			uintptr(unsafe.Pointer(addr)), opWait, uintptr(expect), 0, 0, 0)
		switch errno {
		case 0, unix.EAGAIN:
			// Woken, or the value had already changed before we ever
			// slept: either way the caller re-checks its predicate.
			return
		case unix.EINTR:
			continue
		default:
			// The futex protocol above us assumes Wait cannot fail;
			// retry rather than propagate an error callers can't act on.
			continue
		}
	}
}

// WaitTimeout behaves like Wait but gives up and returns false if
// timeout elapses before addr changes or a matching Wake arrives. It
// exists only for this module's own background workers to poll a
// process-local shutdown signal without ever touching the shared
// region from another goroutine while a wait is outstanding; ordinary
// blocking operations use the unbounded Wait, matching spec.md's
// no-cancellation model.
func WaitTimeout(addr *uint32, expect uint32, timeout time.Duration) bool {
	deadline := time.Now().Add(timeout)
	for {
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return false
		}
		ts := unix.NsecToTimespec(remaining.Nanoseconds())
		_, _, errno := unix.Syscall6(unix.SYS_FUTEX,
			uintptr(unsafe.Pointer(addr)), opWait, uintptr(expect), uintptr(unsafe.Pointer(&ts)), 0, 0)
		switch errno {
		case 0, unix.EAGAIN:
			return true
		case unix.EINTR:
			// A signal interrupted the wait with time still on the clock;
			// recompute the remaining duration rather than restarting the
			// full timeout.
			continue
		case unix.ETIMEDOUT:
			return false
		default:
			return false
		}
	}
}

// Wake wakes up to count waiters parked on addr and reports how many
// were actually woken.
func Wake(addr *uint32, count int32) int {
	for {
		n, _, errno := unix.Syscall6(unix.SYS_FUTEX,
			uintptr(unsafe.Pointer(addr)), opWake, uintptr(uint32(count)), 0, 0, 0)
		if errno == 0 {
			return int(n)
		}
		if errno == unix.EINTR {
			continue
		}
		return 0
	}
}

// WakeAll wakes every waiter parked on addr.
func WakeAll(addr *uint32) int {
	return Wake(addr, 1<<30)
}
