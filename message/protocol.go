//go:build linux

package message

import (
	"sync/atomic"
	"time"
	"unsafe"

	"github.com/shmipc-go/shmipc/internal/xcond"
	"github.com/shmipc-go/shmipc/internal/xmutex"
)

// closedBit marks the high bit of the combined version/closed word. A
// write or close always leaves the low 63 bits holding a version number
// that only ever increases (modulo the deliberate overflow reset below).
const closedBit uint64 = 1 << 63

// header is the fixed-size control block at the start of a message
// region. Every field is accessed either through sync/atomic (the
// version/closed word, read lock-free by try_read) or while holding the
// mutex word (everything else): the layout is declared once here and
// never reinterpreted, matching the single-writer-of-truth discipline
// the rest of this module's shared layouts follow.
type header struct {
	versionClosed uint64
	writeCondvar  uint32 // signalled after every write; consumed by blockingRead
	readCondvar   uint32 // signalled after every read; consumed by writeWaitingForReaders
	mutex         uint32
	consumerCount uint32
	readCount     uint32
	_             uint32 // pad: keeps size 8-byte aligned for 32-bit hosts
	size          uint64
}

const headerSize = int(unsafe.Sizeof(header{}))

func headerAt(data []byte) *header {
	return (*header)(unsafe.Pointer(&data[0]))
}

// versionAndClosed is the decoded form of header.versionClosed.
type versionAndClosed struct {
	version uint64
	closed  bool
}

// readResult is a caller-owned copy of a message payload at a version.
type readResult struct {
	version uint64
	data    []byte
}

// protocol implements the versioned single-slot channel directly over a
// region's backing bytes. It carries no per-handle bookkeeping (no
// last-seen version, no mode) so several handles in the same or
// different processes can share one protocol view safely.
type protocol struct {
	hdr     *header
	mu      *xmutex.Mutex
	writeCV *xcond.Cond
	readCV  *xcond.Cond
	payload []byte
}

func newProtocol(data []byte) *protocol {
	hdr := headerAt(data)
	return &protocol{
		hdr:     hdr,
		mu:      xmutex.New(&hdr.mutex),
		writeCV: xcond.New(&hdr.writeCondvar),
		readCV:  xcond.New(&hdr.readCondvar),
		payload: data[headerSize:],
	}
}

func (p *protocol) maxPayloadSize() int { return len(p.payload) }

func (p *protocol) loadVersion() versionAndClosed {
	v := atomic.LoadUint64(&p.hdr.versionClosed)
	return versionAndClosed{version: v &^ closedBit, closed: v&closedBit != 0}
}

func (p *protocol) isClosed() bool {
	return p.loadVersion().closed
}

// incrementVersion must be called with mu held. It returns the new
// version, handling the rare wraparound of the 63-bit counter by
// resetting it to zero while preserving the closed bit.
func (p *protocol) incrementVersion() uint64 {
	old := atomic.LoadUint64(&p.hdr.versionClosed)
	oldVersion := old &^ closedBit
	closed := old & closedBit
	newVersion := oldVersion + 1
	if newVersion&closedBit != 0 {
		// Overflowed into the closed bit: wrap back to 0.
		newVersion = 0
	}
	atomic.StoreUint64(&p.hdr.versionClosed, closed|newVersion)
	return newVersion
}

func (p *protocol) storePayload(data []byte) {
	atomic.StoreUint64(&p.hdr.size, uint64(len(data)))
	copy(p.payload, data)
}

// write overwrites the slot unconditionally and bumps the version.
func (p *protocol) write(data []byte) (uint64, error) {
	if len(data) > len(p.payload) {
		return 0, ErrOversizePayload
	}
	p.mu.Lock()
	defer p.mu.Unlock()

	v := p.incrementVersion()
	p.storePayload(data)
	atomic.StoreUint32(&p.hdr.readCount, 0)
	p.writeCV.NotifyAll()
	return v, nil
}

// writeWaitingForReaders blocks until at least min(waitFor,
// consumerCount) readers have read the current version, then behaves
// like write.
func (p *protocol) writeWaitingForReaders(data []byte, waitFor uint32) (uint64, error) {
	if len(data) > len(p.payload) {
		return 0, ErrOversizePayload
	}
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.loadVersion().version != 0 {
		p.readCV.WaitWhile(p.mu, func() bool {
			if p.isClosed() {
				return false
			}
			need := waitFor
			if consumers := atomic.LoadUint32(&p.hdr.consumerCount); consumers < need {
				need = consumers
			}
			return atomic.LoadUint32(&p.hdr.readCount) < need
		})
	}

	v := p.incrementVersion()
	p.storePayload(data)
	atomic.StoreUint32(&p.hdr.readCount, 0)
	p.writeCV.NotifyAll()
	return v, nil
}

// tryRead returns the current payload immediately if its version
// differs from lastSeen. The first check is lock-free; the copy itself
// is taken under the mutex so it can never observe a torn write.
func (p *protocol) tryRead(lastSeen uint64) (readResult, bool, bool) {
	vc := p.loadVersion()
	if vc.closed {
		return readResult{}, false, true
	}
	if vc.version == lastSeen {
		return readResult{}, false, false
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	v := p.loadVersion().version
	size := atomic.LoadUint64(&p.hdr.size)
	out := make([]byte, size)
	copy(out, p.payload[:size])

	atomic.AddUint32(&p.hdr.readCount, 1)
	p.readCV.NotifyOne()

	return readResult{version: v, data: out}, true, false
}

// checkVersionLocked must be called with mu held. If the channel is
// closed it reports that immediately, ahead of any unread version
// (matching tryRead and spec.md §4.4's "if closed, return closed"
// priority); otherwise, if a version newer than lastSeen is available,
// it consumes it. The third return reports that the channel is closed,
// in which case the caller should stop waiting.
func (p *protocol) checkVersionLocked(lastSeen uint64) (result readResult, ok, closed bool) {
	vc := p.loadVersion()
	if vc.closed {
		return readResult{}, false, true
	}
	if vc.version != lastSeen {
		size := atomic.LoadUint64(&p.hdr.size)
		out := make([]byte, size)
		copy(out, p.payload[:size])
		atomic.AddUint32(&p.hdr.readCount, 1)
		p.readCV.NotifyOne()
		return readResult{version: vc.version, data: out}, true, false
	}
	return readResult{}, false, false
}

// blockingRead waits until the version differs from lastSeen or the
// channel closes.
func (p *protocol) blockingRead(lastSeen uint64) (readResult, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	for {
		if res, ok, closed := p.checkVersionLocked(lastSeen); ok || closed {
			return res, ok
		}
		p.writeCV.Wait(p.mu)
	}
}

// blockingReadInterruptible behaves like blockingRead, except it also
// gives up and returns (zero, false) if stop fires before a new
// version arrives or the channel closes. It polls in pollInterval
// slices rather than waiting unboundedly so a purely process-local
// shutdown signal (stop lives outside the shared region; no other
// process can observe or act on it) can interrupt it without changing
// the shared region's own blocking contract, which every other
// process's blockingRead call still observes unmodified.
func (p *protocol) blockingReadInterruptible(lastSeen uint64, stop <-chan struct{}, pollInterval time.Duration) (readResult, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	for {
		if res, ok, closed := p.checkVersionLocked(lastSeen); ok || closed {
			return res, ok
		}
		select {
		case <-stop:
			return readResult{}, false
		default:
		}
		p.writeCV.WaitTimeout(p.mu, pollInterval)
	}
}

func (p *protocol) addReader() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.hdr.consumerCount++
}

func (p *protocol) removeReader() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.hdr.consumerCount--
	// A reader leaving may unblock a write that's waiting for a
	// consumer count it'll now never see reach.
	p.readCV.NotifyAll()
}

// close sets the closed bit exactly once and wakes every blocked
// reader and writer so they can observe it.
func (p *protocol) close() {
	p.mu.Lock()
	for {
		old := atomic.LoadUint64(&p.hdr.versionClosed)
		if old&closedBit != 0 {
			break
		}
		if atomic.CompareAndSwapUint64(&p.hdr.versionClosed, old, old|closedBit) {
			break
		}
	}
	p.mu.Unlock()
	p.writeCV.NotifyAll()
	p.readCV.NotifyAll()
}
