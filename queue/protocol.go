//go:build linux

package queue

import (
	"encoding/binary"
	"sync/atomic"
	"time"
	"unsafe"

	"github.com/shmipc-go/shmipc/internal/xcond"
	"github.com/shmipc-go/shmipc/internal/xmutex"
)

// header is the fixed-size control block at the start of a queue
// region. closed is a standalone atomic flag: is_closed reads it
// without the mutex, while try_write/try_read and the blocking paths
// read it under the mutex. Everything else
// (writerIndex, readerIndex, full) is only ever touched while mu is
// held, matching the original Rust implementation's plain (non-atomic)
// fields inside its mutex-guarded content struct.
//
// closed and full are declared as uint32 rather than the conceptual
// single byte the wire description suggests: Go's sync/atomic has no
// 8-bit primitive, and widening a flag costs nothing but three padding
// bytes.
type header struct {
	writeCondvar   uint32 // signalled after every write; consumed by blockingRead
	readCondvar    uint32 // signalled after every read; consumed by blockingWrite
	closed         uint32
	mutex          uint32
	writerIndex    uint32
	readerIndex    uint32
	maxElementSize uint32
	capacity       uint32
	full           uint32
}

const headerSize = int(unsafe.Sizeof(header{}))

// slotLenPrefix is the size of the length prefix placed before every
// element's bytes in its slot.
const slotLenPrefix = 4

func headerAt(data []byte) *header {
	return (*header)(unsafe.Pointer(&data[0]))
}

// protocol implements the bounded FIFO byte-payload queue directly over
// a region's backing bytes.
type protocol struct {
	hdr           *header
	mu            *xmutex.Mutex
	notifyReaders *xcond.Cond // backed by hdr.writeCondvar
	notifyWriters *xcond.Cond // backed by hdr.readCondvar
	slots         []byte
	slotStride    int
}

func newProtocol(data []byte) *protocol {
	hdr := headerAt(data)
	return &protocol{
		hdr:           hdr,
		mu:            xmutex.New(&hdr.mutex),
		notifyReaders: xcond.New(&hdr.writeCondvar),
		notifyWriters: xcond.New(&hdr.readCondvar),
		slots:         data[headerSize:],
		slotStride:    slotLenPrefix + int(hdr.maxElementSize),
	}
}

// init stamps the queue's fixed geometry. Must be called exactly once,
// by the creator, before the region is shared with any other process.
func (p *protocol) init(maxElementSize, capacity uint32) {
	p.hdr.maxElementSize = maxElementSize
	p.hdr.capacity = capacity
	p.slotStride = slotLenPrefix + int(maxElementSize)
}

func (p *protocol) maxElementSize() int { return int(p.hdr.maxElementSize) }
func (p *protocol) capacity() int       { return int(p.hdr.capacity) }

func (p *protocol) isClosed() bool {
	return atomic.LoadUint32(&p.hdr.closed) != 0
}

func (p *protocol) slotOffset(i uint32) int { return int(i) * p.slotStride }

func (p *protocol) writeSlot(i uint32, data []byte) {
	off := p.slotOffset(i)
	binary.NativeEndian.PutUint32(p.slots[off:off+slotLenPrefix], uint32(len(data)))
	copy(p.slots[off+slotLenPrefix:], data)
}

func (p *protocol) readSlot(i uint32) []byte {
	off := p.slotOffset(i)
	n := binary.NativeEndian.Uint32(p.slots[off : off+slotLenPrefix])
	out := make([]byte, n)
	copy(out, p.slots[off+slotLenPrefix:off+slotLenPrefix+int(n)])
	return out
}

// countLocked returns the number of queued elements. mu must be held.
func (p *protocol) countLocked() uint32 {
	if p.hdr.full != 0 {
		return p.hdr.capacity
	}
	if p.hdr.writerIndex >= p.hdr.readerIndex {
		return p.hdr.writerIndex - p.hdr.readerIndex
	}
	return p.hdr.capacity - p.hdr.readerIndex + p.hdr.writerIndex
}

func (p *protocol) len() uint32 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.countLocked()
}

func (p *protocol) isFull() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.hdr.full != 0
}

func (p *protocol) advanceWriterLocked(data []byte) {
	p.writeSlot(p.hdr.writerIndex, data)
	p.hdr.writerIndex = (p.hdr.writerIndex + 1) % p.hdr.capacity
	if p.hdr.writerIndex == p.hdr.readerIndex {
		p.hdr.full = 1
	}
}

func (p *protocol) advanceReaderLocked() []byte {
	data := p.readSlot(p.hdr.readerIndex)
	p.hdr.readerIndex = (p.hdr.readerIndex + 1) % p.hdr.capacity
	p.hdr.full = 0
	return data
}

func (p *protocol) checkElementSize(data []byte) error {
	if len(data) > int(p.hdr.maxElementSize) {
		return ErrOversizeElement
	}
	return nil
}

// tryWrite enqueues data if the queue is open and not full.
func (p *protocol) tryWrite(data []byte) (bool, error) {
	if err := p.checkElementSize(data); err != nil {
		return false, err
	}
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.isClosed() || p.hdr.full != 0 {
		return false, nil
	}
	p.advanceWriterLocked(data)
	p.notifyReaders.NotifyOne()
	return true, nil
}

// blockingWrite enqueues data, waiting for room if the queue is full.
// It returns false only if the queue closed while waiting or was
// already closed.
func (p *protocol) blockingWrite(data []byte) (bool, error) {
	if err := p.checkElementSize(data); err != nil {
		return false, err
	}
	p.mu.Lock()
	defer p.mu.Unlock()

	for p.hdr.full != 0 {
		if p.isClosed() {
			return false, nil
		}
		p.notifyWriters.Wait(p.mu)
	}
	if p.isClosed() {
		return false, nil
	}
	p.advanceWriterLocked(data)
	p.notifyReaders.NotifyOne()
	return true, nil
}

// tryRead dequeues the oldest element if one is available.
func (p *protocol) tryRead() ([]byte, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.countLocked() == 0 || p.isClosed() {
		return nil, false
	}
	data := p.advanceReaderLocked()
	p.notifyWriters.NotifyOne()
	return data, true
}

// checkReadLocked must be called with mu held. If the queue is empty
// and closed it reports that as a caller-visible "none, give up"
// result; if an element is available it dequeues it (whether or not
// the queue is closed — a close only cuts off future writes, not
// delivery of what's already enqueued). The third return reports that
// the caller should give up waiting.
func (p *protocol) checkReadLocked() (data []byte, ok, giveUp bool) {
	if p.countLocked() == 0 {
		if p.isClosed() {
			return nil, false, true
		}
		return nil, false, false
	}
	out := p.advanceReaderLocked()
	p.notifyWriters.NotifyOne()
	return out, true, false
}

// blockingRead dequeues the oldest element, waiting for one to arrive
// if the queue is empty. It returns false only once the queue is both
// closed and drained.
func (p *protocol) blockingRead() ([]byte, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	for {
		if data, ok, giveUp := p.checkReadLocked(); ok || giveUp {
			return data, ok
		}
		p.notifyReaders.Wait(p.mu)
	}
}

// blockingReadInterruptible behaves like blockingRead, except it also
// gives up and returns (nil, false) if stop fires before an element
// arrives or the queue closes. See
// message.protocol.blockingReadInterruptible for why this exists:
// stop is process-local and otherwise invisible to the shared region,
// so a bounded poll is the only way to notice it without changing the
// unbounded contract every other process's blockingRead still gets.
func (p *protocol) blockingReadInterruptible(stop <-chan struct{}, pollInterval time.Duration) ([]byte, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	for {
		if data, ok, giveUp := p.checkReadLocked(); ok || giveUp {
			return data, ok
		}
		select {
		case <-stop:
			return nil, false
		default:
		}
		p.notifyReaders.WaitTimeout(p.mu, pollInterval)
	}
}

// drainAll dequeues every currently queued element in FIFO order
// without blocking, coalescing the wakeup into a single notify.
func (p *protocol) drainAll() [][]byte {
	p.mu.Lock()
	defer p.mu.Unlock()

	var out [][]byte
	for p.countLocked() > 0 {
		out = append(out, p.advanceReaderLocked())
	}
	if len(out) > 0 {
		p.notifyWriters.NotifyAll()
	}
	return out
}

// close marks the queue closed and wakes every blocked reader and
// writer. close is idempotent.
func (p *protocol) close() {
	p.mu.Lock()
	atomic.StoreUint32(&p.hdr.closed, 1)
	p.mu.Unlock()
	p.notifyReaders.NotifyAll()
	p.notifyWriters.NotifyAll()
}
