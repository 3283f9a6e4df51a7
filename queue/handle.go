//go:build linux

// Package queue implements SharedCircularQueue, a bounded FIFO queue of
// fixed-capacity byte payloads over a shared-memory region. Unlike a
// message, nothing is ever overwritten before it's read: a full queue
// makes writers wait (or fail, for the non-blocking path) instead of
// dropping the oldest element.
package queue

import (
	"sync"
	"time"

	"github.com/shmipc-go/shmipc/internal/region"
	"github.com/shmipc-go/shmipc/mode"
	"go.uber.org/zap"
)

const asyncQueueDepth = 64

// readWorkerPollInterval bounds how long a read-async worker's
// background wait can run before it rechecks h.stop. It trades a small,
// bounded wakeup latency for the ability to shut the worker down
// without relying on some other process's write or close to ever
// arrive.
const readWorkerPollInterval = 50 * time.Millisecond

// Option configures a Handle at construction time.
type Option func(*Handle)

// WithLogger attaches a logger used for the background goroutine an
// async Handle runs. The default is a no-op logger.
func WithLogger(log *zap.Logger) Option {
	return func(h *Handle) { h.log = log }
}

// Handle is a single process's view onto a SharedCircularQueue.
//
// Unlike message.Handle, a queue Handle carries no per-call versioning
// and its async writer never coalesces: every item handed to
// WriteAsync is enqueued, in order, exactly once.
type Handle struct {
	region *region.Region
	proto  *protocol
	mode   mode.Mode
	log    *zap.Logger

	writeCh   chan []byte
	readCh    chan []byte
	stop      chan struct{}
	wg        sync.WaitGroup
	closeOnce sync.Once
}

// Create creates a new named queue region with capacity slots, each
// able to hold up to maxElementSize bytes, and returns a Handle opened
// in m.
func Create(name string, maxElementSize, capacity uint32, m mode.Mode, opts ...Option) (*Handle, error) {
	if maxElementSize == 0 || capacity == 0 {
		return nil, ErrZeroSize
	}
	stride := slotLenPrefix + int(maxElementSize)
	size := uint64(headerSize) + uint64(stride)*uint64(capacity)

	r, err := region.Create(name, size)
	if err != nil {
		return nil, Error.Wrap(err)
	}
	p := newProtocol(r.Bytes())
	p.init(maxElementSize, capacity)
	return newHandle(r, p, m, opts), nil
}

// Open attaches to an existing named queue region and returns a Handle
// opened in m.
func Open(name string, m mode.Mode, opts ...Option) (*Handle, error) {
	r, err := region.Open(name)
	if err != nil {
		return nil, Error.Wrap(err)
	}
	p := newProtocol(r.Bytes())
	return newHandle(r, p, m, opts), nil
}

func newHandle(r *region.Region, p *protocol, m mode.Mode, opts []Option) *Handle {
	h := &Handle{
		region: r,
		proto:  p,
		mode:   m,
		log:    zap.NewNop(),
	}
	for _, opt := range opts {
		opt(h)
	}
	if m.IsAsync() {
		h.stop = make(chan struct{})
		if m.CanWrite() {
			h.writeCh = make(chan []byte, asyncQueueDepth)
			h.wg.Add(1)
			go h.writeWorker()
		} else {
			h.readCh = make(chan []byte, asyncQueueDepth)
			h.wg.Add(1)
			go h.readWorker()
		}
	}
	return h
}

// Name returns the region's name.
func (h *Handle) Name() string { return h.region.Name() }

// MaxElementSize returns the largest single element the queue can hold.
func (h *Handle) MaxElementSize() int { return h.proto.maxElementSize() }

// Capacity returns the number of element slots in the queue.
func (h *Handle) Capacity() int { return h.proto.capacity() }

// Len returns the number of elements currently queued.
func (h *Handle) Len() int { return int(h.proto.len()) }

// IsFull reports whether the queue currently has no free slots.
func (h *Handle) IsFull() bool { return h.proto.isFull() }

// IsClosed reports whether the queue has been closed.
func (h *Handle) IsClosed() bool { return h.proto.isClosed() }

// MemorySize returns the total size in bytes of the region backing
// this queue, header and slots included.
func (h *Handle) MemorySize() int { return len(h.region.Bytes()) }

// TryWrite enqueues data without blocking, returning false if the queue
// is full or closed.
func (h *Handle) TryWrite(data []byte) (bool, error) {
	h.mode.CheckCanWrite()
	return h.proto.tryWrite(data)
}

// Write enqueues data, blocking until a slot is free. It returns false
// if the queue closed before a slot became available. It panics if the
// handle is async (use WriteAsync).
func (h *Handle) Write(data []byte) (bool, error) {
	h.mode.CheckCanWrite()
	if h.mode.IsAsync() {
		panic("shmipc: Write called on an async handle; use WriteAsync")
	}
	return h.proto.blockingWrite(data)
}

// WriteAsync hands data to the background write worker, which enqueues
// it (blocking the worker if the queue is full) in the order
// WriteAsync was called. The caller itself blocks only once
// asyncQueueDepth buffers are waiting for the worker.
func (h *Handle) WriteAsync(data []byte) {
	if h.mode != mode.WriteAsync {
		panic("shmipc: WriteAsync called on a handle that is not write-async")
	}
	owned := append([]byte(nil), data...)
	h.writeCh <- owned
}

func (h *Handle) writeWorker() {
	defer h.wg.Done()
	for buf := range h.writeCh {
		if ok, err := h.proto.blockingWrite(buf); err != nil {
			h.log.Error("async queue write failed", zap.Error(err), zap.String("name", h.Name()))
		} else if !ok {
			return
		}
	}
}

// TryRead dequeues the oldest element without blocking, returning false
// if the queue is empty or closed.
func (h *Handle) TryRead() ([]byte, bool) {
	h.mode.CheckCanRead()
	return h.proto.tryRead()
}

// Read dequeues the oldest element, blocking until one is available or
// the queue closes. It panics if the handle is async (use ReadAsync).
func (h *Handle) Read() ([]byte, bool) {
	h.mode.CheckCanRead()
	if h.mode.IsAsync() {
		panic("shmipc: Read called on an async handle; use ReadAsync")
	}
	return h.proto.blockingRead()
}

// DrainAll dequeues every currently queued element in FIFO order
// without blocking.
func (h *Handle) DrainAll() [][]byte {
	h.mode.CheckCanRead()
	return h.proto.drainAll()
}

// ReadAsync receives the next element dequeued by the background read
// worker, blocking until one arrives or the queue closes.
func (h *Handle) ReadAsync() ([]byte, bool) {
	if h.mode != mode.ReadAsync {
		panic("shmipc: ReadAsync called on a handle that is not read-async")
	}
	data, open := <-h.readCh
	return data, open
}

// readWorker pulls elements off the shared queue and posts them to
// readCh until stop fires or the queue closes and drains. It uses
// blockingReadInterruptible rather than blockingRead: a plain
// blockingRead can only be unblocked by another process enqueuing an
// element or closing the queue, and this handle may be the only one
// left attached, so a bounded poll against h.stop is what lets Close
// reliably join this goroutine instead of hanging on an event that may
// never come.
func (h *Handle) readWorker() {
	defer h.wg.Done()
	defer close(h.readCh)
	for {
		select {
		case <-h.stop:
			return
		default:
		}
		data, ok := h.proto.blockingReadInterruptible(h.stop, readWorkerPollInterval)
		if !ok {
			return
		}
		// data has already been dequeued from the shared region, so it must
		// be delivered rather than raced against h.stop: a select here
		// could drop it if Close happened to fire at the same moment,
		// silently violating the "nothing is ever overwritten before it's
		// read" guarantee this package documents.
		h.readCh <- data
	}
}

// Close releases this handle's resources. If the handle can write, it
// first closes the queue itself so every reader observes the shutdown.
// Close is idempotent.
func (h *Handle) Close() error {
	var err error
	h.closeOnce.Do(func() {
		if h.mode.IsAsync() {
			close(h.stop)
			if h.writeCh != nil {
				close(h.writeCh)
			}
		}
		if h.mode.CanWrite() {
			h.proto.close()
		}
		h.wg.Wait()
		err = h.region.Close()
	})
	return err
}
