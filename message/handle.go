//go:build linux

// Package message implements SharedMessage, a versioned single-slot
// "latest value" channel over a shared-memory region: every write
// overwrites the one slot and bumps a version counter, and a reader
// compares its own last-seen version against the current one instead of
// dequeuing anything. It is the right shape for publishing the newest
// sample of some fast-changing state (a position, a gauge, a config
// blob) to one or many processes that only ever care about the latest
// value.
package message

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/shmipc-go/shmipc/internal/region"
	"github.com/shmipc-go/shmipc/mode"
	"go.uber.org/zap"
)

const asyncQueueDepth = 8

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

// Handle is a single process's view onto a SharedMessage. Its Mode
// governs which operations are legal and whether Write/Read run
// synchronously or are handed to a background goroutine.
type Handle struct {
	region *region.Region
	proto  *protocol
	mode   mode.Mode
	policy ReaderWaitPolicy
	log    *zap.Logger

	lastWritten atomic.Uint64
	lastRead    atomic.Uint64

	writeCh   chan []byte
	readCh    chan readResult
	stop      chan struct{}
	wg        sync.WaitGroup
	closeOnce sync.Once
}

// Create creates a new named message region sized for a payload of up
// to maxPayloadSize bytes and returns a Handle opened in m with the
// given reader wait policy.
func Create(name string, maxPayloadSize uint64, m mode.Mode, policy ReaderWaitPolicy, opts ...Option) (*Handle, error) {
	if maxPayloadSize == 0 {
		return nil, ErrZeroSize
	}
	r, err := region.Create(name, uint64(headerSize)+maxPayloadSize)
	if err != nil {
		return nil, Error.Wrap(err)
	}
	return newHandle(r, m, policy, opts), nil
}

// Open attaches to an existing named message region and returns a
// Handle opened in m with the given reader wait policy.
func Open(name string, m mode.Mode, policy ReaderWaitPolicy, opts ...Option) (*Handle, error) {
	r, err := region.Open(name)
	if err != nil {
		return nil, Error.Wrap(err)
	}
	return newHandle(r, m, policy, opts), nil
}

func newHandle(r *region.Region, m mode.Mode, policy ReaderWaitPolicy, opts []Option) *Handle {
	h := &Handle{
		region: r,
		proto:  newProtocol(r.Bytes()),
		mode:   m,
		policy: policy,
		log:    zap.NewNop(),
	}
	for _, opt := range opts {
		opt(h)
	}
	if m.CanRead() {
		h.proto.addReader()
	}
	if m.IsAsync() {
		h.stop = make(chan struct{})
		if m.CanWrite() {
			h.writeCh = make(chan []byte, asyncQueueDepth)
			h.wg.Add(1)
			go h.writeWorker()
		} else {
			h.readCh = make(chan readResult, asyncQueueDepth)
			h.wg.Add(1)
			go h.readWorker()
		}
	}
	return h
}

// Name returns the region's name.
func (h *Handle) Name() string { return h.region.Name() }

// MaxPayloadSize returns the largest payload the region can hold.
func (h *Handle) MaxPayloadSize() int { return h.proto.maxPayloadSize() }

// IsClosed reports whether the channel has been closed, by this handle
// or any other writer sharing the region.
func (h *Handle) IsClosed() bool { return h.proto.isClosed() }

// IsNewVersionAvailable reports whether the current version differs
// from the last version this handle read, without consuming it.
func (h *Handle) IsNewVersionAvailable() bool {
	return h.proto.loadVersion().version != h.lastRead.Load()
}

// LastWrittenVersion returns the version this handle last wrote.
func (h *Handle) LastWrittenVersion() uint64 { return h.lastWritten.Load() }

// LastReadVersion returns the version this handle last read.
func (h *Handle) LastReadVersion() uint64 { return h.lastRead.Load() }

// Write overwrites the channel's one slot, applying the handle's
// configured reader wait policy, and returns the new version. It panics
// if the handle cannot write, or if it is async (use WriteAsync).
func (h *Handle) Write(data []byte) (uint64, error) {
	h.mode.CheckCanWrite()
	if h.mode.IsAsync() {
		panic("shmipc: Write called on an async handle; use WriteAsync")
	}
	return h.write(data)
}

func (h *Handle) write(data []byte) (uint64, error) {
	k := h.policy.resolve()
	var v uint64
	var err error
	if k == 0 {
		v, err = h.proto.write(data)
	} else {
		v, err = h.proto.writeWaitingForReaders(data, k)
	}
	if err != nil {
		return 0, err
	}
	h.lastWritten.Store(v)
	return v, nil
}

// WriteAsync hands data to the background write worker, which applies
// it once the configured reader wait policy is satisfied. It never
// blocks on readers itself; it only blocks if the internal queue is
// full, which only happens if writes are produced faster than the
// worker can retire them.
func (h *Handle) WriteAsync(data []byte) {
	if h.mode != mode.WriteAsync {
		panic("shmipc: WriteAsync called on a handle that is not write-async")
	}
	owned := append([]byte(nil), data...)
	h.writeCh <- owned
}

// writeWorker applies the handle's reader-wait policy to decide how it
// drains the queue: a zero wait target means "latest value wins", so it
// coalesces any additional buffers already waiting in the channel down
// to the newest before writing; a non-zero wait target writes every
// buffer in order, since dropping one would mean a reader it waited for
// never actually saw it.
func (h *Handle) writeWorker() {
	defer h.wg.Done()
	for buf := range h.writeCh {
		if h.policy.resolve() == 0 {
			buf = drainLatest(h.writeCh, buf)
		}
		if _, err := h.write(buf); err != nil {
			h.log.Error("async message write failed", zap.Error(err), zap.String("name", h.Name()))
		}
	}
}

// drainLatest non-blockingly consumes any buffers already queued on ch,
// returning the most recently enqueued one seen (starting from latest).
func drainLatest(ch chan []byte, latest []byte) []byte {
	for {
		select {
		case buf, ok := <-ch:
			if !ok {
				return latest
			}
			latest = buf
		default:
			return latest
		}
	}
}

// Read returns the payload for the current version if it differs from
// the last version this handle observed. block selects between
// blocking until a new version arrives and returning immediately with
// ok=false if none is available. It panics if the handle cannot read,
// or if it is async (use ReadAsync).
func (h *Handle) Read(block bool) (data []byte, ok bool) {
	h.mode.CheckCanRead()
	if h.mode.IsAsync() {
		panic("shmipc: Read called on an async handle; use ReadAsync")
	}
	last := h.lastRead.Load()
	if block {
		res, got := h.proto.blockingRead(last)
		if !got {
			return nil, false
		}
		h.lastRead.Store(res.version)
		return res.data, true
	}
	res, got, closed := h.proto.tryRead(last)
	if closed || !got {
		return nil, false
	}
	h.lastRead.Store(res.version)
	return res.data, true
}

// ReadAsync receives the next payload produced by the background read
// worker, blocking until one arrives or the channel closes.
func (h *Handle) ReadAsync() (data []byte, ok bool) {
	if h.mode != mode.ReadAsync {
		panic("shmipc: ReadAsync called on a handle that is not read-async")
	}
	res, open := <-h.readCh
	if !open {
		return nil, false
	}
	h.lastRead.Store(res.version)
	return res.data, true
}

// readWorker pulls new versions off the shared region and posts them to
// readCh until stop fires or the channel closes. It uses
// blockingReadInterruptible rather than blockingRead: a plain
// blockingRead can only be unblocked by another process publishing a
// new version or closing the channel, and this handle may be the only
// one left attached, so a bounded poll against h.stop is what lets
// Close reliably join this goroutine instead of hanging on an event
// that may never come.
func (h *Handle) readWorker() {
	defer h.wg.Done()
	defer close(h.readCh)
	last := h.lastRead.Load()
	for {
		select {
		case <-h.stop:
			return
		default:
		}
		res, ok := h.proto.blockingReadInterruptible(last, h.stop, readWorkerPollInterval)
		if !ok {
			return
		}
		last = res.version
		// res has already been consumed from the shared region, so it must
		// be delivered rather than raced against h.stop: a select here
		// could drop it if Close happened to fire at the same moment,
		// silently losing a value nothing else holds a copy of.
		h.readCh <- res
	}
}

// Close releases this handle's resources. If the handle can write, it
// first closes the channel itself (setting the closed flag every
// reader observes); if it can read, it deregisters as a consumer.
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
		if h.mode.CanRead() {
			h.proto.removeReader()
		}
		err = h.region.Close()
	})
	return err
}
