//go:build linux

package message

import (
	"fmt"
	"os"
	"sync/atomic"
	"testing"
	"time"

	"github.com/shmipc-go/shmipc/mode"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"
)

var nameCounter int64

func uniqueName(t *testing.T) string {
	t.Helper()
	return fmt.Sprintf("/shmipc-message-test-%d-%d", os.Getpid(), atomic.AddInt64(&nameCounter, 1))
}

func TestWriteReadRoundTrip(t *testing.T) {
	name := uniqueName(t)

	w, err := Create(name, 64, mode.WriteSync, NoWait())
	require.NoError(t, err)
	defer func() { _ = w.Close() }()

	r, err := Open(name, mode.ReadSync, NoWait())
	require.NoError(t, err)
	defer func() { _ = r.Close() }()

	v, err := w.Write([]byte("hello"))
	require.NoError(t, err)
	require.Equal(t, uint64(1), v)

	data, ok := r.Read(false)
	require.True(t, ok)
	require.Equal(t, "hello", string(data))
	require.Equal(t, uint64(1), r.LastReadVersion())
}

func TestTryReadReturnsFalseWithoutNewVersion(t *testing.T) {
	name := uniqueName(t)

	w, err := Create(name, 64, mode.WriteSync, NoWait())
	require.NoError(t, err)
	defer func() { _ = w.Close() }()

	r, err := Open(name, mode.ReadSync, NoWait())
	require.NoError(t, err)
	defer func() { _ = r.Close() }()

	_, ok := r.Read(false)
	require.False(t, ok, "no write has happened yet")

	_, err = w.Write([]byte("a"))
	require.NoError(t, err)

	_, ok = r.Read(false)
	require.True(t, ok)

	_, ok = r.Read(false)
	require.False(t, ok, "the version hasn't changed since the last read")
}

func TestVersionMonotonicAcrossWrites(t *testing.T) {
	name := uniqueName(t)
	w, err := Create(name, 8, mode.WriteSync, NoWait())
	require.NoError(t, err)
	defer func() { _ = w.Close() }()

	var last uint64
	for i := 0; i < 50; i++ {
		v, err := w.Write([]byte{byte(i)})
		require.NoError(t, err)
		require.Greater(t, v, last)
		last = v
	}
}

func TestBlockingReadUnblocksOnWrite(t *testing.T) {
	name := uniqueName(t)
	w, err := Create(name, 8, mode.WriteSync, NoWait())
	require.NoError(t, err)
	defer func() { _ = w.Close() }()

	r, err := Open(name, mode.ReadSync, NoWait())
	require.NoError(t, err)
	defer func() { _ = r.Close() }()

	var g errgroup.Group
	resultCh := make(chan []byte, 1)
	g.Go(func() error {
		data, ok := r.Read(true)
		if !ok {
			return fmt.Errorf("blocking read returned false")
		}
		resultCh <- data
		return nil
	})

	time.Sleep(20 * time.Millisecond)
	_, err = w.Write([]byte("woke up"))
	require.NoError(t, err)

	require.NoError(t, g.Wait())
	require.Equal(t, "woke up", string(<-resultCh))
}

func TestBlockingReadUnblocksOnClose(t *testing.T) {
	name := uniqueName(t)
	w, err := Create(name, 8, mode.WriteSync, NoWait())
	require.NoError(t, err)

	r, err := Open(name, mode.ReadSync, NoWait())
	require.NoError(t, err)
	defer func() { _ = r.Close() }()

	var g errgroup.Group
	g.Go(func() error {
		_, ok := r.Read(true)
		if ok {
			return fmt.Errorf("expected Read to return false after close")
		}
		return nil
	})

	time.Sleep(20 * time.Millisecond)
	require.NoError(t, w.Close())
	require.NoError(t, g.Wait())
	require.True(t, r.IsClosed())
}

func TestWriteWaitsForReaders(t *testing.T) {
	name := uniqueName(t)
	w, err := Create(name, 8, mode.WriteSync, WaitForCount(1))
	require.NoError(t, err)
	defer func() { _ = w.Close() }()

	r, err := Open(name, mode.ReadSync, NoWait())
	require.NoError(t, err)
	defer func() { _ = r.Close() }()

	_, err = w.Write([]byte("v1"))
	require.NoError(t, err)

	secondWriteDone := make(chan struct{})
	go func() {
		_, _ = w.Write([]byte("v2"))
		close(secondWriteDone)
	}()

	select {
	case <-secondWriteDone:
		t.Fatal("second write should not complete before the reader consumes v1")
	case <-time.After(20 * time.Millisecond):
	}

	data, ok := r.Read(false)
	require.True(t, ok)
	require.Equal(t, "v1", string(data))

	select {
	case <-secondWriteDone:
	case <-time.After(time.Second):
		t.Fatal("second write did not complete after the reader consumed v1")
	}
}

func TestWriteWaitsForAllConsumers(t *testing.T) {
	name := uniqueName(t)
	w, err := Create(name, 8, mode.WriteSync, WaitForAll())
	require.NoError(t, err)
	defer func() { _ = w.Close() }()

	r1, err := Open(name, mode.ReadSync, NoWait())
	require.NoError(t, err)
	defer func() { _ = r1.Close() }()

	r2, err := Open(name, mode.ReadSync, NoWait())
	require.NoError(t, err)
	defer func() { _ = r2.Close() }()

	// The first write has no prior version to wait on readers for.
	_, err = w.Write([]byte("A"))
	require.NoError(t, err)

	secondWriteDone := make(chan struct{})
	go func() {
		_, _ = w.Write([]byte("B"))
		close(secondWriteDone)
	}()

	select {
	case <-secondWriteDone:
		t.Fatal("second write should not complete before any reader has consumed A")
	case <-time.After(20 * time.Millisecond):
	}

	data, ok := r1.Read(false)
	require.True(t, ok)
	require.Equal(t, "A", string(data))

	select {
	case <-secondWriteDone:
		t.Fatal("second write should not complete until both readers have consumed A")
	case <-time.After(20 * time.Millisecond):
	}

	data, ok = r2.Read(false)
	require.True(t, ok)
	require.Equal(t, "A", string(data))

	select {
	case <-secondWriteDone:
	case <-time.After(time.Second):
		t.Fatal("second write did not complete after both readers consumed A")
	}

	data, ok = r1.Read(false)
	require.True(t, ok)
	require.Equal(t, "B", string(data))

	data, ok = r2.Read(false)
	require.True(t, ok)
	require.Equal(t, "B", string(data))
}

func TestOversizeWriteRejected(t *testing.T) {
	name := uniqueName(t)
	w, err := Create(name, 4, mode.WriteSync, NoWait())
	require.NoError(t, err)
	defer func() { _ = w.Close() }()

	_, err = w.Write([]byte("too long"))
	require.ErrorIs(t, err, ErrOversizePayload)
}

func TestAsyncWriteAndRead(t *testing.T) {
	name := uniqueName(t)
	w, err := Create(name, 8, mode.WriteAsync, NoWait())
	require.NoError(t, err)
	defer func() { _ = w.Close() }()

	r, err := Open(name, mode.ReadAsync, NoWait())
	require.NoError(t, err)
	defer func() { _ = r.Close() }()

	w.WriteAsync([]byte("async"))

	data, ok := r.ReadAsync()
	require.True(t, ok)
	require.Equal(t, "async", string(data))
}

func TestReadAsyncHandleCloseReturnsWithNoWriter(t *testing.T) {
	name := uniqueName(t)
	w, err := Create(name, 8, mode.WriteSync, NoWait())
	require.NoError(t, err)
	defer func() { _ = w.Close() }()

	r, err := Open(name, mode.ReadAsync, NoWait())
	require.NoError(t, err)

	// Give the read worker a chance to park inside blockingReadInterruptible
	// before Close runs: the worker must notice h.stop on its own, since no
	// writer ever publishes a version or closes the region.
	time.Sleep(20 * time.Millisecond)

	done := make(chan error, 1)
	go func() { done <- r.Close() }()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Close on a read-async handle with no writer did not return")
	}
}

func TestDrainLatestKeepsNewestBuffer(t *testing.T) {
	ch := make(chan []byte, 4)
	ch <- []byte("2")
	ch <- []byte("3")

	got := drainLatest(ch, []byte("1"))
	require.Equal(t, "3", string(got))

	select {
	case <-ch:
		t.Fatal("drainLatest should have emptied the channel")
	default:
	}
}

func TestDrainLatestReturnsStartingValueWhenChannelEmpty(t *testing.T) {
	ch := make(chan []byte, 1)
	got := drainLatest(ch, []byte("only"))
	require.Equal(t, "only", string(got))
}

func TestAsyncWriteEventuallyDeliversLatestUnderNoWait(t *testing.T) {
	name := uniqueName(t)
	w, err := Create(name, 8, mode.WriteAsync, NoWait())
	require.NoError(t, err)
	defer func() { _ = w.Close() }()

	r, err := Open(name, mode.ReadSync, NoWait())
	require.NoError(t, err)
	defer func() { _ = r.Close() }()

	w.WriteAsync([]byte("1"))
	w.WriteAsync([]byte("2"))
	w.WriteAsync([]byte("3"))

	var data []byte
	require.Eventually(t, func() bool {
		d, ok := r.Read(false)
		if ok {
			data = d
		}
		return ok && string(d) == "3"
	}, time.Second, time.Millisecond)

	require.Equal(t, "3", string(data))
}

func TestIsNewVersionAvailable(t *testing.T) {
	name := uniqueName(t)
	w, err := Create(name, 8, mode.WriteSync, NoWait())
	require.NoError(t, err)
	defer func() { _ = w.Close() }()

	r, err := Open(name, mode.ReadSync, NoWait())
	require.NoError(t, err)
	defer func() { _ = r.Close() }()

	require.False(t, r.IsNewVersionAvailable())

	_, err = w.Write([]byte("x"))
	require.NoError(t, err)
	require.True(t, r.IsNewVersionAvailable())

	_, ok := r.Read(false)
	require.True(t, ok)
	require.False(t, r.IsNewVersionAvailable())
}

func TestCloseIsIdempotent(t *testing.T) {
	name := uniqueName(t)
	w, err := Create(name, 8, mode.WriteSync, NoWait())
	require.NoError(t, err)

	require.NoError(t, w.Close())
	require.NoError(t, w.Close())
}
