//go:build linux

// Package region manages the POSIX shared-memory objects that back every
// primitive in this module: named files under /dev/shm, memory-mapped
// MAP_SHARED so every attaching process sees the same physical pages.
// The process that creates a region owns its name and unlinks it on
// Close; a process that only opens an existing region never unlinks it,
// so the region survives until its creator is done with it.
package region

import (
	"strings"

	"github.com/zeebo/errs"
	"golang.org/x/sys/unix"
)

// Error classifies every error this package returns.
var Error = errs.Class("region")

var (
	// ErrEmptyName is returned when a region name is the empty string.
	ErrEmptyName = Error.New("name cannot be empty")
	// ErrZeroSize is returned when Create is asked for a zero-byte region.
	ErrZeroSize = Error.New("size cannot be zero")
)

const shmDir = "/dev/shm"

func path(name string) string {
	if strings.HasPrefix(name, "/") {
		return shmDir + name
	}
	return shmDir + "/" + name
}

func validateName(name string) error {
	if name == "" {
		return ErrEmptyName
	}
	return nil
}

// Region is a named, memory-mapped shared-memory object. Its mapping is
// stable for the Region's lifetime; no pointer derived from Bytes may
// outlive a call to Close.
type Region struct {
	name    string
	fd      int
	data    []byte
	created bool
}

// Create opens a new named shared-memory region of exactly size bytes,
// zero-filled, and marks it as owned: Close will unlink the name.
func Create(name string, size uint64) (*Region, error) {
	if err := validateName(name); err != nil {
		return nil, err
	}
	if size == 0 {
		return nil, ErrZeroSize
	}

	p := path(name)
	fd, err := unix.Open(p, unix.O_CREAT|unix.O_EXCL|unix.O_RDWR, 0o600)
	if err != nil {
		return nil, Error.Wrap(err)
	}

	r, err := finishCreate(p, fd, size)
	if err != nil {
		_ = unix.Unlink(p)
		return nil, err
	}
	r.name = name
	return r, nil
}

func finishCreate(p string, fd int, size uint64) (*Region, error) {
	if err := unix.Ftruncate(fd, int64(size)); err != nil {
		_ = unix.Close(fd)
		return nil, Error.Wrap(err)
	}

	data, err := unix.Mmap(fd, 0, int(size), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		_ = unix.Close(fd)
		return nil, Error.Wrap(err)
	}
	// O_CREAT|O_EXCL guarantees a fresh file, but a fresh file is
	// already zero-filled by the kernel; the explicit clear documents
	// that guarantee rather than relying on it silently.
	for i := range data {
		data[i] = 0
	}

	if err := unix.Close(fd); err != nil {
		_ = unix.Munmap(data)
		return nil, Error.Wrap(err)
	}

	return &Region{fd: -1, data: data, created: true}, nil
}

// Open attaches to an existing named shared-memory region, mapping its
// full current size. Close on the returned Region never unlinks name.
func Open(name string) (*Region, error) {
	if err := validateName(name); err != nil {
		return nil, err
	}

	p := path(name)
	fd, err := unix.Open(p, unix.O_RDWR, 0)
	if err != nil {
		return nil, Error.Wrap(err)
	}
	defer func() { _ = unix.Close(fd) }()

	var stat unix.Stat_t
	if err := unix.Fstat(fd, &stat); err != nil {
		return nil, Error.Wrap(err)
	}

	data, err := unix.Mmap(fd, 0, int(stat.Size), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		return nil, Error.Wrap(err)
	}

	return &Region{name: name, fd: -1, data: data, created: false}, nil
}

// Bytes returns the mapped region's backing slice.
func (r *Region) Bytes() []byte { return r.data }

// Name returns the name the region was created or opened with.
func (r *Region) Name() string { return r.name }

// Close unmaps the region. If this Region was the one that created the
// name, Close also unlinks it; a Region obtained from Open never does.
func (r *Region) Close() error {
	if r.data == nil {
		return nil
	}
	err := unix.Munmap(r.data)
	r.data = nil
	if r.created {
		_ = unix.Unlink(path(r.name))
	}
	if err != nil {
		return Error.Wrap(err)
	}
	return nil
}
