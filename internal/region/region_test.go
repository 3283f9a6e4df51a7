//go:build linux

package region

import (
	"fmt"
	"os"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/require"
)

var nameCounter int64

func uniqueName(t *testing.T) string {
	t.Helper()
	return fmt.Sprintf("/shmipc-region-test-%d-%d", os.Getpid(), atomic.AddInt64(&nameCounter, 1))
}

func TestCreateZeroFillsAndUnlinksOnClose(t *testing.T) {
	name := uniqueName(t)

	r, err := Create(name, 64)
	require.NoError(t, err)
	for _, b := range r.Bytes() {
		require.Equal(t, byte(0), b)
	}

	_, err = os.Stat(shmDir + name)
	require.NoError(t, err, "the region file should exist while the creator holds it open")

	require.NoError(t, r.Close())
	_, err = os.Stat(shmDir + name)
	require.Error(t, err, "Close on the creating Region should unlink the name")
}

func TestOpenSeesCreatorsWrites(t *testing.T) {
	name := uniqueName(t)

	creator, err := Create(name, 16)
	require.NoError(t, err)
	defer func() { _ = creator.Close() }()

	creator.Bytes()[0] = 0xAB

	opener, err := Open(name)
	require.NoError(t, err)
	defer func() { _ = opener.Close() }()

	require.Equal(t, byte(0xAB), opener.Bytes()[0])
	require.Len(t, opener.Bytes(), 16)
}

func TestOpenDoesNotUnlink(t *testing.T) {
	name := uniqueName(t)

	creator, err := Create(name, 8)
	require.NoError(t, err)

	opener, err := Open(name)
	require.NoError(t, err)
	require.NoError(t, opener.Close())

	_, err = os.Stat(shmDir + name)
	require.NoError(t, err, "Close on an opened (not created) Region must not unlink the name")

	require.NoError(t, creator.Close())
	_, err = os.Stat(shmDir + name)
	require.Error(t, err)
}

func TestCreateRejectsEmptyNameAndZeroSize(t *testing.T) {
	_, err := Create("", 16)
	require.ErrorIs(t, err, ErrEmptyName)

	_, err = Create(uniqueName(t), 0)
	require.ErrorIs(t, err, ErrZeroSize)
}

func TestCreateRejectsDuplicateName(t *testing.T) {
	name := uniqueName(t)
	first, err := Create(name, 8)
	require.NoError(t, err)
	defer func() { _ = first.Close() }()

	_, err = Create(name, 8)
	require.Error(t, err, "Create must not silently truncate a region another process owns")
}
