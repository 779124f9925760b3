package blockdevice

import (
	"bytes"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/sushant-115/kmem/core/memory/memlayout"
)

func block(fill byte) []byte {
	return bytes.Repeat([]byte{fill}, memlayout.BlockSize)
}

func exerciseDevice(t *testing.T, d Device) {
	t.Helper()

	got := block(0xFF)
	require.NoError(t, d.Transfer(1, 7, got, false))
	require.Equal(t, block(0), got, "unwritten block must read as zeros")

	require.NoError(t, d.Transfer(1, 7, block('a'), true))
	require.NoError(t, d.Transfer(1, 8, block('b'), true))
	require.NoError(t, d.Transfer(2, 7, block('c'), true))

	for _, tc := range []struct {
		dev, blockno uint32
		want         byte
	}{
		{1, 7, 'a'},
		{1, 8, 'b'},
		{2, 7, 'c'},
	} {
		buf := make([]byte, memlayout.BlockSize)
		require.NoError(t, d.Transfer(tc.dev, tc.blockno, buf, false))
		require.Equal(t, block(tc.want), buf, "dev %d block %d", tc.dev, tc.blockno)
	}

	require.ErrorIs(t, d.Transfer(memlayout.MaxDevices, 0, block(0), false), ErrBadBlock)
	require.ErrorIs(t, d.Transfer(0, memlayout.BlocksPerDevice, block(0), false), ErrBadBlock)
	require.ErrorIs(t, d.Transfer(0, 0, make([]byte, 10), true), ErrBadBlock)
}

func TestMemDevice(t *testing.T) {
	d := NewMemDevice(zaptest.NewLogger(t))
	exerciseDevice(t, d)
	require.Equal(t, uint64(3), d.Writes())
	require.Equal(t, uint64(4), d.Reads())

	require.NoError(t, d.Close())
	require.ErrorIs(t, d.Transfer(0, 0, block(0), false), ErrClosed)
}

func TestFileDevicePersists(t *testing.T) {
	path := filepath.Join(t.TempDir(), "disk.img")

	d, err := OpenFileDevice(path, zaptest.NewLogger(t))
	require.NoError(t, err)
	exerciseDevice(t, d)
	require.NoError(t, d.Sync())
	require.NoError(t, d.Close())
	require.NoError(t, d.Close())

	reopened, err := OpenFileDevice(path, zaptest.NewLogger(t))
	require.NoError(t, err)
	defer reopened.Close()

	buf := make([]byte, memlayout.BlockSize)
	require.NoError(t, reopened.Transfer(1, 8, buf, false))
	require.Equal(t, block('b'), buf)
}

func TestThrottledDelaysTransfers(t *testing.T) {
	// One block of burst, then one block every 10ms.
	d := NewThrottled(NewMemDevice(nil), memlayout.BlockSize*100)

	start := time.Now()
	for i := 0; i < 4; i++ {
		require.NoError(t, d.Transfer(0, uint32(i), block(byte(i)), true))
	}
	require.GreaterOrEqual(t, time.Since(start), 20*time.Millisecond)

	buf := make([]byte, memlayout.BlockSize)
	require.NoError(t, d.Transfer(0, 3, buf, false))
	require.Equal(t, block(3), buf)
	require.NoError(t, d.Close())
}
