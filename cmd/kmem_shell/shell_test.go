package main

import (
	"bytes"
	"fmt"
	"path/filepath"
	"strconv"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest"

	"github.com/sushant-115/kmem/config"
	"github.com/sushant-115/kmem/core/kernel"
)

func setupShell(t *testing.T) (*shell, *bytes.Buffer) {
	t.Helper()
	k, err := kernel.Boot(config.Default(), zaptest.NewLogger(t), nil)
	require.NoError(t, err)
	t.Cleanup(func() { require.NoError(t, k.Shutdown()) })

	var out bytes.Buffer
	return newShell(k, &out, zap.NewAtomicLevel()), &out
}

func execOK(t *testing.T, s *shell, out *bytes.Buffer, line string) string {
	t.Helper()
	out.Reset()
	require.NoError(t, s.exec(line), line)
	return strings.TrimSpace(out.String())
}

func TestShellFrameLifecycle(t *testing.T) {
	s, out := setupShell(t)
	total := s.k.Frames.FreeFrames()

	pa := execOK(t, s, out, "alloc")
	require.True(t, strings.HasPrefix(pa, "0x"))
	require.Equal(t, pa+" refs=2", execOK(t, s, out, "inc "+pa))
	require.Equal(t, pa+" refs=1", execOK(t, s, out, "free "+pa))
	require.Equal(t, pa+" refs=0", execOK(t, s, out, "free "+pa))
	require.Equal(t, total, s.k.Frames.FreeFrames())

	// A second free of the same frame is a contract violation.
	err := s.exec("free " + pa)
	require.ErrorContains(t, err, "kernel panic")

	upa := execOK(t, s, out, "allocu")
	execOK(t, s, out, "freeu "+upa)
	require.Equal(t, total, s.k.Frames.FreeFrames())
}

func TestShellBlockLifecycle(t *testing.T) {
	s, out := setupShell(t)

	var id int
	_, err := fmt.Sscanf(execOK(t, s, out, "read 1 1"), "buffer %d:", &id)
	require.NoError(t, err)
	sid := strconv.Itoa(id)

	execOK(t, s, out, "write "+sid+" hello kmem")
	require.Error(t, s.exec("read 1 1"), "re-reading a held block would self-deadlock")
	execOK(t, s, out, "pin "+sid)
	execOK(t, s, out, "release "+sid)
	require.Contains(t, execOK(t, s, out, "held"), "pinned "+sid+": dev 1 block 1")

	require.Equal(t, "buffer "+sid+`: "hello kmem"`, execOK(t, s, out, "read 1 1"))
	execOK(t, s, out, "release "+sid)
	execOK(t, s, out, "unpin "+sid)
	require.Equal(t, "ok, 0 buffers referenced", execOK(t, s, out, "audit"))
	require.Contains(t, execOK(t, s, out, "stats"), "hits=1 misses=1")
	require.True(t, strings.HasPrefix(execOK(t, s, out, "snapshot "+filepath.Join(t.TempDir(), "disk.img")), "sha256 "))
}

func TestShellErrors(t *testing.T) {
	s, _ := setupShell(t)

	require.Error(t, s.exec("bogus"))
	require.Error(t, s.exec("free nope"))
	require.Error(t, s.exec("read 1"))
	require.Error(t, s.exec("release 7"))
	require.Error(t, s.exec("level loud"))
	require.NoError(t, s.exec("level debug"))
	require.Equal(t, zap.DebugLevel, s.level.Level())
	require.ErrorIs(t, s.exec("quit"), errQuit)
	require.NoError(t, s.exec("   "))
}

func TestShellReleaseAll(t *testing.T) {
	s, out := setupShell(t)
	execOK(t, s, out, "read 2 4")
	execOK(t, s, out, "read 2 5")
	for id := range s.held {
		if _, ok := s.pinned[id]; !ok {
			require.NoError(t, s.exec("pin "+strconv.Itoa(id)))
			break
		}
	}
	s.releaseAll()
	require.Empty(t, s.held)
	require.Empty(t, s.pinned)
	require.Equal(t, 0, s.k.Cache.Referenced())
}
