package buffercache

import (
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestSleepLockExcludesAndTracksHolder(t *testing.T) {
	var l sleepLock
	l.init()

	l.acquire()
	require.True(t, l.holding())

	var acquired atomic.Bool
	done := make(chan bool)
	go func() {
		held := l.holding()
		l.acquire()
		acquired.Store(true)
		held = held || !l.holding()
		l.release()
		done <- held
	}()

	require.Never(t, acquired.Load, 30*time.Millisecond, 5*time.Millisecond)
	l.release()
	require.False(t, l.holding())
	require.False(t, <-done, "holder must be reported per goroutine")
}
