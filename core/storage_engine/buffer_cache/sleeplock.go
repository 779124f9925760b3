package buffercache

import (
	"sync"

	commonutils "github.com/sushant-115/kmem/internal/common_utils"
)

// sleepLock is a long-term lock that may be held across a disk transfer.
// Waiters park on a condition variable instead of spinning, and the holder
// goroutine is recorded so ownership can be checked.
type sleepLock struct {
	mu     sync.Mutex
	cond   *sync.Cond
	locked bool
	holder int64
}

func (l *sleepLock) init() {
	l.cond = sync.NewCond(&l.mu)
}

func (l *sleepLock) acquire() {
	l.mu.Lock()
	for l.locked {
		l.cond.Wait()
	}
	l.locked = true
	l.holder = commonutils.GoID()
	l.mu.Unlock()
}

func (l *sleepLock) release() {
	l.mu.Lock()
	l.locked = false
	l.holder = 0
	l.cond.Broadcast()
	l.mu.Unlock()
}

// holding reports whether the calling goroutine holds the lock.
func (l *sleepLock) holding() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.locked && l.holder == commonutils.GoID()
}
