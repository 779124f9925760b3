// Package clock provides the tick sources used to stamp buffer acquisitions.
// Only the relative order of two samples matters to callers.
package clock

import (
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

// Clock is a monotonically non-decreasing tick counter.
type Clock interface {
	Now() uint64
}

// Logical advances by one on every sample, so no two samples are equal.
type Logical struct {
	n atomic.Uint64
}

// NewLogical returns a logical clock starting at zero.
func NewLogical() *Logical { return &Logical{} }

// Now returns the next tick.
func (l *Logical) Now() uint64 { return l.n.Add(1) }

// Ticker is a periodic timer interrupt: a background goroutine bumps the
// counter every interval. Samples taken within one interval are equal.
type Ticker struct {
	ticks    atomic.Uint64
	interval time.Duration
	stopChan chan struct{}
	wg       sync.WaitGroup
	once     sync.Once
	logger   *zap.Logger
}

// NewTicker starts a ticker firing every interval.
func NewTicker(interval time.Duration, logger *zap.Logger) *Ticker {
	if logger == nil {
		logger = zap.NewNop()
	}
	t := &Ticker{
		interval: interval,
		stopChan: make(chan struct{}),
		logger:   logger.Named("clock"),
	}
	t.wg.Add(1)
	go t.run()
	t.logger.Info("tick source started", zap.Duration("interval", interval))
	return t
}

func (t *Ticker) run() {
	defer t.wg.Done()
	tk := time.NewTicker(t.interval)
	defer tk.Stop()
	for {
		select {
		case <-tk.C:
			t.ticks.Add(1)
		case <-t.stopChan:
			return
		}
	}
}

// Now returns the number of ticks elapsed since start.
func (t *Ticker) Now() uint64 { return t.ticks.Load() }

// Stop halts the background goroutine. The counter keeps its last value.
func (t *Ticker) Stop() {
	t.once.Do(func() {
		close(t.stopChan)
		t.wg.Wait()
		t.logger.Info("tick source stopped", zap.Uint64("ticks", t.ticks.Load()))
	})
}
