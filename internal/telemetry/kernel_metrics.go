package internaltelemetry

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
)

var (
	attrManaged   = metric.WithAttributes(attribute.String("kind", "managed"))
	attrUnmanaged = metric.WithAttributes(attribute.String("kind", "unmanaged"))
	attrHome      = metric.WithAttributes(attribute.String("source", "home"))
	attrRemote    = metric.WithAttributes(attribute.String("source", "remote"))
	attrRead      = metric.WithAttributes(attribute.String("op", "read"))
	attrWrite     = metric.WithAttributes(attribute.String("op", "write"))
)

// KernelMetrics holds all the metric instruments for the frame allocator and
// the block cache.
type KernelMetrics struct {
	FramesAllocatedCounter metric.Int64Counter
	FramesFreedCounter     metric.Int64Counter
	FreeFramesUpDown       metric.Int64UpDownCounter
	AllocFailuresCounter   metric.Int64Counter

	CacheHitsCounter      metric.Int64Counter
	CacheMissesCounter    metric.Int64Counter
	EvictionsCounter      metric.Int64Counter
	PoolExhaustedCounter  metric.Int64Counter
	DiskTransfersCounter  metric.Int64Counter
	TransferLatencyMicros metric.Int64Histogram
}

// NewKernelMetrics creates and registers all the kernel metrics on meter.
func NewKernelMetrics(meter metric.Meter) (*KernelMetrics, error) {
	m := &KernelMetrics{}
	var err error

	if m.FramesAllocatedCounter, err = meter.Int64Counter(
		"kmem.frames.allocated_total",
		metric.WithDescription("Frames handed out by the allocator."),
		metric.WithUnit("1"),
	); err != nil {
		return nil, err
	}
	if m.FramesFreedCounter, err = meter.Int64Counter(
		"kmem.frames.freed_total",
		metric.WithDescription("Frames returned to the free-list."),
		metric.WithUnit("1"),
	); err != nil {
		return nil, err
	}
	if m.FreeFramesUpDown, err = meter.Int64UpDownCounter(
		"kmem.frames.free",
		metric.WithDescription("Frames currently on the free-list."),
		metric.WithUnit("1"),
	); err != nil {
		return nil, err
	}
	if m.AllocFailuresCounter, err = meter.Int64Counter(
		"kmem.frames.alloc_failures_total",
		metric.WithDescription("Allocation requests that found the free-list empty."),
		metric.WithUnit("1"),
	); err != nil {
		return nil, err
	}
	if m.CacheHitsCounter, err = meter.Int64Counter(
		"kmem.bcache.hits_total",
		metric.WithDescription("Block lookups served by an already bound buffer."),
		metric.WithUnit("1"),
	); err != nil {
		return nil, err
	}
	if m.CacheMissesCounter, err = meter.Int64Counter(
		"kmem.bcache.misses_total",
		metric.WithDescription("Block lookups that had to evict a buffer."),
		metric.WithUnit("1"),
	); err != nil {
		return nil, err
	}
	if m.EvictionsCounter, err = meter.Int64Counter(
		"kmem.bcache.evictions_total",
		metric.WithDescription("Buffers rebound to a different block."),
		metric.WithUnit("1"),
	); err != nil {
		return nil, err
	}
	if m.PoolExhaustedCounter, err = meter.Int64Counter(
		"kmem.bcache.exhausted_total",
		metric.WithDescription("Misses that found every buffer referenced."),
		metric.WithUnit("1"),
	); err != nil {
		return nil, err
	}
	if m.DiskTransfersCounter, err = meter.Int64Counter(
		"kmem.disk.transfers_total",
		metric.WithDescription("Block transfers issued to the device."),
		metric.WithUnit("1"),
	); err != nil {
		return nil, err
	}
	if m.TransferLatencyMicros, err = meter.Int64Histogram(
		"kmem.disk.transfer_duration",
		metric.WithDescription("Latency of a single block transfer."),
		metric.WithUnit("us"),
	); err != nil {
		return nil, err
	}
	return m, nil
}

// NewNoopKernelMetrics returns instruments that record nothing.
func NewNoopKernelMetrics() *KernelMetrics {
	m, err := NewKernelMetrics(noop.NewMeterProvider().Meter(""))
	if err != nil {
		// The noop meter never fails.
		panic(err)
	}
	return m
}

func (m *KernelMetrics) FrameAllocated(managed bool) {
	if managed {
		m.FramesAllocatedCounter.Add(context.Background(), 1, attrManaged)
	} else {
		m.FramesAllocatedCounter.Add(context.Background(), 1, attrUnmanaged)
	}
	m.FreeFramesUpDown.Add(context.Background(), -1)
}

func (m *KernelMetrics) FrameFreed(managed bool) {
	if managed {
		m.FramesFreedCounter.Add(context.Background(), 1, attrManaged)
	} else {
		m.FramesFreedCounter.Add(context.Background(), 1, attrUnmanaged)
	}
	m.FreeFramesUpDown.Add(context.Background(), 1)
}

// FramesSeeded records frames pushed onto the free-list at boot.
func (m *KernelMetrics) FramesSeeded(n int) {
	m.FreeFramesUpDown.Add(context.Background(), int64(n))
}

func (m *KernelMetrics) AllocFailed() {
	m.AllocFailuresCounter.Add(context.Background(), 1)
}

func (m *KernelMetrics) CacheHit() {
	m.CacheHitsCounter.Add(context.Background(), 1)
}

func (m *KernelMetrics) CacheMiss() {
	m.CacheMissesCounter.Add(context.Background(), 1)
}

// Evicted records a rebind; remote is true when the victim came from a
// bucket other than the requested block's home bucket.
func (m *KernelMetrics) Evicted(remote bool) {
	if remote {
		m.EvictionsCounter.Add(context.Background(), 1, attrRemote)
	} else {
		m.EvictionsCounter.Add(context.Background(), 1, attrHome)
	}
}

func (m *KernelMetrics) PoolExhausted() {
	m.PoolExhaustedCounter.Add(context.Background(), 1)
}

func (m *KernelMetrics) Transferred(write bool, took time.Duration) {
	if write {
		m.DiskTransfersCounter.Add(context.Background(), 1, attrWrite)
		m.TransferLatencyMicros.Record(context.Background(), took.Microseconds(), attrWrite)
	} else {
		m.DiskTransfersCounter.Add(context.Background(), 1, attrRead)
		m.TransferLatencyMicros.Record(context.Background(), took.Microseconds(), attrRead)
	}
}
