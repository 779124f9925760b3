// Package config loads the YAML configuration shared by the kmem commands.
package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/sushant-115/kmem/core/memory/memlayout"
	"github.com/sushant-115/kmem/pkg/logger"
	"github.com/sushant-115/kmem/pkg/telemetry"
)

// Disk kinds.
const (
	DiskMemory = "memory"
	DiskFile   = "file"
)

// Config is the root of a kmem configuration file.
type Config struct {
	Logger    logger.Config    `yaml:"logger"`
	Telemetry telemetry.Config `yaml:"telemetry"`
	Disk      DiskConfig       `yaml:"disk"`
	Clock     ClockConfig      `yaml:"clock"`
	Workload  WorkloadConfig   `yaml:"workload"`
}

// DiskConfig selects the block device behind the buffer cache.
type DiskConfig struct {
	Kind string `yaml:"kind"`
	// Path is the disk image, used when Kind is "file".
	Path string `yaml:"path"`
	// BytesPerSecond throttles transfers when positive.
	BytesPerSecond int `yaml:"bytes_per_second"`
}

// ClockConfig selects the tick source stamping buffer acquisitions. A zero
// interval selects a logical clock.
type ClockConfig struct {
	TickInterval time.Duration `yaml:"tick_interval"`
}

// WorkloadConfig drives kmem_stress.
type WorkloadConfig struct {
	Workers int `yaml:"workers"`
	// Ops is the number of operations per worker.
	Ops int `yaml:"ops"`
	// Devices and Blocks bound the block addresses touched.
	Devices int `yaml:"devices"`
	Blocks  int `yaml:"blocks"`
	// MaxFrames is how many frames a worker keeps before freeing.
	MaxFrames int   `yaml:"max_frames"`
	Seed      int64 `yaml:"seed"`
}

// Default returns a configuration that runs entirely in memory.
func Default() Config {
	return Config{
		Logger: logger.Config{Level: "info", Format: "console", OutputFile: "stderr"},
		Telemetry: telemetry.Config{
			ServiceName:      "kmem",
			MetricsAddr:      ":9464",
			TraceSampleRatio: 1,
		},
		Disk: DiskConfig{Kind: DiskMemory},
		Workload: WorkloadConfig{
			Workers:   8,
			Ops:       2000,
			Devices:   2,
			Blocks:    64,
			MaxFrames: 16,
			Seed:      1,
		},
	}
}

// Load reads path over Default and validates the result.
func Load(path string) (Config, error) {
	cfg := Default()
	raw, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("config: read %s: %w", path, err)
	}
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return cfg, fmt.Errorf("config: parse %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return cfg, fmt.Errorf("config: %s: %w", path, err)
	}
	return cfg, nil
}

// Validate reports the first inconsistent setting.
func (c Config) Validate() error {
	switch c.Disk.Kind {
	case DiskMemory:
	case DiskFile:
		if c.Disk.Path == "" {
			return errors.New("disk.path is required for a file disk")
		}
	default:
		return fmt.Errorf("unknown disk.kind %q", c.Disk.Kind)
	}
	if c.Disk.BytesPerSecond < 0 {
		return errors.New("disk.bytes_per_second cannot be negative")
	}
	if c.Clock.TickInterval < 0 {
		return errors.New("clock.tick_interval cannot be negative")
	}
	w := c.Workload
	if w.Workers <= 0 || w.Ops < 0 || w.Devices <= 0 || w.Blocks <= 0 || w.MaxFrames < 0 {
		return fmt.Errorf("invalid workload %+v", w)
	}
	if w.Devices > memlayout.MaxDevices || w.Blocks > memlayout.BlocksPerDevice {
		return fmt.Errorf("workload addresses %d devices x %d blocks, image holds %d x %d",
			w.Devices, w.Blocks, memlayout.MaxDevices, memlayout.BlocksPerDevice)
	}
	return nil
}
