// Copyright 2026 The gVisor Authors.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package config holds the configuration of the hififo tool: board geometry,
// the interrupt source, stream behavior and the emulated board used when no
// hardware is named.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/mohae/deepcopy"
	"golang.org/x/time/rate"
	"gvisor.dev/hififo/pkg/abi/hififo"
	"gvisor.dev/hififo/pkg/dma"
	"gvisor.dev/hififo/pkg/fifo"
	"gvisor.dev/hififo/pkg/fifoio"
	"gvisor.dev/hififo/pkg/irq"
	"gvisor.dev/hififo/pkg/sim"
)

// Config is the tool configuration.
type Config struct {
	Device Device `toml:"device"`
	Stream Stream `toml:"stream"`
	Sim    Sim    `toml:"sim"`
}

// Device configures the board.
type Device struct {
	// BAR is the PCI resource file of the register window, for example
	// /sys/bus/pci/devices/0000:01:00.0/resource0. If empty, an emulated
	// board is used.
	BAR string `toml:"bar"`

	// UIO is the UIO node delivering the board's interrupt. If empty with
	// BAR set, the status register is polled.
	UIO string `toml:"uio"`

	Channels    int      `toml:"channels"`
	PageSize    uint64   `toml:"page_size"`
	DrainPages  int      `toml:"drain_pages"`
	FillPages   int      `toml:"fill_pages"`
	DrainMargin uint64   `toml:"drain_margin"`
	FillMargin  uint64   `toml:"fill_margin"`
	Timeout     Duration `toml:"timeout"`
	Hugetlb     bool     `toml:"hugetlb"`
}

// Stream configures the streams opened on channels.
type Stream struct {
	Retries int    `toml:"retries"`
	LockDir string `toml:"lock_dir"`
}

// Sim configures the emulated board.
type Sim struct {
	// Routes connects fill rings to drain rings.
	Routes []Route `toml:"routes"`

	// Rate is the link bandwidth in bytes per second. Zero is unlimited.
	Rate float64 `toml:"rate"`

	// Chunk is the largest transfer of one DMA step.
	Chunk uint64 `toml:"chunk"`
}

// Route is a sim.Route.
type Route struct {
	From int `toml:"from"`
	To   int `toml:"to"`
}

// Duration is a time.Duration written as a string, such as "250ms".
type Duration struct {
	time.Duration
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (d *Duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	d.Duration = v
	return nil
}

// MarshalText implements encoding.TextMarshaler.
func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

var defaults = Config{
	Device: Device{
		Channels:    1,
		PageSize:    hififo.PageSize,
		DrainPages:  hififo.DrainPages,
		FillPages:   hififo.FillPages,
		DrainMargin: hififo.DrainMargin,
		FillMargin:  hififo.FillMargin,
		Timeout:     Duration{hififo.DefaultTimeout},
	},
	Stream: Stream{
		Retries: fifoio.DefaultRetries,
	},
	Sim: Sim{
		Routes: []Route{{From: 0, To: 0}},
		Chunk:  64 << 10,
	},
}

// Default returns the built-in configuration. Each call returns a new copy.
func Default() *Config {
	return deepcopy.Copy(&defaults).(*Config)
}

// Load reads the TOML file at path over the defaults and validates the
// result. Unknown keys are an error.
func Load(path string) (*Config, error) {
	c := Default()
	md, err := toml.DecodeFile(path, c)
	if err != nil {
		return nil, fmt.Errorf("error reading config %q: %w", path, err)
	}
	if undecoded := md.Undecoded(); len(undecoded) != 0 {
		keys := make([]string, 0, len(undecoded))
		for _, k := range undecoded {
			keys = append(keys, k.String())
		}
		return nil, fmt.Errorf("config %q: unknown keys %s", path, strings.Join(keys, ", "))
	}
	if err := c.Validate(); err != nil {
		return nil, fmt.Errorf("config %q: %w", path, err)
	}
	return c, nil
}

// Validate checks the configuration for consistency.
func (c *Config) Validate() error {
	d := &c.Device
	if d.Channels < 1 || d.Channels > hififo.MaxChannels {
		return fmt.Errorf("device.channels %d out of range [1, %d]", d.Channels, hififo.MaxChannels)
	}
	if !hififo.IsPowerOfTwo(d.PageSize) || d.PageSize%hififo.CounterAlignment != 0 {
		return fmt.Errorf("device.page_size %d is not a power of two", d.PageSize)
	}
	for _, p := range []struct {
		name string
		n    int
	}{{"device.drain_pages", d.DrainPages}, {"device.fill_pages", d.FillPages}} {
		if p.n < 1 || p.n > hififo.PageTableEntries || !hififo.IsPowerOfTwo(uint64(p.n)) {
			return fmt.Errorf("%s %d is not a power of two in [1, %d]", p.name, p.n, hififo.PageTableEntries)
		}
	}
	if capacity := d.PageSize * uint64(d.DrainPages); d.DrainMargin >= capacity {
		return fmt.Errorf("device.drain_margin %d does not fit a %d byte ring", d.DrainMargin, capacity)
	}
	if capacity := d.PageSize * uint64(d.FillPages); d.FillMargin >= capacity {
		return fmt.Errorf("device.fill_margin %d does not fit a %d byte ring", d.FillMargin, capacity)
	}
	if d.Timeout.Duration < 0 {
		return fmt.Errorf("device.timeout %v is negative", d.Timeout)
	}
	if c.Sim.Rate < 0 {
		return fmt.Errorf("sim.rate %v is negative", c.Sim.Rate)
	}
	if c.Sim.Chunk < hififo.CounterAlignment {
		return fmt.Errorf("sim.chunk %d is smaller than %d", c.Sim.Chunk, hififo.CounterAlignment)
	}
	from := make(map[int]bool)
	for _, r := range c.Sim.Routes {
		if r.From < 0 || r.From >= d.Channels || r.To < 0 || r.To >= d.Channels {
			return fmt.Errorf("sim route %d->%d names a channel outside [0, %d)", r.From, r.To, d.Channels)
		}
		if from[r.From] {
			return fmt.Errorf("sim routes fill ring %d twice", r.From)
		}
		from[r.From] = true
	}
	return nil
}

// DeviceOptions returns the fifo.Options of the configured board.
func (c *Config) DeviceOptions() fifo.Options {
	d := &c.Device
	return fifo.Options{
		Channels:    d.Channels,
		PageSize:    d.PageSize,
		DrainPages:  d.DrainPages,
		FillPages:   d.FillPages,
		DrainMargin: d.DrainMargin,
		FillMargin:  d.FillMargin,
		Timeout:     d.Timeout.Duration,
		Hugetlb:     d.Hugetlb,
	}
}

// StreamOptions returns the fifoio.Options of streams.
func (c *Config) StreamOptions() fifoio.Options {
	return fifoio.Options{
		Timeout: c.Device.Timeout.Duration,
		Retries: c.Stream.Retries,
		LockDir: c.Stream.LockDir,
	}
}

// SimOptions returns the sim.Options of the emulated board.
func (c *Config) SimOptions(bus *dma.Bus, line *irq.Line) sim.Options {
	opts := sim.Options{
		Bus:      bus,
		Line:     line,
		PageSize: c.Device.PageSize,
		Chunk:    c.Sim.Chunk,
	}
	if c.Sim.Rate > 0 {
		opts.Rate = rate.Limit(c.Sim.Rate)
	}
	for _, r := range c.Sim.Routes {
		opts.Routes = append(opts.Routes, sim.Route{From: r.From, To: r.To})
	}
	return opts
}
