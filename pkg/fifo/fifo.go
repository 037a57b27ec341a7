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

// Package fifo is the control plane of a HIFIFO board.
//
// A Device brings the board up: it allocates the DMA pages of every channel,
// programs the page tables, arms the initial stop registers and starts
// delivering interrupts to the flow-control engines. Each Channel can be
// opened by at most one Handle at a time; the Handle is the only way to
// reserve and commit ring space, which keeps every local pointer under a
// single owner.
package fifo

import (
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/sys/unix"
	"gvisor.dev/gvisor/pkg/atomicbitops"
	"gvisor.dev/gvisor/pkg/cleanup"
	"gvisor.dev/gvisor/pkg/log"
	"gvisor.dev/gvisor/pkg/sync"
	"gvisor.dev/hififo/pkg/abi/hififo"
	"gvisor.dev/hififo/pkg/dma"
	"gvisor.dev/hififo/pkg/flowctl"
	"gvisor.dev/hififo/pkg/irq"
	"gvisor.dev/hififo/pkg/mmio"
	"gvisor.dev/hififo/pkg/ringreg"
)

// Errors returned by the control plane. Each wraps the errno a character
// device would return.
var (
	// ErrBusy is returned when opening a channel that is already open.
	ErrBusy = fmt.Errorf("channel busy: %w", unix.EBUSY)

	// ErrOverCommit is returned when committing more bytes than the last
	// reservation granted.
	ErrOverCommit = fmt.Errorf("commit exceeds reservation: %w", unix.EINVAL)

	// ErrClosed is returned by operations on a closed handle, and when
	// opening a channel of a closed device.
	ErrClosed = fmt.Errorf("handle closed: %w", unix.EBADF)

	// ErrNoChannel is returned when looking up an unknown channel.
	ErrNoChannel = fmt.Errorf("no such channel: %w", unix.ENOENT)
)

// resetSettle is how long the board is held in reset during bring-up.
const resetSettle = time.Millisecond

// Options configures a Device. Zero values select the board's defaults.
type Options struct {
	// Name labels the device's metrics. It defaults to hififo.DeviceName.
	Name string

	// Channels is the number of channels to bring up.
	Channels int

	// PageSize is the size of one DMA page.
	PageSize uint64

	// DrainPages and FillPages are the number of pages per ring. Each must
	// be a power of two no larger than hififo.PageTableEntries.
	DrainPages int
	FillPages  int

	// DrainMargin and FillMargin override the flow-control margins.
	DrainMargin uint64
	FillMargin  uint64

	// Timeout is the initial wait bound of every channel.
	Timeout time.Duration

	// Hugetlb backs DMA pages with huge pages.
	Hugetlb bool

	// Metrics receives the device's metrics, labelled with Name. It may be
	// nil. Devices sharing a registerer must have distinct names.
	Metrics prometheus.Registerer
}

func (o *Options) setDefaults() {
	if o.Name == "" {
		o.Name = hififo.DeviceName
	}
	if o.Channels == 0 {
		o.Channels = 1
	}
	if o.PageSize == 0 {
		o.PageSize = hififo.PageSize
	}
	if o.DrainPages == 0 {
		o.DrainPages = hififo.DrainPages
	}
	if o.FillPages == 0 {
		o.FillPages = hififo.FillPages
	}
	if o.Timeout == 0 {
		o.Timeout = hififo.DefaultTimeout
	}
}

func (o *Options) validate() error {
	if o.Channels < 1 || o.Channels > hififo.MaxChannels {
		return fmt.Errorf("channel count %d out of range [1, %d]", o.Channels, hififo.MaxChannels)
	}
	for _, n := range []int{o.DrainPages, o.FillPages} {
		if n < 1 || n > hififo.PageTableEntries || !hififo.IsPowerOfTwo(uint64(n)) {
			return fmt.Errorf("invalid page count %d", n)
		}
	}
	return nil
}

// Device is a HIFIFO board.
type Device struct {
	bank     *ringreg.Bank
	disp     *irq.Dispatcher
	src      irq.Source
	channels []*Channel
	metrics  *metrics

	// closed is set by Close.
	closed atomicbitops.Bool

	stop chan struct{}
	done chan struct{}
}

// NewDevice brings up the board behind w. Ring pages are allocated from
// space. Interrupts are taken from src; if src is nil the status register is
// polled every hififo.Tick instead.
//
// If any step fails, everything allocated so far is released.
func NewDevice(w mmio.Window, space dma.AddressSpace, src irq.Source, opts Options) (*Device, error) {
	opts.setDefaults()
	if err := opts.validate(); err != nil {
		return nil, fmt.Errorf("invalid options: %v: %w", err, unix.EINVAL)
	}

	var reg prometheus.Registerer
	if opts.Metrics != nil {
		reg = prometheus.WrapRegistererWith(prometheus.Labels{"device": opts.Name}, opts.Metrics)
	}
	d := &Device{
		bank:    ringreg.NewBank(w),
		src:     src,
		metrics: newMetrics(reg),
		stop:    make(chan struct{}),
		done:    make(chan struct{}),
	}
	d.disp = irq.NewDispatcher(d.bank, reg)

	cu := cleanup.Make(func() {
		for _, c := range d.channels {
			c.release()
		}
	})
	defer cu.Clean()

	alloc := dma.Allocator{Space: space, Hugetlb: opts.Hugetlb}
	for i := 0; i < opts.Channels; i++ {
		c, err := newChannel(d, i, &alloc, &opts)
		if err != nil {
			return nil, err
		}
		d.channels = append(d.channels, c)
	}

	d.bringUp()
	for _, c := range d.channels {
		if err := d.disp.Register(c.index, c.drain, c.fill); err != nil {
			return nil, err
		}
	}
	cu.Release()

	go d.run()
	log.Infof("hififo: %d channels up, drain %d bytes, fill %d bytes", len(d.channels), d.channels[0].drain.Capacity(), d.channels[0].fill.Capacity())
	return d, nil
}

// bringUp puts the board in a known state: every channel reset, match
// registers cleared, interrupts enabled, page tables loaded and the drain
// rings opened for the device.
func (d *Device) bringUp() {
	for _, c := range d.channels {
		d.bank.Reset(c.index, hififo.ResetAll)
	}
	time.Sleep(resetSettle)

	var enable uint64
	for _, c := range d.channels {
		c.drainRing.SetMatch(0)
		c.fillRing.SetMatch(0)
		enable |= hififo.ChannelBits(c.index, hififo.IntChannelMask)
	}
	d.bank.EnableInterrupts(enable)

	for _, c := range d.channels {
		drain, fill := c.drainPages.Pages(), c.fillPages.Pages()
		for i := 0; i < hififo.PageTableEntries; i++ {
			d.bank.SetPageTable(c.index, hififo.Drain, i, drain[i%len(drain)].Addr)
			d.bank.SetPageTable(c.index, hififo.Fill, i, fill[i%len(fill)].Addr)
		}
		d.bank.Reset(c.index, 0)
		// Rings too small for the usual margin start half open.
		capacity := c.drain.Capacity()
		c.drainRing.SetStop(capacity - min(hififo.InitialDrainStopMargin, capacity/2))
	}
}

func (d *Device) run() {
	defer close(d.done)
	if d.src != nil {
		if err := d.disp.Run(d.src); err != nil {
			log.Warningf("hififo: interrupt delivery stopped: %v", err)
		}
		return
	}
	t := time.NewTicker(hififo.Tick)
	defer t.Stop()
	for {
		select {
		case <-t.C:
			d.disp.Dispatch(d.bank.Status())
		case <-d.stop:
			return
		}
	}
}

// Channels returns the channels of the device.
func (d *Device) Channels() []*Channel {
	return d.channels
}

// Channel returns the channel with the given name, such as "hififo0".
func (d *Device) Channel(name string) (*Channel, error) {
	for _, c := range d.channels {
		if c.name == name {
			return c, nil
		}
	}
	return nil, fmt.Errorf("%q: %w", name, ErrNoChannel)
}

// Close resets the board, stops interrupt delivery and frees the DMA pages.
// Open handles see their waits return 0 and every further operation fail
// with ErrClosed; mappings they obtained stay valid until closed. It does not
// close the interrupt source. It is idempotent.
func (d *Device) Close() error {
	if d.closed.Swap(true) {
		return nil
	}
	for _, c := range d.channels {
		c.mu.Lock()
		d.bank.Reset(c.index, hififo.ResetAll)
		c.drain.Disable()
		c.fill.Disable()
		c.mu.Unlock()
	}
	close(d.stop)

	var err error
	if d.src != nil {
		if serr := d.disp.Stop(d.src); serr != nil {
			// The delivery goroutine may stay blocked until the source
			// fires again, which a reset board does not do.
			err = fmt.Errorf("stopping interrupt delivery: %w", serr)
		}
	}
	if err == nil {
		<-d.done
	}
	for _, c := range d.channels {
		d.disp.Unregister(c.index)
		c.mu.Lock()
		c.release()
		c.mu.Unlock()
	}
	return err
}

// Channel is one FIFO of the board: a drain ring and a fill ring.
type Channel struct {
	dev   *Device
	index int
	name  string

	drain *flowctl.Drain
	fill  *flowctl.Fill

	// mu orders ownership changes and uses of the page sets against device
	// teardown. The page sets and rings are cleared by release once the
	// device is closed.
	mu         sync.Mutex
	drainPages *dma.PageSet
	fillPages  *dma.PageSet
	drainRing  *ringreg.Ring
	fillRing   *ringreg.Ring

	// open is the ownership token handed to the single open Handle.
	//
	// +checklocks:mu
	open bool
}

func newChannel(d *Device, index int, alloc *dma.Allocator, opts *Options) (*Channel, error) {
	c := &Channel{
		dev:   d,
		index: index,
		name:  fmt.Sprintf("%s%d", hififo.DeviceName, index),
	}
	cu := cleanup.Make(c.release)
	defer cu.Clean()

	var err error
	if c.drainPages, err = alloc.Allocate(c.name+"-drain", opts.PageSize, opts.DrainPages); err != nil {
		return nil, fmt.Errorf("%s: %w", c.name, err)
	}
	if c.fillPages, err = alloc.Allocate(c.name+"-fill", opts.PageSize, opts.FillPages); err != nil {
		return nil, fmt.Errorf("%s: %w", c.name, err)
	}
	if c.drainRing, err = d.bank.Claim(index, hififo.Drain); err != nil {
		return nil, err
	}
	if c.fillRing, err = d.bank.Claim(index, hififo.Fill); err != nil {
		return nil, err
	}
	if c.drain, err = flowctl.NewDrain(c.drainRing, flowctl.Options{
		Capacity: c.drainPages.Size(),
		Margin:   opts.DrainMargin,
		Timeout:  opts.Timeout,
	}); err != nil {
		return nil, fmt.Errorf("%s: %w", c.name, err)
	}
	if c.fill, err = flowctl.NewFill(c.fillRing, flowctl.Options{
		Capacity: c.fillPages.Size(),
		Margin:   opts.FillMargin,
		Timeout:  opts.Timeout,
	}); err != nil {
		return nil, fmt.Errorf("%s: %w", c.name, err)
	}
	// Waits only block while a handle is open.
	c.drain.Disable()
	c.fill.Disable()
	cu.Release()
	return c, nil
}

// release frees the channel's resources. It is idempotent.
func (c *Channel) release() {
	if c.drainRing != nil {
		c.drainRing.Release()
		c.drainRing = nil
	}
	if c.fillRing != nil {
		c.fillRing.Release()
		c.fillRing = nil
	}
	if c.drainPages != nil {
		c.drainPages.Close()
		c.drainPages = nil
	}
	if c.fillPages != nil {
		c.fillPages.Close()
		c.fillPages = nil
	}
}

// Name returns the channel's node name.
func (c *Channel) Name() string {
	return c.name
}

// Index returns the channel's index on the board.
func (c *Channel) Index() int {
	return c.index
}

// Open returns the channel's handle. It fails with ErrBusy if the channel is
// already open, and with ErrClosed once the device is closed.
func (c *Channel) Open() (*Handle, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.dev.closed.Load() {
		return nil, fmt.Errorf("%s: %w", c.name, ErrClosed)
	}
	if c.open {
		return nil, fmt.Errorf("%s: %w", c.name, ErrBusy)
	}
	c.open = true
	c.drain.Enable()
	c.fill.Enable()
	log.Debugf("%s: open", c.name)
	return newHandle(c), nil
}
