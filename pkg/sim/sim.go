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

// Package sim emulates a HIFIFO board in-process.
//
// The emulated board exposes the same register window as the hardware and
// runs a DMA engine on its own goroutine. The engine reads the rings through
// the page tables the host programs, resolving device addresses with a
// dma.Bus, and moves data:
//
//   - from the fill ring of one channel to the drain ring of another, along a
//     Route (a loopback when both are the same channel);
//   - from the fill ring of a channel into a Sink;
//   - from a Source into the drain ring of a channel.
//
// Like the hardware, it never advances a counter past its stop register, and
// it reports progress through the interrupt status register and an
// interrupt line.
package sim

import (
	"context"
	"fmt"
	"io"

	"golang.org/x/time/rate"
	"gvisor.dev/gvisor/pkg/log"
	"gvisor.dev/gvisor/pkg/sync"
	"gvisor.dev/hififo/pkg/abi/hififo"
	"gvisor.dev/hififo/pkg/dma"
	"gvisor.dev/hififo/pkg/irq"
)

// Route connects the fill ring of channel From to the drain ring of channel
// To.
type Route struct {
	From int
	To   int
}

// Options configures a Device.
type Options struct {
	// Bus resolves the addresses in the page tables. It is required.
	Bus *dma.Bus

	// Line is raised when the interrupt status becomes non-zero. It may be
	// nil, in which case the host must poll.
	Line *irq.Line

	// PageSize is the size of one page table entry. Zero selects
	// hififo.PageSize.
	PageSize uint64

	// Routes lists the fill to drain connections.
	Routes []Route

	// Sinks receive the data of fill rings that are not routed.
	Sinks map[int]io.Writer

	// Sources feed drain rings that are not routed, until they return an
	// error. Reads must not block, and only whole multiples of
	// hififo.CounterAlignment are delivered.
	Sources map[int]io.Reader

	// Rate limits the bytes per second moved by the engine. Zero means no
	// limit.
	Rate rate.Limit

	// Chunk is the most bytes moved in one step. Zero selects 64 KiB.
	Chunk uint64
}

const defaultChunk = 64 << 10

// Device is an emulated board. It implements mmio.Window.
type Device struct {
	opts    Options
	limiter *rate.Limiter

	mu sync.Mutex

	// regs holds the last value stored to each register.
	//
	// +checklocks:mu
	regs [hififo.MaxChannels][hififo.ChannelStride]uint64

	// +checklocks:mu
	drainCount [hififo.MaxChannels]uint64

	// +checklocks:mu
	fillCount [hififo.MaxChannels]uint64

	// status holds the pending, enabled interrupt bits.
	//
	// +checklocks:mu
	status uint64

	// +checklocks:mu
	enable uint64

	// unaligned is the number of upcoming fill counter reads, per
	// channel, that return a value that is not a multiple of
	// hififo.CounterAlignment.
	//
	// +checklocks:mu
	unaligned [hififo.MaxChannels]int

	// +checklocks:mu
	sourceDone [hififo.MaxChannels]bool

	kick   chan struct{}
	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
}

// New returns a stopped Device.
func New(opts Options) (*Device, error) {
	if opts.Bus == nil {
		return nil, fmt.Errorf("no bus")
	}
	if opts.PageSize == 0 {
		opts.PageSize = hififo.PageSize
	}
	if !hififo.IsPowerOfTwo(opts.PageSize) || opts.PageSize%hififo.CounterAlignment != 0 {
		return nil, fmt.Errorf("invalid page size %d", opts.PageSize)
	}
	if opts.Chunk == 0 {
		opts.Chunk = defaultChunk
	}
	opts.Chunk &^= hififo.CounterAlignment - 1
	if opts.Chunk == 0 {
		return nil, fmt.Errorf("chunk smaller than %d bytes", hififo.CounterAlignment)
	}
	routed := make(map[int]bool)
	for _, r := range opts.Routes {
		if r.From < 0 || r.From >= hififo.MaxChannels || r.To < 0 || r.To >= hififo.MaxChannels {
			return nil, fmt.Errorf("route %d->%d out of range", r.From, r.To)
		}
		if routed[r.From] {
			return nil, fmt.Errorf("fill ring %d routed twice", r.From)
		}
		routed[r.From] = true
	}

	d := &Device{
		opts: opts,
		kick: make(chan struct{}, 1),
		done: make(chan struct{}),
	}
	if opts.Rate != 0 {
		d.limiter = rate.NewLimiter(opts.Rate, int(opts.Chunk))
	}
	d.ctx, d.cancel = context.WithCancel(context.Background())
	return d, nil
}

// Start starts the DMA engine.
func (d *Device) Start() {
	go d.run()
}

// Close stops the DMA engine and waits for it to exit. It must only be called
// after Start.
func (d *Device) Close() {
	d.cancel()
	<-d.done
}

func decode(off uint64) (channel, reg int) {
	if off%hififo.RegisterSize != 0 || off >= hififo.MaxChannels*hififo.ChannelStride*hififo.RegisterSize {
		panic(fmt.Sprintf("register offset %#x out of range", off))
	}
	word := int(off / hififo.RegisterSize)
	return word / hififo.ChannelStride, word % hififo.ChannelStride
}

// Load64 implements mmio.Window.Load64.
func (d *Device) Load64(off uint64) uint64 {
	c, reg := decode(off)
	d.mu.Lock()
	defer d.mu.Unlock()
	switch {
	case reg == hififo.RegInterrupt && c == 0:
		s := d.status
		d.status = 0
		return s
	case reg == hififo.RegDrainCount:
		return d.drainCount[c]
	case reg == hififo.RegFillCount:
		if d.unaligned[c] > 0 {
			d.unaligned[c]--
			return d.fillCount[c] + hififo.CounterAlignment/2
		}
		return d.fillCount[c]
	default:
		return d.regs[c][reg]
	}
}

// Store64 implements mmio.Window.Store64.
func (d *Device) Store64(off uint64, val uint64) {
	c, reg := decode(off)
	d.mu.Lock()
	d.regs[c][reg] = val
	switch {
	case reg == hififo.RegInterrupt && c == 0:
		d.enable = val
		d.status &= val
	case reg == hififo.RegReset:
		if val&hififo.ResetDrain != 0 {
			d.drainCount[c] = 0
		}
		if val&hififo.ResetFill != 0 {
			d.fillCount[c] = 0
		}
		d.status &^= hififo.ChannelBits(c, hififo.IntChannelMask)
	}
	d.mu.Unlock()
	d.poke()
}

// InjectUnalignedReads makes the next n reads of channel's fill counter
// return a value that is not a multiple of hififo.CounterAlignment.
func (d *Device) InjectUnalignedReads(channel, n int) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.unaligned[channel] = n
}

// Counters returns the device's counters of channel.
func (d *Device) Counters(channel int) (drain, fill uint64) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.drainCount[channel], d.fillCount[channel]
}

func (d *Device) poke() {
	select {
	case d.kick <- struct{}{}:
	default:
	}
}

func (d *Device) run() {
	defer close(d.done)
	for {
		n, err := d.step()
		if err != nil {
			log.Warningf("DMA engine halted: %v", err)
			return
		}
		if n != 0 {
			// A step moves up to one chunk per path; the limiter's
			// burst is one chunk.
			for n > 0 && d.limiter != nil {
				k := min(n, d.opts.Chunk)
				if err := d.limiter.WaitN(d.ctx, int(k)); err != nil {
					return
				}
				n -= k
			}
			if d.ctx.Err() != nil {
				return
			}
			continue
		}
		select {
		case <-d.kick:
		case <-d.ctx.Done():
			return
		}
	}
}

// pending returns how far counter may advance before it reaches stop.
func pending(counter, stop uint64) uint64 {
	if int64(stop-counter) <= 0 {
		return 0
	}
	return stop - counter
}

// reached returns whether counter has reached v.
func reached(counter, v uint64) bool {
	return int64(counter-v) >= 0
}

// +checklocks:d.mu
func (d *Device) inReset(c int, dir hififo.Direction) bool {
	mask := uint64(hififo.ResetDrain)
	if dir == hififo.Fill {
		mask = hififo.ResetFill
	}
	return d.regs[c][hififo.RegReset]&mask != 0
}

// fillPending returns the bytes the device may consume from channel c's fill
// ring.
//
// +checklocks:d.mu
func (d *Device) fillPending(c int) uint64 {
	if d.inReset(c, hififo.Fill) {
		return 0
	}
	return pending(d.fillCount[c], d.regs[c][hififo.RegFillStop])
}

// drainPending returns the bytes the device may produce into channel c's
// drain ring.
//
// +checklocks:d.mu
func (d *Device) drainPending(c int) uint64 {
	if d.inReset(c, hififo.Drain) {
		return 0
	}
	return pending(d.drainCount[c], d.regs[c][hififo.RegDrainStop])
}

// span returns the host memory of the ring at counter, up to n bytes and not
// crossing a page.
//
// +checklocks:d.mu
func (d *Device) span(c int, dir hififo.Direction, counter, n uint64) ([]byte, error) {
	base := hififo.RegDrainPageTable
	if dir == hififo.Fill {
		base = hififo.RegFillPageTable
	}
	ps := d.opts.PageSize
	entry := int((counter / ps) % hififo.PageTableEntries)
	off := counter % ps
	if left := ps - off; n > left {
		n = left
	}
	return d.opts.Bus.Resolve(d.regs[c][base+entry]+off, n)
}

// step moves at most one chunk along every path and returns the number of
// bytes moved.
func (d *Device) step() (uint64, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	var moved uint64
	raised := uint64(0)
	routed := make(map[int]bool, len(d.opts.Routes))
	for _, r := range d.opts.Routes {
		routed[r.From] = true
		n := min(d.fillPending(r.From), d.drainPending(r.To), d.opts.Chunk)
		n &^= hififo.CounterAlignment - 1
		if n == 0 {
			continue
		}
		if err := d.copyLocked(r.From, r.To, n); err != nil {
			return moved, err
		}
		moved += n
		raised |= d.advanceFill(r.From, n) | d.advanceDrain(r.To, n)
	}
	for c, w := range d.opts.Sinks {
		if routed[c] {
			continue
		}
		n := min(d.fillPending(c), d.opts.Chunk) &^ (hififo.CounterAlignment - 1)
		for done := uint64(0); done < n; {
			src, err := d.span(c, hififo.Fill, d.fillCount[c]+done, n-done)
			if err != nil {
				return moved, err
			}
			if _, err := w.Write(src); err != nil {
				return moved, fmt.Errorf("sink %d: %w", c, err)
			}
			done += uint64(len(src))
		}
		if n != 0 {
			moved += n
			raised |= d.advanceFill(c, n)
		}
	}
	for c, r := range d.opts.Sources {
		if d.sourceDone[c] {
			continue
		}
		n := min(d.drainPending(c), d.opts.Chunk)
		if n == 0 {
			continue
		}
		dst, err := d.span(c, hififo.Drain, d.drainCount[c], n)
		if err != nil {
			return moved, err
		}
		got, err := io.ReadFull(r, dst)
		if err != nil {
			d.sourceDone[c] = true
		}
		got &^= hififo.CounterAlignment - 1
		if got != 0 {
			moved += uint64(got)
			raised |= d.advanceDrain(c, uint64(got))
		}
	}

	if raised &= d.enable; raised != 0 {
		d.status |= raised
		if d.opts.Line != nil {
			if err := d.opts.Line.Raise(); err != nil {
				return moved, fmt.Errorf("raising interrupt: %w", err)
			}
		}
	}
	return moved, nil
}

// copyLocked copies n bytes from the fill ring of from to the drain ring of
// to.
//
// +checklocks:d.mu
func (d *Device) copyLocked(from, to int, n uint64) error {
	for done := uint64(0); done < n; {
		src, err := d.span(from, hififo.Fill, d.fillCount[from]+done, n-done)
		if err != nil {
			return err
		}
		dst, err := d.span(to, hififo.Drain, d.drainCount[to]+done, uint64(len(src)))
		if err != nil {
			return err
		}
		done += uint64(copy(dst, src))
	}
	return nil
}

// advanceFill advances channel c's fill counter and returns the interrupt
// bits it raises.
//
// +checklocks:d.mu
func (d *Device) advanceFill(c int, n uint64) uint64 {
	d.fillCount[c] += n
	var bits uint64
	if reached(d.fillCount[c], d.regs[c][hififo.RegFillMatch]) {
		bits |= hififo.IntFillMatch
	}
	if d.fillCount[c] == d.regs[c][hififo.RegFillStop] {
		bits |= hififo.IntFillStop
	}
	return hififo.ChannelBits(c, bits)
}

// advanceDrain advances channel c's drain counter and returns the interrupt
// bits it raises.
//
// +checklocks:d.mu
func (d *Device) advanceDrain(c int, n uint64) uint64 {
	d.drainCount[c] += n
	var bits uint64
	if reached(d.drainCount[c], d.regs[c][hififo.RegDrainMatch]) {
		bits |= hififo.IntDrainMatch
	}
	if d.drainCount[c] == d.regs[c][hififo.RegDrainStop] {
		bits |= hififo.IntDrainStop
	}
	return hififo.ChannelBits(c, bits)
}
