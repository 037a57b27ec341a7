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

// Package ringreg is the register interface of the HIFIFO rings.
//
// A Bank wraps the device's register window and performs device-wide
// operations (interrupt status and enable, reset, page tables). The counter,
// stop and match registers of one direction of one channel are reachable only
// through a Ring, which is claimed from the Bank at most once so that no two
// owners ever drive the same registers.
package ringreg

import (
	"fmt"
	"time"

	"golang.org/x/sys/unix"
	"gvisor.dev/gvisor/pkg/log"
	"gvisor.dev/gvisor/pkg/sync"
	"gvisor.dev/hififo/pkg/abi/hififo"
	"gvisor.dev/hififo/pkg/mmio"
)

// MaxAlignRetries bounds the number of times a non-aligned fill counter is
// re-read before it is rounded down.
const MaxAlignRetries = 16

// alignLog reports persistent non-aligned fill counter reads.
var alignLog = log.BasicRateLimitedLogger(time.Second)

type ringKey struct {
	channel int
	dir     hififo.Direction
}

// Bank is the device-wide register interface.
type Bank struct {
	w mmio.Window

	mu sync.Mutex

	// claimed is the set of rings handed out by Claim.
	//
	// +checklocks:mu
	claimed map[ringKey]struct{}
}

// NewBank returns a Bank over w.
func NewBank(w mmio.Window) *Bank {
	return &Bank{
		w:       w,
		claimed: make(map[ringKey]struct{}),
	}
}

// Status reads the interrupt status register. Reading acknowledges the
// reported bits.
func (b *Bank) Status() uint64 {
	return b.w.Load64(hififo.Offset(0, hififo.RegInterrupt))
}

// EnableInterrupts writes the interrupt enable mask.
func (b *Bank) EnableInterrupts(mask uint64) {
	b.w.Store64(hififo.Offset(0, hififo.RegInterrupt), mask)
}

// Reset writes the reset mask of channel. Writing zero releases reset.
func (b *Bank) Reset(channel int, mask uint64) {
	b.w.Store64(hififo.Offset(channel, hififo.RegReset), mask)
}

// SetPageTable programs entry index of the page table of the given ring.
func (b *Bank) SetPageTable(channel int, dir hififo.Direction, index int, addr uint64) {
	if index < 0 || index >= hififo.PageTableEntries {
		panic(fmt.Sprintf("page table index %d out of range", index))
	}
	base := hififo.RegDrainPageTable
	if dir == hififo.Fill {
		base = hififo.RegFillPageTable
	}
	b.w.Store64(hififo.Offset(channel, base+index), addr)
}

// Claim hands out the registers of one ring. It fails with EBUSY if the ring
// has already been claimed and not released.
func (b *Bank) Claim(channel int, dir hififo.Direction) (*Ring, error) {
	if channel < 0 || channel >= hififo.MaxChannels {
		return nil, fmt.Errorf("channel %d out of range: %w", channel, unix.EINVAL)
	}
	key := ringKey{channel, dir}

	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.claimed[key]; ok {
		return nil, fmt.Errorf("%s ring of channel %d already claimed: %w", dir, channel, unix.EBUSY)
	}
	b.claimed[key] = struct{}{}

	r := &Ring{
		bank:    b,
		w:       b.w,
		channel: channel,
		dir:     dir,
	}
	if dir == hififo.Drain {
		r.count = hififo.Offset(channel, hififo.RegDrainCount)
		r.stop = hififo.Offset(channel, hififo.RegDrainStop)
		r.match = hififo.Offset(channel, hififo.RegDrainMatch)
	} else {
		r.count = hififo.Offset(channel, hififo.RegFillCount)
		r.stop = hififo.Offset(channel, hififo.RegFillStop)
		r.match = hififo.Offset(channel, hififo.RegFillMatch)
	}
	return r, nil
}

// Ring is the register capability of one direction of one channel.
type Ring struct {
	bank    *Bank
	w       mmio.Window
	channel int
	dir     hififo.Direction

	// Byte offsets of the ring's registers.
	count uint64
	stop  uint64
	match uint64
}

// Channel returns the ring's channel index.
func (r *Ring) Channel() int {
	return r.channel
}

// Direction returns the ring's direction.
func (r *Ring) Direction() hififo.Direction {
	return r.dir
}

// Counter reads the device's counter for the ring.
//
// The fill counter is always reported in multiples of
// hififo.CounterAlignment, but the device may transiently expose a value
// that is not; such reads are retried up to MaxAlignRetries times and then
// rounded down, which can only under-report free space.
func (r *Ring) Counter() uint64 {
	v := r.w.Load64(r.count)
	if r.dir == hififo.Drain {
		return v
	}
	for i := 0; v%hififo.CounterAlignment != 0; i++ {
		if i == MaxAlignRetries {
			alignLog.Warningf("hififo%d: fill counter %#x still unaligned after %d reads", r.channel, v, MaxAlignRetries)
			return v &^ (hififo.CounterAlignment - 1)
		}
		log.Debugf("hififo%d: retry unaligned fill counter %#x", r.channel, v)
		v = r.w.Load64(r.count)
	}
	return v
}

// SetMatch writes the match register. The device raises the ring's interrupt
// once its counter reaches v.
func (r *Ring) SetMatch(v uint64) {
	r.w.Store64(r.match, v)
}

// SetStop writes the stop register, bounding how far the device may advance
// its counter.
func (r *Ring) SetStop(v uint64) {
	r.w.Store64(r.stop, v)
}

// Release returns the ring to its bank. r must not be used afterwards.
func (r *Ring) Release() {
	b := r.bank
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.claimed, ringKey{r.channel, r.dir})
}
