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

// Package flowctl implements flow control for one direction of a HIFIFO
// channel.
//
// The host and the device each own one 64-bit byte counter of a ring. The
// host's counter is the local pointer kept here; the device's is read from
// its counter register. Both only ever grow, and every quantity derived from
// them is computed on their difference masked by capacity-1, so no overflow
// handling is needed anywhere.
//
// A Drain is the host side of a device-to-host ring: the device produces, the
// host consumes. A Fill is the host side of a host-to-device ring: the host
// produces, the device consumes. Both offer a wait that returns as soon as
// enough bytes are available (or free), arming the device's match register
// only after the fast check fails, and that gives up after a timeout,
// returning whatever is there. Waits are never errors.
//
// The two directions of a channel are independent. Each direction must have
// a single owner; concurrent commits on one direction are not supported.
package flowctl

import (
	"fmt"
	"time"

	"golang.org/x/sys/unix"
	"gvisor.dev/gvisor/pkg/atomicbitops"
	"gvisor.dev/gvisor/pkg/waiter"
	"gvisor.dev/hififo/pkg/abi/hififo"
	"gvisor.dev/hififo/pkg/ringreg"
)

// Options configures an engine.
type Options struct {
	// Capacity is the size of the ring in bytes. It must be a power of two.
	Capacity uint64

	// Margin is the number of bytes kept between the two pointers. Zero
	// selects the direction's default.
	Margin uint64

	// Timeout bounds a single wait. Zero selects hififo.DefaultTimeout.
	Timeout time.Duration
}

// engine is the state shared by both directions.
type engine struct {
	ring     *ringreg.Ring
	capacity uint64
	mask     uint64
	margin   uint64

	// pointer is the local pointer. It is only advanced by commits.
	pointer atomicbitops.Uint64

	// armed is the last value written to the match register.
	armed atomicbitops.Uint64

	// enabled is false once Disable is called; waits then return 0.
	enabled atomicbitops.Bool

	// timeout is the default wait bound in nanoseconds.
	timeout atomicbitops.Int64

	// queue is woken by the interrupt dispatcher and by Disable.
	queue waiter.Queue
}

func (e *engine) init(r *ringreg.Ring, opts Options, margin uint64) error {
	if !hififo.IsPowerOfTwo(opts.Capacity) {
		return fmt.Errorf("capacity %d is not a power of two: %w", opts.Capacity, unix.EINVAL)
	}
	if opts.Margin != 0 {
		margin = opts.Margin
	}
	if margin >= opts.Capacity {
		return fmt.Errorf("margin %d does not fit capacity %d: %w", margin, opts.Capacity, unix.EINVAL)
	}
	if opts.Timeout == 0 {
		opts.Timeout = hififo.DefaultTimeout
	}
	e.ring = r
	e.capacity = opts.Capacity
	e.mask = opts.Capacity - 1
	e.margin = margin
	e.timeout.Store(int64(opts.Timeout))
	e.enabled.Store(true)
	return nil
}

// Capacity returns the ring size.
func (e *engine) Capacity() uint64 {
	return e.capacity
}

// Limit returns the most a wait can ever grant: the capacity less the
// margin.
func (e *engine) Limit() uint64 {
	return e.capacity - e.margin
}

// Pointer returns the local pointer.
func (e *engine) Pointer() uint64 {
	return e.pointer.Load()
}

// Armed returns the last value written to the match register.
func (e *engine) Armed() uint64 {
	return e.armed.Load()
}

// Timeout returns the default wait bound.
func (e *engine) Timeout() time.Duration {
	return time.Duration(e.timeout.Load())
}

// SetTimeout sets the default wait bound. Non-positive values restore
// hififo.DefaultTimeout.
func (e *engine) SetTimeout(d time.Duration) {
	if d <= 0 {
		d = hififo.DefaultTimeout
	}
	e.timeout.Store(int64(d))
}

// Enabled returns whether waits may block.
func (e *engine) Enabled() bool {
	return e.enabled.Load()
}

// Enable re-enables waits after Disable.
func (e *engine) Enable() {
	e.enabled.Store(true)
}

// Disable makes every outstanding and future wait return 0 until Enable is
// called.
func (e *engine) Disable() {
	e.enabled.Store(false)
	e.queue.Notify(waiter.EventHUp)
}

// Wake wakes every waiter so that it re-evaluates its condition. It is called
// when the device reports progress.
func (e *engine) Wake() {
	e.queue.Notify(waiter.EventIn)
}

func (e *engine) arm(v uint64) {
	e.armed.Store(v)
	e.ring.SetMatch(v)
}

// wait implements the shared wait algorithm: fast check, arm, re-check, then
// a bounded block that re-checks on every wake.
func (e *engine) wait(n uint64, timeout time.Duration, ready func() uint64, match func() uint64) uint64 {
	if !e.enabled.Load() {
		return 0
	}
	if v := ready(); v >= n {
		return v
	}
	// The device may have caught up between the check and the arm, in
	// which case no interrupt follows; check again.
	e.arm(match())
	if v := ready(); v >= n {
		return v
	}
	if timeout <= 0 {
		timeout = e.Timeout()
	}

	entry, ch := waiter.NewChannelEntry(waiter.EventIn | waiter.EventHUp)
	e.queue.EventRegister(&entry)
	defer e.queue.EventUnregister(&entry)

	t := time.NewTimer(timeout)
	defer t.Stop()
	for {
		if !e.enabled.Load() {
			return 0
		}
		if v := ready(); v >= n {
			return v
		}
		select {
		case <-ch:
		case <-t.C:
			if !e.enabled.Load() {
				return 0
			}
			return ready()
		}
	}
}

// Drain is the host side of a device-to-host ring.
type Drain struct {
	engine
}

// NewDrain returns a Drain over r. The default margin is hififo.DrainMargin.
func NewDrain(r *ringreg.Ring, opts Options) (*Drain, error) {
	d := &Drain{}
	if err := d.init(r, opts, hififo.DrainMargin); err != nil {
		return nil, err
	}
	return d, nil
}

// Available returns the number of bytes the device has produced and the host
// has not yet consumed.
func (d *Drain) Available() uint64 {
	return (d.ring.Counter() - d.pointer.Load()) & d.mask
}

// WaitAvailable waits until at least n bytes are available or timeout
// elapses, and returns the number of available bytes, which may be less than
// n. A non-positive timeout uses the engine's default. It returns 0 once the
// engine is disabled.
func (d *Drain) WaitAvailable(n uint64, timeout time.Duration) uint64 {
	return d.wait(n, timeout, d.Available, func() uint64 {
		return d.pointer.Load() + n
	})
}

// CommitConsumed advances the local pointer by n bytes and lets the device
// produce up to Margin bytes short of the new pointer's next lap.
func (d *Drain) CommitConsumed(n uint64) {
	limit := d.pointer.Add(n) + d.capacity - d.margin
	d.arm(limit)
	d.ring.SetStop(limit)
}

// Fill is the host side of a host-to-device ring.
type Fill struct {
	engine
}

// NewFill returns a Fill over r. The default margin is hififo.FillMargin.
func NewFill(r *ringreg.Ring, opts Options) (*Fill, error) {
	f := &Fill{}
	if err := f.init(r, opts, hififo.FillMargin); err != nil {
		return nil, err
	}
	return f, nil
}

// Free returns the number of bytes the host may produce without overrunning
// the device, which is capacity less margin less the bytes queued.
func (f *Fill) Free() uint64 {
	queued := (f.pointer.Load() - f.ring.Counter()) & f.mask
	limit := f.capacity - f.margin
	if queued >= limit {
		return 0
	}
	return limit - queued
}

// WaitFree waits until at least n bytes are free or timeout elapses, and
// returns the number of free bytes, which may be less than n. A non-positive
// timeout uses the engine's default. It returns 0 once the engine is
// disabled.
func (f *Fill) WaitFree(n uint64, timeout time.Duration) uint64 {
	return f.wait(n, timeout, f.Free, func() uint64 {
		return f.pointer.Load() - (f.capacity - n)
	})
}

// CommitProduced advances the local pointer by n bytes and lets the device
// consume up to it.
func (f *Fill) CommitProduced(n uint64) {
	limit := f.pointer.Add(n)
	f.arm(limit)
	f.ring.SetStop(limit)
}
