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

package fifo

import (
	"fmt"
	"time"

	"golang.org/x/sys/unix"
	"gvisor.dev/gvisor/pkg/atomicbitops"
	"gvisor.dev/gvisor/pkg/log"
	"gvisor.dev/gvisor/pkg/sync"
	"gvisor.dev/hififo/pkg/abi/hififo"
	"gvisor.dev/hififo/pkg/dma"
)

// Handle is the open state of a Channel.
//
// Reservations and commits of one direction are serialized by the handle;
// the two directions are independent and may be driven concurrently.
type Handle struct {
	ch *Channel

	closed atomicbitops.Bool

	drainMu sync.Mutex

	// drainReserved is the number of drain bytes that may still be
	// committed.
	//
	// +checklocks:drainMu
	drainReserved uint64

	fillMu sync.Mutex

	// fillReserved is the number of fill bytes that may still be
	// committed.
	//
	// +checklocks:fillMu
	fillReserved uint64
}

func newHandle(c *Channel) *Handle {
	return &Handle{ch: c}
}

func (h *Handle) check() error {
	if h.closed.Load() || h.ch.dev.closed.Load() {
		return fmt.Errorf("%s: %w", h.ch.name, ErrClosed)
	}
	return nil
}

// Channel returns the channel the handle was opened on.
func (h *Handle) Channel() *Channel {
	return h.ch
}

// Info returns a snapshot of the channel's geometry. Pointers are reduced
// modulo their ring's capacity.
func (h *Handle) Info() (hififo.Info, error) {
	if err := h.check(); err != nil {
		return hififo.Info{}, err
	}
	d, f := h.ch.drain, h.ch.fill
	return hififo.Info{
		DrainCapacity: d.Capacity(),
		FillCapacity:  f.Capacity(),
		DrainPointer:  d.Pointer() & (d.Capacity() - 1),
		FillPointer:   f.Pointer() & (f.Capacity() - 1),
	}, nil
}

// Limits returns the largest counts ReserveDrain and ReserveFill can grant.
// Larger requests always wait out the timeout.
func (h *Handle) Limits() (drain, fill uint64) {
	return h.ch.drain.Limit(), h.ch.fill.Limit()
}

// ReserveDrain waits up to the channel's timeout for n bytes to arrive, and
// returns the number of bytes that may be consumed, which may be less than n.
func (h *Handle) ReserveDrain(n uint64) (uint64, error) {
	h.drainMu.Lock()
	defer h.drainMu.Unlock()
	return h.reserveDrainLocked(n)
}

// +checklocks:h.drainMu
func (h *Handle) reserveDrainLocked(n uint64) (uint64, error) {
	if err := h.check(); err != nil {
		return 0, err
	}
	avail := h.ch.drain.WaitAvailable(n, 0)
	if err := h.check(); err != nil {
		return 0, err
	}
	h.drainReserved = avail
	h.ch.dev.metrics.reserved(h.ch.index, hififo.Drain, n, avail)
	return avail, nil
}

// CommitDrain marks n reserved bytes as consumed, returning their space to
// the device.
func (h *Handle) CommitDrain(n uint64) error {
	h.drainMu.Lock()
	defer h.drainMu.Unlock()
	return h.commitDrainLocked(n)
}

// +checklocks:h.drainMu
func (h *Handle) commitDrainLocked(n uint64) error {
	if err := h.check(); err != nil {
		return err
	}
	if n > h.drainReserved {
		return fmt.Errorf("%s: drain commit of %d with %d reserved: %w", h.ch.name, n, h.drainReserved, ErrOverCommit)
	}
	h.drainReserved -= n
	h.ch.drain.CommitConsumed(n)
	h.ch.dev.metrics.committed(h.ch.index, hififo.Drain, n)
	return nil
}

// CommitReserveDrain commits n consumed bytes and then reserves want more, as
// one request.
func (h *Handle) CommitReserveDrain(n, want uint64) (uint64, error) {
	h.drainMu.Lock()
	defer h.drainMu.Unlock()
	if err := h.commitDrainLocked(n); err != nil {
		return 0, err
	}
	return h.reserveDrainLocked(want)
}

// ReserveFill waits up to the channel's timeout for n bytes of space, and
// returns the number of bytes that may be produced, which may be less than
// n.
func (h *Handle) ReserveFill(n uint64) (uint64, error) {
	h.fillMu.Lock()
	defer h.fillMu.Unlock()
	return h.reserveFillLocked(n)
}

// +checklocks:h.fillMu
func (h *Handle) reserveFillLocked(n uint64) (uint64, error) {
	if err := h.check(); err != nil {
		return 0, err
	}
	free := h.ch.fill.WaitFree(n, 0)
	if err := h.check(); err != nil {
		return 0, err
	}
	h.fillReserved = free
	h.ch.dev.metrics.reserved(h.ch.index, hififo.Fill, n, free)
	return free, nil
}

// CommitFill hands n reserved bytes, already written to the fill ring, to the
// device.
func (h *Handle) CommitFill(n uint64) error {
	h.fillMu.Lock()
	defer h.fillMu.Unlock()
	return h.commitFillLocked(n)
}

// +checklocks:h.fillMu
func (h *Handle) commitFillLocked(n uint64) error {
	if err := h.check(); err != nil {
		return err
	}
	if n > h.fillReserved {
		return fmt.Errorf("%s: fill commit of %d with %d reserved: %w", h.ch.name, n, h.fillReserved, ErrOverCommit)
	}
	h.fillReserved -= n
	h.ch.fill.CommitProduced(n)
	h.ch.dev.metrics.committed(h.ch.index, hififo.Fill, n)
	return nil
}

// CommitReserveFill commits n produced bytes and then reserves want more, as
// one request.
func (h *Handle) CommitReserveFill(n, want uint64) (uint64, error) {
	h.fillMu.Lock()
	defer h.fillMu.Unlock()
	if err := h.commitFillLocked(n); err != nil {
		return 0, err
	}
	return h.reserveFillLocked(want)
}

// SetTimeout sets the wait bound of both directions, in hififo.Tick units.
// Zero restores hififo.DefaultTimeout.
func (h *Handle) SetTimeout(ticks uint64) error {
	if err := h.check(); err != nil {
		return err
	}
	if ticks > uint64(1<<63-1)/uint64(hififo.Tick) {
		return fmt.Errorf("timeout of %d ticks overflows: %w", ticks, unix.EINVAL)
	}
	d := time.Duration(ticks) * hififo.Tick
	h.ch.drain.SetTimeout(d)
	h.ch.fill.SetTimeout(d)
	return nil
}

// Ioctl dispatches a request by its command number, as a character device
// would. out receives the result of hififo.IOCInfo and must then be at least
// hififo.SizeOfInfo bytes; other commands ignore it.
func (h *Handle) Ioctl(cmd uint32, arg uint64, out []byte) (uint64, error) {
	switch cmd {
	case hififo.IOCInfo:
		if len(out) < hififo.SizeOfInfo {
			return 0, fmt.Errorf("info buffer of %d bytes: %w", len(out), unix.EFAULT)
		}
		info, err := h.Info()
		if err != nil {
			return 0, err
		}
		info.MarshalBytes(out)
		return 0, nil
	case hififo.IOCGetDrain:
		return h.ReserveDrain(arg)
	case hififo.IOCPutDrain:
		return 0, h.CommitDrain(arg)
	case hififo.IOCGetFill:
		return h.ReserveFill(arg)
	case hififo.IOCPutFill:
		return 0, h.CommitFill(arg)
	case hififo.IOCSetTimeout:
		return 0, h.SetTimeout(arg)
	case hififo.IOCPutGetDrain:
		return h.CommitReserveDrain(arg, arg)
	case hififo.IOCPutGetFill:
		return h.CommitReserveFill(arg, arg)
	default:
		return 0, fmt.Errorf("unknown request %#x: %w", cmd, unix.ENOTTY)
	}
}

// Map returns a mirrored mapping of the channel's rings, laid out as
// [drain][drain][fill][fill]. It fails with dma.ErrUnaligned if a ring is
// not a multiple of the host page size. The caller must close the mapping.
func (h *Handle) Map() (*dma.Mapping, error) {
	c := h.ch
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := h.check(); err != nil {
		return nil, err
	}
	return dma.Mirror(c.drainPages, c.fillPages)
}

// Buffers returns a mapping holding a single view of the drain ring (ring 0)
// and of the fill ring (ring 1). It works for rings of any size. The caller
// must close the mapping.
func (h *Handle) Buffers() (*dma.Mapping, error) {
	c := h.ch
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := h.check(); err != nil {
		return nil, err
	}
	return dma.View(c.drainPages, c.fillPages)
}

// Close disables both directions, waking any waiter with a zero result, and
// gives up ownership of the channel. It is idempotent.
func (h *Handle) Close() error {
	if h.closed.Swap(true) {
		return nil
	}
	c := h.ch
	c.mu.Lock()
	defer c.mu.Unlock()
	c.drain.Disable()
	c.fill.Disable()
	c.open = false
	log.Debugf("%s: close", c.name)
	return nil
}
