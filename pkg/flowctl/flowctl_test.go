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

package flowctl

import (
	"errors"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"golang.org/x/sys/unix"
	"gvisor.dev/gvisor/pkg/sync"
	"gvisor.dev/hififo/pkg/abi/hififo"
	"gvisor.dev/hififo/pkg/ringreg"
	"pgregory.net/rapid"
)

type store struct {
	Off uint64
	Val uint64
}

// regs is a register window that records stores.
type regs struct {
	mu     sync.Mutex
	vals   map[uint64]uint64
	stores []store
	stored chan struct{}
}

func newRegs() *regs {
	return &regs{
		vals:   make(map[uint64]uint64),
		stored: make(chan struct{}, 16),
	}
}

func (r *regs) Load64(off uint64) uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.vals[off]
}

func (r *regs) Store64(off uint64, val uint64) {
	r.mu.Lock()
	r.vals[off] = val
	r.stores = append(r.stores, store{off, val})
	r.mu.Unlock()
	select {
	case r.stored <- struct{}{}:
	default:
	}
}

func (r *regs) set(off, val uint64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.vals[off] = val
}

func (r *regs) recorded() []store {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]store(nil), r.stores...)
}

// fataler is implemented by *testing.T and *rapid.T.
type fataler interface {
	Fatalf(format string, args ...any)
}

func newDrain(t fataler, r *regs, capacity uint64) *Drain {
	ring, err := ringreg.NewBank(r).Claim(0, hififo.Drain)
	if err != nil {
		t.Fatalf("Claim: %v", err)
	}
	d, err := NewDrain(ring, Options{Capacity: capacity})
	if err != nil {
		t.Fatalf("NewDrain: %v", err)
	}
	return d
}

func newFill(t fataler, r *regs, capacity uint64) *Fill {
	ring, err := ringreg.NewBank(r).Claim(0, hififo.Fill)
	if err != nil {
		t.Fatalf("Claim: %v", err)
	}
	f, err := NewFill(ring, Options{Capacity: capacity})
	if err != nil {
		t.Fatalf("NewFill: %v", err)
	}
	return f
}

var (
	drainCount = hififo.Offset(0, hififo.RegDrainCount)
	drainMatch = hififo.Offset(0, hififo.RegDrainMatch)
	drainStop  = hififo.Offset(0, hififo.RegDrainStop)
	fillCount  = hififo.Offset(0, hififo.RegFillCount)
	fillMatch  = hififo.Offset(0, hififo.RegFillMatch)
	fillStop   = hififo.Offset(0, hififo.RegFillStop)
)

func TestInvalidOptions(t *testing.T) {
	ring, err := ringreg.NewBank(newRegs()).Claim(0, hififo.Drain)
	if err != nil {
		t.Fatalf("Claim: %v", err)
	}
	for _, opts := range []Options{
		{Capacity: 0},
		{Capacity: 1000},
		{Capacity: 1024, Margin: 1024},
	} {
		if _, err := NewDrain(ring, opts); !errors.Is(err, unix.EINVAL) {
			t.Errorf("NewDrain(%+v): got %v, want EINVAL", opts, err)
		}
	}
	// The fill default margin does not fit a 1024 byte ring.
	if _, err := NewFill(ring, Options{Capacity: 1024}); !errors.Is(err, unix.EINVAL) {
		t.Errorf("NewFill with default margin: got %v, want EINVAL", err)
	}
}

func TestDrainFastPath(t *testing.T) {
	r := newRegs()
	d := newDrain(t, r, 4096)
	r.set(drainCount, 100)

	if got := d.WaitAvailable(50, time.Hour); got != 100 {
		t.Errorf("WaitAvailable(50) = %d, want 100", got)
	}
	if got := r.recorded(); len(got) != 0 {
		t.Errorf("fast path wrote registers: %+v", got)
	}
}

func TestDrainTimeout(t *testing.T) {
	const timeout = 20 * time.Millisecond
	r := newRegs()
	d := newDrain(t, r, 4096)
	r.set(drainCount, 10)

	start := time.Now()
	got := d.WaitAvailable(50, timeout)
	elapsed := time.Since(start)
	if got != 10 {
		t.Errorf("WaitAvailable(50) = %d, want 10", got)
	}
	if elapsed < timeout || elapsed > timeout+2*time.Second {
		t.Errorf("WaitAvailable took %v, want about %v", elapsed, timeout)
	}
	if diff := cmp.Diff([]store{{drainMatch, 50}}, r.recorded()); diff != "" {
		t.Errorf("stores mismatch (-want +got):\n%s", diff)
	}
	if got := d.Armed(); got != 50 {
		t.Errorf("Armed() = %d, want 50", got)
	}
}

func TestDrainDefaultTimeout(t *testing.T) {
	r := newRegs()
	d := newDrain(t, r, 4096)
	if got := d.Timeout(); got != hififo.DefaultTimeout {
		t.Errorf("Timeout() = %v, want %v", got, hififo.DefaultTimeout)
	}
	d.SetTimeout(5 * time.Millisecond)

	start := time.Now()
	if got := d.WaitAvailable(1, 0); got != 0 {
		t.Errorf("WaitAvailable(1) = %d, want 0", got)
	}
	if elapsed := time.Since(start); elapsed < 5*time.Millisecond {
		t.Errorf("WaitAvailable returned after %v, before its timeout", elapsed)
	}

	d.SetTimeout(0)
	if got := d.Timeout(); got != hififo.DefaultTimeout {
		t.Errorf("Timeout() after reset = %v, want %v", got, hififo.DefaultTimeout)
	}
}

func TestDrainWake(t *testing.T) {
	r := newRegs()
	d := newDrain(t, r, 4096)

	go func() {
		// Produce once the waiter has armed the match register.
		<-r.stored
		r.set(drainCount, 64)
		d.Wake()
	}()

	start := time.Now()
	if got := d.WaitAvailable(64, time.Minute); got != 64 {
		t.Errorf("WaitAvailable(64) = %d, want 64", got)
	}
	if elapsed := time.Since(start); elapsed > 30*time.Second {
		t.Errorf("WaitAvailable was not woken, took %v", elapsed)
	}
}

func TestDisable(t *testing.T) {
	r := newRegs()
	d := newDrain(t, r, 4096)

	done := make(chan uint64)
	go func() {
		done <- d.WaitAvailable(64, time.Minute)
	}()
	<-r.stored
	d.Disable()
	select {
	case got := <-done:
		if got != 0 {
			t.Errorf("WaitAvailable after Disable = %d, want 0", got)
		}
	case <-time.After(30 * time.Second):
		t.Fatalf("Disable did not wake the waiter")
	}

	// Data is ignored while disabled.
	r.set(drainCount, 100)
	if got := d.WaitAvailable(1, time.Minute); got != 0 {
		t.Errorf("WaitAvailable while disabled = %d, want 0", got)
	}
	d.Enable()
	if got := d.WaitAvailable(1, time.Minute); got != 100 {
		t.Errorf("WaitAvailable after Enable = %d, want 100", got)
	}
}

func TestDrainCommit(t *testing.T) {
	r := newRegs()
	d := newDrain(t, r, 4096)
	r.set(drainCount, 300)

	d.CommitConsumed(100)
	d.CommitConsumed(150)
	if got := d.Pointer(); got != 250 {
		t.Errorf("Pointer() = %d, want 250", got)
	}
	if got := d.Available(); got != 50 {
		t.Errorf("Available() = %d, want 50", got)
	}
	want := []store{
		{drainMatch, 100 + 4096 - hififo.DrainMargin},
		{drainStop, 100 + 4096 - hififo.DrainMargin},
		{drainMatch, 250 + 4096 - hififo.DrainMargin},
		{drainStop, 250 + 4096 - hififo.DrainMargin},
	}
	if diff := cmp.Diff(want, r.recorded()); diff != "" {
		t.Errorf("stores mismatch (-want +got):\n%s", diff)
	}
}

func TestFill(t *testing.T) {
	const capacity = 4096
	r := newRegs()
	f := newFill(t, r, capacity)

	if got, want := f.Free(), uint64(capacity-hififo.FillMargin); got != want {
		t.Errorf("Free() on empty ring = %d, want %d", got, want)
	}

	f.CommitProduced(3000)
	if diff := cmp.Diff([]store{{fillMatch, 3000}, {fillStop, 3000}}, r.recorded()); diff != "" {
		t.Errorf("stores mismatch (-want +got):\n%s", diff)
	}
	if got, want := f.Free(), uint64(capacity-hififo.FillMargin-3000); got != want {
		t.Errorf("Free() = %d, want %d", got, want)
	}

	// Not enough room: the match register is armed where the device
	// will have consumed enough.
	if got, want := f.WaitFree(100, time.Millisecond), uint64(capacity-hififo.FillMargin-3000); got != want {
		t.Errorf("WaitFree(100) = %d, want %d", got, want)
	}
	if got, want := f.Armed(), f.Pointer()-(capacity-100); got != want {
		t.Errorf("Armed() = %#x, want %#x", got, want)
	}

	// The device consumes.
	r.set(fillCount, 2000)
	if got, want := f.WaitFree(100, time.Hour), uint64(capacity-hififo.FillMargin-1000); got != want {
		t.Errorf("WaitFree(100) after progress = %d, want %d", got, want)
	}
}

func TestFillFullSaturates(t *testing.T) {
	const capacity = 4096
	r := newRegs()
	f := newFill(t, r, capacity)
	// More queued than capacity less margin, which only a misbehaving
	// caller can cause.
	f.CommitProduced(capacity - 4)
	if got := f.Free(); got != 0 {
		t.Errorf("Free() = %d, want 0", got)
	}
}

// TestPointerArithmetic checks that pointers are tracked modulo the capacity
// for arbitrary commit sequences, including ones that wrap 64 bits.
func TestPointerArithmetic(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		capacity := rapid.SampledFrom([]uint64{2048, 4096, 1 << 20, hififo.PageSize * hififo.FillPages}).Draw(t, "capacity")
		mask := capacity - 1
		commits := rapid.SliceOfN(rapid.Uint64(), 0, 16).Draw(t, "commits")

		r := newRegs()
		d := newDrain(t, r, capacity)
		f := newFill(t, r, capacity)

		var sum uint64
		for _, n := range commits {
			n &^= hififo.CounterAlignment - 1
			d.CommitConsumed(n)
			f.CommitProduced(n)
			sum += n
		}
		if got := d.Pointer() & mask; got != sum&mask {
			t.Fatalf("drain pointer %#x, want %#x mod %#x", d.Pointer(), sum, capacity)
		}
		if got := f.Pointer() & mask; got != sum&mask {
			t.Fatalf("fill pointer %#x, want %#x mod %#x", f.Pointer(), sum, capacity)
		}

		// The device is k bytes ahead of the drain pointer.
		k := rapid.Uint64Range(0, capacity-1).Draw(t, "produced")
		r.set(drainCount, d.Pointer()+k)
		if got := d.Available(); got != k {
			t.Fatalf("Available() = %d, want %d", got, k)
		}

		// The device is q bytes behind the fill pointer.
		q := rapid.Uint64Range(0, capacity-1).Draw(t, "queued") &^ (hififo.CounterAlignment - 1)
		r.set(fillCount, f.Pointer()-q)
		want := uint64(0)
		if q < capacity-hififo.FillMargin {
			want = capacity - hififo.FillMargin - q
		}
		if got := f.Free(); got != want {
			t.Fatalf("Free() with %d queued = %d, want %d", q, got, want)
		}
	})
}
