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

package irq

import (
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"golang.org/x/sys/unix"
	"gvisor.dev/gvisor/pkg/atomicbitops"
	"gvisor.dev/hififo/pkg/abi/hififo"
)

type counter struct {
	n    atomicbitops.Int64
	woke chan struct{}
}

func newCounter() *counter {
	return &counter{woke: make(chan struct{}, 1)}
}

func (c *counter) Wake() {
	c.n.Add(1)
	select {
	case c.woke <- struct{}{}:
	default:
	}
}

// statusQueue returns queued status values, then zero.
type statusQueue chan uint64

func (q statusQueue) Status() uint64 {
	select {
	case v := <-q:
		return v
	default:
		return 0
	}
}

func TestDispatch(t *testing.T) {
	var wakers [hififo.MaxChannels][2]*counter
	d := NewDispatcher(statusQueue(nil), prometheus.NewRegistry())
	for c := 0; c < hififo.MaxChannels; c++ {
		wakers[c] = [2]*counter{newCounter(), newCounter()}
		if err := d.Register(c, wakers[c][hififo.Drain], wakers[c][hififo.Fill]); err != nil {
			t.Fatalf("Register(%d): %v", c, err)
		}
	}

	for _, tc := range []struct {
		status uint64
		// want[c] = {drain wakeups, fill wakeups}
		want [hififo.MaxChannels][2]int64
	}{
		{status: 0},
		{status: hififo.IntDrainMatch, want: [4][2]int64{{1, 0}}},
		{status: hififo.IntDrainStop, want: [4][2]int64{{1, 0}}},
		{status: hififo.IntFillMatch | hififo.IntFillStop, want: [4][2]int64{{0, 1}}},
		{status: hififo.IntChannelMask, want: [4][2]int64{{1, 1}}},
		{status: hififo.ChannelBits(1, hififo.IntDrainMatch), want: [4][2]int64{{}, {1, 0}}},
		{status: hififo.ChannelBits(3, hififo.IntFillStop) | hififo.ChannelBits(2, hififo.IntDrainStop), want: [4][2]int64{{}, {}, {1, 0}, {0, 1}}},
		{status: 0xFFFF, want: [4][2]int64{{1, 1}, {1, 1}, {1, 1}, {1, 1}}},
		// Bits above the last channel are ignored.
		{status: 0xF0000},
	} {
		var before [hififo.MaxChannels][2]int64
		for c := range wakers {
			for dir := range wakers[c] {
				before[c][dir] = wakers[c][dir].n.Load()
			}
		}
		d.Dispatch(tc.status)
		var got [hififo.MaxChannels][2]int64
		for c := range wakers {
			for dir := range wakers[c] {
				got[c][dir] = wakers[c][dir].n.Load() - before[c][dir]
			}
		}
		if diff := cmp.Diff(tc.want, got); diff != "" {
			t.Errorf("Dispatch(%#x) wakeups mismatch (-want +got):\n%s", tc.status, diff)
		}
	}

	if got := testutil.ToFloat64(d.wakeups.WithLabelValues("0", "drain")); got != 4 {
		t.Errorf("channel 0 drain wakeups metric = %v, want 4", got)
	}
}

func TestDispatchUnregistered(t *testing.T) {
	d := NewDispatcher(statusQueue(nil), nil)
	drain := newCounter()
	if err := d.Register(0, drain, nil); err != nil {
		t.Fatalf("Register: %v", err)
	}
	// A fill interrupt with no fill waker is dropped.
	d.Dispatch(hififo.IntChannelMask)
	if got := drain.n.Load(); got != 1 {
		t.Errorf("drain woken %d times, want 1", got)
	}
	d.Unregister(0)
	d.Dispatch(hififo.IntChannelMask)
	if got := drain.n.Load(); got != 1 {
		t.Errorf("drain woken after Unregister")
	}
	if err := d.Register(hififo.MaxChannels, drain, nil); !errors.Is(err, unix.EINVAL) {
		t.Errorf("Register out of range: got %v, want EINVAL", err)
	}
}

func TestRunStop(t *testing.T) {
	line, err := NewLine()
	if err != nil {
		t.Fatalf("NewLine: %v", err)
	}
	defer line.Close()

	status := make(statusQueue, 1)
	d := NewDispatcher(status, nil)
	fill := newCounter()
	if err := d.Register(2, nil, fill); err != nil {
		t.Fatalf("Register: %v", err)
	}

	done := make(chan error, 1)
	go func() {
		done <- d.Run(line)
	}()

	status <- hififo.ChannelBits(2, hififo.IntFillMatch)
	if err := line.Raise(); err != nil {
		t.Fatalf("Raise: %v", err)
	}
	select {
	case <-fill.woke:
	case <-time.After(30 * time.Second):
		t.Fatalf("interrupt not dispatched")
	}
	if got := testutil.ToFloat64(d.interrupts); got < 1 {
		t.Errorf("interrupts metric = %v, want at least 1", got)
	}

	if err := d.Stop(line); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Run: %v", err)
		}
	case <-time.After(30 * time.Second):
		t.Fatalf("Run did not return after Stop")
	}
}

func TestUIO(t *testing.T) {
	// A FIFO stands in for the UIO node: the unmask write shows up as an
	// interrupt with count 1.
	path := filepath.Join(t.TempDir(), "uio0")
	if err := unix.Mkfifo(path, 0600); err != nil {
		t.Skipf("Mkfifo: %v", err)
	}
	u, err := OpenUIO(path)
	if err != nil {
		t.Fatalf("OpenUIO: %v", err)
	}
	defer u.Close()

	if err := u.Wait(); err != nil {
		t.Fatalf("Wait: %v", err)
	}
	if u.count != 1 {
		t.Errorf("count = %d, want 1", u.count)
	}

	// Wake takes precedence over a pending interrupt.
	if err := u.Wake(); err != nil {
		t.Fatalf("Wake: %v", err)
	}
	if err := u.Wait(); err != nil {
		t.Fatalf("Wait after Wake: %v", err)
	}
	if u.count != 1 {
		t.Errorf("count after Wake = %d, want 1", u.count)
	}
}
