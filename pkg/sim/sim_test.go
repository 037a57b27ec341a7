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

package sim

import (
	"bytes"
	"io"
	"testing"
	"time"

	"gvisor.dev/gvisor/pkg/sync"
	"gvisor.dev/hififo/pkg/abi/hififo"
	"gvisor.dev/hififo/pkg/dma"
	"gvisor.dev/hififo/pkg/irq"
	"gvisor.dev/hififo/pkg/ringreg"
)

const (
	testPageSize = 4096
	testPages    = 2
	testCapacity = testPageSize * testPages
)

// rings allocates and programs the rings of channel c.
func rings(t *testing.T, bus *dma.Bus, bank *ringreg.Bank, c int) (drain, fill *dma.PageSet) {
	t.Helper()
	a := dma.Allocator{Space: bus}
	drain, err := a.Allocate("drain", testPageSize, testPages)
	if err != nil {
		t.Fatalf("Allocate: %v", err)
	}
	t.Cleanup(func() { drain.Close() })
	fill, err = a.Allocate("fill", testPageSize, testPages)
	if err != nil {
		t.Fatalf("Allocate: %v", err)
	}
	t.Cleanup(func() { fill.Close() })
	for i := 0; i < hififo.PageTableEntries; i++ {
		bank.SetPageTable(c, hififo.Drain, i, drain.Pages()[i%testPages].Addr)
		bank.SetPageTable(c, hififo.Fill, i, fill.Pages()[i%testPages].Addr)
	}
	return drain, fill
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(30 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(time.Millisecond)
	}
}

func TestRegisters(t *testing.T) {
	d, err := New(Options{Bus: dma.NewBus(), PageSize: testPageSize})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	off := hififo.Offset(2, hififo.RegDrainMatch)
	d.Store64(off, 1234)
	if got := d.Load64(off); got != 1234 {
		t.Errorf("Load64(drain match) = %d, want 1234", got)
	}

	d.mu.Lock()
	d.status = 0x5
	d.mu.Unlock()
	status := hififo.Offset(0, hififo.RegInterrupt)
	if got := d.Load64(status); got != 0x5 {
		t.Errorf("status = %#x, want 0x5", got)
	}
	if got := d.Load64(status); got != 0 {
		t.Errorf("status after read = %#x, want 0", got)
	}

	defer func() {
		if recover() == nil {
			t.Errorf("Load64 of unaligned offset did not panic")
		}
	}()
	d.Load64(3)
}

func TestLoopback(t *testing.T) {
	bus := dma.NewBus()
	line, err := irq.NewLine()
	if err != nil {
		t.Fatalf("NewLine: %v", err)
	}
	defer line.Close()
	d, err := New(Options{
		Bus:      bus,
		Line:     line,
		PageSize: testPageSize,
		Routes:   []Route{{From: 0, To: 1}},
		Chunk:    1000,
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	d.Start()
	defer d.Close()

	bank := ringreg.NewBank(d)
	bank.EnableInterrupts(0xFF)
	_, fill := rings(t, bus, bank, 0)
	drain, _ := rings(t, bus, bank, 1)

	// Straddle the end of both rings.
	const start, n = testCapacity - 100, 600
	want := make([]byte, n)
	for i := range want {
		want[i] = byte(i * 7)
	}
	for i := range want {
		fill.Bytes()[(start+i)%testCapacity] = want[i]
	}

	d.mu.Lock()
	d.fillCount[0] = start
	d.drainCount[1] = start
	d.mu.Unlock()
	b := ringreg.NewBank(d)
	drainRing, err := b.Claim(1, hififo.Drain)
	if err != nil {
		t.Fatalf("Claim: %v", err)
	}
	fillRing, err := b.Claim(0, hififo.Fill)
	if err != nil {
		t.Fatalf("Claim: %v", err)
	}
	drainRing.SetStop(start + testCapacity)
	fillRing.SetMatch(start + n)
	fillRing.SetStop(start + n)

	waitFor(t, "transfer", func() bool {
		got, _ := d.Counters(1)
		return got == start+n
	})
	if _, got := d.Counters(0); got != start+n {
		t.Errorf("fill counter = %d, want %d", got, start+n)
	}
	got := make([]byte, n)
	for i := range got {
		got[i] = drain.Bytes()[(start+i)%testCapacity]
	}
	if !bytes.Equal(got, want) {
		t.Errorf("drain ring holds the wrong data")
	}

	// Reaching the fill stop raised the fill bits of channel 0, and the
	// drain match (left at zero) those of channel 1.
	if err := line.Wait(); err != nil {
		t.Fatalf("Wait: %v", err)
	}
	status := bank.Status()
	if want := hififo.ChannelBits(0, hififo.IntFillMatch|hififo.IntFillStop) | hififo.ChannelBits(1, hififo.IntDrainMatch); status&want != want {
		t.Errorf("status = %#x, want bits %#x", status, want)
	}
}

func TestStopBounds(t *testing.T) {
	bus := dma.NewBus()
	d, err := New(Options{Bus: bus, PageSize: testPageSize, Routes: []Route{{From: 0, To: 0}}})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	d.Start()
	defer d.Close()

	bank := ringreg.NewBank(d)
	rings(t, bus, bank, 0)
	drain, err := bank.Claim(0, hififo.Drain)
	if err != nil {
		t.Fatalf("Claim: %v", err)
	}
	fill, err := bank.Claim(0, hififo.Fill)
	if err != nil {
		t.Fatalf("Claim: %v", err)
	}

	// The host queues 800 bytes but leaves room for only 500.
	drain.SetStop(500)
	fill.SetStop(800)
	waitFor(t, "drain stop", func() bool {
		got, _ := d.Counters(0)
		return got == 500
	})
	// The engine must not go further.
	time.Sleep(10 * time.Millisecond)
	if dc, fc := d.Counters(0); dc != 500 || fc != 500 {
		t.Errorf("counters = %d, %d; want 500, 500", dc, fc)
	}

	drain.SetStop(10000)
	waitFor(t, "fill stop", func() bool {
		_, got := d.Counters(0)
		return got == 800
	})
}

func TestReset(t *testing.T) {
	bus := dma.NewBus()
	d, err := New(Options{Bus: bus, PageSize: testPageSize, Routes: []Route{{From: 0, To: 0}}})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	d.Start()
	defer d.Close()

	bank := ringreg.NewBank(d)
	rings(t, bus, bank, 0)
	bank.Reset(0, hififo.ResetAll)
	drain, _ := bank.Claim(0, hififo.Drain)
	fill, _ := bank.Claim(0, hififo.Fill)
	drain.SetStop(1000)
	fill.SetStop(1000)
	time.Sleep(10 * time.Millisecond)
	if dc, fc := d.Counters(0); dc != 0 || fc != 0 {
		t.Errorf("counters moved in reset: %d, %d", dc, fc)
	}
	bank.Reset(0, 0)
	waitFor(t, "transfer after reset", func() bool {
		dc, _ := d.Counters(0)
		return dc == 1000
	})
	bank.Reset(0, hififo.ResetDrain)
	if dc, fc := d.Counters(0); dc != 0 || fc != 1000 {
		t.Errorf("counters after drain reset = %d, %d; want 0, 1000", dc, fc)
	}
}

type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) Bytes() []byte {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]byte(nil), b.buf.Bytes()...)
}

func TestSinkAndSource(t *testing.T) {
	bus := dma.NewBus()
	sink := &syncBuffer{}
	data := bytes.Repeat([]byte("0123456789abcdef"), 100)
	d, err := New(Options{
		Bus:      bus,
		PageSize: testPageSize,
		Sinks:    map[int]io.Writer{0: sink},
		Sources:  map[int]io.Reader{0: bytes.NewReader(data)},
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	d.Start()
	defer d.Close()

	bank := ringreg.NewBank(d)
	drainSet, fillSet := rings(t, bus, bank, 0)
	copy(fillSet.Bytes(), data)
	drain, _ := bank.Claim(0, hififo.Drain)
	fill, _ := bank.Claim(0, hififo.Fill)
	drain.SetStop(testCapacity)
	fill.SetStop(uint64(len(data)))

	waitFor(t, "source", func() bool {
		dc, _ := d.Counters(0)
		return dc == uint64(len(data))
	})
	if !bytes.Equal(drainSet.Bytes()[:len(data)], data) {
		t.Errorf("drain ring does not hold the source data")
	}
	waitFor(t, "sink", func() bool {
		return len(sink.Bytes()) == len(data)
	})
	if !bytes.Equal(sink.Bytes(), data) {
		t.Errorf("sink does not hold the fill data")
	}
}

func TestUnalignedFillCounter(t *testing.T) {
	d, err := New(Options{Bus: dma.NewBus(), PageSize: testPageSize})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	d.mu.Lock()
	d.fillCount[0] = 4096
	d.mu.Unlock()
	d.InjectUnalignedReads(0, 3)

	fill, err := ringreg.NewBank(d).Claim(0, hififo.Fill)
	if err != nil {
		t.Fatalf("Claim: %v", err)
	}
	if got := fill.Counter(); got != 4096 {
		t.Errorf("Counter() = %d, want 4096", got)
	}
}

func TestInvalidOptions(t *testing.T) {
	for _, opts := range []Options{
		{},
		{Bus: dma.NewBus(), PageSize: 3000},
		{Bus: dma.NewBus(), Chunk: 2},
		{Bus: dma.NewBus(), Routes: []Route{{From: 0, To: hififo.MaxChannels}}},
		{Bus: dma.NewBus(), Routes: []Route{{From: 0, To: 0}, {From: 0, To: 1}}},
	} {
		if _, err := New(opts); err == nil {
			t.Errorf("New(%+v) succeeded", opts)
		}
	}
}
