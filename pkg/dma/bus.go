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

package dma

import (
	"fmt"
	"sort"

	"golang.org/x/sys/unix"
	"gvisor.dev/gvisor/pkg/sync"
)

// busBase is the first address handed out by a Bus. Zero is never a valid
// device address.
const busBase = 1 << 32

// busAlign is the alignment of addresses handed out by a Bus.
const busAlign = 2 << 20

type region struct {
	addr uint64
	mem  []byte
}

// Bus is an AddressSpace with synthetic device addresses, for devices that
// are emulated in-process. The emulated device translates addresses back to
// host memory with Resolve.
type Bus struct {
	mu sync.Mutex

	// +checklocks:mu
	next uint64

	// regions is sorted by addr.
	//
	// +checklocks:mu
	regions []region
}

// NewBus returns an empty Bus.
func NewBus() *Bus {
	return &Bus{next: busBase}
}

// Assign implements AddressSpace.Assign.
func (b *Bus) Assign(mem []byte) (uint64, error) {
	if len(mem) == 0 {
		return 0, fmt.Errorf("empty page: %w", unix.EINVAL)
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	addr := b.next
	b.next += (uint64(len(mem)) + busAlign - 1) &^ (busAlign - 1)
	b.regions = append(b.regions, region{addr: addr, mem: mem})
	return addr, nil
}

// Release implements AddressSpace.Release.
func (b *Bus) Release(addr uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	i := b.find(addr)
	if i < 0 || b.regions[i].addr != addr {
		panic(fmt.Sprintf("release of unassigned device address %#x", addr))
	}
	b.regions = append(b.regions[:i], b.regions[i+1:]...)
}

// find returns the index of the region containing addr, or -1.
//
// +checklocks:b.mu
func (b *Bus) find(addr uint64) int {
	i := sort.Search(len(b.regions), func(i int) bool {
		return b.regions[i].addr > addr
	}) - 1
	if i < 0 || addr-b.regions[i].addr >= uint64(len(b.regions[i].mem)) {
		return -1
	}
	return i
}

// Resolve returns the host memory for the n bytes at device address addr.
// The range must not cross a page.
func (b *Bus) Resolve(addr, n uint64) ([]byte, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	i := b.find(addr)
	if i < 0 {
		return nil, fmt.Errorf("no page at device address %#x: %w", addr, unix.EFAULT)
	}
	r := b.regions[i]
	off := addr - r.addr
	if off+n > uint64(len(r.mem)) {
		return nil, fmt.Errorf("device range [%#x, %#x) crosses a page boundary: %w", addr, addr+n, unix.EFAULT)
	}
	return r.mem[off : off+n], nil
}

// Len returns the number of pages with assigned addresses.
func (b *Bus) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.regions)
}
