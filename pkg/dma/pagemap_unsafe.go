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

//go:build linux
// +build linux

package dma

import (
	"encoding/binary"
	"fmt"
	"os"
	"unsafe"

	"golang.org/x/sys/unix"
)

const (
	pagemapPresent = 1 << 63
	pagemapPFNMask = 1<<55 - 1
)

// Pagemap is an AddressSpace that uses physical addresses, as seen through
// /proc/self/pagemap. It is only usable by privileged processes driving a
// device without an IOMMU, and requires each page to be physically
// contiguous (i.e. backed by a huge page when larger than the host page
// size).
type Pagemap struct {
	f *os.File
}

// OpenPagemap opens /proc/self/pagemap.
func OpenPagemap() (*Pagemap, error) {
	f, err := os.Open("/proc/self/pagemap")
	if err != nil {
		return nil, err
	}
	return &Pagemap{f: f}, nil
}

// Close closes the pagemap.
func (p *Pagemap) Close() error {
	return p.f.Close()
}

// frame returns the physical frame number of the host page at virtual
// address va.
func (p *Pagemap) frame(va uintptr, hostPage uintptr) (uint64, error) {
	var buf [8]byte
	if _, err := p.f.ReadAt(buf[:], int64(va/hostPage)*8); err != nil {
		return 0, fmt.Errorf("failed to read pagemap entry for %#x: %w", va, err)
	}
	e := binary.LittleEndian.Uint64(buf[:])
	if e&pagemapPresent == 0 {
		return 0, fmt.Errorf("page at %#x not present: %w", va, unix.EFAULT)
	}
	pfn := e & pagemapPFNMask
	if pfn == 0 {
		// Unprivileged readers see zeroed frame numbers.
		return 0, fmt.Errorf("frame number of %#x hidden: %w", va, unix.EPERM)
	}
	return pfn, nil
}

// Assign implements AddressSpace.Assign.
func (p *Pagemap) Assign(mem []byte) (uint64, error) {
	if err := unix.Mlock(mem); err != nil {
		return 0, fmt.Errorf("failed to lock page: %w", err)
	}
	hostPage := uintptr(unix.Getpagesize())
	base := uintptr(unsafe.Pointer(&mem[0]))
	first, err := p.frame(base, hostPage)
	if err != nil {
		return 0, err
	}
	for off := hostPage; off < uintptr(len(mem)); off += hostPage {
		pfn, err := p.frame(base+off, hostPage)
		if err != nil {
			return 0, err
		}
		if pfn != first+uint64(off/hostPage) {
			return 0, fmt.Errorf("page at %#x is not physically contiguous: %w", base, unix.ENOMEM)
		}
	}
	return first*uint64(hostPage) + uint64(base%hostPage), nil
}

// Release implements AddressSpace.Release. Pages are unlocked when they are
// unmapped.
func (p *Pagemap) Release(addr uint64) {}
