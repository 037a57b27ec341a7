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

// Package dma allocates the memory behind the HIFIFO rings.
//
// Each ring is backed by a PageSet: a fixed number of equally sized pages,
// each with a device (bus) address that is loaded into the board's page
// table. All pages of a set live in a single memfd so that the set can later
// be mapped again, twice and back to back, to give the host wraparound-free
// access to the ring (see Mirror).
package dma

import (
	"fmt"

	"golang.org/x/sys/unix"
	"gvisor.dev/gvisor/pkg/cleanup"
	"gvisor.dev/gvisor/pkg/log"
	"gvisor.dev/hififo/pkg/abi/hififo"
)

// AddressSpace assigns device addresses to host memory.
type AddressSpace interface {
	// Assign returns the device address of mem, which is one page of a
	// PageSet. mem stays mapped until Release is called.
	Assign(mem []byte) (uint64, error)

	// Release is called when the page at addr is freed.
	Release(addr uint64)
}

// Page is one page of a PageSet.
type Page struct {
	// Mem is the host view of the page.
	Mem []byte

	// Addr is the device address of the page.
	Addr uint64
}

// PageSet is the fixed set of pages backing one ring.
type PageSet struct {
	name     string
	fd       int
	mem      []byte
	pageSize uint64
	pages    []Page
	space    AddressSpace
}

// Allocator allocates PageSets.
type Allocator struct {
	// Space assigns device addresses to pages.
	Space AddressSpace

	// Hugetlb backs pages with huge pages, which is required for pages
	// larger than the host page size to be physically contiguous.
	Hugetlb bool
}

// Allocate allocates n pages of pageSize bytes each. If any page cannot be
// allocated, every page allocated so far is released before the error is
// returned.
func (a *Allocator) Allocate(name string, pageSize uint64, n int) (*PageSet, error) {
	if !hififo.IsPowerOfTwo(pageSize) {
		return nil, fmt.Errorf("page size %d is not a power of two: %w", pageSize, unix.EINVAL)
	}
	if n <= 0 {
		return nil, fmt.Errorf("invalid page count %d: %w", n, unix.EINVAL)
	}
	size := pageSize * uint64(n)

	flags := unix.MFD_CLOEXEC
	if a.Hugetlb {
		flags |= unix.MFD_HUGETLB
	}
	fd, err := unix.MemfdCreate(name, flags)
	if err != nil {
		return nil, fmt.Errorf("failed to create memfd for %s: %w", name, err)
	}
	cu := cleanup.Make(func() { unix.Close(fd) })
	defer cu.Clean()

	if err := unix.Ftruncate(fd, int64(size)); err != nil {
		return nil, fmt.Errorf("failed to size %s to %d bytes: %w", name, size, err)
	}
	mem, err := unix.Mmap(fd, 0, int(size), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED|unix.MAP_POPULATE)
	if err != nil {
		return nil, fmt.Errorf("failed to map %s: %w", name, err)
	}
	cu.Add(func() { unix.Munmap(mem) })

	s := &PageSet{
		name:     name,
		fd:       fd,
		mem:      mem,
		pageSize: pageSize,
		pages:    make([]Page, 0, n),
		space:    a.Space,
	}
	for i := 0; i < n; i++ {
		start, end := uint64(i)*pageSize, uint64(i+1)*pageSize
		pm := mem[start:end:end]
		addr, err := a.Space.Assign(pm)
		if err != nil {
			log.Warningf("Failed to allocate DMA page %d of %s", i, name)
			return nil, fmt.Errorf("failed to assign device address to page %d of %s: %w", i, name, err)
		}
		cu.Add(func() { a.Space.Release(addr) })
		s.pages = append(s.pages, Page{Mem: pm, Addr: addr})
	}
	cu.Release()

	log.Debugf("Allocated %s: %d pages of %d bytes", name, n, pageSize)
	return s, nil
}

// Name returns the name the set was allocated with.
func (s *PageSet) Name() string {
	return s.name
}

// Size returns the total size of the set in bytes.
func (s *PageSet) Size() uint64 {
	return s.pageSize * uint64(len(s.pages))
}

// PageSize returns the size of each page.
func (s *PageSet) PageSize() uint64 {
	return s.pageSize
}

// Pages returns the pages of the set. The slice must not be modified.
func (s *PageSet) Pages() []Page {
	return s.pages
}

// Bytes returns a contiguous host view of the whole set.
func (s *PageSet) Bytes() []byte {
	return s.mem
}

// Close releases the pages. Mappings created by Mirror or View stay valid
// until they are closed themselves.
func (s *PageSet) Close() error {
	if s.mem == nil {
		return nil
	}
	for _, p := range s.pages {
		s.space.Release(p.Addr)
	}
	s.pages = nil
	err := unix.Munmap(s.mem)
	s.mem = nil
	if cerr := unix.Close(s.fd); err == nil {
		err = cerr
	}
	return err
}
