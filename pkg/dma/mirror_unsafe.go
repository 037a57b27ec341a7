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
	"errors"
	"fmt"
	"unsafe"

	"golang.org/x/sys/unix"
	"gvisor.dev/gvisor/pkg/cleanup"
	"gvisor.dev/gvisor/pkg/log"
)

// ErrUnaligned is returned by Mirror for page sets whose size is not a
// multiple of the host page size.
var ErrUnaligned = errors.New("page set size is not a multiple of the host page size")

// Mapping is a host mapping of one or more page sets, made from their
// backing files. It stays valid after the sets themselves are closed.
//
// A mapping created by Mirror shows each set twice, back to back, so that
// any run of up to the set's size starting inside the first copy is
// contiguous in memory:
//
//	[set 0][set 0][set 1][set 1]...
//
// A mapping created by View shows each set once.
type Mapping struct {
	// regions are unmapped by Close.
	regions [][]byte
	rings   [][]byte
}

func mmap(addr, size uintptr, prot, flags int, fd int) (uintptr, error) {
	got, _, errno := unix.Syscall6(
		unix.SYS_MMAP,
		addr,
		size,
		uintptr(prot),
		uintptr(flags),
		uintptr(fd),
		0)
	if errno != 0 {
		return 0, errno
	}
	return got, nil
}

// Mirror creates a mirrored mapping of sets.
func Mirror(sets ...*PageSet) (*Mapping, error) {
	hostPage := uint64(unix.Getpagesize())
	var total uint64
	for _, s := range sets {
		if s.mem == nil {
			return nil, fmt.Errorf("%s: %w", s.name, unix.EBADF)
		}
		if s.Size()%hostPage != 0 {
			return nil, fmt.Errorf("%s (%d bytes): %w", s.name, s.Size(), ErrUnaligned)
		}
		total += 2 * s.Size()
	}
	if total == 0 {
		return nil, fmt.Errorf("nothing to map: %w", unix.EINVAL)
	}

	// Reserve the whole range first so that the fixed mappings below cannot
	// clobber anything else.
	addr, err := mmap(0, uintptr(total), unix.PROT_NONE, unix.MAP_PRIVATE|unix.MAP_ANONYMOUS|unix.MAP_NORESERVE, -1)
	if err != nil {
		return nil, fmt.Errorf("failed to reserve %d bytes: %w", total, err)
	}
	m := &Mapping{regions: [][]byte{unsafe.Slice((*byte)(unsafe.Pointer(addr)), total)}}
	cu := cleanup.Make(func() { m.Close() })
	defer cu.Clean()

	var off uintptr
	for _, s := range sets {
		size := uintptr(s.Size())
		start := off
		for i := 0; i < 2; i++ {
			if _, err := mmap(addr+off, size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED|unix.MAP_FIXED, s.fd); err != nil {
				return nil, fmt.Errorf("failed to map copy %d of %s: %w", i, s.name, err)
			}
			off += size
		}
		m.rings = append(m.rings, unsafe.Slice((*byte)(unsafe.Pointer(addr+start)), 2*size))
	}
	cu.Release()

	log.Debugf("Mirrored %d page sets at %#x, %d bytes", len(sets), addr, total)
	return m, nil
}

// View maps each of sets once, at any address. Unlike Mirror it accepts sets
// of any size.
func View(sets ...*PageSet) (*Mapping, error) {
	if len(sets) == 0 {
		return nil, fmt.Errorf("nothing to map: %w", unix.EINVAL)
	}
	m := &Mapping{}
	cu := cleanup.Make(func() { m.Close() })
	defer cu.Clean()

	for _, s := range sets {
		if s.mem == nil {
			return nil, fmt.Errorf("%s: %w", s.name, unix.EBADF)
		}
		addr, err := mmap(0, uintptr(s.Size()), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED, s.fd)
		if err != nil {
			return nil, fmt.Errorf("failed to map %s: %w", s.name, err)
		}
		b := unsafe.Slice((*byte)(unsafe.Pointer(addr)), s.Size())
		m.regions = append(m.regions, b)
		m.rings = append(m.rings, b)
	}
	cu.Release()
	return m, nil
}

// Ring returns the view of set i: two back-to-back copies for a mirrored
// mapping, one otherwise.
func (m *Mapping) Ring(i int) []byte {
	return m.rings[i]
}

// Size returns the number of bytes mapped.
func (m *Mapping) Size() uint64 {
	var n uint64
	for _, r := range m.regions {
		n += uint64(len(r))
	}
	return n
}

// Close unmaps the mapping. Slices returned by Ring must not be used
// afterwards.
func (m *Mapping) Close() error {
	var err error
	for _, r := range m.regions {
		if _, _, errno := unix.Syscall(unix.SYS_MUNMAP, uintptr(unsafe.Pointer(&r[0])), uintptr(len(r)), 0); errno != 0 && err == nil {
			err = errno
		}
	}
	m.regions, m.rings = nil, nil
	return err
}
