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

//go:build linux && (amd64 || arm64)
// +build linux
// +build amd64 arm64

package mmio

import (
	"fmt"
	"os"
	"sync/atomic"
	"unsafe"

	"golang.org/x/sys/unix"
	"gvisor.dev/gvisor/pkg/log"
)

// Mapping is a Window backed by a shared mapping of a PCI resource file, such
// as /sys/bus/pci/devices/<address>/resource0.
//
// Both supported architectures are little-endian, matching the device, so
// register values need no byte swapping.
type Mapping struct {
	mem []byte
}

// Map maps size bytes of the resource file at path.
func Map(path string, size int) (*Mapping, error) {
	f, err := os.OpenFile(path, os.O_RDWR|unix.O_SYNC, 0)
	if err != nil {
		return nil, fmt.Errorf("failed to open register window: %w", err)
	}
	// The mapping outlives the descriptor.
	defer f.Close()

	mem, err := unix.Mmap(int(f.Fd()), 0, size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		return nil, fmt.Errorf("failed to mmap %d bytes of %s: %w", size, path, err)
	}
	log.Infof("Mapped register window %s: %d bytes at %#x", path, size, uintptr(unsafe.Pointer(&mem[0])))
	return &Mapping{mem: mem}, nil
}

func (m *Mapping) register(off uint64) *uint64 {
	checkOffset(off, uint64(len(m.mem)))
	return (*uint64)(unsafe.Pointer(&m.mem[off]))
}

// Load64 implements Window.Load64.
func (m *Mapping) Load64(off uint64) uint64 {
	return atomic.LoadUint64(m.register(off))
}

// Store64 implements Window.Store64.
func (m *Mapping) Store64(off uint64, val uint64) {
	atomic.StoreUint64(m.register(off), val)
}

// Close unmaps the window. It must not be used afterwards.
func (m *Mapping) Close() error {
	if m.mem == nil {
		return nil
	}
	err := unix.Munmap(m.mem)
	m.mem = nil
	return err
}
