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

// Package mmio provides access to a device's memory-mapped register window.
//
// A Window is the narrowest possible view of a device: 64-bit loads and
// stores at byte offsets. Every access is a single, untorn register access;
// there is no caching, buffering or retrying at this layer.
package mmio

import (
	"fmt"

	"gvisor.dev/hififo/pkg/abi/hififo"
)

// Window is a register window.
type Window interface {
	// Load64 reads the 64-bit register at byte offset off.
	Load64(off uint64) uint64

	// Store64 writes val to the 64-bit register at byte offset off.
	Store64(off uint64, val uint64)
}

// checkOffset panics if off is not a valid register offset in a window of
// the given size. Invalid offsets are programming errors.
func checkOffset(off, size uint64) {
	if off%hififo.RegisterSize != 0 || off+hififo.RegisterSize > size {
		panic(fmt.Sprintf("register offset %#x invalid for %#x byte window", off, size))
	}
}
