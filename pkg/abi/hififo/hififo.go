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

// Package hififo defines constants and wire types shared between the host and
// the HIFIFO PCI Express FIFO board: register offsets, interrupt status bits,
// request numbers and ring geometry.
package hififo

import (
	"encoding/binary"
	"fmt"
	"time"
)

// PCI identifiers of the board.
const (
	VendorID = 0x10EE
	DeviceID = 0x7024
)

// DeviceName is the base name of channel nodes, which are named
// DeviceName<index>.
const DeviceName = "hififo"

// MaxChannels is the number of channels the register layout can address.
const MaxChannels = 4

// Direction identifies one of the two rings of a channel.
type Direction int

const (
	// Drain is the device-to-host ring. The host consumes.
	Drain Direction = iota

	// Fill is the host-to-device ring. The host produces.
	Fill
)

// String implements fmt.Stringer.
func (d Direction) String() string {
	switch d {
	case Drain:
		return "drain"
	case Fill:
		return "fill"
	default:
		return fmt.Sprintf("Direction(%d)", int(d))
	}
}

// Register word indices within a channel's register block. Every register is
// 64 bits wide; narrower hardware registers are zero-extended.
const (
	RegInterrupt      = 0   // interrupt status (R, clear on read) / enable mask (W); channel 0 only
	RegDrainCount     = 2   // bytes produced by the device into the drain ring (R)
	RegDrainStop      = 3   // drain count limit (W)
	RegDrainMatch     = 4   // interrupt when drain count reaches this value (W)
	RegFillCount      = 5   // bytes consumed by the device from the fill ring (R)
	RegFillStop       = 6   // fill count limit, i.e. the host write pointer (W)
	RegFillMatch      = 7   // interrupt when fill count reaches this value (W)
	RegReset          = 8   // reset mask (W)
	RegDrainPageTable = 32  // first drain page table entry (W)
	RegFillPageTable  = 128 // first fill page table entry (W)
)

const (
	// RegisterSize is the width of a register in bytes.
	RegisterSize = 8

	// PageTableEntries is the number of page table entries per ring.
	PageTableEntries = 32

	// ChannelStride is the distance between channel register blocks, in
	// registers.
	ChannelStride = 256

	// WindowSize is the size of the register BAR.
	WindowSize = 65536
)

// Offset returns the byte offset of register reg of the given channel.
func Offset(channel int, reg int) uint64 {
	return uint64(channel*ChannelStride+reg) * RegisterSize
}

// Interrupt status and enable bits. Each channel owns a nibble; channel c's
// bits are shifted left by 4*c.
const (
	IntDrainMatch = 1 << 0
	IntDrainStop  = 1 << 1
	IntFillMatch  = 1 << 2
	IntFillStop   = 1 << 3

	IntDrainMask   = IntDrainMatch | IntDrainStop
	IntFillMask    = IntFillMatch | IntFillStop
	IntChannelMask = IntDrainMask | IntFillMask
)

// ChannelBits shifts per-channel interrupt bits into channel's nibble.
func ChannelBits(channel int, bits uint64) uint64 {
	return bits << (4 * uint(channel))
}

// DirectionBits returns the interrupt bits that report progress for dir.
func DirectionBits(dir Direction) uint64 {
	if dir == Drain {
		return IntDrainMask
	}
	return IntFillMask
}

// Reset mask bits.
const (
	ResetDrain = 1 << 0
	ResetFill  = 1 << 1
	ResetAll   = 0xF
)

// Ring geometry of the board.
const (
	// PageSize is the size of one entry of the device's page table.
	PageSize = 2 << 20

	// DrainPages is the number of pages backing the drain ring.
	DrainPages = 2

	// FillPages is the number of pages backing the fill ring.
	FillPages = 4

	// DrainMargin is kept free between the device's drain stop and the
	// host read pointer.
	DrainMargin = 128

	// FillMargin is subtracted from the fill ring's free space so that a
	// full ring never has equal pointers.
	FillMargin = 1024

	// InitialDrainStopMargin is the drain stop margin programmed at reset,
	// before the first commit.
	InitialDrainStopMargin = 1024

	// CounterAlignment is the granule the fill counter is reported in.
	CounterAlignment = 4
)

// Tick is the unit of SetTimeout arguments.
const Tick = time.Millisecond

// DefaultTimeout bounds a single wait when no timeout has been set.
const DefaultTimeout = 250 * time.Millisecond

// Request numbers, encoded like Linux ioctl(2) commands with type 'f'.
const (
	IOCMagic = 'f'

	iocInfo        = 0x10
	iocGetDrain    = 0x11
	iocPutDrain    = 0x12
	iocGetFill     = 0x13
	iocPutFill     = 0x14
	iocSetTimeout  = 0x15
	iocPutGetDrain = 0x16
	iocPutGetFill  = 0x17
)

const (
	iocNRShift   = 0
	iocTypeShift = 8
	iocSizeShift = 16
	iocDirShift  = 30

	iocNone = 0
	iocRead = 2
)

// IOC encodes an ioctl command number.
func IOC(dir, typ, nr, size uint32) uint32 {
	return dir<<iocDirShift | size<<iocSizeShift | typ<<iocTypeShift | nr<<iocNRShift
}

// IO encodes a command without an argument buffer.
func IO(typ, nr uint32) uint32 {
	return IOC(iocNone, typ, nr, 0)
}

// IOR encodes a command that copies size bytes out to the caller.
func IOR(typ, nr, size uint32) uint32 {
	return IOC(iocRead, typ, nr, size)
}

// Request commands.
var (
	IOCInfo        = IOR(IOCMagic, iocInfo, SizeOfInfo)
	IOCGetDrain    = IO(IOCMagic, iocGetDrain)
	IOCPutDrain    = IO(IOCMagic, iocPutDrain)
	IOCGetFill     = IO(IOCMagic, iocGetFill)
	IOCPutFill     = IO(IOCMagic, iocPutFill)
	IOCSetTimeout  = IO(IOCMagic, iocSetTimeout)
	IOCPutGetDrain = IO(IOCMagic, iocPutGetDrain)
	IOCPutGetFill  = IO(IOCMagic, iocPutGetFill)
)

// SizeOfInfo is the encoded size of Info.
const SizeOfInfo = 8 * 8

// Info is the geometry snapshot returned by IOCInfo. Pointers are reported
// modulo the ring capacity.
type Info struct {
	DrainCapacity uint64
	FillCapacity  uint64
	DrainPointer  uint64
	FillPointer   uint64
	_             [4]uint64
}

// MarshalBytes encodes i into dst, which must be at least SizeOfInfo bytes.
func (i *Info) MarshalBytes(dst []byte) {
	_ = dst[SizeOfInfo-1]
	binary.LittleEndian.PutUint64(dst[0:], i.DrainCapacity)
	binary.LittleEndian.PutUint64(dst[8:], i.FillCapacity)
	binary.LittleEndian.PutUint64(dst[16:], i.DrainPointer)
	binary.LittleEndian.PutUint64(dst[24:], i.FillPointer)
	clear(dst[32:SizeOfInfo])
}

// UnmarshalBytes decodes i from src, which must be at least SizeOfInfo bytes.
func (i *Info) UnmarshalBytes(src []byte) {
	_ = src[SizeOfInfo-1]
	i.DrainCapacity = binary.LittleEndian.Uint64(src[0:])
	i.FillCapacity = binary.LittleEndian.Uint64(src[8:])
	i.DrainPointer = binary.LittleEndian.Uint64(src[16:])
	i.FillPointer = binary.LittleEndian.Uint64(src[24:])
}

// MappingSize returns the size of the shared mapping of a channel: each ring
// is mapped twice, back to back.
func (i *Info) MappingSize() uint64 {
	return 2 * (i.DrainCapacity + i.FillCapacity)
}

// IsPowerOfTwo returns true if v is a non-zero power of two.
func IsPowerOfTwo(v uint64) bool {
	return v != 0 && v&(v-1) == 0
}
