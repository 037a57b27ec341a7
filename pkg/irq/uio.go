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

package irq

import (
	"encoding/binary"
	"fmt"

	"golang.org/x/sys/unix"
	"gvisor.dev/gvisor/pkg/cleanup"
	"gvisor.dev/gvisor/pkg/eventfd"
	"gvisor.dev/gvisor/pkg/log"
)

// UIO is the interrupt line of a device bound to a userspace I/O driver
// (/dev/uioN). Reading the node blocks until an interrupt and returns the
// running interrupt count; writing 1 unmasks the line again.
type UIO struct {
	fd   int
	wake eventfd.Eventfd

	// count is the last interrupt count read.
	count uint32
}

// OpenUIO opens the node at path and unmasks its interrupt.
func OpenUIO(path string) (*UIO, error) {
	fd, err := unix.Open(path, unix.O_RDWR|unix.O_CLOEXEC|unix.O_NONBLOCK, 0)
	if err != nil {
		return nil, fmt.Errorf("failed to open %s: %w", path, err)
	}
	cu := cleanup.Make(func() { unix.Close(fd) })
	defer cu.Clean()

	wake, err := eventfd.Create()
	if err != nil {
		return nil, err
	}
	cu.Add(func() { wake.Close() })

	u := &UIO{fd: fd, wake: wake}
	if err := u.unmask(); err != nil {
		return nil, fmt.Errorf("failed to unmask %s: %w", path, err)
	}
	cu.Release()
	log.Infof("Using interrupt line %s", path)
	return u, nil
}

func (u *UIO) unmask() error {
	var buf [4]byte
	binary.LittleEndian.PutUint32(buf[:], 1)
	_, err := unix.Write(u.fd, buf[:])
	return err
}

// Wait implements Source.Wait.
func (u *UIO) Wait() error {
	fds := []unix.PollFd{
		{Fd: int32(u.fd), Events: unix.POLLIN},
		{Fd: int32(u.wake.FD()), Events: unix.POLLIN},
	}
	for {
		if _, err := unix.Poll(fds, -1); err != nil {
			if err == unix.EINTR {
				continue
			}
			return err
		}
		break
	}
	if fds[1].Revents&unix.POLLIN != 0 {
		_, err := u.wake.Read()
		return err
	}
	if fds[0].Revents&(unix.POLLERR|unix.POLLHUP) != 0 {
		return fmt.Errorf("interrupt line failed: revents %#x: %w", fds[0].Revents, unix.EIO)
	}
	var buf [4]byte
	if _, err := unix.Read(u.fd, buf[:]); err != nil {
		if err == unix.EAGAIN {
			return nil
		}
		return err
	}
	count := binary.LittleEndian.Uint32(buf[:])
	if missed := count - u.count - 1; u.count != 0 && missed != 0 {
		log.Debugf("Coalesced %d interrupts", missed)
	}
	u.count = count
	return u.unmask()
}

// Wake implements Source.Wake.
func (u *UIO) Wake() error {
	return u.wake.Notify()
}

// Close implements Source.Close.
func (u *UIO) Close() error {
	u.wake.Close()
	return unix.Close(u.fd)
}
