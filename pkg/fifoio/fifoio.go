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

// Package fifoio provides byte streams over HIFIFO channels.
//
// A Stream reads from a channel's drain ring and writes to its fill ring,
// hiding reservations and commits behind io.Reader and io.Writer. Copies go
// through a mirrored mapping of the rings where the ring size allows it, so
// that a span crossing the end of a ring is still one contiguous copy.
package fifoio

import (
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"time"

	"github.com/cenkalti/backoff"
	"github.com/gofrs/flock"
	"golang.org/x/sys/unix"
	"gvisor.dev/gvisor/pkg/atomicbitops"
	"gvisor.dev/gvisor/pkg/cleanup"
	"gvisor.dev/gvisor/pkg/log"
	"gvisor.dev/gvisor/pkg/sync"
	"gvisor.dev/hififo/pkg/abi/hififo"
	"gvisor.dev/hififo/pkg/dma"
	"gvisor.dev/hififo/pkg/fifo"
)

// ErrTimeout is returned with a short count when a channel made no progress
// for Options.Retries+1 consecutive waits.
var ErrTimeout = fmt.Errorf("no progress: %w", unix.ETIMEDOUT)

// DefaultRetries is the default value of Options.Retries.
const DefaultRetries = 3

// Options configures a Stream.
type Options struct {
	// Timeout bounds each wait of the channel. Zero keeps the channel's
	// current timeout.
	Timeout time.Duration

	// Retries is the number of further waits attempted after one that
	// returned nothing. Zero selects DefaultRetries; a negative value
	// disables retries.
	Retries int

	// LockDir, if set, holds one lock file per channel that is held while
	// the stream is open, for exclusion between processes.
	LockDir string
}

// ring is one direction of a stream, as seen by the copy loop.
type ring struct {
	// buf is the ring, mapped twice in a row when mirrored is set.
	buf      []byte
	capacity uint64
	mirrored bool

	// limit bounds a single reservation.
	limit uint64

	// off is the local pointer modulo capacity.
	off uint64
}

// in fills dst from the ring's pointer.
func (r *ring) in(dst []byte) {
	if r.mirrored {
		copy(dst, r.buf[r.off:])
		return
	}
	k := copy(dst, r.buf[r.off:r.capacity])
	copy(dst[k:], r.buf)
}

// out copies src to the ring's pointer.
func (r *ring) out(src []byte) {
	if r.mirrored {
		copy(r.buf[r.off:], src)
		return
	}
	k := copy(r.buf[r.off:r.capacity], src)
	copy(r.buf, src[k:])
}

func (r *ring) advance(n uint64) {
	r.off = (r.off + n) & (r.capacity - 1)
}

// Stream is a byte stream over one channel. Reads and writes may proceed
// concurrently with each other, but not with themselves.
type Stream struct {
	name string
	h    *fifo.Handle
	lock *flock.Flock

	// mapping holds the rings. It is independent of the device's page
	// sets, so copies stay valid while the device is torn down.
	mapping *dma.Mapping
	retries uint64

	closed atomicbitops.Bool

	readMu sync.Mutex

	// +checklocks:readMu
	drain ring

	writeMu sync.Mutex

	// +checklocks:writeMu
	fill ring
}

// Open opens the channel called name on dev. It fails with fifo.ErrBusy if
// the channel is open in this process or, with a LockDir, in another one.
func Open(dev *fifo.Device, name string, opts Options) (*Stream, error) {
	s := &Stream{name: name}
	switch {
	case opts.Retries == 0:
		s.retries = DefaultRetries
	case opts.Retries > 0:
		s.retries = uint64(opts.Retries)
	}

	var cu cleanup.Cleanup
	defer cu.Clean()

	if opts.LockDir != "" {
		path := filepath.Join(opts.LockDir, name+".lock")
		l := flock.New(path)
		ok, err := l.TryLock()
		if err != nil {
			return nil, fmt.Errorf("error locking %q: %w", path, err)
		}
		if !ok {
			return nil, fmt.Errorf("%s locked by %q: %w", name, path, fifo.ErrBusy)
		}
		s.lock = l
		cu.Add(func() { l.Unlock() })
	}

	c, err := dev.Channel(name)
	if err != nil {
		return nil, err
	}
	s.h, err = c.Open()
	if err != nil {
		return nil, err
	}
	cu.Add(func() { s.h.Close() })

	if opts.Timeout != 0 {
		if err := s.SetTimeout(opts.Timeout); err != nil {
			return nil, err
		}
	}
	info, err := s.h.Info()
	if err != nil {
		return nil, err
	}

	drainLimit, fillLimit := s.h.Limits()
	s.drain = ring{capacity: info.DrainCapacity, limit: drainLimit, off: info.DrainPointer}
	s.fill = ring{capacity: info.FillCapacity, limit: fillLimit, off: info.FillPointer}
	m, err := s.h.Map()
	switch {
	case err == nil:
		s.drain.mirrored, s.fill.mirrored = true, true
	case errors.Is(err, dma.ErrUnaligned):
		log.Debugf("%s: no mirrored mapping, copies are split at the ring end: %v", name, err)
		if m, err = s.h.Buffers(); err != nil {
			return nil, err
		}
	default:
		return nil, err
	}
	s.mapping = m
	s.drain.buf, s.fill.buf = m.Ring(0), m.Ring(1)

	cu.Release()
	return s, nil
}

// SetTimeout sets the bound of each wait of the channel, rounded up to a
// whole hififo.Tick.
func (s *Stream) SetTimeout(d time.Duration) error {
	if d <= 0 {
		return fmt.Errorf("timeout %v: %w", d, unix.EINVAL)
	}
	return s.h.SetTimeout(uint64((d + hififo.Tick - 1) / hififo.Tick))
}

// reserve commits the previous span and reserves up to want bytes with the
// coupled request call, retrying while it returns nothing.
func (s *Stream) reserve(call func(commit, want uint64) (uint64, error), commit, want uint64) (uint64, error) {
	var got uint64
	op := func() error {
		n, err := call(commit, want)
		if err != nil {
			return backoff.Permanent(err)
		}
		// The commit has landed; retries only wait.
		commit = 0
		if n == 0 {
			return ErrTimeout
		}
		got = n
		return nil
	}
	err := backoff.Retry(op, backoff.WithMaxRetries(&backoff.ZeroBackOff{}, s.retries))
	return got, err
}

// Read implements io.Reader.Read. It returns once len(p) bytes have been
// read, or with fewer and ErrTimeout if the device stops producing. A closed
// stream reads io.EOF.
func (s *Stream) Read(p []byte) (int, error) {
	s.readMu.Lock()
	defer s.readMu.Unlock()

	var n, last uint64
	total := uint64(len(p))
	for n < total {
		want := min(total-n, s.drain.limit)
		avail, err := s.reserve(s.h.CommitReserveDrain, last, want)
		last = 0
		if err != nil {
			if errors.Is(err, fifo.ErrClosed) {
				err = io.EOF
			}
			return int(n), err
		}
		k := min(avail, want)
		s.drain.in(p[n : n+k])
		s.drain.advance(k)
		n += k
		last = k
	}
	if last != 0 {
		if err := s.h.CommitDrain(last); err != nil {
			return int(n), err
		}
	}
	return int(n), nil
}

// Write implements io.Writer.Write. It returns once all of p has been handed
// to the device, or with a short count and ErrTimeout if the device stops
// consuming. The device moves whole hififo.CounterAlignment words, so a
// trailing partial word is only delivered once a later write completes it.
func (s *Stream) Write(p []byte) (int, error) {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	var n, last uint64
	total := uint64(len(p))
	for n < total {
		want := min(total-n, s.fill.limit)
		free, err := s.reserve(s.h.CommitReserveFill, last, want)
		last = 0
		if err != nil {
			return int(n), err
		}
		k := min(free, want)
		s.fill.out(p[n : n+k])
		s.fill.advance(k)
		n += k
		last = k
	}
	if last != 0 {
		if err := s.h.CommitFill(last); err != nil {
			return int(n), err
		}
	}
	return int(n), nil
}

// Close closes the stream, waking any blocked Read or Write. It is
// idempotent.
func (s *Stream) Close() error {
	if s.closed.Swap(true) {
		return nil
	}
	s.h.Close()

	// Wait out copies in flight before unmapping.
	s.readMu.Lock()
	s.writeMu.Lock()
	defer s.readMu.Unlock()
	defer s.writeMu.Unlock()

	err := s.mapping.Close()
	if s.lock != nil {
		if uerr := s.lock.Unlock(); err == nil {
			err = uerr
		}
	}
	return err
}
