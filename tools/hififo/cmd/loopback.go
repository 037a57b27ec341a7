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

package cmd

import (
	"context"
	"encoding/binary"
	"fmt"
	"io"
	"time"

	"github.com/google/subcommands"
	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/sync/errgroup"
	"gvisor.dev/gvisor/pkg/log"
	"gvisor.dev/gvisor/runsc/flag"
	"gvisor.dev/hififo/pkg/config"
	"gvisor.dev/hififo/pkg/fifo"
	"gvisor.dev/hififo/pkg/fifoio"
)

const (
	// firstWord is the first counter value written.
	firstWord = 0xDEADE00000000000

	// writeWords and readWords are the burst sizes of the writer and the
	// checker, in 64-bit words.
	writeWords = 512 << 10
	readWords  = 128 << 10

	// maxReported is the number of mismatches logged individually.
	maxReported = 10
)

// Loopback implements subcommands.Command for the "loopback" command.
type Loopback struct {
	from  string
	to    string
	bytes uint64
}

// Name implements subcommands.Command.Name.
func (*Loopback) Name() string {
	return "loopback"
}

// Synopsis implements subcommands.Command.Synopsis.
func (*Loopback) Synopsis() string {
	return "stream a counter through the board and check it comes back"
}

// Usage implements subcommands.Command.Usage.
func (*Loopback) Usage() string {
	return `loopback [-from=hififo0] [-to=hififo0] [-bytes=N] - write a 64-bit counter to one channel's fill ring, read it back from a drain ring, and report mismatches and throughput
`
}

// SetFlags implements subcommands.Command.SetFlags.
func (l *Loopback) SetFlags(f *flag.FlagSet) {
	f.StringVar(&l.from, "from", "hififo0", "channel to write the counter to.")
	f.StringVar(&l.to, "to", "hififo0", "channel to read the counter from.")
	f.Uint64Var(&l.bytes, "bytes", 64<<20, "number of bytes to stream, rounded up to a whole writer burst.")
}

// Execute implements subcommands.Command.Execute.
func (l *Loopback) Execute(ctx context.Context, f *flag.FlagSet, args ...any) subcommands.ExitStatus {
	if f.NArg() != 0 {
		f.Usage()
		return subcommands.ExitUsageError
	}
	conf := args[0].(*config.Config)
	reg := args[1].(prometheus.Registerer)

	b, err := OpenBoard(conf, reg)
	if err != nil {
		return Errorf("opening board: %v", err)
	}
	defer b.Close()

	r, err := runLoopback(ctx, b.Device, l.from, l.to, l.bytes, conf.StreamOptions())
	if err != nil {
		return Errorf("loopback: %v", err)
	}
	fmt.Printf("%d bytes in %v: %.1f MB/s, %d mismatches\n", r.bytes, r.elapsed, r.rate(), r.mismatches)
	if r.mismatches != 0 {
		return subcommands.ExitFailure
	}
	return subcommands.ExitSuccess
}

type loopbackResult struct {
	bytes      uint64
	elapsed    time.Duration
	mismatches uint64
}

// rate returns the throughput in MB/s.
func (r *loopbackResult) rate() float64 {
	return float64(r.bytes) / r.elapsed.Seconds() / 1e6
}

// runLoopback writes a counter to channel from and checks it as it is read
// back from channel to.
func runLoopback(ctx context.Context, dev *fifo.Device, from, to string, n uint64, opts fifoio.Options) (*loopbackResult, error) {
	const burst = writeWords * 8
	bursts := max(1, (n+burst-1)/burst)

	w, err := fifoio.Open(dev, from, opts)
	if err != nil {
		return nil, err
	}
	defer w.Close()
	r := w
	if to != from {
		if r, err = fifoio.Open(dev, to, opts); err != nil {
			return nil, err
		}
		defer r.Close()
	}

	res := &loopbackResult{bytes: bursts * burst}
	g, ctx := errgroup.WithContext(ctx)
	// Unblock the other side once one fails.
	go func() {
		<-ctx.Done()
		w.Close()
		r.Close()
	}()

	start := time.Now()
	g.Go(func() error {
		buf := make([]byte, burst)
		next := uint64(firstWord)
		for i := uint64(0); i < bursts; i++ {
			for j := 0; j < len(buf); j += 8 {
				binary.LittleEndian.PutUint64(buf[j:], next)
				next++
			}
			if _, err := w.Write(buf); err != nil {
				return fmt.Errorf("writing burst %d: %w", i, err)
			}
		}
		return nil
	})
	g.Go(func() error {
		buf := make([]byte, readWords*8)
		want := uint64(firstWord)
		for got := uint64(0); got < res.bytes; got += uint64(len(buf)) {
			if _, err := io.ReadFull(r, buf); err != nil {
				return fmt.Errorf("reading at byte %d: %w", got, err)
			}
			for j := 0; j < len(buf); j += 8 {
				if v := binary.LittleEndian.Uint64(buf[j:]); v != want {
					if res.mismatches < maxReported {
						log.Warningf("word %d: got %#x, want %#x", want-firstWord, v, want)
					}
					res.mismatches++
				}
				want++
			}
		}
		return nil
	})
	err = g.Wait()
	res.elapsed = time.Since(start)
	if err != nil {
		return nil, err
	}
	return res, nil
}
