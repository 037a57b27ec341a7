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

// Package irq turns device interrupts into wakeups.
//
// A Dispatcher reads the interrupt status register once per interrupt and
// wakes every waiter of each direction whose bits are set. It keeps no state
// beyond the registered wakers and does no flow-control arithmetic.
package irq

import (
	"fmt"
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"golang.org/x/sys/unix"
	"gvisor.dev/gvisor/pkg/atomicbitops"
	"gvisor.dev/gvisor/pkg/log"
	"gvisor.dev/gvisor/pkg/sync"
	"gvisor.dev/hififo/pkg/abi/hififo"
)

// Source is an interrupt line.
type Source interface {
	// Wait blocks until the device raises an interrupt or Wake is called.
	Wait() error

	// Wake makes a blocked or subsequent Wait return.
	Wake() error

	// Close releases the line.
	Close() error
}

// StatusReader reads and acknowledges the interrupt status register.
type StatusReader interface {
	Status() uint64
}

// Waker is woken when its direction reports progress.
type Waker interface {
	Wake()
}

// Dispatcher demultiplexes interrupts to Wakers.
type Dispatcher struct {
	status StatusReader

	mu sync.Mutex

	// +checklocks:mu
	wakers [hififo.MaxChannels][2]Waker

	stopped atomicbitops.Bool

	interrupts prometheus.Counter
	wakeups    *prometheus.CounterVec
}

// NewDispatcher returns a Dispatcher reading status. Metrics are registered
// with reg, which may be nil.
func NewDispatcher(status StatusReader, reg prometheus.Registerer) *Dispatcher {
	f := promauto.With(reg)
	return &Dispatcher{
		status: status,
		interrupts: f.NewCounter(prometheus.CounterOpts{
			Namespace: "hififo",
			Name:      "interrupts_total",
			Help:      "Number of interrupts handled.",
		}),
		wakeups: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "hififo",
			Name:      "wakeups_total",
			Help:      "Number of times the waiters of a direction were woken.",
		}, []string{"channel", "direction"}),
	}
}

// Register installs the wakers of a channel. Either may be nil.
func (d *Dispatcher) Register(channel int, drain, fill Waker) error {
	if channel < 0 || channel >= hififo.MaxChannels {
		return fmt.Errorf("channel %d out of range: %w", channel, unix.EINVAL)
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	d.wakers[channel][hififo.Drain] = drain
	d.wakers[channel][hififo.Fill] = fill
	return nil
}

// Unregister removes the wakers of a channel.
func (d *Dispatcher) Unregister(channel int) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.wakers[channel] = [2]Waker{}
}

// Dispatch wakes the directions reported in status.
func (d *Dispatcher) Dispatch(status uint64) {
	if status == 0 {
		return
	}
	d.mu.Lock()
	wakers := d.wakers
	d.mu.Unlock()

	for c := 0; c < hififo.MaxChannels; c++ {
		bits := (status >> (4 * uint(c))) & hififo.IntChannelMask
		if bits == 0 {
			continue
		}
		for _, dir := range []hififo.Direction{hififo.Drain, hififo.Fill} {
			if bits&hififo.DirectionBits(dir) == 0 {
				continue
			}
			w := wakers[c][dir]
			if w == nil {
				log.Debugf("hififo%d: %s interrupt with no waiters registered", c, dir)
				continue
			}
			w.Wake()
			d.wakeups.WithLabelValues(strconv.Itoa(c), dir.String()).Inc()
		}
	}
}

// Handle reads the status register and dispatches it. It is the body of the
// interrupt handler.
func (d *Dispatcher) Handle() {
	d.interrupts.Inc()
	d.Dispatch(d.status.Status())
}

// Run handles interrupts from src until Stop is called or src fails.
func (d *Dispatcher) Run(src Source) error {
	for {
		if err := src.Wait(); err != nil {
			if d.stopped.Load() {
				return nil
			}
			return fmt.Errorf("waiting for interrupt: %w", err)
		}
		if d.stopped.Load() {
			return nil
		}
		d.Handle()
	}
}

// Stop makes Run return. It does not close src.
func (d *Dispatcher) Stop(src Source) error {
	d.stopped.Store(true)
	return src.Wake()
}
