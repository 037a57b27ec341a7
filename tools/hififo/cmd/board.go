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

// Package cmd holds the subcommands of the hififo tool.
package cmd

import (
	"fmt"
	"os"
	"time"

	"github.com/cenkalti/backoff"
	"github.com/prometheus/client_golang/prometheus"
	"gvisor.dev/gvisor/pkg/cleanup"
	"gvisor.dev/gvisor/pkg/log"
	"gvisor.dev/hififo/pkg/abi/hififo"
	"gvisor.dev/hififo/pkg/config"
	"gvisor.dev/hififo/pkg/dma"
	"gvisor.dev/hififo/pkg/fifo"
	"gvisor.dev/hififo/pkg/irq"
	"gvisor.dev/hififo/pkg/mmio"
	"gvisor.dev/hififo/pkg/sim"
)

// nodeTimeout bounds the wait for a device node to appear, for example while
// udev is still creating it after the driver binds.
const nodeTimeout = 5 * time.Second

// Board is a device that has been brought up, with the resources behind it.
type Board struct {
	*fifo.Device
	release func()
}

// OpenBoard brings up the board named by conf: the hardware at
// conf.Device.BAR, or an emulated board if it is empty.
func OpenBoard(conf *config.Config, reg prometheus.Registerer) (*Board, error) {
	var cu cleanup.Cleanup
	defer cu.Clean()

	var (
		w     mmio.Window
		space dma.AddressSpace
		src   irq.Source
	)
	if conf.Device.BAR == "" {
		bus := dma.NewBus()
		line, err := irq.NewLine()
		if err != nil {
			return nil, err
		}
		cu.Add(func() { line.Close() })
		s, err := sim.New(conf.SimOptions(bus, line))
		if err != nil {
			return nil, fmt.Errorf("error creating emulated board: %w", err)
		}
		s.Start()
		cu.Add(s.Close)
		w, space, src = s, bus, line
		log.Infof("Using an emulated board, routes %+v", conf.Sim.Routes)
	} else {
		if err := waitForNode(conf.Device.BAR, nodeTimeout); err != nil {
			return nil, err
		}
		m, err := mmio.Map(conf.Device.BAR, hififo.WindowSize)
		if err != nil {
			return nil, err
		}
		cu.Add(func() { m.Close() })
		pm, err := dma.OpenPagemap()
		if err != nil {
			return nil, err
		}
		cu.Add(func() { pm.Close() })
		w, space = m, pm
		if conf.Device.UIO != "" {
			if err := waitForNode(conf.Device.UIO, nodeTimeout); err != nil {
				return nil, err
			}
			u, err := irq.OpenUIO(conf.Device.UIO)
			if err != nil {
				return nil, err
			}
			cu.Add(func() { u.Close() })
			src = u
		}
	}

	opts := conf.DeviceOptions()
	opts.Metrics = reg
	dev, err := fifo.NewDevice(w, space, src, opts)
	if err != nil {
		return nil, err
	}
	return &Board{Device: dev, release: cu.Release()}, nil
}

// Close shuts the device down and releases the resources behind it.
func (b *Board) Close() error {
	err := b.Device.Close()
	b.release()
	return err
}

// waitForNode waits up to timeout for path to exist.
func waitForNode(path string, timeout time.Duration) error {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = time.Millisecond
	b.MaxInterval = 100 * time.Millisecond
	b.MaxElapsedTime = timeout

	op := func() error {
		_, err := os.Stat(path)
		if err != nil && !os.IsNotExist(err) {
			return backoff.Permanent(err)
		}
		return err
	}
	if err := backoff.Retry(op, b); err != nil {
		return fmt.Errorf("waiting for %s: %w", path, err)
	}
	return nil
}
